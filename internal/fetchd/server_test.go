package fetchd

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"

	"github.com/clearlinux/dbginfo/internal/wire"
)

func buildArtifact(t *testing.T, content string) []byte {
	t.Helper()
	var buf bytes.Buffer
	xw, err := xz.NewWriter(&buf)
	require.NoError(t, err)
	tw := tar.NewWriter(xw)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "foo/bar.debug", Mode: 0o644, Size: int64(len(content))}))
	_, err = tw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, xw.Close())
	return buf.Bytes()
}

func newTestServer(t *testing.T, originURL string) (*Server, net.Listener) {
	t.Helper()
	cacheRoot := t.TempDir()
	log := logrus.New()
	log.SetOutput(io.Discard)

	s, err := New("test-socket", CacheRoots{"lib": cacheRoot}, []string{originURL + "/"}, t.TempDir(), log)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return s, ln
}

func TestServeRejectsMalformedRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no HTTP request should be made for a malformed wire request")
	}))
	defer srv.Close()

	s, ln := newTestServer(t, srv.URL)
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Serve(ctx, ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("not-a-valid-request"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	assert.True(t, n == 0 || err != nil, "expected no reply for a malformed request")
}

func TestServeFetchesAndExtracts(t *testing.T) {
	artifact := buildArtifact(t, "debug-bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			io.Copy(w, bytes.NewReader(artifact))
		}
	}))
	defer srv.Close()

	s, ln := newTestServer(t, srv.URL)
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Serve(ctx, ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	req := wire.Encode(wire.Request{Timestamp: 0, Prefix: "lib", Path: "/foo/bar.debug"})
	_, err = conn.Write(req)
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, len(wire.OKReply))
	n, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, wire.OKReply, buf[:n])

	got, err := os.ReadFile(filepath.Join(s.CacheRoots["lib"], "foo/bar.debug"))
	require.NoError(t, err)
	assert.Equal(t, "debug-bytes", string(got))
}
