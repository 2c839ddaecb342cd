package fetchproc

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"

	"github.com/clearlinux/dbginfo/internal/dedup"
)

func buildArtifact(t *testing.T, content string) []byte {
	t.Helper()
	var buf bytes.Buffer
	xw, err := xz.NewWriter(&buf)
	require.NoError(t, err)
	tw := tar.NewWriter(xw)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "bar.debug", Mode: 0o644, Size: int64(len(content))}))
	_, err = tw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, xw.Close())
	return buf.Bytes()
}

func TestFetchOKExtractsIntoCacheRoot(t *testing.T) {
	artifact := buildArtifact(t, "hello-debug-bytes")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Last-Modified", "Mon, 02 Jan 2006 15:04:05 GMT")
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			io.Copy(w, bytes.NewReader(artifact))
		}
	}))
	defer srv.Close()

	cacheRoot := t.TempDir()
	tmpDir := t.TempDir()
	f := New(dedup.New(), tmpDir)

	status := f.Fetch(context.Background(), srv.URL+"/lib/foo/bar.debug.tar", cacheRoot, 0)
	assert.Equal(t, StatusOK, status)
}

func TestFetchDedupedReturnsWithoutSecondRequest(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	d := dedup.New()
	f := New(d, t.TempDir())
	url := srv.URL + "/lib/foo.tar"

	status1 := f.Fetch(context.Background(), url, t.TempDir(), 0)
	status2 := f.Fetch(context.Background(), url, t.TempDir(), 0)

	assert.Equal(t, StatusAbsent, status1)
	assert.Equal(t, StatusDeduped, status2)
}

func TestFetchNotFoundReturnsAbsent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := New(dedup.New(), t.TempDir())
	status := f.Fetch(context.Background(), srv.URL+"/lib/missing.tar", t.TempDir(), 0)
	assert.Equal(t, StatusAbsent, status)
}

func TestFetchNotModifiedOnHead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	f := New(dedup.New(), t.TempDir())
	status := f.Fetch(context.Background(), srv.URL+"/lib/foo.tar", t.TempDir(), 1700000000)
	assert.Equal(t, StatusNotModified, status)
}
