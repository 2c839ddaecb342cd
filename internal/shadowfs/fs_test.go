package shadowfs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubFetcher struct {
	calls []string
	err   error
}

func (s *stubFetcher) TryToGet(prefix, path string, pid int, timestamp int64) error {
	s.calls = append(s.calls, prefix+":"+path)
	return s.err
}

func newTestFS(t *testing.T, fetch Fetcher) (*ShadowFS, string) {
	t.Helper()
	root := t.TempDir()
	log := logrus.New()
	log.SetOutput(testWriter{t})
	return New(root, "lib", fetch, log), root
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestLookUpInodeTriggersFetchAndReturnsENOENTWhenAbsent(t *testing.T) {
	fetch := &stubFetcher{}
	fs, _ := newTestFS(t, fetch)

	op := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "missing.debug"}
	err := fs.LookUpInode(context.Background(), op)

	require.Error(t, err)
	assert.Equal(t, []string{"lib:/missing.debug"}, fetch.calls)
}

func TestLookUpInodeSucceedsAfterFetchPopulatesFile(t *testing.T) {
	fetch := &stubFetcher{}
	fs, root := newTestFS(t, fetch)

	fetch.err = nil
	// Simulate the fetch daemon having already populated the cache; the
	// fetch client call itself is a no-op stub here.
	require.NoError(t, os.WriteFile(filepath.Join(root, "foo.debug"), []byte("data"), 0o644))

	op := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "foo.debug"}
	err := fs.LookUpInode(context.Background(), op)

	require.NoError(t, err)
	assert.Equal(t, uint64(4), op.Entry.Attributes.Size)
	assert.Len(t, fetch.calls, 1)
}

func TestGetInodeAttributesTriggersFetch(t *testing.T) {
	fetch := &stubFetcher{}
	fs, root := newTestFS(t, fetch)

	fi, err := os.Stat(root)
	require.NoError(t, err)
	e := fs.inodes.getOrCreate(root, fi)

	op := &fuseops.GetInodeAttributesOp{Inode: e.id}
	require.NoError(t, fs.GetInodeAttributes(context.Background(), op))
	assert.Equal(t, []string{"lib:/"}, fetch.calls)
}

func TestMkDirAndRmDirRoundTrip(t *testing.T) {
	fetch := &stubFetcher{}
	fs, root := newTestFS(t, fetch)

	mkOp := &fuseops.MkDirOp{Parent: fuseops.RootInodeID, Name: "sub", Mode: 0o755}
	require.NoError(t, fs.MkDir(context.Background(), mkOp))

	info, err := os.Stat(filepath.Join(root, "sub"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	rmOp := &fuseops.RmDirOp{Parent: fuseops.RootInodeID, Name: "sub"}
	require.NoError(t, fs.RmDir(context.Background(), rmOp))

	_, err = os.Stat(filepath.Join(root, "sub"))
	assert.True(t, os.IsNotExist(err))
}

func TestCreateFileThenReadWrite(t *testing.T) {
	fetch := &stubFetcher{}
	fs, _ := newTestFS(t, fetch)

	createOp := &fuseops.CreateFileOp{Parent: fuseops.RootInodeID, Name: "new.txt", Mode: 0o644}
	require.NoError(t, fs.CreateFile(context.Background(), createOp))

	writeOp := &fuseops.WriteFileOp{Handle: createOp.Handle, Offset: 0, Data: []byte("hello")}
	require.NoError(t, fs.WriteFile(context.Background(), writeOp))

	readOp := &fuseops.ReadFileOp{Handle: createOp.Handle, Offset: 0, Dst: make([]byte, 5)}
	require.NoError(t, fs.ReadFile(context.Background(), readOp))
	assert.Equal(t, "hello", string(readOp.Dst[:readOp.BytesRead]))

	require.NoError(t, fs.ReleaseFileHandle(context.Background(), &fuseops.ReleaseFileHandleOp{Handle: createOp.Handle}))
}

func TestMkNodeRegularFileCreatesEmptyFile(t *testing.T) {
	fetch := &stubFetcher{}
	fs, root := newTestFS(t, fetch)

	op := &fuseops.MkNodeOp{Parent: fuseops.RootInodeID, Name: "plain", Mode: 0o644}
	require.NoError(t, fs.MkNode(context.Background(), op))

	info, err := os.Lstat(filepath.Join(root, "plain"))
	require.NoError(t, err)
	assert.True(t, info.Mode().IsRegular())
}

func TestMkNodeFIFOCreatesNamedPipe(t *testing.T) {
	fetch := &stubFetcher{}
	fs, root := newTestFS(t, fetch)

	op := &fuseops.MkNodeOp{Parent: fuseops.RootInodeID, Name: "fifo", Mode: os.ModeNamedPipe | 0o644}
	require.NoError(t, fs.MkNode(context.Background(), op))

	info, err := os.Lstat(filepath.Join(root, "fifo"))
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&os.ModeNamedPipe)
}

func TestRenameUpdatesInodeTable(t *testing.T) {
	fetch := &stubFetcher{}
	fs, root := newTestFS(t, fetch)

	require.NoError(t, os.WriteFile(filepath.Join(root, "a"), []byte("x"), 0o644))
	fi, err := os.Lstat(filepath.Join(root, "a"))
	require.NoError(t, err)
	e := fs.inodes.getOrCreate(filepath.Join(root, "a"), fi)

	renameOp := &fuseops.RenameOp{
		OldParent: fuseops.RootInodeID, OldName: "a",
		NewParent: fuseops.RootInodeID, NewName: "b",
	}
	require.NoError(t, fs.Rename(context.Background(), renameOp))

	got, ok := fs.inodes.get(e.id)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(root, "b"), got.path)
}

func TestOpenDirReadDirListsEntries(t *testing.T) {
	fetch := &stubFetcher{}
	fs, root := newTestFS(t, fetch)

	require.NoError(t, os.WriteFile(filepath.Join(root, "one"), []byte("1"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(root, "two"), 0o755))

	openOp := &fuseops.OpenDirOp{Inode: fuseops.RootInodeID}
	require.NoError(t, fs.OpenDir(context.Background(), openOp))

	fs.handlesMu.Lock()
	n := len(fs.dirs[openOp.Handle].entries)
	fs.handlesMu.Unlock()
	assert.Equal(t, 2, n)

	require.NoError(t, fs.ReleaseDirHandle(context.Background(), &fuseops.ReleaseDirHandleOp{Handle: openOp.Handle}))
}

func TestForgetInodeRemovesEntry(t *testing.T) {
	fetch := &stubFetcher{}
	fs, root := newTestFS(t, fetch)

	fi, err := os.Stat(root)
	require.NoError(t, err)
	e := fs.inodes.getOrCreate(filepath.Join(root, "x"), fi)

	require.NoError(t, fs.ForgetInode(context.Background(), &fuseops.ForgetInodeOp{ID: e.id}))
	_, ok := fs.inodes.get(e.id)
	assert.False(t, ok)
}
