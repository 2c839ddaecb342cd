package shadowfs

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/jacobsa/fuse/fuseops"
)

// allocatedInodeID hands out synthetic inode numbers for paths whose real
// device inode cannot be used directly, starting above the root inode.
var allocatedInodeID uint64 = uint64(fuseops.RootInodeID)

func nextInodeID() fuseops.InodeID {
	return fuseops.InodeID(atomic.AddUint64(&allocatedInodeID, 1))
}

// entry is one node in the inode table: an ID bound to the real path it
// shadows, rooted at the filesystem's cache root. Attributes are never
// cached on the struct — every query re-stats the real path, since the
// fetch daemon mutates the cache out from under this process.
type entry struct {
	id   fuseops.InodeID
	path string
}

// inodeTable maps fuseops.InodeID to *entry and supports looking up or
// minting an entry for a (parent, name) pair the way the kernel expects
// for LookUpInode.
type inodeTable struct {
	mu     sync.Mutex
	byID   map[fuseops.InodeID]*entry
	byPath map[string]*entry
}

func newInodeTable(rootPath string) *inodeTable {
	t := &inodeTable{
		byID:   make(map[fuseops.InodeID]*entry),
		byPath: make(map[string]*entry),
	}
	root := &entry{id: fuseops.RootInodeID, path: rootPath}
	t.byID[root.id] = root
	t.byPath[root.path] = root
	return t
}

func (t *inodeTable) get(id fuseops.InodeID) (*entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byID[id]
	return e, ok
}

// childPath returns the filesystem path for name under parent, or ("",
// false) if parent is unknown. It does not require the child to exist.
func (t *inodeTable) childPath(parent fuseops.InodeID, name string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.byID[parent]
	if !ok {
		return "", false
	}
	return filepath.Join(p.path, name), true
}

// getOrCreate returns the entry for path, minting a new inode ID if this
// is the first time path has been seen. The real inode number from the
// underlying filesystem is used as the ID so hard links and repeated
// lookups are stable, falling back to a synthetic ID when unavailable.
func (t *inodeTable) getOrCreate(path string, fi os.FileInfo) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.byPath[path]; ok {
		return e
	}

	id := nextInodeID()
	if stat, ok := fi.Sys().(*syscall.Stat_t); ok && stat.Ino != 0 {
		id = fuseops.InodeID(stat.Ino)
	}

	e := &entry{id: id, path: path}
	t.byID[id] = e
	t.byPath[path] = e
	return e
}

// rename updates the table in place after a successful on-disk rename, so
// that the existing inode ID continues to refer to the moved file/dir
// rather than minting a new one.
func (t *inodeTable) rename(oldPath, newPath string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.byPath[oldPath]
	if !ok {
		return
	}
	delete(t.byPath, oldPath)
	e.path = newPath
	t.byPath[newPath] = e
}

// forget drops the table's record of id, mirroring ForgetInodeOp.
func (t *inodeTable) forget(id fuseops.InodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.byID[id]; ok {
		delete(t.byID, id)
		delete(t.byPath, e.path)
	}
}
