// Package shadowfs implements the passthrough filesystem that shadows a
// cache directory beneath a debug tree's mount point, triggering on-demand
// hydration from the fetch daemon on attribute lookups.
package shadowfs

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/detailyang/go-fallocate"
	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/jacobsa/timeutil"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/clearlinux/dbginfo/internal/fetchclient"
)

// Fetcher is the subset of *fetchclient.Client the filesystem depends on,
// so tests can substitute a stub.
type Fetcher interface {
	TryToGet(prefix, path string, pid int, timestamp int64) error
}

// ShadowFS is a read/write passthrough filesystem over Root, triggering a
// fetch-daemon lookup on every attribute query.
type ShadowFS struct {
	fuseutil.NotImplementedFileSystem

	Root   string
	Prefix string
	Fetch  Fetcher
	Log    *logrus.Logger
	Clock  timeutil.Clock

	inodes *inodeTable

	handlesMu sync.Mutex
	dirs      map[fuseops.HandleID]*openDir
	nextDir   fuseops.HandleID
	files     map[fuseops.HandleID]*os.File
	nextFile  fuseops.HandleID
}

type openDir struct {
	entries []*fuseutil.Dirent
}

// New builds a ShadowFS rooted at root, presenting itself to the fetch
// daemon under prefix (e.g. "lib" or "src").
func New(root, prefix string, fetch Fetcher, log *logrus.Logger) *ShadowFS {
	return &ShadowFS{
		Root:   root,
		Prefix: prefix,
		Fetch:  fetch,
		Log:    log,
		Clock:  timeutil.RealClock(),
		inodes: newInodeTable(root),
		dirs:   make(map[fuseops.HandleID]*openDir),
		files:  make(map[fuseops.HandleID]*os.File),
	}
}

var _ fuseutil.FileSystem = &ShadowFS{}

// callerPID identifies the process whose syscall is driving the current
// op, for the recursion guard in 4.2. This generation of the FUSE op API
// does not surface a per-request caller PID (see DESIGN.md), so this
// returns the shadow filesystem's own PID. The fetch daemon runs as a
// separate process, so its peer PID never equals this value and the
// recursion check in TryToGet does not detect the fetch daemon's own
// accesses to this mount.
func callerPID() int {
	return os.Getpid()
}

// virtualPath converts a real, on-disk path rooted at fs.Root into the
// "/P" form sent to the fetch daemon.
func (fs *ShadowFS) virtualPath(realPath string) string {
	rel, err := filepath.Rel(fs.Root, realPath)
	if err != nil || rel == "." {
		return "/"
	}
	return "/" + filepath.ToSlash(rel)
}

// triggerFetch implements the trigger protocol from 4.1: stat, ask FD
// (ignoring recursion errors, which just mean "don't wait"), re-stat.
func (fs *ShadowFS) triggerFetch(realPath string) (os.FileInfo, error) {
	fi, statErr := os.Lstat(realPath)

	var known int64
	if statErr == nil {
		known = fi.ModTime().Unix()
	}

	if err := fs.Fetch.TryToGet(fs.Prefix, fs.virtualPath(realPath), callerPID(), known); err != nil {
		fs.Log.WithError(err).Debug("fetch client aborted")
	}

	return os.Lstat(realPath)
}

func toAttributes(fi os.FileInfo) fuseops.InodeAttributes {
	stat, _ := fi.Sys().(*syscall.Stat_t)

	attrs := fuseops.InodeAttributes{
		Size:  uint64(fi.Size()),
		Nlink: 1,
		Mode:  fi.Mode(),
		Mtime: fi.ModTime(),
	}
	if stat != nil {
		attrs.Nlink = uint32(stat.Nlink)
		attrs.Uid = stat.Uid
		attrs.Gid = stat.Gid
		attrs.Atime = time.Unix(stat.Atim.Sec, stat.Atim.Nsec)
		attrs.Ctime = time.Unix(stat.Ctim.Sec, stat.Ctim.Nsec)
	} else {
		attrs.Uid = uint32(os.Getuid())
		attrs.Gid = uint32(os.Getgid())
	}
	return attrs
}

func errnoFor(err error) error {
	if err == nil {
		return nil
	}
	if os.IsNotExist(err) {
		return fuse.ENOENT
	}
	if pathErr, ok := err.(*os.PathError); ok {
		return pathErr.Err
	}
	if linkErr, ok := err.(*os.LinkError); ok {
		return linkErr.Err
	}
	return fuse.EIO
}

////////////////////////////////////////////////////////////////////////
// Inode lifecycle
////////////////////////////////////////////////////////////////////////

func (fs *ShadowFS) Init(ctx context.Context, op *fuseops.InitOp) error {
	return nil
}

func (fs *ShadowFS) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	realPath, ok := fs.inodes.childPath(op.Parent, op.Name)
	if !ok {
		return fuse.ENOENT
	}

	fi, err := fs.triggerFetch(realPath)
	if err != nil {
		return errnoFor(err)
	}

	e := fs.inodes.getOrCreate(realPath, fi)
	op.Entry.Child = e.id
	op.Entry.Attributes = toAttributes(fi)
	op.Entry.AttributesExpiration = fs.Clock.Now()
	op.Entry.EntryExpiration = fs.Clock.Now()
	return nil
}

func (fs *ShadowFS) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	e, ok := fs.inodes.get(op.Inode)
	if !ok {
		return fuse.ENOENT
	}

	fi, err := fs.triggerFetch(e.path)
	if err != nil {
		return errnoFor(err)
	}

	op.Attributes = toAttributes(fi)
	op.AttributesExpiration = fs.Clock.Now()
	return nil
}

func (fs *ShadowFS) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	e, ok := fs.inodes.get(op.Inode)
	if !ok {
		return fuse.ENOENT
	}

	if op.Size != nil {
		if err := os.Truncate(e.path, int64(*op.Size)); err != nil {
			return errnoFor(err)
		}
		if f, err := os.OpenFile(e.path, os.O_WRONLY, 0); err == nil {
			fallocate.Fallocate(f, 0, int64(*op.Size))
			f.Close()
		}
	}
	if op.Mode != nil {
		if err := os.Chmod(e.path, *op.Mode); err != nil {
			return errnoFor(err)
		}
	}
	if op.Atime != nil || op.Mtime != nil {
		atime := fs.Clock.Now()
		mtime := atime
		if op.Atime != nil {
			atime = *op.Atime
		}
		if op.Mtime != nil {
			mtime = *op.Mtime
		}
		// utimensat with AT_SYMLINK_NOFOLLOW, per 4.1's tie-break rule.
		if err := unix.UtimesNanoAt(unix.AT_FDCWD, e.path, []unix.Timespec{
			unix.NsecToTimespec(atime.UnixNano()),
			unix.NsecToTimespec(mtime.UnixNano()),
		}, unix.AT_SYMLINK_NOFOLLOW); err != nil {
			return errnoFor(err)
		}
	}

	fi, err := os.Lstat(e.path)
	if err != nil {
		return errnoFor(err)
	}
	op.Attributes = toAttributes(fi)
	op.AttributesExpiration = fs.Clock.Now()
	return nil
}

func (fs *ShadowFS) ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) error {
	fs.inodes.forget(op.ID)
	return nil
}

////////////////////////////////////////////////////////////////////////
// Creation
////////////////////////////////////////////////////////////////////////

func (fs *ShadowFS) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	path, ok := fs.inodes.childPath(op.Parent, op.Name)
	if !ok {
		return fuse.ENOENT
	}
	if err := os.Mkdir(path, op.Mode); err != nil {
		return errnoFor(err)
	}
	return fs.fillEntry(path, &op.Entry)
}

// MkNode decomposes by mode, per 4.1's mknod contract: a regular file is
// created via O_CREAT|O_EXCL|O_WRONLY, a FIFO via mkfifo, and anything
// else via mknod.
func (fs *ShadowFS) MkNode(ctx context.Context, op *fuseops.MkNodeOp) error {
	path, ok := fs.inodes.childPath(op.Parent, op.Name)
	if !ok {
		return fuse.ENOENT
	}

	switch {
	case op.Mode&os.ModeType == 0:
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, op.Mode.Perm())
		if err != nil {
			return errnoFor(err)
		}
		f.Close()

	case op.Mode&os.ModeNamedPipe != 0:
		if err := unix.Mkfifo(path, uint32(op.Mode.Perm())); err != nil {
			return errnoFor(err)
		}

	default:
		if err := unix.Mknod(path, uint32(op.Mode), int(op.Rdev)); err != nil {
			return errnoFor(err)
		}
	}

	return fs.fillEntry(path, &op.Entry)
}

// CreateFile always creates a regular file, opened O_CREAT|O_EXCL|O_RDWR
// so the returned handle serves both reads and writes; FIFOs and other
// node types arrive via MkNode instead, which the kernel calls directly
// rather than routing through CreateFile.
func (fs *ShadowFS) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	path, ok := fs.inodes.childPath(op.Parent, op.Name)
	if !ok {
		return fuse.ENOENT
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, op.Mode)
	if err != nil {
		return errnoFor(err)
	}

	if err := fs.fillEntry(path, &op.Entry); err != nil {
		f.Close()
		return err
	}
	op.Handle = fs.storeFile(f)
	return nil
}

func (fs *ShadowFS) CreateSymlink(ctx context.Context, op *fuseops.CreateSymlinkOp) error {
	path, ok := fs.inodes.childPath(op.Parent, op.Name)
	if !ok {
		return fuse.ENOENT
	}
	if err := os.Symlink(op.Target, path); err != nil {
		return errnoFor(err)
	}
	return fs.fillEntry(path, &op.Entry)
}

func (fs *ShadowFS) CreateLink(ctx context.Context, op *fuseops.CreateLinkOp) error {
	target, ok := fs.inodes.get(op.Target)
	if !ok {
		return fuse.ENOENT
	}
	path, ok := fs.inodes.childPath(op.Parent, op.Name)
	if !ok {
		return fuse.ENOENT
	}
	if err := os.Link(target.path, path); err != nil {
		return errnoFor(err)
	}
	return fs.fillEntry(path, &op.Entry)
}

func (fs *ShadowFS) fillEntry(path string, out *fuseops.ChildInodeEntry) error {
	fi, err := os.Lstat(path)
	if err != nil {
		return errnoFor(err)
	}
	e := fs.inodes.getOrCreate(path, fi)
	out.Child = e.id
	out.Attributes = toAttributes(fi)
	out.AttributesExpiration = fs.Clock.Now()
	out.EntryExpiration = fs.Clock.Now()
	return nil
}

////////////////////////////////////////////////////////////////////////
// Removal and rename
////////////////////////////////////////////////////////////////////////

func (fs *ShadowFS) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	path, ok := fs.inodes.childPath(op.Parent, op.Name)
	if !ok {
		return fuse.ENOENT
	}
	if err := os.Remove(path); err != nil {
		return errnoFor(err)
	}
	return nil
}

func (fs *ShadowFS) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	path, ok := fs.inodes.childPath(op.Parent, op.Name)
	if !ok {
		return fuse.ENOENT
	}
	if err := os.Remove(path); err != nil {
		return errnoFor(err)
	}
	return nil
}

func (fs *ShadowFS) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	oldPath, ok := fs.inodes.childPath(op.OldParent, op.OldName)
	if !ok {
		return fuse.ENOENT
	}
	newPath, ok := fs.inodes.childPath(op.NewParent, op.NewName)
	if !ok {
		return fuse.ENOENT
	}
	if err := os.Rename(oldPath, newPath); err != nil {
		return errnoFor(err)
	}
	fs.inodes.rename(oldPath, newPath)
	return nil
}

////////////////////////////////////////////////////////////////////////
// Directory handles
////////////////////////////////////////////////////////////////////////

func (fs *ShadowFS) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	e, ok := fs.inodes.get(op.Inode)
	if !ok {
		return fuse.ENOENT
	}

	children, err := os.ReadDir(e.path)
	if err != nil {
		return errnoFor(err)
	}

	dirents := make([]*fuseutil.Dirent, 0, len(children))
	for i, child := range children {
		childPath := filepath.Join(e.path, child.Name())
		info, err := child.Info()
		if err != nil {
			continue
		}
		childEntry := fs.inodes.getOrCreate(childPath, info)

		dirents = append(dirents, &fuseutil.Dirent{
			Offset: fuseops.DirOffset(i + 1),
			Inode:  childEntry.id,
			Name:   child.Name(),
			Type:   direntType(info),
		})
	}

	fs.handlesMu.Lock()
	fs.nextDir++
	handle := fs.nextDir
	fs.dirs[handle] = &openDir{entries: dirents}
	fs.handlesMu.Unlock()

	op.Handle = handle
	return nil
}

func direntType(fi os.FileInfo) fuseutil.DirentType {
	switch {
	case fi.IsDir():
		return fuseutil.DT_Directory
	case fi.Mode()&os.ModeSymlink != 0:
		return fuseutil.DT_Link
	default:
		return fuseutil.DT_File
	}
}

func (fs *ShadowFS) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	fs.handlesMu.Lock()
	dir, ok := fs.dirs[op.Handle]
	fs.handlesMu.Unlock()
	if !ok {
		return fuse.ENOENT
	}

	if int(op.Offset) > len(dir.entries) {
		return nil
	}
	entries := dir.entries[op.Offset:]

	for _, e := range entries {
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], *e)
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}

func (fs *ShadowFS) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	fs.handlesMu.Lock()
	delete(fs.dirs, op.Handle)
	fs.handlesMu.Unlock()
	return nil
}

////////////////////////////////////////////////////////////////////////
// File handles
////////////////////////////////////////////////////////////////////////

func (fs *ShadowFS) storeFile(f *os.File) fuseops.HandleID {
	fs.handlesMu.Lock()
	defer fs.handlesMu.Unlock()
	fs.nextFile++
	fs.files[fs.nextFile] = f
	return fs.nextFile
}

func (fs *ShadowFS) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	e, ok := fs.inodes.get(op.Inode)
	if !ok {
		return fuse.ENOENT
	}

	f, err := os.OpenFile(e.path, os.O_RDWR, 0)
	if err != nil {
		f, err = os.Open(e.path)
	}
	if err != nil {
		return errnoFor(err)
	}
	op.Handle = fs.storeFile(f)
	op.KeepPageCache = true
	return nil
}

func (fs *ShadowFS) getFile(h fuseops.HandleID) (*os.File, bool) {
	fs.handlesMu.Lock()
	defer fs.handlesMu.Unlock()
	f, ok := fs.files[h]
	return f, ok
}

func (fs *ShadowFS) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	f, ok := fs.getFile(op.Handle)
	if !ok {
		return fuse.ENOENT
	}
	n, err := f.ReadAt(op.Dst, op.Offset)
	op.BytesRead = n
	if err != nil && err != io.EOF {
		return errnoFor(err)
	}
	return nil
}

func (fs *ShadowFS) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	f, ok := fs.getFile(op.Handle)
	if !ok {
		return fuse.ENOENT
	}
	if _, err := f.WriteAt(op.Data, op.Offset); err != nil {
		return errnoFor(err)
	}
	return nil
}

func (fs *ShadowFS) SyncFile(ctx context.Context, op *fuseops.SyncFileOp) error {
	f, ok := fs.getFile(op.Handle)
	if !ok {
		return fuse.ENOENT
	}
	return errnoFor(f.Sync())
}

func (fs *ShadowFS) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error {
	return nil
}

func (fs *ShadowFS) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	fs.handlesMu.Lock()
	f, ok := fs.files[op.Handle]
	delete(fs.files, op.Handle)
	fs.handlesMu.Unlock()
	if ok {
		f.Close()
	}
	return nil
}

////////////////////////////////////////////////////////////////////////
// Misc
////////////////////////////////////////////////////////////////////////

func (fs *ShadowFS) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	var statfs unix.Statfs_t
	if err := unix.Statfs(fs.Root, &statfs); err != nil {
		return errnoFor(err)
	}
	op.BlockSize = uint32(statfs.Bsize)
	op.Blocks = statfs.Blocks
	op.BlocksFree = statfs.Bfree
	op.BlocksAvailable = statfs.Bavail
	op.IoSize = uint32(statfs.Bsize)
	op.Inodes = statfs.Files
	op.InodesFree = statfs.Ffree
	return nil
}

// Fallocate preallocates space for a file handle, wired to go-fallocate
// per 4.1's "optional fallocate" contract.
func (fs *ShadowFS) Fallocate(ctx context.Context, op *fuseops.FallocateOp) error {
	f, ok := fs.getFile(op.Handle)
	if !ok {
		return fuse.ENOENT
	}
	if err := fallocate.Fallocate(f, int64(op.Offset), int64(op.Length)); err != nil {
		return errnoFor(err)
	}
	return nil
}

func (fs *ShadowFS) GetXattr(ctx context.Context, op *fuseops.GetXattrOp) error {
	e, ok := fs.inodes.get(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	n, err := unix.Lgetxattr(e.path, op.Name, op.Dst)
	if err != nil {
		return errnoFor(err)
	}
	op.BytesRead = n
	return nil
}

func (fs *ShadowFS) SetXattr(ctx context.Context, op *fuseops.SetXattrOp) error {
	e, ok := fs.inodes.get(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	return errnoFor(unix.Lsetxattr(e.path, op.Name, op.Value, int(op.Flags)))
}

func (fs *ShadowFS) ListXattr(ctx context.Context, op *fuseops.ListXattrOp) error {
	e, ok := fs.inodes.get(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	n, err := unix.Llistxattr(e.path, op.Dst)
	if err != nil {
		return errnoFor(err)
	}
	op.BytesRead = n
	return nil
}

func (fs *ShadowFS) RemoveXattr(ctx context.Context, op *fuseops.RemoveXattrOp) error {
	e, ok := fs.inodes.get(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	return errnoFor(unix.Lremovexattr(e.path, op.Name))
}

func (fs *ShadowFS) ReadSymlink(ctx context.Context, op *fuseops.ReadSymlinkOp) error {
	e, ok := fs.inodes.get(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	target, err := os.Readlink(e.path)
	if err != nil {
		return errnoFor(err)
	}
	op.Target = target
	return nil
}
