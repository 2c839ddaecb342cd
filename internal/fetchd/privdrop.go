package fetchd

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"
)

// ServiceAccount is the unprivileged account the fetch daemon drops
// privileges to when started as root.
const ServiceAccount = "dbginfo"

// DropPrivileges disables ptracing and dumpability, clears the ambient
// capability set, drops CAP_SYS_ADMIN from the bounding set if running as
// root, and switches the process's
// uid/gid/groups to the named service account. It mirrors main()'s
// prctl/setgid/setgroups/setuid sequence in the reference.
func DropPrivileges(account string) error {
	if err := unix.Prctl(unix.PR_SET_DUMPABLE, 0, 0, 0, 0); err != nil {
		return fmt.Errorf("privdrop: PR_SET_DUMPABLE: %w", err)
	}
	if err := unix.Prctl(unix.PR_CAP_AMBIENT, unix.PR_CAP_AMBIENT_CLEAR_ALL, 0, 0, 0); err != nil {
		return fmt.Errorf("privdrop: PR_CAP_AMBIENT_CLEAR_ALL: %w", err)
	}

	if os.Getuid() == 0 {
		if err := unix.Prctl(unix.PR_CAPBSET_DROP, unix.CAP_SYS_ADMIN, 0, 0, 0); err != nil {
			return fmt.Errorf("privdrop: PR_CAPBSET_DROP CAP_SYS_ADMIN: %w", err)
		}
	} else {
		// Already unprivileged; nothing further to drop. Matches the
		// reference, which only attempts capability drop when root.
		return nil
	}

	u, err := user.Lookup(account)
	if err != nil {
		return fmt.Errorf("privdrop: lookup %q: %w", account, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("privdrop: parse uid: %w", err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return fmt.Errorf("privdrop: parse gid: %w", err)
	}

	if err := unix.Setgroups([]int{gid}); err != nil {
		return fmt.Errorf("privdrop: setgroups: %w", err)
	}
	if err := unix.Setgid(gid); err != nil {
		return fmt.Errorf("privdrop: setgid: %w", err)
	}
	if err := unix.Setuid(uid); err != nil {
		return fmt.Errorf("privdrop: setuid: %w", err)
	}

	return nil
}

// EnsureCacheRoot makes sure path exists, mode 0755, owned by the named
// service account. If it already exists with the wrong owner, the entire
// subtree is removed and recreated, a one-time ownership migration.
func EnsureCacheRoot(path, account string) error {
	u, err := user.Lookup(account)
	if err != nil {
		return fmt.Errorf("ensurecacheroot: lookup %q: %w", account, err)
	}
	uid, _ := strconv.Atoi(u.Uid)
	gid, _ := strconv.Atoi(u.Gid)

	info, err := os.Stat(path)
	switch {
	case os.IsNotExist(err):
		return createCacheRoot(path, uid, gid)

	case err != nil:
		return fmt.Errorf("ensurecacheroot: stat %q: %w", path, err)

	default:
		if ownedBy(info, uid, gid) {
			return nil
		}
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("ensurecacheroot: remove stale %q: %w", path, err)
		}
		return createCacheRoot(path, uid, gid)
	}
}

func createCacheRoot(path string, uid, gid int) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("ensurecacheroot: mkdir %q: %w", path, err)
	}
	if err := os.Chown(path, uid, gid); err != nil {
		return fmt.Errorf("ensurecacheroot: chown %q: %w", path, err)
	}
	return nil
}

func ownedBy(info os.FileInfo, uid, gid int) bool {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return true
	}
	return int(stat.Uid) == uid && int(stat.Gid) == gid
}
