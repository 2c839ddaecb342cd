// Package archive extracts XZ-compressed tarballs into a cache root,
// guarding against archives that try to write outside of it.
package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ulikunitz/xz"
)

// ErrUnsafeMember is returned when an archive member's path would escape
// the extraction root.
var ErrUnsafeMember = errors.New("archive: member path escapes cache root")

// Dryrun lists every member of the archive at src, validating that each
// member name is safe to extract under root, without writing anything. It
// mirrors the reference's test-extraction pass ("tar -tf") ahead of the
// real extraction.
func Dryrun(src, root string) error {
	return walk(src, func(hdr *tar.Header, _ io.Reader) error {
		_, err := safeJoin(root, hdr.Name)
		return err
	})
}

// Extract unpacks the XZ-compressed tar archive at src into root. Every
// member name is checked for a leading "/" and, once cleaned, for any
// ".." before being materialized; any violation aborts the whole
// extraction and ErrUnsafeMember is returned, wrapped with the offending
// name. Regular files are written to a temporary path under their parent
// directory and renamed into place so a reader observing the cache never
// sees a partially-written file.
func Extract(src, root string) error {
	return walk(src, func(hdr *tar.Header, r io.Reader) error {
		target, err := safeJoin(root, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			return os.MkdirAll(target, 0o755)

		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			os.Remove(target)
			return os.Symlink(hdr.Linkname, target)

		case tar.TypeReg, tar.TypeRegA:
			return extractRegular(target, r, hdr)

		default:
			// Devices, fifos and other special members are not part of the
			// debug-info artifact model; skip silently rather than fail
			// the whole extraction.
			return nil
		}
	})
}

func extractRegular(target string, r io.Reader, hdr *tar.Header) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".extract-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(os.FileMode(hdr.Mode) & 0o777); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, target)
}

// CreateMember is one file or directory to place in an archive built by
// Create, named relative to the archive root.
type CreateMember struct {
	Name     string
	Path     string // real on-disk source, empty for TypeDir
	Typeflag byte
	Mode     int64
}

// Create writes an XZ-compressed tar archive to dst containing members, in
// order, the inverse of walk/Extract. It mirrors the reference's
// "tar --no-recursion -Jcf" invocation, performed in-process instead of by
// shelling out.
func Create(dst string, members []CreateMember) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".archive-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	xw, err := xz.NewWriter(tmp)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("archive: xz writer: %w", err)
	}
	tw := tar.NewWriter(xw)

	for _, m := range members {
		if err := writeMember(tw, m); err != nil {
			tw.Close()
			xw.Close()
			tmp.Close()
			return err
		}
	}

	if err := tw.Close(); err != nil {
		tmp.Close()
		return err
	}
	if err := xw.Close(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, dst)
}

func writeMember(tw *tar.Writer, m CreateMember) error {
	hdr := &tar.Header{Name: m.Name, Typeflag: m.Typeflag, Mode: m.Mode}

	switch m.Typeflag {
	case tar.TypeDir:
		return tw.WriteHeader(hdr)

	case tar.TypeSymlink:
		target, err := os.Readlink(m.Path)
		if err != nil {
			return err
		}
		hdr.Linkname = target
		return tw.WriteHeader(hdr)

	default:
		f, err := os.Open(m.Path)
		if err != nil {
			return err
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return err
		}
		hdr.Size = info.Size()
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		_, err = io.Copy(tw, f)
		return err
	}
}

// walk decompresses src with XZ and invokes fn for every tar member in
// order, stopping at the first error.
func walk(src string, fn func(hdr *tar.Header, r io.Reader) error) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	xr, err := xz.NewReader(f)
	if err != nil {
		return fmt.Errorf("archive: xz: %w", err)
	}

	tr := tar.NewReader(xr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("archive: tar: %w", err)
		}
		if err := fn(hdr, tr); err != nil {
			return err
		}
	}
}

// safeJoin cleans member and joins it under root, rejecting any member
// that is absolute, whose cleaned form contains ".." anywhere (not only as
// a whole path segment), or that cleans to root itself.
func safeJoin(root, member string) (string, error) {
	cleaned := filepath.Clean("/" + member)
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" || cleaned == "." {
		return "", fmt.Errorf("%w: %q", ErrUnsafeMember, member)
	}
	if strings.HasPrefix(member, "/") || strings.Contains(filepath.Clean(member), "..") {
		return "", fmt.Errorf("%w: %q", ErrUnsafeMember, member)
	}
	return filepath.Join(root, cleaned), nil
}
