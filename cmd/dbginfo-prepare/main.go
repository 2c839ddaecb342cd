// Command dbginfo-prepare is the offline, server-side companion that
// turns an unpacked debuginfo RPM tree into the per-path .tar artifacts
// dbginfod serves on demand. It is not part of the runtime on-demand
// path; it is run ahead of time, once per repository sync, by whoever
// publishes the mirror content.
package main

import (
	"archive/tar"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/clearlinux/dbginfo/internal/archive"
)

type prepareOptions struct {
	rawRoot string
	outRoot string
	prefix  string
}

func main() {
	log := logrus.New()

	opts := &prepareOptions{}
	root := &cobra.Command{
		Use:   "dbginfo-prepare",
		Short: "pre-build per-path debug-info tar artifacts from an unpacked RPM tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts, log)
		},
	}
	root.Flags().StringVar(&opts.rawRoot, "raw-root", "", "unpacked debuginfo RPM tree, e.g. /srv/debuginfo.raw/usr/lib/debug (required)")
	root.Flags().StringVar(&opts.outRoot, "out-root", "", "destination tree for .tar artifacts (required)")
	root.Flags().StringVar(&opts.prefix, "prefix", "lib", "prefix tag this tree corresponds to: lib or src")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(opts *prepareOptions, log *logrus.Logger) error {
	if opts.rawRoot == "" || opts.outRoot == "" {
		return fmt.Errorf("dbginfo-prepare: --raw-root and --out-root are required")
	}

	built := 0
	if err := walkDir(opts, ".", log, &built); err != nil {
		return err
	}

	log.WithField("count", built).Info("built artifacts")
	return nil
}

// walkDir mirrors recurse_dir(): for every entry directly under relDir, the
// entry's own artifact is built (processNode) before walkDir descends into
// it, so a directory's artifact always captures its children exactly as
// they are before any of those children have been touched.
func walkDir(opts *prepareOptions, relDir string, log *logrus.Logger, built *int) error {
	entries, err := os.ReadDir(filepath.Join(opts.rawRoot, relDir))
	if err != nil {
		return err
	}

	for _, entry := range entries {
		relPath := filepath.Join(relDir, entry.Name())
		realPath := filepath.Join(opts.rawRoot, relPath)

		// Follows symlinks, as the reference's stat(fullpath2, &sb) does
		// when deciding whether to recurse into an entry.
		info, statErr := os.Stat(realPath)
		isDir := statErr == nil && info.IsDir()

		if err := processNode(opts, relPath, isDir, log, built); err != nil {
			return fmt.Errorf("%s: %w", relPath, err)
		}
		if isDir {
			if err := walkDir(opts, relPath, log, built); err != nil {
				return err
			}
		}
	}
	return nil
}

// processNode is do_one_file(): it resolves relPath to a hard link in
// place if relPath itself is a symlink, then builds its artifact if stale,
// before any of its children (if it is a directory) are processed.
func processNode(opts *prepareOptions, relPath string, isDir bool, log *logrus.Logger, built *int) error {
	realPath := filepath.Join(opts.rawRoot, relPath)

	if err := unsymlinkInPlace(realPath, log); err != nil {
		return err
	}

	dst := filepath.Join(opts.outRoot, relPath+".tar")
	stale, err := newerThan(dst, realPath)
	if err != nil {
		return err
	}
	if !stale {
		return nil
	}

	if isDir {
		if err := buildDirArtifact(dst, opts.rawRoot, realPath); err != nil {
			return err
		}
	} else {
		if err := buildFileArtifact(dst, realPath, relPath); err != nil {
			return err
		}
	}
	*built++
	return nil
}

// unsymlinkInPlace replaces path with a hard link to its resolved target
// if path is itself a symlink, mirroring the reference's unsymlink(). Like
// the reference's unchecked link() call, a failure to hard-link (e.g. path
// resolves to a directory, which cannot be hard-linked) is logged and
// otherwise ignored rather than aborting the run.
func unsymlinkInPlace(path string, log *logrus.Logger) error {
	info, err := os.Lstat(path)
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSymlink == 0 {
		return nil
	}

	target, err := filepath.EvalSymlinks(path)
	if err != nil {
		// Dangling symlink; leave it alone.
		return nil
	}

	if err := os.Remove(path); err != nil {
		return err
	}
	if err := os.Link(target, path); err != nil {
		log.WithError(err).WithField("path", path).Debug("could not hard-link resolved symlink target")
	}
	return nil
}

// newerThan reports whether src has no existing artifact at dst, or is
// newer than it, the reference's "ret || buf1.st_mtime > buf2.st_mtime"
// staleness check.
func newerThan(dst, src string) (bool, error) {
	dstInfo, err := os.Stat(dst)
	if os.IsNotExist(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	srcInfo, err := os.Stat(src)
	if err != nil {
		return false, err
	}
	return srcInfo.ModTime().After(dstInfo.ModTime()), nil
}

// buildFileArtifact wraps a single regular file in a one-member tar
// archive, matching "tar --no-recursion -Jcf $fullpath2 $path" for a
// plain file.
func buildFileArtifact(dst, src, name string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}
	return archive.Create(dst, []archive.CreateMember{
		{Name: name, Path: src, Typeflag: tar.TypeReg, Mode: int64(info.Mode().Perm())},
	})
}

// buildDirArtifact tars a directory's recursive subdirectory skeleton
// ("find <path> -type d") plus its immediate symlink children
// ("find <path> -maxdepth 1 -type l"), matching the reference's isdir
// branch of do_one_file. This runs before walkDir descends into realPath,
// so the immediate symlink children captured here are still real symlinks,
// not yet resolved to hard links.
func buildDirArtifact(dst, rawRoot, realPath string) error {
	var members []archive.CreateMember

	err := filepath.WalkDir(realPath, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(rawRoot, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		members = append(members, archive.CreateMember{
			Name:     rel,
			Typeflag: tar.TypeDir,
			Mode:     int64(info.Mode().Perm()),
		})
		return nil
	})
	if err != nil {
		return err
	}

	children, err := os.ReadDir(realPath)
	if err != nil {
		return err
	}
	for _, child := range children {
		if child.Type()&os.ModeSymlink == 0 {
			continue
		}
		childPath := filepath.Join(realPath, child.Name())
		rel, err := filepath.Rel(rawRoot, childPath)
		if err != nil {
			return err
		}
		info, err := child.Info()
		if err != nil {
			return err
		}
		members = append(members, archive.CreateMember{
			Name:     rel,
			Path:     childPath,
			Typeflag: tar.TypeSymlink,
			Mode:     int64(info.Mode().Perm()),
		})
	}

	return archive.Create(dst, members)
}
