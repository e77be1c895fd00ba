// Package staging implements the copy-on-write commit discipline: a
// mutable copy of an entry is materialized under the scratch area (or,
// for symlink-flip directories, alongside the entry), handed to the
// caller for mutation, and installed over the entry by rename on commit.
// A staged copy that is dropped without committing is removed and the
// entry is untouched.
package staging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/wilgaboury/sbdb/internal/dbpath"
	"github.com/wilgaboury/sbdb/internal/fs"
)

var (
	// ErrStage is returned when materializing or syncing the staged copy
	// fails.
	ErrStage = errors.New("stage io")

	// ErrCommitRename is returned when the final rename fails; the target
	// is unchanged.
	ErrCommitRename = errors.New("commit rename")

	// ErrAlreadyCommitted is returned when Commit is called twice on the
	// same staging handle.
	ErrAlreadyCommitted = errors.New("already committed")

	// ErrBackupOrphaned is returned when a commit succeeded but the
	// backup left by a two-rename (or conversion) step could not be
	// removed. The backup name is deterministic, so a later scrub can
	// recover or remove it.
	ErrBackupOrphaned = errors.New("backup orphaned")
)

// DirStrategy selects how directory commits are installed.
type DirStrategy int

const (
	// DirAtomic flips a symlink: the entry is a symlink to a hidden
	// content directory, and commit renames a fresh link over it. Fully
	// atomic, but entries become symlinks, which breaks path-identity
	// tooling on platforms with weak symlink support.
	DirAtomic DirStrategy = iota + 1

	// DirBestEffort renames the entry to a deterministic backup name and
	// the staged directory into place. Preserves path identity but has a
	// window where the entry transiently does not exist; a crash inside
	// it leaves the backup for scrub to recover.
	DirBestEffort
)

const (
	stageFilePerm = 0o644
	stageDirPerm  = 0o755
)

// File is a staged copy of a file entry.
//
// A File is owned by a single logical caller and is not safe for
// concurrent use.
type File struct {
	fsys      fs.FS
	path      string
	target    string
	committed bool
	closed    bool
	logger    *slog.Logger
}

// NewFile stages a copy of target under scratch. The staged file is a
// byte-for-byte copy of the target, or empty when the target does not
// exist yet.
func NewFile(fsys fs.FS, scratch, target string, logger *slog.Logger) (*File, error) {
	path := filepath.Join(scratch, uuid.NewString())

	perm := os.FileMode(stageFilePerm)

	info, err := fsys.Stat(target)

	switch {
	case err == nil:
		perm = info.Mode().Perm()

		err = copyFile(fsys, target, path, perm)
		if err != nil {
			return nil, fmt.Errorf("%w: staging %q: %v", ErrStage, target, err)
		}
	case errors.Is(err, os.ErrNotExist):
		f, createErr := fsys.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
		if createErr != nil {
			return nil, fmt.Errorf("%w: creating staged file: %v", ErrStage, createErr)
		}

		_ = f.Close()
	default:
		return nil, fmt.Errorf("%w: stat %q: %v", ErrStage, target, err)
	}

	return &File{
		fsys:   fsys,
		path:   path,
		target: target,
		logger: logger,
	}, nil
}

// Path returns the staged file's path. The caller mutates the file at
// this path before committing.
func (f *File) Path() string {
	return f.path
}

// Commit syncs the staged file and atomically renames it over the
// target. After Commit the staged path no longer exists.
func (f *File) Commit() error {
	if f.committed {
		return fmt.Errorf("%w: %q", ErrAlreadyCommitted, f.target)
	}

	err := syncFile(f.fsys, f.path)
	if err != nil {
		return fmt.Errorf("%w: syncing staged file: %v", ErrStage, err)
	}

	err = f.fsys.ReplaceFile(f.path, f.target)
	if err != nil {
		return fmt.Errorf("%w: %q over %q: %v", ErrCommitRename, f.path, f.target, err)
	}

	f.committed = true

	return nil
}

// Close removes the staged file unless it was committed. Idempotent.
// Cleanup failures are logged and suppressed; the target is unaffected.
func (f *File) Close() error {
	if f.closed {
		return nil
	}

	f.closed = true

	if f.committed {
		return nil
	}

	err := f.fsys.Remove(f.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) && f.logger != nil {
		f.logger.Warn("removing staged file failed", "path", f.path, "error", err)
	}

	return nil
}

// Dir is a staged copy of a directory entry.
//
// A Dir is owned by a single logical caller and is not safe for
// concurrent use.
type Dir struct {
	fsys     fs.FS
	strategy DirStrategy
	path     string
	target   string

	// Symlink-flip state.
	contentName string // base name of the new content dir (link target)
	oldContent  string // content dir the previous link pointed at, if any
	converting  bool   // target exists as a plain directory

	committed bool
	closed    bool
	logger    *slog.Logger
}

// NewDir stages a copy of the directory entry at target.
//
// With [DirBestEffort] the staged directory lives under scratch. With
// [DirAtomic] it is a hidden content directory alongside the target,
// because after the flip it becomes the entry's storage. A target that
// exists as a plain directory under [DirAtomic] is converted to a
// symlink on commit.
func NewDir(fsys fs.FS, scratch, target string, strategy DirStrategy, logger *slog.Logger) (*Dir, error) {
	switch strategy {
	case DirAtomic:
		return newDirAtomic(fsys, target, logger)
	case DirBestEffort:
		return newDirBestEffort(fsys, scratch, target, logger)
	default:
		return nil, fmt.Errorf("%w: unknown dir strategy %d", ErrStage, strategy)
	}
}

func newDirBestEffort(fsys fs.FS, scratch, target string, logger *slog.Logger) (*Dir, error) {
	path := filepath.Join(scratch, uuid.NewString())

	_, err := fsys.Stat(target)

	switch {
	case err == nil:
		err = copyTree(fsys, target, path)
		if err != nil {
			return nil, fmt.Errorf("%w: staging %q: %v", ErrStage, target, err)
		}
	case errors.Is(err, os.ErrNotExist):
		err = fsys.MkdirAll(path, stageDirPerm)
		if err != nil {
			return nil, fmt.Errorf("%w: creating staged dir: %v", ErrStage, err)
		}
	default:
		return nil, fmt.Errorf("%w: stat %q: %v", ErrStage, target, err)
	}

	return &Dir{
		fsys:     fsys,
		strategy: DirBestEffort,
		path:     path,
		target:   target,
		logger:   logger,
	}, nil
}

func newDirAtomic(fsys fs.FS, target string, logger *slog.Logger) (*Dir, error) {
	parent := filepath.Dir(target)
	base := filepath.Base(target)

	contentName := "." + base + "." + uuid.NewString() + dbpath.ContentSuffix
	path := filepath.Join(parent, contentName)

	d := &Dir{
		fsys:        fsys,
		strategy:    DirAtomic,
		path:        path,
		target:      target,
		contentName: contentName,
		logger:      logger,
	}

	info, err := fsys.Lstat(target)

	switch {
	case err == nil && info.Mode()&os.ModeSymlink != 0:
		dest, linkErr := fsys.Readlink(target)
		if linkErr != nil {
			return nil, fmt.Errorf("%w: readlink %q: %v", ErrStage, target, linkErr)
		}

		if !filepath.IsAbs(dest) {
			dest = filepath.Join(parent, dest)
		}

		d.oldContent = dest

		err = copyTree(fsys, dest, path)
		if err != nil {
			return nil, fmt.Errorf("%w: staging %q: %v", ErrStage, target, err)
		}
	case err == nil && info.IsDir():
		d.converting = true

		err = copyTree(fsys, target, path)
		if err != nil {
			return nil, fmt.Errorf("%w: staging %q: %v", ErrStage, target, err)
		}
	case err == nil:
		return nil, fmt.Errorf("%w: %q is not a directory", ErrStage, target)
	case errors.Is(err, os.ErrNotExist):
		err = fsys.MkdirAll(path, stageDirPerm)
		if err != nil {
			return nil, fmt.Errorf("%w: creating staged dir: %v", ErrStage, err)
		}
	default:
		return nil, fmt.Errorf("%w: lstat %q: %v", ErrStage, target, err)
	}

	return d, nil
}

// Path returns the staged directory the caller mutates before
// committing.
func (d *Dir) Path() string {
	return d.path
}

// Commit installs the staged directory over the target using the
// handle's strategy.
//
// An error satisfying [ErrBackupOrphaned] means the commit itself
// succeeded but a backup directory was left behind for scrub.
func (d *Dir) Commit() error {
	if d.committed {
		return fmt.Errorf("%w: %q", ErrAlreadyCommitted, d.target)
	}

	if d.strategy == DirAtomic {
		return d.commitAtomic()
	}

	return d.commitBestEffort()
}

// commitBestEffort is the two-rename install: target to backup, staged
// into place. The window between the renames is the documented
// non-atomicity of this strategy; a crash inside it leaves the
// deterministic backup for recovery.
func (d *Dir) commitBestEffort() error {
	backup := BackupPath(d.target)

	_, statErr := d.fsys.Lstat(d.target)
	targetExists := statErr == nil

	if !targetExists && !errors.Is(statErr, os.ErrNotExist) {
		return fmt.Errorf("%w: stat %q: %v", ErrCommitRename, d.target, statErr)
	}

	if targetExists {
		err := d.fsys.Rename(d.target, backup)
		if err != nil {
			return fmt.Errorf("%w: backing up %q: %v", ErrCommitRename, d.target, err)
		}
	}

	err := d.fsys.Rename(d.path, d.target)
	if err != nil {
		if targetExists {
			restoreErr := d.fsys.Rename(backup, d.target)
			if restoreErr != nil && d.logger != nil {
				d.logger.Error("restoring backup failed", "backup", backup, "error", restoreErr)
			}
		}

		return fmt.Errorf("%w: installing %q: %v", ErrCommitRename, d.target, err)
	}

	d.committed = true

	if targetExists {
		err = d.fsys.RemoveAll(backup)
		if err != nil {
			return fmt.Errorf("%w: %q: %v", ErrBackupOrphaned, backup, err)
		}
	}

	return nil
}

// commitAtomic is the symlink flip: create a fresh link to the new
// content directory and rename it over the target. The rename is the
// single visibility point.
func (d *Dir) commitAtomic() error {
	parent := filepath.Dir(d.target)
	base := filepath.Base(d.target)

	linkPath := filepath.Join(parent, "."+base+"."+uuid.NewString()+dbpath.LinkSuffix)

	err := d.fsys.Symlink(d.contentName, linkPath)
	if err != nil {
		return fmt.Errorf("%w: creating flip link: %v", ErrCommitRename, err)
	}

	backup := BackupPath(d.target)

	if d.converting {
		err = d.fsys.Rename(d.target, backup)
		if err != nil {
			d.removeLogged(linkPath)

			return fmt.Errorf("%w: backing up %q: %v", ErrCommitRename, d.target, err)
		}
	}

	err = d.fsys.Rename(linkPath, d.target)
	if err != nil {
		if d.converting {
			restoreErr := d.fsys.Rename(backup, d.target)
			if restoreErr != nil && d.logger != nil {
				d.logger.Error("restoring backup failed", "backup", backup, "error", restoreErr)
			}
		}

		d.removeLogged(linkPath)

		return fmt.Errorf("%w: installing %q: %v", ErrCommitRename, d.target, err)
	}

	d.committed = true

	if d.oldContent != "" {
		err = d.fsys.RemoveAll(d.oldContent)
		if err != nil && d.logger != nil {
			// Scrub removes unreferenced content dirs later.
			d.logger.Warn("removing old content dir failed", "path", d.oldContent, "error", err)
		}
	}

	if d.converting {
		err = d.fsys.RemoveAll(backup)
		if err != nil {
			return fmt.Errorf("%w: %q: %v", ErrBackupOrphaned, backup, err)
		}
	}

	return nil
}

// Close removes the staged directory unless it was committed.
// Idempotent; cleanup failures are logged and suppressed.
func (d *Dir) Close() error {
	if d.closed {
		return nil
	}

	d.closed = true

	if d.committed {
		return nil
	}

	err := d.fsys.RemoveAll(d.path)
	if err != nil && d.logger != nil {
		d.logger.Warn("removing staged dir failed", "path", d.path, "error", err)
	}

	return nil
}

func (d *Dir) removeLogged(path string) {
	err := d.fsys.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) && d.logger != nil {
		d.logger.Warn("removing flip link failed", "path", path, "error", err)
	}
}

// BackupPath returns the deterministic backup name for an entry:
// ".<name>.bak" in the entry's parent directory. Determinism is what
// makes crash recovery possible.
func BackupPath(target string) string {
	parent := filepath.Dir(target)
	base := filepath.Base(target)

	return filepath.Join(parent, "."+base+dbpath.BackupSuffix)
}

// copyFile copies a regular file byte-for-byte and syncs the copy.
func copyFile(fsys fs.FS, src, dst string, perm os.FileMode) error {
	in, err := fsys.OpenFile(src, os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := fsys.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}

	_, err = io.Copy(out, in)
	if err != nil {
		_ = out.Close()

		return err
	}

	err = out.Sync()
	if err != nil {
		_ = out.Close()

		return err
	}

	return out.Close()
}

// copyTree copies a directory recursively: files byte-for-byte,
// symlinks re-linked, subdirectories recursed.
func copyTree(fsys fs.FS, src, dst string) error {
	err := fsys.MkdirAll(dst, stageDirPerm)
	if err != nil {
		return err
	}

	entries, err := fsys.ReadDir(src)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		srcPath := filepath.Join(src, entry.Name())
		dstPath := filepath.Join(dst, entry.Name())

		switch {
		case entry.IsDir():
			err = copyTree(fsys, srcPath, dstPath)
		case entry.Type()&os.ModeSymlink != 0:
			var dest string

			dest, err = fsys.Readlink(srcPath)
			if err == nil {
				err = fsys.Symlink(dest, dstPath)
			}
		default:
			var info os.FileInfo

			info, err = entry.Info()
			if err == nil {
				err = copyFile(fsys, srcPath, dstPath, info.Mode().Perm())
			}
		}

		if err != nil {
			return err
		}
	}

	return nil
}

func syncFile(fsys fs.FS, path string) error {
	f, err := fsys.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}

	err = f.Sync()
	if err != nil {
		_ = f.Close()

		return err
	}

	return f.Close()
}
