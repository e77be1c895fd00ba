// Package fs provides the filesystem seam used by the lock and staging
// layers.
//
// The main types are:
//   - [FS]: interface for the filesystem operations sbdb performs
//   - [File]: interface for open files (satisfied by [os.File])
//   - [Real]: production implementation using the [os] package
//
// The indirection exists so tests can inject failures at specific
// operations without touching the real filesystem.
package fs

import (
	"io"
	"os"
)

// File represents an open file descriptor.
//
// This interface is satisfied by [os.File] and can be used with all
// standard library functions that accept [io.Reader], [io.Writer], or
// [io.Closer].
type File interface {
	io.ReadWriteCloser

	// Fd returns the file descriptor. See [os.File.Fd].
	// Used for low-level operations like flock(2).
	Fd() uintptr

	// Stat returns the [os.FileInfo] for this file. See [os.File.Stat].
	Stat() (os.FileInfo, error)

	// Sync commits the file's contents to disk. See [os.File.Sync].
	Sync() error
}

// FS defines the filesystem operations sbdb performs: sidecar creation,
// staging copies, and the rename-based commit step.
//
// Implementations must be safe for concurrent use.
type FS interface {
	// OpenFile opens path with the given flags and permissions. See [os.OpenFile].
	OpenFile(path string, flag int, perm os.FileMode) (File, error)

	// Stat returns file info, following symlinks. See [os.Stat].
	Stat(path string) (os.FileInfo, error)

	// Lstat returns file info without following symlinks. See [os.Lstat].
	Lstat(path string) (os.FileInfo, error)

	// ReadDir lists a directory. See [os.ReadDir].
	ReadDir(path string) ([]os.DirEntry, error)

	// MkdirAll creates a directory and any missing parents. See [os.MkdirAll].
	MkdirAll(path string, perm os.FileMode) error

	// Rename moves oldpath to newpath. See [os.Rename].
	Rename(oldpath, newpath string) error

	// ReplaceFile atomically replaces dst with src. Unlike Rename it also
	// works on platforms where rename cannot replace an existing file.
	ReplaceFile(src, dst string) error

	// Remove removes a file or empty directory. See [os.Remove].
	Remove(path string) error

	// RemoveAll removes path and any children. See [os.RemoveAll].
	RemoveAll(path string) error

	// Symlink creates newname as a symbolic link to oldname. See [os.Symlink].
	Symlink(oldname, newname string) error

	// Readlink returns the destination of the named symlink. See [os.Readlink].
	Readlink(path string) (string, error)
}

// Compile-time interface check: [os.File] satisfies [File].
var _ File = (*os.File)(nil)
