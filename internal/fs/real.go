package fs

import (
	"os"

	"github.com/natefinch/atomic"
)

// Real implements [FS] using the real filesystem.
//
// All methods are pure passthroughs to the [os] package with identical
// behavior and error semantics, except [Real.ReplaceFile] which delegates
// to the atomic package's rename wrapper.
type Real struct{}

// NewReal returns a new [Real] filesystem.
func NewReal() *Real {
	return &Real{}
}

// A passthrough wrapper for [os.OpenFile].
func (r *Real) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	return os.OpenFile(path, flag, perm)
}

// A passthrough wrapper for [os.Stat].
func (r *Real) Stat(path string) (os.FileInfo, error) {
	return os.Stat(path)
}

// A passthrough wrapper for [os.Lstat].
func (r *Real) Lstat(path string) (os.FileInfo, error) {
	return os.Lstat(path)
}

// A passthrough wrapper for [os.ReadDir].
func (r *Real) ReadDir(path string) ([]os.DirEntry, error) {
	return os.ReadDir(path)
}

// A passthrough wrapper for [os.MkdirAll].
func (r *Real) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

// A passthrough wrapper for [os.Rename].
func (r *Real) Rename(oldpath, newpath string) error {
	return os.Rename(oldpath, newpath)
}

// ReplaceFile atomically replaces dst with src via [atomic.ReplaceFile].
func (r *Real) ReplaceFile(src, dst string) error {
	return atomic.ReplaceFile(src, dst)
}

// A passthrough wrapper for [os.Remove].
func (r *Real) Remove(path string) error {
	return os.Remove(path)
}

// A passthrough wrapper for [os.RemoveAll].
func (r *Real) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

// A passthrough wrapper for [os.Symlink].
func (r *Real) Symlink(oldname, newname string) error {
	return os.Symlink(oldname, newname)
}

// A passthrough wrapper for [os.Readlink].
func (r *Real) Readlink(path string) (string, error) {
	return os.Readlink(path)
}

// Compile-time interface check.
var _ FS = (*Real)(nil)
