package sbdb

import (
	"github.com/wilgaboury/sbdb/internal/dbpath"
	"github.com/wilgaboury/sbdb/internal/hlock"
	"github.com/wilgaboury/sbdb/internal/staging"
)

// A guard holds shared locks on every strict ancestor of its target plus
// the target's own lock, for the guard's full lifetime. Guards are owned
// by a single logical caller; release them with Close on every exit
// path. Close is idempotent and best-effort: release failures are logged
// and returned but require no action.

// FileReadGuard holds shared access to a file entry.
type FileReadGuard struct {
	path  string
	guard *hlock.Guard
}

// Path returns the host path of the guarded file. Valid only while the
// guard is held.
func (g *FileReadGuard) Path() string {
	return g.path
}

// Close releases all locks held by the guard.
func (g *FileReadGuard) Close() error {
	return g.guard.Close()
}

// DirReadGuard holds shared access to a directory entry.
type DirReadGuard struct {
	path  string
	guard *hlock.Guard
}

// Path returns the host path of the guarded directory. Valid only while
// the guard is held.
func (g *DirReadGuard) Path() string {
	return g.path
}

// Close releases all locks held by the guard.
func (g *DirReadGuard) Close() error {
	return g.guard.Close()
}

// FileWriteGuard holds exclusive access to a file entry.
type FileWriteGuard struct {
	client *Client
	rel    string
	path   string
	guard  *hlock.Guard
}

// Path returns the host path of the guarded file. Valid only while the
// guard is held. Writing through Path directly forgoes crash atomicity;
// use [FileWriteGuard.OpenCp] for the copy-on-write discipline.
func (g *FileWriteGuard) Path() string {
	return g.path
}

// OpenCp stages a mutable copy of the file under the scratch area. The
// caller mutates the staged copy, then either commits it over the entry
// or closes it to discard.
func (g *FileWriteGuard) OpenCp() (*FileCp, error) {
	st, err := staging.NewFile(g.client.fsys, g.client.scratch, g.path, g.client.logger)
	if err != nil {
		return nil, opErr("open_cp", g.rel, err)
	}

	return &FileCp{rel: g.rel, st: st}, nil
}

// Close releases all locks held by the guard. Staged copies that were
// not committed must be closed separately (they clean up on Close).
func (g *FileWriteGuard) Close() error {
	return g.guard.Close()
}

// DirWriteGuard holds exclusive access to a directory entry.
type DirWriteGuard struct {
	client *Client
	rel    string
	path   string
	guard  *hlock.Guard
}

// Path returns the host path of the guarded directory. Valid only while
// the guard is held.
func (g *DirWriteGuard) Path() string {
	return g.path
}

// OpenCp stages a mutable copy of the directory using the client's
// configured commit strategy.
func (g *DirWriteGuard) OpenCp() (*DirCp, error) {
	st, err := staging.NewDir(
		g.client.fsys,
		g.client.scratch,
		g.path,
		g.client.opts.DirCommit.staging(),
		g.client.logger,
	)
	if err != nil {
		return nil, opErr("open_cp", g.rel, err)
	}

	return &DirCp{rel: g.rel, st: st}, nil
}

// CreateDirAtomic creates the subdirectory rel under the guarded
// directory as a symlink-backed directory, committed immediately. It is
// a convenience for seeding entries that later directory commits can
// flip atomically.
func (g *DirWriteGuard) CreateDirAtomic(rel string) error {
	sub, err := dbpath.Parse(rel)
	if err != nil {
		return opErr("create_dir_atomic", rel, err)
	}

	if sub.IsRoot() {
		return opErr("create_dir_atomic", rel, ErrInvalidPath)
	}

	target := sub.FS(g.path)

	st, err := staging.NewDir(g.client.fsys, g.client.scratch, target, staging.DirAtomic, g.client.logger)
	if err != nil {
		return opErr("create_dir_atomic", rel, err)
	}

	err = st.Commit()
	if err != nil {
		_ = st.Close()

		return opErr("create_dir_atomic", rel, err)
	}

	return st.Close()
}

// Close releases all locks held by the guard.
func (g *DirWriteGuard) Close() error {
	return g.guard.Close()
}

// FileCp is a staged copy of a file entry. See
// [FileWriteGuard.OpenCp] and [Tx.FileCp].
type FileCp struct {
	rel string
	st  *staging.File
}

// Path returns the staged file's host path under the scratch area.
func (cp *FileCp) Path() string {
	return cp.st.Path()
}

// Commit atomically replaces the entry with the staged copy via a single
// rename. A second Commit fails with [ErrAlreadyCommitted].
func (cp *FileCp) Commit() error {
	return opErr("commit", cp.rel, cp.st.Commit())
}

// Close discards the staged copy unless it was committed. Idempotent.
func (cp *FileCp) Close() error {
	return cp.st.Close()
}

// DirCp is a staged copy of a directory entry. See
// [DirWriteGuard.OpenCp] and [Tx.DirCp].
type DirCp struct {
	rel string
	st  *staging.Dir
}

// Path returns the staged directory's host path.
func (cp *DirCp) Path() string {
	return cp.st.Path()
}

// Commit installs the staged directory over the entry using the commit
// strategy the handle was created with.
func (cp *DirCp) Commit() error {
	return opErr("commit", cp.rel, cp.st.Commit())
}

// Close discards the staged copy unless it was committed. Idempotent.
func (cp *DirCp) Close() error {
	return cp.st.Close()
}
