package sbdb

import (
	"errors"
	"strings"

	"github.com/wilgaboury/sbdb/internal/dbpath"
	"github.com/wilgaboury/sbdb/internal/sidecar"
	"github.com/wilgaboury/sbdb/internal/staging"
)

// Sentinel errors returned by the public API. Use [errors.Is] to check
// for them through any amount of wrapping.
var (
	// ErrInvalidPath reports a path with an empty, relative, absolute, or
	// reserved segment. Caller bug.
	ErrInvalidPath = dbpath.ErrInvalid

	// ErrLockBackend reports a failed advisory-lock syscall or sidecar
	// file operation. Callers may retry or abort.
	ErrLockBackend = sidecar.ErrBackend

	// ErrAcquireTimeout reports that the configured lock wait budget
	// elapsed. Callers may retry.
	ErrAcquireTimeout = sidecar.ErrTimeout

	// ErrStageIO reports a failed scratch copy or staging I/O. A
	// partially written staged copy is not removed when staging fails;
	// it stays behind until [Client.Scrub] removes it.
	ErrStageIO = staging.ErrStage

	// ErrCommitRename reports a failed final rename. The target is
	// unchanged and the staged copy is cleaned up.
	ErrCommitRename = staging.ErrCommitRename

	// ErrAlreadyCommitted reports Commit called twice on the same staging
	// handle. Caller bug.
	ErrAlreadyCommitted = staging.ErrAlreadyCommitted

	// ErrBackupOrphaned reports a directory commit that succeeded but
	// left its backup directory behind. Scrub recovers or removes it.
	ErrBackupOrphaned = staging.ErrBackupOrphaned

	// ErrPathNotDeclared reports a copy-on-write request for a path the
	// transaction did not declare for writing. Caller bug.
	ErrPathNotDeclared = errors.New("path not declared")

	// ErrRootMissing reports a client opened against a missing or
	// non-directory root. Fatal for the client.
	ErrRootMissing = errors.New("root missing")
)

// Error is the uniform error type returned by the public sbdb APIs.
//
// It carries the failing operation and the database-relative path. The
// underlying error message appears after the context:
//
//	write_file "a/b.lock": invalid path: "a/b.lock": reserved suffix ...
//
// Use [errors.As] to extract the structured fields and [errors.Is] to
// check for the sentinel kinds:
//
//	var sErr *sbdb.Error
//	if errors.As(err, &sErr) { ... sErr.Path ... }
//	if errors.Is(err, sbdb.ErrAcquireTimeout) { ... }
type Error struct {
	// Op is the public operation that failed, such as "write_file" or
	// "tx.begin".
	Op string

	// Path is the database-relative path involved, when known.
	Path string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteString(e.Op)

	if e.Path != "" {
		b.WriteString(" ")
		b.WriteString(`"` + e.Path + `"`)
	}

	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}

	return b.String()
}

// Unwrap returns the underlying error for [errors.Is]/[errors.As].
func (e *Error) Unwrap() error {
	return e.Err
}

func opErr(op, path string, err error) error {
	if err == nil {
		return nil
	}

	return &Error{Op: op, Path: path, Err: err}
}
