package sbdb

import (
	"errors"
	"io"

	"github.com/wilgaboury/sbdb/internal/dbpath"
	"github.com/wilgaboury/sbdb/internal/hlock"
	"github.com/wilgaboury/sbdb/internal/sidecar"
	"github.com/wilgaboury/sbdb/internal/staging"
)

// TxBuilder accumulates a transaction's declared read and write sets.
// Obtain one from [Client.Tx], chain [TxBuilder.Read] and
// [TxBuilder.Write], then call [TxBuilder.Begin].
//
// Invalid paths are recorded and surfaced collectively by Begin so the
// builder chain stays fluent. Declaring the same path twice with the
// same mode is a no-op; a path declared for both reading and writing is
// locked exclusively.
type TxBuilder struct {
	client *Client
	modes  map[string]sidecar.Mode
	paths  map[string]dbpath.Path
	errs   []error
}

// Read declares a path in the read set.
func (b *TxBuilder) Read(rel string) *TxBuilder {
	b.declare(rel, sidecar.Shared)

	return b
}

// Write declares a path in the write set.
func (b *TxBuilder) Write(rel string) *TxBuilder {
	b.declare(rel, sidecar.Exclusive)

	return b
}

func (b *TxBuilder) declare(rel string, mode sidecar.Mode) {
	p, err := b.client.parse(rel)
	if err != nil {
		b.errs = append(b.errs, err)

		return
	}

	key := p.String()
	if prev, ok := b.modes[key]; !ok || mode > prev {
		b.modes[key] = mode
	}

	b.paths[key] = p
}

// Begin finalizes the declared sets and acquires every lock in the
// single global order: the union of the declared paths and all their
// strict ancestors, sorted segment-wise, ancestors shared, write targets
// exclusive. Acquiring everything up front is what makes the protocol
// deadlock-free (conservative two-phase locking).
//
// On any mid-acquisition failure, already-acquired locks are released in
// reverse order before the error is returned.
func (b *TxBuilder) Begin() (*Tx, error) {
	if len(b.errs) > 0 {
		return nil, opErr("tx.begin", "", errors.Join(b.errs...))
	}

	declared := make([]hlock.Entry, 0, len(b.paths))
	writes := make(map[string]dbpath.Path)

	for key, p := range b.paths {
		mode := b.modes[key]
		declared = append(declared, hlock.Entry{Path: p, Mode: mode})

		if mode == sidecar.Exclusive {
			writes[key] = p
		}
	}

	guard, err := hlock.Acquire(b.client.locker, b.client.root, hlock.PlanSet(declared), b.client.logger)
	if err != nil {
		return nil, opErr("tx.begin", "", err)
	}

	return &Tx{
		client: b.client,
		guard:  guard,
		writes: writes,
	}, nil
}

// Tx is a running transaction: a guard over the declared read/write
// union plus the staging handles created through it.
//
// A Tx is owned by a single logical caller and is not safe for
// concurrent use. There is no per-path early release; every lock is held
// until [Tx.Close].
type Tx struct {
	client *Client
	guard  *hlock.Guard
	writes map[string]dbpath.Path
	staged []io.Closer
	closed bool
}

// Path resolves a declared (or any valid) relative path to its host
// path for direct I/O while the transaction holds its locks.
func (tx *Tx) Path(rel string) (string, error) {
	p, err := tx.client.parse(rel)
	if err != nil {
		return "", opErr("tx.path", rel, err)
	}

	return p.FS(tx.client.root), nil
}

// FileCp stages a copy-on-write handle for a file path declared in the
// write set. Fails with [ErrPathNotDeclared] otherwise.
func (tx *Tx) FileCp(rel string) (*FileCp, error) {
	target, err := tx.writeTarget("tx.file_cp", rel)
	if err != nil {
		return nil, err
	}

	st, err := staging.NewFile(tx.client.fsys, tx.client.scratch, target, tx.client.logger)
	if err != nil {
		return nil, opErr("tx.file_cp", rel, err)
	}

	cp := &FileCp{rel: rel, st: st}
	tx.staged = append(tx.staged, cp)

	return cp, nil
}

// DirCp stages a copy-on-write handle for a directory path declared in
// the write set, using the client's commit strategy. Fails with
// [ErrPathNotDeclared] otherwise.
func (tx *Tx) DirCp(rel string) (*DirCp, error) {
	target, err := tx.writeTarget("tx.dir_cp", rel)
	if err != nil {
		return nil, err
	}

	st, err := staging.NewDir(
		tx.client.fsys,
		tx.client.scratch,
		target,
		tx.client.opts.DirCommit.staging(),
		tx.client.logger,
	)
	if err != nil {
		return nil, opErr("tx.dir_cp", rel, err)
	}

	cp := &DirCp{rel: rel, st: st}
	tx.staged = append(tx.staged, cp)

	return cp, nil
}

func (tx *Tx) writeTarget(op, rel string) (string, error) {
	if tx.closed {
		return "", opErr(op, rel, errors.New("transaction closed"))
	}

	p, err := tx.client.parse(rel)
	if err != nil {
		return "", opErr(op, rel, err)
	}

	if _, ok := tx.writes[p.String()]; !ok {
		return "", opErr(op, rel, ErrPathNotDeclared)
	}

	return p.FS(tx.client.root), nil
}

// Close discards any staged copies that were not committed and releases
// every lock, in reverse acquisition order. Idempotent; call it on every
// exit path.
func (tx *Tx) Close() error {
	if tx.closed {
		return nil
	}

	tx.closed = true

	for i := len(tx.staged) - 1; i >= 0; i-- {
		_ = tx.staged[i].Close()
	}

	tx.staged = nil

	return tx.guard.Close()
}
