package sbdb

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/wilgaboury/sbdb/internal/dbpath"
	"github.com/wilgaboury/sbdb/internal/fs"
	"github.com/wilgaboury/sbdb/internal/hlock"
	"github.com/wilgaboury/sbdb/internal/sidecar"
)

const scratchDirPerm = 0o755

// Client is a handle on a database root. Create one per process per root
// with [Open].
//
// A Client is immutable after Open and safe for concurrent use from any
// number of goroutines; the guards and transactions it hands out are
// owned by a single logical caller each.
type Client struct {
	root    string
	scratch string
	opts    Options
	fsys    fs.FS
	locker  *sidecar.Locker
	logger  *slog.Logger
}

// Open opens the database at root.
//
// The root must already exist and be a directory; otherwise Open fails
// with [ErrRootMissing]. The scratch directory is created under the root
// if missing. With [Options.ScrubOnOpen] a maintenance sweep runs before
// Open returns.
func Open(root string, opts Options) (*Client, error) {
	opts = opts.withDefaults()

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, opErr("open", root, err)
	}

	fsys := fs.NewReal()

	info, err := fsys.Stat(abs)

	switch {
	case err == nil && !info.IsDir():
		return nil, opErr("open", root, fmt.Errorf("%w: %q is not a directory", ErrRootMissing, abs))
	case err != nil:
		return nil, opErr("open", root, fmt.Errorf("%w: %q: %v", ErrRootMissing, abs, err))
	}

	scratch := filepath.Join(abs, opts.ScratchDirName)

	err = fsys.MkdirAll(scratch, scratchDirPerm)
	if err != nil {
		return nil, opErr("open", root, fmt.Errorf("creating scratch dir: %w", err))
	}

	client := &Client{
		root:    abs,
		scratch: scratch,
		opts:    opts,
		fsys:    fsys,
		locker: sidecar.NewLocker(fsys, sidecar.Config{
			Timeout:     opts.LockTimeout,
			QueueBypass: opts.QueueBypass,
		}),
		logger: opts.Logger,
	}

	if opts.ScrubOnOpen {
		_, err = client.Scrub(context.Background())
		if err != nil {
			return nil, opErr("open", root, fmt.Errorf("scrub: %w", err))
		}
	}

	return client, nil
}

// Root returns the absolute host path of the database root.
func (c *Client) Root() string {
	return c.root
}

// parse validates rel and additionally rejects the client's scratch
// directory name, which [dbpath.Parse] cannot know about.
func (c *Client) parse(rel string) (dbpath.Path, error) {
	p, err := dbpath.Parse(rel)
	if err != nil {
		return dbpath.Path{}, err
	}

	for _, seg := range p.Segments() {
		if seg == c.opts.ScratchDirName {
			return dbpath.Path{}, fmt.Errorf("%w: %q: scratch directory name %q is reserved",
				ErrInvalidPath, rel, c.opts.ScratchDirName)
		}
	}

	return p, nil
}

// acquireOne takes the hierarchical lock for a single target: shared
// locks on every strict ancestor, then the target in the given mode.
func (c *Client) acquireOne(op, rel string, mode sidecar.Mode) (dbpath.Path, *hlock.Guard, error) {
	p, err := c.parse(rel)
	if err != nil {
		return dbpath.Path{}, nil, opErr(op, rel, err)
	}

	guard, err := hlock.Acquire(c.locker, c.root, hlock.PlanOne(p, mode), c.logger)
	if err != nil {
		return dbpath.Path{}, nil, opErr(op, rel, err)
	}

	return p, guard, nil
}

// ReadFile acquires shared access to the file entry at rel and returns a
// guard exposing its host path. The caller performs its own reads
// against the path and must close the guard.
func (c *Client) ReadFile(rel string) (*FileReadGuard, error) {
	p, guard, err := c.acquireOne("read_file", rel, sidecar.Shared)
	if err != nil {
		return nil, err
	}

	return &FileReadGuard{path: p.FS(c.root), guard: guard}, nil
}

// ReadDir acquires shared access to the directory entry at rel.
func (c *Client) ReadDir(rel string) (*DirReadGuard, error) {
	p, guard, err := c.acquireOne("read_dir", rel, sidecar.Shared)
	if err != nil {
		return nil, err
	}

	return &DirReadGuard{path: p.FS(c.root), guard: guard}, nil
}

// WriteFile acquires exclusive access to the file entry at rel. The
// returned guard exposes the host path and a copy-on-write staging
// handle via [FileWriteGuard.OpenCp].
func (c *Client) WriteFile(rel string) (*FileWriteGuard, error) {
	p, guard, err := c.acquireOne("write_file", rel, sidecar.Exclusive)
	if err != nil {
		return nil, err
	}

	return &FileWriteGuard{
		client: c,
		rel:    p.String(),
		path:   p.FS(c.root),
		guard:  guard,
	}, nil
}

// WriteDir acquires exclusive access to the directory entry at rel.
func (c *Client) WriteDir(rel string) (*DirWriteGuard, error) {
	p, guard, err := c.acquireOne("write_dir", rel, sidecar.Exclusive)
	if err != nil {
		return nil, err
	}

	return &DirWriteGuard{
		client: c,
		rel:    p.String(),
		path:   p.FS(c.root),
		guard:  guard,
	}, nil
}

// Tx returns a transaction builder. Declare the read and write sets with
// [TxBuilder.Read] and [TxBuilder.Write], then acquire them all at once
// with [TxBuilder.Begin].
func (c *Client) Tx() *TxBuilder {
	return &TxBuilder{
		client: c,
		modes:  make(map[string]sidecar.Mode),
		paths:  make(map[string]dbpath.Path),
	}
}

// splitReserved reports whether name carries a reserved sidecar or
// staging suffix, returning the name with the suffix stripped.
func splitReserved(name string) (base, suffix string, ok bool) {
	for _, s := range []string{
		dbpath.LockSuffix,
		dbpath.QueueSuffix,
		dbpath.ContentSuffix,
		dbpath.LinkSuffix,
		dbpath.BackupSuffix,
	} {
		if strings.HasSuffix(name, s) {
			return strings.TrimSuffix(name, s), s, true
		}
	}

	return "", "", false
}
