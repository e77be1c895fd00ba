package sbdb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/wilgaboury/sbdb/internal/dbpath"
	"github.com/wilgaboury/sbdb/internal/hlock"
	"github.com/wilgaboury/sbdb/internal/sidecar"
)

// ScrubStats summarizes the actions of a maintenance sweep.
type ScrubStats struct {
	// SidecarsRemoved counts ".lock"/".queue" files whose entry no longer
	// exists.
	SidecarsRemoved int

	// BackupsRecovered counts two-rename backups renamed back into place
	// because the entry itself was missing (a crash hit the window
	// between the two renames).
	BackupsRecovered int

	// BackupsRemoved counts backups deleted because the entry exists (the
	// commit completed, only the cleanup was lost).
	BackupsRemoved int

	// ContentDirsRemoved counts symlink-flip content directories no
	// longer referenced by their entry's link.
	ContentDirsRemoved int

	// LinksRemoved counts leftover flip links that never got renamed.
	LinksRemoved int

	// ScratchRemoved counts staging artifacts deleted from the scratch
	// directory.
	ScratchRemoved int
}

// Scrub sweeps the database for debris left by crashed processes:
// orphaned sidecars, unreferenced symlink-flip content directories,
// leftover flip links, two-rename backups (recovered when the entry is
// missing, removed when it is not), and stale scratch artifacts.
//
// Scrub takes a shared lock on each directory while inspecting it, but
// it cannot distinguish a crashed peer's scratch artifact from an
// in-flight one. Run it only when no other client has an in-flight
// transaction against this root.
func (c *Client) Scrub(ctx context.Context) (ScrubStats, error) {
	return c.scrub(ctx, true)
}

// ScrubDryRun reports what [Client.Scrub] would do without changing
// anything.
func (c *Client) ScrubDryRun(ctx context.Context) (ScrubStats, error) {
	return c.scrub(ctx, false)
}

func (c *Client) scrub(ctx context.Context, apply bool) (ScrubStats, error) {
	var stats ScrubStats

	var errs []error

	err := c.scrubDir(ctx, dbpath.Root(), apply, &stats, &errs)
	if err != nil {
		return stats, opErr("scrub", "", err)
	}

	if len(errs) > 0 {
		return stats, opErr("scrub", "", errors.Join(errs...))
	}

	return stats, nil
}

// scrubDir inspects one directory under a shared guard, collecting child
// directories and releasing the guard before recursing so the sweep
// never holds more than one guard (the directory plus its ancestors) at
// a time.
func (c *Client) scrubDir(ctx context.Context, dir dbpath.Path, apply bool, stats *ScrubStats, errs *[]error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var children []dbpath.Path

	guard, err := hlock.Acquire(c.locker, c.root, hlock.PlanOne(dir, sidecar.Shared), c.logger)
	if err != nil {
		return fmt.Errorf("locking %q: %w", dir.String(), err)
	}

	func() {
		defer func() { _ = guard.Close() }()

		hostDir := dir.FS(c.root)

		entries, readErr := c.fsys.ReadDir(hostDir)
		if readErr != nil {
			*errs = append(*errs, fmt.Errorf("listing %q: %w", dir.String(), readErr))

			return
		}

		for _, entry := range entries {
			name := entry.Name()

			if dir.IsRoot() && name == c.opts.ScratchDirName {
				c.scrubScratch(apply, stats, errs)

				continue
			}

			if base, suffix, ok := splitReserved(name); ok {
				c.scrubReserved(hostDir, name, base, suffix, apply, stats, errs)

				continue
			}

			info, statErr := c.fsys.Stat(filepath.Join(hostDir, name))
			if statErr != nil {
				// A dangling symlink entry; leave it for its owner.
				continue
			}

			if info.IsDir() {
				seg, segErr := dbpath.New(name)
				if segErr != nil {
					continue
				}

				children = append(children, dir.Join(seg))
			}
		}
	}()

	for _, child := range children {
		err := c.scrubDir(ctx, child, apply, stats, errs)
		if err != nil {
			return err
		}
	}

	return nil
}

// scrubReserved handles one sidecar or staging artifact found in
// hostDir. base is name with the reserved suffix stripped.
func (c *Client) scrubReserved(hostDir, name, base, suffix string, apply bool, stats *ScrubStats, errs *[]error) {
	full := filepath.Join(hostDir, name)

	switch suffix {
	case dbpath.LockSuffix, dbpath.QueueSuffix:
		// Sidecars outlive their entry harmlessly; reap only when the
		// entry is gone.
		_, err := c.fsys.Lstat(filepath.Join(hostDir, base))
		if err == nil || !errors.Is(err, os.ErrNotExist) {
			return
		}

		if apply {
			err = c.fsys.Remove(full)
			if err != nil && !errors.Is(err, os.ErrNotExist) {
				*errs = append(*errs, fmt.Errorf("removing sidecar %q: %w", full, err))

				return
			}
		}

		stats.SidecarsRemoved++
		c.logger.Info("scrub: orphaned sidecar", "path", full, "applied", apply)

	case dbpath.BackupSuffix:
		// Backup names are ".<entry>.bak".
		entryName := strings.TrimPrefix(base, ".")
		entryPath := filepath.Join(hostDir, entryName)

		_, err := c.fsys.Lstat(entryPath)

		switch {
		case errors.Is(err, os.ErrNotExist):
			// Crash between the two renames: the backup is the data.
			if apply {
				renameErr := c.fsys.Rename(full, entryPath)
				if renameErr != nil {
					*errs = append(*errs, fmt.Errorf("recovering backup %q: %w", full, renameErr))

					return
				}
			}

			stats.BackupsRecovered++
			c.logger.Info("scrub: recovered backup", "path", full, "applied", apply)
		case err == nil:
			if apply {
				removeErr := c.fsys.RemoveAll(full)
				if removeErr != nil {
					*errs = append(*errs, fmt.Errorf("removing backup %q: %w", full, removeErr))

					return
				}
			}

			stats.BackupsRemoved++
			c.logger.Info("scrub: removed stale backup", "path", full, "applied", apply)
		default:
			*errs = append(*errs, fmt.Errorf("stat %q: %w", entryPath, err))
		}

	case dbpath.ContentSuffix:
		// Content names are ".<entry>.<uuid>.dir". Keep the dir only if
		// the entry's symlink currently references it.
		trimmed := strings.TrimPrefix(base, ".")

		cut := strings.LastIndex(trimmed, ".")
		if cut <= 0 {
			return
		}

		entryName := trimmed[:cut]

		dest, err := c.fsys.Readlink(filepath.Join(hostDir, entryName))
		if err == nil && dest == name {
			return
		}

		if apply {
			removeErr := c.fsys.RemoveAll(full)
			if removeErr != nil {
				*errs = append(*errs, fmt.Errorf("removing content dir %q: %w", full, removeErr))

				return
			}
		}

		stats.ContentDirsRemoved++
		c.logger.Info("scrub: unreferenced content dir", "path", full, "applied", apply)

	case dbpath.LinkSuffix:
		// A flip link that never got renamed over its entry.
		if apply {
			err := c.fsys.Remove(full)
			if err != nil && !errors.Is(err, os.ErrNotExist) {
				*errs = append(*errs, fmt.Errorf("removing flip link %q: %w", full, err))

				return
			}
		}

		stats.LinksRemoved++
		c.logger.Info("scrub: leftover flip link", "path", full, "applied", apply)
	}
}

func (c *Client) scrubScratch(apply bool, stats *ScrubStats, errs *[]error) {
	entries, err := c.fsys.ReadDir(c.scratch)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("listing scratch: %w", err))

		return
	}

	for _, entry := range entries {
		full := filepath.Join(c.scratch, entry.Name())

		if apply {
			err := c.fsys.RemoveAll(full)
			if err != nil {
				*errs = append(*errs, fmt.Errorf("removing scratch entry %q: %w", full, err))

				continue
			}
		}

		stats.ScratchRemoved++
		c.logger.Info("scrub: stale scratch entry", "path", full, "applied", apply)
	}
}
