// Package hlock composes sidecar locks over the hierarchical namespace:
// shared locks on every strict ancestor plus the target lock in its
// requested mode, applied in the single total order every participant
// agrees on.
package hlock

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/wilgaboury/sbdb/internal/dbpath"
	"github.com/wilgaboury/sbdb/internal/sidecar"
)

// Entry pairs a path with an acquisition mode.
type Entry struct {
	Path dbpath.Path
	Mode sidecar.Mode
}

// PlanOne builds the lock plan for a single target: each strict ancestor
// at [sidecar.Shared], then the target at mode.
func PlanOne(target dbpath.Path, mode sidecar.Mode) []Entry {
	return PlanSet([]Entry{{Path: target, Mode: mode}})
}

// PlanSet builds the lock plan for a declared set.
//
// The plan contains every declared path and every strict ancestor of a
// declared path exactly once. A path declared in both modes (or declared
// and also an ancestor) keeps the stronger mode; ancestors that are not
// themselves declared are [sidecar.Shared]. Steps are sorted by
// [dbpath.Compare], which is the deadlock-freedom order: every
// participant requests locks in the same sequence, and because a path
// sorts directly before its descendants, the order is also root-to-leaf
// along every branch.
func PlanSet(declared []Entry) []Entry {
	modes := make(map[string]sidecar.Mode)
	paths := make(map[string]dbpath.Path)

	add := func(p dbpath.Path, mode sidecar.Mode) {
		key := p.String()
		if prev, ok := modes[key]; !ok || mode > prev {
			modes[key] = mode
		}

		paths[key] = p
	}

	for _, e := range declared {
		add(e.Path, e.Mode)

		for _, anc := range e.Path.Ancestors() {
			add(anc, sidecar.Shared)
		}
	}

	plan := make([]Entry, 0, len(paths))
	for key, p := range paths {
		plan = append(plan, Entry{Path: p, Mode: modes[key]})
	}

	sort.Slice(plan, func(i, j int) bool {
		return dbpath.Compare(plan[i].Path, plan[j].Path) < 0
	})

	return plan
}

// Guard owns the sidecar locks acquired for a plan. Close releases them
// in reverse acquisition order.
type Guard struct {
	mu     sync.Mutex
	locks  []*sidecar.Lock
	logger *slog.Logger
}

// Acquire applies plan in order against root, returning a Guard that
// owns every acquired lock. On a mid-plan failure, already-acquired
// locks are released in reverse order before the error is surfaced.
func Acquire(locker *sidecar.Locker, root string, plan []Entry, logger *slog.Logger) (*Guard, error) {
	locks := make([]*sidecar.Lock, 0, len(plan))

	for _, step := range plan {
		lock, err := locker.Acquire(step.Path.FS(root), step.Mode)
		if err != nil {
			releaseReverse(locks, logger)

			return nil, fmt.Errorf("locking %q: %w", step.Path.String(), err)
		}

		locks = append(locks, lock)
	}

	return &Guard{locks: locks, logger: logger}, nil
}

// Close releases all held locks in reverse acquisition order.
//
// Close is idempotent. Release failures are joined into the returned
// error and logged; callers on drop paths may ignore the result, since
// there is nothing actionable to do with a failed unlock.
func (g *Guard) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.locks == nil {
		return nil
	}

	var errs []error

	for i := len(g.locks) - 1; i >= 0; i-- {
		err := g.locks[i].Close()
		if err != nil {
			if g.logger != nil {
				g.logger.Warn("sidecar release failed", "error", err)
			}

			errs = append(errs, err)
		}
	}

	g.locks = nil

	return errors.Join(errs...)
}

func releaseReverse(locks []*sidecar.Lock, logger *slog.Logger) {
	for i := len(locks) - 1; i >= 0; i-- {
		err := locks[i].Close()
		if err != nil && logger != nil {
			logger.Warn("sidecar release failed during unwind", "error", err)
		}
	}
}
