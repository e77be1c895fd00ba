package hlock

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/wilgaboury/sbdb/internal/dbpath"
	"github.com/wilgaboury/sbdb/internal/fs"
	"github.com/wilgaboury/sbdb/internal/sidecar"
)

func Test_PlanOne_Locks_Ancestors_Shared_Then_Target(t *testing.T) {
	t.Parallel()

	plan := PlanOne(mustParse(t, "a/b/c"), sidecar.Exclusive)

	want := []string{
		`"" shared`,
		`"a" shared`,
		`"a/b" shared`,
		`"a/b/c" exclusive`,
	}

	if diff := cmp.Diff(want, renderPlan(plan)); diff != "" {
		t.Fatalf("plan mismatch (-want +got):\n%s", diff)
	}
}

func Test_PlanOne_Root_Target_Has_No_Ancestors(t *testing.T) {
	t.Parallel()

	plan := PlanOne(dbpath.Root(), sidecar.Exclusive)

	want := []string{`"" exclusive`}

	if diff := cmp.Diff(want, renderPlan(plan)); diff != "" {
		t.Fatalf("plan mismatch (-want +got):\n%s", diff)
	}
}

func Test_PlanSet_Dedupes_And_Sorts_Globally(t *testing.T) {
	t.Parallel()

	plan := PlanSet([]Entry{
		{Path: mustParse(t, "a/c"), Mode: sidecar.Shared},
		{Path: mustParse(t, "a/b"), Mode: sidecar.Exclusive},
		{Path: mustParse(t, "b"), Mode: sidecar.Exclusive},
	})

	want := []string{
		`"" shared`,
		`"a" shared`,
		`"a/b" exclusive`,
		`"a/c" shared`,
		`"b" exclusive`,
	}

	if diff := cmp.Diff(want, renderPlan(plan)); diff != "" {
		t.Fatalf("plan mismatch (-want +got):\n%s", diff)
	}
}

func Test_PlanSet_Exclusive_Wins_Over_Shared_And_Ancestor(t *testing.T) {
	t.Parallel()

	// "a" is declared shared, declared exclusive, and is an ancestor of
	// "a/b"; exclusive must win.
	plan := PlanSet([]Entry{
		{Path: mustParse(t, "a"), Mode: sidecar.Shared},
		{Path: mustParse(t, "a"), Mode: sidecar.Exclusive},
		{Path: mustParse(t, "a/b"), Mode: sidecar.Shared},
	})

	want := []string{
		`"" shared`,
		`"a" exclusive`,
		`"a/b" shared`,
	}

	if diff := cmp.Diff(want, renderPlan(plan)); diff != "" {
		t.Fatalf("plan mismatch (-want +got):\n%s", diff)
	}
}

func Test_Acquire_Holds_And_Close_Releases(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	locker := sidecar.NewLocker(fs.NewReal(), sidecar.Config{})

	guard, err := Acquire(locker, root, PlanOne(mustParse(t, "a/b"), sidecar.Exclusive), nil)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// The target is exclusively held.
	timed := sidecar.NewLocker(fs.NewReal(), sidecar.Config{Timeout: 50 * time.Millisecond})

	_, err = timed.Acquire(filepath.Join(root, "a", "b"), sidecar.Shared)
	if !errors.Is(err, sidecar.ErrTimeout) {
		t.Fatalf("target acquire while guarded: err=%v, want ErrTimeout", err)
	}

	// Ancestors are held shared: another shared acquirer passes, an
	// exclusive one does not.
	lock, err := timed.Acquire(filepath.Join(root, "a"), sidecar.Shared)
	if err != nil {
		t.Fatalf("shared ancestor acquire: %v", err)
	}

	_ = lock.Close()

	_, err = timed.Acquire(filepath.Join(root, "a"), sidecar.Exclusive)
	if !errors.Is(err, sidecar.ErrTimeout) {
		t.Fatalf("exclusive ancestor acquire while guarded: err=%v, want ErrTimeout", err)
	}

	if err := guard.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Everything is released.
	lock, err = timed.Acquire(filepath.Join(root, "a", "b"), sidecar.Exclusive)
	if err != nil {
		t.Fatalf("acquire after Close: %v", err)
	}

	_ = lock.Close()

	if err := guard.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func Test_Acquire_Unwinds_On_Mid_Plan_Failure(t *testing.T) {
	t.Parallel()

	root := t.TempDir()

	// A peer holds "a" exclusively, so the plan (root, a) fails at its
	// second step.
	holder := sidecar.NewLocker(fs.NewReal(), sidecar.Config{})

	held, err := holder.Acquire(filepath.Join(root, "a"), sidecar.Exclusive)
	if err != nil {
		t.Fatalf("holder Acquire: %v", err)
	}
	t.Cleanup(func() { _ = held.Close() })

	timed := sidecar.NewLocker(fs.NewReal(), sidecar.Config{Timeout: 50 * time.Millisecond})

	_, err = Acquire(timed, root, PlanOne(mustParse(t, "a"), sidecar.Exclusive), nil)
	if !errors.Is(err, sidecar.ErrTimeout) {
		t.Fatalf("Acquire: err=%v, want ErrTimeout", err)
	}

	// The root lock taken by the failed plan must have been released.
	lock, err := timed.Acquire(root, sidecar.Exclusive)
	if err != nil {
		t.Fatalf("root acquire after unwind: %v", err)
	}

	_ = lock.Close()
}

func renderPlan(plan []Entry) []string {
	out := make([]string, 0, len(plan))
	for _, e := range plan {
		out = append(out, fmt.Sprintf("%q %s", e.Path.String(), e.Mode))
	}

	return out
}

func mustParse(t *testing.T, s string) dbpath.Path {
	t.Helper()

	p, err := dbpath.Parse(s)
	if err != nil {
		t.Fatalf("Parse(%q): %v", s, err)
	}

	return p
}
