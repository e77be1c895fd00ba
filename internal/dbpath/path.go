// Package dbpath models database-relative paths: validated segment
// sequences with a total order that all lock acquisitions agree on.
package dbpath

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrInvalid is returned when a path contains an empty, relative ("." or
// ".."), absolute, or reserved segment.
//
// Callers can detect it with errors.Is(err, dbpath.ErrInvalid).
var ErrInvalid = errors.New("invalid path")

// Sidecar and staging suffixes the core materializes next to entries.
// Segments ending in any of these are rejected so user entries can never
// collide with files the core creates.
const (
	LockSuffix    = ".lock"
	QueueSuffix   = ".queue"
	ContentSuffix = ".dir"
	LinkSuffix    = ".lnk"
	BackupSuffix  = ".bak"
)

var reservedSuffixes = []string{
	LockSuffix,
	QueueSuffix,
	ContentSuffix,
	LinkSuffix,
	BackupSuffix,
}

// Path is a database-relative path: an immutable sequence of non-empty
// segments. The zero value is the database root.
//
// Paths compare segment-wise (see [Compare]), not as raw strings. Raw
// string comparison would order "a-b" before "a/b" because '-' < '/',
// while "a/b" is a child of "a" and must sort directly after it.
type Path struct {
	segs []string
}

// Root returns the path of the database root (zero segments).
func Root() Path {
	return Path{}
}

// Parse validates s and returns it as a Path. The empty string parses to
// the database root. Segments are separated by '/'.
//
// Returns an error satisfying errors.Is with [ErrInvalid] when s is
// absolute, contains empty segments, "." or "..", or a segment with a
// reserved suffix.
func Parse(s string) (Path, error) {
	if s == "" {
		return Path{}, nil
	}

	if strings.HasPrefix(s, "/") || filepath.IsAbs(s) {
		return Path{}, fmt.Errorf("%w: %q is absolute", ErrInvalid, s)
	}

	segs := strings.Split(s, "/")
	for _, seg := range segs {
		err := checkSegment(seg)
		if err != nil {
			return Path{}, fmt.Errorf("%w: %q: %v", ErrInvalid, s, err)
		}
	}

	return Path{segs: segs}, nil
}

// New builds a Path from individual segments, validating each.
func New(segs ...string) (Path, error) {
	for _, seg := range segs {
		err := checkSegment(seg)
		if err != nil {
			return Path{}, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}

	return Path{segs: append([]string(nil), segs...)}, nil
}

func checkSegment(seg string) error {
	if seg == "" {
		return errors.New("empty segment")
	}

	if seg == "." || seg == ".." {
		return fmt.Errorf("relative segment %q", seg)
	}

	if strings.ContainsAny(seg, `/\`) {
		return fmt.Errorf("separator in segment %q", seg)
	}

	for _, suffix := range reservedSuffixes {
		if strings.HasSuffix(seg, suffix) {
			return fmt.Errorf("reserved suffix %q in segment %q", suffix, seg)
		}
	}

	return nil
}

// IsRoot reports whether p is the database root.
func (p Path) IsRoot() bool {
	return len(p.segs) == 0
}

// Segments returns a copy of p's segments.
func (p Path) Segments() []string {
	return append([]string(nil), p.segs...)
}

// Base returns the last segment, or "" for the root.
func (p Path) Base() string {
	if len(p.segs) == 0 {
		return ""
	}

	return p.segs[len(p.segs)-1]
}

// String returns the slash-joined form. The root renders as "".
func (p Path) String() string {
	return strings.Join(p.segs, "/")
}

// Parent returns the parent path. ok is false for the root.
func (p Path) Parent() (parent Path, ok bool) {
	if len(p.segs) == 0 {
		return Path{}, false
	}

	return Path{segs: p.segs[:len(p.segs)-1]}, true
}

// Ancestors returns the strict ancestors of p ordered root first, parent
// last. The root has no ancestors.
func (p Path) Ancestors() []Path {
	if len(p.segs) == 0 {
		return nil
	}

	ancestors := make([]Path, 0, len(p.segs))
	for i := range p.segs {
		ancestors = append(ancestors, Path{segs: p.segs[:i]})
	}

	return ancestors
}

// Join appends a validated relative path to p.
func (p Path) Join(rel Path) Path {
	if len(rel.segs) == 0 {
		return p
	}

	segs := make([]string, 0, len(p.segs)+len(rel.segs))
	segs = append(segs, p.segs...)
	segs = append(segs, rel.segs...)

	return Path{segs: segs}
}

// FS returns the host filesystem path of p under root.
func (p Path) FS(root string) string {
	if len(p.segs) == 0 {
		return filepath.Clean(root)
	}

	return filepath.Join(append([]string{root}, p.segs...)...)
}

// Compare orders a and b lexicographically as segment sequences. It
// returns -1 when a sorts before b, 0 when equal, and +1 otherwise.
//
// A path always sorts directly before its descendants, which is what
// makes the sorted lock order root-to-leaf along every branch.
func Compare(a, b Path) int {
	n := min(len(a.segs), len(b.segs))

	for i := range n {
		switch {
		case a.segs[i] < b.segs[i]:
			return -1
		case a.segs[i] > b.segs[i]:
			return 1
		}
	}

	switch {
	case len(a.segs) < len(b.segs):
		return -1
	case len(a.segs) > len(b.segs):
		return 1
	}

	return 0
}
