package sbdb

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/tailscale/hujson"

	"github.com/wilgaboury/sbdb/internal/staging"
)

// DirCommitStrategy selects how directory commits are installed. See
// [Options.DirCommit].
type DirCommitStrategy int

const (
	// DirCommitAtomic flips a symlink over the entry. True atomicity;
	// entries become symlinks to hidden content directories, which can
	// confuse path-based tooling on platforms with weak symlink support.
	DirCommitAtomic DirCommitStrategy = iota + 1

	// DirCommitBestEffort installs via two renames through a
	// deterministic backup name. Preserves path identity; has a window
	// where the entry transiently does not exist.
	DirCommitBestEffort
)

func (s DirCommitStrategy) staging() staging.DirStrategy {
	if s == DirCommitBestEffort {
		return staging.DirBestEffort
	}

	return staging.DirAtomic
}

// DefaultScratchDirName is the scratch directory created under the root
// for staged copies. It lives under the root so the final rename is
// always same-filesystem.
const DefaultScratchDirName = ".sbdb-scratch"

// Options configures a [Client]. The zero value is usable: atomic
// directory commits, no lock timeout, default scratch name, no logging.
type Options struct {
	// DirCommit is the directory commit strategy. Defaults to
	// [DirCommitAtomic].
	DirCommit DirCommitStrategy

	// LockTimeout is the wait budget for each sidecar acquisition. Zero
	// blocks indefinitely. When it elapses, the operation fails with
	// [ErrAcquireTimeout].
	LockTimeout time.Duration

	// QueueBypass, together with a non-zero LockTimeout, skips the
	// fairness handshake after the queue acquisition times out and
	// contends on the lock file directly. This keeps the client live when
	// a peer crashed while holding a queue sidecar, at the cost of
	// fairness during the bypass. Off by default.
	QueueBypass bool

	// ScratchDirName overrides [DefaultScratchDirName].
	ScratchDirName string

	// ScrubOnOpen runs [Client.Scrub] during [Open]. Only safe when no
	// other client has an in-flight transaction against the root. Off by
	// default.
	ScrubOnOpen bool

	// Logger receives suppressed cleanup failures and scrub progress.
	// Nil discards.
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.DirCommit == 0 {
		o.DirCommit = DirCommitAtomic
	}

	if o.ScratchDirName == "" {
		o.ScratchDirName = DefaultScratchDirName
	}

	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}

	return o
}

// optionsFile is the on-disk representation accepted by
// [OptionsFromFile]. The file is JSON with comments and trailing commas
// permitted (JWCC).
type optionsFile struct {
	DirCommit      string `json:"dir_commit,omitempty"`       // "atomic" | "best_effort"
	LockTimeout    string `json:"lock_timeout,omitempty"`     // Go duration, e.g. "5s"
	QueueBypass    bool   `json:"queue_bypass,omitempty"`     //
	ScratchDirName string `json:"scratch_dir_name,omitempty"` //
	ScrubOnOpen    bool   `json:"scrub_on_open,omitempty"`    //
}

// OptionsFromFile loads Options from a JSON file. Comments and trailing
// commas are permitted. Unset fields keep their zero value, so the
// result composes with [Options] defaulting in [Open].
func OptionsFromFile(path string) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Options{}, fmt.Errorf("reading options file: %w", err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Options{}, fmt.Errorf("parsing options file %q: %w", path, err)
	}

	var raw optionsFile

	dec := json.NewDecoder(bytes.NewReader(standardized))
	dec.DisallowUnknownFields()

	err = dec.Decode(&raw)
	if err != nil {
		return Options{}, fmt.Errorf("parsing options file %q: %w", path, err)
	}

	var opts Options

	switch raw.DirCommit {
	case "":
	case "atomic":
		opts.DirCommit = DirCommitAtomic
	case "best_effort":
		opts.DirCommit = DirCommitBestEffort
	default:
		return Options{}, fmt.Errorf("options file %q: unknown dir_commit %q", path, raw.DirCommit)
	}

	if raw.LockTimeout != "" {
		d, parseErr := time.ParseDuration(raw.LockTimeout)
		if parseErr != nil {
			return Options{}, fmt.Errorf("options file %q: lock_timeout: %w", path, parseErr)
		}

		if d < 0 {
			return Options{}, fmt.Errorf("options file %q: lock_timeout is negative", path)
		}

		opts.LockTimeout = d
	}

	if raw.QueueBypass && raw.LockTimeout == "" {
		return Options{}, errors.New("queue_bypass requires lock_timeout")
	}

	opts.QueueBypass = raw.QueueBypass
	opts.ScratchDirName = raw.ScratchDirName
	opts.ScrubOnOpen = raw.ScrubOnOpen

	return opts, nil
}
