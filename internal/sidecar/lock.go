// Package sidecar implements the cross-process lock primitive: a
// shared/exclusive advisory lock on an entry's ".lock" sidecar, with a
// fairness handshake through the entry's ".queue" sidecar.
//
// Every acquirer, reader or writer, first takes the queue file
// exclusively, then takes the lock file in its requested mode, then
// releases the queue. Because the queue is held only for the duration of
// the lock-file acquisition, no class of acquirer can starve the other
// indefinitely; OS unfairness matters only in the window between queue
// release and lock acquisition.
package sidecar

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/wilgaboury/sbdb/internal/dbpath"
	"github.com/wilgaboury/sbdb/internal/fs"
)

var (
	// ErrBackend is returned when an underlying lock syscall or sidecar
	// file operation fails.
	ErrBackend = errors.New("lock backend")

	// ErrTimeout is returned when the configured wait budget elapses
	// before the lock is acquired.
	ErrTimeout = errors.New("lock acquire timeout")

	// errInodeMismatch is an internal sentinel indicating the sidecar was
	// replaced between open and flock. Callers retry.
	errInodeMismatch = errors.New("inode mismatch")
)

// Mode selects shared or exclusive acquisition.
type Mode int

const (
	// Shared allows concurrent holders; used for reads and for ancestor
	// directories of any target.
	Shared Mode = iota + 1

	// Exclusive allows a single holder; used for write targets.
	Exclusive
)

func (m Mode) String() string {
	switch m {
	case Shared:
		return "shared"
	case Exclusive:
		return "exclusive"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

func (m Mode) flockHow() int {
	if m == Exclusive {
		return unix.LOCK_EX
	}

	return unix.LOCK_SH
}

// Config tunes acquisition behavior. The zero value blocks forever with
// the queue handshake always on.
type Config struct {
	// Timeout is the wait budget for each flock acquisition. Zero blocks
	// in the kernel with no deadline.
	Timeout time.Duration

	// QueueBypass, when set together with Timeout, skips the queue
	// handshake after the queue acquisition times out and contends on the
	// lock file directly. This trades fairness for liveness when a peer
	// died while holding the queue. Off by default.
	QueueBypass bool
}

// Locker acquires sidecar locks using flock(2).
//
// flock is advisory and applies to an open file description, not a
// pathname. All cooperating processes must go through the sidecars for
// the locks to have effect; the sidecars themselves are created lazily
// and never removed while locks may be held.
//
// Locker verifies that the descriptor it locked still refers to the file
// currently at the sidecar path at the moment the lock is acquired,
// protecting the open→lock window against replacement.
//
// Locker has no mutable state and is safe for concurrent use as long as
// the underlying [fs.FS] is.
type Locker struct {
	fsys  fs.FS
	flock func(fd int, how int) error
	cfg   Config
}

// NewLocker creates a Locker over the given filesystem.
func NewLocker(fsys fs.FS, cfg Config) *Locker {
	return &Locker{
		fsys:  fsys,
		flock: unix.Flock,
		cfg:   cfg,
	}
}

// Lock represents a held sidecar lock. Call [Lock.Close] to release it.
type Lock struct {
	mu    sync.Mutex
	file  fs.File
	flock func(fd int, how int) error
}

// Close releases the lock and closes the underlying descriptor.
//
// Close is idempotent; subsequent calls return nil. If both unlocking and
// closing fail, the returned error wraps both (see [errors.Join]).
func (lk *Lock) Close() error {
	lk.mu.Lock()
	defer lk.mu.Unlock()

	if lk.file == nil {
		return nil
	}

	fd := int(lk.file.Fd())

	unlockErr := flockRetryEINTR(lk.flock, fd, unix.LOCK_UN)
	closeErr := lk.file.Close()
	lk.file = nil

	if unlockErr != nil {
		unlockErr = fmt.Errorf("unlocking sidecar: %w", unlockErr)
	}

	if closeErr != nil {
		closeErr = fmt.Errorf("closing sidecar fd: %w", closeErr)
	}

	return errors.Join(unlockErr, closeErr)
}

// Acquire takes the lock for the entry at the given host path in the
// requested mode, creating the ".lock" and ".queue" sidecars as needed.
//
// The returned Lock must be closed to release. Acquire never leaves the
// queue held on any return path.
//
// Returns an error satisfying errors.Is with [ErrTimeout] when the wait
// budget elapses, or with [ErrBackend] for syscall failures.
func (l *Locker) Acquire(entryPath string, mode Mode) (*Lock, error) {
	queue, err := l.lockSidecar(entryPath+dbpath.QueueSuffix, unix.LOCK_EX)

	switch {
	case err == nil:
		// Queue held; proceed to the lock file.
	case errors.Is(err, ErrTimeout) && l.cfg.QueueBypass:
		// A peer may have died holding the queue. Skip the handshake and
		// contend on the lock file directly with a fresh budget.
		queue = nil
	default:
		return nil, fmt.Errorf("acquire queue: %w", err)
	}

	lock, lockErr := l.lockSidecar(entryPath+dbpath.LockSuffix, mode.flockHow())

	var queueErr error
	if queue != nil {
		queueErr = queue.Close()
	}

	if lockErr != nil {
		return nil, fmt.Errorf("acquire %s lock: %w", mode, lockErr)
	}

	if queueErr != nil {
		// The lock is held but the queue could not be released; later
		// acquirers would block forever behind a dead handshake. Unwind.
		_ = lock.Close()

		return nil, fmt.Errorf("%w: releasing queue: %v", ErrBackend, queueErr)
	}

	return lock, nil
}

// lockSidecar opens-or-creates the sidecar at path and flocks it with
// how, retrying when the file is replaced underneath us.
func (l *Locker) lockSidecar(path string, how int) (*Lock, error) {
	var deadline time.Time
	if l.cfg.Timeout > 0 {
		deadline = time.Now().Add(l.cfg.Timeout)
	}

	for {
		file, err := l.openSidecar(path)
		if err != nil {
			return nil, fmt.Errorf("%w: opening sidecar %q: %v", ErrBackend, path, err)
		}

		err = l.acquireFd(file, path, how, deadline)
		if err == nil {
			return &Lock{file: file, flock: l.flock}, nil
		}

		_ = file.Close()

		if errors.Is(err, errInodeMismatch) {
			continue
		}

		return nil, err
	}
}

// acquireFd attempts to flock the open file and verify the inode still
// matches path. On success the file is locked and ready to use. On
// failure the file is unlocked (if needed) but NOT closed.
//
// With a zero deadline it blocks in the kernel. With a deadline it polls
// non-blocking flock with exponential backoff (1ms to 25ms), which is
// slightly less efficient than true blocking but allows timeouts.
func (l *Locker) acquireFd(file fs.File, path string, how int, deadline time.Time) error {
	fd := int(file.Fd())

	if deadline.IsZero() {
		err := flockRetryEINTR(l.flock, fd, how)
		if err != nil {
			return fmt.Errorf("%w: flock %q: %v", ErrBackend, path, err)
		}

		return l.verifyInode(file, path, fd)
	}

	backoff := time.Millisecond

	for {
		err := flockRetryEINTR(l.flock, fd, how|unix.LOCK_NB)
		if err == nil {
			return l.verifyInode(file, path, fd)
		}

		if !isWouldBlock(err) {
			return fmt.Errorf("%w: flock %q: %v", ErrBackend, path, err)
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("%w: %q after %s", ErrTimeout, path, l.cfg.Timeout)
		}

		time.Sleep(min(backoff, remaining))

		if backoff < 25*time.Millisecond {
			backoff = min(backoff*2, 25*time.Millisecond)
		}
	}
}

func (l *Locker) verifyInode(file fs.File, path string, fd int) error {
	match, err := l.inodeMatchesPath(path, file)
	if err != nil {
		_ = flockRetryEINTR(l.flock, fd, unix.LOCK_UN)

		if errors.Is(err, os.ErrNotExist) {
			return errInodeMismatch
		}

		return fmt.Errorf("%w: verifying inode of %q: %v", ErrBackend, path, err)
	}

	if !match {
		_ = flockRetryEINTR(l.flock, fd, unix.LOCK_UN)

		return errInodeMismatch
	}

	return nil
}

const (
	sidecarPerm    = 0o600
	sidecarDirPerm = 0o755
)

// openSidecar opens the sidecar, creating it and any missing parent
// directories lazily. Locking a path whose entry does not exist yet is
// legal (the entry may be created under the write guard).
func (l *Locker) openSidecar(path string) (fs.File, error) {
	f, err := l.fsys.OpenFile(path, os.O_RDWR|os.O_CREATE, sidecarPerm)
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		return f, err
	}

	if err := l.fsys.MkdirAll(filepath.Dir(path), sidecarDirPerm); err != nil {
		return nil, err
	}

	return l.fsys.OpenFile(path, os.O_RDWR|os.O_CREATE, sidecarPerm)
}

// inodeMatchesPath verifies that f (the descriptor we are about to rely
// on) still refers to the file currently at path.
//
// flock locks by inode, not pathname. A pathname can be replaced while
// the acquirer is blocked waiting: a scrub sweep, a misbehaving peer, an
// editor writing via temp+rename. Two processes can then each "lock the
// path" while coordinating on different inodes. Compare (dev, inode) of
// the open fd to the current (dev, inode) at path; on mismatch the caller
// unlocks and retries with a fresh open.
func (l *Locker) inodeMatchesPath(path string, f fs.File) (bool, error) {
	openInfo, err := f.Stat()
	if err != nil {
		return false, err
	}

	openSys, ok := openInfo.Sys().(*syscall.Stat_t)
	if !ok || openSys == nil {
		return false, fmt.Errorf("file.Stat Sys=%T, want *syscall.Stat_t", openInfo.Sys())
	}

	pathInfo, err := l.fsys.Stat(path)
	if err != nil {
		return false, err
	}

	pathSys, ok := pathInfo.Sys().(*syscall.Stat_t)
	if !ok || pathSys == nil {
		return false, fmt.Errorf("fs.Stat Sys=%T, want *syscall.Stat_t", pathInfo.Sys())
	}

	return openSys.Dev == pathSys.Dev && openSys.Ino == pathSys.Ino, nil
}

func isWouldBlock(err error) bool {
	return errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN)
}

// flockRetryEINTR wraps flock, retrying on EINTR.
//
// EINTR means the syscall was interrupted by a signal before it could
// complete; the syscall didn't fail, it just needs to be retried. Retries
// are capped to avoid spinning forever under pathological signal storms.
func flockRetryEINTR(flock func(fd int, how int) error, fd int, how int) error {
	const maxEINTRRetries = 10000

	var err error
	for range maxEINTRRetries {
		err = flock(fd, how)
		if err == nil || !errors.Is(err, unix.EINTR) {
			return err
		}
	}

	return err
}
