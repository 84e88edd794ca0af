// Package lock provides mutual exclusion over a target directory across
// independent OS processes, using only the local filesystem. The sole
// correctness primitive is atomic exclusive file creation (O_CREATE|O_EXCL);
// no advisory locking is involved. Locks abandoned by crashed holders are
// reclaimed by the next acquirer, so no external janitor is required.
package lock

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/loykin/deployd/internal/metrics"
	"github.com/loykin/deployd/internal/osproc"
)

const (
	// DefaultStaleAfter is the age past which a lock is reclaimable even
	// when its owning PID is still alive.
	DefaultStaleAfter = time.Hour
	// DefaultPollInterval is the wait between acquisition attempts while a
	// valid holder exists.
	DefaultPollInterval = 500 * time.Millisecond

	lockSuffix = ".lock"
)

// Config describes one lock manager instance. Dir is the shared lock
// directory; TargetDir is the resource being locked. JobID is recorded in
// the lock file for diagnostics.
type Config struct {
	Dir          string
	TargetDir    string
	JobID        string
	StaleAfter   time.Duration
	PollInterval time.Duration
	Prober       osproc.Prober
	Now          func() time.Time
}

// Manager guards one target directory. A Manager is not reentrant: a
// second Acquire on a held Manager blocks like any other contender.
type Manager struct {
	dir       string
	targetDir string
	key       string
	jobID     string
	stale     time.Duration
	poll      time.Duration
	prober    osproc.Prober
	now       func() time.Time

	mu   sync.Mutex
	held bool
}

// outcome tags the result of a single acquisition attempt. Stale means the
// previous holder's file was reclaimed and the caller should retry
// immediately; held means a valid holder exists and the caller must wait.
type outcome int

const (
	outcomeAcquired outcome = iota
	outcomeHeld
	outcomeStale
)

// New canonicalizes the target path and prepares the lock directory.
func New(cfg Config) (*Manager, error) {
	if cfg.Dir == "" {
		return nil, errors.New("lock: dir required")
	}
	if cfg.TargetDir == "" {
		return nil, errors.New("lock: target dir required")
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Prober == nil {
		cfg.Prober = osproc.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	key, canonical, err := keyFor(cfg.TargetDir)
	if err != nil {
		return nil, &Error{Op: "acquire", Path: cfg.TargetDir, Err: err}
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, &Error{Op: "acquire", Path: cfg.Dir, Err: err}
	}
	return &Manager{
		dir:       cfg.Dir,
		targetDir: canonical,
		key:       key,
		jobID:     cfg.JobID,
		stale:     cfg.StaleAfter,
		poll:      cfg.PollInterval,
		prober:    cfg.Prober,
		now:       cfg.Now,
	}, nil
}

func (m *Manager) path() string { return filepath.Join(m.dir, m.key+lockSuffix) }

// TryAcquire makes a single non-blocking attempt, reclaiming stale files
// along the way. It reports false when a valid holder exists.
func (m *Manager) TryAcquire() (bool, error) {
	for {
		out, err := m.attempt()
		if err != nil {
			return false, err
		}
		switch out {
		case outcomeAcquired:
			return true, nil
		case outcomeStale:
			continue // reclaimed; retry immediately
		default:
			return false, nil
		}
	}
}

// Acquire blocks until the lock is acquired or ctx is cancelled, polling
// at the configured interval while a valid holder exists.
func (m *Manager) Acquire(ctx context.Context) error {
	return m.acquire(ctx, nil)
}

// AcquireTimeout is Acquire bounded by a deadline; it returns ErrTimeout
// when the deadline elapses while a valid holder still owns the lock.
func (m *Manager) AcquireTimeout(ctx context.Context, timeout time.Duration) error {
	deadline := m.now().Add(timeout)
	return m.acquire(ctx, &deadline)
}

func (m *Manager) acquire(ctx context.Context, deadline *time.Time) error {
	timer := time.NewTimer(m.poll)
	defer timer.Stop()
	for {
		out, err := m.attempt()
		if err != nil {
			return err
		}
		switch out {
		case outcomeAcquired:
			metrics.IncLockAcquired()
			return nil
		case outcomeStale:
			continue
		}
		if deadline != nil && !m.now().Before(*deadline) {
			metrics.IncLockTimeout()
			return ErrTimeout
		}
		wait := m.poll
		if deadline != nil {
			if remain := deadline.Sub(m.now()); remain < wait {
				wait = remain
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// attempt performs one exclusive-create try against the lock file.
func (m *Manager) attempt() (outcome, error) {
	path := m.path()
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err == nil {
		rec := Record{
			Key:       m.key,
			JobID:     m.jobID,
			PID:       os.Getpid(),
			Timestamp: m.now().UTC(),
			Hostname:  hostname(),
			TargetDir: m.targetDir,
		}
		werr := writeRecord(f, rec)
		cerr := f.Close()
		if werr == nil {
			werr = cerr
		}
		if werr != nil {
			_ = os.Remove(path)
			return outcomeHeld, &Error{Op: "acquire", Path: path, Err: werr}
		}
		m.mu.Lock()
		m.held = true
		m.mu.Unlock()
		return outcomeAcquired, nil
	}
	if !errors.Is(err, fs.ErrExist) {
		return outcomeHeld, &Error{Op: "acquire", Path: path, Err: err}
	}

	rec, rerr := readRecord(path)
	if rerr != nil {
		if errors.Is(rerr, fs.ErrNotExist) {
			// Holder released between our create and read.
			return outcomeStale, nil
		}
		// Unparseable record: reclaim only once the file itself has aged
		// past the threshold, so a holder mid-write is left alone.
		if fi, serr := os.Stat(path); serr == nil && m.now().Sub(fi.ModTime()) > m.stale {
			return m.reclaim(path, 0), nil
		}
		return outcomeHeld, nil
	}
	if m.isStale(rec) {
		return m.reclaim(path, rec.PID), nil
	}
	return outcomeHeld, nil
}

// isStale implements: not alive(pid) OR age exceeds the threshold.
func (m *Manager) isStale(rec Record) bool {
	if !m.prober.Alive(rec.PID) {
		return true
	}
	return m.now().Sub(rec.Timestamp) > m.stale
}

// reclaim removes a stale lock file. A concurrent reclaimer winning the
// race is fine: already-removed counts as removed.
func (m *Manager) reclaim(path string, pid int) outcome {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return outcomeHeld
	}
	slog.Debug("reclaimed stale lock", "path", path, "pid", pid)
	metrics.AddStaleLocksRemoved(1)
	return outcomeStale
}

// Release is idempotent: double release, or release without a prior
// acquire, is a no-op and never an error.
func (m *Manager) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.held {
		return nil
	}
	m.held = false
	if err := os.Remove(m.path()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &Error{Op: "release", Path: m.path(), Err: err}
	}
	return nil
}

// IsLocked is a non-destructive check; stale locks read as unlocked but
// are left on disk for the next acquirer to reclaim.
func (m *Manager) IsLocked() (bool, error) {
	rec, err := readRecord(m.path())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		// Corrupt record: report locked unless the file has aged out.
		if fi, serr := os.Stat(m.path()); serr == nil {
			return m.now().Sub(fi.ModTime()) <= m.stale, nil
		}
		return false, nil
	}
	return !m.isStale(rec), nil
}

// CleanStale scans the entire lock directory, not just this manager's key,
// and removes every lock with a dead owner or expired age. It returns the
// number removed. Concurrent sweepers racing to delete the same file are
// harmless: a loss of the race still counts as removed.
func (m *Manager) CleanStale() (int, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, &Error{Op: "scan", Path: m.dir, Err: err}
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), lockSuffix) {
			continue
		}
		path := filepath.Join(m.dir, e.Name())
		rec, rerr := readRecord(path)
		if rerr != nil {
			if errors.Is(rerr, fs.ErrNotExist) {
				continue
			}
			if fi, serr := os.Stat(path); serr != nil || m.now().Sub(fi.ModTime()) <= m.stale {
				continue
			}
		} else if !m.isStale(rec) {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			continue
		}
		removed++
	}
	if removed > 0 {
		slog.Info("cleaned stale locks", "dir", m.dir, "removed", removed)
		metrics.AddStaleLocksRemoved(removed)
	}
	return removed, nil
}

// CleanDir sweeps an entire lock directory without binding to a target,
// for proactive janitor runs from the CLI.
func CleanDir(dir string, staleAfter time.Duration) (int, error) {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	m := &Manager{dir: dir, stale: staleAfter, poll: DefaultPollInterval, prober: osproc.Default(), now: time.Now}
	return m.CleanStale()
}

// WithLock acquires (blocking), runs fn, and releases on every exit path
// including panics.
func (m *Manager) WithLock(ctx context.Context, fn func() error) error {
	if err := m.Acquire(ctx); err != nil {
		return err
	}
	defer func() { _ = m.Release() }()
	return fn()
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
