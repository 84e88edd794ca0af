package lock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type stubProber struct {
	alive bool
}

func (p stubProber) Alive(int) bool            { return p.alive }
func (p stubProber) Terminate(int, bool) error { return nil }

func newTestManager(t *testing.T, dir, target string, opts ...func(*Config)) *Manager {
	t.Helper()
	cfg := Config{
		Dir:          dir,
		TargetDir:    target,
		JobID:        "test-job",
		PollInterval: 10 * time.Millisecond,
		Prober:       stubProber{alive: true},
	}
	for _, o := range opts {
		o(&cfg)
	}
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func TestTryAcquireExcludesSecondHolder(t *testing.T) {
	dir := t.TempDir()
	target := t.TempDir()

	a := newTestManager(t, dir, target)
	b := newTestManager(t, dir, target)

	ok, err := a.TryAcquire()
	if err != nil || !ok {
		t.Fatalf("first TryAcquire = %v, %v; want true, nil", ok, err)
	}
	ok, err = b.TryAcquire()
	if err != nil {
		t.Fatalf("second TryAcquire error: %v", err)
	}
	if ok {
		t.Fatal("second TryAcquire succeeded while lock held")
	}

	if err := a.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	ok, err = b.TryAcquire()
	if err != nil || !ok {
		t.Fatalf("TryAcquire after release = %v, %v; want true, nil", ok, err)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	m := newTestManager(t, t.TempDir(), t.TempDir())
	if err := m.Release(); err != nil {
		t.Fatalf("release without acquire: %v", err)
	}
	if ok, err := m.TryAcquire(); err != nil || !ok {
		t.Fatalf("TryAcquire = %v, %v", ok, err)
	}
	if err := m.Release(); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if err := m.Release(); err != nil {
		t.Fatalf("second release: %v", err)
	}
}

func TestDeadOwnerReclaimed(t *testing.T) {
	dir := t.TempDir()
	target := t.TempDir()

	a := newTestManager(t, dir, target)
	if ok, err := a.TryAcquire(); err != nil || !ok {
		t.Fatalf("TryAcquire = %v, %v", ok, err)
	}

	// From b's point of view the recorded owner PID is dead.
	b := newTestManager(t, dir, target, func(c *Config) {
		c.Prober = stubProber{alive: false}
	})
	ok, err := b.TryAcquire()
	if err != nil || !ok {
		t.Fatalf("TryAcquire over dead owner = %v, %v; want true, nil", ok, err)
	}
}

func TestExpiredAgeReclaimed(t *testing.T) {
	dir := t.TempDir()
	target := t.TempDir()

	a := newTestManager(t, dir, target)
	if ok, err := a.TryAcquire(); err != nil || !ok {
		t.Fatalf("TryAcquire = %v, %v", ok, err)
	}

	// Owner is alive, but from b's clock the lock has outlived the
	// staleness threshold.
	b := newTestManager(t, dir, target, func(c *Config) {
		c.StaleAfter = time.Hour
		c.Now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	})
	ok, err := b.TryAcquire()
	if err != nil || !ok {
		t.Fatalf("TryAcquire over expired lock = %v, %v; want true, nil", ok, err)
	}
}

func TestAcquireTimeout(t *testing.T) {
	dir := t.TempDir()
	target := t.TempDir()

	a := newTestManager(t, dir, target)
	if ok, err := a.TryAcquire(); err != nil || !ok {
		t.Fatalf("TryAcquire = %v, %v", ok, err)
	}

	b := newTestManager(t, dir, target)
	start := time.Now()
	err := b.AcquireTimeout(context.Background(), 60*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("AcquireTimeout error = %v; want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("AcquireTimeout took %v; deadline not honored", elapsed)
	}
}

func TestAcquireWaitsForRelease(t *testing.T) {
	dir := t.TempDir()
	target := t.TempDir()

	a := newTestManager(t, dir, target)
	if ok, err := a.TryAcquire(); err != nil || !ok {
		t.Fatalf("TryAcquire = %v, %v", ok, err)
	}

	b := newTestManager(t, dir, target)
	done := make(chan error, 1)
	go func() { done <- b.Acquire(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("Acquire returned %v while lock still held", err)
	default:
	}

	if err := a.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Acquire after release: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Acquire did not complete after release")
	}
}

func TestAcquireCancelled(t *testing.T) {
	dir := t.TempDir()
	target := t.TempDir()

	a := newTestManager(t, dir, target)
	if ok, err := a.TryAcquire(); err != nil || !ok {
		t.Fatalf("TryAcquire = %v, %v", ok, err)
	}

	b := newTestManager(t, dir, target)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Acquire(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Acquire error = %v; want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Acquire did not return after cancel")
	}
}

func TestIsLocked(t *testing.T) {
	dir := t.TempDir()
	target := t.TempDir()

	m := newTestManager(t, dir, target)
	locked, err := m.IsLocked()
	if err != nil || locked {
		t.Fatalf("IsLocked before acquire = %v, %v; want false, nil", locked, err)
	}
	if ok, err := m.TryAcquire(); err != nil || !ok {
		t.Fatalf("TryAcquire = %v, %v", ok, err)
	}
	locked, err = m.IsLocked()
	if err != nil || !locked {
		t.Fatalf("IsLocked while held = %v, %v; want true, nil", locked, err)
	}
	if err := m.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	locked, err = m.IsLocked()
	if err != nil || locked {
		t.Fatalf("IsLocked after release = %v, %v; want false, nil", locked, err)
	}
}

func TestEquivalentPathsShareLock(t *testing.T) {
	dir := t.TempDir()
	target := t.TempDir()

	a := newTestManager(t, dir, target)
	if ok, err := a.TryAcquire(); err != nil || !ok {
		t.Fatalf("TryAcquire = %v, %v", ok, err)
	}

	// Same directory spelled differently must contend for the same file.
	b := newTestManager(t, dir, target+string(filepath.Separator)+".")
	ok, err := b.TryAcquire()
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if ok {
		t.Fatal("equivalent path acquired a second lock for the same target")
	}
}

func TestCorruptRecordTreatedAsHeld(t *testing.T) {
	dir := t.TempDir()
	target := t.TempDir()

	m := newTestManager(t, dir, target)
	if err := os.WriteFile(m.path(), []byte("not json"), 0o644); err != nil {
		t.Fatalf("write corrupt lock: %v", err)
	}
	ok, err := m.TryAcquire()
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if ok {
		t.Fatal("acquired over a fresh unreadable lock file")
	}

	// Once the file itself has aged out it is reclaimable.
	aged := newTestManager(t, dir, target, func(c *Config) {
		c.Now = func() time.Time { return time.Now().Add(2 * DefaultStaleAfter) }
	})
	ok, err = aged.TryAcquire()
	if err != nil || !ok {
		t.Fatalf("TryAcquire over aged corrupt lock = %v, %v; want true, nil", ok, err)
	}
}

func TestWithLockReleasesOnError(t *testing.T) {
	dir := t.TempDir()
	target := t.TempDir()

	m := newTestManager(t, dir, target)
	wantErr := errors.New("boom")
	err := m.WithLock(context.Background(), func() error { return wantErr })
	if !errors.Is(err, wantErr) {
		t.Fatalf("WithLock error = %v; want %v", err, wantErr)
	}
	if ok, err := m.TryAcquire(); err != nil || !ok {
		t.Fatalf("lock still held after WithLock: %v, %v", ok, err)
	}
}

func TestCleanStale(t *testing.T) {
	dir := t.TempDir()

	held := newTestManager(t, dir, t.TempDir())
	if ok, err := held.TryAcquire(); err != nil || !ok {
		t.Fatalf("TryAcquire = %v, %v", ok, err)
	}
	stale := newTestManager(t, dir, t.TempDir())
	if ok, err := stale.TryAcquire(); err != nil || !ok {
		t.Fatalf("TryAcquire = %v, %v", ok, err)
	}

	// Rewrite the second record with a PID nobody owns so the sweeper
	// sees a dead holder.
	rec, err := readRecord(stale.path())
	if err != nil {
		t.Fatalf("readRecord: %v", err)
	}
	rec.PID = 1 << 28
	f, err := os.Create(stale.path())
	if err != nil {
		t.Fatalf("rewrite lock: %v", err)
	}
	if err := writeRecord(f, rec); err != nil {
		t.Fatalf("writeRecord: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	sweeper := newTestManager(t, dir, t.TempDir(), func(c *Config) {
		c.Prober = pidSetProber{os.Getpid(): true}
	})
	removed, err := sweeper.CleanStale()
	if err != nil {
		t.Fatalf("CleanStale: %v", err)
	}
	if removed != 1 {
		t.Fatalf("CleanStale removed %d; want 1", removed)
	}
	if _, err := os.Stat(held.path()); err != nil {
		t.Fatalf("held lock removed by sweep: %v", err)
	}
	if _, err := os.Stat(stale.path()); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("stale lock still present: %v", err)
	}
}

// pidSetProber reports only the listed PIDs alive.
type pidSetProber map[int]bool

func (p pidSetProber) Alive(pid int) bool        { return p[pid] }
func (p pidSetProber) Terminate(int, bool) error { return nil }

func TestCleanDirEmpty(t *testing.T) {
	removed, err := CleanDir(t.TempDir(), time.Hour)
	if err != nil {
		t.Fatalf("CleanDir: %v", err)
	}
	if removed != 0 {
		t.Fatalf("CleanDir removed %d from empty dir", removed)
	}
}
