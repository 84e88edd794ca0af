//go:build !windows

package job

import (
	"errors"
	"os"
	"strings"
	"testing"
	"time"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(ManagerConfig{
		Dir:          t.TempDir(),
		PollInterval: 25 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func waitFor(t *testing.T, m *Manager, id string, pred func(Status) bool) Status {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	var last Status
	for time.Now().Before(deadline) {
		st, err := m.Status(id)
		if err == nil {
			last = st
			if pred(st) {
				return st
			}
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("job %s never reached expected state; last: %+v", id, last)
	return Status{}
}

func TestSpawnCompletes(t *testing.T) {
	m := newTestManager(t)
	target := t.TempDir()

	st, err := m.Spawn(SpawnRequest{JobID: "ok-job", TargetDir: target, Command: "echo done"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if st.State != StateRunning {
		t.Fatalf("state after spawn = %s; want %s", st.State, StateRunning)
	}
	if st.PID <= 0 {
		t.Fatalf("spawn reported pid %d", st.PID)
	}

	final := waitFor(t, m, "ok-job", func(s Status) bool { return s.State.Terminal() })
	if final.State != StateCompleted {
		t.Fatalf("final state = %s (%s); want %s", final.State, final.Error, StateCompleted)
	}
	if final.ExitCode == nil || *final.ExitCode != 0 {
		t.Fatalf("exit code = %v; want 0", final.ExitCode)
	}

	out, err := os.ReadFile(m.LogPath("ok-job"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if strings.TrimSpace(string(out)) != "done" {
		t.Fatalf("log = %q; want %q", out, "done\n")
	}
}

func TestSpawnNonZeroExitFails(t *testing.T) {
	m := newTestManager(t)

	if _, err := m.Spawn(SpawnRequest{JobID: "bad-job", TargetDir: t.TempDir(), Command: "false"}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	final := waitFor(t, m, "bad-job", func(s Status) bool { return s.State.Terminal() })
	if final.State != StateFailed {
		t.Fatalf("final state = %s; want %s", final.State, StateFailed)
	}
	if final.ExitCode == nil || *final.ExitCode != 1 {
		t.Fatalf("exit code = %v; want 1", final.ExitCode)
	}
}

func TestSpawnDuplicateRejected(t *testing.T) {
	m := newTestManager(t)
	target := t.TempDir()

	if _, err := m.Spawn(SpawnRequest{JobID: "dup", TargetDir: target, Command: "sleep 10"}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	before, err := m.Status("dup")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}

	_, err = m.Spawn(SpawnRequest{JobID: "dup", TargetDir: target, Command: "echo other"})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate spawn error = %v; want ErrDuplicate", err)
	}

	after, err := m.Status("dup")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if after.State != before.State || after.PID != before.PID {
		t.Fatalf("existing job mutated by duplicate spawn: %+v -> %+v", before, after)
	}
	if _, err := m.Cancel("dup", true); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
}

func TestSpawnInvalidID(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Spawn(SpawnRequest{JobID: "../escape", TargetDir: t.TempDir(), Command: "echo hi"}); err == nil {
		t.Fatal("spawn accepted a path-traversal job id")
	}
}

func TestSpawnMissingTargetDirFails(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Spawn(SpawnRequest{JobID: "no-target", TargetDir: "/nonexistent/deploy/dir", Command: "echo hi"})
	var se *SpawnError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v; want *SpawnError", err)
	}
	st, serr := m.Status("no-target")
	if serr != nil {
		t.Fatalf("Status: %v", serr)
	}
	if st.State != StateFailed {
		t.Fatalf("state = %s; want %s", st.State, StateFailed)
	}
	if st.Error == "" {
		t.Fatal("failed spawn recorded no diagnostic")
	}
}

func TestCancelRunning(t *testing.T) {
	m := newTestManager(t)

	if _, err := m.Spawn(SpawnRequest{JobID: "sleeper", TargetDir: t.TempDir(), Command: "sleep 30"}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	st := waitFor(t, m, "sleeper", func(s Status) bool { return s.State == StateRunning && s.PID > 0 })

	ok, err := m.Cancel("sleeper", false)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !ok {
		t.Fatal("Cancel reported not delivered for a running job")
	}
	after, err := m.Status("sleeper")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if after.State != StateCancelled {
		t.Fatalf("state after cancel = %s; want %s", after.State, StateCancelled)
	}

	// The process actually goes away.
	deadline := time.Now().Add(10 * time.Second)
	for m.prober.Alive(st.PID) {
		if time.Now().After(deadline) {
			t.Fatalf("pid %d still alive after cancel", st.PID)
		}
		time.Sleep(25 * time.Millisecond)
	}

	// Terminal states are sinks; a second cancel is a no-op.
	ok, err = m.Cancel("sleeper", true)
	if err != nil || ok {
		t.Fatalf("second Cancel = %v, %v; want false, nil", ok, err)
	}
}

func TestCancelUnknownJob(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Cancel("ghost", false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Cancel unknown = %v; want ErrNotFound", err)
	}
}

func TestDryRun(t *testing.T) {
	m := newTestManager(t)

	st, err := m.Spawn(SpawnRequest{
		JobID:      "dry",
		TargetDir:  t.TempDir(),
		Command:    "deploy.sh {env}",
		Parameters: map[string]string{"env": "prod"},
		DryRun:     true,
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if st.State != StateCompleted {
		t.Fatalf("dry-run state = %s; want %s", st.State, StateCompleted)
	}
	if st.ExitCode == nil || *st.ExitCode != 0 {
		t.Fatalf("dry-run exit code = %v; want 0", st.ExitCode)
	}

	out, err := os.ReadFile(m.LogPath("dry"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(out), "dry-run: deploy.sh prod") {
		t.Fatalf("log = %q; want assembled command recorded", out)
	}

	cfg, err := m.Config("dry")
	if err != nil {
		t.Fatalf("Config: %v", err)
	}
	if cfg.Command != "deploy.sh prod" || !cfg.DryRun {
		t.Fatalf("persisted config = %+v", cfg)
	}
}

func TestParamsReachChild(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Spawn(SpawnRequest{
		JobID:      "paramed",
		TargetDir:  t.TempDir(),
		Command:    `echo {greeting} "$DEPLOY_PARAM_EXTRA"`,
		Parameters: map[string]string{"greeting": "hello", "extra": "world"},
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	waitFor(t, m, "paramed", func(s Status) bool { return s.State.Terminal() })

	out, err := os.ReadFile(m.LogPath("paramed"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if strings.TrimSpace(string(out)) != "hello world" {
		t.Fatalf("log = %q; want %q", out, "hello world")
	}
}

func TestChildRunsInTargetDir(t *testing.T) {
	m := newTestManager(t)
	target := t.TempDir()

	if _, err := m.Spawn(SpawnRequest{JobID: "cwd", TargetDir: target, Command: "pwd"}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	waitFor(t, m, "cwd", func(s Status) bool { return s.State.Terminal() })

	out, err := os.ReadFile(m.LogPath("cwd"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	got := strings.TrimSpace(string(out))
	if !samePath(got, target) {
		t.Fatalf("child cwd = %q; want %q", got, target)
	}
}

func samePath(a, b string) bool {
	ra, err := os.Stat(a)
	if err != nil {
		return false
	}
	rb, err := os.Stat(b)
	if err != nil {
		return false
	}
	return os.SameFile(ra, rb)
}

func TestStartingGraceTimeout(t *testing.T) {
	now := time.Now().UTC()
	m, err := NewManager(ManagerConfig{
		Dir: t.TempDir(),
		Now: func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	// A crashed supervisor can leave status=starting with no PID behind.
	id := "orphaned"
	if err := os.MkdirAll(m.store.dir(id), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	stale := now.Add(-time.Minute)
	if err := m.store.writeStatus(Status{JobID: id, State: StateStarting, CreatedAt: stale, UpdatedAt: stale}); err != nil {
		t.Fatalf("writeStatus: %v", err)
	}

	st, err := m.Status(id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.State != StateFailed {
		t.Fatalf("state = %s; want %s", st.State, StateFailed)
	}
	if !strings.Contains(st.Error, "spawn never completed") {
		t.Fatalf("error = %q", st.Error)
	}
}

func TestStartingWithinGraceLeftAlone(t *testing.T) {
	now := time.Now().UTC()
	m, err := NewManager(ManagerConfig{
		Dir: t.TempDir(),
		Now: func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	id := "fresh"
	if err := os.MkdirAll(m.store.dir(id), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := m.store.writeStatus(Status{JobID: id, State: StateStarting, CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("writeStatus: %v", err)
	}
	st, err := m.Status(id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.State != StateStarting {
		t.Fatalf("state = %s; want %s", st.State, StateStarting)
	}
}

func TestStatusUnknownJob(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Status("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Status = %v; want ErrNotFound", err)
	}
}

func TestListSortedAndFiltered(t *testing.T) {
	base := time.Now().UTC()
	current := base
	m, err := NewManager(ManagerConfig{
		Dir: t.TempDir(),
		Now: func() time.Time { return current },
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	for i, id := range []string{"first", "second", "third"} {
		current = base.Add(time.Duration(i) * time.Second)
		if _, err := m.Spawn(SpawnRequest{JobID: id, TargetDir: t.TempDir(), Command: "noop", DryRun: true}); err != nil {
			t.Fatalf("Spawn %s: %v", id, err)
		}
	}

	list, err := m.List("")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("List returned %d jobs; want 3", len(list))
	}
	for i, want := range []string{"third", "second", "first"} {
		if list[i].JobID != want {
			t.Fatalf("list[%d] = %s; want %s (newest first)", i, list[i].JobID, want)
		}
	}

	completed, err := m.List(StateCompleted)
	if err != nil {
		t.Fatalf("List(completed): %v", err)
	}
	if len(completed) != 3 {
		t.Fatalf("List(completed) = %d; want 3", len(completed))
	}
	running, err := m.List(StateRunning)
	if err != nil {
		t.Fatalf("List(running): %v", err)
	}
	if len(running) != 0 {
		t.Fatalf("List(running) = %d; want 0", len(running))
	}
}

func TestReconcileDeadPIDWithoutSentinel(t *testing.T) {
	m := newTestManager(t)
	id := "vanished"
	now := time.Now().UTC()

	if err := os.MkdirAll(m.store.dir(id), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := m.store.writeStatus(Status{JobID: id, State: StateRunning, CreatedAt: now, UpdatedAt: now, PID: 1 << 28}); err != nil {
		t.Fatalf("writeStatus: %v", err)
	}
	if err := os.WriteFile(m.store.logPath(id), []byte("step one\nfatal: disk full\n"), 0o600); err != nil {
		t.Fatalf("write log: %v", err)
	}

	st, err := m.Status(id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.State != StateFailed {
		t.Fatalf("state = %s; want %s (log has failure markers)", st.State, StateFailed)
	}
}

func TestReconcileUsesSentinelOverLog(t *testing.T) {
	m := newTestManager(t)
	id := "sentineled"
	now := time.Now().UTC()

	if err := os.MkdirAll(m.store.dir(id), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := m.store.writeStatus(Status{JobID: id, State: StateRunning, CreatedAt: now, UpdatedAt: now, PID: 1 << 28}); err != nil {
		t.Fatalf("writeStatus: %v", err)
	}
	// Log mentions "error" but the process exited 0; the sentinel wins.
	if err := os.WriteFile(m.store.logPath(id), []byte("0 errors found\n"), 0o600); err != nil {
		t.Fatalf("write log: %v", err)
	}
	if err := os.WriteFile(m.store.exitPath(id), []byte("0"), 0o600); err != nil {
		t.Fatalf("write sentinel: %v", err)
	}

	st, err := m.Status(id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.State != StateCompleted {
		t.Fatalf("state = %s; want %s", st.State, StateCompleted)
	}
	if st.ExitCode == nil || *st.ExitCode != 0 {
		t.Fatalf("exit code = %v; want 0", st.ExitCode)
	}
}
