package job

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/loykin/deployd/internal/history"
	"github.com/loykin/deployd/internal/metrics"
	"github.com/loykin/deployd/internal/osproc"
)

// Spawn starts a deployment command as a fully detached process and
// persists its identity. The job id must not already exist; a collision
// fails without touching the existing job's files. status=running and the
// PID are written only after process creation succeeds; a creation
// failure is persisted as status=failed and returned as *SpawnError.
func (m *Manager) Spawn(req SpawnRequest) (Status, error) {
	if err := validateID(req.JobID); err != nil {
		return Status{}, err
	}
	if req.TargetDir == "" {
		return Status{}, fmt.Errorf("job %s: target dir required", req.JobID)
	}
	if m.store.exists(req.JobID) {
		return Status{}, fmt.Errorf("job %s: %w", req.JobID, ErrDuplicate)
	}

	now := m.now().UTC()
	assembled := assembleCommand(req.Command, req.Parameters)
	cfg := Config{
		JobID:      req.JobID,
		TargetDir:  req.TargetDir,
		Parameters: req.Parameters,
		Command:    assembled,
		Env:        req.Env,
		DryRun:     req.DryRun,
		CreatedAt:  now,
	}

	if err := os.MkdirAll(m.store.dir(req.JobID), 0o750); err != nil {
		return Status{}, fmt.Errorf("job %s: create dir: %w", req.JobID, err)
	}
	if err := m.store.writeConfig(cfg); err != nil {
		return Status{}, fmt.Errorf("job %s: write config: %w", req.JobID, err)
	}

	st := Status{
		JobID:     req.JobID,
		State:     StateStarting,
		Phase:     phaseFor(StateStarting),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.writeStatus(st); err != nil {
		return Status{}, fmt.Errorf("job %s: write status: %w", req.JobID, err)
	}

	logFile, err := os.OpenFile(m.store.logPath(req.JobID), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		st = m.transition(st, StateFailed, 0, nil, "open log: "+err.Error())
		return st, &SpawnError{JobID: req.JobID, Err: err}
	}
	defer func() { _ = logFile.Close() }()

	if req.DryRun {
		fmt.Fprintf(logFile, "dry-run: %s\n", assembled)
		zero := 0
		st = m.transition(st, StateCompleted, 0, &zero, "")
		m.emit(history.Event{Type: history.EventSpawn, JobID: req.JobID, State: string(st.State), Detail: "dry-run"})
		metrics.IncSpawn("dry_run")
		return st, nil
	}

	cmd := childCommand(assembled, m.store.exitPath(req.JobID))
	cmd.Dir = req.TargetDir
	cmd.Env = append(append(os.Environ(), req.Env...), paramEnv(req.Command, req.Parameters)...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		st = m.transition(st, StateFailed, 0, nil, "process creation failed: "+err.Error())
		metrics.IncSpawn("failed")
		return st, &SpawnError{JobID: req.JobID, Err: err}
	}
	pid := cmd.Process.Pid
	if err := m.store.writePID(req.JobID, pid, osproc.StartTime(pid)); err != nil {
		slog.Warn("failed to write pid file", "job", req.JobID, "pid", pid, "error", err)
	}
	// Fully detach: the child lives in its own session and is never
	// waited on here, so the manager's lifetime does not bound the job's.
	_ = cmd.Process.Release()

	st.PID = pid
	st = m.transition(st, StateRunning, pid, nil, "")
	slog.Info("spawned deployment job", "job", req.JobID, "pid", pid, "target", req.TargetDir)
	metrics.IncSpawn("ok")
	m.emit(history.Event{Type: history.EventSpawn, JobID: req.JobID, State: string(st.State), PID: pid})
	return st, nil
}

// LogPath returns the job's output log path.
func (m *Manager) LogPath(id string) string { return m.store.logPath(id) }
