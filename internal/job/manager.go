// Package job spawns long-running deployment commands as fully detached
// processes and tracks them through an on-disk store. The manager keeps no
// required in-memory state: it can crash and restart without killing
// active deployments, because every read re-derives truth from disk.
package job

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/loykin/deployd/internal/history"
	"github.com/loykin/deployd/internal/metrics"
	"github.com/loykin/deployd/internal/osproc"
)

const (
	// DefaultPollInterval is the wait between polls in follow-mode log
	// streaming.
	DefaultPollInterval = 500 * time.Millisecond

	// startingGrace is how long a job may sit in "starting" without a PID
	// before it is written off as a spawn that never completed.
	startingGrace = 30 * time.Second
)

// ManagerConfig configures a job manager. Dir is the job-store root.
// History is optional; events to it are best-effort.
type ManagerConfig struct {
	Dir          string
	Prober       osproc.Prober
	Now          func() time.Time
	History      history.Sink
	PollInterval time.Duration
}

// Manager exposes spawn, status, listing, log streaming, cancellation,
// and retention cleanup over the job store.
type Manager struct {
	store  *store
	prober osproc.Prober
	now    func() time.Time
	hist   history.Sink
	poll   time.Duration
}

func NewManager(cfg ManagerConfig) (*Manager, error) {
	st, err := newStore(cfg.Dir)
	if err != nil {
		return nil, err
	}
	if cfg.Prober == nil {
		cfg.Prober = osproc.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Manager{
		store:  st,
		prober: cfg.Prober,
		now:    cfg.Now,
		hist:   cfg.History,
		poll:   cfg.PollInterval,
	}, nil
}

// Config returns the immutable config record for a job.
func (m *Manager) Config(id string) (Config, error) {
	if err := validateID(id); err != nil {
		return Config{}, ErrNotFound
	}
	return m.store.readConfig(id)
}

// Status returns the job's status, re-validated against a live PID probe.
// A persisted "running" whose process has died is reclassified before the
// record is returned, so Status never reports running for a dead PID.
func (m *Manager) Status(id string) (Status, error) {
	if err := validateID(id); err != nil {
		return Status{}, ErrNotFound
	}
	st, err := m.store.readStatus(id)
	if err != nil {
		return Status{}, err
	}
	return m.reconcile(st), nil
}

// List returns every job re-validated the same way Status does, sorted by
// creation time descending. No atomic snapshot is promised: a job created
// mid-listing may or may not appear.
func (m *Manager) List(filter State) ([]Status, error) {
	ids, err := m.store.ids()
	if err != nil {
		return nil, err
	}
	out := make([]Status, 0, len(ids))
	for _, id := range ids {
		st, err := m.Status(id)
		if err != nil {
			// Swept or half-created concurrently; skip.
			continue
		}
		if filter != "" && st.State != filter {
			continue
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// reconcile maps persisted state against reality. Terminal states are
// sinks and pass through untouched.
func (m *Manager) reconcile(st Status) Status {
	if st.State.Terminal() {
		return st
	}

	pid := st.PID
	startUnix := int64(0)
	if p, su, err := m.store.readPID(st.JobID); err == nil {
		if pid == 0 {
			pid = p
		}
		startUnix = su
	}

	if st.State == StateStarting && pid == 0 {
		if m.now().Sub(st.UpdatedAt) > startingGrace {
			return m.transition(st, StateFailed, 0, nil, "spawn never completed")
		}
		return st
	}

	if m.pidAlive(pid, startUnix) {
		return st
	}

	// Process is gone; classify post-mortem. The trampoline's exit-code
	// sentinel is authoritative when present; otherwise fall back to the
	// log-marker heuristic, which is best-effort and documented as such.
	if code, ok := m.store.readExitCode(st.JobID); ok {
		if code == 0 {
			return m.transition(st, StateCompleted, pid, &code, "")
		}
		return m.transition(st, StateFailed, pid, &code, "process exited with a non-zero code")
	}
	if logIndicatesFailure(m.store.logPath(st.JobID)) {
		return m.transition(st, StateFailed, pid, nil, "error markers found in output log")
	}
	return m.transition(st, StateCompleted, pid, nil, "")
}

// pidAlive combines the liveness probe with the PID-reuse guard: a live
// PID whose start time disagrees with the recorded one belongs to an
// unrelated process.
func (m *Manager) pidAlive(pid int, recordedStart int64) bool {
	if pid <= 0 || !m.prober.Alive(pid) {
		return false
	}
	if recordedStart > 0 {
		if cur := osproc.StartTime(pid); cur > 0 && cur != recordedStart {
			return false
		}
	}
	return true
}

// transition persists a monotonic state change and returns the updated
// record. Persistence failures are logged and the in-memory view returned
// anyway; the next reader will retry the same reclassification.
func (m *Manager) transition(st Status, to State, pid int, exitCode *int, errText string) Status {
	from := st.State
	st.State = to
	st.Phase = phaseFor(to)
	st.UpdatedAt = m.now().UTC()
	if pid != 0 {
		st.PID = pid
	}
	if exitCode != nil {
		st.ExitCode = exitCode
	}
	if errText != "" {
		st.Error = errText
	}
	if err := m.store.writeStatus(st); err != nil {
		slog.Warn("failed to persist status transition", "job", st.JobID, "from", from, "to", to, "error", err)
	}
	slog.Info("job state transition", "job", st.JobID, "from", from, "to", to)
	metrics.RecordStateTransition(string(from), string(to))
	if to.Terminal() {
		m.emit(history.Event{Type: history.EventTerminal, JobID: st.JobID, State: string(to), PID: st.PID, Detail: errText})
	}
	return st
}

func phaseFor(s State) string {
	switch s {
	case StateStarting:
		return "spawn"
	case StateRunning:
		return "deploy"
	default:
		return "finished"
	}
}

// emit sends a history event, best-effort.
func (m *Manager) emit(e history.Event) {
	if m.hist == nil {
		return
	}
	e.OccurredAt = m.now().UTC()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.hist.Send(ctx, e); err != nil {
		slog.Debug("history sink send failed", "job", e.JobID, "event", e.Type, "error", err)
	}
}
