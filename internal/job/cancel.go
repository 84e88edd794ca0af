package job

import (
	"log/slog"

	"github.com/loykin/deployd/internal/history"
	"github.com/loykin/deployd/internal/metrics"
)

// Cancel signals a running job's process: graceful termination by
// default, unconditional kill when force is set. On delivery the status
// becomes cancelled optimistically; the manager never blocks waiting for
// the child to actually exit (a stubborn child may ignore the graceful
// signal — callers escalate with force).
//
// It returns false, without mutating status, when the job is not running.
// When the recorded PID is already gone, the job is reclassified through
// the usual post-mortem path and false is returned as well.
func (m *Manager) Cancel(id string, force bool) (bool, error) {
	st, err := m.Status(id)
	if err != nil {
		return false, err
	}
	if st.State != StateRunning {
		return false, nil
	}

	pid, startUnix, perr := m.store.readPID(id)
	if perr != nil || pid <= 0 {
		pid = st.PID
	}
	if !m.pidAlive(pid, startUnix) {
		// Died between the Status probe and here; let reconcile settle it.
		if _, err := m.Status(id); err != nil {
			return false, err
		}
		return false, nil
	}

	if err := m.prober.Terminate(pid, force); err != nil {
		// ESRCH and friends: the process vanished under us. Reclassify
		// instead of reporting a delivered cancel.
		if _, serr := m.Status(id); serr != nil {
			return false, serr
		}
		return false, nil
	}

	mode := "graceful"
	if force {
		mode = "forced"
	}
	st = m.transition(st, StateCancelled, pid, nil, "")
	slog.Info("cancelled job", "job", id, "pid", pid, "mode", mode)
	metrics.IncCancel(mode)
	m.emit(history.Event{Type: history.EventCancel, JobID: id, State: string(st.State), PID: pid, Detail: mode})
	return true, nil
}
