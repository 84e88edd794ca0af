package job

import (
	"log/slog"
	"os"
	"time"

	"github.com/loykin/deployd/internal/history"
	"github.com/loykin/deployd/internal/metrics"
)

// Cleanup removes job directories that are in a terminal state and whose
// last update is older than the retention window. A running job is never
// removed regardless of age; a persisted "running" whose process has died
// is reclassified first and becomes sweepable once terminal. Returns the
// number of directories removed.
func (m *Manager) Cleanup(retention time.Duration) (int, error) {
	ids, err := m.store.ids()
	if err != nil {
		return 0, err
	}
	cutoff := m.now().Add(-retention)
	removed := 0
	for _, id := range ids {
		st, err := m.Status(id)
		if err != nil {
			// Half-created or concurrently swept; leave it alone.
			continue
		}
		if !st.State.Terminal() {
			continue
		}
		age := st.UpdatedAt
		if age.IsZero() {
			age = st.CreatedAt
		}
		if age.After(cutoff) {
			continue
		}
		if err := os.RemoveAll(m.store.dir(id)); err != nil {
			slog.Warn("failed to remove job dir", "job", id, "error", err)
			continue
		}
		slog.Info("swept job directory", "job", id, "state", st.State, "updated_at", st.UpdatedAt)
		m.emit(history.Event{Type: history.EventSweep, JobID: id, State: string(st.State)})
		removed++
	}
	metrics.AddJobsSwept(removed)
	return removed, nil
}
