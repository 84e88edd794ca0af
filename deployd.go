// Package deployd orchestrates long-running infrastructure-deployment
// jobs on a single machine: a file-based lock manager for mutual
// exclusion over target directories, and a job supervisor that spawns
// detached deployment processes and tracks them through an on-disk store.
//
// There is no network protocol; the persisted directory trees are the
// contract, and any number of deployd instances (e.g. concurrent CLI
// invocations) interleave safely because no instance caches state.
package deployd

import (
	"context"
	"net/http"
	"time"

	cfg "github.com/loykin/deployd/internal/config"
	"github.com/loykin/deployd/internal/history"
	histsqlite "github.com/loykin/deployd/internal/history/sqlite"
	"github.com/loykin/deployd/internal/job"
	"github.com/loykin/deployd/internal/lock"
	"github.com/loykin/deployd/internal/logger"
	"github.com/loykin/deployd/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = cfg.Config

type LogConfig = logger.Config

type JobStatus = job.Status

type JobConfig = job.Config

type SpawnRequest = job.SpawnRequest

type LogOptions = job.LogOptions

type State = job.State

const (
	StateStarting  = job.StateStarting
	StateRunning   = job.StateRunning
	StateCompleted = job.StateCompleted
	StateFailed    = job.StateFailed
	StateCancelled = job.StateCancelled
)

// Error taxonomy. A CLI layer should render ErrLockTimeout as "another
// deployment is already running against this directory" and a SpawnError
// with its captured diagnostic text.
var (
	ErrLockTimeout  = lock.ErrTimeout
	ErrJobNotFound  = job.ErrNotFound
	ErrDuplicateJob = job.ErrDuplicate
)

type LockError = lock.Error

type SpawnError = job.SpawnError

// Manager is a thin facade over the internal lock and job managers,
// providing a stable public API for embedding.
type Manager struct {
	cfg  Config
	jobs *job.Manager
	hist history.Sink
}

// New builds a Manager from a Config. When HistoryDSN is set, a SQLite
// audit sink records job lifecycle events.
func New(c Config) (*Manager, error) {
	var sink history.Sink
	if c.HistoryDSN != "" {
		s, err := histsqlite.New(c.HistoryDSN)
		if err != nil {
			return nil, err
		}
		sink = s
	}
	jm, err := job.NewManager(job.ManagerConfig{
		Dir:          c.JobDir,
		History:      sink,
		PollInterval: c.PollInterval,
	})
	if err != nil {
		if sink != nil {
			_ = sink.Close()
		}
		return nil, err
	}
	return &Manager{cfg: c, jobs: jm, hist: sink}, nil
}

// Close releases the history sink, if any. Jobs keep running: they are
// detached OS processes, not children of this manager.
func (m *Manager) Close() error {
	if m.hist != nil {
		return m.hist.Close()
	}
	return nil
}

// Lock returns a lock manager bound to a target directory. jobID is
// recorded in the lock file for diagnostics.
func (m *Manager) Lock(targetDir, jobID string) (*lock.Manager, error) {
	return lock.New(lock.Config{
		Dir:          m.cfg.LockDir,
		TargetDir:    targetDir,
		JobID:        jobID,
		StaleAfter:   m.cfg.StaleAfter,
		PollInterval: m.cfg.PollInterval,
	})
}

// CleanStaleLocks sweeps the whole lock directory and returns the number
// of stale locks removed.
func (m *Manager) CleanStaleLocks() (int, error) {
	return lock.CleanDir(m.cfg.LockDir, m.cfg.StaleAfter)
}

func (m *Manager) Spawn(req SpawnRequest) (JobStatus, error) { return m.jobs.Spawn(req) }

func (m *Manager) Status(id string) (JobStatus, error) { return m.jobs.Status(id) }

func (m *Manager) List(filter State) ([]JobStatus, error) { return m.jobs.List(filter) }

func (m *Manager) JobConfig(id string) (JobConfig, error) { return m.jobs.Config(id) }

func (m *Manager) LogPath(id string) string { return m.jobs.LogPath(id) }

func (m *Manager) StreamLogs(ctx context.Context, id string, opts LogOptions) (<-chan string, error) {
	return m.jobs.StreamLogs(ctx, id, opts)
}

func (m *Manager) Cancel(id string, force bool) (bool, error) { return m.jobs.Cancel(id, force) }

func (m *Manager) Cleanup(retention time.Duration) (int, error) { return m.jobs.Cleanup(retention) }

// LoadConfig reads a TOML config file; an empty path yields defaults.
func LoadConfig(path string) (Config, error) { return cfg.Load(path) }

func DefaultConfig() Config { return cfg.Default() }

// SetupLogging installs the configured slog handler process-wide.
func SetupLogging(c LogConfig) { logger.Setup(c) }

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// MetricsHandler returns an http.Handler serving Prometheus metrics; the
// caller owns the server and the route.
func MetricsHandler() http.Handler { return metrics.Handler() }
