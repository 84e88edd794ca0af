package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	lockAcquired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "deployd",
			Subsystem: "lock",
			Name:      "acquired_total",
			Help:      "Number of successful lock acquisitions.",
		},
	)
	lockTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "deployd",
			Subsystem: "lock",
			Name:      "timeouts_total",
			Help:      "Number of acquisitions abandoned at the deadline while a valid holder existed.",
		},
	)
	staleLocksRemoved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "deployd",
			Subsystem: "lock",
			Name:      "stale_removed_total",
			Help:      "Number of stale lock files reclaimed (dead owner or expired age).",
		},
	)
	jobSpawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deployd",
			Subsystem: "job",
			Name:      "spawns_total",
			Help:      "Number of spawn attempts by result.",
		}, []string{"result"},
	)
	jobCancels = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deployd",
			Subsystem: "job",
			Name:      "cancels_total",
			Help:      "Number of delivered cancellations by mode.",
		}, []string{"mode"},
	)
	jobsSwept = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "deployd",
			Subsystem: "job",
			Name:      "swept_total",
			Help:      "Number of terminal job directories removed by retention cleanup.",
		},
	)
	jobStateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deployd",
			Subsystem: "job",
			Name:      "state_transitions_total",
			Help:      "Number of observed job state transitions.",
		}, []string{"from", "to"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{lockAcquired, lockTimeouts, staleLocksRemoved, jobSpawns, jobCancels, jobsSwept, jobStateTransitions}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler serving Prometheus metrics for the
// DefaultGatherer. The caller owns the server and the route.
func Handler() http.Handler { return promhttp.Handler() }

// Helpers below no-op until Register has been called.

func IncLockAcquired() {
	if regOK.Load() {
		lockAcquired.Inc()
	}
}

func IncLockTimeout() {
	if regOK.Load() {
		lockTimeouts.Inc()
	}
}

func AddStaleLocksRemoved(n int) {
	if regOK.Load() && n > 0 {
		staleLocksRemoved.Add(float64(n))
	}
}

func IncSpawn(result string) {
	if regOK.Load() {
		jobSpawns.WithLabelValues(result).Inc()
	}
}

func IncCancel(mode string) {
	if regOK.Load() {
		jobCancels.WithLabelValues(mode).Inc()
	}
}

func AddJobsSwept(n int) {
	if regOK.Load() && n > 0 {
		jobsSwept.Add(float64(n))
	}
}

func RecordStateTransition(from, to string) {
	if regOK.Load() {
		jobStateTransitions.WithLabelValues(from, to).Inc()
	}
}
