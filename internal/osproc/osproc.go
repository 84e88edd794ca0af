// Package osproc isolates the OS-level process primitives the lock and job
// managers depend on: liveness probing, termination, and process start
// times. Platform differences live behind build tags so callers only ever
// see the Prober interface.
package osproc

// Prober answers liveness questions about and delivers signals to
// arbitrary PIDs. Implementations must be safe for concurrent use.
//
// Alive is a best-effort existence signal: on POSIX it cannot distinguish
// "dead" from "alive but owned by another user" (EPERM is reported as
// alive), and a recycled PID reads as alive unless the caller also checks
// StartTime. It is a probe, not a correctness guarantee.
type Prober interface {
	Alive(pid int) bool
	Terminate(pid int, force bool) error
}

// Default returns the platform prober.
func Default() Prober { return defaultProber{} }

// StartTime returns the start time of pid as Unix seconds, or 0 when it
// cannot be determined. Callers use it to detect PID reuse: a recorded
// start time that disagrees with the live one means the PID now belongs
// to an unrelated process.
func StartTime(pid int) int64 { return procStartUnix(pid) }
