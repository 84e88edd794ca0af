//go:build !windows

package osproc

import (
	"errors"
	"syscall"
)

type defaultProber struct{}

// Alive reports whether a process with the given pid exists. EPERM means
// the process exists but belongs to another user, so it counts as alive.
func (defaultProber) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// Terminate signals pid: SIGTERM by default, SIGKILL when force is set.
// The signal is sent to the process group first so a shell trampoline and
// its children go down together; if the group signal fails (the process
// may not lead a group), it falls back to the single PID.
func (defaultProber) Terminate(pid int, force bool) error {
	if pid <= 0 {
		return errors.New("osproc: invalid pid")
	}
	sig := syscall.SIGTERM
	if force {
		sig = syscall.SIGKILL
	}
	if err := syscall.Kill(-pid, sig); err == nil {
		return nil
	}
	return syscall.Kill(pid, sig)
}
