//go:build windows

package osproc

import (
	"errors"
	"os"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

type defaultProber struct{}

// Alive uses process enumeration; Windows has no signal 0 equivalent.
func (defaultProber) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := gopsproc.PidExists(int32(pid))
	return err == nil && ok
}

// Terminate kills the process. Windows has no graceful TERM for arbitrary
// PIDs, so both modes map to Kill; force additionally takes down children
// found via the process tree.
func (defaultProber) Terminate(pid int, force bool) error {
	if pid <= 0 {
		return errors.New("osproc: invalid pid")
	}
	if force {
		if p, err := gopsproc.NewProcess(int32(pid)); err == nil {
			if children, err := p.Children(); err == nil {
				for _, c := range children {
					_ = c.Kill()
				}
			}
		}
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}
