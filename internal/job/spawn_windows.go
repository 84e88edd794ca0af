//go:build windows

package job

import (
	"fmt"
	"os/exec"
	"syscall"
)

const (
	createNewProcessGroup = 0x00000200
	detachedProcess       = 0x00000008
)

// childCommand runs the assembled command through cmd.exe with a
// trampoline that records %errorlevel% in the sentinel file. Exit-code
// propagation through cmd.exe is best-effort.
func childCommand(assembled, exitPath string) *exec.Cmd {
	script := fmt.Sprintf(`%s & call echo %%^errorlevel%% > "%s"`, assembled, exitPath)
	// #nosec G204 -- the command line is the caller's deployment command
	cmd := exec.Command("cmd.exe", "/C", script)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: createNewProcessGroup | detachedProcess,
	}
	return cmd
}
