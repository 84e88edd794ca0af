//go:build !windows

package job

import (
	"os/exec"
	"strings"
	"syscall"
)

// childCommand wraps the assembled command in a shell trampoline that
// records the child's real exit code in a sentinel file, then exits with
// the same code. The exit status of a fully detached process is otherwise
// unobservable, since nobody wait()s on it.
func childCommand(assembled, exitPath string) *exec.Cmd {
	script := assembled + "\nrc=$?\nprintf '%s' \"$rc\" > " + shellQuote(exitPath) + "\nexit $rc"
	// #nosec G204 -- the command line is the caller's deployment command
	cmd := exec.Command("/bin/sh", "-c", script)
	// New session: detached from the controlling terminal and from the
	// manager's process group, so manager exit does not kill the job.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	return cmd
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
