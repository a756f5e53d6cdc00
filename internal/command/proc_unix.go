//go:build unix

package command

import (
	"os/exec"
	"syscall"
	"time"
)

// killProcessGroup places the child in its own process group and makes context
// cancellation signal the whole group (negative pid), so grandchildren spawned
// by the shell die with it.
func killProcessGroup(cmd *exec.Cmd, gracePeriod time.Duration) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if gracePeriod <= 0 {
		cmd.Cancel = func() error {
			return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		return
	}

	cmd.Cancel = func() error {
		pgid := -cmd.Process.Pid
		if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil {
			return syscall.Kill(pgid, syscall.SIGKILL)
		}
		go func() {
			time.Sleep(gracePeriod)
			// ESRCH here only means the group already exited.
			_ = syscall.Kill(pgid, syscall.SIGKILL)
		}()
		return nil
	}
}
