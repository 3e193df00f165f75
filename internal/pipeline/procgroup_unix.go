//go:build unix

package pipeline

import (
	"os/exec"
	"syscall"
	"time"
)

// configureProcessGroup puts the command in its own process group so that
// cancellation reaches every child it spawned.
func configureProcessGroup(cmd *exec.Cmd, grace time.Duration) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if grace <= 0 {
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
			time.Sleep(grace)
			_ = syscall.Kill(pgid, syscall.SIGKILL)
		}()
		return nil
	}
}
