//go:build !windows

package proc

import (
	"os/exec"
	"syscall"
)

// detach puts the spawn shell in its own process group so workers don't
// receive the listener's terminal signals
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
