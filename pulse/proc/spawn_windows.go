//go:build windows

package proc

import (
	"os/exec"
	"syscall"
)

// detach starts the helper in a new process group so workers don't
// receive the listener's console control events
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}
