//go:build unix

package sandbox

import (
	"errors"
	"os/exec"
	"syscall"
)

// setProcessGroup makes the agent the leader of a new process group so
// signals reach everything it spawns
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup delivers sig to the agent's whole process group
func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	err := syscall.Kill(-cmd.Process.Pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
