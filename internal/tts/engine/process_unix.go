//go:build unix

package engine

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// configureProcess starts the engine in its own process group so signals also
// reach the workers it spawns.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func interruptProcess(process *os.Process) error {
	return signalGroup(process, syscall.SIGTERM)
}

func killProcess(process *os.Process) error {
	return signalGroup(process, syscall.SIGKILL)
}

func signalGroup(process *os.Process, signal syscall.Signal) error {
	err := syscall.Kill(-process.Pid, signal)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return nil
	}

	return process.Signal(signal)
}
