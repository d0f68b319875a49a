//go:build !unix

package engine

import (
	"os"
	"os/exec"
)

func configureProcess(_ *exec.Cmd) {}

func interruptProcess(process *os.Process) error {
	err := process.Signal(os.Interrupt)
	if err != nil {
		return process.Kill()
	}

	return nil
}

func killProcess(process *os.Process) error {
	return process.Kill()
}
