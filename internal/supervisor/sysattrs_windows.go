//go:build windows

package supervisor

import (
	"os"
	"os/exec"
)

// No process groups here: the reaper falls back to enumerating child PIDs.
func setGroupLeader(_ *exec.Cmd) {}

func terminateGroup(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

func killGroup(pid int) error {
	return terminateGroup(pid)
}
