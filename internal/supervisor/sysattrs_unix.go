//go:build !windows

package supervisor

import (
	"os/exec"
	"syscall"
)

// setGroupLeader makes the child the leader of a new process group so a
// single negative-pid signal reaches any descendants it spawns.
func setGroupLeader(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminateGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

func killGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
