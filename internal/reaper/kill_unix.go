//go:build !windows

package reaper

import (
	"errors"
	"log/slog"
	"syscall"

	gops "github.com/shirou/gopsutil/v4/process"

	"github.com/loykin/gatekeeper/internal/logger"
)

// pidAlive probes liveness with a zero-signal check. EPERM still means the
// process exists.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// killTree force-kills the whole process group first; the gateway is spawned
// as a group leader so one negative-pid signal reaches any descendants it
// spawned itself. When the group kill fails (the orphan predates group
// spawning, or was reparented), fall back to enumerating children and
// signalling each PID individually.
func killTree(pid int, log *slog.Logger) {
	if err := syscall.Kill(-pid, syscall.SIGKILL); err == nil {
		return
	}
	for _, child := range descendants(pid) {
		if err := syscall.Kill(child, syscall.SIGKILL); err != nil {
			logger.Advisory(log, "kill orphan descendant", err, "pid", child)
		}
	}
	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil {
		logger.Advisory(log, "kill orphan pid", err, "pid", pid)
	}
}

// descendants lists the transitive children of pid, deepest first so leaves
// die before their parents.
func descendants(pid int) []int {
	p, err := gops.NewProcess(int32(pid))
	if err != nil {
		return nil
	}
	children, err := p.Children()
	if err != nil {
		return nil
	}
	var out []int
	for _, c := range children {
		out = append(out, descendants(int(c.Pid))...)
		out = append(out, int(c.Pid))
	}
	return out
}
