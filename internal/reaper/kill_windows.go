//go:build windows

package reaper

import (
	"log/slog"
	"os"

	gops "github.com/shirou/gopsutil/v4/process"

	"github.com/loykin/gatekeeper/internal/logger"
)

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := gops.PidExists(int32(pid))
	return err == nil && ok
}

// killTree has no group signals to lean on here: enumerate the process tree
// via gopsutil and kill leaves before parents.
func killTree(pid int, log *slog.Logger) {
	for _, child := range descendants(pid) {
		killPid(child, log)
	}
	killPid(pid, log)
}

func killPid(pid int, log *slog.Logger) {
	p, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	if err := p.Kill(); err != nil {
		logger.Advisory(log, "kill orphan pid", err, "pid", pid)
	}
}

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
