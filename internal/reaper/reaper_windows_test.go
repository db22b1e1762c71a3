//go:build windows

package reaper

import "syscall"

func groupLeaderAttr() *syscall.SysProcAttr { return nil }
