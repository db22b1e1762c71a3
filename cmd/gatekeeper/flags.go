package main

import "time"

// Flag structs to decouple cobra from logic for testing.

// APIFlags describe how client commands reach the daemon.
type APIFlags struct {
	URL     string
	Timeout time.Duration
	Token   string
}

type ServeFlags struct {
	ConfigPath string
	Daemonize  bool
	LogFile    string
}

type BackupFlags struct {
	Output string
}

type RestoreFlags struct {
	File string
	Dir  string
}

type HistoryFlags struct {
	Limit int
}
