package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation parameters for gateway stream logs.
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes the rotating log destinations for the gateway's
// stdout/stderr streams. If StdoutPath/StderrPath are empty and Dir is set,
// files will be Dir/gateway.stdout.log and Dir/gateway.stderr.log.
// Rotation parameters follow lumberjack semantics. Rotated files are
// appended to, never truncated, across restarts within a run.
type Config struct {
	Dir        string `toml:"dir" mapstructure:"dir"`
	StdoutPath string `toml:"stdout" mapstructure:"stdout"`
	StderrPath string `toml:"stderr" mapstructure:"stderr"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

// Writers returns io.WriteClosers for the gateway's stdout and stderr.
func (c Config) Writers() (io.WriteCloser, io.WriteCloser, error) {
	stdout := c.StdoutPath
	stderr := c.StderrPath
	if stdout == "" && c.Dir != "" {
		stdout = filepath.Join(c.Dir, "gateway.stdout.log")
	}
	if stderr == "" && c.Dir != "" {
		stderr = filepath.Join(c.Dir, "gateway.stderr.log")
	}
	var outW io.WriteCloser
	var errW io.WriteCloser
	if stdout != "" {
		outW = c.rotating(stdout)
	}
	if stderr != "" {
		errW = c.rotating(stderr)
	}
	return outW, errW, nil
}

func (c Config) rotating(path string) io.WriteCloser {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// NewDaemonLogger builds the slog logger used by the daemon itself.
// Level accepts "debug", "info", "warn", "error"; anything else means info.
func NewDaemonLogger(level string, color bool) *slog.Logger {
	var lv slog.Level
	switch level {
	case "debug":
		lv = slog.LevelDebug
	case "warn":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lv}
	if color {
		return slog.New(NewColorTextHandler(os.Stderr, opts, true))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// Advisory is the single sink for best-effort cleanup failures: operations
// that must never abort their caller (sentinel writes, lock removal,
// temp-file deletion) report through here instead of returning an error.
func Advisory(log *slog.Logger, msg string, err error, args ...any) {
	if err == nil {
		return
	}
	if log == nil {
		log = slog.Default()
	}
	log.Warn(fmt.Sprintf("advisory: %s", msg), append(args, "error", err)...)
}
