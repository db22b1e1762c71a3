// Package config loads the daemon configuration from a TOML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/gatekeeper/internal/logger"
	"github.com/loykin/gatekeeper/internal/supervisor"
)

// FileConfig represents the top-level TOML structure.
type FileConfig struct {
	Env      []string       `toml:"env" mapstructure:"env"`
	EnvFiles []string       `toml:"env_files" mapstructure:"env_files"`
	Gateway  GatewayConfig  `toml:"gateway" mapstructure:"gateway"`
	Log      *LogConfig     `toml:"log" mapstructure:"log"`
	Server   ServerConfig   `toml:"server" mapstructure:"server"`
	History  HistoryConfig  `toml:"history" mapstructure:"history"`
	Backup   BackupConfig   `toml:"backup" mapstructure:"backup"`
	Daemon   DaemonSettings `toml:"daemon" mapstructure:"daemon"`
}

type GatewayConfig struct {
	StateDir      string        `toml:"state_dir" mapstructure:"state_dir"`
	Binary        string        `toml:"binary" mapstructure:"binary"`
	Args          []string      `toml:"args" mapstructure:"args"`
	PreferredPort int           `toml:"preferred_port" mapstructure:"preferred_port"`
	ReadyTimeout  time.Duration `toml:"ready_timeout" mapstructure:"ready_timeout"`
	CompanionDirs []string      `toml:"companion_dirs" mapstructure:"companion_dirs"`
	ShellOrigin   string        `toml:"shell_origin" mapstructure:"shell_origin"`
	Token         string        `toml:"token" mapstructure:"token"`
}

type LogConfig struct {
	Dir        string `toml:"dir" mapstructure:"dir"`
	Stdout     string `toml:"stdout" mapstructure:"stdout"`
	Stderr     string `toml:"stderr" mapstructure:"stderr"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

type ServerConfig struct {
	Listen        string `toml:"listen" mapstructure:"listen"`
	BasePath      string `toml:"base_path" mapstructure:"base_path"`
	MetricsListen string `toml:"metrics_listen" mapstructure:"metrics_listen"`
}

type HistoryConfig struct {
	Sinks []string `toml:"sinks" mapstructure:"sinks"`
}

type BackupConfig struct {
	Dir          string        `toml:"dir" mapstructure:"dir"`
	AutoInterval time.Duration `toml:"auto_interval" mapstructure:"auto_interval"`
	Retention    int           `toml:"retention" mapstructure:"retention"`
}

type DaemonSettings struct {
	LogLevel string `toml:"log_level" mapstructure:"log_level"`
	LogColor bool   `toml:"log_color" mapstructure:"log_color"`
}

// Load reads and validates a TOML daemon configuration.
func Load(path string) (*FileConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, err
	}
	if err := fc.validate(); err != nil {
		return nil, err
	}
	return &fc, nil
}

func (fc *FileConfig) validate() error {
	if fc.Gateway.StateDir == "" {
		return fmt.Errorf("gateway.state_dir is required")
	}
	if fc.Gateway.Binary == "" {
		return fmt.Errorf("gateway.binary is required")
	}
	if fc.Backup.Retention < 0 {
		return fmt.Errorf("backup.retention must be >= 0")
	}
	return nil
}

// SupervisorOptions converts the file configuration into supervisor options.
func (fc *FileConfig) SupervisorOptions() (supervisor.Options, error) {
	extra, err := fc.childEnv()
	if err != nil {
		return supervisor.Options{}, err
	}
	opts := supervisor.Options{
		StateDir:      fc.Gateway.StateDir,
		GatewayBin:    fc.Gateway.Binary,
		GatewayArgs:   fc.Gateway.Args,
		PreferredPort: fc.Gateway.PreferredPort,
		CompanionDirs: fc.Gateway.CompanionDirs,
		ExtraEnv:      extra,
		Token:         fc.Gateway.Token,
		ReadyTimeout:  fc.Gateway.ReadyTimeout,
	}
	if fc.Log != nil {
		opts.LogsDir = fc.Log.Dir
		opts.Log = logger.Config{
			Dir:        fc.Log.Dir,
			StdoutPath: fc.Log.Stdout,
			StderrPath: fc.Log.Stderr,
			MaxSizeMB:  fc.Log.MaxSizeMB,
			MaxBackups: fc.Log.MaxBackups,
			MaxAgeDays: fc.Log.MaxAgeDays,
			Compress:   fc.Log.Compress,
		}
	}
	return opts, nil
}

// BackupDir returns the configured backup directory, defaulting to a
// "backups" sibling of the state directory.
func (fc *FileConfig) BackupDir() string {
	if fc.Backup.Dir != "" {
		return fc.Backup.Dir
	}
	return filepath.Join(filepath.Dir(fc.Gateway.StateDir), "backups")
}

// childEnv merges env_files contents with the top-level env list. Later
// entries win: files in order, then the env list overrides last.
func (fc *FileConfig) childEnv() ([]string, error) {
	m := make(map[string]string)
	for _, p := range fc.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for _, kv := range fc.Env {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no
// quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.TrimSpace(line[i+1:])
			m[k] = v
		}
	}
	return m, nil
}
