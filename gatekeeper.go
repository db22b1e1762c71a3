// Package gatekeeper supervises a local gateway process: it starts and stops
// the child, reaps orphans left behind by crashed daemons, and backs up and
// restores the gateway state directory.
package gatekeeper

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/gatekeeper/internal/backup"
	cfg "github.com/loykin/gatekeeper/internal/config"
	"github.com/loykin/gatekeeper/internal/history"
	"github.com/loykin/gatekeeper/internal/history/factory"
	"github.com/loykin/gatekeeper/internal/history/sqlite"
	"github.com/loykin/gatekeeper/internal/logger"
	"github.com/loykin/gatekeeper/internal/metrics"
	"github.com/loykin/gatekeeper/internal/restore"
	"github.com/loykin/gatekeeper/internal/server"
	"github.com/loykin/gatekeeper/internal/supervisor"
)

// Supervisor surface.
type (
	Supervisor   = supervisor.Supervisor
	Options      = supervisor.Options
	GatewayState = supervisor.GatewayState
	Phase        = supervisor.Phase
)

const (
	PhaseStopped  = supervisor.PhaseStopped
	PhaseStarting = supervisor.PhaseStarting
	PhaseReady    = supervisor.PhaseReady
	PhaseFailed   = supervisor.PhaseFailed
)

// New builds a Supervisor for the gateway described by opts.
func New(opts Options) *Supervisor { return supervisor.New(opts) }

// Backup/restore surface.
type RestoreManager = restore.Manager

// NewRestoreManager builds a restore manager driving sup's gateway.
func NewRestoreManager(sup *Supervisor, shellOrigin string) *RestoreManager {
	return restore.New(sup, sup.StateDir(), shellOrigin, nil)
}

// History surface.
type (
	HistoryEvent    = history.Event
	HistorySink     = history.Sink
	HistoryRecorder = history.Recorder
)

// NewHistorySink creates a sink from a DSN (sqlite path, sqlite://,
// postgres://, clickhouse://).
func NewHistorySink(dsn string) (HistorySink, error) { return factory.NewSinkFromDSN(dsn) }

// NewSQLiteHistory creates the default local sink, which also serves the
// /history endpoint.
func NewSQLiteHistory(path string) (*sqlite.Sink, error) { return sqlite.New(path) }

// Logging surface.
type LogConfig = logger.Config

// LoadConfig loads the daemon TOML configuration.
func LoadConfig(path string) (*cfg.FileConfig, error) { return cfg.Load(path) }

// NewHTTPServer starts the daemon HTTP command surface on addr. hist may be
// nil when no queryable history sink is configured.
func NewHTTPServer(addr, basePath string, gw server.Gateway, rst server.Restorer, hist server.HistorySource) (*http.Server, error) {
	return server.NewServer(addr, basePath, gw, rst, hist)
}

// NewBackupScheduler builds a periodic snapshot scheduler over src.
func NewBackupScheduler(src backup.Source, dir string, interval time.Duration, retention int) (*backup.Scheduler, error) {
	return backup.New(src, dir, interval, retention, nil)
}

// RegisterMetrics registers gateway metrics in r.
func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

// RegisterMetricsDefault registers gateway metrics in the default registry.
func RegisterMetricsDefault() error { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the
// default registry. It runs in the caller goroutine.
func ServeMetrics(addr string) error {
	http.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           nil,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
