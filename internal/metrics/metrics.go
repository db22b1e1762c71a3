package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	gatewayStarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gatekeeper",
			Subsystem: "gateway",
			Name:      "starts_total",
			Help:      "Number of gateway starts that reached ready.",
		},
	)
	gatewayStartFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gatekeeper",
			Subsystem: "gateway",
			Name:      "start_failures_total",
			Help:      "Number of gateway starts that ended in a failed state.",
		},
	)
	gatewayStops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gatekeeper",
			Subsystem: "gateway",
			Name:      "stops_total",
			Help:      "Number of gateway stops (graceful or kill).",
		},
	)
	gatewayUp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "gatekeeper",
			Subsystem: "gateway",
			Name:      "up",
			Help:      "1 while a supervised gateway handle is live.",
		},
	)
	orphansReaped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gatekeeper",
			Subsystem: "reaper",
			Name:      "orphans_killed_total",
			Help:      "Number of orphaned gateway processes force-killed at startup.",
		},
	)
	restoreOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gatekeeper",
			Subsystem: "restore",
			Name:      "operations_total",
			Help:      "Restore transactions by outcome.",
		}, []string{"outcome"},
	)
	backupBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gatekeeper",
			Subsystem: "backup",
			Name:      "bytes_total",
			Help:      "Total bytes of backup archives produced.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		gatewayStarts, gatewayStartFailures, gatewayStops, gatewayUp,
		orphansReaped, restoreOutcomes, backupBytes,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler exposes the default registry over HTTP.
func Handler() http.Handler { return promhttp.Handler() }

func IncStart()        { gatewayStarts.Inc() }
func IncStartFailure() { gatewayStartFailures.Inc() }
func IncStop()         { gatewayStops.Inc() }
func SetUp(up bool) {
	if up {
		gatewayUp.Set(1)
	} else {
		gatewayUp.Set(0)
	}
}
func IncOrphanKilled() { orphansReaped.Inc() }
func IncRestore(outcome string) {
	restoreOutcomes.WithLabelValues(outcome).Inc()
}
func AddBackupBytes(n int) { backupBytes.Add(float64(n)) }
