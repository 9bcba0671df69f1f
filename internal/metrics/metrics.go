// Package metrics exposes Prometheus instrumentation for the credential
// lifecycle and the action execution/rollback engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the engine.
type Metrics struct {
	// Credential lifecycle
	TokenRefreshTotal  *prometheus.CounterVec // result: ok, invalid_grant, error
	TokenRefreshWaits  prometheus.Counter     // callers that reused an in-flight refresh
	ConnectionStatus   *prometheus.GaugeVec   // per service/status connection counts
	AuthorizeTotal     *prometheus.CounterVec // result: ok, error

	// Action execution
	ActionTotal     *prometheus.CounterVec   // service, status
	ActionDuration  *prometheus.HistogramVec // adapter call latency per service
	AdapterRetries  *prometheus.CounterVec   // transient retries per service
	RollbackTotal   *prometheus.CounterVec   // result: rolled_back, rollback_failed, rejected
}

// New creates and registers all collectors on the default registry.
func New() *Metrics {
	return &Metrics{
		TokenRefreshTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credentials_token_refresh_total",
				Help: "Token refresh attempts against provider endpoints",
			},
			[]string{"service", "result"},
		),
		TokenRefreshWaits: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "credentials_token_refresh_waits_total",
				Help: "Callers that waited for an in-flight refresh instead of issuing their own",
			},
		),
		ConnectionStatus: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "credentials_connections",
				Help: "Service connections by status",
			},
			[]string{"service", "status"},
		),
		AuthorizeTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credentials_authorize_total",
				Help: "OAuth2 code exchanges completed",
			},
			[]string{"service", "result"},
		),
		ActionTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "executor_actions_total",
				Help: "Actions executed by terminal status",
			},
			[]string{"service", "status"},
		),
		ActionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "executor_adapter_duration_seconds",
				Help:    "Latency of adapter invocations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"service"},
		),
		AdapterRetries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "executor_adapter_retries_total",
				Help: "Transient adapter failures retried once",
			},
			[]string{"service"},
		),
		RollbackTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rollback_total",
				Help: "Rollback attempts by outcome",
			},
			[]string{"service", "result"},
		),
	}
}
