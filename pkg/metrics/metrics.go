// Package metrics exposes the keeper's Prometheus surface (spec.md
// §6: "the process exposes at minimum a monotonic counter
// zcloak_keeper_tokio_threads_total and a counter
// keeper_submitted_verify_transactions, both labelled with the
// keeper's address").
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the process's Prometheus collectors. Threads,
// SubmittedTxs and ResubmittedTxs carry the keeper's own address as a
// label; QueueDepth is labelled by queue and StageRestarts by stage.
type Metrics struct {
	Threads        prometheus.Counter
	SubmittedTxs   *prometheus.CounterVec
	ResubmittedTxs *prometheus.CounterVec
	QueueDepth     *prometheus.GaugeVec
	StageRestarts  *prometheus.CounterVec
}

// New registers every collector against a fresh registry and returns
// the bundle plus an http.Handler for the /metrics endpoint.
func New(keeperAddress string) (*Metrics, http.Handler) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		Threads: factory.NewCounter(prometheus.CounterOpts{
			Name:        "zcloak_keeper_tokio_threads_total",
			Help:        "Monotonic count of worker goroutines started by this keeper process.",
			ConstLabels: prometheus.Labels{"address": keeperAddress},
		}),
		SubmittedTxs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "keeper_submitted_verify_transactions",
			Help: "Count of submit-stage transactions sent, labelled by address and outcome.",
		}, []string{"address", "outcome"}),
		ResubmittedTxs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "keeper_resubmitted_verify_transactions",
			Help: "Count of resubmit-stage transactions sent, labelled by address.",
		}, []string{"address"}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "keeper_queue_depth_bytes",
			Help: "Unread bytes in each pipeline queue.",
		}, []string{"queue"}),
		StageRestarts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "keeper_stage_restarts_total",
			Help: "Count of transient-failure restarts per pipeline stage.",
		}, []string{"stage"}),
	}

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	return m, handler
}
