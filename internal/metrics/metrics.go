// Package metrics exposes Prometheus counters for qm invocations and batch
// outcomes.
package metrics

import (
	"net/http"

	"github.com/jamesprial/pvebatch/internal/reconcile"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pvebatch"

// Metrics holds the collectors. A nil *Metrics is a valid no-op observer.
type Metrics struct {
	registry *prometheus.Registry

	commands      *prometheus.CounterVec
	guests        *prometheus.CounterVec
	guestDuration prometheus.Histogram
	batches       *prometheus.CounterVec
}

// New registers the pvebatch collectors plus the Go and process collectors
// on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "qm_commands_total",
			Help:      "qm invocations by subcommand and result.",
		}, []string{"command", "result"}),
		guests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guests_total",
			Help:      "Guests processed by outcome.",
		}, []string{"outcome"}),
		guestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "guest_duration_seconds",
			Help:      "Time spent on one guest, shutdown and restart included.",
			Buckets:   []float64{0.1, 1, 5, 15, 30, 60, 120, 300},
		}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Batch runs by operation and whether any step failed.",
		}, []string{"operation", "result"}),
	}
	m.registry.MustRegister(
		m.commands,
		m.guests,
		m.guestDuration,
		m.batches,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveCommand counts one qm invocation.
func (m *Metrics) ObserveCommand(command string, err error) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(command, result(err)).Inc()
}

// GuestStarted is part of reconcile.Observer.
func (m *Metrics) GuestStarted(int, int, int) {}

// GuestFinished counts the guest outcome.
func (m *Metrics) GuestFinished(res reconcile.GuestResult) {
	if m == nil {
		return
	}
	m.guests.WithLabelValues(string(res.Outcome)).Inc()
	if res.Outcome != reconcile.OutcomeNotProcessed {
		m.guestDuration.Observe(res.Duration.Seconds())
	}
}

// ObserveBatch counts a finished batch.
func (m *Metrics) ObserveBatch(res *reconcile.Result) {
	if m == nil || res == nil {
		return
	}
	r := "ok"
	if res.HasFailures() {
		r = "failures"
	}
	m.batches.WithLabelValues(string(res.Plan.Operation.Kind), r).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RegisterHandler mounts Handler on /metrics, wrapped by the given
// middlewares in order.
func (m *Metrics) RegisterHandler(mux *http.ServeMux, wrap ...func(http.Handler) http.Handler) {
	h := m.Handler()
	for i := len(wrap) - 1; i >= 0; i-- {
		h = wrap[i](h)
	}
	mux.Handle("/metrics", h)
}
