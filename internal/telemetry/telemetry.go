package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the process collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	watcherPolls  *prometheus.CounterVec
	watcherRows   *prometheus.CounterVec
	watcherCursor prometheus.Gauge
	settlements   *prometheus.CounterVec
	legs          *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		watcherPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arcsettle",
			Subsystem: "watcher",
			Name:      "polls_total",
			Help:      "Watcher poll cycles by result.",
		}, []string{"result"}),
		watcherRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arcsettle",
			Subsystem: "watcher",
			Name:      "rows_total",
			Help:      "Transfer events observed by the watcher, split by whether the row was new.",
		}, []string{"state"}),
		watcherCursor: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "arcsettle",
			Subsystem: "watcher",
			Name:      "cursor_block",
			Help:      "Last block committed by the watcher.",
		}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arcsettle",
			Subsystem: "settlement",
			Name:      "runs_total",
			Help:      "Settlement runs by mode and final status.",
		}, []string{"mode", "status"}),
		legs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arcsettle",
			Subsystem: "settlement",
			Name:      "legs_total",
			Help:      "Settlement legs by kind and outcome.",
		}, []string{"kind", "outcome"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arcsettle",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.watcherPolls,
		m.watcherRows,
		m.watcherCursor,
		m.settlements,
		m.legs,
		m.httpRequests,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObservePoll(result string) {
	if m == nil {
		return
	}
	m.watcherPolls.WithLabelValues(result).Inc()
}

func (m *Metrics) AddRows(inserted, duplicate int) {
	if m == nil {
		return
	}
	m.watcherRows.WithLabelValues("inserted").Add(float64(inserted))
	m.watcherRows.WithLabelValues("duplicate").Add(float64(duplicate))
}

func (m *Metrics) SetCursor(block uint64) {
	if m == nil {
		return
	}
	m.watcherCursor.Set(float64(block))
}

func (m *Metrics) ObserveSettlement(mode, status string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(mode, status).Inc()
}

func (m *Metrics) ObserveLeg(kind, outcome string) {
	if m == nil {
		return
	}
	m.legs.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) ObserveRequest(route, code string) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, code).Inc()
}
