package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service's Prometheus collectors on a private registry
type Metrics struct {
	registry *prometheus.Registry

	jobsTotal      *prometheus.CounterVec
	jobsActive     prometheus.Gauge
	stageDuration  *prometheus.HistogramVec
	subscribers    prometheus.Gauge
	broadcastDrops prometheus.Counter
	eventsRelayed  *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors under namespace
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "journal"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Journal jobs by final or initial status.",
		}, []string{"status"}),
		jobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_active",
			Help:      "Journal jobs currently executing stages.",
		}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Agent stage execution time.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"stage", "outcome"}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers",
			Help:      "Registered progress subscribers.",
		}),
		broadcastDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_drops_total",
			Help:      "Subscribers dropped after a failed delivery.",
		}),
		eventsRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_relayed_total",
			Help:      "Progress events relayed to the message queue.",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		m.jobsTotal,
		m.jobsActive,
		m.stageDuration,
		m.subscribers,
		m.broadcastDrops,
		m.eventsRelayed,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry (tests, extra collectors)
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordJob(status string) {
	m.jobsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) IncrementActiveJobs() {
	m.jobsActive.Inc()
}

func (m *Metrics) DecrementActiveJobs() {
	m.jobsActive.Dec()
}

// RecordStage observes a stage duration; outcome is success, error, timeout or discarded
func (m *Metrics) RecordStage(stage, outcome string, d time.Duration) {
	m.stageDuration.WithLabelValues(stage, outcome).Observe(d.Seconds())
}

func (m *Metrics) SetSubscribers(n int) {
	m.subscribers.Set(float64(n))
}

func (m *Metrics) RecordBroadcastDrop() {
	m.broadcastDrops.Inc()
}

func (m *Metrics) RecordRelay(ok bool) {
	if ok {
		m.eventsRelayed.WithLabelValues("ok").Inc()
		return
	}
	m.eventsRelayed.WithLabelValues("error").Inc()
}
