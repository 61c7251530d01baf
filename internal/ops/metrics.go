package ops

import (
	"context"
	"net/http"
	"time"

	"botfleet/internal/eventbus"
	"botfleet/internal/queue"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private prometheus registry so tests and multiple
// instances never collide on the global one.
//
// It implements dispatch.Observer and maintenance.StatsObserver.
type Metrics struct {
	reg *prometheus.Registry

	queueJobs     *prometheus.GaugeVec
	oldestPending prometheus.Gauge
	jobs          *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	statusChanges *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		queueJobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "botfleet",
			Subsystem: "queue",
			Name:      "jobs",
			Help:      "Jobs in the queue by status, as of the last maintenance cycle.",
		}, []string{"status"}),
		oldestPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "botfleet",
			Subsystem: "queue",
			Name:      "oldest_pending_seconds",
			Help:      "Age of the oldest eligible job.",
		}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "botfleet",
			Subsystem: "dispatch",
			Name:      "jobs_total",
			Help:      "Finished job runs by outcome (done, retry, dead).",
		}, []string{"outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "botfleet",
			Subsystem: "dispatch",
			Name:      "job_duration_seconds",
			Help:      "Handler run time by outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"outcome"}),
		statusChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "botfleet",
			Subsystem: "tenant",
			Name:      "status_changes_total",
			Help:      "Tenant status transitions by target status.",
		}, []string{"to"}),
	}
	m.reg.MustRegister(
		m.queueJobs,
		m.oldestPending,
		m.jobs,
		m.jobDuration,
		m.statusChanges,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) ObserveJob(_ string, outcome string, took time.Duration) {
	if outcome == "" {
		outcome = "unknown"
	}
	m.jobs.WithLabelValues(outcome).Inc()
	m.jobDuration.WithLabelValues(outcome).Observe(took.Seconds())
}

func (m *Metrics) ObserveQueue(st queue.Stats) {
	for _, status := range queue.AllStatuses {
		m.queueJobs.WithLabelValues(string(status)).Set(float64(st.Counts[status]))
	}
	m.oldestPending.Set(st.OldestPending.Seconds())
}

func (m *Metrics) ObserveStatusChange(to string) {
	m.statusChanges.WithLabelValues(to).Inc()
}

// WatchEvents counts tenant status changes from the bus until ctx ends.
func (m *Metrics) WatchEvents(ctx context.Context, bus eventbus.Bus) error {
	ch, unsubscribe := bus.Subscribe(64, eventbus.TenantStatus)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			if c, ok := e.Data.(eventbus.TenantStatusChange); ok {
				m.ObserveStatusChange(c.To)
			}
		}
	}
}
