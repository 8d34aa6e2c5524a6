// Package metrics exposes Prometheus collectors for the poll and
// notification pipeline. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"registry_watch/internal/model"
)

const namespace = "registry_watch"

// Result labels.
const (
	ResultSuccess     = "success"
	ResultFailure     = "failure"
	ResultSkipped     = "skipped"
	ResultRateLimited = "rate_limited"
)

// Metrics groups the collectors.
type Metrics struct {
	polls           *prometheus.CounterVec
	changes         *prometheus.CounterVec
	notifications   *prometheus.CounterVec
	pollDuration    prometheus.Histogram
	snapshotServers prometheus.Gauge
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		polls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Poll cycles by result.",
		}, []string{"result"}),
		changes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "changes_detected_total",
			Help:      "Detected server changes by type.",
		}, []string{"type"}),
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification attempts by channel type and result.",
		}, []string{"channel", "result"}),
		pollDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_duration_seconds",
			Help:      "Duration of poll cycles.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		snapshotServers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_servers",
			Help:      "Servers in the latest snapshot.",
		}),
	}
}

func (m *Metrics) ObservePoll(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(result).Inc()
	m.pollDuration.Observe(d.Seconds())
}

func (m *Metrics) AddChanges(r *model.DiffResult) {
	if m == nil || r == nil {
		return
	}
	m.changes.WithLabelValues(string(model.ChangeNew)).Add(float64(len(r.NewServers)))
	m.changes.WithLabelValues(string(model.ChangeUpdated)).Add(float64(len(r.UpdatedServers)))
	m.changes.WithLabelValues(string(model.ChangeRemoved)).Add(float64(len(r.RemovedServers)))
}

func (m *Metrics) Notification(channel model.ChannelType, result string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(string(channel), result).Inc()
}

func (m *Metrics) SetSnapshotServers(n int) {
	if m == nil {
		return
	}
	m.snapshotServers.Set(float64(n))
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
