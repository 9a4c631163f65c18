package tripsync

import (
	"github.com/prometheus/client_golang/prometheus"
)

// daemon-side counters for the sync core. registered once per process
type Metrics struct {
	CommitCount       *prometheus.CounterVec
	MergedFieldCount  prometheus.Counter
	NotificationCount prometheus.Counter
	ActiveSessions    prometheus.Gauge
	TripCount         prometheus.Gauge
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	metrics := &Metrics{
		CommitCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tripsync_commits_total",
				Help: "Committed mutations by collection.",
			},
			[]string{"collection"},
		),
		MergedFieldCount: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tripsync_merged_fields_total",
				Help: "Field level merge resolutions of concurrent writes.",
			},
		),
		NotificationCount: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tripsync_notifications_total",
				Help: "Notifications fanned out to subscribers.",
			},
		),
		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tripsync_active_sessions",
				Help: "Currently open sync sessions.",
			},
		),
		TripCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tripsync_trips",
				Help: "Trip documents in the store.",
			},
		),
	}
	registerer.MustRegister(
		metrics.CommitCount,
		metrics.MergedFieldCount,
		metrics.NotificationCount,
		metrics.ActiveSessions,
		metrics.TripCount,
	)
	return metrics
}

// CommitFunction
func (self *Metrics) ObserveCommit(commit *Commit) {
	self.CommitCount.WithLabelValues(commit.CollectionName).Inc()
	self.MergedFieldCount.Add(float64(len(commit.MergedFields)))
}
