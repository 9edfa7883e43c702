package stream

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the stream subsystem.
type Metrics struct {
	Subscribers     prometheus.Gauge
	Polls           *prometheus.CounterVec
	PollDuration    prometheus.Histogram
	AlertsDelivered prometheus.Counter
	SessionsDropped *prometheus.CounterVec
}

// NewMetrics registers and returns stream metrics on the given registerer.
// A nil registerer yields unregistered (but usable) collectors, which keeps
// tests free of registry bookkeeping.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "argus_stream_subscribers",
			Help: "Currently connected stream subscribers.",
		}),
		Polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "argus_stream_polls_total",
			Help: "Upstream poll ticks by outcome.",
		}, []string{"outcome"}),
		PollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "argus_stream_poll_duration_seconds",
			Help:    "Duration of upstream poll queries in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms .. ~25s
		}),
		AlertsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "argus_stream_alerts_delivered_total",
			Help: "Alerts delivered to subscribers across all sessions.",
		}),
		SessionsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "argus_stream_sessions_dropped_total",
			Help: "Sessions removed after failed writes, by cause.",
		}, []string{"cause"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Subscribers,
			m.Polls,
			m.PollDuration,
			m.AlertsDelivered,
			m.SessionsDropped,
		)
	}

	return m
}
