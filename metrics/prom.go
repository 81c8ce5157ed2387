package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	QuotesIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nanohost_quotes_issued_total",
		Help: "no. of upload slots quoted",
	})
	UploadsGated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nanohost_uploads_gated_total",
			Help: "no. of direct uploads through the payment gate",
		},
		[]string{"outcome"},
	)
	Advertisements = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nanohost_advertisements_total",
		Help: "no. of advertisements broadcast to the ledger",
	})
	BridgeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nanohost_bridge_failures_total",
		Help: "no. of bridge fan-out deliveries that failed after retries",
	})
	EventsFiltered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nanohost_events_filtered_total",
		Help: "no. of storage events outside the hosting prefix",
	})
	BytesHashed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nanohost_bytes_hashed_total",
		Help: "no. of bytes streamed through the content hasher",
	})
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nanohost_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nanohost_rate_limit_hits_total",
			Help: "no. of rate limit violations",
		},
		[]string{"endpoint"},
	)
	PruneCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nanohost_prune_cycles_total",
		Help: "no. of stale invoice cleanup cycles",
	})
)

func Init() {
}
