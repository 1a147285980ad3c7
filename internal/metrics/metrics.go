package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Cache metrics
	MessagesAdded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_messages_added_total",
			Help: "Messages accepted into the in-memory cache",
		},
		[]string{"sender"}, // "user" or "assistant"
	)

	MessagesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_messages_rejected_total",
			Help: "Messages rejected by the cache",
		},
		[]string{"reason"}, // "duplicate", "empty", "missing_context"
	)

	StreamTokens = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_stream_tokens_total",
			Help: "Streaming tokens appended to assistant messages",
		},
	)

	CachedMessages = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_cached_messages",
			Help: "Messages currently held in memory",
		},
	)

	// Persistence metrics
	LocalWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_local_writes_total",
			Help: "Durable local store writes",
		},
		[]string{"result"}, // "ok" or "error"
	)

	RemoteWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_remote_writes_total",
			Help: "Remote backend insert attempts",
		},
		[]string{"result"},
	)

	RemoteReads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_remote_reads_total",
			Help: "Remote backend recent-window reads",
		},
		[]string{"result"},
	)

	RemoteLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatsync_remote_latency_seconds",
			Help:    "Remote backend call latency",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)

	// Pending queue metrics
	PendingWrites = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_pending_writes",
			Help: "Remote writes waiting for a flush",
		},
	)

	PendingFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_pending_flush_items_total",
			Help: "Outcome of each pending write flush attempt",
		},
		[]string{"result"}, // "ok", "retry", "dropped"
	)

	// Connectivity metrics
	Online = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_online",
			Help: "1 when the remote backend is considered reachable",
		},
	)

	ConnectivityTransitions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_connectivity_transitions_total",
			Help: "Online/offline status changes",
		},
	)

	// HTTP bridge metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatsync_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)
)

// Result mapea un error a la etiqueta "ok"/"error".
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
