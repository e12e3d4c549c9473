package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	rpcRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tonic",
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "Total RPC requests by method and response status.",
		},
		[]string{"method", "status"},
	)
	rpcDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tonic",
			Subsystem: "rpc",
			Name:      "request_duration_seconds",
			Help:      "RPC request handling duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method"},
	)
	handshakeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tonic",
			Subsystem: "conn",
			Name:      "handshake_failures_total",
			Help:      "TLS handshakes that failed, by reason.",
		},
		[]string{"reason"},
	)
	connsAccepted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tonic",
			Subsystem: "conn",
			Name:      "accepted_total",
			Help:      "Accepted TCP connections.",
		},
	)
	connsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tonic",
			Subsystem: "conn",
			Name:      "active",
			Help:      "Connections past the TLS handshake and not yet closed.",
		},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tonic",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tonic",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			rpcRequests,
			rpcDuration,
			handshakeFailures,
			connsAccepted,
			connsActive,
			httpRequests,
			httpDuration,
		)
	})
}

func RecordRPC(method, status string, duration time.Duration) {
	RegisterMetrics()
	rpcRequests.WithLabelValues(method, status).Inc()
	rpcDuration.WithLabelValues(method).Observe(duration.Seconds())
}

func RecordHandshakeFailure(reason string) {
	RegisterMetrics()
	handshakeFailures.WithLabelValues(reason).Inc()
}

func RecordConnAccepted() {
	RegisterMetrics()
	connsAccepted.Inc()
}

// ConnOpened increments the active gauge and returns the matching decrement.
func ConnOpened() func() {
	RegisterMetrics()
	connsActive.Inc()
	return connsActive.Dec
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}
