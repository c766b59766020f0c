// Package metrics exposes Prometheus metrics for the SDK.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts REST requests by endpoint, method and status class.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ibkr_requests_total",
		Help: "Total REST API requests",
	}, []string{"endpoint", "method", "status"})

	// RequestDuration tracks REST request latency.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ibkr_request_duration_seconds",
		Help:    "REST API request duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})

	// AuthAttemptsTotal counts live-session-token negotiations by outcome.
	AuthAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ibkr_auth_attempts_total",
		Help: "Total authentication attempts",
	}, []string{"outcome"})

	// TokenRefreshesTotal counts transparent refresh-on-access negotiations.
	TokenRefreshesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ibkr_token_refreshes_total",
		Help: "Total transparent live session token refreshes",
	})

	// StreamMessagesTotal counts WebSocket messages by topic.
	StreamMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ibkr_stream_messages_total",
		Help: "Total WebSocket messages received",
	}, []string{"topic"})

	// StreamReconnectsTotal counts WebSocket reconnect attempts.
	StreamReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ibkr_stream_reconnects_total",
		Help: "Total WebSocket reconnect attempts",
	})

	// StreamConnected reports the WebSocket connection state.
	StreamConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ibkr_stream_connected",
		Help: "Whether the WebSocket stream is connected (1) or not (0)",
	})

	// CacheHitsTotal counts account data cache hits and misses.
	CacheHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ibkr_cache_requests_total",
		Help: "Account data cache lookups",
	}, []string{"outcome"})

	// FlexStatementsTotal counts fetched Flex statements by result.
	FlexStatementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ibkr_flex_statements_total",
		Help: "Total Flex statement fetches",
	}, []string{"result"})
)
