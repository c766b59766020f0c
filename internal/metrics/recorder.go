package metrics

import (
	"strconv"
	"time"
)

// Recorder provides methods for recording metrics.
type Recorder struct{}

// NewRecorder creates a new metrics recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// RecordRequest records a completed REST request.
func (r *Recorder) RecordRequest(endpoint, method string, status int, duration time.Duration) {
	RequestsTotal.WithLabelValues(endpoint, method, strconv.Itoa(status)).Inc()
	RequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordAuthAttempt records a bootstrap negotiation outcome.
func (r *Recorder) RecordAuthAttempt(success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	AuthAttemptsTotal.WithLabelValues(outcome).Inc()
}

// RecordTokenRefresh records a transparent refresh-on-access.
func (r *Recorder) RecordTokenRefresh() {
	TokenRefreshesTotal.Inc()
}

// RecordStreamMessage records a received WebSocket message.
func (r *Recorder) RecordStreamMessage(topic string) {
	StreamMessagesTotal.WithLabelValues(topic).Inc()
}

// RecordStreamReconnect records a reconnect attempt.
func (r *Recorder) RecordStreamReconnect() {
	StreamReconnectsTotal.Inc()
}

// RecordStreamConnected records the stream connection state.
func (r *Recorder) RecordStreamConnected(connected bool) {
	if connected {
		StreamConnected.Set(1)
	} else {
		StreamConnected.Set(0)
	}
}

// RecordCacheLookup records an account data cache hit or miss.
func (r *Recorder) RecordCacheLookup(hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	CacheHitsTotal.WithLabelValues(outcome).Inc()
}

// RecordFlexStatement records a Flex statement fetch result.
func (r *Recorder) RecordFlexStatement(result string) {
	FlexStatementsTotal.WithLabelValues(result).Inc()
}
