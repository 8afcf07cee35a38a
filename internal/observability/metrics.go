package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "transcript_gateway_active_sessions",
		Help: "Number of active streaming sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transcript_gateway_sessions_total",
		Help: "Total number of sessions started",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "transcript_gateway_session_duration_seconds",
		Help:    "Duration of streaming sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
	})

	sessionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcript_gateway_sessions_closed_total",
		Help: "Sessions closed, by reason",
	}, []string{"reason"})

	// Transcript metrics
	transcriptEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcript_gateway_transcript_events_total",
		Help: "Transcript events received from the STT provider",
	}, []string{"provider", "kind"}) // kind: "partial" or "final"

	bridgeReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcript_gateway_bridge_reconnects_total",
		Help: "STT bridge reconnect attempts",
	}, []string{"provider", "result"})

	// Translation metrics
	translationRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcript_gateway_translation_requests_total",
		Help: "Translation results by status",
	}, []string{"status"})

	translationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "transcript_gateway_translation_latency_seconds",
		Help:    "Translation provider call latency in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	})

	translationCache = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcript_gateway_translation_cache_total",
		Help: "Translation cache lookups by result",
	}, []string{"result"}) // result: "hit" or "miss"

	translationRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transcript_gateway_translation_rate_limited_total",
		Help: "Translation calls rejected by the rate limiter",
	})

	translationDeadlineMissed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transcript_gateway_translation_deadline_missed_total",
		Help: "Events delivered untranslated because the translation deadline expired",
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcript_gateway_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "transcript_gateway_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcript_gateway_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcript_gateway_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "in" or "out"

	audioFramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transcript_gateway_audio_frames_dropped_total",
		Help: "Audio frames dropped because the provider queue stayed full",
	})
)

// Metrics tracks metrics for a single session
type Metrics struct {
	sessionID string
	startTime time.Time
	mu        sync.Mutex
	ended     bool
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(sessionID string) *Metrics {
	return &Metrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordSessionStart records the start of a session
func (m *Metrics) RecordSessionStart() {
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records the end of a session; only the first call counts
func (m *Metrics) RecordSessionEnd(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ended {
		return
	}
	m.ended = true

	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
	sessionsClosed.WithLabelValues(reason).Inc()
}

// RecordTranscriptEvent counts one transcript event from the provider
func (m *Metrics) RecordTranscriptEvent(provider string, isFinal bool) {
	kind := "partial"
	if isFinal {
		kind = "final"
	}
	transcriptEvents.WithLabelValues(provider, kind).Inc()
}

// RecordDeadlineMissed counts one event delivered without its translation
func (m *Metrics) RecordDeadlineMissed() {
	translationDeadlineMissed.Inc()
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordAudioBytes records audio bytes processed
func (m *Metrics) RecordAudioBytes(direction string, bytes int64) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// RecordFrameDropped counts one audio frame dropped under backpressure
func RecordFrameDropped() {
	audioFramesDropped.Inc()
}

// RecordBridgeReconnect counts one reconnect attempt and its outcome
func RecordBridgeReconnect(provider string, success bool) {
	result := "success"
	if !success {
		result = "error"
	}
	bridgeReconnects.WithLabelValues(provider, result).Inc()
}

// RecordTranslation records the final status of one translation request
func RecordTranslation(status string) {
	translationRequests.WithLabelValues(status).Inc()
}

// ObserveTranslationLatency records one provider call latency
func ObserveTranslationLatency(d time.Duration) {
	translationLatency.Observe(d.Seconds())
}

// RecordCacheLookup records a translation cache hit or miss
func RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	translationCache.WithLabelValues(result).Inc()
}

// RecordRateLimited counts one translation call refused by the limiter
func RecordRateLimited() {
	translationRateLimited.Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
