package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Utterance metrics
	activeUtterances = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "avatar_speech_active_utterances",
		Help: "Number of utterances currently streaming or draining",
	})

	totalUtterances = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avatar_speech_utterances_total",
		Help: "Total number of utterances by final state",
	}, []string{"state"})

	utteranceDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "avatar_speech_utterance_duration_seconds",
		Help:    "Time from connect to connection close for an utterance",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
	})

	firstAudioLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "avatar_speech_first_audio_latency_seconds",
		Help:    "Time from connect to the first scheduled audio batch",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	})

	// Audio metrics
	batchesFlushed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avatar_speech_batches_flushed_total",
		Help: "Total audio batches flushed, by trigger",
	}, []string{"trigger"}) // trigger: "threshold" or "final"

	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avatar_speech_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "in" or "scheduled"

	decodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avatar_speech_decode_errors_total",
		Help: "Total audio batches dropped because they failed to decode",
	})

	// Viseme metrics
	visemePackets = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avatar_speech_viseme_packets_total",
		Help: "Total viseme packets by outcome",
	}, []string{"outcome"}) // outcome: "scheduled", "dispatched", "dropped", "stale"

	visemeLateness = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "avatar_speech_viseme_dispatch_lateness_seconds",
		Help:    "Difference between actual and planned viseme dispatch time",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avatar_speech_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "avatar_speech_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avatar_speech_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})
)

// Metrics tracks metrics for a single utterance
type Metrics struct {
	utteranceID string
	startTime   time.Time
	firstAudio  bool
	ended       bool
	mu          sync.Mutex
}

// NewUtteranceMetrics creates a new metrics tracker for an utterance
func NewUtteranceMetrics(utteranceID string) *Metrics {
	return &Metrics{
		utteranceID: utteranceID,
		startTime:   time.Now(),
	}
}

// RecordUtteranceStart records the start of an utterance
func (m *Metrics) RecordUtteranceStart() {
	m.mu.Lock()
	m.startTime = time.Now()
	m.mu.Unlock()
	activeUtterances.Inc()
}

// RecordUtteranceEnd records the end of an utterance with its final state.
// Only the first call counts.
func (m *Metrics) RecordUtteranceEnd(state string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ended {
		return
	}
	m.ended = true

	activeUtterances.Dec()
	totalUtterances.WithLabelValues(state).Inc()
	utteranceDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordBatchScheduled records a flushed batch handed to the audio output
func (m *Metrics) RecordBatchScheduled(trigger string, bytes int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.firstAudio {
		m.firstAudio = true
		firstAudioLatency.Observe(time.Since(m.startTime).Seconds())
	}

	batchesFlushed.WithLabelValues(trigger).Inc()
	audioBytesProcessed.WithLabelValues("scheduled").Add(float64(bytes))
}

// RecordAudioBytes records audio bytes processed
func (m *Metrics) RecordAudioBytes(direction string, bytes int64) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// RecordDecodeError records a dropped batch
func (m *Metrics) RecordDecodeError() {
	decodeErrors.Inc()
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordVisemePacket records the outcome of a viseme packet
func RecordVisemePacket(outcome string) {
	visemePackets.WithLabelValues(outcome).Inc()
}

// ObserveVisemeLateness records how late a viseme packet was dispatched
func ObserveVisemeLateness(lateness time.Duration) {
	if lateness < 0 {
		lateness = 0
	}
	visemeLateness.Observe(lateness.Seconds())
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
