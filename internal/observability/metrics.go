package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voicev2_active_sessions",
		Help: "Number of active voice sessions",
	}, []string{"role"})

	totalSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicev2_sessions_total",
		Help: "Total number of voice sessions by end reason",
	}, []string{"role", "reason"})

	sessionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voicev2_session_duration_seconds",
		Help:    "Duration of voice sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"role"})

	stateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicev2_state_transitions_total",
		Help: "Orchestrator state transitions",
	}, []string{"from", "to"})

	// Turn metrics
	speculativeAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicev2_speculative_attempts_total",
		Help: "Speculative reply attempts by final status",
	}, []string{"status"})

	firstTokenLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voicev2_first_token_latency_seconds",
		Help:    "Time from attempt start to first streamed token",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 4.0, 8.0},
	})

	synthesisRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicev2_synthesis_requests_total",
		Help: "Sentence synthesis requests",
	}, []string{"status"})

	synthesisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voicev2_synthesis_latency_seconds",
		Help:    "Sentence synthesis latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	})

	sentences = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicev2_sentences_total",
		Help: "Reply sentences by final playback state",
	}, []string{"state"})

	bargeIns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicev2_barge_ins_total",
		Help: "Acknowledged barge-in interrupts",
	})

	transcripts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicev2_transcript_segments_total",
		Help: "Transcript segments by kind",
	}, []string{"kind"})

	// Transport metrics
	droppedChunks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicev2_dropped_chunks_total",
		Help: "Audio chunks dropped under back-pressure",
	})

	reconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicev2_reconnects_total",
		Help: "Transport reconnect attempts by outcome",
	}, []string{"outcome"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicev2_errors_total",
		Help: "Total number of errors",
	}, []string{"category", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voicev2_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicev2_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicev2_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "in" or "out"
)

// Metrics tracks metrics for a single session.
type Metrics struct {
	sessionID string
	role      string
	startTime time.Time
}

// NewSessionMetrics creates a metrics tracker for a session. Role is
// "engine" or "gateway".
func NewSessionMetrics(sessionID, role string) *Metrics {
	return &Metrics{
		sessionID: sessionID,
		role:      role,
		startTime: time.Now(),
	}
}

// RecordSessionStart records the start of a session
func (m *Metrics) RecordSessionStart() {
	activeSessions.WithLabelValues(m.role).Inc()
}

// RecordSessionEnd records the end of a session and why it ended
func (m *Metrics) RecordSessionEnd(reason string) {
	activeSessions.WithLabelValues(m.role).Dec()
	totalSessions.WithLabelValues(m.role, reason).Inc()
	sessionDuration.WithLabelValues(m.role).Observe(time.Since(m.startTime).Seconds())
}

func (m *Metrics) RecordTransition(from, to string) {
	stateTransitions.WithLabelValues(from, to).Inc()
}

// RecordAttempt records a speculative attempt reaching a terminal status
func (m *Metrics) RecordAttempt(status string) {
	speculativeAttempts.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveFirstToken(latency time.Duration) {
	firstTokenLatency.Observe(latency.Seconds())
}

// ObserveSynthesis records one sentence synthesis round-trip
func (m *Metrics) ObserveSynthesis(latency time.Duration, success bool) {
	synthesisLatency.Observe(latency.Seconds())
	status := "success"
	if !success {
		status = "error"
	}
	synthesisRequests.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordSentence(state string) {
	sentences.WithLabelValues(state).Inc()
}

func (m *Metrics) RecordBargeIn() {
	bargeIns.Inc()
}

func (m *Metrics) RecordTranscript(kind string) {
	transcripts.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordDroppedChunk() {
	droppedChunks.Inc()
}

// RecordReconnect records a reconnect attempt outcome: success, failure, exhausted
func (m *Metrics) RecordReconnect(outcome string) {
	reconnects.WithLabelValues(outcome).Inc()
}

// RecordError records an error
func (m *Metrics) RecordError(category, component string) {
	errorsTotal.WithLabelValues(category, component).Inc()
}

// RecordAudioBytes records audio bytes processed
func (m *Metrics) RecordAudioBytes(direction string, bytes int64) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
