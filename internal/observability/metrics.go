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
		Name: "avatar_speech_active_sessions",
		Help: "Number of connected avatar sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avatar_speech_sessions_total",
		Help: "Total number of avatar sessions served",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "avatar_speech_session_duration_seconds",
		Help:    "Duration of avatar sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
	})

	// TTS metrics
	ttsRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avatar_speech_tts_requests_total",
		Help: "Total number of TTS synthesis requests",
	}, []string{"status"})

	ttsLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "avatar_speech_tts_latency_seconds",
		Help:    "Time from synthesis request to fully reassembled payload",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	})

	prefetchRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avatar_speech_prefetch_total",
		Help: "Prefetch requests by outcome",
	}, []string{"result"}) // result: "hit", "miss", "error"

	// Queue metrics
	queueItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avatar_speech_queue_items_total",
		Help: "Queue items reaching a terminal or removed state",
	}, []string{"status"})

	queueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "avatar_speech_queue_length",
		Help: "Non-terminal items across all speech queues",
	})

	playbackStartDelay = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "avatar_speech_playback_start_delay_seconds",
		Help:    "Time from speech request to first audio",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	})

	// Animation metrics
	visemesDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avatar_speech_visemes_dispatched_total",
		Help: "Viseme cues dispatched to renderer inputs",
	})

	defaultedInputs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avatar_speech_defaulted_inputs_total",
		Help: "Dispatches that fell back to the no-op input because the renderer lacked the named input",
	}, []string{"input"})

	lipSyncReduction = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "avatar_speech_lipsync_kept_ratio",
		Help:    "Fraction of raw visemes kept by natural lip-sync processing",
		Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
	})

	// Live relay metrics
	liveMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avatar_speech_live_messages_total",
		Help: "Messages received from live voice sessions",
	}, []string{"type"})

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

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avatar_speech_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"source"}) // source: "tts" or "live"
)

// Metrics tracks metrics for a single avatar session
type Metrics struct {
	sessionID    string
	startTime    time.Time
	ttsStartTime map[string]time.Time
	mu           sync.Mutex
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(sessionID string) *Metrics {
	return &Metrics{
		sessionID:    sessionID,
		startTime:    time.Now(),
		ttsStartTime: make(map[string]time.Time),
	}
}

// RecordSessionStart records the start of a session
func (m *Metrics) RecordSessionStart() {
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records the end of a session
func (m *Metrics) RecordSessionEnd() {
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordTTSStart records the start of a synthesis for a queue item
func (m *Metrics) RecordTTSStart(itemID string) {
	m.mu.Lock()
	m.ttsStartTime[itemID] = time.Now()
	m.mu.Unlock()
}

// RecordTTSEnd records the end of a synthesis for a queue item
func (m *Metrics) RecordTTSEnd(itemID string, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if start, ok := m.ttsStartTime[itemID]; ok {
		ttsLatency.Observe(time.Since(start).Seconds())
		delete(m.ttsStartTime, itemID)
	}

	status := "success"
	if !success {
		status = "error"
	}
	ttsRequests.WithLabelValues(status).Inc()
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	RecordError(errorType, component)
}

// RecordAudioBytes records audio bytes processed
func (m *Metrics) RecordAudioBytes(source string, bytes int64) {
	audioBytesProcessed.WithLabelValues(source).Add(float64(bytes))
}

// RecordError records an error outside of a session
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordQueueItem counts an item leaving the queue with status
func RecordQueueItem(status string) {
	queueItems.WithLabelValues(status).Inc()
}

// AddQueueLength moves the queue length gauge by delta
func AddQueueLength(delta int) {
	queueLength.Add(float64(delta))
}

// RecordPlaybackStartDelay observes the time from request to first audio
func RecordPlaybackStartDelay(d time.Duration) {
	playbackStartDelay.Observe(d.Seconds())
}

// RecordPrefetch counts a prefetch outcome
func RecordPrefetch(result string) {
	prefetchRequests.WithLabelValues(result).Inc()
}

// RecordVisemeDispatched counts one dispatched viseme
func RecordVisemeDispatched() {
	visemesDispatched.Inc()
}

// RecordDefaultedInput counts a dispatch that hit the no-op input
func RecordDefaultedInput(name string) {
	defaultedInputs.WithLabelValues(name).Inc()
}

// RecordLipSync observes how many of raw visemes survived processing
func RecordLipSync(raw, kept int) {
	if raw == 0 {
		return
	}
	lipSyncReduction.Observe(float64(kept) / float64(raw))
}

// RecordLiveMessage counts a live relay message by type
func RecordLiveMessage(msgType string) {
	liveMessages.WithLabelValues(msgType).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
