// Package speech runs the speech queue: it fetches audio and viseme data for
// queued text, smooths the visemes and hands finished utterances to the
// player strictly in enqueue order.
package speech

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/lexiqai/avatar-speech/internal/errs"
	"github.com/lexiqai/avatar-speech/internal/lipsync"
	"github.com/lexiqai/avatar-speech/internal/observability"
	"github.com/lexiqai/avatar-speech/internal/tts"
	"github.com/lexiqai/avatar-speech/internal/viseme"
)

const (
	defaultPrefetchCacheSize = 64
	defaultHistorySize       = 100
)

// ErrBusy is reported when a preview is requested while speech is playing
var ErrBusy = errors.New("speech is already playing")

// Player plays one resolved timeline at a time. playback.Scheduler
// implements it.
type Player interface {
	LoadPrefetchedData(visemes []viseme.Viseme, stress []viseme.Stress) uint64
	Play()
	Reset()
	OnFinished(fn func(session uint64))
}

// Config configures a Manager
type Config struct {
	DefaultVoice string
	BufferSize   int

	EnableNaturalLipSync bool
	NaturalLipSync       lipsync.Config

	// Collect controls payload reassembly, including the audio stress channel
	Collect tts.CollectOptions

	PrefetchCacheSize int
	HistorySize       int

	Debug   bool
	Logger  zerolog.Logger
	Metrics *observability.Metrics

	// OnChange runs after every observable state change
	OnChange func()
	// OnPlay runs when an item or preview starts playing. Preview payloads
	// are passed with a zero Item ID.
	OnPlay func(Item)
}

// RequestOptions are per-request overrides
type RequestOptions struct {
	Voice string
	TTS   tts.Params
	// Prefetched skips the fetch; the item starts ready
	Prefetched *tts.Payload
}

// Prefetched is a resolved payload that has not been queued
type Prefetched struct {
	Payload  *tts.Payload
	Duration time.Duration
}

// Manager is the speech queue. All methods are safe for concurrent use.
type Manager struct {
	synth  tts.Synthesizer
	player Player
	cfg    Config
	logger zerolog.Logger

	lipSync        *lipsync.Processor
	lipSyncEnabled bool

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	queue        []*item // waiting items in play order
	current      *item
	session      uint64
	bufferSize   int
	lastError    string
	startDelay   time.Duration
	hasDelay     bool
	previewing   bool
	previewSess  uint64
	previewLoads int
	previewGen   uint64 // bumped on every stop
	previewStop  context.CancelFunc
	reportedLen  int

	history  *lru.Cache[string, Item]
	prefetch *lru.Cache[string, *tts.Payload]
}

// NewManager creates a manager that fetches with synth and plays on player
func NewManager(synth tts.Synthesizer, player Player, cfg Config) (*Manager, error) {
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 1
	}
	if cfg.DefaultVoice == "" {
		cfg.DefaultVoice = tts.DefaultVoice
	}
	if cfg.PrefetchCacheSize < 1 {
		cfg.PrefetchCacheSize = defaultPrefetchCacheSize
	}
	if cfg.HistorySize < 1 {
		cfg.HistorySize = defaultHistorySize
	}
	if cfg.NaturalLipSync == (lipsync.Config{}) {
		cfg.NaturalLipSync = lipsync.DefaultConfig()
	}
	if err := cfg.NaturalLipSync.Validate(); err != nil {
		return nil, err
	}

	history, err := lru.New[string, Item](cfg.HistorySize)
	if err != nil {
		return nil, fmt.Errorf("failed to create history cache: %w", err)
	}
	prefetch, err := lru.New[string, *tts.Payload](cfg.PrefetchCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create prefetch cache: %w", err)
	}

	logger := cfg.Logger.With().Str("component", "speech_queue").Logger()
	if !cfg.Debug {
		logger = logger.Level(zerolog.InfoLevel)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		synth:          synth,
		player:         player,
		cfg:            cfg,
		logger:         logger,
		lipSync:        lipsync.NewProcessor(cfg.NaturalLipSync),
		lipSyncEnabled: cfg.EnableNaturalLipSync,
		ctx:            ctx,
		cancel:         cancel,
		bufferSize:     cfg.BufferSize,
		history:        history,
		prefetch:       prefetch,
	}
	player.OnFinished(m.onPlayerFinished)
	return m, nil
}

// Close cancels every fetch and drops the queue. The manager is unusable
// afterwards.
func (m *Manager) Close() {
	m.StopAndClear()
	m.cancel()
}

func (m *Manager) params(opts RequestOptions) tts.Params {
	p := opts.TTS
	if opts.Voice != "" {
		p.Voice = opts.Voice
	}
	if p.Voice == "" {
		p.Voice = m.cfg.DefaultVoice
	}
	return p
}

func cacheKey(text string, p tts.Params) string {
	return strings.Join([]string{
		strings.TrimSpace(text), p.Voice, p.Engine, p.SystemPrompt,
		strconv.FormatFloat(p.Speed, 'f', -1, 64),
	}, "\x00")
}

// AddToQueue queues text and returns the new item id. It never fails
// synchronously: invalid requests show up as an item in error status.
func (m *Manager) AddToQueue(text string, opts RequestOptions) string {
	it := m.enqueue(text, opts, false)
	return it.ID
}

// Speak queues text and waits until it starts playing. When nothing is
// playing the item skips ahead of the queue and is fetched at once. It
// returns false if the item fails, is removed or ctx ends first; the
// failure is available from Error.
func (m *Manager) Speak(ctx context.Context, text string, opts RequestOptions) bool {
	it := m.enqueue(text, opts, true)

	select {
	case <-it.settled:
	case <-ctx.Done():
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return it.Status == StatusPlaying || it.Status == StatusCompleted
}

func (m *Manager) enqueue(text string, opts RequestOptions, speak bool) *item {
	p := m.params(opts)
	it := newItem(uuid.New().String(), text, p, time.Now())

	m.mu.Lock()
	m.lastError = ""

	if err := validateRequest(text, p); err != nil {
		m.failLocked(it, err)
		m.mu.Unlock()
		m.emit(nil)
		return it
	}

	payload := opts.Prefetched
	if payload == nil {
		if cached, ok := m.prefetch.Get(cacheKey(text, p)); ok {
			payload = cached
			observability.RecordPrefetch("hit")
		}
	}
	if payload != nil {
		it.Status = StatusReady
		it.Payload = payload
	}

	if speak && m.current == nil && !m.previewing {
		it.immediate = true
		m.queue = append([]*item{it}, m.queue...)
	} else {
		m.queue = append(m.queue, it)
	}
	m.logger.Debug().
		Str("item_id", it.ID).
		Str("voice", p.Voice).
		Str("status", it.Status.String()).
		Bool("immediate", it.immediate).
		Msg("Item queued")

	started := m.pumpLocked()
	m.mu.Unlock()
	m.emit(started)
	return it
}

func validateRequest(text string, p tts.Params) error {
	if strings.TrimSpace(text) == "" {
		return errs.ValidationError("speech.enqueue", "text is empty")
	}
	if !tts.ValidVoiceID(p.Voice) {
		return errs.ValidationError("speech.enqueue", "invalid voice id %q", p.Voice)
	}
	return nil
}

// pumpLocked promotes the head of the queue when the player is free and
// starts fetches up to the buffer size. It returns the items that started
// playing.
func (m *Manager) pumpLocked() []Item {
	var started []Item
	if m.current == nil && !m.previewing && len(m.queue) > 0 && m.queue[0].Status == StatusReady {
		it := m.queue[0]
		m.queue = m.queue[1:]
		m.playLocked(it)
		started = append(started, it.snapshot())
	}

	inFlight := 0
	for _, it := range m.queue {
		if it.Status == StatusFetching || it.Status == StatusReady {
			inFlight++
		}
	}
	for _, it := range m.queue {
		if it.Status != StatusPending {
			continue
		}
		if inFlight >= m.bufferSize && !it.immediate {
			break
		}
		m.startFetchLocked(it)
		inFlight++
	}

	m.syncGaugeLocked()
	return started
}

func (m *Manager) playLocked(it *item) {
	it.Status = StatusPlaying
	m.current = it
	m.session = m.player.LoadPrefetchedData(it.Payload.Visemes, it.Payload.Stress)
	m.player.Play()

	delay := time.Since(it.Timestamp)
	m.startDelay, m.hasDelay = delay, true
	observability.RecordPlaybackStartDelay(delay)
	it.settle()

	m.logger.Debug().
		Str("item_id", it.ID).
		Uint64("session", m.session).
		Dur("start_delay", delay).
		Msg("Item playing")
}

func (m *Manager) startFetchLocked(it *item) {
	ctx, cancel := context.WithCancel(m.ctx)
	it.Status = StatusFetching
	it.cancel = cancel
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.RecordTTSStart(it.ID)
	}
	go m.fetch(ctx, it)
}

func (m *Manager) fetch(ctx context.Context, it *item) {
	payload, err := m.load(ctx, it.Text, it.Params)
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.RecordTTSEnd(it.ID, err == nil)
	}

	m.mu.Lock()
	// a removed item never comes back
	if it.Status != StatusFetching || !m.queuedLocked(it) {
		m.mu.Unlock()
		return
	}
	it.cancel = nil
	if err != nil {
		m.queue = removeItem(m.queue, it)
		m.failLocked(it, err)
	} else {
		it.Status = StatusReady
		it.Payload = payload
		m.logger.Debug().Str("item_id", it.ID).Dur("duration", payload.Duration).Msg("Item ready")
	}
	started := m.pumpLocked()
	m.mu.Unlock()
	m.emit(started)
}

// load fetches and post-processes one payload
func (m *Manager) load(ctx context.Context, text string, p tts.Params) (*tts.Payload, error) {
	payload, err := tts.Fetch(ctx, m.synth, text, p, m.cfg.Collect)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	enabled, proc := m.lipSyncEnabled, m.lipSync
	m.mu.Unlock()
	if enabled {
		raw := len(payload.Visemes)
		out := *payload
		out.Visemes = proc.Process(payload.Visemes)
		observability.RecordLipSync(raw, len(out.Visemes))
		payload = &out
	}
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.RecordAudioBytes("tts", int64(len(payload.Audio)))
	}
	return payload, nil
}

func (m *Manager) queuedLocked(it *item) bool {
	for _, q := range m.queue {
		if q == it {
			return true
		}
	}
	return false
}

func removeItem(items []*item, it *item) []*item {
	for i, q := range items {
		if q == it {
			return append(items[:i:i], items[i+1:]...)
		}
	}
	return items
}

// failLocked ends it in error status
func (m *Manager) failLocked(it *item, err error) {
	it.stop()
	it.Status = StatusError
	it.Error = err.Error()
	m.lastError = err.Error()
	m.history.Add(it.ID, it.snapshot())
	observability.RecordQueueItem(StatusError.String())
	observability.RecordError(errs.KindOf(err).String(), "speech_queue")
	it.settle()
	m.logger.Warn().Err(err).Str("item_id", it.ID).Msg("Item failed")
}

// completeLocked ends the playing item. note records a playback problem
// without turning the item into an error.
func (m *Manager) completeLocked(note string) {
	it := m.current
	if it == nil {
		return
	}
	m.current = nil
	it.Status = StatusCompleted
	it.Error = note
	m.history.Add(it.ID, it.snapshot())
	observability.RecordQueueItem(StatusCompleted.String())
	it.settle()
	m.logger.Debug().Str("item_id", it.ID).Msg("Item completed")
}

// onPlayerFinished may be called from inside player methods, so it never
// takes the manager lock on the caller's goroutine.
func (m *Manager) onPlayerFinished(session uint64) {
	go m.finished(session)
}

func (m *Manager) finished(session uint64) {
	m.mu.Lock()
	switch {
	case m.current != nil && session == m.session:
		m.completeLocked("")
	case m.previewing && session == m.previewSess:
		m.previewing = false
	default:
		m.mu.Unlock()
		return
	}
	started := m.pumpLocked()
	m.mu.Unlock()
	m.emit(started)
}

// PlaybackFailed stops the playing item after a playback-side failure such
// as undecodable audio. The item completes with err attached and the next
// ready item is promoted. It reports false and does nothing unless id is
// the playing item.
func (m *Manager) PlaybackFailed(id string, err error) bool {
	m.mu.Lock()
	if m.current == nil || m.current.ID != id {
		m.mu.Unlock()
		return false
	}
	m.player.Reset()
	m.lastError = err.Error()
	observability.RecordError(errs.KindOf(err).String(), "playback")
	m.completeLocked(err.Error())
	started := m.pumpLocked()
	m.mu.Unlock()
	m.emit(started)
	return true
}

// ClearQueue removes every item that is not playing and cancels their
// fetches. Current playback continues.
func (m *Manager) ClearQueue() {
	m.mu.Lock()
	m.clearLocked()
	m.syncGaugeLocked()
	m.mu.Unlock()
	m.emit(nil)
}

func (m *Manager) clearLocked() {
	for _, it := range m.queue {
		it.stop()
		it.settle()
		observability.RecordQueueItem("removed")
	}
	if len(m.queue) > 0 {
		m.logger.Debug().Int("removed", len(m.queue)).Msg("Queue cleared")
	}
	m.queue = nil
}

// StopSpeaking stops the current item or preview. Queued items continue.
func (m *Manager) StopSpeaking() {
	m.mu.Lock()
	m.stopLocked()
	started := m.pumpLocked()
	m.mu.Unlock()
	m.emit(started)
}

func (m *Manager) stopLocked() {
	m.previewGen++
	if m.previewStop != nil {
		m.previewStop()
		m.previewStop = nil
	}
	if m.current == nil && !m.previewing {
		return
	}
	m.player.Reset()
	m.previewing = false
	m.completeLocked("")
}

// StopAndClear stops playback and empties the queue. The player is idle
// when it returns.
func (m *Manager) StopAndClear() {
	m.mu.Lock()
	m.clearLocked()
	m.stopLocked()
	m.syncGaugeLocked()
	m.mu.Unlock()
	m.emit(nil)
}

// PrefetchAudio resolves a payload without queuing it. The result is cached
// and reused by later requests with the same text and voice. It returns nil
// on any failure.
func (m *Manager) PrefetchAudio(ctx context.Context, text string, opts RequestOptions) *Prefetched {
	p := m.params(opts)
	if err := validateRequest(text, p); err != nil {
		observability.RecordPrefetch("error")
		return nil
	}
	key := cacheKey(text, p)
	if payload, ok := m.prefetch.Get(key); ok {
		observability.RecordPrefetch("hit")
		return &Prefetched{Payload: payload, Duration: payload.Duration}
	}

	payload, err := m.load(ctx, text, p)
	if err != nil {
		observability.RecordPrefetch("error")
		m.logger.Warn().Err(err).Msg("Prefetch failed")
		return nil
	}
	observability.RecordPrefetch("miss")
	m.prefetch.Add(key, payload)
	return &Prefetched{Payload: payload, Duration: payload.Duration}
}

// PreviewVoice synthesizes text with voiceID and plays it without touching
// the queue. Queue promotion waits until the preview ends. It fails while
// queued speech is playing.
func (m *Manager) PreviewVoice(ctx context.Context, text, voiceID string) bool {
	p := tts.Params{Voice: voiceID}
	fail := func(err error) bool {
		m.mu.Lock()
		m.lastError = err.Error()
		m.mu.Unlock()
		m.emit(nil)
		return false
	}
	if err := validateRequest(text, p); err != nil {
		return fail(err)
	}

	m.mu.Lock()
	if m.current != nil || m.previewing || m.previewStop != nil {
		m.mu.Unlock()
		return fail(errs.ValidationError("speech.preview", "%v", ErrBusy))
	}
	m.lastError = ""
	m.previewLoads++
	gen := m.previewGen
	fetchCtx, cancel := context.WithCancel(m.ctx)
	m.previewStop = cancel
	m.mu.Unlock()
	m.emit(nil)

	detach := context.AfterFunc(ctx, cancel)
	payload, err := m.load(fetchCtx, text, p)
	detach()
	cancel()

	m.mu.Lock()
	m.previewLoads--
	if gen != m.previewGen {
		// stopped while fetching
		m.mu.Unlock()
		m.emit(nil)
		return false
	}
	m.previewStop = nil
	if err == nil && (m.current != nil || m.previewing) {
		err = errs.ValidationError("speech.preview", "%v", ErrBusy)
	}
	if err != nil {
		m.mu.Unlock()
		return fail(err)
	}
	m.previewing = true
	m.previewSess = m.player.LoadPrefetchedData(payload.Visemes, payload.Stress)
	m.player.Play()
	m.mu.Unlock()

	m.emit([]Item{{Text: text, Voice: voiceID, Params: p, Status: StatusPlaying, Payload: payload}})
	return true
}

// SetBufferSize changes how many items may be fetching or ready ahead of
// the playing one. It applies to items fetched from now on.
func (m *Manager) SetBufferSize(n int) error {
	if n < 1 {
		return errs.ValidationError("speech.set_buffer_size", "buffer size must be at least 1, got %d", n)
	}
	m.mu.Lock()
	m.bufferSize = n
	started := m.pumpLocked()
	m.mu.Unlock()
	m.emit(started)
	return nil
}

// SetNaturalLipSync toggles smoothing for payloads fetched from now on
func (m *Manager) SetNaturalLipSync(enabled bool, cfg lipsync.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.lipSyncEnabled = enabled
	m.lipSync.UpdateConfig(cfg)
	m.mu.Unlock()
	return nil
}

// NaturalLipSync returns the current smoothing settings
func (m *Manager) NaturalLipSync() (enabled bool, cfg lipsync.Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lipSyncEnabled, m.lipSync.Config()
}

func (m *Manager) syncGaugeLocked() {
	n := len(m.queue)
	if m.current != nil {
		n++
	}
	if n != m.reportedLen {
		observability.AddQueueLength(n - m.reportedLen)
		m.reportedLen = n
	}
}

// emit runs the callbacks outside the lock
func (m *Manager) emit(started []Item) {
	if m.cfg.OnPlay != nil {
		for _, it := range started {
			m.cfg.OnPlay(it)
		}
	}
	if m.cfg.OnChange != nil {
		m.cfg.OnChange()
	}
}
