// Package live animates the avatar from a third-party conversation socket.
// Audio and viseme messages from the socket are laid end to end on a
// stream-mode scheduler that never auto-finishes; the speaking flag is set
// by the relay itself because it owns the audio timeline.
package live

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/avatar-speech/internal/audio"
	"github.com/lexiqai/avatar-speech/internal/lipsync"
	"github.com/lexiqai/avatar-speech/internal/observability"
	"github.com/lexiqai/avatar-speech/internal/playback"
	"github.com/lexiqai/avatar-speech/internal/tts"
	"github.com/lexiqai/avatar-speech/internal/viseme"
)

// Options configure a Relay
type Options struct {
	// Gesture fires the gesture input at the start of every bot turn
	Gesture bool

	NaturalLipSync       bool
	NaturalLipSyncConfig lipsync.Config

	// Stress derives the stress channel from each audio event when set
	Stress *audio.StressConfig
	Format audio.Format

	// OnVisemeReceived observes every viseme batch as received
	OnVisemeReceived func([]viseme.Viseme)
	// OnAudio observes every decoded audio event with its timeline offset
	OnAudio func(ev tts.AudioEvent, start time.Duration)

	Clock   playback.Clock
	Logger  zerolog.Logger
	Metrics *observability.Metrics
}

// Counts are the messages handled since the relay was created
type Counts struct {
	Audio  int
	Viseme int
	Other  int
}

// VisemeChunk is one viseme message of the current turn
type VisemeChunk struct {
	Visemes       []viseme.Viseme
	AudioDuration time.Duration
}

// Response is the raw data of the current or last bot turn
type Response struct {
	AudioChunks  []string // base64 as received
	VisemeChunks []VisemeChunk
}

// Relay turns live conversation messages into scheduler input. It is safe
// for concurrent use.
type Relay struct {
	opts   Options
	sched  *playback.Scheduler
	logger zerolog.Logger

	mu           sync.Mutex
	counts       Counts
	lastAudio    *tts.Message
	lastViseme   *tts.Message
	response     Response
	starts       map[int]time.Duration
	durations    map[int]time.Duration
	end          time.Duration
	turnActive   bool
	intercepting bool
}

// NewRelay creates a relay driving sink
func NewRelay(sink playback.InputSink, opts Options) (*Relay, error) {
	if opts.Format.SampleRate == 0 {
		opts.Format = audio.DefaultFormat()
	}
	schedOpts := playback.DefaultOptions()
	schedOpts.Stream = true
	schedOpts.ManualSpeakingStateControl = true
	schedOpts.Logger = opts.Logger
	if opts.Clock != nil {
		schedOpts.Clock = opts.Clock
	}
	if opts.NaturalLipSync {
		cfg := opts.NaturalLipSyncConfig
		if cfg == (lipsync.Config{}) {
			cfg = lipsync.DefaultConfig()
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		schedOpts.LipSync = lipsync.NewProcessor(cfg)
	}

	return &Relay{
		opts:      opts,
		sched:     playback.NewScheduler(sink, schedOpts),
		logger:    opts.Logger.With().Str("component", "live_relay").Logger(),
		starts:    make(map[int]time.Duration),
		durations: make(map[int]time.Duration),
	}, nil
}

// Scheduler returns the stream scheduler so the owner can tick it
func (r *Relay) Scheduler() *playback.Scheduler {
	return r.sched
}

type pong struct {
	Type    string `json:"type"`
	EventID int    `json:"event_id"`
}

// Handle processes one socket message and returns the reply to send back,
// if any. Malformed messages return an error and change nothing.
func (r *Relay) Handle(data []byte) ([]byte, error) {
	m, err := tts.ParseMessage(data)
	if err != nil {
		return nil, err
	}
	observability.RecordLiveMessage(m.Type)

	switch m.Type {
	case tts.MessageAudio:
		ev, err := tts.AudioEventOf(m)
		if err != nil {
			return nil, err
		}
		r.handleAudio(m, *ev)
	case tts.MessageVisemes:
		b, err := tts.VisemeBatchOf(m)
		if err != nil {
			return nil, err
		}
		r.handleVisemes(m, *b)
	case tts.MessagePing:
		id := m.EventID
		if m.PingEvent != nil {
			id = m.PingEvent.EventID
		}
		return json.Marshal(pong{Type: tts.MessagePong, EventID: id})
	case tts.MessageInterruption:
		r.Interrupt()
	default:
		r.mu.Lock()
		r.counts.Other++
		r.mu.Unlock()
	}
	return nil, nil
}

func (r *Relay) handleAudio(m tts.Message, ev tts.AudioEvent) {
	dur := r.opts.Format.Duration(len(ev.Audio))

	r.mu.Lock()
	r.counts.Audio++
	r.lastAudio = &m
	newTurn := r.beginTurnLocked()
	r.response.AudioChunks = append(r.response.AudioChunks, m.AudioEvent.AudioBase64)
	start := r.placeLocked(ev.ID, dur)
	r.mu.Unlock()

	if newTurn {
		r.logger.Debug().Int("event_id", ev.ID).Msg("Bot turn started")
		if r.opts.Gesture {
			r.sched.FireInput(viseme.InputGesture)
		}
	}
	r.setSpeaking(true)

	if r.opts.Metrics != nil {
		r.opts.Metrics.RecordAudioBytes("live", int64(len(ev.Audio)))
	}
	ss := []viseme.Stress{{Offset: start}} // starts the clock for audio without visemes
	if r.opts.Stress != nil {
		env, err := audio.StressEnvelope(ev.Audio, r.opts.Format, *r.opts.Stress)
		if err != nil {
			r.logger.Warn().Err(err).Int("event_id", ev.ID).Msg("Failed to derive stress from live audio")
		} else if len(env) > 0 {
			ss = shiftStress(env, start)
		}
	}
	r.sched.Stress(ss)
	r.sched.Play()

	if r.opts.OnAudio != nil {
		r.opts.OnAudio(ev, start)
	}
}

func (r *Relay) handleVisemes(m tts.Message, b tts.VisemeBatch) {
	r.mu.Lock()
	r.counts.Viseme++
	r.lastViseme = &m
	r.beginTurnLocked()
	r.response.VisemeChunks = append(r.response.VisemeChunks, VisemeChunk{Visemes: b.Visemes, AudioDuration: b.AudioDuration})
	start := r.placeLocked(b.AudioEventID, b.AudioDuration)
	r.mu.Unlock()

	if r.opts.OnVisemeReceived != nil {
		r.opts.OnVisemeReceived(b.Visemes)
	}
	r.sched.Add(viseme.Shift(b.Visemes, start))
	r.sched.Play()
}

// beginTurnLocked starts a bot turn if none is active. It reports whether a
// new turn began.
func (r *Relay) beginTurnLocked() bool {
	if r.turnActive {
		return false
	}
	r.turnActive = true
	r.response = Response{}
	return true
}

// placeLocked returns the timeline offset of audio event id, placing a new
// event after everything queued so far or at the current position if the
// timeline has run dry.
func (r *Relay) placeLocked(id int, dur time.Duration) time.Duration {
	if start, ok := r.starts[id]; ok {
		if dur > r.durations[id] {
			r.durations[id] = dur
			r.end = max(r.end, start+dur)
		}
		return start
	}
	start := max(r.end, r.sched.Position())
	r.starts[id] = start
	r.durations[id] = dur
	r.end = start + dur
	return start
}

func shiftStress(ss []viseme.Stress, d time.Duration) []viseme.Stress {
	out := make([]viseme.Stress, len(ss))
	for i, s := range ss {
		out[i] = viseme.Stress{Offset: s.Offset + d, Value: s.Value}
	}
	return out
}

// Update ends the bot turn once playback has passed the end of the queued
// audio. Call it after every scheduler tick.
func (r *Relay) Update() {
	r.mu.Lock()
	if !r.turnActive || r.sched.Position() < r.end {
		r.mu.Unlock()
		return
	}
	r.turnActive = false
	// ids restart with the next turn
	pos := r.sched.Position()
	for id, start := range r.starts {
		if start+r.durations[id] <= pos {
			delete(r.starts, id)
			delete(r.durations, id)
		}
	}
	r.mu.Unlock()

	r.setSpeaking(false)
	r.logger.Debug().Msg("Bot turn finished")
}

// Interrupt drops everything queued, as when the user talks over the bot
func (r *Relay) Interrupt() {
	r.mu.Lock()
	r.starts = make(map[int]time.Duration)
	r.durations = make(map[int]time.Duration)
	r.end = 0
	r.turnActive = false
	r.mu.Unlock()

	r.sched.Reset()
	r.setSpeaking(false)
	r.logger.Debug().Msg("Live playback interrupted")
}

func (r *Relay) setSpeaking(on bool) {
	if err := r.sched.SetSpeakingStateManually(on); err != nil {
		r.logger.Debug().Err(err).Bool("speaking", on).Msg("Speaking state not set")
	}
}

// Counts returns the message counters
func (r *Relay) Counts() Counts {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts
}

// LastMessages returns the most recent audio and viseme messages
func (r *Relay) LastMessages() (audio, visemes *tts.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastAudio, r.lastViseme
}

// LastResponse returns the raw data of the current or last bot turn
func (r *Relay) LastResponse() Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := Response{
		AudioChunks:  append([]string(nil), r.response.AudioChunks...),
		VisemeChunks: append([]VisemeChunk(nil), r.response.VisemeChunks...),
	}
	return out
}

// Intercepting reports whether a socket is connected
func (r *Relay) Intercepting() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.intercepting
}

func (r *Relay) setIntercepting(v bool) {
	r.mu.Lock()
	r.intercepting = v
	r.mu.Unlock()
}
