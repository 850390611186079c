// Package playback drives renderer inputs from a viseme/stress timeline while
// a clock advances.
//
// A Scheduler owns one utterance at a time. On every Tick it dispatches, in
// offset order, each event whose offset has been crossed since the previous
// tick, so a late tick fires everything it missed and nothing fires twice.
package playback

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/avatar-speech/internal/errs"
	"github.com/lexiqai/avatar-speech/internal/lipsync"
	"github.com/lexiqai/avatar-speech/internal/observability"
	"github.com/lexiqai/avatar-speech/internal/viseme"
)

// State of the scheduler
type State int

const (
	StateIdle State = iota
	StateLoaded
	StatePlaying
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateLoaded:
		return "loaded"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	default:
		return "idle"
	}
}

// Clock is the scheduler's time source
type Clock interface {
	Now() time.Time
}

// SystemClock reads the monotonic wall clock
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Options configure a Scheduler
type Options struct {
	// Stream keeps the scheduler playing when the timeline runs out and
	// ignores empty batches, for callers that deliver an utterance piecewise.
	Stream bool

	// SetSpeakingState asserts the speaking input between the first and last
	// scheduled event.
	SetSpeakingState bool

	// ManualSpeakingStateControl hands the speaking input to the caller.
	// Automatic assertions are suppressed.
	ManualSpeakingStateControl bool

	// LipSync, when set, smooths every batch passed to Add
	LipSync *lipsync.Processor

	Clock  Clock
	Logger zerolog.Logger
}

// DefaultOptions returns automatic speaking state on the system clock
func DefaultOptions() Options {
	return Options{
		SetSpeakingState: true,
		Clock:            SystemClock{},
		Logger:           zerolog.Nop(),
	}
}

// Stats counts dispatch activity since the scheduler was created
type Stats struct {
	Dispatched      int // viseme cues fired by ticks
	StressUpdates   int
	DefaultedInputs int // lookups that fell back to DefaultInput
}

// Scheduler plays one timeline against an InputSink. All methods are safe
// for concurrent use.
type Scheduler struct {
	mu     sync.Mutex
	opts   Options
	sink   InputSink
	logger zerolog.Logger

	state    State
	visemes  []viseme.Viseme
	stress   []viseme.Stress
	vCursor  int
	sCursor  int
	position time.Duration // valid while not playing
	anchor   time.Time     // clock time of offset 0 while playing
	speaking bool
	session  uint64
	stats    Stats

	onFinished func(session uint64)
}

// NewScheduler creates an idle scheduler that drives sink
func NewScheduler(sink InputSink, opts Options) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	return &Scheduler{
		opts:   opts,
		sink:   sink,
		logger: opts.Logger.With().Str("component", "scheduler").Logger(),
	}
}

// OnFinished registers fn to run when a non-stream timeline plays out. fn
// receives the session that finished and is called without locks held.
func (s *Scheduler) OnFinished(fn func(session uint64)) {
	s.mu.Lock()
	s.onFinished = fn
	s.mu.Unlock()
}

// SetSink swaps the renderer input sink
func (s *Scheduler) SetSink(sink InputSink) {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

// Add appends visemes to the current utterance. With stream mode off an
// empty batch marks the end of the utterance and resets the scheduler; with
// stream mode on empty batches are ignored.
func (s *Scheduler) Add(batch []viseme.Viseme) {
	if len(batch) == 0 {
		if !s.opts.Stream {
			s.Reset()
		}
		return
	}
	if s.opts.LipSync != nil {
		raw := len(batch)
		batch = s.opts.LipSync.Process(batch)
		observability.RecordLipSync(raw, len(batch))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// only the undispatched tail is reordered
	n := len(s.visemes)
	tail := append(s.visemes[s.vCursor:n:n], batch...)
	s.visemes = append(s.visemes[:s.vCursor:s.vCursor], viseme.Sorted(tail)...)
	if s.state == StateIdle {
		s.state = StateLoaded
	}
}

// Stress appends cues to the secondary channel
func (s *Scheduler) Stress(batch []viseme.Stress) {
	if len(batch) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.stress)
	tail := append(s.stress[s.sCursor:n:n], batch...)
	s.stress = append(s.stress[:s.sCursor:s.sCursor], viseme.SortedStress(tail)...)
	if s.state == StateIdle {
		s.state = StateLoaded
	}
}

// LoadPrefetchedData replaces the timeline with a fully resolved one and
// returns the new session number. The scheduler is left Loaded at offset 0.
func (s *Scheduler) LoadPrefetchedData(visemes []viseme.Viseme, stress []viseme.Stress) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clearLocked()
	s.visemes = viseme.Sorted(visemes)
	s.stress = viseme.SortedStress(stress)
	if len(s.visemes) > 0 || len(s.stress) > 0 {
		s.state = StateLoaded
	}
	return s.session
}

// Play starts or resumes the clock. It does nothing when already playing or
// when no data is loaded.
func (s *Scheduler) Play() {
	s.mu.Lock()
	if s.state != StateLoaded && s.state != StatePaused {
		s.mu.Unlock()
		return
	}
	s.anchor = s.opts.Clock.Now().Add(-s.position)
	s.state = StatePlaying
	s.logger.Debug().Uint64("session", s.session).Dur("position", s.position).Msg("Playback started")
	finished, fn, session := s.tickLocked()
	s.mu.Unlock()

	if finished && fn != nil {
		fn(session)
	}
}

// Pause stops the clock and keeps the position. Events crossed up to now are
// dispatched first.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	if s.state != StatePlaying {
		s.mu.Unlock()
		return
	}
	finished, fn, session := s.tickLocked()
	if !finished {
		s.position = s.currentLocked()
		s.state = StatePaused
		s.updateSpeakingLocked(false)
	}
	s.mu.Unlock()

	if finished && fn != nil {
		fn(session)
	}
}

// Seek moves to offset, clamped to [0, last event offset]. The inputs are
// set to the state they would have at offset: the active viseme fires, the
// stress value is applied and the speaking flag is re-evaluated. Events after
// offset dispatch normally once the clock runs.
func (s *Scheduler) Seek(offset time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateIdle {
		return
	}
	offset = max(0, min(offset, s.lastOffsetLocked()))

	s.vCursor = sort.Search(len(s.visemes), func(i int) bool { return s.visemes[i].Offset > offset })
	s.sCursor = sort.Search(len(s.stress), func(i int) bool { return s.stress[i].Offset > offset })

	if s.vCursor > 0 {
		s.fireVisemeLocked(s.visemes[s.vCursor-1].ID)
	}
	if s.sCursor > 0 {
		s.setStressLocked(s.stress[s.sCursor-1].Value)
	} else if len(s.stress) > 0 {
		s.setStressLocked(0)
	}

	s.position = offset
	if s.state == StatePlaying {
		s.anchor = s.opts.Clock.Now().Add(-offset)
	}
	s.updateSpeakingLocked(s.state == StatePlaying && s.inSpanLocked(offset))
}

// Reset clears the timeline, stops the clock and returns to Idle
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked()
}

func (s *Scheduler) clearLocked() {
	s.visemes = nil
	s.stress = nil
	s.vCursor, s.sCursor = 0, 0
	s.position = 0
	s.state = StateIdle
	s.session++
	s.updateSpeakingLocked(false)
}

// Tick dispatches every event crossed since the previous tick
func (s *Scheduler) Tick() {
	s.mu.Lock()
	finished, fn, session := s.tickLocked()
	s.mu.Unlock()

	if finished && fn != nil {
		fn(session)
	}
}

// Run ticks every interval until ctx is done
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

func (s *Scheduler) tickLocked() (finished bool, fn func(uint64), session uint64) {
	if s.state != StatePlaying {
		return false, nil, 0
	}
	pos := s.currentLocked()

	for {
		nextV := s.vCursor < len(s.visemes) && s.visemes[s.vCursor].Offset <= pos
		nextS := s.sCursor < len(s.stress) && s.stress[s.sCursor].Offset <= pos
		if !nextV && !nextS {
			break
		}
		if nextV && (!nextS || s.visemes[s.vCursor].Offset <= s.stress[s.sCursor].Offset) {
			s.fireVisemeLocked(s.visemes[s.vCursor].ID)
			s.stats.Dispatched++
			observability.RecordVisemeDispatched()
			s.vCursor++
			continue
		}
		s.setStressLocked(s.stress[s.sCursor].Value)
		s.stats.StressUpdates++
		s.sCursor++
	}

	exhausted := s.vCursor == len(s.visemes) && s.sCursor == len(s.stress)
	if !exhausted || s.opts.Stream {
		s.updateSpeakingLocked(s.inSpanLocked(pos))
		return false, nil, 0
	}

	session = s.session
	s.logger.Debug().Uint64("session", session).Dur("position", pos).Msg("Timeline finished")
	s.visemes, s.stress = nil, nil
	s.vCursor, s.sCursor = 0, 0
	s.position = 0
	s.state = StateIdle
	s.updateSpeakingLocked(false)
	return true, s.onFinished, session
}

func (s *Scheduler) currentLocked() time.Duration {
	if s.state != StatePlaying {
		return s.position
	}
	return s.opts.Clock.Now().Sub(s.anchor)
}

func (s *Scheduler) firstOffsetLocked() time.Duration {
	first := time.Duration(-1)
	if len(s.visemes) > 0 {
		first = s.visemes[0].Offset
	}
	if len(s.stress) > 0 && (first < 0 || s.stress[0].Offset < first) {
		first = s.stress[0].Offset
	}
	return first
}

func (s *Scheduler) lastOffsetLocked() time.Duration {
	var last time.Duration
	if n := len(s.visemes); n > 0 {
		last = s.visemes[n-1].Offset
	}
	if n := len(s.stress); n > 0 && s.stress[n-1].Offset > last {
		last = s.stress[n-1].Offset
	}
	return last
}

// inSpanLocked reports whether pos lies between the first and last event
func (s *Scheduler) inSpanLocked(pos time.Duration) bool {
	first := s.firstOffsetLocked()
	return first >= 0 && pos >= first && pos < s.lastOffsetLocked()
}

func (s *Scheduler) updateSpeakingLocked(speaking bool) {
	if !s.opts.SetSpeakingState || s.opts.ManualSpeakingStateControl {
		return
	}
	s.writeSpeakingLocked(speaking)
}

func (s *Scheduler) writeSpeakingLocked(speaking bool) {
	if s.speaking == speaking {
		return
	}
	s.speaking = speaking
	s.inputLocked(viseme.InputSpeaking).SetBool(speaking)
}

func (s *Scheduler) fireVisemeLocked(id viseme.ID) {
	name, ok := viseme.MouthInput(id)
	if !ok {
		name = id.String()
	}
	s.inputLocked(name).Fire()
}

func (s *Scheduler) setStressLocked(v float64) {
	s.inputLocked(viseme.InputStress).SetNumber(v)
}

func (s *Scheduler) inputLocked(name string) Input {
	in, resolved := Resolve(s.sink, name)
	if !resolved {
		s.stats.DefaultedInputs++
		observability.RecordDefaultedInput(name)
		s.logger.Debug().Str("input", name).Msg("Renderer input missing, using default")
	}
	return in
}

// FireInput fires a named trigger input such as a gesture. It reports
// whether the renderer had the input.
func (s *Scheduler) FireInput(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, resolved := Resolve(s.sink, name)
	if !resolved {
		s.stats.DefaultedInputs++
		observability.RecordDefaultedInput(name)
	}
	in.Fire()
	return resolved
}

// SetSpeakingStateManually sets the speaking input. It fails unless manual
// speaking state control is enabled.
func (s *Scheduler) SetSpeakingStateManually(speaking bool) error {
	if !s.opts.ManualSpeakingStateControl {
		return errs.ValidationError("playback.set_speaking_state", "manual speaking state control is disabled")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeSpeakingLocked(speaking)
	return nil
}

// GetSpeakingState returns the last value written to the speaking input
func (s *Scheduler) GetSpeakingState() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

// IsManualSpeakingStateControlEnabled reports whether the caller owns the
// speaking input
func (s *Scheduler) IsManualSpeakingStateControlEnabled() bool {
	return s.opts.ManualSpeakingStateControl
}

// State returns the current state
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Position returns the current timeline offset
func (s *Scheduler) Position() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentLocked()
}

// Session returns the current session number. It changes on every load and
// reset.
func (s *Scheduler) Session() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// Stats returns dispatch counters
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
