package speech

import (
	"context"
	"encoding/binary"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/avatar-speech/internal/errs"
	"github.com/lexiqai/avatar-speech/internal/tts"
	"github.com/lexiqai/avatar-speech/internal/viseme"
)

// fakeSynth holds every fetch until the test releases it
type fakeSynth struct {
	mu    sync.Mutex
	calls []string
	gates map[string]chan error
}

func newFakeSynth() *fakeSynth {
	return &fakeSynth{gates: make(map[string]chan error)}
}

func (f *fakeSynth) gate(text string) chan error {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.gates[text]
	if !ok {
		g = make(chan error, 1)
		f.gates[text] = g
	}
	return g
}

// release lets the fetch for text finish with err (nil for success)
func (f *fakeSynth) release(text string, err error) {
	f.gate(text) <- err
}

func (f *fakeSynth) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeSynth) Synthesize(ctx context.Context, text string, p tts.Params) (tts.Stream, error) {
	f.mu.Lock()
	f.calls = append(f.calls, text)
	f.mu.Unlock()
	return &fakeStream{gate: f.gate(text)}, nil
}

type fakeStream struct {
	gate   chan error
	events []tts.Event
	opened bool
}

func (s *fakeStream) Next(ctx context.Context) (tts.Event, error) {
	if !s.opened {
		select {
		case err := <-s.gate:
			if err != nil {
				return tts.Event{}, err
			}
		case <-ctx.Done():
			return tts.Event{}, errs.CancellationError("fake.stream", ctx.Err())
		}
		s.opened = true
		s.events = testEvents()
	}
	if len(s.events) == 0 {
		return tts.Event{}, io.EOF
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, nil
}

func (s *fakeStream) Close() error { return nil }

// testEvents is 100ms of audio with two visemes
func testEvents() []tts.Event {
	pcm := make([]byte, 4800)
	for i := 0; i < len(pcm); i += 2 {
		binary.LittleEndian.PutUint16(pcm[i:], 100)
	}
	return []tts.Event{
		{Audio: &tts.AudioEvent{ID: 0, Audio: pcm}},
		{Visemes: &tts.VisemeBatch{
			TotalChunks: 1,
			Visemes: []viseme.Viseme{
				{Offset: 0, ID: viseme.Aa},
				{Offset: 50 * time.Millisecond, ID: viseme.PBM},
			},
		}},
	}
}

// fakePlayer records what the manager asks it to play
type fakePlayer struct {
	mu         sync.Mutex
	session    uint64
	loads      [][]viseme.Viseme
	plays      int
	resets     int
	onFinished func(uint64)
}

func (p *fakePlayer) LoadPrefetchedData(vs []viseme.Viseme, ss []viseme.Stress) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.session++
	p.loads = append(p.loads, vs)
	return p.session
}

func (p *fakePlayer) Play() {
	p.mu.Lock()
	p.plays++
	p.mu.Unlock()
}

func (p *fakePlayer) Reset() {
	p.mu.Lock()
	p.session++
	p.resets++
	p.mu.Unlock()
}

func (p *fakePlayer) OnFinished(fn func(uint64)) {
	p.mu.Lock()
	p.onFinished = fn
	p.mu.Unlock()
}

// finish ends the current timeline the way the scheduler does
func (p *fakePlayer) finish() {
	p.mu.Lock()
	fn, session := p.onFinished, p.session
	p.mu.Unlock()
	fn(session)
}

func (p *fakePlayer) Loads() [][]viseme.Viseme {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]viseme.Viseme(nil), p.loads...)
}

type harness struct {
	m      *Manager
	synth  *fakeSynth
	player *fakePlayer

	mu      sync.Mutex
	started []string // texts in OnPlay order
}

func newHarness(t *testing.T, bufferSize int) *harness {
	t.Helper()
	h := &harness{synth: newFakeSynth(), player: &fakePlayer{}}
	m, err := NewManager(h.synth, h.player, Config{
		BufferSize: bufferSize,
		Logger:     zerolog.Nop(),
		OnPlay: func(it Item) {
			h.mu.Lock()
			h.started = append(h.started, it.Text)
			h.mu.Unlock()
		},
	})
	require.NoError(t, err)
	h.m = m
	t.Cleanup(m.Close)
	return h
}

func (h *harness) Started() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.started...)
}

func (h *harness) waitStatus(t *testing.T, id string, want Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		it, ok := h.m.Item(id)
		return ok && it.Status == want
	}, time.Second, time.Millisecond, "item %s never reached %s", id, want)
}

func (h *harness) waitCalls(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(h.synth.Calls()) == n
	}, time.Second, time.Millisecond)
}
