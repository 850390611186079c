package speech

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/avatar-speech/internal/errs"
	"github.com/lexiqai/avatar-speech/internal/lipsync"
	"github.com/lexiqai/avatar-speech/internal/tts"
	"github.com/lexiqai/avatar-speech/internal/viseme"
)

func TestManager_PlaysInEnqueueOrder(t *testing.T) {
	h := newHarness(t, 2)

	hello := h.m.AddToQueue("Hello", RequestOptions{})
	world := h.m.AddToQueue("World", RequestOptions{})
	h.waitCalls(t, 2)

	// World resolves first but must wait for Hello
	h.synth.release("World", nil)
	h.waitStatus(t, world, StatusReady)
	_, playing := h.m.CurrentItem()
	assert.False(t, playing)

	h.synth.release("Hello", nil)
	h.waitStatus(t, hello, StatusPlaying)
	h.waitStatus(t, world, StatusReady)

	h.player.finish()
	h.waitStatus(t, hello, StatusCompleted)
	h.waitStatus(t, world, StatusPlaying)

	h.player.finish()
	h.waitStatus(t, world, StatusCompleted)
	assert.Equal(t, []string{"Hello", "World"}, h.Started())
	assert.False(t, h.m.IsProcessingQueue())
}

func TestManager_FIFOAndSinglePlaying(t *testing.T) {
	h := newHarness(t, 5)

	var ids []string
	var texts []string
	for i := 0; i < 5; i++ {
		text := fmt.Sprintf("item %d", i)
		texts = append(texts, text)
		ids = append(ids, h.m.AddToQueue(text, RequestOptions{}))
	}
	h.waitCalls(t, 5)

	for i := len(texts) - 1; i >= 0; i-- {
		h.synth.release(texts[i], nil)
	}

	for i, id := range ids {
		h.waitStatus(t, id, StatusPlaying)

		playing := 0
		for _, it := range h.m.Queue() {
			if it.Status == StatusPlaying {
				playing++
			}
		}
		assert.Equal(t, 1, playing)
		for _, later := range ids[i+1:] {
			it, _ := h.m.Item(later)
			assert.NotEqual(t, StatusPlaying, it.Status)
		}
		h.player.finish()
	}
	assert.Equal(t, texts, h.Started())
}

func TestManager_FullBufferLeavesItemPending(t *testing.T) {
	h := newHarness(t, 1)

	a := h.m.AddToQueue("A", RequestOptions{})
	b := h.m.AddToQueue("B", RequestOptions{})
	h.waitCalls(t, 1)

	it, _ := h.m.Item(b)
	assert.Equal(t, StatusPending, it.Status)
	assert.Equal(t, []string{"A"}, h.synth.Calls())

	h.synth.release("A", nil)
	h.waitStatus(t, a, StatusPlaying)
	h.waitStatus(t, b, StatusFetching)
	h.waitCalls(t, 2)
}

func TestManager_FailedFetchSkipsToNextReady(t *testing.T) {
	h := newHarness(t, 2)

	a := h.m.AddToQueue("A", RequestOptions{})
	b := h.m.AddToQueue("B", RequestOptions{})
	h.waitCalls(t, 2)

	h.synth.release("B", nil)
	h.waitStatus(t, b, StatusReady)

	h.synth.release("A", errs.NetworkError("fake.fetch", errors.New("connection refused")))
	h.waitStatus(t, a, StatusError)
	h.waitStatus(t, b, StatusPlaying)

	it, ok := h.m.Item(a)
	require.True(t, ok)
	assert.Contains(t, it.Error, "connection refused")
	assert.Contains(t, h.m.Error(), "connection refused")
	assert.Equal(t, 1, h.m.QueueLength())
}

func TestManager_StopAndClearCancelsFetches(t *testing.T) {
	h := newHarness(t, 2)

	a := h.m.AddToQueue("A", RequestOptions{})
	b := h.m.AddToQueue("B", RequestOptions{})
	h.waitCalls(t, 2)
	assert.True(t, h.m.IsLoading())

	h.m.StopAndClear()
	assert.Empty(t, h.m.Queue())
	assert.False(t, h.m.IsSpeaking())

	// late results must not bring the items back
	h.synth.release("A", nil)
	h.synth.release("B", nil)
	time.Sleep(20 * time.Millisecond)

	assert.Empty(t, h.m.Queue())
	assert.Empty(t, h.player.Loads())
	_, ok := h.m.Item(a)
	assert.False(t, ok)
	_, ok = h.m.Item(b)
	assert.False(t, ok)
}

func TestManager_StopSpeakingContinuesQueue(t *testing.T) {
	h := newHarness(t, 2)

	a := h.m.AddToQueue("A", RequestOptions{})
	b := h.m.AddToQueue("B", RequestOptions{})
	h.synth.release("A", nil)
	h.synth.release("B", nil)
	h.waitStatus(t, a, StatusPlaying)
	h.waitStatus(t, b, StatusReady)

	h.m.StopSpeaking()
	h.waitStatus(t, a, StatusCompleted)
	h.waitStatus(t, b, StatusPlaying)
	h.player.mu.Lock()
	assert.Equal(t, 1, h.player.resets)
	h.player.mu.Unlock()
}

func TestManager_ClearQueueKeepsPlayback(t *testing.T) {
	h := newHarness(t, 2)

	a := h.m.AddToQueue("A", RequestOptions{})
	h.m.AddToQueue("B", RequestOptions{})
	h.synth.release("A", nil)
	h.waitStatus(t, a, StatusPlaying)

	h.m.ClearQueue()
	queue := h.m.Queue()
	require.Len(t, queue, 1)
	assert.Equal(t, a, queue[0].ID)
	assert.True(t, h.m.IsSpeaking())
}

func TestManager_Speak(t *testing.T) {
	t.Run("plays when idle", func(t *testing.T) {
		h := newHarness(t, 1)

		// A holds the only buffer slot; Speak jumps ahead anyway
		h.m.AddToQueue("A", RequestOptions{})
		h.waitCalls(t, 1)

		done := make(chan bool, 1)
		go func() { done <- h.m.Speak(context.Background(), "now", RequestOptions{}) }()
		h.waitCalls(t, 2)
		h.synth.release("now", nil)

		select {
		case ok := <-done:
			assert.True(t, ok)
		case <-time.After(time.Second):
			t.Fatal("Speak did not return")
		}
		assert.Equal(t, []string{"now"}, h.Started())
	})

	t.Run("reports failure", func(t *testing.T) {
		h := newHarness(t, 1)
		h.synth.release("boom", errs.NetworkError("fake.fetch", errors.New("status 500")))

		ok := h.m.Speak(context.Background(), "boom", RequestOptions{})
		assert.False(t, ok)
		assert.Contains(t, h.m.Error(), "status 500")
	})

	t.Run("rejects empty text", func(t *testing.T) {
		h := newHarness(t, 1)
		assert.False(t, h.m.Speak(context.Background(), "  ", RequestOptions{}))
		assert.NotEmpty(t, h.m.Error())
		assert.Empty(t, h.synth.Calls())
	})

	t.Run("context ends first", func(t *testing.T) {
		h := newHarness(t, 1)
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		assert.False(t, h.m.Speak(ctx, "slow", RequestOptions{}))
	})
}

func TestManager_AddToQueueInvalid(t *testing.T) {
	h := newHarness(t, 1)

	id := h.m.AddToQueue("hi", RequestOptions{Voice: "not a voice"})
	it, ok := h.m.Item(id)
	require.True(t, ok)
	assert.Equal(t, StatusError, it.Status)
	assert.Contains(t, it.Error, "invalid voice id")
	assert.Empty(t, h.m.Queue())
}

func TestManager_DefaultVoice(t *testing.T) {
	h := newHarness(t, 1)

	id := h.m.AddToQueue("hi", RequestOptions{})
	it, _ := h.m.Item(id)
	assert.Equal(t, tts.DefaultVoice, it.Voice)

	id = h.m.AddToQueue("hi", RequestOptions{Voice: tts.BritishFemaleEmma, TTS: tts.Params{Engine: "kokoro", Speed: 1.1}})
	it, _ = h.m.Item(id)
	assert.Equal(t, tts.BritishFemaleEmma, it.Params.Voice)
	assert.Equal(t, "kokoro", it.Params.Engine)
}

func TestManager_Prefetch(t *testing.T) {
	h := newHarness(t, 1)
	h.synth.release("cached", nil)

	p := h.m.PrefetchAudio(context.Background(), "cached", RequestOptions{})
	require.NotNil(t, p)
	assert.Equal(t, 100*time.Millisecond, p.Duration)
	assert.Empty(t, h.m.Queue())

	again := h.m.PrefetchAudio(context.Background(), "cached", RequestOptions{})
	require.NotNil(t, again)
	assert.Same(t, p.Payload, again.Payload)

	// the cached payload is used without another fetch
	id := h.m.AddToQueue("cached", RequestOptions{})
	h.waitStatus(t, id, StatusPlaying)
	assert.Equal(t, []string{"cached"}, h.synth.Calls())
}

func TestManager_PrefetchFailure(t *testing.T) {
	h := newHarness(t, 1)
	h.synth.release("bad", errs.DecodeError("fake.fetch", errors.New("garbled")))

	assert.Nil(t, h.m.PrefetchAudio(context.Background(), "bad", RequestOptions{}))
	assert.Nil(t, h.m.PrefetchAudio(context.Background(), "", RequestOptions{}))
}

func TestManager_PrefetchedHandOver(t *testing.T) {
	h := newHarness(t, 1)
	payload := &tts.Payload{
		Visemes:  []viseme.Viseme{{Offset: 0, ID: viseme.Ow}},
		Duration: 10 * time.Millisecond,
	}

	id := h.m.AddToQueue("given", RequestOptions{Prefetched: payload})
	h.waitStatus(t, id, StatusPlaying)
	assert.Empty(t, h.synth.Calls())
	assert.Equal(t, payload.Visemes, h.player.Loads()[0])
}

func TestManager_PreviewVoice(t *testing.T) {
	h := newHarness(t, 1)
	h.synth.release("preview", nil)

	require.True(t, h.m.PreviewVoice(context.Background(), "preview", tts.AmericanFemaleNova))
	assert.True(t, h.m.IsSpeaking())
	assert.Empty(t, h.m.Queue())

	// queued speech waits for the preview
	a := h.m.AddToQueue("A", RequestOptions{})
	h.synth.release("A", nil)
	h.waitStatus(t, a, StatusReady)

	h.player.finish()
	h.waitStatus(t, a, StatusPlaying)

	// no preview while queued speech plays
	assert.False(t, h.m.PreviewVoice(context.Background(), "preview", tts.AmericanFemaleNova))
	assert.Contains(t, h.m.Error(), ErrBusy.Error())

	assert.False(t, h.m.PreviewVoice(context.Background(), "x", ""))
}

func TestManager_StopAndClearDropsPendingPreview(t *testing.T) {
	h := newHarness(t, 1)

	done := make(chan bool, 1)
	go func() {
		done <- h.m.PreviewVoice(context.Background(), "preview", tts.AmericanFemaleNova)
	}()
	h.waitCalls(t, 1)

	h.m.StopAndClear()
	h.synth.release("preview", nil)

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("preview never returned")
	}
	assert.False(t, h.m.IsSpeaking())
	assert.Empty(t, h.player.Loads())
	h.player.mu.Lock()
	assert.Zero(t, h.player.plays)
	h.player.mu.Unlock()
	assert.Empty(t, h.m.Error())

	// a new preview is accepted afterwards
	h.synth.release("again", nil)
	assert.True(t, h.m.PreviewVoice(context.Background(), "again", tts.AmericanFemaleNova))
}

func TestManager_PreviewCancelledByCaller(t *testing.T) {
	h := newHarness(t, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)
	go func() {
		done <- h.m.PreviewVoice(ctx, "preview", tts.AmericanFemaleNova)
	}()
	h.waitCalls(t, 1)
	cancel()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("preview never returned")
	}
	assert.Empty(t, h.player.Loads())
}

func TestManager_SetBufferSize(t *testing.T) {
	h := newHarness(t, 1)

	assert.Error(t, h.m.SetBufferSize(0))
	assert.Equal(t, 1, h.m.BufferSize())

	h.m.AddToQueue("A", RequestOptions{})
	b := h.m.AddToQueue("B", RequestOptions{})
	h.waitCalls(t, 1)

	require.NoError(t, h.m.SetBufferSize(2))
	h.waitStatus(t, b, StatusFetching)
	h.waitCalls(t, 2)
}

func TestManager_PlaybackFailed(t *testing.T) {
	h := newHarness(t, 2)

	a := h.m.AddToQueue("A", RequestOptions{})
	b := h.m.AddToQueue("B", RequestOptions{})
	h.synth.release("A", nil)
	h.synth.release("B", nil)
	h.waitStatus(t, a, StatusPlaying)
	h.waitStatus(t, b, StatusReady)

	// only the playing item can fail
	assert.False(t, h.m.PlaybackFailed(b, errs.DecodeError("audio.decode", errors.New("bad frame"))))
	h.waitStatus(t, b, StatusReady)

	assert.True(t, h.m.PlaybackFailed(a, errs.DecodeError("audio.decode", errors.New("bad frame"))))
	it, _ := h.m.Item(a)
	assert.Equal(t, StatusCompleted, it.Status)
	assert.Contains(t, it.Error, "bad frame")
	h.waitStatus(t, b, StatusPlaying)
}

func TestManager_StaleFinishIgnored(t *testing.T) {
	h := newHarness(t, 1)

	a := h.m.AddToQueue("A", RequestOptions{})
	h.synth.release("A", nil)
	h.waitStatus(t, a, StatusPlaying)

	h.player.mu.Lock()
	fn, stale := h.player.onFinished, h.player.session-1
	h.player.mu.Unlock()
	fn(stale)

	time.Sleep(20 * time.Millisecond)
	it, _ := h.m.Item(a)
	assert.Equal(t, StatusPlaying, it.Status)
}

func TestManager_NaturalLipSync(t *testing.T) {
	h := newHarness(t, 1)
	cfg := lipsync.DefaultConfig()
	cfg.PreserveCriticalVisemes = false
	require.NoError(t, h.m.SetNaturalLipSync(true, cfg))

	enabled, got := h.m.NaturalLipSync()
	assert.True(t, enabled)
	assert.Equal(t, cfg, got)

	a := h.m.AddToQueue("A", RequestOptions{})
	h.synth.release("A", nil)
	h.waitStatus(t, a, StatusPlaying)

	// raw timeline is Aa@0, PBM@50, silence@100; the close pair merges
	loads := h.player.Loads()
	require.Len(t, loads, 1)
	require.Len(t, loads[0], 2)
	assert.Equal(t, time.Duration(0), loads[0][0].Offset)
	assert.Equal(t, viseme.Silence, loads[0][1].ID)

	bad := cfg
	bad.SimilarityThreshold = 2
	assert.Error(t, h.m.SetNaturalLipSync(true, bad))
}

func TestManager_Snapshot(t *testing.T) {
	h := newHarness(t, 1)

	a := h.m.AddToQueue("A", RequestOptions{})
	h.m.AddToQueue("B", RequestOptions{})
	s := h.m.Snapshot()
	assert.True(t, s.IsLoading)
	assert.True(t, s.IsProcessingQueue)
	assert.Equal(t, 2, s.QueueLength)
	assert.Nil(t, s.Current)
	assert.Nil(t, s.PlaybackStartDelay)

	h.synth.release("A", nil)
	h.waitStatus(t, a, StatusPlaying)
	s = h.m.Snapshot()
	require.NotNil(t, s.Current)
	assert.Equal(t, a, s.Current.ID)
	assert.True(t, s.IsSpeaking)
	require.NotNil(t, s.PlaybackStartDelay)
	assert.Equal(t, 1, s.BufferSize)
}

func TestNewManager_InvalidLipSync(t *testing.T) {
	cfg := lipsync.DefaultConfig()
	cfg.KeyVisemePreference = -1
	_, err := NewManager(newFakeSynth(), &fakePlayer{}, Config{NaturalLipSync: cfg, Logger: zerolog.Nop()})
	assert.Error(t, err)
}

func TestStatus(t *testing.T) {
	assert.Equal(t, "fetching", StatusFetching.String())
	assert.True(t, StatusError.Terminal())
	assert.False(t, StatusReady.Terminal())
	text, err := StatusPlaying.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "playing", string(text))
}
