// Package tts fetches speech audio and viseme timing from the remote TTS
// service and reassembles it into a playable payload.
package tts

import (
	"context"
	"time"

	"github.com/lexiqai/avatar-speech/internal/viseme"
)

// Params are the per-request synthesis options
type Params struct {
	Engine       string  // TTS engine override, empty for the service default
	APIKey       string  // engine API key passed through in the request body
	Voice        string  // voice id
	SystemPrompt string  // optional style prompt for engines that take one
	Speed        float64 // 0 means the engine default
}

// AudioEvent is one decoded chunk of PCM audio
type AudioEvent struct {
	ID    int
	Audio []byte
}

// VisemeBatch is one subchunk of viseme timing for an audio event. Offsets
// are relative to the start of that audio event.
type VisemeBatch struct {
	Visemes       []viseme.Viseme
	AudioEventID  int
	SubchunkID    int
	TotalChunks   int
	AudioDuration time.Duration // zero when the service did not declare one
}

// Event is one item of a synthesis stream. Exactly one field is set.
type Event struct {
	Audio   *AudioEvent
	Visemes *VisemeBatch
}

// Stream yields the events of one synthesis. Next returns io.EOF after the
// last event.
type Stream interface {
	Next(ctx context.Context) (Event, error)
	Close() error
}

// Synthesizer starts a synthesis for text
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, p Params) (Stream, error)
}

// Payload is a fully resolved utterance ready for playback
type Payload struct {
	Audio    []byte // concatenated PCM in audio event order
	Visemes  []viseme.Viseme
	Stress   []viseme.Stress
	Duration time.Duration
	Events   int // number of audio events laid end to end
}
