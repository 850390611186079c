package tts

import (
	"context"
	"errors"
	"io"

	"github.com/lexiqai/avatar-speech/internal/audio"
	"github.com/lexiqai/avatar-speech/internal/errs"
)

// CollectOptions control how a stream is turned into a payload
type CollectOptions struct {
	Format audio.Format
	// Stress derives a stress channel from the audio energy when set
	Stress *audio.StressConfig
	// OnEvent observes every event as it arrives
	OnEvent func(Event)
}

// Collect drains s and reassembles the utterance. The stream is not closed.
func Collect(ctx context.Context, s Stream, opts CollectOptions) (*Payload, error) {
	if opts.Format.SampleRate == 0 {
		opts.Format = audio.DefaultFormat()
	}
	r := NewReassembler(opts.Format)
	for {
		ev, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil && !errs.IsCancellation(err) {
				return nil, errs.CancellationError("tts.collect", ctx.Err())
			}
			return nil, err
		}
		if opts.OnEvent != nil {
			opts.OnEvent(ev)
		}
		switch {
		case ev.Audio != nil:
			r.AddAudio(*ev.Audio)
		case ev.Visemes != nil:
			if err := r.AddVisemes(*ev.Visemes); err != nil {
				return nil, err
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, errs.CancellationError("tts.collect", err)
	}
	return r.Payload(opts.Stress)
}

// Fetch synthesizes text and collects the whole payload
func Fetch(ctx context.Context, synth Synthesizer, text string, p Params, opts CollectOptions) (*Payload, error) {
	s, err := synth.Synthesize(ctx, text, p)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	return Collect(ctx, s, opts)
}
