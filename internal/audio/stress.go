package audio

import (
	"math"
	"time"

	"github.com/lexiqai/avatar-speech/internal/viseme"
)

// StressConfig controls how the stress channel is derived from audio energy
type StressConfig struct {
	VAD *VADConfig
	// Step is the smallest change in level that emits a new stress point
	Step float64
}

// DefaultStressConfig returns the stock stress settings
func DefaultStressConfig() StressConfig {
	return StressConfig{VAD: DefaultVADConfig(), Step: 0.1}
}

// StressEnvelope derives stress cues from PCM audio. Each frame's RMS level
// is scaled against the loudest frame; frames the VAD marks as silence map to
// zero. A point is emitted whenever the level moves by at least Step, and the
// envelope always returns to zero at the end of the audio.
func StressEnvelope(pcm []byte, f Format, cfg StressConfig) ([]viseme.Stress, error) {
	samples, err := Samples(pcm)
	if err != nil {
		return nil, err
	}
	if cfg.VAD == nil {
		cfg.VAD = DefaultVADConfig()
	}
	samples = Mono(samples, f.Channels)
	if len(samples) == 0 || f.SampleRate <= 0 {
		return []viseme.Stress{}, nil
	}

	frameSize := cfg.VAD.FrameSize(f.SampleRate)
	levels := make([]float64, 0, len(samples)/frameSize+1)
	peak := 0.0
	for start := 0; start < len(samples); start += frameSize {
		end := min(start+frameSize, len(samples))
		rms := CalculateRMS(samples[start:end])
		levels = append(levels, rms)
		peak = math.Max(peak, rms)
	}

	frameDur := time.Duration(int64(frameSize) * int64(time.Second) / int64(f.SampleRate))
	vad := NewVADDetector(cfg.VAD)
	out := make([]viseme.Stress, 0, len(levels))
	last := -1.0
	for i, rms := range levels {
		speaking := vad.update(rms)
		value := 0.0
		if speaking && peak > 0 {
			value = rms / peak
		}
		if last < 0 || math.Abs(value-last) >= cfg.Step {
			out = append(out, viseme.Stress{Offset: time.Duration(i) * frameDur, Value: value})
			last = value
		}
	}

	if last > 0 {
		end := time.Duration(int64(len(samples)) * int64(time.Second) / int64(f.SampleRate))
		out = append(out, viseme.Stress{Offset: end, Value: 0})
	}
	return out, nil
}
