package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/lexiqai/avatar-speech/internal/errs"
)

// Format describes raw PCM audio as returned by the TTS service
// (16-bit signed integers, little-endian, interleaved channels).
type Format struct {
	SampleRate int
	Channels   int
}

// DefaultFormat is 24kHz mono, the TTS service's output format
func DefaultFormat() Format {
	return Format{SampleRate: 24000, Channels: 1}
}

// BytesPerSecond returns the byte rate of f
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// Duration returns how long n bytes of f audio play for
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 || n <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// DecodeBase64 decodes a base64 audio chunk. Both padded and raw encodings
// are accepted.
func DecodeBase64(s string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err == nil {
		return data, nil
	}
	if raw, rawErr := base64.RawStdEncoding.DecodeString(s); rawErr == nil {
		return raw, nil
	}
	return nil, errs.DecodeError("audio.decode_base64", err)
}

// Samples converts PCM bytes to 16-bit samples
func Samples(pcm []byte) ([]int16, error) {
	if len(pcm)%2 != 0 {
		return nil, errs.DecodeError("audio.samples", fmt.Errorf("PCM data length must be even (16-bit samples), got %d", len(pcm)))
	}
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples, nil
}

// Mono folds interleaved channels into one by averaging
func Mono(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}
	out := make([]int16, len(samples)/channels)
	for i := range out {
		sum := 0
		for c := 0; c < channels; c++ {
			sum += int(samples[i*channels+c])
		}
		out[i] = int16(sum / channels)
	}
	return out
}

// CalculateRMS calculates the root mean square (RMS) of audio samples
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}

	return math.Sqrt(sum / float64(len(samples)))
}
