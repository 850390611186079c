package audio

import "time"

// VADConfig holds configuration for Voice Activity Detection
type VADConfig struct {
	EnergyThreshold float64       // RMS energy threshold for speech detection
	SilenceFrames   int           // consecutive silence frames that end speech
	FrameDuration   time.Duration // length of one analysis frame
}

// DefaultVADConfig returns a default VAD configuration
func DefaultVADConfig() *VADConfig {
	return &VADConfig{
		EnergyThreshold: 500.0,
		SilenceFrames:   10, // 200ms of silence
		FrameDuration:   20 * time.Millisecond,
	}
}

// FrameSize returns the number of samples per frame at sampleRate
func (c *VADConfig) FrameSize(sampleRate int) int {
	n := int(int64(sampleRate) * int64(c.FrameDuration) / int64(time.Second))
	if n < 1 {
		return 1
	}
	return n
}

// VADDetector gates frame levels into speech and silence. Speech starts on
// the first frame above the threshold and ends after SilenceFrames quiet
// frames in a row.
type VADDetector struct {
	config         *VADConfig
	silenceCounter int
	isSpeaking     bool
}

// NewVADDetector creates a new VAD detector
func NewVADDetector(config *VADConfig) *VADDetector {
	if config == nil {
		config = DefaultVADConfig()
	}
	return &VADDetector{config: config}
}

// update feeds one frame's RMS level and reports whether speech is active
func (v *VADDetector) update(rms float64) bool {
	if rms > v.config.EnergyThreshold {
		v.silenceCounter = 0
		v.isSpeaking = true
		return true
	}
	v.silenceCounter++
	if v.isSpeaking && v.silenceCounter >= v.config.SilenceFrames {
		v.isSpeaking = false
		v.silenceCounter = 0
	}
	return v.isSpeaking
}
