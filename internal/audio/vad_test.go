package audio

import (
	"testing"
	"time"
)

func TestVADDetector_HoldsThroughShortGaps(t *testing.T) {
	vad := NewVADDetector(&VADConfig{EnergyThreshold: 500, SilenceFrames: 3, FrameDuration: 20 * time.Millisecond})

	levels := []float64{10, 1000, 10, 10, 1000, 10, 10, 10, 10}
	want := []bool{false, true, true, true, true, true, true, false, false}
	for i, rms := range levels {
		if got := vad.update(rms); got != want[i] {
			t.Errorf("Frame %d (rms %.0f): expected speaking=%v, got %v", i, rms, want[i], got)
		}
	}
}

func TestVADDetector_ThresholdIsExclusive(t *testing.T) {
	vad := NewVADDetector(&VADConfig{EnergyThreshold: 500, SilenceFrames: 1, FrameDuration: 20 * time.Millisecond})
	if vad.update(500) {
		t.Error("Expected a level equal to the threshold to be silence")
	}
	if !vad.update(501) {
		t.Error("Expected a level above the threshold to be speech")
	}
}

func TestStressEnvelope_QuietAudioIsFlat(t *testing.T) {
	// audible but below the gate for the whole clip
	f := Format{SampleRate: 8000, Channels: 1}
	cfg := StressConfig{VAD: &VADConfig{EnergyThreshold: 500, SilenceFrames: 1, FrameDuration: 20 * time.Millisecond}, Step: 0.1}

	stress, err := StressEnvelope(encodePCM(constant(800, 300)), f, cfg)
	if err != nil {
		t.Fatalf("StressEnvelope failed: %v", err)
	}
	if len(stress) != 1 || stress[0].Offset != 0 || stress[0].Value != 0 {
		t.Errorf("Expected a single zero point, got %v", stress)
	}
}

func TestStressEnvelope_HangoverKeepsLevel(t *testing.T) {
	// a one-frame dip inside speech stays above zero while the gate holds
	f := Format{SampleRate: 8000, Channels: 1}
	cfg := StressConfig{VAD: &VADConfig{EnergyThreshold: 500, SilenceFrames: 2, FrameDuration: 20 * time.Millisecond}, Step: 0.1}

	var samples []int16
	samples = append(samples, constant(160, 8000)...)
	samples = append(samples, constant(160, 400)...)
	samples = append(samples, constant(160, 8000)...)

	stress, err := StressEnvelope(encodePCM(samples), f, cfg)
	if err != nil {
		t.Fatalf("StressEnvelope failed: %v", err)
	}
	for _, s := range stress[:len(stress)-1] {
		if s.Value == 0 {
			t.Errorf("Expected no zero before the end, got %v", stress)
		}
	}
	if last := stress[len(stress)-1]; last.Value != 0 || last.Offset != 60*time.Millisecond {
		t.Errorf("Expected trailing zero at 60ms, got %+v", last)
	}
}

func TestDefaultVADConfig(t *testing.T) {
	config := DefaultVADConfig()
	if config.EnergyThreshold != 500.0 {
		t.Errorf("Expected default EnergyThreshold 500.0, got %f", config.EnergyThreshold)
	}
	if config.SilenceFrames != 10 {
		t.Errorf("Expected default SilenceFrames 10, got %d", config.SilenceFrames)
	}
	if n := config.FrameSize(24000); n != 480 {
		t.Errorf("Expected 480 samples per frame at 24kHz, got %d", n)
	}
	if n := config.FrameSize(8000); n != 160 {
		t.Errorf("Expected 160 samples per frame at 8kHz, got %d", n)
	}
}
