package audio

import (
	"testing"
	"time"
)

func constant(n int, v int16) []int16 {
	s := make([]int16, n)
	for i := range s {
		s[i] = v
	}
	return s
}

func TestStressEnvelope(t *testing.T) {
	f := Format{SampleRate: 8000, Channels: 1}
	cfg := StressConfig{
		VAD:  &VADConfig{EnergyThreshold: 500, SilenceFrames: 1, FrameDuration: 20 * time.Millisecond},
		Step: 0.1,
	}

	// 2 loud frames, 2 half-level frames, 2 quiet frames
	var samples []int16
	samples = append(samples, constant(320, 8000)...)
	samples = append(samples, constant(320, 4000)...)
	samples = append(samples, constant(320, 10)...)

	stress, err := StressEnvelope(encodePCM(samples), f, cfg)
	if err != nil {
		t.Fatalf("StressEnvelope failed: %v", err)
	}

	want := []struct {
		offset time.Duration
		value  float64
	}{
		{0, 1.0},
		{40 * time.Millisecond, 0.5},
		{80 * time.Millisecond, 0},
	}
	if len(stress) != len(want) {
		t.Fatalf("Expected %d stress points, got %d: %v", len(want), len(stress), stress)
	}
	for i, w := range want {
		if stress[i].Offset != w.offset {
			t.Errorf("Point %d: expected offset %v, got %v", i, w.offset, stress[i].Offset)
		}
		if diff := stress[i].Value - w.value; diff > 0.001 || diff < -0.001 {
			t.Errorf("Point %d: expected value %.2f, got %.2f", i, w.value, stress[i].Value)
		}
	}
}

func TestStressEnvelope_EndsAtZero(t *testing.T) {
	f := Format{SampleRate: 8000, Channels: 1}
	stress, err := StressEnvelope(encodePCM(constant(800, 6000)), f, DefaultStressConfig())
	if err != nil {
		t.Fatalf("StressEnvelope failed: %v", err)
	}
	if len(stress) != 2 {
		t.Fatalf("Expected 2 stress points, got %v", stress)
	}
	last := stress[len(stress)-1]
	if last.Value != 0 || last.Offset != 100*time.Millisecond {
		t.Errorf("Expected trailing zero at 100ms, got %+v", last)
	}
}

func TestStressEnvelope_Empty(t *testing.T) {
	stress, err := StressEnvelope(nil, DefaultFormat(), DefaultStressConfig())
	if err != nil {
		t.Fatalf("StressEnvelope failed: %v", err)
	}
	if len(stress) != 0 {
		t.Errorf("Expected no stress points, got %v", stress)
	}

	if _, err := StressEnvelope([]byte{1}, DefaultFormat(), DefaultStressConfig()); err == nil {
		t.Error("Expected error for odd-length PCM")
	}
}
