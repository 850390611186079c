package lipsync

import (
	"fmt"
	"time"
)

// Config tunes the natural lip-sync passes. A Config is a value: callers that
// want different settings build a new one instead of mutating a shared copy.
type Config struct {
	// MinVisemeInterval is the minimum spacing between two cues. Closer
	// cues are collapsed into one.
	MinVisemeInterval time.Duration

	// MergeWindow bounds how far ahead similar cues are gathered into one group.
	MergeWindow time.Duration

	// KeyVisemePreference in [0,1]: higher keeps more distinct mouth shapes.
	KeyVisemePreference float64

	// PreserveSilence keeps every silence cue untouched.
	PreserveSilence bool

	// SimilarityThreshold in [0,1]: higher requires closer shapes to merge.
	SimilarityThreshold float64

	// PreserveCriticalVisemes exempts rounded/labial/lateral shapes from merging.
	PreserveCriticalVisemes bool
}

// DefaultConfig returns the stock tuning (~16 cues per second at most)
func DefaultConfig() Config {
	return Config{
		MinVisemeInterval:       60 * time.Millisecond,
		MergeWindow:             80 * time.Millisecond,
		KeyVisemePreference:     0.7,
		PreserveSilence:         true,
		SimilarityThreshold:     0.6,
		PreserveCriticalVisemes: true,
	}
}

// Validate checks that every field is within range
func (c Config) Validate() error {
	if c.MinVisemeInterval < 0 {
		return fmt.Errorf("min viseme interval must be >= 0, got %v", c.MinVisemeInterval)
	}
	if c.MergeWindow < 0 {
		return fmt.Errorf("merge window must be >= 0, got %v", c.MergeWindow)
	}
	if c.KeyVisemePreference < 0 || c.KeyVisemePreference > 1 {
		return fmt.Errorf("key viseme preference must be in [0,1], got %v", c.KeyVisemePreference)
	}
	if c.SimilarityThreshold < 0 || c.SimilarityThreshold > 1 {
		return fmt.Errorf("similarity threshold must be in [0,1], got %v", c.SimilarityThreshold)
	}
	return nil
}

// Override carries optional replacements for a Config. Nil fields keep the
// base value.
type Override struct {
	MinVisemeInterval       *time.Duration
	MergeWindow             *time.Duration
	KeyVisemePreference     *float64
	PreserveSilence         *bool
	SimilarityThreshold     *float64
	PreserveCriticalVisemes *bool
}

// With returns a copy of c with the non-nil fields of o applied
func (c Config) With(o Override) Config {
	if o.MinVisemeInterval != nil {
		c.MinVisemeInterval = *o.MinVisemeInterval
	}
	if o.MergeWindow != nil {
		c.MergeWindow = *o.MergeWindow
	}
	if o.KeyVisemePreference != nil {
		c.KeyVisemePreference = *o.KeyVisemePreference
	}
	if o.PreserveSilence != nil {
		c.PreserveSilence = *o.PreserveSilence
	}
	if o.SimilarityThreshold != nil {
		c.SimilarityThreshold = *o.SimilarityThreshold
	}
	if o.PreserveCriticalVisemes != nil {
		c.PreserveCriticalVisemes = *o.PreserveCriticalVisemes
	}
	return c
}
