// Package lipsync smooths raw viseme timelines into natural mouth motion.
//
// Processing runs four passes over an offset-sorted copy of the input:
// weighting, rapid-transition merging, similarity grouping and key-viseme
// reinsertion. Running the processor on its own output returns that output
// unchanged.
package lipsync

import (
	"math"
	"sync/atomic"

	"github.com/lexiqai/avatar-speech/internal/viseme"
)

const (
	silenceWeight     = 1.0
	maxWeight         = 0.99
	vowelKind         = 0.5
	consonantKind     = 0.35
	unprotectedSilent = 0.2
	kindShare         = 0.7
	holdShare         = 0.3

	// key-viseme reinsertion only kicks in at or above this preference
	keyPreferenceFloor = 0.5
)

// Processor applies a Config to viseme timelines. It is safe for concurrent
// use; UpdateConfig swaps the configuration atomically and running calls keep
// the snapshot they started with.
type Processor struct {
	cfg atomic.Pointer[Config]
}

// NewProcessor creates a processor with cfg
func NewProcessor(cfg Config) *Processor {
	p := &Processor{}
	p.cfg.Store(&cfg)
	return p
}

// Config returns the current configuration
func (p *Processor) Config() Config {
	return *p.cfg.Load()
}

// UpdateConfig replaces the configuration for subsequent Process calls
func (p *Processor) UpdateConfig(cfg Config) {
	p.cfg.Store(&cfg)
}

// Process smooths vs with the current configuration
func (p *Processor) Process(vs []viseme.Viseme) []viseme.Viseme {
	return Process(vs, p.Config())
}

// Process returns a smoothed copy of vs. The input is never modified.
func Process(vs []viseme.Viseme, cfg Config) []viseme.Viseme {
	if len(vs) == 0 {
		return []viseme.Viseme{}
	}
	sorted := viseme.Sorted(vs)
	if len(sorted) == 1 {
		return sorted
	}

	items := weigh(sorted, cfg)
	kept := mergeRapidTransitions(items, cfg)
	kept = mergeSimilar(kept, cfg)
	kept = reinsertKeyVisemes(kept, items, cfg)

	out := make([]viseme.Viseme, len(kept))
	for i, it := range kept {
		out[i] = it.v
	}
	return out
}

type cue struct {
	v         viseme.Viseme
	weight    float64
	protected bool
}

func isProtected(id viseme.ID, cfg Config) bool {
	return (cfg.PreserveSilence && id.IsSilence()) ||
		(cfg.PreserveCriticalVisemes && id.IsCritical())
}

// weigh scores each cue by its kind and by how long it is held
func weigh(sorted []viseme.Viseme, cfg Config) []cue {
	items := make([]cue, len(sorted))
	for i, v := range sorted {
		items[i] = cue{v: v, protected: isProtected(v.ID, cfg)}
		if v.ID.IsSilence() && cfg.PreserveSilence {
			items[i].weight = silenceWeight
			continue
		}

		var kind float64
		switch {
		case v.ID.IsCritical():
			kind = 0.5 + 0.5*cfg.KeyVisemePreference
		case v.ID.IsVowel():
			kind = vowelKind
		case v.ID.IsSilence():
			kind = unprotectedSilent
		default:
			kind = consonantKind
		}

		var hold float64
		if i+1 < len(sorted) {
			hold = float64(sorted[i+1].Offset - v.Offset)
		} else {
			hold = float64(v.Offset - sorted[i-1].Offset)
		}
		holdScore := 1.0
		if cfg.MinVisemeInterval > 0 {
			holdScore = math.Min(hold/float64(cfg.MinVisemeInterval), 2) / 2
		}

		items[i].weight = math.Max(0, math.Min(kindShare*kind+holdShare*holdScore, maxWeight))
	}
	return items
}

// mergeRapidTransitions collapses unprotected neighbours closer than the
// minimum interval. The survivor keeps the earlier offset and takes the id of
// whichever cue weighs more.
func mergeRapidTransitions(items []cue, cfg Config) []cue {
	out := make([]cue, 0, len(items))
	out = append(out, items[0])
	for _, it := range items[1:] {
		last := &out[len(out)-1]
		if !last.protected && !it.protected && it.v.Offset-last.v.Offset < cfg.MinVisemeInterval {
			if it.weight > last.weight {
				last.v.ID = it.v.ID
				last.weight = it.weight
			}
			continue
		}
		out = append(out, it)
	}
	return out
}

// mergeSimilar gathers runs of similar cues that start within MergeWindow of
// the first cue of the run. Each run becomes one cue at the run's start
// offset showing its heaviest shape.
func mergeSimilar(items []cue, cfg Config) []cue {
	out := make([]cue, 0, len(items))
	for i := 0; i < len(items); {
		anchor := items[i]
		if anchor.protected {
			out = append(out, anchor)
			i++
			continue
		}

		best := anchor
		j := i + 1
		for ; j < len(items); j++ {
			c := items[j]
			if c.protected ||
				c.v.Offset-anchor.v.Offset > cfg.MergeWindow ||
				viseme.Similarity(anchor.v.ID, c.v.ID) < cfg.SimilarityThreshold {
				break
			}
			if c.weight > best.weight {
				best = c
			}
		}

		best.v.Offset = anchor.v.Offset
		out = append(out, best)
		i = j
	}
	return out
}

// reinsertKeyVisemes brings back critical shapes the merge passes dropped,
// when they fit cleanly between their surviving neighbours.
func reinsertKeyVisemes(kept, original []cue, cfg Config) []cue {
	if cfg.KeyVisemePreference < keyPreferenceFloor {
		return kept
	}

	for _, c := range original {
		if !c.v.ID.IsCritical() || contains(kept, c.v) {
			continue
		}
		pos := insertionPoint(kept, c)
		if !fits(kept, pos, c, cfg) {
			continue
		}
		kept = append(kept, cue{})
		copy(kept[pos+1:], kept[pos:])
		kept[pos] = c
	}
	return kept
}

func contains(items []cue, v viseme.Viseme) bool {
	for _, it := range items {
		if it.v == v {
			return true
		}
	}
	return false
}

// insertionPoint returns the index of the first cue after c
func insertionPoint(items []cue, c cue) int {
	for i, it := range items {
		if it.v.Offset > c.v.Offset {
			return i
		}
	}
	return len(items)
}

// fits reports whether c can sit at pos without being merged away again
func fits(items []cue, pos int, c cue, cfg Config) bool {
	if pos > 0 {
		prev := items[pos-1]
		gap := c.v.Offset - prev.v.Offset
		if gap < cfg.MinVisemeInterval {
			return false
		}
		if gap <= cfg.MergeWindow && viseme.Similarity(prev.v.ID, c.v.ID) >= cfg.SimilarityThreshold {
			return false
		}
	}
	if pos < len(items) {
		next := items[pos]
		gap := next.v.Offset - c.v.Offset
		if gap < cfg.MinVisemeInterval {
			return false
		}
		if gap <= cfg.MergeWindow && viseme.Similarity(c.v.ID, next.v.ID) >= cfg.SimilarityThreshold {
			return false
		}
	}
	return true
}
