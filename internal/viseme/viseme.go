// Package viseme holds the timed mouth-shape and stress records that flow from
// the TTS service to the playback scheduler, plus the fixed viseme taxonomy.
//
// Viseme ids follow the 22-shape taxonomy used by the TTS service (0 is
// silence, 1-11 are vowel shapes, 12-21 are consonant shapes).
package viseme

import (
	"sort"
	"strconv"
	"time"
)

// ID is a viseme code from the fixed taxonomy
type ID int

const (
	Silence     ID = 0  // silence
	AeAxAh      ID = 1  // æ, ə, ʌ
	Aa          ID = 2  // ɑ
	Ao          ID = 3  // ɔ
	EyEhUh      ID = 4  // ɛ, ʊ
	Er          ID = 5  // ɝ
	YIyIhIx     ID = 6  // j, i, ɪ
	WUw         ID = 7  // w, u
	Ow          ID = 8  // o
	Aw          ID = 9  // aʊ
	Oy          ID = 10 // ɔɪ
	Ay          ID = 11 // aɪ
	H           ID = 12 // h
	R           ID = 13 // ɹ
	L           ID = 14 // l
	SZ          ID = 15 // s, z
	ShChJhZh    ID = 16 // ʃ, tʃ, dʒ, ʒ
	Th          ID = 17 // ð
	FV          ID = 18 // f, v
	DTNTh       ID = 19 // d, t, n, θ
	KGNg        ID = 20 // k, g, ŋ
	PBM         ID = 21 // p, b, m
	MaxID       ID = PBM
	idCount        = int(MaxID) + 1
	silenceName    = "silence"
)

// Viseme is a mouth-shape cue at an offset from the start of the utterance
type Viseme struct {
	Offset time.Duration
	ID     ID
}

// Stress is an emphasis cue on the secondary animation channel. Value is in [0,1].
type Stress struct {
	Offset time.Duration
	Value  float64
}

// Valid reports whether id is part of the taxonomy
func (id ID) Valid() bool {
	return id >= Silence && id <= MaxID
}

// IsSilence reports whether id is the silence class
func (id ID) IsSilence() bool {
	return id == Silence
}

// IsVowel reports whether id is one of the vowel shapes
func (id ID) IsVowel() bool {
	return id >= AeAxAh && id <= Ay
}

// IsCritical reports whether id is a strongly visible shape (rounded,
// labial or lateral) that smoothing should not erase.
func (id ID) IsCritical() bool {
	switch id {
	case WUw, Ow, L, FV, PBM:
		return true
	}
	return false
}

func (id ID) String() string {
	if id == Silence {
		return silenceName
	}
	return "viseme_" + strconv.Itoa(int(id))
}

// Sorted returns a copy of vs ordered by offset. Equal offsets keep their
// relative order.
func Sorted(vs []Viseme) []Viseme {
	out := make([]Viseme, len(vs))
	copy(out, vs)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Offset < out[j].Offset })
	return out
}

// SortedStress returns a copy of ss ordered by offset
func SortedStress(ss []Stress) []Stress {
	out := make([]Stress, len(ss))
	copy(out, ss)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Offset < out[j].Offset })
	return out
}

// Shift returns a copy of vs with every offset moved by d
func Shift(vs []Viseme, d time.Duration) []Viseme {
	out := make([]Viseme, len(vs))
	for i, v := range vs {
		out[i] = Viseme{Offset: v.Offset + d, ID: v.ID}
	}
	return out
}

// IsOrdered reports whether offsets are non-decreasing
func IsOrdered(vs []Viseme) bool {
	for i := 1; i < len(vs); i++ {
		if vs[i].Offset < vs[i-1].Offset {
			return false
		}
	}
	return true
}
