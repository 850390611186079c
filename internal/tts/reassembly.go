package tts

import (
	"fmt"
	"sort"
	"time"

	"github.com/lexiqai/avatar-speech/internal/audio"
	"github.com/lexiqai/avatar-speech/internal/errs"
	"github.com/lexiqai/avatar-speech/internal/viseme"
)

// Reassembler collects audio events and viseme subchunks that may arrive in
// any order and lays them out as one utterance timeline. It is not safe for
// concurrent use.
type Reassembler struct {
	format audio.Format
	audio  map[int][]byte
	events map[int]*eventVisemes
}

type eventVisemes struct {
	total     int
	subchunks map[int][]viseme.Viseme
	duration  time.Duration
}

// NewReassembler creates an empty reassembler for audio in format f
func NewReassembler(f audio.Format) *Reassembler {
	return &Reassembler{
		format: f,
		audio:  make(map[int][]byte),
		events: make(map[int]*eventVisemes),
	}
}

// AddAudio appends ev's PCM to its audio event
func (r *Reassembler) AddAudio(ev AudioEvent) {
	r.audio[ev.ID] = append(r.audio[ev.ID], ev.Audio...)
}

// AddVisemes records one subchunk. A repeated subchunk id replaces the
// earlier one. Batches for the same audio event must agree on TotalChunks.
func (r *Reassembler) AddVisemes(b VisemeBatch) error {
	if b.TotalChunks < 1 {
		return errs.DecodeError("tts.reassemble", fmt.Errorf("audio event %d: total_chunks must be at least 1", b.AudioEventID))
	}
	ev, ok := r.events[b.AudioEventID]
	if !ok {
		ev = &eventVisemes{total: b.TotalChunks, subchunks: make(map[int][]viseme.Viseme)}
		r.events[b.AudioEventID] = ev
	}
	if ev.total != b.TotalChunks {
		return errs.DecodeError("tts.reassemble", fmt.Errorf("audio event %d: total_chunks changed from %d to %d", b.AudioEventID, ev.total, b.TotalChunks))
	}
	if len(ev.subchunks) >= ev.total {
		if _, dup := ev.subchunks[b.SubchunkID]; !dup {
			return errs.DecodeError("tts.reassemble", fmt.Errorf("audio event %d: more than %d subchunks", b.AudioEventID, ev.total))
		}
	}
	ev.subchunks[b.SubchunkID] = b.Visemes
	if b.AudioDuration > ev.duration {
		ev.duration = b.AudioDuration
	}
	return nil
}

// Missing returns how many viseme subchunks are still outstanding
func (r *Reassembler) Missing() int {
	n := 0
	for _, ev := range r.events {
		n += ev.total - len(ev.subchunks)
	}
	return n
}

// Complete reports whether every audio event referenced by a viseme batch
// has received all of its subchunks
func (r *Reassembler) Complete() bool {
	return r.Missing() == 0
}

// Empty reports whether nothing has been received
func (r *Reassembler) Empty() bool {
	return len(r.audio) == 0 && len(r.events) == 0
}

func (r *Reassembler) eventIDs() []int {
	ids := make([]int, 0, len(r.audio)+len(r.events))
	for id := range r.audio {
		ids = append(ids, id)
	}
	for id := range r.events {
		if _, ok := r.audio[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids
}

// Payload lays the audio events end to end in event id order. Each event's
// visemes are shifted by the length of the events before it, taken from the
// declared audio duration when present and from the PCM length otherwise.
// A silence cue closes the timeline at the utterance duration. When stress
// is non-nil a stress envelope is derived from the audio.
func (r *Reassembler) Payload(stress *audio.StressConfig) (*Payload, error) {
	if r.Empty() {
		return nil, errs.DecodeError("tts.reassemble", fmt.Errorf("no audio or viseme data received"))
	}
	if !r.Complete() {
		return nil, errs.DecodeError("tts.reassemble", fmt.Errorf("%d viseme subchunks missing", r.Missing()))
	}

	p := &Payload{Visemes: []viseme.Viseme{}, Stress: []viseme.Stress{}}
	var offset time.Duration
	for _, id := range r.eventIDs() {
		pcm := r.audio[id]
		p.Audio = append(p.Audio, pcm...)

		dur := r.format.Duration(len(pcm))
		if ev, ok := r.events[id]; ok {
			if ev.duration > 0 {
				dur = ev.duration
			}
			p.Visemes = append(p.Visemes, viseme.Shift(ev.ordered(), offset)...)
		}
		offset += dur
		p.Events++
	}

	p.Visemes = viseme.Sorted(p.Visemes)
	if n := len(p.Visemes); n > 0 && p.Visemes[n-1].Offset > offset {
		offset = p.Visemes[n-1].Offset
	}
	p.Duration = offset
	if n := len(p.Visemes); n == 0 || !(p.Visemes[n-1].ID.IsSilence() && p.Visemes[n-1].Offset == offset) {
		p.Visemes = append(p.Visemes, viseme.Viseme{Offset: offset, ID: viseme.Silence})
	}

	if stress != nil && len(p.Audio) > 0 {
		ss, err := audio.StressEnvelope(p.Audio, r.format, *stress)
		if err != nil {
			return nil, err
		}
		p.Stress = ss
	}
	return p, nil
}

// ordered concatenates subchunks in subchunk id order
func (ev *eventVisemes) ordered() []viseme.Viseme {
	ids := make([]int, 0, len(ev.subchunks))
	for id := range ev.subchunks {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	var out []viseme.Viseme
	for _, id := range ids {
		out = append(out, ev.subchunks[id]...)
	}
	return viseme.Sorted(out)
}
