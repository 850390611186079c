package speech

import (
	"context"
	"sync"
	"time"

	"github.com/lexiqai/avatar-speech/internal/tts"
)

// Status is the lifecycle state of a queue item. Items only move forward;
// Completed and Error are terminal.
type Status int

const (
	StatusPending Status = iota
	StatusFetching
	StatusReady
	StatusPlaying
	StatusCompleted
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusFetching:
		return "fetching"
	case StatusReady:
		return "ready"
	case StatusPlaying:
		return "playing"
	case StatusCompleted:
		return "completed"
	case StatusError:
		return "error"
	default:
		return "pending"
	}
}

// MarshalText encodes the status by name
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether s is final
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Item is a snapshot of one queued utterance
type Item struct {
	ID        string
	Text      string
	Voice     string
	Params    tts.Params
	Timestamp time.Time
	Status    Status
	Payload   *tts.Payload
	Error     string
}

// item is the manager-owned record behind an Item
type item struct {
	Item
	immediate bool
	cancel    context.CancelFunc

	// settled closes once the item starts playing, ends or is removed
	settled    chan struct{}
	settleOnce sync.Once
}

func newItem(id, text string, p tts.Params, now time.Time) *item {
	return &item{
		Item: Item{
			ID:        id,
			Text:      text,
			Voice:     p.Voice,
			Params:    p,
			Timestamp: now,
			Status:    StatusPending,
		},
		settled: make(chan struct{}),
	}
}

func (it *item) settle() {
	it.settleOnce.Do(func() { close(it.settled) })
}

// stop cancels an outstanding fetch
func (it *item) stop() {
	if it.cancel != nil {
		it.cancel()
		it.cancel = nil
	}
}

func (it *item) snapshot() Item {
	return it.Item
}
