package session

import (
	"sync"

	"github.com/lexiqai/avatar-speech/internal/playback"
	"github.com/lexiqai/avatar-speech/internal/viseme"
)

// inputSink forwards renderer input changes to the browser. Only declared
// inputs resolve; the scheduler substitutes a no-op for the rest.
type inputSink struct {
	send func(any)

	mu       sync.Mutex
	declared map[string]bool
	bools    map[string]bool
	numbers  map[string]float64
}

func newInputSink(send func(any)) *inputSink {
	s := &inputSink{
		send:    send,
		bools:   make(map[string]bool),
		numbers: make(map[string]float64),
	}
	s.Declare(viseme.StandardInputs())
	return s
}

// Declare replaces the set of inputs the browser's avatar exposes
func (s *inputSink) Declare(names []string) {
	declared := make(map[string]bool, len(names))
	for _, n := range names {
		declared[n] = true
	}
	s.mu.Lock()
	s.declared = declared
	s.mu.Unlock()
}

func (s *inputSink) Input(name string) (playback.Input, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.declared[name] {
		return nil, false
	}
	return &wsInput{sink: s, name: name}, true
}

type wsInput struct {
	sink *inputSink
	name string
}

func (in *wsInput) Fire() {
	in.sink.send(InputMessage{Type: MsgInput, Name: in.name, Action: "fire"})
}

func (in *wsInput) SetBool(v bool) {
	in.sink.mu.Lock()
	in.sink.bools[in.name] = v
	in.sink.mu.Unlock()
	in.sink.send(InputMessage{Type: MsgInput, Name: in.name, Action: "bool", Value: v})
}

func (in *wsInput) SetNumber(v float64) {
	in.sink.mu.Lock()
	in.sink.numbers[in.name] = v
	in.sink.mu.Unlock()
	in.sink.send(InputMessage{Type: MsgInput, Name: in.name, Action: "number", Value: v})
}

func (in *wsInput) AsBool() bool {
	in.sink.mu.Lock()
	defer in.sink.mu.Unlock()
	return in.sink.bools[in.name]
}

func (in *wsInput) AsNumber() float64 {
	in.sink.mu.Lock()
	defer in.sink.mu.Unlock()
	return in.sink.numbers[in.name]
}
