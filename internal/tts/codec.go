package tts

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/lexiqai/avatar-speech/internal/audio"
	"github.com/lexiqai/avatar-speech/internal/errs"
	"github.com/lexiqai/avatar-speech/internal/viseme"
)

// Message types on the TTS stream and the live conversation socket
const (
	MessageAudio        = "audio"
	MessageVisemes      = "visemes"
	MessageError        = "error"
	MessagePing         = "ping"
	MessagePong         = "pong"
	MessageInterruption = "interruption"
)

const maxLineSize = 4 << 20

// WireViseme is a viseme as sent by the service. Offset is in milliseconds.
type WireViseme struct {
	Offset   float64 `json:"offset"`
	VisemeID int     `json:"visemeId"`
}

// WireAudioEvent carries one base64 audio chunk
type WireAudioEvent struct {
	AudioBase64 string `json:"audio_base_64"`
	EventID     int    `json:"event_id"`
}

// WirePingEvent carries a keep-alive id
type WirePingEvent struct {
	EventID int `json:"event_id"`
}

// Message is one JSON message of the TTS stream or live socket
type Message struct {
	Type string `json:"type"`

	AudioEvent *WireAudioEvent `json:"audio_event,omitempty"`

	Visemes       []WireViseme `json:"visemes,omitempty"`
	AudioEventID  int          `json:"audio_event_id,omitempty"`
	SubchunkID    int          `json:"subchunk_id,omitempty"`
	TotalChunks   int          `json:"total_chunks,omitempty"`
	AudioDuration *float64     `json:"audio_duration,omitempty"` // milliseconds

	PingEvent *WirePingEvent `json:"ping_event,omitempty"`
	EventID   int            `json:"event_id,omitempty"`

	Message string `json:"message,omitempty"`
}

// ParseMessage decodes one JSON message
func ParseMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, errs.DecodeError("tts.parse_message", err)
	}
	return m, nil
}

func millis(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

// AudioEventOf decodes an audio message
func AudioEventOf(m Message) (*AudioEvent, error) {
	if m.AudioEvent == nil {
		return nil, errs.DecodeError("tts.audio_event", fmt.Errorf("audio message without audio_event"))
	}
	pcm, err := audio.DecodeBase64(m.AudioEvent.AudioBase64)
	if err != nil {
		return nil, err
	}
	return &AudioEvent{ID: m.AudioEvent.EventID, Audio: pcm}, nil
}

// VisemeBatchOf converts a visemes message
func VisemeBatchOf(m Message) (*VisemeBatch, error) {
	if m.TotalChunks < 1 {
		return nil, errs.DecodeError("tts.viseme_batch", fmt.Errorf("total_chunks must be at least 1, got %d", m.TotalChunks))
	}
	b := &VisemeBatch{
		Visemes:      make([]viseme.Viseme, 0, len(m.Visemes)),
		AudioEventID: m.AudioEventID,
		SubchunkID:   m.SubchunkID,
		TotalChunks:  m.TotalChunks,
	}
	for _, w := range m.Visemes {
		if w.Offset < 0 {
			return nil, errs.DecodeError("tts.viseme_batch", fmt.Errorf("negative viseme offset %v", w.Offset))
		}
		b.Visemes = append(b.Visemes, viseme.Viseme{Offset: millis(w.Offset), ID: viseme.ID(w.VisemeID)})
	}
	if m.AudioDuration != nil && *m.AudioDuration > 0 {
		b.AudioDuration = millis(*m.AudioDuration)
	}
	return b, nil
}

// Decoder reads events from a newline-delimited JSON body. SSE framing
// ("data: {...}") is accepted too; comments, blank lines and unknown
// message types are skipped.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder reads from r
func NewDecoder(r io.Reader) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &Decoder{scanner: s}
}

var (
	ssePrefix  = []byte("data:")
	sseDone    = []byte("[DONE]")
	sseComment = []byte(":")
)

// Next returns the next event, or io.EOF at the end of the body. A service
// error message is returned as a network error.
func (d *Decoder) Next() (Event, error) {
	for d.scanner.Scan() {
		line := bytes.TrimSpace(d.scanner.Bytes())
		if len(line) == 0 || bytes.HasPrefix(line, sseComment) {
			continue
		}
		if bytes.HasPrefix(line, ssePrefix) {
			line = bytes.TrimSpace(line[len(ssePrefix):])
			if bytes.Equal(line, sseDone) {
				return Event{}, io.EOF
			}
		} else if !bytes.HasPrefix(line, []byte("{")) {
			// other SSE fields such as "event:" or "id:"
			continue
		}

		m, err := ParseMessage(line)
		if err != nil {
			return Event{}, err
		}
		switch m.Type {
		case MessageAudio:
			ev, err := AudioEventOf(m)
			if err != nil {
				return Event{}, err
			}
			return Event{Audio: ev}, nil
		case MessageVisemes:
			b, err := VisemeBatchOf(m)
			if err != nil {
				return Event{}, err
			}
			return Event{Visemes: b}, nil
		case MessageError:
			return Event{}, errs.NetworkError("tts.stream", fmt.Errorf("service error: %s", m.Message))
		}
	}
	if err := d.scanner.Err(); err != nil {
		return Event{}, errs.NetworkError("tts.stream", err)
	}
	return Event{}, io.EOF
}
