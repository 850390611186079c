package tts

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// pcm returns n bytes of constant-amplitude 16-bit audio
func pcm(n int, amp int16) []byte {
	b := make([]byte, n)
	for i := 0; i+1 < n; i += 2 {
		binary.LittleEndian.PutUint16(b[i:], uint16(amp))
	}
	return b
}

func audioLine(t *testing.T, id int, data []byte) string {
	t.Helper()
	return line(t, Message{
		Type:       MessageAudio,
		AudioEvent: &WireAudioEvent{AudioBase64: base64.StdEncoding.EncodeToString(data), EventID: id},
	})
}

func visemeLine(t *testing.T, event, sub, total int, duration float64, vs ...WireViseme) string {
	t.Helper()
	m := Message{
		Type:         MessageVisemes,
		Visemes:      vs,
		AudioEventID: event,
		SubchunkID:   sub,
		TotalChunks:  total,
	}
	if duration > 0 {
		m.AudioDuration = &duration
	}
	return line(t, m)
}

func line(t *testing.T, m Message) string {
	t.Helper()
	b, err := json.Marshal(m)
	require.NoError(t, err)
	return string(b)
}

func body(lines ...string) string {
	return strings.Join(lines, "\n") + "\n"
}
