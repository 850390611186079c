package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/avatar-speech/internal/config"
	"github.com/lexiqai/avatar-speech/internal/errs"
	"github.com/lexiqai/avatar-speech/internal/tts"
	"github.com/lexiqai/avatar-speech/internal/viseme"
)

const waitTimeout = 3 * time.Second

// instantSynth answers every request with 100ms of audio and two visemes.
// Text "fail" fails with a network error.
type instantSynth struct {
	mu    sync.Mutex
	calls int
}

func (f *instantSynth) Synthesize(ctx context.Context, text string, p tts.Params) (tts.Stream, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if text == "fail" {
		return nil, errs.NetworkError("fake.synthesize", errors.New("service unreachable"))
	}
	size := 4800 // 100ms
	if text == "long" {
		size = 480000 // 10s
	}
	return &sliceStream{events: []tts.Event{
		{Audio: &tts.AudioEvent{ID: 0, Audio: make([]byte, size)}},
		{Visemes: &tts.VisemeBatch{
			Visemes:     []viseme.Viseme{{Offset: 0, ID: viseme.Aa}, {Offset: 50 * time.Millisecond, ID: viseme.PBM}},
			TotalChunks: 1,
		}},
	}}, nil
}

type sliceStream struct {
	events []tts.Event
}

func (s *sliceStream) Next(ctx context.Context) (tts.Event, error) {
	if len(s.events) == 0 {
		return tts.Event{}, io.EOF
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, nil
}

func (s *sliceStream) Close() error { return nil }

func testConfig() *config.Config {
	return &config.Config{
		TTSDefaultVoice:            tts.DefaultVoice,
		TTSSampleRate:              24000,
		SpeechBufferSize:           1,
		PrefetchCacheSize:          8,
		PlaybackTickMS:             5,
		LipSyncMinVisemeInterval:   60,
		LipSyncMergeWindow:         80,
		LipSyncKeyVisemePreference: 0.7,
		LipSyncPreserveSilence:     true,
		LipSyncSimilarityThreshold: 0.6,
		LipSyncPreserveCritical:    true,
		LiveAllowedHosts:           []string{"127.0.0.1"},
		ReconnectMaxAttempts:       1,
		ReconnectBackoff:           1,
		LogLevel:                   "info",
	}
}

type client struct {
	t    *testing.T
	conn *websocket.Conn
	seen []map[string]any
}

func connect(t *testing.T, cfg *config.Config) *client {
	t.Helper()
	srv := httptest.NewServer(HandleAvatarWS(Deps{
		Config: cfg,
		Synth:  &instantSynth{},
		Logger: zerolog.Nop(),
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &client{t: t, conn: conn}
}

func (c *client) send(cmd string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, []byte(cmd)))
}

// find returns the first message, seen or new, that matches pred
func (c *client) find(desc string, pred func(map[string]any) bool) map[string]any {
	c.t.Helper()
	for _, m := range c.seen {
		if pred(m) {
			return m
		}
	}
	deadline := time.Now().Add(waitTimeout)
	for {
		require.NoError(c.t, c.conn.SetReadDeadline(deadline))
		_, data, err := c.conn.ReadMessage()
		require.NoError(c.t, err, "waiting for %s", desc)
		var m map[string]any
		require.NoError(c.t, json.Unmarshal(data, &m))
		c.seen = append(c.seen, m)
		if pred(m) {
			return m
		}
	}
}

func (c *client) result(requestID string) map[string]any {
	c.t.Helper()
	return c.find("result "+requestID, func(m map[string]any) bool {
		return m["type"] == MsgResult && m["request_id"] == requestID
	})
}

// idle waits for an idle state reported after the most recent audio
func (c *client) idle() map[string]any {
	c.t.Helper()
	after := 0
	for i, m := range c.seen {
		if m["type"] == MsgAudio {
			after = i + 1
		}
	}
	n := 0
	return c.find("idle state", func(m map[string]any) bool {
		n++
		return n > after && m["type"] == MsgState &&
			m["is_processing_queue"] == false && m["playback"] == "idle" && m["is_speaking"] == false
	})
}

func (c *client) fired(name string) bool {
	for _, m := range c.seen {
		if m["type"] == MsgInput && m["action"] == "fire" && m["name"] == name {
			return true
		}
	}
	return false
}

func mouth(id viseme.ID) string {
	name, _ := viseme.MouthInput(id)
	return name
}

func TestSession_InitialState(t *testing.T) {
	c := connect(t, testConfig())
	state := c.find("state", func(m map[string]any) bool { return m["type"] == MsgState })
	assert.Equal(t, false, state["is_speaking"])
	assert.EqualValues(t, 1, state["buffer_size"])
	assert.Equal(t, []any{}, state["queue"])
}

func TestSession_EnqueuePlaysAndDrivesInputs(t *testing.T) {
	c := connect(t, testConfig())

	c.send(`{"type":"enqueue","request_id":"r1","text":"hello"}`)
	res := c.result("r1")
	require.Equal(t, true, res["ok"])
	id, _ := res["id"].(string)
	require.NotEmpty(t, id)

	audio := c.find("audio", func(m map[string]any) bool { return m["type"] == MsgAudio })
	assert.Equal(t, id, audio["item_id"])
	assert.Equal(t, "queue", audio["source"])
	assert.EqualValues(t, 100, audio["duration_ms"])
	raw, err := base64.StdEncoding.DecodeString(audio["audio_base_64"].(string))
	require.NoError(t, err)
	assert.Len(t, raw, 4800)

	c.find("speaking on", func(m map[string]any) bool {
		return m["type"] == MsgInput && m["name"] == viseme.InputSpeaking && m["value"] == true
	})
	c.find("PBM", func(m map[string]any) bool {
		return m["type"] == MsgInput && m["action"] == "fire" && m["name"] == mouth(viseme.PBM)
	})
	c.idle()
	assert.True(t, c.fired(mouth(viseme.Aa)))
}

func TestSession_Speak(t *testing.T) {
	c := connect(t, testConfig())

	c.send(`{"type":"speak","request_id":"ok","text":"hello","voice":"af_nova"}`)
	assert.Equal(t, true, c.result("ok")["ok"])
	c.idle()

	c.send(`{"type":"speak","request_id":"bad","text":"fail"}`)
	res := c.result("bad")
	assert.Equal(t, false, res["ok"])
	assert.Contains(t, res["error"], "service unreachable")
}

func TestSession_InvalidCommands(t *testing.T) {
	c := connect(t, testConfig())

	c.send(`{"type":"enqueue","request_id":"empty","text":"   "}`)
	res := c.result("empty")
	assert.Equal(t, false, res["ok"])
	assert.Contains(t, res["error"], "text is empty")

	c.send(`{"type":"dance","request_id":"x"}`)
	msg := c.find("unknown", func(m map[string]any) bool { return m["type"] == MsgError && m["request_id"] == "x" })
	assert.Contains(t, msg["message"], "unknown command")

	c.send(`{not json`)
	c.find("malformed", func(m map[string]any) bool {
		return m["type"] == MsgError && strings.Contains(fmt.Sprint(m["message"]), "malformed")
	})

	c.send(`{"type":"seek","request_id":"neg","offset_ms":-5}`)
	assert.Equal(t, false, c.result("neg")["ok"])

	c.send(`{"type":"live_stop","request_id":"nolive"}`)
	assert.Equal(t, false, c.result("nolive")["ok"])
}

func TestSession_BufferSize(t *testing.T) {
	c := connect(t, testConfig())

	c.send(`{"type":"buffer_size","request_id":"zero","size":0}`)
	assert.Equal(t, false, c.result("zero")["ok"])

	c.send(`{"type":"buffer_size","request_id":"three","size":3}`)
	assert.Equal(t, true, c.result("three")["ok"])

	c.send(`{"type":"state"}`)
	c.find("buffer size 3", func(m map[string]any) bool {
		return m["type"] == MsgState && m["buffer_size"] == float64(3)
	})
}

func TestSession_LipSyncConfig(t *testing.T) {
	c := connect(t, testConfig())

	c.send(`{"type":"lipsync_config","request_id":"on","lipsync":{"enabled":true,"similarity_threshold":0.5,"min_viseme_interval":40}}`)
	assert.Equal(t, true, c.result("on")["ok"])
	c.find("lipsync on", func(m map[string]any) bool {
		return m["type"] == MsgState && m["natural_lipsync"] == true
	})

	c.send(`{"type":"lipsync_config","request_id":"bad","lipsync":{"similarity_threshold":2}}`)
	assert.Equal(t, false, c.result("bad")["ok"])

	c.send(`{"type":"lipsync_config","request_id":"missing"}`)
	assert.Equal(t, false, c.result("missing")["ok"])
}

func TestSession_DeclaredInputs(t *testing.T) {
	c := connect(t, testConfig())

	c.send(`{"type":"inputs","request_id":"in","inputs":["is_speaking"]}`)
	assert.Equal(t, true, c.result("in")["ok"])

	c.send(`{"type":"enqueue","request_id":"q","text":"hello"}`)
	c.result("q")
	c.find("speaking on", func(m map[string]any) bool {
		return m["type"] == MsgInput && m["name"] == viseme.InputSpeaking && m["value"] == true
	})
	c.idle()
	assert.False(t, c.fired(mouth(viseme.Aa)), "undeclared inputs are not forwarded")
}

func TestSession_PrefetchAndPreview(t *testing.T) {
	c := connect(t, testConfig())

	c.send(`{"type":"prefetch","request_id":"p","text":"hello"}`)
	res := c.result("p")
	assert.Equal(t, true, res["ok"])
	assert.EqualValues(t, 100, res["duration_ms"])

	c.send(`{"type":"prefetch","request_id":"pf","text":"fail"}`)
	assert.Equal(t, false, c.result("pf")["ok"])

	c.send(`{"type":"preview","request_id":"v","text":"hi","voice":"bf_emma"}`)
	assert.Equal(t, true, c.result("v")["ok"])
	c.find("preview audio", func(m map[string]any) bool {
		return m["type"] == MsgAudio && m["source"] == "preview"
	})

	c.send(`{"type":"preview","request_id":"bad","text":"hi","voice":"not a voice"}`)
	assert.Equal(t, false, c.result("bad")["ok"])
}

func TestSession_PlaybackControls(t *testing.T) {
	c := connect(t, testConfig())

	c.send(`{"type":"pause","request_id":"pause"}`)
	assert.Equal(t, true, c.result("pause")["ok"])
	c.send(`{"type":"seek","request_id":"seek","offset_ms":50}`)
	assert.Equal(t, true, c.result("seek")["ok"])
	c.send(`{"type":"resume","request_id":"resume"}`)
	assert.Equal(t, true, c.result("resume")["ok"])

	for _, cmd := range []string{CmdClear, CmdStop, CmdStopAndClear} {
		c.send(fmt.Sprintf(`{"type":%q,"request_id":%q}`, cmd, cmd))
		assert.Equal(t, true, c.result(cmd)["ok"], cmd)
	}
}

func TestSession_PlaybackError(t *testing.T) {
	c := connect(t, testConfig())

	c.send(`{"type":"enqueue","request_id":"r1","text":"long"}`)
	id, _ := c.result("r1")["id"].(string)
	require.NotEmpty(t, id)
	c.find("audio", func(m map[string]any) bool { return m["type"] == MsgAudio && m["item_id"] == id })

	c.send(`{"type":"playback_error","request_id":"wrong","item_id":"nope","message":"bad frame"}`)
	res := c.result("wrong")
	assert.Equal(t, false, res["ok"])
	assert.Contains(t, res["error"], "not playing")

	c.send(fmt.Sprintf(`{"type":"playback_error","request_id":"e1","item_id":%q,"message":"bad frame"}`, id))
	assert.Equal(t, true, c.result("e1")["ok"])

	st := c.find("failed state", func(m map[string]any) bool {
		return m["type"] == MsgState && m["is_speaking"] == false && m["error"] != nil
	})
	assert.Contains(t, st["error"], "bad frame")

	// a repeated report for the finished item is rejected
	c.send(fmt.Sprintf(`{"type":"playback_error","request_id":"e2","item_id":%q}`, id))
	assert.Equal(t, false, c.result("e2")["ok"])
}

func TestSession_LiveRelay(t *testing.T) {
	var upgrade websocket.Upgrader
	live := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrade.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		audio := base64.StdEncoding.EncodeToString(make([]byte, 4800))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf(
			`{"type":"audio","audio_event":{"audio_base_64":%q,"event_id":1}}`, audio)))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(
			`{"type":"visemes","visemes":[{"offset":0,"visemeId":21}],"audio_event_id":1,"total_chunks":1}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer live.Close()
	liveURL := "ws" + strings.TrimPrefix(live.URL, "http")

	c := connect(t, testConfig())

	c.send(`{"type":"live_start","request_id":"deny","url":"wss://evil.example.com/socket"}`)
	assert.Equal(t, false, c.result("deny")["ok"])

	c.send(fmt.Sprintf(`{"type":"live_start","request_id":"start","url":%q,"gesture":true}`, liveURL))
	require.Equal(t, true, c.result("start")["ok"])

	c.send(fmt.Sprintf(`{"type":"live_start","request_id":"again","url":%q}`, liveURL))
	assert.Equal(t, false, c.result("again")["ok"])

	audio := c.find("live audio", func(m map[string]any) bool {
		return m["type"] == MsgAudio && m["source"] == "live"
	})
	assert.Equal(t, "1", audio["item_id"])
	c.find("gesture", func(m map[string]any) bool {
		return m["type"] == MsgInput && m["name"] == viseme.InputGesture
	})
	c.find("PBM", func(m map[string]any) bool {
		return m["type"] == MsgInput && m["action"] == "fire" && m["name"] == mouth(viseme.PBM)
	})

	c.send(`{"type":"live_stop","request_id":"stop"}`)
	assert.Equal(t, true, c.result("stop")["ok"])
	c.find("live stopped", func(m map[string]any) bool {
		return m["type"] == MsgLive && m["connected"] == false
	})
}
