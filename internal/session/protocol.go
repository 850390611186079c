package session

import (
	"time"

	"github.com/lexiqai/avatar-speech/internal/lipsync"
	"github.com/lexiqai/avatar-speech/internal/speech"
	"github.com/lexiqai/avatar-speech/internal/tts"
)

// Commands sent by the browser
const (
	CmdSpeak         = "speak"
	CmdEnqueue       = "enqueue"
	CmdPrefetch      = "prefetch"
	CmdClear         = "clear"
	CmdStop          = "stop"
	CmdStopAndClear  = "stop_and_clear"
	CmdPreview       = "preview"
	CmdBufferSize    = "buffer_size"
	CmdPause         = "pause"
	CmdResume        = "resume"
	CmdSeek          = "seek"
	CmdLipSyncConfig = "lipsync_config"
	CmdInputs        = "inputs"
	CmdLiveStart     = "live_start"
	CmdLiveStop      = "live_stop"
	CmdState         = "state"
	// playback_error reports that the browser could not play an item's
	// audio. It names the item so a late report cannot fail its successor.
	CmdPlaybackError = "playback_error"
)

// Messages sent to the browser
const (
	MsgInput  = "input"
	MsgState  = "state"
	MsgAudio  = "audio"
	MsgResult = "result"
	MsgError  = "error"
	MsgLive   = "live"
)

// Command is one message from the browser
type Command struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`

	// speak, enqueue, prefetch, preview
	Text         string  `json:"text,omitempty"`
	Voice        string  `json:"voice,omitempty"`
	Engine       string  `json:"tts_engine,omitempty"`
	APIKey       string  `json:"tts_api_key,omitempty"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	Speed        float64 `json:"speed,omitempty"`

	Size     int      `json:"size,omitempty"`      // buffer_size
	OffsetMS float64  `json:"offset_ms,omitempty"` // seek
	Inputs   []string `json:"inputs,omitempty"`

	LipSync *LipSyncPatch `json:"lipsync,omitempty"`

	// playback_error
	ItemID  string `json:"item_id,omitempty"`
	Message string `json:"message,omitempty"`

	// live_start
	URL            string `json:"url,omitempty"`
	Gesture        bool   `json:"gesture,omitempty"`
	NaturalLipSync bool   `json:"natural_lipsync,omitempty"`
}

func (c Command) requestOptions() speech.RequestOptions {
	return speech.RequestOptions{
		Voice: c.Voice,
		TTS: tts.Params{
			Engine:       c.Engine,
			APIKey:       c.APIKey,
			SystemPrompt: c.SystemPrompt,
			Speed:        c.Speed,
		},
	}
}

// LipSyncPatch changes natural lip-sync settings. Intervals are in
// milliseconds; nil fields are left alone.
type LipSyncPatch struct {
	Enabled                 *bool    `json:"enabled,omitempty"`
	MinVisemeInterval       *float64 `json:"min_viseme_interval,omitempty"`
	MergeWindow             *float64 `json:"merge_window,omitempty"`
	KeyVisemePreference     *float64 `json:"key_viseme_preference,omitempty"`
	PreserveSilence         *bool    `json:"preserve_silence,omitempty"`
	SimilarityThreshold     *float64 `json:"similarity_threshold,omitempty"`
	PreserveCriticalVisemes *bool    `json:"preserve_critical_visemes,omitempty"`
}

func (p LipSyncPatch) override() lipsync.Override {
	return lipsync.Override{
		MinVisemeInterval:       millisPtr(p.MinVisemeInterval),
		MergeWindow:             millisPtr(p.MergeWindow),
		KeyVisemePreference:     p.KeyVisemePreference,
		PreserveSilence:         p.PreserveSilence,
		SimilarityThreshold:     p.SimilarityThreshold,
		PreserveCriticalVisemes: p.PreserveCriticalVisemes,
	}
}

func millisPtr(ms *float64) *time.Duration {
	if ms == nil {
		return nil
	}
	d := millis(*ms)
	return &d
}

func millis(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

func toMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// InputMessage drives one renderer input in the browser
type InputMessage struct {
	Type   string `json:"type"`
	Name   string `json:"name"`
	Action string `json:"action"`          // fire, bool or number
	Value  any    `json:"value,omitempty"` // bool or float64; absent for fire
}

// AudioMessage carries the audio of an utterance that just started playing
type AudioMessage struct {
	Type        string  `json:"type"`
	Source      string  `json:"source"` // queue, preview or live
	ItemID      string  `json:"item_id,omitempty"`
	AudioBase64 string  `json:"audio_base_64"`
	OffsetMS    float64 `json:"offset_ms"`
	DurationMS  float64 `json:"duration_ms"`
}

// ResultMessage answers a command
type ResultMessage struct {
	Type       string   `json:"type"`
	RequestID  string   `json:"request_id,omitempty"`
	Command    string   `json:"command"`
	OK         bool     `json:"ok"`
	ID         string   `json:"id,omitempty"`
	DurationMS *float64 `json:"duration_ms,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// ErrorMessage reports a command that could not be handled at all
type ErrorMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Message   string `json:"message"`
}

// LiveMessage reports the live relay's connection state
type LiveMessage struct {
	Type      string `json:"type"`
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}

// ItemView is the wire form of a queue item
type ItemView struct {
	ID         string        `json:"id"`
	Text       string        `json:"text"`
	Voice      string        `json:"voice"`
	Status     speech.Status `json:"status"`
	Timestamp  time.Time     `json:"timestamp"`
	DurationMS float64       `json:"duration_ms,omitempty"`
	Error      string        `json:"error,omitempty"`
}

func itemView(it speech.Item) ItemView {
	v := ItemView{
		ID:        it.ID,
		Text:      it.Text,
		Voice:     it.Voice,
		Status:    it.Status,
		Timestamp: it.Timestamp,
		Error:     it.Error,
	}
	if it.Payload != nil {
		v.DurationMS = toMillis(it.Payload.Duration)
	}
	return v
}

// LiveView summarizes an active live relay
type LiveView struct {
	Connected      bool `json:"connected"`
	AudioMessages  int  `json:"audio_messages"`
	VisemeMessages int  `json:"viseme_messages"`
	OtherMessages  int  `json:"other_messages"`
}

// StateMessage is the observable state of the session
type StateMessage struct {
	Type                 string     `json:"type"`
	IsSpeaking           bool       `json:"is_speaking"`
	IsLoading            bool       `json:"is_loading"`
	IsProcessingQueue    bool       `json:"is_processing_queue"`
	Queue                []ItemView `json:"queue"`
	Current              *ItemView  `json:"current,omitempty"`
	QueueLength          int        `json:"queue_length"`
	Error                string     `json:"error,omitempty"`
	PlaybackStartDelayMS *float64   `json:"playback_start_delay_ms,omitempty"`
	BufferSize           int        `json:"buffer_size"`
	NaturalLipSync       bool       `json:"natural_lipsync"`
	Playback             string     `json:"playback"`
	Live                 *LiveView  `json:"live,omitempty"`
}
