// Package session serves browser avatars. Each WebSocket connection gets its
// own speech queue and scheduler; commands come in as JSON and renderer
// input changes go back out.
package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lexiqai/avatar-speech/internal/config"
	"github.com/lexiqai/avatar-speech/internal/live"
	"github.com/lexiqai/avatar-speech/internal/observability"
	"github.com/lexiqai/avatar-speech/internal/playback"
	"github.com/lexiqai/avatar-speech/internal/speech"
	"github.com/lexiqai/avatar-speech/internal/tts"
)

var upgrader = websocket.Upgrader{
	// Avatars are embedded on customer sites; origin checks belong to the proxy
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

const (
	outBufferSize  = 256
	writeTimeout   = 10 * time.Second
	maxMessageSize = 64 << 10
)

// Deps are the collaborators shared by every session
type Deps struct {
	Config *config.Config
	Synth  tts.Synthesizer
	Logger zerolog.Logger

	// Dial opens live conversation sockets. Defaults to live.DialWebSocket.
	Dial  func(url string) live.Dialer
	Clock playback.Clock
}

// Session is one connected avatar
type Session struct {
	id      string
	deps    Deps
	conn    *websocket.Conn
	logger  zerolog.Logger
	metrics *observability.Metrics

	out    chan []byte
	sink   *inputSink
	sched  *playback.Scheduler
	speech *speech.Manager

	ctx   context.Context
	tasks sync.WaitGroup

	mu        sync.Mutex
	relay     *live.Relay
	stopRelay context.CancelFunc
	relayDone chan struct{}
}

// New creates a session on an upgraded connection
func New(conn *websocket.Conn, deps Deps) (*Session, error) {
	if deps.Dial == nil {
		deps.Dial = func(url string) live.Dialer { return live.DialWebSocket(url, nil) }
	}
	cfg := deps.Config

	id := uuid.New().String()
	logger := observability.SessionLogger(deps.Logger, observability.NewCorrelationID(), id)
	s := &Session{
		id:      id,
		deps:    deps,
		conn:    conn,
		logger:  logger,
		metrics: observability.NewSessionMetrics(id),
		out:     make(chan []byte, outBufferSize),
		ctx:     context.Background(),
	}
	s.sink = newInputSink(s.send)

	opts := playback.DefaultOptions()
	opts.Logger = logger
	if deps.Clock != nil {
		opts.Clock = deps.Clock
	}
	s.sched = playback.NewScheduler(s.sink, opts)

	mgr, err := speech.NewManager(deps.Synth, s.sched, speech.Config{
		DefaultVoice:         cfg.TTSDefaultVoice,
		BufferSize:           cfg.SpeechBufferSize,
		EnableNaturalLipSync: cfg.LipSyncEnabled,
		NaturalLipSync:       cfg.LipSync(),
		Collect: tts.CollectOptions{
			Format: cfg.AudioFormat(),
			Stress: cfg.Stress(),
		},
		PrefetchCacheSize: cfg.PrefetchCacheSize,
		Debug:             cfg.LogLevel == "debug",
		Logger:            logger,
		Metrics:           s.metrics,
		OnChange:          s.sendState,
		OnPlay:            s.sendItemAudio,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create speech queue: %w", err)
	}
	s.speech = mgr
	return s, nil
}

// HandleAvatarWS is the entry point for avatar WebSocket connections
func HandleAvatarWS(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			deps.Logger.Warn().Err(err).Msg("Failed to upgrade connection to WebSocket")
			return
		}

		s, err := New(conn, deps)
		if err != nil {
			deps.Logger.Error().Err(err).Msg("Failed to create avatar session")
			conn.Close()
			return
		}
		if err := s.Run(r.Context()); err != nil {
			s.logger.Warn().Err(err).Msg("Avatar session ended with error")
		}
	}
}

// ID returns the session id
func (s *Session) ID() string {
	return s.id
}

// Run serves the connection until the browser disconnects or ctx ends
func (s *Session) Run(ctx context.Context) error {
	s.metrics.RecordSessionStart()
	defer s.metrics.RecordSessionEnd()
	s.logger.Info().Msg("Avatar session started")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	s.ctx = gctx

	g.Go(func() error {
		defer cancel()
		s.readLoop()
		return nil
	})
	g.Go(func() error {
		return s.writeLoop(gctx)
	})
	g.Go(func() error {
		s.tickLoop(gctx)
		return nil
	})
	s.sendState()

	err := g.Wait()
	s.shutdown()
	s.logger.Info().Msg("Avatar session ended")
	return err
}

func (s *Session) shutdown() {
	s.stopLive()
	s.speech.Close()
	s.tasks.Wait()
}

func (s *Session) readLoop() {
	s.conn.SetReadLimit(maxMessageSize)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}
		s.handle(data)
	}
}

func (s *Session) writeLoop(ctx context.Context) error {
	defer s.conn.Close()
	for {
		select {
		case data := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.metrics.RecordError("send_error", "session")
				return fmt.Errorf("failed to write to avatar: %w", err)
			}
		case <-ctx.Done():
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return nil
		}
	}
}

func (s *Session) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(s.deps.Config.PlaybackTick())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sched.Tick()
			if r := s.liveRelay(); r != nil {
				r.Scheduler().Tick()
				r.Update()
			}
		}
	}
}

// send queues a message for the browser without blocking. Messages are
// dropped when the browser falls behind.
func (s *Session) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode outgoing message")
		return
	}
	select {
	case s.out <- data:
	default:
		s.logger.Warn().Msg("Outgoing channel full, dropping message")
		s.metrics.RecordError("send_dropped", "session")
	}
}

func (s *Session) sendItemAudio(it speech.Item) {
	if it.Payload == nil {
		return
	}
	source := "queue"
	if it.ID == "" {
		source = "preview"
	}
	s.metrics.RecordAudioBytes("tts", int64(len(it.Payload.Audio)))
	s.send(AudioMessage{
		Type:        MsgAudio,
		Source:      source,
		ItemID:      it.ID,
		AudioBase64: base64.StdEncoding.EncodeToString(it.Payload.Audio),
		DurationMS:  toMillis(it.Payload.Duration),
	})
}

func (s *Session) sendLiveAudio(ev tts.AudioEvent, start time.Duration) {
	s.send(AudioMessage{
		Type:        MsgAudio,
		Source:      "live",
		ItemID:      strconv.Itoa(ev.ID),
		AudioBase64: base64.StdEncoding.EncodeToString(ev.Audio),
		OffsetMS:    toMillis(start),
		DurationMS:  toMillis(s.deps.Config.AudioFormat().Duration(len(ev.Audio))),
	})
}

func (s *Session) sendState() {
	snap := s.speech.Snapshot()
	lipSync, _ := s.speech.NaturalLipSync()

	msg := StateMessage{
		Type:              MsgState,
		IsSpeaking:        snap.IsSpeaking,
		IsLoading:         snap.IsLoading,
		IsProcessingQueue: snap.IsProcessingQueue,
		Queue:             make([]ItemView, 0, len(snap.Queue)),
		QueueLength:       snap.QueueLength,
		Error:             snap.Error,
		BufferSize:        snap.BufferSize,
		NaturalLipSync:    lipSync,
		Playback:          s.sched.State().String(),
		Live:              s.liveView(),
	}
	for _, it := range snap.Queue {
		msg.Queue = append(msg.Queue, itemView(it))
	}
	if snap.Current != nil {
		cur := itemView(*snap.Current)
		msg.Current = &cur
	}
	if snap.PlaybackStartDelay != nil {
		ms := toMillis(*snap.PlaybackStartDelay)
		msg.PlaybackStartDelayMS = &ms
	}
	s.send(msg)
}
