package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lexiqai/avatar-speech/internal/errs"
	"github.com/lexiqai/avatar-speech/internal/live"
	"github.com/lexiqai/avatar-speech/internal/speech"
	"github.com/lexiqai/avatar-speech/internal/viseme"
)

var errLiveRunning = errors.New("live relay is already running")

func (s *Session) handle(data []byte) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		s.send(ErrorMessage{Type: MsgError, Message: fmt.Sprintf("malformed command: %v", err)})
		return
	}
	s.logger.Debug().Str("command", cmd.Type).Str("request_id", cmd.RequestID).Msg("Command received")

	switch cmd.Type {
	case CmdEnqueue:
		id := s.speech.AddToQueue(cmd.Text, cmd.requestOptions())
		if it, ok := s.speech.Item(id); ok && it.Status == speech.StatusError {
			s.reply(cmd, id, errors.New(it.Error))
			return
		}
		s.reply(cmd, id, nil)

	case CmdSpeak:
		s.async(func(ctx context.Context) {
			if s.speech.Speak(ctx, cmd.Text, cmd.requestOptions()) {
				s.reply(cmd, "", nil)
				return
			}
			s.reply(cmd, "", s.lastError("speech did not start"))
		})

	case CmdPrefetch:
		s.async(func(ctx context.Context) {
			p := s.speech.PrefetchAudio(ctx, cmd.Text, cmd.requestOptions())
			if p == nil {
				s.reply(cmd, "", errors.New("prefetch failed"))
				return
			}
			ms := toMillis(p.Duration)
			s.send(ResultMessage{Type: MsgResult, RequestID: cmd.RequestID, Command: cmd.Type, OK: true, DurationMS: &ms})
		})

	case CmdPreview:
		s.async(func(ctx context.Context) {
			if s.speech.PreviewVoice(ctx, cmd.Text, cmd.Voice) {
				s.reply(cmd, "", nil)
				return
			}
			s.reply(cmd, "", s.lastError("preview failed"))
		})

	case CmdClear:
		s.speech.ClearQueue()
		s.reply(cmd, "", nil)
	case CmdStop:
		s.speech.StopSpeaking()
		s.reply(cmd, "", nil)
	case CmdStopAndClear:
		s.speech.StopAndClear()
		s.reply(cmd, "", nil)
	case CmdBufferSize:
		s.reply(cmd, "", s.speech.SetBufferSize(cmd.Size))

	case CmdPause:
		s.sched.Pause()
		s.reply(cmd, "", nil)
		s.sendState()
	case CmdResume:
		s.sched.Play()
		s.reply(cmd, "", nil)
		s.sendState()
	case CmdSeek:
		if cmd.OffsetMS < 0 {
			s.reply(cmd, "", errs.ValidationError("session.seek", "offset must not be negative, got %v", cmd.OffsetMS))
			return
		}
		s.sched.Seek(millis(cmd.OffsetMS))
		s.reply(cmd, "", nil)

	case CmdLipSyncConfig:
		s.reply(cmd, "", s.updateLipSync(cmd.LipSync))
		s.sendState()

	case CmdInputs:
		names := cmd.Inputs
		if len(names) == 0 {
			names = viseme.StandardInputs()
		}
		s.sink.Declare(names)
		s.reply(cmd, "", nil)

	case CmdLiveStart:
		s.reply(cmd, "", s.startLive(cmd))
		s.sendState()
	case CmdLiveStop:
		if !s.stopLive() {
			s.reply(cmd, "", errs.ValidationError("session.live_stop", "live relay is not running"))
			return
		}
		s.reply(cmd, "", nil)

	case CmdPlaybackError:
		msg := cmd.Message
		if msg == "" {
			msg = "browser could not play audio"
		}
		if !s.speech.PlaybackFailed(cmd.ItemID, errs.DecodeError("session.playback_error", errors.New(msg))) {
			s.reply(cmd, cmd.ItemID, errs.ValidationError("session.playback_error", "item %q is not playing", cmd.ItemID))
			return
		}
		s.reply(cmd, cmd.ItemID, nil)

	case CmdState:
		s.sendState()

	default:
		s.send(ErrorMessage{Type: MsgError, RequestID: cmd.RequestID, Message: fmt.Sprintf("unknown command %q", cmd.Type)})
	}
}

func (s *Session) reply(cmd Command, id string, err error) {
	msg := ResultMessage{Type: MsgResult, RequestID: cmd.RequestID, Command: cmd.Type, OK: err == nil, ID: id}
	if err != nil {
		msg.Error = err.Error()
	}
	s.send(msg)
}

func (s *Session) lastError(fallback string) error {
	if msg := s.speech.Error(); msg != "" {
		return errors.New(msg)
	}
	return errors.New(fallback)
}

// async runs a command that waits on the network so the read loop stays
// responsive
func (s *Session) async(fn func(ctx context.Context)) {
	ctx := s.ctx
	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		fn(ctx)
	}()
}

func (s *Session) updateLipSync(patch *LipSyncPatch) error {
	if patch == nil {
		return errs.ValidationError("session.lipsync_config", "lipsync settings are missing")
	}
	enabled, cfg := s.speech.NaturalLipSync()
	if patch.Enabled != nil {
		enabled = *patch.Enabled
	}
	next := cfg.With(patch.override())
	if err := next.Validate(); err != nil {
		return errs.ValidationError("session.lipsync_config", "%v", err)
	}
	return s.speech.SetNaturalLipSync(enabled, next)
}

func (s *Session) liveRelay() *live.Relay {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.relay
}

func (s *Session) liveView() *LiveView {
	r := s.liveRelay()
	if r == nil {
		return nil
	}
	c := r.Counts()
	return &LiveView{
		Connected:      r.Intercepting(),
		AudioMessages:  c.Audio,
		VisemeMessages: c.Viseme,
		OtherMessages:  c.Other,
	}
}

// startLive hands the avatar to a live conversation socket. Queued speech
// is stopped first so only the relay drives the renderer.
func (s *Session) startLive(cmd Command) error {
	cfg := s.deps.Config
	if !cfg.LiveURLAllowed(cmd.URL) {
		return errs.ValidationError("session.live_start", "live url %q is not allowed", cmd.URL)
	}
	if s.liveRelay() != nil {
		return errLiveRunning
	}
	s.speech.StopAndClear()

	_, lipSync := s.speech.NaturalLipSync()
	relay, err := live.NewRelay(s.sink, live.Options{
		Gesture:              cmd.Gesture,
		NaturalLipSync:       cmd.NaturalLipSync,
		NaturalLipSyncConfig: lipSync,
		Stress:               cfg.Stress(),
		Format:               cfg.AudioFormat(),
		OnAudio:              s.sendLiveAudio,
		Clock:                s.deps.Clock,
		Logger:               s.logger,
		Metrics:              s.metrics,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan struct{})
	s.mu.Lock()
	if s.relay != nil {
		s.mu.Unlock()
		cancel()
		return errLiveRunning
	}
	s.relay, s.stopRelay, s.relayDone = relay, cancel, done
	s.mu.Unlock()

	s.logger.Info().Str("url", cmd.URL).Bool("gesture", cmd.Gesture).Msg("Live relay started")
	go func() {
		defer close(done)
		err := relay.Run(ctx, s.deps.Dial(cmd.URL), cfg.Reconnect())
		relay.Interrupt()

		s.mu.Lock()
		if s.relay == relay {
			s.relay, s.stopRelay, s.relayDone = nil, nil, nil
		}
		s.mu.Unlock()
		cancel()

		msg := LiveMessage{Type: MsgLive}
		if err != nil {
			s.logger.Warn().Err(err).Msg("Live relay failed")
			msg.Error = err.Error()
		} else {
			s.logger.Info().Msg("Live relay stopped")
		}
		s.send(msg)
		s.sendState()
	}()
	return nil
}

// stopLive ends the live relay and waits for it. It reports whether one was
// running.
func (s *Session) stopLive() bool {
	s.mu.Lock()
	cancel, done := s.stopRelay, s.relayDone
	s.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	<-done
	return true
}
