package live

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/lexiqai/avatar-speech/internal/errs"
	"github.com/lexiqai/avatar-speech/internal/resilience"
)

// Conn is the subset of *websocket.Conn the relay reads from
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a live conversation socket
type Dialer func(ctx context.Context) (Conn, error)

// DialWebSocket returns a Dialer for url
func DialWebSocket(url string, header http.Header) Dialer {
	return func(ctx context.Context) (Conn, error) {
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			return nil, errs.NetworkError("live.dial", err)
		}
		return conn, nil
	}
}

// Run intercepts the socket returned by dial until ctx is cancelled or the
// peer closes normally. Dropped connections are redialled with backoff and
// interrupt any playback in progress.
func (r *Relay) Run(ctx context.Context, dial Dialer, reconnect *resilience.ReconnectConfig) error {
	if reconnect == nil {
		reconnect = resilience.DefaultReconnectConfig()
	}
	for {
		var conn Conn
		err := resilience.Reconnect(ctx, func(ctx context.Context) error {
			c, err := dial(ctx)
			if err != nil {
				return err
			}
			conn = c
			return nil
		}, reconnect, r.logger)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		r.logger.Info().Msg("Live conversation connected")
		r.setIntercepting(true)
		err = r.serve(ctx, conn)
		r.setIntercepting(false)
		conn.Close()

		if ctx.Err() != nil || err == nil {
			r.logger.Info().Msg("Live conversation closed")
			return nil
		}
		r.logger.Warn().Err(err).Msg("Live conversation dropped, reconnecting")
		r.Interrupt()
	}
}

func (r *Relay) serve(ctx context.Context, conn Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		reply, err := r.Handle(data)
		if err != nil {
			r.logger.Warn().Err(err).Msg("Dropped malformed live message")
			continue
		}
		if reply != nil {
			if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
				return err
			}
		}
	}
}
