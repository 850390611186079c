package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/lexiqai/avatar-speech/internal/errs"
	"github.com/lexiqai/avatar-speech/internal/observability"
	"github.com/lexiqai/avatar-speech/internal/resilience"
)

const (
	maxErrorBody = 512
	checkTimeout = 3 * time.Second
)

// ClientConfig configures the HTTP TTS client
type ClientConfig struct {
	Endpoint string
	APIKey   string // bearer token for the TTS service, optional
	Engine   string // default engine when Params.Engine is empty

	RequestsPerSecond float64
	Burst             int

	Retry      *resilience.RetryConfig
	Breaker    *resilience.CircuitBreaker
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Client streams synthesis results from the TTS HTTP endpoint. Only the
// request phase is retried; a stream that fails midway is reported to the
// caller.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *resilience.CircuitBreaker
	logger     zerolog.Logger
}

// synthesizeRequest is the request body of the TTS endpoint
type synthesizeRequest struct {
	Text         string  `json:"text"`
	Voice        string  `json:"voice"`
	TTSEngine    string  `json:"tts_engine,omitempty"`
	TTSAPIKey    string  `json:"tts_api_key,omitempty"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	Speed        float64 `json:"speed,omitempty"`
}

// NewClient creates a TTS client
func NewClient(cfg ClientConfig) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Retry == nil {
		cfg.Retry = resilience.DefaultRetryConfig()
	}
	if cfg.Breaker == nil {
		cfg.Breaker = resilience.NewCircuitBreaker("tts", 5, 30*time.Second)
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &Client{
		cfg:        cfg,
		httpClient: cfg.HTTPClient,
		limiter:    rate.NewLimiter(limit, max(cfg.Burst, 1)),
		breaker:    cfg.Breaker,
		logger:     cfg.Logger.With().Str("component", "tts_client").Logger(),
	}
}

// Synthesize sends text to the TTS endpoint and returns the response stream
func (c *Client) Synthesize(ctx context.Context, text string, p Params) (Stream, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errs.ValidationError("tts.synthesize", "text is empty")
	}
	if !ValidVoiceID(p.Voice) {
		return nil, errs.ValidationError("tts.synthesize", "invalid voice id %q", p.Voice)
	}
	if p.Speed < 0 {
		return nil, errs.ValidationError("tts.synthesize", "speed must not be negative, got %v", p.Speed)
	}

	engine := p.Engine
	if engine == "" {
		engine = c.cfg.Engine
	}
	body, err := json.Marshal(synthesizeRequest{
		Text:         text,
		Voice:        p.Voice,
		TTSEngine:    engine,
		TTSAPIKey:    p.APIKey,
		SystemPrompt: p.SystemPrompt,
		Speed:        p.Speed,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, errs.CancellationError("tts.synthesize", ctx.Err())
		}
		return nil, errs.NetworkError("tts.synthesize", err)
	}

	var resp *http.Response
	err = c.breaker.Call(func() error {
		return resilience.Retry(ctx, func(ctx context.Context) error {
			r, err := c.post(ctx, body)
			if err != nil {
				return err
			}
			resp = r
			return nil
		}, c.cfg.Retry, resilience.IsRetryable)
	}, func(err error) bool {
		return ctx.Err() == nil && serviceFailure(err)
	})
	if err != nil {
		observability.RecordError("tts_request", "tts_client")
		switch {
		case ctx.Err() != nil:
			return nil, errs.CancellationError("tts.synthesize", ctx.Err())
		case errors.Is(err, resilience.ErrCircuitOpen):
			return nil, errs.NetworkError("tts.synthesize", err)
		}
		return nil, err
	}

	c.logger.Debug().
		Str("voice", p.Voice).
		Str("engine", engine).
		Int("text_length", len(text)).
		Msg("TTS stream opened")

	return &httpStream{body: resp.Body, decoder: NewDecoder(resp.Body)}, nil
}

// serviceFailure reports whether err says the TTS service is unhealthy.
// Cancellations and rejected requests (4xx other than 429) do not.
func serviceFailure(err error) bool {
	return errs.KindOf(err) == errs.KindNetwork && resilience.IsRetryable(err)
}

// post performs one request. Transport failures and 5xx/429 responses are
// marked retryable.
func (c *Client) post(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errs.NetworkError("tts.request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson, text/event-stream")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errs.CancellationError("tts.request", ctx.Err())
		}
		return nil, resilience.NewRetryableError(errs.NetworkError("tts.request", err))
	}
	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()
	statusErr := errs.NetworkError("tts.request",
		fmt.Errorf("TTS API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, resilience.NewRetryableError(statusErr)
	}
	return nil, statusErr
}

// Check probes the endpoint for readiness. Any response below 500 counts as
// reachable; an open circuit counts as unhealthy.
func (c *Client) Check(ctx context.Context) (bool, error) {
	if state, requests, failures, pct := c.breaker.GetStats(); state == resilience.StateOpen {
		return false, fmt.Errorf("%w: %d of %d requests failed (%.0f%%)",
			resilience.ErrCircuitOpen, failures, requests, pct)
	}
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.cfg.Endpoint, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return false, fmt.Errorf("TTS API returned status %d", resp.StatusCode)
	}
	return true, nil
}

// httpStream decodes events from a response body
type httpStream struct {
	body    io.ReadCloser
	decoder *Decoder
	once    sync.Once
}

func (s *httpStream) Next(ctx context.Context) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, errs.CancellationError("tts.stream", err)
	}
	ev, err := s.decoder.Next()
	if err != nil && err != io.EOF && ctx.Err() != nil {
		return Event{}, errs.CancellationError("tts.stream", ctx.Err())
	}
	return ev, err
}

func (s *httpStream) Close() error {
	var err error
	s.once.Do(func() { err = s.body.Close() })
	return err
}
