package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestReconnect_SucceedsAfterFailures(t *testing.T) {
	config := &ReconnectConfig{
		MaxAttempts: 4,
		Backoff:     5 * time.Millisecond,
		Multiplier:  2.0,
		MaxBackoff:  20 * time.Millisecond,
	}

	attempts := 0
	err := Reconnect(context.Background(), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("dial failed")
		}
		return nil
	}, config, zerolog.Nop())

	if err != nil {
		t.Errorf("Expected reconnect to succeed, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestReconnect_GivesUp(t *testing.T) {
	config := &ReconnectConfig{
		MaxAttempts: 2,
		Backoff:     time.Millisecond,
		Multiplier:  2.0,
		MaxBackoff:  5 * time.Millisecond,
	}
	dialErr := errors.New("dial failed")

	err := Reconnect(context.Background(), func(context.Context) error {
		return dialErr
	}, config, zerolog.Nop())

	if !errors.Is(err, dialErr) {
		t.Errorf("Expected last dial error to be wrapped, got %v", err)
	}
}

func TestReconnect_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := Reconnect(ctx, func(context.Context) error {
		called = true
		return nil
	}, DefaultReconnectConfig(), zerolog.Nop())

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if called {
		t.Error("Expected no attempt after cancellation")
	}
}
