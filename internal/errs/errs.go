// Package errs defines the error taxonomy shared by the fetch client, the
// playback scheduler and the speech queue.
package errs

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure
type Kind int

const (
	KindUnknown      Kind = iota
	KindNetwork           // TTS endpoint unreachable or non-success response
	KindDecode            // payload malformed or undecodable
	KindValidation        // empty/invalid text, invalid voice id
	KindCancellation      // operation intentionally aborted
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindDecode:
		return "decode"
	case KindValidation:
		return "validation"
	case KindCancellation:
		return "cancellation"
	default:
		return "unknown"
	}
}

// Error is a classified error. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind, so errors.Is(err, errs.Network) works
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons
var (
	Network      = &Error{Kind: KindNetwork}
	Decode       = &Error{Kind: KindDecode}
	Validation   = &Error{Kind: KindValidation}
	Cancellation = &Error{Kind: KindCancellation}
)

func newError(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// NetworkError wraps err as a network failure
func NetworkError(op string, err error) error { return newError(KindNetwork, op, err) }

// DecodeError wraps err as a decode failure
func DecodeError(op string, err error) error { return newError(KindDecode, op, err) }

// ValidationError builds a validation failure from a message
func ValidationError(op, format string, args ...any) error {
	return newError(KindValidation, op, fmt.Errorf(format, args...))
}

// CancellationError wraps err as a cancellation
func CancellationError(op string, err error) error { return newError(KindCancellation, op, err) }

// KindOf reports the kind of err. Context cancellation and deadline errors
// that were never classified map to KindCancellation and KindNetwork.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancellation
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}
	return KindUnknown
}

// IsCancellation reports whether err is an intentional abort
func IsCancellation(err error) bool {
	return KindOf(err) == KindCancellation
}
