// Package delivery owns the network-facing side of the pipeline: the
// Deliverer contract, the typed errors a deliverer returns, and the
// classifier that turns a failure into a retry decision.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/snehjoshi/eventrelay/internal/types"
)

// Deliverer sends one envelope to the remote API.
type Deliverer interface {
	Deliver(ctx context.Context, env types.Envelope) error
}

// DelivererFunc adapts a function to the Deliverer interface.
type DelivererFunc func(ctx context.Context, env types.Envelope) error

// Deliver calls f.
func (f DelivererFunc) Deliver(ctx context.Context, env types.Envelope) error { return f(ctx, env) }

// Kind tags why a delivery failed.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindNetwork
	KindTimeout
	KindRateLimited
	KindUnavailable
	KindServerError
	KindClientError
	KindValidation
	KindAuth
)

// String returns a human-readable representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindRateLimited:
		return "rate_limited"
	case KindUnavailable:
		return "unavailable"
	case KindServerError:
		return "server_error"
	case KindClientError:
		return "client_error"
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	default:
		return "unknown"
	}
}

// Class returns the retry decision for k. KindUnknown is retryable so an
// unrecognised failure never drops an event.
func (k Kind) Class() Class {
	switch k {
	case KindClientError, KindValidation, KindAuth:
		return Permanent
	default:
		return Retryable
	}
}

// Error is the typed failure returned by deliverers and the guard.
type Error struct {
	Kind   Kind
	Status int // HTTP status, 0 when no response was received
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Status > 0 {
		fmt.Fprintf(&b, "%d ", e.Status)
	}
	b.WriteString(e.Msg)
	if e.Err != nil {
		if e.Msg != "" {
			b.WriteString(": ")
		}
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an *Error of the given kind.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind carried by err, or KindUnknown.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}
