package submit

import (
	"context"
	"fmt"
	"time"

	"github.com/snehjoshi/eventrelay/internal/delivery"
	"github.com/snehjoshi/eventrelay/internal/types"
)

// DirectSender delivers one envelope synchronously, bypassing the queue. It
// is the gate's fallback when the work queue is unavailable: one attempt
// through the guarded deliverer, bounded by its own timeout, no retry.
type DirectSender struct {
	deliverer delivery.Deliverer
	timeout   time.Duration
}

// NewDirectSender returns a sender using d. A non-positive timeout defaults
// to 15s.
func NewDirectSender(d delivery.Deliverer, timeout time.Duration) *DirectSender {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &DirectSender{deliverer: d, timeout: timeout}
}

// Send makes a single delivery attempt.
func (s *DirectSender) Send(ctx context.Context, env types.Envelope) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.deliverer.Deliver(ctx, env); err != nil {
		return fmt.Errorf("submit: direct send: %w", err)
	}
	return nil
}
