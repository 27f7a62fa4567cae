package resilience

import (
	"context"
	"time"
)

// Default backoff parameters.
const (
	DefaultInitialBackoff = 1 * time.Second
	DefaultMaxBackoff     = 30 * time.Second
)

// Backoff produces exponentially growing delays: Initial, doubling on every
// call to [Backoff.Next], capped at Max. The zero value uses the defaults.
//
// A Backoff is not safe for concurrent use.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration

	current time.Duration
}

// Next returns the delay to wait before the next attempt and advances the
// sequence.
func (b *Backoff) Next() time.Duration {
	initial, limit := b.Initial, b.Max
	if initial <= 0 {
		initial = DefaultInitialBackoff
	}
	if limit <= 0 {
		limit = DefaultMaxBackoff
	}
	if limit < initial {
		limit = initial
	}

	if b.current <= 0 {
		b.current = initial
	}
	d := b.current
	b.current = min(b.current*2, limit)
	return d
}

// Reset restarts the sequence at Initial.
func (b *Backoff) Reset() { b.current = 0 }

// Wait sleeps for the next backoff delay. It returns ctx.Err() if ctx is
// cancelled first.
func (b *Backoff) Wait(ctx context.Context) error {
	t := time.NewTimer(b.Next())
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
