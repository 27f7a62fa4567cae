package audio

import "context"

// Source is a microphone-like capture device that delivers fixed-size mono
// frames.
//
// Start acquires the device and returns a channel of frames. The channel is
// closed when ctx is cancelled or Stop is called. Calling Start on a source
// that is already running returns an error.
//
// While muted the source keeps running but delivers no frames, so nothing is
// captured while the assistant speaks.
type Source interface {
	Start(ctx context.Context) (<-chan AudioFrame, error)
	SetMuted(muted bool)
	Stop() error
}

// Sink is an audio output device. Play blocks until pcm has been played
// completely or ctx is cancelled, which makes it the natural back-pressure
// point of the playback queue. Implementations must not be called
// concurrently.
type Sink interface {
	Play(ctx context.Context, pcm []int16, sampleRate int) error
}

// MaxReadFailures is the number of consecutive failed device reads after
// which a capture loop gives up and closes its frame channel, so the
// consumer learns that the device is gone.
const MaxReadFailures = 50

// ReadFailures tracks consecutive device read failures of a capture loop.
// The zero value uses [MaxReadFailures].
type ReadFailures struct {
	Limit int
	n     int
}

// Observe records the outcome of one read and reports whether the loop
// should keep reading. A nil err resets the count.
func (r *ReadFailures) Observe(err error) bool {
	if err == nil {
		r.n = 0
		return true
	}
	r.n++
	limit := r.Limit
	if limit <= 0 {
		limit = MaxReadFailures
	}
	return r.n < limit
}

// Count returns the current number of consecutive failures.
func (r *ReadFailures) Count() int { return r.n }
