// Package session implements the turn-taking state machine that couples the
// microphone, the utterance segmenter, the backend connection and the
// playback queue.
//
// An [Engine] cycles through four states:
//
//	SETUP → IDLE → RECORDING → GENERATING → SETUP
//
// SETUP acquires the capture device, warms the backend up and dials a fresh
// connection. IDLE waits for speech. RECORDING streams the utterance to the
// backend. GENERATING plays the reply back with the microphone muted. Every
// turn uses its own connection. Errors and cancellations abort the turn and
// return the engine to SETUP.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/voxloop/internal/backend"
	"github.com/MrWong99/voxloop/internal/playback"
	"github.com/MrWong99/voxloop/internal/protocol"
	"github.com/MrWong99/voxloop/internal/transport"
	"github.com/MrWong99/voxloop/pkg/vad"
)

// State is the engine state.
type State int

const (
	// StateSetup acquires resources for the next turn.
	StateSetup State = iota

	// StateIdle waits for the user to start talking.
	StateIdle

	// StateRecording streams the utterance upstream.
	StateRecording

	// StateGenerating plays the reply.
	StateGenerating
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateSetup:
		return "setup"
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateGenerating:
		return "generating"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	// ErrCaptureUnavailable is reported when the capture device cannot be
	// opened or stops delivering frames.
	ErrCaptureUnavailable = errors.New("session: capture unavailable")

	// ErrConnectionFailure is reported when the backend connection cannot be
	// established or breaks during a turn.
	ErrConnectionFailure = errors.New("session: connection failure")
)

// ─── Collaborators ───────────────────────────────────────────────────────────

// Conn is one backend connection. [*transport.Channel] implements it.
type Conn interface {
	SendAudio(pcm []float32) error
	SendHistory(entries []protocol.HistoryEntry) error
	SendEnd() error
	SendCancel() error

	// Events is closed when the connection ends.
	Events() <-chan protocol.Event

	// Err is nil after a normal closure.
	Err() error

	Close() error
}

// Dialer opens backend connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to [Dialer].
type DialerFunc func(ctx context.Context) (Conn, error)

// Dial implements [Dialer].
func (f DialerFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }

// ChannelDialer adapts a [transport.Dialer].
func ChannelDialer(d transport.Dialer) Dialer {
	return DialerFunc(func(ctx context.Context) (Conn, error) {
		ch, err := d.Dial(ctx)
		if err != nil {
			return nil, err
		}
		return ch, nil
	})
}

// Warmer prepares the backend before a turn. [*backend.Client] implements it.
type Warmer interface {
	Prewarm(ctx context.Context) error
	WaitReady(ctx context.Context, interval time.Duration) error
}

// Player plays replies. [*playback.Queue] implements it.
type Player interface {
	Reset(turn string)
	Enqueue(item playback.Item) (uint64, error)
	MarkUpstreamDone()
	Drained() <-chan struct{}
	Clear() int
}

// Segmenter turns capture frames into utterance events. [*vad.Segmenter]
// implements it.
type Segmenter interface {
	vad.FrameProcessor
	Reset()
	UpdateParams(p vad.Params) error
}

// Compile-time interface assertions.
var (
	_ Conn      = (*transport.Channel)(nil)
	_ Warmer    = (*backend.Client)(nil)
	_ Player    = (*playback.Queue)(nil)
	_ Segmenter = (*vad.Segmenter)(nil)
)
