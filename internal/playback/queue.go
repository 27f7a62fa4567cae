// Package playback plays backend audio strictly in arrival order.
//
// A [Queue] owns one dispatch goroutine that decodes and plays one item at a
// time, so playback is never concurrent. Items that fail to decode are
// skipped. When the upstream connection has delivered everything for a turn
// and the queue runs empty, the turn's [Queue.Drained] channel closes.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/voxloop/pkg/audio"
	"github.com/MrWong99/voxloop/pkg/audio/codec"
)

var (
	// ErrClosed is returned by Enqueue after Close.
	ErrClosed = errors.New("playback: queue closed")

	// ErrOutOfOrder is returned for an item whose sequence number does not
	// exceed the previous one of the same turn.
	ErrOutOfOrder = errors.New("playback: sequence out of order")

	// ErrStaleTurn is returned for items of a turn other than the current one.
	ErrStaleTurn = errors.New("playback: item belongs to another turn")

	// ErrUpstreamDone is returned for items enqueued after MarkUpstreamDone.
	ErrUpstreamDone = errors.New("playback: upstream already finished")

	// ErrCleared is reported to the observer for items dropped by Clear.
	ErrCleared = errors.New("playback: item cleared")
)

// Kind distinguishes audible items from text.
type Kind int

const (
	// KindAudio is an encoded audio payload.
	KindAudio Kind = iota
	// KindText is an assistant text chunk; it keeps its place in the order
	// but is not audible.
	KindText
)

// Item is one unit of playback.
type Item struct {
	// Seq orders items within a turn. Zero lets the queue assign the next
	// number.
	Seq     uint64
	Kind    Kind
	Payload []byte
	// Turn identifies the turn the item belongs to. Empty means the current
	// turn.
	Turn string
}

// Option configures a [Queue].
type Option func(*Queue)

// WithOutputRate resamples decoded audio to rate before it reaches the sink.
// Zero passes the decoded rate through.
func WithOutputRate(rate int) Option {
	return func(q *Queue) { q.outputRate = rate }
}

// WithObserver registers fn to be called from the dispatch goroutine after
// every item finishes. err is nil for played items, wraps [codec.ErrDecode]
// for skipped ones and is [ErrCleared] for dropped ones.
func WithObserver(fn func(Item, error)) Option {
	return func(q *Queue) { q.observer = fn }
}

// WithOnClear registers fn to be called by Clear with the number of items it
// discarded, including an interrupted one.
func WithOnClear(fn func(dropped int)) Option {
	return func(q *Queue) { q.onClear = fn }
}

// WithCapacity sets the initial capacity hint for the pending list.
func WithCapacity(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.items = make([]Item, 0, n)
		}
	}
}

// Queue is a single-consumer FIFO playback queue. All exported methods are
// safe for concurrent use.
type Queue struct {
	sink       audio.Sink
	dec        codec.Decoder
	outputRate int
	observer   func(Item, error)
	onClear    func(int)

	mu            sync.Mutex
	items         []Item
	turn          string
	lastSeq       uint64
	upstreamDone  bool
	playing       bool
	cancelPlaying context.CancelFunc
	drained       chan struct{}
	fired         bool
	closed        bool

	notify chan struct{} // signalled when an item is enqueued
	done   chan struct{} // closed by Close to stop the dispatch goroutine
	exited chan struct{}
}

// New creates a Queue that decodes with dec and plays on sink. The dispatch
// goroutine starts immediately; call Close to stop it.
func New(sink audio.Sink, dec codec.Decoder, opts ...Option) *Queue {
	q := &Queue{
		sink:    sink,
		dec:     dec,
		drained: make(chan struct{}),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	go q.dispatch()
	return q
}

// Reset starts a new turn: pending items are dropped, the sequence restarts
// and a fresh Drained channel is armed.
func (q *Queue) Reset(turn string) {
	q.mu.Lock()
	dropped, interrupted := q.clearLocked()
	q.turn = turn
	q.lastSeq = 0
	q.upstreamDone = false
	q.fired = false
	q.drained = make(chan struct{})
	q.mu.Unlock()
	q.report(dropped, interrupted)
}

// Turn returns the current turn identifier.
func (q *Queue) Turn() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.turn
}

// Enqueue appends item to the current turn and returns the sequence number
// it was stored under.
func (q *Queue) Enqueue(item Item) (uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, ErrClosed
	}
	if item.Turn != "" && item.Turn != q.turn {
		return 0, fmt.Errorf("%w: %q, current %q", ErrStaleTurn, item.Turn, q.turn)
	}
	if q.upstreamDone {
		return 0, ErrUpstreamDone
	}
	if item.Seq == 0 {
		item.Seq = q.lastSeq + 1
	} else if item.Seq <= q.lastSeq {
		return 0, fmt.Errorf("%w: %d after %d", ErrOutOfOrder, item.Seq, q.lastSeq)
	}
	item.Turn = q.turn
	q.lastSeq = item.Seq
	q.items = append(q.items, item)

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return item.Seq, nil
}

// MarkUpstreamDone records that no more items will arrive for the current
// turn. Drained fires as soon as the queue is idle.
func (q *Queue) MarkUpstreamDone() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.upstreamDone = true
	q.checkDrainedLocked()
}

// Drained returns a channel that is closed exactly once per turn, after
// MarkUpstreamDone and once every item has been played or skipped.
func (q *Queue) Drained() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.drained
}

// Len returns the number of pending items, excluding the one playing.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear interrupts the playing item and drops every pending one. It returns
// the number of discarded items. Drained does not fire for a cleared turn.
func (q *Queue) Clear() int {
	q.mu.Lock()
	dropped, interrupted := q.clearLocked()
	q.mu.Unlock()
	return q.report(dropped, interrupted)
}

// Close stops the dispatch goroutine. Pending items are dropped. Close is
// idempotent.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.exited
		return nil
	}
	q.closed = true
	_, _ = q.clearLocked()
	q.mu.Unlock()

	close(q.done)
	<-q.exited
	return nil
}

// clearLocked cancels playback and empties the list. Must be called with q.mu
// held.
func (q *Queue) clearLocked() (dropped []Item, interrupted bool) {
	dropped = q.items
	q.items = nil
	if q.cancelPlaying != nil {
		q.cancelPlaying()
		q.cancelPlaying = nil
		interrupted = true
	}
	return dropped, interrupted
}

// report notifies the observer and OnClear hook about dropped items and
// returns the total discarded. The interrupted item is reported to the
// observer by the dispatch goroutine.
func (q *Queue) report(dropped []Item, interrupted bool) int {
	if q.observer != nil {
		for _, it := range dropped {
			q.observer(it, ErrCleared)
		}
	}
	n := len(dropped)
	if interrupted {
		n++
	}
	if q.onClear != nil && n > 0 {
		q.onClear(n)
	}
	return n
}

// checkDrainedLocked fires Drained once the turn is complete. Must be called
// with q.mu held.
func (q *Queue) checkDrainedLocked() {
	if q.fired || !q.upstreamDone || q.playing || len(q.items) > 0 {
		return
	}
	q.fired = true
	close(q.drained)
}

// dispatch is the background goroutine that plays items one at a time until
// Close is called.
func (q *Queue) dispatch() {
	defer close(q.exited)
	for {
		select {
		case <-q.done:
			return
		case <-q.notify:
		}

		for {
			item, ctx, ok := q.dequeue()
			if !ok {
				break
			}
			err := q.play(ctx, item)
			q.finish(item, err)
		}
	}
}

// dequeue pops the oldest item and marks it as playing. Returns ok=false when
// the queue is empty or closed.
func (q *Queue) dequeue() (Item, context.Context, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.items) == 0 {
		return Item{}, nil, false
	}
	item := q.items[0]
	q.items[0] = Item{}
	q.items = q.items[1:]

	ctx, cancel := context.WithCancel(context.Background())
	q.playing = true
	q.cancelPlaying = cancel
	return item, ctx, true
}

func (q *Queue) play(ctx context.Context, item Item) error {
	if item.Kind == KindText {
		return nil
	}
	pcm, err := q.dec.Decode(item.Payload)
	if err != nil {
		return err
	}
	samples, rate := pcm.Samples, pcm.SampleRate
	if q.outputRate > 0 && rate != q.outputRate {
		samples = audio.ResampleMono(samples, rate, q.outputRate)
		rate = q.outputRate
	}
	if len(samples) == 0 {
		return nil
	}
	return q.sink.Play(ctx, samples, rate)
}

// finish clears the playing state, reports the outcome and fires Drained when
// this was the last item.
func (q *Queue) finish(item Item, err error) {
	switch {
	case err == nil:
	case errors.Is(err, codec.ErrDecode):
		slog.Warn("playback: skipping undecodable item", "seq", item.Seq, "turn", item.Turn, "err", err)
	case errors.Is(err, context.Canceled):
		err = ErrCleared
	default:
		slog.Error("playback: sink failed", "seq", item.Seq, "turn", item.Turn, "err", err)
	}

	if q.observer != nil {
		q.observer(item, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.playing = false
	if q.cancelPlaying != nil {
		q.cancelPlaying()
		q.cancelPlaying = nil
	}
	q.checkDrainedLocked()
}
