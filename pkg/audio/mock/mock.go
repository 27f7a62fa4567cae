// Package mock provides in-memory implementations of [audio.Source] and
// [audio.Sink] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported
// fields that the test can set to control return values.
//
// Typical usage:
//
//	src := mock.NewSource(16)
//	frames, _ := src.Start(ctx)
//	src.Push(audio.AudioFrame{Samples: loud, SampleRate: 48000})
//	sink := &mock.Sink{}
package mock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/voxloop/pkg/audio"
)

// ─── Source ──────────────────────────────────────────────────────────────────

// Source is a mock implementation of [audio.Source]. Frames pushed while the
// source is muted are dropped, mirroring a real device.
type Source struct {
	mu sync.Mutex

	// StartErr is returned by [Source.Start] when non-nil. Use SetStartErr
	// once the source is shared with another goroutine.
	StartErr error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	buffer      int
	muteHistory []bool
	muted       atomic.Bool
	dropped     atomic.Int64

	// sendMu guards closing the frame channel against in-flight Push calls.
	sendMu sync.RWMutex
	cur    *sourceRun
}

// sourceRun is the state of one Start..Stop cycle.
type sourceRun struct {
	out  chan audio.AudioFrame
	stop chan struct{}
	once sync.Once
}

// SetStartErr replaces StartErr under the lock. Clearing it lets a later Start
// succeed.
func (s *Source) SetStartErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StartErr = err
}

// NewSource returns a Source whose frame channel has the given buffer size.
func NewSource(buffer int) *Source {
	return &Source{buffer: buffer}
}

// Start implements [audio.Source]. The returned channel is closed when ctx is
// cancelled or Stop is called.
func (s *Source) Start(ctx context.Context) (<-chan audio.AudioFrame, error) {
	s.mu.Lock()
	s.CallCountStart++
	startErr := s.StartErr
	s.mu.Unlock()
	if startErr != nil {
		return nil, startErr
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.cur != nil {
		return nil, errors.New("mock: source already started")
	}
	r := &sourceRun{
		out:  make(chan audio.AudioFrame, s.buffer),
		stop: make(chan struct{}),
	}
	s.cur = r
	go func() {
		select {
		case <-ctx.Done():
			s.shutdown(r)
		case <-r.stop:
		}
	}()
	return r.out, nil
}

func (s *Source) shutdown(r *sourceRun) {
	r.once.Do(func() {
		// Wake blocked Push calls before taking the write lock.
		close(r.stop)
		s.sendMu.Lock()
		defer s.sendMu.Unlock()
		if s.cur == r {
			s.cur = nil
		}
		close(r.out)
	})
}

// Push delivers frame to the consumer. It reports false when the frame was
// dropped because the source is muted or not running. Push blocks while the
// channel buffer is full.
func (s *Source) Push(frame audio.AudioFrame) bool {
	if s.muted.Load() {
		s.dropped.Add(1)
		return false
	}
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	r := s.cur
	if r == nil {
		s.dropped.Add(1)
		return false
	}
	select {
	case r.out <- frame:
		return true
	case <-r.stop:
		s.dropped.Add(1)
		return false
	}
}

// SetMuted implements [audio.Source].
func (s *Source) SetMuted(muted bool) {
	s.muted.Store(muted)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muteHistory = append(s.muteHistory, muted)
}

// MuteHistory returns every value passed to SetMuted, in order.
func (s *Source) MuteHistory() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.muteHistory...)
}

// StartCalls returns how many times Start was called.
func (s *Source) StartCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountStart
}

// Muted reports the current mute state.
func (s *Source) Muted() bool {
	return s.muted.Load()
}

// Dropped returns the number of frames Push discarded.
func (s *Source) Dropped() int {
	return int(s.dropped.Load())
}

// Running reports whether Start succeeded and the source has not stopped.
func (s *Source) Running() bool {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	return s.cur != nil
}

// Stop implements [audio.Source].
func (s *Source) Stop() error {
	s.mu.Lock()
	s.CallCountStop++
	s.mu.Unlock()

	s.sendMu.RLock()
	r := s.cur
	s.sendMu.RUnlock()
	if r != nil {
		s.shutdown(r)
	}
	return nil
}

// ─── Sink ────────────────────────────────────────────────────────────────────

// Played is one buffer received by [Sink.Play].
type Played struct {
	PCM        []int16
	SampleRate int
}

// Sink is a mock implementation of [audio.Sink].
type Sink struct {
	mu sync.Mutex

	// PlayErr is returned by Play when non-nil.
	PlayErr error

	// Block, when non-nil, makes Play wait until the channel yields a value or
	// ctx is cancelled. Use it to hold an item "in playback".
	Block chan struct{}

	// Started, when non-nil, receives a value each time Play begins.
	Started chan struct{}

	played      []Played
	active      int
	maxActive   int
	interrupted int
}

// Play implements [audio.Sink].
func (s *Sink) Play(ctx context.Context, pcm []int16, sampleRate int) error {
	s.mu.Lock()
	s.active++
	if s.active > s.maxActive {
		s.maxActive = s.active
	}
	block, started, playErr := s.Block, s.Started, s.PlayErr
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
	}()

	if started != nil {
		select {
		case started <- struct{}{}:
		case <-ctx.Done():
		}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			s.mu.Lock()
			s.interrupted++
			s.mu.Unlock()
			return ctx.Err()
		}
	}
	if playErr != nil {
		return playErr
	}

	s.mu.Lock()
	s.played = append(s.played, Played{PCM: append([]int16(nil), pcm...), SampleRate: sampleRate})
	s.mu.Unlock()
	return nil
}

// Played returns a copy of every buffer played so far.
func (s *Sink) Played() []Played {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Played(nil), s.played...)
}

// MaxConcurrent returns the highest number of overlapping Play calls seen.
func (s *Sink) MaxConcurrent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxActive
}

// Interrupted returns how many Play calls were cut short by ctx.
func (s *Sink) Interrupted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupted
}
