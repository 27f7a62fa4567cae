//go:build portaudio

// Package portaudio adapts the system's default microphone and speaker to
// [audio.Source] and [audio.Sink] using PortAudio.
//
// The package is only built with the "portaudio" build tag because it needs
// the PortAudio C library at link time.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/voxloop/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Source = (*Microphone)(nil)
	_ audio.Sink   = (*Speaker)(nil)
)

var (
	initMu   sync.Mutex
	initRefs int
)

// acquire initialises PortAudio on first use. Each successful acquire must be
// paired with release.
func acquire() error {
	initMu.Lock()
	defer initMu.Unlock()
	if initRefs == 0 {
		if err := portaudio.Initialize(); err != nil {
			return fmt.Errorf("portaudio: initialize: %w", err)
		}
	}
	initRefs++
	return nil
}

func release() {
	initMu.Lock()
	defer initMu.Unlock()
	initRefs--
	if initRefs == 0 {
		_ = portaudio.Terminate()
	}
}

// ─── Microphone ──────────────────────────────────────────────────────────────

// Microphone captures mono float frames from the default input device.
type Microphone struct {
	sampleRate int
	frameSize  int
	muted      atomic.Bool

	mu     sync.Mutex
	stream *portaudio.Stream
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMicrophone returns a microphone that delivers frameSize samples per frame
// at sampleRate Hz.
func NewMicrophone(sampleRate, frameSize int) *Microphone {
	if sampleRate <= 0 {
		sampleRate = audio.DefaultSampleRate
	}
	if frameSize <= 0 {
		frameSize = audio.DefaultFrameSize
	}
	return &Microphone{sampleRate: sampleRate, frameSize: frameSize}
}

// Start implements [audio.Source].
func (m *Microphone) Start(ctx context.Context) (<-chan audio.AudioFrame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stream != nil {
		return nil, errors.New("portaudio: microphone already started")
	}
	if err := acquire(); err != nil {
		return nil, err
	}

	buf := make([]float32, m.frameSize)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(m.sampleRate), m.frameSize, buf)
	if err != nil {
		release()
		return nil, fmt.Errorf("portaudio: open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		release()
		return nil, fmt.Errorf("portaudio: start input stream: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan audio.AudioFrame, 64)
	m.stream = stream
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.captureLoop(ctx, stream, buf, out, m.done)
	return out, nil
}

func (m *Microphone) captureLoop(ctx context.Context, stream *portaudio.Stream, buf []float32, out chan<- audio.AudioFrame, done chan struct{}) {
	defer close(done)
	defer close(out)

	var (
		captured int64
		dropped  int
		failures audio.ReadFailures
	)
	for ctx.Err() == nil {
		err := stream.Read()
		if errors.Is(err, portaudio.InputOverflowed) {
			failures.Observe(nil)
			continue
		}
		if !failures.Observe(err) {
			slog.Error("portaudio: capture device lost", "consecutive_failures", failures.Count(), "err", err)
			return
		}
		if err != nil {
			slog.Warn("portaudio: read failed", "err", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}
		ts := time.Duration(captured) * time.Second / time.Duration(m.sampleRate)
		captured += int64(len(buf))
		if m.muted.Load() {
			continue
		}
		frame := audio.AudioFrame{
			Samples:    append([]float32(nil), buf...),
			SampleRate: m.sampleRate,
			Timestamp:  ts,
		}
		select {
		case out <- frame:
		default:
			dropped++
			if dropped%100 == 1 {
				slog.Warn("portaudio: consumer too slow, dropping frames", "dropped", dropped)
			}
		}
	}
}

// SetMuted implements [audio.Source].
func (m *Microphone) SetMuted(muted bool) {
	m.muted.Store(muted)
}

// Stop implements [audio.Source].
func (m *Microphone) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stream == nil {
		return nil
	}
	m.cancel()
	<-m.done
	var errs []error
	if err := m.stream.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("portaudio: stop input stream: %w", err))
	}
	if err := m.stream.Close(); err != nil {
		errs = append(errs, fmt.Errorf("portaudio: close input stream: %w", err))
	}
	m.stream = nil
	release()
	return errors.Join(errs...)
}

// ─── Speaker ─────────────────────────────────────────────────────────────────

// Speaker plays mono 16-bit PCM on the default output device. Buffers at
// other rates are resampled to the device rate.
type Speaker struct {
	sampleRate int
	buffer     []int16
	stream     *portaudio.Stream
}

// OpenSpeaker opens the default output device at sampleRate Hz.
func OpenSpeaker(sampleRate int) (*Speaker, error) {
	if err := acquire(); err != nil {
		return nil, err
	}
	// 20 ms blocks keep the interrupt latency of Play low.
	buf := make([]int16, sampleRate/50)
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(sampleRate), len(buf), buf)
	if err != nil {
		release()
		return nil, fmt.Errorf("portaudio: open output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		release()
		return nil, fmt.Errorf("portaudio: start output stream: %w", err)
	}
	return &Speaker{sampleRate: sampleRate, buffer: buf, stream: stream}, nil
}

// Play implements [audio.Sink]. It writes pcm block by block and returns early
// when ctx is cancelled.
func (s *Speaker) Play(ctx context.Context, pcm []int16, sampleRate int) error {
	pcm = audio.ResampleMono(pcm, sampleRate, s.sampleRate)
	for off := 0; off < len(pcm); off += len(s.buffer) {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := copy(s.buffer, pcm[off:])
		clear(s.buffer[n:])
		if err := s.stream.Write(); err != nil && !errors.Is(err, portaudio.OutputUnderflowed) {
			return fmt.Errorf("portaudio: write: %w", err)
		}
	}
	return nil
}

// Close stops the output stream.
func (s *Speaker) Close() error {
	defer release()
	if err := s.stream.Stop(); err != nil {
		_ = s.stream.Close()
		return fmt.Errorf("portaudio: stop output stream: %w", err)
	}
	return s.stream.Close()
}
