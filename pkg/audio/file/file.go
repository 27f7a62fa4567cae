// Package file provides WAV-file backed audio devices. [Source] replays a
// recorded utterance as if it came from a microphone and [Sink] writes every
// played reply to a numbered WAV file. Both are used for headless runs and
// end-to-end checks against a live backend.
package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxloop/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Source = (*Source)(nil)
	_ audio.Sink   = (*Sink)(nil)
)

// Option configures a [Source].
type Option func(*Source)

// WithoutPacing delivers frames as fast as the consumer reads them instead of
// at the capture rate.
func WithoutPacing() Option {
	return func(s *Source) { s.paced = false }
}

// WithTrailingSilence sets how much silence follows the recording before the
// frame channel closes. Zero means silence continues until Stop.
func WithTrailingSilence(d time.Duration) Option {
	return func(s *Source) { s.trailing = d }
}

// Source replays mono PCM as capture frames. After the recording it emits
// silence, which lets the segmenter close the utterance.
type Source struct {
	samples    []float32
	sampleRate int
	frameSize  int
	paced      bool
	trailing   time.Duration
	muted      atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Open loads a WAV file and returns a Source delivering frameSize-sample
// frames at sampleRate Hz.
func Open(path string, sampleRate, frameSize int, opts ...Option) (*Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("file: read %s: %w", path, err)
	}
	w, err := audio.DecodeWAV(data)
	if err != nil {
		return nil, fmt.Errorf("file: decode %s: %w", path, err)
	}
	pcm := audio.ResampleMono(w.PCM, w.SampleRate, sampleRate)
	return NewSource(audio.Int16ToFloat32(pcm), sampleRate, frameSize, opts...), nil
}

// NewSource returns a Source replaying samples.
func NewSource(samples []float32, sampleRate, frameSize int, opts ...Option) *Source {
	s := &Source{
		samples:    samples,
		sampleRate: sampleRate,
		frameSize:  frameSize,
		paced:      true,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start implements [audio.Source].
func (s *Source) Start(ctx context.Context) (<-chan audio.AudioFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil, errors.New("file: source already started")
	}
	if s.sampleRate <= 0 || s.frameSize <= 0 {
		return nil, fmt.Errorf("file: invalid format %d Hz / %d samples", s.sampleRate, s.frameSize)
	}
	ctx, cancel := context.WithCancel(ctx)
	out := make(chan audio.AudioFrame, 16)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx, out, s.done)
	return out, nil
}

func (s *Source) run(ctx context.Context, out chan<- audio.AudioFrame, done chan struct{}) {
	defer close(done)
	defer close(out)

	frameDur := time.Duration(s.frameSize) * time.Second / time.Duration(s.sampleRate)
	var tick <-chan time.Time
	if s.paced {
		t := time.NewTicker(frameDur)
		defer t.Stop()
		tick = t.C
	}

	limit := -1
	if s.trailing > 0 {
		limit = len(s.samples) + int(int64(s.trailing)*int64(s.sampleRate)/int64(time.Second))
	}
	for pos := 0; limit < 0 || pos < limit; pos += s.frameSize {
		if tick != nil {
			select {
			case <-ctx.Done():
				return
			case <-tick:
			}
		}
		frame := audio.AudioFrame{
			Samples:    make([]float32, s.frameSize),
			SampleRate: s.sampleRate,
			Timestamp:  time.Duration(pos) * time.Second / time.Duration(s.sampleRate),
		}
		if pos < len(s.samples) {
			copy(frame.Samples, s.samples[pos:])
		}
		if s.muted.Load() {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case out <- frame:
		}
	}
}

// SetMuted implements [audio.Source].
func (s *Source) SetMuted(muted bool) {
	s.muted.Store(muted)
}

// Stop implements [audio.Source].
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	return nil
}

// Sink writes each played buffer to dir/output_<n>.wav, numbering from zero.
type Sink struct {
	dir string

	mu sync.Mutex
	n  int
}

// NewSink returns a Sink writing into dir, creating it if needed.
func NewSink(dir string) (*Sink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("file: create output dir: %w", err)
	}
	return &Sink{dir: dir}, nil
}

// Play implements [audio.Sink].
func (s *Sink) Play(ctx context.Context, pcm []int16, sampleRate int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := audio.EncodeWAV(pcm, sampleRate)
	if err != nil {
		return fmt.Errorf("file: %w", err)
	}

	s.mu.Lock()
	name := filepath.Join(s.dir, fmt.Sprintf("output_%d.wav", s.n))
	s.n++
	s.mu.Unlock()

	if err := os.WriteFile(name, data, 0o644); err != nil {
		return fmt.Errorf("file: write %s: %w", name, err)
	}
	return nil
}
