// Package vad turns a stream of capture frames into speech segment events.
//
// An [Analyzer] reduces each frame to an [AmplitudeSample]: the mean absolute
// sample value and a trailing moving average of it. A [Segmenter] runs the
// Idle → Talking → TrailingSilence state machine on those samples and emits
// [Event] values: TalkingStarted when speech begins, SegmentChunk for audio
// that can be streamed before the utterance ends and EndOfUtterance once
// silence has lasted long enough.
//
// Segment timing is derived from sample counts, never from the wall clock, so
// the same input always yields the same events.
package vad

import (
	"math"
	"time"

	"github.com/MrWong99/voxloop/pkg/audio"
)

// AmplitudeSample is the loudness of one frame. Both values are in [0, 1]
// for normalised input.
type AmplitudeSample struct {
	// Raw is the mean absolute value of the frame.
	Raw float64

	// Smoothed is the trailing moving average of Raw over the analyzer
	// window. It equals Raw when smoothing is disabled.
	Smoothed float64
}

// MeanAbs returns the mean absolute value of samples, or 0 for an empty slice.
func MeanAbs(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += math.Abs(float64(s))
	}
	return sum / float64(len(samples))
}

// WindowFrames returns the number of frames covering window, rounded up.
// It returns 0 when any argument is non-positive.
func WindowFrames(window time.Duration, sampleRate, frameSize int) int {
	if window <= 0 || sampleRate <= 0 || frameSize <= 0 {
		return 0
	}
	num := int64(window) * int64(sampleRate)
	den := int64(frameSize) * int64(time.Second)
	return int((num + den - 1) / den)
}

// Analyzer computes [AmplitudeSample] values. The moving average uses a ring
// buffer and a running sum, so each call does constant work. An Analyzer is
// not safe for concurrent use.
type Analyzer struct {
	sampleRate int
	frameSize  int

	ring []float64
	next int
	n    int
	sum  float64
}

// NewAnalyzer returns an Analyzer averaging over window for frames of
// frameSize samples at sampleRate Hz. A zero window disables smoothing.
func NewAnalyzer(window time.Duration, sampleRate, frameSize int) *Analyzer {
	a := &Analyzer{sampleRate: sampleRate, frameSize: frameSize}
	a.SetWindow(window)
	return a
}

// SetWindow resizes the averaging window. The history is cleared.
func (a *Analyzer) SetWindow(window time.Duration) {
	size := WindowFrames(window, a.sampleRate, a.frameSize)
	if size == 0 {
		a.ring = nil
	} else {
		a.ring = make([]float64, size)
	}
	a.Reset()
}

// WindowSize returns the number of frames in the averaging window.
func (a *Analyzer) WindowSize() int {
	return len(a.ring)
}

// Reset clears the averaging history.
func (a *Analyzer) Reset() {
	clear(a.ring)
	a.next, a.n, a.sum = 0, 0, 0
}

// Analyze returns the amplitude of frame.
func (a *Analyzer) Analyze(frame audio.AudioFrame) AmplitudeSample {
	raw := MeanAbs(frame.Samples)
	if len(a.ring) == 0 {
		return AmplitudeSample{Raw: raw, Smoothed: raw}
	}

	if a.n == len(a.ring) {
		a.sum -= a.ring[a.next]
	} else {
		a.n++
	}
	a.ring[a.next] = raw
	a.sum += raw
	a.next = (a.next + 1) % len(a.ring)

	// Recompute once per revolution so float error cannot accumulate.
	if a.next == 0 {
		a.sum = 0
		for _, v := range a.ring[:a.n] {
			a.sum += v
		}
	}
	avg := a.sum / float64(a.n)
	if avg < 0 {
		avg = 0
	}
	return AmplitudeSample{Raw: raw, Smoothed: avg}
}
