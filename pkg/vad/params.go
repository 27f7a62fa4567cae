package vad

import (
	"errors"
	"fmt"
	"time"
)

// EndPolicy selects which amplitude decides that a frame inside a segment is
// silent.
type EndPolicy string

const (
	// EndPolicySilence classifies frames by their raw amplitude, so the end of
	// an utterance is measured in absolute silence duration.
	EndPolicySilence EndPolicy = "silence"

	// EndPolicyAverage classifies frames by the moving average amplitude,
	// which bridges short dips at the cost of a later end.
	EndPolicyAverage EndPolicy = "average"
)

// Params are the tunable segmentation parameters. They can be replaced at any
// time with [Segmenter.UpdateParams].
type Params struct {
	// Threshold is the amplitude a frame must exceed to count as speech.
	Threshold float64

	// PauseDuration is the silence after which the audio collected so far is
	// flushed as a SegmentChunk. Silence shorter than this is treated as a
	// mid-sentence pause and stays in the segment. Zero disables pause
	// flushing.
	PauseDuration time.Duration

	// EndDuration is the silence that ends the utterance.
	EndDuration time.Duration

	// MaxSegment caps the segment length. Zero disables the cap.
	MaxSegment time.Duration

	// ChunkDuration flushes a SegmentChunk whenever this much audio is
	// pending, so long utterances stream while the user is still talking.
	// Zero disables size based flushing.
	ChunkDuration time.Duration

	// AveragingWindow is the moving average window of the analyzer. Speech
	// onset is always detected on the averaged amplitude.
	AveragingWindow time.Duration

	// EndPolicy selects the amplitude used to classify frames once a segment
	// is open.
	EndPolicy EndPolicy
}

// DefaultParams returns the parameters used when nothing is configured.
func DefaultParams() Params {
	return Params{
		Threshold:       0.1,
		PauseDuration:   time.Second,
		EndDuration:     3 * time.Second,
		MaxSegment:      10 * time.Second,
		AveragingWindow: 500 * time.Millisecond,
		EndPolicy:       EndPolicySilence,
	}
}

// Validate reports every invalid field.
func (p Params) Validate() error {
	var errs []error
	if p.Threshold < 0 || p.Threshold > 1 {
		errs = append(errs, fmt.Errorf("vad: threshold %v must be within [0, 1]", p.Threshold))
	}
	if p.EndDuration <= 0 {
		errs = append(errs, fmt.Errorf("vad: end_duration must be positive, got %v", p.EndDuration))
	}
	if p.PauseDuration < 0 {
		errs = append(errs, fmt.Errorf("vad: pause_duration must not be negative, got %v", p.PauseDuration))
	}
	if p.EndDuration > 0 && p.PauseDuration >= p.EndDuration {
		errs = append(errs, fmt.Errorf("vad: pause_duration %v must be shorter than end_duration %v", p.PauseDuration, p.EndDuration))
	}
	if p.MaxSegment < 0 {
		errs = append(errs, fmt.Errorf("vad: max_segment must not be negative, got %v", p.MaxSegment))
	}
	if p.ChunkDuration < 0 {
		errs = append(errs, fmt.Errorf("vad: chunk_duration must not be negative, got %v", p.ChunkDuration))
	}
	if p.AveragingWindow < 0 {
		errs = append(errs, fmt.Errorf("vad: averaging_window must not be negative, got %v", p.AveragingWindow))
	}
	switch p.EndPolicy {
	case EndPolicySilence, EndPolicyAverage:
	default:
		errs = append(errs, fmt.Errorf("vad: unknown end_policy %q", p.EndPolicy))
	}
	return errors.Join(errs...)
}
