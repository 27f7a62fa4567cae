package vad

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/voxloop/pkg/audio"
)

// State is the segmenter state.
type State int

const (
	// StateIdle means no segment is open.
	StateIdle State = iota

	// StateTalking means the last frame was speech.
	StateTalking

	// StateTrailingSilence means a segment is open but the most recent frames
	// were silent.
	StateTrailingSilence
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTalking:
		return "talking"
	case StateTrailingSilence:
		return "trailing_silence"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// EventType enumerates segmenter events.
type EventType int

const (
	// TalkingStarted is emitted when a new segment opens.
	TalkingStarted EventType = iota + 1

	// SegmentChunk carries audio of the open segment that can be sent before
	// the utterance ends.
	SegmentChunk

	// EndOfUtterance closes the segment. Samples holds the remaining audio
	// not yet delivered by a SegmentChunk and may be empty.
	EndOfUtterance
)

// String implements fmt.Stringer.
func (t EventType) String() string {
	switch t {
	case TalkingStarted:
		return "talking_started"
	case SegmentChunk:
		return "segment_chunk"
	case EndOfUtterance:
		return "end_of_utterance"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// SegmentInfo describes the open (or just closed) segment.
type SegmentInfo struct {
	// ID uniquely identifies the segment.
	ID string

	// StartTime is the stream time of the first frame of the segment. With
	// smoothing enabled it precedes the TalkingStarted event, because the
	// loud frames that lifted the average over the threshold belong to the
	// segment.
	StartTime time.Duration

	// TalkingDuration spans from the first to the end of the last speech
	// frame, including mid-sentence pauses.
	TalkingDuration time.Duration

	// Duration is the length of all audio appended to the segment.
	Duration time.Duration

	// AppendedFrames counts the frames that became part of the segment.
	AppendedFrames int

	// DroppedFrames counts the trailing silent frames discarded when the
	// segment closed.
	DroppedFrames int

	// Chunks is the number of SegmentChunk events emitted so far.
	Chunks int

	// IsFinal is set on the EndOfUtterance event.
	IsFinal bool

	// Forced is set when the segment was closed by the MaxSegment cap.
	Forced bool
}

// Event is emitted by [Segmenter.Process].
type Event struct {
	Type EventType

	// At is the stream time at which the event fired.
	At time.Duration

	// Samples is the audio payload of SegmentChunk and EndOfUtterance events.
	// Ownership passes to the receiver.
	Samples []float32

	// SampleRate of Samples.
	SampleRate int

	// Segment is a snapshot of the segment metadata.
	Segment SegmentInfo
}

// FrameProcessor consumes capture frames one at a time, in order, and reports
// the events each frame caused.
type FrameProcessor interface {
	Process(frame audio.AudioFrame) []Event
}

// Compile-time interface assertion.
var _ FrameProcessor = (*Segmenter)(nil)

// Segmenter detects utterances in a frame stream.
//
// Frames whose amplitude exceeds the threshold are speech. A segment opens
// when the averaged amplitude exceeds the threshold. While idle the segmenter
// remembers the frames of the last averaging window; on onset those starting
// with the first loud one are prepended, so the words that raised the average
// are not lost. The segment then collects every following frame. Once silence lasts PauseDuration the collected audio is
// flushed as a SegmentChunk; silent frames after that point are held back and
// only rejoin the segment if speech resumes. When silence reaches EndDuration
// the segment closes with EndOfUtterance and held frames are dropped.
//
// Process, UpdateParams and the accessors are safe for concurrent use; frames
// must still be fed from a single goroutine to keep their order.
type Segmenter struct {
	mu         sync.Mutex
	params     Params
	sampleRate int
	analyzer   *Analyzer
	last       AmplitudeSample

	state State
	pos   int64

	seg           SegmentInfo
	startPos      int64
	lastSpeechEnd int64
	appended      int64
	pending       []float32
	held          []float32
	heldFrames    int
	silence       int64
	pauseFlushed  bool

	preroll []prerollFrame // idle frames of the last averaging window, oldest first
}

// prerollFrame is an idle frame kept for a possible segment onset.
type prerollFrame struct {
	samples []float32
	raw     float64
}

// NewSegmenter returns a Segmenter for frames of frameSize samples at
// sampleRate Hz.
func NewSegmenter(p Params, sampleRate, frameSize int) (*Segmenter, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if sampleRate <= 0 || frameSize <= 0 {
		return nil, fmt.Errorf("vad: invalid format %d Hz / %d samples per frame", sampleRate, frameSize)
	}
	return &Segmenter{
		params:     p,
		sampleRate: sampleRate,
		analyzer:   NewAnalyzer(p.AveragingWindow, sampleRate, frameSize),
	}, nil
}

// UpdateParams replaces the parameters without closing the open segment.
// Changing AveragingWindow clears the averaging history.
func (s *Segmenter) UpdateParams(p Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.AveragingWindow != s.params.AveragingWindow {
		s.analyzer.SetWindow(p.AveragingWindow)
		s.preroll = nil
	}
	s.params = p
	return nil
}

// Params returns the active parameters.
func (s *Segmenter) Params() Params {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

// State returns the current state.
func (s *Segmenter) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastSample returns the amplitude of the most recent frame.
func (s *Segmenter) LastSample() AmplitudeSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Reset discards the open segment and the averaging history. Stream time keeps
// running.
func (s *Segmenter) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.analyzer.Reset()
	s.closeSegment()
}

// Process implements [FrameProcessor].
func (s *Segmenter) Process(frame audio.AudioFrame) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	amp := s.analyzer.Analyze(frame)
	s.last = amp
	start := s.pos
	s.pos += int64(len(frame.Samples))

	var events []Event
	switch s.state {
	case StateIdle:
		if !s.speech(amp.Smoothed) {
			s.remember(frame.Samples, amp.Raw)
			return nil
		}
		lead := s.onsetPreroll()
		s.startPos = start
		for _, f := range lead {
			s.startPos -= int64(len(f.samples))
		}
		s.seg = SegmentInfo{ID: uuid.NewString(), StartTime: s.duration(s.startPos)}
		s.state = StateTalking
		events = append(events, Event{Type: TalkingStarted, At: s.duration(start), SampleRate: s.sampleRate, Segment: s.seg})
		for _, f := range lead {
			s.appendFrame(f.samples)
		}
		s.appendFrame(frame.Samples)
		s.lastSpeechEnd = s.pos

	case StateTalking, StateTrailingSilence:
		level := amp.Raw
		if s.params.EndPolicy == EndPolicyAverage {
			level = amp.Smoothed
		}
		if s.speech(level) {
			if s.heldFrames > 0 {
				s.pending = append(s.pending, s.held...)
				s.appended += int64(len(s.held))
				s.seg.AppendedFrames += s.heldFrames
				s.held, s.heldFrames = nil, 0
			}
			s.silence = 0
			s.pauseFlushed = false
			s.state = StateTalking
			s.appendFrame(frame.Samples)
			s.lastSpeechEnd = s.pos
			break
		}

		s.state = StateTrailingSilence
		s.silence += int64(len(frame.Samples))
		if s.pauseFlushed {
			s.held = append(s.held, frame.Samples...)
			s.heldFrames++
		} else {
			s.appendFrame(frame.Samples)
			if s.params.PauseDuration > 0 && s.silence >= s.samples(s.params.PauseDuration) {
				events = s.flush(events)
				s.pauseFlushed = true
			}
		}
		if s.silence >= s.samples(s.params.EndDuration) {
			return s.finish(events, false)
		}
	}

	if s.params.MaxSegment > 0 && s.appended >= s.samples(s.params.MaxSegment) {
		return s.finish(events, true)
	}
	if s.params.ChunkDuration > 0 && !s.pauseFlushed && int64(len(s.pending)) >= s.samples(s.params.ChunkDuration) {
		events = s.flush(events)
	}
	return events
}

// speech reports whether level exceeds the threshold. Amplitudes come from
// float32 samples, so the comparison is done at float32 precision; a frame
// exactly at the threshold is silence.
func (s *Segmenter) speech(level float64) bool {
	return float32(level) > float32(s.params.Threshold)
}

// remember keeps an idle frame for the next onset, bounded to the frames that
// share the averaging window with the frame that opens a segment.
func (s *Segmenter) remember(samples []float32, raw float64) {
	limit := s.analyzer.WindowSize() - 1
	if limit <= 0 {
		return
	}
	if len(s.preroll) == limit {
		s.preroll = slices.Delete(s.preroll, 0, 1)
	}
	s.preroll = append(s.preroll, prerollFrame{samples: slices.Clone(samples), raw: raw})
}

// onsetPreroll returns the remembered frames from the first loud one on and
// forgets the rest.
func (s *Segmenter) onsetPreroll() []prerollFrame {
	first := slices.IndexFunc(s.preroll, func(f prerollFrame) bool { return s.speech(f.raw) })
	var lead []prerollFrame
	if first >= 0 {
		lead = s.preroll[first:]
	}
	s.preroll = nil
	return lead
}

func (s *Segmenter) appendFrame(samples []float32) {
	s.pending = append(s.pending, samples...)
	s.appended += int64(len(samples))
	s.seg.AppendedFrames++
}

// flush moves the pending audio into a SegmentChunk event.
func (s *Segmenter) flush(events []Event) []Event {
	if len(s.pending) == 0 {
		return events
	}
	s.seg.Chunks++
	s.updateTimes()
	events = append(events, Event{
		Type:       SegmentChunk,
		At:         s.duration(s.pos),
		Samples:    s.pending,
		SampleRate: s.sampleRate,
		Segment:    s.seg,
	})
	s.pending = nil
	return events
}

// finish closes the segment with EndOfUtterance.
func (s *Segmenter) finish(events []Event, forced bool) []Event {
	s.seg.DroppedFrames += s.heldFrames
	s.seg.IsFinal = true
	s.seg.Forced = forced
	s.updateTimes()
	events = append(events, Event{
		Type:       EndOfUtterance,
		At:         s.duration(s.pos),
		Samples:    s.pending,
		SampleRate: s.sampleRate,
		Segment:    s.seg,
	})
	s.pending = nil
	s.closeSegment()
	return events
}

func (s *Segmenter) closeSegment() {
	s.state = StateIdle
	s.seg = SegmentInfo{}
	s.pending, s.held = nil, nil
	s.heldFrames = 0
	s.appended = 0
	s.silence = 0
	s.pauseFlushed = false
	s.preroll = nil
}

func (s *Segmenter) updateTimes() {
	s.seg.TalkingDuration = s.duration(s.lastSpeechEnd - s.startPos)
	s.seg.Duration = s.duration(s.appended)
}

func (s *Segmenter) duration(samples int64) time.Duration {
	return time.Duration(samples * int64(time.Second) / int64(s.sampleRate))
}

func (s *Segmenter) samples(d time.Duration) int64 {
	return int64(d) * int64(s.sampleRate) / int64(time.Second)
}
