package vad

import (
	"math/rand/v2"
	"testing"
	"time"
)

const (
	testRate      = 1000
	testFrameSize = 10 // 10 ms frames
)

// testParams returns parameters with smoothing disabled so every frame is
// classified exactly by its own amplitude.
func testParams() Params {
	return Params{
		Threshold:     0.1,
		PauseDuration: 500 * time.Millisecond,
		EndDuration:   3 * time.Second,
		EndPolicy:     EndPolicySilence,
	}
}

func newTestSegmenter(t *testing.T, p Params) *Segmenter {
	t.Helper()
	s, err := NewSegmenter(p, testRate, testFrameSize)
	if err != nil {
		t.Fatalf("NewSegmenter: %v", err)
	}
	return s
}

// feed pushes d worth of constant-amplitude frames and collects the events.
func feed(s *Segmenter, amp float32, d time.Duration) []Event {
	var events []Event
	frames := int(d / (testFrameSize * time.Millisecond))
	for range frames {
		events = append(events, s.Process(constFrame(amp, testFrameSize))...)
	}
	return events
}

func ofType(events []Event, typ EventType) []Event {
	var out []Event
	for _, e := range events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// segmentAudio concatenates the chunk and tail payloads of events.
func segmentAudio(events []Event) []float32 {
	var out []float32
	for _, e := range events {
		if e.Type == SegmentChunk || e.Type == EndOfUtterance {
			out = append(out, e.Samples...)
		}
	}
	return out
}

func TestSegmenter_ShortUtterance(t *testing.T) {
	t.Parallel()

	s := newTestSegmenter(t, testParams())
	var events []Event
	events = append(events, feed(s, 0.5, 2*time.Second)...)
	events = append(events, feed(s, 0, 4*time.Second)...)

	started := ofType(events, TalkingStarted)
	if len(started) != 1 || started[0].At != 0 {
		t.Fatalf("TalkingStarted = %+v, want one at 0s", started)
	}
	ends := ofType(events, EndOfUtterance)
	if len(ends) != 1 {
		t.Fatalf("got %d EndOfUtterance events, want 1", len(ends))
	}
	end := ends[0]
	if end.At != 5*time.Second {
		t.Errorf("EndOfUtterance at %v, want 5s (3s after speech stopped)", end.At)
	}
	if end.Segment.TalkingDuration != 2*time.Second {
		t.Errorf("TalkingDuration = %v, want 2s", end.Segment.TalkingDuration)
	}
	if !end.Segment.IsFinal || end.Segment.Forced {
		t.Errorf("IsFinal = %v, Forced = %v", end.Segment.IsFinal, end.Segment.Forced)
	}
	// Speech plus the pause grace window was streamed.
	if end.Segment.Duration != 2500*time.Millisecond {
		t.Errorf("Duration = %v, want 2.5s", end.Segment.Duration)
	}
	if got := len(segmentAudio(events)); got != 2500 {
		t.Errorf("segment audio = %d samples, want 2500", got)
	}
	if s.State() != StateIdle {
		t.Errorf("State = %v, want idle", s.State())
	}
}

func TestSegmenter_SmoothedOnsetKeepsLeadingSpeech(t *testing.T) {
	t.Parallel()

	p := testParams()
	p.AveragingWindow = 500 * time.Millisecond
	s := newTestSegmenter(t, p)

	var events []Event
	events = append(events, feed(s, 0, time.Second)...)
	events = append(events, feed(s, 0.15, 2*time.Second)...)
	events = append(events, feed(s, 0, 4*time.Second)...)

	started := ofType(events, TalkingStarted)
	if len(started) != 1 {
		t.Fatalf("TalkingStarted count = %d, want 1", len(started))
	}
	// 34 of 50 window frames at 0.15 lift the average over 0.1.
	if started[0].At != 1330*time.Millisecond {
		t.Errorf("TalkingStarted at %v, want 1.33s", started[0].At)
	}
	if started[0].Segment.StartTime != time.Second {
		t.Errorf("StartTime = %v, want 1s where speech began", started[0].Segment.StartTime)
	}

	ends := ofType(events, EndOfUtterance)
	if len(ends) != 1 {
		t.Fatalf("EndOfUtterance count = %d, want 1", len(ends))
	}
	if got := ends[0].Segment.TalkingDuration; got != 2*time.Second {
		t.Errorf("TalkingDuration = %v, want 2s", got)
	}

	pcm := segmentAudio(events)
	if len(pcm) != 2500 {
		t.Fatalf("segment audio = %d samples, want 2500 (2s speech + 0.5s pause)", len(pcm))
	}
	for i, v := range pcm {
		if loud := i < 2000; loud != (v != 0) {
			t.Fatalf("sample %d = %v, want speech for the first 2000 samples only", i, v)
		}
	}
	if got := ends[0].Segment.AppendedFrames; got != 250 {
		t.Errorf("AppendedFrames = %d, want 250", got)
	}
}

func TestSegmenter_PrerollForgottenAfterReset(t *testing.T) {
	t.Parallel()

	p := testParams()
	p.AveragingWindow = 100 * time.Millisecond
	s := newTestSegmenter(t, p)

	// Two loud frames in a window of silence keep the average at 0.06.
	feed(s, 0, 100*time.Millisecond)
	if events := feed(s, 0.3, 20*time.Millisecond); len(events) != 0 {
		t.Fatalf("sub-threshold average opened a segment: %v", events)
	}
	s.Reset()
	events := feed(s, 0.5, 30*time.Millisecond)
	events = append(events, feed(s, 0, 4*time.Second)...)

	started := ofType(events, TalkingStarted)
	if len(started) != 1 || started[0].Segment.StartTime != 120*time.Millisecond {
		t.Fatalf("TalkingStarted = %+v, want one segment starting at 120ms", started)
	}
	if got := len(segmentAudio(events)); got < 30 {
		t.Fatalf("segment audio = %d samples", got)
	}
	if pcm := segmentAudio(events); pcm[0] != 0.5 {
		t.Errorf("segment starts with %v, want post-reset speech", pcm[0])
	}
}

func TestSegmenter_MidSentencePause(t *testing.T) {
	t.Parallel()

	p := testParams()
	p.PauseDuration = 2 * time.Second
	s := newTestSegmenter(t, p)

	var events []Event
	events = append(events, feed(s, 0.5, time.Second)...)
	pause := feed(s, 0, time.Second)
	if len(ofType(pause, EndOfUtterance)) != 0 || len(ofType(pause, SegmentChunk)) != 0 {
		t.Fatalf("pause emitted %v", pause)
	}
	events = append(events, pause...)
	events = append(events, feed(s, 0.5, time.Second)...)
	events = append(events, feed(s, 0, 4*time.Second)...)

	if n := len(ofType(events, TalkingStarted)); n != 1 {
		t.Errorf("TalkingStarted count = %d, want 1", n)
	}
	ends := ofType(events, EndOfUtterance)
	if len(ends) != 1 {
		t.Fatalf("EndOfUtterance count = %d, want 1", len(ends))
	}
	if ends[0].At != 6*time.Second {
		t.Errorf("EndOfUtterance at %v, want 6s", ends[0].At)
	}

	pcm := segmentAudio(events)
	if len(pcm) < 3000 {
		t.Fatalf("segment audio = %d samples, want at least 3000", len(pcm))
	}
	for i, v := range pcm[:3000] {
		loud := i < 1000 || i >= 2000
		if loud && v == 0 {
			t.Fatalf("sample %d is silent, want speech", i)
		}
		if !loud && v != 0 {
			t.Fatalf("sample %d = %v, want pause silence", i, v)
		}
	}
}

func TestSegmenter_NoSpeechStaysIdle(t *testing.T) {
	t.Parallel()

	s := newTestSegmenter(t, testParams())
	if events := feed(s, 0.05, 10*time.Second); len(events) != 0 {
		t.Errorf("got %d events for sub-threshold input", len(events))
	}
	if s.State() != StateIdle {
		t.Errorf("State = %v, want idle", s.State())
	}
}

func TestSegmenter_ThresholdIsExclusive(t *testing.T) {
	t.Parallel()

	s := newTestSegmenter(t, testParams())
	if events := feed(s, 0.1, time.Second); len(events) != 0 {
		t.Errorf("amplitude equal to threshold opened a segment: %v", events)
	}
}

func TestSegmenter_PauseFlushStreamsChunk(t *testing.T) {
	t.Parallel()

	s := newTestSegmenter(t, testParams())
	events := feed(s, 0.5, time.Second)
	events = append(events, feed(s, 0, 500*time.Millisecond)...)

	chunks := ofType(events, SegmentChunk)
	if len(chunks) != 1 {
		t.Fatalf("chunks = %d, want 1", len(chunks))
	}
	if chunks[0].At != 1500*time.Millisecond || len(chunks[0].Samples) != 1500 {
		t.Errorf("chunk at %v with %d samples, want 1.5s / 1500", chunks[0].At, len(chunks[0].Samples))
	}
	if chunks[0].SampleRate != testRate {
		t.Errorf("SampleRate = %d, want %d", chunks[0].SampleRate, testRate)
	}

	// Speech resumes: held silence rejoins the segment in order.
	events = feed(s, 0, 200*time.Millisecond)
	events = append(events, feed(s, 0.5, 100*time.Millisecond)...)
	events = append(events, feed(s, 0, 3*time.Second)...)
	if n := len(ofType(events, TalkingStarted)); n != 0 {
		t.Errorf("resumed speech opened a new segment")
	}
	pcm := segmentAudio(events)
	// 200ms held + 100ms speech + 500ms pause window.
	if len(pcm) != 800 {
		t.Fatalf("second part = %d samples, want 800", len(pcm))
	}
	if pcm[0] != 0 || pcm[200] == 0 {
		t.Errorf("held silence not restored before speech")
	}
}

func TestSegmenter_MaxSegmentForcesEnd(t *testing.T) {
	t.Parallel()

	p := testParams()
	p.MaxSegment = time.Second
	s := newTestSegmenter(t, p)

	events := feed(s, 0.5, 1500*time.Millisecond)
	ends := ofType(events, EndOfUtterance)
	if len(ends) != 1 {
		t.Fatalf("EndOfUtterance count = %d, want 1", len(ends))
	}
	if !ends[0].Segment.Forced || ends[0].At != time.Second || len(ends[0].Samples) != 1000 {
		t.Errorf("forced end = at %v, forced %v, %d samples", ends[0].At, ends[0].Segment.Forced, len(ends[0].Samples))
	}
	// Ongoing speech opens the next segment right away.
	if n := len(ofType(events, TalkingStarted)); n != 2 {
		t.Errorf("TalkingStarted count = %d, want 2", n)
	}
}

func TestSegmenter_ChunkDuration(t *testing.T) {
	t.Parallel()

	p := testParams()
	p.ChunkDuration = 250 * time.Millisecond
	s := newTestSegmenter(t, p)

	events := feed(s, 0.5, time.Second)
	chunks := ofType(events, SegmentChunk)
	if len(chunks) != 4 {
		t.Fatalf("chunks = %d, want 4", len(chunks))
	}
	for i, c := range chunks {
		if len(c.Samples) != 250 {
			t.Errorf("chunk %d has %d samples, want 250", i, len(c.Samples))
		}
		if c.Segment.Chunks != i+1 {
			t.Errorf("chunk %d Segment.Chunks = %d", i, c.Segment.Chunks)
		}
	}
}

func TestSegmenter_SmoothingRejectsSpike(t *testing.T) {
	t.Parallel()

	p := testParams()
	p.AveragingWindow = 100 * time.Millisecond
	s := newTestSegmenter(t, p)

	events := feed(s, 0, 200*time.Millisecond)
	events = append(events, s.Process(constFrame(0.9, testFrameSize))...)
	events = append(events, feed(s, 0, 200*time.Millisecond)...)
	if len(events) != 0 {
		t.Errorf("single-frame spike produced %v", events)
	}

	// Without smoothing the same spike opens a segment.
	raw := newTestSegmenter(t, testParams())
	if ev := raw.Process(constFrame(0.9, testFrameSize)); len(ev) != 1 || ev[0].Type != TalkingStarted {
		t.Errorf("unsmoothed spike = %v, want TalkingStarted", ev)
	}
}

func TestSegmenter_EndPolicyAverageEndsLater(t *testing.T) {
	t.Parallel()

	endAt := func(policy EndPolicy) time.Duration {
		p := testParams()
		p.AveragingWindow = 100 * time.Millisecond
		p.EndPolicy = policy
		s := newTestSegmenter(t, p)
		events := feed(s, 0.5, time.Second)
		events = append(events, feed(s, 0, 4*time.Second)...)
		ends := ofType(events, EndOfUtterance)
		if len(ends) != 1 {
			t.Fatalf("%s: EndOfUtterance count = %d", policy, len(ends))
		}
		return ends[0].At
	}

	silence := endAt(EndPolicySilence)
	average := endAt(EndPolicyAverage)
	if silence <= time.Second {
		t.Errorf("silence policy ended at %v", silence)
	}
	if average <= silence {
		t.Errorf("average policy ended at %v, want later than silence policy (%v)", average, silence)
	}
}

func TestSegmenter_UpdateParamsLive(t *testing.T) {
	t.Parallel()

	s := newTestSegmenter(t, testParams())
	feed(s, 0.5, 500*time.Millisecond)
	if s.State() != StateTalking {
		t.Fatalf("State = %v, want talking", s.State())
	}

	p := testParams()
	p.Threshold = 0.6
	if err := s.UpdateParams(p); err != nil {
		t.Fatalf("UpdateParams: %v", err)
	}
	// The open segment survives the update; 0.5 now counts as silence.
	if s.State() != StateTalking {
		t.Errorf("UpdateParams reset the segment")
	}
	s.Process(constFrame(0.5, testFrameSize))
	if s.State() != StateTrailingSilence {
		t.Errorf("State = %v, want trailing_silence under the new threshold", s.State())
	}
	if s.Params().Threshold != 0.6 {
		t.Errorf("Params().Threshold = %v", s.Params().Threshold)
	}

	bad := testParams()
	bad.PauseDuration = bad.EndDuration
	if err := s.UpdateParams(bad); err == nil {
		t.Error("UpdateParams accepted pause >= end")
	}
	if s.Params().Threshold != 0.6 {
		t.Error("rejected params were applied")
	}
}

func TestSegmenter_Reset(t *testing.T) {
	t.Parallel()

	s := newTestSegmenter(t, testParams())
	feed(s, 0.5, 300*time.Millisecond)
	s.Reset()
	if s.State() != StateIdle {
		t.Fatalf("State = %v after Reset", s.State())
	}
	if events := feed(s, 0, 5*time.Second); len(events) != 0 {
		t.Errorf("discarded segment still produced %v", events)
	}
}

// randomAmplitudes returns a reproducible speech-like amplitude sequence.
func randomAmplitudes(seed uint64, frames int) []float32 {
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	out := make([]float32, frames)
	loud := false
	for i := range out {
		if r.IntN(40) == 0 {
			loud = !loud
		}
		if loud {
			out[i] = 0.2 + r.Float32()*0.5
		} else {
			out[i] = r.Float32() * 0.08
		}
	}
	return out
}

func TestSegmenter_Deterministic(t *testing.T) {
	t.Parallel()

	amps := randomAmplitudes(42, 6000)
	run := func() []Event {
		p := testParams()
		p.PauseDuration = 300 * time.Millisecond
		p.EndDuration = 800 * time.Millisecond
		p.AveragingWindow = 50 * time.Millisecond
		s := newTestSegmenter(t, p)
		var events []Event
		for _, a := range amps {
			events = append(events, s.Process(constFrame(a, testFrameSize))...)
		}
		return events
	}

	first, second := run(), run()
	if len(first) == 0 {
		t.Fatal("no events produced")
	}
	if len(first) != len(second) {
		t.Fatalf("runs produced %d and %d events", len(first), len(second))
	}
	for i := range first {
		a, b := first[i], second[i]
		if a.Type != b.Type || a.At != b.At || len(a.Samples) != len(b.Samples) {
			t.Fatalf("event %d differs: %v@%v vs %v@%v", i, a.Type, a.At, b.Type, b.At)
		}
	}
}

func TestSegmenter_FrameAccounting(t *testing.T) {
	t.Parallel()

	p := testParams()
	p.PauseDuration = 200 * time.Millisecond
	p.EndDuration = 700 * time.Millisecond
	p.MaxSegment = 3 * time.Second
	s := newTestSegmenter(t, p)

	inSegment := 0
	segments := 0
	for _, a := range randomAmplitudes(7, 8000) {
		open := s.State() != StateIdle
		events := s.Process(constFrame(a, testFrameSize))
		started := len(ofType(events, TalkingStarted)) > 0
		if open || started {
			inSegment++
		}
		for _, e := range ofType(events, EndOfUtterance) {
			segments++
			got := e.Segment.AppendedFrames + e.Segment.DroppedFrames
			if got != inSegment {
				t.Fatalf("segment %d: appended %d + dropped %d = %d, frames delivered %d",
					segments, e.Segment.AppendedFrames, e.Segment.DroppedFrames, got, inSegment)
			}
			if e.Segment.Duration != time.Duration(e.Segment.AppendedFrames)*10*time.Millisecond {
				t.Fatalf("segment %d: Duration %v does not match %d appended frames",
					segments, e.Segment.Duration, e.Segment.AppendedFrames)
			}
			inSegment = 0
		}
	}
	if segments == 0 {
		t.Fatal("random input produced no complete segments")
	}
}

func TestNewSegmenter_Invalid(t *testing.T) {
	t.Parallel()

	if _, err := NewSegmenter(testParams(), 0, 10); err == nil {
		t.Error("zero sample rate accepted")
	}
	p := testParams()
	p.EndPolicy = "loudness"
	if _, err := NewSegmenter(p, testRate, testFrameSize); err == nil {
		t.Error("unknown policy accepted")
	}
}

func TestParams_Validate(t *testing.T) {
	t.Parallel()

	if err := DefaultParams().Validate(); err != nil {
		t.Fatalf("DefaultParams invalid: %v", err)
	}
	tests := []struct {
		name   string
		modify func(*Params)
	}{
		{"threshold above one", func(p *Params) { p.Threshold = 1.5 }},
		{"negative threshold", func(p *Params) { p.Threshold = -0.1 }},
		{"zero end", func(p *Params) { p.EndDuration = 0 }},
		{"pause equals end", func(p *Params) { p.PauseDuration = p.EndDuration }},
		{"negative max", func(p *Params) { p.MaxSegment = -time.Second }},
		{"negative chunk", func(p *Params) { p.ChunkDuration = -time.Second }},
		{"negative window", func(p *Params) { p.AveragingWindow = -time.Second }},
		{"empty policy", func(p *Params) { p.EndPolicy = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultParams()
			tt.modify(&p)
			if err := p.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}
