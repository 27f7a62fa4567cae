// Package audio defines the capture and playback device abstractions and the
// PCM helpers shared by the voice pipeline.
//
// A [Source] delivers fixed-size mono [AudioFrame] values from a microphone;
// a [Sink] plays decoded 16-bit PCM. Implementations live in sub-packages:
// portaudio for real hardware, file for WAV replay and mock for tests.
package audio

import "time"

const (
	// DefaultSampleRate is the capture rate used when the device does not
	// report one.
	DefaultSampleRate = 48000

	// DefaultFrameSize is the number of samples per captured frame.
	DefaultFrameSize = 128
)

// AudioFrame is one fixed-size block of mono capture audio. Samples are
// normalised to [-1, 1]. A frame is immutable once produced and is consumed
// exactly once by the pipeline.
type AudioFrame struct {
	// Samples holds the mono PCM samples of this frame.
	Samples []float32

	// SampleRate in Hz (e.g. 48000).
	SampleRate int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the wall-clock length of the frame derived from its sample
// count. It returns zero when SampleRate is unset.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}
