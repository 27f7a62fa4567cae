// Package codec decodes the audio payloads received from the inference
// backend into mono 16-bit PCM for the playback sink.
//
// The backend sends one self-contained payload per synthesized sentence.
// [WAV] handles RIFF/WAVE payloads, [Opus] handles single Opus packets and
// [Auto] sniffs the payload and dispatches to either.
//
// Every decoding failure wraps [ErrDecode] so callers can skip the payload
// with a single errors.Is check.
package codec

import (
	"errors"
	"fmt"
	"strings"
)

// ErrDecode is returned for payloads that cannot be decoded.
var ErrDecode = errors.New("codec: decode failed")

// PCM is decoded mono audio.
type PCM struct {
	Samples    []int16
	SampleRate int
}

// Decoder turns one backend audio payload into PCM.
//
// Implementations are not required to be safe for concurrent use; the
// playback queue owns a single decoder and calls it from one goroutine.
type Decoder interface {
	Decode(payload []byte) (PCM, error)
}

// New returns the decoder registered under name. Valid names are "wav",
// "opus" and "auto". sampleRate is the Opus output rate and is ignored by the
// WAV decoder.
func New(name string, sampleRate int) (Decoder, error) {
	switch strings.ToLower(name) {
	case "", "wav":
		return WAV{}, nil
	case "opus":
		return NewOpus(sampleRate, 1)
	case "auto":
		op, err := NewOpus(sampleRate, 1)
		if err != nil {
			return nil, err
		}
		return Auto{Fallback: op}, nil
	default:
		return nil, fmt.Errorf("codec: unknown codec %q", name)
	}
}
