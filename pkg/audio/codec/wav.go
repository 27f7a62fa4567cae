package codec

import (
	"fmt"

	"github.com/MrWong99/voxloop/pkg/audio"
)

// WAV decodes RIFF/WAVE payloads.
type WAV struct{}

// Decode implements [Decoder].
func (WAV) Decode(payload []byte) (PCM, error) {
	w, err := audio.DecodeWAV(payload)
	if err != nil {
		return PCM{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return PCM{Samples: w.PCM, SampleRate: w.SampleRate}, nil
}
