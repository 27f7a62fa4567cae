package codec

import (
	"bytes"
	"fmt"
)

// Auto sniffs each payload. RIFF payloads go to the WAV decoder, everything
// else to Fallback. With a nil Fallback non-WAV payloads fail with
// [ErrDecode].
type Auto struct {
	Fallback Decoder
}

// Decode implements [Decoder].
func (a Auto) Decode(payload []byte) (PCM, error) {
	if bytes.HasPrefix(payload, []byte("RIFF")) {
		return WAV{}.Decode(payload)
	}
	if a.Fallback == nil {
		return PCM{}, fmt.Errorf("%w: unrecognised payload", ErrDecode)
	}
	return a.Fallback.Decode(payload)
}
