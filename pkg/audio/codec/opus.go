package codec

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/voxloop/pkg/audio"
)

// maxOpusFrameMs is the longest frame an Opus packet can carry.
const maxOpusFrameMs = 120

// Opus decodes payloads that each hold a single Opus packet. It keeps decoder
// state across calls, so one instance must only see one stream.
type Opus struct {
	dec        *gopus.Decoder
	sampleRate int
	channels   int
	frameSize  int
}

// NewOpus creates an Opus decoder producing sampleRate Hz output. The rate
// must be one Opus supports (8000, 12000, 16000, 24000 or 48000). Stereo
// streams are downmixed to mono.
func NewOpus(sampleRate, channels int) (*Opus, error) {
	dec, err := gopus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("codec: create opus decoder: %w", err)
	}
	return &Opus{
		dec:        dec,
		sampleRate: sampleRate,
		channels:   channels,
		frameSize:  sampleRate * maxOpusFrameMs / 1000,
	}, nil
}

// Decode implements [Decoder].
func (o *Opus) Decode(payload []byte) (PCM, error) {
	if len(payload) == 0 {
		return PCM{}, fmt.Errorf("%w: empty opus packet", ErrDecode)
	}
	pcm, err := o.dec.Decode(payload, o.frameSize, false)
	if err != nil {
		return PCM{}, fmt.Errorf("%w: opus: %w", ErrDecode, err)
	}
	if o.channels == 2 {
		pcm = audio.StereoToMono(pcm)
	}
	return PCM{Samples: pcm, SampleRate: o.sampleRate}, nil
}

