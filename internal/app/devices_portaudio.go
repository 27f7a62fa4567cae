//go:build portaudio

package app

import (
	"github.com/MrWong99/voxloop/internal/config"
	"github.com/MrWong99/voxloop/pkg/audio/portaudio"
)

func openPortAudio(cfg config.AudioConfig) (devices, error) {
	speaker, err := portaudio.OpenSpeaker(cfg.OutputSampleRate)
	if err != nil {
		return devices{}, err
	}
	return devices{
		source: portaudio.NewMicrophone(cfg.SampleRate, cfg.FrameSize),
		sink:   speaker,
		close:  speaker.Close,
	}, nil
}
