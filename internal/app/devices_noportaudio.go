//go:build !portaudio

package app

import (
	"errors"

	"github.com/MrWong99/voxloop/internal/config"
)

func openPortAudio(config.AudioConfig) (devices, error) {
	return devices{}, errors.New("audio device \"portaudio\" requires a build with -tags portaudio; use device \"file\" instead")
}
