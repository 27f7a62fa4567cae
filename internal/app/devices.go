package app

import (
	"fmt"

	"github.com/MrWong99/voxloop/internal/config"
	"github.com/MrWong99/voxloop/pkg/audio"
	"github.com/MrWong99/voxloop/pkg/audio/file"
)

// devices holds the opened audio devices and their cleanup.
type devices struct {
	source audio.Source
	sink   audio.Sink
	close  func() error
}

// openDevices opens the capture and playback devices selected by cfg.
func openDevices(cfg config.AudioConfig) (devices, error) {
	switch cfg.Device {
	case config.DeviceFile:
		return openFileDevices(cfg)
	case config.DevicePortAudio:
		return openPortAudio(cfg)
	default:
		return devices{}, fmt.Errorf("unknown audio device %q", cfg.Device)
	}
}

func openFileDevices(cfg config.AudioConfig) (devices, error) {
	src, err := file.Open(cfg.InputFile, cfg.SampleRate, cfg.FrameSize)
	if err != nil {
		return devices{}, err
	}
	sink, err := file.NewSink(cfg.OutputDir)
	if err != nil {
		return devices{}, err
	}
	return devices{source: src, sink: sink, close: func() error { return nil }}, nil
}
