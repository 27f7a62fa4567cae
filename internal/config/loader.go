package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidCodecs lists the playback codec names accepted by [Validate].
var ValidCodecs = []string{"wav", "opus", "auto"}

// opusRates are the output sample rates supported by the Opus decoder.
var opusRates = []int{8000, 12000, 16000, 24000, 48000}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Backend
	if cfg.Backend.URL == "" {
		errs = append(errs, errors.New("backend.url is required"))
	} else if u, err := url.Parse(cfg.Backend.URL); err != nil {
		errs = append(errs, fmt.Errorf("backend.url: %w", err))
	} else if u.Scheme != "http" && u.Scheme != "https" {
		errs = append(errs, fmt.Errorf("backend.url scheme %q is invalid; valid values: http, https", u.Scheme))
	}
	if cfg.Backend.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("backend.breaker.max_failures must not be negative, got %d", cfg.Backend.Breaker.MaxFailures))
	}

	// Audio
	if cfg.Audio.Device != "" && !cfg.Audio.Device.IsValid() {
		errs = append(errs, fmt.Errorf("audio.device %q is invalid; valid values: portaudio, file", cfg.Audio.Device))
	}
	if cfg.Audio.Device == DeviceFile && cfg.Audio.InputFile == "" {
		errs = append(errs, errors.New("audio.input_file is required when audio.device is file"))
	}
	if cfg.Audio.SampleRate < 8000 || cfg.Audio.SampleRate > 192000 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is out of range [8000, 192000]", cfg.Audio.SampleRate))
	}
	if cfg.Audio.FrameSize <= 0 {
		errs = append(errs, fmt.Errorf("audio.frame_size must be positive, got %d", cfg.Audio.FrameSize))
	}

	// VAD
	if err := cfg.VAD.Params().Validate(); err != nil {
		errs = append(errs, err)
	}

	// Session
	if cfg.Session.HistoryTurns < 0 {
		errs = append(errs, fmt.Errorf("session.history_turns must not be negative, got %d", cfg.Session.HistoryTurns))
	}
	if cfg.Session.RetryMaxBackoff > 0 && cfg.Session.RetryMaxBackoff < cfg.Session.RetryBackoff {
		errs = append(errs, fmt.Errorf("session.retry_max_backoff %v is shorter than session.retry_backoff %v", cfg.Session.RetryMaxBackoff, cfg.Session.RetryBackoff))
	}

	// Playback
	if cfg.Playback.Codec != "" && !slices.Contains(ValidCodecs, cfg.Playback.Codec) {
		errs = append(errs, fmt.Errorf("playback.codec %q is invalid; valid values: wav, opus, auto", cfg.Playback.Codec))
	}
	if (cfg.Playback.Codec == "opus" || cfg.Playback.Codec == "auto") && !slices.Contains(opusRates, cfg.Audio.OutputSampleRate) {
		errs = append(errs, fmt.Errorf("audio.output_sample_rate %d is not supported by the opus codec", cfg.Audio.OutputSampleRate))
	}

	// History
	if cfg.History.PostgresDSN == "" && cfg.History.ConversationID != "" {
		slog.Warn("history.conversation_id is set but history.postgres_dsn is empty; the conversation will not be resumed")
	}

	return errors.Join(errs...)
}
