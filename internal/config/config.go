// Package config provides the configuration schema, loader and hot-reload
// watcher for the voxloop voice client.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/voxloop/pkg/vad"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel maps l to the corresponding [slog.Level]. Unknown and empty
// levels map to info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Device selects the audio I/O implementation.
type Device string

const (
	// DevicePortAudio uses the system microphone and speaker. Requires a
	// binary built with the portaudio tag.
	DevicePortAudio Device = "portaudio"

	// DeviceFile replays a WAV file as the microphone and writes replies to
	// WAV files.
	DeviceFile Device = "file"
)

// IsValid reports whether d is a recognised device.
func (d Device) IsValid() bool {
	return d == DevicePortAudio || d == DeviceFile
}

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Backend  BackendConfig  `yaml:"backend"`
	Audio    AudioConfig    `yaml:"audio"`
	VAD      VADConfig      `yaml:"vad"`
	Session  SessionConfig  `yaml:"session"`
	Playback PlaybackConfig `yaml:"playback"`
	History  HistoryConfig  `yaml:"history"`
}

// ServerConfig holds logging and the local observability endpoint.
type ServerConfig struct {
	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// MetricsAddr is the listen address of the /metrics, /healthz and
	// /readyz endpoints (e.g. ":9090"). Empty disables the endpoint.
	MetricsAddr string `yaml:"metrics_addr"`
}

// BackendConfig describes how to reach the voice backend.
type BackendConfig struct {
	// URL is the HTTP base URL of the backend (e.g. "https://host").
	URL string `yaml:"url"`

	// PipelinePath is the websocket path of the conversation pipeline.
	// Default: "/pipeline".
	PipelinePath string `yaml:"pipeline_path"`

	// Prewarm calls GET /prewarm during session setup. Default: true.
	Prewarm *bool `yaml:"prewarm"`

	// WaitReady polls GET /status during setup until all models are loaded.
	WaitReady bool `yaml:"wait_ready"`

	// StatusPollInterval is the /status polling interval. Default: 1s.
	StatusPollInterval time.Duration `yaml:"status_poll_interval"`

	// DialTimeout bounds a single websocket dial. Default: 10s.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// Breaker tunes the circuit breaker around the HTTP endpoints.
	Breaker BreakerConfig `yaml:"breaker"`
}

// PrewarmEnabled reports whether setup should call /prewarm.
func (b BackendConfig) PrewarmEnabled() bool {
	return b.Prewarm == nil || *b.Prewarm
}

// BreakerConfig tunes the backend circuit breaker.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// AudioConfig holds capture and playback device settings.
type AudioConfig struct {
	// Device selects the audio implementation. Default: "portaudio".
	Device Device `yaml:"device"`

	// SampleRate is the capture rate in Hz. Default: 48000.
	SampleRate int `yaml:"sample_rate"`

	// FrameSize is the number of samples per capture frame. Default: 128.
	FrameSize int `yaml:"frame_size"`

	// OutputSampleRate is the playback rate in Hz. Default: 48000.
	OutputSampleRate int `yaml:"output_sample_rate"`

	// InputFile is the WAV file replayed by the file device.
	InputFile string `yaml:"input_file"`

	// OutputDir receives reply WAV files from the file device. Default: ".".
	OutputDir string `yaml:"output_dir"`
}

// VADConfig holds the segmentation parameters. All fields are
// hot-reloadable.
type VADConfig struct {
	Threshold       float64       `yaml:"threshold"`
	PauseDuration   time.Duration `yaml:"pause_duration"`
	EndDuration     time.Duration `yaml:"end_duration"`
	MaxSegment      time.Duration `yaml:"max_segment"`
	ChunkDuration   time.Duration `yaml:"chunk_duration"`
	AveragingWindow time.Duration `yaml:"averaging_window"`
	EndPolicy       vad.EndPolicy `yaml:"end_policy"`
}

// Params converts the config into segmenter parameters.
func (v VADConfig) Params() vad.Params {
	return vad.Params{
		Threshold:       v.Threshold,
		PauseDuration:   v.PauseDuration,
		EndDuration:     v.EndDuration,
		MaxSegment:      v.MaxSegment,
		ChunkDuration:   v.ChunkDuration,
		AveragingWindow: v.AveragingWindow,
		EndPolicy:       v.EndPolicy,
	}
}

// SessionConfig tunes the turn-taking state machine.
type SessionConfig struct {
	// HistoryTurns is the number of recent chat turns sent before every end
	// marker. Zero disables history priming.
	HistoryTurns int `yaml:"history_turns"`

	// BargeIn keeps the microphone open while a reply plays; speaking
	// cancels the reply.
	BargeIn bool `yaml:"barge_in"`

	// RetryBackoff is the first setup retry delay. Default: 1s.
	RetryBackoff time.Duration `yaml:"retry_backoff"`

	// RetryMaxBackoff caps the setup retry delay. Default: 30s.
	RetryMaxBackoff time.Duration `yaml:"retry_max_backoff"`
}

// PlaybackConfig selects how reply audio is decoded and buffered.
type PlaybackConfig struct {
	// Codec is "wav", "opus" or "auto". Default: "wav".
	Codec string `yaml:"codec"`

	// QueueCapacity bounds the number of pending playback items.
	// Default: 256.
	QueueCapacity int `yaml:"queue_capacity"`
}

// HistoryConfig configures chat transcript persistence.
type HistoryConfig struct {
	// PostgresDSN enables persistence when set.
	PostgresDSN string `yaml:"postgres_dsn"`

	// ConversationID resumes an existing conversation. A new ID is generated
	// when empty.
	ConversationID string `yaml:"conversation_id"`

	// LoadTurns is the number of stored turns loaded on startup when
	// resuming. Default: 20.
	LoadTurns int `yaml:"load_turns"`
}

// ApplyDefaults fills zero-valued fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	if cfg.Backend.PipelinePath == "" {
		cfg.Backend.PipelinePath = "/pipeline"
	}
	if cfg.Backend.StatusPollInterval <= 0 {
		cfg.Backend.StatusPollInterval = time.Second
	}
	if cfg.Backend.DialTimeout <= 0 {
		cfg.Backend.DialTimeout = 10 * time.Second
	}

	if cfg.Audio.Device == "" {
		cfg.Audio.Device = DevicePortAudio
	}
	if cfg.Audio.SampleRate <= 0 {
		cfg.Audio.SampleRate = 48000
	}
	if cfg.Audio.FrameSize <= 0 {
		cfg.Audio.FrameSize = 128
	}
	if cfg.Audio.OutputSampleRate <= 0 {
		cfg.Audio.OutputSampleRate = cfg.Audio.SampleRate
	}
	if cfg.Audio.OutputDir == "" {
		cfg.Audio.OutputDir = "."
	}

	def := vad.DefaultParams()
	if cfg.VAD.Threshold == 0 {
		cfg.VAD.Threshold = def.Threshold
	}
	if cfg.VAD.PauseDuration == 0 {
		cfg.VAD.PauseDuration = def.PauseDuration
	}
	if cfg.VAD.EndDuration == 0 {
		cfg.VAD.EndDuration = def.EndDuration
	}
	if cfg.VAD.MaxSegment == 0 {
		cfg.VAD.MaxSegment = def.MaxSegment
	}
	if cfg.VAD.AveragingWindow == 0 {
		cfg.VAD.AveragingWindow = def.AveragingWindow
	}
	if cfg.VAD.EndPolicy == "" {
		cfg.VAD.EndPolicy = def.EndPolicy
	}

	if cfg.Session.RetryBackoff <= 0 {
		cfg.Session.RetryBackoff = time.Second
	}
	if cfg.Session.RetryMaxBackoff <= 0 {
		cfg.Session.RetryMaxBackoff = 30 * time.Second
	}

	if cfg.Playback.Codec == "" {
		cfg.Playback.Codec = "wav"
	}
	if cfg.Playback.QueueCapacity <= 0 {
		cfg.Playback.QueueCapacity = 256
	}

	if cfg.History.LoadTurns <= 0 {
		cfg.History.LoadTurns = 20
	}
}
