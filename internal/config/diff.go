package config

// ConfigDiff describes what changed between two configs. Only fields that
// can be applied to a running session are tracked; everything else needs a
// restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VADChanged is true if any segmentation parameter changed.
	VADChanged bool

	// RestartRequired lists the sections that changed but cannot be
	// hot-reloaded.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.VADChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.VAD != new.VAD {
		d.VADChanged = true
	}

	if old.Server.MetricsAddr != new.Server.MetricsAddr {
		d.RestartRequired = append(d.RestartRequired, "server.metrics_addr")
	}
	if !backendEqual(old.Backend, new.Backend) {
		d.RestartRequired = append(d.RestartRequired, "backend")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Session != new.Session {
		d.RestartRequired = append(d.RestartRequired, "session")
	}
	if old.Playback != new.Playback {
		d.RestartRequired = append(d.RestartRequired, "playback")
	}
	if old.History != new.History {
		d.RestartRequired = append(d.RestartRequired, "history")
	}

	return d
}

// backendEqual compares two backend configs, dereferencing Prewarm.
func backendEqual(a, b BackendConfig) bool {
	if a.PrewarmEnabled() != b.PrewarmEnabled() {
		return false
	}
	a.Prewarm, b.Prewarm = nil, nil
	return a == b
}
