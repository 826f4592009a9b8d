package config

import "slices"

// ConfigDiff describes what changed between two configs. Log level and
// demo mode apply live; every other change is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	DemoChanged bool
	NewDemo     bool

	// RestartRequired names the sections whose changes only take effect
	// after a restart.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.DemoChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Demo.Enabled != new.Demo.Enabled {
		d.DemoChanged = true
		d.NewDemo = new.Demo.Enabled
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Endpoints != new.Endpoints {
		d.RestartRequired = append(d.RestartRequired, "endpoints")
	}
	if !reconnectEqual(old.Reconnect, new.Reconnect) {
		d.RestartRequired = append(d.RestartRequired, "reconnect")
	}
	if !captureEqual(old.Capture, new.Capture) {
		d.RestartRequired = append(d.RestartRequired, "capture")
	}
	if old.Playback != new.Playback {
		d.RestartRequired = append(d.RestartRequired, "playback")
	}
	if old.Level != new.Level {
		d.RestartRequired = append(d.RestartRequired, "level")
	}
	if !slices.Equal(old.Agents, new.Agents) {
		d.RestartRequired = append(d.RestartRequired, "agents")
	}
	if old.Demo.StepDelay != new.Demo.StepDelay {
		d.RestartRequired = append(d.RestartRequired, "demo.step_delay")
	}
	return d
}

func reconnectEqual(a, b ReconnectConfig) bool {
	return a.BaseDelay == b.BaseDelay &&
		a.MaxAttempts == b.MaxAttempts &&
		a.DialTimeout == b.DialTimeout &&
		slices.Equal(a.FatalCloseCodes, b.FatalCloseCodes)
}

func captureEqual(a, b CaptureConfig) bool {
	return a.FrameDuration == b.FrameDuration &&
		a.ConnectTimeout == b.ConnectTimeout &&
		a.SampleRate == b.SampleRate &&
		a.Channels == b.Channels &&
		a.Encoding == b.Encoding &&
		Enabled(a.EchoCancellation) == Enabled(b.EchoCancellation) &&
		Enabled(a.NoiseSuppression) == Enabled(b.NoiseSuppression) &&
		Enabled(a.AutoGainControl) == Enabled(b.AutoGainControl)
}
