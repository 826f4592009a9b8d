// Package config provides the configuration schema, loader, and hot-reload
// watcher for the voiceloop client.
package config

import "time"

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

// Encoding selects the outbound audio codec.
type Encoding string

const (
	// EncodingPCM16 sends raw 16-bit little-endian PCM.
	EncodingPCM16 Encoding = "pcm16"

	// EncodingOpus sends length-prefixed Opus packets.
	EncodingOpus Encoding = "opus"
)

// IsValid reports whether e is a recognised encoding.
func (e Encoding) IsValid() bool {
	return e == EncodingPCM16 || e == EncodingOpus
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Endpoints EndpointsConfig `yaml:"endpoints"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Capture   CaptureConfig   `yaml:"capture"`
	Playback  PlaybackConfig  `yaml:"playback"`
	Level     LevelConfig     `yaml:"level"`
	Agents    []AgentConfig   `yaml:"agents"`
	Demo      DemoConfig      `yaml:"demo"`
}

// ServerConfig holds the local diagnostics server and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the diagnostics HTTP server
	// (e.g., "127.0.0.1:9090"). Empty disables the server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`
}

// EndpointsConfig holds the websocket URLs of the conversation service.
type EndpointsConfig struct {
	// VoiceURL carries captured audio and inbound speech.
	VoiceURL string `yaml:"voice_url"`

	// ChatURL carries typed text and agent status.
	ChatURL string `yaml:"chat_url"`
}

// ReconnectConfig tunes the linear reconnect backoff shared by both
// endpoints.
type ReconnectConfig struct {
	// BaseDelay is multiplied by the attempt number.
	BaseDelay time.Duration `yaml:"base_delay"`

	// MaxAttempts bounds consecutive reconnects before giving up.
	MaxAttempts int `yaml:"max_attempts"`

	// DialTimeout bounds a single websocket handshake.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// FatalCloseCodes are close codes that end the session without a retry.
	FatalCloseCodes []int `yaml:"fatal_close_codes"`
}

// CaptureConfig describes the microphone stream.
type CaptureConfig struct {
	FrameDuration  time.Duration `yaml:"frame_duration"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	SampleRate     int           `yaml:"sample_rate"`
	Channels       int           `yaml:"channels"`

	// Voice processing requests. Unset means enabled.
	EchoCancellation *bool `yaml:"echo_cancellation"`
	NoiseSuppression *bool `yaml:"noise_suppression"`
	AutoGainControl  *bool `yaml:"auto_gain_control"`

	Encoding Encoding `yaml:"encoding"`
}

// PlaybackConfig is the output device format. Inbound audio is converted
// to it.
type PlaybackConfig struct {
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`
}

// LevelConfig tunes the input level meter.
type LevelConfig struct {
	FFTSize int     `yaml:"fft_size"`
	RateHz  float64 `yaml:"rate_hz"`
}

// AgentConfig is one roster entry shown in the agent activity panel.
type AgentConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	Icon string `yaml:"icon"`
}

// DemoConfig controls the local agent simulator.
type DemoConfig struct {
	// Enabled runs the simulator when the chat endpoint is unreachable.
	// Hot-reloadable.
	Enabled bool `yaml:"enabled"`

	// StepDelay is the pause between simulated lifecycle steps.
	StepDelay time.Duration `yaml:"step_delay"`
}

// Enabled returns *b, treating nil as true.
func Enabled(b *bool) bool {
	return b == nil || *b
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero fields of cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	if cfg.Endpoints.VoiceURL == "" {
		cfg.Endpoints.VoiceURL = "ws://localhost:8000/ws/voice"
	}
	if cfg.Endpoints.ChatURL == "" {
		cfg.Endpoints.ChatURL = "ws://localhost:8000/ws"
	}

	r := &cfg.Reconnect
	if r.BaseDelay == 0 {
		r.BaseDelay = time.Second
	}
	if r.MaxAttempts == 0 {
		r.MaxAttempts = 5
	}
	if r.DialTimeout == 0 {
		r.DialTimeout = 10 * time.Second
	}
	if r.FatalCloseCodes == nil {
		r.FatalCloseCodes = []int{1011}
	}

	c := &cfg.Capture
	if c.FrameDuration == 0 {
		c.FrameDuration = 50 * time.Millisecond
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.SampleRate == 0 {
		c.SampleRate = 24000
	}
	if c.Channels == 0 {
		c.Channels = 1
	}
	if c.Encoding == "" {
		c.Encoding = EncodingPCM16
	}

	if cfg.Playback.SampleRate == 0 {
		cfg.Playback.SampleRate = 24000
	}
	if cfg.Playback.Channels == 0 {
		cfg.Playback.Channels = 1
	}

	if cfg.Level.FFTSize == 0 {
		cfg.Level.FFTSize = 256
	}
	if cfg.Level.RateHz == 0 {
		cfg.Level.RateHz = 60
	}

	if cfg.Demo.StepDelay == 0 {
		cfg.Demo.StepDelay = 1500 * time.Millisecond
	}
}
