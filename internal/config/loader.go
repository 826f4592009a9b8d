package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// opusRates are the sample rates the Opus encoder accepts.
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
// validates the result. An empty document yields [Default].
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

// Validate checks that cfg contains a coherent set of values. It expects
// defaults to be applied and returns a joined error listing every failure.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ListenAddr == "" {
		slog.Debug("server.listen_addr is empty; diagnostics server disabled")
	}

	// Endpoints
	if err := validateWSURL("endpoints.voice_url", cfg.Endpoints.VoiceURL); err != nil {
		errs = append(errs, err)
	}
	if err := validateWSURL("endpoints.chat_url", cfg.Endpoints.ChatURL); err != nil {
		errs = append(errs, err)
	}

	// Reconnect
	r := cfg.Reconnect
	if r.BaseDelay < 0 {
		errs = append(errs, fmt.Errorf("reconnect.base_delay %s must not be negative", r.BaseDelay))
	}
	if r.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("reconnect.max_attempts %d must not be negative", r.MaxAttempts))
	}
	if r.DialTimeout < 0 {
		errs = append(errs, fmt.Errorf("reconnect.dial_timeout %s must not be negative", r.DialTimeout))
	}
	for i, code := range r.FatalCloseCodes {
		if code < 1000 || code > 4999 {
			errs = append(errs, fmt.Errorf("reconnect.fatal_close_codes[%d] %d is out of range [1000, 4999]", i, code))
		}
		if code == 1000 {
			slog.Warn("reconnect.fatal_close_codes contains 1000; a normal closure is already terminal")
		}
	}

	// Capture
	c := cfg.Capture
	if c.FrameDuration < 10*time.Millisecond {
		errs = append(errs, fmt.Errorf("capture.frame_duration %s is shorter than 10ms", c.FrameDuration))
	}
	if c.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("capture.connect_timeout %s must not be negative", c.ConnectTimeout))
	}
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("capture.sample_rate %d must be positive", c.SampleRate))
	}
	if c.Channels != 1 && c.Channels != 2 {
		errs = append(errs, fmt.Errorf("capture.channels %d is invalid; valid values: 1, 2", c.Channels))
	}
	if !c.Encoding.IsValid() {
		errs = append(errs, fmt.Errorf("capture.encoding %q is invalid; valid values: pcm16, opus", c.Encoding))
	}
	if c.Encoding == EncodingOpus && !slices.Contains(opusRates, c.SampleRate) {
		errs = append(errs, fmt.Errorf("capture.sample_rate %d is not supported by opus; valid values: %v", c.SampleRate, opusRates))
	}
	if c.SampleRate != 24000 || c.Channels != 1 {
		slog.Warn("capture format differs from the 24000Hz mono the service expects",
			"sample_rate", c.SampleRate,
			"channels", c.Channels,
		)
	}

	// Playback
	if cfg.Playback.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("playback.sample_rate %d must be positive", cfg.Playback.SampleRate))
	}
	if cfg.Playback.Channels != 1 && cfg.Playback.Channels != 2 {
		errs = append(errs, fmt.Errorf("playback.channels %d is invalid; valid values: 1, 2", cfg.Playback.Channels))
	}

	// Level
	n := cfg.Level.FFTSize
	if n < 32 || n > 32768 || n&(n-1) != 0 {
		errs = append(errs, fmt.Errorf("level.fft_size %d must be a power of two in [32, 32768]", n))
	}
	if cfg.Level.RateHz <= 0 || cfg.Level.RateHz > 240 {
		errs = append(errs, fmt.Errorf("level.rate_hz %.1f is out of range (0, 240]", cfg.Level.RateHz))
	}

	// Agents
	seen := make(map[string]int, len(cfg.Agents))
	for i, a := range cfg.Agents {
		prefix := fmt.Sprintf("agents[%d]", i)
		if a.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
			continue
		}
		if prev, ok := seen[a.ID]; ok {
			errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of agents[%d]", prefix, a.ID, prev))
		}
		seen[a.ID] = i
		if a.Name == "" {
			slog.Warn("agent has no display name; the id will be shown", "id", a.ID)
		}
	}

	// Demo
	if cfg.Demo.StepDelay < 0 {
		errs = append(errs, fmt.Errorf("demo.step_delay %s must not be negative", cfg.Demo.StepDelay))
	}

	return errors.Join(errs...)
}

func validateWSURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s %q: %w", field, raw, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%s %q must use the ws or wss scheme", field, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%s %q has no host", field, raw)
	}
	return nil
}
