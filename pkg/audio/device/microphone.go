// Package device implements the audio device interfaces on real hardware:
// capture through miniaudio (malgo) and playback through oto.
package device

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/voiceloop/pkg/audio"
)

const (
	// periodMs is the capture callback period.
	periodMs = 20

	// trackBuffer is the number of callback chunks a track buffers before it
	// starts dropping. At 20 ms per chunk this is about 1.3 s.
	trackBuffer = 64
)

// Microphone opens capture tracks on the default input device.
type Microphone struct {
	ctx    *malgo.AllocatedContext
	logger *slog.Logger
}

var _ audio.Microphone = (*Microphone)(nil)

// MicrophoneOption configures a [Microphone].
type MicrophoneOption func(*Microphone)

// WithMicrophoneLogger sets the logger. Defaults to [slog.Default].
func WithMicrophoneLogger(l *slog.Logger) MicrophoneOption {
	return func(m *Microphone) { m.logger = l }
}

// NewMicrophone initialises the audio backend. Call [Microphone.Close] to
// release it.
func NewMicrophone(opts ...MicrophoneOption) (*Microphone, error) {
	m := &Microphone{logger: slog.Default()}
	for _, o := range opts {
		o(m)
	}
	cfg := malgo.ContextConfig{}
	cfg.ThreadPriority = malgo.ThreadPriorityRealtime
	ctx, err := malgo.InitContext(nil, cfg, nil)
	if err != nil {
		return nil, fmt.Errorf("device: init capture backend: %w", err)
	}
	m.ctx = ctx
	return m, nil
}

// Open implements [audio.Microphone]. Voice processing flags in c are not
// supported by miniaudio and are ignored.
func (m *Microphone) Open(ctx context.Context, c audio.Constraints) (audio.Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	devices, err := m.ctx.Context.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("device: list capture devices: %w", classify(err))
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("device: open microphone: %w", audio.ErrDeviceNotFound)
	}

	if c.EchoCancellation || c.NoiseSuppression || c.AutoGainControl {
		m.logger.Debug("voice processing requested but not available on this backend",
			"echo_cancellation", c.EchoCancellation,
			"noise_suppression", c.NoiseSuppression,
			"auto_gain_control", c.AutoGainControl,
		)
	}

	t := &micTrack{
		samples: make(chan []byte, trackBuffer),
		format:  c.Format(),
		logger:  m.logger,
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(c.Channels)
	cfg.SampleRate = uint32(c.SampleRate)
	cfg.PeriodSizeInMilliseconds = periodMs

	dev, err := malgo.InitDevice(m.ctx.Context, cfg, malgo.DeviceCallbacks{Data: t.onData})
	if err != nil {
		return nil, fmt.Errorf("device: open microphone: %w", classify(err))
	}
	t.device = dev
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("device: start microphone: %w", classify(err))
	}

	if err := ctx.Err(); err != nil {
		_ = t.Stop()
		return nil, err
	}
	m.logger.Info("microphone opened", "device", devices[0].Name(), "format", t.format)
	return t, nil
}

// Close releases the audio backend. Open tracks must be stopped first.
func (m *Microphone) Close() error {
	if m.ctx == nil {
		return nil
	}
	err := m.ctx.Uninit()
	m.ctx.Free()
	m.ctx = nil
	if err != nil {
		return fmt.Errorf("device: close capture backend: %w", err)
	}
	return nil
}

// classify maps backend failures onto the audio device errors. miniaudio
// reports them as result strings, not typed errors.
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "denied"), strings.Contains(msg, "permission"):
		return fmt.Errorf("%w: %v", audio.ErrPermissionDenied, err)
	case strings.Contains(msg, "no device"),
		strings.Contains(msg, "does not exist"),
		strings.Contains(msg, "not found"):
		return fmt.Errorf("%w: %v", audio.ErrDeviceNotFound, err)
	default:
		return err
	}
}

type micTrack struct {
	device  *malgo.Device
	samples chan []byte
	format  audio.Format
	logger  *slog.Logger

	mu      sync.Mutex
	stopped bool
	dropped int
}

func (t *micTrack) onData(_, input []byte, _ uint32) {
	if len(input) == 0 {
		return
	}
	chunk := append([]byte(nil), input...)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	select {
	case t.samples <- chunk:
	default:
		t.dropped++
	}
}

func (t *micTrack) Samples() <-chan []byte { return t.samples }

func (t *micTrack) Format() audio.Format { return t.format }

func (t *micTrack) Stop() error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	dropped := t.dropped
	t.mu.Unlock()

	var err error
	if t.device != nil {
		err = t.device.Stop()
		t.device.Uninit()
	}

	t.mu.Lock()
	close(t.samples)
	t.mu.Unlock()

	if dropped > 0 {
		t.logger.Warn("microphone chunks dropped: consumer too slow", "dropped", dropped)
	}
	if err != nil {
		return fmt.Errorf("device: stop microphone: %w", err)
	}
	return nil
}
