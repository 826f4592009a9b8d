package audio

import (
	"context"
	"errors"
)

// Device errors. Implementations wrap these so callers can match them with
// [errors.Is] and present them to the user; both are non-retryable without
// user action.
var (
	// ErrPermissionDenied is returned when the operating system or the user
	// refuses access to the input device.
	ErrPermissionDenied = errors.New("audio: microphone permission denied")

	// ErrDeviceNotFound is returned when no suitable input device exists.
	ErrDeviceNotFound = errors.New("audio: no input device found")
)

// Constraints describe the capture format and processing requested from a
// microphone. Backends apply what they support; the format fields are
// mandatory, the processing flags are best-effort.
type Constraints struct {
	SampleRate       int
	Channels         int
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// DefaultConstraints returns mono 24 kHz with all voice processing enabled.
func DefaultConstraints() Constraints {
	return Constraints{
		SampleRate:       24000,
		Channels:         1,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}
}

// Format returns the PCM format the constraints ask for.
func (c Constraints) Format() Format {
	return Format{SampleRate: c.SampleRate, Channels: c.Channels}
}

// Microphone opens capture tracks.
type Microphone interface {
	// Open acquires the input device and starts delivering PCM16LE chunks.
	// If ctx is cancelled before the device is ready, Open must release
	// anything it acquired and return ctx.Err().
	Open(ctx context.Context, c Constraints) (Track, error)
}

// Track is a live microphone stream.
type Track interface {
	// Samples delivers PCM16LE chunks of arbitrary size in capture order.
	// The channel is closed after Stop.
	Samples() <-chan []byte

	// Format reports the actual format of the delivered samples.
	Format() Format

	// Stop releases the device. It is idempotent.
	Stop() error
}

// Sink plays PCM to an output device.
type Sink interface {
	// Play blocks until pcm has been played to completion or ctx is done.
	// On cancellation the output must stop immediately without playing the
	// remainder of pcm.
	Play(ctx context.Context, pcm []byte) error

	// Format is the PCM format Play expects.
	Format() Format
}
