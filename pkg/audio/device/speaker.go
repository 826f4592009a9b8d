package device

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/MrWong99/voiceloop/pkg/audio"
)

// pollInterval is how often Play checks whether the player drained.
const pollInterval = 5 * time.Millisecond

// Speaker plays PCM16LE through the default output device. oto allows one
// context per process, so create a single Speaker and share it.
type Speaker struct {
	ctx    *oto.Context
	format audio.Format
}

var _ audio.Sink = (*Speaker)(nil)

// NewSpeaker opens the output device with format f and a 100 ms buffer. It
// blocks until the device is ready or ctx is done.
func NewSpeaker(ctx context.Context, f audio.Format) (*Speaker, error) {
	otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   f.SampleRate,
		ChannelCount: f.Channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   100 * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("device: open speaker: %w", err)
	}
	select {
	case <-ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &Speaker{ctx: otoCtx, format: f}, nil
}

// Format implements [audio.Sink].
func (s *Speaker) Format() audio.Format { return s.format }

// Play implements [audio.Sink]. On cancellation the player is paused and
// discarded so no tail of pcm reaches the device.
func (s *Speaker) Play(ctx context.Context, pcm []byte) error {
	p := s.ctx.NewPlayer(bytes.NewReader(pcm))
	p.Play()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.Pause()
			_ = p.Close()
			return ctx.Err()
		case <-ticker.C:
			if !p.IsPlaying() {
				if err := p.Err(); err != nil {
					_ = p.Close()
					return fmt.Errorf("device: play: %w", err)
				}
				return p.Close()
			}
		}
	}
}
