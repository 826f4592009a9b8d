// Package codec converts between captured PCM frames and the payloads carried
// by audio_data and audio_chunk messages.
package codec

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/MrWong99/voiceloop/pkg/audio"
)

// Encoding names accepted by [New].
const (
	NamePCM16 = "pcm16"
	NameOpus  = "opus"
)

// ErrDecodeFailure is returned for inbound payloads that cannot be played:
// invalid base64, an empty payload, or an odd number of PCM16 bytes.
var ErrDecodeFailure = errors.New("codec: undecodable audio payload")

// Encoder turns one captured PCM16LE frame into an outbound payload.
// Implementations are not safe for concurrent use; the capture goroutine
// owns its encoder.
type Encoder interface {
	// Encode returns the payload for pcm. The result does not alias pcm.
	Encode(pcm []byte) ([]byte, error)

	// Reset drops any inter-frame state so the next frame starts a fresh
	// stream.
	Reset()

	// Name returns the encoding name.
	Name() string
}

// New returns the encoder registered under name for frames in format f.
func New(name string, f audio.Format) (Encoder, error) {
	switch name {
	case "", NamePCM16:
		return PCM16{}, nil
	case NameOpus:
		return NewOpus(f)
	default:
		return nil, fmt.Errorf("codec: unknown encoding %q", name)
	}
}

// PCM16 sends frames unchanged.
type PCM16 struct{}

var _ Encoder = PCM16{}

// Encode implements [Encoder].
func (PCM16) Encode(pcm []byte) ([]byte, error) {
	return append([]byte(nil), pcm...), nil
}

// Reset implements [Encoder].
func (PCM16) Reset() {}

// Name implements [Encoder].
func (PCM16) Name() string { return NamePCM16 }

// Decoder turns base64 PCM16LE payloads from the service into PCM in the
// output device's format.
type Decoder struct {
	conv *audio.FormatConverter
}

// NewDecoder returns a Decoder converting from the wire format src to the
// sink format dst.
func NewDecoder(src, dst audio.Format) *Decoder {
	return &Decoder{conv: &audio.FormatConverter{Source: src, Target: dst}}
}

// Decode decodes payload. Failures wrap [ErrDecodeFailure].
func (d *Decoder) Decode(payload string) ([]byte, error) {
	pcm, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailure, err)
	}
	return d.DecodePCM(pcm)
}

// DecodePCM validates and converts raw PCM16LE bytes.
func (d *Decoder) DecodePCM(pcm []byte) ([]byte, error) {
	switch {
	case len(pcm) == 0:
		return nil, fmt.Errorf("%w: empty payload", ErrDecodeFailure)
	case len(pcm)%2 != 0:
		return nil, fmt.Errorf("%w: odd byte count %d", ErrDecodeFailure, len(pcm))
	}
	return d.conv.Convert(pcm), nil
}

// Source returns the wire format the decoder expects.
func (d *Decoder) Source() audio.Format { return d.conv.Source }
