package codec

import (
	"encoding/binary"
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/voiceloop/pkg/audio"
)

// packetMs is the Opus packet duration. A 50 ms capture frame becomes five
// packets.
const packetMs = 10

// maxPacketBytes bounds a single encoded packet.
const maxPacketBytes = 4000

// Opus encodes frames with libopus via gopus. The payload is a sequence of
// packets, each prefixed by its length as a big-endian uint16.
type Opus struct {
	format    audio.Format
	frameSize int // samples per channel per packet
	enc       *gopus.Encoder
}

var _ Encoder = (*Opus)(nil)

// NewOpus creates an encoder for frames in format f. Opus supports 8, 12,
// 16, 24 and 48 kHz with one or two channels.
func NewOpus(f audio.Format) (*Opus, error) {
	enc, err := gopus.NewEncoder(f.SampleRate, f.Channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("codec: create opus encoder (%s): %w", f, err)
	}
	return &Opus{
		format:    f,
		frameSize: f.SampleRate * packetMs / 1000,
		enc:       enc,
	}, nil
}

// Encode implements [Encoder]. A trailing partial packet is padded with
// silence.
func (o *Opus) Encode(pcm []byte) ([]byte, error) {
	samples := audio.BytesToInt16s(pcm)
	step := o.frameSize * o.format.Channels

	var out []byte
	for off := 0; off < len(samples); off += step {
		chunk := samples[off:min(off+step, len(samples))]
		if len(chunk) < step {
			padded := make([]int16, step)
			copy(padded, chunk)
			chunk = padded
		}
		packet, err := o.enc.Encode(chunk, o.frameSize, maxPacketBytes)
		if err != nil {
			return nil, fmt.Errorf("codec: opus encode: %w", err)
		}
		out = binary.BigEndian.AppendUint16(out, uint16(len(packet)))
		out = append(out, packet...)
	}
	return out, nil
}

// Reset implements [Encoder] by replacing the libopus encoder state.
func (o *Opus) Reset() {
	enc, err := gopus.NewEncoder(o.format.SampleRate, o.format.Channels, gopus.Voip)
	if err != nil {
		// Same parameters succeeded in NewOpus; keep the old state.
		return
	}
	o.enc = enc
}

// Name implements [Encoder].
func (o *Opus) Name() string { return NameOpus }

// SplitPackets parses a length-prefixed Opus payload produced by
// [Opus.Encode].
func SplitPackets(payload []byte) ([][]byte, error) {
	var packets [][]byte
	for len(payload) > 0 {
		if len(payload) < 2 {
			return nil, fmt.Errorf("%w: truncated packet header", ErrDecodeFailure)
		}
		n := int(binary.BigEndian.Uint16(payload))
		payload = payload[2:]
		if n > len(payload) {
			return nil, fmt.Errorf("%w: packet length %d exceeds payload", ErrDecodeFailure, n)
		}
		packets = append(packets, payload[:n])
		payload = payload[n:]
	}
	return packets, nil
}
