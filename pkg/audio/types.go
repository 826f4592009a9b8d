// Package audio defines the frame type, device contracts, and PCM helpers
// shared by the capture and playback paths.
package audio

import "time"

// Direction tags which way a frame travels relative to this client.
type Direction uint8

const (
	// Outbound frames are produced by the microphone and sent to the service.
	Outbound Direction = iota + 1

	// Inbound frames arrive from the service and are queued for playback.
	Inbound
)

// String returns "outbound", "inbound", or "unknown".
func (d Direction) String() string {
	switch d {
	case Outbound:
		return "outbound"
	case Inbound:
		return "inbound"
	}
	return "unknown"
}

// AudioFrame is one discrete unit of audio moving through the pipeline.
// Frames are treated as immutable once created: producers must not reuse the
// backing array of Data after handing a frame off.
type AudioFrame struct {
	// Data holds the payload. Outbound frames carry encoded capture audio;
	// inbound frames carry the base64 text exactly as it arrived on the wire
	// and are decoded by the playback path.
	Data []byte

	// Seq increases monotonically per direction within one client.
	Seq uint64

	// Timestamp is the wall-clock time the frame was produced or received.
	Timestamp time.Time

	// Direction is Outbound or Inbound.
	Direction Direction

	// SampleRate in Hz of the PCM the frame represents (24000 on the wire).
	SampleRate int

	// Channels is 1 for mono.
	Channels int
}

// Duration returns the playback length of a PCM16 payload of n bytes in
// format f. It returns 0 for an unset format.
func (f Format) Duration(n int) time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := n / (2 * f.Channels)
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// BytesFor returns the PCM16 byte count covering d in format f, rounded down
// to a whole sample frame.
func (f Format) BytesFor(d time.Duration) int {
	samples := int(int64(f.SampleRate) * int64(d) / int64(time.Second))
	return samples * 2 * f.Channels
}
