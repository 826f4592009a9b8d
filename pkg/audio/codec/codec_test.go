package codec

import (
	"encoding/base64"
	"errors"
	"testing"

	"layeh.com/gopus"

	"github.com/MrWong99/voiceloop/pkg/audio"
)

var mono24k = audio.Format{SampleRate: 24000, Channels: 1}

func TestNew(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{"", NamePCM16, false},
		{"pcm16", NamePCM16, false},
		{"opus", NameOpus, false},
		{"mp3", "", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			enc, err := New(tc.name, mono24k)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if enc.Name() != tc.want {
				t.Errorf("Name = %q, want %q", enc.Name(), tc.want)
			}
		})
	}
}

func TestPCM16_DoesNotAlias(t *testing.T) {
	t.Parallel()
	in := []byte{1, 2, 3, 4}
	out, err := PCM16{}.Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	in[0] = 9
	if out[0] != 1 {
		t.Error("encoded payload aliases the input frame")
	}
}

func TestOpus_FiftyMsFrameIsFivePackets(t *testing.T) {
	t.Parallel()

	enc, err := NewOpus(mono24k)
	if err != nil {
		t.Fatalf("NewOpus: %v", err)
	}
	// 50 ms of a quiet ramp at 24 kHz mono.
	samples := make([]int16, 1200)
	for i := range samples {
		samples[i] = int16(i % 200 * 10)
	}
	payload, err := enc.Encode(audio.Int16sToBytes(samples))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	packets, err := SplitPackets(payload)
	if err != nil {
		t.Fatalf("SplitPackets: %v", err)
	}
	if len(packets) != 5 {
		t.Fatalf("packets = %d, want 5", len(packets))
	}

	dec, err := gopus.NewDecoder(24000, 1)
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}
	for i, p := range packets {
		pcm, err := dec.Decode(p, 240, false)
		if err != nil {
			t.Fatalf("decode packet %d: %v", i, err)
		}
		if len(pcm) != 240 {
			t.Errorf("packet %d decoded to %d samples, want 240", i, len(pcm))
		}
	}

	enc.Reset()
	if _, err := enc.Encode(audio.Int16sToBytes(samples[:100])); err != nil {
		t.Errorf("Encode after Reset with a partial packet: %v", err)
	}
}

func TestSplitPackets_Truncated(t *testing.T) {
	t.Parallel()
	for _, payload := range [][]byte{{0}, {0, 5, 1, 2}} {
		if _, err := SplitPackets(payload); !errors.Is(err, ErrDecodeFailure) {
			t.Errorf("SplitPackets(%v) = %v, want ErrDecodeFailure", payload, err)
		}
	}
}

func TestDecoder_Decode(t *testing.T) {
	t.Parallel()

	b64 := base64.StdEncoding.EncodeToString
	tests := []struct {
		name    string
		payload string
		dst     audio.Format
		wantLen int
		wantErr bool
	}{
		{"passthrough", b64([]byte{1, 0, 2, 0}), mono24k, 4, false},
		{"to stereo", b64([]byte{1, 0, 2, 0}), audio.Format{SampleRate: 24000, Channels: 2}, 8, false},
		{"bad base64", "%%%", mono24k, 0, true},
		{"empty", "", mono24k, 0, true},
		{"odd length", b64([]byte{1, 2, 3}), mono24k, 0, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := NewDecoder(mono24k, tc.dst).Decode(tc.payload)
			if tc.wantErr {
				if !errors.Is(err, ErrDecodeFailure) {
					t.Fatalf("err = %v, want ErrDecodeFailure", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if len(got) != tc.wantLen {
				t.Errorf("len = %d, want %d", len(got), tc.wantLen)
			}
		})
	}
}
