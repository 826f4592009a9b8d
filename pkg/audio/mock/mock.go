// Package mock provides in-memory implementations of [audio.Microphone],
// [audio.Track] and [audio.Sink] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every call so tests can
// assert on counts and ordering, and expose fields to control results.
//
// Typical usage:
//
//	mic := &mock.Microphone{}
//	sink := &mock.Sink{PlayDuration: 5 * time.Millisecond}
//	// ... run the code under test ...
//	mic.Track(0).Push(pcm)
//	if mic.Active() != 0 { ... }
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/voiceloop/pkg/audio"
)

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone is a mock [audio.Microphone].
type Microphone struct {
	mu sync.Mutex

	// OpenErr is returned by Open when non-nil.
	OpenErr error

	// Gate, when non-nil, makes Open block until it is closed, even if the
	// context is done. Use it to simulate a pending permission prompt that
	// is granted late.
	Gate chan struct{}

	// OpenCalls records the constraints of every Open call.
	OpenCalls []audio.Constraints

	tracks []*Track
}

var _ audio.Microphone = (*Microphone)(nil)

// Open implements [audio.Microphone]. A grant that arrives after the caller
// gave up is still recorded as a track so tests can verify it was stopped.
func (m *Microphone) Open(_ context.Context, c audio.Constraints) (audio.Track, error) {
	m.mu.Lock()
	m.OpenCalls = append(m.OpenCalls, c)
	gate, openErr := m.Gate, m.OpenErr
	m.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if openErr != nil {
		return nil, openErr
	}

	t := NewTrack(c.Format())
	m.mu.Lock()
	m.tracks = append(m.tracks, t)
	m.mu.Unlock()
	return t, nil
}

// Opens returns a copy of the constraints passed to every Open call.
func (m *Microphone) Opens() []audio.Constraints {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]audio.Constraints(nil), m.OpenCalls...)
}

// Track returns the i-th opened track, or nil.
func (m *Microphone) Track(i int) *Track {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 || i >= len(m.tracks) {
		return nil
	}
	return m.tracks[i]
}

// Tracks returns the number of tracks opened so far.
func (m *Microphone) Tracks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tracks)
}

// Active returns the number of opened tracks that have not been stopped.
func (m *Microphone) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tracks {
		if !t.Stopped() {
			n++
		}
	}
	return n
}

// ─── Track ────────────────────────────────────────────────────────────────────

// Track is a mock [audio.Track]. Feed it with [Track.Push].
type Track struct {
	format  audio.Format
	samples chan []byte

	mu      sync.Mutex
	stopped bool
	stops   int
}

var _ audio.Track = (*Track)(nil)

// NewTrack returns a live track delivering samples in format f.
func NewTrack(f audio.Format) *Track {
	return &Track{format: f, samples: make(chan []byte, 256)}
}

// Push delivers pcm to the consumer. It reports false if the track was
// stopped or its buffer is full.
func (t *Track) Push(pcm []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return false
	}
	select {
	case t.samples <- append([]byte(nil), pcm...):
		return true
	default:
		return false
	}
}

// Samples implements [audio.Track].
func (t *Track) Samples() <-chan []byte { return t.samples }

// Format implements [audio.Track].
func (t *Track) Format() audio.Format { return t.format }

// Stop implements [audio.Track].
func (t *Track) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stops++
	if !t.stopped {
		t.stopped = true
		close(t.samples)
	}
	return nil
}

// Stopped reports whether Stop was called.
func (t *Track) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// Sink is a mock [audio.Sink] that records what it played.
type Sink struct {
	mu sync.Mutex

	// SinkFormat is returned by Format. Defaults to 24 kHz mono.
	SinkFormat audio.Format

	// PlayDuration is how long each Play takes. Zero returns immediately.
	PlayDuration time.Duration

	// PlayErr, when non-nil, is called with each buffer and its result is
	// returned by Play.
	PlayErr func(pcm []byte) error

	played    [][]byte
	cancelled int
	active    int
	overlap   bool
	started   chan struct{}
}

var _ audio.Sink = (*Sink)(nil)

// Format implements [audio.Sink].
func (s *Sink) Format() audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SinkFormat == (audio.Format{}) {
		return audio.Format{SampleRate: 24000, Channels: 1}
	}
	return s.SinkFormat
}

// Play implements [audio.Sink]. Completed buffers are recorded in order;
// cancelled ones are only counted.
func (s *Sink) Play(ctx context.Context, pcm []byte) error {
	s.mu.Lock()
	s.active++
	if s.active > 1 {
		s.overlap = true
	}
	d, playErr := s.PlayDuration, s.PlayErr
	if s.started != nil {
		select {
		case s.started <- struct{}{}:
		default:
		}
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
	}()

	if d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			s.mu.Lock()
			s.cancelled++
			s.mu.Unlock()
			return ctx.Err()
		}
	}
	if playErr != nil {
		if err := playErr(pcm); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.played = append(s.played, append([]byte(nil), pcm...))
	s.mu.Unlock()
	return nil
}

// Started returns a channel that receives (non-blocking) each time Play
// begins. Call it before the code under test plays anything.
func (s *Sink) Started() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started == nil {
		s.started = make(chan struct{}, 64)
	}
	return s.started
}

// Played returns copies of the completed buffers in play order.
func (s *Sink) Played() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.played))
	copy(out, s.played)
	return out
}

// Cancelled returns the number of Play calls ended by context cancellation.
func (s *Sink) Cancelled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// Overlapped reports whether two Play calls ever ran at the same time.
func (s *Sink) Overlapped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overlap
}
