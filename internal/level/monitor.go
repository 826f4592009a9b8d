// Package level derives a normalised input level from the capture stream for
// visual feedback. It never feeds back into the data path.
//
// Each tick windows the latest FFTSize samples (Blackman), takes the
// magnitude spectrum, smooths it over time, maps every bin from
// [MinDecibels, MaxDecibels] onto a byte, and reports the mean byte value
// divided by 255.
package level

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/MrWong99/voiceloop/internal/event"
	"github.com/MrWong99/voiceloop/pkg/audio"
)

// Config tunes a [Monitor]. Zero fields take the defaults noted.
type Config struct {
	// FFTSize is the analysis window in samples. Must be a power of two.
	// Defaults to 256.
	FFTSize int

	// RateHz is how often the level is sampled while running. Defaults to 60.
	RateHz float64

	// Smoothing is the time constant applied to bin magnitudes, in [0, 1).
	// Defaults to 0.8.
	Smoothing float64

	// MinDecibels and MaxDecibels bound the mapped range. Default -100/-30.
	MinDecibels float64
	MaxDecibels float64
}

func (c *Config) applyDefaults() {
	if c.FFTSize <= 0 || c.FFTSize&(c.FFTSize-1) != 0 {
		c.FFTSize = 256
	}
	if c.RateHz <= 0 {
		c.RateHz = 60
	}
	if c.Smoothing <= 0 || c.Smoothing >= 1 {
		c.Smoothing = 0.8
	}
	if c.MinDecibels == 0 && c.MaxDecibels == 0 {
		c.MinDecibels, c.MaxDecibels = -100, -30
	}
}

// Monitor computes the input level. All methods are safe for concurrent use.
type Monitor struct {
	cfg    Config
	fft    *fourier.FFT
	window []float64
	logger *slog.Logger

	mu       sync.Mutex
	ring     []float64
	pos      int
	smoothed []float64
	level    float64
	stop     chan struct{}
	done     chan struct{}

	// scratch buffers, owned by tick under mu.
	seq    []float64
	coeffs []complex128

	levels *event.Emitter[float64]
}

// New creates a stopped Monitor.
func New(cfg Config) *Monitor {
	cfg.applyDefaults()
	n := cfg.FFTSize
	return &Monitor{
		cfg:      cfg,
		fft:      fourier.NewFFT(n),
		window:   blackman(n),
		logger:   slog.Default(),
		ring:     make([]float64, n),
		smoothed: make([]float64, n/2),
		seq:      make([]float64, n),
		coeffs:   make([]complex128, n/2+1),
		levels:   event.New[float64]("level"),
	}
}

// Config returns the effective configuration.
func (m *Monitor) Config() Config { return m.cfg }

// Write feeds mono PCM16LE samples. Only the newest FFTSize samples matter.
func (m *Monitor) Write(pcm []byte) {
	samples := audio.Float64s(pcm)
	if len(samples) > len(m.ring) {
		samples = samples[len(samples)-len(m.ring):]
	}
	m.mu.Lock()
	for _, s := range samples {
		m.ring[m.pos] = s
		m.pos = (m.pos + 1) % len(m.ring)
	}
	m.mu.Unlock()
}

// OnLevel registers fn for every sampled level.
func (m *Monitor) OnLevel(fn func(float64)) (unsubscribe func()) {
	return m.levels.Subscribe(fn)
}

// Level returns the last sampled level in [0, 1].
func (m *Monitor) Level() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// Running reports whether the sampling loop is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stop != nil
}

// Start begins sampling at RateHz. It is a no-op while running.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != nil {
		return
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.run(m.stop, m.done, time.Duration(float64(time.Second)/m.cfg.RateHz))
}

// Stop ends sampling, waits for the loop to exit, and resets the level and
// analysis state. It is a no-op when stopped. Do not call Stop from an
// OnLevel callback.
func (m *Monitor) Stop() {
	m.mu.Lock()
	stop, done := m.stop, m.done
	m.stop, m.done = nil, nil
	m.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done

	m.mu.Lock()
	clear(m.ring)
	clear(m.smoothed)
	m.pos = 0
	m.level = 0
	m.mu.Unlock()
}

func (m *Monitor) run(stop, done chan struct{}, interval time.Duration) {
	defer close(done)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			m.levels.Emit(m.tick())
		}
	}
}

// tick computes one level value from the current ring contents.
func (m *Monitor) tick() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.ring)
	for i := range n {
		m.seq[i] = m.ring[(m.pos+i)%n] * m.window[i]
	}
	m.coeffs = m.fft.Coefficients(m.coeffs, m.seq)

	tau := m.cfg.Smoothing
	span := m.cfg.MaxDecibels - m.cfg.MinDecibels
	var sum float64
	for k := range m.smoothed {
		c := m.coeffs[k]
		mag := math.Hypot(real(c), imag(c)) / float64(n)
		m.smoothed[k] = tau*m.smoothed[k] + (1-tau)*mag

		db := 20 * math.Log10(m.smoothed[k])
		b := math.Floor(255 / span * (db - m.cfg.MinDecibels))
		sum += clamp(b, 0, 255)
	}
	m.level = clamp(sum/float64(len(m.smoothed))/255, 0, 1)
	return m.level
}

// blackman returns the Blackman window of length n with a0 = 0.42.
func blackman(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		x := 2 * math.Pi * float64(i) / float64(n)
		w[i] = 0.42 - 0.5*math.Cos(x) + 0.08*math.Cos(2*x)
	}
	return w
}

func clamp(v, lo, hi float64) float64 {
	switch {
	case math.IsNaN(v), v < lo:
		return lo
	case v > hi:
		return hi
	default:
		return v
	}
}
