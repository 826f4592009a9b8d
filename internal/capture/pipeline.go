// Package capture turns microphone audio into fixed-length frames and sends
// them to the service as audio_data messages.
//
// A [Pipeline] waits (bounded) for the voice session, opens the microphone,
// cuts the PCM stream into FrameDuration frames, encodes each one and sends
// it in capture order. Frames produced while the session is not connected
// are dropped, never buffered.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/voiceloop/internal/event"
	"github.com/MrWong99/voiceloop/internal/level"
	"github.com/MrWong99/voiceloop/internal/observe"
	"github.com/MrWong99/voiceloop/internal/transport"
	"github.com/MrWong99/voiceloop/pkg/audio"
	"github.com/MrWong99/voiceloop/pkg/audio/codec"
	"github.com/MrWong99/voiceloop/pkg/protocol"
)

var (
	// ErrConnectionNotReady is returned by Start when the session did not
	// connect within ConnectTimeout.
	ErrConnectionNotReady = errors.New("capture: connection not ready")

	// ErrStopped is returned by Start when Stop ran before capture began.
	// Callers treat it as a silent outcome.
	ErrStopped = errors.New("capture: stopped before start completed")
)

// Default pipeline parameters.
const (
	defaultFrameDuration  = 50 * time.Millisecond
	defaultConnectTimeout = 5 * time.Second
	sendTimeout           = 5 * time.Second
)

// Sender is the part of a transport session the pipeline needs.
// [*transport.Session] implements it.
type Sender interface {
	Status() transport.Status
	Connect(ctx context.Context) error
	WaitConnected(ctx context.Context) error
	Send(ctx context.Context, msg protocol.ClientMessage) error
}

var _ Sender = (*transport.Session)(nil)

// Config configures a [Pipeline].
type Config struct {
	// FrameDuration is the length of one outbound frame. Defaults to 50ms.
	FrameDuration time.Duration

	// ConnectTimeout bounds the wait for the session in Start. Defaults
	// to 5s.
	ConnectTimeout time.Duration

	// Constraints are passed to the microphone. Zero selects
	// [audio.DefaultConstraints].
	Constraints audio.Constraints
}

type state int

const (
	stateIdle state = iota
	stateStarting
	stateCapturing
	stateStopping
)

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithMetrics sets the metrics instance. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithEncoder sets the frame encoder. Defaults to [codec.PCM16].
func WithEncoder(e codec.Encoder) Option {
	return func(p *Pipeline) { p.enc = e }
}

// WithLevel attaches a level monitor fed from the capture stream and run
// while capturing.
func WithLevel(m *level.Monitor) Option {
	return func(p *Pipeline) { p.level = m }
}

// Pipeline is the capture pipeline. All exported methods are safe for
// concurrent use.
type Pipeline struct {
	mic     audio.Microphone
	sender  Sender
	cfg     Config
	enc     codec.Encoder
	level   *level.Monitor
	logger  *slog.Logger
	metrics *observe.Metrics

	mu          sync.Mutex
	state       state
	gen         uint64
	cancelStart context.CancelFunc
	track       audio.Track
	stop        chan struct{}
	done        chan struct{}

	// emitMu orders started and stopped notifications. announced is the
	// generation whose start was reported and not yet matched by a stop.
	emitMu    sync.Mutex
	announced uint64

	seq     atomic.Uint64
	sent    atomic.Int64
	dropped atomic.Int64

	frames  *event.Emitter[audio.AudioFrame]
	started *event.Emitter[struct{}]
	stopped *event.Emitter[struct{}]
}

// New creates an idle Pipeline capturing from mic and sending on sender.
func New(mic audio.Microphone, sender Sender, cfg Config, opts ...Option) *Pipeline {
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = defaultFrameDuration
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.Constraints == (audio.Constraints{}) {
		cfg.Constraints = audio.DefaultConstraints()
	}
	p := &Pipeline{
		mic:     mic,
		sender:  sender,
		cfg:     cfg,
		frames:  event.New[audio.AudioFrame]("capture.frame"),
		started: event.New[struct{}]("capture.started"),
		stopped: event.New[struct{}]("capture.stopped"),
	}
	for _, o := range opts {
		o(p)
	}
	if p.enc == nil {
		p.enc = codec.PCM16{}
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// OnFrame registers fn for every frame handed to the session.
func (p *Pipeline) OnFrame(fn func(audio.AudioFrame)) (unsubscribe func()) {
	return p.frames.Subscribe(fn)
}

// OnStarted registers fn for every successful start. Every started
// notification is followed by exactly one stopped notification, and fn must
// not call Start or Stop synchronously.
func (p *Pipeline) OnStarted(fn func()) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	return p.started.Subscribe(func(struct{}) { fn() })
}

// OnStopped registers fn for every end of capture, requested or not.
func (p *Pipeline) OnStopped(fn func()) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	return p.stopped.Subscribe(func(struct{}) { fn() })
}

// Capturing reports whether frames are being produced.
func (p *Pipeline) Capturing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == stateCapturing
}

// Sent returns the number of frames handed to the session.
func (p *Pipeline) Sent() int64 { return p.sent.Load() }

// Dropped returns the number of frames discarded before sending.
func (p *Pipeline) Dropped() int64 { return p.dropped.Load() }

// Start begins capture. It returns nil immediately if capture is already
// starting or running.
//
// If the session is not connected, Start connects it and waits up to
// ConnectTimeout, failing with [ErrConnectionNotReady]. Microphone failures
// wrap [audio.ErrPermissionDenied] or [audio.ErrDeviceNotFound]. If Stop runs
// while Start is pending, Start releases anything it acquired and returns
// [ErrStopped].
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	switch p.state {
	case stateStarting, stateCapturing:
		p.mu.Unlock()
		return nil
	case stateStopping:
		p.mu.Unlock()
		return ErrStopped
	}
	p.gen++
	gen := p.gen
	startCtx, cancel := context.WithCancel(ctx)
	p.cancelStart = cancel
	p.state = stateStarting
	p.mu.Unlock()
	defer cancel()

	begin := time.Now()
	if p.sender.Status() != transport.StatusConnected {
		if err := p.sender.Connect(startCtx); err != nil {
			return p.abort(gen, fmt.Errorf("capture: connect: %w", err))
		}
		waitCtx, waitCancel := context.WithTimeout(startCtx, p.cfg.ConnectTimeout)
		err := p.sender.WaitConnected(waitCtx)
		waitCancel()
		if err != nil {
			if ctx.Err() != nil {
				return p.abort(gen, ctx.Err())
			}
			return p.abort(gen, fmt.Errorf("%w: %v", ErrConnectionNotReady, err))
		}
	}
	if p.isStale(gen) {
		return ErrStopped
	}

	track, err := p.mic.Open(startCtx, p.cfg.Constraints)
	if err != nil {
		return p.abort(gen, fmt.Errorf("capture: %w", err))
	}

	p.mu.Lock()
	if p.gen != gen {
		p.mu.Unlock()
		_ = track.Stop()
		go audio.Drain(track.Samples())
		p.logger.Info("released microphone granted after stop")
		return ErrStopped
	}
	stop, done := make(chan struct{}), make(chan struct{})
	p.track, p.stop, p.done = track, stop, done
	p.cancelStart = nil
	p.state = stateCapturing
	p.mu.Unlock()

	if p.level != nil {
		p.level.Start()
	}
	go p.run(gen, track, stop, done)

	p.metrics.CaptureStartDuration.Record(ctx, time.Since(begin).Seconds())
	p.logger.Info("capture started",
		"format", track.Format(),
		"frame", p.cfg.FrameDuration,
		"encoding", p.enc.Name(),
		"startup_ms", time.Since(begin).Milliseconds(),
	)
	p.announceStart(gen)
	return nil
}

// announceStart emits started unless a Stop already superseded gen.
func (p *Pipeline) announceStart(gen uint64) {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()
	if p.isStale(gen) {
		return
	}
	p.announced = gen
	p.started.Emit(struct{}{})
}

// abort resets a failed start unless Stop already took over. It returns
// err, or ErrStopped when superseded.
func (p *Pipeline) abort(gen uint64, err error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen != gen {
		return ErrStopped
	}
	p.state = stateIdle
	p.cancelStart = nil
	return err
}

func (p *Pipeline) isStale(gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gen != gen
}

// Stop ends capture: it stops the microphone, waits for the framing
// goroutine, resets the encoder and stops the level monitor. A pending
// Start is cancelled. Stop is a no-op when idle.
func (p *Pipeline) Stop() error { return p.halt(0) }

// halt stops the capture of generation gen, or whatever is running when gen
// is 0. Generations start at 1.
func (p *Pipeline) halt(gen uint64) error {
	p.mu.Lock()
	if gen != 0 && p.gen != gen {
		p.mu.Unlock()
		return nil
	}
	switch p.state {
	case stateIdle, stateStopping:
		p.mu.Unlock()
		return nil
	case stateStarting:
		p.gen++
		cancel := p.cancelStart
		p.cancelStart = nil
		p.state = stateIdle
		p.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		p.logger.Debug("capture start cancelled")
		return nil
	}
	capGen := p.gen
	p.gen++
	p.state = stateStopping
	track, stop, done := p.track, p.stop, p.done
	p.track, p.stop, p.done = nil, nil, nil
	p.mu.Unlock()

	close(stop)
	err := track.Stop()
	<-done
	audio.Drain(track.Samples())
	p.enc.Reset()
	if p.level != nil {
		p.level.Stop()
	}

	p.logger.Info("capture stopped", "frames_sent", p.sent.Load(), "frames_dropped", p.dropped.Load())

	// Held across the state change so a new Start cannot report itself
	// before this stop is reported.
	p.emitMu.Lock()
	p.mu.Lock()
	p.state = stateIdle
	p.mu.Unlock()
	if p.announced == capGen {
		p.announced = 0
		p.stopped.Emit(struct{}{})
	}
	p.emitMu.Unlock()
	if err != nil {
		return fmt.Errorf("capture: stop microphone: %w", err)
	}
	return nil
}

// run frames the track's samples until stop is closed or the track ends.
// A track that ends on its own stops generation gen, and nothing newer.
func (p *Pipeline) run(gen uint64, track audio.Track, stop, done chan struct{}) {
	defer close(done)

	f := track.Format()
	frameBytes := f.BytesFor(p.cfg.FrameDuration)
	buf := make([]byte, 0, 2*frameBytes)
	samples := track.Samples()
	for {
		select {
		case <-stop:
			return
		case chunk, ok := <-samples:
			if !ok {
				select {
				case <-stop:
					return
				default:
				}
				p.logger.Warn("microphone track ended unexpectedly")
				go func() { _ = p.halt(gen) }()
				return
			}
			if p.level != nil {
				p.level.Write(monoOf(chunk, f))
			}
			buf = append(buf, chunk...)
			for len(buf) >= frameBytes {
				frame := make([]byte, frameBytes)
				copy(frame, buf)
				buf = append(buf[:0], buf[frameBytes:]...)
				p.emit(frame, f)
			}
		}
	}
}

func (p *Pipeline) emit(pcm []byte, f audio.Format) {
	seq := p.seq.Add(1)
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	if p.sender.Status() != transport.StatusConnected {
		p.drop(ctx, seq, "not_connected", nil)
		return
	}
	payload, err := p.enc.Encode(pcm)
	if err != nil {
		p.drop(ctx, seq, "encode", err)
		return
	}

	frame := audio.AudioFrame{
		Data:       payload,
		Seq:        seq,
		Timestamp:  time.Now(),
		Direction:  audio.Outbound,
		SampleRate: f.SampleRate,
		Channels:   f.Channels,
	}
	if err := p.sender.Send(ctx, protocol.NewAudioData(frame.Data, frame.Timestamp)); err != nil {
		reason := "send"
		if errors.Is(err, transport.ErrNotConnected) {
			reason = "not_connected"
		}
		p.drop(ctx, seq, reason, err)
		return
	}
	p.sent.Add(1)
	p.metrics.FramesSent.Add(ctx, 1, metric.WithAttributes(observe.Attr("encoding", p.enc.Name())))
	p.frames.Emit(frame)
}

func (p *Pipeline) drop(ctx context.Context, seq uint64, reason string, err error) {
	p.dropped.Add(1)
	p.metrics.RecordFrameDropped(ctx, reason)
	if err != nil {
		p.logger.Debug("dropping outbound frame", "seq", seq, "reason", reason, "err", err)
	}
}

func monoOf(pcm []byte, f audio.Format) []byte {
	if f.Channels == 2 {
		return audio.StereoToMono(pcm)
	}
	return pcm
}
