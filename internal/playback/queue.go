// Package playback schedules inbound audio frames onto the output device in
// strict arrival order, one frame at a time.
package playback

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/voiceloop/internal/observe"
	"github.com/MrWong99/voiceloop/pkg/audio"
	"github.com/MrWong99/voiceloop/pkg/audio/codec"
)

// wireFormat is the format of inbound audio when a frame does not say.
var wireFormat = audio.Format{SampleRate: 24000, Channels: 1}

// Option configures a [Queue] during construction.
type Option func(*Queue)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithMetrics sets the metrics instance. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// Queue is a FIFO of inbound frames drained by a single dispatch goroutine.
// Each frame is decoded and played to completion before the next one
// starts. Undecodable frames are skipped.
//
// The queue is unbounded. All exported methods are safe for concurrent use.
type Queue struct {
	sink    audio.Sink
	logger  *slog.Logger
	metrics *observe.Metrics

	mu            sync.Mutex
	pending       []audio.AudioFrame
	playing       bool
	cancelPlaying context.CancelFunc // cancels the frame in the sink, or nil
	closed        bool

	// decoder is only touched by the dispatch goroutine.
	decoder *codec.Decoder

	played  atomic.Int64
	dropped atomic.Int64

	baseCtx    context.Context
	baseCancel context.CancelFunc
	notify     chan struct{} // signalled on Enqueue
	done       chan struct{} // closed by Close
	exited     chan struct{} // closed when dispatch returns
}

// New creates a Queue playing to sink and starts its dispatch goroutine.
// Call [Queue.Close] to stop it.
func New(sink audio.Sink, opts ...Option) *Queue {
	q := &Queue{
		sink:   sink,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	if q.metrics == nil {
		q.metrics = observe.DefaultMetrics()
	}
	q.baseCtx, q.baseCancel = context.WithCancel(context.Background())
	go q.dispatch()
	return q
}

// Enqueue appends f. Playback starts immediately when the queue is idle.
// It reports false once the queue is closed.
func (q *Queue) Enqueue(f audio.AudioFrame) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.pending = append(q.pending, f)
	q.metrics.QueueDepth.Add(q.baseCtx, 1)

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// Clear discards pending frames and stops the frame currently playing. It
// returns the number of frames discarded, including the interrupted one.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.clearLocked()
}

func (q *Queue) clearLocked() int {
	n := len(q.pending)
	if n > 0 {
		q.metrics.QueueDepth.Add(q.baseCtx, -int64(n))
	}
	clear(q.pending)
	q.pending = q.pending[:0]
	if q.cancelPlaying != nil {
		q.cancelPlaying()
		q.cancelPlaying = nil
		n++
	}
	return n
}

// Close clears the queue and stops the dispatch goroutine, waiting for it
// to exit. Close is idempotent.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.exited
		return nil
	}
	q.closed = true
	q.clearLocked()
	q.mu.Unlock()

	q.baseCancel()
	close(q.done)
	<-q.exited
	return nil
}

// Pending returns the number of frames waiting to play.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Playing reports whether a frame is in the sink.
func (q *Queue) Playing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.playing
}

// Played returns the number of frames played to completion.
func (q *Queue) Played() int64 { return q.played.Load() }

// Dropped returns the number of frames skipped because they could not be
// decoded or played.
func (q *Queue) Dropped() int64 { return q.dropped.Load() }

func (q *Queue) dispatch() {
	defer close(q.exited)
	for {
		select {
		case <-q.done:
			return
		case <-q.notify:
		}

		for {
			f, ctx, ok := q.dequeue()
			if !ok {
				break
			}
			q.play(ctx, f)

			q.mu.Lock()
			q.playing = false
			if q.cancelPlaying != nil {
				q.cancelPlaying()
				q.cancelPlaying = nil
			}
			q.mu.Unlock()
		}
	}
}

// dequeue pops the oldest frame and marks it as playing.
func (q *Queue) dequeue() (audio.AudioFrame, context.Context, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.pending) == 0 {
		return audio.AudioFrame{}, nil, false
	}
	f := q.pending[0]
	q.pending[0] = audio.AudioFrame{}
	q.pending = q.pending[1:]
	q.metrics.QueueDepth.Add(q.baseCtx, -1)

	ctx, cancel := context.WithCancel(q.baseCtx)
	q.playing = true
	q.cancelPlaying = cancel
	return f, ctx, true
}

func (q *Queue) play(ctx context.Context, f audio.AudioFrame) {
	pcm, err := q.decoderFor(f).Decode(string(f.Data))
	if err != nil {
		q.dropped.Add(1)
		q.metrics.DecodeFailures.Add(ctx, 1)
		q.logger.Debug("skipping undecodable frame", "seq", f.Seq, "err", err)
		return
	}

	if err := q.sink.Play(ctx, pcm); err != nil {
		if ctx.Err() != nil {
			q.logger.Debug("frame interrupted", "seq", f.Seq)
			return
		}
		q.dropped.Add(1)
		q.logger.Warn("frame playback failed", "seq", f.Seq, "err", err)
		return
	}
	q.played.Add(1)
	q.metrics.FramesPlayed.Add(ctx, 1, metric.WithAttributes(observe.Attr("direction", f.Direction.String())))
}

// decoderFor returns a decoder from f's format to the sink format.
func (q *Queue) decoderFor(f audio.AudioFrame) *codec.Decoder {
	src := audio.Format{SampleRate: f.SampleRate, Channels: f.Channels}
	if src.SampleRate <= 0 || src.Channels <= 0 {
		src = wireFormat
	}
	if q.decoder == nil || q.decoder.Source() != src {
		q.decoder = codec.NewDecoder(src, q.sink.Format())
	}
	return q.decoder
}
