// Package transport maintains one persistent websocket per logical channel
// to the conversation service.
//
// A [Session] dials in the background, delivers decoded server messages to
// typed observers, and reconnects after unexpected closes with a linear
// backoff (BaseDelay × attempt). A deliberate [Session.Disconnect], a normal
// closure (1000), or a close code in the configured fatal set ends the
// session without retrying.
//
// Observer callbacks are delivered one at a time in the order the
// underlying state changes happened. Callbacks may call back into the
// session.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voiceloop/internal/event"
	"github.com/MrWong99/voiceloop/internal/observe"
	"github.com/MrWong99/voiceloop/pkg/protocol"
)

// Default connection parameters.
const (
	defaultBaseDelay   = 1 * time.Second
	defaultMaxAttempts = 5
	defaultDialTimeout = 10 * time.Second
)

// State is the lifecycle state of a [Session].
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateErroring
)

// String implements [fmt.Stringer].
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateErroring:
		return "erroring"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Status is the user-facing connection status.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// StatusOf maps a lifecycle state to its connection status.
func StatusOf(s State) Status {
	switch s {
	case StateConnecting:
		return StatusConnecting
	case StateConnected:
		return StatusConnected
	case StateErroring:
		return StatusError
	default:
		return StatusDisconnected
	}
}

// Config configures a [Session].
type Config struct {
	// URL is the websocket endpoint. Required.
	URL string

	// Name identifies the channel in logs and metrics ("voice", "chat").
	// Defaults to "default".
	Name string

	// BaseDelay is the reconnect delay unit. Attempt n waits BaseDelay × n.
	// Defaults to 1s.
	BaseDelay time.Duration

	// MaxAttempts bounds consecutive reconnect attempts. Defaults to 5.
	MaxAttempts int

	// DialTimeout bounds a single dial. Defaults to 10s.
	DialTimeout time.Duration

	// FatalCodes are close codes that end the session with
	// [ErrTransportFatal]. Defaults to 1011 (internal error).
	FatalCodes []websocket.StatusCode
}

// DisconnectInfo describes why a connected session stopped being connected.
type DisconnectInfo struct {
	// Code is the close code, or -1 if the connection dropped without one.
	Code websocket.StatusCode

	// Reason is the peer's close reason, if any.
	Reason string

	// Err is the read error that ended the connection. Nil for a deliberate
	// disconnect.
	Err error

	// Deliberate is true when [Session.Disconnect] caused the close.
	Deliberate bool

	// WillRetry is true when a reconnect has been scheduled.
	WillRetry bool
}

// ReconnectInfo describes a scheduled reconnect attempt.
type ReconnectInfo struct {
	Attempt int
	Delay   time.Duration
}

// timer is the part of [time.Timer] the session needs.
type timer interface {
	Stop() bool
}

func realAfterFunc(d time.Duration, f func()) timer {
	return time.AfterFunc(d, f)
}

// Option is a functional option for [New].
type Option func(*Session)

// WithDialer overrides the default [WebSocketDialer].
func WithDialer(d Dialer) Option {
	return func(s *Session) { s.dialer = d }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithMetrics sets the metrics instance. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// withAfterFunc replaces the reconnect timer factory in tests.
func withAfterFunc(f func(time.Duration, func()) timer) Option {
	return func(s *Session) { s.afterFunc = f }
}

// Session is one logical channel to the service.
//
// All methods are safe for concurrent use.
type Session struct {
	cfg       Config
	dialer    Dialer
	logger    *slog.Logger
	metrics   *observe.Metrics
	afterFunc func(time.Duration, func()) timer
	attrs     metric.MeasurementOption

	mu       sync.Mutex
	state    State
	changed  chan struct{} // closed and replaced on every state change
	conn     Conn
	gen      uint64 // invalidates stale dials, read loops and timers
	attempts int
	timer    timer
	// exhausted is set once ErrMaxReconnectExceeded was emitted for the
	// current cycle.
	exhausted  bool
	lastErr    error
	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	// pending observer deliveries, drained by flush.
	pending  []func()
	flushing bool

	writeMu sync.Mutex

	connected    *event.Emitter[struct{}]
	disconnected *event.Emitter[DisconnectInfo]
	errs         *event.Emitter[error]
	messages     *event.Emitter[protocol.ServerMessage]
	statuses     *event.Emitter[Status]
	reconnects   *event.Emitter[ReconnectInfo]
}

// New creates a disconnected [Session]. Call [Session.Connect] to dial.
func New(cfg Config, opts ...Option) (*Session, error) {
	if cfg.URL == "" {
		return nil, errors.New("transport: URL is required")
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if len(cfg.FatalCodes) == 0 {
		cfg.FatalCodes = []websocket.StatusCode{websocket.StatusInternalError}
	}

	s := &Session{
		cfg:          cfg,
		dialer:       WebSocketDialer{},
		afterFunc:    realAfterFunc,
		changed:      make(chan struct{}),
		connected:    event.New[struct{}](cfg.Name + ".connected"),
		disconnected: event.New[DisconnectInfo](cfg.Name + ".disconnected"),
		errs:         event.New[error](cfg.Name + ".error"),
		messages:     event.New[protocol.ServerMessage](cfg.Name + ".message"),
		statuses:     event.New[Status](cfg.Name + ".status"),
		reconnects:   event.New[ReconnectInfo](cfg.Name + ".reconnect"),
	}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("channel", cfg.Name)
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.attrs = metric.WithAttributes(attribute.String("channel", cfg.Name))
	s.lifeCtx, s.lifeCancel = context.WithCancel(context.Background())
	return s, nil
}

// ── Observers ────────────────────────────────────────────────────────────────

// OnConnected registers fn for successful (re)connects.
func (s *Session) OnConnected(fn func()) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	return s.connected.Subscribe(func(struct{}) { fn() })
}

// OnDisconnected registers fn for every loss of a connected session and for
// deliberate disconnects.
func (s *Session) OnDisconnected(fn func(DisconnectInfo)) (unsubscribe func()) {
	return s.disconnected.Subscribe(fn)
}

// OnError registers fn for terminal errors: [ErrTransportFatal] and
// [ErrMaxReconnectExceeded].
func (s *Session) OnError(fn func(error)) (unsubscribe func()) {
	return s.errs.Subscribe(fn)
}

// OnMessage registers fn for every decoded server message except keepalives.
func (s *Session) OnMessage(fn func(protocol.ServerMessage)) (unsubscribe func()) {
	return s.messages.Subscribe(fn)
}

// OnStatus registers fn for connection status changes.
func (s *Session) OnStatus(fn func(Status)) (unsubscribe func()) {
	return s.statuses.Subscribe(fn)
}

// OnReconnect registers fn for every scheduled reconnect attempt.
func (s *Session) OnReconnect(fn func(ReconnectInfo)) (unsubscribe func()) {
	return s.reconnects.Subscribe(fn)
}

// ── Accessors ────────────────────────────────────────────────────────────────

// Name returns the channel name.
func (s *Session) Name() string { return s.cfg.Name }

// URL returns the endpoint.
func (s *Session) URL() string { return s.cfg.URL }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns the current connection status.
func (s *Session) Status() Status {
	return StatusOf(s.State())
}

// Attempts returns the number of reconnect attempts in the current cycle.
func (s *Session) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// ── Lifecycle ────────────────────────────────────────────────────────────────

// Connect starts dialing in the background. It is a no-op while connecting
// or connected. A pending reconnect timer is cancelled and the attempt
// counter reset. Use [Session.WaitConnected] to block until the dial
// resolves.
func (s *Session) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.state == StateConnecting || s.state == StateConnected {
		s.mu.Unlock()
		return nil
	}
	s.stopTimerLocked()
	s.attempts = 0
	s.exhausted = false
	s.lastErr = nil
	s.beginDialLocked()
	s.mu.Unlock()
	s.flush()
	return nil
}

// WaitConnected blocks until the session is connected or ctx is done. It
// returns early with the terminal error when the session gives up, or with
// [ErrNotConnected] when it is disconnected with nothing pending.
func (s *Session) WaitConnected(ctx context.Context) error {
	for {
		s.mu.Lock()
		state, changed, lastErr, pending := s.state, s.changed, s.lastErr, s.timer != nil
		s.mu.Unlock()

		switch state {
		case StateConnected:
			return nil
		case StateErroring:
			if lastErr != nil {
				return lastErr
			}
			return ErrNotConnected
		case StateDisconnected:
			if !pending {
				return ErrNotConnected
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// Disconnect closes the connection with a normal closure, cancels any
// pending reconnect, resets the attempt counter and invalidates any dial in
// flight. The session can be connected again afterwards.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	s.gen++
	s.stopTimerLocked()
	s.attempts = 0
	s.exhausted = false
	s.lastErr = nil
	conn := s.conn
	s.conn = nil
	cancel := s.lifeCancel
	s.lifeCtx, s.lifeCancel = context.WithCancel(context.Background())
	active := s.state != StateDisconnected || conn != nil
	s.setStateLocked(StateDisconnected)
	if active {
		s.enqueueLocked(func() {
			s.disconnected.Emit(DisconnectInfo{Code: websocket.StatusNormalClosure, Deliberate: true})
		})
	}
	s.mu.Unlock()
	s.flush()

	var err error
	if conn != nil {
		if cerr := conn.Close(websocket.StatusNormalClosure, "client disconnect"); cerr != nil {
			err = fmt.Errorf("transport: close %s: %w", s.cfg.Name, cerr)
		}
	}
	cancel()
	if active {
		s.logger.Info("session disconnected")
	}
	return err
}

// Send encodes msg and writes it. It returns [ErrNotConnected] without side
// effects unless the session is connected. Writes are serialised.
func (s *Session) Send(ctx context.Context, msg protocol.ClientMessage) error {
	s.mu.Lock()
	conn, state := s.conn, s.state
	s.mu.Unlock()
	if state != StateConnected || conn == nil {
		return ErrNotConnected
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("transport: send: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.Write(ctx, data); err != nil {
		return fmt.Errorf("transport: send %s: %w", msg.Kind(), err)
	}
	return nil
}

// ── Internals ────────────────────────────────────────────────────────────────

func (s *Session) beginDialLocked() {
	s.gen++
	s.setStateLocked(StateConnecting)
	go s.dial(s.gen, s.lifeCtx)
}

func (s *Session) dial(gen uint64, parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, s.cfg.DialTimeout)
	defer cancel()
	ctx, span := observe.StartSpan(ctx, "transport.dial", trace.WithAttributes(
		attribute.String("channel", s.cfg.Name),
		attribute.String("url", s.cfg.URL),
	))

	start := time.Now()
	conn, err := s.dialer.Dial(ctx, s.cfg.URL)
	observe.EndSpan(span, err)
	result := "ok"
	if err != nil {
		result = "error"
	}
	s.metrics.DialDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
		attribute.String("channel", s.cfg.Name),
		attribute.String("status", result),
	))

	s.mu.Lock()
	if gen != s.gen || s.state != StateConnecting {
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "superseded")
		}
		return
	}
	if err != nil {
		s.lastErr = fmt.Errorf("%w: %v", ErrTransportClosed, err)
		s.metrics.RecordTransportError(ctx, s.cfg.Name, "dial")
		s.logger.Warn("dial failed", "url", s.cfg.URL, "attempt", s.attempts, "err", err)
		s.scheduleReconnectLocked()
		s.mu.Unlock()
		s.flush()
		return
	}

	s.conn = conn
	s.attempts = 0
	s.exhausted = false
	s.lastErr = nil
	s.setStateLocked(StateConnected)
	s.enqueueLocked(func() { s.connected.Emit(struct{}{}) })
	s.mu.Unlock()

	s.metrics.ActiveSessions.Add(parent, 1, s.attrs)
	s.logger.Info("session connected", "url", s.cfg.URL, "dial_ms", time.Since(start).Milliseconds())
	s.flush()
	go s.readLoop(parent, gen, conn)
}

func (s *Session) readLoop(ctx context.Context, gen uint64, conn Conn) {
	defer s.metrics.ActiveSessions.Add(context.Background(), -1, s.attrs)

	for {
		data, err := conn.Read(ctx)
		if err != nil {
			s.handleClose(gen, err)
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			s.logger.Warn("skipping undecodable message", "err", err, "bytes", len(data))
			continue
		}
		switch m := msg.(type) {
		case protocol.Keepalive:
			continue
		case protocol.Warning:
			s.logger.Warn("service warning", "message", m.Message)
		}
		s.metrics.RecordMessage(ctx, s.cfg.Name, string(msg.Kind()))

		s.mu.Lock()
		if gen != s.gen {
			s.mu.Unlock()
			return
		}
		s.enqueueLocked(func() { s.messages.Emit(msg) })
		s.mu.Unlock()
		s.flush()
	}
}

func (s *Session) handleClose(gen uint64, err error) {
	code := websocket.CloseStatus(err)
	info := DisconnectInfo{Code: code, Err: err}
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		info.Reason = ce.Reason
	}

	s.mu.Lock()
	if gen != s.gen || s.conn == nil {
		s.mu.Unlock()
		return
	}
	s.conn = nil

	switch {
	case code == websocket.StatusNormalClosure:
		s.lastErr = nil
		s.setStateLocked(StateDisconnected)
		s.enqueueLocked(func() { s.disconnected.Emit(info) })
		s.logger.Info("session closed by server", "code", int(code), "reason", info.Reason)

	case slices.Contains(s.cfg.FatalCodes, code):
		fatal := fmt.Errorf("%w: code %d: %s", ErrTransportFatal, int(code), info.Reason)
		s.lastErr = fatal
		s.setStateLocked(StateErroring)
		s.enqueueLocked(func() {
			s.disconnected.Emit(info)
			s.errs.Emit(fatal)
		})
		s.metrics.RecordTransportError(context.Background(), s.cfg.Name, "fatal")
		s.logger.Error("session closed with fatal code", "code", int(code), "reason", info.Reason)

	default:
		s.lastErr = fmt.Errorf("%w: %v", ErrTransportClosed, err)
		s.metrics.RecordTransportError(context.Background(), s.cfg.Name, "closed")
		s.logger.Warn("connection lost", "code", int(code), "err", err)
		info.WillRetry = s.attempts < s.cfg.MaxAttempts
		s.enqueueLocked(func() { s.disconnected.Emit(info) })
		s.scheduleReconnectLocked()
	}
	s.mu.Unlock()
	s.flush()
}

// scheduleReconnectLocked arms the reconnect timer, or gives up once the
// attempt budget is spent.
func (s *Session) scheduleReconnectLocked() {
	if s.attempts >= s.cfg.MaxAttempts {
		s.setStateLocked(StateErroring)
		if !s.exhausted {
			s.exhausted = true
			s.lastErr = ErrMaxReconnectExceeded
			s.enqueueLocked(func() { s.errs.Emit(ErrMaxReconnectExceeded) })
			s.logger.Error("giving up reconnecting", "attempts", s.attempts)
		}
		return
	}

	s.attempts++
	delay := s.cfg.BaseDelay * time.Duration(s.attempts)
	info := ReconnectInfo{Attempt: s.attempts, Delay: delay}
	gen := s.gen
	s.timer = s.afterFunc(delay, func() { s.fireReconnect(gen) })
	s.setStateLocked(StateDisconnected)
	s.enqueueLocked(func() { s.reconnects.Emit(info) })
	s.metrics.Reconnects.Add(context.Background(), 1, s.attrs)
	s.logger.Info("reconnect scheduled", "attempt", info.Attempt, "max_attempts", s.cfg.MaxAttempts, "delay", delay)
}

func (s *Session) fireReconnect(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.timer == nil || s.state != StateDisconnected {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.beginDialLocked()
	s.mu.Unlock()
	s.flush()
}

func (s *Session) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Session) setStateLocked(st State) {
	if s.state == st {
		return
	}
	s.state = st
	close(s.changed)
	s.changed = make(chan struct{})
	status := StatusOf(st)
	s.enqueueLocked(func() { s.statuses.Emit(status) })
}

func (s *Session) enqueueLocked(fn func()) {
	s.pending = append(s.pending, fn)
}

// flush delivers queued observer events in order. Only one goroutine
// delivers at a time; others return after queueing.
func (s *Session) flush() {
	s.mu.Lock()
	if s.flushing {
		s.mu.Unlock()
		return
	}
	s.flushing = true
	for len(s.pending) > 0 {
		fn := s.pending[0]
		s.pending[0] = nil
		s.pending = s.pending[1:]
		s.mu.Unlock()
		fn()
		s.mu.Lock()
	}
	s.flushing = false
	s.mu.Unlock()
}
