// Package client composes the voice and chat sessions, the capture pipeline,
// the playback queue, the level monitor and the agent state machine into the
// single surface a front end talks to.
//
// A front end constructs the two [transport.Session] values, passes them to
// [New], registers its callbacks, and then drives the client with
// [Client.StartListening], [Client.StopListening] and [Client.SendText].
// Inbound service messages are routed to the matching component and then
// re-emitted through the callbacks.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/voiceloop/internal/agentstate"
	"github.com/MrWong99/voiceloop/internal/capture"
	"github.com/MrWong99/voiceloop/internal/event"
	"github.com/MrWong99/voiceloop/internal/level"
	"github.com/MrWong99/voiceloop/internal/observe"
	"github.com/MrWong99/voiceloop/internal/playback"
	"github.com/MrWong99/voiceloop/internal/transport"
	"github.com/MrWong99/voiceloop/pkg/audio"
	"github.com/MrWong99/voiceloop/pkg/audio/codec"
	"github.com/MrWong99/voiceloop/pkg/protocol"
)

// Session is the part of [transport.Session] the client depends on.
type Session interface {
	capture.Sender
	Name() string
	Disconnect() error
	OnConnected(func()) (unsubscribe func())
	OnDisconnected(func(transport.DisconnectInfo)) (unsubscribe func())
	OnError(func(error)) (unsubscribe func())
	OnMessage(func(protocol.ServerMessage)) (unsubscribe func())
}

var _ Session = (*transport.Session)(nil)

// Channel names which session an event came from.
type Channel string

const (
	ChannelVoice Channel = "voice"
	ChannelChat  Channel = "chat"
)

// ServerError wraps an inbound "error" message.
type ServerError struct {
	Channel Channel
	Message string
}

// Error implements error.
func (e *ServerError) Error() string {
	return fmt.Sprintf("client: %s service error: %s", e.Channel, e.Message)
}

// Disconnect is reported through [Client.OnDisconnected].
type Disconnect struct {
	Channel Channel
	Info    transport.DisconnectInfo
}

// Message is reported through [Client.OnMessage] for every inbound message.
type Message struct {
	Channel Channel
	Msg     protocol.ServerMessage
}

// Transcript is reported through [Client.OnTranscript].
type Transcript struct {
	Text       string
	IsUser     bool
	IsComplete bool
}

// Config holds the tunables of the composed components.
type Config struct {
	Capture capture.Config
	Level   level.Config

	// Encoding names the outbound codec ("pcm16" or "opus").
	Encoding string

	// Roster defaults to [agentstate.DefaultRoster].
	Roster []agentstate.Agent

	// Demo runs the local agent simulator when the chat session is down.
	Demo bool

	// StepDelay paces the simulator.
	StepDelay time.Duration
}

// Option configures a [Client] during construction.
type Option func(*Client)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithMetrics sets the metrics instance passed to every component. Defaults
// to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// Client is the voice conversation endpoint. All exported methods are safe
// for concurrent use.
type Client struct {
	id      string
	voice   Session
	chat    Session
	logger  *slog.Logger
	metrics *observe.Metrics

	capture  *capture.Pipeline
	playback *playback.Queue
	level    *level.Monitor
	agents   *agentstate.Machine
	sim      *agentstate.Simulator

	inSeq atomic.Uint64

	mu     sync.Mutex
	demo   bool
	closed bool

	unsubs []func()

	connected    *event.Emitter[Channel]
	disconnected *event.Emitter[Disconnect]
	messages     *event.Emitter[Message]
	errs         *event.Emitter[error]
	listenStart  *event.Emitter[struct{}]
	listenStop   *event.Emitter[struct{}]
	transcripts  *event.Emitter[Transcript]
	chatMessages *event.Emitter[protocol.ChatMessage]
}

// New wires the components around voice and chat. The two may be the same
// session when the service multiplexes both on one endpoint. Neither session
// is connected by New.
func New(voice, chat Session, mic audio.Microphone, sink audio.Sink, cfg Config, opts ...Option) (*Client, error) {
	if voice == nil || chat == nil {
		return nil, errors.New("client: voice and chat sessions are required")
	}
	c := &Client{
		id:           uuid.NewString(),
		voice:        voice,
		chat:         chat,
		logger:       slog.Default(),
		connected:    event.New[Channel]("client.connected"),
		disconnected: event.New[Disconnect]("client.disconnected"),
		messages:     event.New[Message]("client.message"),
		errs:         event.New[error]("client.error"),
		listenStart:  event.New[struct{}]("client.listening_started"),
		listenStop:   event.New[struct{}]("client.listening_stopped"),
		transcripts:  event.New[Transcript]("client.transcript"),
		chatMessages: event.New[protocol.ChatMessage]("client.chat_message"),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	c.logger = c.logger.With("client_id", c.id)

	if cfg.Capture.Constraints == (audio.Constraints{}) {
		cfg.Capture.Constraints = audio.DefaultConstraints()
	}
	enc, err := codec.New(cfg.Encoding, cfg.Capture.Constraints.Format())
	if err != nil {
		return nil, fmt.Errorf("client: new: %w", err)
	}

	roster := cfg.Roster
	if len(roster) == 0 {
		roster = agentstate.DefaultRoster()
	}

	c.level = level.New(cfg.Level)
	c.agents = agentstate.New(roster,
		agentstate.WithLogger(c.logger),
		agentstate.WithMetrics(c.metrics),
	)
	c.sim = agentstate.NewSimulator(roster,
		agentstate.WithStepDelay(cfg.StepDelay),
		agentstate.WithSimulatorLogger(c.logger),
	)
	c.playback = playback.New(sink,
		playback.WithLogger(c.logger),
		playback.WithMetrics(c.metrics),
	)
	c.capture = capture.New(mic, voice, cfg.Capture,
		capture.WithLogger(c.logger),
		capture.WithMetrics(c.metrics),
		capture.WithEncoder(enc),
		capture.WithLevel(c.level),
	)

	c.unsubs = append(c.unsubs,
		c.capture.OnStarted(func() { c.listenStart.Emit(struct{}{}) }),
		c.capture.OnStopped(func() { c.listenStop.Emit(struct{}{}) }),
		c.sim.OnResult(c.handleSimResult),
	)
	c.watch(ChannelVoice, voice)
	if chat != voice {
		c.watch(ChannelChat, chat)
	}

	if cfg.Demo {
		c.SetDemo(true)
	}
	return c, nil
}

func (c *Client) watch(ch Channel, s Session) {
	c.unsubs = append(c.unsubs,
		s.OnConnected(func() { c.connected.Emit(ch) }),
		s.OnDisconnected(func(info transport.DisconnectInfo) { c.handleDisconnect(ch, s, info) }),
		s.OnError(func(err error) {
			c.logger.Warn("session error", "channel", ch, "err", err)
			c.errs.Emit(err)
		}),
		s.OnMessage(func(m protocol.ServerMessage) { c.route(ch, m) }),
	)
}

// ── Callbacks ────────────────────────────────────────────────────────────────

// ID is a random identifier for this client instance, used in logs.
func (c *Client) ID() string { return c.id }

// OnConnected registers fn for every established session.
func (c *Client) OnConnected(fn func(Channel)) (unsubscribe func()) {
	return c.connected.Subscribe(fn)
}

// OnDisconnected registers fn for every lost or closed session.
func (c *Client) OnDisconnected(fn func(Disconnect)) (unsubscribe func()) {
	return c.disconnected.Subscribe(fn)
}

// OnMessage registers fn for every inbound message, after routing.
func (c *Client) OnMessage(fn func(Message)) (unsubscribe func()) {
	return c.messages.Subscribe(fn)
}

// OnError registers fn for errors the user should see. Pass the error to
// [UserMessage] for display text.
func (c *Client) OnError(fn func(error)) (unsubscribe func()) {
	return c.errs.Subscribe(fn)
}

// OnListeningStarted registers fn for every successful capture start.
func (c *Client) OnListeningStarted(fn func()) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	return c.listenStart.Subscribe(func(struct{}) { fn() })
}

// OnListeningStopped registers fn for every end of capture.
func (c *Client) OnListeningStopped(fn func()) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	return c.listenStop.Subscribe(func(struct{}) { fn() })
}

// OnTranscript registers fn for partial and complete transcripts.
func (c *Client) OnTranscript(fn func(Transcript)) (unsubscribe func()) {
	return c.transcripts.Subscribe(fn)
}

// OnLevel registers fn for input level updates in [0, 1].
func (c *Client) OnLevel(fn func(float64)) (unsubscribe func()) {
	return c.level.OnLevel(fn)
}

// OnAgentState registers fn for every agent snapshot change.
func (c *Client) OnAgentState(fn func(agentstate.Snapshot)) (unsubscribe func()) {
	return c.agents.OnChange(fn)
}

// OnChatMessage registers fn for chat entries, including agent results.
func (c *Client) OnChatMessage(fn func(protocol.ChatMessage)) (unsubscribe func()) {
	return c.chatMessages.Subscribe(fn)
}

// ── Accessors ────────────────────────────────────────────────────────────────

// Listening reports whether capture is running.
func (c *Client) Listening() bool { return c.capture.Capturing() }

// VoiceStatus reports the voice session status.
func (c *Client) VoiceStatus() transport.Status { return c.voice.Status() }

// ChatStatus reports the chat session status.
func (c *Client) ChatStatus() transport.Status { return c.chat.Status() }

// Agents returns the current agent snapshot.
func (c *Client) Agents() agentstate.Snapshot { return c.agents.Snapshot() }

// Level returns the most recent input level.
func (c *Client) Level() float64 { return c.level.Level() }

// PendingPlayback returns the number of inbound frames waiting to play.
func (c *Client) PendingPlayback() int { return c.playback.Pending() }

// Demo reports whether the simulator is enabled.
func (c *Client) Demo() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.demo
}

// ── Commands ─────────────────────────────────────────────────────────────────

// Connect opens the chat session. The voice session is opened on the first
// [Client.StartListening].
func (c *Client) Connect(ctx context.Context) error {
	return c.chat.Connect(ctx)
}

// StartListening starts capture, connecting the voice session first if
// needed. Failures other than a concurrent stop are also reported through
// [Client.OnError].
func (c *Client) StartListening(ctx context.Context) error {
	err := c.capture.Start(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, capture.ErrStopped):
		c.logger.Debug("listen request superseded by stop")
		return nil
	default:
		c.logger.Warn("start listening failed", "err", err)
		c.errs.Emit(err)
		return err
	}
}

// StopListening stops capture. It is idempotent.
func (c *Client) StopListening() error {
	return c.capture.Stop()
}

// SendText sends typed text on the chat session. In demo mode a chat session
// that is not connected hands the text to the local simulator instead.
func (c *Client) SendText(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	err := c.chat.Send(ctx, protocol.UserMessage{Content: text})
	if err == nil {
		return nil
	}
	if errors.Is(err, transport.ErrNotConnected) && c.Demo() {
		return c.simulate(text)
	}
	c.errs.Emit(err)
	return err
}

func (c *Client) simulate(text string) error {
	agent := c.sim.Route(text)
	c.chatMessages.Emit(protocol.ChatMessage{
		ID:        "user_" + uuid.NewString(),
		Type:      "user",
		Content:   text,
		Timestamp: protocol.Timestamp{Time: time.Now()},
	})
	if err := c.sim.Trigger(agent, text); err != nil {
		err = fmt.Errorf("client: simulate: %w", err)
		c.errs.Emit(err)
		return err
	}
	c.logger.Info("simulating task", "agent", agent)
	return nil
}

// RequestStatus asks the service for a fresh agent_update.
func (c *Client) RequestStatus(ctx context.Context) error {
	if err := c.chat.Send(ctx, protocol.GetStatus{}); err != nil {
		c.errs.Emit(err)
		return err
	}
	return nil
}

// ResetAgents returns every agent to idle.
func (c *Client) ResetAgents() {
	c.agents.Reset()
}

// SetDemo starts or stops the local simulator.
func (c *Client) SetDemo(enabled bool) {
	c.mu.Lock()
	if c.closed || c.demo == enabled {
		c.mu.Unlock()
		return
	}
	c.demo = enabled
	c.mu.Unlock()

	if !enabled {
		c.sim.Stop()
		c.logger.Info("demo mode disabled")
		return
	}
	if err := c.sim.Start(c.agents); err != nil {
		c.mu.Lock()
		c.demo = false
		c.mu.Unlock()
		c.logger.Warn("start simulator", "err", err)
		return
	}
	c.logger.Info("demo mode enabled")
}

// Close stops capture and playback, stops the simulator and disconnects both
// sessions. It is idempotent.
func (c *Client) Close() error {
	c.SetDemo(false)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()

	errs := []error{c.capture.Stop()}
	c.level.Stop()
	for _, u := range unsubs {
		u()
	}
	errs = append(errs, c.playback.Close(), c.voice.Disconnect())
	if c.chat != c.voice {
		errs = append(errs, c.chat.Disconnect())
	}
	return errors.Join(errs...)
}

// ── Inbound ──────────────────────────────────────────────────────────────────

func (c *Client) handleDisconnect(ch Channel, s Session, info transport.DisconnectInfo) {
	if s == c.voice {
		// Capture.Stop emits listening_stopped when capture was active.
		if err := c.capture.Stop(); err != nil {
			c.logger.Warn("stop capture after disconnect", "err", err)
		}
		if n := c.playback.Clear(); n > 0 {
			c.logger.Debug("playback cleared after disconnect", "frames", n)
		}
	}
	c.logger.Info("session disconnected",
		"channel", ch,
		"code", int(info.Code),
		"reason", info.Reason,
		"will_retry", info.WillRetry,
	)
	c.disconnected.Emit(Disconnect{Channel: ch, Info: info})
}

func (c *Client) route(ch Channel, m protocol.ServerMessage) {
	switch msg := m.(type) {
	case protocol.AudioChunk:
		at := msg.Timestamp.Time
		if at.IsZero() {
			at = time.Now()
		}
		c.playback.Enqueue(audio.AudioFrame{
			Data:       []byte(msg.Audio),
			Seq:        c.inSeq.Add(1),
			Timestamp:  at,
			Direction:  audio.Inbound,
			SampleRate: 24000,
			Channels:   1,
		})

	case protocol.Transcript:
		c.transcripts.Emit(Transcript{Text: msg.Text, IsUser: msg.IsUser, IsComplete: msg.IsComplete})

	case protocol.TextEvent:
		if msg.Kind() == protocol.KindAgentResult {
			c.chatMessages.Emit(protocol.ChatMessage{
				ID:            "agent_" + uuid.NewString(),
				Type:          "ai",
				Content:       msg.Content,
				Timestamp:     protocol.Timestamp{Time: time.Now()},
				IsAgentResult: true,
			})
			break
		}
		c.transcripts.Emit(Transcript{Text: msg.Content, IsUser: msg.IsUser(), IsComplete: msg.IsComplete()})

	case protocol.SpeechStarted:
		// Barge-in: the user talking over the assistant cuts its audio.
		if msg.IsUser {
			if n := c.playback.Clear(); n > 0 {
				c.logger.Debug("playback interrupted by user speech", "frames", n)
			}
		}

	case protocol.AgentUpdate:
		res := c.agents.ApplyUpdate(agentstate.FromWire(msg))
		if len(res.Rejected) > 0 || len(res.Unknown) > 0 {
			c.logger.Debug("agent update partially applied",
				"changed", res.Changed,
				"rejected", res.Rejected,
				"unknown", res.Unknown,
			)
		}

	case protocol.NewMessage:
		c.chatMessages.Emit(msg.Message)

	case protocol.Error:
		c.errs.Emit(&ServerError{Channel: ch, Message: msg.Message})
	}

	c.messages.Emit(Message{Channel: ch, Msg: m})
}

func (c *Client) handleSimResult(r agentstate.Result) {
	c.chatMessages.Emit(protocol.ChatMessage{
		ID:            "agent_" + uuid.NewString(),
		Type:          "ai",
		Content:       r.Message,
		Timestamp:     protocol.Timestamp{Time: r.At},
		IsAgentResult: true,
	})
}
