package client_test

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/voiceloop/internal/agentstate"
	"github.com/MrWong99/voiceloop/internal/capture"
	"github.com/MrWong99/voiceloop/internal/client"
	"github.com/MrWong99/voiceloop/internal/event"
	"github.com/MrWong99/voiceloop/internal/observe"
	"github.com/MrWong99/voiceloop/internal/transport"
	"github.com/MrWong99/voiceloop/pkg/audio"
	"github.com/MrWong99/voiceloop/pkg/audio/mock"
	"github.com/MrWong99/voiceloop/pkg/protocol"
)

// fakeSession is an in-memory [client.Session] driven by the test.
type fakeSession struct {
	name string

	mu          sync.Mutex
	status      transport.Status
	sent        []protocol.ClientMessage
	disconnects int

	connected    *event.Emitter[struct{}]
	disconnected *event.Emitter[transport.DisconnectInfo]
	errs         *event.Emitter[error]
	messages     *event.Emitter[protocol.ServerMessage]
}

func newFakeSession(name string, st transport.Status) *fakeSession {
	return &fakeSession{
		name:         name,
		status:       st,
		connected:    event.New[struct{}]("fake.connected"),
		disconnected: event.New[transport.DisconnectInfo]("fake.disconnected"),
		errs:         event.New[error]("fake.error"),
		messages:     event.New[protocol.ServerMessage]("fake.message"),
	}
}

func (s *fakeSession) Name() string { return s.name }

func (s *fakeSession) Status() transport.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *fakeSession) Connect(context.Context) error {
	s.mu.Lock()
	s.status = transport.StatusConnected
	s.mu.Unlock()
	s.connected.Emit(struct{}{})
	return nil
}

func (s *fakeSession) WaitConnected(context.Context) error {
	if s.Status() == transport.StatusConnected {
		return nil
	}
	return transport.ErrNotConnected
}

func (s *fakeSession) Send(_ context.Context, m protocol.ClientMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != transport.StatusConnected {
		return transport.ErrNotConnected
	}
	s.sent = append(s.sent, m)
	return nil
}

func (s *fakeSession) Sent() []protocol.ClientMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.ClientMessage(nil), s.sent...)
}

func (s *fakeSession) Disconnect() error {
	s.mu.Lock()
	s.disconnects++
	s.status = transport.StatusDisconnected
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) Disconnects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnects
}

// drop simulates the remote side going away.
func (s *fakeSession) drop(info transport.DisconnectInfo) {
	s.mu.Lock()
	s.status = transport.StatusDisconnected
	s.mu.Unlock()
	s.disconnected.Emit(info)
}

func (s *fakeSession) deliver(m protocol.ServerMessage) { s.messages.Emit(m) }

func (s *fakeSession) OnConnected(fn func()) func() {
	return s.connected.Subscribe(func(struct{}) { fn() })
}

func (s *fakeSession) OnDisconnected(fn func(transport.DisconnectInfo)) func() {
	return s.disconnected.Subscribe(fn)
}

func (s *fakeSession) OnError(fn func(error)) func() { return s.errs.Subscribe(fn) }

func (s *fakeSession) OnMessage(fn func(protocol.ServerMessage)) func() {
	return s.messages.Subscribe(fn)
}

// ── Helpers ──────────────────────────────────────────────────────────────────

type fixture struct {
	voice *fakeSession
	chat  *fakeSession
	mic   *mock.Microphone
	sink  *mock.Sink
	c     *client.Client
}

func newFixture(t *testing.T, cfg client.Config, playFor time.Duration) *fixture {
	t.Helper()
	met, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	f := &fixture{
		voice: newFakeSession("voice", transport.StatusConnected),
		chat:  newFakeSession("chat", transport.StatusConnected),
		mic:   &mock.Microphone{},
		sink:  &mock.Sink{PlayDuration: playFor},
	}
	if cfg.Capture.ConnectTimeout == 0 {
		cfg.Capture.ConnectTimeout = 50 * time.Millisecond
	}
	f.c, err = client.New(f.voice, f.chat, f.mic, f.sink, cfg, client.WithMetrics(met))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = f.c.Close() })
	return f
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// recorder collects values emitted to a callback.
type recorder[T any] struct {
	mu   sync.Mutex
	vals []T
}

func (r *recorder[T]) add(v T) {
	r.mu.Lock()
	r.vals = append(r.vals, v)
	r.mu.Unlock()
}

func (r *recorder[T]) get() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.vals...)
}

func pcmChunk(samples int) string {
	return base64.StdEncoding.EncodeToString(make([]byte, samples*2))
}

// ── Tests ────────────────────────────────────────────────────────────────────

func TestNew_RequiresSessions(t *testing.T) {
	t.Parallel()
	if _, err := client.New(nil, nil, &mock.Microphone{}, &mock.Sink{}, client.Config{}); err == nil {
		t.Fatal("New(nil sessions) returned nil error")
	}
}

func TestNew_UnknownEncoding(t *testing.T) {
	t.Parallel()
	s := newFakeSession("s", transport.StatusDisconnected)
	if _, err := client.New(s, s, &mock.Microphone{}, &mock.Sink{}, client.Config{Encoding: "mp3"}); err == nil {
		t.Fatal("New with unknown encoding returned nil error")
	}
}

func TestRoute_InboundMessages(t *testing.T) {
	t.Parallel()
	f := newFixture(t, client.Config{}, time.Millisecond)

	var (
		transcripts recorder[client.Transcript]
		chats       recorder[protocol.ChatMessage]
		errs        recorder[error]
		msgs        recorder[client.Message]
		snaps       recorder[agentstate.Snapshot]
	)
	f.c.OnTranscript(transcripts.add)
	f.c.OnChatMessage(chats.add)
	f.c.OnError(errs.add)
	f.c.OnMessage(msgs.add)
	f.c.OnAgentState(snaps.add)

	inbound := []protocol.ServerMessage{
		protocol.AudioChunk{Audio: pcmChunk(240)},
		protocol.Transcript{Text: "book a meeting", IsUser: true, IsComplete: true},
		protocol.TextEvent{Type: protocol.KindAITranscriptDelta, Content: "Sure"},
		protocol.AgentUpdate{
			AgentInLoop: protocol.Supervisor{IsActive: true, CurrentTask: "book", Status: "executing"},
			SubAgents:   []protocol.SubAgent{{ID: "calendar", Status: "active"}},
		},
		protocol.NewMessage{Message: protocol.ChatMessage{ID: "m1", Type: "ai", Content: "Booked"}},
		protocol.TextEvent{Type: protocol.KindAgentResult, Content: "Meeting at 3"},
		protocol.Error{Message: "quota exceeded"},
		protocol.Unknown{Type: "success"},
	}
	for _, m := range inbound {
		f.chat.deliver(m)
	}

	eventually(t, "audio played", func() bool { return len(f.sink.Played()) == 1 })

	if got := msgs.get(); len(got) != len(inbound) {
		t.Fatalf("OnMessage calls = %d, want %d", len(got), len(inbound))
	} else if got[0].Channel != client.ChannelChat {
		t.Errorf("message channel = %q, want chat", got[0].Channel)
	}

	tr := transcripts.get()
	if len(tr) != 2 {
		t.Fatalf("transcripts = %+v, want 2", tr)
	}
	if tr[0] != (client.Transcript{Text: "book a meeting", IsUser: true, IsComplete: true}) {
		t.Errorf("transcript[0] = %+v", tr[0])
	}
	if tr[1].Text != "Sure" || tr[1].IsUser || tr[1].IsComplete {
		t.Errorf("transcript[1] = %+v", tr[1])
	}

	cm := chats.get()
	if len(cm) != 2 || cm[0].ID != "m1" || !cm[1].IsAgentResult || cm[1].Content != "Meeting at 3" {
		t.Errorf("chat messages = %+v", cm)
	}

	e := errs.get()
	var serr *client.ServerError
	if len(e) != 1 || !errors.As(e[0], &serr) || serr.Message != "quota exceeded" {
		t.Errorf("errors = %v, want one ServerError", e)
	}

	snap := f.c.Agents()
	if st, _ := snap.SubTask("calendar"); st.Status != agentstate.TaskActive {
		t.Errorf("calendar status = %q, want active", st.Status)
	}
	if len(snaps.get()) != 1 {
		t.Errorf("agent state callbacks = %d, want 1", len(snaps.get()))
	}
}

func TestRoute_UserSpeechInterruptsPlayback(t *testing.T) {
	t.Parallel()
	f := newFixture(t, client.Config{}, time.Second)
	started := f.sink.Started()

	for range 3 {
		f.voice.deliver(protocol.AudioChunk{Audio: pcmChunk(240)})
	}
	<-started
	f.voice.deliver(protocol.SpeechStarted{IsUser: true})

	eventually(t, "playback cancelled", func() bool { return f.sink.Cancelled() == 1 })
	if n := f.c.PendingPlayback(); n != 0 {
		t.Errorf("pending after barge-in = %d, want 0", n)
	}
}

func TestStartListening_LifecycleEvents(t *testing.T) {
	t.Parallel()
	f := newFixture(t, client.Config{}, time.Millisecond)

	var started, stopped recorder[struct{}]
	f.c.OnListeningStarted(func() { started.add(struct{}{}) })
	f.c.OnListeningStopped(func() { stopped.add(struct{}{}) })

	if err := f.c.StartListening(context.Background()); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	if !f.c.Listening() {
		t.Fatal("Listening() = false after start")
	}
	if err := f.c.StopListening(); err != nil {
		t.Fatalf("StopListening: %v", err)
	}
	eventually(t, "listening events", func() bool {
		return len(started.get()) == 1 && len(stopped.get()) == 1
	})
	if f.mic.Active() != 0 {
		t.Errorf("active tracks = %d, want 0", f.mic.Active())
	}
}

func TestStartListening_ErrorsAreSurfaced(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		openErr error
		voice   transport.Status
		want    error
		text    string
	}{
		{"permission", fmt.Errorf("open: %w", audio.ErrPermissionDenied), transport.StatusConnected, audio.ErrPermissionDenied, "denied"},
		{"no device", audio.ErrDeviceNotFound, transport.StatusConnected, audio.ErrDeviceNotFound, "No microphone"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, client.Config{}, time.Millisecond)
			f.mic.OpenErr = tc.openErr

			var errs recorder[error]
			f.c.OnError(errs.add)

			err := f.c.StartListening(context.Background())
			if !errors.Is(err, tc.want) {
				t.Fatalf("StartListening err = %v, want %v", err, tc.want)
			}
			got := errs.get()
			if len(got) != 1 || !errors.Is(got[0], tc.want) {
				t.Fatalf("OnError = %v, want one %v", got, tc.want)
			}
			if msg := client.UserMessage(got[0]); !strings.Contains(msg, tc.text) {
				t.Errorf("UserMessage = %q, want it to mention %q", msg, tc.text)
			}
			if sent := f.voice.Sent(); len(sent) != 0 {
				t.Errorf("sent %d frames after failed start", len(sent))
			}
		})
	}
}

func TestStartListening_StopDuringStartIsSilent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, client.Config{}, time.Millisecond)
	f.mic.Gate = make(chan struct{})

	var errs recorder[error]
	f.c.OnError(errs.add)

	res := make(chan error, 1)
	go func() { res <- f.c.StartListening(context.Background()) }()
	eventually(t, "open pending", func() bool { return len(f.mic.Opens()) == 1 })

	if err := f.c.StopListening(); err != nil {
		t.Fatalf("StopListening: %v", err)
	}
	close(f.mic.Gate)

	if err := <-res; err != nil {
		t.Errorf("StartListening = %v, want nil after stop", err)
	}
	if len(errs.get()) != 0 {
		t.Errorf("OnError called %d times, want 0", len(errs.get()))
	}
	if f.mic.Active() != 0 {
		t.Errorf("active tracks = %d, want 0", f.mic.Active())
	}
}

func TestVoiceDisconnect_StopsCaptureAndPlayback(t *testing.T) {
	t.Parallel()
	f := newFixture(t, client.Config{}, time.Second)
	started := f.sink.Started()

	var (
		stopped recorder[struct{}]
		drops   recorder[client.Disconnect]
	)
	f.c.OnListeningStopped(func() { stopped.add(struct{}{}) })
	f.c.OnDisconnected(drops.add)

	if err := f.c.StartListening(context.Background()); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	f.voice.deliver(protocol.AudioChunk{Audio: pcmChunk(240)})
	f.voice.deliver(protocol.AudioChunk{Audio: pcmChunk(240)})
	<-started

	f.voice.drop(transport.DisconnectInfo{Code: 1001, WillRetry: true})

	if f.c.Listening() {
		t.Error("still listening after voice disconnect")
	}
	if f.mic.Active() != 0 {
		t.Errorf("active tracks = %d, want 0", f.mic.Active())
	}
	if n := f.c.PendingPlayback(); n != 0 {
		t.Errorf("pending playback = %d, want 0", n)
	}
	eventually(t, "listening stopped", func() bool { return len(stopped.get()) == 1 })
	if d := drops.get(); len(d) != 1 || d[0].Channel != client.ChannelVoice || !d[0].Info.WillRetry {
		t.Errorf("disconnects = %+v", d)
	}
}

func TestChatDisconnect_KeepsCapture(t *testing.T) {
	t.Parallel()
	f := newFixture(t, client.Config{}, time.Millisecond)

	if err := f.c.StartListening(context.Background()); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	f.chat.drop(transport.DisconnectInfo{Code: 1001})
	if !f.c.Listening() {
		t.Error("chat disconnect stopped voice capture")
	}
}

func TestSendText(t *testing.T) {
	t.Parallel()
	f := newFixture(t, client.Config{}, time.Millisecond)

	if err := f.c.SendText(context.Background(), "  hello  "); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if err := f.c.SendText(context.Background(), "   "); err != nil {
		t.Fatalf("SendText(blank): %v", err)
	}
	sent := f.chat.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent = %v, want one message", sent)
	}
	if m, ok := sent[0].(protocol.UserMessage); !ok || m.Content != "hello" {
		t.Errorf("sent %#v, want UserMessage{hello}", sent[0])
	}
	if len(f.voice.Sent()) != 0 {
		t.Error("text was sent on the voice session")
	}
}

func TestSendText_NotConnected(t *testing.T) {
	t.Parallel()
	f := newFixture(t, client.Config{}, time.Millisecond)
	f.chat.drop(transport.DisconnectInfo{Code: 1001})

	var errs recorder[error]
	f.c.OnError(errs.add)

	err := f.c.SendText(context.Background(), "hello")
	if !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("SendText err = %v, want ErrNotConnected", err)
	}
	if got := errs.get(); len(got) != 1 || !strings.Contains(client.UserMessage(got[0]), "try again") {
		t.Errorf("OnError = %v", got)
	}
}

func TestSendText_DemoRunsSimulator(t *testing.T) {
	t.Parallel()
	f := newFixture(t, client.Config{Demo: true, StepDelay: time.Millisecond}, time.Millisecond)
	f.chat.drop(transport.DisconnectInfo{Code: 1001})

	var chats recorder[protocol.ChatMessage]
	f.c.OnChatMessage(chats.add)

	if err := f.c.SendText(context.Background(), "check my inbox"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	eventually(t, "simulated result", func() bool { return len(chats.get()) == 2 })

	got := chats.get()
	if got[0].Type != "user" || got[0].Content != "check my inbox" {
		t.Errorf("echo = %+v", got[0])
	}
	if !got[1].IsAgentResult || !strings.Contains(got[1].Content, "check my inbox") {
		t.Errorf("result = %+v", got[1])
	}
	eventually(t, "agents idle", func() bool { return f.c.Agents().AllIdle() })
}

func TestSetDemo_Toggle(t *testing.T) {
	t.Parallel()
	f := newFixture(t, client.Config{}, time.Millisecond)
	f.chat.drop(transport.DisconnectInfo{Code: 1001})

	f.c.SetDemo(true)
	if !f.c.Demo() {
		t.Fatal("Demo() = false after enable")
	}
	f.c.SetDemo(false)
	if f.c.Demo() {
		t.Fatal("Demo() = true after disable")
	}
	if err := f.c.SendText(context.Background(), "hi"); !errors.Is(err, transport.ErrNotConnected) {
		t.Errorf("SendText with demo off = %v, want ErrNotConnected", err)
	}
}

func TestRequestStatusAndReset(t *testing.T) {
	t.Parallel()
	f := newFixture(t, client.Config{}, time.Millisecond)

	if err := f.c.RequestStatus(context.Background()); err != nil {
		t.Fatalf("RequestStatus: %v", err)
	}
	if sent := f.chat.Sent(); len(sent) != 1 || sent[0].Kind() != protocol.KindGetStatus {
		t.Errorf("sent = %v, want get_status", sent)
	}

	f.chat.deliver(protocol.AgentUpdate{
		AgentInLoop: protocol.Supervisor{IsActive: true, Status: "executing"},
		SubAgents:   []protocol.SubAgent{{ID: "email", Status: "active"}},
	})
	if f.c.Agents().AllIdle() {
		t.Fatal("agents idle after active update")
	}
	f.c.ResetAgents()
	if !f.c.Agents().AllIdle() {
		t.Error("agents not idle after reset")
	}
}

func TestSharedSession(t *testing.T) {
	t.Parallel()
	s := newFakeSession("rt", transport.StatusConnected)
	c, err := client.New(s, s, &mock.Microphone{}, &mock.Sink{}, client.Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	var msgs recorder[client.Message]
	c.OnMessage(msgs.add)
	s.deliver(protocol.Warning{Message: "slow"})
	if got := msgs.get(); len(got) != 1 || got[0].Channel != client.ChannelVoice {
		t.Errorf("messages = %+v, want one on voice", got)
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, client.Config{Demo: true}, time.Millisecond)

	if err := f.c.StartListening(context.Background()); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	if err := f.c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := f.c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if f.voice.Disconnects() != 1 || f.chat.Disconnects() != 1 {
		t.Errorf("disconnects voice=%d chat=%d, want 1 each", f.voice.Disconnects(), f.chat.Disconnects())
	}
	if f.mic.Active() != 0 {
		t.Errorf("active tracks = %d", f.mic.Active())
	}
	if f.c.Demo() {
		t.Error("demo still running after Close")
	}
}

func TestUserMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{audio.ErrPermissionDenied, "denied"},
		{capture.ErrConnectionNotReady, "Could not reach"},
		{fmt.Errorf("x: %w", transport.ErrMaxReconnectExceeded), "gave up"},
		{fmt.Errorf("%w: code 1011", transport.ErrTransportFatal), "internal error"},
		{&client.ServerError{Message: "boom"}, "boom"},
		{errors.New("other"), "other"},
	}
	for _, tc := range tests {
		got := client.UserMessage(tc.err)
		if tc.want == "" && got != "" {
			t.Errorf("UserMessage(nil) = %q", got)
			continue
		}
		if !strings.Contains(got, tc.want) {
			t.Errorf("UserMessage(%v) = %q, want it to contain %q", tc.err, got, tc.want)
		}
	}
}
