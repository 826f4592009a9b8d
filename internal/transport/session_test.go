package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/voiceloop/internal/observe"
	"github.com/MrWong99/voiceloop/pkg/protocol"
)

// ── Fakes ────────────────────────────────────────────────────────────────────

type fakeConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written [][]byte
	code    websocket.StatusCode
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 8), closed: make(chan struct{})}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case b := <-c.in:
		return b, nil
	case <-c.closed:
		c.mu.Lock()
		defer c.mu.Unlock()
		return nil, websocket.CloseError{Code: c.code}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, data)
	return nil
}

func (c *fakeConn) Close(code websocket.StatusCode, _ string) error {
	c.remoteClose(code)
	return nil
}

// remoteClose simulates the peer closing with code.
func (c *fakeConn) remoteClose(code websocket.StatusCode) {
	c.once.Do(func() {
		c.mu.Lock()
		c.code = code
		c.mu.Unlock()
		close(c.closed)
	})
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

type fakeDialer struct {
	mu    sync.Mutex
	calls int
	err   error
	gate  chan struct{}
	conns []*fakeConn
}

func (d *fakeDialer) Dial(_ context.Context, _ string) (Conn, error) {
	d.mu.Lock()
	d.calls++
	gate, err := d.gate, d.err
	d.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	c := newFakeConn()
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *fakeDialer) Conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

type fakeTimer struct{}

func (fakeTimer) Stop() bool { return true }

// fakeClock records scheduled reconnects instead of sleeping.
type fakeClock struct {
	mu        sync.Mutex
	delays    []time.Duration
	fns       []func()
	scheduled chan time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{scheduled: make(chan time.Duration, 32)}
}

func (c *fakeClock) afterFunc(d time.Duration, f func()) timer {
	c.mu.Lock()
	c.delays = append(c.delays, d)
	c.fns = append(c.fns, f)
	c.mu.Unlock()
	c.scheduled <- d
	return fakeTimer{}
}

func (c *fakeClock) next(t *testing.T) time.Duration {
	t.Helper()
	select {
	case d := <-c.scheduled:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a reconnect to be scheduled")
		return 0
	}
}

func (c *fakeClock) fireLast() {
	c.mu.Lock()
	f := c.fns[len(c.fns)-1]
	c.mu.Unlock()
	f()
}

func (c *fakeClock) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.delays)
}

// ── Helpers ──────────────────────────────────────────────────────────────────

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newTestSession(t *testing.T, cfg Config, opts ...Option) *Session {
	t.Helper()
	if cfg.URL == "" {
		cfg.URL = "ws://test.invalid/ws"
	}
	s, err := New(cfg, append([]Option{WithMetrics(testMetrics(t))}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Disconnect() })
	return s
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitConnected(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.WaitConnected(ctx); err != nil {
		t.Fatalf("WaitConnected: %v", err)
	}
}

// wsServer starts a real websocket server running handler per connection.
func wsServer(t *testing.T, handler func(ctx context.Context, c *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("Accept: %v", err)
			return
		}
		handler(r.Context(), c)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// ── Tests ────────────────────────────────────────────────────────────────────

func TestNew_Defaults(t *testing.T) {
	t.Parallel()

	s := newTestSession(t, Config{})
	if s.cfg.BaseDelay != time.Second {
		t.Errorf("BaseDelay = %v, want 1s", s.cfg.BaseDelay)
	}
	if s.cfg.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", s.cfg.MaxAttempts)
	}
	if s.cfg.DialTimeout != 10*time.Second {
		t.Errorf("DialTimeout = %v, want 10s", s.cfg.DialTimeout)
	}
	if len(s.cfg.FatalCodes) != 1 || s.cfg.FatalCodes[0] != websocket.StatusInternalError {
		t.Errorf("FatalCodes = %v, want [1011]", s.cfg.FatalCodes)
	}
	if s.Status() != StatusDisconnected {
		t.Errorf("Status = %q, want disconnected", s.Status())
	}

	if _, err := New(Config{}); err == nil {
		t.Error("New without URL: expected error")
	}
}

func TestStatusOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state State
		want  Status
	}{
		{StateDisconnected, StatusDisconnected},
		{StateConnecting, StatusConnecting},
		{StateConnected, StatusConnected},
		{StateErroring, StatusError},
	}
	for _, tc := range tests {
		t.Run(tc.state.String(), func(t *testing.T) {
			t.Parallel()
			if got := StatusOf(tc.state); got != tc.want {
				t.Errorf("StatusOf(%v) = %q, want %q", tc.state, got, tc.want)
			}
		})
	}
}

func TestSession_ConnectTwiceDialsOnce(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{gate: make(chan struct{})}
	s := newTestSession(t, Config{}, WithDialer(d))

	var connected atomic.Int32
	s.OnConnected(func() { connected.Add(1) })

	ctx := context.Background()
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if s.Status() != StatusConnecting {
		t.Errorf("Status = %q, want connecting", s.Status())
	}
	close(d.gate)
	waitConnected(t, s)

	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect while connected: %v", err)
	}
	if got := d.Calls(); got != 1 {
		t.Errorf("dial calls = %d, want 1", got)
	}
	eventually(t, "connected event", func() bool { return connected.Load() == 1 })
}

func TestSession_LinearBackoff(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{err: errors.New("connection refused")}
	clock := newFakeClock()
	s := newTestSession(t, Config{BaseDelay: 100 * time.Millisecond}, WithDialer(d), withAfterFunc(clock.afterFunc))

	var infos []ReconnectInfo
	var mu sync.Mutex
	s.OnReconnect(func(ri ReconnectInfo) {
		mu.Lock()
		infos = append(infos, ri)
		mu.Unlock()
	})

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := clock.next(t); got != 100*time.Millisecond {
		t.Errorf("first delay = %v, want 100ms", got)
	}
	clock.fireLast()
	if got := clock.next(t); got != 200*time.Millisecond {
		t.Errorf("second delay = %v, want 200ms", got)
	}
	clock.fireLast()
	if got := clock.next(t); got != 300*time.Millisecond {
		t.Errorf("third delay = %v, want 300ms", got)
	}

	eventually(t, "reconnect events", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(infos) == 3
	})
	mu.Lock()
	defer mu.Unlock()
	for i, ri := range infos {
		if ri.Attempt != i+1 {
			t.Errorf("infos[%d].Attempt = %d, want %d", i, ri.Attempt, i+1)
		}
	}
}

func TestSession_MaxAttemptsNotifiesOnce(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{err: errors.New("connection refused")}
	clock := newFakeClock()
	s := newTestSession(t, Config{MaxAttempts: 2}, WithDialer(d), withAfterFunc(clock.afterFunc))

	var errs []error
	var mu sync.Mutex
	s.OnError(func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	})

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	clock.next(t)
	clock.fireLast()
	clock.next(t)
	clock.fireLast()

	eventually(t, "erroring state", func() bool { return s.State() == StateErroring })
	// Nothing further is scheduled or reported.
	time.Sleep(50 * time.Millisecond)
	if got := clock.count(); got != 2 {
		t.Errorf("scheduled reconnects = %d, want 2", got)
	}
	if got := d.Calls(); got != 3 {
		t.Errorf("dial calls = %d, want 3", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(errs) != 1 || !errors.Is(errs[0], ErrMaxReconnectExceeded) {
		t.Errorf("errors = %v, want exactly [ErrMaxReconnectExceeded]", errs)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.WaitConnected(ctx); !errors.Is(err, ErrMaxReconnectExceeded) {
		t.Errorf("WaitConnected = %v, want ErrMaxReconnectExceeded", err)
	}
}

func TestSession_ConnectAfterExhaustionStartsFreshCycle(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{err: errors.New("refused")}
	clock := newFakeClock()
	s := newTestSession(t, Config{MaxAttempts: 1}, WithDialer(d), withAfterFunc(clock.afterFunc))

	var errCount atomic.Int32
	s.OnError(func(error) { errCount.Add(1) })

	_ = s.Connect(context.Background())
	clock.next(t)
	clock.fireLast()
	eventually(t, "first exhaustion", func() bool { return errCount.Load() == 1 })

	_ = s.Connect(context.Background())
	if got := clock.next(t); got != time.Second {
		t.Errorf("delay after fresh Connect = %v, want 1s", got)
	}
	clock.fireLast()
	eventually(t, "second exhaustion", func() bool { return errCount.Load() == 2 })
}

func TestSession_DisconnectInvalidatesDial(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{gate: make(chan struct{})}
	s := newTestSession(t, Config{}, WithDialer(d))

	var connected atomic.Int32
	s.OnConnected(func() { connected.Add(1) })

	_ = s.Connect(context.Background())
	eventually(t, "dial started", func() bool { return d.Calls() == 1 })
	if err := s.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	close(d.gate)

	eventually(t, "late connection closed", func() bool {
		c := d.Conn(0)
		return c != nil && c.isClosed()
	})
	if s.State() != StateDisconnected {
		t.Errorf("State = %v, want disconnected", s.State())
	}
	if connected.Load() != 0 {
		t.Error("connected fired for an invalidated dial")
	}
}

func TestSession_TransientCloseReconnects(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{}
	clock := newFakeClock()
	s := newTestSession(t, Config{}, WithDialer(d), withAfterFunc(clock.afterFunc))

	infos := make(chan DisconnectInfo, 4)
	s.OnDisconnected(func(i DisconnectInfo) { infos <- i })

	_ = s.Connect(context.Background())
	waitConnected(t, s)
	d.Conn(0).remoteClose(websocket.StatusGoingAway)

	if got := clock.next(t); got != time.Second {
		t.Errorf("delay = %v, want 1s", got)
	}
	info := <-infos
	if info.Code != websocket.StatusGoingAway || !info.WillRetry || info.Deliberate {
		t.Errorf("disconnect info = %+v", info)
	}

	clock.fireLast()
	waitConnected(t, s)
	if got := s.Attempts(); got != 0 {
		t.Errorf("attempts after reconnect = %d, want 0", got)
	}
	if got := d.Calls(); got != 2 {
		t.Errorf("dial calls = %d, want 2", got)
	}
}

func TestSession_DeliberateDisconnect(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{}
	clock := newFakeClock()
	s := newTestSession(t, Config{}, WithDialer(d), withAfterFunc(clock.afterFunc))

	infos := make(chan DisconnectInfo, 4)
	s.OnDisconnected(func(i DisconnectInfo) { infos <- i })

	_ = s.Connect(context.Background())
	waitConnected(t, s)
	if err := s.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	info := <-infos
	if !info.Deliberate || info.Code != websocket.StatusNormalClosure {
		t.Errorf("disconnect info = %+v", info)
	}
	if !d.Conn(0).isClosed() {
		t.Error("connection not closed")
	}
	time.Sleep(30 * time.Millisecond)
	if clock.count() != 0 {
		t.Error("deliberate disconnect scheduled a reconnect")
	}
	if err := s.Send(context.Background(), protocol.GetStatus{}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send after disconnect = %v, want ErrNotConnected", err)
	}
}

func TestSession_SendNotConnected(t *testing.T) {
	t.Parallel()

	s := newTestSession(t, Config{}, WithDialer(&fakeDialer{}))
	if err := s.Send(context.Background(), protocol.UserMessage{Content: "hi"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send = %v, want ErrNotConnected", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.WaitConnected(ctx); !errors.Is(err, ErrNotConnected) {
		t.Errorf("WaitConnected on idle session = %v, want ErrNotConnected", err)
	}
}

func TestSession_PanickingObserverIsTolerated(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{}
	s := newTestSession(t, Config{}, WithDialer(d))

	s.OnStatus(func(Status) { panic("observer bug") })
	var got atomic.Value
	s.OnStatus(func(st Status) { got.Store(st) })

	_ = s.Connect(context.Background())
	waitConnected(t, s)
	eventually(t, "status delivered", func() bool {
		v, _ := got.Load().(Status)
		return v == StatusConnected
	})
}

func TestSession_StatusOrder(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{}
	s := newTestSession(t, Config{}, WithDialer(d))

	var mu sync.Mutex
	var seen []Status
	s.OnStatus(func(st Status) {
		mu.Lock()
		seen = append(seen, st)
		mu.Unlock()
	})

	_ = s.Connect(context.Background())
	waitConnected(t, s)
	_ = s.Disconnect()

	want := []Status{StatusConnecting, StatusConnected, StatusDisconnected}
	eventually(t, "three statuses", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= len(want)
	})
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != len(want) {
		t.Fatalf("statuses = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("statuses[%d] = %q, want %q", i, seen[i], want[i])
		}
	}
}

// ── Real websocket server ────────────────────────────────────────────────────

func TestSession_NormalCloseNeverReconnects(t *testing.T) {
	t.Parallel()

	url := wsServer(t, func(_ context.Context, c *websocket.Conn) {
		c.Close(websocket.StatusNormalClosure, "bye")
	})
	clock := newFakeClock()
	s := newTestSession(t, Config{URL: url}, withAfterFunc(clock.afterFunc))

	infos := make(chan DisconnectInfo, 1)
	s.OnDisconnected(func(i DisconnectInfo) { infos <- i })

	_ = s.Connect(context.Background())
	select {
	case info := <-infos:
		if info.Code != websocket.StatusNormalClosure || info.WillRetry {
			t.Errorf("disconnect info = %+v", info)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no disconnect event")
	}

	time.Sleep(50 * time.Millisecond)
	if clock.count() != 0 {
		t.Errorf("normal closure scheduled %d reconnects", clock.count())
	}
	if s.State() != StateDisconnected {
		t.Errorf("State = %v, want disconnected", s.State())
	}
}

func TestSession_FatalCloseCode(t *testing.T) {
	t.Parallel()

	url := wsServer(t, func(_ context.Context, c *websocket.Conn) {
		c.Close(websocket.StatusInternalError, "backend exploded")
	})
	clock := newFakeClock()
	s := newTestSession(t, Config{URL: url}, withAfterFunc(clock.afterFunc))

	errs := make(chan error, 1)
	s.OnError(func(err error) { errs <- err })

	_ = s.Connect(context.Background())
	select {
	case err := <-errs:
		if !errors.Is(err, ErrTransportFatal) {
			t.Errorf("error = %v, want ErrTransportFatal", err)
		}
		if !strings.Contains(err.Error(), "backend exploded") {
			t.Errorf("error %q lacks close reason", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no error event")
	}
	if clock.count() != 0 {
		t.Error("fatal close scheduled a reconnect")
	}
	if s.Status() != StatusError {
		t.Errorf("Status = %q, want error", s.Status())
	}
}

func TestSession_MessagesRoundTrip(t *testing.T) {
	t.Parallel()

	received := make(chan string, 1)
	url := wsServer(t, func(ctx context.Context, c *websocket.Conn) {
		_ = c.Write(ctx, websocket.MessageText, []byte(`{"type":"keepalive"}`))
		_ = c.Write(ctx, websocket.MessageText, []byte(`not json`))
		_ = c.Write(ctx, websocket.MessageText, []byte(`{"type":"transcript","text":"hello","is_user":false}`))
		_, data, err := c.Read(ctx)
		if err == nil {
			received <- string(data)
		}
		c.Close(websocket.StatusNormalClosure, "")
	})
	s := newTestSession(t, Config{URL: url, Name: "chat"})

	msgs := make(chan protocol.ServerMessage, 4)
	s.OnMessage(func(m protocol.ServerMessage) { msgs <- m })

	_ = s.Connect(context.Background())
	waitConnected(t, s)

	select {
	case m := <-msgs:
		tr, ok := m.(protocol.Transcript)
		if !ok || tr.Text != "hello" {
			t.Fatalf("first message = %#v, want transcript", m)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no message delivered")
	}

	if err := s.Send(context.Background(), protocol.UserMessage{Content: "book a meeting"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case got := <-received:
		if got != `{"type":"user_message","content":"book a meeting"}` {
			t.Errorf("server received %s", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server received nothing")
	}
}
