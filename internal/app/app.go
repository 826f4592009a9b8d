// Package app wires the voiceloop subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the sessions, the audio
// devices and the client from config, Run connects the chat endpoint and
// serves the diagnostics HTTP server until the context ends, and Shutdown
// tears everything down in reverse order.
//
// For testing, inject audio devices and a websocket dialer via functional
// options. When an option is not provided, New opens the real devices.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voiceloop/internal/agentstate"
	"github.com/MrWong99/voiceloop/internal/capture"
	"github.com/MrWong99/voiceloop/internal/client"
	"github.com/MrWong99/voiceloop/internal/config"
	"github.com/MrWong99/voiceloop/internal/health"
	"github.com/MrWong99/voiceloop/internal/level"
	"github.com/MrWong99/voiceloop/internal/observe"
	"github.com/MrWong99/voiceloop/internal/transport"
	"github.com/MrWong99/voiceloop/pkg/audio"
	"github.com/MrWong99/voiceloop/pkg/audio/device"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	logger   *slog.Logger
	levelVar *slog.LevelVar
	metrics  *observe.Metrics

	mic           audio.Microphone
	sink          audio.Sink
	dialer        transport.Dialer
	metricsHandle http.Handler

	voice  *transport.Session
	chat   *transport.Session
	client *client.Client

	listener net.Listener
	server   *http.Server

	// closers run in reverse order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithDevices injects the microphone and speaker instead of opening the
// system devices.
func WithDevices(mic audio.Microphone, sink audio.Sink) Option {
	return func(a *App) { a.mic, a.sink = mic, sink }
}

// WithDialer sets the websocket dialer of both sessions.
func WithDialer(d transport.Dialer) Option {
	return func(a *App) { a.dialer = d }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.logger = l }
}

// WithLevelVar lets [App.ApplyConfig] change the log level of the handler
// that owns v.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = v }
}

// WithMetrics sets the metrics instance. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h at /metrics on the diagnostics server.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandle = h }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New builds every subsystem from cfg. Nothing is connected yet; the
// diagnostics listener, when configured, is bound so [App.Addr] is valid.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initDevices(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init devices: %w", err)
	}
	if err := a.initSessions(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init sessions: %w", err)
	}
	if err := a.initClient(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init client: %w", err)
	}
	if err := a.initServer(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init diagnostics server: %w", err)
	}
	return a, nil
}

func (a *App) initDevices(ctx context.Context) error {
	if a.mic == nil {
		mic, err := device.NewMicrophone(device.WithMicrophoneLogger(a.logger))
		if err != nil {
			return err
		}
		a.mic = mic
		a.closers = append(a.closers, mic.Close)
	}
	if a.sink == nil {
		f := audio.Format{SampleRate: a.cfg.Playback.SampleRate, Channels: a.cfg.Playback.Channels}
		spk, err := device.NewSpeaker(ctx, f)
		if err != nil {
			return err
		}
		a.sink = spk
	}
	return nil
}

func (a *App) initSessions() error {
	var opts []transport.Option
	opts = append(opts, transport.WithLogger(a.logger), transport.WithMetrics(a.metrics))
	if a.dialer != nil {
		opts = append(opts, transport.WithDialer(a.dialer))
	}

	var err error
	if a.voice, err = transport.New(a.sessionConfig("voice", a.cfg.Endpoints.VoiceURL), opts...); err != nil {
		return err
	}
	if a.chat, err = transport.New(a.sessionConfig("chat", a.cfg.Endpoints.ChatURL), opts...); err != nil {
		return err
	}
	return nil
}

func (a *App) sessionConfig(name, url string) transport.Config {
	r := a.cfg.Reconnect
	codes := make([]websocket.StatusCode, len(r.FatalCloseCodes))
	for i, c := range r.FatalCloseCodes {
		codes[i] = websocket.StatusCode(c)
	}
	return transport.Config{
		URL:         url,
		Name:        name,
		BaseDelay:   r.BaseDelay,
		MaxAttempts: r.MaxAttempts,
		DialTimeout: r.DialTimeout,
		FatalCodes:  codes,
	}
}

func (a *App) initClient() error {
	c := a.cfg.Capture
	roster := make([]agentstate.Agent, 0, len(a.cfg.Agents))
	for _, ag := range a.cfg.Agents {
		roster = append(roster, agentstate.Agent{ID: ag.ID, Name: ag.Name, Icon: ag.Icon})
	}

	cl, err := client.New(a.voice, a.chat, a.mic, a.sink, client.Config{
		Capture: capture.Config{
			FrameDuration:  c.FrameDuration,
			ConnectTimeout: c.ConnectTimeout,
			Constraints: audio.Constraints{
				SampleRate:       c.SampleRate,
				Channels:         c.Channels,
				EchoCancellation: config.Enabled(c.EchoCancellation),
				NoiseSuppression: config.Enabled(c.NoiseSuppression),
				AutoGainControl:  config.Enabled(c.AutoGainControl),
			},
		},
		Level:     level.Config{FFTSize: a.cfg.Level.FFTSize, RateHz: a.cfg.Level.RateHz},
		Encoding:  string(c.Encoding),
		Roster:    roster,
		Demo:      a.cfg.Demo.Enabled,
		StepDelay: a.cfg.Demo.StepDelay,
	}, client.WithLogger(a.logger), client.WithMetrics(a.metrics))
	if err != nil {
		return err
	}
	a.client = cl
	a.closers = append(a.closers, cl.Close)
	return nil
}

func (a *App) initServer() error {
	if a.cfg.Server.ListenAddr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return err
	}
	a.listener = ln

	mux := http.NewServeMux()
	health.New(health.SessionChecker("chat", a.chat)).Register(mux)
	mux.HandleFunc("GET /status", a.handleStatus)
	if a.metricsHandle != nil {
		mux.Handle("GET /metrics", a.metricsHandle)
	}

	a.server = &http.Server{
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Client returns the composed client.
func (a *App) Client() *client.Client { return a.client }

// Addr returns the bound diagnostics address, or "" when disabled.
func (a *App) Addr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run connects the chat session and serves diagnostics until ctx is done.
// A chat endpoint that cannot be reached is not fatal: the session keeps
// retrying and demo mode, when enabled, covers typed input meanwhile.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.client.Connect(ctx); err != nil {
			a.logger.Warn("chat connect failed", "url", a.cfg.Endpoints.ChatURL, "err", err)
		}
		return nil
	})

	if a.server != nil {
		g.Go(func() error {
			a.logger.Info("diagnostics server listening", "addr", a.Addr())
			if err := a.server.Serve(a.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: diagnostics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return a.server.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		return ctx.Err()
	})
	return g.Wait()
}

// ApplyConfig applies the hot-reloadable parts of next. It is meant to be
// passed as the [config.Watcher] callback.
func (a *App) ApplyConfig(old, next *config.Config) {
	d := config.Diff(old, next)
	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(LevelFor(d.NewLogLevel))
		a.logger.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.DemoChanged {
		a.client.SetDemo(d.NewDemo)
	}
	if len(d.RestartRequired) > 0 {
		a.logger.Warn("config changes need a restart to take effect", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. If ctx expires
// first the remaining closers are skipped and the context error returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.logger.Info("shutting down", "closers", len(a.closers))
		if a.server != nil {
			if err := a.server.Close(); err != nil {
				a.logger.Warn("diagnostics server close", "err", err)
			}
		}
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := ctx.Err(); err != nil {
				a.logger.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = err
				return
			}
			if err := a.closers[i](); err != nil {
				a.logger.Warn("closer error", "index", i, "err", err)
			}
		}
		a.logger.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) closeAll() {
	if a.listener != nil {
		_ = a.listener.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// LevelFor maps a config log level to its slog level.
func LevelFor(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type statusBody struct {
	Voice     transport.Status `json:"voice"`
	Chat      transport.Status `json:"chat"`
	Listening bool             `json:"listening"`
	Demo      bool             `json:"demo"`
	Level     float64          `json:"level"`
	Pending   int              `json:"pending_playback"`
	Agents    any              `json:"agents"`
}

func (a *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	c := a.client
	body := statusBody{
		Voice:     c.VoiceStatus(),
		Chat:      c.ChatStatus(),
		Listening: c.Listening(),
		Demo:      c.Demo(),
		Level:     c.Level(),
		Pending:   c.PendingPlayback(),
		Agents:    c.Agents().ToWire(),
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		observe.Logger(r.Context(), a.logger).Warn("encode status", "err", err)
	}
}
