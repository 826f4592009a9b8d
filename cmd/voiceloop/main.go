// Command voiceloop is an interactive terminal client for a voice assistant
// backend. It streams microphone audio to the voice endpoint, plays back the
// synthesised replies and mirrors the agent activity reported by the chat
// endpoint.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/MrWong99/voiceloop/internal/agentstate"
	"github.com/MrWong99/voiceloop/internal/app"
	"github.com/MrWong99/voiceloop/internal/client"
	"github.com/MrWong99/voiceloop/internal/config"
	"github.com/MrWong99/voiceloop/internal/observe"
	"github.com/MrWong99/voiceloop/pkg/protocol"
)

// version is overridden at link time.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "voiceloop.yaml", "path to the YAML configuration file")
	demo := flag.Bool("demo", false, "simulate agent activity locally while the chat endpoint is unreachable")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	watch := err == nil
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voiceloop: %v\n", err)
			return 1
		}
		fmt.Fprintf(os.Stderr, "voiceloop: config file %q not found, using built-in defaults\n", *configPath)
		cfg = config.Default()
	}
	if *demo {
		cfg.Demo.Enabled = true
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var levelVar slog.LevelVar
	levelVar.Set(app.LevelFor(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &levelVar}))
	slog.SetDefault(logger)

	slog.Info("voiceloop starting",
		"version", version,
		"config", *configPath,
		"voice_url", cfg.Endpoints.VoiceURL,
		"chat_url", cfg.Endpoints.ChatURL,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	provider, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		InstanceID:     uuid.NewString(),
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(ctx, cfg,
		app.WithLogger(logger),
		app.WithLevelVar(&levelVar),
		app.WithMetrics(metrics),
		app.WithMetricsHandler(provider.Handler()),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if watch {
		w, err := config.NewWatcher(*configPath, application.ApplyConfig, config.WithWatcherLogger(logger))
		if err != nil {
			slog.Warn("config hot reload disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	printStartupSummary(cfg, application.Addr())
	subscribe(os.Stdout, application.Client())

	runErr := make(chan error, 1)
	go func() { runErr <- application.Run(ctx) }()

	go func() {
		repl(ctx, os.Stdin, os.Stdout, application.Client())
		stop()
	}()

	code := 0
	if err := <-runErr; err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// ── Terminal output ───────────────────────────────────────────────────────────

// subscribe prints client events to w. Audio levels are not printed.
func subscribe(w io.Writer, c *client.Client) {
	c.OnConnected(func(ch client.Channel) {
		fmt.Fprintf(w, "· %s connected\n", ch)
	})
	c.OnDisconnected(func(d client.Disconnect) {
		if d.Info.WillRetry {
			fmt.Fprintf(w, "· %s lost (code %d), reconnecting\n", d.Channel, d.Info.Code)
			return
		}
		fmt.Fprintf(w, "· %s disconnected\n", d.Channel)
	})
	c.OnError(func(err error) {
		fmt.Fprintf(w, "! %s\n", client.UserMessage(err))
	})
	c.OnListeningStarted(func() { fmt.Fprintln(w, "· listening") })
	c.OnListeningStopped(func() { fmt.Fprintln(w, "· stopped listening") })
	c.OnTranscript(func(t client.Transcript) {
		if !t.IsComplete {
			return
		}
		who := "assistant"
		if t.IsUser {
			who = "you"
		}
		fmt.Fprintf(w, "%s: %s\n", who, t.Text)
	})
	c.OnChatMessage(func(m protocol.ChatMessage) {
		if m.Type == "user" {
			return
		}
		prefix := "assistant"
		if m.IsAgentResult {
			prefix = "agent"
		}
		fmt.Fprintf(w, "%s: %s\n", prefix, m.Content)
	})

	var (
		mu   sync.Mutex
		last agentstate.Snapshot
	)
	c.OnAgentState(func(s agentstate.Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		if s.Supervisor != last.Supervisor {
			fmt.Fprintf(w, "· supervisor %s %s\n", s.Supervisor.Status, s.Supervisor.CurrentTask)
		}
		for _, t := range s.SubTasks {
			if prev, ok := last.SubTask(t.ID); !ok || prev.Status != t.Status {
				fmt.Fprintf(w, "· %s %s %s\n", t.Icon, t.Name, t.Status)
			}
		}
		last = s
	})
}

const help = `commands:
  /listen        start streaming the microphone
  /stop          stop streaming
  /status        show connection and agent status
  /reset         reset the agent panel
  /demo on|off   toggle local agent simulation
  /quit          exit
anything else is sent as a chat message`

// repl reads commands from r until /quit or ctx ends. Closed input leaves
// the client running until a signal arrives.
func repl(ctx context.Context, r io.Reader, w io.Writer, c *client.Client) {
	fmt.Fprintln(w, help)
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var line string
		select {
		case <-ctx.Done():
			return
		case l, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			line = strings.TrimSpace(l)
		}
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			_ = c.SendText(ctx, line)
			continue
		}

		cmd, arg, _ := strings.Cut(line, " ")
		switch cmd {
		case "/listen":
			_ = c.StartListening(ctx)
		case "/stop":
			_ = c.StopListening()
		case "/status":
			printStatus(w, c)
			_ = c.RequestStatus(ctx)
		case "/reset":
			c.ResetAgents()
		case "/demo":
			c.SetDemo(strings.TrimSpace(arg) != "off")
			fmt.Fprintf(w, "· demo %v\n", c.Demo())
		case "/quit", "/exit":
			return
		default:
			fmt.Fprintln(w, help)
		}
	}
}

func printStatus(w io.Writer, c *client.Client) {
	fmt.Fprintf(w, "voice: %s  chat: %s  listening: %v  demo: %v  queued: %d\n",
		c.VoiceStatus(), c.ChatStatus(), c.Listening(), c.Demo(), c.PendingPlayback())
	s := c.Agents()
	fmt.Fprintf(w, "supervisor: %s %s\n", s.Supervisor.Status, s.Supervisor.CurrentTask)
	for _, t := range s.SubTasks {
		fmt.Fprintf(w, "  %s %-16s %s\n", t.Icon, t.Name, t.Status)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, addr string) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       voiceloop · startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Voice", cfg.Endpoints.VoiceURL)
	printRow("Chat", cfg.Endpoints.ChatURL)
	printRow("Encoding", string(cfg.Capture.Encoding))
	printRow("Capture", fmt.Sprintf("%d Hz / %d ch / %s", cfg.Capture.SampleRate, cfg.Capture.Channels, cfg.Capture.FrameDuration))
	printRow("Reconnect", fmt.Sprintf("%d × %s", cfg.Reconnect.MaxAttempts, cfg.Reconnect.BaseDelay))
	agents := len(cfg.Agents)
	if agents == 0 {
		agents = len(agentstate.DefaultRoster())
	}
	printRow("Agents", fmt.Sprintf("%d", agents))
	if cfg.Demo.Enabled {
		printRow("Demo", "enabled")
	} else {
		printRow("Demo", "(disabled)")
	}
	if addr != "" {
		printRow("Diagnostics", addr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if r := []rune(value); len(r) > 22 {
		value = string(r[:21]) + "…"
	}
	fmt.Printf("║  %-12s: %-22s ║\n", label, value)
}
