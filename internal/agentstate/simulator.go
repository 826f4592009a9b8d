package agentstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/voiceloop/internal/event"
)

// ErrSimulatorStopped is returned by [Simulator.Trigger] when the simulator
// is not running.
var ErrSimulatorStopped = errors.New("agentstate: simulator not running")

// Result is reported when a simulated task completes.
type Result struct {
	AgentID string
	Task    string
	Message string
	At      time.Time
}

// SimulatorOption configures a [Simulator].
type SimulatorOption func(*Simulator)

// WithStepDelay sets the pause between simulated steps. Defaults to 1.5s.
func WithStepDelay(d time.Duration) SimulatorOption {
	return func(s *Simulator) {
		if d > 0 {
			s.step = d
		}
	}
}

// WithSimulatorLogger sets the logger. Defaults to [slog.Default].
func WithSimulatorLogger(l *slog.Logger) SimulatorOption {
	return func(s *Simulator) { s.logger = l }
}

// Simulator is a timer-driven [Source] that plays the service's agent
// lifecycle locally: analyzing, executing with one sub-task active, the
// sub-task completed, then everything idle again.
type Simulator struct {
	roster []Agent
	step   time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	applier Applier
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	results *event.Emitter[Result]
}

var _ Source = (*Simulator)(nil)

// NewSimulator creates a simulator over roster. An empty roster selects
// [DefaultRoster].
func NewSimulator(roster []Agent, opts ...SimulatorOption) *Simulator {
	if len(roster) == 0 {
		roster = DefaultRoster()
	}
	s := &Simulator{
		roster:  roster,
		step:    1500 * time.Millisecond,
		logger:  slog.Default(),
		results: event.New[Result]("agentstate.result"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// OnResult registers fn for completed simulated tasks.
func (s *Simulator) OnResult(fn func(Result)) (unsubscribe func()) {
	return s.results.Subscribe(fn)
}

// Run implements [Source]. It routes triggered sequences into a until ctx
// is done, then waits for in-flight sequences to stop.
func (s *Simulator) Run(ctx context.Context, a Applier) error {
	if err := s.Start(a); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

// Start attaches a and accepts triggers until [Simulator.Stop]. It returns
// an error if the simulator is already running.
func (s *Simulator) Start(a Applier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.applier != nil {
		return errors.New("agentstate: simulator already running")
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.applier = a
	return nil
}

// Stop cancels in-flight sequences and waits for them. It is idempotent.
func (s *Simulator) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.applier, s.ctx, s.cancel = nil, nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// Running reports whether Run is active.
func (s *Simulator) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applier != nil
}

// Trigger starts the simulated lifecycle for agentID working on task.
func (s *Simulator) Trigger(agentID, task string) error {
	agent, ok := s.agent(agentID)
	if !ok {
		return fmt.Errorf("agentstate: unknown agent %q", agentID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.applier == nil {
		return ErrSimulatorStopped
	}
	s.wg.Add(1)
	go func(ctx context.Context, a Applier) {
		defer s.wg.Done()
		s.sequence(ctx, a, agent, task)
	}(s.ctx, s.applier)
	return nil
}

// Route picks the roster entry best matching text by keyword, falling back
// to the last roster entry.
func (s *Simulator) Route(text string) string {
	lower := strings.ToLower(text)
	for _, kw := range routeKeywords {
		if !strings.Contains(lower, kw.word) {
			continue
		}
		if _, ok := s.agent(kw.agent); ok {
			return kw.agent
		}
	}
	return s.roster[len(s.roster)-1].ID
}

var routeKeywords = []struct{ word, agent string }{
	{"mail", "email"},
	{"inbox", "email"},
	{"calendar", "calendar"},
	{"meeting", "calendar"},
	{"schedule", "calendar"},
	{"remind", "calendar"},
	{"note", "notes"},
	{"write down", "notes"},
	{"research", "research"},
	{"look up", "research"},
	{"find", "research"},
}

func (s *Simulator) agent(id string) (Agent, bool) {
	for _, a := range s.roster {
		if a.ID == id {
			return a, true
		}
	}
	return Agent{}, false
}

func (s *Simulator) sequence(ctx context.Context, a Applier, agent Agent, task string) {
	sub := func(st TaskStatus) []SubTask {
		return []SubTask{{ID: agent.ID, Name: agent.Name, Icon: agent.Icon, Status: st}}
	}
	steps := []Update{
		{Supervisor: Supervisor{IsActive: true, CurrentTask: "Analyzing: " + task, Status: SupervisorAnalyzing}},
		{Supervisor: Supervisor{IsActive: true, CurrentTask: task, Status: SupervisorExecuting}, SubTasks: sub(TaskActive)},
		{Supervisor: Supervisor{IsActive: true, CurrentTask: task, Status: SupervisorExecuting}, SubTasks: sub(TaskCompleted)},
		{Supervisor: IdleSupervisor, SubTasks: sub(TaskIdle)},
	}

	s.logger.Debug("simulated task started", "agent", agent.ID, "task", task)
	for i, u := range steps {
		if i > 0 {
			t := time.NewTimer(s.step)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
		if i == len(steps)-1 {
			s.results.Emit(Result{
				AgentID: agent.ID,
				Task:    task,
				Message: fmt.Sprintf("%s %s finished: %s", agent.Icon, agent.Name, task),
				At:      time.Now(),
			})
		}
		a.ApplyUpdate(u)
	}
}
