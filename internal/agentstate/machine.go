// Package agentstate tracks what the supervising agent and its delegated
// sub-tasks are doing, as reported by the service.
//
// The [Machine] holds a supervisor record and one sub-task record per roster
// entry. Updates replace the supervisor wholesale and move sub-tasks only
// along the edges idle → active → completed|error → idle. Invalid moves are
// logged and ignored. A [Simulator] produces the same updates locally for
// demos and tests.
package agentstate

import (
	"context"
	"log/slog"
	"sync"

	"github.com/MrWong99/voiceloop/internal/event"
	"github.com/MrWong99/voiceloop/internal/observe"
)

// Option configures a [Machine].
type Option func(*Machine)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// WithMetrics sets the metrics instance. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(mt *observe.Metrics) Option {
	return func(m *Machine) { m.metrics = mt }
}

// Machine is the agent activity state machine. It is purely reactive.
//
// All methods are safe for concurrent use. OnChange observers run on the
// goroutine that applied the change and must not call ApplyUpdate or Reset.
type Machine struct {
	roster  []Agent
	logger  *slog.Logger
	metrics *observe.Metrics

	// applyMu serialises state changes with their notifications so observers
	// see snapshots in order.
	applyMu sync.Mutex

	mu    sync.Mutex
	sup   Supervisor
	tasks map[string]SubTask

	changes *event.Emitter[Snapshot]
}

var _ Applier = (*Machine)(nil)

// New creates a Machine with every roster entry idle. An empty roster
// selects [DefaultRoster].
func New(roster []Agent, opts ...Option) *Machine {
	if len(roster) == 0 {
		roster = DefaultRoster()
	}
	m := &Machine{
		roster:  append([]Agent(nil), roster...),
		sup:     IdleSupervisor,
		tasks:   make(map[string]SubTask, len(roster)),
		changes: event.New[Snapshot]("agentstate.change"),
	}
	for _, o := range opts {
		o(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	for _, a := range m.roster {
		m.tasks[a.ID] = SubTask{ID: a.ID, Name: a.Name, Icon: a.Icon, Status: TaskIdle}
	}
	return m
}

// Roster returns the configured roster.
func (m *Machine) Roster() []Agent {
	return append([]Agent(nil), m.roster...)
}

// OnChange registers fn for the snapshot after every applied update or
// reset.
func (m *Machine) OnChange(fn func(Snapshot)) (unsubscribe func()) {
	return m.changes.Subscribe(fn)
}

// ApplyUpdate applies u and notifies observers.
//
// The supervisor record is replaced wholesale; an unrecognised supervisor
// status is logged and stored as idle. Listed sub-tasks take their name and
// icon from u and move to the listed status if that is a valid edge.
// Sub-tasks absent from u keep their record: the roster is fixed at New and
// the service always lists all of it, so keeping absent entries never
// diverges from a wholesale replace. When u reports the supervisor inactive
// and idle, listed sub-tasks may return to idle from any status, active
// included: that is how the service ends a cycle.
func (m *Machine) ApplyUpdate(u Update) ApplyResult {
	m.applyMu.Lock()
	defer m.applyMu.Unlock()

	var res ApplyResult
	sup := u.Supervisor
	if !sup.Status.IsValid() {
		m.logger.Warn("unknown supervisor status, treating as idle", "status", sup.Status)
		sup.Status = SupervisorIdle
	}
	endOfCycle := !sup.IsActive && sup.Status == SupervisorIdle

	m.mu.Lock()
	m.sup = sup
	for _, in := range u.SubTasks {
		cur, ok := m.tasks[in.ID]
		if !ok {
			res.Unknown = append(res.Unknown, in.ID)
			m.logger.Debug("ignoring unknown sub-task", "id", in.ID)
			continue
		}
		if in.Name != "" {
			cur.Name = in.Name
		}
		if in.Icon != "" {
			cur.Icon = in.Icon
		}

		switch {
		case in.Status == cur.Status:
		case in.Status.IsValid() && (CanTransition(cur.Status, in.Status) || (endOfCycle && in.Status == TaskIdle)):
			m.logger.Debug("sub-task transition", "id", in.ID, "from", cur.Status, "to", in.Status)
			cur.Status = in.Status
			res.Changed++
			m.metrics.RecordAgentTransition(context.Background(), true)
		default:
			res.Rejected = append(res.Rejected, in.ID)
			m.logger.Warn("rejected sub-task transition", "id", in.ID, "from", cur.Status, "to", in.Status)
			m.metrics.RecordAgentTransition(context.Background(), false)
		}
		m.tasks[in.ID] = cur
	}
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.changes.Emit(snap)
	return res
}

// Reset forces the supervisor and every sub-task to idle and notifies
// observers.
func (m *Machine) Reset() {
	m.applyMu.Lock()
	defer m.applyMu.Unlock()

	m.mu.Lock()
	m.sup = IdleSupervisor
	for id, t := range m.tasks {
		t.Status = TaskIdle
		m.tasks[id] = t
	}
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.logger.Debug("agent state reset")
	m.changes.Emit(snap)
}

// Snapshot returns a copy of the current state in roster order.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() Snapshot {
	s := Snapshot{Supervisor: m.sup, SubTasks: make([]SubTask, 0, len(m.roster))}
	for _, a := range m.roster {
		s.SubTasks = append(s.SubTasks, m.tasks[a.ID])
	}
	return s
}
