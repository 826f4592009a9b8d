package agentstate

import (
	"context"
	"slices"

	"github.com/MrWong99/voiceloop/pkg/protocol"
)

// SupervisorStatus is the coarse activity of the supervising agent.
type SupervisorStatus string

const (
	SupervisorIdle      SupervisorStatus = "idle"
	SupervisorAnalyzing SupervisorStatus = "analyzing"
	SupervisorExecuting SupervisorStatus = "executing"
)

// IsValid reports whether s is a known supervisor status.
func (s SupervisorStatus) IsValid() bool {
	switch s {
	case SupervisorIdle, SupervisorAnalyzing, SupervisorExecuting:
		return true
	}
	return false
}

// TaskStatus is the status of one delegated sub-task.
type TaskStatus string

const (
	TaskIdle      TaskStatus = "idle"
	TaskActive    TaskStatus = "active"
	TaskCompleted TaskStatus = "completed"
	TaskError     TaskStatus = "error"
)

// IsValid reports whether s is a known sub-task status.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskIdle, TaskActive, TaskCompleted, TaskError:
		return true
	}
	return false
}

// edges lists the permitted sub-task transitions besides staying put.
var edges = map[TaskStatus][]TaskStatus{
	TaskIdle:      {TaskActive},
	TaskActive:    {TaskCompleted, TaskError},
	TaskCompleted: {TaskIdle},
	TaskError:     {TaskIdle},
}

// CanTransition reports whether a sub-task may move from one status to
// another. Resending the current status is always allowed.
func CanTransition(from, to TaskStatus) bool {
	if from == to {
		return from.IsValid()
	}
	return slices.Contains(edges[from], to)
}

// Supervisor is the supervising agent's record. An empty CurrentTask means
// no task.
type Supervisor struct {
	IsActive    bool
	CurrentTask string
	Status      SupervisorStatus
}

// IdleSupervisor is the record after a reset.
var IdleSupervisor = Supervisor{Status: SupervisorIdle}

// Agent is a roster entry: one sub-task slot the UI shows.
type Agent struct {
	ID   string
	Name string
	Icon string
}

// DefaultRoster returns the four standard sub-agents.
func DefaultRoster() []Agent {
	return []Agent{
		{ID: "email", Name: "Email Agent", Icon: "📧"},
		{ID: "calendar", Name: "Calendar Agent", Icon: "📅"},
		{ID: "notes", Name: "Notes Agent", Icon: "📝"},
		{ID: "research", Name: "Research Agent", Icon: "🔍"},
	}
}

// SubTask is one sub-task record.
type SubTask struct {
	ID     string
	Name   string
	Icon   string
	Status TaskStatus
}

// Snapshot is an immutable copy of the machine state. SubTasks are in roster
// order.
type Snapshot struct {
	Supervisor Supervisor
	SubTasks   []SubTask
}

// SubTask returns the record for id.
func (s Snapshot) SubTask(id string) (SubTask, bool) {
	for _, t := range s.SubTasks {
		if t.ID == id {
			return t, true
		}
	}
	return SubTask{}, false
}

// AllIdle reports whether the supervisor and every sub-task are idle.
func (s Snapshot) AllIdle() bool {
	if s.Supervisor != IdleSupervisor {
		return false
	}
	for _, t := range s.SubTasks {
		if t.Status != TaskIdle {
			return false
		}
	}
	return true
}

// Update is one full agent-activity report.
type Update struct {
	Supervisor Supervisor
	SubTasks   []SubTask
}

// ApplyResult summarises what [Machine.ApplyUpdate] did with an update.
type ApplyResult struct {
	// Changed counts sub-tasks whose status moved.
	Changed int

	// Rejected lists sub-task ids whose status change was not a valid edge.
	Rejected []string

	// Unknown lists sub-task ids not in the roster.
	Unknown []string
}

// Applier consumes updates. [Machine] is the only production implementation.
type Applier interface {
	ApplyUpdate(u Update) ApplyResult
}

// Source produces updates until ctx is done.
type Source interface {
	Run(ctx context.Context, a Applier) error
}

// FromWire converts an agent_update message.
func FromWire(u protocol.AgentUpdate) Update {
	out := Update{
		Supervisor: Supervisor{
			IsActive:    u.AgentInLoop.IsActive,
			CurrentTask: u.AgentInLoop.CurrentTask,
			Status:      SupervisorStatus(u.AgentInLoop.Status),
		},
		SubTasks: make([]SubTask, 0, len(u.SubAgents)),
	}
	for _, a := range u.SubAgents {
		out.SubTasks = append(out.SubTasks, SubTask{
			ID:     a.ID,
			Name:   a.Name,
			Icon:   a.Icon,
			Status: TaskStatus(a.Status),
		})
	}
	return out
}

// ToWire converts a snapshot into the agent_update wire form.
func (s Snapshot) ToWire() protocol.AgentUpdate {
	out := protocol.AgentUpdate{
		AgentInLoop: protocol.Supervisor{
			IsActive:    s.Supervisor.IsActive,
			CurrentTask: s.Supervisor.CurrentTask,
			Status:      string(s.Supervisor.Status),
		},
		SubAgents: make([]protocol.SubAgent, 0, len(s.SubTasks)),
	}
	for _, t := range s.SubTasks {
		out.SubAgents = append(out.SubAgents, protocol.SubAgent{
			ID:     t.ID,
			Name:   t.Name,
			Status: string(t.Status),
			Icon:   t.Icon,
		})
	}
	return out
}
