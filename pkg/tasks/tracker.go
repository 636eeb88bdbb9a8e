// Package tasks keeps the client-side view of sub-agent tasks and MCP tool
// calls, built from task.* and mcp.call.* events.
package tasks

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jg-phare/tether/pkg/clock"
	"github.com/jg-phare/tether/pkg/events"
)

// DefaultRetention is how long finished tasks and calls stay visible.
const DefaultRetention = 30 * time.Second

// Status is the lifecycle phase of a task.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// StartedData is the task.started payload.
type StartedData struct {
	SessionID   string `json:"sessionID"`
	TaskID      string `json:"taskID"`
	AgentName   string `json:"agentName"`
	Description string `json:"taskDescription"`
	Timestamp   int64  `json:"timestamp"`
}

// ProgressData is the task.progress payload.
type ProgressData struct {
	SessionID       string `json:"sessionID"`
	TaskID          string `json:"taskID"`
	Progress        int    `json:"progress"`
	Message         string `json:"message,omitempty"`
	Timestamp       int64  `json:"timestamp"`
	StartTime       int64  `json:"startTime,omitempty"`
	Phase           string `json:"phase,omitempty"`
	CurrentTool     string `json:"currentTool,omitempty"`
	ToolDescription string `json:"toolDescription,omitempty"`
}

// CompletedData is the task.completed payload.
type CompletedData struct {
	SessionID string `json:"sessionID"`
	TaskID    string `json:"taskID"`
	Duration  int64  `json:"duration"`
	Success   bool   `json:"success"`
	Summary   string `json:"summary,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// FailedData is the task.failed payload.
type FailedData struct {
	SessionID   string `json:"sessionID"`
	TaskID      string `json:"taskID"`
	Error       string `json:"error"`
	Recoverable bool   `json:"recoverable"`
	Timestamp   int64  `json:"timestamp"`
}

// Task is the tracked state of one sub-agent task.
type Task struct {
	ID          string        `json:"id" yaml:"id"`
	SessionID   string        `json:"sessionID" yaml:"sessionID"`
	AgentName   string        `json:"agentName,omitempty" yaml:"agentName,omitempty"`
	AgentNumber int           `json:"agentNumber" yaml:"agentNumber"`
	Description string        `json:"description,omitempty" yaml:"description,omitempty"`
	Status      Status        `json:"status" yaml:"status"`
	Progress    int           `json:"progress" yaml:"progress"`
	Phase       string        `json:"phase,omitempty" yaml:"phase,omitempty"`
	CurrentTool string        `json:"currentTool,omitempty" yaml:"currentTool,omitempty"`
	Message     string        `json:"message,omitempty" yaml:"message,omitempty"`
	Summary     string        `json:"summary,omitempty" yaml:"summary,omitempty"`
	Error       string        `json:"error,omitempty" yaml:"error,omitempty"`
	Recoverable bool          `json:"recoverable,omitempty" yaml:"recoverable,omitempty"`
	StartTime   time.Time     `json:"startTime" yaml:"startTime"`
	Duration    time.Duration `json:"duration" yaml:"duration"`

	finishedAt time.Time
}

// Call is the tracked state of one MCP tool call.
type Call struct {
	ID        string               `json:"id" yaml:"id"`
	Server    string               `json:"server,omitempty" yaml:"server,omitempty"`
	Method    string               `json:"method,omitempty" yaml:"method,omitempty"`
	SessionID string               `json:"sessionID,omitempty" yaml:"sessionID,omitempty"`
	Status    events.MCPCallStatus `json:"status" yaml:"status"`
	Message   string               `json:"message,omitempty" yaml:"message,omitempty"`
	Error     string               `json:"error,omitempty" yaml:"error,omitempty"`
	StartTime time.Time            `json:"startTime" yaml:"startTime"`
	Duration  time.Duration        `json:"duration" yaml:"duration"`

	finishedAt time.Time
}

// Tracker owns the task, call and agent-counter maps for one connection.
// It is a queue handler for task.* and mcp.call.* events.
type Tracker struct {
	clock     clock.Clock
	logger    *zap.Logger
	retention time.Duration

	mu            sync.RWMutex
	tasks         map[string]*Task
	calls         map[string]*Call
	agentCounters map[string]int
}

// NewTracker creates an empty Tracker. A non-positive retention uses
// DefaultRetention.
func NewTracker(c clock.Clock, logger *zap.Logger, retention time.Duration) *Tracker {
	if c == nil {
		c = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Tracker{
		clock:         c,
		logger:        logger.Named("tasks"),
		retention:     retention,
		tasks:         make(map[string]*Task),
		calls:         make(map[string]*Call),
		agentCounters: make(map[string]int),
	}
}

// Name identifies the tracker in queue logs.
func (t *Tracker) Name() string { return "tasks" }

// HandleEvent applies one event. Payloads that do not decode are logged and
// skipped; redelivery would not fix them.
func (t *Tracker) HandleEvent(_ context.Context, ev events.Event) error {
	var err error
	switch {
	case ev.Kind == events.KindTaskStarted:
		var d StartedData
		if err = ev.Decode(&d); err == nil {
			t.started(d)
		}
	case ev.Kind == events.KindTaskProgress:
		var d ProgressData
		if err = ev.Decode(&d); err == nil {
			t.progress(d)
		}
	case ev.Kind == events.KindTaskCompleted:
		var d CompletedData
		if err = ev.Decode(&d); err == nil {
			t.completed(d)
		}
	case ev.Kind == events.KindTaskFailed:
		var d FailedData
		if err = ev.Decode(&d); err == nil {
			t.failed(d)
		}
	case events.IsMCP(ev.Kind):
		var d events.MCPCallData
		if d, err = events.DecodeMCPCall(ev); err == nil {
			t.call(ev.Kind, d)
		}
	default:
		return nil
	}

	if err != nil {
		t.logger.Warn("Skipping undecodable payload",
			zap.String("kind", ev.Kind),
			zap.String("id", ev.ID),
			zap.Error(err),
		)
	}
	t.Prune()
	return nil
}

func (t *Tracker) started(d StartedData) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.agentCounters[d.SessionID]++
	t.tasks[d.TaskID] = &Task{
		ID:          d.TaskID,
		SessionID:   d.SessionID,
		AgentName:   d.AgentName,
		AgentNumber: t.agentCounters[d.SessionID],
		Description: d.Description,
		Status:      StatusRunning,
		StartTime:   fromMillis(d.Timestamp, t.clock.Now()),
	}
	t.logger.Debug("Task started",
		zap.String("task_id", d.TaskID),
		zap.String("session_id", d.SessionID),
	)
}

func (t *Tracker) progress(d ProgressData) {
	t.mu.Lock()
	defer t.mu.Unlock()

	task, ok := t.tasks[d.TaskID]
	if !ok {
		return
	}
	task.Progress = d.Progress
	task.Message = d.Message
	task.Phase = d.Phase
	task.CurrentTool = d.CurrentTool
	if d.StartTime > 0 {
		task.StartTime = time.UnixMilli(d.StartTime)
	}
	task.Duration = t.clock.Now().Sub(task.StartTime)
}

func (t *Tracker) completed(d CompletedData) {
	t.mu.Lock()
	defer t.mu.Unlock()

	task, ok := t.tasks[d.TaskID]
	if !ok {
		return
	}
	task.Status = StatusCompleted
	if !d.Success {
		task.Status = StatusFailed
	}
	task.Progress = 100
	task.Summary = d.Summary
	task.Duration = time.Duration(d.Duration) * time.Millisecond
	task.finishedAt = t.clock.Now()
}

func (t *Tracker) failed(d FailedData) {
	t.mu.Lock()
	defer t.mu.Unlock()

	task, ok := t.tasks[d.TaskID]
	if !ok {
		return
	}
	task.Status = StatusFailed
	task.Error = d.Error
	task.Recoverable = d.Recoverable
	task.finishedAt = t.clock.Now()
}

func (t *Tracker) call(kind string, d events.MCPCallData) {
	status, ok := events.MCPStatusFor(kind)
	if !ok || d.ID == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.calls[d.ID]
	if !ok {
		c = &Call{ID: d.ID, StartTime: fromMillis(d.Timestamp, t.clock.Now())}
		t.calls[d.ID] = c
	}
	if d.Server != "" {
		c.Server = d.Server
	}
	if d.Method != "" {
		c.Method = d.Method
	}
	if d.SessionID != "" {
		c.SessionID = d.SessionID
	}
	c.Status = status
	c.Message = d.Message
	c.Error = d.Error
	if d.Duration > 0 {
		c.Duration = time.Duration(d.Duration) * time.Millisecond
	}
	if status != events.MCPCallRunning {
		c.finishedAt = t.clock.Now()
	}
}

// Prune drops finished tasks and calls older than the retention window.
func (t *Tracker) Prune() {
	cutoff := t.clock.Now().Add(-t.retention)

	t.mu.Lock()
	defer t.mu.Unlock()
	for id, task := range t.tasks {
		if !task.finishedAt.IsZero() && task.finishedAt.Before(cutoff) {
			delete(t.tasks, id)
		}
	}
	for id, c := range t.calls {
		if !c.finishedAt.IsZero() && c.finishedAt.Before(cutoff) {
			delete(t.calls, id)
		}
	}
}

// Get returns a copy of the task.
func (t *Tracker) Get(taskID string) (Task, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	task, ok := t.tasks[taskID]
	if !ok {
		return Task{}, false
	}
	return *task, true
}

// Tasks returns copies of the tracked tasks of sessionID (all sessions when
// empty), oldest first.
func (t *Tracker) Tasks(sessionID string) []Task {
	t.mu.RLock()
	out := make([]Task, 0, len(t.tasks))
	for _, task := range t.tasks {
		if sessionID == "" || task.SessionID == sessionID {
			out = append(out, *task)
		}
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].AgentNumber < out[j].AgentNumber
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// Calls returns copies of the tracked MCP calls, oldest first.
func (t *Tracker) Calls() []Call {
	t.mu.RLock()
	out := make([]Call, 0, len(t.calls))
	for _, c := range t.calls {
		out = append(out, *c)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// Running returns the number of tasks still running.
func (t *Tracker) Running() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, task := range t.tasks {
		if task.Status == StatusRunning {
			n++
		}
	}
	return n
}

// ResetAgentCounter restarts agent numbering for sessionID.
func (t *Tracker) ResetAgentCounter(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.agentCounters, sessionID)
}

func fromMillis(ms int64, fallback time.Time) time.Time {
	if ms <= 0 {
		return fallback
	}
	return time.UnixMilli(ms)
}
