package penguin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// TaskState is an AgentTask's lifecycle position.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskPaused    TaskState = "paused"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
	TaskCancelled TaskState = "cancelled"
)

// terminal reports whether no further state transitions are possible.
func (s TaskState) terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// AgentTask is one scheduled background execution of an agent.
type AgentTask struct {
	AgentID   string            `json:"agent_id"`
	Prompt    string            `json:"prompt"`
	State     TaskState         `json:"state"`
	Result    *RunResult        `json:"result,omitempty"`
	Err       string            `json:"error,omitempty"`
	StartTime int64             `json:"start_time,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// TaskRunner executes one task against an agent. The Core wires this to
// Engine.RunTask.
type TaskRunner func(ctx context.Context, agent *Agent, prompt string) (RunResult, error)

// AgentResolver maps an agent id to its live Agent.
type AgentResolver func(agentID string) (*Agent, bool)

const defaultMaxConcurrent = 5

type taskEntry struct {
	task   AgentTask
	cancel context.CancelFunc
	done   chan struct{}
}

// Executor runs background agent tasks with a counted-semaphore cap.
// At most one active task per agent; tasks beyond the cap wait in
// Pending until a slot frees, FIFO on the semaphore.
type Executor struct {
	runner    TaskRunner
	resolve   AgentResolver
	sem       chan struct{}
	maxQueued int
	logger    *slog.Logger
	tracer    Tracer

	mu    sync.Mutex
	tasks map[string]*taskEntry
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithMaxConcurrent sets the parallel task cap (default 5).
func WithMaxConcurrent(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.sem = make(chan struct{}, n)
		}
	}
}

// WithMaxQueued bounds how many tasks may sit in Pending waiting for a
// slot. Zero, the default, queues without bound; past the bound Spawn
// fails fast with RESOURCE_EXHAUSTED instead of queueing.
func WithMaxQueued(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.maxQueued = n
		}
	}
}

// WithExecutorLogger sets the structured logger.
func WithExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithExecutorTracer sets the tracer spanning each task.
func WithExecutorTracer(t Tracer) ExecutorOption {
	return func(e *Executor) {
		if t != nil {
			e.tracer = t
		}
	}
}

// NewExecutor creates an executor. resolve looks up agents at spawn
// time; runner performs the actual engine invocation.
func NewExecutor(resolve AgentResolver, runner TaskRunner, opts ...ExecutorOption) *Executor {
	e := &Executor{
		runner:  runner,
		resolve: resolve,
		sem:     make(chan struct{}, defaultMaxConcurrent),
		logger:  nopLogger,
		tracer:  NopTracer{},
		tasks:   make(map[string]*taskEntry),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Spawn schedules a background task for agentID. It errors when the
// agent is unknown or already has an active task.
func (e *Executor) Spawn(agentID, prompt string, metadata map[string]string) error {
	agent, ok := e.resolve(agentID)
	if !ok {
		return ErrAgentNotFound(agentID)
	}

	e.mu.Lock()
	if entry, exists := e.tasks[agentID]; exists && !entry.task.State.terminal() {
		e.mu.Unlock()
		return fmt.Errorf("agent %s already has an active task", agentID)
	}
	if e.maxQueued > 0 {
		var pending int
		for _, en := range e.tasks {
			if en.task.State == TaskPending {
				pending++
			}
		}
		if pending >= e.maxQueued {
			e.mu.Unlock()
			return ErrResourceExhausted("task queue")
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	entry := &taskEntry{
		task: AgentTask{
			AgentID:  agentID,
			Prompt:   prompt,
			State:    TaskPending,
			Metadata: metadata,
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	e.tasks[agentID] = entry
	e.mu.Unlock()

	go e.execute(ctx, agent, entry)
	return nil
}

// SpawnMany batch-spawns; the first error aborts the remainder.
func (e *Executor) SpawnMany(specs []AgentTask) error {
	for _, s := range specs {
		if err := e.Spawn(s.AgentID, s.Prompt, s.Metadata); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) execute(ctx context.Context, agent *Agent, entry *taskEntry) {
	defer close(entry.done)

	// pending until a slot frees; cancellation is honored while waiting
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		e.setState(entry, TaskCancelled, nil, "")
		return
	}
	defer func() { <-e.sem }()

	if ctx.Err() != nil {
		e.setState(entry, TaskCancelled, nil, "")
		return
	}

	ctx, span := e.tracer.Start(ctx, "executor.task",
		StringAttr("agent.id", agent.ID()))
	defer span.End()

	e.mu.Lock()
	entry.task.State = TaskRunning
	entry.task.StartTime = NowMillis()
	e.mu.Unlock()

	e.logger.Info("task started", "agent", agent.ID())
	result, err := e.runner(ctx, agent, entry.task.Prompt)
	switch {
	case err != nil:
		span.Error(err)
		e.logger.Warn("task failed", "agent", agent.ID(), "error", err)
		e.setState(entry, TaskFailed, &result, err.Error())
	case result.Reason == CompletionCancelled:
		e.setState(entry, TaskCancelled, &result, "")
	default:
		e.logger.Info("task completed",
			"agent", agent.ID(), "reason", result.Reason, "iterations", result.Iterations)
		e.setState(entry, TaskCompleted, &result, "")
	}
}

func (e *Executor) setState(entry *taskEntry, s TaskState, res *RunResult, errMsg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry.task.State = s
	entry.task.Result = res
	entry.task.Err = errMsg
}

// WaitFor blocks until the agent's task reaches a terminal state, or
// the timeout elapses. Zero timeout waits indefinitely.
func (e *Executor) WaitFor(agentID string, timeout time.Duration) (AgentTask, error) {
	e.mu.Lock()
	entry, ok := e.tasks[agentID]
	e.mu.Unlock()
	if !ok {
		return AgentTask{}, fmt.Errorf("no task for agent %s", agentID)
	}

	if timeout > 0 {
		select {
		case <-entry.done:
		case <-time.After(timeout):
			return e.snapshot(entry), fmt.Errorf("timed out waiting for agent %s", agentID)
		}
	} else {
		<-entry.done
	}
	return e.snapshot(entry), nil
}

// WaitForAll waits for the given agents, or every tracked agent when
// ids is empty. Returns the terminal task states keyed by agent id.
func (e *Executor) WaitForAll(ids []string, timeout time.Duration) (map[string]AgentTask, error) {
	if len(ids) == 0 {
		e.mu.Lock()
		for id := range e.tasks {
			ids = append(ids, id)
		}
		e.mu.Unlock()
	}

	deadline := time.Now().Add(timeout)
	out := make(map[string]AgentTask, len(ids))
	for _, id := range ids {
		remaining := time.Duration(0)
		if timeout > 0 {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				return out, fmt.Errorf("timed out waiting for remaining agents")
			}
		}
		task, err := e.WaitFor(id, remaining)
		if err != nil {
			return out, err
		}
		out[id] = task
	}
	return out, nil
}

// Pause requests a cooperative pause; the engine holds at its next
// suspension point.
func (e *Executor) Pause(agentID string) error {
	agent, ok := e.resolve(agentID)
	if !ok {
		return ErrAgentNotFound(agentID)
	}
	agent.SetPaused(true)
	e.mu.Lock()
	if entry, ok := e.tasks[agentID]; ok && entry.task.State == TaskRunning {
		entry.task.State = TaskPaused
	}
	e.mu.Unlock()
	return nil
}

// Resume lifts a pause.
func (e *Executor) Resume(agentID string) error {
	agent, ok := e.resolve(agentID)
	if !ok {
		return ErrAgentNotFound(agentID)
	}
	agent.SetPaused(false)
	e.mu.Lock()
	if entry, ok := e.tasks[agentID]; ok && entry.task.State == TaskPaused {
		entry.task.State = TaskRunning
	}
	e.mu.Unlock()
	return nil
}

// Cancel fires the task's cancellation; termination happens at the
// engine's next suspension point.
func (e *Executor) Cancel(agentID string) error {
	e.mu.Lock()
	entry, ok := e.tasks[agentID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("no task for agent %s", agentID)
	}
	entry.cancel()
	return nil
}

// CancelAll cancels every non-terminal task.
func (e *Executor) CancelAll() {
	e.mu.Lock()
	entries := make([]*taskEntry, 0, len(e.tasks))
	for _, entry := range e.tasks {
		if !entry.task.State.terminal() {
			entries = append(entries, entry)
		}
	}
	e.mu.Unlock()
	for _, entry := range entries {
		entry.cancel()
	}
}

// Status returns the task snapshot for one agent.
func (e *Executor) Status(agentID string) (AgentTask, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.tasks[agentID]
	if !ok {
		return AgentTask{}, false
	}
	return entry.task, true
}

// StatusAll returns snapshots for every tracked task.
func (e *Executor) StatusAll() map[string]AgentTask {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]AgentTask, len(e.tasks))
	for id, entry := range e.tasks {
		out[id] = entry.task
	}
	return out
}

// Cleanup removes a terminal task from tracking. Non-terminal tasks
// are refused: cancel or wait first.
func (e *Executor) Cleanup(agentID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.tasks[agentID]
	if !ok {
		return fmt.Errorf("no task for agent %s", agentID)
	}
	if !entry.task.State.terminal() {
		return fmt.Errorf("task for agent %s is %s, not terminal", agentID, entry.task.State)
	}
	delete(e.tasks, agentID)
	return nil
}

// Running returns the number of tasks currently holding a slot.
func (e *Executor) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	var n int
	for _, entry := range e.tasks {
		if entry.task.State == TaskRunning || entry.task.State == TaskPaused {
			n++
		}
	}
	return n
}

// Capacity returns (max, active) slot counts.
func (e *Executor) Capacity() (int, int) {
	return cap(e.sem), len(e.sem)
}

func (e *Executor) snapshot(entry *taskEntry) AgentTask {
	e.mu.Lock()
	defer e.mu.Unlock()
	return entry.task
}
