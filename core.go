package penguin

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"
)

// DefaultAgentID names the agent created at startup. It always exists
// and cannot be deleted.
const DefaultAgentID = "default"

// Core is the composition root. It exclusively owns the agent
// registry and the Executor, and shares the bus, tool registry, and
// snapshot store across agents.
type Core struct {
	engine    *Engine
	executor  *Executor
	bus       *MessageBus
	registry  *ToolRegistry
	snapshots SnapshotStore
	binding   ModelBinding
	window    func() *ContextWindow
	logger    *slog.Logger
	tracer    Tracer
	startedAt time.Time

	maxIterations int
	maxTasks      int
	maxQueued     int

	mu       sync.RWMutex
	agents   map[string]*Agent
	children map[string][]string

	metrics coreMetrics
}

// CoreOption configures a Core.
type CoreOption func(*Core)

// WithCoreLogger sets the structured logger.
func WithCoreLogger(l *slog.Logger) CoreOption {
	return func(c *Core) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithCoreTracer sets the tracer.
func WithCoreTracer(t Tracer) CoreOption {
	return func(c *Core) {
		if t != nil {
			c.tracer = t
		}
	}
}

// WithCoreSnapshotStore overrides the in-memory snapshot store.
func WithCoreSnapshotStore(s SnapshotStore) CoreOption {
	return func(c *Core) {
		if s != nil {
			c.snapshots = s
		}
	}
}

// WithWindowFactory supplies the per-agent context window builder.
func WithWindowFactory(f func() *ContextWindow) CoreOption {
	return func(c *Core) {
		if f != nil {
			c.window = f
		}
	}
}

// WithCoreMaxIterations caps the engine's reason/act iterations per run.
func WithCoreMaxIterations(n int) CoreOption {
	return func(c *Core) {
		if n > 0 {
			c.maxIterations = n
		}
	}
}

// WithCoreMaxTasks caps concurrently running background tasks.
func WithCoreMaxTasks(n int) CoreOption {
	return func(c *Core) {
		if n > 0 {
			c.maxTasks = n
		}
	}
}

// WithCoreMaxQueued bounds the background task queue; zero queues
// without bound.
func WithCoreMaxQueued(n int) CoreOption {
	return func(c *Core) {
		if n > 0 {
			c.maxQueued = n
		}
	}
}

// CreateAgentOptions shape a new agent.
type CreateAgentOptions struct {
	Binding  *ModelBinding // nil inherits the core default
	Persona  string
	ParentID string
}

// NewCore wires the full runtime: engine, executor, bus, registries,
// and the default agent.
func NewCore(provider Provider, dispatcher *Dispatcher, registry *ToolRegistry, binding ModelBinding, opts ...CoreOption) *Core {
	c := &Core{
		registry:  registry,
		snapshots: NewMemorySnapshotStore(),
		binding:   binding,
		window:    func() *ContextWindow { return NewContextWindow(defaultWindowTokens) },
		logger:    nopLogger,
		tracer:    NopTracer{},
		startedAt: time.Now(),
		agents:    make(map[string]*Agent),
		children:  make(map[string][]string),
	}
	for _, opt := range opts {
		opt(c)
	}

	engineOpts := []EngineOption{
		WithEngineLogger(c.logger),
		WithEngineTracer(c.tracer),
		WithSnapshotting(c.snapshots),
	}
	if c.maxIterations > 0 {
		engineOpts = append(engineOpts, WithMaxIterations(c.maxIterations))
	}
	c.engine = NewEngine(provider, dispatcher, registry, engineOpts...)

	executorOpts := []ExecutorOption{
		WithExecutorLogger(c.logger),
		WithExecutorTracer(c.tracer),
	}
	if c.maxTasks > 0 {
		executorOpts = append(executorOpts, WithMaxConcurrent(c.maxTasks))
	}
	if c.maxQueued > 0 {
		executorOpts = append(executorOpts, WithMaxQueued(c.maxQueued))
	}
	c.executor = NewExecutor(c.lookupAgent, c.runTask, executorOpts...)
	c.bus = NewMessageBus(c.lookupAgent, WithBusLogger(c.logger))

	c.agents[DefaultAgentID] = NewAgent(DefaultAgentID, binding, c.window())
	return c
}

const defaultWindowTokens = 128_000

func (c *Core) lookupAgent(id string) (*Agent, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.agents[id]
	return a, ok
}

func (c *Core) runTask(ctx context.Context, agent *Agent, prompt string) (RunResult, error) {
	start := time.Now()
	result, err := c.engine.RunTask(ctx, agent, prompt, RunOptions{})
	c.metrics.recordTask(time.Since(start), err)
	return result, err
}

// Bus returns the shared message bus.
func (c *Core) Bus() *MessageBus { return c.bus }

// Snapshots returns the shared snapshot store.
func (c *Core) Snapshots() SnapshotStore { return c.snapshots }

// CreateAgent registers a new agent. The id must be unused and the
// parent, when named, must exist.
func (c *Core) CreateAgent(id string, opts CreateAgentOptions) (AgentProfile, error) {
	if id == "" {
		return AgentProfile{}, fmt.Errorf("agent id must not be empty")
	}
	binding := c.binding
	if opts.Binding != nil {
		binding = *opts.Binding
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.agents[id]; exists {
		return AgentProfile{}, fmt.Errorf("agent %s already exists", id)
	}
	if opts.ParentID != "" {
		if _, ok := c.agents[opts.ParentID]; !ok {
			return AgentProfile{}, ErrAgentNotFound(opts.ParentID)
		}
	}

	var agentOpts []AgentOption
	if opts.Persona != "" {
		agentOpts = append(agentOpts, WithPersona(opts.Persona))
	}
	if opts.ParentID != "" {
		agentOpts = append(agentOpts, WithParent(opts.ParentID))
	}
	agent := NewAgent(id, binding, c.window(), agentOpts...)
	c.agents[id] = agent
	if opts.ParentID != "" {
		c.children[opts.ParentID] = append(c.children[opts.ParentID], id)
	}
	c.logger.Info("agent created", "agent", id, "parent", opts.ParentID)
	return agent.Profile(), nil
}

// DeleteAgent removes an agent. The default agent is refused. With
// preserveSession the live session is archived to the snapshot store
// first. Children of the deleted agent become roots.
func (c *Core) DeleteAgent(id string, preserveSession bool) error {
	if id == DefaultAgentID {
		return fmt.Errorf("the default agent cannot be deleted")
	}

	c.mu.Lock()
	agent, ok := c.agents[id]
	c.mu.Unlock()
	if !ok {
		return ErrAgentNotFound(id)
	}

	if task, tracked := c.executor.Status(id); tracked && !task.State.terminal() {
		if err := c.executor.Cancel(id); err == nil {
			c.executor.WaitFor(id, 5*time.Second)
		}
	}
	if preserveSession {
		if _, err := agent.Conversation().NewSession(c.snapshots); err != nil {
			return fmt.Errorf("archive session for %s: %w", id, err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.agents, id)
	if parent := agent.ParentID(); parent != "" {
		kept := c.children[parent][:0]
		for _, child := range c.children[parent] {
			if child != id {
				kept = append(kept, child)
			}
		}
		c.children[parent] = kept
	}
	// promoted children must not report a parent that no longer exists
	for _, child := range c.children[id] {
		if ca, ok := c.agents[child]; ok {
			ca.setParent("")
		}
	}
	delete(c.children, id)
	c.logger.Info("agent deleted", "agent", id, "session_preserved", preserveSession)
	return nil
}

// PauseAgent holds the agent at its next suspension point.
func (c *Core) PauseAgent(id string) error { return c.executor.Pause(id) }

// ResumeAgent lifts a pause.
func (c *Core) ResumeAgent(id string) error { return c.executor.Resume(id) }

// ListAgents returns profiles sorted by id.
func (c *Core) ListAgents() []AgentProfile {
	c.mu.RLock()
	agents := make([]*Agent, 0, len(c.agents))
	for _, a := range c.agents {
		agents = append(agents, a)
	}
	c.mu.RUnlock()

	sort.Slice(agents, func(i, j int) bool { return agents[i].ID() < agents[j].ID() })
	out := make([]AgentProfile, len(agents))
	for i, a := range agents {
		out[i] = a.Profile()
	}
	return out
}

// GetAgentProfile returns one agent's summary.
func (c *Core) GetAgentProfile(id string) (AgentProfile, error) {
	agent, ok := c.lookupAgent(id)
	if !ok {
		return AgentProfile{}, ErrAgentNotFound(id)
	}
	return agent.Profile(), nil
}

// Children returns the ids of an agent's direct sub-agents.
func (c *Core) Children(id string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.children[id]))
	copy(out, c.children[id])
	return out
}

// ListSessions returns archived session snapshots for an agent,
// newest first.
func (c *Core) ListSessions(agentID string) ([]SnapshotDescriptor, error) {
	if _, ok := c.lookupAgent(agentID); !ok {
		return nil, ErrAgentNotFound(agentID)
	}
	return c.listByLabel(agentID, "session-archive")
}

// ListCheckpoints returns all stored snapshots for an agent, newest
// first, regardless of how they were taken.
func (c *Core) ListCheckpoints(agentID string) ([]SnapshotDescriptor, error) {
	if _, ok := c.lookupAgent(agentID); !ok {
		return nil, ErrAgentNotFound(agentID)
	}
	return c.listByLabel(agentID, "")
}

func (c *Core) listByLabel(agentID, name string) ([]SnapshotDescriptor, error) {
	all, err := c.snapshots.List(0, 0)
	if err != nil {
		return nil, err
	}
	var out []SnapshotDescriptor
	for _, d := range all {
		if d.Meta.Labels["agent_id"] != agentID {
			continue
		}
		if name != "" && d.Meta.Name != name {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// NewSession archives the agent's live session and starts a fresh one.
// Returns the archive snapshot id.
func (c *Core) NewSession(agentID string) (string, error) {
	agent, ok := c.lookupAgent(agentID)
	if !ok {
		return "", ErrAgentNotFound(agentID)
	}
	return agent.Conversation().NewSession(c.snapshots)
}

// LoadSession restores an archived session into the agent. sessionID
// may be a session id (matched against archive labels) or a snapshot
// id directly.
func (c *Core) LoadSession(agentID, sessionID string) error {
	agent, ok := c.lookupAgent(agentID)
	if !ok {
		return ErrAgentNotFound(agentID)
	}

	snapshotID := sessionID
	if descs, err := c.listByLabel(agentID, ""); err == nil {
		for _, d := range descs {
			if d.Meta.Labels["session_id"] == sessionID {
				snapshotID = d.ID
				break
			}
		}
	}
	blob, err := c.snapshots.Restore(snapshotID)
	if err != nil {
		return err
	}
	if blob == nil {
		return fmt.Errorf("session %s not found for agent %s", sessionID, agentID)
	}
	return agent.Conversation().RestoreState(blob)
}

// BranchSession creates a branch of a stored snapshot and loads it
// into the agent as its live conversation. Returns the branch
// snapshot id.
func (c *Core) BranchSession(agentID, snapshotID string) (string, error) {
	agent, ok := c.lookupAgent(agentID)
	if !ok {
		return "", ErrAgentNotFound(agentID)
	}
	conv, branchID, err := BranchFrom(c.snapshots, snapshotID, agent.Conversation().Window(),
		WithConversationLogger(c.logger))
	if err != nil {
		return "", err
	}
	agent.swapConversation(conv)
	return branchID, nil
}

// Process runs one chat turn against an agent, optionally streaming
// events through sink.
func (c *Core) Process(ctx context.Context, agentID, input string, sink EventSink) (RunResult, error) {
	agent, ok := c.lookupAgent(agentID)
	if !ok {
		return RunResult{}, ErrAgentNotFound(agentID)
	}
	start := time.Now()
	result, err := c.engine.RunResponse(ctx, agent, input, RunOptions{Sink: sink})
	c.metrics.recordRequest(time.Since(start), err)
	return result, err
}

// StreamChat runs a chat turn and yields the stream events on a
// channel. The channel closes when the run terminates; the returned
// function reports the final result once the channel is closed.
func (c *Core) StreamChat(ctx context.Context, agentID, input string) (<-chan StreamEvent, func() (RunResult, error), error) {
	if _, ok := c.lookupAgent(agentID); !ok {
		return nil, nil, ErrAgentNotFound(agentID)
	}

	events := make(chan StreamEvent, 64)
	var (
		result RunResult
		err    error
		done   = make(chan struct{})
	)
	go func() {
		defer close(done)
		defer close(events)
		result, err = c.Process(ctx, agentID, input, func(ev StreamEvent) {
			select {
			case events <- ev:
			case <-ctx.Done():
			}
		})
	}()
	wait := func() (RunResult, error) {
		<-done
		return result, err
	}
	return events, wait, nil
}

// RunTask schedules a background task on an agent through the
// executor.
func (c *Core) RunTask(agentID, prompt string, metadata map[string]string) error {
	return c.executor.Spawn(agentID, prompt, metadata)
}

// WaitForTask blocks until the agent's task is terminal.
func (c *Core) WaitForTask(agentID string, timeout time.Duration) (AgentTask, error) {
	return c.executor.WaitFor(agentID, timeout)
}

// TaskStatusFor returns the agent's task snapshot.
func (c *Core) TaskStatusFor(agentID string) (AgentTask, bool) {
	return c.executor.Status(agentID)
}

// CancelTask cancels the agent's active task.
func (c *Core) CancelTask(agentID string) error {
	return c.executor.Cancel(agentID)
}

// SendBusMessage publishes an inter-agent message.
func (c *Core) SendBusMessage(sender, recipient, content, channel string, kind BusKind) error {
	return c.bus.Publish(BusMessage{
		Sender:    sender,
		Recipient: recipient,
		Content:   content,
		Channel:   channel,
		Kind:      kind,
	})
}

// Shutdown cancels every running task and waits for them to settle.
func (c *Core) Shutdown(timeout time.Duration) {
	c.executor.CancelAll()
	c.executor.WaitForAll(nil, timeout)
}

// HealthStatus is the health endpoint payload.
type HealthStatus struct {
	Status        string             `json:"status"`
	UptimeSeconds float64            `json:"uptime"`
	Resources     ResourceUsage      `json:"resource_usage"`
	Capacity      AgentCapacity      `json:"agent_capacity"`
	Metrics       PerformanceMetrics `json:"performance_metrics"`
}

// ResourceUsage reports process-level resource consumption.
type ResourceUsage struct {
	MemoryMB    float64 `json:"memory_mb"`
	CPUPercent  float64 `json:"cpu_percent"`
	Threads     int     `json:"threads"`
	ActiveTasks int     `json:"active_tasks"`
}

// AgentCapacity reports executor slot occupancy.
type AgentCapacity struct {
	Max         int     `json:"max"`
	Active      int     `json:"active"`
	Available   int     `json:"available"`
	Utilization float64 `json:"utilization"`
}

// PerformanceMetrics aggregates request and task statistics.
type PerformanceMetrics struct {
	RequestCount  int64   `json:"request_count"`
	AvgLatencyMS  float64 `json:"avg_latency_ms"`
	P95LatencyMS  float64 `json:"p95_latency_ms"`
	P99LatencyMS  float64 `json:"p99_latency_ms"`
	SuccessRate   float64 `json:"success_rate"`
	ErrorCount    int64   `json:"error_count"`
	TaskCount     int64   `json:"task_count"`
	AvgTaskDurSec float64 `json:"avg_task_duration_sec"`
}

// Health returns the current service health snapshot. Status degrades
// when recent error rate exceeds 10% and reports at_capacity when no
// executor slot is free.
func (c *Core) Health() HealthStatus {
	max, active := c.executor.Capacity()
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	perf := c.metrics.snapshot()
	status := "healthy"
	switch {
	case active >= max:
		status = "at_capacity"
	case perf.RequestCount > 0 && perf.SuccessRate < 0.90:
		status = "degraded"
	}

	util := 0.0
	if max > 0 {
		util = float64(active) / float64(max)
	}
	return HealthStatus{
		Status:        status,
		UptimeSeconds: time.Since(c.startedAt).Seconds(),
		Resources: ResourceUsage{
			MemoryMB:    float64(mem.Alloc) / (1024 * 1024),
			CPUPercent:  0, // populated by the observer when metrics export is wired
			Threads:     runtime.NumGoroutine(),
			ActiveTasks: c.executor.Running(),
		},
		Capacity: AgentCapacity{
			Max:         max,
			Active:      active,
			Available:   max - active,
			Utilization: util,
		},
		Metrics: perf,
	}
}

// coreMetrics tracks request/task statistics with a bounded latency
// reservoir for percentile estimates.
type coreMetrics struct {
	mu          sync.Mutex
	requests    int64
	errors      int64
	tasks       int64
	taskDurSum  time.Duration
	latencies   []time.Duration // bounded ring
	latencyNext int
	latencySum  time.Duration
}

const latencyReservoir = 512

func (m *coreMetrics) recordRequest(d time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests++
	m.latencySum += d
	if err != nil {
		m.errors++
	}
	if len(m.latencies) < latencyReservoir {
		m.latencies = append(m.latencies, d)
	} else {
		m.latencies[m.latencyNext] = d
		m.latencyNext = (m.latencyNext + 1) % latencyReservoir
	}
}

func (m *coreMetrics) recordTask(d time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks++
	m.taskDurSum += d
	if err != nil {
		m.errors++
	}
}

func (m *coreMetrics) snapshot() PerformanceMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := PerformanceMetrics{
		RequestCount: m.requests,
		ErrorCount:   m.errors,
		TaskCount:    m.tasks,
	}
	if m.requests > 0 {
		out.AvgLatencyMS = float64(m.latencySum.Milliseconds()) / float64(m.requests)
	}
	total := m.requests + m.tasks
	if total > 0 {
		out.SuccessRate = float64(total-m.errors) / float64(total)
	}
	if m.tasks > 0 {
		out.AvgTaskDurSec = (m.taskDurSum / time.Duration(m.tasks)).Seconds()
	}
	if len(m.latencies) > 0 {
		sorted := make([]time.Duration, len(m.latencies))
		copy(sorted, m.latencies)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		out.P95LatencyMS = float64(sorted[pctIndex(len(sorted), 95)].Milliseconds())
		out.P99LatencyMS = float64(sorted[pctIndex(len(sorted), 99)].Milliseconds())
	}
	return out
}

func pctIndex(n, pct int) int {
	i := n*pct/100 - 1
	if i < 0 {
		i = 0
	}
	if i >= n {
		i = n - 1
	}
	return i
}
