package penguin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ToolContext carries the call site identity into a tool invocation.
type ToolContext struct {
	AgentID   string
	SessionID string
	Iteration int
}

// Invoker is the callable behind a registered tool. Payload is the raw
// tag payload; args carries provider-native tool arguments when the call
// arrived as a structured tool delta instead of a tag.
type Invoker func(ctx context.Context, tc ToolContext, payload string, args json.RawMessage) (string, error)

// ToolSpec describes one registered tool.
type ToolSpec struct {
	Name        string
	Description string
	// Params maps parameter names to type hints for provider-side schemas.
	Params map[string]string
	// Scopes lists agent ids allowed to call the tool. Empty means any.
	Scopes []string
	// MaxDuration bounds one invocation. Zero means the default 60s.
	MaxDuration time.Duration
	Invoke      Invoker
}

func (s ToolSpec) allows(agentID string) bool {
	if len(s.Scopes) == 0 {
		return true
	}
	for _, sc := range s.Scopes {
		if sc == agentID {
			return true
		}
	}
	return false
}

// ToolError describes a failed invocation inside a ToolResult.
type ToolError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Error kinds surfaced in ToolResult.Err.
const (
	ToolErrTimeout     = "timeout"
	ToolErrException   = "exception"
	ToolErrUnknownTool = "unknown_tool"
	ToolErrForbidden   = "forbidden"
	ToolErrCancelled   = "cancelled"
)

// ToolResult is the structured outcome of one dispatch. It is a value,
// never a raised error: invoker failures are folded into Err.
type ToolResult struct {
	OK     bool       `json:"ok"`
	Output string     `json:"output"`
	Err    *ToolError `json:"error,omitempty"`
	// Duration is the wall-clock dispatch time; it travels as whole
	// milliseconds under duration_ms.
	Duration time.Duration `json:"-"`
	Tool     string        `json:"tool_name"`
}

// toolResultWire is the serialized form of a ToolResult.
type toolResultWire struct {
	OK         bool       `json:"ok"`
	Output     string     `json:"output"`
	Err        *ToolError `json:"error,omitempty"`
	DurationMS int64      `json:"duration_ms"`
	Tool       string     `json:"tool_name"`
}

func (r ToolResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(toolResultWire{
		OK:         r.OK,
		Output:     r.Output,
		Err:        r.Err,
		DurationMS: r.Duration.Milliseconds(),
		Tool:       r.Tool,
	})
}

func (r *ToolResult) UnmarshalJSON(data []byte) error {
	var w toolResultWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*r = ToolResult{
		OK:       w.OK,
		Output:   w.Output,
		Err:      w.Err,
		Duration: time.Duration(w.DurationMS) * time.Millisecond,
		Tool:     w.Tool,
	}
	return nil
}

func failedResult(tool, kind, msg string, d time.Duration) ToolResult {
	return ToolResult{Tool: tool, Err: &ToolError{Kind: kind, Message: msg}, Duration: d}
}

// ToolRegistry holds the named tools. Registration is open during
// startup; the first dispatch freezes the registry and later writes fail.
type ToolRegistry struct {
	mu     sync.RWMutex
	tools  map[string]ToolSpec
	frozen atomic.Bool
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]ToolSpec)}
}

// ErrRegistryLocked is returned by Register after the first dispatch.
var ErrRegistryLocked = fmt.Errorf("tool registry is frozen after first dispatch")

// Register adds or overwrites a tool. Overwrite is allowed only before
// the registry freezes.
func (r *ToolRegistry) Register(spec ToolSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if spec.Invoke == nil {
		return fmt.Errorf("tool %s has no invoker", spec.Name)
	}
	if r.frozen.Load() {
		return ErrRegistryLocked
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[spec.Name] = spec
	return nil
}

// Get returns the tool spec, or false when the name is unknown.
func (r *ToolRegistry) Get(name string) (ToolSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.tools[name]
	return s, ok
}

// List returns the tools visible to agentID, sorted by name.
func (r *ToolRegistry) List(agentID string) []ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]ToolSpec, 0, len(r.tools))
	for _, s := range r.tools {
		if s.allows(agentID) {
			specs = append(specs, s)
		}
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

func (r *ToolRegistry) freeze() { r.frozen.Store(true) }

const defaultToolTimeout = 60 * time.Second

// Dispatcher executes action tags against the registry with per-tool
// deadlines, panic isolation, and an optional per-(agent, tool) rate limit.
type Dispatcher struct {
	registry *ToolRegistry
	logger   *slog.Logger
	tracer   Tracer

	mu      sync.Mutex
	limits  map[string]int         // tool name -> calls per minute, 0 = unlimited
	windows map[string][]time.Time // agentID+"/"+tool -> call timestamps
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the structured logger.
func WithDispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithDispatcherTracer sets the tracer used to span each dispatch.
func WithDispatcherTracer(t Tracer) DispatcherOption {
	return func(d *Dispatcher) {
		if t != nil {
			d.tracer = t
		}
	}
}

// WithToolRateLimit caps calls per minute for one tool, counted per
// calling agent. Callers over budget block until the window slides.
func WithToolRateLimit(tool string, perMinute int) DispatcherOption {
	return func(d *Dispatcher) { d.limits[tool] = perMinute }
}

// NewDispatcher creates a dispatcher over the registry.
func NewDispatcher(registry *ToolRegistry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		logger:   nopLogger,
		tracer:   NopTracer{},
		limits:   make(map[string]int),
		windows:  make(map[string][]time.Time),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch resolves kind to a tool and runs it. The invocation deadline
// is the lesser of the tool's declared max and any deadline already on
// ctx. Failures of every sort come back inside the ToolResult.
func (d *Dispatcher) Dispatch(ctx context.Context, kind ActionKind, payload string, args json.RawMessage, tc ToolContext) ToolResult {
	d.registry.freeze()

	name := ToolForKind(kind)
	if name == "" {
		return failedResult(string(kind), ToolErrUnknownTool, "no tool mapped for kind "+string(kind), 0)
	}
	return d.DispatchTool(ctx, name, payload, args, tc)
}

// DispatchTool runs a tool by registry name, bypassing the kind table.
// Used for provider-native tool calls that already carry the tool name.
func (d *Dispatcher) DispatchTool(ctx context.Context, name, payload string, args json.RawMessage, tc ToolContext) ToolResult {
	d.registry.freeze()

	spec, ok := d.registry.Get(name)
	if !ok {
		return failedResult(name, ToolErrUnknownTool, "tool not registered: "+name, 0)
	}
	if !spec.allows(tc.AgentID) {
		return failedResult(name, ToolErrForbidden, "agent "+tc.AgentID+" may not call "+name, 0)
	}
	if err := d.waitForBudget(ctx, tc.AgentID, name); err != nil {
		return failedResult(name, ToolErrCancelled, err.Error(), 0)
	}

	ctx, span := d.tracer.Start(ctx, "tool.dispatch",
		StringAttr("tool.name", name),
		StringAttr("agent.id", tc.AgentID),
		IntAttr("iteration", tc.Iteration))
	defer span.End()

	maxDur := spec.MaxDuration
	if maxDur <= 0 {
		maxDur = defaultToolTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, maxDur)
	defer cancel()

	start := time.Now()
	res := d.run(runCtx, spec, tc, payload, args, maxDur)
	res.Duration = time.Since(start)
	res.Tool = name

	if res.Err != nil {
		span.SetAttributes(StringAttr("tool.error", res.Err.Kind))
		d.logger.Warn("tool dispatch failed",
			"tool", name, "agent", tc.AgentID,
			"kind", res.Err.Kind, "error", res.Err.Message,
			"duration", res.Duration)
	} else {
		d.logger.Debug("tool dispatch ok",
			"tool", name, "agent", tc.AgentID, "duration", res.Duration)
	}
	return res
}

type invokeOutcome struct {
	output string
	err    error
}

// run executes the invoker in its own goroutine so a panicking or
// deadline-ignoring tool cannot take the engine down. After the deadline
// the result is waited on for up to one more max duration (hard kill
// window, 2x declared), then abandoned.
func (d *Dispatcher) run(ctx context.Context, spec ToolSpec, tc ToolContext, payload string, args json.RawMessage, maxDur time.Duration) ToolResult {
	done := make(chan invokeOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- invokeOutcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		out, err := spec.Invoke(ctx, tc, payload, args)
		done <- invokeOutcome{output: out, err: err}
	}()

	select {
	case o := <-done:
		return outcomeResult(o)
	case <-ctx.Done():
	}

	// Deadline passed. Give the invoker the hard-kill window to notice.
	kill := time.NewTimer(maxDur)
	defer kill.Stop()
	select {
	case o := <-done:
		if o.err == nil && ctx.Err() == context.DeadlineExceeded {
			// Late success after deadline still reports timeout: the
			// engine already budgeted this slot as expired.
			return ToolResult{Err: &ToolError{Kind: ToolErrTimeout, Message: "tool exceeded deadline"}}
		}
		return outcomeResult(o)
	case <-kill.C:
		return ToolResult{Err: &ToolError{Kind: ToolErrTimeout, Message: "tool abandoned after hard-kill window"}}
	}
}

func outcomeResult(o invokeOutcome) ToolResult {
	if o.err != nil {
		kind := ToolErrException
		switch {
		case errors.Is(o.err, context.DeadlineExceeded):
			kind = ToolErrTimeout
		case errors.Is(o.err, context.Canceled):
			kind = ToolErrCancelled
		}
		return ToolResult{Err: &ToolError{Kind: kind, Message: o.err.Error()}}
	}
	return ToolResult{OK: true, Output: o.output}
}

// waitForBudget blocks until the per-minute budget for (agent, tool)
// allows another call. Unlimited tools return immediately.
func (d *Dispatcher) waitForBudget(ctx context.Context, agentID, tool string) error {
	d.mu.Lock()
	limit := d.limits[tool]
	d.mu.Unlock()
	if limit <= 0 {
		return nil
	}
	key := agentID + "/" + tool
	for {
		d.mu.Lock()
		now := time.Now()
		cutoff := now.Add(-time.Minute)
		w := d.windows[key]
		i := 0
		for i < len(w) && w[i].Before(cutoff) {
			i++
		}
		w = w[i:]
		if len(w) < limit {
			d.windows[key] = append(w, now)
			d.mu.Unlock()
			return nil
		}
		wait := w[0].Add(time.Minute).Sub(now)
		d.windows[key] = w
		d.mu.Unlock()
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
