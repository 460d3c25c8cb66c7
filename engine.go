package penguin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

const (
	defaultMaxIterations = 20
	// trivialThreshold: stripped assistant text shorter than this counts
	// as a trivial response.
	trivialThreshold = 10
	// trivialRunLimit: consecutive trivial responses before the loop
	// concludes the agent is done.
	trivialRunLimit = 3
	// continuationPrompt nudges task mode into the next step.
	continuationPrompt = "Continue with the next step."
)

// RunOptions tune one engine invocation.
type RunOptions struct {
	// MaxIterations caps the reason/act loop (default 20).
	MaxIterations int
	// Sink receives stream events as they are produced. Optional.
	Sink EventSink
	// Deadline bounds the whole run's wall clock. Zero means unbounded.
	Deadline time.Duration
}

// RunResult is the outcome of RunResponse or RunTask.
type RunResult struct {
	// Text is the final assistant message's full text.
	Text string `json:"text"`
	// ToolResults lists every dispatched call across all iterations,
	// in dispatch order.
	ToolResults []ToolCallRecord `json:"tool_results,omitempty"`
	Iterations  int              `json:"iterations"`
	Reason      CompletionReason `json:"completion_reason"`
	Usage       Usage            `json:"usage"`
	// SnapshotIDs references snapshots created during the run.
	SnapshotIDs []string `json:"snapshot_ids,omitempty"`
	// TaskStatus is set for task runs that ended on finish_task.
	TaskStatus TaskStatus `json:"task_status,omitempty"`
	// PendingReview marks a finish_task outcome awaiting human sign-off.
	PendingReview bool `json:"pending_review,omitempty"`
}

// Engine drives the reason/act loop for one agent turn. One invocation
// per agent at a time; the Executor serializes callers.
type Engine struct {
	provider   Provider
	dispatcher *Dispatcher
	store      SnapshotStore
	registry   *ToolRegistry
	logger     *slog.Logger
	tracer     Tracer

	maxIterations int
	coalesceWin   time.Duration
	coalesceBytes int
	snapshotRuns  bool
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineLogger sets the structured logger.
func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithEngineTracer sets the tracer spanning iterations and runs.
func WithEngineTracer(t Tracer) EngineOption {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithMaxIterations sets the default iteration cap.
func WithMaxIterations(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.maxIterations = n
		}
	}
}

// WithSnapshotting stores a conversation snapshot at the end of every
// run. Requires a snapshot store.
func WithSnapshotting(store SnapshotStore) EngineOption {
	return func(e *Engine) {
		e.store = store
		e.snapshotRuns = store != nil
	}
}

// WithEngineCoalescing overrides the stream manager's delta coalescing.
func WithEngineCoalescing(window time.Duration, bytes int) EngineOption {
	return func(e *Engine) {
		e.coalesceWin = window
		if bytes > 0 {
			e.coalesceBytes = bytes
		}
	}
}

// NewEngine creates an engine over a provider and a tool dispatcher.
// registry supplies tool definitions for provider-native calling.
func NewEngine(provider Provider, dispatcher *Dispatcher, registry *ToolRegistry, opts ...EngineOption) *Engine {
	e := &Engine{
		provider:      provider,
		dispatcher:    dispatcher,
		registry:      registry,
		logger:        nopLogger,
		tracer:        NopTracer{},
		maxIterations: defaultMaxIterations,
		coalesceWin:   defaultCoalesceWindow,
		coalesceBytes: defaultCoalesceBytes,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunResponse processes one user input into a single finalized
// assistant response.
func (e *Engine) RunResponse(ctx context.Context, agent *Agent, input string, opts RunOptions) (RunResult, error) {
	return e.run(ctx, agent, input, false, opts)
}

// RunTask processes an autonomous task: many iterations until explicit
// completion, implicit quiescence, error, cap, or cancellation. A
// finish_task ending is marked pending human review, not auto-completed.
func (e *Engine) RunTask(ctx context.Context, agent *Agent, prompt string, opts RunOptions) (RunResult, error) {
	return e.run(ctx, agent, prompt, true, opts)
}

func (e *Engine) run(ctx context.Context, agent *Agent, input string, taskMode bool, opts RunOptions) (RunResult, error) {
	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = e.maxIterations
	}
	if opts.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Deadline)
		defer cancel()
	}

	mode := "response"
	if taskMode {
		mode = "task"
	}
	ctx, span := e.tracer.Start(ctx, "engine.run",
		StringAttr("agent.id", agent.ID()),
		StringAttr("mode", mode))
	defer span.End()

	agent.setState(StateAgentRunning)
	conv := agent.Conversation()
	result := RunResult{}
	mgr := NewStreamManager(opts.Sink,
		WithCoalesceWindow(e.coalesceWin),
		WithCoalesceBytes(e.coalesceBytes),
		WithStreamLogger(e.logger))

	trivialRun := 0
	for i := 1; i <= maxIter; i++ {
		result.Iterations = i

		if i == 1 && input != "" {
			conv.Add(RoleUser, input, CategoryConversation, nil)
		}

		if err := e.ensureBudget(conv); err != nil {
			e.failRun(agent, mgr, &result, CompletionError)
			return result, err
		}
		if err := ctx.Err(); err != nil {
			e.cancelRun(agent, mgr, &result)
			return result, nil
		}

		// cooperative pause: hold here, the next suspension point
		for agent.Paused() {
			if err := sleepCtx(ctx, 50*time.Millisecond); err != nil {
				e.cancelRun(agent, mgr, &result)
				return result, nil
			}
		}

		text, calls, err := e.streamOnce(ctx, agent, conv, mgr)
		if err != nil {
			if ctx.Err() != nil {
				e.cancelRun(agent, mgr, &result)
				return result, nil
			}
			// provider retries are exhausted inside the retry wrapper;
			// surface the failure to the conversation and terminate
			conv.Add(RoleAssistant,
				fmt.Sprintf("Provider error: %v", err),
				CategoryConversation, nil)
			e.failRun(agent, mgr, &result, CompletionError)
			var provErr *ErrProvider
			if errors.As(err, &provErr) && provErr.Auth {
				return result, &Error{
					Code:            CodeAuthenticationFailed,
					Message:         fmt.Sprintf("provider authentication failed: %v", err),
					Recoverable:     false,
					SuggestedAction: "check the provider credentials",
				}
			}
			return result, &Error{
				Code:        CodeTaskExecutionError,
				Message:     fmt.Sprintf("provider stream failed: %v", err),
				Recoverable: isTransient(err),
			}
		}
		result.Text = text

		// the assistant turn, with its structured calls
		asst := Message{
			Role:      RoleAssistant,
			Content:   text,
			Category:  CategoryConversation,
			ToolCalls: callList(calls),
		}
		conv.Append(asst)

		dispatched := e.dispatchCalls(ctx, agent, conv, mgr, calls, i)
		result.ToolResults = append(result.ToolResults, currentRecords(mgr, calls)...)
		result.Usage.Add(mgr.Usage())

		// terminal signal detection
		finish := finishCall(calls)
		stripped := strings.TrimSpace(PlainText(NewActionParser().Parse(text)))
		if len(stripped) < trivialThreshold && dispatched == 0 && finish == nil {
			trivialRun++
		} else {
			trivialRun = 0
		}

		switch {
		case finish != nil && finish.Kind == ActionFinishResponse:
			e.finishRun(agent, mgr, &result, CompletionNormal)
		case finish != nil && finish.Kind == ActionFinishTask:
			result.TaskStatus = ParseFinishStatus(finish.Payload)
			result.PendingReview = true
			e.finishRun(agent, mgr, &result, CompletionToolExit)
		case ctx.Err() != nil:
			e.cancelRun(agent, mgr, &result)
		case trivialRun >= trivialRunLimit:
			e.finishRun(agent, mgr, &result, CompletionImplicit)
		case i >= maxIter:
			e.finishRun(agent, mgr, &result, CompletionIterationCap)
		default:
			if !taskMode && dispatched == 0 && trivialRun == 0 {
				// response mode, substantive text, no tools, no finish
				// marker: the turn is complete
				e.finishRun(agent, mgr, &result, CompletionNormal)
				return e.withSnapshot(conv, result), nil
			}
			// keep looping; intermediate messages finalize normally
			mgr.Finalize(CompletionNormal)
			if taskMode {
				conv.Add(RoleUser, continuationPrompt, CategoryConversation, nil)
			}
			continue
		}
		return e.withSnapshot(conv, result), nil
	}

	// loop fell through at the cap
	e.finishRun(agent, mgr, &result, CompletionIterationCap)
	return e.withSnapshot(conv, result), nil
}

// streamOnce opens one provider stream and drives the manager until the
// provider closes. Returns the full text and the observed calls.
func (e *Engine) streamOnce(ctx context.Context, agent *Agent, conv *Conversation, mgr *StreamManager) (string, []ToolCallRecord, error) {
	var defs []ToolDefinition
	for _, spec := range e.registry.List(agent.ID()) {
		defs = append(defs, ToolDefinition{
			Name:        spec.Name,
			Description: spec.Description,
			Parameters:  spec.Params,
		})
	}

	src, err := e.provider.OpenStream(ctx, StreamRequest{
		Messages: conv.APIView(),
		Binding:  agent.Binding(),
		Tools:    defs,
	})
	if err != nil {
		return "", nil, err
	}
	defer src.Close()

	mgr.Begin(NewID(), agent.ID())
	for {
		chunk, err := src.Recv(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			mgr.Fail("provider")
			return mgr.Text(), mgr.Calls(), err
		}
		mgr.Feed(chunk)
		if chunk.Kind == ChunkEnd {
			break
		}
	}
	return mgr.Text(), mgr.Calls(), nil
}

// dispatchCalls runs every real tool call in document order and feeds
// results back into the conversation and the manager. Returns the count
// of dispatched calls.
func (e *Engine) dispatchCalls(ctx context.Context, agent *Agent, conv *Conversation, mgr *StreamManager, calls []ToolCallRecord, iteration int) int {
	tc := ToolContext{
		AgentID:   agent.ID(),
		SessionID: conv.SessionID(),
		Iteration: iteration,
	}
	dispatched := 0
	for _, rec := range calls {
		if IsFinishKind(rec.Call.Kind) || rec.Result != nil {
			continue
		}
		var res ToolResult
		if rec.Call.Kind != "" {
			res = e.dispatcher.Dispatch(ctx, rec.Call.Kind, rec.Call.Payload, rec.Call.Args, tc)
		} else {
			res = e.dispatcher.DispatchTool(ctx, rec.Call.Name, rec.Call.Payload, rec.Call.Args, tc)
		}
		dispatched++

		body := res.Output
		if res.Err != nil {
			body = fmt.Sprintf("tool %s failed (%s): %s", res.Tool, res.Err.Kind, res.Err.Message)
		}
		msg := ToolResultMessage(rec.Call.ID, body)
		if enc, err := json.Marshal(res); err == nil {
			msg.Metadata = map[string]string{"tool_result": string(enc)}
		}
		conv.Append(msg)
		mgr.CompleteTool(rec.Call.ID, res)
	}
	return dispatched
}

// ensureBudget trims until the conversation fits, escalating to the
// aggressive pass once. Still over after that is a fatal window error.
func (e *Engine) ensureBudget(conv *Conversation) error {
	w := conv.Window()
	if !w.NeedsTrim(conv.TokenTotal()) {
		return nil
	}
	conv.Trim()
	if !w.NeedsTrim(conv.TokenTotal()) {
		return nil
	}
	conv.TrimAggressive()
	if !w.NeedsTrim(conv.TokenTotal()) {
		return nil
	}
	return ErrContextWindowExceeded(conv.TokenTotal(), w.Available())
}

func (e *Engine) finishRun(agent *Agent, mgr *StreamManager, result *RunResult, reason CompletionReason) {
	result.Reason = reason
	mgr.Finalize(reason)
	agent.setState(StateAgentCompleted)
}

func (e *Engine) cancelRun(agent *Agent, mgr *StreamManager, result *RunResult) {
	result.Reason = CompletionCancelled
	mgr.Finalize(CompletionCancelled)
	agent.setState(StateAgentIdle)
}

func (e *Engine) failRun(agent *Agent, mgr *StreamManager, result *RunResult, reason CompletionReason) {
	result.Reason = reason
	mgr.Fail(string(reason))
	agent.setState(StateAgentError)
}

// withSnapshot archives the conversation if run snapshotting is on.
func (e *Engine) withSnapshot(conv *Conversation, result RunResult) RunResult {
	if !e.snapshotRuns {
		return result
	}
	blob, err := conv.SnapshotState()
	if err != nil {
		e.logger.Warn("run snapshot serialization failed", "error", err)
		return result
	}
	id, err := e.store.Snapshot(blob, "", SnapshotMeta{
		Name:   "run",
		Labels: map[string]string{"agent_id": conv.AgentID(), "session_id": conv.SessionID()},
	})
	if err != nil {
		e.logger.Warn("run snapshot write failed", "error", err)
		return result
	}
	result.SnapshotIDs = append(result.SnapshotIDs, id)
	return result
}

func callList(recs []ToolCallRecord) []ToolCall {
	if len(recs) == 0 {
		return nil
	}
	calls := make([]ToolCall, len(recs))
	for i, r := range recs {
		calls[i] = r.Call
	}
	return calls
}

// finishCall returns the first finish_* marker among the calls, or nil.
func finishCall(recs []ToolCallRecord) *ToolCall {
	for i := range recs {
		if IsFinishKind(recs[i].Call.Kind) {
			return &recs[i].Call
		}
	}
	return nil
}

// currentRecords re-reads the manager's records for the given calls so
// dispatch results are attached.
func currentRecords(mgr *StreamManager, calls []ToolCallRecord) []ToolCallRecord {
	latest := mgr.Calls()
	out := make([]ToolCallRecord, 0, len(calls))
	for _, c := range calls {
		for _, l := range latest {
			if l.Call.ID == c.Call.ID {
				out = append(out, l)
				break
			}
		}
	}
	return out
}
