package penguin

import (
	"log/slog"
	"strings"
	"time"
)

// StreamState is the manager's position in the chunk-consumption machine.
type StreamState int

const (
	StateIdle StreamState = iota
	StateStreaming
	StateToolCalling
	StateFinalizing
	StateError
)

func (s StreamState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateToolCalling:
		return "tool_calling"
	case StateFinalizing:
		return "finalizing"
	case StateError:
		return "error"
	}
	return "unknown"
}

// StreamEventType identifies one manager event.
type StreamEventType string

const (
	EventStarted        StreamEventType = "stream.started"
	EventTextDelta      StreamEventType = "stream.text.delta"
	EventReasoningDelta StreamEventType = "stream.reasoning.delta"
	EventToolStarted    StreamEventType = "stream.tool.started"
	EventToolCompleted  StreamEventType = "stream.tool.completed"
	EventFinalized      StreamEventType = "stream.finalized"
	EventError          StreamEventType = "stream.error"
)

// ToolCallRecord pairs an observed tool call with its eventual result.
type ToolCallRecord struct {
	Call   ToolCall    `json:"call"`
	Result *ToolResult `json:"result,omitempty"`
}

// StreamEvent is one ordered event of a logical assistant message.
type StreamEvent struct {
	Type      StreamEventType `json:"event"`
	MessageID string          `json:"message_id"`
	AgentID   string          `json:"agent_id,omitempty"`
	Role      Role            `json:"role,omitempty"`
	// Text carries the delta for text events and the full text on finalize.
	Text      string           `json:"text,omitempty"`
	Reasoning string           `json:"reasoning,omitempty"`
	ToolCall  *ToolCall        `json:"tool_call,omitempty"`
	Result    *ToolResult      `json:"result,omitempty"`
	Tools     []ToolCallRecord `json:"tools,omitempty"`
	Usage     Usage            `json:"usage,omitempty"`
	Reason    CompletionReason `json:"reason,omitempty"`
	ErrKind   string           `json:"err_kind,omitempty"`
}

// EventSink receives manager events in emission order.
type EventSink func(StreamEvent)

const (
	defaultCoalesceWindow = 50 * time.Millisecond
	defaultCoalesceBytes  = 1024
)

// StreamManager converts one provider stream into the ordered event
// sequence of a logical assistant message. It is single-writer: one
// goroutine feeds chunks; consumers fan out on the sink.
//
// Exactly one of EventFinalized or EventError is emitted per message.
type StreamManager struct {
	sink   EventSink
	parser *ActionParser
	logger *slog.Logger

	window time.Duration
	burst  int

	state     StreamState
	messageID string
	agentID   string

	text      strings.Builder
	reasoning strings.Builder
	scanned   int // text bytes already examined for complete tags

	pendingText      strings.Builder
	pendingReasoning strings.Builder
	pendingSince     time.Time

	calls    []ToolCallRecord
	openTool string // provider tool-delta call id currently accumulating
	usage    Usage
	terminal bool
}

// StreamOption configures a StreamManager.
type StreamOption func(*StreamManager)

// WithCoalesceWindow sets the delta flush interval (default 50ms).
// Zero flushes every chunk.
func WithCoalesceWindow(d time.Duration) StreamOption {
	return func(m *StreamManager) { m.window = d }
}

// WithCoalesceBytes sets the byte threshold that forces a flush before
// the window elapses (default 1 KiB).
func WithCoalesceBytes(n int) StreamOption {
	return func(m *StreamManager) { m.burst = n }
}

// WithStreamLogger sets the structured logger.
func WithStreamLogger(l *slog.Logger) StreamOption {
	return func(m *StreamManager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewStreamManager creates a manager delivering events to sink.
func NewStreamManager(sink EventSink, opts ...StreamOption) *StreamManager {
	m := &StreamManager{
		sink:   sink,
		parser: NewActionParser(),
		logger: nopLogger,
		window: defaultCoalesceWindow,
		burst:  defaultCoalesceBytes,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Begin arms the manager for a new logical message. The started event
// is deferred until the first content chunk arrives.
func (m *StreamManager) Begin(messageID, agentID string) {
	m.state = StateIdle
	m.messageID = messageID
	m.agentID = agentID
	m.text.Reset()
	m.reasoning.Reset()
	m.pendingText.Reset()
	m.pendingReasoning.Reset()
	m.scanned = 0
	m.calls = nil
	m.openTool = ""
	m.usage = Usage{}
	m.terminal = false
}

// State returns the current machine state.
func (m *StreamManager) State() StreamState { return m.state }

// Text returns the full accumulated assistant text.
func (m *StreamManager) Text() string { return m.text.String() }

// Reasoning returns the full accumulated reasoning channel.
func (m *StreamManager) Reasoning() string { return m.reasoning.String() }

// Calls returns the tool calls observed so far, in document order.
func (m *StreamManager) Calls() []ToolCallRecord { return m.calls }

// Usage returns the aggregate token usage reported by the provider.
func (m *StreamManager) Usage() Usage { return m.usage }

// Feed consumes one provider chunk. Safe terminator boundaries (a close
// tag completing an ActionTag) and provider tool deltas both move the
// machine to ToolCalling and emit tool.started.
func (m *StreamManager) Feed(c Chunk) {
	if m.terminal {
		m.logger.Warn("chunk after terminal event dropped", "message_id", m.messageID)
		return
	}
	switch c.Kind {
	case ChunkText:
		if c.Text == "" {
			return
		}
		m.ensureStarted()
		m.text.WriteString(c.Text)
		m.pendingText.WriteString(c.Text)
		m.maybeFlush()
		m.detectTags()
	case ChunkReasoning:
		if c.Text == "" {
			return
		}
		m.ensureStarted()
		m.reasoning.WriteString(c.Text)
		m.pendingReasoning.WriteString(c.Text)
		m.maybeFlush()
	case ChunkToolDelta:
		m.ensureStarted()
		m.feedToolDelta(c.Tool)
	case ChunkUsage:
		m.usage.Add(c.Usage)
	case ChunkEnd:
		// provider closed; unresolved openers are now plain text and
		// any tags behind them become visible
		m.resolvePending()
		m.flush()
	}
}

// resolvePending re-scans text held back behind an unclosed opener once
// no more chunks can arrive.
func (m *StreamManager) resolvePending() {
	buf := m.text.String()
	for _, seg := range m.parser.Parse(buf[m.scanned:]) {
		m.scanned += len(seg.Raw)
		if seg.Kind == SegmentAction {
			m.startTagCall(*seg.Tag)
		}
	}
}

// CompleteTool records the dispatch result for a started call and emits
// tool.completed. When no calls remain open, the machine resumes Streaming.
func (m *StreamManager) CompleteTool(callID string, result ToolResult) {
	if m.terminal {
		return
	}
	for i := range m.calls {
		if m.calls[i].Call.ID != callID {
			continue
		}
		res := result
		m.calls[i].Result = &res
		m.flush()
		m.emit(StreamEvent{
			Type:     EventToolCompleted,
			ToolCall: &m.calls[i].Call,
			Result:   &res,
		})
		if !m.hasOpenCalls() && m.state == StateToolCalling {
			m.state = StateStreaming
		}
		return
	}
	m.logger.Warn("tool completion for unknown call", "call_id", callID)
}

// Finalize flushes buffered deltas and emits the single finalized event.
func (m *StreamManager) Finalize(reason CompletionReason) {
	if m.terminal {
		m.logger.Warn("finalize after terminal event ignored", "message_id", m.messageID)
		return
	}
	m.ensureStarted()
	m.state = StateFinalizing
	m.resolvePending()
	m.flush()
	m.terminal = true
	m.emit(StreamEvent{
		Type:      EventFinalized,
		Text:      m.text.String(),
		Reasoning: m.reasoning.String(),
		Tools:     m.calls,
		Usage:     m.usage,
		Reason:    reason,
	})
	m.state = StateIdle
}

// Fail emits the error event with the partial buffer. No finalize
// follows a failure.
func (m *StreamManager) Fail(errKind string) {
	if m.terminal {
		return
	}
	m.flush()
	m.terminal = true
	m.state = StateError
	m.emit(StreamEvent{
		Type:    EventError,
		Text:    m.text.String(),
		ErrKind: errKind,
	})
}

func (m *StreamManager) ensureStarted() {
	if m.state != StateIdle {
		return
	}
	m.state = StateStreaming
	m.pendingSince = time.Now()
	m.emit(StreamEvent{Type: EventStarted, Role: RoleAssistant})
}

func (m *StreamManager) emit(ev StreamEvent) {
	ev.MessageID = m.messageID
	if ev.AgentID == "" {
		ev.AgentID = m.agentID
	}
	if m.sink != nil {
		m.sink(ev)
	}
}

// maybeFlush emits buffered deltas once the window has elapsed or the
// byte threshold is reached. Bytes are only ever deferred, never dropped.
func (m *StreamManager) maybeFlush() {
	pending := m.pendingText.Len() + m.pendingReasoning.Len()
	if pending == 0 {
		return
	}
	if pending >= m.burst || time.Since(m.pendingSince) >= m.window {
		m.flush()
	}
}

func (m *StreamManager) flush() {
	if m.pendingText.Len() > 0 {
		m.emit(StreamEvent{Type: EventTextDelta, Text: m.pendingText.String()})
		m.pendingText.Reset()
	}
	if m.pendingReasoning.Len() > 0 {
		m.emit(StreamEvent{Type: EventReasoningDelta, Reasoning: m.pendingReasoning.String()})
		m.pendingReasoning.Reset()
	}
	m.pendingSince = time.Now()
}

// detectTags scans newly buffered text for completed action tags. An
// opener with no close yet stops the scan, and a trailing fragment that
// could still grow into a known opener is held back entirely: provider
// deltas split tokens arbitrarily, so "<exec" must wait for "ute>".
func (m *StreamManager) detectTags() {
	buf := m.text.String()
	limit := len(buf)
	if p := m.parser.PartialOpen(buf[m.scanned:]); p >= 0 {
		limit = m.scanned + p
	}
	for _, seg := range m.parser.Parse(buf[m.scanned:limit]) {
		switch seg.Kind {
		case SegmentText:
			m.scanned += len(seg.Raw)
		case SegmentAction:
			m.scanned += len(seg.Raw)
			m.startTagCall(*seg.Tag)
		case SegmentSyntaxError:
			// possibly incomplete; wait for more chunks
			return
		}
	}
}

// startTagCall registers a complete ActionTag and emits tool.started.
// Finish markers are recorded for the engine but emit no tool event.
func (m *StreamManager) startTagCall(tag ActionTag) {
	call := ToolCall{
		ID:      NewID(),
		Kind:    tag.Kind,
		Name:    ToolForKind(tag.Kind),
		Payload: tag.Payload,
	}
	m.calls = append(m.calls, ToolCallRecord{Call: call})
	if IsFinishKind(tag.Kind) {
		return
	}
	m.flush()
	m.state = StateToolCalling
	m.emit(StreamEvent{Type: EventToolStarted, ToolCall: &m.calls[len(m.calls)-1].Call})
}

// feedToolDelta accumulates provider-native tool call fragments. The
// started event fires on the first fragment of each call, with the
// arguments as captured so far.
func (m *StreamManager) feedToolDelta(d ToolDelta) {
	if d.ID != "" && d.ID != m.openTool {
		m.openTool = d.ID
		call := ToolCall{
			ID:   d.ID,
			Name: d.Name,
			Args: []byte(d.Args),
		}
		m.calls = append(m.calls, ToolCallRecord{Call: call})
		m.flush()
		m.state = StateToolCalling
		m.emit(StreamEvent{Type: EventToolStarted, ToolCall: &m.calls[len(m.calls)-1].Call})
		return
	}
	// argument fragment for the open call
	for i := len(m.calls) - 1; i >= 0; i-- {
		if m.calls[i].Call.ID == m.openTool {
			m.calls[i].Call.Args = append(m.calls[i].Call.Args, d.Args...)
			return
		}
	}
}

func (m *StreamManager) hasOpenCalls() bool {
	for _, c := range m.calls {
		if c.Result == nil && !IsFinishKind(c.Call.Kind) {
			return true
		}
	}
	return false
}
