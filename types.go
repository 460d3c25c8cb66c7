package penguin

import (
	"encoding/json"
	"time"
)

// Role identifies who produced a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Category is the budget tier a message belongs to. The context window
// manager allocates token budget per category and trims within it.
// Category is immutable after the message is created.
type Category string

const (
	// CategorySystemPrompt is never trimmed.
	CategorySystemPrompt Category = "system_prompt"
	// CategoryDeclarativeNotes holds durable notes the agent wrote for itself.
	CategoryDeclarativeNotes Category = "declarative_notes"
	// CategoryWorkingMemory holds scratch state for the current objective.
	CategoryWorkingMemory Category = "working_memory"
	// CategoryConversation holds the user/assistant exchange.
	CategoryConversation Category = "conversation"
	// CategoryToolMemory holds tool results fed back to the LLM.
	CategoryToolMemory Category = "tool_memory"
)

// trimOrder is the fixed order in which categories give up tokens.
// system_prompt is absent: it is never trimmed.
var trimOrder = []Category{
	CategoryToolMemory,
	CategoryConversation,
	CategoryWorkingMemory,
	CategoryDeclarativeNotes,
}

// Message is a single turn or fragment in a conversation.
type Message struct {
	ID       string   `json:"id"`
	Role     Role     `json:"role"`
	Content  string   `json:"content"`
	Category Category `json:"category"`
	// Tokens is the token count of Content, recomputed whenever Content
	// mutates. Conversation keeps the sum of all Tokens as its running total.
	Tokens int `json:"tokens"`
	// Seq is a per-session monotonic sequence number assigned at insertion.
	// It orders messages deterministically even when wall clocks collide.
	Seq int64 `json:"seq"`
	// CreatedAt is wall-clock time in Unix milliseconds.
	CreatedAt int64 `json:"created_at"`
	// ToolCalls records structured invocations the assistant emitted in this turn.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// ToolCallID links a tool-role message back to the call it answers.
	ToolCallID string            `json:"tool_call_id,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// ToolCall is a structured tool invocation attached to an assistant message.
type ToolCall struct {
	ID      string          `json:"id"`
	Kind    ActionKind      `json:"kind"`
	Name    string          `json:"name"`
	Payload string          `json:"payload"`
	Args    json.RawMessage `json:"args,omitempty"`
}

// Session is an ordered sequence of messages with identity.
type Session struct {
	ID         string            `json:"id"`
	AgentID    string            `json:"agent_id"`
	CreatedAt  int64             `json:"created_at"`
	LastActive int64             `json:"last_active"`
	Messages   []Message         `json:"messages"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	// NextSeq is the sequence number the next inserted message receives.
	NextSeq int64 `json:"next_seq"`
}

// Usage tracks token consumption across LLM calls.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates another usage sample.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// ModelBinding names the provider and model an agent is bound to.
type ModelBinding struct {
	Provider string            `json:"provider"`
	Model    string            `json:"model"`
	Params   map[string]string `json:"params,omitempty"`
}

// CompletionReason explains why a run terminated.
type CompletionReason string

const (
	CompletionNormal   CompletionReason = "normal"
	CompletionToolExit CompletionReason = "tool_exit"
	// CompletionImplicit: three consecutive trivial responses with no new
	// tool results and no explicit finish tag.
	CompletionImplicit     CompletionReason = "implicit_completion"
	CompletionCancelled    CompletionReason = "cancelled"
	CompletionError        CompletionReason = "error"
	CompletionIterationCap CompletionReason = "iteration_cap"
)

// NowMillis returns current wall-clock time in Unix milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// --- Message constructors ---

func UserMessage(text string) Message {
	return Message{ID: NewID(), Role: RoleUser, Content: text, Category: CategoryConversation, CreatedAt: NowMillis()}
}

func SystemMessage(text string) Message {
	return Message{ID: NewID(), Role: RoleSystem, Content: text, Category: CategorySystemPrompt, CreatedAt: NowMillis()}
}

func AssistantMessage(text string) Message {
	return Message{ID: NewID(), Role: RoleAssistant, Content: text, Category: CategoryConversation, CreatedAt: NowMillis()}
}

func ToolResultMessage(callID, content string) Message {
	return Message{ID: NewID(), Role: RoleTool, Content: content, Category: CategoryToolMemory, ToolCallID: callID, CreatedAt: NowMillis()}
}
