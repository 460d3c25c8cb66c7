package penguin

import (
	"sync"
)

// ExecutionState is an agent's coarse lifecycle position.
type ExecutionState string

const (
	StateAgentIdle      ExecutionState = "idle"
	StateAgentRunning   ExecutionState = "running"
	StateAgentPaused    ExecutionState = "paused"
	StateAgentError     ExecutionState = "error"
	StateAgentCompleted ExecutionState = "completed"
)

// Agent is a named actor bound to one provider model. It exclusively
// owns its Conversation; the engine is the only writer while a turn runs.
type Agent struct {
	id        string
	binding   ModelBinding
	persona   string
	parentID  string
	createdAt int64
	conv      *Conversation

	mu     sync.Mutex
	paused bool
	state  ExecutionState
}

// AgentOption configures a new Agent.
type AgentOption func(*Agent)

// WithPersona sets the persona text, installed as the system prompt.
func WithPersona(p string) AgentOption {
	return func(a *Agent) { a.persona = p }
}

// WithParent links the agent under a parent agent id.
func WithParent(parentID string) AgentOption {
	return func(a *Agent) { a.parentID = parentID }
}

// NewAgent creates an agent with a fresh conversation sized by window.
func NewAgent(id string, binding ModelBinding, window *ContextWindow, opts ...AgentOption) *Agent {
	a := &Agent{
		id:        id,
		binding:   binding,
		createdAt: NowMillis(),
		state:     StateAgentIdle,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.conv = NewConversation(id, window)
	if a.persona != "" {
		a.conv.SetSystemPrompt(a.persona)
	}
	return a
}

// ID returns the agent id.
func (a *Agent) ID() string { return a.id }

// Binding returns the provider/model binding.
func (a *Agent) Binding() ModelBinding { return a.binding }

// Persona returns the persona text, if any.
func (a *Agent) Persona() string { return a.persona }

// ParentID returns the parent agent id, or "".
func (a *Agent) ParentID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.parentID
}

// setParent rebinds the parent pointer. Used when the parent is
// deleted and the agent becomes a root.
func (a *Agent) setParent(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.parentID = id
}

// Conversation returns the agent's owned conversation.
func (a *Agent) Conversation() *Conversation {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conv
}

// swapConversation replaces the owned conversation wholesale. Used
// when a snapshot branch is loaded into the agent.
func (a *Agent) swapConversation(c *Conversation) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.conv = c
}

// Paused reports whether the agent is administratively paused.
func (a *Agent) Paused() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.paused
}

// SetPaused flips the pause flag. The engine honors it at the next
// suspension point.
func (a *Agent) SetPaused(p bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.paused = p
	if p {
		a.state = StateAgentPaused
	} else if a.state == StateAgentPaused {
		a.state = StateAgentIdle
	}
}

// State returns the execution state.
func (a *Agent) State() ExecutionState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agent) setState(s ExecutionState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = s
}

// AgentProfile is the externally visible agent summary.
type AgentProfile struct {
	ID        string         `json:"id"`
	Persona   string         `json:"persona,omitempty"`
	Binding   ModelBinding   `json:"model_binding"`
	ParentID  string         `json:"parent_id,omitempty"`
	Paused    bool           `json:"paused"`
	State     ExecutionState `json:"state"`
	SessionID string         `json:"session_id"`
	Messages  int            `json:"messages"`
	Tokens    int            `json:"tokens"`
	CreatedAt int64          `json:"created_at"`
}

// Profile returns a point-in-time summary.
func (a *Agent) Profile() AgentProfile {
	a.mu.Lock()
	paused, state, parent := a.paused, a.state, a.parentID
	a.mu.Unlock()
	return AgentProfile{
		ID:        a.id,
		Persona:   a.persona,
		Binding:   a.binding,
		ParentID:  parent,
		Paused:    paused,
		State:     state,
		SessionID: a.conv.SessionID(),
		Messages:  a.conv.Len(),
		Tokens:    a.conv.TokenTotal(),
		CreatedAt: a.createdAt,
	}
}
