package penguin

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/text/unicode/norm"
)

// metaPermanent marks the system prompt message as never-trimmed.
const metaPermanent = "permanent"

// Conversation owns the live Session of one agent. The engine is the
// only writer; snapshot serialization and history reads take the read
// lock for their duration.
type Conversation struct {
	mu      sync.RWMutex
	session Session
	window  *ContextWindow
	total   int
	logger  *slog.Logger
}

// ConversationOption configures a Conversation.
type ConversationOption func(*Conversation)

// WithConversationLogger sets the structured logger.
func WithConversationLogger(l *slog.Logger) ConversationOption {
	return func(c *Conversation) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewConversation creates an empty conversation for agentID.
func NewConversation(agentID string, window *ContextWindow, opts ...ConversationOption) *Conversation {
	c := &Conversation{
		session: Session{
			ID:        NewID(),
			AgentID:   agentID,
			CreatedAt: NowMillis(),
		},
		window: window,
		logger: nopLogger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Add normalizes content, computes tokens, appends, and trims if the
// total went over budget. Returns the stored message.
func (c *Conversation) Add(role Role, content string, category Category, metadata map[string]string) Message {
	msg := Message{
		ID:        NewID(),
		Role:      role,
		Content:   norm.NFC.String(content),
		Category:  category,
		CreatedAt: NowMillis(),
		Metadata:  metadata,
	}
	return c.Append(msg)
}

// Append inserts a prepared message (assistant turns with tool calls,
// tool results). Content is normalized and tokens recomputed here so
// the running total stays consistent.
func (c *Conversation) Append(msg Message) Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	msg.Content = norm.NFC.String(msg.Content)
	msg.Tokens = c.window.Count(msg.Content)
	if msg.ID == "" {
		msg.ID = NewID()
	}
	if msg.CreatedAt == 0 {
		msg.CreatedAt = NowMillis()
	}
	msg.Seq = c.session.NextSeq
	c.session.NextSeq++
	c.session.Messages = append(c.session.Messages, msg)
	c.session.LastActive = NowMillis()
	c.total += msg.Tokens

	if c.window.NeedsTrim(c.total) {
		c.trimLocked(false)
	}
	return msg
}

// SetSystemPrompt replaces any existing system prompt message.
func (c *Conversation) SetSystemPrompt(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	text = norm.NFC.String(text)
	kept := c.session.Messages[:0]
	for _, m := range c.session.Messages {
		if m.Category == CategorySystemPrompt {
			c.total -= m.Tokens
			continue
		}
		kept = append(kept, m)
	}
	c.session.Messages = kept

	msg := Message{
		ID:        NewID(),
		Role:      RoleSystem,
		Content:   text,
		Category:  CategorySystemPrompt,
		Tokens:    c.window.Count(text),
		CreatedAt: NowMillis(),
		Metadata:  map[string]string{metaPermanent: "true"},
		Seq:       c.session.NextSeq,
	}
	c.session.NextSeq++
	// prepend so the prompt leads the raw log as well as the API view
	c.session.Messages = append([]Message{msg}, c.session.Messages...)
	c.total += msg.Tokens
}

// SystemPrompt returns the current system prompt text, or "".
func (c *Conversation) SystemPrompt() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, m := range c.session.Messages {
		if m.Category == CategorySystemPrompt {
			return m.Content
		}
	}
	return ""
}

// APIView materializes the exact message sequence the provider sees:
// system prompt first, then declarative notes, then working memory,
// then conversation and tool memory merged in creation order.
func (c *Conversation) APIView() []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var system, notes, working, merged []Message
	for _, m := range c.session.Messages {
		switch m.Category {
		case CategorySystemPrompt:
			system = append(system, m)
		case CategoryDeclarativeNotes:
			notes = append(notes, m)
		case CategoryWorkingMemory:
			working = append(working, m)
		default:
			merged = append(merged, m)
		}
	}
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].CreatedAt != merged[j].CreatedAt {
			return merged[i].CreatedAt < merged[j].CreatedAt
		}
		return merged[i].Seq < merged[j].Seq
	})

	view := make([]Message, 0, len(c.session.Messages))
	view = append(view, system...)
	view = append(view, notes...)
	view = append(view, working...)
	view = append(view, merged...)
	return view
}

// Window returns the context window manager sizing this conversation.
func (c *Conversation) Window() *ContextWindow { return c.window }

// TokenTotal returns the running token total.
func (c *Conversation) TokenTotal() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.total
}

// Len returns the number of messages in the live session.
func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.session.Messages)
}

// AgentID returns the owning agent's id.
func (c *Conversation) AgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session.AgentID
}

// SessionID returns the live session's id.
func (c *Conversation) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session.ID
}

// Messages returns a copy of the raw message log in insertion order.
func (c *Conversation) Messages() []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Message, len(c.session.Messages))
	copy(out, c.session.Messages)
	return out
}

// Trim applies the standard trim pass immediately.
func (c *Conversation) Trim() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trimLocked(false)
}

// TrimAggressive halves non-system targets. Second-chance pass before
// the engine reports the window exceeded.
func (c *Conversation) TrimAggressive() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trimLocked(true)
}

func (c *Conversation) trimLocked(aggressive bool) {
	before := len(c.session.Messages)
	var kept []Message
	var total int
	if aggressive {
		kept, total = c.window.TrimAggressive(c.session.Messages)
	} else {
		kept, total = c.window.Trim(c.session.Messages)
	}
	c.session.Messages = kept
	c.total = total
	if removed := before - len(kept); removed > 0 {
		c.logger.Debug("context trimmed",
			"session", c.session.ID, "removed", removed, "total_tokens", total)
	}
}

// conversationState is the reversible serialization of a Conversation.
type conversationState struct {
	Session Session `json:"session"`
}

// SnapshotState serializes the live session. The blob round-trips
// through RestoreState byte-identically after a process restart.
func (c *Conversation) SnapshotState() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(conversationState{Session: c.session})
}

// RestoreState replaces the live session with the deserialized one.
// Token totals are recomputed under the current tokenizer. On error the
// conversation is unchanged.
func (c *Conversation) RestoreState(blob []byte) error {
	var st conversationState
	if err := json.Unmarshal(blob, &st); err != nil {
		return fmt.Errorf("restore conversation: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = st.Session
	c.total = 0
	for i := range c.session.Messages {
		c.session.Messages[i].Tokens = c.window.Count(c.session.Messages[i].Content)
		c.total += c.session.Messages[i].Tokens
	}
	return nil
}

// NewSession archives the live session to the store and starts a fresh
// one. The system prompt carries over. Returns the archive snapshot id.
func (c *Conversation) NewSession(store SnapshotStore) (string, error) {
	blob, err := c.SnapshotState()
	if err != nil {
		return "", err
	}
	c.mu.RLock()
	meta := SnapshotMeta{
		Name:   "session-archive",
		Labels: map[string]string{"agent_id": c.session.AgentID, "session_id": c.session.ID},
	}
	c.mu.RUnlock()
	id, err := store.Snapshot(blob, "", meta)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	var prompt *Message
	for _, m := range c.session.Messages {
		if m.Category == CategorySystemPrompt {
			p := m
			prompt = &p
			break
		}
	}
	c.session = Session{
		ID:        NewID(),
		AgentID:   c.session.AgentID,
		CreatedAt: NowMillis(),
	}
	c.total = 0
	if prompt != nil {
		prompt.Seq = c.session.NextSeq
		c.session.NextSeq++
		c.session.Messages = append(c.session.Messages, *prompt)
		c.total = prompt.Tokens
	}
	return id, nil
}

// BranchFrom restores a stored snapshot into a brand-new Conversation.
// The returned conversation shares nothing with the snapshot's origin.
func BranchFrom(store SnapshotStore, snapshotID string, window *ContextWindow, opts ...ConversationOption) (*Conversation, string, error) {
	newID, blob, err := store.BranchFrom(snapshotID, SnapshotMeta{Name: "branch"})
	if err != nil {
		return nil, "", err
	}
	if blob == nil {
		return nil, "", fmt.Errorf("snapshot %s not found", snapshotID)
	}
	c := NewConversation("", window, opts...)
	if err := c.RestoreState(blob); err != nil {
		return nil, "", err
	}
	// the branch gets its own session identity
	c.mu.Lock()
	c.session.ID = NewID()
	c.mu.Unlock()
	return c, newID, nil
}
