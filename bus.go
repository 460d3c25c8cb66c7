package penguin

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// RecipientHuman routes a message to external observers only; no
// conversation is modified.
const RecipientHuman = "human"

// BusKind classifies inter-agent messages.
type BusKind string

const (
	BusKindMessage      BusKind = "message"
	BusKindDelegation   BusKind = "delegation"
	BusKindSystemNotice BusKind = "system_notice"
)

// BusMessage is one routed inter-agent message.
type BusMessage struct {
	Sender    string  `json:"sender"`
	Recipient string  `json:"recipient"`
	Content   string  `json:"content"`
	Channel   string  `json:"channel,omitempty"`
	Kind      BusKind `json:"kind"`
	Timestamp int64   `json:"timestamp"`
}

// BusFilter selects messages for a subscriber. Zero-valued fields are
// wildcards; set fields must all match.
type BusFilter struct {
	Recipient string
	Sender    string
	Channel   string
	Kind      BusKind
}

func (f BusFilter) matches(m BusMessage) bool {
	if f.Recipient != "" && f.Recipient != m.Recipient {
		return false
	}
	if f.Sender != "" && f.Sender != m.Sender {
		return false
	}
	if f.Channel != "" && f.Channel != m.Channel {
		return false
	}
	if f.Kind != "" && f.Kind != m.Kind {
		return false
	}
	return true
}

// BusHandler receives matching messages. Handlers run synchronously on
// the publisher's goroutine; a panic is logged and does not affect
// other subscribers.
type BusHandler func(BusMessage)

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	id      uint64
	filter  BusFilter
	handler BusHandler
}

// MessageBus routes BusMessages between agents and observers. The
// subscriber list is copy-on-write: Publish reads an immutable
// snapshot and never blocks on subscription churn.
type MessageBus struct {
	resolve AgentResolver
	logger  *slog.Logger

	mu     sync.Mutex
	nextID uint64
	subs   atomic.Pointer[[]*Subscription]
}

// BusOption configures a MessageBus.
type BusOption func(*MessageBus)

// WithBusLogger sets the structured logger.
func WithBusLogger(l *slog.Logger) BusOption {
	return func(b *MessageBus) {
		if l != nil {
			b.logger = l
		}
	}
}

// NewMessageBus creates a bus. resolve maps recipient agent ids to
// live agents for conversation delivery; it may be nil, in which case
// only subscribers are served.
func NewMessageBus(resolve AgentResolver, opts ...BusOption) *MessageBus {
	b := &MessageBus{
		resolve: resolve,
		logger:  nopLogger,
	}
	empty := make([]*Subscription, 0)
	b.subs.Store(&empty)
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler for messages matching filter.
func (b *MessageBus) Subscribe(filter BusFilter, handler BusHandler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{id: b.nextID, filter: filter, handler: handler}
	old := *b.subs.Load()
	next := make([]*Subscription, len(old)+1)
	copy(next, old)
	next[len(old)] = sub
	b.subs.Store(&next)
	return sub
}

// Unsubscribe removes a subscription. Unknown handles are a no-op.
func (b *MessageBus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	old := *b.subs.Load()
	next := make([]*Subscription, 0, len(old))
	for _, s := range old {
		if s.id != sub.id {
			next = append(next, s)
		}
	}
	b.subs.Store(&next)
}

// Publish delivers msg synchronously: first to the recipient agent's
// conversation (when the recipient is a registered agent), then to
// every matching subscriber. A failing subscriber never hides the
// message from the rest.
func (b *MessageBus) Publish(msg BusMessage) error {
	if msg.Kind == "" {
		msg.Kind = BusKindMessage
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = NowMillis()
	}

	if msg.Recipient != RecipientHuman {
		if b.resolve == nil {
			return ErrAgentNotFound(msg.Recipient)
		}
		agent, ok := b.resolve(msg.Recipient)
		if !ok {
			return ErrAgentNotFound(msg.Recipient)
		}
		meta := map[string]string{
			"bus_sender": msg.Sender,
			"bus_kind":   string(msg.Kind),
		}
		if msg.Channel != "" {
			meta["bus_channel"] = msg.Channel
		}
		content := msg.Content
		if msg.Kind == BusKindDelegation {
			content = fmt.Sprintf("[delegation from %s] %s", msg.Sender, msg.Content)
		}
		agent.Conversation().Add(RoleUser, content, CategoryConversation, meta)
	}

	for _, sub := range *b.subs.Load() {
		if !sub.filter.matches(msg) {
			continue
		}
		b.deliver(sub, msg)
	}
	return nil
}

func (b *MessageBus) deliver(sub *Subscription, msg BusMessage) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("bus subscriber panicked",
				"recipient", msg.Recipient, "sender", msg.Sender, "panic", fmt.Sprint(r))
		}
	}()
	sub.handler(msg)
}
