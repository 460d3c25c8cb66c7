package penguin

import (
	"log/slog"
	"sort"
)

// Tokenizer counts tokens for budget accounting. The tokenizer/tiktoken
// subpackage provides an exact implementation; ApproxTokenizer is the
// model-agnostic fallback.
type Tokenizer interface {
	Count(text string) int
}

// ApproxTokenizer estimates ceil(bytes/4) tokens. Used when no exact
// encoding is available for the bound model.
type ApproxTokenizer struct{}

func (ApproxTokenizer) Count(text string) int {
	return (len(text) + 3) / 4
}

// Default category fractions of the available window. They sum to 1.0.
var defaultFractions = map[Category]float64{
	CategorySystemPrompt:     0.15,
	CategoryDeclarativeNotes: 0.20,
	CategoryWorkingMemory:    0.20,
	CategoryConversation:     0.30,
	CategoryToolMemory:       0.15,
}

const defaultReservedFraction = 0.10

// ContextWindow allocates the token budget of one model window across
// message categories and trims a message log to fit.
type ContextWindow struct {
	maxTokens int
	reserved  float64
	fractions map[Category]float64
	tokenizer Tokenizer
	logger    *slog.Logger
}

// WindowOption configures a ContextWindow.
type WindowOption func(*ContextWindow)

// WithTokenizer sets the token counter (default: ApproxTokenizer).
func WithTokenizer(t Tokenizer) WindowOption {
	return func(w *ContextWindow) {
		if t != nil {
			w.tokenizer = t
		}
	}
}

// WithReservedFraction sets the share of the window held back for the
// response (default 0.10).
func WithReservedFraction(f float64) WindowOption {
	return func(w *ContextWindow) {
		if f > 0 && f < 1 {
			w.reserved = f
		}
	}
}

// WithFractions overrides the per-category budget fractions. Fractions
// must cover every category and sum to 1.0; invalid maps are ignored.
func WithFractions(fr map[Category]float64) WindowOption {
	return func(w *ContextWindow) {
		var sum float64
		for _, f := range fr {
			sum += f
		}
		if len(fr) == len(defaultFractions) && sum > 0.999 && sum < 1.001 {
			w.fractions = fr
		}
	}
}

// WithWindowLogger sets the structured logger.
func WithWindowLogger(l *slog.Logger) WindowOption {
	return func(w *ContextWindow) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewContextWindow creates a manager for a model window of maxTokens.
func NewContextWindow(maxTokens int, opts ...WindowOption) *ContextWindow {
	w := &ContextWindow{
		maxTokens: maxTokens,
		reserved:  defaultReservedFraction,
		fractions: defaultFractions,
		tokenizer: ApproxTokenizer{},
		logger:    nopLogger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Count returns the token count for text under the configured tokenizer.
func (w *ContextWindow) Count(text string) int {
	return w.tokenizer.Count(text)
}

// Available returns the window budget after the response reservation.
func (w *ContextWindow) Available() int {
	return w.maxTokens - int(float64(w.maxTokens)*w.reserved)
}

// NeedsTrim reports whether the running total exceeds the budget.
func (w *ContextWindow) NeedsTrim(totalTokens int) bool {
	return totalTokens > w.Available()
}

// Trim removes the oldest messages per category until every non-system
// category fits its target. The system prompt is never touched.
// Returns the kept messages in original order and the new token total.
// Deterministic: identical input always trims identically.
func (w *ContextWindow) Trim(msgs []Message) ([]Message, int) {
	return w.trim(msgs, 1.0)
}

// TrimAggressive halves every non-system target. The engine uses it as
// the second pass before giving up with a window-exceeded error.
func (w *ContextWindow) TrimAggressive(msgs []Message) ([]Message, int) {
	return w.trim(msgs, 0.5)
}

func (w *ContextWindow) trim(msgs []Message, scale float64) ([]Message, int) {
	available := w.Available()

	var systemTokens int
	perCat := map[Category]int{}
	for _, m := range msgs {
		if m.Category == CategorySystemPrompt {
			systemTokens += m.Tokens
		} else {
			perCat[m.Category] += m.Tokens
		}
	}
	if systemTokens > available {
		w.logger.Warn("system prompt alone exceeds available window",
			"system_tokens", systemTokens, "available", available)
	}

	// Targets are shares of what remains after the system prompt.
	base := available - systemTokens
	if base < 0 {
		base = 0
	}
	drop := map[string]bool{}
	for _, cat := range trimOrder {
		target := int(w.fractions[cat] * float64(base) * scale)
		have := perCat[cat]
		if have <= target {
			continue
		}
		oldest := oldestFirst(msgs, cat)
		for _, m := range oldest {
			if have <= target {
				break
			}
			drop[m.ID] = true
			have -= m.Tokens
		}
		perCat[cat] = have
	}

	kept := make([]Message, 0, len(msgs)-len(drop))
	total := 0
	for _, m := range msgs {
		if drop[m.ID] {
			continue
		}
		kept = append(kept, m)
		total += m.Tokens
	}
	return kept, total
}

// oldestFirst returns the category's messages sorted by creation time,
// sequence number breaking wall-clock ties.
func oldestFirst(msgs []Message, cat Category) []Message {
	var out []Message
	for _, m := range msgs {
		if m.Category == cat {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}
