package penguin

import "strings"

// ActionTag is a structured tool invocation extracted from assistant text.
// Payload is kept verbatim; argument parsing belongs to the tool invoker.
type ActionTag struct {
	Kind    ActionKind
	Payload string
	// Pos is the byte offset of the opening '<' in the source text.
	Pos int
}

// SegmentKind classifies one piece of parsed assistant output.
type SegmentKind int

const (
	// SegmentText is narration outside any recognized tag.
	SegmentText SegmentKind = iota
	// SegmentAction is a complete, well-formed action tag.
	SegmentAction
	// SegmentSyntaxError is an opening tag of a known kind with no
	// matching close tag.
	SegmentSyntaxError
)

// Segment is one span of parsed output. Raw always holds the exact source
// slice, delimiters included, so concatenating Raw over all segments
// reproduces the input byte for byte.
type Segment struct {
	Kind SegmentKind
	Raw  string
	Tag  *ActionTag
}

// ActionParser extracts ActionTags from assistant text. It recognizes a
// fixed vocabulary of tag kinds; anything else is plain text.
type ActionParser struct {
	kinds map[ActionKind]bool
}

// NewActionParser returns a parser over the full built-in vocabulary.
func NewActionParser() *ActionParser {
	return &ActionParser{kinds: KnownKinds()}
}

// NewActionParserFor returns a parser restricted to the given kinds.
func NewActionParserFor(kinds ...ActionKind) *ActionParser {
	m := make(map[ActionKind]bool, len(kinds))
	for _, k := range kinds {
		m[k] = true
	}
	return &ActionParser{kinds: m}
}

// Parse scans text left to right and returns the ordered segment list.
// Unknown tags stay inside plain-text segments. An unclosed known tag
// yields a SegmentSyntaxError for the opening tag and scanning resumes
// immediately after it.
func (p *ActionParser) Parse(text string) []Segment {
	if text == "" {
		return nil
	}

	var segs []Segment
	plainStart := 0
	i := 0

	flushPlain := func(end int) {
		if end > plainStart {
			segs = append(segs, Segment{Kind: SegmentText, Raw: text[plainStart:end]})
		}
	}

	for i < len(text) {
		if text[i] != '<' {
			i++
			continue
		}
		kind, openEnd := p.matchOpen(text, i)
		if kind == "" {
			i++
			continue
		}
		closeStart, closeEnd := scanForClose(text, openEnd, kind)
		if closeStart < 0 {
			flushPlain(i)
			segs = append(segs, Segment{Kind: SegmentSyntaxError, Raw: text[i:openEnd]})
			plainStart = openEnd
			i = openEnd
			continue
		}
		flushPlain(i)
		segs = append(segs, Segment{
			Kind: SegmentAction,
			Raw:  text[i:closeEnd],
			Tag: &ActionTag{
				Kind:    kind,
				Payload: text[openEnd:closeStart],
				Pos:     i,
			},
		})
		plainStart = closeEnd
		i = closeEnd
	}
	flushPlain(len(text))
	return segs
}

// Tags returns just the well-formed action tags from a segment list,
// in document order.
func Tags(segs []Segment) []ActionTag {
	var tags []ActionTag
	for _, s := range segs {
		if s.Kind == SegmentAction {
			tags = append(tags, *s.Tag)
		}
	}
	return tags
}

// PlainText concatenates the narration segments of a parse, dropping
// tags and malformed openers.
func PlainText(segs []Segment) string {
	var b strings.Builder
	for _, s := range segs {
		if s.Kind == SegmentText {
			b.WriteString(s.Raw)
		}
	}
	return b.String()
}

// PartialOpen reports the byte offset of a trailing fragment that could
// still grow into a recognized opening tag once more text arrives, or
// -1 when the tail cannot open a tag. The fragment is a '<' followed
// only by tag characters forming a prefix of a known kind name, so the
// hold-back is bounded by the longest kind in the vocabulary.
func (p *ActionParser) PartialOpen(text string) int {
	i := strings.LastIndexByte(text, '<')
	if i < 0 {
		return -1
	}
	rest := text[i+1:]
	for k := 0; k < len(rest); k++ {
		if !isTagChar(rest[k]) {
			return -1
		}
	}
	for kind := range p.kinds {
		if strings.HasPrefix(string(kind), rest) {
			return i
		}
	}
	return -1
}

// matchOpen reports whether text[at:] begins with "<kind>" for a
// recognized kind. Returns the kind and the offset just past '>'.
func (p *ActionParser) matchOpen(text string, at int) (ActionKind, int) {
	j := at + 1
	for j < len(text) && isTagChar(text[j]) {
		j++
	}
	if j == at+1 || j >= len(text) || text[j] != '>' {
		return "", 0
	}
	kind := ActionKind(text[at+1 : j])
	if !p.kinds[kind] {
		return "", 0
	}
	return kind, j + 1
}

// scanForClose finds "</kind>" at nesting depth zero, starting at from.
// A same-kind open tag inside the payload raises the depth so that its
// own close tag, one level deeper, does not terminate the outer tag.
// Any other '<' (comparisons, inline HTML, code) is plain payload.
func scanForClose(text string, from int, kind ActionKind) (closeStart, closeEnd int) {
	openTag := "<" + string(kind) + ">"
	closeTag := "</" + string(kind) + ">"
	depth := 0
	for i := from; i < len(text); i++ {
		if text[i] != '<' {
			continue
		}
		switch {
		case strings.HasPrefix(text[i:], closeTag):
			if depth == 0 {
				return i, i + len(closeTag)
			}
			depth--
		case strings.HasPrefix(text[i:], openTag):
			depth++
		}
	}
	return -1, -1
}

func isTagChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c == '_'
}
