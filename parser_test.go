package penguin

import (
	"strings"
	"testing"
)

func reassemble(segs []Segment) string {
	var b strings.Builder
	for _, s := range segs {
		b.WriteString(s.Raw)
	}
	return b.String()
}

func TestParseEmptyInput(t *testing.T) {
	p := NewActionParser()
	if segs := p.Parse(""); len(segs) != 0 {
		t.Fatalf("expected no segments, got %d", len(segs))
	}
}

func TestParsePlainTextOnly(t *testing.T) {
	p := NewActionParser()
	segs := p.Parse("just narration, no tags here")
	if len(segs) != 1 || segs[0].Kind != SegmentText {
		t.Fatalf("expected one text segment, got %+v", segs)
	}
	if segs[0].Raw != "just narration, no tags here" {
		t.Errorf("text segment altered: %q", segs[0].Raw)
	}
}

func TestParseSingleTag(t *testing.T) {
	p := NewActionParser()
	segs := p.Parse("<execute>print('hi')</execute>")
	if len(segs) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(segs))
	}
	tag := segs[0].Tag
	if segs[0].Kind != SegmentAction || tag == nil {
		t.Fatalf("expected action segment, got %+v", segs[0])
	}
	if tag.Kind != ActionExecute {
		t.Errorf("kind = %q, want execute", tag.Kind)
	}
	if tag.Payload != "print('hi')" {
		t.Errorf("payload = %q", tag.Payload)
	}
	if tag.Pos != 0 {
		t.Errorf("pos = %d, want 0", tag.Pos)
	}
}

func TestParseInterleavedNarration(t *testing.T) {
	p := NewActionParser()
	in := "Let me check.\n<read>/etc/hosts</read>\nDone, now searching.\n<search>needle</search> bye"
	segs := p.Parse(in)

	tags := Tags(segs)
	if len(tags) != 2 {
		t.Fatalf("expected 2 tags, got %d", len(tags))
	}
	if tags[0].Kind != ActionRead || tags[0].Payload != "/etc/hosts" {
		t.Errorf("tag 0 = %+v", tags[0])
	}
	if tags[1].Kind != ActionSearch || tags[1].Payload != "needle" {
		t.Errorf("tag 1 = %+v", tags[1])
	}
	if tags[0].Pos >= tags[1].Pos {
		t.Errorf("positions not ordered: %d, %d", tags[0].Pos, tags[1].Pos)
	}
	if got := PlainText(segs); !strings.Contains(got, "Let me check.") || !strings.Contains(got, "now searching") {
		t.Errorf("narration lost: %q", got)
	}
}

func TestParseUnknownTagIsPlainText(t *testing.T) {
	p := NewActionParser()
	in := "look: <bold>emphasis</bold> and <thing>x</thing>"
	segs := p.Parse(in)
	for _, s := range segs {
		if s.Kind != SegmentText {
			t.Fatalf("unknown tag produced non-text segment: %+v", s)
		}
	}
	if reassemble(segs) != in {
		t.Errorf("round trip failed: %q", reassemble(segs))
	}
}

func TestParseNestedSameKind(t *testing.T) {
	p := NewActionParser()
	in := "<execute>outer <execute>inner</execute> tail</execute>"
	segs := p.Parse(in)
	tags := Tags(segs)
	if len(tags) != 1 {
		t.Fatalf("expected 1 tag, got %d", len(tags))
	}
	if tags[0].Payload != "outer <execute>inner</execute> tail" {
		t.Errorf("nested close terminated outer tag: payload = %q", tags[0].Payload)
	}
}

func TestParsePayloadWithAngleBrackets(t *testing.T) {
	p := NewActionParser()
	in := "<execute>if a < b: print('<br>', 1<<3)</execute>"
	segs := p.Parse(in)
	tags := Tags(segs)
	if len(tags) != 1 {
		t.Fatalf("expected 1 tag, got %d", len(tags))
	}
	if tags[0].Payload != "if a < b: print('<br>', 1<<3)" {
		t.Errorf("payload = %q", tags[0].Payload)
	}
}

func TestParseUnclosedTag(t *testing.T) {
	p := NewActionParser()
	in := "before <write>path: half written... and then <read>/ok</read>"
	segs := p.Parse(in)

	var errSegs int
	for _, s := range segs {
		if s.Kind == SegmentSyntaxError {
			errSegs++
			if s.Raw != "<write>" {
				t.Errorf("syntax-error segment = %q, want the opening tag", s.Raw)
			}
		}
	}
	if errSegs != 1 {
		t.Fatalf("expected 1 syntax-error segment, got %d", errSegs)
	}

	// scanning resumes after the bad opener; the later tag still parses
	tags := Tags(segs)
	if len(tags) != 1 || tags[0].Kind != ActionRead {
		t.Fatalf("expected the trailing read tag, got %+v", tags)
	}
	if reassemble(segs) != in {
		t.Errorf("round trip failed: %q", reassemble(segs))
	}
}

func TestParsePayloadPreservedVerbatim(t *testing.T) {
	p := NewActionParser()
	payload := "\n  line one\n\tline two  \n"
	segs := p.Parse("<execute>" + payload + "</execute>")
	tags := Tags(segs)
	if len(tags) != 1 || tags[0].Payload != payload {
		t.Fatalf("payload whitespace not preserved: %q", tags[0].Payload)
	}
}

func TestParseRoundTrip(t *testing.T) {
	inputs := []string{
		"",
		"plain",
		"<execute>x</execute>",
		"a<execute>x</execute>b<read>y</read>c",
		"unclosed <execute> trailing text",
		"<unknown>stuff</unknown> then <finish_response></finish_response>",
		"math: 3 < 5 and 7 > 2",
		"<write>f.txt: content with </half> close</write>",
		"<execute>nested <execute>deep</execute> out</execute> done",
	}
	p := NewActionParser()
	for _, in := range inputs {
		if got := reassemble(p.Parse(in)); got != in {
			t.Errorf("round trip: got %q, want %q", got, in)
		}
	}
}

func TestParseDeterministic(t *testing.T) {
	p := NewActionParser()
	in := "a <execute>x</execute> b <broken> c <search>q</search>"
	first := p.Parse(in)
	for range 10 {
		again := p.Parse(in)
		if len(again) != len(first) {
			t.Fatalf("segment count varies: %d vs %d", len(again), len(first))
		}
		for i := range again {
			if again[i].Raw != first[i].Raw || again[i].Kind != first[i].Kind {
				t.Fatalf("segment %d varies: %+v vs %+v", i, again[i], first[i])
			}
		}
	}
}

func TestParseRestrictedVocabulary(t *testing.T) {
	p := NewActionParserFor(ActionRead)
	segs := p.Parse("<read>a</read><execute>b</execute>")
	tags := Tags(segs)
	if len(tags) != 1 || tags[0].Kind != ActionRead {
		t.Fatalf("expected only read to parse, got %+v", tags)
	}
}

func TestPartialOpen(t *testing.T) {
	p := NewActionParser()
	cases := []struct {
		in   string
		want int
	}{
		{"", -1},
		{"plain text", -1},
		{"done <", 5},
		{"<exec", 0},
		{"<finish_", 0},
		{"<finish_response", 0},
		{"a < b", -1},
		{"x </exec", -1},
		{"<execute>ls", -1}, // complete opener is the parser's business
		{"<zzz", -1},        // no kind starts with zzz
	}
	for _, c := range cases {
		if got := p.PartialOpen(c.in); got != c.want {
			t.Errorf("PartialOpen(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestParseFinishStatusMarker(t *testing.T) {
	cases := []struct {
		payload string
		want    TaskStatus
	}{
		{"All steps finished. [FINISH_STATUS:done]", TaskStatusDone},
		{"[FINISH_STATUS:partial] two of three steps", TaskStatusPartial},
		{"[FINISH_STATUS:blocked] waiting on credentials", TaskStatusBlocked},
		// marker wins over narration keywords
		{"the rest is blocked on review [FINISH_STATUS:done]", TaskStatusDone},
		{`{"summary": "migrated the schema", "status": "partial"}`, TaskStatusPartial},
		// keyword fallback only when no marker
		{"work is blocked on the API quota", TaskStatusBlocked},
		{"partial progress on the import", TaskStatusPartial},
		{"finished everything", TaskStatusDone},
		{"", TaskStatusDone},
		{"[FINISH_STATUS:garbage] nothing useful", TaskStatusDone},
	}
	for _, c := range cases {
		if got := ParseFinishStatus(c.payload); got != c.want {
			t.Errorf("ParseFinishStatus(%q) = %q, want %q", c.payload, got, c.want)
		}
	}
}
