package penguin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// sliceSource replays a fixed chunk script, then reports EOF.
type sliceSource struct {
	chunks []Chunk
	i      int
}

func (s *sliceSource) Recv(_ context.Context) (Chunk, error) {
	if s.i >= len(s.chunks) {
		return Chunk{}, io.EOF
	}
	c := s.chunks[s.i]
	s.i++
	return c, nil
}

func (s *sliceSource) Close() error { return nil }

// scriptedProvider serves one chunk script per OpenStream call, in
// order. Calls past the last script fail.
type scriptedProvider struct {
	mu      sync.Mutex
	scripts [][]Chunk
	openErr []error // optional per-call open failure, aligned with scripts
	calls   int
	// requests records every StreamRequest for assertions.
	requests []StreamRequest
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) OpenStream(_ context.Context, req StreamRequest) (ChunkSource, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.calls
	p.calls++
	p.requests = append(p.requests, req)
	if n < len(p.openErr) && p.openErr[n] != nil {
		return nil, p.openErr[n]
	}
	if n >= len(p.scripts) {
		return nil, &ErrProvider{Provider: "scripted", Message: fmt.Sprintf("no script for call %d", n)}
	}
	return &sliceSource{chunks: p.scripts[n]}, nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// textScript builds a stream of text chunks closed by ChunkEnd.
func textScript(parts ...string) []Chunk {
	var chunks []Chunk
	for _, t := range parts {
		chunks = append(chunks, Chunk{Kind: ChunkText, Text: t})
	}
	return append(chunks, Chunk{Kind: ChunkEnd})
}

// staticTool registers a tool that always returns output.
func staticTool(name, output string) ToolSpec {
	return ToolSpec{
		Name: name,
		Invoke: func(_ context.Context, _ ToolContext, _ string, _ json.RawMessage) (string, error) {
			return output, nil
		},
	}
}

func newEngineFixture(scripts ...[]Chunk) (*Engine, *scriptedProvider, *ToolRegistry) {
	provider := &scriptedProvider{scripts: scripts}
	registry := NewToolRegistry()
	dispatcher := NewDispatcher(registry)
	engine := NewEngine(provider, dispatcher, registry, WithEngineCoalescing(0, defaultCoalesceBytes))
	return engine, provider, registry
}

func newTestAgent(id string) *Agent {
	return NewAgent(id, ModelBinding{Provider: "scripted", Model: "test"},
		NewContextWindow(8000), WithPersona("You are a test agent."))
}
