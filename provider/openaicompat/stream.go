package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/nevindra/penguin"
)

// sseSource decodes a chat completions SSE body into engine chunks.
//
// One SSE event may carry text, reasoning, tool fragments, and usage
// at once; decoded chunks queue up and Recv drains them one at a time.
type sseSource struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	pending []penguin.Chunk
	endSent bool
}

var _ penguin.ChunkSource = (*sseSource)(nil)

func newSSESource(body io.ReadCloser) *sseSource {
	scanner := bufio.NewScanner(body)
	// large SSE payloads
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	return &sseSource{
		body:    body,
		scanner: scanner,
	}
}

func (s *sseSource) Recv(ctx context.Context) (penguin.Chunk, error) {
	for {
		if err := ctx.Err(); err != nil {
			return penguin.Chunk{}, err
		}
		if len(s.pending) > 0 {
			c := s.pending[0]
			s.pending = s.pending[1:]
			return c, nil
		}
		if s.endSent {
			return penguin.Chunk{}, io.EOF
		}

		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return penguin.Chunk{}, err
			}
			// body ended without [DONE]; still close out the stream
			s.endSent = true
			return penguin.Chunk{Kind: penguin.ChunkEnd}, nil
		}

		line := s.scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			s.endSent = true
			return penguin.Chunk{Kind: penguin.ChunkEnd}, nil
		}

		var chunk ChatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// skip malformed events
			continue
		}
		s.decode(chunk)
	}
}

func (s *sseSource) decode(chunk ChatResponse) {
	if chunk.Usage != nil {
		s.pending = append(s.pending, penguin.Chunk{
			Kind: penguin.ChunkUsage,
			Usage: penguin.Usage{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
			},
		})
	}
	if len(chunk.Choices) == 0 {
		return
	}
	delta := chunk.Choices[0].Delta
	if delta == nil {
		return
	}

	if delta.ReasoningContent != "" {
		s.pending = append(s.pending, penguin.Chunk{
			Kind: penguin.ChunkReasoning,
			Text: delta.ReasoningContent,
		})
	}
	if delta.Content != "" {
		s.pending = append(s.pending, penguin.Chunk{
			Kind: penguin.ChunkText,
			Text: delta.Content,
		})
	}
	for _, tc := range delta.ToolCalls {
		// fragments without an id continue the most recently opened
		// call; the stream manager appends them to it
		s.pending = append(s.pending, penguin.Chunk{
			Kind: penguin.ChunkToolDelta,
			Tool: penguin.ToolDelta{
				ID:   tc.ID,
				Name: tc.Function.Name,
				Args: tc.Function.Arguments,
			},
		})
	}
}

func (s *sseSource) Close() error { return s.body.Close() }
