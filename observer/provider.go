package observer

import (
	"context"
	"io"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/nevindra/penguin"
)

// WrapProvider instruments a provider: each OpenStream counts one
// llm.requests, usage chunks feed llm.token.usage, and the stream's
// wall-clock time lands in llm.duration when it drains.
func WrapProvider(p penguin.Provider, inst *Instruments) penguin.Provider {
	if inst == nil {
		return p
	}
	return &instrumentedProvider{inner: p, inst: inst}
}

type instrumentedProvider struct {
	inner penguin.Provider
	inst  *Instruments
}

func (p *instrumentedProvider) Name() string { return p.inner.Name() }

func (p *instrumentedProvider) OpenStream(ctx context.Context, req penguin.StreamRequest) (penguin.ChunkSource, error) {
	attrs := []attribute.KeyValue{
		AttrLLMProvider.String(p.inner.Name()),
		AttrLLMModel.String(req.Binding.Model),
	}
	p.inst.LLMRequests.Add(ctx, 1, metric.WithAttributes(attrs...))
	src, err := p.inner.OpenStream(ctx, req)
	if err != nil {
		return nil, err
	}
	return &instrumentedSource{inner: src, inst: p.inst, attrs: attrs, start: time.Now()}, nil
}

type instrumentedSource struct {
	inner    penguin.ChunkSource
	inst     *Instruments
	attrs    []attribute.KeyValue
	start    time.Time
	recorded bool
}

func (s *instrumentedSource) Recv(ctx context.Context) (penguin.Chunk, error) {
	c, err := s.inner.Recv(ctx)
	if err != nil {
		if err == io.EOF && !s.recorded {
			s.recorded = true
			s.inst.LLMDuration.Record(ctx,
				float64(time.Since(s.start))/float64(time.Millisecond),
				metric.WithAttributes(s.attrs...))
		}
		return c, err
	}
	if c.Kind == penguin.ChunkUsage {
		if c.Usage.InputTokens > 0 {
			s.inst.TokenUsage.Add(ctx, int64(c.Usage.InputTokens),
				metric.WithAttributes(append(s.attrs, attribute.String("token.type", "input"))...))
		}
		if c.Usage.OutputTokens > 0 {
			s.inst.TokenUsage.Add(ctx, int64(c.Usage.OutputTokens),
				metric.WithAttributes(append(s.attrs, attribute.String("token.type", "output"))...))
		}
	}
	return c, nil
}

func (s *instrumentedSource) Close() error { return s.inner.Close() }

// compile-time check
var _ penguin.Provider = (*instrumentedProvider)(nil)
