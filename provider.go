package penguin

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"time"
)

// ToolDefinition is the provider-facing description of a registered tool.
type ToolDefinition struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Parameters  map[string]string `json:"parameters,omitempty"`
}

// StreamRequest is one provider call: the materialized API view plus the
// agent's model binding and visible tools.
type StreamRequest struct {
	Messages []Message
	Binding  ModelBinding
	Tools    []ToolDefinition
}

// ChunkKind classifies one provider stream chunk.
type ChunkKind int

const (
	ChunkText ChunkKind = iota
	ChunkReasoning
	ChunkToolDelta
	ChunkUsage
	ChunkEnd
)

// ToolDelta is an incremental provider-native tool call fragment.
type ToolDelta struct {
	ID   string
	Name string
	Args string
}

// Chunk is one unit of provider stream output.
type Chunk struct {
	Kind  ChunkKind
	Text  string
	Tool  ToolDelta
	Usage Usage
}

// ChunkSource yields stream chunks. Recv returns io.EOF after the
// ChunkEnd chunk has been delivered.
type ChunkSource interface {
	Recv(ctx context.Context) (Chunk, error)
	Close() error
}

// Provider opens model streams. Adapters for concrete LLM APIs live
// outside the core; the engine only sees this contract.
type Provider interface {
	// OpenStream starts a completion stream for the request. ctx bounds
	// stream establishment only; after OpenStream returns, the stream's
	// lifetime follows the contexts passed to Recv and the Close call.
	OpenStream(ctx context.Context, req StreamRequest) (ChunkSource, error)
	// Name returns the provider name (e.g. "openai", "anthropic").
	Name() string
}

const (
	defaultConnectTimeout = 30 * time.Second
	defaultIdleTimeout    = 60 * time.Second
)

// retryProvider wraps a Provider and retries transient HTTP errors
// (429, 503) with exponential backoff. Once a chunk has been received,
// errors pass through: re-opening mid-stream would duplicate content.
type retryProvider struct {
	inner          Provider
	maxAttempts    int
	baseDelay      time.Duration
	connectTimeout time.Duration
	idleTimeout    time.Duration
	logger         *slog.Logger
}

// RetryOption configures a retryProvider.
type RetryOption func(*retryProvider)

// RetryMaxAttempts sets the maximum number of attempts (default: 3).
func RetryMaxAttempts(n int) RetryOption {
	return func(r *retryProvider) { r.maxAttempts = n }
}

// RetryBaseDelay sets the initial backoff delay before the second attempt
// (default: 1s). Each subsequent delay doubles.
func RetryBaseDelay(d time.Duration) RetryOption {
	return func(r *retryProvider) { r.baseDelay = d }
}

// RetryConnectTimeout bounds each OpenStream attempt (default: 30s).
func RetryConnectTimeout(d time.Duration) RetryOption {
	return func(r *retryProvider) { r.connectTimeout = d }
}

// RetryIdleTimeout bounds the gap between consecutive chunks (default: 60s).
func RetryIdleTimeout(d time.Duration) RetryOption {
	return func(r *retryProvider) { r.idleTimeout = d }
}

// RetryLogger sets the structured logger for retry events. Retries log at
// WARN; final failures after exhausting attempts log at ERROR.
func RetryLogger(l *slog.Logger) RetryOption {
	return func(r *retryProvider) { r.logger = l }
}

// WithRetry wraps p with automatic retry on transient HTTP errors (429,
// 503) and connect/idle timeouts. When the error carries a Retry-After
// duration, the delay is at least that long. Compose with any Provider:
//
//	llm = penguin.WithRetry(openai.New(apiKey, model))
//	llm = penguin.WithRetry(openai.New(apiKey, model), penguin.RetryMaxAttempts(5))
func WithRetry(p Provider, opts ...RetryOption) Provider {
	r := &retryProvider{
		inner:          p,
		maxAttempts:    3,
		baseDelay:      time.Second,
		connectTimeout: defaultConnectTimeout,
		idleTimeout:    defaultIdleTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = nopLogger
	}
	return r
}

// Name delegates to the inner provider.
func (r *retryProvider) Name() string { return r.inner.Name() }

// OpenStream implements Provider with retry. The returned source also
// retries a transient failure on the first Recv by reopening the stream.
func (r *retryProvider) OpenStream(ctx context.Context, req StreamRequest) (ChunkSource, error) {
	src, err := r.open(ctx, req)
	if err != nil {
		return nil, err
	}
	return &retrySource{parent: r, ctx: ctx, req: req, inner: src}, nil
}

func (r *retryProvider) open(ctx context.Context, req StreamRequest) (ChunkSource, error) {
	var last error
	for i := 0; i < r.maxAttempts; i++ {
		connectCtx, cancel := context.WithTimeout(ctx, r.connectTimeout)
		src, err := r.inner.OpenStream(connectCtx, req)
		cancel()
		if err == nil {
			return src, nil
		}
		if !isTransient(err) {
			return nil, err
		}
		last = err
		r.logger.Warn("retrying transient error",
			"provider", r.inner.Name(),
			"status", statusOf(err),
			"attempt", i+1,
			"max_attempts", r.maxAttempts)
		if i < r.maxAttempts-1 {
			if err := sleepCtx(ctx, retryDelay(r.baseDelay, i, err)); err != nil {
				return nil, err
			}
		}
	}
	r.logger.Error("all retry attempts exhausted",
		"provider", r.inner.Name(),
		"attempts", r.maxAttempts,
		"error", last)
	return nil, last
}

// retrySource enforces the idle timeout and, while no chunk has been
// delivered yet, reopens the stream on transient errors.
type retrySource struct {
	parent    *retryProvider
	ctx       context.Context
	req       StreamRequest
	inner     ChunkSource
	delivered bool
}

func (s *retrySource) Recv(ctx context.Context) (Chunk, error) {
	for {
		idleCtx, cancel := context.WithTimeout(ctx, s.parent.idleTimeout)
		c, err := s.inner.Recv(idleCtx)
		cancel()
		if err == nil {
			s.delivered = true
			return c, nil
		}
		if err == io.EOF || s.delivered || !isTransient(err) {
			return Chunk{}, err
		}
		s.parent.logger.Warn("reopening stream before first chunk",
			"provider", s.parent.inner.Name(),
			"status", statusOf(err))
		_ = s.inner.Close()
		if err := sleepCtx(s.ctx, retryDelay(s.parent.baseDelay, 0, err)); err != nil {
			return Chunk{}, err
		}
		inner, err := s.parent.open(s.ctx, s.req)
		if err != nil {
			return Chunk{}, err
		}
		s.inner = inner
	}
}

func (s *retrySource) Close() error { return s.inner.Close() }

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// isTransient reports whether err is a retryable HTTP error (429 or 503).
func isTransient(err error) bool {
	var e *ErrHTTP
	return errors.As(err, &e) && (e.Status == 429 || e.Status == 503)
}

// statusOf extracts the HTTP status code from an ErrHTTP, or 0.
func statusOf(err error) int {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// retryAfterOf extracts the Retry-After duration from an ErrHTTP, or 0.
func retryAfterOf(err error) time.Duration {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// retryDelay computes the delay before retry attempt i, using exponential
// backoff as a floor and the server's Retry-After value (if present) as a
// minimum.
func retryDelay(base time.Duration, i int, err error) time.Duration {
	backoff := retryBackoff(base, i)
	if ra := retryAfterOf(err); ra > backoff {
		return ra
	}
	return backoff
}

// retryBackoff returns the delay for retry i (0-indexed).
// Exponential: base * 2^i, plus up to 50% random jitter.
func retryBackoff(base time.Duration, i int) time.Duration {
	exp := base * (1 << i)
	jitter := time.Duration(rand.Int63n(int64(exp)/2 + 1))
	return exp + jitter
}

// compile-time check
var _ Provider = (*retryProvider)(nil)
