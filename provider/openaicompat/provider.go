package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/nevindra/penguin"
)

// Provider implements penguin.Provider against any OpenAI-compatible
// chat completions endpoint.
type Provider struct {
	baseURL string
	apiKey  string
	name    string
	client  *http.Client
}

var _ penguin.Provider = (*Provider)(nil)

// Option configures a Provider.
type Option func(*Provider)

// WithHTTPClient overrides the HTTP client (default: no client-side
// timeout; stream lifetime is governed by the request context).
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		if c != nil {
			p.client = c
		}
	}
}

// WithName overrides the provider name reported to the engine
// (default "openai").
func WithName(name string) Option {
	return func(p *Provider) {
		if name != "" {
			p.name = name
		}
	}
}

// New creates a Provider. baseURL is the API root, e.g.
// "https://api.openai.com/v1" or "https://openrouter.ai/api/v1".
func New(baseURL, apiKey string, opts ...Option) *Provider {
	p := &Provider{
		baseURL: baseURL,
		apiKey:  apiKey,
		name:    "openai",
		client:  &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name returns the provider name.
func (p *Provider) Name() string { return p.name }

// OpenStream posts a streaming chat completion and returns a source
// over its SSE body.
func (p *Provider) OpenStream(ctx context.Context, req penguin.StreamRequest) (penguin.ChunkSource, error) {
	body, err := json.Marshal(buildBody(req))
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return nil, &penguin.ErrProvider{Provider: p.name, Message: string(raw), Auth: true}
		}
		return nil, &penguin.ErrHTTP{
			Status:     resp.StatusCode,
			Body:       string(raw),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return newSSESource(resp.Body), nil
}

// parseRetryAfter handles the delay-seconds form of the header.
// HTTP-date values are rare from LLM gateways and are ignored.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
