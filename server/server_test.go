package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/nevindra/penguin"
)

// replayProvider serves scripted chunk sequences, one per OpenStream
// call.
type replayProvider struct {
	mu      sync.Mutex
	scripts [][]penguin.Chunk
	calls   int
}

type replaySource struct {
	chunks []penguin.Chunk
	i      int
}

func (s *replaySource) Recv(_ context.Context) (penguin.Chunk, error) {
	if s.i >= len(s.chunks) {
		return penguin.Chunk{}, io.EOF
	}
	c := s.chunks[s.i]
	s.i++
	return c, nil
}

func (s *replaySource) Close() error { return nil }

func (p *replayProvider) Name() string { return "replay" }

func (p *replayProvider) OpenStream(_ context.Context, _ penguin.StreamRequest) (penguin.ChunkSource, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls >= len(p.scripts) {
		return nil, &penguin.ErrProvider{Provider: "replay", Message: "no script"}
	}
	src := &replaySource{chunks: p.scripts[p.calls]}
	p.calls++
	return src, nil
}

func textChunks(parts ...string) []penguin.Chunk {
	var out []penguin.Chunk
	for _, t := range parts {
		out = append(out, penguin.Chunk{Kind: penguin.ChunkText, Text: t})
	}
	return append(out, penguin.Chunk{Kind: penguin.ChunkEnd})
}

func newTestServer(t *testing.T, scripts ...[]penguin.Chunk) *httptest.Server {
	t.Helper()
	registry := penguin.NewToolRegistry()
	dispatcher := penguin.NewDispatcher(registry)
	core := penguin.NewCore(&replayProvider{scripts: scripts}, dispatcher, registry,
		penguin.ModelBinding{Provider: "replay", Model: "m"})
	srv := httptest.NewServer(New(core))
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var h penguin.HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		t.Fatal(err)
	}
	if h.Status != "healthy" {
		t.Errorf("status = %q", h.Status)
	}
	if h.Capacity.Max == 0 {
		t.Errorf("capacity = %+v", h.Capacity)
	}
}

func TestAgentLifecycleEndpoints(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/agents", map[string]string{"id": "worker", "persona": "terse"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err := http.Get(srv.URL + "/agents/worker")
	if err != nil {
		t.Fatal(err)
	}
	var profile penguin.AgentProfile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if profile.ID != "worker" {
		t.Errorf("profile = %+v", profile)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/agents/worker", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d", resp.StatusCode)
	}
}

func TestUnknownAgentEnvelope(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/agents/ghost")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var envelope struct {
		Error *penguin.Error `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.Error == nil || envelope.Error.Code != penguin.CodeAgentNotFound {
		t.Errorf("envelope = %+v", envelope)
	}
	if envelope.Error.Recoverable {
		t.Error("agent-not-found must be non-recoverable")
	}
}

func TestProcessEndpoint(t *testing.T) {
	srv := newTestServer(t, textChunks("The answer is 4."))
	resp := postJSON(t, srv.URL+"/agents/default/messages", map[string]string{"input": "2+2?"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var result penguin.RunResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatal(err)
	}
	if result.Text != "The answer is 4." {
		t.Errorf("text = %q", result.Text)
	}
	if result.Reason != penguin.CompletionNormal {
		t.Errorf("reason = %s", result.Reason)
	}
}

func TestStreamEndpointSSE(t *testing.T) {
	srv := newTestServer(t, textChunks("str", "eam"))
	resp, err := http.Get(srv.URL + "/agents/default/stream?input=go")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	var eventNames []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			eventNames = append(eventNames, name)
		}
	}
	if len(eventNames) == 0 {
		t.Fatal("no SSE events")
	}
	if eventNames[0] != string(penguin.EventStarted) {
		t.Errorf("first event = %s", eventNames[0])
	}
	if eventNames[len(eventNames)-1] != string(penguin.EventFinalized) {
		t.Errorf("last event = %s", eventNames[len(eventNames)-1])
	}
}

func TestTaskEndpoints(t *testing.T) {
	srv := newTestServer(t, textChunks("done<finish_task>{\"status\":\"done\"}</finish_task>"))

	resp := postJSON(t, srv.URL+"/agents/default/tasks", map[string]string{"prompt": "work"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("spawn status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	// poll until terminal
	var task penguin.AgentTask
	for i := 0; i < 100; i++ {
		r, err := http.Get(srv.URL + "/agents/default/tasks")
		if err != nil {
			t.Fatal(err)
		}
		if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
			t.Fatal(err)
		}
		r.Body.Close()
		if task.State == penguin.TaskCompleted || task.State == penguin.TaskFailed {
			break
		}
	}
	if task.State != penguin.TaskCompleted {
		t.Fatalf("task = %+v", task)
	}
}

func TestSessionEndpoints(t *testing.T) {
	srv := newTestServer(t, textChunks("noted"))
	resp := postJSON(t, srv.URL+"/agents/default/messages", map[string]string{"input": "hello"})
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/agents/default/sessions", struct{}{})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("new session status = %d", resp.StatusCode)
	}
	var created map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if created["snapshot_id"] == "" {
		t.Fatal("no snapshot id")
	}

	r, err := http.Get(srv.URL + "/agents/default/sessions")
	if err != nil {
		t.Fatal(err)
	}
	var sessions []penguin.SnapshotDescriptor
	if err := json.NewDecoder(r.Body).Decode(&sessions); err != nil {
		t.Fatal(err)
	}
	r.Body.Close()
	if len(sessions) != 1 {
		t.Fatalf("sessions = %+v", sessions)
	}

	resp = postJSON(t, srv.URL+fmt.Sprintf("/agents/default/sessions/%s/load", created["snapshot_id"]), struct{}{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("load status = %d", resp.StatusCode)
	}
}

func TestBusEndpoint(t *testing.T) {
	srv := newTestServer(t)
	resp := postJSON(t, srv.URL+"/agents", map[string]string{"id": "worker"})
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/bus/messages", map[string]string{
		"sender": "default", "recipient": "worker", "content": "ping",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d", resp.StatusCode)
	}

	resp2 := postJSON(t, srv.URL+"/bus/messages", map[string]string{
		"sender": "default", "recipient": "ghost", "content": "x",
	})
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Errorf("unknown recipient status = %d", resp2.StatusCode)
	}
}
