package penguin

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRunResponseSimpleQA(t *testing.T) {
	engine, provider, _ := newEngineFixture(textScript("The answer is 4."))
	agent := newTestAgent("a1")

	res, err := engine.RunResponse(context.Background(), agent, "What is 2+2?", RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Reason != CompletionNormal {
		t.Errorf("reason = %q, want normal", res.Reason)
	}
	if res.Iterations != 1 {
		t.Errorf("iterations = %d, want 1", res.Iterations)
	}
	if res.Text != "The answer is 4." {
		t.Errorf("text = %q", res.Text)
	}
	if len(res.ToolResults) != 0 {
		t.Errorf("tool results = %+v, want none", res.ToolResults)
	}
	if provider.callCount() != 1 {
		t.Errorf("provider calls = %d, want 1", provider.callCount())
	}

	// conversation grew by one user and one assistant message
	view := agent.Conversation().APIView()
	if len(view) != 3 {
		t.Fatalf("api view has %d messages, want 3", len(view))
	}
	if view[0].Category != CategorySystemPrompt {
		t.Error("system prompt not first in api view")
	}
	if view[1].Role != RoleUser || view[2].Role != RoleAssistant {
		t.Errorf("view roles = %s, %s", view[1].Role, view[2].Role)
	}
}

func TestRunResponseToolLoopFinish(t *testing.T) {
	engine, provider, registry := newEngineFixture(
		textScript("<execute>\nimport os\nprint(os.listdir('/tmp'))\n</execute>"),
		textScript("The files are a.txt and b.txt.\n<finish_response></finish_response>"),
	)
	if err := registry.Register(staticTool("code_execution", "['a.txt', 'b.txt']")); err != nil {
		t.Fatal(err)
	}
	agent := newTestAgent("a1")

	res, err := engine.RunResponse(context.Background(), agent, "List files in /tmp", RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Reason != CompletionNormal {
		t.Errorf("reason = %q, want normal", res.Reason)
	}
	if res.Iterations != 2 {
		t.Errorf("iterations = %d, want 2", res.Iterations)
	}
	if len(res.ToolResults) != 1 {
		t.Fatalf("tool results = %d, want 1", len(res.ToolResults))
	}
	tr := res.ToolResults[0]
	if tr.Result == nil || !tr.Result.OK || tr.Result.Output != "['a.txt', 'b.txt']" {
		t.Errorf("tool result = %+v", tr.Result)
	}
	if !strings.Contains(res.Text, "a.txt and b.txt") {
		t.Errorf("final text = %q", res.Text)
	}
	if provider.callCount() != 2 {
		t.Errorf("provider calls = %d", provider.callCount())
	}

	// the second provider call saw the tool result
	second := provider.requests[1]
	var sawToolMemory bool
	for _, m := range second.Messages {
		if m.Category == CategoryToolMemory && strings.Contains(m.Content, "a.txt") {
			sawToolMemory = true
		}
	}
	if !sawToolMemory {
		t.Error("tool result not in second api view")
	}
}

func TestRunResponseTrivialLoopTermination(t *testing.T) {
	engine, provider, _ := newEngineFixture(
		textScript("OK"),
		textScript("I"),
		textScript("Hmm"),
		textScript("should never be requested"),
	)
	agent := newTestAgent("a1")

	res, err := engine.RunResponse(context.Background(), agent, "anything", RunOptions{MaxIterations: 10})
	if err != nil {
		t.Fatal(err)
	}
	if res.Reason != CompletionImplicit {
		t.Errorf("reason = %q, want implicit_completion", res.Reason)
	}
	if res.Iterations != 3 {
		t.Errorf("iterations = %d, want 3", res.Iterations)
	}
	if provider.callCount() != 3 {
		t.Errorf("provider calls = %d, want 3", provider.callCount())
	}
}

func TestTrivialCounterResetBySubstantiveResponse(t *testing.T) {
	engine, _, _ := newEngineFixture(
		textScript("OK"),
		textScript("Substantial progress report this iteration."),
		textScript("OK"),
		textScript("I"),
		textScript("Hmm"),
	)
	agent := newTestAgent("a1")

	res, err := engine.RunTask(context.Background(), agent, "work", RunOptions{MaxIterations: 10})
	if err != nil {
		t.Fatal(err)
	}
	if res.Reason != CompletionImplicit {
		t.Errorf("reason = %q", res.Reason)
	}
	if res.Iterations != 5 {
		t.Errorf("iterations = %d, want 5 (reset after substantive)", res.Iterations)
	}
}

func TestRunTaskFinishTaskPendingReview(t *testing.T) {
	engine, _, _ := newEngineFixture(
		textScript("Everything migrated.\n<finish_task>All steps complete. [FINISH_STATUS:done]</finish_task>"),
	)
	agent := newTestAgent("a1")

	res, err := engine.RunTask(context.Background(), agent, "migrate the data", RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Reason != CompletionToolExit {
		t.Errorf("reason = %q, want tool_exit", res.Reason)
	}
	if !res.PendingReview {
		t.Error("finish_task must leave the task pending review")
	}
	if res.TaskStatus != TaskStatusDone {
		t.Errorf("task status = %q, want done", res.TaskStatus)
	}
}

func TestRunTaskContinuationPrompt(t *testing.T) {
	engine, provider, _ := newEngineFixture(
		textScript("Step one finished, moving on."),
		textScript("Step two finished.\n<finish_task>[FINISH_STATUS:done]</finish_task>"),
	)
	agent := newTestAgent("a1")

	if _, err := engine.RunTask(context.Background(), agent, "do both steps", RunOptions{}); err != nil {
		t.Fatal(err)
	}
	second := provider.requests[1]
	last := second.Messages[len(second.Messages)-1]
	if last.Role != RoleUser || !strings.Contains(last.Content, "Continue") {
		t.Errorf("no continuation prompt, last message = %+v", last)
	}
}

func TestRunIterationCap(t *testing.T) {
	var scripts [][]Chunk
	for i := 0; i < 5; i++ {
		scripts = append(scripts, textScript("Still working on the problem."))
	}
	engine, provider, _ := newEngineFixture(scripts...)
	agent := newTestAgent("a1")

	res, err := engine.RunTask(context.Background(), agent, "endless", RunOptions{MaxIterations: 2})
	if err != nil {
		t.Fatal(err)
	}
	if res.Reason != CompletionIterationCap {
		t.Errorf("reason = %q, want iteration_cap", res.Reason)
	}
	if res.Iterations != 2 || provider.callCount() != 2 {
		t.Errorf("iterations = %d, calls = %d, want 2/2", res.Iterations, provider.callCount())
	}
}

func TestRunCancellation(t *testing.T) {
	engine, _, _ := newEngineFixture(textScript("never read"))
	agent := newTestAgent("a1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := engine.RunResponse(ctx, agent, "hello", RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Reason != CompletionCancelled {
		t.Errorf("reason = %q, want cancelled", res.Reason)
	}
	// partial state preserved: the user message is still there
	var userSeen bool
	for _, m := range agent.Conversation().Messages() {
		if m.Role == RoleUser {
			userSeen = true
		}
	}
	if !userSeen {
		t.Error("cancellation dropped partial state")
	}
}

func TestRunProviderFailureTerminatesWithError(t *testing.T) {
	provider := &scriptedProvider{
		openErr: []error{&ErrProvider{Provider: "scripted", Message: "invalid request"}},
	}
	registry := NewToolRegistry()
	engine := NewEngine(provider, NewDispatcher(registry), registry)
	agent := newTestAgent("a1")

	res, err := engine.RunResponse(context.Background(), agent, "hi", RunOptions{})
	if err == nil {
		t.Fatal("expected error")
	}
	if res.Reason != CompletionError {
		t.Errorf("reason = %q, want error", res.Reason)
	}
	var penguinErr *Error
	if !errors.As(err, &penguinErr) || penguinErr.Code != CodeTaskExecutionError {
		t.Errorf("err = %v", err)
	}
	// the failure is recorded in the conversation
	var described bool
	for _, m := range agent.Conversation().Messages() {
		if m.Role == RoleAssistant && strings.Contains(m.Content, "Provider error") {
			described = true
		}
	}
	if !described {
		t.Error("provider failure not surfaced in conversation")
	}
}

func TestRunProviderAuthFailureClassified(t *testing.T) {
	provider := &scriptedProvider{
		openErr: []error{&ErrProvider{Provider: "scripted", Message: "bad api key", Auth: true}},
	}
	registry := NewToolRegistry()
	engine := NewEngine(provider, NewDispatcher(registry), registry)
	agent := newTestAgent("a1")

	_, err := engine.RunResponse(context.Background(), agent, "hi", RunOptions{})
	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if perr.Code != CodeAuthenticationFailed {
		t.Errorf("code = %q, want %q", perr.Code, CodeAuthenticationFailed)
	}
	if perr.Recoverable {
		t.Error("auth failures are not recoverable")
	}
}

func TestRunToolFailureVisibleToLLM(t *testing.T) {
	engine, provider, registry := newEngineFixture(
		textScript("<execute>boom()</execute>"),
		textScript("The tool failed, stopping.\n<finish_response></finish_response>"),
	)
	spec := staticTool("code_execution", "")
	spec.Invoke = func(_ context.Context, _ ToolContext, _ string, _ json.RawMessage) (string, error) {
		panic("kaboom")
	}
	if err := registry.Register(spec); err != nil {
		t.Fatal(err)
	}
	agent := newTestAgent("a1")

	res, err := engine.RunResponse(context.Background(), agent, "run it", RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Reason != CompletionNormal {
		t.Errorf("reason = %q (tool failure must not be fatal)", res.Reason)
	}
	if len(res.ToolResults) != 1 || res.ToolResults[0].Result.OK {
		t.Fatalf("tool results = %+v", res.ToolResults)
	}

	// the second call's view includes the failure as tool memory
	second := provider.requests[1]
	var sawFailure bool
	for _, m := range second.Messages {
		if m.Category == CategoryToolMemory && strings.Contains(m.Content, "failed") {
			sawFailure = true
		}
	}
	if !sawFailure {
		t.Error("tool failure not visible to the LLM")
	}
}

func TestRunStreamEventsOrdered(t *testing.T) {
	engine, _, registry := newEngineFixture(
		textScript("Checking.", "<read>/etc/hosts</read>"),
		textScript("All good.\n<finish_response></finish_response>"),
	)
	if err := registry.Register(staticTool("file_read", "127.0.0.1 localhost")); err != nil {
		t.Fatal(err)
	}
	agent := newTestAgent("a1")

	var events []StreamEvent
	_, err := engine.RunResponse(context.Background(), agent, "check hosts", RunOptions{
		Sink: func(ev StreamEvent) { events = append(events, ev) },
	})
	if err != nil {
		t.Fatal(err)
	}

	// per logical message: started precedes deltas, tool events precede
	// the finalize, exactly one terminal per message
	perMessage := map[string][]StreamEventType{}
	for _, ev := range events {
		perMessage[ev.MessageID] = append(perMessage[ev.MessageID], ev.Type)
	}
	if len(perMessage) != 2 {
		t.Fatalf("logical messages = %d, want 2", len(perMessage))
	}
	for id, types := range perMessage {
		if types[0] != EventStarted {
			t.Errorf("message %s starts with %v", id, types[0])
		}
		var terminals int
		for i, ty := range types {
			if ty == EventFinalized || ty == EventError {
				terminals++
				if i != len(types)-1 {
					t.Errorf("message %s has events after terminal", id)
				}
			}
		}
		if terminals != 1 {
			t.Errorf("message %s has %d terminal events", id, terminals)
		}
	}
}

func TestRunUsageAggregated(t *testing.T) {
	s1 := []Chunk{
		{Kind: ChunkText, Text: "<execute>x</execute>"},
		{Kind: ChunkUsage, Usage: Usage{InputTokens: 100, OutputTokens: 10}},
		{Kind: ChunkEnd},
	}
	s2 := []Chunk{
		{Kind: ChunkText, Text: "done\n<finish_response></finish_response>"},
		{Kind: ChunkUsage, Usage: Usage{InputTokens: 120, OutputTokens: 8}},
		{Kind: ChunkEnd},
	}
	engine, _, registry := newEngineFixture(s1, s2)
	if err := registry.Register(staticTool("code_execution", "ok")); err != nil {
		t.Fatal(err)
	}
	agent := newTestAgent("a1")

	res, err := engine.RunResponse(context.Background(), agent, "go", RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Usage.InputTokens != 220 || res.Usage.OutputTokens != 18 {
		t.Errorf("usage = %+v", res.Usage)
	}
}

func TestRunSnapshotting(t *testing.T) {
	store := NewMemorySnapshotStore()
	provider := &scriptedProvider{scripts: [][]Chunk{textScript("Done thinking.")}}
	registry := NewToolRegistry()
	engine := NewEngine(provider, NewDispatcher(registry), registry, WithSnapshotting(store))
	agent := newTestAgent("a1")

	res, err := engine.RunResponse(context.Background(), agent, "hi", RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.SnapshotIDs) != 1 {
		t.Fatalf("snapshot ids = %v", res.SnapshotIDs)
	}
	blob, err := store.Restore(res.SnapshotIDs[0])
	if err != nil || blob == nil {
		t.Fatalf("run snapshot unreadable: %v", err)
	}
}

func TestRunPauseHolds(t *testing.T) {
	engine, _, _ := newEngineFixture(textScript("hello there friend"))
	agent := newTestAgent("a1")
	agent.SetPaused(true)

	done := make(chan RunResult, 1)
	go func() {
		res, _ := engine.RunResponse(context.Background(), agent, "hi", RunOptions{})
		done <- res
	}()

	select {
	case <-done:
		t.Fatal("run completed while paused")
	case <-time.After(150 * time.Millisecond):
	}

	agent.SetPaused(false)
	select {
	case res := <-done:
		if res.Reason != CompletionNormal {
			t.Errorf("reason = %q", res.Reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not resume")
	}
}
