package penguin

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fixedResolver serves a static set of agents.
func fixedResolver(agents ...*Agent) AgentResolver {
	byID := make(map[string]*Agent, len(agents))
	for _, a := range agents {
		byID[a.ID()] = a
	}
	return func(id string) (*Agent, bool) {
		a, ok := byID[id]
		return a, ok
	}
}

func TestExecutorConcurrencyCapAndCompletion(t *testing.T) {
	agents := []*Agent{newTestAgent("a"), newTestAgent("b"), newTestAgent("c")}

	var active, peak int64
	runner := func(ctx context.Context, agent *Agent, prompt string) (RunResult, error) {
		cur := atomic.AddInt64(&active, 1)
		for {
			old := atomic.LoadInt64(&peak)
			if cur <= old || atomic.CompareAndSwapInt64(&peak, old, cur) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt64(&active, -1)
		if agent.ID() == "b" {
			return RunResult{Reason: CompletionError}, errors.New("synthetic failure")
		}
		return RunResult{Text: "done " + agent.ID(), Reason: CompletionNormal, Iterations: 1}, nil
	}

	ex := NewExecutor(fixedResolver(agents...), runner, WithMaxConcurrent(2))
	for _, a := range agents {
		if err := ex.Spawn(a.ID(), "work", nil); err != nil {
			t.Fatalf("spawn %s: %v", a.ID(), err)
		}
	}

	results, err := ex.WaitForAll([]string{"a", "b", "c"}, 5*time.Second)
	if err != nil {
		t.Fatalf("wait_for_all: %v", err)
	}
	if got := atomic.LoadInt64(&peak); got > 2 {
		t.Errorf("peak concurrency = %d, cap is 2", got)
	}
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	if results["a"].State != TaskCompleted || results["c"].State != TaskCompleted {
		t.Errorf("a=%s c=%s, want completed", results["a"].State, results["c"].State)
	}
	if results["b"].State != TaskFailed {
		t.Errorf("b state = %s, want failed", results["b"].State)
	}
	if !strings.Contains(results["b"].Err, "synthetic failure") {
		t.Errorf("b error = %q", results["b"].Err)
	}
	if results["a"].Result == nil || results["a"].Result.Text != "done a" {
		t.Errorf("a result = %+v", results["a"].Result)
	}
}

func TestExecutorRejectsSecondActiveTask(t *testing.T) {
	agent := newTestAgent("a")
	release := make(chan struct{})
	runner := func(ctx context.Context, _ *Agent, _ string) (RunResult, error) {
		<-release
		return RunResult{Reason: CompletionNormal}, nil
	}
	ex := NewExecutor(fixedResolver(agent), runner)

	if err := ex.Spawn("a", "first", nil); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if err := ex.Spawn("a", "second", nil); err == nil {
		t.Fatal("second spawn for same agent must fail")
	}
	close(release)
	if _, err := ex.WaitFor("a", time.Second); err != nil {
		t.Fatalf("wait: %v", err)
	}

	// terminal task: a new spawn is fine
	release = make(chan struct{})
	close(release)
	if err := ex.Spawn("a", "third", nil); err != nil {
		t.Fatalf("respawn after terminal: %v", err)
	}
	if _, err := ex.WaitFor("a", time.Second); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestExecutorQueueBoundFailsFast(t *testing.T) {
	a, b, c := newTestAgent("a"), newTestAgent("b"), newTestAgent("c")
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	runner := func(ctx context.Context, _ *Agent, _ string) (RunResult, error) {
		once.Do(func() { close(started) })
		<-release
		return RunResult{Reason: CompletionNormal}, nil
	}
	ex := NewExecutor(fixedResolver(a, b, c), runner,
		WithMaxConcurrent(1), WithMaxQueued(1))
	defer close(release)

	if err := ex.Spawn("a", "work", nil); err != nil {
		t.Fatalf("spawn a: %v", err)
	}
	<-started
	// b queues in the single pending slot; c is over the bound
	if err := ex.Spawn("b", "work", nil); err != nil {
		t.Fatalf("spawn b: %v", err)
	}
	err := ex.Spawn("c", "work", nil)
	var perr *Error
	if !errors.As(err, &perr) || perr.Code != CodeResourceExhausted {
		t.Fatalf("err = %v, want RESOURCE_EXHAUSTED", err)
	}
	if !perr.Recoverable {
		t.Error("queue exhaustion must be recoverable")
	}
}

func TestExecutorUnknownAgent(t *testing.T) {
	ex := NewExecutor(fixedResolver(), nil)
	err := ex.Spawn("ghost", "x", nil)
	var perr *Error
	if !errors.As(err, &perr) || perr.Code != CodeAgentNotFound {
		t.Fatalf("err = %v, want AGENT_NOT_FOUND", err)
	}
}

func TestExecutorCancelWhilePending(t *testing.T) {
	a, b := newTestAgent("a"), newTestAgent("b")
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	runner := func(ctx context.Context, _ *Agent, _ string) (RunResult, error) {
		once.Do(func() { close(started) })
		select {
		case <-release:
			return RunResult{Reason: CompletionNormal}, nil
		case <-ctx.Done():
			return RunResult{Reason: CompletionCancelled}, nil
		}
	}
	ex := NewExecutor(fixedResolver(a, b), runner, WithMaxConcurrent(1))

	if err := ex.Spawn("a", "holds the slot", nil); err != nil {
		t.Fatalf("spawn a: %v", err)
	}
	<-started
	if err := ex.Spawn("b", "queued", nil); err != nil {
		t.Fatalf("spawn b: %v", err)
	}
	if err := ex.Cancel("b"); err != nil {
		t.Fatalf("cancel b: %v", err)
	}
	task, err := ex.WaitFor("b", time.Second)
	if err != nil {
		t.Fatalf("wait b: %v", err)
	}
	if task.State != TaskCancelled {
		t.Errorf("b state = %s, want cancelled", task.State)
	}
	if task.StartTime != 0 {
		t.Errorf("cancelled-while-pending task should never have started")
	}

	close(release)
	if _, err := ex.WaitFor("a", time.Second); err != nil {
		t.Fatalf("wait a: %v", err)
	}
}

func TestExecutorCancelRunning(t *testing.T) {
	a := newTestAgent("a")
	started := make(chan struct{})
	runner := func(ctx context.Context, _ *Agent, _ string) (RunResult, error) {
		close(started)
		<-ctx.Done()
		return RunResult{Reason: CompletionCancelled}, nil
	}
	ex := NewExecutor(fixedResolver(a), runner)
	if err := ex.Spawn("a", "x", nil); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	<-started
	if err := ex.Cancel("a"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	task, err := ex.WaitFor("a", time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if task.State != TaskCancelled {
		t.Errorf("state = %s, want cancelled", task.State)
	}
}

func TestExecutorPauseResumeReflectedInStatus(t *testing.T) {
	a := newTestAgent("a")
	started := make(chan struct{})
	release := make(chan struct{})
	runner := func(ctx context.Context, agent *Agent, _ string) (RunResult, error) {
		close(started)
		<-release
		return RunResult{Reason: CompletionNormal}, nil
	}
	ex := NewExecutor(fixedResolver(a), runner)
	if err := ex.Spawn("a", "x", nil); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	<-started

	if err := ex.Pause("a"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if !a.Paused() {
		t.Error("agent not marked paused")
	}
	if task, _ := ex.Status("a"); task.State != TaskPaused {
		t.Errorf("status = %s, want paused", task.State)
	}

	if err := ex.Resume("a"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if a.Paused() {
		t.Error("agent still paused after resume")
	}
	if task, _ := ex.Status("a"); task.State != TaskRunning {
		t.Errorf("status = %s, want running", task.State)
	}

	close(release)
	if _, err := ex.WaitFor("a", time.Second); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestExecutorCleanupTerminalOnly(t *testing.T) {
	a := newTestAgent("a")
	release := make(chan struct{})
	runner := func(ctx context.Context, _ *Agent, _ string) (RunResult, error) {
		<-release
		return RunResult{Reason: CompletionNormal}, nil
	}
	ex := NewExecutor(fixedResolver(a), runner)
	if err := ex.Spawn("a", "x", nil); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if err := ex.Cleanup("a"); err == nil {
		t.Fatal("cleanup of active task must be refused")
	}
	close(release)
	if _, err := ex.WaitFor("a", time.Second); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if err := ex.Cleanup("a"); err != nil {
		t.Fatalf("cleanup after terminal: %v", err)
	}
	if _, ok := ex.Status("a"); ok {
		t.Error("task still tracked after cleanup")
	}
	if err := ex.Cleanup("a"); err == nil {
		t.Error("cleanup of unknown task must error")
	}
}

func TestExecutorWaitForTimeout(t *testing.T) {
	a := newTestAgent("a")
	release := make(chan struct{})
	runner := func(ctx context.Context, _ *Agent, _ string) (RunResult, error) {
		<-release
		return RunResult{Reason: CompletionNormal}, nil
	}
	ex := NewExecutor(fixedResolver(a), runner)
	if err := ex.Spawn("a", "x", nil); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	task, err := ex.WaitFor("a", 20*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if task.State.terminal() {
		t.Errorf("state = %s, should still be active", task.State)
	}
	close(release)
	if _, err := ex.WaitFor("a", time.Second); err != nil {
		t.Fatalf("final wait: %v", err)
	}
}

func TestExecutorCancelAll(t *testing.T) {
	a, b := newTestAgent("a"), newTestAgent("b")
	runner := func(ctx context.Context, _ *Agent, _ string) (RunResult, error) {
		<-ctx.Done()
		return RunResult{Reason: CompletionCancelled}, nil
	}
	ex := NewExecutor(fixedResolver(a, b), runner)
	if err := ex.Spawn("a", "x", nil); err != nil {
		t.Fatalf("spawn a: %v", err)
	}
	if err := ex.Spawn("b", "y", nil); err != nil {
		t.Fatalf("spawn b: %v", err)
	}
	ex.CancelAll()
	results, err := ex.WaitForAll(nil, time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	for id, task := range results {
		if task.State != TaskCancelled {
			t.Errorf("%s state = %s, want cancelled", id, task.State)
		}
	}
}
