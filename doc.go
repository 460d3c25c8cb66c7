// Package penguin is a multi-agent execution runtime: it hosts autonomous
// LLM-driven agents, routes structured messages between them and external
// clients, executes the tool invocations agents emit, and persists
// conversation state with checkpoint/branch semantics.
//
// The core pieces are the Engine (the bounded reason/act loop driving one
// agent turn), the StreamState machine (provider chunks in, ordered events
// out), the Conversation and its ContextWindow token allocator, the
// Executor (concurrency-capped background agent runner), the Bus
// (inter-agent messaging), and the Core façade that composes them.
//
// Stores live under store/, OTEL wiring under observer/, and the HTTP
// surface under server/.
package penguin
