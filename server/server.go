// Package server exposes the runtime over HTTP: REST operations on
// agents, sessions, and tasks, an SSE chat stream, and the health
// endpoint.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nevindra/penguin"
)

// Server routes HTTP requests onto a penguin.Core.
type Server struct {
	core   *penguin.Core
	logger *slog.Logger
	router chi.Router
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// New builds the HTTP layer over core.
func New(core *penguin.Core, opts ...Option) *Server {
	s := &Server{
		core:   core,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/agents", func(r chi.Router) {
		r.Get("/", s.handleListAgents)
		r.Post("/", s.handleCreateAgent)
		r.Route("/{agentID}", func(r chi.Router) {
			r.Get("/", s.handleGetAgent)
			r.Delete("/", s.handleDeleteAgent)
			r.Post("/pause", s.handlePause)
			r.Post("/resume", s.handleResume)
			r.Post("/messages", s.handleProcess)
			r.Get("/stream", s.handleStream)
			r.Post("/tasks", s.handleSpawnTask)
			r.Get("/tasks", s.handleTaskStatus)
			r.Delete("/tasks", s.handleCancelTask)
			r.Get("/sessions", s.handleListSessions)
			r.Post("/sessions", s.handleNewSession)
			r.Post("/sessions/{sessionID}/load", s.handleLoadSession)
			r.Get("/checkpoints", s.handleListCheckpoints)
			r.Post("/branch", s.handleBranch)
		})
	})

	r.Post("/bus/messages", s.handleBusMessage)

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// --- envelope helpers ---

type errorEnvelope struct {
	Error *penguin.Error `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var perr *penguin.Error
	if !errors.As(err, &perr) {
		perr = &penguin.Error{
			Code:        penguin.CodeTaskExecutionError,
			Message:     err.Error(),
			Recoverable: true,
		}
	}
	status := http.StatusInternalServerError
	switch perr.Code {
	case penguin.CodeAgentNotFound:
		status = http.StatusNotFound
	case penguin.CodeResourceExhausted:
		status = http.StatusTooManyRequests
	case penguin.CodeAuthenticationFailed:
		status = http.StatusUnauthorized
	case penguin.CodeContextWindowExceeded:
		status = http.StatusRequestEntityTooLarge
	}
	s.writeJSON(w, status, errorEnvelope{Error: perr})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encode failed", "error", err)
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, fmt.Errorf("decode request body: %w", err))
		return false
	}
	return true
}

// --- handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.core.Health())
}

func (s *Server) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.core.ListAgents())
}

type createAgentRequest struct {
	ID      string                `json:"id"`
	Binding *penguin.ModelBinding `json:"model_binding,omitempty"`
	Persona string                `json:"persona,omitempty"`
	Parent  string                `json:"parent_id,omitempty"`
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if !s.decode(w, r, &req) {
		return
	}
	profile, err := s.core.CreateAgent(req.ID, penguin.CreateAgentOptions{
		Binding:  req.Binding,
		Persona:  req.Persona,
		ParentID: req.Parent,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, profile)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	profile, err := s.core.GetAgentProfile(chi.URLParam(r, "agentID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	preserve, _ := strconv.ParseBool(r.URL.Query().Get("preserve_session"))
	if err := s.core.DeleteAgent(chi.URLParam(r, "agentID"), preserve); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.core.PauseAgent(chi.URLParam(r, "agentID")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.core.ResumeAgent(chi.URLParam(r, "agentID")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type processRequest struct {
	Input string `json:"input"`
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if !s.decode(w, r, &req) {
		return
	}
	result, err := s.core.Process(r.Context(), chi.URLParam(r, "agentID"), req.Input, nil)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handleStream runs a chat turn and emits the stream events as SSE:
//
//	event: stream.text.delta
//	data: {...}
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	input := r.URL.Query().Get("input")
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, fmt.Errorf("streaming unsupported by connection"))
		return
	}

	events, wait, err := s.core.StreamChat(r.Context(), chi.URLParam(r, "agentID"), input)
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	for ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			s.logger.Warn("event encode failed", "error", err)
			continue
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
		flusher.Flush()
	}
	if _, err := wait(); err != nil {
		s.logger.Warn("stream terminated with error", "agent", chi.URLParam(r, "agentID"), "error", err)
	}
}

type taskRequest struct {
	Prompt   string            `json:"prompt"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleSpawnTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if !s.decode(w, r, &req) {
		return
	}
	agentID := chi.URLParam(r, "agentID")
	if err := s.core.RunTask(agentID, req.Prompt, req.Metadata); err != nil {
		s.writeError(w, err)
		return
	}
	task, _ := s.core.TaskStatusFor(agentID)
	s.writeJSON(w, http.StatusAccepted, task)
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	task, ok := s.core.TaskStatusFor(chi.URLParam(r, "agentID"))
	if !ok {
		s.writeError(w, fmt.Errorf("no task for agent %s", chi.URLParam(r, "agentID")))
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	if err := s.core.CancelTask(chi.URLParam(r, "agentID")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.core.ListSessions(chi.URLParam(r, "agentID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleNewSession(w http.ResponseWriter, r *http.Request) {
	id, err := s.core.NewSession(chi.URLParam(r, "agentID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"snapshot_id": id})
}

func (s *Server) handleLoadSession(w http.ResponseWriter, r *http.Request) {
	err := s.core.LoadSession(chi.URLParam(r, "agentID"), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	checkpoints, err := s.core.ListCheckpoints(chi.URLParam(r, "agentID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, checkpoints)
}

type branchRequest struct {
	SnapshotID string `json:"snapshot_id"`
}

func (s *Server) handleBranch(w http.ResponseWriter, r *http.Request) {
	var req branchRequest
	if !s.decode(w, r, &req) {
		return
	}
	id, err := s.core.BranchSession(chi.URLParam(r, "agentID"), req.SnapshotID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"snapshot_id": id})
}

type busRequest struct {
	Sender    string          `json:"sender"`
	Recipient string          `json:"recipient"`
	Content   string          `json:"content"`
	Channel   string          `json:"channel,omitempty"`
	Kind      penguin.BusKind `json:"kind,omitempty"`
}

func (s *Server) handleBusMessage(w http.ResponseWriter, r *http.Request) {
	var req busRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.core.SendBusMessage(req.Sender, req.Recipient, req.Content, req.Channel, req.Kind); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// ListenAndServe runs the server until ctx-free shutdown; callers
// wanting graceful shutdown should wrap with http.Server themselves.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("http server listening", "addr", addr)
	return srv.ListenAndServe()
}
