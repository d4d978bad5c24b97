// Package api exposes the runner over HTTP: a JSON control surface for
// batches and tasks, an SSE feed of status and progress events, and a
// websocket tail of a task's raw output lines.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/agent-task-runner/internal/domain"
	"github.com/hochfrequenz/agent-task-runner/internal/poller"
	"github.com/hochfrequenz/agent-task-runner/internal/progress"
	"github.com/hochfrequenz/agent-task-runner/internal/runner"
)

// Orchestrator is the runner surface the API needs
type Orchestrator interface {
	Batches() []domain.Batch
	Batch(id string) (domain.Batch, bool)
	Tasks() []domain.Task
	Task(key domain.TaskKey) (domain.Task, bool)
	Lines(key domain.TaskKey) []string
	Progress(key domain.TaskKey) progress.State
	PollState(key domain.TaskKey) (poller.State, bool)
	AddTask(batchID string, key domain.TaskKey) error
	StartBatch(batchID string) error
	PauseBatch(batchID string) error
	ResumeBatch(batchID string) error
	ResetTask(key domain.TaskKey) error
}

// RequirementLister lists available requirement artifacts
type RequirementLister interface {
	List() ([]*RequirementInfo, error)
}

// RequirementInfo is the API view of an artifact
type RequirementInfo struct {
	Key      string `json:"key"`
	Title    string `json:"title"`
	Priority string `json:"priority,omitempty"`
}

// Server is the HTTP API server
type Server struct {
	orch     Orchestrator
	reqs     RequirementLister
	addr     string
	mux      *http.ServeMux
	sseHub   *SSEHub
	upgrader websocket.Upgrader
}

// NewServer creates a new API server
func NewServer(orch Orchestrator, reqs RequirementLister, addr string) *Server {
	s := &Server{
		orch:   orch,
		reqs:   reqs,
		addr:   addr,
		mux:    http.NewServeMux(),
		sseHub: NewSSEHub(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/status", s.statusHandler())
	s.mux.HandleFunc("/api/batches", s.listBatchesHandler())
	s.mux.HandleFunc("/api/batches/", s.batchHandler())
	s.mux.HandleFunc("/api/tasks", s.tasksHandler())
	s.mux.HandleFunc("/api/tasks/", s.taskHandler())
	s.mux.HandleFunc("/api/requirements", s.listRequirementsHandler())
	s.mux.HandleFunc("/api/events", s.sseHandler())
}

// Handler returns the server's routing handler
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves until ctx is canceled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	go s.sseHub.Run()

	srv := &http.Server{Addr: s.addr, Handler: s.mux}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Broadcast sends an event to all SSE clients
func (s *Server) Broadcast(event SSEEvent) {
	s.sseHub.Broadcast(event)
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

var _ Orchestrator = (*runner.Runner)(nil)
