package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hochfrequenz/agent-task-runner/internal/domain"
	"github.com/hochfrequenz/agent-task-runner/internal/poller"
	"github.com/hochfrequenz/agent-task-runner/internal/progress"
)

type mockOrch struct {
	batches []domain.Batch
	tasks   map[string]domain.Task
	lines   map[string][]string

	started []string
	paused  []string
	reset   []string
	addErr  error
}

func newMockOrch() *mockOrch {
	return &mockOrch{
		tasks: make(map[string]domain.Task),
		lines: make(map[string][]string),
	}
}

func (m *mockOrch) Batches() []domain.Batch { return m.batches }

func (m *mockOrch) Batch(id string) (domain.Batch, bool) {
	for _, b := range m.batches {
		if b.ID == id {
			return b, true
		}
	}
	return domain.Batch{}, false
}

func (m *mockOrch) Tasks() []domain.Task {
	out := make([]domain.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}
	return out
}

func (m *mockOrch) Task(key domain.TaskKey) (domain.Task, bool) {
	t, ok := m.tasks[key.String()]
	return t, ok
}

func (m *mockOrch) Lines(key domain.TaskKey) []string {
	return m.lines[key.String()]
}

func (m *mockOrch) Progress(key domain.TaskKey) progress.State {
	return progress.Compute(m.lines[key.String()])
}

func (m *mockOrch) PollState(key domain.TaskKey) (poller.State, bool) {
	return poller.State{}, false
}

func (m *mockOrch) AddTask(batchID string, key domain.TaskKey) error {
	if m.addErr != nil {
		return m.addErr
	}
	m.tasks[key.String()] = domain.Task{Key: key, BatchID: batchID, Status: domain.TaskQueued}
	return nil
}

func (m *mockOrch) StartBatch(id string) error {
	m.started = append(m.started, id)
	return nil
}

func (m *mockOrch) PauseBatch(id string) error {
	m.paused = append(m.paused, id)
	return nil
}

func (m *mockOrch) ResumeBatch(id string) error { return m.StartBatch(id) }

func (m *mockOrch) ResetTask(key domain.TaskKey) error {
	m.reset = append(m.reset, key.String())
	return nil
}

func newTestServer(orch Orchestrator) *Server {
	s := NewServer(orch, nil, ":0")
	go s.sseHub.Run()
	return s
}

func TestListBatchesHandler(t *testing.T) {
	orch := newMockOrch()
	orch.batches = []domain.Batch{
		{ID: "batch-1", Name: "Batch 1", Status: domain.BatchRunning,
			TaskKeys: []domain.TaskKey{{ProjectID: "p", Requirement: "a"}}},
		{ID: "batch-2", Name: "Batch 2", Status: domain.BatchIdle},
	}

	server := newTestServer(orch)
	req := httptest.NewRequest("GET", "/api/batches", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var batches []BatchResponse
	json.NewDecoder(w.Body).Decode(&batches)
	if len(batches) != 2 {
		t.Fatalf("batch count = %d, want 2", len(batches))
	}
	if batches[0].Status != "running" || batches[0].TaskKeys[0] != "p:a" {
		t.Errorf("batch response = %+v", batches[0])
	}
}

func TestBatchActionHandler(t *testing.T) {
	orch := newMockOrch()
	orch.batches = []domain.Batch{{ID: "batch-1", Name: "Batch 1", Status: domain.BatchIdle}}

	server := newTestServer(orch)

	req := httptest.NewRequest("POST", "/api/batches/batch-1/start", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if len(orch.started) != 1 || orch.started[0] != "batch-1" {
		t.Errorf("started = %v", orch.started)
	}

	// GET on an action path is rejected
	req = httptest.NewRequest("GET", "/api/batches/batch-1/pause", nil)
	w = httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET action status = %d, want 405", w.Code)
	}
}

func TestAddTaskHandler(t *testing.T) {
	orch := newMockOrch()
	server := newTestServer(orch)

	body := strings.NewReader(`{"batchId":"batch-1","key":"dashboard:user-auth"}`)
	req := httptest.NewRequest("POST", "/api/tasks", body)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body)
	}

	var task TaskResponse
	json.NewDecoder(w.Body).Decode(&task)
	if task.Key != "dashboard:user-auth" || task.Status != "queued" {
		t.Errorf("task = %+v", task)
	}

	// Malformed key
	body = strings.NewReader(`{"batchId":"batch-1","key":"no-colon"}`)
	req = httptest.NewRequest("POST", "/api/tasks", body)
	w = httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed key status = %d, want 400", w.Code)
	}
}

func TestTaskProgressHandler(t *testing.T) {
	orch := newMockOrch()
	key := domain.TaskKey{ProjectID: "dashboard", Requirement: "user-auth"}
	orch.tasks[key.String()] = domain.Task{Key: key, BatchID: "batch-1", Status: domain.TaskRunning}
	orch.lines[key.String()] = []string{
		`{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Read","input":{"file_path":"/src/main.go"}}]}}`,
	}

	server := newTestServer(orch)
	req := httptest.NewRequest("GET", "/api/tasks/dashboard:user-auth/progress", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body)
	}

	var resp ProgressResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Phase != "analyzing" {
		t.Errorf("phase = %q, want analyzing", resp.Phase)
	}
	if resp.Percentage == 0 {
		t.Error("percentage = 0 for active task")
	}
	if len(resp.Checkpoints) != 7 {
		t.Errorf("checkpoint count = %d, want 7", len(resp.Checkpoints))
	}
}

func TestTaskResetHandler(t *testing.T) {
	orch := newMockOrch()
	key := domain.TaskKey{ProjectID: "p", Requirement: "r"}
	orch.tasks[key.String()] = domain.Task{Key: key, Status: domain.TaskRunning}

	server := newTestServer(orch)
	req := httptest.NewRequest("POST", "/api/tasks/p:r/reset", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if len(orch.reset) != 1 || orch.reset[0] != "p:r" {
		t.Errorf("reset = %v", orch.reset)
	}
}

func TestTaskHandler_NotFound(t *testing.T) {
	server := newTestServer(newMockOrch())
	req := httptest.NewRequest("GET", "/api/tasks/p:missing", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestStatusHandler(t *testing.T) {
	orch := newMockOrch()
	orch.batches = []domain.Batch{
		{ID: "batch-1", Status: domain.BatchRunning},
		{ID: "batch-2", Status: domain.BatchIdle},
	}
	orch.tasks["p:a"] = domain.Task{Status: domain.TaskRunning}
	orch.tasks["p:b"] = domain.Task{Status: domain.TaskCompleted}
	orch.tasks["p:c"] = domain.Task{Status: domain.TaskCompleted}

	server := newTestServer(orch)
	req := httptest.NewRequest("GET", "/api/status", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	var status StatusResponse
	json.NewDecoder(w.Body).Decode(&status)
	if status.TaskTotal != 3 {
		t.Errorf("TaskTotal = %d, want 3", status.TaskTotal)
	}
	if status.Tasks["completed"] != 2 {
		t.Errorf("completed = %d, want 2", status.Tasks["completed"])
	}
	if status.Batches["running"] != 1 {
		t.Errorf("running batches = %d, want 1", status.Batches["running"])
	}
}
