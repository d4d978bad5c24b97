package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/hochfrequenz/agent-task-runner/internal/activity"
	"github.com/hochfrequenz/agent-task-runner/internal/domain"
	"github.com/hochfrequenz/agent-task-runner/internal/progress"
)

// BatchResponse is the API response for a batch slot
type BatchResponse struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Status         string   `json:"status"`
	TaskKeys       []string `json:"taskKeys"`
	StartedAt      *string  `json:"startedAt,omitempty"`
	CompletedAt    *string  `json:"completedAt,omitempty"`
	CompletedCount int      `json:"completedCount"`
	FailedCount    int      `json:"failedCount"`
}

// TaskResponse is the API response for a task
type TaskResponse struct {
	Key         string  `json:"key"`
	ProjectID   string  `json:"projectId"`
	Requirement string  `json:"requirement"`
	BatchID     string  `json:"batchId"`
	Status      string  `json:"status"`
	Error       string  `json:"error,omitempty"`
	ExternalID  string  `json:"externalId,omitempty"`
	StartedAt   *string `json:"startedAt,omitempty"`
	CompletedAt *string `json:"completedAt,omitempty"`
}

// CheckpointResponse is one progress milestone
type CheckpointResponse struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// ActivityEntryResponse is one classified activity event
type ActivityEntryResponse struct {
	Type     string `json:"type"`
	Tool     string `json:"tool,omitempty"`
	Target   string `json:"target,omitempty"`
	Duration string `json:"duration,omitempty"`
}

// ProgressResponse is the API response for a task's progress snapshot
type ProgressResponse struct {
	Key         string                  `json:"key"`
	Percentage  int                     `json:"percentage"`
	Phase       string                  `json:"phase"`
	ToolUsage   map[string]int          `json:"toolUsage,omitempty"`
	Current     *ActivityEntryResponse  `json:"current,omitempty"`
	History     []ActivityEntryResponse `json:"history,omitempty"`
	Checkpoints []CheckpointResponse    `json:"checkpoints"`
	LineCount   int                     `json:"lineCount"`
	Polling     *PollingResponse        `json:"polling,omitempty"`
}

// PollingResponse describes the active status-poll loop for a task
type PollingResponse struct {
	Attempts    int `json:"attempts"`
	MaxAttempts int `json:"maxAttempts"`
}

// StatusResponse is the API response for overall status
type StatusResponse struct {
	Batches   map[string]int `json:"batches"`
	Tasks     map[string]int `json:"tasks"`
	TaskTotal int            `json:"taskTotal"`
}

func batchToResponse(b domain.Batch) BatchResponse {
	keys := make([]string, len(b.TaskKeys))
	for i, k := range b.TaskKeys {
		keys[i] = k.String()
	}
	return BatchResponse{
		ID:             b.ID,
		Name:           b.Name,
		Status:         string(b.Status),
		TaskKeys:       keys,
		StartedAt:      formatTime(b.StartedAt),
		CompletedAt:    formatTime(b.CompletedAt),
		CompletedCount: b.CompletedCount,
		FailedCount:    b.FailedCount,
	}
}

func taskToResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		Key:         t.Key.String(),
		ProjectID:   t.Key.ProjectID,
		Requirement: t.Key.Requirement,
		BatchID:     t.BatchID,
		Status:      string(t.Status),
		Error:       t.Error,
		ExternalID:  t.ExternalID,
		StartedAt:   formatTime(t.StartedAt),
		CompletedAt: formatTime(t.CompletedAt),
	}
}

func entryToResponse(e activity.Entry) ActivityEntryResponse {
	out := ActivityEntryResponse{
		Type:   string(e.Type),
		Tool:   e.Tool,
		Target: e.Target,
	}
	if e.Duration > 0 {
		out.Duration = e.Duration.Round(time.Second).String()
	}
	return out
}

func progressToResponse(key domain.TaskKey, state progress.State) ProgressResponse {
	resp := ProgressResponse{
		Key:        key.String(),
		Percentage: state.Percentage,
		Phase:      string(state.Activity.Phase),
		ToolUsage:  state.Activity.ToolUsage,
		LineCount:  len(state.Lines),
	}
	if state.Activity.Current != nil {
		entry := entryToResponse(*state.Activity.Current)
		resp.Current = &entry
	}
	for _, e := range state.Activity.History {
		resp.History = append(resp.History, entryToResponse(e))
	}
	for _, cp := range state.Checkpoints {
		resp.Checkpoints = append(resp.Checkpoints, CheckpointResponse{
			Name:   cp.Name,
			Status: string(cp.Status),
		})
	}
	return resp
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		status := StatusResponse{
			Batches: make(map[string]int),
			Tasks:   make(map[string]int),
		}
		for _, b := range s.orch.Batches() {
			status.Batches[string(b.Status)]++
		}
		for _, t := range s.orch.Tasks() {
			status.Tasks[string(t.Status)]++
			status.TaskTotal++
		}
		writeJSON(w, status)
	}
}

func (s *Server) listBatchesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		batches := s.orch.Batches()
		responses := make([]BatchResponse, len(batches))
		for i, b := range batches {
			responses[i] = batchToResponse(b)
		}
		writeJSON(w, responses)
	}
}

// batchHandler routes /api/batches/{id} and /api/batches/{id}/{action}
func (s *Server) batchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/api/batches/")
		id, action, _ := strings.Cut(path, "/")
		if id == "" {
			writeError(w, http.StatusBadRequest, "batch id required")
			return
		}

		if action == "" {
			if r.Method != http.MethodGet {
				writeError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			batch, ok := s.orch.Batch(id)
			if !ok {
				writeError(w, http.StatusNotFound, "batch not found")
				return
			}
			writeJSON(w, batchToResponse(batch))
			return
		}

		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		var err error
		switch action {
		case "start":
			err = s.orch.StartBatch(id)
		case "pause":
			err = s.orch.PauseBatch(id)
		case "resume":
			err = s.orch.ResumeBatch(id)
		default:
			writeError(w, http.StatusNotFound, "unknown action")
			return
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		batch, _ := s.orch.Batch(id)
		s.Broadcast(SSEEvent{Type: "batch_update", Data: batchToResponse(batch)})
		writeJSON(w, map[string]string{"status": string(batch.Status)})
	}
}

type addTaskRequest struct {
	BatchID string `json:"batchId"`
	Key     string `json:"key"`
}

// tasksHandler routes /api/tasks: GET lists, POST queues
func (s *Server) tasksHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			tasks := s.orch.Tasks()
			responses := make([]TaskResponse, len(tasks))
			for i, t := range tasks {
				responses[i] = taskToResponse(t)
			}
			writeJSON(w, responses)

		case http.MethodPost:
			var req addTaskRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			key, err := domain.ParseTaskKey(req.Key)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			if err := s.orch.AddTask(req.BatchID, key); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			task, _ := s.orch.Task(key)
			writeJSON(w, taskToResponse(task))

		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

// taskHandler routes /api/tasks/{key} and /api/tasks/{key}/{action}
func (s *Server) taskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
		if path == "" {
			writeError(w, http.StatusBadRequest, "task key required")
			return
		}

		// Task keys contain a colon, so the action is always the segment
		// after the last slash
		rawKey := path
		action := ""
		if idx := strings.LastIndex(path, "/"); idx > 0 {
			rawKey, action = path[:idx], path[idx+1:]
		}

		key, err := domain.ParseTaskKey(rawKey)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		switch action {
		case "":
			if r.Method != http.MethodGet {
				writeError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			task, ok := s.orch.Task(key)
			if !ok {
				writeError(w, http.StatusNotFound, "task not found")
				return
			}
			writeJSON(w, taskToResponse(task))

		case "progress":
			if r.Method != http.MethodGet {
				writeError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			if _, ok := s.orch.Task(key); !ok {
				writeError(w, http.StatusNotFound, "task not found")
				return
			}
			resp := progressToResponse(key, s.orch.Progress(key))
			if state, active := s.orch.PollState(key); active {
				resp.Polling = &PollingResponse{
					Attempts:    state.Attempts,
					MaxAttempts: state.MaxAttempts,
				}
			}
			writeJSON(w, resp)

		case "lines":
			if r.Method != http.MethodGet {
				writeError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			writeJSON(w, map[string]interface{}{
				"key":   key.String(),
				"lines": s.orch.Lines(key),
			})

		case "reset":
			if r.Method != http.MethodPost {
				writeError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			if err := s.orch.ResetTask(key); err != nil {
				writeError(w, http.StatusNotFound, err.Error())
				return
			}
			writeJSON(w, map[string]string{"status": "reset"})

		case "stream":
			s.streamHandler(w, r, key)

		default:
			writeError(w, http.StatusNotFound, "unknown action")
		}
	}
}

func (s *Server) listRequirementsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if s.reqs == nil {
			writeJSON(w, []RequirementInfo{})
			return
		}
		infos, err := s.reqs.List()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out := make([]RequirementInfo, 0, len(infos))
		for _, info := range infos {
			out = append(out, *info)
		}
		writeJSON(w, out)
	}
}
