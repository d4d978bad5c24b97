// Package runner is the top-level scheduler: it owns a fixed set of batch
// slots, each a FIFO queue of tasks, dispatches at most one running task per
// batch to the external agent backend, tracks progress through polling, and
// persists its state so a restart can pick up where it left off.
package runner

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/hochfrequenz/agent-task-runner/internal/domain"
	"github.com/hochfrequenz/agent-task-runner/internal/notify"
	"github.com/hochfrequenz/agent-task-runner/internal/poller"
	"github.com/hochfrequenz/agent-task-runner/internal/progress"
)

// ExternalStatus is the status reported by the agent backend for a task
type ExternalStatus string

const (
	ExternalRunning      ExternalStatus = "running"
	ExternalCompleted    ExternalStatus = "completed"
	ExternalFailed       ExternalStatus = "failed"
	ExternalSessionLimit ExternalStatus = "session-limit"
)

// StatusResult is the backend's answer to a status query
type StatusResult struct {
	Status        ExternalStatus
	ProgressLines []string
	ResultSummary string
	ErrorMessage  string
}

// Submitter dispatches a requirement to the agent backend.
// Submission may fail transiently; the runner retries with backoff.
type Submitter interface {
	Submit(ctx context.Context, key domain.TaskKey) (externalID string, err error)
}

// StatusClient queries the backend for a dispatched task's status
type StatusClient interface {
	Status(ctx context.Context, externalID string) (StatusResult, error)
}

// RequirementSource resolves requirement artifacts on disk
type RequirementSource interface {
	Exists(key domain.TaskKey) bool
	Delete(key domain.TaskKey) error
}

// Snapshot is the serializable batch/task state written on every mutation
// and read once at startup for recovery.
type Snapshot struct {
	Batches []domain.Batch
	Tasks   []domain.Task
}

// StateStore persists snapshots
type StateStore interface {
	Save(snap Snapshot) error
	Load() (Snapshot, error)
}

// EventKind discriminates runner events sent to UI consumers
type EventKind string

const (
	EventTaskStatus  EventKind = "task_status"
	EventBatchStatus EventKind = "batch_status"
	EventProgress    EventKind = "progress"
)

// Event is a UI-facing change notification
type Event struct {
	Kind       EventKind `json:"kind"`
	TaskKey    string    `json:"taskKey,omitempty"`
	BatchID    string    `json:"batchId,omitempty"`
	Status     string    `json:"status,omitempty"`
	Error      string    `json:"error,omitempty"`
	Percentage int       `json:"percentage,omitempty"`
}

// Options configures a Runner
type Options struct {
	Submitter    Submitter
	Status       StatusClient
	Requirements RequirementSource
	Store        StateStore
	Notifier     notify.Notifier
	OnEvent      func(Event) // optional UI broadcast hook

	PollInterval   time.Duration // default 10s
	PollAttempts   int           // default 60 (10 minute ceiling)
	SubmitRetries  int           // default 3
	RetryBaseDelay time.Duration // default 2s, doubled per retry
}

const (
	defaultPollAttempts   = 60
	defaultSubmitRetries  = 3
	defaultRetryBaseDelay = 2 * time.Second

	// consecutive status-query errors tolerated before the loop gives up
	maxConsecutivePollErrors = 3
)

// batchIDs are the fixed batch slots
var batchIDs = []string{"batch-1", "batch-2", "batch-3", "batch-4"}

// Runner owns all batch and task state. UI components read snapshots via
// the accessor methods and never mutate runner state directly.
type Runner struct {
	submitter    Submitter
	status       StatusClient
	requirements RequirementSource
	store        StateStore
	notifier     notify.Notifier
	onEvent      func(Event)
	polls        *poller.Manager

	pollInterval   time.Duration
	pollAttempts   int
	submitRetries  int
	retryBaseDelay time.Duration

	mu      sync.Mutex
	batches map[string]*domain.Batch
	tasks   map[domain.TaskKey]*domain.Task
	lines   map[domain.TaskKey][]string // raw progress lines per task
}

// New creates a Runner with the fixed batch slots, all idle and empty
func New(opts Options) *Runner {
	if opts.PollInterval <= 0 {
		opts.PollInterval = poller.DefaultInterval
	}
	if opts.PollAttempts <= 0 {
		opts.PollAttempts = defaultPollAttempts
	}
	if opts.SubmitRetries <= 0 {
		opts.SubmitRetries = defaultSubmitRetries
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = defaultRetryBaseDelay
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.NoopNotifier{}
	}

	r := &Runner{
		submitter:      opts.Submitter,
		status:         opts.Status,
		requirements:   opts.Requirements,
		store:          opts.Store,
		notifier:       opts.Notifier,
		onEvent:        opts.OnEvent,
		polls:          poller.NewManager(),
		pollInterval:   opts.PollInterval,
		pollAttempts:   opts.PollAttempts,
		submitRetries:  opts.SubmitRetries,
		retryBaseDelay: opts.RetryBaseDelay,
		batches:        make(map[string]*domain.Batch),
		tasks:          make(map[domain.TaskKey]*domain.Task),
		lines:          make(map[domain.TaskKey][]string),
	}
	for i, id := range batchIDs {
		r.batches[id] = &domain.Batch{
			ID:     id,
			Name:   batchName(i),
			Status: domain.BatchIdle,
		}
	}
	return r
}

func batchName(i int) string {
	return "Batch " + string(rune('1'+i))
}

// BatchIDs returns the fixed batch slot ids in order
func BatchIDs() []string {
	ids := make([]string, len(batchIDs))
	copy(ids, batchIDs)
	return ids
}

// Shutdown stops all polling loops
func (r *Runner) Shutdown() {
	r.polls.CleanupAll()
}

// Batches returns copies of all batches in slot order
func (r *Runner) Batches() []domain.Batch {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Batch, 0, len(batchIDs))
	for _, id := range batchIDs {
		out = append(out, copyBatch(r.batches[id]))
	}
	return out
}

// Batch returns a copy of one batch
func (r *Runner) Batch(id string) (domain.Batch, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[id]
	if !ok {
		return domain.Batch{}, false
	}
	return copyBatch(b), true
}

// Tasks returns copies of all tracked tasks
func (r *Runner) Tasks() []domain.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, *t)
	}
	return out
}

// Task returns a copy of one task
func (r *Runner) Task(key domain.TaskKey) (domain.Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[key]
	if !ok {
		return domain.Task{}, false
	}
	return *t, true
}

// Lines returns a copy of the raw progress lines accumulated for a task
func (r *Runner) Lines(key domain.TaskKey) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	lines := make([]string, len(r.lines[key]))
	copy(lines, r.lines[key])
	return lines
}

// Progress rebuilds the progress snapshot for a task from its raw lines.
// A successfully completed task is always reported as fully done, whatever
// the heuristic estimate says.
func (r *Runner) Progress(key domain.TaskKey) progress.State {
	r.mu.Lock()
	lines := make([]string, len(r.lines[key]))
	copy(lines, r.lines[key])
	task, ok := r.tasks[key]
	completed := ok && task.Status == domain.TaskCompleted
	r.mu.Unlock()

	state := progress.Compute(lines)
	if completed {
		progress.Finalize(&state)
	}
	return state
}

// PollState exposes the polling loop state for a task, if one is active
func (r *Runner) PollState(key domain.TaskKey) (poller.State, bool) {
	return r.polls.GetState(key.String())
}

func copyBatch(b *domain.Batch) domain.Batch {
	out := *b
	out.TaskKeys = make([]domain.TaskKey, len(b.TaskKeys))
	copy(out.TaskKeys, b.TaskKeys)
	return out
}

// snapshotLocked builds a deep copy of the persistable state.
// Callers must hold r.mu.
func (r *Runner) snapshotLocked() Snapshot {
	snap := Snapshot{}
	for _, id := range batchIDs {
		snap.Batches = append(snap.Batches, copyBatch(r.batches[id]))
	}
	for _, t := range r.tasks {
		snap.Tasks = append(snap.Tasks, *t)
	}
	return snap
}

// save writes a snapshot to the store. Persistence is fire-and-forget:
// a failed write is logged, never surfaced to callers.
func (r *Runner) save(snap Snapshot) {
	if r.store == nil {
		return
	}
	if err := r.store.Save(snap); err != nil {
		log.Printf("runner: persisting state failed: %v", err)
	}
}

func (r *Runner) emit(ev Event) {
	if r.onEvent != nil {
		r.onEvent(ev)
	}
}

func (r *Runner) notifyAsync(n notify.Notification) {
	go func() {
		if err := r.notifier.Send(n); err != nil {
			log.Printf("runner: notification failed: %v", err)
		}
	}()
}
