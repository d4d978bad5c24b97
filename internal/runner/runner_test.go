package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/agent-task-runner/internal/domain"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

type fakeSubmitter struct {
	mu       sync.Mutex
	calls    int
	failures int // fail this many leading calls
}

func (s *fakeSubmitter) Submit(ctx context.Context, key domain.TaskKey) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failures {
		return "", errors.New("backend unavailable")
	}
	return "ext:" + key.String(), nil
}

func (s *fakeSubmitter) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakeStatus struct {
	mu      sync.Mutex
	results map[string]StatusResult
	errs    map[string]error
}

func newFakeStatus() *fakeStatus {
	return &fakeStatus{results: make(map[string]StatusResult), errs: make(map[string]error)}
}

func (f *fakeStatus) set(externalID string, res StatusResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[externalID] = res
}

func (f *fakeStatus) Status(ctx context.Context, externalID string) (StatusResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[externalID]; err != nil {
		return StatusResult{}, err
	}
	if res, ok := f.results[externalID]; ok {
		return res, nil
	}
	return StatusResult{Status: ExternalRunning}, nil
}

type fakeRequirements struct {
	mu      sync.Mutex
	missing map[string]bool
	deleted []string
}

func newFakeRequirements() *fakeRequirements {
	return &fakeRequirements{missing: make(map[string]bool)}
}

func (f *fakeRequirements) Exists(key domain.TaskKey) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.missing[key.String()]
}

func (f *fakeRequirements) Delete(key domain.TaskKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, key.String())
	return nil
}

func (f *fakeRequirements) deletedKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.deleted))
	copy(out, f.deleted)
	return out
}

type fakeStore struct {
	mu    sync.Mutex
	last  Snapshot
	saves int
}

func (f *fakeStore) Save(snap Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = snap
	f.saves++
	return nil
}

func (f *fakeStore) Load() (Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last, nil
}

type harness struct {
	runner    *Runner
	submitter *fakeSubmitter
	status    *fakeStatus
	reqs      *fakeRequirements
	store     *fakeStore
}

func newHarness() *harness {
	h := &harness{
		submitter: &fakeSubmitter{},
		status:    newFakeStatus(),
		reqs:      newFakeRequirements(),
		store:     &fakeStore{},
	}
	h.runner = New(Options{
		Submitter:      h.submitter,
		Status:         h.status,
		Requirements:   h.reqs,
		Store:          h.store,
		PollInterval:   10 * time.Millisecond,
		PollAttempts:   50,
		SubmitRetries:  3,
		RetryBaseDelay: time.Millisecond,
	})
	return h
}

func key(req string) domain.TaskKey {
	return domain.TaskKey{ProjectID: "proj", Requirement: req}
}

func (h *harness) taskStatus(k domain.TaskKey) domain.TaskStatus {
	task, ok := h.runner.Task(k)
	if !ok {
		return ""
	}
	return task.Status
}

func TestRunner_CompletesTaskAndBatch(t *testing.T) {
	h := newHarness()
	defer h.runner.Shutdown()

	k := key("auth")
	h.status.set("ext:"+k.String(), StatusResult{
		Status:        ExternalCompleted,
		ProgressLines: []string{"✓ Execution completed"},
	})

	if err := h.runner.AddTask("batch-1", k); err != nil {
		t.Fatal(err)
	}
	if err := h.runner.StartBatch("batch-1"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool { return h.taskStatus(k) == domain.TaskCompleted })

	waitFor(t, 2*time.Second, func() bool {
		b, _ := h.runner.Batch("batch-1")
		return b.Status == domain.BatchCompleted
	})
	b, _ := h.runner.Batch("batch-1")
	if b.CompletedCount != 1 || b.FailedCount != 0 {
		t.Errorf("counts = %d/%d, want 1/0", b.CompletedCount, b.FailedCount)
	}

	waitFor(t, time.Second, func() bool { return len(h.reqs.deletedKeys()) == 1 })
	if got := h.reqs.deletedKeys()[0]; got != k.String() {
		t.Errorf("deleted requirement = %s, want %s", got, k)
	}

	state := h.runner.Progress(k)
	if state.Percentage != 100 {
		t.Errorf("completed task progress = %d, want 100", state.Percentage)
	}
}

func TestRunner_FIFOWithinBatch(t *testing.T) {
	h := newHarness()
	defer h.runner.Shutdown()

	a, b := key("a"), key("b")
	// Both stay running externally so a never resolves

	h.runner.AddTask("batch-1", a)
	h.runner.AddTask("batch-1", b)
	h.runner.StartBatch("batch-1")

	waitFor(t, 2*time.Second, func() bool { return h.taskStatus(a) == domain.TaskRunning })

	// Repeated dispatch must not start b while a is in flight
	h.runner.StartBatch("batch-1")
	h.runner.dispatchNext("batch-1")
	time.Sleep(50 * time.Millisecond)

	if got := h.taskStatus(b); got != domain.TaskQueued {
		t.Errorf("second task status = %s, want queued while head runs", got)
	}

	// Resolving a promotes b
	h.status.set("ext:"+a.String(), StatusResult{Status: ExternalCompleted})
	waitFor(t, 2*time.Second, func() bool { return h.taskStatus(b) == domain.TaskRunning })
	if got := h.taskStatus(a); got != domain.TaskCompleted {
		t.Errorf("first task status = %s, want completed", got)
	}
}

func TestRunner_FailureAdvancesQueue(t *testing.T) {
	h := newHarness()
	defer h.runner.Shutdown()

	a, b := key("a"), key("b")
	h.status.set("ext:"+a.String(), StatusResult{Status: ExternalFailed, ErrorMessage: "compile error"})
	h.status.set("ext:"+b.String(), StatusResult{Status: ExternalCompleted})

	h.runner.AddTask("batch-1", a)
	h.runner.AddTask("batch-1", b)
	h.runner.StartBatch("batch-1")

	waitFor(t, 2*time.Second, func() bool { return h.taskStatus(a) == domain.TaskFailed })
	task, _ := h.runner.Task(a)
	if task.Error != "compile error" {
		t.Errorf("task error = %q, want backend message", task.Error)
	}

	waitFor(t, 2*time.Second, func() bool { return h.taskStatus(b) == domain.TaskCompleted })

	waitFor(t, time.Second, func() bool {
		batch, _ := h.runner.Batch("batch-1")
		return batch.Status == domain.BatchCompleted
	})
	batch, _ := h.runner.Batch("batch-1")
	if batch.CompletedCount != 1 || batch.FailedCount != 1 {
		t.Errorf("counts = %d/%d, want 1/1", batch.CompletedCount, batch.FailedCount)
	}
}

func TestRunner_SessionLimitResetsEverything(t *testing.T) {
	h := newHarness()
	defer h.runner.Shutdown()

	a, b := key("a"), key("b")
	h.runner.AddTask("batch-1", a)
	h.runner.AddTask("batch-2", b)
	h.runner.StartBatch("batch-1")
	h.runner.StartBatch("batch-2")

	waitFor(t, 2*time.Second, func() bool {
		return h.taskStatus(a) == domain.TaskRunning && h.taskStatus(b) == domain.TaskRunning
	})

	h.status.set("ext:"+a.String(), StatusResult{Status: ExternalSessionLimit})

	waitFor(t, 2*time.Second, func() bool {
		return h.taskStatus(a) == domain.TaskIdle && h.taskStatus(b) == domain.TaskIdle
	})

	waitFor(t, time.Second, func() bool { return h.runner.polls.Count() == 0 })

	for _, batch := range h.runner.Batches() {
		if batch.Status != domain.BatchIdle {
			t.Errorf("batch %s status = %s, want idle", batch.ID, batch.Status)
		}
		if len(batch.TaskKeys) != 0 {
			t.Errorf("batch %s queue not cleared: %v", batch.ID, batch.TaskKeys)
		}
	}
}

func TestRunner_SubmissionRetry(t *testing.T) {
	h := newHarness()
	defer h.runner.Shutdown()
	h.submitter.failures = 2

	k := key("flaky")
	h.status.set("ext:"+k.String(), StatusResult{Status: ExternalCompleted})

	h.runner.AddTask("batch-1", k)
	h.runner.StartBatch("batch-1")

	waitFor(t, 2*time.Second, func() bool { return h.taskStatus(k) == domain.TaskCompleted })
	if got := h.submitter.callCount(); got != 3 {
		t.Errorf("submit calls = %d, want 3", got)
	}
}

func TestRunner_SubmissionExhaustionFailsTask(t *testing.T) {
	h := newHarness()
	defer h.runner.Shutdown()
	h.submitter.failures = 100

	k := key("down")
	h.runner.AddTask("batch-1", k)
	h.runner.StartBatch("batch-1")

	waitFor(t, 2*time.Second, func() bool { return h.taskStatus(k) == domain.TaskFailed })
	task, _ := h.runner.Task(k)
	if task.Error == "" {
		t.Error("failed task has no error message")
	}
	if got := h.submitter.callCount(); got != 3 {
		t.Errorf("submit calls = %d, want 3 (bounded retries)", got)
	}
}

func TestRunner_PollErrorsTolerated(t *testing.T) {
	h := newHarness()
	defer h.runner.Shutdown()

	k := key("hiccup")
	ext := "ext:" + k.String()
	h.status.mu.Lock()
	h.status.errs[ext] = errors.New("network hiccup")
	h.status.mu.Unlock()

	h.runner.AddTask("batch-1", k)
	h.runner.StartBatch("batch-1")

	// Let exactly one failed query land, then clear the error before the
	// consecutive-failure bound trips
	waitFor(t, 2*time.Second, func() bool {
		state, ok := h.runner.PollState(k)
		return ok && state.Attempts >= 1
	})
	h.status.mu.Lock()
	delete(h.status.errs, ext)
	h.status.mu.Unlock()
	h.status.set(ext, StatusResult{Status: ExternalCompleted})

	waitFor(t, 2*time.Second, func() bool { return h.taskStatus(k) == domain.TaskCompleted })
}

func TestRunner_PersistentPollErrorsFailTask(t *testing.T) {
	h := newHarness()
	defer h.runner.Shutdown()

	k := key("gone")
	h.status.mu.Lock()
	h.status.errs["ext:"+k.String()] = errors.New("connection refused")
	h.status.mu.Unlock()

	h.runner.AddTask("batch-1", k)
	h.runner.StartBatch("batch-1")

	waitFor(t, 2*time.Second, func() bool { return h.taskStatus(k) == domain.TaskFailed })
}

func TestRunner_PauseHaltsDispatch(t *testing.T) {
	h := newHarness()
	defer h.runner.Shutdown()

	a, b := key("a"), key("b")
	h.runner.AddTask("batch-1", a)
	h.runner.StartBatch("batch-1")
	waitFor(t, 2*time.Second, func() bool { return h.taskStatus(a) == domain.TaskRunning })

	h.runner.PauseBatch("batch-1")
	h.runner.AddTask("batch-1", b)

	// Head completes but the paused batch must not advance
	h.status.set("ext:"+a.String(), StatusResult{Status: ExternalCompleted})
	waitFor(t, 2*time.Second, func() bool { return h.taskStatus(a) == domain.TaskCompleted })
	time.Sleep(50 * time.Millisecond)
	if got := h.taskStatus(b); got != domain.TaskQueued {
		t.Errorf("queued task status = %s while paused, want queued", got)
	}

	// Resume continues from the same queue position
	h.status.set("ext:"+b.String(), StatusResult{Status: ExternalCompleted})
	h.runner.ResumeBatch("batch-1")
	waitFor(t, 2*time.Second, func() bool { return h.taskStatus(b) == domain.TaskCompleted })
}

func TestRunner_ResetTaskRemovesTracking(t *testing.T) {
	h := newHarness()
	defer h.runner.Shutdown()

	k := key("reset-me")
	h.runner.AddTask("batch-1", k)
	h.runner.StartBatch("batch-1")
	waitFor(t, 2*time.Second, func() bool { return h.taskStatus(k) == domain.TaskRunning })

	if err := h.runner.ResetTask(k); err != nil {
		t.Fatal(err)
	}
	if _, ok := h.runner.Task(k); ok {
		t.Error("task still tracked after reset")
	}
	batch, _ := h.runner.Batch("batch-1")
	if len(batch.TaskKeys) != 0 {
		t.Errorf("batch queue = %v, want empty", batch.TaskKeys)
	}
	waitFor(t, time.Second, func() bool { return h.runner.polls.Count() == 0 })
}

func TestRunner_AddTaskRejectsActiveDuplicate(t *testing.T) {
	h := newHarness()
	defer h.runner.Shutdown()

	k := key("dup")
	if err := h.runner.AddTask("batch-1", k); err != nil {
		t.Fatal(err)
	}
	if err := h.runner.AddTask("batch-2", k); err == nil {
		t.Error("queuing a queued task in another batch succeeded, want error")
	}
	if err := h.runner.AddTask("missing", key("x")); err == nil {
		t.Error("AddTask to unknown batch succeeded, want error")
	}
}

func TestRunner_RequeueIntoOtherBatchLeavesNoStaleEntry(t *testing.T) {
	h := newHarness()
	defer h.runner.Shutdown()

	x, y := key("x"), key("y")
	h.status.set("ext:"+x.String(), StatusResult{Status: ExternalFailed, ErrorMessage: "flaky"})
	// y stays running externally so batch-2's head never resolves

	h.runner.AddTask("batch-1", x)
	h.runner.StartBatch("batch-1")
	waitFor(t, 2*time.Second, func() bool { return h.taskStatus(x) == domain.TaskFailed })

	h.runner.AddTask("batch-2", y)
	h.runner.StartBatch("batch-2")
	waitFor(t, 2*time.Second, func() bool { return h.taskStatus(y) == domain.TaskRunning })

	if err := h.runner.AddTask("batch-2", x); err != nil {
		t.Fatal(err)
	}

	b1, _ := h.runner.Batch("batch-1")
	if b1.Contains(x) {
		t.Fatalf("batch-1 queue still holds %s after re-queue into batch-2: %v", x, b1.TaskKeys)
	}
	if b1.FailedCount != 0 {
		t.Errorf("batch-1 failed count = %d after its only task moved away, want 0", b1.FailedCount)
	}

	// Restarting the old batch must not dispatch the moved task
	h.runner.StartBatch("batch-1")
	time.Sleep(50 * time.Millisecond)

	if got := h.taskStatus(x); got != domain.TaskQueued {
		t.Errorf("moved task status = %s, want queued behind batch-2's head", got)
	}
	running := 0
	for _, task := range h.runner.Tasks() {
		if task.BatchID == "batch-2" && task.Status == domain.TaskRunning {
			running++
		}
	}
	if running != 1 {
		t.Errorf("batch-2 has %d running tasks, want 1", running)
	}
}

func TestRunner_CountersSurviveResetAndRequeue(t *testing.T) {
	h := newHarness()
	defer h.runner.Shutdown()

	k := key("retry-me")
	h.status.set("ext:"+k.String(), StatusResult{Status: ExternalFailed, ErrorMessage: "first run"})

	h.runner.AddTask("batch-1", k)
	h.runner.StartBatch("batch-1")
	waitFor(t, 2*time.Second, func() bool { return h.taskStatus(k) == domain.TaskFailed })

	// Re-queuing the failed task into the same batch rolls its failure back
	h.status.set("ext:"+k.String(), StatusResult{Status: ExternalCompleted})
	if err := h.runner.AddTask("batch-1", k); err != nil {
		t.Fatal(err)
	}
	b, _ := h.runner.Batch("batch-1")
	if b.FailedCount != 0 {
		t.Errorf("failed count = %d after re-queue, want 0", b.FailedCount)
	}

	h.runner.StartBatch("batch-1")
	waitFor(t, 2*time.Second, func() bool { return h.taskStatus(k) == domain.TaskCompleted })
	b, _ = h.runner.Batch("batch-1")
	if b.CompletedCount != 1 || b.FailedCount != 0 {
		t.Errorf("counts = %d/%d, want 1/0", b.CompletedCount, b.FailedCount)
	}

	// Resetting a terminal task removes its contribution too
	if err := h.runner.ResetTask(k); err != nil {
		t.Fatal(err)
	}
	b, _ = h.runner.Batch("batch-1")
	if b.CompletedCount != 0 {
		t.Errorf("completed count = %d after reset, want 0", b.CompletedCount)
	}
	if b.CompletedCount+b.FailedCount > len(b.TaskKeys) {
		t.Errorf("counters %d/%d exceed queue length %d", b.CompletedCount, b.FailedCount, len(b.TaskKeys))
	}
}

func TestRunner_RecoverResumesPolling(t *testing.T) {
	h := newHarness()
	now := time.Now()
	h.store.Save(Snapshot{
		Batches: []domain.Batch{{
			ID:       "batch-1",
			Name:     "Batch 1",
			Status:   domain.BatchRunning,
			TaskKeys: []domain.TaskKey{key("survivor"), key("orphan")},
		}},
		Tasks: []domain.Task{
			{Key: key("survivor"), BatchID: "batch-1", Status: domain.TaskRunning, ExternalID: "ext:proj:survivor", StartedAt: &now},
			{Key: key("orphan"), BatchID: "batch-1", Status: domain.TaskQueued},
		},
	})
	h.reqs.missing["proj:orphan"] = true
	h.status.set("ext:proj:survivor", StatusResult{Status: ExternalCompleted})

	defer h.runner.Shutdown()
	if err := h.runner.Recover(); err != nil {
		t.Fatal(err)
	}

	if _, ok := h.runner.Task(key("orphan")); ok {
		t.Error("task without requirement artifact survived recovery")
	}

	waitFor(t, 2*time.Second, func() bool { return h.taskStatus(key("survivor")) == domain.TaskCompleted })
}

func TestRunner_RecoverResumesDispatch(t *testing.T) {
	h := newHarness()
	h.store.Save(Snapshot{
		Batches: []domain.Batch{{
			ID:       "batch-2",
			Name:     "Batch 2",
			Status:   domain.BatchRunning,
			TaskKeys: []domain.TaskKey{key("pending")},
		}},
		Tasks: []domain.Task{
			{Key: key("pending"), BatchID: "batch-2", Status: domain.TaskQueued},
		},
	})
	h.status.set("ext:proj:pending", StatusResult{Status: ExternalCompleted})

	defer h.runner.Shutdown()
	if err := h.runner.Recover(); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool { return h.taskStatus(key("pending")) == domain.TaskCompleted })
}

func TestRunner_EventsEmitted(t *testing.T) {
	var mu sync.Mutex
	var kinds []EventKind

	h := &harness{
		submitter: &fakeSubmitter{},
		status:    newFakeStatus(),
		reqs:      newFakeRequirements(),
		store:     &fakeStore{},
	}
	h.runner = New(Options{
		Submitter:      h.submitter,
		Status:         h.status,
		Requirements:   h.reqs,
		Store:          h.store,
		PollInterval:   10 * time.Millisecond,
		SubmitRetries:  1,
		RetryBaseDelay: time.Millisecond,
		OnEvent: func(ev Event) {
			mu.Lock()
			kinds = append(kinds, ev.Kind)
			mu.Unlock()
		},
	})
	defer h.runner.Shutdown()

	k := key("observed")
	h.status.set("ext:"+k.String(), StatusResult{
		Status:        ExternalCompleted,
		ProgressLines: []string{"✓ Execution completed"},
	})
	h.runner.AddTask("batch-1", k)
	h.runner.StartBatch("batch-1")

	waitFor(t, 2*time.Second, func() bool { return h.taskStatus(k) == domain.TaskCompleted })

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		var sawProgress, sawBatch bool
		for _, kind := range kinds {
			if kind == EventProgress {
				sawProgress = true
			}
			if kind == EventBatchStatus {
				sawBatch = true
			}
		}
		return sawProgress && sawBatch
	})
}
