package runner

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/hochfrequenz/agent-task-runner/internal/domain"
	"github.com/hochfrequenz/agent-task-runner/internal/notify"
	"github.com/hochfrequenz/agent-task-runner/internal/poller"
	"github.com/hochfrequenz/agent-task-runner/internal/progress"
)

// AddTask queues a requirement into a batch. The task must not already be
// queued or running elsewhere.
func (r *Runner) AddTask(batchID string, key domain.TaskKey) error {
	r.mu.Lock()
	batch, ok := r.batches[batchID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("unknown batch %q", batchID)
	}

	if task, exists := r.tasks[key]; exists {
		if task.Status == domain.TaskQueued || task.Status == domain.TaskRunning {
			r.mu.Unlock()
			return fmt.Errorf("task %s is already %s in batch %s", key, task.Status, task.BatchID)
		}
		r.detachLocked(task)
		task.Reset()
		task.Status = domain.TaskQueued
		task.BatchID = batchID
	} else {
		r.tasks[key] = &domain.Task{Key: key, BatchID: batchID, Status: domain.TaskQueued}
	}
	delete(r.lines, key)

	if !batch.Contains(key) {
		batch.TaskKeys = append(batch.TaskKeys, key)
	}
	// A finished batch that receives new work needs an explicit restart
	if batch.Status == domain.BatchCompleted {
		batch.Status = domain.BatchIdle
		batch.CompletedAt = nil
	}

	snap := r.snapshotLocked()
	running := batch.Status == domain.BatchRunning
	r.mu.Unlock()

	r.save(snap)
	r.emit(Event{Kind: EventTaskStatus, TaskKey: key.String(), BatchID: batchID, Status: string(domain.TaskQueued)})
	if running {
		r.dispatchNext(batchID)
	}
	return nil
}

// StartBatch sets a batch running and dispatches its queue head if no task
// in the batch is currently running.
func (r *Runner) StartBatch(batchID string) error {
	r.mu.Lock()
	batch, ok := r.batches[batchID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("unknown batch %q", batchID)
	}
	batch.Status = domain.BatchRunning
	if batch.StartedAt == nil {
		now := time.Now()
		batch.StartedAt = &now
	}
	snap := r.snapshotLocked()
	r.mu.Unlock()

	r.save(snap)
	r.emit(Event{Kind: EventBatchStatus, BatchID: batchID, Status: string(domain.BatchRunning)})
	r.dispatchNext(batchID)
	return nil
}

// PauseBatch halts new dispatch for a batch. An in-flight task keeps running
// and keeps being polled; only the queue stops advancing.
func (r *Runner) PauseBatch(batchID string) error {
	r.mu.Lock()
	batch, ok := r.batches[batchID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("unknown batch %q", batchID)
	}
	if batch.Status == domain.BatchRunning {
		batch.Status = domain.BatchPaused
	}
	snap := r.snapshotLocked()
	r.mu.Unlock()

	r.save(snap)
	r.emit(Event{Kind: EventBatchStatus, BatchID: batchID, Status: string(domain.BatchPaused)})
	return nil
}

// ResumeBatch continues a paused batch from its current queue position
func (r *Runner) ResumeBatch(batchID string) error {
	return r.StartBatch(batchID)
}

// ResetTask stops tracking a task: polling is stopped and the task is
// removed from its batch queue and the task map.
func (r *Runner) ResetTask(key domain.TaskKey) error {
	r.polls.Stop(key.String())

	r.mu.Lock()
	task, ok := r.tasks[key]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("unknown task %s", key)
	}
	r.detachLocked(task)
	delete(r.tasks, key)
	delete(r.lines, key)
	snap := r.snapshotLocked()
	r.mu.Unlock()

	r.save(snap)
	r.emit(Event{Kind: EventTaskStatus, TaskKey: key.String(), Status: string(domain.TaskIdle)})
	return nil
}

// detachLocked removes a task's key from the queue of the batch it belongs
// to and rolls back the batch counter its terminal status contributed to,
// so the batch's counters keep matching its remaining queue. Caller holds mu.
func (r *Runner) detachLocked(task *domain.Task) {
	batch, ok := r.batches[task.BatchID]
	if !ok {
		return
	}
	batch.Remove(task.Key)
	switch task.Status {
	case domain.TaskCompleted:
		if batch.CompletedCount > 0 {
			batch.CompletedCount--
		}
	case domain.TaskFailed:
		if batch.FailedCount > 0 {
			batch.FailedCount--
		}
	}
}

// DropRequirement removes a task whose requirement artifact disappeared
// from disk. Unlike ResetTask it is silent about unknown keys, since the
// watcher reports deletions for artifacts we never tracked.
func (r *Runner) DropRequirement(key domain.TaskKey) {
	r.mu.Lock()
	if _, ok := r.tasks[key]; !ok {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	if err := r.ResetTask(key); err != nil {
		log.Printf("runner: dropping %s: %v", key, err)
	}
}

// dispatchNext advances one batch: if the batch is running and has no
// running task, the first queued task in queue order is dispatched. Strict
// FIFO within a batch; batches advance independently of each other.
func (r *Runner) dispatchNext(batchID string) {
	r.mu.Lock()
	batch, ok := r.batches[batchID]
	if !ok || batch.Status != domain.BatchRunning {
		r.mu.Unlock()
		return
	}

	var next *domain.Task
	allTerminal := len(batch.TaskKeys) > 0
	for _, key := range batch.TaskKeys {
		task, ok := r.tasks[key]
		if !ok {
			continue
		}
		if task.Status == domain.TaskRunning {
			// Head still in flight; never start the next task early
			r.mu.Unlock()
			return
		}
		if !task.Status.IsTerminal() {
			allTerminal = false
			if next == nil && task.Status == domain.TaskQueued {
				next = task
			}
		}
	}

	if next == nil {
		if allTerminal && batch.Status != domain.BatchCompleted {
			batch.Status = domain.BatchCompleted
			now := time.Now()
			batch.CompletedAt = &now
			name, completed, failed := batch.Name, batch.CompletedCount, batch.FailedCount
			snap := r.snapshotLocked()
			r.mu.Unlock()

			r.save(snap)
			r.emit(Event{Kind: EventBatchStatus, BatchID: batchID, Status: string(domain.BatchCompleted)})
			r.notifyAsync(notify.Notification{
				Title:   fmt.Sprintf("%s finished", name),
				Message: fmt.Sprintf("%d completed, %d failed", completed, failed),
				Type:    notify.NotifySuccess,
				BatchID: batchID,
			})
			return
		}
		r.mu.Unlock()
		return
	}

	next.Status = domain.TaskRunning
	now := time.Now()
	next.StartedAt = &now
	key := next.Key
	snap := r.snapshotLocked()
	r.mu.Unlock()

	r.save(snap)
	r.emit(Event{Kind: EventTaskStatus, TaskKey: key.String(), BatchID: batchID, Status: string(domain.TaskRunning)})
	go r.submitAndPoll(key)
}

// submitAndPoll submits a dispatched task to the backend, retrying
// transient submission failures with exponential backoff, then begins
// polling its status. Only the submission call is retried here; execution
// failures reported later via polling are never retried.
func (r *Runner) submitAndPoll(key domain.TaskKey) {
	ctx := context.Background()

	var externalID string
	var err error
	delay := r.retryBaseDelay
	for attempt := 1; attempt <= r.submitRetries; attempt++ {
		if attempt > 1 {
			time.Sleep(delay)
			delay *= 2
		}
		externalID, err = r.submitter.Submit(ctx, key)
		if err == nil {
			break
		}
	}
	if err != nil {
		r.failTask(key, fmt.Sprintf("submission failed after %d attempts: %v", r.submitRetries, err))
		return
	}

	r.mu.Lock()
	task, ok := r.tasks[key]
	if !ok || task.Status != domain.TaskRunning {
		// Reset or drop raced the submission; the external run is orphaned
		r.mu.Unlock()
		return
	}
	task.ExternalID = externalID
	snap := r.snapshotLocked()
	r.mu.Unlock()

	r.save(snap)
	r.startPolling(key, externalID)
}

func (r *Runner) startPolling(key domain.TaskKey, externalID string) {
	r.polls.Start(key.String(), r.makePollFunc(key, externalID), poller.Options{
		Interval:    r.pollInterval,
		MaxAttempts: r.pollAttempts,
		OnFinish:    r.timeoutHandler(key),
	})
}

// makePollFunc builds the status-poll closure for one dispatched task.
// Isolated transient query errors are tolerated; only a run of consecutive
// failures aborts the loop.
func (r *Runner) makePollFunc(key domain.TaskKey, externalID string) poller.PollFunc {
	consecutiveErrors := 0

	return func(ctx context.Context) poller.Result {
		res, err := r.status.Status(ctx, externalID)
		if err != nil {
			consecutiveErrors++
			if consecutiveErrors >= maxConsecutivePollErrors {
				r.failTask(key, fmt.Sprintf("status query failed %d times in a row: %v", consecutiveErrors, err))
				return poller.Failure
			}
			return poller.Continue
		}
		consecutiveErrors = 0

		r.recordLines(key, res.ProgressLines)

		switch res.Status {
		case ExternalCompleted:
			r.completeTask(key)
			return poller.Success
		case ExternalFailed:
			msg := res.ErrorMessage
			if msg == "" {
				msg = "agent reported failure"
			}
			r.failTask(key, msg)
			return poller.Failure
		case ExternalSessionLimit:
			r.sessionLimitReset(key, res.ErrorMessage)
			return poller.Failure
		default:
			return poller.Continue
		}
	}
}

// recordLines stores the task's accumulated raw output and publishes a
// progress event with the freshly estimated percentage.
func (r *Runner) recordLines(key domain.TaskKey, lines []string) {
	if len(lines) == 0 {
		return
	}
	stored := make([]string, len(lines))
	copy(stored, lines)

	r.mu.Lock()
	r.lines[key] = stored
	r.mu.Unlock()

	state := progress.Compute(stored)
	r.emit(Event{Kind: EventProgress, TaskKey: key.String(), Percentage: state.Percentage})
}

// completeTask finalizes a successful task: counters, artifact removal,
// queue advance. The polling loop stops itself by returning Success.
func (r *Runner) completeTask(key domain.TaskKey) {
	r.mu.Lock()
	task, ok := r.tasks[key]
	if !ok || task.Status != domain.TaskRunning {
		r.mu.Unlock()
		return
	}
	task.Status = domain.TaskCompleted
	now := time.Now()
	task.CompletedAt = &now
	batchID := task.BatchID
	if batch, ok := r.batches[batchID]; ok {
		batch.CompletedCount++
	}
	snap := r.snapshotLocked()
	r.mu.Unlock()

	r.save(snap)
	r.emit(Event{Kind: EventTaskStatus, TaskKey: key.String(), BatchID: batchID, Status: string(domain.TaskCompleted)})

	// The requirement artifact triggered this run; completed work removes it
	if r.requirements != nil {
		if err := r.requirements.Delete(key); err != nil {
			log.Printf("runner: deleting requirement for %s: %v", key, err)
		}
	}

	r.dispatchNext(batchID)
}

// failTask marks a task failed and advances its batch queue. There is no
// automatic retry of the same task at this layer.
func (r *Runner) failTask(key domain.TaskKey, msg string) {
	r.polls.Stop(key.String())

	r.mu.Lock()
	task, ok := r.tasks[key]
	if !ok || task.Status.IsTerminal() {
		r.mu.Unlock()
		return
	}
	task.Status = domain.TaskFailed
	task.Error = msg
	now := time.Now()
	task.CompletedAt = &now
	batchID := task.BatchID
	if batch, ok := r.batches[batchID]; ok {
		batch.FailedCount++
	}
	snap := r.snapshotLocked()
	r.mu.Unlock()

	r.save(snap)
	r.emit(Event{Kind: EventTaskStatus, TaskKey: key.String(), BatchID: batchID, Status: string(domain.TaskFailed), Error: msg})
	r.notifyAsync(notify.Notification{
		Title:   "Task failed",
		Message: msg,
		Type:    notify.NotifyError,
		TaskKey: key.String(),
	})

	r.dispatchNext(batchID)
}

// sessionLimitReset handles the distinguished session-limit failure. It is
// treated as systemic (a shared external quota), not per-task: every task
// in every batch returns to idle, all queues are invalidated, and all
// polling stops. The one offending task is not retried either.
func (r *Runner) sessionLimitReset(key domain.TaskKey, msg string) {
	if msg == "" {
		msg = "agent session limit reached"
	}

	r.mu.Lock()
	if task, ok := r.tasks[key]; ok {
		task.Status = domain.TaskSessionLimit
		task.Error = msg
	}
	for _, task := range r.tasks {
		task.Reset()
	}
	for _, batch := range r.batches {
		batch.Status = domain.BatchIdle
		batch.TaskKeys = nil
		batch.StartedAt = nil
		batch.CompletedAt = nil
		batch.CompletedCount = 0
		batch.FailedCount = 0
	}
	r.lines = make(map[domain.TaskKey][]string)
	snap := r.snapshotLocked()
	r.mu.Unlock()

	r.polls.CleanupAll()
	r.save(snap)

	for _, id := range batchIDs {
		r.emit(Event{Kind: EventBatchStatus, BatchID: id, Status: string(domain.BatchIdle)})
	}
	r.emit(Event{Kind: EventTaskStatus, TaskKey: key.String(), Status: string(domain.TaskIdle), Error: msg})
	r.notifyAsync(notify.Notification{
		Title:   "Session limit reached",
		Message: msg + ". All batches and queued tasks were reset; the limit applies to the shared agent session, not a single task.",
		Type:    notify.NotifyWarning,
		TaskKey: key.String(),
	})
}
