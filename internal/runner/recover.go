package runner

import (
	"fmt"

	"github.com/hochfrequenz/agent-task-runner/internal/domain"
	"github.com/hochfrequenz/agent-task-runner/internal/poller"
)

// Recover reloads the persisted batch/task state after a restart and makes
// the runner behave as if the process had been alive the whole time: tasks
// whose requirement artifact vanished are dropped silently, polling is
// re-registered for every still-running task, and running batches with no
// task in flight resume dispatching their queue head.
func (r *Runner) Recover() error {
	if r.store == nil {
		return nil
	}
	snap, err := r.store.Load()
	if err != nil {
		return fmt.Errorf("loading persisted state: %w", err)
	}

	var recoverTasks []poller.RecoverTask
	var resumeBatches []string

	r.mu.Lock()
	for _, b := range snap.Batches {
		slot, ok := r.batches[b.ID]
		if !ok {
			continue
		}
		*slot = copyBatch(&b)
	}

	for _, t := range snap.Tasks {
		if r.requirements != nil && !r.requirements.Exists(t.Key) {
			// Stale reference from a previous run, not an error
			if batch, ok := r.batches[t.BatchID]; ok {
				batch.Remove(t.Key)
			}
			continue
		}
		task := t
		r.tasks[t.Key] = &task
	}

	for key, task := range r.tasks {
		if task.Status != domain.TaskRunning {
			continue
		}
		if task.ExternalID == "" {
			// Submission never finished before the restart; dispatch again
			task.Status = domain.TaskQueued
			task.StartedAt = nil
			continue
		}
		recoverTasks = append(recoverTasks, poller.RecoverTask{
			ID: key.String(),
			Fn: r.makePollFunc(key, task.ExternalID),
			Options: poller.Options{
				Interval:    r.pollInterval,
				MaxAttempts: r.pollAttempts,
				OnFinish:    r.timeoutHandler(key),
			},
		})
	}

	for _, id := range batchIDs {
		batch := r.batches[id]
		if batch.Status != domain.BatchRunning {
			continue
		}
		hasRunning := false
		for _, key := range batch.TaskKeys {
			if t, ok := r.tasks[key]; ok && t.Status == domain.TaskRunning {
				hasRunning = true
				break
			}
		}
		if !hasRunning {
			resumeBatches = append(resumeBatches, id)
		}
	}

	out := r.snapshotLocked()
	r.mu.Unlock()

	r.polls.Recover(recoverTasks)
	for _, id := range resumeBatches {
		r.dispatchNext(id)
	}
	r.save(out)
	return nil
}

func (r *Runner) timeoutHandler(key domain.TaskKey) func(poller.Outcome) {
	return func(outcome poller.Outcome) {
		if outcome == poller.OutcomeTimeout {
			r.failTask(key, fmt.Sprintf("no terminal status after %d polling attempts", r.pollAttempts))
		}
	}
}
