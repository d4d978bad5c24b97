package domain

import "time"

// MaxBatches is the fixed number of batch slots the runner owns
const MaxBatches = 4

// Batch is an ordered FIFO queue of task keys plus aggregate counters.
// At most one task in a batch is running at any time.
type Batch struct {
	ID             string
	Name           string
	TaskKeys       []TaskKey // dispatch order
	Status         BatchStatus
	StartedAt      *time.Time
	CompletedAt    *time.Time
	CompletedCount int
	FailedCount    int
}

// Contains reports whether the batch queue holds the given key
func (b *Batch) Contains(key TaskKey) bool {
	for _, k := range b.TaskKeys {
		if k == key {
			return true
		}
	}
	return false
}

// Remove drops a key from the queue, returning true if it was present
func (b *Batch) Remove(key TaskKey) bool {
	for i, k := range b.TaskKeys {
		if k == key {
			b.TaskKeys = append(b.TaskKeys[:i], b.TaskKeys[i+1:]...)
			return true
		}
	}
	return false
}
