// Package schedule auto-starts batch slots on cron expressions. Manual
// control through the API always wins; the scheduler only nudges idle
// batches onto their configured cadence.
package schedule

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hochfrequenz/agent-task-runner/internal/config"
)

// Entry is one validated batch schedule
type Entry struct {
	BatchID string
	Cron    string
}

// Validate checks the entry and its cron expression
func (e *Entry) Validate() error {
	if e.BatchID == "" {
		return fmt.Errorf("batch id is required")
	}
	if e.Cron == "" {
		return fmt.Errorf("cron expression is required")
	}
	if _, err := ParseCron(e.Cron); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", e.Cron, err)
	}
	return nil
}

// ParseCron parses a five-field cron expression
func ParseCron(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return parser.Parse(expr)
}

// Scheduler fires batch starts on their cron cadence
type Scheduler struct {
	entries  map[string]Entry
	parser   cron.Parser
	lastRun  map[string]time.Time
	running  map[string]bool
	mu       sync.RWMutex
	stopChan chan struct{}
}

// NewScheduler creates a Scheduler from config entries
func NewScheduler(entries []config.ScheduleConfig) (*Scheduler, error) {
	s := &Scheduler{
		entries:  make(map[string]Entry),
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		lastRun:  make(map[string]time.Time),
		running:  make(map[string]bool),
		stopChan: make(chan struct{}),
	}

	for _, c := range entries {
		entry := Entry{BatchID: c.BatchID, Cron: c.Cron}
		if err := entry.Validate(); err != nil {
			return nil, err
		}
		s.entries[entry.BatchID] = entry
	}

	return s, nil
}

// NextRun returns the next scheduled start time for a batch
func (s *Scheduler) NextRun(batchID string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[batchID]
	if !ok {
		return time.Time{}
	}

	sched, err := s.parser.Parse(entry.Cron)
	if err != nil {
		return time.Time{}
	}
	return sched.Next(time.Now())
}

// ShouldRun returns true if a batch's cadence is due and it is not
// already running
func (s *Scheduler) ShouldRun(batchID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[batchID]
	if !ok {
		return false
	}
	if s.running[batchID] {
		return false
	}

	sched, err := s.parser.Parse(entry.Cron)
	if err != nil {
		return false
	}

	lastRun := s.lastRun[batchID]
	if lastRun.IsZero() {
		lastRun = time.Now().Add(-24 * time.Hour)
	}

	return time.Now().After(sched.Next(lastRun))
}

// MarkRunning marks a batch as currently running
func (s *Scheduler) MarkRunning(batchID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[batchID] = true
}

// MarkComplete marks a batch run finished and resets its cadence anchor
func (s *Scheduler) MarkComplete(batchID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[batchID] = false
	s.lastRun[batchID] = time.Now()
}

// CompleteFinished re-arms cadences for batches this scheduler started
// that are no longer running, as reported by isRunning. Batches started
// manually are never touched, so their cadence anchors stay intact.
func (s *Scheduler) CompleteFinished(isRunning func(batchID string) bool) {
	s.mu.RLock()
	started := make([]string, 0, len(s.running))
	for id, running := range s.running {
		if running {
			started = append(started, id)
		}
	}
	s.mu.RUnlock()

	for _, id := range started {
		if !isRunning(id) {
			s.MarkComplete(id)
		}
	}
}

// BatchIDs returns all scheduled batch ids
func (s *Scheduler) BatchIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	return ids
}

// Start begins the scheduler loop. startFunc is called once per due
// batch; the batch stays marked running until the caller observes its
// completion and calls MarkComplete.
func (s *Scheduler) Start(startFunc func(batchID string) error) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			for id := range s.entries {
				if s.ShouldRun(id) {
					s.MarkRunning(id)
					if err := startFunc(id); err != nil {
						log.Printf("schedule: starting %s: %v", id, err)
						s.MarkComplete(id)
					}
				}
			}
		}
	}
}

// Stop stops the scheduler loop
func (s *Scheduler) Stop() {
	close(s.stopChan)
}
