// Package poller maintains a registry of named polling loops. Each loop
// invokes a caller-supplied function on a fixed interval until the function
// reports a terminal result, the attempt budget runs out, or the loop is
// stopped. The registry is an owned struct rather than package state so
// tests can run independent managers side by side.
package poller

import (
	"context"
	"sync"
	"time"
)

// DefaultInterval is used when Options.Interval is zero
const DefaultInterval = 10 * time.Second

// Result is returned by a poll function after each attempt
type Result int

const (
	Continue Result = iota // keep polling
	Success                // stop, report success
	Failure                // stop, report failure
)

// Outcome is the terminal report of a polling loop
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeTimeout Outcome = "timeout"
)

// PollFunc is invoked once per attempt
type PollFunc func(ctx context.Context) Result

// Options configures one polling loop
type Options struct {
	Interval    time.Duration // defaults to DefaultInterval
	MaxAttempts int           // 0 means unbounded
	OnAttempt   func(attempt int)
	OnFinish    func(Outcome)
}

// State is a snapshot of one active loop
type State struct {
	Attempts    int
	MaxAttempts int
	StartedAt   time.Time
	Interval    time.Duration
	Running     bool
}

// RecoverTask describes a loop to re-register after a restart
type RecoverTask struct {
	ID      string
	Fn      PollFunc
	Options Options
}

type loop struct {
	cancel    context.CancelFunc
	startedAt time.Time
	opts      Options

	mu       sync.Mutex
	attempts int
	running  bool
}

func (l *loop) bumpAttempt() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts++
	return l.attempts
}

func (l *loop) snapshot() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return State{
		Attempts:    l.attempts,
		MaxAttempts: l.opts.MaxAttempts,
		StartedAt:   l.startedAt,
		Interval:    l.opts.Interval,
		Running:     l.running,
	}
}

// Manager owns the loop registry
type Manager struct {
	mu    sync.Mutex
	loops map[string]*loop
}

// NewManager creates an empty Manager
func NewManager() *Manager {
	return &Manager{loops: make(map[string]*loop)}
}

// Start registers a polling loop for the given key and begins invoking fn
// on the interval. The first invocation is delayed by one interval, not
// immediate. If a loop is already active for the key it is stopped first,
// so no two loops for the same key ever run concurrently.
func (m *Manager) Start(id string, fn PollFunc, opts Options) {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &loop{
		cancel:    cancel,
		startedAt: time.Now(),
		opts:      opts,
		running:   true,
	}

	m.mu.Lock()
	if prev, ok := m.loops[id]; ok {
		prev.stop()
	}
	m.loops[id] = l
	m.mu.Unlock()

	go m.run(ctx, id, l, fn)
}

func (l *loop) stop() {
	l.mu.Lock()
	l.running = false
	l.mu.Unlock()
	l.cancel()
}

func (m *Manager) run(ctx context.Context, id string, l *loop, fn PollFunc) {
	ticker := time.NewTicker(l.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			attempt := l.bumpAttempt()
			if l.opts.OnAttempt != nil {
				l.opts.OnAttempt(attempt)
			}

			switch fn(ctx) {
			case Success:
				m.finish(id, l, OutcomeSuccess)
				return
			case Failure:
				m.finish(id, l, OutcomeFailure)
				return
			}

			if l.opts.MaxAttempts > 0 && attempt >= l.opts.MaxAttempts {
				m.finish(id, l, OutcomeTimeout)
				return
			}
		}
	}
}

// finish removes the loop from the registry and reports its outcome.
// The pointer comparison guards against removing a replacement loop that
// Start registered under the same key in the meantime.
func (m *Manager) finish(id string, l *loop, outcome Outcome) {
	m.mu.Lock()
	if m.loops[id] == l {
		delete(m.loops, id)
	}
	m.mu.Unlock()

	l.mu.Lock()
	l.running = false
	l.mu.Unlock()

	if l.opts.OnFinish != nil {
		l.opts.OnFinish(outcome)
	}
}

// Stop cancels the loop for the key, returning whether one was active.
// Stopping never invokes OnFinish; it is the caller withdrawing interest.
func (m *Manager) Stop(id string) bool {
	m.mu.Lock()
	l, ok := m.loops[id]
	if ok {
		delete(m.loops, id)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}
	l.stop()
	return true
}

// CleanupAll stops every active loop and returns how many were stopped
func (m *Manager) CleanupAll() int {
	m.mu.Lock()
	stopped := make([]*loop, 0, len(m.loops))
	for id, l := range m.loops {
		stopped = append(stopped, l)
		delete(m.loops, id)
	}
	m.mu.Unlock()

	for _, l := range stopped {
		l.stop()
	}
	return len(stopped)
}

// Recover starts a fresh loop for each task not already being polled.
// Already-active keys are skipped, not restarted. Returns the number of
// loops started.
func (m *Manager) Recover(tasks []RecoverTask) int {
	started := 0
	for _, task := range tasks {
		if m.IsActive(task.ID) {
			continue
		}
		m.Start(task.ID, task.Fn, task.Options)
		started++
	}
	return started
}

// IsActive reports whether a loop is registered for the key
func (m *Manager) IsActive(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.loops[id]
	return ok
}

// GetState returns a snapshot of the loop for the key
func (m *Manager) GetState(id string) (State, bool) {
	m.mu.Lock()
	l, ok := m.loops[id]
	m.mu.Unlock()
	if !ok {
		return State{}, false
	}
	return l.snapshot(), true
}

// ActiveIDs returns the keys of all active loops
func (m *Manager) ActiveIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.loops))
	for id := range m.loops {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of active loops
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.loops)
}
