package requirements

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hochfrequenz/agent-task-runner/internal/domain"
)

// RemovedCallback is called with the task keys of artifacts that
// disappeared from disk
type RemovedCallback func(removed []domain.TaskKey)

// Watcher monitors the requirements tree and reports deleted artifacts so
// tasks whose artifact vanished can be dropped while the daemon runs
type Watcher struct {
	source   *Source
	watcher  *fsnotify.Watcher
	callback RemovedCallback
	debounce time.Duration

	// Debounce state
	pending map[domain.TaskKey]struct{}
	timer   *time.Timer
	mu      sync.Mutex

	cancel context.CancelFunc
}

// NewWatcher creates a watcher over the source's directory tree
func NewWatcher(source *Source, callback RemovedCallback) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		source:   source,
		watcher:  fsw,
		callback: callback,
		debounce: 500 * time.Millisecond, // Debounce rapid changes
		pending:  make(map[domain.TaskKey]struct{}),
	}

	if err := w.addTree(source.Dir()); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) addTree(root string) error {
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return nil // Nothing to watch yet
	}
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // Skip errors
		}
		if info.IsDir() {
			return w.watcher.Add(path)
		}
		return nil
	})
}

// Start begins watching for file changes
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				w.handleEvent(event)
			case _, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				// Keep watching through transient errors
			}
		}
	}()
}

// Stop stops watching for file changes
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.watcher.Close()
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	// New project directories need their own watch
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			w.watcher.Add(event.Name)
		}
		return
	}

	if event.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	if !strings.HasSuffix(event.Name, ".md") {
		return
	}
	key, ok := w.source.KeyForPath(event.Name)
	if !ok {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending[key] = struct{}{}

	// Reset or start debounce timer
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

func (w *Watcher) flush() {
	w.mu.Lock()
	pending := w.pending
	w.pending = make(map[domain.TaskKey]struct{})
	w.mu.Unlock()

	if w.callback == nil {
		return
	}

	removed := make([]domain.TaskKey, 0, len(pending))
	for key := range pending {
		// A rename within the tree is not a removal
		if !w.source.Exists(key) {
			removed = append(removed, key)
		}
	}
	if len(removed) > 0 {
		w.callback(removed)
	}
}

// SetDebounce sets the debounce duration for batching file changes
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounce = d
}
