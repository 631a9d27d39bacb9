// Package watcher monitors the evidence database for changes and triggers
// incremental timeline builds.
package watcher

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Change is one debounced evidence-change notification.
type Change struct {
	Path      string
	Timestamp time.Time
}

// Watcher monitors the evidence database file. Ingestion pipelines append in
// bursts, so notifications are debounced: a change fires only after the file
// has been quiet for the configured interval.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	path      string
	debounce  time.Duration

	mu    sync.Mutex
	dirty time.Time

	changes chan Change
	errors  chan error

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a watcher over the evidence database at path.
func New(path string, debounceSec int) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		fsWatcher: fsWatcher,
		path:      abs,
		debounce:  time.Duration(debounceSec) * time.Second,
		changes:   make(chan Change, 8),
		errors:    make(chan error, 8),
		done:      make(chan struct{}),
	}, nil
}

// Changes returns the channel of debounced change notifications.
func (w *Watcher) Changes() <-chan Change {
	return w.changes
}

// Errors returns the channel of watcher errors.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// Start begins watching. The parent directory is watched rather than the
// file itself: sqlite WAL checkpoints replace and recreate files, which
// breaks a direct file watch.
func (w *Watcher) Start() error {
	if _, err := os.Stat(w.path); err != nil {
		return err
	}
	if err := w.fsWatcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	w.wg.Add(2)
	go w.eventLoop()
	go w.debounceLoop()
	return nil
}

// Stop gracefully shuts down the watcher.
func (w *Watcher) Stop() error {
	close(w.done)
	w.wg.Wait()
	close(w.changes)
	close(w.errors)
	return w.fsWatcher.Close()
}

// relevant reports whether a change to name concerns the watched database,
// including its WAL sidecar files.
func (w *Watcher) relevant(name string) bool {
	return name == w.path || strings.TrimSuffix(strings.TrimSuffix(name, "-wal"), "-shm") == w.path
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if !w.relevant(event.Name) {
				continue
			}

			w.mu.Lock()
			w.dirty = time.Now()
			w.mu.Unlock()

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			default:
			}
		}
	}
}

// debounceLoop fires a change once the database has been quiet for the
// debounce interval.
func (w *Watcher) debounceLoop() {
	defer w.wg.Done()

	tick := time.Second
	if w.debounce < tick {
		tick = w.debounce / 2
		if tick <= 0 {
			tick = 50 * time.Millisecond
		}
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return

		case now := <-ticker.C:
			w.mu.Lock()
			fire := !w.dirty.IsZero() && now.Sub(w.dirty) >= w.debounce
			if fire {
				w.dirty = time.Time{}
			}
			w.mu.Unlock()

			if !fire {
				continue
			}
			select {
			case w.changes <- Change{Path: w.path, Timestamp: now}:
			default:
				// Channel full: the pending build already covers this change.
			}
		}
	}
}
