// Package watch manages filesystem watches for settings, plugin, and spec
// files. Change events are debounced, and notifications arriving shortly
// after one of our own writes are suppressed so the orchestrator does not
// react to itself.
package watch

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// debounceInterval coalesces bursts of fsnotify events for one change.
	debounceInterval = 100 * time.Millisecond
	// selfWriteWindow suppresses change notifications this soon after a
	// programmatic write recorded via MarkProgrammaticWrite.
	selfWriteWindow = time.Second
)

// Handle is one active watch. File watches monitor a single path (which may
// not exist yet); tree watches monitor a directory recursively.
type Handle struct {
	path     string
	onChange func(path string)
	watcher  *fsnotify.Watcher
	tree     bool

	mu                    sync.Mutex
	lastProgrammaticWrite time.Time

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// Registry tracks every open handle so teardown can release them together.
type Registry struct {
	mu      sync.Mutex
	handles []*Handle
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Watch starts watching a single file for writes. The containing directory
// must exist; the file itself may appear later.
func (r *Registry) Watch(path string, onChange func(path string)) (*Handle, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	h := &Handle{
		path:     path,
		onChange: onChange,
		watcher:  watcher,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go h.run()

	r.register(h)
	return h, nil
}

// WatchTree starts watching a directory and all of its subdirectories.
// Directories created later are picked up from create events.
func (r *Registry) WatchTree(root string, onChange func(path string)) (*Handle, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return watcher.Add(p)
		}
		return nil
	})
	if err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch tree %s: %w", root, err)
	}

	h := &Handle{
		path:     root,
		onChange: onChange,
		watcher:  watcher,
		tree:     true,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go h.run()

	r.register(h)
	return h, nil
}

// CloseAll stops every handle the registry has opened.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	handles := r.handles
	r.handles = nil
	r.mu.Unlock()

	for _, h := range handles {
		h.Close()
	}
}

func (r *Registry) register(h *Handle) {
	r.mu.Lock()
	r.handles = append(r.handles, h)
	r.mu.Unlock()
}

// Path returns the watched path.
func (h *Handle) Path() string { return h.path }

// MarkProgrammaticWrite records that the orchestrator is about to write the
// watched file itself. Events within the suppression window are dropped.
func (h *Handle) MarkProgrammaticWrite() {
	h.mu.Lock()
	h.lastProgrammaticWrite = time.Now()
	h.mu.Unlock()
}

// Close stops the watch. Safe to call more than once.
func (h *Handle) Close() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
		h.watcher.Close()
	})
	<-h.doneCh
}

func (h *Handle) run() {
	defer close(h.doneCh)

	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time
	var pending string

	fileName := filepath.Base(h.path)

	for {
		select {
		case <-h.stopCh:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if !h.tree && filepath.Base(event.Name) != fileName {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if h.tree && event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := h.watcher.Add(event.Name); err != nil {
						fmt.Printf("[watch] failed to watch new directory %s: %v\n", event.Name, err)
					}
				}
			}
			pending = event.Name
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.NewTimer(debounceInterval)
			debounceCh = debounceTimer.C

		case <-debounceCh:
			debounceCh = nil
			if h.suppressed() {
				continue
			}
			h.onChange(pending)

		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			fmt.Printf("[watch] %s - fsnotify error: %v\n", h.path, err)
		}
	}
}

func (h *Handle) suppressed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return time.Since(h.lastProgrammaticWrite) < selfWriteWindow
}
