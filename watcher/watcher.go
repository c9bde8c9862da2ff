// Package watcher detects script file changes in the watched directory.
//
// A native fsnotify watch gives low latency; a periodic rescan backstops
// filesystems where native events are unreliable. Both paths converge on the
// same (mtime, size) comparison, so each real change produces exactly one
// event no matter which path saw it first.
package watcher

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/macrodyne/autod/errors"
	"github.com/macrodyne/autod/logger"
)

// EventType identifies what happened to a script file.
type EventType string

const (
	Added   EventType = "added"
	Changed EventType = "changed"
	Removed EventType = "removed"
)

// Event is one detected file change.
type Event struct {
	Type    EventType
	Path    string
	ModTime time.Time
	Size    int64
}

// Handler receives watch events. Called from the watcher goroutine; keep it
// fast or hand off.
type Handler func(Event)

const (
	rescanInterval = 3 * time.Second
	debounceWindow = 500 * time.Millisecond
	debounceSweep  = 100 * time.Millisecond
)

type fileState struct {
	modTime time.Time
	size    int64
}

// Watcher watches one directory for files with one extension.
type Watcher struct {
	dir     string
	ext     string
	handler Handler

	mu      sync.Mutex
	known   map[string]fileState
	dirty   map[string]time.Time // path -> earliest flush time
	stopped bool

	fsw  *fsnotify.Watcher
	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a watcher for dir, matching files with the given extension
// (including the dot). The handler receives every event.
func New(dir, ext string, handler Handler) *Watcher {
	return &Watcher{
		dir:     dir,
		ext:     strings.ToLower(ext),
		handler: handler,
		known:   make(map[string]fileState),
		dirty:   make(map[string]time.Time),
		done:    make(chan struct{}),
	}
}

// Start begins watching. The initial directory contents are reported as
// added events. A failed native watch degrades to polling with one warning.
func (w *Watcher) Start() error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return errors.Wrapf(err, "cannot create watch directory %s", w.dir)
	}

	fsw, err := fsnotify.NewWatcher()
	if err == nil {
		err = fsw.Add(w.dir)
	}
	if err != nil {
		logger.Warnw("Native file watch unavailable, falling back to polling only",
			"dir", w.dir,
			"error", err,
		)
		fsw = nil
	}
	w.fsw = fsw

	w.rescan()

	w.wg.Add(1)
	go w.loop()

	logger.Infow("Script watcher started",
		"dir", w.dir,
		"extension", w.ext,
		"native", fsw != nil,
	)
	return nil
}

// Stop halts the watcher and waits for its goroutine.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.mu.Unlock()

	close(w.done)
	w.wg.Wait()
	if w.fsw != nil {
		_ = w.fsw.Close()
	}
}

// Rescan forgets all known file state and sweeps the directory, so every
// present file is reported as added again. Used by daemon reload, which
// clears the registry first.
func (w *Watcher) Rescan() {
	w.mu.Lock()
	w.known = make(map[string]fileState)
	w.dirty = make(map[string]time.Time)
	w.mu.Unlock()
	w.rescan()
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	rescan := time.NewTicker(rescanInterval)
	defer rescan.Stop()
	sweep := time.NewTicker(debounceSweep)
	defer sweep.Stop()

	var fsEvents chan fsnotify.Event
	var fsErrors chan error
	if w.fsw != nil {
		fsEvents = w.fsw.Events
		fsErrors = w.fsw.Errors
	}

	for {
		select {
		case <-w.done:
			return

		case ev, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
			if !w.matches(ev.Name) {
				continue
			}
			w.markDirty(ev.Name)

		case err, ok := <-fsErrors:
			if !ok {
				fsErrors = nil
				continue
			}
			logger.Warnw("File watch error", "error", err)

		case <-sweep.C:
			w.flushDirty()

		case <-rescan.C:
			w.rescan()
		}
	}
}

func (w *Watcher) matches(path string) bool {
	return strings.ToLower(filepath.Ext(path)) == w.ext
}

// markDirty schedules a path for evaluation after the debounce window.
// Repeated events push the flush time out so a burst collapses to one event.
func (w *Watcher) markDirty(path string) {
	w.mu.Lock()
	w.dirty[path] = time.Now().Add(debounceWindow)
	w.mu.Unlock()
}

func (w *Watcher) flushDirty() {
	now := time.Now()

	w.mu.Lock()
	var ready []string
	for path, at := range w.dirty {
		if now.After(at) {
			ready = append(ready, path)
			delete(w.dirty, path)
		}
	}
	w.mu.Unlock()

	for _, path := range ready {
		w.evaluate(path)
	}
}

// evaluate stats a single path and emits the event its state change implies.
func (w *Watcher) evaluate(path string) {
	info, err := os.Stat(path)

	w.mu.Lock()
	prev, knownBefore := w.known[path]

	if err != nil {
		if !knownBefore {
			w.mu.Unlock()
			return
		}
		delete(w.known, path)
		w.mu.Unlock()
		w.handler(Event{Type: Removed, Path: path})
		return
	}

	state := fileState{modTime: info.ModTime(), size: info.Size()}
	if knownBefore && prev == state {
		w.mu.Unlock()
		return
	}
	w.known[path] = state
	w.mu.Unlock()

	typ := Changed
	if !knownBefore {
		typ = Added
	}
	w.handler(Event{Type: typ, Path: path, ModTime: state.modTime, Size: state.size})
}

// rescan walks the directory and reconciles against known state, catching
// anything native events missed, including removals.
func (w *Watcher) rescan() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		logger.Warnw("Rescan failed", "dir", w.dir, "error", err)
		return
	}

	present := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(w.dir, entry.Name())
		if !w.matches(path) {
			continue
		}
		present[path] = struct{}{}
		w.evaluate(path)
	}

	// Anything known but no longer present is removed.
	w.mu.Lock()
	var gone []string
	for path := range w.known {
		if _, ok := present[path]; !ok {
			gone = append(gone, path)
			delete(w.known, path)
		}
	}
	w.mu.Unlock()

	for _, path := range gone {
		w.handler(Event{Type: Removed, Path: path})
	}
}
