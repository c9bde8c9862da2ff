package script

import (
	"sort"
	"sync"
	"time"

	"github.com/macrodyne/autod/errors"
	"github.com/macrodyne/autod/logger"
)

// Notifier receives schedule lifecycle callbacks from the registry. The
// schedule engine implements it; the indirection keeps the registry free of
// a dependency on timers.
type Notifier interface {
	ScheduleChanged(s Script)
	ScheduleRemoved(id string)
}

// Registry owns all Script records. Components other than the registry read
// snapshots; nothing outside this package mutates a Script.
type Registry struct {
	mu       sync.RWMutex
	scripts  map[string]*Script
	pending  map[string]*Script
	notifier Notifier
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		scripts: make(map[string]*Script),
		pending: make(map[string]*Script),
	}
}

// SetNotifier wires the schedule engine. Must be called before the watcher
// starts feeding events.
func (r *Registry) SetNotifier(n Notifier) {
	r.mu.Lock()
	r.notifier = n
	r.mu.Unlock()
}

// Upsert registers or updates the script at path. While the script is
// running the update is deferred and applied when it goes idle, so an edit
// never changes a script mid-run.
func (r *Registry) Upsert(path, body string, modTime time.Time, size int64) Script {
	id := NormalizeID(path)

	spec, err := ParseDirective(body)
	if err != nil {
		logger.Warnw("Malformed schedule directive, treating script as unscheduled",
			"script", DisplayName(path),
			"error", err,
		)
		spec = nil
	}

	incoming := &Script{
		ID:       id,
		Name:     DisplayName(path),
		Path:     path,
		Body:     body,
		Schedule: spec,
		ModTime:  modTime,
		Size:     size,
	}

	r.mu.Lock()
	existing, known := r.scripts[id]
	if known && existing.Running {
		r.pending[id] = incoming
		r.mu.Unlock()
		logger.Debugw("Script changed while running, deferring re-registration",
			"script", incoming.Name)
		return *existing
	}

	applied := r.applyLocked(incoming, existing)
	notifier := r.notifier
	snapshot := *applied
	scheduleChanged := !known || !existing.Schedule.Equal(applied.Schedule)
	r.mu.Unlock()

	if notifier != nil && scheduleChanged {
		if snapshot.Schedule != nil {
			notifier.ScheduleChanged(snapshot)
		} else if known {
			notifier.ScheduleRemoved(id)
		}
	}
	return snapshot
}

// applyLocked merges an incoming record over an existing one, preserving the
// run counters.
func (r *Registry) applyLocked(incoming, existing *Script) *Script {
	if existing != nil {
		incoming.RunCount = existing.RunCount
		incoming.ErrorCount = existing.ErrorCount
		incoming.LastRun = existing.LastRun
		incoming.LastResult = existing.LastResult
		incoming.LastError = existing.LastError
	}
	r.scripts[incoming.ID] = incoming
	return incoming
}

// Remove evicts the script at path and cancels its schedule.
func (r *Registry) Remove(path string) {
	id := NormalizeID(path)

	r.mu.Lock()
	_, known := r.scripts[id]
	delete(r.scripts, id)
	delete(r.pending, id)
	notifier := r.notifier
	r.mu.Unlock()

	if known && notifier != nil {
		notifier.ScheduleRemoved(id)
	}
}

// Get returns a snapshot of the script with the given id.
func (r *Registry) Get(id string) (Script, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scripts[id]
	if !ok {
		return Script{}, errors.NewNotFoundError("script %s", id)
	}
	return *s, nil
}

// List returns snapshots of all scripts sorted by name.
func (r *Registry) List() []Script {
	r.mu.RLock()
	out := make([]Script, 0, len(r.scripts))
	for _, s := range r.scripts {
		out = append(out, *s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len returns the number of registered scripts.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.scripts)
}

// MarkRunning flags the script as executing. Returns false if the script is
// unknown or already running.
func (r *Registry) MarkRunning(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.scripts[id]
	if !ok || s.Running {
		return false
	}
	s.Running = true
	return true
}

// IsRunning reports whether the script is currently executing.
func (r *Registry) IsRunning(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scripts[id]
	return ok && s.Running
}

// RecordRetry notes a failed attempt that will be retried. The script stays
// running so schedule ticks keep coalescing until the final outcome.
func (r *Registry) RecordRetry(id, errText string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.scripts[id]; ok {
		s.ErrorCount++
		s.LastError = errText
	}
}

// MarkIdle records the run result and clears the running flag, then applies
// any update that was deferred while the script ran.
func (r *Registry) MarkIdle(id string, success bool, errText string) {
	r.mu.Lock()
	s, ok := r.scripts[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	s.Running = false
	s.RunCount++
	s.LastRun = time.Now()
	if success {
		s.LastResult = ResultSuccess
		s.LastError = ""
	} else {
		s.LastResult = ResultError
		s.LastError = errText
		s.ErrorCount++
	}

	deferred, hasDeferred := r.pending[id]
	var notifier Notifier
	var snapshot Script
	var scheduleChanged bool
	if hasDeferred {
		delete(r.pending, id)
		scheduleChanged = !s.Schedule.Equal(deferred.Schedule)
		applied := r.applyLocked(deferred, s)
		notifier = r.notifier
		snapshot = *applied
	}
	r.mu.Unlock()

	if hasDeferred && notifier != nil && scheduleChanged {
		if snapshot.Schedule != nil {
			notifier.ScheduleChanged(snapshot)
		} else {
			notifier.ScheduleRemoved(id)
		}
	}
}

// Clear evicts every script, cancelling schedules. Used by daemon reload
// before the watch directory is rescanned.
func (r *Registry) Clear() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.scripts))
	for id := range r.scripts {
		ids = append(ids, id)
	}
	r.scripts = make(map[string]*Script)
	r.pending = make(map[string]*Script)
	notifier := r.notifier
	r.mu.Unlock()

	if notifier != nil {
		for _, id := range ids {
			notifier.ScheduleRemoved(id)
		}
	}
}
