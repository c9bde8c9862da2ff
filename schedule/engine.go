// Package schedule turns script schedule directives into timed enqueues.
//
// Each scheduled script owns one timer goroutine. A tick that fires while
// the script is still running or queued is skipped, never coalesced into a
// second pending copy.
package schedule

import (
	"sync"
	"time"

	"github.com/macrodyne/autod/logger"
	"github.com/macrodyne/autod/script"
)

// TaskQueue is the slice of the execution queue the engine needs.
type TaskQueue interface {
	Enqueue(scriptID, name, body string) (string, error)
	HasTaskFor(scriptID string) bool
}

// Engine manages one timer per scheduled script. It implements
// script.Notifier, so the registry drives registration.
type Engine struct {
	queue    TaskQueue
	registry *script.Registry

	mu      sync.Mutex
	timers  map[string]chan struct{}
	stopped bool
	wg      sync.WaitGroup
}

// New creates an engine draining into the given queue.
func New(queue TaskQueue, registry *script.Registry) *Engine {
	return &Engine{
		queue:    queue,
		registry: registry,
		timers:   make(map[string]chan struct{}),
	}
}

// ScheduleChanged cancels any pending timer for the script and arms a fresh
// one. The swap is atomic under the engine lock, so no tick from the old
// schedule can fire after the new one is armed.
func (e *Engine) ScheduleChanged(s script.Script) {
	if s.Schedule == nil {
		e.ScheduleRemoved(s.ID)
		return
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	if stop, ok := e.timers[s.ID]; ok {
		close(stop)
	}
	stop := make(chan struct{})
	e.timers[s.ID] = stop
	e.wg.Add(1)
	e.mu.Unlock()

	logger.Infow("Schedule armed",
		"script", s.Name,
		"schedule", s.Schedule.Raw,
	)
	go e.run(s.ID, s.Name, *s.Schedule, stop)
}

// ScheduleRemoved cancels the script's timer, if any.
func (e *Engine) ScheduleRemoved(id string) {
	e.mu.Lock()
	stop, ok := e.timers[id]
	if ok {
		close(stop)
		delete(e.timers, id)
	}
	e.mu.Unlock()

	if ok {
		logger.Debugw("Schedule cancelled", "script_id", id)
	}
}

// Stop cancels every timer and waits for the timer goroutines.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopped = true
	for id, stop := range e.timers {
		close(stop)
		delete(e.timers, id)
	}
	e.mu.Unlock()
	e.wg.Wait()
	logger.Infow("Schedule engine stopped")
}

// Count returns the number of armed schedules.
func (e *Engine) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.timers)
}

// run is the per-script timer loop: fire immediately, then on every interval
// for "every" schedules.
func (e *Engine) run(id, name string, spec script.ScheduleSpec, stop chan struct{}) {
	defer e.wg.Done()

	e.fire(id, name)

	if spec.Kind != script.ScheduleEvery {
		e.mu.Lock()
		if e.timers[id] == stop {
			delete(e.timers, id)
		}
		e.mu.Unlock()
		return
	}

	ticker := time.NewTicker(spec.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.fire(id, name)
		case <-stop:
			return
		}
	}
}

// fire enqueues one run unless the script is already running or queued.
func (e *Engine) fire(id, name string) {
	if e.queue.HasTaskFor(id) || e.registry.IsRunning(id) {
		logger.Debugw("Schedule tick skipped, script busy", "script", name)
		return
	}

	s, err := e.registry.Get(id)
	if err != nil {
		return
	}
	if _, err := e.queue.Enqueue(s.ID, s.Name, s.Body); err != nil {
		logger.Warnw("Scheduled enqueue failed", "script", name, "error", err)
	}
}
