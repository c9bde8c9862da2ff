package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/macrodyne/autod/bus"
	"github.com/macrodyne/autod/errors"
	"github.com/macrodyne/autod/logger"
	"github.com/macrodyne/autod/script"
)

// Options configures a Queue.
type Options struct {
	MaxRetries int
	RetryDelay time.Duration
	StopGrace  time.Duration
}

// Queue is the FIFO execution queue. A single worker drains it; lifecycle
// events are published on the task topic before the next item is pulled.
type Queue struct {
	runtime  Runtime
	events   *bus.Bus
	registry *script.Registry
	opts     Options

	mu      sync.Mutex
	items   []*Item
	current *inflight
	retries map[string]*pendingRetry
	stopped bool

	notify chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	completed atomic.Uint64
	errored   atomic.Uint64
}

type inflight struct {
	item   *Item
	cancel context.CancelFunc
}

// pendingRetry is a task waiting out its retry delay. It is neither queued
// nor in-flight, so StopTask needs its own handle on it.
type pendingRetry struct {
	item   *Item
	cancel chan struct{}
}

// New creates a queue. The registry may be nil in tests that only exercise
// ad-hoc tasks.
func New(runtime Runtime, events *bus.Bus, registry *script.Registry, opts Options) *Queue {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		runtime:  runtime,
		events:   events,
		registry: registry,
		opts:     opts,
		retries:  make(map[string]*pendingRetry),
		notify:   make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the worker goroutine.
func (q *Queue) Start() {
	q.wg.Add(1)
	go q.worker()
	logger.Infow("Execution queue started",
		"max_retries", q.opts.MaxRetries,
		"retry_delay", q.opts.RetryDelay,
	)
}

// Stop shuts the queue down. The current task gets the stop-grace window to
// finish; pending items are discarded.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
	logger.Infow("Execution queue stopped",
		"completed", q.completed.Load(),
		"errored", q.errored.Load(),
	)
}

// Enqueue adds a task to the tail and returns its id. scriptID may be empty
// for ad-hoc bodies submitted over the API.
func (q *Queue) Enqueue(scriptID, name, body string) (string, error) {
	item := &Item{
		Task: Task{
			ID:       uuid.NewString(),
			ScriptID: scriptID,
			Name:     name,
			Body:     body,
		},
		EnqueuedAt: time.Now(),
	}
	if err := q.push(item); err != nil {
		return "", err
	}
	q.publish(item, EventQueued, 0, "")
	return item.Task.ID, nil
}

func (q *Queue) push(item *Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return errors.Wrap(errors.ErrUnavailable, "queue is stopped")
	}
	q.items = append(q.items, item)
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Stop-related API: StopTask cancels the named task. A queued task is
// removed; a running task has its context cancelled and gets the grace
// window; a task waiting out its retry delay is finalized without running
// again. Returns true if a stop was signalled.
func (q *Queue) StopTask(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.current != nil && q.current.item.Task.ID == taskID {
		q.current.cancel()
		return true
	}
	for i, item := range q.items {
		if item.Task.ID == taskID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	if pending, ok := q.retries[taskID]; ok {
		delete(q.retries, taskID)
		close(pending.cancel)
		return true
	}
	return false
}

// HasTaskFor reports whether a task for the given script is queued or
// in-flight. The schedule engine uses it to skip coalesced ticks.
func (q *Queue) HasTaskFor(scriptID string) bool {
	if scriptID == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current != nil && q.current.item.Task.ScriptID == scriptID {
		return true
	}
	for _, item := range q.items {
		if item.Task.ScriptID == scriptID {
			return true
		}
	}
	for _, pending := range q.retries {
		if pending.item.Task.ScriptID == scriptID {
			return true
		}
	}
	return false
}

// Len returns the number of queued (not yet started) items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Running returns the id of the in-flight task, if any.
func (q *Queue) Running() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current == nil {
		return "", false
	}
	return q.current.item.Task.ID, true
}

// RunningCount returns 0 or 1; the queue executes serially.
func (q *Queue) RunningCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current == nil {
		return 0
	}
	return 1
}

// Completed returns the number of successfully finished tasks.
func (q *Queue) Completed() uint64 { return q.completed.Load() }

// Errored returns the number of tasks that exhausted their retries.
func (q *Queue) Errored() uint64 { return q.errored.Load() }

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		item := q.pull()
		if item == nil {
			select {
			case <-q.notify:
				continue
			case <-q.ctx.Done():
				return
			}
		}

		q.execute(item)

		q.mu.Lock()
		q.current = nil
		q.mu.Unlock()

		select {
		case <-q.ctx.Done():
			return
		default:
		}
	}
}

func (q *Queue) pull() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item
}

// execute runs one item, publishing its lifecycle and arranging retries.
func (q *Queue) execute(item *Item) {
	taskCtx, cancel := context.WithCancel(q.ctx)
	defer cancel()

	q.mu.Lock()
	q.current = &inflight{item: item, cancel: cancel}
	q.mu.Unlock()

	if item.Retry == 0 {
		q.publish(item, EventStarted, 0, "")
	}
	if item.Task.ScriptID != "" && q.registry != nil {
		q.registry.MarkRunning(item.Task.ScriptID)
	}

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- q.runtime.Execute(taskCtx, item.Task)
	}()

	var err error
	var abandoned bool
	select {
	case err = <-done:
	case <-taskCtx.Done():
		// Stop requested (or shutdown). Give the runtime its grace window
		// to hit a cooperative checkpoint.
		select {
		case err = <-done:
		case <-time.After(q.opts.StopGrace):
			err = errors.Wrap(errors.ErrTimeout, "task abandoned after stop grace period")
			abandoned = true
		}
	}
	elapsed := time.Since(start)

	if err == nil {
		q.completed.Add(1)
		if item.Task.ScriptID != "" && q.registry != nil {
			q.registry.MarkIdle(item.Task.ScriptID, true, "")
		}
		q.publish(item, EventCompleted, elapsed.Milliseconds(), "")
		return
	}

	if abandoned {
		logger.Warnw("Task did not stop within grace period, abandoning",
			"task_id", item.Task.ID,
			"name", item.Task.Name,
			"grace", q.opts.StopGrace,
		)
	}

	// Abandoned and stop-cancelled tasks are not retried; runtime failures
	// are, up to the configured count.
	retryable := !abandoned && taskCtx.Err() == nil && item.Retry < q.opts.MaxRetries
	if retryable {
		if item.Task.ScriptID != "" && q.registry != nil {
			q.registry.RecordRetry(item.Task.ScriptID, err.Error())
		}
		logger.Debugw("Task failed, scheduling retry",
			"task_id", item.Task.ID,
			"attempt", item.Retry+1,
			"max_retries", q.opts.MaxRetries,
			"error", err,
		)
		retry := &Item{Task: item.Task, Retry: item.Retry + 1, EnqueuedAt: time.Now()}
		q.scheduleRetry(retry)
		return
	}

	q.errored.Add(1)
	if item.Task.ScriptID != "" && q.registry != nil {
		q.registry.MarkIdle(item.Task.ScriptID, false, err.Error())
	}
	q.publish(item, EventError, elapsed.Milliseconds(), err.Error())
}

// scheduleRetry parks the item for the retry delay, then requeues it. The
// goroutine always terminates: the delay elapses, StopTask cancels the
// retry, or the queue shuts down.
func (q *Queue) scheduleRetry(retry *Item) {
	pending := &pendingRetry{item: retry, cancel: make(chan struct{})}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.retries[retry.Task.ID] = pending
	q.mu.Unlock()

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		select {
		case <-time.After(q.opts.RetryDelay):
			q.mu.Lock()
			delete(q.retries, retry.Task.ID)
			q.mu.Unlock()
			if err := q.push(retry); err != nil {
				logger.Warnw("Dropping retry, queue stopped", "task_id", retry.Task.ID)
			}
		case <-pending.cancel:
			// StopTask already removed the map entry; the task is terminal.
			q.errored.Add(1)
			if retry.Task.ScriptID != "" && q.registry != nil {
				q.registry.MarkIdle(retry.Task.ScriptID, false, "stopped before retry")
			}
			q.publish(retry, EventError, 0, "stopped before retry")
			logger.Infow("Pending retry stopped", "task_id", retry.Task.ID)
		case <-q.ctx.Done():
			q.mu.Lock()
			delete(q.retries, retry.Task.ID)
			q.mu.Unlock()
		}
	}()
}

func (q *Queue) publish(item *Item, eventType string, elapsedMs int64, errText string) {
	if q.events == nil {
		return
	}
	q.events.Publish(bus.TopicTask, eventType, LifecycleEvent{
		TaskID:    item.Task.ID,
		Name:      item.Task.Name,
		Type:      eventType,
		ElapsedMs: elapsedMs,
		Error:     errText,
	})
}
