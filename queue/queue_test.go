package queue

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/macrodyne/autod/bus"
	"github.com/macrodyne/autod/script"
)

// crashRuntime fails every task whose body contains CRASH and records each
// invocation.
type crashRuntime struct {
	mu    sync.Mutex
	calls []Task
	block chan struct{} // when set, Execute waits for it (or ctx)
}

func (r *crashRuntime) Execute(ctx context.Context, task Task) error {
	r.mu.Lock()
	r.calls = append(r.calls, task)
	block := r.block
	r.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if strings.Contains(task.Body, "CRASH") {
		return assertError
	}
	return nil
}

var assertError = errorString("script blew up")

type errorString string

func (e errorString) Error() string { return string(e) }

func (r *crashRuntime) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *crashRuntime) call(i int) Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[i]
}

func drainUntil(t *testing.T, sub *bus.Subscriber, want string) []LifecycleEvent {
	t.Helper()
	var out []LifecycleEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-sub.C():
			le, ok := ev.Payload.(LifecycleEvent)
			if !ok {
				continue
			}
			out = append(out, le)
			if le.Type == want {
				return out
			}
		case <-timeout:
			t.Fatalf("never saw %q event, got %+v", want, out)
		}
	}
}

func TestLifecycleEventOrdering(t *testing.T) {
	events := bus.New()
	defer events.Close()
	sub := events.Subscribe(64, bus.TopicTask)
	defer sub.Close()

	rt := &crashRuntime{}
	q := New(rt, events, nil, Options{MaxRetries: 0, RetryDelay: 10 * time.Millisecond})
	q.Start()
	defer q.Stop()

	id, err := q.Enqueue("", "hello", "noop")
	require.NoError(t, err)

	seen := drainUntil(t, sub, EventCompleted)
	require.Len(t, seen, 3)
	assert.Equal(t, EventQueued, seen[0].Type)
	assert.Equal(t, EventStarted, seen[1].Type)
	assert.Equal(t, EventCompleted, seen[2].Type)
	for _, ev := range seen {
		assert.Equal(t, id, ev.TaskID, "one task id across the lifecycle")
		assert.Equal(t, "hello", ev.Name)
	}
	assert.Equal(t, uint64(1), q.Completed())
}

func TestRetryExhaustionEmitsSingleError(t *testing.T) {
	events := bus.New()
	defer events.Close()
	sub := events.Subscribe(64, bus.TopicTask)
	defer sub.Close()

	rt := &crashRuntime{}
	q := New(rt, events, nil, Options{MaxRetries: 2, RetryDelay: 10 * time.Millisecond})
	q.Start()
	defer q.Stop()

	id, err := q.Enqueue("", "crasher", "CRASH")
	require.NoError(t, err)

	seen := drainUntil(t, sub, EventError)

	// queued, started, error: retries never re-emit queued or started.
	require.Len(t, seen, 3)
	assert.Equal(t, EventQueued, seen[0].Type)
	assert.Equal(t, EventStarted, seen[1].Type)
	assert.Equal(t, EventError, seen[2].Type)
	assert.Equal(t, id, seen[2].TaskID)
	assert.Contains(t, seen[2].Error, "script blew up")

	// 1 initial + 2 retries.
	require.Eventually(t, func() bool { return rt.callCount() == 3 }, time.Second, 10*time.Millisecond)
	for i := 0; i < 3; i++ {
		assert.Equal(t, "CRASH", rt.call(i).Body, "retry must resubmit the same body")
		assert.Equal(t, id, rt.call(i).ID)
	}
	assert.Equal(t, uint64(1), q.Errored())
	assert.Equal(t, uint64(0), q.Completed())
}

func TestRegistryCountersOnRetry(t *testing.T) {
	events := bus.New()
	defer events.Close()
	sub := events.Subscribe(64, bus.TopicTask)
	defer sub.Close()

	registry := script.NewRegistry()
	s := registry.Upsert("/tmp/s/crash.scr", "CRASH", time.Now(), 5)

	rt := &crashRuntime{}
	q := New(rt, events, registry, Options{MaxRetries: 2, RetryDelay: 10 * time.Millisecond})
	q.Start()
	defer q.Stop()

	_, err := q.Enqueue(s.ID, s.Name, s.Body)
	require.NoError(t, err)
	drainUntil(t, sub, EventError)

	got, err := registry.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.ErrorCount, "one per attempt")
	assert.Equal(t, 1, got.RunCount)
	assert.Equal(t, script.ResultError, got.LastResult)
	assert.False(t, got.Running)
}

func TestScriptStaysRunningDuringRetryWindow(t *testing.T) {
	events := bus.New()
	defer events.Close()
	sub := events.Subscribe(64, bus.TopicTask)
	defer sub.Close()

	registry := script.NewRegistry()
	s := registry.Upsert("/tmp/s/crash.scr", "CRASH", time.Now(), 5)

	rt := &crashRuntime{}
	q := New(rt, events, registry, Options{MaxRetries: 1, RetryDelay: 300 * time.Millisecond})
	q.Start()
	defer q.Stop()

	_, err := q.Enqueue(s.ID, s.Name, s.Body)
	require.NoError(t, err)

	// First attempt fails quickly; during the retry delay the script must
	// still read as running so schedule ticks coalesce.
	require.Eventually(t, func() bool { return rt.callCount() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.True(t, registry.IsRunning(s.ID))

	drainUntil(t, sub, EventError)
	assert.False(t, registry.IsRunning(s.ID))
}

func TestSerialExecution(t *testing.T) {
	events := bus.New()
	defer events.Close()

	var concurrent, maxConcurrent int32
	rt := RuntimeFunc(func(ctx context.Context, task Task) error {
		cur := atomic.AddInt32(&concurrent, 1)
		for {
			old := atomic.LoadInt32(&maxConcurrent)
			if cur <= old || atomic.CompareAndSwapInt32(&maxConcurrent, old, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&concurrent, -1)
		return nil
	})

	q := New(rt, events, nil, Options{})
	q.Start()
	defer q.Stop()

	for i := 0; i < 5; i++ {
		_, err := q.Enqueue("", "n", "noop")
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return q.Completed() == 5 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxConcurrent))
}

func TestStopTaskRemovesQueued(t *testing.T) {
	events := bus.New()
	defer events.Close()

	rt := &crashRuntime{block: make(chan struct{})}
	q := New(rt, events, nil, Options{StopGrace: 50 * time.Millisecond})
	q.Start()
	defer q.Stop()

	first, err := q.Enqueue("", "long", "noop")
	require.NoError(t, err)
	second, err := q.Enqueue("", "waiting", "noop")
	require.NoError(t, err)

	// First is in flight, second still queued.
	require.Eventually(t, func() bool {
		id, ok := q.Running()
		return ok && id == first
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, q.Len())

	assert.True(t, q.StopTask(second))
	assert.Equal(t, 0, q.Len())
	assert.False(t, q.StopTask("nonexistent"))

	close(rt.block)
}

func TestStopTaskCancelsRunning(t *testing.T) {
	events := bus.New()
	defer events.Close()
	sub := events.Subscribe(64, bus.TopicTask)
	defer sub.Close()

	rt := &crashRuntime{block: make(chan struct{})}
	q := New(rt, events, nil, Options{MaxRetries: 3, StopGrace: time.Second})
	q.Start()
	defer q.Stop()

	id, err := q.Enqueue("", "long", "noop")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, ok := q.Running()
		return ok && got == id
	}, time.Second, 5*time.Millisecond)

	assert.True(t, q.StopTask(id))

	// The cooperative runtime observes cancellation; the task errors and is
	// not retried despite the retry budget.
	seen := drainUntil(t, sub, EventError)
	assert.Equal(t, id, seen[len(seen)-1].TaskID)
	assert.Equal(t, 1, rt.callCount())
}

func TestRetryGoroutinesDrain(t *testing.T) {
	events := bus.New()
	defer events.Close()

	rt := &crashRuntime{}
	q := New(rt, events, nil, Options{MaxRetries: 1, RetryDelay: time.Millisecond})
	q.Start()
	defer q.Stop()

	before := runtime.NumGoroutine()
	for i := 0; i < 50; i++ {
		_, err := q.Enqueue("", "crasher", "CRASH")
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return q.Errored() == 50 }, 10*time.Second, 10*time.Millisecond)

	// Every retry goroutine exits once its delay elapses; none may park
	// until shutdown.
	require.Eventually(t, func() bool { return runtime.NumGoroutine() <= before+5 },
		5*time.Second, 20*time.Millisecond)
}

func TestStopTaskCancelsPendingRetry(t *testing.T) {
	events := bus.New()
	defer events.Close()
	sub := events.Subscribe(64, bus.TopicTask)
	defer sub.Close()

	registry := script.NewRegistry()
	s := registry.Upsert("/tmp/s/crash.scr", "CRASH", time.Now(), 5)

	rt := &crashRuntime{}
	q := New(rt, events, registry, Options{MaxRetries: 3, RetryDelay: 10 * time.Second})
	q.Start()
	defer q.Stop()

	id, err := q.Enqueue(s.ID, s.Name, s.Body)
	require.NoError(t, err)

	// First attempt failed; the task is parked in its retry window, neither
	// queued nor in-flight.
	require.Eventually(t, func() bool {
		_, running := q.Running()
		return rt.callCount() == 1 && !running
	}, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, 0, q.Len())
	assert.True(t, q.HasTaskFor(s.ID), "retry window still counts as pending work")

	require.True(t, q.StopTask(id), "a pending retry must be stoppable")

	seen := drainUntil(t, sub, EventError)
	last := seen[len(seen)-1]
	assert.Equal(t, id, last.TaskID)
	assert.Contains(t, last.Error, "stopped")

	assert.Equal(t, 1, rt.callCount(), "the retry never ran")
	assert.Equal(t, uint64(1), q.Errored())
	assert.False(t, registry.IsRunning(s.ID))
	assert.False(t, q.HasTaskFor(s.ID))
}

func TestEnqueueAfterStop(t *testing.T) {
	events := bus.New()
	defer events.Close()

	q := New(&crashRuntime{}, events, nil, Options{})
	q.Start()
	q.Stop()

	_, err := q.Enqueue("", "late", "noop")
	assert.Error(t, err)
}
