// Package queue is the per-node execution queue: a FIFO drained by a single
// worker, so at most one script runs at a time on this node.
package queue

import (
	"context"
	"time"
)

// Task is what the runtime executes: the body captured at enqueue time, so
// later file edits never affect an in-flight run.
type Task struct {
	ID       string
	ScriptID string
	Name     string
	Body     string
}

// Runtime executes script bodies. The real implementation drives the UI
// automation engine; tests substitute mocks. Execute must observe ctx
// cancellation at its next cooperative checkpoint.
type Runtime interface {
	Execute(ctx context.Context, task Task) error
}

// RuntimeFunc adapts a function to the Runtime interface.
type RuntimeFunc func(ctx context.Context, task Task) error

// Execute implements Runtime.
func (f RuntimeFunc) Execute(ctx context.Context, task Task) error {
	return f(ctx, task)
}

// Item is one pending invocation in the queue.
type Item struct {
	Task       Task
	Retry      int
	EnqueuedAt time.Time
}

// Lifecycle event types published on the task topic.
const (
	EventQueued    = "queued"
	EventStarted   = "started"
	EventCompleted = "completed"
	EventError     = "error"
)

// LifecycleEvent is the payload published for each task transition.
type LifecycleEvent struct {
	TaskID    string `json:"task_id"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	ElapsedMs int64  `json:"elapsed_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}
