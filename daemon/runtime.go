package daemon

import (
	"context"
	"time"

	"github.com/macrodyne/autod/logger"
	"github.com/macrodyne/autod/queue"
)

// DryRunRuntime is the built-in stand-in for the script engine: it logs the
// task and simulates a short execution, honouring cancellation. Running the
// bare binary exercises the full pipeline without performing UI actions.
func DryRunRuntime() queue.Runtime {
	return queue.RuntimeFunc(func(ctx context.Context, task queue.Task) error {
		logger.Infow("Dry-run execution",
			"task_id", task.ID,
			"name", task.Name,
			"bytes", len(task.Body),
		)
		select {
		case <-time.After(100 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}
