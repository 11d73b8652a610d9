package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/inkwell-news/inkwell/internal/schedule"
)

// Task type constants
const (
	TaskNewsletterCycle    = "newsletter:cycle"
	TaskReconcileSchedules = "newsletter:reconcile"
)

// Retry/timeout policy for cycle tasks. Delivery failures ride this retry
// policy; fatal errors opt out with asynq.SkipRetry.
const (
	cycleMaxRetry  = 3
	cycleTimeout   = 5 * time.Minute
	cycleRetention = 24 * time.Hour
)

// AsynqQueue implements schedule.Queue on top of Asynq: durable delayed
// tasks in Redis, with the inspector used to delete pending cycles on
// cancellation.
type AsynqQueue struct {
	client    *asynq.Client
	inspector *asynq.Inspector
}

// NewAsynqQueue creates the queue from a Redis URL.
func NewAsynqQueue(redisURL string) (*AsynqQueue, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	return &AsynqQueue{
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
	}, nil
}

// Enqueue adds a cycle task under the given task ID. A trigger without
// ScheduledFor runs immediately; one with it is held by the queue until
// that instant.
func (q *AsynqQueue) Enqueue(ctx context.Context, taskID string, t schedule.Trigger) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger: %w", err)
	}

	opts := []asynq.Option{
		asynq.TaskID(taskID),
		asynq.MaxRetry(cycleMaxRetry),
		asynq.Timeout(cycleTimeout),
		asynq.Retention(cycleRetention),
	}
	if t.ScheduledFor != nil {
		opts = append(opts, asynq.ProcessAt(*t.ScheduledFor))
	}

	task := asynq.NewTask(TaskNewsletterCycle, payload, opts...)
	if _, err := q.client.EnqueueContext(ctx, task); err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

// Delete removes a pending (scheduled, not yet running) cycle task.
func (q *AsynqQueue) Delete(ctx context.Context, taskID string) error {
	if err := q.inspector.DeleteTask("default", taskID); err != nil {
		return fmt.Errorf("failed to delete task %s: %w", taskID, err)
	}
	return nil
}

// Close closes the underlying client connections.
func (q *AsynqQueue) Close() error {
	if err := q.client.Close(); err != nil {
		return err
	}
	return q.inspector.Close()
}
