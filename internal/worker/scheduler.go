package worker

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

// StartScheduler creates and starts an Asynq Scheduler that periodically
// enqueues the schedule-reconciliation task. Returns a stop function for
// graceful shutdown.
func StartScheduler(redisURL, cronSpec, timezone string, logger *slog.Logger) (stop func(), err error) {
	redisOpt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	location, err := time.LoadLocation(timezone)
	if err != nil {
		logger.Warn("Invalid timezone, using UTC", "timezone", timezone, "error", err)
		location = time.UTC
	}

	scheduler := asynq.NewScheduler(
		redisOpt,
		&asynq.SchedulerOpts{
			Location: location,
			LogLevel: asynq.InfoLevel,
			Logger:   &asynqLoggerAdapter{logger: logger},
		},
	)

	task := asynq.NewTask(
		TaskReconcileSchedules,
		nil, // Empty payload - handler walks all active subscriptions
		asynq.MaxRetry(1),
		asynq.Timeout(5*time.Minute),
		asynq.Unique(30*time.Minute), // Prevent duplicate if scheduler runs twice
	)

	entryID, err := scheduler.Register(cronSpec, task)
	if err != nil {
		return nil, fmt.Errorf("failed to register reconciliation schedule: %w", err)
	}

	if err := scheduler.Start(); err != nil {
		return nil, fmt.Errorf("failed to start scheduler: %w", err)
	}

	logger.Info(
		"Scheduler started",
		"schedule", cronSpec,
		"timezone", timezone,
		"entry_id", entryID,
	)

	return func() { scheduler.Shutdown() }, nil
}
