package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/inkwell-news/inkwell/internal/delivery"
	"github.com/inkwell-news/inkwell/internal/digest"
	"github.com/inkwell-news/inkwell/internal/models"
	"github.com/inkwell-news/inkwell/internal/pipeline"
	"github.com/inkwell-news/inkwell/internal/schedule"
	"gorm.io/gorm"
)

// asynqLoggerAdapter wraps slog.Logger to implement asynq.Logger interface
type asynqLoggerAdapter struct {
	logger *slog.Logger
}

// Implement asynq.Logger interface methods
func (a *asynqLoggerAdapter) Debug(args ...interface{}) {
	a.logger.Debug(fmt.Sprint(args...))
}

func (a *asynqLoggerAdapter) Info(args ...interface{}) {
	a.logger.Info(fmt.Sprint(args...))
}

func (a *asynqLoggerAdapter) Warn(args ...interface{}) {
	a.logger.Warn(fmt.Sprint(args...))
}

func (a *asynqLoggerAdapter) Error(args ...interface{}) {
	a.logger.Error(fmt.Sprint(args...))
}

func (a *asynqLoggerAdapter) Fatal(args ...interface{}) {
	a.logger.Error(fmt.Sprint(args...))
	panic(fmt.Sprint(args...))
}

// ScheduleControl is the slice of the schedule engine the worker needs:
// returning a user to idle after a dead-lettered task, and re-seeding
// users the reconciler finds without a live cycle. Implemented by
// schedule.Engine.
type ScheduleControl interface {
	Release(ctx context.Context, userID string) error
	EnsureScheduled(ctx context.Context, userID string) error
}

// Start starts the Asynq worker in non-blocking mode and returns a stop
// function so the caller can coordinate shutdown.
func Start(redisURL string, logger *slog.Logger, pipe *pipeline.Pipeline, db *gorm.DB, sched ScheduleControl) (stop func(), err error) {
	srv, mux, err := newServer(redisURL, logger, pipe, db, sched)
	if err != nil {
		return nil, err
	}
	if err := srv.Start(mux); err != nil {
		return nil, fmt.Errorf("failed to start worker: %w", err)
	}
	return func() { srv.Shutdown() }, nil
}

func newServer(redisURL string, logger *slog.Logger, pipe *pipeline.Pipeline, db *gorm.DB, sched ScheduleControl) (*asynq.Server, *asynq.ServeMux, error) {
	redisOpt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	srv := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency:     5,
			ShutdownTimeout: 30 * time.Second,
			ErrorHandler:    asynq.ErrorHandlerFunc(makeErrorHandler(logger, db, sched)),
			Logger:          &asynqLoggerAdapter{logger: logger},
		},
	)

	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskNewsletterCycle, handleNewsletterCycle(logger, pipe))
	mux.HandleFunc(TaskReconcileSchedules, handleReconcileSchedules(logger, db, sched))

	logger.Info("Worker starting", "concurrency", 5, "redis", redisURL)
	return srv, mux, nil
}

// handleNewsletterCycle runs one newsletter cycle for the trigger carried
// in the task payload, mapping pipeline failures onto the queue's retry
// policy: generation and configuration errors are final, everything else
// retries.
func handleNewsletterCycle(logger *slog.Logger, pipe *pipeline.Pipeline) func(context.Context, *asynq.Task) error {
	return func(ctx context.Context, task *asynq.Task) error {
		var trig schedule.Trigger
		if err := json.Unmarshal(task.Payload(), &trig); err != nil {
			// Invalid payload - don't retry
			return fmt.Errorf("invalid payload: %w", asynq.SkipRetry)
		}

		logger.Info(
			"Processing newsletter:cycle task",
			"run_id", trig.RunID,
			"user_id", trig.UserID,
		)

		res, err := pipe.Run(ctx, trig)
		if err != nil {
			if errors.Is(err, digest.ErrContentGeneration) || errors.Is(err, delivery.ErrConfigurationMissing) {
				// Fatal: the cycle already ended in failed state, retrying
				// cannot help.
				return fmt.Errorf("cycle failed: %v: %w", err, asynq.SkipRetry)
			}
			// Retryable (delivery transport, database hiccups). Completed
			// steps are in the ledger, so the retry won't redo them.
			return fmt.Errorf("cycle failed: %w", err)
		}

		logger.Info(
			"Newsletter cycle finished",
			"run_id", res.RunID,
			"user_id", res.UserID,
			"article_count", res.ArticleCount,
			"email_sent", res.EmailSent,
			"next_scheduled", res.NextScheduled,
			"skipped", res.Skipped,
		)
		return nil
	}
}

// handleReconcileSchedules walks active subscriptions and re-seeds any
// that have no live cycle. This is the safety net behind the reactivation
// path: whatever dropped a trigger, the next reconciler pass restores it.
func handleReconcileSchedules(logger *slog.Logger, db *gorm.DB, sched ScheduleControl) func(context.Context, *asynq.Task) error {
	return func(ctx context.Context, task *asynq.Task) error {
		var subscriptions []models.Subscription
		if err := db.WithContext(ctx).Where("is_active = ?", true).Find(&subscriptions).Error; err != nil {
			return fmt.Errorf("failed to list active subscriptions: %w", err)
		}

		reseeded := 0
		for _, sub := range subscriptions {
			if err := sched.EnsureScheduled(ctx, sub.UserID); err != nil {
				logger.Error("Failed to reconcile subscription", "user_id", sub.UserID, "error", err)
				continue
			}
			reseeded++
		}

		logger.Info("Schedule reconciliation finished",
			"active_subscriptions", len(subscriptions),
			"checked", reseeded,
		)
		return nil
	}
}

// makeErrorHandler creates an error handler function with logger closure.
// When a task exhausts its retries the cycle record is marked failed and
// the user's cycle slot is released. No next trigger is emitted; the
// reconciler re-seeds the subscription on its next pass.
func makeErrorHandler(logger *slog.Logger, db *gorm.DB, sched ScheduleControl) func(context.Context, *asynq.Task, error) {
	return func(ctx context.Context, task *asynq.Task, err error) {
		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)

		logger.Error(
			"Task execution failed",
			"task_type", task.Type(),
			"error", err.Error(),
			"retry_count", retried,
			"max_retry", maxRetry,
		)

		if retried < maxRetry {
			return
		}

		// Final failure: the task moves to the archive.
		logger.Error(
			"Task moved to dead letter queue (all retries exhausted)",
			"task_type", task.Type(),
			"payload", string(task.Payload()),
		)

		var trig schedule.Trigger
		if jsonErr := json.Unmarshal(task.Payload(), &trig); jsonErr != nil {
			logger.Error("Cannot release cycle for unparseable payload", "error", jsonErr)
			return
		}

		db.WithContext(ctx).
			Model(&models.CycleRecord{}).
			Where("run_id = ?", trig.RunID).
			Updates(map[string]interface{}{
				"status":        models.CycleStatusFailed,
				"error_message": err.Error(),
			})

		if relErr := sched.Release(ctx, trig.UserID); relErr != nil {
			logger.Error("Failed to release cycle slot after dead-letter", "user_id", trig.UserID, "error", relErr)
		}
	}
}
