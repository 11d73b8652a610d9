package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// ErrAlreadyScheduled is returned by Enqueue when a pending or running
// cycle already exists for the user. Only one cycle per user may be live
// at a time; callers treat this as "nothing to do".
var ErrAlreadyScheduled = errors.New("a cycle is already scheduled for this user")

// ErrInactive is returned by Resume when the stored subscription is not
// active; an inactive subscription is never re-seeded.
var ErrInactive = errors.New("subscription is not active")

// Queue enqueues and deletes durable cycle tasks. The production
// implementation is backed by Asynq (see internal/worker); tests use fakes.
type Queue interface {
	// Enqueue adds the trigger under the given task ID. When the trigger
	// carries a ScheduledFor the task must not run before that instant.
	Enqueue(ctx context.Context, taskID string, t Trigger) error
	// Delete removes a not-yet-running task. Deleting a task that is
	// currently executing returns an error.
	Delete(ctx context.Context, taskID string) error
}

// StateStore tracks, per user, the single live cycle and any cancellation
// request against it. The production implementation lives in Redis so the
// registry survives process restarts alongside the queue itself.
type StateStore interface {
	// ClaimPending records taskID as the user's live cycle. Returns false
	// without overwriting if a live cycle is already recorded.
	ClaimPending(ctx context.Context, userID, taskID string) (bool, error)
	// SetPending overwrites the user's live cycle unconditionally. Used by
	// the reschedule path, which owns the slot it is replacing.
	SetPending(ctx context.Context, userID, taskID string) error
	// PendingTask returns the recorded live cycle task ID, if any.
	PendingTask(ctx context.Context, userID string) (string, bool, error)
	ClearPending(ctx context.Context, userID string) error

	RequestCancel(ctx context.Context, userID string) error
	CancelRequested(ctx context.Context, userID string) (bool, error)
	ClearCancel(ctx context.Context, userID string) error
}

// Publisher mirrors engine decisions onto the outbound event stream so
// other systems can observe schedule changes. Optional: a nil publisher
// disables event emission without affecting scheduling.
type Publisher interface {
	PublishSchedule(ctx context.Context, t Trigger) error
}

// Engine drives one user's recurring newsletter cycle: it seeds triggers,
// computes and enqueues the follow-up trigger when a cycle completes, and
// cancels whatever cycle (pending or in-flight) currently exists for a
// user. All cross-run state lives in the StateStore and the Queue, so any
// worker process can pick up where another left off.
type Engine struct {
	queue     Queue
	state     StateStore
	profiles  ProfileSource
	publisher Publisher
	logger    *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// NewEngine wires an Engine. publisher may be nil.
func NewEngine(queue Queue, state StateStore, profiles ProfileSource, publisher Publisher, logger *slog.Logger) *Engine {
	return &Engine{
		queue:     queue,
		state:     state,
		profiles:  profiles,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// Enqueue assigns a run ID to the trigger and enqueues it, claiming the
// user's single live-cycle slot. Returns ErrAlreadyScheduled when a cycle
// is already pending or running for the user.
func (e *Engine) Enqueue(ctx context.Context, t Trigger) (Trigger, error) {
	if err := t.Validate(); err != nil {
		return Trigger{}, err
	}

	t.RunID = uuid.New().String()
	id := taskID(t.UserID, t.RunID)

	claimed, err := e.state.ClaimPending(ctx, t.UserID, id)
	if err != nil {
		return Trigger{}, fmt.Errorf("failed to claim cycle slot: %w", err)
	}
	if !claimed {
		return Trigger{}, ErrAlreadyScheduled
	}

	// A fresh cycle supersedes any cancellation aimed at an old one.
	if err := e.state.ClearCancel(ctx, t.UserID); err != nil {
		e.logger.Warn("Failed to clear stale cancellation token", "user_id", t.UserID, "error", err)
	}

	if err := e.queue.Enqueue(ctx, id, t); err != nil {
		// Give the slot back so the user isn't stuck with a phantom cycle.
		if clearErr := e.state.ClearPending(ctx, t.UserID); clearErr != nil {
			e.logger.Error("Failed to release cycle slot after enqueue failure", "user_id", t.UserID, "error", clearErr)
		}
		return Trigger{}, fmt.Errorf("failed to enqueue cycle: %w", err)
	}

	e.logger.Info("Cycle enqueued",
		"user_id", t.UserID,
		"run_id", t.RunID,
		"scheduled_for", scheduledForLog(t),
	)
	return t, nil
}

// Cancel requests cancellation of whatever cycle currently exists for the
// user. A pending (not yet running) task is deleted outright and the token
// is consumed; if the task is already executing, the token stays set and
// the run observes it before its reschedule step.
func (e *Engine) Cancel(ctx context.Context, userID string) error {
	if err := e.state.RequestCancel(ctx, userID); err != nil {
		return fmt.Errorf("failed to record cancellation: %w", err)
	}

	id, ok, err := e.state.PendingTask(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to look up pending cycle: %w", err)
	}
	if !ok {
		// Nothing live; token remains until a future cycle consumes it or
		// a new Enqueue clears it.
		e.logger.Info("Cancellation recorded with no live cycle", "user_id", userID)
		return nil
	}

	if err := e.queue.Delete(ctx, id); err != nil {
		// Most likely the task is mid-flight and cannot be deleted. The
		// token stays; the run will abort before scheduling a successor.
		e.logger.Info("Pending cycle not deletable, leaving token for in-flight check",
			"user_id", userID, "task_id", id, "error", err)
		return nil
	}

	if err := e.state.ClearPending(ctx, userID); err != nil {
		return fmt.Errorf("failed to clear cycle slot: %w", err)
	}
	if err := e.state.ClearCancel(ctx, userID); err != nil {
		return fmt.Errorf("failed to clear consumed cancellation token: %w", err)
	}

	e.logger.Info("Pending cycle cancelled", "user_id", userID, "task_id", id)
	return nil
}

// CancelRequested reports whether a cancellation token is set for the user.
// The pipeline consults this at run entry and again before rescheduling.
func (e *Engine) CancelRequested(ctx context.Context, userID string) (bool, error) {
	return e.state.CancelRequested(ctx, userID)
}

// Release returns the user to the idle state: the live-cycle slot and any
// cancellation token are cleared, and no successor trigger is emitted.
// Called when a cycle ends in skipped, failed or cancelled.
func (e *Engine) Release(ctx context.Context, userID string) error {
	if err := e.state.ClearPending(ctx, userID); err != nil {
		return fmt.Errorf("failed to clear cycle slot: %w", err)
	}
	if err := e.state.ClearCancel(ctx, userID); err != nil {
		return fmt.Errorf("failed to clear cancellation token: %w", err)
	}
	return nil
}

// Reschedule emits the successor trigger for a completed cycle: same
// identity, fresh run ID, ScheduledFor computed from the frequency and
// normalized to 09:00 local. The completed run owns the user's live-cycle
// slot, so the successor overwrites it rather than claiming it.
func (e *Engine) Reschedule(ctx context.Context, completed Trigger) (Trigger, error) {
	nextAt := ComputeNext(e.now(), completed.Frequency)

	next := Trigger{
		UserID:       completed.UserID,
		Email:        completed.Email,
		Categories:   completed.Categories,
		Frequency:    completed.Frequency,
		ScheduledFor: &nextAt,
		RunID:        uuid.New().String(),
	}
	id := taskID(next.UserID, next.RunID)

	if err := e.queue.Enqueue(ctx, id, next); err != nil {
		return Trigger{}, fmt.Errorf("failed to enqueue next cycle: %w", err)
	}
	if err := e.state.SetPending(ctx, next.UserID, id); err != nil {
		return Trigger{}, fmt.Errorf("failed to record next cycle: %w", err)
	}
	if err := e.state.ClearCancel(ctx, next.UserID); err != nil {
		e.logger.Warn("Failed to clear cancellation token after reschedule", "user_id", next.UserID, "error", err)
	}

	if e.publisher != nil {
		if err := e.publisher.PublishSchedule(ctx, next); err != nil {
			// Scheduling already succeeded through the queue; the event is
			// observability, not the source of truth.
			e.logger.Error("Failed to publish schedule event", "user_id", next.UserID, "error", err)
		}
	}

	e.logger.Info("Next cycle scheduled",
		"user_id", next.UserID,
		"run_id", next.RunID,
		"scheduled_for", nextAt,
	)
	return next, nil
}

// Resume re-seeds a cycle from the user's current stored preferences; this
// is the reactivation path. Any stale pending cycle is discarded first so the
// fresh preferences take effect immediately rather than whenever the old
// schedule would have fired. The new trigger fires one full interval out.
func (e *Engine) Resume(ctx context.Context, userID string) (Trigger, error) {
	p, err := e.profiles.Profile(ctx, userID)
	if err != nil {
		return Trigger{}, fmt.Errorf("failed to read preferences for %s: %w", userID, err)
	}
	if !p.Active {
		return Trigger{}, ErrInactive
	}

	if id, ok, err := e.state.PendingTask(ctx, userID); err != nil {
		return Trigger{}, fmt.Errorf("failed to look up pending cycle: %w", err)
	} else if ok {
		if err := e.queue.Delete(ctx, id); err != nil {
			e.logger.Warn("Stale pending cycle not deletable", "user_id", userID, "task_id", id, "error", err)
		}
		if err := e.state.ClearPending(ctx, userID); err != nil {
			return Trigger{}, fmt.Errorf("failed to clear stale cycle slot: %w", err)
		}
	}

	nextAt := ComputeNext(e.now(), p.Frequency)
	return e.Enqueue(ctx, Trigger{
		UserID:       userID,
		Email:        p.Email,
		Categories:   p.Categories,
		Frequency:    p.Frequency,
		ScheduledFor: &nextAt,
	})
}

// EnsureScheduled seeds a cycle for the user when none is live. Used by
// the periodic reconciler to heal subscriptions that are active but lost
// their pending trigger (operator intervention, expired registry entry).
// Inactive subscriptions are left alone.
func (e *Engine) EnsureScheduled(ctx context.Context, userID string) error {
	if _, ok, err := e.state.PendingTask(ctx, userID); err != nil {
		return fmt.Errorf("failed to look up pending cycle: %w", err)
	} else if ok {
		return nil
	}

	_, err := e.Resume(ctx, userID)
	if errors.Is(err, ErrInactive) || errors.Is(err, ErrAlreadyScheduled) {
		return nil
	}
	return err
}

func scheduledForLog(t Trigger) any {
	if t.ScheduledFor == nil {
		return "now"
	}
	return *t.ScheduledFor
}
