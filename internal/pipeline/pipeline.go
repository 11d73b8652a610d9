// Package pipeline executes one newsletter cycle: gate on subscription
// activity, aggregate content, compose the digest, render it, deliver it,
// then hand the cycle back to the schedule engine for the next round.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/inkwell-news/inkwell/internal/delivery"
	"github.com/inkwell-news/inkwell/internal/digest"
	"github.com/inkwell-news/inkwell/internal/models"
	"github.com/inkwell-news/inkwell/internal/news"
	"github.com/inkwell-news/inkwell/internal/render"
	"github.com/inkwell-news/inkwell/internal/schedule"
)

// Step names for the idempotence ledger. Steps execute strictly in this
// order; a step never starts before its predecessor completes.
const (
	StepFetch   = "fetch-news"
	StepCompose = "summarize-news"
	StepDeliver = "send-email"
)

// Skip reasons recorded when a cycle short-circuits without side effects.
const (
	SkipReasonInactive         = "subscription inactive"
	SkipReasonPrefsUnavailable = "preferences unavailable"
)

// Result is the observable outcome of one cycle execution.
type Result struct {
	RunID         string `json:"run_id"`
	UserID        string `json:"user_id"`
	ArticleCount  int    `json:"article_count"`
	EmailSent     bool   `json:"email_sent"`
	NextScheduled bool   `json:"next_scheduled"`
	Skipped       bool   `json:"skipped"`
	SkipReason    string `json:"skip_reason,omitempty"`
}

// Scheduler is the slice of the schedule engine the pipeline needs: the
// cancellation check, the return-to-idle path and the reschedule step.
type Scheduler interface {
	CancelRequested(ctx context.Context, userID string) (bool, error)
	Release(ctx context.Context, userID string) error
	Reschedule(ctx context.Context, completed schedule.Trigger) (schedule.Trigger, error)
}

// Ledger records completed steps per run so a retried run replays prior
// outcomes instead of re-executing them.
type Ledger interface {
	Lookup(ctx context.Context, runID, step string) ([]byte, bool, error)
	Record(ctx context.Context, runID, step string, output []byte) error
}

// Recorder persists cycle outcomes for operators.
type Recorder interface {
	Started(ctx context.Context, runID, userID string) error
	Finished(ctx context.Context, res Result, status, errorMessage string) error
}

// Pipeline wires the cycle's collaborators together.
type Pipeline struct {
	logger     *slog.Logger
	profiles   schedule.ProfileSource
	aggregator *news.Aggregator
	composer   *digest.Composer
	sender     delivery.Sender
	scheduler  Scheduler
	ledger     Ledger
	recorder   Recorder

	// now is swappable for tests.
	now func() time.Time
}

// New creates a pipeline.
func New(
	logger *slog.Logger,
	profiles schedule.ProfileSource,
	aggregator *news.Aggregator,
	composer *digest.Composer,
	sender delivery.Sender,
	scheduler Scheduler,
	ledger Ledger,
	recorder Recorder,
) *Pipeline {
	return &Pipeline{
		logger:     logger,
		profiles:   profiles,
		aggregator: aggregator,
		composer:   composer,
		sender:     sender,
		scheduler:  scheduler,
		ledger:     ledger,
		recorder:   recorder,
		now:        time.Now,
	}
}

// Run executes one cycle for the trigger. A nil error with Skipped set
// means the cycle short-circuited cleanly; a non-nil error is either
// retryable (transport) or fatal (generation), and the worker layer maps
// it onto the queue's retry policy.
func (p *Pipeline) Run(ctx context.Context, trig schedule.Trigger) (Result, error) {
	res := Result{RunID: trig.RunID, UserID: trig.UserID}
	log := p.logger.With("run_id", trig.RunID, "user_id", trig.UserID)

	if err := p.recorder.Started(ctx, trig.RunID, trig.UserID); err != nil {
		return res, fmt.Errorf("failed to record cycle start: %w", err)
	}

	// Cancellation is authoritative at entry: a token set while this cycle
	// was pending aborts it before any work happens.
	if cancelled := p.checkCancelled(ctx, log, trig.UserID); cancelled {
		return p.finishCancelled(ctx, log, res)
	}

	// Activity gate. The store is read fresh every cycle; a read failure is
	// treated as inactive so we never send to a possibly-unsubscribed user.
	profile, err := p.profiles.Profile(ctx, trig.UserID)
	if err != nil {
		log.Error("Preferences read failed, skipping cycle", "error", err)
		return p.finishSkipped(ctx, log, res, SkipReasonPrefsUnavailable)
	}
	if !profile.Active {
		return p.finishSkipped(ctx, log, res, SkipReasonInactive)
	}

	// Fetch.
	var articles []news.Article
	replayed, err := p.replayStep(ctx, trig.RunID, StepFetch, &articles)
	if err != nil {
		return res, err
	}
	if !replayed {
		articles = p.aggregator.Aggregate(ctx, trig.Categories)
		if err := p.recordStep(ctx, trig.RunID, StepFetch, articles); err != nil {
			return res, err
		}
	}
	res.ArticleCount = len(articles)

	// Compose. Generation failure is fatal: the cycle ends failed with no
	// delivery and no reschedule.
	var summary string
	replayed, err = p.replayStep(ctx, trig.RunID, StepCompose, &summary)
	if err != nil {
		return res, err
	}
	if !replayed {
		summary, err = p.composer.Compose(ctx, trig.Categories, articles)
		if err != nil {
			log.Error("Digest composition failed", "error", err)
			return p.finishFailed(ctx, log, res, err)
		}
		if err := p.recordStep(ctx, trig.RunID, StepCompose, summary); err != nil {
			return res, err
		}
	}

	// Render. Pure; malformed markdown falls back to the raw text.
	rendered := render.Newsletter(summary, trig.Email, trig.Categories, len(articles), p.now())

	// Deliver. Configuration errors are fatal; transport errors propagate
	// so the queue retries the task. On retry the ledger replays fetch and
	// compose, and a deliver step that already completed is not re-sent.
	_, done, err := p.ledger.Lookup(ctx, trig.RunID, StepDeliver)
	if err != nil {
		return res, fmt.Errorf("failed to consult step ledger: %w", err)
	}
	if !done {
		if err := p.sender.Send(ctx, rendered); err != nil {
			if errors.Is(err, delivery.ErrConfigurationMissing) {
				log.Error("Delivery configuration missing", "error", err)
				return p.finishFailed(ctx, log, res, err)
			}
			log.Error("Delivery failed, leaving cycle for retry", "error", err)
			return res, err
		}
		// The send already happened; a ledger write failure is logged, not
		// propagated, so the run cannot loop back into a second send.
		if err := p.recordStep(ctx, trig.RunID, StepDeliver, "sent"); err != nil {
			log.Error("Failed to record delivery step", "error", err)
		}
	}
	res.EmailSent = true

	// A cancellation observed after delivery does not retract the email;
	// it only suppresses the next schedule.
	if cancelled := p.checkCancelled(ctx, log, trig.UserID); cancelled {
		return p.finishCancelled(ctx, log, res)
	}

	// Reschedule.
	next, err := p.scheduler.Reschedule(ctx, trig)
	if err != nil {
		return res, fmt.Errorf("failed to schedule next cycle: %w", err)
	}
	res.NextScheduled = true

	log.Info("Cycle completed",
		"article_count", res.ArticleCount,
		"next_run_id", next.RunID,
		"next_scheduled_for", next.ScheduledFor,
	)
	if err := p.recorder.Finished(ctx, res, models.CycleStatusCompleted, ""); err != nil {
		log.Error("Failed to record cycle outcome", "error", err)
	}
	return res, nil
}

// checkCancelled reads the cancellation token; registry read errors are
// logged and treated as "not cancelled" so a flaky registry cannot silently
// drop cycles.
func (p *Pipeline) checkCancelled(ctx context.Context, log *slog.Logger, userID string) bool {
	cancelled, err := p.scheduler.CancelRequested(ctx, userID)
	if err != nil {
		log.Error("Cancellation check failed, proceeding", "error", err)
		return false
	}
	return cancelled
}

func (p *Pipeline) finishCancelled(ctx context.Context, log *slog.Logger, res Result) (Result, error) {
	log.Info("Cycle cancelled", "email_sent", res.EmailSent)
	if err := p.scheduler.Release(ctx, res.UserID); err != nil {
		log.Error("Failed to release cycle slot", "error", err)
	}
	if err := p.recorder.Finished(ctx, res, models.CycleStatusCancelled, ""); err != nil {
		log.Error("Failed to record cycle outcome", "error", err)
	}
	return res, nil
}

func (p *Pipeline) finishSkipped(ctx context.Context, log *slog.Logger, res Result, reason string) (Result, error) {
	res.Skipped = true
	res.SkipReason = reason
	log.Info("Cycle skipped", "reason", reason)
	if err := p.scheduler.Release(ctx, res.UserID); err != nil {
		log.Error("Failed to release cycle slot", "error", err)
	}
	if err := p.recorder.Finished(ctx, res, models.CycleStatusSkipped, ""); err != nil {
		log.Error("Failed to record cycle outcome", "error", err)
	}
	return res, nil
}

func (p *Pipeline) finishFailed(ctx context.Context, log *slog.Logger, res Result, cause error) (Result, error) {
	if err := p.scheduler.Release(ctx, res.UserID); err != nil {
		log.Error("Failed to release cycle slot", "error", err)
	}
	if err := p.recorder.Finished(ctx, res, models.CycleStatusFailed, cause.Error()); err != nil {
		log.Error("Failed to record cycle outcome", "error", err)
	}
	return res, cause
}

// replayStep loads a previously recorded step output into out. Returns
// whether the step had already completed.
func (p *Pipeline) replayStep(ctx context.Context, runID, step string, out any) (bool, error) {
	data, ok, err := p.ledger.Lookup(ctx, runID, step)
	if err != nil {
		return false, fmt.Errorf("failed to consult step ledger: %w", err)
	}
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("failed to decode recorded step %s: %w", step, err)
	}
	return true, nil
}

func (p *Pipeline) recordStep(ctx context.Context, runID, step string, output any) error {
	data, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("failed to encode step output: %w", err)
	}
	if err := p.ledger.Record(ctx, runID, step, data); err != nil {
		return fmt.Errorf("failed to record step %s: %w", step, err)
	}
	return nil
}
