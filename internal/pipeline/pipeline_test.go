package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/inkwell-news/inkwell/internal/delivery"
	"github.com/inkwell-news/inkwell/internal/digest"
	"github.com/inkwell-news/inkwell/internal/models"
	"github.com/inkwell-news/inkwell/internal/news"
	"github.com/inkwell-news/inkwell/internal/render"
	"github.com/inkwell-news/inkwell/internal/schedule"
)

// --- fakes ---

type fakeProfiles struct {
	profile schedule.Profile
	err     error
	calls   int
}

func (f *fakeProfiles) Profile(ctx context.Context, userID string) (schedule.Profile, error) {
	f.calls++
	return f.profile, f.err
}

type fakeSource struct {
	articles []news.Article
	calls    int
}

func (f *fakeSource) Fetch(ctx context.Context, category string, since time.Time) ([]news.Article, error) {
	f.calls++
	return f.articles, nil
}

type fakeGenerator struct {
	text  string
	calls int
}

func (f *fakeGenerator) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	f.calls++
	return f.text, nil
}

type fakeSender struct {
	err   error
	calls int
	sent  []render.Rendered
}

func (f *fakeSender) Send(ctx context.Context, msg render.Rendered) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

type fakeScheduler struct {
	// cancelSequence is popped on each CancelRequested call; empty means
	// "not cancelled".
	cancelSequence []bool
	released       []string
	rescheduled    []schedule.Trigger
	rescheduleErr  error
}

func (f *fakeScheduler) CancelRequested(ctx context.Context, userID string) (bool, error) {
	if len(f.cancelSequence) == 0 {
		return false, nil
	}
	v := f.cancelSequence[0]
	f.cancelSequence = f.cancelSequence[1:]
	return v, nil
}

func (f *fakeScheduler) Release(ctx context.Context, userID string) error {
	f.released = append(f.released, userID)
	return nil
}

func (f *fakeScheduler) Reschedule(ctx context.Context, completed schedule.Trigger) (schedule.Trigger, error) {
	if f.rescheduleErr != nil {
		return schedule.Trigger{}, f.rescheduleErr
	}
	next := completed
	next.RunID = completed.RunID + "-next"
	at := time.Date(2025, time.March, 11, 9, 0, 0, 0, time.UTC)
	next.ScheduledFor = &at
	f.rescheduled = append(f.rescheduled, next)
	return next, nil
}

type memLedger struct {
	steps map[string][]byte
}

func newMemLedger() *memLedger { return &memLedger{steps: make(map[string][]byte)} }

func (l *memLedger) Lookup(ctx context.Context, runID, step string) ([]byte, bool, error) {
	data, ok := l.steps[runID+"/"+step]
	return data, ok, nil
}

func (l *memLedger) Record(ctx context.Context, runID, step string, output []byte) error {
	l.steps[runID+"/"+step] = output
	return nil
}

type memRecorder struct {
	started  []string
	finished []finishedRecord
}

type finishedRecord struct {
	res    Result
	status string
	errMsg string
}

func (r *memRecorder) Started(ctx context.Context, runID, userID string) error {
	r.started = append(r.started, runID)
	return nil
}

func (r *memRecorder) Finished(ctx context.Context, res Result, status, errorMessage string) error {
	r.finished = append(r.finished, finishedRecord{res: res, status: status, errMsg: errorMessage})
	return nil
}

// --- harness ---

type harness struct {
	profiles  *fakeProfiles
	source    *fakeSource
	generator *fakeGenerator
	sender    *fakeSender
	scheduler *fakeScheduler
	ledger    *memLedger
	recorder  *memRecorder
	pipe      *Pipeline
}

func newHarness() *harness {
	h := &harness{
		profiles: &fakeProfiles{profile: schedule.Profile{
			Email:      "a@x.com",
			Categories: []string{"technology", "science"},
			Frequency:  schedule.FrequencyDaily,
			Active:     true,
		}},
		source: &fakeSource{articles: []news.Article{
			{Title: "Go release", URL: "https://example.com/go", Description: "new toolchain"},
		}},
		generator: &fakeGenerator{text: "# Digest\n\nNews."},
		sender:    &fakeSender{},
		scheduler: &fakeScheduler{},
		ledger:    newMemLedger(),
		recorder:  &memRecorder{},
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.pipe = New(
		logger,
		h.profiles,
		news.NewAggregator(h.source, logger),
		digest.NewComposer(h.generator),
		h.sender,
		h.scheduler,
		h.ledger,
		h.recorder,
	)
	h.pipe.now = func() time.Time {
		return time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)
	}
	return h
}

func testTrigger() schedule.Trigger {
	return schedule.Trigger{
		UserID:     "u1",
		Email:      "a@x.com",
		Categories: []string{"technology", "science"},
		Frequency:  schedule.FrequencyDaily,
		RunID:      "run-1",
	}
}

// --- tests ---

func TestRunHappyPath(t *testing.T) {
	h := newHarness()

	res, err := h.pipe.Run(context.Background(), testTrigger())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if !res.EmailSent || !res.NextScheduled || res.Skipped {
		t.Errorf("result = %+v, want emailSent/nextScheduled and not skipped", res)
	}
	if res.ArticleCount != 2 {
		t.Errorf("ArticleCount = %d, want 2 (one per category)", res.ArticleCount)
	}
	if h.sender.calls != 1 {
		t.Errorf("sender calls = %d, want 1", h.sender.calls)
	}

	if len(h.scheduler.rescheduled) != 1 {
		t.Fatalf("expected 1 reschedule, got %d", len(h.scheduler.rescheduled))
	}
	next := h.scheduler.rescheduled[0]
	if next.UserID != "u1" || next.Email != "a@x.com" || next.Frequency != schedule.FrequencyDaily {
		t.Errorf("successor trigger identity mismatch: %+v", next)
	}
	want := time.Date(2025, time.March, 11, 9, 0, 0, 0, time.UTC)
	if next.ScheduledFor == nil || !next.ScheduledFor.Equal(want) {
		t.Errorf("successor ScheduledFor = %v, want %v", next.ScheduledFor, want)
	}

	if len(h.recorder.finished) != 1 || h.recorder.finished[0].status != models.CycleStatusCompleted {
		t.Errorf("expected completed cycle record, got %+v", h.recorder.finished)
	}
}

func TestRunSkipsInactiveSubscriptionWithoutSideEffects(t *testing.T) {
	h := newHarness()
	h.profiles.profile.Active = false

	res, err := h.pipe.Run(context.Background(), testTrigger())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if !res.Skipped || res.SkipReason != SkipReasonInactive {
		t.Errorf("result = %+v, want skipped with inactive reason", res)
	}
	if res.EmailSent || res.NextScheduled {
		t.Errorf("skip must not send or reschedule: %+v", res)
	}
	if h.source.calls != 0 || h.generator.calls != 0 || h.sender.calls != 0 {
		t.Errorf("skip must perform zero downstream calls: fetch=%d generate=%d send=%d",
			h.source.calls, h.generator.calls, h.sender.calls)
	}
	if len(h.scheduler.rescheduled) != 0 {
		t.Error("skip must not emit a reschedule trigger")
	}
	if len(h.scheduler.released) != 1 {
		t.Error("skip must return the user to idle")
	}
	if len(h.recorder.finished) != 1 || h.recorder.finished[0].status != models.CycleStatusSkipped {
		t.Errorf("expected skipped cycle record, got %+v", h.recorder.finished)
	}
}

func TestRunTreatsPreferencesReadFailureAsInactive(t *testing.T) {
	h := newHarness()
	h.profiles.err = errors.New("store unavailable")

	res, err := h.pipe.Run(context.Background(), testTrigger())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if !res.Skipped || res.SkipReason != SkipReasonPrefsUnavailable {
		t.Errorf("result = %+v, want fail-safe skip", res)
	}
	if h.sender.calls != 0 || len(h.scheduler.rescheduled) != 0 {
		t.Error("fail-safe skip must not send or reschedule")
	}
}

func TestRunGenerationFailureIsFatal(t *testing.T) {
	h := newHarness()
	h.generator.text = ""

	res, err := h.pipe.Run(context.Background(), testTrigger())
	if !errors.Is(err, digest.ErrContentGeneration) {
		t.Fatalf("expected ErrContentGeneration, got %v", err)
	}

	if h.sender.calls != 0 {
		t.Error("no delivery may happen after generation failure")
	}
	if res.EmailSent || res.NextScheduled {
		t.Errorf("result = %+v, want nothing sent or scheduled", res)
	}
	if len(h.scheduler.rescheduled) != 0 {
		t.Error("failed cycle must not emit a reschedule trigger")
	}
	if len(h.scheduler.released) != 1 {
		t.Error("failed cycle must return the user to idle")
	}
	if len(h.recorder.finished) != 1 || h.recorder.finished[0].status != models.CycleStatusFailed {
		t.Errorf("expected failed cycle record, got %+v", h.recorder.finished)
	}
}

func TestRunCancelledAtEntryDoesNothing(t *testing.T) {
	h := newHarness()
	h.scheduler.cancelSequence = []bool{true}

	res, err := h.pipe.Run(context.Background(), testTrigger())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if h.profiles.calls != 0 || h.source.calls != 0 || h.generator.calls != 0 || h.sender.calls != 0 {
		t.Error("cancelled run must perform no work at all")
	}
	if res.EmailSent || res.NextScheduled {
		t.Errorf("result = %+v, want clean abort", res)
	}
	if len(h.scheduler.released) != 1 {
		t.Error("cancelled run must return the user to idle")
	}
	if len(h.recorder.finished) != 1 || h.recorder.finished[0].status != models.CycleStatusCancelled {
		t.Errorf("expected cancelled cycle record, got %+v", h.recorder.finished)
	}
}

func TestRunCancellationAfterDeliveryOnlySuppressesReschedule(t *testing.T) {
	h := newHarness()
	// Not cancelled at entry, cancelled by the time the run would reschedule.
	h.scheduler.cancelSequence = []bool{false, true}

	res, err := h.pipe.Run(context.Background(), testTrigger())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// The already-sent email is not retracted.
	if !res.EmailSent {
		t.Error("delivery that already happened must stand")
	}
	if res.NextScheduled || len(h.scheduler.rescheduled) != 0 {
		t.Error("cancellation must suppress the reschedule step")
	}
	if len(h.recorder.finished) != 1 || h.recorder.finished[0].status != models.CycleStatusCancelled {
		t.Errorf("expected cancelled cycle record, got %+v", h.recorder.finished)
	}
}

func TestRunReplaysCompletedStepsFromLedger(t *testing.T) {
	h := newHarness()

	// A previous attempt fetched, composed and delivered, then crashed
	// before rescheduling.
	articles, _ := json.Marshal([]news.Article{{Title: "Go release", URL: "https://example.com/go", Description: "d"}})
	summary, _ := json.Marshal("# Digest\n\nNews.")
	sent, _ := json.Marshal("sent")
	h.ledger.Record(context.Background(), "run-1", StepFetch, articles)
	h.ledger.Record(context.Background(), "run-1", StepCompose, summary)
	h.ledger.Record(context.Background(), "run-1", StepDeliver, sent)

	res, err := h.pipe.Run(context.Background(), testTrigger())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if h.source.calls != 0 || h.generator.calls != 0 {
		t.Error("completed steps must be replayed, not re-executed")
	}
	if h.sender.calls != 0 {
		t.Error("a delivered email must not be sent twice")
	}
	if !res.EmailSent || !res.NextScheduled {
		t.Errorf("result = %+v, want retried run to finish the cycle", res)
	}
	if res.ArticleCount != 1 {
		t.Errorf("ArticleCount = %d, want the replayed count", res.ArticleCount)
	}
}

func TestRunDeliveryFailurePropagatesForRetry(t *testing.T) {
	h := newHarness()
	h.sender.err = delivery.ErrDelivery

	res, err := h.pipe.Run(context.Background(), testTrigger())
	if !errors.Is(err, delivery.ErrDelivery) {
		t.Fatalf("expected ErrDelivery to propagate, got %v", err)
	}

	if res.EmailSent || res.NextScheduled {
		t.Errorf("result = %+v, want nothing marked done", res)
	}
	// The cycle is left live for the queue's retry: not released, no
	// terminal record.
	if len(h.scheduler.released) != 0 {
		t.Error("retryable failure must keep the cycle slot")
	}
	if len(h.recorder.finished) != 0 {
		t.Errorf("retryable failure must not finalize the record, got %+v", h.recorder.finished)
	}
}

func TestRunConfigurationMissingIsFatal(t *testing.T) {
	h := newHarness()
	h.sender.err = delivery.ErrConfigurationMissing

	_, err := h.pipe.Run(context.Background(), testTrigger())
	if !errors.Is(err, delivery.ErrConfigurationMissing) {
		t.Fatalf("expected ErrConfigurationMissing, got %v", err)
	}
	if len(h.scheduler.rescheduled) != 0 {
		t.Error("configuration failure must not reschedule")
	}
	if len(h.recorder.finished) != 1 || h.recorder.finished[0].status != models.CycleStatusFailed {
		t.Errorf("expected failed cycle record, got %+v", h.recorder.finished)
	}
}
