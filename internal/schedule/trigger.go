// Package schedule owns the recurring-cycle state machine: computing the
// next fire time for a subscription, enqueueing the delayed cycle task,
// and cancelling pending or in-flight cycles by user identity.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Frequency is how often a subscriber receives their newsletter.
type Frequency string

const (
	FrequencyDaily    Frequency = "daily"
	FrequencyWeekly   Frequency = "weekly"
	FrequencyBiweekly Frequency = "biweekly"
)

// Valid reports whether f is one of the recognized frequency values.
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyBiweekly:
		return true
	}
	return false
}

// Interval returns the delay between cycles for this frequency.
// Unrecognized values fall back to weekly.
//
// NOTE: "biweekly" maps to 3 days here, not the calendar meaning of every
// two weeks. This matches the behavior subscribers already get and is
// pinned by a test; do not "fix" it without a migration plan for existing
// subscriptions.
func (f Frequency) Interval() time.Duration {
	switch f {
	case FrequencyDaily:
		return 24 * time.Hour
	case FrequencyBiweekly:
		return 3 * 24 * time.Hour
	default:
		return 7 * 24 * time.Hour
	}
}

// Trigger is the unit of work: one message that starts one newsletter cycle
// for one user. Triggers are created at subscribe time (no ScheduledFor,
// meaning "run now") or by the engine when a completed cycle reschedules
// itself. A trigger is consumed exactly once and never mutated.
type Trigger struct {
	UserID       string     `json:"user_id"`
	Email        string     `json:"email"`
	Categories   []string   `json:"categories"`
	Frequency    Frequency  `json:"frequency"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
	// RunID is unique per execution and assigned by the engine, never by
	// the caller.
	RunID string `json:"run_id,omitempty"`
}

// Validate checks that a trigger carries a user, a destination address and
// a non-empty category list. Frequency is deliberately not validated here:
// unknown values degrade to weekly when the next fire time is computed.
func (t Trigger) Validate() error {
	if t.UserID == "" {
		return errors.New("trigger missing user id")
	}
	if t.Email == "" {
		return errors.New("trigger missing email")
	}
	if len(t.Categories) == 0 {
		return errors.New("trigger requires at least one category")
	}
	return nil
}

// Profile is the stored subscription state the engine reads when it has to
// synthesize a trigger from preferences rather than from a caller's payload.
type Profile struct {
	Email      string
	Categories []string
	Frequency  Frequency
	Active     bool
}

// ProfileSource reads current subscription state. The engine never writes
// through this interface; preference updates belong to the API layer.
type ProfileSource interface {
	Profile(ctx context.Context, userID string) (Profile, error)
}

// ComputeNext returns the next cycle fire time: now plus the frequency's
// interval, normalized to 09:00 in now's location.
func ComputeNext(now time.Time, f Frequency) time.Time {
	next := now.Add(f.Interval())
	return time.Date(next.Year(), next.Month(), next.Day(), 9, 0, 0, 0, next.Location())
}

// taskID builds the queue task identifier for one cycle execution.
func taskID(userID, runID string) string {
	return fmt.Sprintf("newsletter:cycle:%s:%s", userID, runID)
}
