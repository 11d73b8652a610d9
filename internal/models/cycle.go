package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Cycle status constants
const (
	CycleStatusRunning   = "running"
	CycleStatusCompleted = "completed"
	CycleStatusSkipped   = "skipped"
	CycleStatusCancelled = "cancelled"
	CycleStatusFailed    = "failed"
)

// CycleRecord is the persisted outcome of one newsletter cycle execution.
// It exists for operators: a subscribed-but-never-delivered user is found
// here, not through any user-facing surface.
type CycleRecord struct {
	gorm.Model
	RunID         string `gorm:"uniqueIndex;not null"`
	UserID        string `gorm:"not null;index"`
	Status        string `gorm:"not null;default:'running';index"`
	ArticleCount  int
	EmailSent     bool
	NextScheduled bool
	Skipped       bool
	SkipReason    string
	ErrorMessage  string `gorm:"type:text"`
	CompletedAt   *time.Time
}

// CycleStep is the per-step idempotence ledger. A step that completed once
// for a run is never re-executed on retry; its recorded output is replayed
// instead. This is what keeps "send email" from double-sending when the
// worker crashes between delivery and reschedule.
type CycleStep struct {
	gorm.Model
	RunID  string         `gorm:"uniqueIndex:idx_cycle_steps_run_step;not null"`
	Step   string         `gorm:"uniqueIndex:idx_cycle_steps_run_step;not null"`
	Output datatypes.JSON `gorm:"type:jsonb"`
}
