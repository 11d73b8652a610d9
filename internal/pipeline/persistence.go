package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/inkwell-news/inkwell/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormLedger is the Postgres-backed step ledger.
type GormLedger struct {
	db *gorm.DB
}

// NewGormLedger creates a ledger over the given database handle.
func NewGormLedger(db *gorm.DB) *GormLedger {
	return &GormLedger{db: db}
}

func (l *GormLedger) Lookup(ctx context.Context, runID, step string) ([]byte, bool, error) {
	var record models.CycleStep
	err := l.db.WithContext(ctx).
		Where("run_id = ? AND step = ?", runID, step).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read step ledger: %w", err)
	}
	return []byte(record.Output), true, nil
}

// Record is idempotent: a concurrent or replayed write for the same
// run/step pair is a no-op, first writer wins.
func (l *GormLedger) Record(ctx context.Context, runID, step string, output []byte) error {
	record := models.CycleStep{
		RunID:  runID,
		Step:   step,
		Output: datatypes.JSON(output),
	}
	err := l.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&record).Error
	if err != nil {
		return fmt.Errorf("failed to write step ledger: %w", err)
	}
	return nil
}

// GormRecorder persists cycle outcomes.
type GormRecorder struct {
	db *gorm.DB
}

// NewGormRecorder creates a recorder over the given database handle.
func NewGormRecorder(db *gorm.DB) *GormRecorder {
	return &GormRecorder{db: db}
}

// Started creates the running cycle record, or leaves an existing one in
// place when a retried task re-enters the pipeline.
func (r *GormRecorder) Started(ctx context.Context, runID, userID string) error {
	record := models.CycleRecord{
		RunID:  runID,
		UserID: userID,
		Status: models.CycleStatusRunning,
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&record).Error
	if err != nil {
		return fmt.Errorf("failed to create cycle record: %w", err)
	}
	return nil
}

func (r *GormRecorder) Finished(ctx context.Context, res Result, status, errorMessage string) error {
	now := time.Now()
	err := r.db.WithContext(ctx).
		Model(&models.CycleRecord{}).
		Where("run_id = ?", res.RunID).
		Updates(map[string]interface{}{
			"status":         status,
			"article_count":  res.ArticleCount,
			"email_sent":     res.EmailSent,
			"next_scheduled": res.NextScheduled,
			"skipped":        res.Skipped,
			"skip_reason":    res.SkipReason,
			"error_message":  errorMessage,
			"completed_at":   now,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to update cycle record: %w", err)
	}
	return nil
}
