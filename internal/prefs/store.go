// Package prefs is the preferences store: a get/set-by-user-id view over
// the subscriptions table. It is the single source of truth for whether a
// subscription is active; cycles read it fresh every run and never write it.
package prefs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/inkwell-news/inkwell/internal/models"
	"github.com/inkwell-news/inkwell/internal/schedule"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned when no subscription exists for a user.
var ErrNotFound = errors.New("subscription not found")

// Preferences is the API-facing shape of a stored subscription.
type Preferences struct {
	UserID     string             `json:"user_id"`
	Email      string             `json:"email"`
	Categories []string           `json:"categories"`
	Frequency  schedule.Frequency `json:"frequency"`
	IsActive   bool               `json:"is_active"`
}

// Store reads and writes subscription preferences.
type Store interface {
	Get(ctx context.Context, userID string) (Preferences, error)
	Save(ctx context.Context, p Preferences) error
	SetActive(ctx context.Context, userID string, active bool) error
}

// GormStore is the Postgres-backed Store. It also implements
// schedule.ProfileSource so the engine and the activity gate can read
// current state through the same record.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a store over the given database handle.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Get(ctx context.Context, userID string) (Preferences, error) {
	var sub models.Subscription
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&sub).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Preferences{}, ErrNotFound
		}
		return Preferences{}, fmt.Errorf("failed to read subscription: %w", err)
	}
	return fromModel(sub)
}

// Save upserts the preferences record keyed by user ID.
func (s *GormStore) Save(ctx context.Context, p Preferences) error {
	categories, err := json.Marshal(p.Categories)
	if err != nil {
		return fmt.Errorf("failed to encode categories: %w", err)
	}

	sub := models.Subscription{
		UserID:     p.UserID,
		Email:      p.Email,
		Categories: datatypes.JSON(categories),
		Frequency:  string(p.Frequency),
		IsActive:   p.IsActive,
	}

	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"email", "categories", "frequency", "is_active", "updated_at"}),
	}).Create(&sub).Error
	if err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	return nil
}

func (s *GormStore) SetActive(ctx context.Context, userID string, active bool) error {
	result := s.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("user_id = ?", userID).
		Update("is_active", active)
	if result.Error != nil {
		return fmt.Errorf("failed to update subscription: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Profile implements schedule.ProfileSource.
func (s *GormStore) Profile(ctx context.Context, userID string) (schedule.Profile, error) {
	p, err := s.Get(ctx, userID)
	if err != nil {
		return schedule.Profile{}, err
	}
	return schedule.Profile{
		Email:      p.Email,
		Categories: p.Categories,
		Frequency:  p.Frequency,
		Active:     p.IsActive,
	}, nil
}

func fromModel(sub models.Subscription) (Preferences, error) {
	var categories []string
	if len(sub.Categories) > 0 {
		if err := json.Unmarshal(sub.Categories, &categories); err != nil {
			return Preferences{}, fmt.Errorf("failed to decode categories: %w", err)
		}
	}
	return Preferences{
		UserID:     sub.UserID,
		Email:      sub.Email,
		Categories: categories,
		Frequency:  schedule.Frequency(sub.Frequency),
		IsActive:   sub.IsActive,
	}, nil
}
