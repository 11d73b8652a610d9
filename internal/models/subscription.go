package models

import (
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Subscription is the stored per-user newsletter preference record. The
// pipeline only ever reads it; writes happen through the preferences store
// in the API layer, never from inside a running cycle.
type Subscription struct {
	gorm.Model
	UserID     string         `gorm:"uniqueIndex;not null"`
	Email      string         `gorm:"not null"`
	Categories datatypes.JSON `gorm:"type:jsonb;not null"`
	Frequency  string         `gorm:"not null;default:'weekly'"`
	IsActive   bool           `gorm:"not null;default:true;index"`
}
