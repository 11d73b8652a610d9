package database

import (
	"log"

	"github.com/inkwell-news/inkwell/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SeedDevData populates the database with development test data.
// Idempotent: skips if data already exists.
func SeedDevData(db *gorm.DB) error {
	var existing models.Subscription
	result := db.Where("user_id = ?", "dev-user-1").First(&existing)
	if result.Error == nil {
		log.Println("Seed data already exists, skipping")
		return nil
	}

	subscriptions := []models.Subscription{
		{
			UserID:     "dev-user-1",
			Email:      "dev@inkwell.local",
			Categories: datatypes.JSON([]byte(`["technology","science"]`)),
			Frequency:  "daily",
			IsActive:   true,
		},
		{
			UserID:     "dev-user-2",
			Email:      "dormant@inkwell.local",
			Categories: datatypes.JSON([]byte(`["business"]`)),
			Frequency:  "weekly",
			IsActive:   false,
		},
	}

	for i := range subscriptions {
		if err := db.Create(&subscriptions[i]).Error; err != nil {
			return err
		}
	}

	log.Printf("Seeded dev data: %d subscriptions", len(subscriptions))
	return nil
}
