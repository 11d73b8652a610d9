// Package api exposes the HTTP surface for managing subscriptions. It is
// the write path for the preferences store; cycles themselves only read it.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/inkwell-news/inkwell/internal/models"
	"github.com/inkwell-news/inkwell/internal/prefs"
	"github.com/inkwell-news/inkwell/internal/schedule"
	"gorm.io/gorm"
)

// Scheduler is the slice of the schedule engine the API drives.
type Scheduler interface {
	Enqueue(ctx context.Context, t schedule.Trigger) (schedule.Trigger, error)
	Cancel(ctx context.Context, userID string) error
	Resume(ctx context.Context, userID string) (schedule.Trigger, error)
}

// EventPublisher mirrors API decisions onto the event stream. Optional.
type EventPublisher interface {
	PublishScheduleDeleted(ctx context.Context, userID string) error
}

// preferencesRequest is the save-preferences payload.
type preferencesRequest struct {
	UserID     string   `json:"user_id"`
	Email      string   `json:"email"`
	Categories []string `json:"categories"`
	Frequency  string   `json:"frequency"`
}

// SavePreferencesHandler upserts a user's preferences and makes sure a
// cycle exists for them: a brand-new subscription gets an immediate
// trigger, a reactivated one gets a fresh trigger one interval out
// computed from the just-saved preferences.
func SavePreferencesHandler(store prefs.Store, sched Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req preferencesRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if req.UserID == "" || req.Email == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "user_id and email are required"})
			return
		}
		if len(req.Categories) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "categories array is required and must not be empty"})
			return
		}
		frequency := schedule.Frequency(req.Frequency)
		if !frequency.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "valid frequency is required (daily, weekly, biweekly)"})
			return
		}

		existing, err := store.Get(c.Request.Context(), req.UserID)
		isNew := errors.Is(err, prefs.ErrNotFound)
		if err != nil && !isNew {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read preferences"})
			return
		}

		p := prefs.Preferences{
			UserID:     req.UserID,
			Email:      req.Email,
			Categories: req.Categories,
			Frequency:  frequency,
			IsActive:   true,
		}
		if err := store.Save(c.Request.Context(), p); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save preferences"})
			return
		}

		switch {
		case isNew:
			// Subscribe-time trigger: no ScheduledFor, the first cycle
			// runs right away.
			_, err = sched.Enqueue(c.Request.Context(), schedule.Trigger{
				UserID:     req.UserID,
				Email:      req.Email,
				Categories: req.Categories,
				Frequency:  frequency,
			})
		case !existing.IsActive:
			// Reactivation: synthesize a fresh trigger from the stored
			// preferences, replacing any stale schedule.
			_, err = sched.Resume(c.Request.Context(), req.UserID)
		}
		if err != nil && !errors.Is(err, schedule.ErrAlreadyScheduled) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to schedule newsletter"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"message": "Preferences saved and newsletter scheduled",
		})
	}
}

// UnsubscribeHandler deactivates a subscription and cancels whatever
// cycle, pending or in-flight, currently exists for the user.
func UnsubscribeHandler(store prefs.Store, sched Scheduler, publisher EventPublisher) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Param("user_id")

		if err := store.SetActive(c.Request.Context(), userID, false); err != nil {
			if errors.Is(err, prefs.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "subscription not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update subscription"})
			return
		}

		if err := sched.Cancel(c.Request.Context(), userID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel scheduled newsletter"})
			return
		}

		if publisher != nil {
			if err := publisher.PublishScheduleDeleted(c.Request.Context(), userID); err != nil {
				// The cancel already took effect; the event is observability.
				slog.Error("Failed to publish deletion event", "user_id", userID, "error", err)
			}
		}

		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

// ListCyclesHandler returns recent cycle outcomes for a user, operator-side
// observability for subscribed-but-never-delivered investigations.
func ListCyclesHandler(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Param("user_id")

		var records []models.CycleRecord
		err := db.WithContext(c.Request.Context()).
			Where("user_id = ?", userID).
			Order("created_at DESC").
			Limit(20).
			Find(&records).Error
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list cycles"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"cycles": records})
	}
}

// RegisterRoutes mounts the API on the given router group.
func RegisterRoutes(r *gin.Engine, store prefs.Store, sched Scheduler, publisher EventPublisher, db *gorm.DB) {
	apiGroup := r.Group("/api")
	apiGroup.POST("/preferences", SavePreferencesHandler(store, sched))
	apiGroup.DELETE("/subscriptions/:user_id", UnsubscribeHandler(store, sched, publisher))
	apiGroup.GET("/cycles/:user_id", ListCyclesHandler(db))
}
