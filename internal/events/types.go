// Package events is the inbound/outbound event surface of the newsletter
// core, carried over a Redis Stream: schedule events start or continue a
// cycle, deletion events cancel whatever cycle exists for a user.
package events

import (
	"encoding/json"
	"fmt"

	"github.com/inkwell-news/inkwell/internal/schedule"
)

// Stream name constants
const (
	StreamNewsletterEvents = "newsletter:events"
)

// Consumer group constants
const (
	GroupScheduleWorkers = "schedule-workers"
)

// Event name constants
const (
	EventSchedule        = "newsletter.schedule"
	EventScheduleDeleted = "newsletter.schedule.deleted"
)

// Schema version constant
const (
	SchemaVersionV1 = "v1"
)

// Envelope is one decoded stream entry.
type Envelope struct {
	Event string `json:"event"`
	// Trigger is set for EventSchedule.
	Trigger *schedule.Trigger `json:"trigger,omitempty"`
	// UserID is set for EventScheduleDeleted.
	UserID string `json:"user_id,omitempty"`
}

// cancelPayload is the wire shape of a deletion event.
type cancelPayload struct {
	UserID string `json:"user_id"`
}

// encodePayload builds the JSON payload field for an envelope.
func encodePayload(env Envelope) ([]byte, error) {
	switch env.Event {
	case EventSchedule:
		if env.Trigger == nil {
			return nil, fmt.Errorf("schedule event requires a trigger")
		}
		return json.Marshal(env.Trigger)
	case EventScheduleDeleted:
		if env.UserID == "" {
			return nil, fmt.Errorf("deletion event requires a user id")
		}
		return json.Marshal(cancelPayload{UserID: env.UserID})
	default:
		return nil, fmt.Errorf("unknown event name: %s", env.Event)
	}
}

// decodePayload parses an event name and payload back into an envelope.
func decodePayload(event string, payload []byte) (Envelope, error) {
	switch event {
	case EventSchedule:
		var t schedule.Trigger
		if err := json.Unmarshal(payload, &t); err != nil {
			return Envelope{}, fmt.Errorf("failed to unmarshal schedule event: %w", err)
		}
		return Envelope{Event: event, Trigger: &t, UserID: t.UserID}, nil
	case EventScheduleDeleted:
		var c cancelPayload
		if err := json.Unmarshal(payload, &c); err != nil {
			return Envelope{}, fmt.Errorf("failed to unmarshal deletion event: %w", err)
		}
		return Envelope{Event: event, UserID: c.UserID}, nil
	default:
		return Envelope{}, fmt.Errorf("unknown event name: %s", event)
	}
}
