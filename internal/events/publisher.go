package events

import (
	"context"
	"fmt"
	"time"

	"github.com/inkwell-news/inkwell/internal/schedule"
	"github.com/redis/go-redis/v9"
)

// Publisher publishes newsletter events to the Redis Stream.
type Publisher struct {
	rdb *redis.Client
}

// NewPublisher creates a new Publisher instance.
func NewPublisher(redisURL string) (*Publisher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	return &Publisher{rdb: redis.NewClient(opts)}, nil
}

// PublishSchedule emits a newsletter.schedule event. The schedule engine
// calls this when a completed cycle emits its successor trigger, so
// downstream consumers see the same self-reschedule the queue does.
func (p *Publisher) PublishSchedule(ctx context.Context, t schedule.Trigger) error {
	return p.publish(ctx, Envelope{Event: EventSchedule, Trigger: &t})
}

// PublishScheduleDeleted emits a newsletter.schedule.deleted event.
func (p *Publisher) PublishScheduleDeleted(ctx context.Context, userID string) error {
	return p.publish(ctx, Envelope{Event: EventScheduleDeleted, UserID: userID})
}

func (p *Publisher) publish(ctx context.Context, env Envelope) error {
	payload, err := encodePayload(env)
	if err != nil {
		return err
	}

	result := p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamNewsletterEvents,
		MaxLen: 10000,
		Approx: true,
		ID:     "*", // auto-generate ID
		Values: map[string]interface{}{
			"event":          env.Event,
			"payload":        string(payload),
			"published_at":   time.Now().Unix(),
			"schema_version": SchemaVersionV1,
		},
	})
	if result.Err() != nil {
		return fmt.Errorf("failed to publish to stream: %w", result.Err())
	}
	return nil
}

// Close closes the Redis client connection.
func (p *Publisher) Close() error {
	return p.rdb.Close()
}
