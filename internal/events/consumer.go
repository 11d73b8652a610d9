package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/inkwell-news/inkwell/internal/schedule"
	"github.com/redis/go-redis/v9"
)

// Scheduler is the slice of the schedule engine the consumer drives.
type Scheduler interface {
	Enqueue(ctx context.Context, t schedule.Trigger) (schedule.Trigger, error)
	Cancel(ctx context.Context, userID string) error
}

// Consumer reads newsletter events from the Redis Stream and translates
// them into schedule engine calls: schedule events enqueue a cycle,
// deletion events cancel one.
type Consumer struct {
	rdb          *redis.Client
	groupName    string
	consumerName string
	logger       *slog.Logger
}

// NewConsumer creates a Consumer and ensures the consumer group exists.
func NewConsumer(redisURL, consumerName string, logger *slog.Logger) (*Consumer, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	// Read timeout must exceed the XReadGroup Block duration (5s)
	// to avoid spurious i/o timeout errors on idle streams.
	opts.ReadTimeout = 10 * time.Second

	client := redis.NewClient(opts)

	// Start ID "0" means read from beginning if group is new
	err = client.XGroupCreateMkStream(context.Background(), StreamNewsletterEvents, GroupScheduleWorkers, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}
	// Ignore BUSYGROUP error - group already exists

	return &Consumer{
		rdb:          client,
		groupName:    GroupScheduleWorkers,
		consumerName: consumerName,
		logger:       logger,
	}, nil
}

// Consume runs a blocking loop reading events and dispatching them to the
// scheduler. Malformed entries are logged and acknowledged so they cannot
// wedge the group; dispatch failures stay in the pending list for retry.
func (c *Consumer) Consume(ctx context.Context, sched Scheduler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.groupName,
			Consumer: c.consumerName,
			Streams:  []string{StreamNewsletterEvents, ">"},
			Count:    10,
			Block:    5 * time.Second,
		}).Result()

		if err == redis.Nil {
			continue
		}
		if err != nil {
			// Blocking reads return a timeout when no messages arrive
			// within the Block duration — this is normal, not an error.
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			c.logger.Error("Failed to read from stream", "error", err)
			continue
		}

		for _, stream := range streams {
			for _, message := range stream.Messages {
				if err := c.dispatch(ctx, sched, message); err != nil {
					c.logger.Error("Event dispatch failed", "error", err, "message_id", message.ID)
					// Message stays in PEL for retry, don't ACK
					continue
				}
				if err := c.rdb.XAck(ctx, StreamNewsletterEvents, c.groupName, message.ID).Err(); err != nil {
					c.logger.Error("Failed to ACK message", "error", err, "message_id", message.ID)
				}
			}
		}
	}
}

func (c *Consumer) dispatch(ctx context.Context, sched Scheduler, message redis.XMessage) error {
	eventName, _ := message.Values["event"].(string)
	payloadStr, ok := message.Values["payload"].(string)
	if !ok {
		// Unreadable entry: acknowledge and move on.
		c.logger.Error("Invalid message payload", "message_id", message.ID)
		return nil
	}

	env, err := decodePayload(eventName, []byte(payloadStr))
	if err != nil {
		c.logger.Error("Undecodable event", "message_id", message.ID, "error", err)
		return nil
	}

	switch env.Event {
	case EventSchedule:
		_, err := sched.Enqueue(ctx, *env.Trigger)
		if errors.Is(err, schedule.ErrAlreadyScheduled) {
			c.logger.Info("Schedule event ignored, cycle already live", "user_id", env.Trigger.UserID)
			return nil
		}
		return err
	case EventScheduleDeleted:
		return sched.Cancel(ctx, env.UserID)
	}
	return nil
}

// Close closes the Redis client connection.
func (c *Consumer) Close() error {
	return c.rdb.Close()
}

// Start runs the consumer in a background goroutine and returns a stop
// function.
func Start(redisURL, consumerName string, logger *slog.Logger, sched Scheduler) (stop func(), err error) {
	consumer, err := NewConsumer(redisURL, consumerName, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create event consumer: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		if err := consumer.Consume(ctx, sched); err != nil {
			if !errors.Is(err, context.Canceled) {
				logger.Error("Event consumer stopped with error", "error", err)
			}
		}
	}()

	logger.Info("Event consumer started")

	return func() {
		cancel()
		consumer.Close()
	}, nil
}
