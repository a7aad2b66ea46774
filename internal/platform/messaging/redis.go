package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/rueidis"

	"smarthealth/internal/shared/events"
)

const (
	redisBlockMillis  = 1000
	redisReadCount    = 16
	redisRetryDelay   = time.Second
	redisClaimMinIdle = time.Minute
	redisClaimEvery   = 30 * time.Second
)

// RedisBus is the Redis Streams event bus adapter. Each topic maps to one
// stream; subscribers join a consumer group so multiple worker instances
// compete for messages. Unacknowledged entries stay on the group's pending
// list; a periodic XAUTOCLAIM sweep takes them over once their idle time
// passes redisClaimMinIdle, which is what recovers from a failed handler or
// an abrupt process termination even though consumer names change between
// boots.
type RedisBus struct {
	client   rueidis.Client
	consumer string
	logger   *slog.Logger
}

func NewRedisBus(addr string, consumerName string, logger *slog.Logger) (*RedisBus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress: []string{addr},
	})
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisBus{
		client:   client,
		consumer: consumerName,
		logger:   logger,
	}, nil
}

func (r *RedisBus) Close() {
	r.client.Close()
}

func (r *RedisBus) Publish(ctx context.Context, topic string, event events.Envelope) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	cmd := r.client.B().Xadd().Key(streamKey(topic)).Id("*").
		FieldValue().
		FieldValue("event_type", event.EventType).
		FieldValue("correlation_id", event.CorrelationID).
		FieldValue("envelope", string(payload)).
		Build()
	if err := r.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("xadd %s: %w", topic, err)
	}

	r.logger.Info("event published",
		"event", "redis_publish",
		"module", "internal/platform/messaging",
		"layer", "platform",
		"topic", topic,
		"event_id", event.EventID,
		"event_type", event.EventType,
		"correlation_id", event.CorrelationID,
	)
	return nil
}

func (r *RedisBus) Subscribe(
	ctx context.Context,
	topic string,
	consumerGroup string,
	handler func(context.Context, events.Envelope) error,
) error {
	key := streamKey(topic)

	createCmd := r.client.B().XgroupCreate().Key(key).Group(consumerGroup).Id("0").Mkstream().Build()
	if err := r.client.Do(ctx, createCmd).Error(); err != nil {
		// BUSYGROUP means the group already exists, which is fine.
		r.logger.Debug("consumer group create result",
			"event", "redis_group_create",
			"module", "internal/platform/messaging",
			"layer", "platform",
			"topic", topic,
			"consumer_group", consumerGroup,
			"result", err.Error(),
		)
	}

	go r.consumeLoop(ctx, key, topic, consumerGroup, handler)
	return nil
}

func (r *RedisBus) consumeLoop(
	ctx context.Context,
	key string,
	topic string,
	consumerGroup string,
	handler func(context.Context, events.Envelope) error,
) {
	nextClaim := time.Now().Add(redisClaimEvery)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if time.Now().After(nextClaim) {
			r.claimPending(ctx, key, topic, consumerGroup, handler)
			nextClaim = time.Now().Add(redisClaimEvery)
		}

		readCmd := r.client.B().Xreadgroup().Group(consumerGroup, r.consumer).
			Count(redisReadCount).
			Block(redisBlockMillis).
			Streams().
			Key(key).
			Id(">").
			Build()

		result := r.client.Do(ctx, readCmd)
		if err := result.Error(); err != nil {
			if rueidis.IsRedisNil(err) {
				continue // block timeout, nothing pending
			}
			if ctx.Err() != nil {
				return
			}
			r.logger.Error("stream read failed",
				"event", "redis_read_failed",
				"module", "internal/platform/messaging",
				"layer", "platform",
				"topic", topic,
				"error", err.Error(),
			)
			time.Sleep(redisRetryDelay)
			continue
		}

		streams, err := result.AsXRead()
		if err != nil {
			r.logger.Error("stream decode failed",
				"event", "redis_read_decode_failed",
				"module", "internal/platform/messaging",
				"layer", "platform",
				"topic", topic,
				"error", err.Error(),
			)
			continue
		}

		for _, entries := range streams {
			for _, entry := range entries {
				r.handleEntry(ctx, key, topic, consumerGroup, entry, handler)
			}
		}
	}
}

// claimPending takes over entries that another consumer read but never
// acknowledged, whether its handler failed or its process died. Consumer
// names are fresh per boot, so without this sweep an entry parked on a dead
// consumer would never be delivered again.
func (r *RedisBus) claimPending(
	ctx context.Context,
	key string,
	topic string,
	consumerGroup string,
	handler func(context.Context, events.Envelope) error,
) {
	start := "0-0"
	for {
		claimCmd := r.client.B().Xautoclaim().Key(key).Group(consumerGroup).Consumer(r.consumer).
			MinIdleTime(strconv.FormatInt(redisClaimMinIdle.Milliseconds(), 10)).
			Start(start).
			Count(redisReadCount).
			Build()

		reply, err := r.client.Do(ctx, claimCmd).ToArray()
		if err != nil {
			if ctx.Err() == nil {
				r.logger.Error("pending claim failed",
					"event", "redis_claim_failed",
					"module", "internal/platform/messaging",
					"layer", "platform",
					"topic", topic,
					"consumer_group", consumerGroup,
					"error", err.Error(),
				)
			}
			return
		}
		if len(reply) < 2 {
			return
		}
		cursor, err := reply[0].ToString()
		if err != nil {
			return
		}
		entries, err := reply[1].AsXRange()
		if err != nil {
			r.logger.Error("pending claim decode failed",
				"event", "redis_claim_decode_failed",
				"module", "internal/platform/messaging",
				"layer", "platform",
				"topic", topic,
				"error", err.Error(),
			)
			return
		}

		for _, entry := range entries {
			r.handleEntry(ctx, key, topic, consumerGroup, entry, handler)
		}

		if cursor == "0-0" || len(entries) == 0 {
			return
		}
		start = cursor
	}
}

func (r *RedisBus) handleEntry(
	ctx context.Context,
	key string,
	topic string,
	consumerGroup string,
	entry rueidis.XRangeEntry,
	handler func(context.Context, events.Envelope) error,
) {
	raw, ok := entry.FieldValues["envelope"]
	if !ok {
		// Malformed entries are acked away so they never block the group.
		r.logger.Warn("stream entry missing envelope field",
			"event", "redis_entry_malformed",
			"module", "internal/platform/messaging",
			"layer", "platform",
			"topic", topic,
			"entry_id", entry.ID,
		)
		r.ack(ctx, key, consumerGroup, entry.ID)
		return
	}

	var envelope events.Envelope
	if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
		r.logger.Warn("stream entry envelope decode failed",
			"event", "redis_entry_decode_failed",
			"module", "internal/platform/messaging",
			"layer", "platform",
			"topic", topic,
			"entry_id", entry.ID,
			"error", err.Error(),
		)
		r.ack(ctx, key, consumerGroup, entry.ID)
		return
	}

	if err := handler(ctx, envelope); err != nil {
		// No ack: the entry stays pending and is redelivered.
		r.logger.Error("consumer handler failed",
			"event", "redis_consume_failed",
			"module", "internal/platform/messaging",
			"layer", "platform",
			"topic", topic,
			"consumer_group", consumerGroup,
			"entry_id", entry.ID,
			"event_id", envelope.EventID,
			"error", err.Error(),
		)
		return
	}
	r.ack(ctx, key, consumerGroup, entry.ID)
}

func (r *RedisBus) ack(ctx context.Context, key, consumerGroup, entryID string) {
	ackCmd := r.client.B().Xack().Key(key).Group(consumerGroup).Id(entryID).Build()
	if err := r.client.Do(ctx, ackCmd).Error(); err != nil {
		r.logger.Error("stream ack failed",
			"event", "redis_ack_failed",
			"module", "internal/platform/messaging",
			"layer", "platform",
			"entry_id", entryID,
			"error", err.Error(),
		)
	}
}

func streamKey(topic string) string {
	return "smarthealth:" + topic
}
