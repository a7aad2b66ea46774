package outbox

import (
	"context"
	"log/slog"
	"time"

	"smarthealth/internal/shared/events"
	"smarthealth/internal/shared/messages"
)

// EventPublisher is the transport half the publisher needs.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, event events.Envelope) error
}

// Clock indirection for deterministic tests.
type Clock interface {
	Now() time.Time
}

// Publisher drains pending outbox rows to the event bus on a polling cycle.
// Delivery is at-least-once: a crash between a successful publish and the
// batch commit redelivers on the next cycle, so every consumer downstream
// must be idempotent. Rows from one correlation id keep creation order;
// nothing is guaranteed across correlation ids.
type Publisher struct {
	Store         Repository
	Bus           EventPublisher
	Registry      *messages.Registry
	Clock         Clock
	Instance      string
	SourceService string
	BatchSize     int
	MaxRetries    int
	ClaimLease    time.Duration
	Logger        *slog.Logger
}

// WaitReady blocks until the outbox store answers a probe, retrying on a
// longer backoff than the polling interval. A database that is still
// migrating must not kill the worker; it only delays the first cycle.
func (p Publisher) WaitReady(ctx context.Context, attempts int, delay time.Duration) error {
	logger := p.logger()
	if attempts <= 0 {
		attempts = 6
	}
	if delay <= 0 {
		delay = 10 * time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := p.Store.PingOutbox(ctx); err == nil {
			logger.Info("outbox store ready",
				"event", "outbox_store_ready",
				"module", "internal/shared/outbox",
				"layer", "worker",
				"attempt", attempt,
			)
			return nil
		} else {
			lastErr = err
			logger.Warn("outbox store not ready",
				"event", "outbox_store_not_ready",
				"module", "internal/shared/outbox",
				"layer", "worker",
				"attempt", attempt,
				"max_attempts", attempts,
				"error", err.Error(),
			)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

// RunOnce executes one polling cycle. Per-row failures are recorded and the
// cycle continues with the next row; only claim/commit errors surface.
func (p Publisher) RunOnce(ctx context.Context) error {
	logger := p.logger()
	batchSize := p.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}
	maxRetries := p.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	lease := p.ClaimLease
	if lease <= 0 {
		lease = 30 * time.Second
	}

	claimed, err := p.Store.ClaimPendingOutbox(ctx, p.Instance, batchSize, lease, maxRetries)
	if err != nil {
		logger.Error("outbox claim failed",
			"event", "outbox_claim_failed",
			"module", "internal/shared/outbox",
			"layer", "worker",
			"error", err.Error(),
		)
		return err
	}
	if len(claimed) == 0 {
		return nil
	}

	result := BatchResult{CompletedAt: p.now()}
	for _, row := range claimed {
		if err := ctx.Err(); err != nil {
			break
		}

		// An unresolvable type will never resolve; retrying is pointless.
		// Marking it processed is the dead-letter-by-skip escape hatch.
		if !p.Registry.Known(row.MessageType) {
			logger.Warn("unknown outbox message type, skipping",
				"event", "outbox_unknown_type_skipped",
				"module", "internal/shared/outbox",
				"layer", "worker",
				"outbox_id", row.ID,
				"message_type", row.MessageType,
			)
			result.ProcessedIDs = append(result.ProcessedIDs, row.ID)
			continue
		}
		if _, err := p.Registry.Decode(row.MessageType, row.Payload); err != nil {
			logger.Warn("malformed outbox payload, skipping",
				"event", "outbox_malformed_payload_skipped",
				"module", "internal/shared/outbox",
				"layer", "worker",
				"outbox_id", row.ID,
				"message_type", row.MessageType,
				"error", err.Error(),
			)
			result.ProcessedIDs = append(result.ProcessedIDs, row.ID)
			continue
		}

		envelope := events.Envelope{
			EventID:       row.ID,
			EventType:     row.MessageType,
			OccurredAt:    row.CreatedAt,
			SourceService: p.SourceService,
			CorrelationID: row.CorrelationID,
			SchemaVersion: 1,
			Data:          row.Payload,
		}
		if err := p.Bus.Publish(ctx, row.MessageType, envelope); err != nil {
			logger.Error("outbox publish failed",
				"event", "outbox_publish_failed",
				"module", "internal/shared/outbox",
				"layer", "worker",
				"outbox_id", row.ID,
				"message_type", row.MessageType,
				"attempt", row.RetryCount+1,
				"max_retries", maxRetries,
				"error", err.Error(),
			)
			result.FailedIDs = append(result.FailedIDs, row.ID)
			if row.RetryCount+1 >= maxRetries {
				logger.Error("outbox message exhausted retries",
					"event", "outbox_dead_lettered",
					"module", "internal/shared/outbox",
					"layer", "worker",
					"outbox_id", row.ID,
					"message_type", row.MessageType,
				)
			}
			continue
		}
		result.ProcessedIDs = append(result.ProcessedIDs, row.ID)
	}

	if err := p.Store.CompleteOutboxBatch(ctx, result); err != nil {
		logger.Error("outbox batch commit failed",
			"event", "outbox_batch_commit_failed",
			"module", "internal/shared/outbox",
			"layer", "worker",
			"processed", len(result.ProcessedIDs),
			"failed", len(result.FailedIDs),
			"error", err.Error(),
		)
		return err
	}

	logger.Info("outbox cycle completed",
		"event", "outbox_cycle_completed",
		"module", "internal/shared/outbox",
		"layer", "worker",
		"published", len(result.ProcessedIDs),
		"failed", len(result.FailedIDs),
	)
	return nil
}

func (p Publisher) now() time.Time {
	if p.Clock != nil {
		return p.Clock.Now().UTC()
	}
	return time.Now().UTC()
}

func (p Publisher) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}
