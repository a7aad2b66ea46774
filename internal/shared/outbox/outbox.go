// Package outbox holds the transactional outbox contract shared by every
// bounded context, plus the background publisher that drains pending rows
// to the event bus.
package outbox

import (
	"context"
	"time"
)

// Message is an outbox row persisted inside the same DB transaction as the
// state change it announces. Only repository save methods append rows; only
// the publisher mutates them afterwards.
type Message struct {
	ID            string
	MessageType   string
	Payload       []byte
	CorrelationID string
	CreatedAt     time.Time
	ProcessedAt   *time.Time
	RetryCount    int
	ClaimedBy     string
	ClaimedAt     *time.Time
}

// Pending reports whether the row still awaits delivery.
func (m Message) Pending() bool {
	return m.ProcessedAt == nil
}

// BatchResult carries every row outcome of one publisher cycle. The
// repository commits all of it in a single transaction.
type BatchResult struct {
	ProcessedIDs []string
	FailedIDs    []string
	CompletedAt  time.Time
}

// Repository is the persistence contract the publisher runs against.
type Repository interface {
	// PingOutbox probes connectivity and outbox table presence. Used by the
	// publisher's startup wait, where the schema may not be migrated yet.
	PingOutbox(ctx context.Context) error

	// ClaimPendingOutbox selects up to limit pending rows (unprocessed,
	// retries below maxRetries, unclaimed or with an expired claim lease)
	// oldest first, and stamps them with the claimant in one conditional
	// update so competing publisher instances never double-publish a row.
	ClaimPendingOutbox(
		ctx context.Context,
		claimant string,
		limit int,
		lease time.Duration,
		maxRetries int,
	) ([]Message, error)

	// CompleteOutboxBatch commits the cycle's outcomes: processed rows get
	// their processed timestamp, failed rows get the retry counter bumped
	// and the claim released.
	CompleteOutboxBatch(ctx context.Context, result BatchResult) error
}
