package application

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"smarthealth/internal/shared/outbox"

	"smarthealth/contexts/scheduling/appointment-service/domain/entities"
	"smarthealth/contexts/scheduling/appointment-service/ports"
)

// OutboxMessages converts the events an aggregate recorded into outbox rows
// keyed by the appointment id so the publisher can correlate them.
func OutboxMessages(
	ctx context.Context,
	ids ports.IDGenerator,
	correlationID string,
	recorded []entities.RecordedEvent,
	now time.Time,
) ([]outbox.Message, error) {
	msgs := make([]outbox.Message, 0, len(recorded))
	for _, event := range recorded {
		payload, err := json.Marshal(event.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", event.MessageType, err)
		}
		id, err := ids.NewID(ctx)
		if err != nil {
			return nil, fmt.Errorf("outbox id: %w", err)
		}
		msgs = append(msgs, outbox.Message{
			ID:            id,
			MessageType:   event.MessageType,
			Payload:       payload,
			CorrelationID: correlationID,
			CreatedAt:     now.UTC(),
		})
	}
	return msgs, nil
}
