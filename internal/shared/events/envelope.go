package events

import (
	"encoding/json"
	"time"
)

// Envelope is the canonical event shape carried on the bus and stored in
// outbox payloads. CorrelationID ties every message of one booking workflow
// together and must survive every hop.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	OccurredAt    time.Time       `json:"occurred_at"`
	SourceService string          `json:"source_service"`
	CorrelationID string          `json:"correlation_id"`
	SchemaVersion int             `json:"schema_version"`
	Data          json.RawMessage `json:"data"`
}
