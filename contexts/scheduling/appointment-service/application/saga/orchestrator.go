package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	application "smarthealth/contexts/scheduling/appointment-service/application"
	domainerrors "smarthealth/contexts/scheduling/appointment-service/domain/errors"
	"smarthealth/contexts/scheduling/appointment-service/ports"
	"smarthealth/internal/shared/events"
	"smarthealth/internal/shared/messages"
	"smarthealth/internal/shared/outbox"
)

const saveAttempts = 3

// InputTopics are the bus topics that advance the coordination state.
var InputTopics = []string{
	messages.TypeAppointmentRequested,
	messages.TypeDoctorAvailable,
	messages.TypeDoctorUnavailable,
	messages.TypeSlotReserved,
	messages.TypeSlotReservationFailed,
	messages.TypeAppointmentConfirmed,
	messages.TypeAppointmentCompensated,
}

// Orchestrator drives one saga instance per appointment through the
// transition table, persisting every step together with the messages it
// emits. It holds no state of its own, so any number of instances can run
// against the same store; the version CAS arbitrates between them.
type Orchestrator struct {
	Sagas       ports.SagaRepository
	Registry    *messages.Registry
	Clock       ports.Clock
	IDGenerator ports.IDGenerator
	Logger      *slog.Logger
}

// Register subscribes the orchestrator to every input topic.
func (o Orchestrator) Register(ctx context.Context, subscriber ports.EventSubscriber) error {
	for _, topic := range InputTopics {
		if err := subscriber.Subscribe(ctx, topic, "saga-orchestrator", o.Handle); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	return nil
}

// Handle processes one delivered event. A nil return acknowledges the
// message; duplicates and protocol violations are acknowledged too, since
// redelivering them can never change the outcome.
func (o Orchestrator) Handle(ctx context.Context, envelope events.Envelope) error {
	logger := application.ResolveLogger(o.Logger)

	msg, err := o.Registry.Decode(envelope.EventType, envelope.Data)
	if err != nil {
		logger.Warn("saga event decode failed",
			"event", "saga_event_decode_failed",
			"module", "scheduling/appointment-service",
			"layer", "application",
			"event_id", envelope.EventID,
			"event_type", envelope.EventType,
			"error", err.Error(),
		)
		return nil
	}

	correlationID := envelope.CorrelationID
	if correlationID == "" {
		logger.Warn("saga event missing correlation id",
			"event", "saga_event_no_correlation",
			"module", "scheduling/appointment-service",
			"layer", "application",
			"event_id", envelope.EventID,
			"event_type", envelope.EventType,
		)
		return nil
	}

	for attempt := 1; attempt <= saveAttempts; attempt++ {
		done, err := o.step(ctx, correlationID, envelope.EventType, msg, logger)
		if done || err == nil {
			return err
		}
		if !errors.Is(err, domainerrors.ErrSagaVersionConflict) {
			return err
		}
		logger.Debug("saga version conflict, reapplying",
			"event", "saga_version_conflict",
			"module", "scheduling/appointment-service",
			"layer", "application",
			"correlation_id", correlationID,
			"event_type", envelope.EventType,
			"attempt", attempt,
		)
	}
	// Give up on the in-process retries and let the transport redeliver.
	return fmt.Errorf("saga %s: %w", correlationID, domainerrors.ErrSagaVersionConflict)
}

// step runs one load-apply-save round. done=true means the event is fully
// handled (including the dropped and absorbed cases); done=false with a
// version conflict asks the caller to retry.
func (o Orchestrator) step(
	ctx context.Context,
	correlationID string,
	eventType string,
	msg any,
	logger *slog.Logger,
) (bool, error) {
	instance, found, err := o.Sagas.GetSaga(ctx, correlationID)
	if err != nil {
		return false, err
	}
	if !found {
		if eventType != messages.TypeAppointmentRequested {
			// Late or stray event for a booking this store never saw.
			logger.Debug("saga event for unknown correlation id dropped",
				"event", "saga_unknown_correlation_dropped",
				"module", "scheduling/appointment-service",
				"layer", "application",
				"correlation_id", correlationID,
				"event_type", eventType,
			)
			return true, nil
		}
		instance = ports.SagaInstance{CreatedAt: o.Clock.Now().UTC()}
	}

	expectedVersion := instance.Version
	drafts, changed, err := Apply(&instance, eventType, msg, o.Clock.Now())
	if err != nil {
		if errors.Is(err, domainerrors.ErrUnexpectedSagaEvent) {
			logger.Warn("unexpected saga event ignored",
				"event", "saga_unexpected_event",
				"module", "scheduling/appointment-service",
				"layer", "application",
				"correlation_id", correlationID,
				"event_type", eventType,
				"state", instance.CurrentState,
			)
			return true, nil
		}
		return false, err
	}
	if !changed {
		return true, nil
	}

	msgs, err := o.draftMessages(ctx, correlationID, drafts)
	if err != nil {
		return false, err
	}
	if err := o.Sagas.SaveSagaWithOutbox(ctx, instance, expectedVersion, msgs); err != nil {
		return false, err
	}

	logger.Info("saga advanced",
		"event", "saga_advanced",
		"module", "scheduling/appointment-service",
		"layer", "application",
		"correlation_id", correlationID,
		"event_type", eventType,
		"state", instance.CurrentState,
		"version", expectedVersion+1,
	)
	return true, nil
}

func (o Orchestrator) draftMessages(ctx context.Context, correlationID string, drafts []Draft) ([]outbox.Message, error) {
	now := o.Clock.Now().UTC()
	msgs := make([]outbox.Message, 0, len(drafts))
	for _, draft := range drafts {
		id, err := o.IDGenerator.NewID(ctx)
		if err != nil {
			return nil, err
		}
		payload, err := json.Marshal(draft.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", draft.MessageType, err)
		}
		msgs = append(msgs, outbox.Message{
			ID:            id,
			MessageType:   draft.MessageType,
			Payload:       payload,
			CorrelationID: correlationID,
			CreatedAt:     now,
		})
	}
	return msgs, nil
}
