package workers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	application "smarthealth/contexts/scheduling/appointment-service/application"
	"smarthealth/contexts/scheduling/appointment-service/domain/entities"
	domainerrors "smarthealth/contexts/scheduling/appointment-service/domain/errors"
	"smarthealth/contexts/scheduling/appointment-service/ports"
	"smarthealth/internal/shared/events"
	"smarthealth/internal/shared/messages"
)

const defaultDedupTTL = 7 * 24 * time.Hour

const moduleName = "scheduling/appointment-service"

// AvailabilityValidator answers validate-availability commands. It mutates
// nothing, so it publishes its reply directly instead of going through the
// outbox; a redelivered command just produces a duplicate reply the saga
// absorbs.
type AvailabilityValidator struct {
	Appointments ports.AppointmentRepository
	Publisher    ports.EventPublisher
	Registry     *messages.Registry
	Clock        ports.Clock
	IDGenerator  ports.IDGenerator
	Logger       *slog.Logger
}

func (w AvailabilityValidator) Register(ctx context.Context, subscriber ports.EventSubscriber) error {
	return subscriber.Subscribe(ctx, messages.TypeValidateAvailability, "availability-validator", w.Handle)
}

func (w AvailabilityValidator) Handle(ctx context.Context, envelope events.Envelope) error {
	logger := application.ResolveLogger(w.Logger)

	decoded, err := w.Registry.Decode(envelope.EventType, envelope.Data)
	if err != nil {
		logger.Warn("availability command decode failed",
			"event", "availability_decode_failed",
			"module", moduleName,
			"layer", "worker",
			"event_id", envelope.EventID,
			"error", err.Error(),
		)
		return nil
	}
	cmd, ok := decoded.(messages.ValidateAvailability)
	if !ok {
		return nil
	}

	// A slot is taken when it overlaps an appointment the doctor already
	// holds in slot_reserved or confirmed status.
	conflict, err := w.Appointments.HasDoctorConflict(ctx, cmd.DoctorID, cmd.SlotStart, cmd.SlotEnd, cmd.AppointmentID)
	if err != nil {
		return fmt.Errorf("check doctor conflict: %w", err)
	}

	if conflict {
		return w.reply(ctx, cmd.AppointmentID, messages.TypeDoctorUnavailable, messages.DoctorUnavailable{
			AppointmentID: cmd.AppointmentID,
			Reason:        "doctor has a conflicting appointment",
		})
	}
	return w.reply(ctx, cmd.AppointmentID, messages.TypeDoctorAvailable, messages.DoctorAvailable{
		AppointmentID: cmd.AppointmentID,
		DoctorID:      cmd.DoctorID,
	})
}

func (w AvailabilityValidator) reply(ctx context.Context, correlationID, eventType string, payload any) error {
	envelope, err := newEnvelope(ctx, w.IDGenerator, w.Clock, correlationID, eventType, payload)
	if err != nil {
		return err
	}
	return w.Publisher.Publish(ctx, eventType, envelope)
}

// SlotReserver executes the reserve-slot step. The conflict check runs again
// here because another booking may have won the slot between validation and
// reservation; losing that race is a business failure event, not an error.
type SlotReserver struct {
	Appointments ports.AppointmentRepository
	Dedup        ports.EventDedupStore
	Publisher    ports.EventPublisher
	Registry     *messages.Registry
	Clock        ports.Clock
	IDGenerator  ports.IDGenerator
	DedupTTL     time.Duration
	Logger       *slog.Logger
}

func (w SlotReserver) Register(ctx context.Context, subscriber ports.EventSubscriber) error {
	return subscriber.Subscribe(ctx, messages.TypeReserveSlot, "slot-reserver", w.Handle)
}

func (w SlotReserver) Handle(ctx context.Context, envelope events.Envelope) error {
	logger := application.ResolveLogger(w.Logger)

	skip, err := reserveDelivery(ctx, w.Dedup, w.Clock, envelope, w.DedupTTL, logger)
	if skip || err != nil {
		return err
	}
	if err := w.reserve(ctx, envelope, logger); err != nil {
		releaseDelivery(ctx, w.Dedup, envelope, logger)
		return err
	}
	return nil
}

func (w SlotReserver) reserve(ctx context.Context, envelope events.Envelope, logger *slog.Logger) error {
	decoded, err := w.Registry.Decode(envelope.EventType, envelope.Data)
	if err != nil {
		logger.Warn("reserve command decode failed",
			"event", "reserve_decode_failed",
			"module", moduleName,
			"layer", "worker",
			"event_id", envelope.EventID,
			"error", err.Error(),
		)
		return nil
	}
	cmd, ok := decoded.(messages.ReserveSlot)
	if !ok {
		return nil
	}

	conflict, err := w.Appointments.HasDoctorConflict(ctx, cmd.DoctorID, cmd.SlotStart, cmd.SlotEnd, cmd.AppointmentID)
	if err != nil {
		return fmt.Errorf("check doctor conflict: %w", err)
	}
	if conflict {
		envelope, err := newEnvelope(ctx, w.IDGenerator, w.Clock, cmd.AppointmentID,
			messages.TypeSlotReservationFailed, messages.SlotReservationFailed{
				AppointmentID: cmd.AppointmentID,
				Reason:        "slot was taken by a competing booking",
			})
		if err != nil {
			return err
		}
		return w.Publisher.Publish(ctx, messages.TypeSlotReservationFailed, envelope)
	}

	return mutateAppointment(ctx, w.Appointments, w.IDGenerator, w.Clock, cmd.AppointmentID, logger,
		func(a *entities.Appointment, now time.Time) error { return a.ReserveSlot(now) })
}

// Confirmer executes the confirm step.
type Confirmer struct {
	Appointments ports.AppointmentRepository
	Dedup        ports.EventDedupStore
	Registry     *messages.Registry
	Clock        ports.Clock
	IDGenerator  ports.IDGenerator
	DedupTTL     time.Duration
	Logger       *slog.Logger
}

func (w Confirmer) Register(ctx context.Context, subscriber ports.EventSubscriber) error {
	return subscriber.Subscribe(ctx, messages.TypeConfirmAppointment, "appointment-confirmer", w.Handle)
}

func (w Confirmer) Handle(ctx context.Context, envelope events.Envelope) error {
	logger := application.ResolveLogger(w.Logger)

	skip, err := reserveDelivery(ctx, w.Dedup, w.Clock, envelope, w.DedupTTL, logger)
	if skip || err != nil {
		return err
	}
	if err := w.confirm(ctx, envelope, logger); err != nil {
		releaseDelivery(ctx, w.Dedup, envelope, logger)
		return err
	}
	return nil
}

func (w Confirmer) confirm(ctx context.Context, envelope events.Envelope, logger *slog.Logger) error {
	decoded, err := w.Registry.Decode(envelope.EventType, envelope.Data)
	if err != nil {
		logger.Warn("confirm command decode failed",
			"event", "confirm_decode_failed",
			"module", moduleName,
			"layer", "worker",
			"event_id", envelope.EventID,
			"error", err.Error(),
		)
		return nil
	}
	cmd, ok := decoded.(messages.ConfirmAppointment)
	if !ok {
		return nil
	}

	return mutateAppointment(ctx, w.Appointments, w.IDGenerator, w.Clock, cmd.AppointmentID, logger,
		func(a *entities.Appointment, now time.Time) error { return a.Confirm(now) })
}

// Compensator rolls the appointment back after a failed step and reports
// completion so the saga can close out.
type Compensator struct {
	Appointments ports.AppointmentRepository
	Dedup        ports.EventDedupStore
	Registry     *messages.Registry
	Clock        ports.Clock
	IDGenerator  ports.IDGenerator
	DedupTTL     time.Duration
	Logger       *slog.Logger
}

func (w Compensator) Register(ctx context.Context, subscriber ports.EventSubscriber) error {
	return subscriber.Subscribe(ctx, messages.TypeCompensateAppointment, "appointment-compensator", w.Handle)
}

func (w Compensator) Handle(ctx context.Context, envelope events.Envelope) error {
	logger := application.ResolveLogger(w.Logger)

	skip, err := reserveDelivery(ctx, w.Dedup, w.Clock, envelope, w.DedupTTL, logger)
	if skip || err != nil {
		return err
	}
	if err := w.compensate(ctx, envelope, logger); err != nil {
		releaseDelivery(ctx, w.Dedup, envelope, logger)
		return err
	}
	return nil
}

func (w Compensator) compensate(ctx context.Context, envelope events.Envelope, logger *slog.Logger) error {
	decoded, err := w.Registry.Decode(envelope.EventType, envelope.Data)
	if err != nil {
		logger.Warn("compensate command decode failed",
			"event", "compensate_decode_failed",
			"module", moduleName,
			"layer", "worker",
			"event_id", envelope.EventID,
			"error", err.Error(),
		)
		return nil
	}
	cmd, ok := decoded.(messages.CompensateAppointment)
	if !ok {
		return nil
	}

	return mutateAppointment(ctx, w.Appointments, w.IDGenerator, w.Clock, cmd.AppointmentID, logger,
		func(a *entities.Appointment, now time.Time) error {
			a.Fail(cmd.Reason, now)
			return nil
		})
}

// mutateAppointment loads, mutates and saves an appointment together with
// the events the mutation recorded. A status-transition rejection means a
// duplicate slipped past the dedup ledger and is dropped.
func mutateAppointment(
	ctx context.Context,
	repo ports.AppointmentRepository,
	ids ports.IDGenerator,
	clock ports.Clock,
	appointmentID string,
	logger *slog.Logger,
	mutate func(*entities.Appointment, time.Time) error,
) error {
	now := clock.Now().UTC()
	appointment, err := repo.GetAppointment(ctx, appointmentID)
	if err != nil {
		if errors.Is(err, domainerrors.ErrAppointmentNotFound) {
			logger.Warn("appointment for step command not found",
				"event", "step_appointment_not_found",
				"module", moduleName,
				"layer", "worker",
				"appointment_id", appointmentID,
			)
			return nil
		}
		return err
	}

	if err := mutate(appointment, now); err != nil {
		if errors.Is(err, domainerrors.ErrInvalidStatusTransition) {
			logger.Debug("duplicate step command dropped on status guard",
				"event", "step_duplicate_dropped",
				"module", moduleName,
				"layer", "worker",
				"appointment_id", appointmentID,
				"status", string(appointment.Status),
			)
			return nil
		}
		return err
	}

	msgs, err := application.OutboxMessages(ctx, ids, appointment.ID, appointment.PendingEvents(), now)
	if err != nil {
		return err
	}
	if err := repo.UpdateAppointmentWithOutbox(ctx, appointment, msgs); err != nil {
		return err
	}
	appointment.ClearEvents()
	return nil
}

// reserveDelivery claims the event id in the dedup ledger. skip=true means
// this delivery was already processed; a payload-hash conflict is logged
// and also skipped since reprocessing different content under a used id
// can only corrupt state.
func reserveDelivery(
	ctx context.Context,
	dedup ports.EventDedupStore,
	clock ports.Clock,
	envelope events.Envelope,
	ttl time.Duration,
	logger *slog.Logger,
) (bool, error) {
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}
	alreadyProcessed, err := dedup.ReserveEvent(ctx, envelope.EventID, payloadHash(envelope.Data), clock.Now().UTC().Add(ttl))
	if err != nil {
		if errors.Is(err, domainerrors.ErrIdempotencyConflict) {
			logger.Error("event id replayed with different payload",
				"event", "dedup_payload_conflict",
				"module", moduleName,
				"layer", "worker",
				"event_id", envelope.EventID,
				"event_type", envelope.EventType,
			)
			return true, nil
		}
		return false, err
	}
	if alreadyProcessed {
		logger.Debug("duplicate delivery dropped",
			"event", "dedup_duplicate_dropped",
			"module", moduleName,
			"layer", "worker",
			"event_id", envelope.EventID,
			"event_type", envelope.EventType,
		)
		return true, nil
	}
	return false, nil
}

// releaseDelivery returns a fresh reservation after the handler failed, so
// the redelivered event is processed instead of skipped as a duplicate.
// Release errors are logged, not returned: the handler error is the one the
// transport needs to see.
func releaseDelivery(
	ctx context.Context,
	dedup ports.EventDedupStore,
	envelope events.Envelope,
	logger *slog.Logger,
) {
	if err := dedup.ReleaseEvent(ctx, envelope.EventID); err != nil {
		logger.Error("dedup release failed",
			"event", "dedup_release_failed",
			"module", moduleName,
			"layer", "worker",
			"event_id", envelope.EventID,
			"event_type", envelope.EventType,
			"error", err.Error(),
		)
	}
}

func payloadHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func newEnvelope(
	ctx context.Context,
	ids ports.IDGenerator,
	clock ports.Clock,
	correlationID string,
	eventType string,
	payload any,
) (events.Envelope, error) {
	id, err := ids.NewID(ctx)
	if err != nil {
		return events.Envelope{}, err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return events.Envelope{}, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return events.Envelope{
		EventID:       id,
		EventType:     eventType,
		OccurredAt:    clock.Now().UTC(),
		SourceService: "appointment-service",
		CorrelationID: correlationID,
		SchemaVersion: 1,
		Data:          data,
	}, nil
}
