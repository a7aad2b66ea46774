package workers

import (
	"context"
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
	"smarthealth/internal/shared/outbox"
)

// Choreography wires the booking workflow as a chain of event reactions
// with no central coordination record. Each consumer reacts to the previous
// step's event and emits the next one through the same outbox and dedup
// machinery the orchestrated mode uses.
type Choreography struct {
	Appointments ports.AppointmentRepository
	Dedup        ports.EventDedupStore
	Publisher    ports.EventPublisher
	Registry     *messages.Registry
	Clock        ports.Clock
	IDGenerator  ports.IDGenerator
	DedupTTL     time.Duration
	Logger       *slog.Logger
}

func (c Choreography) Register(ctx context.Context, subscriber ports.EventSubscriber) error {
	subscriptions := []struct {
		topic   string
		handler ports.EventHandler
	}{
		{messages.TypeAppointmentRequested, c.HandleRequested},
		{messages.TypeDoctorAvailable, c.HandleDoctorAvailable},
		{messages.TypeSlotReserved, c.HandleSlotReserved},
		{messages.TypeDoctorUnavailable, c.HandleFailure},
		{messages.TypeSlotReservationFailed, c.HandleFailure},
	}
	for _, sub := range subscriptions {
		if err := subscriber.Subscribe(ctx, sub.topic, "booking-choreography", sub.handler); err != nil {
			return fmt.Errorf("subscribe %s: %w", sub.topic, err)
		}
	}
	return nil
}

// HandleRequested runs the availability check and publishes the outcome.
// Read-only, so no dedup claim: duplicate replies are harmless.
func (c Choreography) HandleRequested(ctx context.Context, envelope events.Envelope) error {
	logger := application.ResolveLogger(c.Logger)

	decoded, err := c.Registry.Decode(envelope.EventType, envelope.Data)
	if err != nil {
		logger.Warn("requested event decode failed",
			"event", "choreography_decode_failed",
			"module", moduleName,
			"layer", "worker",
			"event_id", envelope.EventID,
			"error", err.Error(),
		)
		return nil
	}
	req, ok := decoded.(messages.AppointmentRequested)
	if !ok {
		return nil
	}

	conflict, err := c.Appointments.HasDoctorConflict(ctx, req.DoctorID, req.SlotStart, req.SlotEnd, req.AppointmentID)
	if err != nil {
		return fmt.Errorf("check doctor conflict: %w", err)
	}
	if conflict {
		return c.publishReply(ctx, req.AppointmentID, messages.TypeDoctorUnavailable, messages.DoctorUnavailable{
			AppointmentID: req.AppointmentID,
			Reason:        "doctor has a conflicting appointment",
		})
	}
	return c.publishReply(ctx, req.AppointmentID, messages.TypeDoctorAvailable, messages.DoctorAvailable{
		AppointmentID: req.AppointmentID,
		DoctorID:      req.DoctorID,
	})
}

// HandleDoctorAvailable reserves the slot; the aggregate save enqueues the
// slot-reserved event for the next link in the chain.
func (c Choreography) HandleDoctorAvailable(ctx context.Context, envelope events.Envelope) error {
	logger := application.ResolveLogger(c.Logger)

	skip, err := reserveDelivery(ctx, c.Dedup, c.Clock, envelope, c.DedupTTL, logger)
	if skip || err != nil {
		return err
	}
	if err := c.reserveStep(ctx, envelope, logger); err != nil {
		releaseDelivery(ctx, c.Dedup, envelope, logger)
		return err
	}
	return nil
}

func (c Choreography) reserveStep(ctx context.Context, envelope events.Envelope, logger *slog.Logger) error {
	decoded, err := c.Registry.Decode(envelope.EventType, envelope.Data)
	if err != nil {
		return nil
	}
	confirmed, ok := decoded.(messages.DoctorAvailable)
	if !ok {
		return nil
	}

	return c.mutate(ctx, confirmed.AppointmentID, logger, nil,
		func(a *entities.Appointment, now time.Time) error { return a.ReserveSlot(now) })
}

// HandleSlotReserved confirms the appointment and closes the workflow with
// the booking-completed integration event in the same transaction.
func (c Choreography) HandleSlotReserved(ctx context.Context, envelope events.Envelope) error {
	logger := application.ResolveLogger(c.Logger)

	skip, err := reserveDelivery(ctx, c.Dedup, c.Clock, envelope, c.DedupTTL, logger)
	if skip || err != nil {
		return err
	}
	if err := c.confirmStep(ctx, envelope, logger); err != nil {
		releaseDelivery(ctx, c.Dedup, envelope, logger)
		return err
	}
	return nil
}

func (c Choreography) confirmStep(ctx context.Context, envelope events.Envelope, logger *slog.Logger) error {
	decoded, err := c.Registry.Decode(envelope.EventType, envelope.Data)
	if err != nil {
		return nil
	}
	reserved, ok := decoded.(messages.SlotReserved)
	if !ok {
		return nil
	}

	return c.mutate(ctx, reserved.AppointmentID, logger,
		func(a *entities.Appointment) (string, any) {
			return messages.TypeBookingCompleted, messages.BookingCompleted{
				AppointmentID: a.ID,
				DoctorID:      a.DoctorID,
				PatientID:     a.PatientID,
			}
		},
		func(a *entities.Appointment, now time.Time) error { return a.Confirm(now) })
}

// HandleFailure compensates the booking after a denial or reservation
// failure and emits the booking-failed integration event.
func (c Choreography) HandleFailure(ctx context.Context, envelope events.Envelope) error {
	logger := application.ResolveLogger(c.Logger)

	skip, err := reserveDelivery(ctx, c.Dedup, c.Clock, envelope, c.DedupTTL, logger)
	if skip || err != nil {
		return err
	}
	if err := c.failStep(ctx, envelope, logger); err != nil {
		releaseDelivery(ctx, c.Dedup, envelope, logger)
		return err
	}
	return nil
}

func (c Choreography) failStep(ctx context.Context, envelope events.Envelope, logger *slog.Logger) error {
	decoded, err := c.Registry.Decode(envelope.EventType, envelope.Data)
	if err != nil {
		return nil
	}

	var appointmentID, reason string
	switch failure := decoded.(type) {
	case messages.DoctorUnavailable:
		appointmentID, reason = failure.AppointmentID, failure.Reason
	case messages.SlotReservationFailed:
		appointmentID, reason = failure.AppointmentID, failure.Reason
	default:
		return nil
	}

	return c.mutate(ctx, appointmentID, logger,
		func(a *entities.Appointment) (string, any) {
			return messages.TypeBookingFailed, messages.BookingFailed{
				AppointmentID: a.ID,
				Reason:        reason,
			}
		},
		func(a *entities.Appointment, now time.Time) error {
			a.Fail(reason, now)
			return nil
		})
}

func (c Choreography) publishReply(ctx context.Context, correlationID, eventType string, payload any) error {
	envelope, err := newEnvelope(ctx, c.IDGenerator, c.Clock, correlationID, eventType, payload)
	if err != nil {
		return err
	}
	return c.Publisher.Publish(ctx, eventType, envelope)
}

// mutate loads the appointment, applies the step and saves it with its
// recorded events, optionally appending one integration event to the same
// outbox batch.
func (c Choreography) mutate(
	ctx context.Context,
	appointmentID string,
	logger *slog.Logger,
	integration func(*entities.Appointment) (string, any),
	step func(*entities.Appointment, time.Time) error,
) error {
	now := c.Clock.Now().UTC()
	appointment, err := c.Appointments.GetAppointment(ctx, appointmentID)
	if err != nil {
		if errors.Is(err, domainerrors.ErrAppointmentNotFound) {
			logger.Warn("appointment for chained event not found",
				"event", "choreography_appointment_not_found",
				"module", moduleName,
				"layer", "worker",
				"appointment_id", appointmentID,
			)
			return nil
		}
		return err
	}

	if err := step(appointment, now); err != nil {
		if errors.Is(err, domainerrors.ErrInvalidStatusTransition) {
			logger.Debug("duplicate chained event dropped on status guard",
				"event", "choreography_duplicate_dropped",
				"module", moduleName,
				"layer", "worker",
				"appointment_id", appointmentID,
				"status", string(appointment.Status),
			)
			return nil
		}
		return err
	}

	msgs, err := application.OutboxMessages(ctx, c.IDGenerator, appointmentID, appointment.PendingEvents(), now)
	if err != nil {
		return err
	}
	if integration != nil {
		messageType, payload := integration(appointment)
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", messageType, err)
		}
		id, err := c.IDGenerator.NewID(ctx)
		if err != nil {
			return err
		}
		msgs = append(msgs, outbox.Message{
			ID:            id,
			MessageType:   messageType,
			Payload:       raw,
			CorrelationID: appointmentID,
			CreatedAt:     now,
		})
	}
	if err := c.Appointments.UpdateAppointmentWithOutbox(ctx, appointment, msgs); err != nil {
		return err
	}
	appointment.ClearEvents()
	return nil
}
