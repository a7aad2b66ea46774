package commands

import (
	"context"
	"log/slog"
	"strings"
	"time"

	application "smarthealth/contexts/scheduling/appointment-service/application"
	"smarthealth/contexts/scheduling/appointment-service/domain/entities"
	"smarthealth/contexts/scheduling/appointment-service/ports"
)

type BookAppointmentCommand struct {
	PatientID string
	DoctorID  string
	SlotStart time.Time
	SlotEnd   time.Time
	Reason    string
}

// BookAppointmentUseCase accepts a booking request, persists the requested
// appointment and enqueues the workflow-starting event in one transaction.
// Everything after that runs asynchronously through the outbox publisher.
type BookAppointmentUseCase struct {
	Appointments ports.AppointmentRepository
	Clock        ports.Clock
	IDGenerator  ports.IDGenerator
	Logger       *slog.Logger
}

func (uc BookAppointmentUseCase) Execute(ctx context.Context, cmd BookAppointmentCommand) (entities.Appointment, error) {
	logger := application.ResolveLogger(uc.Logger)
	now := uc.Clock.Now().UTC()

	id, err := uc.IDGenerator.NewID(ctx)
	if err != nil {
		return entities.Appointment{}, err
	}

	appointment, err := entities.Book(
		id,
		strings.TrimSpace(cmd.PatientID),
		strings.TrimSpace(cmd.DoctorID),
		cmd.SlotStart,
		cmd.SlotEnd,
		strings.TrimSpace(cmd.Reason),
		now,
	)
	if err != nil {
		return entities.Appointment{}, err
	}

	msgs, err := application.OutboxMessages(ctx, uc.IDGenerator, appointment.ID, appointment.PendingEvents(), now)
	if err != nil {
		return entities.Appointment{}, err
	}
	if err := uc.Appointments.CreateAppointmentWithOutbox(ctx, &appointment, msgs); err != nil {
		return entities.Appointment{}, err
	}
	appointment.ClearEvents()

	logger.Info("appointment booking accepted",
		"event", "appointment_booking_accepted",
		"module", "scheduling/appointment-service",
		"layer", "application",
		"appointment_id", appointment.ID,
		"doctor_id", appointment.DoctorID,
		"patient_id", appointment.PatientID,
	)
	return appointment, nil
}
