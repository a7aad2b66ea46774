package commands

import (
	"context"
	"log/slog"
	"strings"

	application "smarthealth/contexts/scheduling/appointment-service/application"
	"smarthealth/contexts/scheduling/appointment-service/domain/entities"
	domainerrors "smarthealth/contexts/scheduling/appointment-service/domain/errors"
	"smarthealth/contexts/scheduling/appointment-service/ports"
)

type CancelAppointmentCommand struct {
	AppointmentID string
	Reason        string
}

type CancelAppointmentUseCase struct {
	Appointments ports.AppointmentRepository
	Clock        ports.Clock
	IDGenerator  ports.IDGenerator
	Logger       *slog.Logger
}

func (uc CancelAppointmentUseCase) Execute(ctx context.Context, cmd CancelAppointmentCommand) (entities.Appointment, error) {
	logger := application.ResolveLogger(uc.Logger)
	id := strings.TrimSpace(cmd.AppointmentID)
	if id == "" {
		return entities.Appointment{}, domainerrors.ErrAppointmentNotFound
	}
	now := uc.Clock.Now().UTC()

	appointment, err := uc.Appointments.GetAppointment(ctx, id)
	if err != nil {
		return entities.Appointment{}, err
	}
	if err := appointment.Cancel(strings.TrimSpace(cmd.Reason), now); err != nil {
		return entities.Appointment{}, err
	}

	msgs, err := application.OutboxMessages(ctx, uc.IDGenerator, appointment.ID, appointment.PendingEvents(), now)
	if err != nil {
		return entities.Appointment{}, err
	}
	if err := uc.Appointments.UpdateAppointmentWithOutbox(ctx, appointment, msgs); err != nil {
		return entities.Appointment{}, err
	}
	appointment.ClearEvents()

	logger.Info("appointment cancelled",
		"event", "appointment_cancelled",
		"module", "scheduling/appointment-service",
		"layer", "application",
		"appointment_id", appointment.ID,
	)
	return *appointment, nil
}
