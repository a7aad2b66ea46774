package queries

import (
	"context"
	"log/slog"
	"strings"

	"smarthealth/contexts/scheduling/appointment-service/domain/entities"
	domainerrors "smarthealth/contexts/scheduling/appointment-service/domain/errors"
	"smarthealth/contexts/scheduling/appointment-service/ports"
)

// GetBookingStatusResult combines the appointment with its saga progress so
// callers can see where an in-flight booking currently sits.
type GetBookingStatusResult struct {
	Appointment   entities.Appointment
	SagaState     string
	FailureReason string
}

type GetBookingStatusUseCase struct {
	Appointments ports.AppointmentRepository
	Sagas        ports.SagaRepository
	Logger       *slog.Logger
}

func (uc GetBookingStatusUseCase) Execute(ctx context.Context, appointmentID string) (GetBookingStatusResult, error) {
	id := strings.TrimSpace(appointmentID)
	if id == "" {
		return GetBookingStatusResult{}, domainerrors.ErrAppointmentNotFound
	}
	appointment, err := uc.Appointments.GetAppointment(ctx, id)
	if err != nil {
		return GetBookingStatusResult{}, err
	}
	result := GetBookingStatusResult{Appointment: *appointment}
	instance, found, err := uc.Sagas.GetSaga(ctx, id)
	if err != nil {
		return GetBookingStatusResult{}, err
	}
	if found {
		result.SagaState = instance.CurrentState
		result.FailureReason = instance.FailureReason
	}
	return result, nil
}
