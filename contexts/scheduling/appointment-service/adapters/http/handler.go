package httpadapter

import (
	"context"
	"log/slog"

	application "smarthealth/contexts/scheduling/appointment-service/application"
	"smarthealth/contexts/scheduling/appointment-service/application/commands"
	"smarthealth/contexts/scheduling/appointment-service/application/queries"
	"smarthealth/contexts/scheduling/appointment-service/domain/entities"
	httptransport "smarthealth/contexts/scheduling/appointment-service/transport/http"
)

// Handler maps HTTP DTOs to application commands/queries.
type Handler struct {
	Book      commands.BookAppointmentUseCase
	Cancel    commands.CancelAppointmentUseCase
	GetStatus queries.GetBookingStatusUseCase
	Logger    *slog.Logger
}

// BookAppointmentHandler accepts a booking request. The response carries the
// requested status; completion is observable through the status endpoint.
func (h Handler) BookAppointmentHandler(
	ctx context.Context,
	request httptransport.BookAppointmentRequest,
) (httptransport.AppointmentResponse, error) {
	logger := application.ResolveLogger(h.Logger)
	logger.Info("http booking request received",
		"event", "booking_http_request_received",
		"module", "scheduling/appointment-service",
		"layer", "transport",
		"doctor_id", request.DoctorID,
		"patient_id", request.PatientID,
	)

	appointment, err := h.Book.Execute(ctx, commands.BookAppointmentCommand{
		PatientID: request.PatientID,
		DoctorID:  request.DoctorID,
		SlotStart: request.SlotStart,
		SlotEnd:   request.SlotEnd,
		Reason:    request.Reason,
	})
	if err != nil {
		return httptransport.AppointmentResponse{}, err
	}
	return toAppointmentResponse(appointment, ""), nil
}

func (h Handler) GetAppointmentHandler(ctx context.Context, appointmentID string) (httptransport.AppointmentResponse, error) {
	result, err := h.GetStatus.Execute(ctx, appointmentID)
	if err != nil {
		return httptransport.AppointmentResponse{}, err
	}
	return toAppointmentResponse(result.Appointment, result.SagaState), nil
}

func (h Handler) CancelAppointmentHandler(
	ctx context.Context,
	appointmentID string,
	request httptransport.CancelAppointmentRequest,
) (httptransport.AppointmentResponse, error) {
	logger := application.ResolveLogger(h.Logger)
	logger.Info("http cancel request received",
		"event", "booking_http_cancel_received",
		"module", "scheduling/appointment-service",
		"layer", "transport",
		"appointment_id", appointmentID,
	)

	appointment, err := h.Cancel.Execute(ctx, commands.CancelAppointmentCommand{
		AppointmentID: appointmentID,
		Reason:        request.Reason,
	})
	if err != nil {
		return httptransport.AppointmentResponse{}, err
	}
	return toAppointmentResponse(appointment, ""), nil
}

func toAppointmentResponse(appointment entities.Appointment, sagaState string) httptransport.AppointmentResponse {
	return httptransport.AppointmentResponse{
		AppointmentID: appointment.ID,
		PatientID:     appointment.PatientID,
		DoctorID:      appointment.DoctorID,
		SlotStart:     appointment.SlotStart,
		SlotEnd:       appointment.SlotEnd,
		Status:        string(appointment.Status),
		Reason:        appointment.Reason,
		FailureReason: appointment.FailureReason,
		SagaState:     sagaState,
		CreatedAt:     appointment.CreatedAt,
		UpdatedAt:     appointment.UpdatedAt,
	}
}
