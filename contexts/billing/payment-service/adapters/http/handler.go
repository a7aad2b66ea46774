package httpadapter

import (
	"context"
	"log/slog"

	"smarthealth/contexts/billing/payment-service/application/queries"
	httptransport "smarthealth/contexts/billing/payment-service/transport/http"
)

// Handler maps HTTP DTOs to application queries.
type Handler struct {
	GetPayment queries.GetPaymentUseCase
	Logger     *slog.Logger
}

func (h Handler) GetPaymentHandler(ctx context.Context, appointmentID string) (httptransport.PaymentResponse, error) {
	payment, err := h.GetPayment.Execute(ctx, appointmentID)
	if err != nil {
		return httptransport.PaymentResponse{}, err
	}
	return httptransport.PaymentResponse{
		PaymentID:     payment.ID,
		AppointmentID: payment.AppointmentID,
		PatientID:     payment.PatientID,
		AmountCents:   payment.AmountCents,
		Currency:      payment.Currency,
		Status:        string(payment.Status),
		TransactionID: payment.TransactionID,
		FailureReason: payment.FailureReason,
		CreatedAt:     payment.CreatedAt,
		UpdatedAt:     payment.UpdatedAt,
	}, nil
}
