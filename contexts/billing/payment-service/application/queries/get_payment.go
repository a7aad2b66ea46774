package queries

import (
	"context"
	"log/slog"
	"strings"

	"smarthealth/contexts/billing/payment-service/domain/entities"
	domainerrors "smarthealth/contexts/billing/payment-service/domain/errors"
	"smarthealth/contexts/billing/payment-service/ports"
)

type GetPaymentUseCase struct {
	Payments ports.PaymentRepository
	Logger   *slog.Logger
}

func (uc GetPaymentUseCase) Execute(ctx context.Context, appointmentID string) (entities.Payment, error) {
	id := strings.TrimSpace(appointmentID)
	if id == "" {
		return entities.Payment{}, domainerrors.ErrPaymentNotFound
	}
	return uc.Payments.GetPaymentByAppointment(ctx, id)
}
