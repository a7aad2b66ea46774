package gateway

import (
	"context"
	"fmt"
	"strings"

	"smarthealth/contexts/billing/payment-service/domain/entities"
	domainerrors "smarthealth/contexts/billing/payment-service/domain/errors"
)

// Simulated is a deterministic stand-in for the real payment processor.
// Appointment ids carrying the "decline" marker are declined, which gives
// tests and local runs a way to exercise the failure path.
type Simulated struct{}

func (Simulated) Charge(_ context.Context, payment entities.Payment) (string, error) {
	if strings.Contains(payment.AppointmentID, "decline") {
		return "", fmt.Errorf("%w: insufficient funds", domainerrors.ErrGatewayDeclined)
	}
	return "txn-" + payment.ID, nil
}
