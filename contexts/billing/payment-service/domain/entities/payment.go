package entities

import (
	"strings"
	"time"

	domainerrors "smarthealth/contexts/billing/payment-service/domain/errors"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

// Payment charges one appointment exactly once. The appointment id is a
// natural unique key; inserting a second payment for it must fail at the
// store, which is what makes redelivered slot-reserved events harmless.
type Payment struct {
	ID            string
	AppointmentID string
	PatientID     string
	AmountCents   int64
	Currency      string
	Status        PaymentStatus
	TransactionID string
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func NewPayment(id, appointmentID, patientID string, amountCents int64, currency string, now time.Time) (Payment, error) {
	if strings.TrimSpace(id) == "" || strings.TrimSpace(appointmentID) == "" {
		return Payment{}, domainerrors.ErrInvalidChargeRequest
	}
	if amountCents <= 0 {
		return Payment{}, domainerrors.ErrInvalidChargeRequest
	}
	return Payment{
		ID:            id,
		AppointmentID: appointmentID,
		PatientID:     patientID,
		AmountCents:   amountCents,
		Currency:      currency,
		Status:        PaymentPending,
		CreatedAt:     now.UTC(),
		UpdatedAt:     now.UTC(),
	}, nil
}

func (p *Payment) Complete(transactionID string, now time.Time) {
	p.Status = PaymentCompleted
	p.TransactionID = transactionID
	p.UpdatedAt = now.UTC()
}

func (p *Payment) Decline(reason string, now time.Time) {
	p.Status = PaymentFailed
	p.FailureReason = reason
	p.UpdatedAt = now.UTC()
}
