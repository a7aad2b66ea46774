package ports

import (
	"context"
	"time"

	"smarthealth/contexts/billing/payment-service/domain/entities"
	"smarthealth/internal/shared/events"
	"smarthealth/internal/shared/outbox"
)

type Clock interface {
	Now() time.Time
}

type IDGenerator interface {
	NewID(ctx context.Context) (string, error)
}

// PaymentRepository persists payments and their outbox rows atomically.
// CreatePaymentWithOutbox returns ErrDuplicatePayment when a payment for
// the same appointment already exists.
type PaymentRepository interface {
	CreatePaymentWithOutbox(ctx context.Context, payment *entities.Payment, msgs []outbox.Message) error
	GetPaymentByAppointment(ctx context.Context, appointmentID string) (entities.Payment, error)
}

// ChargeGateway is the external payment processor boundary. Declines come
// back as ErrGatewayDeclined; anything else is an infrastructure error.
type ChargeGateway interface {
	Charge(ctx context.Context, payment entities.Payment) (transactionID string, err error)
}

type EventPublisher interface {
	Publish(ctx context.Context, topic string, envelope events.Envelope) error
}

type EventHandler = func(ctx context.Context, envelope events.Envelope) error

type EventSubscriber interface {
	Subscribe(ctx context.Context, topic string, consumerGroup string, handler EventHandler) error
}
