package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	application "smarthealth/contexts/billing/payment-service/application"
	"smarthealth/contexts/billing/payment-service/domain/entities"
	domainerrors "smarthealth/contexts/billing/payment-service/domain/errors"
	"smarthealth/contexts/billing/payment-service/ports"
	"smarthealth/internal/shared/events"
	"smarthealth/internal/shared/messages"
	"smarthealth/internal/shared/outbox"
)

// Consultation fee charged per booked appointment until per-doctor pricing
// lands.
const defaultAmountCents = 15000

const defaultCurrency = "USD"

// SlotReservedConsumer charges the patient once a slot is held. Idempotency
// is the natural key on the appointment id: an existing payment short-circuits
// the handler before the gateway is called, and the unique constraint catches
// concurrent deliveries at insert time.
type SlotReservedConsumer struct {
	Payments    ports.PaymentRepository
	Gateway     ports.ChargeGateway
	Registry    *messages.Registry
	Clock       ports.Clock
	IDGenerator ports.IDGenerator
	AmountCents int64
	Currency    string
	Logger      *slog.Logger
}

func (w SlotReservedConsumer) Register(ctx context.Context, subscriber ports.EventSubscriber) error {
	return subscriber.Subscribe(ctx, messages.TypeSlotReserved, "payment-charger", w.Handle)
}

func (w SlotReservedConsumer) Handle(ctx context.Context, envelope events.Envelope) error {
	logger := application.ResolveLogger(w.Logger)

	decoded, err := w.Registry.Decode(envelope.EventType, envelope.Data)
	if err != nil {
		logger.Warn("slot reserved event decode failed",
			"event", "payment_decode_failed",
			"module", "billing/payment-service",
			"layer", "worker",
			"event_id", envelope.EventID,
			"error", err.Error(),
		)
		return nil
	}
	reserved, ok := decoded.(messages.SlotReserved)
	if !ok {
		return nil
	}

	// The charge must not run twice for one appointment, so the lookup comes
	// before the gateway call. The unique constraint still covers the race
	// between two concurrent deliveries.
	if existing, err := w.Payments.GetPaymentByAppointment(ctx, reserved.AppointmentID); err == nil {
		logger.Debug("payment already recorded for appointment",
			"event", "payment_duplicate_dropped",
			"module", "billing/payment-service",
			"layer", "worker",
			"payment_id", existing.ID,
			"appointment_id", reserved.AppointmentID,
		)
		return nil
	} else if !errors.Is(err, domainerrors.ErrPaymentNotFound) {
		return fmt.Errorf("lookup payment for appointment %s: %w", reserved.AppointmentID, err)
	}

	now := w.Clock.Now().UTC()
	amount := w.AmountCents
	if amount <= 0 {
		amount = defaultAmountCents
	}
	currency := w.Currency
	if currency == "" {
		currency = defaultCurrency
	}

	id, err := w.IDGenerator.NewID(ctx)
	if err != nil {
		return err
	}
	payment, err := entities.NewPayment(id, reserved.AppointmentID, reserved.PatientID, amount, currency, now)
	if err != nil {
		return err
	}

	transactionID, chargeErr := w.Gateway.Charge(ctx, payment)
	var resultType string
	var resultPayload any
	switch {
	case chargeErr == nil:
		payment.Complete(transactionID, now)
		resultType = messages.TypePaymentCompleted
		resultPayload = messages.PaymentCompleted{
			PaymentID:     payment.ID,
			AppointmentID: payment.AppointmentID,
			Status:        string(payment.Status),
			TransactionID: payment.TransactionID,
		}
	case errors.Is(chargeErr, domainerrors.ErrGatewayDeclined):
		payment.Decline(chargeErr.Error(), now)
		resultType = messages.TypePaymentFailed
		resultPayload = messages.PaymentFailed{
			PaymentID:     payment.ID,
			AppointmentID: payment.AppointmentID,
			Reason:        payment.FailureReason,
		}
	default:
		// Gateway unreachable: no payment row written, so the redelivered
		// event retries the charge from scratch.
		return fmt.Errorf("charge appointment %s: %w", payment.AppointmentID, chargeErr)
	}

	raw, err := json.Marshal(resultPayload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", resultType, err)
	}
	outboxID, err := w.IDGenerator.NewID(ctx)
	if err != nil {
		return err
	}

	err = w.Payments.CreatePaymentWithOutbox(ctx, &payment, []outbox.Message{{
		ID:            outboxID,
		MessageType:   resultType,
		Payload:       raw,
		CorrelationID: payment.AppointmentID,
		CreatedAt:     now,
	}})
	if err != nil {
		if errors.Is(err, domainerrors.ErrDuplicatePayment) {
			logger.Debug("payment already recorded for appointment",
				"event", "payment_duplicate_dropped",
				"module", "billing/payment-service",
				"layer", "worker",
				"appointment_id", payment.AppointmentID,
			)
			return nil
		}
		return err
	}

	logger.Info("payment recorded",
		"event", "payment_recorded",
		"module", "billing/payment-service",
		"layer", "worker",
		"payment_id", payment.ID,
		"appointment_id", payment.AppointmentID,
		"status", string(payment.Status),
	)
	return nil
}
