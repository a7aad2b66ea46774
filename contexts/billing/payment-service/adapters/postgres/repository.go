package postgresadapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"smarthealth/contexts/billing/payment-service/domain/entities"
	domainerrors "smarthealth/contexts/billing/payment-service/domain/errors"
	"smarthealth/contexts/billing/payment-service/ports"
	"smarthealth/internal/shared/outbox"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// Repository persists payments. Outbox rows go to the shared
// outbox_messages table so the one publisher drains both contexts.
type Repository struct {
	db     *gorm.DB
	logger *slog.Logger
}

func NewRepository(db *gorm.DB, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{
		db:     db,
		logger: logger,
	}
}

func (r *Repository) CreatePaymentWithOutbox(ctx context.Context, payment *entities.Payment, msgs []outbox.Message) error {
	row := paymentModelFromEntity(payment)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			if isUniqueViolation(err) {
				return domainerrors.ErrDuplicatePayment
			}
			return err
		}
		for _, msg := range msgs {
			outboxRow := outboxModelFromMessage(msg)
			if err := tx.Create(&outboxRow).Error; err != nil {
				return fmt.Errorf("append outbox %s: %w", msg.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, domainerrors.ErrDuplicatePayment) {
			return err
		}
		return r.logError("payment_repo_create_failed", err,
			"payment_id", payment.ID,
			"appointment_id", payment.AppointmentID,
		)
	}
	return nil
}

func (r *Repository) GetPaymentByAppointment(ctx context.Context, appointmentID string) (entities.Payment, error) {
	var row paymentModel
	err := r.db.WithContext(ctx).
		Where("appointment_id = ?", strings.TrimSpace(appointmentID)).
		First(&row).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return entities.Payment{}, domainerrors.ErrPaymentNotFound
		}
		return entities.Payment{}, r.logError("payment_repo_get_failed", err,
			"appointment_id", strings.TrimSpace(appointmentID),
		)
	}
	return row.toEntity(), nil
}

func (r *Repository) logError(event string, err error, attrs ...any) error {
	fields := make([]any, 0, len(attrs)+8)
	fields = append(fields,
		"event", event,
		"module", "billing/payment-service",
		"layer", "adapter",
		"error", err.Error(),
	)
	fields = append(fields, attrs...)
	r.logger.Error("payment repository operation failed", fields...)
	return err
}

type paymentModel struct {
	ID            string    `gorm:"column:id;primaryKey"`
	AppointmentID string    `gorm:"column:appointment_id;uniqueIndex"`
	PatientID     string    `gorm:"column:patient_id"`
	AmountCents   int64     `gorm:"column:amount_cents"`
	Currency      string    `gorm:"column:currency"`
	Status        string    `gorm:"column:status"`
	TransactionID string    `gorm:"column:transaction_id"`
	FailureReason string    `gorm:"column:failure_reason"`
	CreatedAt     time.Time `gorm:"column:created_at"`
	UpdatedAt     time.Time `gorm:"column:updated_at"`
}

func (paymentModel) TableName() string {
	return "payments"
}

func paymentModelFromEntity(payment *entities.Payment) paymentModel {
	return paymentModel{
		ID:            strings.TrimSpace(payment.ID),
		AppointmentID: strings.TrimSpace(payment.AppointmentID),
		PatientID:     strings.TrimSpace(payment.PatientID),
		AmountCents:   payment.AmountCents,
		Currency:      payment.Currency,
		Status:        string(payment.Status),
		TransactionID: payment.TransactionID,
		FailureReason: payment.FailureReason,
		CreatedAt:     payment.CreatedAt.UTC(),
		UpdatedAt:     payment.UpdatedAt.UTC(),
	}
}

func (m paymentModel) toEntity() entities.Payment {
	return entities.Payment{
		ID:            m.ID,
		AppointmentID: m.AppointmentID,
		PatientID:     m.PatientID,
		AmountCents:   m.AmountCents,
		Currency:      m.Currency,
		Status:        entities.PaymentStatus(m.Status),
		TransactionID: m.TransactionID,
		FailureReason: m.FailureReason,
		CreatedAt:     m.CreatedAt.UTC(),
		UpdatedAt:     m.UpdatedAt.UTC(),
	}
}

type outboxModel struct {
	ID            string     `gorm:"column:id;primaryKey"`
	MessageType   string     `gorm:"column:message_type"`
	Payload       []byte     `gorm:"column:payload"`
	CorrelationID string     `gorm:"column:correlation_id"`
	CreatedAt     time.Time  `gorm:"column:created_at"`
	ProcessedAt   *time.Time `gorm:"column:processed_at"`
	RetryCount    int        `gorm:"column:retry_count"`
	ClaimedBy     string     `gorm:"column:claimed_by"`
	ClaimedAt     *time.Time `gorm:"column:claimed_at"`
}

func (outboxModel) TableName() string {
	return "outbox_messages"
}

func outboxModelFromMessage(msg outbox.Message) outboxModel {
	return outboxModel{
		ID:            msg.ID,
		MessageType:   msg.MessageType,
		Payload:       msg.Payload,
		CorrelationID: msg.CorrelationID,
		CreatedAt:     msg.CreatedAt.UTC(),
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var _ ports.PaymentRepository = (*Repository)(nil)
