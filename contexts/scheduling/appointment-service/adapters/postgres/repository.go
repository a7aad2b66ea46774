package postgresadapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"smarthealth/contexts/scheduling/appointment-service/domain/entities"
	domainerrors "smarthealth/contexts/scheduling/appointment-service/domain/errors"
	"smarthealth/contexts/scheduling/appointment-service/ports"
	"smarthealth/internal/shared/outbox"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository is the scheduling context's persistence adapter. It backs the
// appointment aggregate, the saga store, the event dedup ledger and the
// shared outbox contract from the same database so every save and its
// messages commit together.
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

func (r *Repository) CreateAppointmentWithOutbox(ctx context.Context, appointment *entities.Appointment, msgs []outbox.Message) error {
	row := appointmentModelFromEntity(appointment)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			if isUniqueViolation(err) {
				return domainerrors.ErrIdempotencyConflict
			}
			return err
		}
		return appendOutbox(tx, msgs)
	})
	if err != nil {
		if errors.Is(err, domainerrors.ErrIdempotencyConflict) {
			return err
		}
		return r.logError("appointment_repo_create_failed", err, "appointment_id", appointment.ID)
	}
	return nil
}

func (r *Repository) UpdateAppointmentWithOutbox(ctx context.Context, appointment *entities.Appointment, msgs []outbox.Message) error {
	row := appointmentModelFromEntity(appointment)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&appointmentModel{}).
			Where("id = ?", row.ID).
			Updates(map[string]any{
				"status":         row.Status,
				"failure_reason": row.FailureReason,
				"updated_at":     row.UpdatedAt,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return domainerrors.ErrAppointmentNotFound
		}
		return appendOutbox(tx, msgs)
	})
	if err != nil {
		if errors.Is(err, domainerrors.ErrAppointmentNotFound) {
			return err
		}
		return r.logError("appointment_repo_update_failed", err, "appointment_id", appointment.ID)
	}
	return nil
}

func (r *Repository) GetAppointment(ctx context.Context, id string) (*entities.Appointment, error) {
	var row appointmentModel
	err := r.db.WithContext(ctx).
		Where("id = ?", strings.TrimSpace(id)).
		First(&row).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domainerrors.ErrAppointmentNotFound
		}
		return nil, r.logError("appointment_repo_get_failed", err, "appointment_id", strings.TrimSpace(id))
	}
	appointment := row.toEntity()
	return &appointment, nil
}

func (r *Repository) HasDoctorConflict(
	ctx context.Context,
	doctorID string,
	slotStart time.Time,
	slotEnd time.Time,
	excludeAppointmentID string,
) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&appointmentModel{}).
		Where("doctor_id = ?", strings.TrimSpace(doctorID)).
		Where("id <> ?", strings.TrimSpace(excludeAppointmentID)).
		Where("status IN ?", []string{
			string(entities.StatusSlotReserved),
			string(entities.StatusConfirmed),
		}).
		Where("slot_start < ? AND slot_end > ?", slotEnd.UTC(), slotStart.UTC()).
		Count(&count).
		Error
	if err != nil {
		return false, r.logError("appointment_repo_conflict_check_failed", err, "doctor_id", strings.TrimSpace(doctorID))
	}
	return count > 0, nil
}

func (r *Repository) GetSaga(ctx context.Context, correlationID string) (ports.SagaInstance, bool, error) {
	var row sagaModel
	err := r.db.WithContext(ctx).
		Where("correlation_id = ?", strings.TrimSpace(correlationID)).
		First(&row).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ports.SagaInstance{}, false, nil
		}
		return ports.SagaInstance{}, false, r.logError("saga_repo_get_failed", err, "correlation_id", strings.TrimSpace(correlationID))
	}
	return row.toPort(), true, nil
}

// SaveSagaWithOutbox persists the instance with a version compare-and-swap.
// expectedVersion 0 inserts; anything else updates the row only while the
// stored version still matches. Losing either race is ErrSagaVersionConflict.
func (r *Repository) SaveSagaWithOutbox(
	ctx context.Context,
	instance ports.SagaInstance,
	expectedVersion int64,
	msgs []outbox.Message,
) error {
	row := sagaModelFromPort(instance)
	row.Version = expectedVersion + 1

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if expectedVersion == 0 {
			if err := tx.Create(&row).Error; err != nil {
				if isUniqueViolation(err) {
					return domainerrors.ErrSagaVersionConflict
				}
				return err
			}
		} else {
			result := tx.Model(&sagaModel{}).
				Where("correlation_id = ? AND version = ?", row.CorrelationID, expectedVersion).
				Updates(map[string]any{
					"current_state":  row.CurrentState,
					"failure_reason": row.FailureReason,
					"version":        row.Version,
					"updated_at":     row.UpdatedAt,
				})
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				return domainerrors.ErrSagaVersionConflict
			}
		}
		return appendOutbox(tx, msgs)
	})
	if err != nil {
		if errors.Is(err, domainerrors.ErrSagaVersionConflict) {
			return err
		}
		return r.logError("saga_repo_save_failed", err, "correlation_id", instance.CorrelationID)
	}
	return nil
}

func (r *Repository) ListStalledSagas(
	ctx context.Context,
	updatedBefore time.Time,
	states []string,
	limit int,
) ([]ports.SagaInstance, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []sagaModel
	err := r.db.WithContext(ctx).
		Where("current_state IN ?", states).
		Where("updated_at < ?", updatedBefore.UTC()).
		Order("updated_at ASC").
		Limit(limit).
		Find(&rows).
		Error
	if err != nil {
		return nil, r.logError("saga_repo_list_stalled_failed", err)
	}
	items := make([]ports.SagaInstance, 0, len(rows))
	for _, row := range rows {
		items = append(items, row.toPort())
	}
	return items, nil
}

func (r *Repository) ReserveEvent(
	ctx context.Context,
	eventID string,
	payloadHash string,
	expiresAt time.Time,
) (bool, error) {
	row := eventDedupModel{
		EventID:     strings.TrimSpace(eventID),
		PayloadHash: strings.TrimSpace(payloadHash),
		ExpiresAt:   expiresAt.UTC(),
		ProcessedAt: time.Now().UTC(),
	}
	create := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_id"}},
		DoNothing: true,
	}).Create(&row)
	if create.Error != nil {
		return false, r.logError("dedup_reserve_event_failed", create.Error, "event_id", row.EventID)
	}
	if create.RowsAffected > 0 {
		return false, nil
	}

	var existing eventDedupModel
	if err := r.db.WithContext(ctx).
		Select("payload_hash").
		Where("event_id = ?", row.EventID).
		First(&existing).Error; err != nil {
		return false, r.logError("dedup_load_existing_failed", err, "event_id", row.EventID)
	}
	if existing.PayloadHash != row.PayloadHash {
		return false, domainerrors.ErrIdempotencyConflict
	}
	return true, nil
}

func (r *Repository) ReleaseEvent(ctx context.Context, eventID string) error {
	err := r.db.WithContext(ctx).
		Where("event_id = ?", strings.TrimSpace(eventID)).
		Delete(&eventDedupModel{}).
		Error
	if err != nil {
		return r.logError("dedup_release_event_failed", err, "event_id", strings.TrimSpace(eventID))
	}
	return nil
}

func (r *Repository) PingOutbox(ctx context.Context) error {
	var rows []outboxModel
	return r.db.WithContext(ctx).Limit(1).Find(&rows).Error
}

// ClaimPendingOutbox stamps up to limit claimable rows with the claimant in
// one conditional update, then reads back exactly the rows the stamp hit.
// Competing publisher instances racing this update partition the pending
// set between them instead of double-claiming.
func (r *Repository) ClaimPendingOutbox(
	ctx context.Context,
	claimant string,
	limit int,
	lease time.Duration,
	maxRetries int,
) ([]outbox.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	now := time.Now().UTC()
	claimCutoff := now.Add(-lease)

	candidates := r.db.Model(&outboxModel{}).
		Select("id").
		Where("processed_at IS NULL").
		Where("retry_count < ?", maxRetries).
		Where("claimed_at IS NULL OR claimed_at < ?", claimCutoff).
		Order("created_at ASC").
		Limit(limit)

	result := r.db.WithContext(ctx).
		Model(&outboxModel{}).
		Where("id IN (?)", candidates).
		Where("processed_at IS NULL").
		Where("claimed_at IS NULL OR claimed_at < ?", claimCutoff).
		Updates(map[string]any{
			"claimed_by": claimant,
			"claimed_at": now,
		})
	if result.Error != nil {
		return nil, r.logError("outbox_claim_failed", result.Error, "claimant", claimant)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}

	var rows []outboxModel
	err := r.db.WithContext(ctx).
		Where("claimed_by = ? AND claimed_at = ?", claimant, now).
		Order("created_at ASC").
		Find(&rows).
		Error
	if err != nil {
		return nil, r.logError("outbox_claim_readback_failed", err, "claimant", claimant)
	}

	items := make([]outbox.Message, 0, len(rows))
	for _, row := range rows {
		items = append(items, row.toMessage())
	}
	return items, nil
}

func (r *Repository) CompleteOutboxBatch(ctx context.Context, result outbox.BatchResult) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(result.ProcessedIDs) > 0 {
			if err := tx.Model(&outboxModel{}).
				Where("id IN ?", result.ProcessedIDs).
				Updates(map[string]any{
					"processed_at": result.CompletedAt.UTC(),
				}).Error; err != nil {
				return err
			}
		}
		if len(result.FailedIDs) > 0 {
			if err := tx.Model(&outboxModel{}).
				Where("id IN ?", result.FailedIDs).
				Updates(map[string]any{
					"retry_count": gorm.Expr("retry_count + 1"),
					"claimed_by":  "",
					"claimed_at":  nil,
				}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return r.logError("outbox_batch_commit_failed", err,
			"processed", len(result.ProcessedIDs),
			"failed", len(result.FailedIDs),
		)
	}
	return nil
}

func appendOutbox(tx *gorm.DB, msgs []outbox.Message) error {
	for _, msg := range msgs {
		row := outboxModelFromMessage(msg)
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("append outbox %s: %w", msg.ID, err)
		}
	}
	return nil
}

func (r *Repository) logError(event string, err error, attrs ...any) error {
	fields := make([]any, 0, len(attrs)+8)
	fields = append(fields,
		"event", event,
		"module", "scheduling/appointment-service",
		"layer", "adapter",
		"error", err.Error(),
	)
	fields = append(fields, attrs...)
	r.logger.Error("appointment repository operation failed", fields...)
	return err
}

type appointmentModel struct {
	ID            string    `gorm:"column:id;primaryKey"`
	PatientID     string    `gorm:"column:patient_id"`
	DoctorID      string    `gorm:"column:doctor_id"`
	SlotStart     time.Time `gorm:"column:slot_start"`
	SlotEnd       time.Time `gorm:"column:slot_end"`
	Status        string    `gorm:"column:status"`
	Reason        string    `gorm:"column:reason"`
	FailureReason string    `gorm:"column:failure_reason"`
	CreatedAt     time.Time `gorm:"column:created_at"`
	UpdatedAt     time.Time `gorm:"column:updated_at"`
}

func (appointmentModel) TableName() string {
	return "appointments"
}

func appointmentModelFromEntity(appointment *entities.Appointment) appointmentModel {
	return appointmentModel{
		ID:            strings.TrimSpace(appointment.ID),
		PatientID:     strings.TrimSpace(appointment.PatientID),
		DoctorID:      strings.TrimSpace(appointment.DoctorID),
		SlotStart:     appointment.SlotStart.UTC(),
		SlotEnd:       appointment.SlotEnd.UTC(),
		Status:        string(appointment.Status),
		Reason:        appointment.Reason,
		FailureReason: appointment.FailureReason,
		CreatedAt:     appointment.CreatedAt.UTC(),
		UpdatedAt:     appointment.UpdatedAt.UTC(),
	}
}

func (m appointmentModel) toEntity() entities.Appointment {
	return entities.Appointment{
		ID:            m.ID,
		PatientID:     m.PatientID,
		DoctorID:      m.DoctorID,
		SlotStart:     m.SlotStart.UTC(),
		SlotEnd:       m.SlotEnd.UTC(),
		Status:        entities.AppointmentStatus(m.Status),
		Reason:        m.Reason,
		FailureReason: m.FailureReason,
		CreatedAt:     m.CreatedAt.UTC(),
		UpdatedAt:     m.UpdatedAt.UTC(),
	}
}

type sagaModel struct {
	CorrelationID string    `gorm:"column:correlation_id;primaryKey"`
	CurrentState  string    `gorm:"column:current_state"`
	PatientID     string    `gorm:"column:patient_id"`
	DoctorID      string    `gorm:"column:doctor_id"`
	SlotStart     time.Time `gorm:"column:slot_start"`
	SlotEnd       time.Time `gorm:"column:slot_end"`
	FailureReason string    `gorm:"column:failure_reason"`
	Version       int64     `gorm:"column:version"`
	CreatedAt     time.Time `gorm:"column:created_at"`
	UpdatedAt     time.Time `gorm:"column:updated_at"`
}

func (sagaModel) TableName() string {
	return "saga_instances"
}

func sagaModelFromPort(instance ports.SagaInstance) sagaModel {
	return sagaModel{
		CorrelationID: strings.TrimSpace(instance.CorrelationID),
		CurrentState:  instance.CurrentState,
		PatientID:     strings.TrimSpace(instance.PatientID),
		DoctorID:      strings.TrimSpace(instance.DoctorID),
		SlotStart:     instance.SlotStart.UTC(),
		SlotEnd:       instance.SlotEnd.UTC(),
		FailureReason: instance.FailureReason,
		Version:       instance.Version,
		CreatedAt:     instance.CreatedAt.UTC(),
		UpdatedAt:     instance.UpdatedAt.UTC(),
	}
}

func (m sagaModel) toPort() ports.SagaInstance {
	return ports.SagaInstance{
		CorrelationID: m.CorrelationID,
		CurrentState:  m.CurrentState,
		PatientID:     m.PatientID,
		DoctorID:      m.DoctorID,
		SlotStart:     m.SlotStart.UTC(),
		SlotEnd:       m.SlotEnd.UTC(),
		FailureReason: m.FailureReason,
		Version:       m.Version,
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
		ProcessedAt:   msg.ProcessedAt,
		RetryCount:    msg.RetryCount,
		ClaimedBy:     msg.ClaimedBy,
		ClaimedAt:     msg.ClaimedAt,
	}
}

func (m outboxModel) toMessage() outbox.Message {
	return outbox.Message{
		ID:            m.ID,
		MessageType:   m.MessageType,
		Payload:       append([]byte(nil), m.Payload...),
		CorrelationID: m.CorrelationID,
		CreatedAt:     m.CreatedAt.UTC(),
		ProcessedAt:   m.ProcessedAt,
		RetryCount:    m.RetryCount,
		ClaimedBy:     m.ClaimedBy,
		ClaimedAt:     m.ClaimedAt,
	}
}

type eventDedupModel struct {
	EventID     string    `gorm:"column:event_id;primaryKey"`
	PayloadHash string    `gorm:"column:payload_hash"`
	ExpiresAt   time.Time `gorm:"column:expires_at"`
	ProcessedAt time.Time `gorm:"column:processed_at"`
}

func (eventDedupModel) TableName() string {
	return "appointment_event_dedup"
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var _ ports.AppointmentRepository = (*Repository)(nil)
var _ ports.SagaRepository = (*Repository)(nil)
var _ ports.EventDedupStore = (*Repository)(nil)
var _ outbox.Repository = (*Repository)(nil)
