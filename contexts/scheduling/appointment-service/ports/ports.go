package ports

import (
	"context"
	"time"

	"smarthealth/internal/shared/events"
	"smarthealth/internal/shared/outbox"

	"smarthealth/contexts/scheduling/appointment-service/domain/entities"
)

type Clock interface {
	Now() time.Time
}

type IDGenerator interface {
	NewID(ctx context.Context) (string, error)
}

// AppointmentRepository persists appointment state and its outbox rows in
// one transaction so the workflow never observes a state change without
// its messages.
type AppointmentRepository interface {
	CreateAppointmentWithOutbox(ctx context.Context, appointment *entities.Appointment, msgs []outbox.Message) error
	UpdateAppointmentWithOutbox(ctx context.Context, appointment *entities.Appointment, msgs []outbox.Message) error
	GetAppointment(ctx context.Context, id string) (*entities.Appointment, error)
	// HasDoctorConflict reports whether the doctor already holds a reserved
	// or confirmed appointment overlapping [slotStart, slotEnd).
	HasDoctorConflict(ctx context.Context, doctorID string, slotStart, slotEnd time.Time, excludeAppointmentID string) (bool, error)
}

// SagaInstance is the persisted coordination record for one booking.
// The correlation id equals the appointment id.
type SagaInstance struct {
	CorrelationID string
	CurrentState  string
	PatientID     string
	DoctorID      string
	SlotStart     time.Time
	SlotEnd       time.Time
	FailureReason string
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SagaRepository stores saga instances with optimistic concurrency.
// SaveSagaWithOutbox compares the stored version against expectedVersion
// and returns ErrSagaVersionConflict when they differ; expectedVersion 0
// means the instance must not exist yet. On success the stored version is
// expectedVersion+1 and msgs are enqueued in the same transaction.
type SagaRepository interface {
	GetSaga(ctx context.Context, correlationID string) (SagaInstance, bool, error)
	SaveSagaWithOutbox(ctx context.Context, instance SagaInstance, expectedVersion int64, msgs []outbox.Message) error
	// ListStalledSagas returns instances sitting in one of states with no
	// update since updatedBefore, oldest first.
	ListStalledSagas(ctx context.Context, updatedBefore time.Time, states []string, limit int) ([]SagaInstance, error)
}

// EventDedupStore records processed event ids so redelivered messages are
// recognized. ReserveEvent returns alreadyProcessed=true when the id was
// seen before with the same payload hash, and ErrIdempotencyConflict when
// the id was seen with a different hash. A handler that fails after
// reserving must call ReleaseEvent so the redelivery is processed instead
// of skipped.
type EventDedupStore interface {
	ReserveEvent(ctx context.Context, eventID string, payloadHash string, expiresAt time.Time) (alreadyProcessed bool, err error)
	ReleaseEvent(ctx context.Context, eventID string) error
}

type EventPublisher interface {
	Publish(ctx context.Context, topic string, envelope events.Envelope) error
}

type EventHandler = func(ctx context.Context, envelope events.Envelope) error

type EventSubscriber interface {
	Subscribe(ctx context.Context, topic string, consumerGroup string, handler EventHandler) error
}
