package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"smarthealth/contexts/scheduling/appointment-service/domain/entities"
	domainerrors "smarthealth/contexts/scheduling/appointment-service/domain/errors"
	"smarthealth/contexts/scheduling/appointment-service/ports"
	"smarthealth/internal/shared/outbox"
)

// Store is the in-memory persistence adapter. It mirrors the postgres
// adapter's semantics including the saga version CAS and the outbox claim
// lease, which is what makes it usable as a test double for the whole
// coordination flow.
type Store struct {
	mu sync.RWMutex

	appointments map[string]entities.Appointment
	sagas        map[string]ports.SagaInstance
	dedup        map[string]dedupRecord
	outboxRows   []outbox.Message
	sequence     uint64

	// NowFunc overrides the clock when set. Test-only.
	NowFunc func() time.Time
}

type dedupRecord struct {
	payloadHash string
	expiresAt   time.Time
}

func NewStore() *Store {
	return &Store{
		appointments: make(map[string]entities.Appointment),
		sagas:        make(map[string]ports.SagaInstance),
		dedup:        make(map[string]dedupRecord),
	}
}

func (s *Store) CreateAppointmentWithOutbox(_ context.Context, appointment *entities.Appointment, msgs []outbox.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.appointments[appointment.ID]; exists {
		return domainerrors.ErrIdempotencyConflict
	}
	s.appointments[appointment.ID] = *appointment
	s.outboxRows = append(s.outboxRows, msgs...)
	return nil
}

func (s *Store) UpdateAppointmentWithOutbox(_ context.Context, appointment *entities.Appointment, msgs []outbox.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.appointments[appointment.ID]; !exists {
		return domainerrors.ErrAppointmentNotFound
	}
	s.appointments[appointment.ID] = *appointment
	s.outboxRows = append(s.outboxRows, msgs...)
	return nil
}

func (s *Store) GetAppointment(_ context.Context, id string) (*entities.Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	appointment, exists := s.appointments[strings.TrimSpace(id)]
	if !exists {
		return nil, domainerrors.ErrAppointmentNotFound
	}
	copied := appointment
	return &copied, nil
}

func (s *Store) HasDoctorConflict(
	_ context.Context,
	doctorID string,
	slotStart time.Time,
	slotEnd time.Time,
	excludeAppointmentID string,
) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, appointment := range s.appointments {
		if appointment.DoctorID != doctorID || appointment.ID == excludeAppointmentID {
			continue
		}
		if appointment.Status != entities.StatusSlotReserved && appointment.Status != entities.StatusConfirmed {
			continue
		}
		if appointment.SlotStart.Before(slotEnd) && appointment.SlotEnd.After(slotStart) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) GetSaga(_ context.Context, correlationID string) (ports.SagaInstance, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	instance, exists := s.sagas[strings.TrimSpace(correlationID)]
	if !exists {
		return ports.SagaInstance{}, false, nil
	}
	return instance, true, nil
}

func (s *Store) SaveSagaWithOutbox(
	_ context.Context,
	instance ports.SagaInstance,
	expectedVersion int64,
	msgs []outbox.Message,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.sagas[instance.CorrelationID]
	if expectedVersion == 0 {
		if exists {
			return domainerrors.ErrSagaVersionConflict
		}
	} else {
		if !exists || existing.Version != expectedVersion {
			return domainerrors.ErrSagaVersionConflict
		}
	}
	instance.Version = expectedVersion + 1
	s.sagas[instance.CorrelationID] = instance
	s.outboxRows = append(s.outboxRows, msgs...)
	return nil
}

func (s *Store) ListStalledSagas(
	_ context.Context,
	updatedBefore time.Time,
	states []string,
	limit int,
) ([]ports.SagaInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 50
	}

	wanted := make(map[string]struct{}, len(states))
	for _, state := range states {
		wanted[state] = struct{}{}
	}

	var items []ports.SagaInstance
	for _, instance := range s.sagas {
		if _, ok := wanted[instance.CurrentState]; !ok {
			continue
		}
		if !instance.UpdatedAt.Before(updatedBefore) {
			continue
		}
		items = append(items, instance)
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].UpdatedAt.Before(items[j].UpdatedAt)
	})
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *Store) ReserveEvent(
	_ context.Context,
	eventID string,
	payloadHash string,
	expiresAt time.Time,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.dedup[eventID]
	if exists {
		if existing.payloadHash != payloadHash {
			return false, domainerrors.ErrIdempotencyConflict
		}
		return true, nil
	}
	s.dedup[eventID] = dedupRecord{payloadHash: payloadHash, expiresAt: expiresAt.UTC()}
	return false, nil
}

func (s *Store) ReleaseEvent(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dedup, eventID)
	return nil
}

func (s *Store) PingOutbox(_ context.Context) error {
	return nil
}

func (s *Store) ClaimPendingOutbox(
	_ context.Context,
	claimant string,
	limit int,
	lease time.Duration,
	maxRetries int,
) ([]outbox.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	now := time.Now().UTC()
	claimCutoff := now.Add(-lease)

	var claimed []outbox.Message
	for i := range s.outboxRows {
		if len(claimed) >= limit {
			break
		}
		row := &s.outboxRows[i]
		if row.ProcessedAt != nil || row.RetryCount >= maxRetries {
			continue
		}
		if row.ClaimedAt != nil && row.ClaimedAt.After(claimCutoff) {
			continue
		}
		row.ClaimedBy = claimant
		claimedAt := now
		row.ClaimedAt = &claimedAt
		claimed = append(claimed, *row)
	}
	return claimed, nil
}

func (s *Store) CompleteOutboxBatch(_ context.Context, result outbox.BatchResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	processed := make(map[string]struct{}, len(result.ProcessedIDs))
	for _, id := range result.ProcessedIDs {
		processed[id] = struct{}{}
	}
	failed := make(map[string]struct{}, len(result.FailedIDs))
	for _, id := range result.FailedIDs {
		failed[id] = struct{}{}
	}

	completedAt := result.CompletedAt.UTC()
	for i := range s.outboxRows {
		row := &s.outboxRows[i]
		if _, ok := processed[row.ID]; ok {
			timestamp := completedAt
			row.ProcessedAt = &timestamp
			continue
		}
		if _, ok := failed[row.ID]; ok {
			row.RetryCount++
			row.ClaimedBy = ""
			row.ClaimedAt = nil
		}
	}
	return nil
}

// Now implements ports.Clock. Tests can pin time by setting NowFunc.
func (s *Store) Now() time.Time {
	s.mu.RLock()
	nowFunc := s.NowFunc
	s.mu.RUnlock()
	if nowFunc != nil {
		return nowFunc()
	}
	return time.Now().UTC()
}

// NewID implements ports.IDGenerator with sequential ids, which keeps test
// output deterministic.
func (s *Store) NewID(_ context.Context) (string, error) {
	seq := atomic.AddUint64(&s.sequence, 1)
	return fmt.Sprintf("id-%06d", seq), nil
}

// OutboxRows returns a snapshot of every outbox row, in append order.
func (s *Store) OutboxRows() []outbox.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]outbox.Message(nil), s.outboxRows...)
}

var _ ports.AppointmentRepository = (*Store)(nil)
var _ ports.SagaRepository = (*Store)(nil)
var _ ports.EventDedupStore = (*Store)(nil)
var _ outbox.Repository = (*Store)(nil)
