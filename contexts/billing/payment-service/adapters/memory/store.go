package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"smarthealth/contexts/billing/payment-service/domain/entities"
	domainerrors "smarthealth/contexts/billing/payment-service/domain/errors"
	"smarthealth/contexts/billing/payment-service/ports"
	"smarthealth/internal/shared/outbox"
)

// Store keeps payments in memory with the same natural-key uniqueness the
// postgres adapter enforces.
type Store struct {
	mu sync.RWMutex

	paymentsByAppointment map[string]entities.Payment
	outboxRows            []outbox.Message
	sequence              uint64
}

func NewStore() *Store {
	return &Store{
		paymentsByAppointment: make(map[string]entities.Payment),
	}
}

func (s *Store) CreatePaymentWithOutbox(_ context.Context, payment *entities.Payment, msgs []outbox.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.paymentsByAppointment[payment.AppointmentID]; exists {
		return domainerrors.ErrDuplicatePayment
	}
	s.paymentsByAppointment[payment.AppointmentID] = *payment
	s.outboxRows = append(s.outboxRows, msgs...)
	return nil
}

func (s *Store) GetPaymentByAppointment(_ context.Context, appointmentID string) (entities.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	payment, exists := s.paymentsByAppointment[strings.TrimSpace(appointmentID)]
	if !exists {
		return entities.Payment{}, domainerrors.ErrPaymentNotFound
	}
	return payment, nil
}

func (s *Store) Now() time.Time {
	return time.Now().UTC()
}

func (s *Store) NewID(_ context.Context) (string, error) {
	seq := atomic.AddUint64(&s.sequence, 1)
	return fmt.Sprintf("pay-%06d", seq), nil
}

// OutboxRows returns a snapshot of every outbox row, in append order.
func (s *Store) OutboxRows() []outbox.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]outbox.Message(nil), s.outboxRows...)
}

var _ ports.PaymentRepository = (*Store)(nil)
