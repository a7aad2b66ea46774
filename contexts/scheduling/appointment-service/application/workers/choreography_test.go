package workers

import (
	"context"
	"testing"
	"time"

	"smarthealth/contexts/scheduling/appointment-service/adapters/memory"
	"smarthealth/contexts/scheduling/appointment-service/domain/entities"
	"smarthealth/contexts/scheduling/appointment-service/ports"
	"smarthealth/internal/shared/messages"
)

func newChoreography(store *memory.Store, publisher *recordingPublisher) Choreography {
	return Choreography{
		Appointments: store,
		Dedup:        store,
		Publisher:    publisher,
		Registry:     messages.NewRegistry(),
		Clock:        store,
		IDGenerator:  store,
	}
}

func TestChoreographyRegistersChainTopics(t *testing.T) {
	store := memory.NewStore()
	chain := newChoreography(store, &recordingPublisher{})
	sub := &chainStubSubscriber{}
	if err := chain.Register(context.Background(), sub); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	for _, topic := range []string{
		messages.TypeAppointmentRequested,
		messages.TypeDoctorAvailable,
		messages.TypeSlotReserved,
		messages.TypeDoctorUnavailable,
		messages.TypeSlotReservationFailed,
	} {
		if sub.handlers[topic] == nil {
			t.Fatalf("expected subscription on %s", topic)
		}
	}
}

type chainStubSubscriber struct {
	handlers map[string]ports.EventHandler
}

func (s *chainStubSubscriber) Subscribe(_ context.Context, topic string, _ string, handler ports.EventHandler) error {
	if s.handlers == nil {
		s.handlers = map[string]ports.EventHandler{}
	}
	s.handlers[topic] = handler
	return nil
}

func TestChoreographyHappyChain(t *testing.T) {
	now := time.Date(2026, 3, 17, 9, 0, 0, 0, time.UTC)
	store := newWorkerStore(t, now)
	publisher := &recordingPublisher{}
	chain := newChoreography(store, publisher)
	ctx := context.Background()

	slotStart := now.Add(24 * time.Hour)
	appointment := seedAppointment(t, store, "apt-1", "doctor-1", slotStart, entities.StatusRequested)

	// Requested: the availability check passes and replies directly.
	err := chain.HandleRequested(ctx, stepEnvelope(t, "evt-1", messages.TypeAppointmentRequested, appointment.ID,
		messages.AppointmentRequested{
			AppointmentID: appointment.ID,
			PatientID:     appointment.PatientID,
			DoctorID:      appointment.DoctorID,
			SlotStart:     appointment.SlotStart,
			SlotEnd:       appointment.SlotEnd,
		}))
	if err != nil {
		t.Fatalf("handle requested failed: %v", err)
	}
	if len(publisher.published) != 1 || publisher.published[0].EventType != messages.TypeDoctorAvailable {
		t.Fatalf("expected doctor_available reply, got %+v", publisher.published)
	}

	// Doctor available: the slot is reserved and its event enqueued.
	err = chain.HandleDoctorAvailable(ctx, stepEnvelope(t, "evt-2", messages.TypeDoctorAvailable, appointment.ID,
		messages.DoctorAvailable{AppointmentID: appointment.ID, DoctorID: appointment.DoctorID}))
	if err != nil {
		t.Fatalf("handle doctor_available failed: %v", err)
	}
	stored, _ := store.GetAppointment(ctx, appointment.ID)
	if stored.Status != entities.StatusSlotReserved {
		t.Fatalf("expected slot_reserved, got %q", stored.Status)
	}

	// Slot reserved: confirmation plus the integration event in one batch.
	err = chain.HandleSlotReserved(ctx, stepEnvelope(t, "evt-3", messages.TypeSlotReserved, appointment.ID,
		messages.SlotReserved{AppointmentID: appointment.ID, DoctorID: appointment.DoctorID}))
	if err != nil {
		t.Fatalf("handle slot_reserved failed: %v", err)
	}
	stored, _ = store.GetAppointment(ctx, appointment.ID)
	if stored.Status != entities.StatusConfirmed {
		t.Fatalf("expected confirmed, got %q", stored.Status)
	}

	rows := store.OutboxRows()
	var types []string
	for _, row := range rows {
		types = append(types, row.MessageType)
	}
	want := []string{messages.TypeSlotReserved, messages.TypeAppointmentConfirmed, messages.TypeBookingCompleted}
	if len(types) != len(want) {
		t.Fatalf("expected outbox rows %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("expected outbox rows %v, got %v", want, types)
		}
	}
}

func TestChoreographyFailureChain(t *testing.T) {
	now := time.Date(2026, 3, 17, 9, 0, 0, 0, time.UTC)
	store := newWorkerStore(t, now)
	chain := newChoreography(store, &recordingPublisher{})
	ctx := context.Background()

	slotStart := now.Add(24 * time.Hour)
	appointment := seedAppointment(t, store, "apt-1", "doctor-1", slotStart, entities.StatusRequested)

	err := chain.HandleFailure(ctx, stepEnvelope(t, "evt-1", messages.TypeDoctorUnavailable, appointment.ID,
		messages.DoctorUnavailable{
			AppointmentID: appointment.ID,
			Reason:        "doctor has a conflicting appointment",
		}))
	if err != nil {
		t.Fatalf("handle failure failed: %v", err)
	}

	stored, _ := store.GetAppointment(ctx, appointment.ID)
	if stored.Status != entities.StatusFailed {
		t.Fatalf("expected failed, got %q", stored.Status)
	}
	if stored.FailureReason != "doctor has a conflicting appointment" {
		t.Fatalf("expected failure reason persisted, got %q", stored.FailureReason)
	}

	rows := store.OutboxRows()
	last := rows[len(rows)-1]
	if last.MessageType != messages.TypeBookingFailed {
		t.Fatalf("expected booking_failed appended to the batch, got %s", last.MessageType)
	}
}

func TestChoreographyRetriesAfterTransientSaveFailure(t *testing.T) {
	now := time.Date(2026, 3, 17, 9, 0, 0, 0, time.UTC)
	store := newWorkerStore(t, now)
	repo := &flakyRepo{Store: store, saveFailures: 1}
	chain := newChoreography(store, &recordingPublisher{})
	chain.Appointments = repo
	ctx := context.Background()

	slotStart := now.Add(24 * time.Hour)
	appointment := seedAppointment(t, store, "apt-1", "doctor-1", slotStart, entities.StatusRequested)
	envelope := stepEnvelope(t, "evt-1", messages.TypeDoctorAvailable, appointment.ID,
		messages.DoctorAvailable{AppointmentID: appointment.ID, DoctorID: appointment.DoctorID})

	if err := chain.HandleDoctorAvailable(ctx, envelope); err == nil {
		t.Fatalf("expected the transient save failure surfaced for redelivery")
	}
	if err := chain.HandleDoctorAvailable(ctx, envelope); err != nil {
		t.Fatalf("redelivery after a transient failure should succeed, got %v", err)
	}

	stored, _ := store.GetAppointment(ctx, appointment.ID)
	if stored.Status != entities.StatusSlotReserved {
		t.Fatalf("appointment status %q after redelivery, want %q", stored.Status, entities.StatusSlotReserved)
	}
}

func TestChoreographyDuplicateDeliveryDropped(t *testing.T) {
	now := time.Date(2026, 3, 17, 9, 0, 0, 0, time.UTC)
	store := newWorkerStore(t, now)
	chain := newChoreography(store, &recordingPublisher{})
	ctx := context.Background()

	slotStart := now.Add(24 * time.Hour)
	appointment := seedAppointment(t, store, "apt-1", "doctor-1", slotStart, entities.StatusRequested)

	envelope := stepEnvelope(t, "evt-1", messages.TypeDoctorAvailable, appointment.ID,
		messages.DoctorAvailable{AppointmentID: appointment.ID, DoctorID: appointment.DoctorID})
	if err := chain.HandleDoctorAvailable(ctx, envelope); err != nil {
		t.Fatalf("first delivery failed: %v", err)
	}
	if err := chain.HandleDoctorAvailable(ctx, envelope); err != nil {
		t.Fatalf("redelivery should be acknowledged, got %v", err)
	}

	if rows := store.OutboxRows(); len(rows) != 1 {
		t.Fatalf("expected one outbox row after redelivery, got %d", len(rows))
	}
}
