package saga

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"smarthealth/contexts/scheduling/appointment-service/adapters/memory"
	"smarthealth/contexts/scheduling/appointment-service/ports"
	"smarthealth/internal/shared/events"
	"smarthealth/internal/shared/messages"
)

type stubSubscriber struct {
	handlers map[string]ports.EventHandler
}

func (s *stubSubscriber) Subscribe(_ context.Context, topic string, _ string, handler ports.EventHandler) error {
	if s.handlers == nil {
		s.handlers = map[string]ports.EventHandler{}
	}
	s.handlers[topic] = handler
	return nil
}

func newTestOrchestrator(t *testing.T, now time.Time) (Orchestrator, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	store.NowFunc = func() time.Time { return now }
	return Orchestrator{
		Sagas:       store,
		Registry:    messages.NewRegistry(),
		Clock:       store,
		IDGenerator: store,
	}, store
}

func envelopeFor(t *testing.T, eventID, eventType, correlationID string, payload any) events.Envelope {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("encode %s payload failed: %v", eventType, err)
	}
	return events.Envelope{
		EventID:       eventID,
		EventType:     eventType,
		SourceService: "appointment-service",
		CorrelationID: correlationID,
		SchemaVersion: 1,
		Data:          data,
	}
}

func TestOrchestratorRegistersEveryInputTopic(t *testing.T) {
	orch, _ := newTestOrchestrator(t, time.Now())
	sub := &stubSubscriber{}
	if err := orch.Register(context.Background(), sub); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	for _, topic := range InputTopics {
		if sub.handlers[topic] == nil {
			t.Fatalf("expected subscription on %s", topic)
		}
	}
}

func TestOrchestratorAdvancesThroughWorkflow(t *testing.T) {
	now := time.Date(2026, 3, 11, 10, 0, 0, 0, time.UTC)
	orch, store := newTestOrchestrator(t, now)
	ctx := context.Background()

	err := orch.Handle(ctx, envelopeFor(t, "evt-1", messages.TypeAppointmentRequested, "apt-1",
		requestedMessage("apt-1", now)))
	if err != nil {
		t.Fatalf("handle requested failed: %v", err)
	}

	instance, found, err := store.GetSaga(ctx, "apt-1")
	if err != nil || !found {
		t.Fatalf("expected saga created: found=%v err=%v", found, err)
	}
	if instance.CurrentState != StateValidating || instance.Version != 1 {
		t.Fatalf("expected validating at version 1, got state=%q version=%d", instance.CurrentState, instance.Version)
	}

	rows := store.OutboxRows()
	if len(rows) != 1 || rows[0].MessageType != messages.TypeValidateAvailability {
		t.Fatalf("expected one validate_availability outbox row, got %+v", rows)
	}
	if rows[0].CorrelationID != "apt-1" {
		t.Fatalf("expected correlation id on outbox row, got %q", rows[0].CorrelationID)
	}

	err = orch.Handle(ctx, envelopeFor(t, "evt-2", messages.TypeDoctorAvailable, "apt-1",
		messages.DoctorAvailable{AppointmentID: "apt-1", DoctorID: "doctor-1"}))
	if err != nil {
		t.Fatalf("handle doctor_available failed: %v", err)
	}

	instance, _, _ = store.GetSaga(ctx, "apt-1")
	if instance.CurrentState != StateReserving || instance.Version != 2 {
		t.Fatalf("expected reserving at version 2, got state=%q version=%d", instance.CurrentState, instance.Version)
	}
	rows = store.OutboxRows()
	if len(rows) != 2 || rows[1].MessageType != messages.TypeReserveSlot {
		t.Fatalf("expected reserve_slot enqueued, got %+v", rows)
	}
}

func TestOrchestratorCompensatesOnReservationFailure(t *testing.T) {
	now := time.Date(2026, 3, 11, 10, 0, 0, 0, time.UTC)
	orch, store := newTestOrchestrator(t, now)
	ctx := context.Background()

	deliveries := []events.Envelope{
		envelopeFor(t, "evt-1", messages.TypeAppointmentRequested, "apt-2", requestedMessage("apt-2", now)),
		envelopeFor(t, "evt-2", messages.TypeDoctorAvailable, "apt-2", messages.DoctorAvailable{AppointmentID: "apt-2"}),
		envelopeFor(t, "evt-3", messages.TypeSlotReservationFailed, "apt-2", messages.SlotReservationFailed{
			AppointmentID: "apt-2",
			Reason:        "slot was taken by a competing booking",
		}),
	}
	for _, envelope := range deliveries {
		if err := orch.Handle(ctx, envelope); err != nil {
			t.Fatalf("handle %s failed: %v", envelope.EventType, err)
		}
	}

	instance, _, _ := store.GetSaga(ctx, "apt-2")
	if instance.CurrentState != StateCompensating {
		t.Fatalf("expected compensating, got %q", instance.CurrentState)
	}
	if instance.FailureReason != "slot was taken by a competing booking" {
		t.Fatalf("expected failure reason recorded, got %q", instance.FailureReason)
	}

	rows := store.OutboxRows()
	last := rows[len(rows)-1]
	if last.MessageType != messages.TypeCompensateAppointment {
		t.Fatalf("expected compensate command enqueued last, got %s", last.MessageType)
	}
}

func TestOrchestratorDropsUnknownCorrelation(t *testing.T) {
	now := time.Date(2026, 3, 11, 10, 0, 0, 0, time.UTC)
	orch, store := newTestOrchestrator(t, now)
	ctx := context.Background()

	err := orch.Handle(ctx, envelopeFor(t, "evt-1", messages.TypeSlotReserved, "apt-missing",
		messages.SlotReserved{AppointmentID: "apt-missing"}))
	if err != nil {
		t.Fatalf("expected stray event acknowledged, got %v", err)
	}
	if _, found, _ := store.GetSaga(ctx, "apt-missing"); found {
		t.Fatalf("expected no saga created for a stray event")
	}
	if rows := store.OutboxRows(); len(rows) != 0 {
		t.Fatalf("expected no outbox rows, got %+v", rows)
	}
}

func TestOrchestratorAcknowledgesRedeliveredEvent(t *testing.T) {
	now := time.Date(2026, 3, 11, 10, 0, 0, 0, time.UTC)
	orch, store := newTestOrchestrator(t, now)
	ctx := context.Background()

	requested := envelopeFor(t, "evt-1", messages.TypeAppointmentRequested, "apt-3", requestedMessage("apt-3", now))
	if err := orch.Handle(ctx, requested); err != nil {
		t.Fatalf("first delivery failed: %v", err)
	}
	if err := orch.Handle(ctx, envelopeFor(t, "evt-2", messages.TypeDoctorAvailable, "apt-3",
		messages.DoctorAvailable{AppointmentID: "apt-3"})); err != nil {
		t.Fatalf("doctor_available failed: %v", err)
	}

	// Redelivered doctor_available in reserving is absorbed without a save.
	if err := orch.Handle(ctx, envelopeFor(t, "evt-2b", messages.TypeDoctorAvailable, "apt-3",
		messages.DoctorAvailable{AppointmentID: "apt-3"})); err != nil {
		t.Fatalf("redelivery should be acknowledged, got %v", err)
	}

	instance, _, _ := store.GetSaga(ctx, "apt-3")
	if instance.Version != 2 {
		t.Fatalf("expected version unchanged at 2 after absorbed redelivery, got %d", instance.Version)
	}
}

func TestOrchestratorIgnoresUnexpectedEvent(t *testing.T) {
	now := time.Date(2026, 3, 11, 10, 0, 0, 0, time.UTC)
	orch, store := newTestOrchestrator(t, now)
	ctx := context.Background()

	if err := orch.Handle(ctx, envelopeFor(t, "evt-1", messages.TypeAppointmentRequested, "apt-4",
		requestedMessage("apt-4", now))); err != nil {
		t.Fatalf("handle requested failed: %v", err)
	}

	// Confirmed while still validating is a protocol violation, logged and acked.
	if err := orch.Handle(ctx, envelopeFor(t, "evt-2", messages.TypeAppointmentConfirmed, "apt-4",
		messages.AppointmentConfirmed{AppointmentID: "apt-4"})); err != nil {
		t.Fatalf("expected unexpected event acknowledged, got %v", err)
	}

	instance, _, _ := store.GetSaga(ctx, "apt-4")
	if instance.CurrentState != StateValidating || instance.Version != 1 {
		t.Fatalf("expected saga untouched, got state=%q version=%d", instance.CurrentState, instance.Version)
	}
}
