package workers

import (
	"context"
	"testing"
	"time"

	"smarthealth/contexts/scheduling/appointment-service/application/saga"
	"smarthealth/contexts/scheduling/appointment-service/ports"
	"smarthealth/internal/shared/messages"
)

func TestStallSweeperCompensatesStalledSagas(t *testing.T) {
	now := time.Date(2026, 3, 18, 9, 0, 0, 0, time.UTC)
	store := newWorkerStore(t, now)
	sweeper := StallSweeper{
		Sagas:        store,
		Clock:        store,
		IDGenerator:  store,
		StallTimeout: 10 * time.Minute,
	}
	ctx := context.Background()

	stalledAt := now.Add(-time.Hour)
	if err := store.SaveSagaWithOutbox(ctx, ports.SagaInstance{
		CorrelationID: "apt-stalled",
		CurrentState:  saga.StateReserving,
		CreatedAt:     stalledAt,
		UpdatedAt:     stalledAt,
	}, 0, nil); err != nil {
		t.Fatalf("seed stalled saga failed: %v", err)
	}
	if err := store.SaveSagaWithOutbox(ctx, ports.SagaInstance{
		CorrelationID: "apt-fresh",
		CurrentState:  saga.StateValidating,
		CreatedAt:     now.Add(-time.Minute),
		UpdatedAt:     now.Add(-time.Minute),
	}, 0, nil); err != nil {
		t.Fatalf("seed fresh saga failed: %v", err)
	}
	if err := store.SaveSagaWithOutbox(ctx, ports.SagaInstance{
		CorrelationID: "apt-done",
		CurrentState:  saga.StateCompleted,
		CreatedAt:     stalledAt,
		UpdatedAt:     stalledAt,
	}, 0, nil); err != nil {
		t.Fatalf("seed completed saga failed: %v", err)
	}

	if err := sweeper.RunOnce(ctx); err != nil {
		t.Fatalf("sweep cycle failed: %v", err)
	}

	swept, _, _ := store.GetSaga(ctx, "apt-stalled")
	if swept.CurrentState != saga.StateCompensating {
		t.Fatalf("expected stalled saga driven to compensating, got %q", swept.CurrentState)
	}
	if swept.FailureReason == "" {
		t.Fatalf("expected a timeout failure reason recorded")
	}
	if swept.Version != 2 {
		t.Fatalf("expected version bumped by the CAS save, got %d", swept.Version)
	}

	fresh, _, _ := store.GetSaga(ctx, "apt-fresh")
	if fresh.CurrentState != saga.StateValidating {
		t.Fatalf("expected fresh saga untouched, got %q", fresh.CurrentState)
	}
	done, _, _ := store.GetSaga(ctx, "apt-done")
	if done.CurrentState != saga.StateCompleted {
		t.Fatalf("expected terminal saga untouched, got %q", done.CurrentState)
	}

	rows := store.OutboxRows()
	if len(rows) != 1 || rows[0].MessageType != messages.TypeCompensateAppointment {
		t.Fatalf("expected one compensate command enqueued, got %+v", rows)
	}
	if rows[0].CorrelationID != "apt-stalled" {
		t.Fatalf("expected compensate targeted at the stalled saga, got %q", rows[0].CorrelationID)
	}
}

func TestStallSweeperLeavesCompensatingAlone(t *testing.T) {
	now := time.Date(2026, 3, 18, 9, 0, 0, 0, time.UTC)
	store := newWorkerStore(t, now)
	sweeper := StallSweeper{
		Sagas:        store,
		Clock:        store,
		IDGenerator:  store,
		StallTimeout: 10 * time.Minute,
	}
	ctx := context.Background()

	stalledAt := now.Add(-time.Hour)
	if err := store.SaveSagaWithOutbox(ctx, ports.SagaInstance{
		CorrelationID: "apt-compensating",
		CurrentState:  saga.StateCompensating,
		CreatedAt:     stalledAt,
		UpdatedAt:     stalledAt,
	}, 0, nil); err != nil {
		t.Fatalf("seed compensating saga failed: %v", err)
	}

	if err := sweeper.RunOnce(ctx); err != nil {
		t.Fatalf("sweep cycle failed: %v", err)
	}
	if rows := store.OutboxRows(); len(rows) != 0 {
		t.Fatalf("expected no compensate command for an already compensating saga, got %d rows", len(rows))
	}
}
