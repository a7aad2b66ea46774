package commands

import (
	"context"
	"errors"
	"testing"
	"time"

	"smarthealth/contexts/scheduling/appointment-service/adapters/memory"
	"smarthealth/contexts/scheduling/appointment-service/domain/entities"
	domainerrors "smarthealth/contexts/scheduling/appointment-service/domain/errors"
	"smarthealth/internal/shared/messages"
)

func newBookFixture(now time.Time) (BookAppointmentUseCase, *memory.Store) {
	store := memory.NewStore()
	store.NowFunc = func() time.Time { return now }
	return BookAppointmentUseCase{
		Appointments: store,
		Clock:        store,
		IDGenerator:  store,
	}, store
}

func TestBookAppointmentPersistsAggregateAndOutboxRow(t *testing.T) {
	now := time.Date(2026, 3, 13, 9, 0, 0, 0, time.UTC)
	uc, store := newBookFixture(now)

	appointment, err := uc.Execute(context.Background(), BookAppointmentCommand{
		PatientID: "patient-1",
		DoctorID:  "doctor-1",
		SlotStart: now.Add(24 * time.Hour),
		SlotEnd:   now.Add(25 * time.Hour),
		Reason:    "annual checkup",
	})
	if err != nil {
		t.Fatalf("book failed: %v", err)
	}
	if appointment.Status != entities.StatusRequested {
		t.Fatalf("expected requested status, got %q", appointment.Status)
	}
	if len(appointment.PendingEvents()) != 0 {
		t.Fatalf("expected recorded events cleared after save")
	}

	stored, err := store.GetAppointment(context.Background(), appointment.ID)
	if err != nil {
		t.Fatalf("load stored appointment failed: %v", err)
	}
	if stored.PatientID != "patient-1" || stored.DoctorID != "doctor-1" {
		t.Fatalf("expected participants persisted, got %+v", stored)
	}

	rows := store.OutboxRows()
	if len(rows) != 1 {
		t.Fatalf("expected one outbox row, got %d", len(rows))
	}
	if rows[0].MessageType != messages.TypeAppointmentRequested {
		t.Fatalf("expected appointment.requested row, got %s", rows[0].MessageType)
	}
	if rows[0].CorrelationID != appointment.ID {
		t.Fatalf("expected correlation id %s, got %s", appointment.ID, rows[0].CorrelationID)
	}
}

func TestBookAppointmentRejectsSlotInPast(t *testing.T) {
	now := time.Date(2026, 3, 13, 9, 0, 0, 0, time.UTC)
	uc, store := newBookFixture(now)

	_, err := uc.Execute(context.Background(), BookAppointmentCommand{
		PatientID: "patient-1",
		DoctorID:  "doctor-1",
		SlotStart: now.Add(-time.Hour),
		SlotEnd:   now.Add(time.Hour),
	})
	if !errors.Is(err, domainerrors.ErrSlotInPast) {
		t.Fatalf("expected ErrSlotInPast, got %v", err)
	}
	if rows := store.OutboxRows(); len(rows) != 0 {
		t.Fatalf("expected no outbox rows on rejection, got %d", len(rows))
	}
}

func TestBookAppointmentRejectsMalformedRequest(t *testing.T) {
	now := time.Date(2026, 3, 13, 9, 0, 0, 0, time.UTC)
	uc, _ := newBookFixture(now)

	cases := []BookAppointmentCommand{
		{DoctorID: "doctor-1", SlotStart: now.Add(time.Hour), SlotEnd: now.Add(2 * time.Hour)},
		{PatientID: "patient-1", SlotStart: now.Add(time.Hour), SlotEnd: now.Add(2 * time.Hour)},
		{PatientID: "patient-1", DoctorID: "doctor-1", SlotStart: now.Add(2 * time.Hour), SlotEnd: now.Add(time.Hour)},
	}
	for i, cmd := range cases {
		if _, err := uc.Execute(context.Background(), cmd); !errors.Is(err, domainerrors.ErrInvalidBookingRequest) {
			t.Fatalf("case %d: expected ErrInvalidBookingRequest, got %v", i, err)
		}
	}
}

func TestCancelAppointmentRecordsCancellation(t *testing.T) {
	now := time.Date(2026, 3, 13, 9, 0, 0, 0, time.UTC)
	book, store := newBookFixture(now)
	cancel := CancelAppointmentUseCase{
		Appointments: store,
		Clock:        store,
		IDGenerator:  store,
	}

	appointment, err := book.Execute(context.Background(), BookAppointmentCommand{
		PatientID: "patient-1",
		DoctorID:  "doctor-1",
		SlotStart: now.Add(24 * time.Hour),
		SlotEnd:   now.Add(25 * time.Hour),
	})
	if err != nil {
		t.Fatalf("book failed: %v", err)
	}

	cancelled, err := cancel.Execute(context.Background(), CancelAppointmentCommand{
		AppointmentID: appointment.ID,
		Reason:        "patient request",
	})
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if cancelled.Status != entities.StatusCancelled {
		t.Fatalf("expected cancelled status, got %q", cancelled.Status)
	}

	rows := store.OutboxRows()
	last := rows[len(rows)-1]
	if last.MessageType != messages.TypeAppointmentCancelled {
		t.Fatalf("expected appointment.cancelled row, got %s", last.MessageType)
	}

	// Cancelling twice is rejected.
	if _, err := cancel.Execute(context.Background(), CancelAppointmentCommand{AppointmentID: appointment.ID}); !errors.Is(err, domainerrors.ErrAlreadyCancelled) {
		t.Fatalf("expected ErrAlreadyCancelled, got %v", err)
	}
}

func TestCancelAppointmentUnknownID(t *testing.T) {
	now := time.Date(2026, 3, 13, 9, 0, 0, 0, time.UTC)
	_, store := newBookFixture(now)
	cancel := CancelAppointmentUseCase{Appointments: store, Clock: store, IDGenerator: store}

	if _, err := cancel.Execute(context.Background(), CancelAppointmentCommand{AppointmentID: "missing"}); !errors.Is(err, domainerrors.ErrAppointmentNotFound) {
		t.Fatalf("expected ErrAppointmentNotFound, got %v", err)
	}
}
