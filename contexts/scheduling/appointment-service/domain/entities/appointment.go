package entities

import (
	"strings"
	"time"

	domainerrors "smarthealth/contexts/scheduling/appointment-service/domain/errors"
	"smarthealth/internal/shared/messages"
)

type AppointmentStatus string

const (
	StatusRequested    AppointmentStatus = "requested"
	StatusSlotReserved AppointmentStatus = "slot_reserved"
	StatusConfirmed    AppointmentStatus = "confirmed"
	StatusCancelled    AppointmentStatus = "cancelled"
	StatusFailed       AppointmentStatus = "failed"
)

// RecordedEvent is a domain fact waiting to be translated into an outbox row
// at save time. Events are consumed exactly once: repositories persist them
// with the aggregate and callers clear them afterwards.
type RecordedEvent struct {
	MessageType string
	Payload     any
}

// Appointment is the aggregate root of the booking workflow. Its id is the
// correlation identity every saga message carries.
type Appointment struct {
	ID            string
	PatientID     string
	DoctorID      string
	SlotStart     time.Time
	SlotEnd       time.Time
	Status        AppointmentStatus
	Reason        string
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time

	pending []RecordedEvent
}

// Book creates a requested appointment and records the workflow-triggering
// event. The slot must lie in the future and be well-formed.
func Book(
	id string,
	patientID string,
	doctorID string,
	slotStart time.Time,
	slotEnd time.Time,
	reason string,
	now time.Time,
) (Appointment, error) {
	if strings.TrimSpace(id) == "" ||
		strings.TrimSpace(patientID) == "" ||
		strings.TrimSpace(doctorID) == "" {
		return Appointment{}, domainerrors.ErrInvalidBookingRequest
	}
	if !slotEnd.After(slotStart) {
		return Appointment{}, domainerrors.ErrInvalidBookingRequest
	}
	if !slotStart.After(now) {
		return Appointment{}, domainerrors.ErrSlotInPast
	}

	appointment := Appointment{
		ID:        id,
		PatientID: patientID,
		DoctorID:  doctorID,
		SlotStart: slotStart.UTC(),
		SlotEnd:   slotEnd.UTC(),
		Status:    StatusRequested,
		Reason:    reason,
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
	}
	appointment.record(messages.TypeAppointmentRequested, messages.AppointmentRequested{
		AppointmentID: id,
		PatientID:     patientID,
		DoctorID:      doctorID,
		SlotStart:     appointment.SlotStart,
		SlotEnd:       appointment.SlotEnd,
	})
	return appointment, nil
}

// ReserveSlot moves the appointment to slot_reserved. A redelivered reserve
// command finds the status already advanced and must be treated as a no-op
// by the caller, so the duplicate guard lives on the status check here.
func (a *Appointment) ReserveSlot(now time.Time) error {
	if a.Status != StatusRequested {
		return domainerrors.ErrInvalidStatusTransition
	}
	a.Status = StatusSlotReserved
	a.UpdatedAt = now.UTC()
	a.record(messages.TypeSlotReserved, messages.SlotReserved{
		AppointmentID: a.ID,
		DoctorID:      a.DoctorID,
		PatientID:     a.PatientID,
	})
	return nil
}

func (a *Appointment) Confirm(now time.Time) error {
	if a.Status != StatusRequested && a.Status != StatusSlotReserved {
		return domainerrors.ErrInvalidStatusTransition
	}
	a.Status = StatusConfirmed
	a.UpdatedAt = now.UTC()
	a.record(messages.TypeAppointmentConfirmed, messages.AppointmentConfirmed{
		AppointmentID: a.ID,
	})
	return nil
}

func (a *Appointment) Cancel(reason string, now time.Time) error {
	if a.Status == StatusCancelled {
		return domainerrors.ErrAlreadyCancelled
	}
	a.Status = StatusCancelled
	a.FailureReason = reason
	a.UpdatedAt = now.UTC()
	a.record(messages.TypeAppointmentCancelled, messages.AppointmentCancelled{
		AppointmentID: a.ID,
		Reason:        reason,
	})
	return nil
}

// Fail marks the appointment compensated after a failed workflow step.
// Reachable from any non-terminal status; compensating twice is a no-op
// fact-wise but still allowed so late duplicates never error.
func (a *Appointment) Fail(reason string, now time.Time) {
	a.Status = StatusFailed
	a.FailureReason = reason
	a.UpdatedAt = now.UTC()
	a.record(messages.TypeAppointmentCompensated, messages.AppointmentCompensated{
		AppointmentID: a.ID,
		Reason:        reason,
	})
}

func (a *Appointment) PendingEvents() []RecordedEvent {
	return a.pending
}

// ClearEvents drops recorded events after a successful save so a later save
// of the same in-memory aggregate cannot enqueue them twice.
func (a *Appointment) ClearEvents() {
	a.pending = nil
}

func (a *Appointment) record(messageType string, payload any) {
	a.pending = append(a.pending, RecordedEvent{MessageType: messageType, Payload: payload})
}
