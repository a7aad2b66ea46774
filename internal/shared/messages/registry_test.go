package messages

import (
	"encoding/json"
	"testing"
	"time"
)

func TestRegistryDecodesRegisteredType(t *testing.T) {
	registry := NewRegistry()
	slotStart := time.Date(2026, 3, 20, 10, 0, 0, 0, time.UTC)
	payload, _ := json.Marshal(AppointmentRequested{
		AppointmentID: "apt-1",
		PatientID:     "patient-1",
		DoctorID:      "doctor-1",
		SlotStart:     slotStart,
		SlotEnd:       slotStart.Add(time.Hour),
	})

	decoded, err := registry.Decode(TypeAppointmentRequested, payload)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	requested, ok := decoded.(AppointmentRequested)
	if !ok {
		t.Fatalf("expected AppointmentRequested, got %T", decoded)
	}
	if requested.AppointmentID != "apt-1" || !requested.SlotStart.Equal(slotStart) {
		t.Fatalf("decoded payload mismatch: %+v", requested)
	}
}

func TestRegistryRejectsUnknownTag(t *testing.T) {
	registry := NewRegistry()
	if registry.Known("appointment.renamed_in_v2") {
		t.Fatalf("expected unknown tag reported as unknown")
	}
	if _, err := registry.Decode("appointment.renamed_in_v2", json.RawMessage(`{}`)); err == nil {
		t.Fatalf("expected decode of an unknown tag to fail")
	}
}

func TestRegistryKnowsEveryWorkflowTag(t *testing.T) {
	registry := NewRegistry()
	for _, tag := range []string{
		TypeAppointmentRequested,
		TypeValidateAvailability,
		TypeDoctorAvailable,
		TypeDoctorUnavailable,
		TypeReserveSlot,
		TypeSlotReserved,
		TypeSlotReservationFailed,
		TypeConfirmAppointment,
		TypeAppointmentConfirmed,
		TypeCompensateAppointment,
		TypeAppointmentCompensated,
		TypeAppointmentCancelled,
		TypeBookingCompleted,
		TypeBookingFailed,
		TypePaymentCompleted,
		TypePaymentFailed,
	} {
		if !registry.Known(tag) {
			t.Fatalf("expected %s registered", tag)
		}
	}
}
