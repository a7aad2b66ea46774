// Package messages defines the saga message contracts exchanged between the
// scheduling and billing contexts, plus the registry that maps a stored type
// tag back to a typed decode function at publish/consume time.
package messages

import "time"

// Type tags double as bus topics. A tag is part of the wire contract and
// must never be renamed once messages carrying it exist in an outbox table.
const (
	TypeAppointmentRequested   = "appointment.requested"
	TypeValidateAvailability   = "appointment.validate_availability"
	TypeDoctorAvailable        = "appointment.doctor_available"
	TypeDoctorUnavailable      = "appointment.doctor_unavailable"
	TypeReserveSlot            = "appointment.reserve_slot"
	TypeSlotReserved           = "appointment.slot_reserved"
	TypeSlotReservationFailed  = "appointment.slot_reservation_failed"
	TypeConfirmAppointment     = "appointment.confirm"
	TypeAppointmentConfirmed   = "appointment.confirmed"
	TypeCompensateAppointment  = "appointment.compensate"
	TypeAppointmentCompensated = "appointment.compensated"
	TypeAppointmentCancelled   = "appointment.cancelled"
	TypeBookingCompleted       = "appointment.booking_completed"
	TypeBookingFailed          = "appointment.booking_failed"
	TypePaymentCompleted       = "payment.completed"
	TypePaymentFailed          = "payment.failed"
)

// AppointmentRequested starts the booking workflow. The appointment id is
// the correlation id for every downstream message.
type AppointmentRequested struct {
	AppointmentID string    `json:"appointment_id"`
	PatientID     string    `json:"patient_id"`
	DoctorID      string    `json:"doctor_id"`
	SlotStart     time.Time `json:"slot_start"`
	SlotEnd       time.Time `json:"slot_end"`
}

// ValidateAvailability asks the availability step to check the doctor's slot.
type ValidateAvailability struct {
	AppointmentID string    `json:"appointment_id"`
	DoctorID      string    `json:"doctor_id"`
	SlotStart     time.Time `json:"slot_start"`
	SlotEnd       time.Time `json:"slot_end"`
}

type DoctorAvailable struct {
	AppointmentID string `json:"appointment_id"`
	DoctorID      string `json:"doctor_id"`
}

type DoctorUnavailable struct {
	AppointmentID string `json:"appointment_id"`
	Reason        string `json:"reason"`
}

type ReserveSlot struct {
	AppointmentID string    `json:"appointment_id"`
	DoctorID      string    `json:"doctor_id"`
	SlotStart     time.Time `json:"slot_start"`
	SlotEnd       time.Time `json:"slot_end"`
}

type SlotReserved struct {
	AppointmentID string `json:"appointment_id"`
	DoctorID      string `json:"doctor_id"`
	PatientID     string `json:"patient_id"`
}

type SlotReservationFailed struct {
	AppointmentID string `json:"appointment_id"`
	Reason        string `json:"reason"`
}

type ConfirmAppointment struct {
	AppointmentID string `json:"appointment_id"`
}

type AppointmentConfirmed struct {
	AppointmentID string `json:"appointment_id"`
}

// CompensateAppointment rolls the booking back after a failed step.
type CompensateAppointment struct {
	AppointmentID string `json:"appointment_id"`
	Reason        string `json:"reason"`
}

// AppointmentCompensated reports a completed rollback back to the saga.
type AppointmentCompensated struct {
	AppointmentID string `json:"appointment_id"`
	Reason        string `json:"reason"`
}

type AppointmentCancelled struct {
	AppointmentID string `json:"appointment_id"`
	Reason        string `json:"reason"`
}

// BookingCompleted is the outward-facing integration event published once
// the workflow reaches its terminal success state.
type BookingCompleted struct {
	AppointmentID string `json:"appointment_id"`
	DoctorID      string `json:"doctor_id"`
	PatientID     string `json:"patient_id"`
}

// BookingFailed is the outward-facing integration event for a compensated
// workflow.
type BookingFailed struct {
	AppointmentID string `json:"appointment_id"`
	Reason        string `json:"reason"`
}

type PaymentCompleted struct {
	PaymentID     string `json:"payment_id"`
	AppointmentID string `json:"appointment_id"`
	Status        string `json:"status"`
	TransactionID string `json:"transaction_id"`
}

type PaymentFailed struct {
	PaymentID     string `json:"payment_id"`
	AppointmentID string `json:"appointment_id"`
	Reason        string `json:"reason"`
}
