package messages

import (
	"encoding/json"
	"fmt"
)

// DecodeFunc turns a raw payload into its typed message.
type DecodeFunc func(data json.RawMessage) (any, error)

// Registry is a static map from a message type tag to its decode function.
// Resolution at publish time is a lookup, never reflection; an unregistered
// tag is permanently unresolvable and callers treat it as dead on arrival.
type Registry struct {
	decoders map[string]DecodeFunc
}

// NewRegistry returns a registry populated with every known message type.
func NewRegistry() *Registry {
	r := &Registry{decoders: make(map[string]DecodeFunc)}
	register[AppointmentRequested](r, TypeAppointmentRequested)
	register[ValidateAvailability](r, TypeValidateAvailability)
	register[DoctorAvailable](r, TypeDoctorAvailable)
	register[DoctorUnavailable](r, TypeDoctorUnavailable)
	register[ReserveSlot](r, TypeReserveSlot)
	register[SlotReserved](r, TypeSlotReserved)
	register[SlotReservationFailed](r, TypeSlotReservationFailed)
	register[ConfirmAppointment](r, TypeConfirmAppointment)
	register[AppointmentConfirmed](r, TypeAppointmentConfirmed)
	register[CompensateAppointment](r, TypeCompensateAppointment)
	register[AppointmentCompensated](r, TypeAppointmentCompensated)
	register[AppointmentCancelled](r, TypeAppointmentCancelled)
	register[BookingCompleted](r, TypeBookingCompleted)
	register[BookingFailed](r, TypeBookingFailed)
	register[PaymentCompleted](r, TypePaymentCompleted)
	register[PaymentFailed](r, TypePaymentFailed)
	return r
}

func register[T any](r *Registry, tag string) {
	r.decoders[tag] = func(data json.RawMessage) (any, error) {
		var msg T
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", tag, err)
		}
		return msg, nil
	}
}

// Known reports whether the tag resolves to a registered message type.
func (r *Registry) Known(tag string) bool {
	_, ok := r.decoders[tag]
	return ok
}

// Decode resolves the tag and decodes the payload into its typed message.
func (r *Registry) Decode(tag string, data json.RawMessage) (any, error) {
	decode, ok := r.decoders[tag]
	if !ok {
		return nil, fmt.Errorf("unknown message type %q", tag)
	}
	return decode(data)
}
