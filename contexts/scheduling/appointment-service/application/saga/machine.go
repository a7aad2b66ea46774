package saga

import (
	"fmt"
	"time"

	domainerrors "smarthealth/contexts/scheduling/appointment-service/domain/errors"
	"smarthealth/contexts/scheduling/appointment-service/ports"
	"smarthealth/internal/shared/messages"
)

const (
	StateInitial      = ""
	StateValidating   = "validating"
	StateReserving    = "reserving"
	StateConfirming   = "confirming"
	StateCompleted    = "completed"
	StateCompensating = "compensating"
	StateFailed       = "failed"
)

// ActiveStates lists the non-terminal states a booking can stall in.
var ActiveStates = []string{StateValidating, StateReserving, StateConfirming, StateCompensating}

func IsTerminal(state string) bool {
	return state == StateCompleted || state == StateFailed
}

// Draft is a message the machine wants enqueued alongside the state save.
type Draft struct {
	MessageType string
	Payload     any
}

type transition struct {
	next string
	// absorb marks a redelivered or late event that carries no new
	// information for this state. Absorbed events change nothing.
	absorb bool
	apply  func(inst *ports.SagaInstance, msg any) ([]Draft, error)
}

// table is the closed (state, event type) transition map. Pairs absent from
// the table are protocol violations reported as ErrUnexpectedSagaEvent.
var table = map[string]map[string]transition{
	StateInitial: {
		messages.TypeAppointmentRequested: {next: StateValidating, apply: applyRequested},
	},
	StateValidating: {
		messages.TypeDoctorAvailable:   {next: StateReserving, apply: applyDoctorAvailable},
		messages.TypeDoctorUnavailable: {next: StateCompensating, apply: applyDoctorUnavailable},
	},
	StateReserving: {
		messages.TypeSlotReserved:          {next: StateConfirming, apply: applySlotReserved},
		messages.TypeSlotReservationFailed: {next: StateCompensating, apply: applyReservationFailed},
		messages.TypeDoctorAvailable:       {absorb: true},
	},
	StateConfirming: {
		messages.TypeAppointmentConfirmed: {next: StateCompleted, apply: applyConfirmed},
		messages.TypeSlotReserved:         {absorb: true},
	},
	StateCompensating: {
		messages.TypeAppointmentCompensated: {next: StateFailed, apply: applyCompensated},
		messages.TypeDoctorUnavailable:      {absorb: true},
		messages.TypeSlotReservationFailed:  {absorb: true},
	},
	StateCompleted: {
		messages.TypeAppointmentConfirmed: {absorb: true},
	},
	StateFailed: {
		messages.TypeAppointmentCompensated: {absorb: true},
	},
}

// Apply advances the instance for one event. It returns the messages to
// enqueue with the save and whether the instance changed at all; absorbed
// duplicates report changed=false so callers skip the save entirely.
func Apply(inst *ports.SagaInstance, eventType string, msg any, now time.Time) ([]Draft, bool, error) {
	entry, ok := table[inst.CurrentState][eventType]
	if !ok {
		return nil, false, fmt.Errorf("%w: event %s in state %q",
			domainerrors.ErrUnexpectedSagaEvent, eventType, inst.CurrentState)
	}
	if entry.absorb {
		return nil, false, nil
	}
	drafts, err := entry.apply(inst, msg)
	if err != nil {
		return nil, false, err
	}
	inst.CurrentState = entry.next
	inst.UpdatedAt = now.UTC()
	return drafts, true, nil
}

func applyRequested(inst *ports.SagaInstance, msg any) ([]Draft, error) {
	req, ok := msg.(messages.AppointmentRequested)
	if !ok {
		return nil, fmt.Errorf("%w: appointment.requested payload has wrong type",
			domainerrors.ErrUnexpectedSagaEvent)
	}
	inst.CorrelationID = req.AppointmentID
	inst.PatientID = req.PatientID
	inst.DoctorID = req.DoctorID
	inst.SlotStart = req.SlotStart
	inst.SlotEnd = req.SlotEnd
	return []Draft{{
		MessageType: messages.TypeValidateAvailability,
		Payload: messages.ValidateAvailability{
			AppointmentID: req.AppointmentID,
			DoctorID:      req.DoctorID,
			SlotStart:     req.SlotStart,
			SlotEnd:       req.SlotEnd,
		},
	}}, nil
}

func applyDoctorAvailable(inst *ports.SagaInstance, _ any) ([]Draft, error) {
	return []Draft{{
		MessageType: messages.TypeReserveSlot,
		Payload: messages.ReserveSlot{
			AppointmentID: inst.CorrelationID,
			DoctorID:      inst.DoctorID,
			SlotStart:     inst.SlotStart,
			SlotEnd:       inst.SlotEnd,
		},
	}}, nil
}

func applyDoctorUnavailable(inst *ports.SagaInstance, msg any) ([]Draft, error) {
	denial, ok := msg.(messages.DoctorUnavailable)
	if !ok {
		return nil, fmt.Errorf("%w: appointment.doctor_unavailable payload has wrong type",
			domainerrors.ErrUnexpectedSagaEvent)
	}
	return compensate(inst, denial.Reason), nil
}

func applySlotReserved(inst *ports.SagaInstance, _ any) ([]Draft, error) {
	return []Draft{{
		MessageType: messages.TypeConfirmAppointment,
		Payload:     messages.ConfirmAppointment{AppointmentID: inst.CorrelationID},
	}}, nil
}

func applyReservationFailed(inst *ports.SagaInstance, msg any) ([]Draft, error) {
	failure, ok := msg.(messages.SlotReservationFailed)
	if !ok {
		return nil, fmt.Errorf("%w: appointment.slot_reservation_failed payload has wrong type",
			domainerrors.ErrUnexpectedSagaEvent)
	}
	return compensate(inst, failure.Reason), nil
}

func applyConfirmed(inst *ports.SagaInstance, _ any) ([]Draft, error) {
	return []Draft{{
		MessageType: messages.TypeBookingCompleted,
		Payload: messages.BookingCompleted{
			AppointmentID: inst.CorrelationID,
			DoctorID:      inst.DoctorID,
			PatientID:     inst.PatientID,
		},
	}}, nil
}

func applyCompensated(inst *ports.SagaInstance, msg any) ([]Draft, error) {
	done, ok := msg.(messages.AppointmentCompensated)
	if !ok {
		return nil, fmt.Errorf("%w: appointment.compensated payload has wrong type",
			domainerrors.ErrUnexpectedSagaEvent)
	}
	reason := inst.FailureReason
	if reason == "" {
		reason = done.Reason
	}
	inst.FailureReason = reason
	return []Draft{{
		MessageType: messages.TypeBookingFailed,
		Payload: messages.BookingFailed{
			AppointmentID: inst.CorrelationID,
			Reason:        reason,
		},
	}}, nil
}

func compensate(inst *ports.SagaInstance, reason string) []Draft {
	inst.FailureReason = reason
	return []Draft{{
		MessageType: messages.TypeCompensateAppointment,
		Payload: messages.CompensateAppointment{
			AppointmentID: inst.CorrelationID,
			Reason:        reason,
		},
	}}
}
