package httptransport

import "time"

type BookAppointmentRequest struct {
	PatientID string    `json:"patient_id"`
	DoctorID  string    `json:"doctor_id"`
	SlotStart time.Time `json:"slot_start"`
	SlotEnd   time.Time `json:"slot_end"`
	Reason    string    `json:"reason,omitempty"`
}

type CancelAppointmentRequest struct {
	Reason string `json:"reason,omitempty"`
}

type AppointmentResponse struct {
	AppointmentID string    `json:"appointment_id"`
	PatientID     string    `json:"patient_id"`
	DoctorID      string    `json:"doctor_id"`
	SlotStart     time.Time `json:"slot_start"`
	SlotEnd       time.Time `json:"slot_end"`
	Status        string    `json:"status"`
	Reason        string    `json:"reason,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
	SagaState     string    `json:"saga_state,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
