package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	paymentservice "smarthealth/contexts/billing/payment-service"
	appointmentservice "smarthealth/contexts/scheduling/appointment-service"
	appointmenthttp "smarthealth/contexts/scheduling/appointment-service/transport/http"
	"smarthealth/internal/shared/events"
)

type nopPublisher struct{}

func (nopPublisher) Publish(_ context.Context, _ string, _ events.Envelope) error { return nil }

func newTestServer() *Server {
	appointments := appointmentservice.NewInMemoryModule(nopPublisher{}, nil)
	payments := paymentservice.NewInMemoryModule(nil)
	return New(appointments, payments, nil, ":0")
}

func bookRequestBody(t *testing.T) *bytes.Buffer {
	t.Helper()
	slotStart := time.Now().Add(24 * time.Hour).UTC()
	body, err := json.Marshal(appointmenthttp.BookAppointmentRequest{
		PatientID: "patient-1",
		DoctorID:  "doctor-1",
		SlotStart: slotStart,
		SlotEnd:   slotStart.Add(time.Hour),
		Reason:    "annual checkup",
	})
	if err != nil {
		t.Fatalf("encode booking request failed: %v", err)
	}
	return bytes.NewBuffer(body)
}

func TestBookAppointmentEndpointAcceptsRequest(t *testing.T) {
	server := newTestServer()
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/v1/appointments", bookRequestBody(t))

	server.Handler().ServeHTTP(recorder, request)

	if recorder.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var resp appointmenthttp.AppointmentResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response failed: %v", err)
	}
	if resp.AppointmentID == "" || resp.Status != "requested" {
		t.Fatalf("expected a requested appointment with an id, got %+v", resp)
	}
}

func TestBookAppointmentEndpointRejectsPastSlot(t *testing.T) {
	server := newTestServer()
	slotStart := time.Now().Add(-24 * time.Hour).UTC()
	body, _ := json.Marshal(appointmenthttp.BookAppointmentRequest{
		PatientID: "patient-1",
		DoctorID:  "doctor-1",
		SlotStart: slotStart,
		SlotEnd:   slotStart.Add(time.Hour),
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/v1/appointments", bytes.NewBuffer(body))
	server.Handler().ServeHTTP(recorder, request)

	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
	var errResp appointmenthttp.ErrorResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("decode error response failed: %v", err)
	}
	if errResp.Code != "invalid_request" {
		t.Fatalf("expected invalid_request code, got %q", errResp.Code)
	}
}

func TestGetAppointmentEndpoint(t *testing.T) {
	server := newTestServer()

	recorder := httptest.NewRecorder()
	server.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/v1/appointments", bookRequestBody(t)))
	var created appointmenthttp.AppointmentResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode booking response failed: %v", err)
	}

	recorder = httptest.NewRecorder()
	server.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/v1/appointments/"+created.AppointmentID, nil))

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var fetched appointmenthttp.AppointmentResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &fetched); err != nil {
		t.Fatalf("decode status response failed: %v", err)
	}
	if fetched.AppointmentID != created.AppointmentID || fetched.Status != "requested" {
		t.Fatalf("expected the booked appointment back, got %+v", fetched)
	}
}

func TestGetAppointmentEndpointNotFound(t *testing.T) {
	server := newTestServer()
	recorder := httptest.NewRecorder()
	server.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/v1/appointments/missing", nil))

	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
}

func TestCancelAppointmentEndpoint(t *testing.T) {
	server := newTestServer()

	recorder := httptest.NewRecorder()
	server.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/v1/appointments", bookRequestBody(t)))
	var created appointmenthttp.AppointmentResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode booking response failed: %v", err)
	}

	// Cancellation with no body is allowed.
	recorder = httptest.NewRecorder()
	server.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/v1/appointments/"+created.AppointmentID+"/cancel", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var cancelled appointmenthttp.AppointmentResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &cancelled); err != nil {
		t.Fatalf("decode cancel response failed: %v", err)
	}
	if cancelled.Status != "cancelled" {
		t.Fatalf("expected cancelled status, got %q", cancelled.Status)
	}

	// A second cancel conflicts.
	recorder = httptest.NewRecorder()
	server.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/v1/appointments/"+created.AppointmentID+"/cancel", nil))
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", recorder.Code)
	}
}

func TestGetPaymentEndpointNotFound(t *testing.T) {
	server := newTestServer()
	recorder := httptest.NewRecorder()
	server.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/v1/payments/apt-1", nil))

	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
}
