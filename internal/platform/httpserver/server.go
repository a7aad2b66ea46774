package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	paymentservice "smarthealth/contexts/billing/payment-service"
	paymenterrors "smarthealth/contexts/billing/payment-service/domain/errors"
	paymenthttp "smarthealth/contexts/billing/payment-service/transport/http"
	appointmentservice "smarthealth/contexts/scheduling/appointment-service"
	appointmenterrors "smarthealth/contexts/scheduling/appointment-service/domain/errors"
	appointmenthttp "smarthealth/contexts/scheduling/appointment-service/transport/http"

	httpSwagger "github.com/swaggo/http-swagger"
	_ "smarthealth/internal/platform/httpserver/docs"
)

type Server struct {
	mux          *http.ServeMux
	logger       *slog.Logger
	addr         string
	appointments appointmentservice.Module
	payments     paymentservice.Module
}

func New(
	appointments appointmentservice.Module,
	payments paymentservice.Module,
	logger *slog.Logger,
	addr string,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if addr == "" {
		addr = ":8080"
	}

	s := &Server{
		mux:          http.NewServeMux(),
		logger:       logger,
		addr:         addr,
		appointments: appointments,
		payments:     payments,
	}
	s.registerRoutes()
	return s
}

func (s *Server) Start() error {
	s.logger.Info("http server starting",
		"event", "http_server_starting",
		"module", "internal/platform/httpserver",
		"layer", "platform",
		"addr", s.addr,
	)
	return http.ListenAndServe(s.addr, s.mux)
}

// Handler exposes the routing mux, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) registerRoutes() {
	s.mux.Handle("/swagger/", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	s.mux.HandleFunc("POST /v1/appointments", s.handleBookAppointment)
	s.mux.HandleFunc("GET /v1/appointments/{appointment_id}", s.handleGetAppointment)
	s.mux.HandleFunc("POST /v1/appointments/{appointment_id}/cancel", s.handleCancelAppointment)
	s.mux.HandleFunc("GET /v1/payments/{appointment_id}", s.handleGetPayment)
}

func (s *Server) handleBookAppointment(w http.ResponseWriter, r *http.Request) {
	var req appointmenthttp.BookAppointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAppointmentError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
		return
	}

	resp, err := s.appointments.Handler.BookAppointmentHandler(r.Context(), req)
	if err != nil {
		writeAppointmentDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleGetAppointment(w http.ResponseWriter, r *http.Request) {
	appointmentID := r.PathValue("appointment_id")
	resp, err := s.appointments.Handler.GetAppointmentHandler(r.Context(), appointmentID)
	if err != nil {
		writeAppointmentDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancelAppointment(w http.ResponseWriter, r *http.Request) {
	appointmentID := r.PathValue("appointment_id")

	var req appointmenthttp.CancelAppointmentRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeAppointmentError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
			return
		}
	}

	resp, err := s.appointments.Handler.CancelAppointmentHandler(r.Context(), appointmentID, req)
	if err != nil {
		writeAppointmentDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	appointmentID := r.PathValue("appointment_id")
	resp, err := s.payments.Handler.GetPaymentHandler(r.Context(), appointmentID)
	if err != nil {
		writePaymentDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeAppointmentDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, appointmenterrors.ErrAppointmentNotFound):
		writeAppointmentError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, appointmenterrors.ErrInvalidBookingRequest),
		errors.Is(err, appointmenterrors.ErrSlotInPast):
		writeAppointmentError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, appointmenterrors.ErrAlreadyCancelled),
		errors.Is(err, appointmenterrors.ErrInvalidStatusTransition),
		errors.Is(err, appointmenterrors.ErrIdempotencyConflict):
		writeAppointmentError(w, http.StatusConflict, "conflict", err.Error())
	default:
		writeAppointmentError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func writePaymentDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, paymenterrors.ErrPaymentNotFound):
		writePaymentError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, paymenterrors.ErrDuplicatePayment):
		writePaymentError(w, http.StatusConflict, "conflict", err.Error())
	default:
		writePaymentError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func writeAppointmentError(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, appointmenthttp.ErrorResponse{
		Code:    code,
		Message: message,
	})
}

func writePaymentError(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, paymenthttp.ErrorResponse{
		Code:    code,
		Message: message,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
