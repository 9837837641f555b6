package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/inkwell-labs/creditd/internal/billing"
)

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.billing.Plans())
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())
	var req struct {
		Plan string `json:"plan"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Plan == "" {
		writeError(w, http.StatusBadRequest, "plan is required")
		return
	}

	p, err := s.billing.Checkout(r.Context(), identity.UserID, req.Plan)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleListPayments(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())
	payments, err := s.billing.Payments(r.Context(), identity.UserID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payments)
}

func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())
	p, err := s.billing.Payment(r.Context(), identity.UserID, chi.URLParam(r, "paymentID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleCancelPayment(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())
	var req struct {
		Reason string `json:"reason"`
	}
	// The body is optional.
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	p, err := s.billing.Cancel(r.Context(), identity.UserID, chi.URLParam(r, "paymentID"), req.Reason)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleWebhook receives PayOS payment notifications. Any verified delivery
// is acknowledged with 200 so PayOS stops retrying; only bad signatures and
// internal failures are rejected.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.billing.HandleWebhook(r.Context(), body)
	if err != nil {
		if errors.Is(err, billing.ErrInvalidSignature) {
			s.logger.Warn("webhook rejected", "remote", clientIP(r), "error", err)
		}
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "result": result})
}
