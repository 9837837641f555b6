package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/inkwell-labs/creditd/internal/activity"
)

func (s *Server) handleGetCredits(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())
	acct, err := s.ledger.Account(r.Context(), identity.UserID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// chargeRequest prices the operation from the configured cost table. Only
// admins may set Amount or charge another user.
type chargeRequest struct {
	Operation      string `json:"operation"`
	Amount         int64  `json:"amount,omitempty"`
	UserID         string `json:"user_id,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

func (s *Server) handleCharge(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())
	var req chargeRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.Operation = strings.TrimSpace(req.Operation)
	if req.Operation == "" || len(req.Operation) > 64 {
		writeError(w, http.StatusBadRequest, "operation must be 1-64 characters")
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}
	if len(req.IdempotencyKey) > 128 {
		writeError(w, http.StatusBadRequest, "idempotency key too long")
		return
	}
	if !identity.IsAdmin() && (req.Amount != 0 || req.UserID != "") {
		writeError(w, http.StatusForbidden, "custom amount or user requires admin")
		return
	}
	if req.Amount < 0 {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}
	if req.Amount == 0 {
		req.Amount = s.ledger.Cost(req.Operation)
	}
	userID := identity.UserID
	if req.UserID != "" {
		userID = req.UserID
	}

	receipt, err := s.ledger.Charge(r.Context(), userID, req.Operation, req.Amount, req.IdempotencyKey)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	status := http.StatusCreated
	if receipt.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, receipt)
}

// handleSettle and handleRefund are called by the service that ran the paid
// operation, so they resolve a charge for whichever user owns it.
func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	c, err := s.ledger.LookupCharge(r.Context(), chi.URLParam(r, "chargeID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	receipt, err := s.ledger.Settle(r.Context(), c.UserID, c.ID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	c, err := s.ledger.LookupCharge(r.Context(), chi.URLParam(r, "chargeID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	receipt, err := s.ledger.Refund(r.Context(), c.UserID, c.ID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleListActivity(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())
	limit, offset := pagination(r)
	entries, err := s.activity.List(r.Context(), activity.Filter{
		UserID: identity.UserID,
		Action: r.URL.Query().Get("action"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
