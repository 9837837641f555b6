package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/inkwell-labs/creditd/internal/activity"
)

func (s *Server) handleAdminListAccounts(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	accounts, err := s.ledger.Accounts(r.Context(), limit, offset)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, accounts)
}

func (s *Server) handleAdminGrant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount int64  `json:"amount"`
		Reason string `json:"reason"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	userID := chi.URLParam(r, "userID")
	balance, err := s.ledger.Grant(r.Context(), userID, req.Amount, s.adminReason(r, req.Reason))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "credits": balance})
}

func (s *Server) handleAdminSetCredits(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Credits *int64 `json:"credits"`
		Reason  string `json:"reason"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Credits == nil {
		writeError(w, http.StatusBadRequest, "credits is required")
		return
	}
	userID := chi.URLParam(r, "userID")
	balance, err := s.ledger.SetCredits(r.Context(), userID, *req.Credits, s.adminReason(r, req.Reason))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "credits": balance})
}

func (s *Server) handleAdminListActivity(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	entries, err := s.activity.List(r.Context(), activity.Filter{
		UserID: r.URL.Query().Get("user_id"),
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

// adminReason tags an admin adjustment with the acting admin.
func (s *Server) adminReason(r *http.Request, reason string) string {
	admin := identityFrom(r.Context())
	if reason == "" {
		return "admin:" + admin.Username
	}
	return "admin:" + admin.Username + ": " + reason
}
