package api

import (
	"errors"
	"net/http"

	"github.com/inkwell-labs/creditd/internal/billing"
	"github.com/inkwell-labs/creditd/internal/ledger"
	"github.com/inkwell-labs/creditd/internal/payos"
)

// errorStatus maps service errors onto HTTP status codes. Unknown errors are
// internal.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidUser),
		errors.Is(err, billing.ErrPlanNotPurchasable),
		errors.Is(err, billing.ErrInvalidSignature):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrInsufficientCredits):
		return http.StatusPaymentRequired
	case errors.Is(err, ledger.ErrAccountNotFound),
		errors.Is(err, ledger.ErrChargeNotFound),
		errors.Is(err, billing.ErrPlanNotFound),
		errors.Is(err, billing.ErrPaymentNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrChargeResolved),
		errors.Is(err, billing.ErrPaymentClosed):
		return http.StatusConflict
	case errors.Is(err, billing.ErrPaymentsDisabled):
		return http.StatusServiceUnavailable
	case payos.IsAPIError(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError writes err with its mapped status. Internal errors are
// logged and not echoed to the client.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	switch status {
	case http.StatusInternalServerError:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, status, "internal error")
	case http.StatusBadGateway:
		s.logger.Warn("payment gateway error", "path", r.URL.Path, "error", err)
		writeError(w, status, "payment gateway error")
	default:
		writeError(w, status, err.Error())
	}
}
