// Package api provides the HTTP API and middleware for creditd.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/inkwell-labs/creditd/internal/activity"
	"github.com/inkwell-labs/creditd/internal/auth"
	"github.com/inkwell-labs/creditd/internal/billing"
	"github.com/inkwell-labs/creditd/internal/config"
	"github.com/inkwell-labs/creditd/internal/ledger"
	"github.com/inkwell-labs/creditd/internal/metrics"
	"github.com/inkwell-labs/creditd/internal/notify"
	"github.com/inkwell-labs/creditd/internal/ratelimit"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Services are the domain services the API exposes.
type Services struct {
	Ledger   *ledger.Ledger
	Billing  *billing.Service
	Activity *activity.Recorder
	Bus      *notify.Bus
	Metrics  *metrics.Metrics

	// UserLimiter throttles paid operations per user; IPLimiter throttles
	// login and webhook requests per client IP. Either may be nil.
	UserLimiter ratelimit.Limiter
	IPLimiter   ratelimit.Limiter
}

// Server is the HTTP API server.
type Server struct {
	store         Pinger
	authProvider  auth.Provider
	loginProvider auth.LoginProvider
	ledger        *ledger.Ledger
	billing       *billing.Service
	activity      *activity.Recorder
	bus           *notify.Bus
	metrics       *metrics.Metrics
	upgrader      websocket.Upgrader
	logger        *slog.Logger
	mux           *chi.Mux
	startTime     time.Time
	maxBodyBytes  int64

	wsPingInterval time.Duration
}

// NewServer creates a new API server. lp is nil for providers without
// username/password login.
func NewServer(s Pinger, ap auth.Provider, lp auth.LoginProvider, svc Services, cfg *config.Config, logger *slog.Logger) *Server {
	origins := newOriginPolicy(cfg.Server.AllowedOrigins)
	srv := &Server{
		store:         s,
		authProvider:  ap,
		loginProvider: lp,
		ledger:        svc.Ledger,
		billing:       svc.Billing,
		activity:      svc.Activity,
		bus:           svc.Bus,
		metrics:       svc.Metrics,
		upgrader:      origins.upgrader(),
		logger:        logger.With("component", "api"),
		startTime:     time.Now(),
		maxBodyBytes:  cfg.Server.MaxBodyBytes,

		wsPingInterval: wsPingInterval,
	}
	if srv.maxBodyBytes <= 0 {
		srv.maxBodyBytes = 1 << 20
	}

	ipLimit := ipRateLimitMiddleware(svc.IPLimiter, svc.Metrics, srv.logger)
	userLimit := rateLimitMiddleware(svc.UserLimiter, svc.Metrics, srv.logger)

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(origins.cors)

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)
	if svc.Metrics != nil && !cfg.Metrics.Disabled {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Method(http.MethodGet, path, svc.Metrics.Handler())
	}

	mux.Get("/api/auth/config", srv.handleAuthConfig)
	if lp != nil {
		mux.With(ipLimit).Post("/api/auth/login", srv.handleLogin)
	}

	// PayOS calls the webhook without credentials; the body is signed.
	mux.With(ipLimit).Post("/api/billing/webhook", srv.handleWebhook)

	// WebSocket route (auth handled inside)
	mux.Get("/ws/credits", srv.handleCreditsWS)

	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)

		r.Get("/api/credits", srv.handleGetCredits)
		r.With(userLimit).Post("/api/credits/charges", srv.handleCharge)
		r.Get("/api/credits/activity", srv.handleListActivity)

		r.Get("/api/billing/plans", srv.handleListPlans)
		r.With(userLimit).Post("/api/billing/checkout", srv.handleCheckout)
		r.Get("/api/billing/payments", srv.handleListPayments)
		r.Get("/api/billing/payments/{paymentID}", srv.handleGetPayment)
		r.Post("/api/billing/payments/{paymentID}/cancel", srv.handleCancelPayment)

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(srv.adminMiddleware)
			r.Post("/api/credits/charges/{chargeID}/settle", srv.handleSettle)
			r.Post("/api/credits/charges/{chargeID}/refund", srv.handleRefund)
			r.Get("/api/admin/accounts", srv.handleAdminListAccounts)
			r.Post("/api/admin/accounts/{userID}/grant", srv.handleAdminGrant)
			r.Put("/api/admin/accounts/{userID}/credits", srv.handleAdminSetCredits)
			r.Get("/api/admin/activity", srv.handleAdminListActivity)
		})
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// --- Auth handlers ---

func (s *Server) handleAuthConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"provider": s.authProvider.Name()})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 3-64 characters")
		return
	}

	token, err := s.loginProvider.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			s.logger.Error("login failed", "error", err)
		}
		s.logger.Info("login rejected", "username", req.Username)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// --- Health ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- helpers ---

// decode reads a JSON request body. It writes a 400 and returns false when
// the body is missing or malformed.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// pagination parses limit and offset query parameters.
func pagination(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
