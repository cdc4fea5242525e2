// Package server exposes the escrow coordinators over HTTP.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"tradeescrow/services/escrowd/deposit"
	"tradeescrow/services/escrowd/escrowerr"
	escrowmw "tradeescrow/services/escrowd/middleware"
	"tradeescrow/services/escrowd/multisig"
	"tradeescrow/services/escrowd/notify"
	"tradeescrow/services/escrowd/reputation"
	"tradeescrow/services/escrowd/trade"
)

const maxBodyBytes = 1 << 20

// Route groups with their own rate limits.
const (
	LimitWallet = "wallet"
)

// Config captures the dependencies required to construct the server.
type Config struct {
	DB            *gorm.DB
	Sessions      *multisig.Coordinator
	Trades        *trade.Coordinator
	Deposits      *deposit.Poller
	Notifications *notify.Notifier
	Reputation    *reputation.Service
	Auth          *escrowmw.Authenticator
	RateLimiter   *escrowmw.RateLimiter
	Observability *escrowmw.Observability
	Gatherer      prometheus.Gatherer
	Logger        *slog.Logger
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	db            *gorm.DB
	sessions      *multisig.Coordinator
	trades        *trade.Coordinator
	deposits      *deposit.Poller
	notifications *notify.Notifier
	reputation    *reputation.Service
	auth          *escrowmw.Authenticator
	limiter       *escrowmw.RateLimiter
	obs           *escrowmw.Observability
	gatherer      prometheus.Gatherer
	logger        *slog.Logger

	router http.Handler
}

// New constructs the HTTP router.
func New(cfg Config) (*Server, error) {
	if cfg.DB == nil || cfg.Sessions == nil || cfg.Trades == nil || cfg.Deposits == nil {
		return nil, errors.New("server: db, sessions, trades and deposits are required")
	}
	if cfg.Notifications == nil || cfg.Reputation == nil || cfg.Auth == nil {
		return nil, errors.New("server: notifications, reputation and auth are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RateLimiter == nil {
		cfg.RateLimiter = escrowmw.NewRateLimiter(nil, cfg.Logger)
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		db:            cfg.DB,
		sessions:      cfg.Sessions,
		trades:        cfg.Trades,
		deposits:      cfg.Deposits,
		notifications: cfg.Notifications,
		reputation:    cfg.Reputation,
		auth:          cfg.Auth,
		limiter:       cfg.RateLimiter,
		obs:           cfg.Observability,
		gatherer:      cfg.Gatherer,
		logger:        cfg.Logger.With(slog.String("component", "http")),
	}
	s.router = s.buildRouter()
	return s, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	if s.obs != nil {
		r.Use(s.obs.Middleware)
	}

	r.Get("/healthz", s.health)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	wallet := s.limiter.Middleware(LimitWallet)
	r.Route("/api/v1", func(api chi.Router) {
		api.Use(s.auth.Middleware)
		api.Use(escrowmw.WithIdempotency(s.db))

		api.Post("/sessions", s.createSession)
		api.Get("/sessions/{id}", s.getSession)
		api.Post("/sessions/{id}/prepared", s.submitPrepared)
		api.Post("/sessions/{id}/made", s.submitMade)
		api.Post("/sessions/{id}/exchange", s.submitExchange)

		api.Post("/offers", s.createOffer)
		api.Get("/offers", s.listOffers)
		api.Post("/offers/{id}/accept", s.acceptOffer)

		api.Post("/trades", s.createTrade)
		api.Get("/trades/{id}", s.getTrade)
		api.Post("/trades/{id}/session", s.ensureSession)
		api.Post("/trades/{id}/payment-sent", s.markPaymentSent)
		api.Post("/trades/{id}/payment-confirmed", s.confirmPayment)
		api.With(wallet).Post("/trades/{id}/check-deposit", s.checkDeposit)
		api.With(wallet).Post("/trades/{id}/release/initiate", s.initiateRelease)
		api.With(wallet).Post("/trades/{id}/release/finalize", s.finalizeRelease)
		api.Post("/trades/{id}/dispute", s.openDispute)
		api.Post("/trades/{id}/cancel", s.cancelTrade)

		api.Get("/notifications", s.listNotifications)
		api.Post("/notifications/{id}/read", s.markNotificationRead)
		api.Get("/users/{id}/reputation", s.getReputation)

		api.Route("/admin", func(admin chi.Router) {
			admin.Use(escrowmw.RequireRole(escrowmw.RoleAdmin))
			admin.Post("/trades/{id}/status", s.adminUpdateStatus)
			admin.Post("/disputes/{id}/resolve", s.adminResolveDispute)
			admin.With(wallet).Post("/trades/{id}/release", s.adminReleaseEscrow)
			admin.Post("/sessions/{id}/retry", s.adminRetrySession)
		})
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(r.Context())
	}
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error     string `json:"error"`
	Status    string `json:"status,omitempty"`
	Retryable bool   `json:"retryable"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, escrowerr.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, escrowerr.ErrRoleViolation):
		status = http.StatusForbidden
	case errors.Is(err, escrowerr.ErrCapability):
		status = http.StatusServiceUnavailable
	case errors.Is(err, escrowerr.ErrPhaseMismatch),
		errors.Is(err, escrowerr.ErrInvalidInput),
		errors.Is(err, escrowerr.ErrInsufficientFunds),
		errors.Is(err, escrowerr.ErrSessionNotReady):
		status = http.StatusBadRequest
	}
	body := errorBody{
		Error:     err.Error(),
		Status:    escrowerr.CurrentState(err),
		Retryable: escrowerr.Retryable(err),
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("request_id", chimw.GetReqID(r.Context())),
			slog.Any("error", err))
		body.Error = "internal error"
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// decode reads a JSON body into dst. An empty body leaves dst untouched.
func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return escrowerr.Invalid("invalid request body: %v", err)
	}
	return nil
}

func pathID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "id")
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, escrowerr.Invalid("invalid id %q", raw)
	}
	return id, nil
}

func actor(r *http.Request) (*escrowmw.Claims, error) {
	claims, err := escrowmw.FromContext(r.Context())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", escrowerr.ErrRoleViolation, err)
	}
	return claims, nil
}
