// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package v1 is the session HTTP API consumed by the desk front end.
package v1

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	controlhttp "github.com/ManuGH/simdesk/internal/control/http"
	"github.com/ManuGH/simdesk/internal/control/http/system"
	"github.com/ManuGH/simdesk/internal/control/middleware"
	"github.com/ManuGH/simdesk/internal/domain/session/model"
)

// SessionService is the lifecycle surface the handlers drive.
type SessionService interface {
	StartSession(ctx context.Context, userID string) (*model.Descriptor, error)
	GetSession(ctx context.Context, userID string) (*model.Descriptor, error)
	DeleteSession(ctx context.Context, userID string) error
	List(ctx context.Context) ([]*model.Session, error)
}

// Config shapes the HTTP surface.
type Config struct {
	IdentityHeader string
	AdminEnabled   bool
	RateLimit      int // requests per window and identity, <= 0 disables
	RateWindow     time.Duration
	AllowedOrigins []string
	TracingService string // empty disables request tracing
	ReadyTimeout   time.Duration
}

// Server serves the session API.
type Server struct {
	svc   SessionService
	store system.Pinger
	cfg   Config
}

func New(svc SessionService, store system.Pinger, cfg Config) *Server {
	if cfg.IdentityHeader == "" {
		cfg.IdentityHeader = controlhttp.DefaultIdentityHeader
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 2 * time.Second
	}
	return &Server{svc: svc, store: store, cfg: cfg}
}

// Handler builds the complete router: health endpoints, metrics and session routes.
func (s *Server) Handler() http.Handler {
	r := middleware.NewRouter(middleware.StackConfig{
		EnableCORS:            len(s.cfg.AllowedOrigins) > 0,
		AllowedOrigins:        s.cfg.AllowedOrigins,
		CORSAllowCredentials:  true,
		EnableSecurityHeaders: true,
		EnableMetrics:         true,
		TracingService:        s.cfg.TracingService,
		EnableLogging:         true,
	})

	r.Get("/healthz", system.NewHealthHandler())
	r.Get("/readyz", system.NewReadyHandler(s.store, s.cfg.ReadyTimeout))
	r.Handle("/metrics", promhttp.Handler())

	// One limiter serves both route sets so the prefix cannot double a budget.
	sessions := s.sessionRoutes(
		middleware.Identity(s.cfg.IdentityHeader),
		middleware.RateLimit(s.cfg.RateLimit, s.cfg.RateWindow),
	)
	r.Route("/api", sessions)
	// The legacy front end calls the routes without a prefix.
	r.Group(sessions)
	return r
}

func (s *Server) sessionRoutes(mws ...func(http.Handler) http.Handler) func(chi.Router) {
	return func(r chi.Router) {
		r.Use(mws...)
		s.mountSessions(r)
	}
}

func (s *Server) mountSessions(r chi.Router) {
	r.Post("/start-session", s.handleStartSession)
	r.Get("/get-session", s.handleGetSession)
	r.Post("/delete-session", s.handleDeleteSession)
	if s.cfg.AdminEnabled {
		r.Get("/admin/sessions", s.handleListSessions)
	}
}
