// SPDX-License-Identifier: MIT

// Package api is the HTTP gateway: routing, request validation, error
// mapping and the live event stream.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/runclub/attendanced/internal/api/middleware"
	"github.com/runclub/attendanced/internal/bus"
	"github.com/runclub/attendanced/internal/calendar"
	"github.com/runclub/attendanced/internal/code"
	"github.com/runclub/attendanced/internal/config"
	"github.com/runclub/attendanced/internal/override"
	"github.com/runclub/attendanced/internal/registration"
	"github.com/runclub/attendanced/internal/store"
)

// mutationTimeout bounds handler work on writing endpoints.
const mutationTimeout = 5 * time.Second

// Server wires the domain components behind the HTTP surface.
type Server struct {
	router *chi.Mux

	store    store.Store
	calendar *calendar.Manager
	engine   *registration.Engine
	issuer   *code.Issuer
	bus      bus.Bus
	override *override.Service

	adminSecret    string
	allowedOrigins []string
	loc            *time.Location

	upgrader        websocket.Upgrader
	registerLimiter *middleware.RegisterLimiter
}

// Deps carries the constructed domain components into the server.
type Deps struct {
	Store    store.Store
	Calendar *calendar.Manager
	Engine   *registration.Engine
	Issuer   *code.Issuer
	Bus      bus.Bus
	Override *override.Service
}

func NewServer(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		router:         chi.NewRouter(),
		store:          deps.Store,
		calendar:       deps.Calendar,
		engine:         deps.Engine,
		issuer:         deps.Issuer,
		bus:            deps.Bus,
		override:       deps.Override,
		adminSecret:    cfg.AdminSecret,
		allowedOrigins: cfg.AllowedOrigins,
		loc:            cfg.TimeZone,
		upgrader:       newUpgrader(cfg.AllowedOrigins),
		registerLimiter: middleware.NewRegisterLimiter(
			rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(s.allowedOrigins))
	r.Use(middleware.Metrics)
	r.Use(requestLogger)

	r.Get("/health", s.handleHealth)
	r.Get("/events", s.handleEvents)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.APIRateLimit(600, time.Minute))

		r.With(s.adminOnly).Post("/calendar/configure", s.handleCalendarConfigure)
		r.Get("/calendar", s.handleCalendarMonth)
		r.Get("/calendar/today", s.handleCalendarToday)

		r.With(s.registerLimiter.Middleware).Post("/register", s.handleRegister)

		r.Get("/attendance/today", s.handleAttendanceToday)
		r.Get("/attendance/history", s.handleAttendanceHistory)
		r.Get("/attendance/export", s.handleAttendanceExport)

		r.Route("/attendance/override", func(r chi.Router) {
			r.Use(s.adminOnly)
			r.Post("/add", s.handleOverrideAdd)
			r.Post("/bulk", s.handleOverrideBulk)
			r.Get("/{attendanceID}", s.handleOverrideGet)
			r.Put("/{attendanceID}", s.handleOverrideEdit)
			r.Delete("/{attendanceID}", s.handleOverrideRemove)
		})

		r.Get("/qr/{sessionCode}", s.handleQRImage)
		r.Get("/qr/validate/{token}", s.handleQRValidate)
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
