package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quillframe/quillexec/internal/api/handlers"
	apiMiddleware "github.com/quillframe/quillexec/internal/api/middleware"
	"github.com/quillframe/quillexec/internal/api/websocket"
	"github.com/quillframe/quillexec/internal/config"
	"github.com/quillframe/quillexec/internal/events"
	"github.com/quillframe/quillexec/pkg/sched"
)

// Server is the monitor HTTP server over a set of named executors.
type Server struct {
	router       *chi.Mux
	executors    map[string]*sched.Executor
	config       *config.Config
	adminHandler *handlers.AdminHandler
	wsHub        *websocket.Hub
	wsHandler    *websocket.Handler
	bus          events.Publisher
	sampler      *StatsSampler
}

// NewServer creates a monitor server for the given executors.
func NewServer(cfg *config.Config, executors map[string]*sched.Executor, bus events.Publisher) *Server {
	wsHub := websocket.NewHub(bus)

	s := &Server{
		router:       chi.NewRouter(),
		executors:    executors,
		config:       cfg,
		adminHandler: handlers.NewAdminHandler(executors, bus),
		wsHub:        wsHub,
		wsHandler:    websocket.NewHandler(wsHub),
		bus:          bus,
		sampler:      NewStatsSampler(executors, bus, cfg.Server.StatsInterval),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(apiMiddleware.RequestLogger())
	s.router.Use(middleware.Recoverer)

	// Heartbeat endpoint for load balancers
	s.router.Use(middleware.Heartbeat("/health"))
}

func (s *Server) setupRoutes() {
	auth := apiMiddleware.NewAuthenticator(
		s.config.Auth.Enabled,
		s.config.Auth.JWTSecret,
		s.config.Auth.APIKeys,
	)

	// Admin routes
	s.router.Route("/admin", func(r chi.Router) {
		r.Use(middleware.AllowContentType("application/json"))
		r.Use(auth.Middleware)

		r.Get("/health", s.adminHandler.HealthCheck)

		r.Route("/executors", func(r chi.Router) {
			r.Get("/", s.adminHandler.ListExecutors)
			r.Get("/{name}", s.adminHandler.GetExecutor)

			r.Group(func(r chi.Router) {
				r.Use(apiMiddleware.RequireRole("operator"))

				r.Post("/{name}/pause", s.adminHandler.Pause)
				r.Post("/{name}/resume", s.adminHandler.Resume)
				r.Post("/{name}/accepting/start", s.adminHandler.StartAccepting)
				r.Post("/{name}/accepting/stop", s.adminHandler.StopAccepting)
				r.Post("/{name}/interrupt", s.adminHandler.Interrupt)
				r.Post("/{name}/pending/cancel", s.adminHandler.CancelPending)
				r.Post("/{name}/pending/drain", s.adminHandler.DrainPending)
				r.Post("/{name}/shutdown", s.adminHandler.Shutdown)
			})
		})
	})

	// WebSocket endpoint
	s.router.Get("/ws", s.wsHandler.ServeWS)

	// Metrics endpoint
	if s.config.Metrics.Enabled {
		s.router.Handle(s.config.Metrics.Path, promhttp.Handler())
	}
}

// Start starts the WebSocket hub and the stats sampler.
func (s *Server) Start(ctx context.Context) {
	go s.wsHub.Run(ctx)
	s.sampler.Start(ctx)
}

// Stop stops the WebSocket hub and the stats sampler.
func (s *Server) Stop() {
	s.sampler.Stop()
	s.wsHub.Stop()
}

// Router returns the chi router
func (s *Server) Router() *chi.Mux {
	return s.router
}

// ServeHTTP implements the http.Handler interface
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
