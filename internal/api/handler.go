// Package api exposes the engine state over a read-only HTTP surface.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"tradeguard/internal/engine"
	"tradeguard/internal/monitor"
	"tradeguard/internal/scheduler"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// TaskLister reports the background task table.
type TaskLister interface {
	Status() []scheduler.TaskStatus
}

// Deps wires the server to the engine. Tasks, Health and Gatherer are optional.
type Deps struct {
	Engine   engine.Service
	Tasks    TaskLister
	Health   *monitor.Health
	Gatherer prometheus.Gatherer
	// RateLimit is requests per second per client IP; zero uses the default.
	RateLimit float64
	Timeout   time.Duration
}

// Server wires HTTP endpoints around the engine service.
type Server struct {
	Router *gin.Engine
	d      Deps
	srv    *http.Server
}

func NewServer(d Deps) (*Server, error) {
	if d.Engine == nil {
		return nil, errors.New("api: engine service is required")
	}
	if d.RateLimit <= 0 {
		d.RateLimit = 20
	}
	if d.Timeout <= 0 {
		d.Timeout = 10 * time.Second
	}

	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(RateLimitMiddleware(newIPLimiters(d.RateLimit, int(d.RateLimit*2.5))))
	r.Use(TimeoutMiddleware(d.Timeout))
	r.Use(CORSMiddleware())

	s := &Server{Router: r, d: d}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	if s.d.Gatherer != nil {
		s.Router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.d.Gatherer, promhttp.HandlerOpts{})))
	}

	api := s.Router.Group("/api")
	{
		api.GET("/status", s.getStatus)
		api.GET("/positions", s.getPositions)
		api.GET("/inventory", s.getInventory)
		api.GET("/reconciliation", s.getReconciliation)
		api.GET("/breakers", s.getBreakers)
		api.GET("/overlay", s.getOverlay)
		api.GET("/cycle", s.getLastCycle)
		api.GET("/tasks", s.getTasks)
	}
}

// Start serves on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Info().Str("addr", addr).Msg("api listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
