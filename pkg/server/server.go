// Package server exposes the HTTP surface: the gateway webhook, health
// and status probes, and instance administration.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"voicesdr/pkg/config"
	"voicesdr/pkg/metrics"
	"voicesdr/pkg/tempfiles"
	"voicesdr/pkg/webhook"
)

// Dispatcher hands accepted messages to the async pipeline.
type Dispatcher interface {
	Dispatch(msg *webhook.NormalizedMessage) bool
	InFlight() int
}

// GatewayAdmin covers the instance-management calls the admin endpoints
// need.
type GatewayAdmin interface {
	EnsureInstance(ctx context.Context) (string, error)
	ConnectionState(ctx context.Context) (string, error)
	DeleteInstance(ctx context.Context) error
}

// StatusSource reports reasoning-layer state for /status.
type StatusSource interface {
	ActiveModel() string
	Degraded() bool
}

// Server is the HTTP front of the bot.
type Server struct {
	router     *chi.Mux
	cfg        *config.Config
	dispatcher Dispatcher
	gateway    GatewayAdmin
	status     StatusSource
	counters   *metrics.Counters
	temps      *tempfiles.Dir
	window     time.Duration
	startedAt  time.Time
	log        *slog.Logger

	mu         sync.Mutex
	lastQRCode string
	connState  string

	httpServer *http.Server
}

// New assembles the router. All collaborators are required except
// status, which may be nil before the reasoning layer is up.
func New(cfg *config.Config, dispatcher Dispatcher, gateway GatewayAdmin, status StatusSource, counters *metrics.Counters, temps *tempfiles.Dir, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}

	s := &Server{
		router:     chi.NewRouter(),
		cfg:        cfg,
		dispatcher: dispatcher,
		gateway:    gateway,
		status:     status,
		counters:   counters,
		temps:      temps,
		window:     time.Duration(cfg.Pipeline.StalenessWindowSeconds) * time.Second,
		startedAt:  time.Now(),
		log:        log.With("component", "server"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/webhook", s.handleVerify)
	s.router.Post("/webhook", s.handleWebhook)
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/status", s.handleStatus)
	s.router.Get("/qrcode", s.handleQRCode)
	s.router.Get("/reset", s.handleReset)
	s.router.Post("/reset", s.handleReset)
	s.router.Post("/admin/cleanup", s.handleCleanup)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start runs the HTTP listener until ctx is canceled, then drains with a
// short grace period.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP server listening", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return <-errCh
}
