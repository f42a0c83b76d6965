// Package api exposes the scheduler over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/FranksOps/prospect/internal/pipeline"
	"github.com/FranksOps/prospect/internal/scheduler"
	"github.com/FranksOps/prospect/internal/storage"
)

// Service is the query lifecycle the API drives. *scheduler.Scheduler
// satisfies it.
type Service interface {
	Submit(ctx context.Context, text string) (scheduler.SubmitResult, error)
	Query(ctx context.Context, queryID string) (*storage.Query, error)
	ListQueries(ctx context.Context, filter storage.QueryFilter) ([]*storage.Query, error)
	SetCheckFrequency(ctx context.Context, queryID string, freq time.Duration) (*storage.Query, error)
	State(ctx context.Context, queryID string) (scheduler.State, error)
	LastSummary(queryID string) *pipeline.RunSummary
	Leads(ctx context.Context, queryID string) ([]storage.LeadView, error)
	Trigger(ctx context.Context, queryID string) (scheduler.TriggerResult, error)
	Archive(ctx context.Context, queryID string) error
	Pause(ctx context.Context, queryID string) error
	Resume(ctx context.Context, queryID string) error
}

// Server holds the dependencies for the HTTP server.
type Server struct {
	svc        Service
	router     http.Handler
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a Server. A nil logger uses slog.Default().
func NewServer(svc Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{svc: svc, logger: logger}
	s.router = s.setupRouter()
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      90 * time.Second,
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve accepts connections on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("api listening", "addr", ln.Addr().String())
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on addr and serves until Shutdown is called.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
