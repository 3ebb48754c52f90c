package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/edgefn/funcgate/internal/host"
)

type Server struct {
	Router *chi.Mux
	Port   int
	logger *slog.Logger
	http   *http.Server
}

// New assembles the middleware stack around the deadline gate.
//
// Ordering matters: the host adapter must install the remaining-time oracle
// before the gate reads it, and the recoverer sits outside the gate so panics
// the gate does not own surface as 500s instead of being misattributed to
// cancellation.
func New(port int, logger *slog.Logger, gate *DeadlineGate, deadlineHeader string) (*Server, error) {
	if logger == nil {
		return nil, fmt.Errorf("server: nil logger")
	}
	if gate == nil {
		return nil, fmt.Errorf("server: nil deadline gate")
	}

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	if deadlineHeader != "" {
		r.Use(host.DeadlineHeader(deadlineHeader))
	}
	r.Use(LoggingMiddleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(gate.Middleware)

	// Wrap with OpenTelemetry HTTP instrumentation
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "funcgate")
	})

	s := &Server{
		Router: r,
		Port:   port,
		logger: logger,
	}
	s.http = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: r,
	}
	return s, nil
}

func (s *Server) Start() error {
	s.logger.Info("starting server", slog.Int("port", s.Port))
	return s.http.ListenAndServe()
}

// Shutdown stops accepting connections and waits for in-flight requests,
// bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.http.Shutdown(ctx)
}
