// Package admin serves the operational HTTP endpoints: Prometheus metrics,
// liveness and readiness.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/shineum/graph-mail-relay/internal/mailerr"
	"github.com/shineum/graph-mail-relay/internal/metrics"
)

const (
	checkTimeout    = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Check reports whether a dependency is usable. A nil error means ready.
type Check func(ctx context.Context) error

// Cached wraps check so that it runs at most once per ttl. Probes in
// between get the previous outcome, which keeps frequent readiness polling
// off a failing upstream.
func Cached(check Check, ttl time.Duration) Check {
	return cached(check, ttl, time.Now)
}

func cached(check Check, ttl time.Duration, now func() time.Time) Check {
	var (
		mu      sync.Mutex
		checked time.Time
		last    error
	)
	return func(ctx context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		if !checked.IsZero() && now().Sub(checked) < ttl {
			return last
		}
		last = check(ctx)
		checked = now()
		return last
	}
}

// Server is the admin listener.
type Server struct {
	addr   string
	router chi.Router
	logger *slog.Logger
}

// New builds the router. Every check runs on each /readyz request and any
// failure makes the relay unready.
func New(addr string, logger *slog.Logger, checks map[string]Check) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{addr: addr, logger: logger.With("component", "admin")}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(checkTimeout + time.Second))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", s.readyz(checks))
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	s.router = r
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("admin shutdown", "error", err)
		}
	})
	defer stop()

	s.logger.Info("admin server listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type readiness struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (s *Server) readyz(checks map[string]Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		defer cancel()

		out := readiness{Status: "ok", Checks: make(map[string]string, len(checks))}
		code := http.StatusOK
		for name, check := range checks {
			if err := check(ctx); err != nil {
				s.logger.Warn("readiness check failed",
					"check", name,
					"kind", mailerr.KindOf(err).String(),
					"error", err,
				)
				out.Checks[name] = describe(err)
				out.Status = "unavailable"
				code = http.StatusServiceUnavailable
				continue
			}
			out.Checks[name] = "ok"
		}
		writeJSON(w, code, out)
	}
}

// describe returns the classification only, never the wrapped detail.
func describe(err error) string {
	if reason := mailerr.ReasonOf(err); reason != "" {
		return string(reason)
	}
	return mailerr.KindOf(err).String()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
