// Package server serves manifest panels over HTTP. Each panel is a view
// session: opening a manifest reveals its existing panel, and every add,
// update or delete redirects to the panel rebuilt from the rewritten file.
package server

import (
	"context"
	"embed"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/git-pkgs/pkgref"
	"github.com/git-pkgs/pkgref/internal/core"
	"github.com/git-pkgs/pkgref/internal/logging"
	"github.com/git-pkgs/pkgref/internal/metrics"
	"github.com/git-pkgs/pkgref/internal/view"
)

//go:embed templates
var templates embed.FS

const defaultShutdownTimeout = 10 * time.Second

// Server is the panel HTTP server.
type Server struct {
	manager  *pkgref.Manager
	coord    *view.Coordinator
	logger   *slog.Logger
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	router   chi.Router

	shutdownTimeout time.Duration

	indexPage string
	panelPage string
	styles    []byte
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithMetrics records request counts and durations.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithGatherer exposes g on /metrics. Without it the route is not mounted.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithShutdownTimeout bounds how long Run waits for in-flight requests.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.shutdownTimeout = d
	}
}

// New creates a server for the panels of m.
func New(m *pkgref.Manager, opts ...Option) *Server {
	s := &Server{
		manager:         m,
		coord:           m.Coordinator(),
		logger:          logging.Discard(),
		shutdownTimeout: defaultShutdownTimeout,
		indexPage:       string(mustRead("templates/index.html")),
		panelPage:       string(mustRead("templates/panel.html")),
		styles:          mustRead("templates/panel.css"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func mustRead(name string) []byte {
	b, err := templates.ReadFile(name)
	if err != nil {
		panic(err)
	}
	return b
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleIndex)
	r.Get("/static/panel.css", s.handleStyles)
	r.Get("/healthz", s.handleHealth)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/panels", func(r chi.Router) {
		r.Post("/", s.handleOpen)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handlePanel)
			r.Post("/add", s.handleAdd)
			r.Post("/update", s.handleUpdate)
			r.Post("/delete", s.handleDelete)
			r.Post("/dispose", s.handleDispose)
		})
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/panels/{id}/packages", s.apiPackages)
		r.Get("/search", s.apiSearch)
		r.Get("/packages/{name}/versions", s.apiVersions)
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run listens on addr until ctx is cancelled, then disposes every open panel
// and shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "address", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	for _, sess := range s.coord.Sessions() {
		sess.Dispose()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}
	s.logger.Info("server shutdown complete")
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		var route string
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			route = rctx.RoutePattern()
		}
		elapsed := time.Since(start)

		s.metrics.ObserveHTTP(route, r.Method, status, elapsed)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"route", route,
			"status", status,
			"duration", elapsed,
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// statusFor maps an operation error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrParse), errors.Is(err, core.ErrInvalidReference):
		return http.StatusUnprocessableEntity
	case errors.Is(err, core.ErrNetwork):
		return http.StatusBadGateway
	case errors.Is(err, view.ErrSessionClosed):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}
