package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"deploygate/internal/audit"
	"deploygate/internal/config"
	"deploygate/internal/policy"
	"deploygate/internal/ratelimit"
	"deploygate/internal/record"
)

const (
	HTTPReadTimeout  = 10 * time.Second
	HTTPWriteTimeout = 30 * time.Second
	HTTPIdleTimeout  = 60 * time.Second

	RequestTimeout = 60 * time.Second

	MaxPayloadBytes = 1_000_000

	DefaultListLimit = 20
	MaxListLimit     = 100
)

// Deps wires the HTTP surface to the rest of the engine.
type Deps struct {
	Orch     *policy.Orchestrator
	Config   *config.Store
	Records  *record.Store
	Limiter  *ratelimit.Limiter
	Audit    audit.Sink
	Logger   *slog.Logger
	Gatherer prometheus.Gatherer
}

// Server is the HTTP surface of the policy engine. It owns request
// plumbing only; every decision lives in the policy package.
type Server struct {
	orch     *policy.Orchestrator
	cfg      *config.Store
	records  *record.Store
	limiter  *ratelimit.Limiter
	sink     audit.Sink
	logger   *slog.Logger
	gatherer prometheus.Gatherer
}

// New creates a server from its dependencies.
func New(d Deps) *Server {
	return &Server{
		orch:     d.Orch,
		cfg:      d.Config,
		records:  d.Records,
		limiter:  d.Limiter,
		sink:     d.Audit,
		logger:   d.Logger,
		gatherer: d.Gatherer,
	}
}

// Router creates and configures the HTTP router.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(RequestTimeout))
	r.Use(s.requestID)
	r.Use(s.identity)
	r.Use(s.accessLog)

	r.Get("/healthz", s.handleHealth)
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics",
			promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/deployments", s.handleDeploy)
		r.With(s.readLimit).Get("/deployments/{deploymentID}", s.handleGetDeployment)
		r.Post("/deployments/{deploymentID}/rollback", s.handleRollback)
		r.Post("/deployments/{deploymentID}/cancel", s.handleCancel)
		r.With(s.readLimit).Get("/groups/{groupID}/deployments", s.handleGroupDeployments)
		r.Post("/builds", s.handleRegisterBuild)
		r.Post("/uploads", s.handleGrantUpload)
		r.Post("/admin/killswitch", s.handleKillSwitch)
		r.Post("/engine/callback", s.handleEngineCallback)
	})

	return r
}

// Start runs the HTTP server until the context is canceled, then shuts
// it down gracefully.
func (s *Server) Start(ctx context.Context, host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	s.logger.Info("starting server", "addr", addr)

	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  HTTPReadTimeout,
		WriteTimeout: HTTPWriteTimeout,
		IdleTimeout:  HTTPIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
