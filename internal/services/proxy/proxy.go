// Package proxy is the HTTP face of the service: it intercepts GET /query,
// runs each statement through the corrective guard and either synthesizes a
// backend-shaped response or forwards the request verbatim. Everything else
// passes straight through to the backend
package proxy

import (
	"context"
	stdhttp "net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fluxgate/internal/core/catalog"
	"fluxgate/internal/core/rules"
	"fluxgate/internal/core/tabular"
	"fluxgate/internal/platform/logger"
	"fluxgate/internal/platform/net/middleware"
)

// Corrector decides per statement whether the proxy answers locally.
// A nil result means forward untouched
type Corrector interface {
	GetData(ctx context.Context, user, password, schema, query string, now time.Time) *tabular.Result
}

// Backend executes statements and locates the upstream for passthrough
type Backend interface {
	rules.Executor
	BaseURL() string
}

// Options wires the service. Lister may be nil, which disables the catalog
// refresh endpoint
type Options struct {
	Addr           string
	RequestTimeout time.Duration

	Corrector Corrector
	Backend   Backend

	Catalog   *catalog.Catalog
	Lister    catalog.Lister
	Overrides map[string][]catalog.RetentionPolicy
}

// Service is a thin wrapper over chi + stdlib http.Server
type Service struct {
	opt    Options
	mux    *chi.Mux
	srv    *stdhttp.Server
	client *stdhttp.Client
	log    *logger.Logger
}

// New builds the router and the underlying server
func New(opt Options) *Service {
	if opt.RequestTimeout == 0 {
		opt.RequestTimeout = 60 * time.Second
	}
	s := &Service{
		opt:    opt,
		client: &stdhttp.Client{Timeout: opt.RequestTimeout},
		log:    logger.Named("proxy"),
	}

	m := chi.NewRouter()
	m.Use(chimw.RequestID)
	m.Use(chimw.RealIP)
	m.Use(middleware.RecoverJSON)
	m.Use(middleware.AccessLog(middleware.AccessLogOptions{Slow: time.Second}))

	m.Handle("/-/metrics", promhttp.Handler())
	m.Get("/-/health", s.handleHealth)
	m.Post("/-/catalog/refresh", s.handleCatalogRefresh)

	m.Get("/query", s.handleQuery)

	// anything unclaimed, POST /query included, goes straight upstream
	m.NotFound(s.handlePassthrough)
	m.MethodNotAllowed(s.handlePassthrough)

	s.mux = m
	s.srv = &stdhttp.Server{
		Addr:              opt.Addr,
		Handler:           m,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests
func (s *Service) Handler() stdhttp.Handler { return s.mux }

// Run starts the server and blocks
func (s *Service) Run(ctx context.Context) error {
	s.log.Info().Str("addr", s.opt.Addr).Str("backend", s.opt.Backend.BaseURL()).
		Msg("proxy listening")
	err := s.srv.ListenAndServe()
	if err == stdhttp.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully
func (s *Service) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Service) handleHealth(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	writeJSON(w, stdhttp.StatusOK, `{"status":"ok"}`)
}

// handleCatalogRefresh re-discovers schemas, retention policies and CQ
// intervals from the backend and swaps the catalog in one step
func (s *Service) handleCatalogRefresh(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	if s.opt.Lister == nil || s.opt.Catalog == nil {
		writeJSON(w, stdhttp.StatusNotImplemented, `{"error":"catalog discovery is disabled"}`)
		return
	}
	policies, err := catalog.Discover(r.Context(), s.opt.Lister, s.opt.Overrides)
	if err != nil {
		s.log.Warn().Err(err).Msg("catalog refresh failed")
		writeJSON(w, stdhttp.StatusBadGateway, `{"error":"catalog discovery failed"}`)
		return
	}
	s.opt.Catalog.Replace(policies)
	s.log.Info().Int("schemas", len(policies)).Msg("catalog refreshed")
	writeJSON(w, stdhttp.StatusOK, `{"status":"ok"}`)
}

func writeJSON(w stdhttp.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(body + "\n"))
}
