// Package server exposes the monitor over HTTP: a form, the analysis endpoint,
// health and metrics.
package server

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/deezertidal/cf-workers-rate-limiting/internal/apierr"
	"github.com/deezertidal/cf-workers-rate-limiting/internal/config"
	"github.com/deezertidal/cf-workers-rate-limiting/internal/logging"
	"github.com/deezertidal/cf-workers-rate-limiting/internal/metrics"
	"github.com/deezertidal/cf-workers-rate-limiting/internal/pipeline"
)

//go:embed form.html
var formHTML []byte

// maxBodyBytes bounds the POST / body.
const maxBodyBytes = 64 << 10

// Runner executes one analysis.
type Runner interface {
	Run(ctx context.Context, p pipeline.Params) (*pipeline.Report, error)
}

// Server routes HTTP requests to the analysis runner.
type Server struct {
	router  *chi.Mux
	store   *config.Store
	runner  Runner
	limiter *rate.Limiter
	logger  *logging.Logger
	metrics *metrics.Metrics
	gather  prometheus.Gatherer
	now     func() time.Time
}

// New builds the router. gather backs /metrics and may be nil to disable it.
func New(store *config.Store, runner Runner, logger *logging.Logger, m *metrics.Metrics, gather prometheus.Gatherer) *Server {
	rl := store.Current().Server.RateLimit
	s := &Server{
		router:  chi.NewRouter(),
		store:   store,
		runner:  runner,
		limiter: rate.NewLimiter(rate.Limit(rl.RequestsPerSecond), rl.Burst),
		logger:  logger.Named("http"),
		metrics: m,
		gather:  gather,
		now:     time.Now,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLog)
	r.Use(middleware.Recoverer)

	r.Get("/", s.form)
	r.With(s.rateLimit).Post("/", s.analyze)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "ok")
	})
	if s.gather != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gather, promhttp.HandlerOpts{}))
	}
}

// ServeHTTP lets Server be used as a plain http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on cfg.Listen until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, cfg config.ServerConfig) error {
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           s,
		ReadHeaderTimeout: cfg.ReadTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("http server listening on %s", cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (s *Server) form(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(formHTML)
}

func (s *Server) analyze(w http.ResponseWriter, r *http.Request) {
	var req analysisRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, fmt.Sprintf("request body exceeds %d bytes", maxBodyBytes), http.StatusRequestEntityTooLarge)
			return
		}
		s.fail(w, r, apierr.Invalid("body", "malformed JSON: %v", err))
		return
	}

	params, err := req.params(s.store.Current().Defaults, s.now())
	if err != nil {
		s.metrics.ObserveRun("http", apierr.Kind(err))
		s.fail(w, r, err)
		return
	}
	params.Trigger = "http"
	params.RunID = middleware.GetReqID(r.Context())
	if params.RunID == "" {
		params.RunID = uuid.NewString()
	}

	rep, err := s.runner.Run(r.Context(), params)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		s.logger.Errorf("encode response: request_id=%s err=%v", params.RunID, err)
	}
}

// fail writes err as a plain-text response. Internal details are logged only.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := apierr.HTTPStatus(err)
	id := middleware.GetReqID(r.Context())
	switch {
	case status >= 500:
		s.logger.Errorf("analysis failed: request_id=%s status=%d err=%v", id, status, err)
	case status == http.StatusNotFound:
		s.logger.Infof("analysis found no data: request_id=%s", id)
	default:
		s.logger.Infof("analysis rejected: request_id=%s status=%d err=%v", id, status, err)
	}
	http.Error(w, apierr.PublicMessage(err), status)
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			s.metrics.ObserveRateLimited()
			w.Header().Set("Retry-After", "1")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestLog logs one line per request through the zap-backed logger.
func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.logger.Infof("%s %s status=%d bytes=%d remote=%s request_id=%s duration=%s",
				r.Method, r.URL.Path, ww.Status(), ww.BytesWritten(), r.RemoteAddr,
				middleware.GetReqID(r.Context()), time.Since(start))
		}()
		next.ServeHTTP(ww, r)
	})
}
