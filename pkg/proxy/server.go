// Package proxy is the HTTP surface of the gateway: authentication, guards,
// upstream forwarding and the audit trail.
package proxy

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/acme/autocert"

	"github.com/getmodelgate/modelgate/pkg/audit"
	"github.com/getmodelgate/modelgate/pkg/config"
	"github.com/getmodelgate/modelgate/pkg/guard"
	"github.com/getmodelgate/modelgate/pkg/models"
	"github.com/getmodelgate/modelgate/pkg/pricing"
	"github.com/getmodelgate/modelgate/pkg/ratelimit"
	"github.com/getmodelgate/modelgate/pkg/store"
)

type Server struct {
	cfg        *config.Config
	store      store.Store
	audit      *audit.Logger
	blocklist  *guard.Blocklist
	spending   *guard.SpendingGuard
	resolver   *models.Resolver
	catalog    *models.Catalog
	stdLimiter *ratelimit.Limiter
	modLimiter *ratelimit.Limiter
	predCosts  *pricing.Table
	upstream   *upstreamClient
	moderation *upstreamClient
	ocr        *upstreamClient
	prediction *upstreamClient
	health     *UpstreamHealthChecker
	metrics    *metrics
	httpServer *http.Server
	log        *log.Logger

	activeProxyRequests atomic.Int64
	draining            atomic.Bool
}

// Options carries externally constructed dependencies, so tests can swap in
// fakes for storage and rate limiting.
type Options struct {
	Store          store.Store
	Audit          *audit.Logger
	RateLimitStore ratelimit.Store
}

func NewServer(cfg *config.Config, opts Options) (*Server, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Audit == nil {
		return nil, errors.New("audit logger is required")
	}
	rlStore := opts.RateLimitStore
	if rlStore == nil {
		rlStore = ratelimit.NewMemoryStore()
	}

	s := &Server{
		cfg:        cfg,
		store:      opts.Store,
		audit:      opts.Audit,
		blocklist:  guard.NewBlocklist(cfg.Blocklist),
		spending:   guard.NewSpendingGuard(opts.Store, cfg.DefaultSpendingLimitUSD),
		resolver:   models.NewResolver(cfg.Models, opts.Store),
		catalog:    models.NewCatalog(cfg.Upstream, cfg.Models),
		stdLimiter: ratelimit.NewLimiter(rlStore, cfg.RateLimit.Standard.Limit, cfg.RateLimit.Standard.Window()),
		modLimiter: ratelimit.NewLimiter(rlStore, cfg.RateLimit.Moderations.Limit, cfg.RateLimit.Moderations.Window()),
		predCosts:  pricing.NewTable(cfg.Predictions.CostPerCallUSD),
		upstream:   newUpstreamClient(cfg.Upstream.BaseURL, cfg.Upstream.APIKey, cfg.Upstream.TimeoutSeconds, cfg.Upstream.RefererURL, cfg.Upstream.AppTitle),
		moderation: newUpstreamClient(orDefault(cfg.Moderations.BaseURL, cfg.Upstream.BaseURL), orDefault(cfg.Moderations.APIKey, cfg.Upstream.APIKey), cfg.Moderations.TimeoutSeconds, "", ""),
		ocr:        newUpstreamClient(cfg.OCR.BaseURL, cfg.OCR.APIKey, cfg.OCR.TimeoutSeconds, "", ""),
		prediction: newUpstreamClient(cfg.Predictions.BaseURL, cfg.Predictions.APIKey, cfg.Predictions.TimeoutSeconds, "", ""),
		metrics:    newMetrics(),
		log:        log.Default().With("component", "proxy"),
	}
	s.health = NewUpstreamHealthChecker(cfg.Upstream, upstreamHealthCheckInterval)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.proxyRequestLifecycleMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/up", s.handleUp)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}))

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(s.blocklistMiddleware)

		// The catalog endpoints are public: clients probe them before they
		// hold a key.
		v1.Get("/models", s.handleModels)
		v1.Get("/embeddings/models", s.handleEmbeddingModels)

		v1.Group(func(pr chi.Router) {
			pr.Use(s.authMiddleware)

			pr.Group(func(std chi.Router) {
				std.Use(s.rateLimitMiddleware("std", s.stdLimiter))
				std.Post("/chat/completions", s.endpointHandler("chat/completions"))
				std.Post("/completions", s.endpointHandler("completions"))
				std.Post("/responses", s.endpointHandler("responses"))
				std.Post("/embeddings", s.endpointHandler("embeddings"))
				std.Post("/images/generations", s.handleImageGenerations)
				std.Post("/ocr", s.handleOCR)
				std.Post("/replicate/predictions", s.handlePredictionCreate)
				std.Post("/replicate/models/{owner}/{model}/predictions", s.handlePredictionModelCreate)
				std.Get("/replicate/predictions/{id}", s.handlePredictionGet)
				std.Post("/replicate/predictions/{id}/cancel", s.handlePredictionCancel)
			})

			pr.With(s.rateLimitMiddleware("mod", s.modLimiter)).Post("/moderations", s.handleModerations)

			pr.Get("/stats", s.handleStats)
		})
	})

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 2)
	go s.health.Run(ctx)

	if s.cfg.TLS.Enabled {
		mgr := &autocert.Manager{
			Cache:      autocert.DirCache(s.cfg.TLS.CacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(s.cfg.TLS.Domain),
			Email:      s.cfg.TLS.Email,
		}

		httpsSrv := &http.Server{
			Addr:              ":443",
			Handler:           s.httpServer.Handler,
			TLSConfig:         &tls.Config{GetCertificate: mgr.GetCertificate, MinVersion: tls.VersionTLS12},
			ReadHeaderTimeout: s.httpServer.ReadHeaderTimeout,
			ReadTimeout:       s.httpServer.ReadTimeout,
			WriteTimeout:      s.httpServer.WriteTimeout,
			IdleTimeout:       s.httpServer.IdleTimeout,
		}

		httpChallenge := &http.Server{
			Addr:              ":80",
			Handler:           mgr.HTTPHandler(http.HandlerFunc(redirectHTTPS)),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			s.log.Info("http challenge/redirect listening", "addr", ":80")
			if err := httpChallenge.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http challenge server: %w", err)
			}
		}()
		go func() {
			s.log.Info("https listening", "addr", ":443", "domain", s.cfg.TLS.Domain)
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("https server: %w", err)
			}
		}()

		<-ctx.Done()
		s.shutdown(ctx, httpChallenge, httpsSrv)
		return firstErr(errCh)
	}

	go func() {
		s.log.Info("gateway listening", "addr", s.cfg.ListenAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("gateway server: %w", err)
		}
	}()

	<-ctx.Done()
	s.shutdown(ctx, s.httpServer)
	return firstErr(errCh)
}

func (s *Server) shutdown(ctx context.Context, servers ...*http.Server) {
	s.draining.Store(true)
	s.waitForProxyIdle(ctx)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
}

func redirectHTTPS(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "https://"+r.Host+r.RequestURI, http.StatusMovedPermanently)
}

// proxyRequestLifecycleMiddleware tracks in-flight /v1 requests so shutdown
// can wait for streams to finish, and turns new traffic away while draining.
func (s *Server) proxyRequestLifecycleMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		isProxyReq := len(r.URL.Path) >= 4 && r.URL.Path[:4] == "/v1/"
		if isProxyReq && s.draining.Load() {
			w.Header().Set("Retry-After", "3")
			http.Error(w, "server shutting down", http.StatusServiceUnavailable)
			return
		}
		if isProxyReq {
			s.activeProxyRequests.Add(1)
			defer s.activeProxyRequests.Add(-1)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) waitForProxyIdle(ctx context.Context) {
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	lastLog := time.Time{}
	for {
		active := s.activeProxyRequests.Load()
		if active <= 0 {
			s.log.Info("shutdown: proxy idle")
			return
		}
		if lastLog.IsZero() || time.Since(lastLog) >= time.Second {
			s.log.Info("shutdown: waiting for active requests", "count", active)
			lastLog = time.Now()
		}
		select {
		case <-ctx.Done():
		case <-t.C:
		}
	}
}

// rateLimitMiddleware keys the window on the authenticated user, falling
// back to the client address for safety. The class prefix keeps each route
// class's window independent when both limiters share one counter store.
func (s *Server) rateLimitMiddleware(class string, limiter *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := requestClientIP(r)
			if id, ok := identityFromContext(r.Context()); ok {
				key = id.User.ID
			}
			d := limiter.Allow(r.Context(), class+":"+key)
			applyRateLimitHeaders(w.Header(), d)
			if !d.Allowed {
				s.metrics.guardRejections.WithLabelValues(string(guard.KindRateLimited)).Inc()
				guard.WriteJSON(w, guard.RateLimited(d.RetryAfter(time.Now().UTC())))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func applyRateLimitHeaders(h http.Header, d ratelimit.Decision) {
	if d.Limit <= 0 {
		return
	}
	h.Set("x-ratelimit-limit", strconv.FormatInt(d.Limit, 10))
	h.Set("x-ratelimit-remaining", strconv.FormatInt(d.Remaining, 10))
	if !d.ResetAt.IsZero() {
		secs := int64(time.Until(d.ResetAt).Seconds())
		if secs < 0 {
			secs = 0
		}
		h.Set("x-ratelimit-reset", strconv.FormatInt(secs, 10))
	}
}

func orDefault(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

func firstErr(ch <-chan error) error {
	select {
	case err := <-ch:
		return err
	default:
		return nil
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeGuardOrInternal maps an error from the guard pipeline to a response:
// guard rejections keep their own status, anything else is a generic 500.
func (s *Server) writeGuardOrInternal(w http.ResponseWriter, err error) {
	if ge, ok := guard.As(err); ok {
		s.metrics.guardRejections.WithLabelValues(string(ge.Kind)).Inc()
		guard.WriteJSON(w, ge)
		return
	}
	s.log.Error("request failed", "error", err)
	writeInternalError(w)
}

func writeInternalError(w http.ResponseWriter) {
	writeJSON(w, http.StatusInternalServerError, map[string]any{
		"error": map[string]any{
			"message": "Internal server error",
			"type":    "internal_error",
			"code":    "internal_error",
		},
	})
}
