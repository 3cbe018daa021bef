package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"script-harness/internal/config"
	"script-harness/internal/monitor"
)

// Server is the HTTP front end of the harness.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	harness    Harness
	cfg        *config.Config
	startTime  time.Time
}

// NewServer creates and configures the HTTP server with all routes and middleware.
func NewServer(cfg *config.Config, h Harness, metrics *monitor.Metrics) *Server {
	s := &Server{
		handlers:  NewHandlers(h),
		harness:   h,
		cfg:       cfg,
		startTime: time.Now(),
	}
	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      s.routes(metrics),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) routes(metrics *monitor.Metrics) http.Handler {
	cfg := s.cfg
	handlers := s.handlers

	if len(cfg.Security.AllowedKeys) == 0 {
		if cfg.Security.AllowUnauthenticated {
			log.Warn().Msg("no API keys configured, allow_unauthenticated is true, all requests will be accepted")
		} else {
			log.Warn().Msg("no API keys configured and allow_unauthenticated is false, all requests will be rejected")
		}
	}

	// Harness API, wrapped with auth
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /tests", handlers.HandleExecute)
	apiMux.HandleFunc("POST /tests/stream", handlers.HandleExecuteStream)
	apiMux.HandleFunc("GET /tests/active", handlers.HandleActive)
	apiMux.HandleFunc("GET /tests/{id}", handlers.HandleGetTest)
	apiMux.HandleFunc("DELETE /tests/{id}", handlers.HandleCancel)
	apiMux.HandleFunc("GET /mock-data", handlers.HandleAllMockData)
	apiMux.HandleFunc("GET /mock-data/{key}", handlers.HandleGetMockData)
	apiMux.HandleFunc("PUT /mock-data/{key}", handlers.HandlePutMockData)

	var authedAPI http.Handler = apiMux
	authedAPI = IdentityMiddleware(cfg.Security.IdentityHeader)(authedAPI)
	authedAPI = AuthMiddleware(cfg.Security.AllowedKeys, cfg.Security.APIKeyHeader, cfg.Security.AllowUnauthenticated)(authedAPI)

	// Top-level mux: health/metrics bypass auth, everything else goes through auth
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", authedAPI)

	// Apply middleware chain (outermost last)
	var handler http.Handler = mux
	handler = MetricsMiddleware(metrics)(handler)
	handler = RateLimitMiddleware(cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst)(handler)
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)
	return handler
}

// Start begins listening for requests. Uses TLS if configured.
func (s *Server) Start() error {
	if s.cfg.TLS.Enabled {
		log.Info().
			Str("addr", s.httpServer.Addr).
			Str("cert", s.cfg.TLS.CertFile).
			Msg("starting HTTPS server with TLS")

		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	log.Warn().Msg("TLS not enabled, running plain HTTP")
	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	scriptsOK := s.harness != nil && s.harness.Healthy(r.Context())

	resp := HealthResponse{
		Status:  "ok",
		Scripts: scriptsOK,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
	}
	if s.harness != nil {
		resp.ActiveTests = len(s.harness.GetActiveTests())
	}
	if !scriptsOK {
		resp.Status = "degraded"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, resp)
}
