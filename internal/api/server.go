// Package api exposes the worker's HTTP trigger surface: the push-delivery
// endpoint the queue subscription posts to, plus health and metrics.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/marcy-dev/dash-pipeline/internal/config"
	"github.com/marcy-dev/dash-pipeline/internal/health"
)

// Server configuration constants
const (
	ReadTimeout       = 30 * time.Second
	ReadHeaderTimeout = 10 * time.Second
	// Push deliveries stay open for the whole pipeline run, so the write
	// timeout must cover the slowest job the worker accepts.
	WriteTimeout   = 4 * time.Hour
	IdleTimeout    = 120 * time.Second
	MaxHeaderBytes = 1 << 20 // 1 MB
)

// Server represents the worker's HTTP trigger server.
type Server struct {
	httpServer    *http.Server
	cfg           *config.Config
	log           *slog.Logger
	healthChecker *health.Checker
}

// ServerConfig holds dependencies for the server.
type ServerConfig struct {
	Config        *config.Config
	Logger        *slog.Logger
	Processor     Processor
	HealthChecker *health.Checker
}

// NewServer creates the trigger server.
func NewServer(cfg *ServerConfig) (*Server, error) {
	handlers := NewHandlers(&HandlersConfig{
		Config:    cfg.Config,
		Logger:    cfg.Logger,
		Processor: cfg.Processor,
	})

	mux := http.NewServeMux()

	mux.HandleFunc("/health", cfg.HealthChecker.Handler())
	mux.HandleFunc("/health/deep", cfg.HealthChecker.DeepHandler())
	mux.HandleFunc("/process-video", handlers.ProcessVideoHandler)

	// Metrics endpoint (internal only)
	mux.Handle("/metrics", internalOnlyMiddleware(promhttp.Handler()))

	httpServer := &http.Server{
		Addr:              ":" + cfg.Config.Server.Port,
		Handler:           mux,
		ReadTimeout:       ReadTimeout,
		ReadHeaderTimeout: ReadHeaderTimeout,
		WriteTimeout:      WriteTimeout,
		IdleTimeout:       IdleTimeout,
		MaxHeaderBytes:    MaxHeaderBytes,
	}

	return &Server{
		httpServer:    httpServer,
		cfg:           cfg.Config,
		log:           cfg.Logger,
		healthChecker: cfg.HealthChecker,
	}, nil
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.Info("Starting trigger server", "port", s.cfg.Server.Port)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down trigger server...")
	return s.httpServer.Shutdown(ctx)
}

// Private networks for internal-only middleware
var privateNetworks = []net.IPNet{
	{IP: net.ParseIP("10.0.0.0"), Mask: net.CIDRMask(8, 32)},
	{IP: net.ParseIP("172.16.0.0"), Mask: net.CIDRMask(12, 32)},
	{IP: net.ParseIP("192.168.0.0"), Mask: net.CIDRMask(16, 32)},
	{IP: net.ParseIP("127.0.0.0"), Mask: net.CIDRMask(8, 32)},
}

// internalOnlyMiddleware restricts access to internal networks.
func internalOnlyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Deny if X-Forwarded-For is present (came through load balancer)
		if r.Header.Get("X-Forwarded-For") != "" {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		// Verify connection is from internal network
		if isInternalRequest(r.RemoteAddr) {
			next.ServeHTTP(w, r)
			return
		}

		http.Error(w, "Forbidden", http.StatusForbidden)
	})
}

// isInternalRequest checks if the request is from an internal network.
func isInternalRequest(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return false
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}

	for _, network := range privateNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return ip.IsLoopback()
}
