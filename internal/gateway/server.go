package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/zgw-gateway/internal/config"
	"github.com/wudi/zgw-gateway/internal/listener"
)

// Server runs the gateway listener and the admin listener.
type Server struct {
	gateway   *Gateway
	config    *config.Config
	logger    *zap.Logger
	main      *listener.HTTPListener
	admin     *listener.HTTPListener
	errc      chan error
	startTime time.Time
}

// NewServer creates a new gateway server.
func NewServer(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	gw, err := New(cfg, logger, opts...)
	if err != nil {
		return nil, err
	}

	s := &Server{
		gateway: gw,
		config:  cfg,
		logger:  logger,
		errc:    make(chan error, 2),
	}

	s.main, err = listener.NewHTTPListener(listener.HTTPListenerConfig{
		ID:                "gateway",
		Address:           cfg.Server.Address,
		Handler:           gw,
		TLS:               cfg.Server.TLS,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		Logger:            logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create listener: %w", err)
	}

	if cfg.Admin.Enabled {
		s.admin, err = listener.NewHTTPListener(listener.HTTPListenerConfig{
			ID:           "admin",
			Address:      cfg.Admin.Address,
			Handler:      s.adminHandler(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			Logger:       logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create admin listener: %w", err)
		}
	}
	return s, nil
}

// Gateway returns the served gateway.
func (s *Server) Gateway() *Gateway {
	return s.gateway
}

// Start binds both listeners and serves in the background.
func (s *Server) Start() error {
	s.startTime = time.Now()
	if err := s.main.Start(s.errc); err != nil {
		return err
	}
	if s.admin != nil {
		if err := s.admin.Start(s.errc); err != nil {
			s.main.Stop(context.Background())
			return err
		}
	}
	return nil
}

// Addr returns the bound gateway address.
func (s *Server) Addr() string {
	return s.main.Addr()
}

// AdminAddr returns the bound admin address, or "" without admin.
func (s *Server) AdminAddr() string {
	if s.admin == nil {
		return ""
	}
	return s.admin.Addr()
}

// Run starts the server and blocks until ctx is done or a listener fails,
// then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}

	var runErr error
	select {
	case <-ctx.Done():
		s.logger.Info("shutting down gracefully")
	case runErr = <-s.errc:
		s.logger.Error("listener failed", zap.Error(runErr))
	}

	timeout := s.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx
// expires.
func (s *Server) Shutdown(ctx context.Context) error {
	var firstErr error
	if s.admin != nil {
		if err := s.admin.Stop(ctx); err != nil {
			s.logger.Error("admin server shutdown error", zap.Error(err))
			firstErr = err
		}
	}
	if err := s.main.Stop(ctx); err != nil {
		s.logger.Error("gateway server shutdown error", zap.Error(err))
		if firstErr == nil {
			firstErr = err
		}
	}
	if err := s.gateway.Close(ctx); err != nil {
		s.logger.Error("gateway close error", zap.Error(err))
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Server) adminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/readyz", s.handleReady)
	mux.HandleFunc("/routes", s.handleRoutes)
	mux.HandleFunc("/backends", s.handleBackends)
	mux.Handle("/metrics", s.gateway.Metrics().Handler())
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
		"uptime":    time.Since(s.startTime).String(),
	})
}

// handleReady reports not ready while every backend circuit is open.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	backends := s.gateway.Backends()
	open := 0
	for _, t := range backends {
		if b := t.Breaker(); b != nil && b.State() == "open" {
			open++
		}
	}

	status, text := http.StatusOK, "ready"
	if len(backends) > 0 && open == len(backends) {
		status, text = http.StatusServiceUnavailable, "not_ready"
	}
	writeJSON(w, status, map[string]any{
		"status":        text,
		"backends":      len(backends),
		"open_breakers": open,
	})
}

func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	routes := s.gateway.Routes()
	out := make([]map[string]any, 0, len(routes))
	for _, rt := range routes {
		out = append(out, map[string]any{
			"id":          rt.ID,
			"path":        rt.Path,
			"methods":     rt.Methods,
			"backend":     rt.Target.Name,
			"target_path": rt.TargetPath,
			"transform":   rt.Transform,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleBackends(w http.ResponseWriter, r *http.Request) {
	targets := s.gateway.Backends()
	out := make([]map[string]any, 0, len(targets))
	for _, t := range targets {
		entry := map[string]any{
			"name":       t.Name,
			"url":        t.BaseURL.String(),
			"local_root": t.LocalRoot,
		}
		if b := t.Breaker(); b != nil {
			entry["circuit_breaker"] = b.State()
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
