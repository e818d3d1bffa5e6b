// Package listener runs the gateway's HTTP servers.
package listener

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/zgw-gateway/internal/config"
)

// HTTPListener wraps an http.Server bound to one address.
type HTTPListener struct {
	id       string
	address  string
	server   *http.Server
	tlsCfg   *tls.Config
	certPtr  atomic.Pointer[tls.Certificate]
	listener net.Listener
	logger   *zap.Logger
	done     chan struct{}
}

// HTTPListenerConfig holds configuration for creating an HTTP listener
type HTTPListenerConfig struct {
	ID                string
	Address           string
	Handler           http.Handler
	TLS               config.TLSConfig
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	ReadHeaderTimeout time.Duration
	Logger            *zap.Logger
}

// NewHTTPListener creates a new HTTP listener. Zero timeouts take defaults.
func NewHTTPListener(cfg HTTPListenerConfig) (*HTTPListener, error) {
	h := &HTTPListener{
		id:      cfg.ID,
		address: cfg.Address,
		logger:  cfg.Logger,
		done:    make(chan struct{}),
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}

	if cfg.TLS.Enabled {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS certificates: %w", err)
		}
		h.certPtr.Store(&cert)
		h.tlsCfg = &tls.Config{
			GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
				return h.certPtr.Load(), nil
			},
			MinVersion: tls.VersionTLS12,
		}
	}

	h.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           cfg.Handler,
		ReadTimeout:       orDefault(cfg.ReadTimeout, 30*time.Second),
		WriteTimeout:      orDefault(cfg.WriteTimeout, 60*time.Second),
		IdleTimeout:       orDefault(cfg.IdleTimeout, 90*time.Second),
		ReadHeaderTimeout: orDefault(cfg.ReadHeaderTimeout, 10*time.Second),
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
		TLSConfig:         h.tlsCfg,
		ErrorLog:          zap.NewStdLog(h.logger.Named(cfg.ID)),
	}
	if h.server.MaxHeaderBytes == 0 {
		h.server.MaxHeaderBytes = 1 << 20
	}
	return h, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d == 0 {
		return def
	}
	return d
}

// ID returns the listener ID
func (h *HTTPListener) ID() string {
	return h.id
}

// Addr returns the bound address once started, else the configured one.
func (h *HTTPListener) Addr() string {
	if h.listener != nil {
		return h.listener.Addr().String()
	}
	return h.address
}

// Start binds the address and serves in the background. A bind failure is
// returned directly; errc receives a later serve failure.
func (h *HTTPListener) Start(errc chan<- error) error {
	ln, err := net.Listen("tcp", h.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.address, err)
	}
	h.listener = ln
	if h.tlsCfg != nil {
		ln = tls.NewListener(ln, h.tlsCfg)
	}

	h.logger.Info("listener started",
		zap.String("listener", h.id),
		zap.String("address", h.Addr()),
		zap.Bool("tls", h.tlsCfg != nil),
	)
	go func() {
		defer close(h.done)
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if errc != nil {
				errc <- fmt.Errorf("listener %s: %w", h.id, err)
			}
		}
	}()
	return nil
}

// Stop shuts the server down gracefully, waiting for in-flight requests
// until ctx expires.
func (h *HTTPListener) Stop(ctx context.Context) error {
	err := h.server.Shutdown(ctx)
	if h.listener != nil {
		select {
		case <-h.done:
		case <-ctx.Done():
		}
	}
	return err
}

// ReloadTLSCert hot-swaps the TLS certificate without restarting the listener.
func (h *HTTPListener) ReloadTLSCert(certFile, keyFile string) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("failed to load TLS certificates: %w", err)
	}
	h.certPtr.Store(&cert)
	return nil
}
