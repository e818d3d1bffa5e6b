package backend

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/wudi/zgw-gateway/internal/config"
)

// TransportConfig configures the HTTP transport to a backend
type TransportConfig struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration

	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	ExpectContinueTimeout time.Duration

	InsecureSkipVerify bool
	CAFile             string

	DisableKeepAlives bool
	ForceHTTP2        bool
}

// DefaultTransportConfig provides default transport settings
var DefaultTransportConfig = TransportConfig{
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   32,
	IdleConnTimeout:       90 * time.Second,
	DialTimeout:           30 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceHTTP2:            true,
}

// NewTransport creates a new HTTP transport. Responses are never
// decompressed by the transport itself; the client decodes them so that
// the encodings it understands are under its control.
func NewTransport(cfg TransportConfig) (*http.Transport, error) {
	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: 30 * time.Second,
	}

	tlsConfig := &tls.Config{
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}
	if cfg.CAFile != "" {
		caCert, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("ca_file %s contains no certificates", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ExpectContinueTimeout: cfg.ExpectContinueTimeout,
		DisableKeepAlives:     cfg.DisableKeepAlives,
		DisableCompression:    true,
		TLSClientConfig:       tlsConfig,
		ForceAttemptHTTP2:     cfg.ForceHTTP2,
	}, nil
}

// MergeTransportConfigs applies non-zero values from config overlays onto
// base. Later overlays override earlier ones.
func MergeTransportConfigs(base TransportConfig, overlays ...config.TransportConfig) TransportConfig {
	for _, o := range overlays {
		if o.MaxIdleConns > 0 {
			base.MaxIdleConns = o.MaxIdleConns
		}
		if o.MaxIdleConnsPerHost > 0 {
			base.MaxIdleConnsPerHost = o.MaxIdleConnsPerHost
		}
		if o.MaxConnsPerHost > 0 {
			base.MaxConnsPerHost = o.MaxConnsPerHost
		}
		if o.IdleConnTimeout > 0 {
			base.IdleConnTimeout = o.IdleConnTimeout
		}
		if o.DialTimeout > 0 {
			base.DialTimeout = o.DialTimeout
		}
		if o.TLSHandshakeTimeout > 0 {
			base.TLSHandshakeTimeout = o.TLSHandshakeTimeout
		}
		if o.ResponseHeaderTimeout > 0 {
			base.ResponseHeaderTimeout = o.ResponseHeaderTimeout
		}
		if o.ExpectContinueTimeout > 0 {
			base.ExpectContinueTimeout = o.ExpectContinueTimeout
		}
		if o.DisableKeepAlives {
			base.DisableKeepAlives = true
		}
		if o.InsecureSkipVerify {
			base.InsecureSkipVerify = true
		}
		if o.CAFile != "" {
			base.CAFile = o.CAFile
		}
		if o.ForceHTTP2 != nil {
			base.ForceHTTP2 = *o.ForceHTTP2
		}
	}
	return base
}

// TransportPool holds one transport per backend. It is built once at
// startup and read concurrently afterwards.
type TransportPool struct {
	defaultTransport http.RoundTripper
	transports       map[string]http.RoundTripper
}

// NewTransportPool builds the default transport from the global settings
// and a dedicated transport for every backend that overrides them.
func NewTransportPool(global config.TransportConfig, backends []config.BackendConfig) (*TransportPool, error) {
	base := MergeTransportConfigs(DefaultTransportConfig, global)
	def, err := NewTransport(base)
	if err != nil {
		return nil, err
	}

	tp := &TransportPool{
		defaultTransport: def,
		transports:       make(map[string]http.RoundTripper),
	}
	for _, b := range backends {
		if b.Transport == (config.TransportConfig{}) {
			continue
		}
		t, err := NewTransport(MergeTransportConfigs(base, b.Transport))
		if err != nil {
			return nil, fmt.Errorf("backend %s: %w", b.ID, err)
		}
		tp.transports[b.ID] = t
	}
	return tp, nil
}

// NewStaticPool returns a pool serving rt for every backend.
func NewStaticPool(rt http.RoundTripper) *TransportPool {
	return &TransportPool{
		defaultTransport: rt,
		transports:       make(map[string]http.RoundTripper),
	}
}

// Get returns the transport for the named backend, falling back to the
// default transport.
func (tp *TransportPool) Get(name string) http.RoundTripper {
	if t, ok := tp.transports[name]; ok {
		return t
	}
	return tp.defaultTransport
}

// CloseIdleConnections closes idle connections of every transport.
func (tp *TransportPool) CloseIdleConnections() {
	type idleCloser interface{ CloseIdleConnections() }
	if c, ok := tp.defaultTransport.(idleCloser); ok {
		c.CloseIdleConnections()
	}
	for _, t := range tp.transports {
		if c, ok := t.(idleCloser); ok {
			c.CloseIdleConnections()
		}
	}
}
