// Package gateway assembles the gateway from its configuration and runs it.
package gateway

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/wudi/zgw-gateway/internal/backend"
	"github.com/wudi/zgw-gateway/internal/config"
	"github.com/wudi/zgw-gateway/internal/metrics"
	"github.com/wudi/zgw-gateway/internal/middleware"
	"github.com/wudi/zgw-gateway/internal/middleware/auth"
	"github.com/wudi/zgw-gateway/internal/proxy"
	"github.com/wudi/zgw-gateway/internal/rewrite"
	"github.com/wudi/zgw-gateway/internal/router"
	"github.com/wudi/zgw-gateway/internal/tracing"
	"github.com/wudi/zgw-gateway/internal/transform"
)

// Option customises a Gateway.
type Option func(*options)

type options struct {
	hooks  map[string]transform.Hook
	order  []string
	tracer *tracing.Tracer
}

// WithHook registers a Go transform under name. Routes refer to it like to
// a configured transform.
func WithHook(name string, h transform.Hook) Option {
	return func(o *options) {
		if o.hooks == nil {
			o.hooks = make(map[string]transform.Hook)
		}
		if _, ok := o.hooks[name]; !ok {
			o.order = append(o.order, name)
		}
		o.hooks[name] = h
	}
}

// WithTracer replaces the tracer built from the tracing config.
func WithTracer(t *tracing.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// Gateway is the assembled request pipeline.
type Gateway struct {
	config     *config.Config
	logger     *zap.Logger
	metrics    *metrics.Collector
	backends   *backend.Registry
	pool       *backend.TransportPool
	rules      *rewrite.Cache
	transforms *transform.Registry
	router     *router.Router
	tracer     *tracing.Tracer
	handler    http.Handler
}

// New builds a gateway from cfg.
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Gateway, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	g := &Gateway{
		config:  cfg,
		logger:  logger,
		metrics: metrics.NewCollector(),
	}

	var err error
	if g.backends, err = backend.NewRegistry(cfg.Backends); err != nil {
		return nil, fmt.Errorf("failed to initialize backends: %w", err)
	}
	if g.pool, err = backend.NewTransportPool(cfg.Transport, cfg.Backends); err != nil {
		return nil, fmt.Errorf("failed to initialize transports: %w", err)
	}
	client := backend.NewClient(g.pool, logger.Named("backend"))
	client.Observe(g.metrics, g.backends.Targets())

	g.rules = rewrite.NewCache(g.backends.Mounts(),
		rewrite.WithPublicOrigins(cfg.Server.PublicOrigins...),
		rewrite.WithMaxOrigins(cfg.Server.MaxOrigins),
	)
	g.metrics.WatchRuleSetCache(func() (int64, int64, int64) {
		s := g.rules.Stats()
		return s.Hits, s.Misses, s.Origins
	})

	g.transforms = transform.NewRegistry()
	for _, name := range o.order {
		if err := g.transforms.Register(name, o.hooks[name]); err != nil {
			return nil, err
		}
	}
	if err := g.transforms.Load(cfg.Transforms); err != nil {
		return nil, fmt.Errorf("failed to initialize transforms: %w", err)
	}

	dispatcher := proxy.NewDispatcher(proxy.Config{
		Rules:         g.rules,
		Client:        client,
		Backends:      g.backends,
		Logger:        logger.Named("proxy"),
		Metrics:       g.metrics,
		FlushInterval: cfg.Server.FlushInterval,
		MaxJSONBody:   cfg.Server.MaxJSONBody,
	})

	g.router = router.New(dispatcher, g.backends, g.transforms)
	for _, rc := range cfg.Routes {
		if err := g.router.AddRoute(rc); err != nil {
			return nil, fmt.Errorf("failed to add route %s: %w", rc.ID, err)
		}
	}

	g.tracer = o.tracer
	if g.tracer == nil {
		if g.tracer, err = tracing.New(cfg.Tracing); err != nil {
			return nil, fmt.Errorf("failed to initialize tracing: %w", err)
		}
	}

	var authMW middleware.Middleware
	if cfg.Authentication.JWT.Enabled {
		jwtAuth, err := auth.NewJWTAuth(cfg.Authentication.JWT)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize auth: %w", err)
		}
		authMW = jwtAuth.Middleware(!cfg.Authentication.JWT.Optional)
	}

	accessLog := middleware.AccessLogConfig{Recorder: g.metrics}
	if cfg.Logging.AccessLog {
		accessLog.Logger = logger.Named("access")
	}

	g.handler = middleware.NewChain(
		middleware.RequestID(true),
		middleware.AccessLog(accessLog),
		middleware.Recovery(logger),
		g.tracer.Middleware(),
		authMW,
	).Then(g.router)

	logger.Info("gateway initialized",
		zap.Int("backends", len(cfg.Backends)),
		zap.Int("routes", len(cfg.Routes)),
		zap.Strings("transforms", g.transforms.Names()),
		zap.Bool("auth", authMW != nil),
		zap.Bool("tracing", g.tracer.IsEnabled()),
	)
	return g, nil
}

// ServeHTTP implements http.Handler
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.handler.ServeHTTP(w, r)
}

// Metrics returns the gateway's metrics collector.
func (g *Gateway) Metrics() *metrics.Collector {
	return g.metrics
}

// Routes returns the configured routes.
func (g *Gateway) Routes() []*router.Route {
	return g.router.Routes()
}

// Backends returns the backend targets.
func (g *Gateway) Backends() []*backend.Target {
	return g.backends.Targets()
}

// Close releases idle backend connections and flushes pending spans.
func (g *Gateway) Close(ctx context.Context) error {
	g.pool.CloseIdleConnections()
	return g.tracer.Close(ctx)
}
