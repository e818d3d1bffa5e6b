// Package transform defines the JSON transform hook the proxy dispatcher
// calls on successful backend responses, the registry routes resolve hooks
// from, and the declarative steps configurable per route.
package transform

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/wudi/zgw-gateway/internal/backend"
	"github.com/wudi/zgw-gateway/internal/fanout"
	"github.com/wudi/zgw-gateway/internal/jsonnode"
	"github.com/wudi/zgw-gateway/internal/paginate"
)

// Hook mutates doc in place. doc holds backend URLs; they are rewritten to
// gateway URLs after the hook returns. On error the dispatcher still serves
// doc with whatever mutations were applied.
type Hook func(tc *Context, doc *jsonnode.Node) error

// Chain runs hooks in order and stops at the first error.
func Chain(hooks ...Hook) Hook {
	return func(tc *Context, doc *jsonnode.Node) error {
		for _, h := range hooks {
			if err := h(tc, doc); err != nil {
				return err
			}
		}
		return nil
	}
}

// Observer receives aggregation events, typically a metrics collector.
type Observer interface {
	RecordFanoutFailures(n int)
	RecordPaginationPage()
}

// ErrNoTarget is returned when a URL does not belong to any backend.
var ErrNoTarget = errors.New("url does not belong to a backend")

// Context is what a hook gets to work with besides the document.
type Context struct {
	// Request is the inbound client request. Its context is cancelled when
	// the client goes away.
	Request *http.Request
	RouteID string
	// Target is the backend the document came from, RemoteURL the URL it
	// was fetched from.
	Target    *backend.Target
	RemoteURL *url.URL
	Client    *backend.Client
	Backends  *backend.Registry
	Logger    *zap.Logger
	Observer  Observer
}

// Context returns the request context.
func (tc *Context) Context() context.Context {
	if tc.Request == nil {
		return context.Background()
	}
	return tc.Request.Context()
}

func (tc *Context) logger() *zap.Logger {
	if tc.Logger == nil {
		return zap.NewNop()
	}
	return tc.Logger
}

// Resolve resolves a possibly relative backend URL against RemoteURL.
func (tc *Context) Resolve(ref string) string {
	if tc.RemoteURL == nil {
		return ref
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return tc.RemoteURL.ResolveReference(u).String()
}

// TargetFor returns the backend rawURL belongs to. A non-empty name selects
// a backend by id; otherwise the owning backend is searched, falling back
// to Target. The URL must lie below the chosen backend's base URL.
func (tc *Context) TargetFor(rawURL, name string) (*backend.Target, error) {
	var t *backend.Target
	switch {
	case name != "" && tc.Backends != nil:
		t, _ = tc.Backends.Get(name)
	case tc.Backends != nil:
		t, _ = tc.Backends.ForURL(rawURL)
	}
	if t == nil {
		t = tc.Target
	}
	if t == nil || !t.Owns(rawURL) {
		return nil, fmt.Errorf("%s: %w", rawURL, ErrNoTarget)
	}
	return t, nil
}

// GetJSON fetches a backend document by URL.
func (tc *Context) GetJSON(rawURL string) (*jsonnode.Node, error) {
	t, err := tc.TargetFor(rawURL, "")
	if err != nil {
		return nil, err
	}
	return tc.Client.GetJSON(tc.Context(), t, rawURL)
}

// Walker returns a pagination walker for target.
func (tc *Context) Walker(target *backend.Target) *paginate.Walker {
	opts := []paginate.Option{paginate.WithLogger(tc.logger())}
	if tc.Observer != nil {
		opts = append(opts, paginate.WithPageObserver(tc.Observer.RecordPaginationPage))
	}
	return paginate.NewWalker(tc.Client, target, opts...)
}

// Enrich runs fn for every item concurrently; failures leave items as they
// were and are only logged.
func (tc *Context) Enrich(items []*jsonnode.Node, fn fanout.EnrichFunc) fanout.Result {
	res := fanout.Enrich(tc.Context(), items, fn, tc.logger())
	if tc.Observer != nil {
		tc.Observer.RecordFanoutFailures(res.Failed)
	}
	return res
}

// Registry maps names to hooks.
type Registry struct {
	mu    sync.RWMutex
	hooks map[string]Hook
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{hooks: make(map[string]Hook)}
}

// Register adds a hook under name.
func (r *Registry) Register(name string, h Hook) error {
	if name == "" || h == nil {
		return errors.New("transform name and hook are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.hooks[name]; exists {
		return fmt.Errorf("transform %s already registered", name)
	}
	r.hooks[name] = h
	return nil
}

// Get returns the named hook.
func (r *Registry) Get(name string) (Hook, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.hooks[name]
	return h, ok
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.hooks))
	for name := range r.hooks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
