// Package router maps inbound method and path to a backend target and an
// optional transform, and hands matched requests to the dispatcher.
package router

import (
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"

	"github.com/julienschmidt/httprouter"

	"github.com/wudi/zgw-gateway/internal/backend"
	"github.com/wudi/zgw-gateway/internal/config"
	"github.com/wudi/zgw-gateway/internal/errors"
	"github.com/wudi/zgw-gateway/internal/transform"
	"github.com/wudi/zgw-gateway/internal/variables"
)

// Dispatcher forwards a request to a backend.
type Dispatcher interface {
	Dispatch(w http.ResponseWriter, r *http.Request, target *backend.Target, hook transform.Hook)
}

// Route represents a configured route
type Route struct {
	ID         string
	Path       string
	Methods    []string
	Target     *backend.Target
	TargetPath string
	Transform  string
	Hook       transform.Hook
}

// standardMethods lists HTTP methods registered for routes without methods.
var standardMethods = []string{"GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS"}

// Router matches configured routes with httprouter and falls back to plain
// passthrough below the local root of every backend.
type Router struct {
	tree       *httprouter.Router
	dispatcher Dispatcher
	backends   *backend.Registry
	transforms *transform.Registry

	mu         sync.RWMutex
	routes     []*Route
	registered map[string]bool // method + " " + path
	mounts     []*backend.Target
}

// New creates a router for the given backends and transforms.
func New(d Dispatcher, backends *backend.Registry, transforms *transform.Registry) *Router {
	rt := &Router{
		dispatcher: d,
		backends:   backends,
		transforms: transforms,
		registered: make(map[string]bool),
	}

	tree := httprouter.New()
	tree.HandleMethodNotAllowed = false
	tree.RedirectTrailingSlash = false
	tree.RedirectFixedPath = false
	tree.NotFound = http.HandlerFunc(rt.serveMount)
	rt.tree = tree

	if backends != nil {
		rt.mounts = backends.Targets()
		slices.SortStableFunc(rt.mounts, func(a, b *backend.Target) int {
			return len(b.LocalRoot) - len(a.LocalRoot)
		})
	}
	return rt
}

// AddRoute registers a configured route.
func (rt *Router) AddRoute(cfg config.RouteConfig) (err error) {
	target, ok := rt.backends.Get(cfg.Backend)
	if !ok {
		return fmt.Errorf("route %s: unknown backend %s", cfg.ID, cfg.Backend)
	}
	if cfg.TargetPath == "" && !below(cfg.Path, target.LocalRoot) {
		return fmt.Errorf("route %s: path %s is outside the local root %s of backend %s; set target_path",
			cfg.ID, cfg.Path, target.LocalRoot, target.Name)
	}

	route := &Route{
		ID:         cfg.ID,
		Path:       cfg.Path,
		Methods:    normalizeMethods(cfg.Methods),
		Target:     target,
		TargetPath: cfg.TargetPath,
		Transform:  cfg.Transform,
	}
	if cfg.Transform != "" {
		h, ok := rt.transforms.Get(cfg.Transform)
		if !ok {
			return fmt.Errorf("route %s: unknown transform %s", cfg.ID, cfg.Transform)
		}
		route.Hook = h
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	for _, m := range route.Methods {
		if rt.registered[m+" "+route.Path] {
			return fmt.Errorf("route %s: %s %s already registered", cfg.ID, m, route.Path)
		}
	}

	// httprouter panics on conflicting patterns.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("route %s: %v", cfg.ID, r)
		}
	}()
	for _, m := range route.Methods {
		rt.tree.Handle(m, route.Path, rt.handle(route))
		rt.registered[m+" "+route.Path] = true
	}

	rt.routes = append(rt.routes, route)
	return nil
}

// handle returns the httprouter handle for route.
func (rt *Router) handle(route *Route) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		varCtx := variables.GetFromRequest(r)
		varCtx.RouteID = route.ID
		if len(ps) > 0 {
			varCtx.PathParams = make(map[string]string, len(ps))
			for _, p := range ps {
				varCtx.PathParams[p.Key] = p.Value
			}
		}

		if route.TargetPath != "" {
			r = withPath(r, route.Target.LocalRoot+"/"+strings.TrimPrefix(substitute(route.TargetPath, ps), "/"))
		}
		rt.dispatcher.Dispatch(w, r, route.Target, route.Hook)
	}
}

// serveMount passes requests that match no route through to the backend
// whose local root they lie below.
func (rt *Router) serveMount(w http.ResponseWriter, r *http.Request) {
	for _, t := range rt.mounts {
		if below(r.URL.Path, t.LocalRoot) {
			variables.GetFromRequest(r).RouteID = "mount:" + t.Name
			rt.dispatcher.Dispatch(w, r, t, nil)
			return
		}
	}
	errors.ErrNotFound.Write(w, r)
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt.tree.ServeHTTP(w, r)
}

// Routes returns all configured routes
func (rt *Router) Routes() []*Route {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	out := make([]*Route, len(rt.routes))
	copy(out, rt.routes)
	return out
}

func normalizeMethods(methods []string) []string {
	if len(methods) == 0 {
		return standardMethods
	}
	out := make([]string, 0, len(methods))
	for _, m := range methods {
		m = strings.ToUpper(m)
		if !slices.Contains(out, m) {
			out = append(out, m)
		}
	}
	return out
}

// below reports whether p is root or lies below it.
func below(p, root string) bool {
	root = strings.TrimSuffix(root, "/")
	return root == "" || p == root || strings.HasPrefix(p, root+"/")
}

// substitute fills the :name and *name segments of pattern from ps. The
// result is an escaped path.
func substitute(pattern string, ps httprouter.Params) string {
	segments := strings.Split(pattern, "/")
	for i, s := range segments {
		switch {
		case strings.HasPrefix(s, ":"):
			segments[i] = url.PathEscape(ps.ByName(s[1:]))
		case strings.HasPrefix(s, "*"):
			parts := strings.Split(strings.TrimPrefix(ps.ByName(s[1:]), "/"), "/")
			for j, part := range parts {
				parts[j] = url.PathEscape(part)
			}
			segments[i] = strings.Join(parts, "/")
		}
	}
	return strings.Join(segments, "/")
}

// withPath returns a shallow copy of r with its URL path replaced by the
// escaped path.
func withPath(r *http.Request, escaped string) *http.Request {
	r2 := new(http.Request)
	*r2 = *r
	u := *r.URL
	if p, err := url.PathUnescape(escaped); err == nil {
		u.Path = p
		u.RawPath = escaped
	} else {
		u.Path = escaped
		u.RawPath = ""
	}
	r2.URL = &u
	return r2
}
