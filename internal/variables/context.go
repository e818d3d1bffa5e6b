// Package variables carries per-request state between middleware, the
// router and the dispatcher.
package variables

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Identity represents an authenticated client
type Identity struct {
	ClientID string
	AuthType string // "jwt"
	Claims   map[string]interface{}
}

// Claim returns a string claim, or "" when absent.
func (i *Identity) Claim(name string) string {
	if i == nil || i.Claims == nil {
		return ""
	}
	s, _ := i.Claims[name].(string)
	return s
}

// Context holds the state of one request as it moves through the gateway
type Context struct {
	Request              *http.Request
	RequestID            string
	RouteID              string
	PathParams           map[string]string
	Identity             *Identity
	UpstreamAddr         string
	UpstreamStatus       int
	UpstreamResponseTime time.Duration
	StartTime            time.Time
	Status               int
	BodyBytesSent        int64
	// DispatchState is the last dispatcher state reached (see proxy.State).
	DispatchState string
}

var contextPool = sync.Pool{
	New: func() any { return &Context{} },
}

// AcquireContext gets a Context from the pool and initialises it for r.
func AcquireContext(r *http.Request) *Context {
	c := contextPool.Get().(*Context)
	c.Request = r
	c.StartTime = time.Now()
	return c
}

// ReleaseContext zeroes all fields and returns c to the pool.
// The caller must ensure no goroutine reads from c after this call.
func ReleaseContext(c *Context) {
	if c == nil {
		return
	}
	*c = Context{}
	contextPool.Put(c)
}

// RequestContextKey is the context key for storing the request Context
type RequestContextKey struct{}

// WithContext returns a copy of r carrying c.
func WithContext(r *http.Request, c *Context) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), RequestContextKey{}, c))
}

// FromContext returns the request Context stored in ctx, or nil.
func FromContext(ctx context.Context) *Context {
	c, _ := ctx.Value(RequestContextKey{}).(*Context)
	return c
}

// GetFromRequest extracts the request Context from an HTTP request. A
// detached Context is returned when none was attached.
func GetFromRequest(r *http.Request) *Context {
	if c := FromContext(r.Context()); c != nil {
		return c
	}
	return &Context{Request: r, StartTime: time.Now()}
}

// IdentityFromContext returns the authenticated identity, or nil.
func IdentityFromContext(ctx context.Context) *Identity {
	if c := FromContext(ctx); c != nil {
		return c.Identity
	}
	return nil
}

// ExtractClientIP extracts the client IP from X-Forwarded-For, X-Real-IP,
// and finally RemoteAddr.
func ExtractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i > 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
