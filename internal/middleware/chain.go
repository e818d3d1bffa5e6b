// Package middleware holds the HTTP middleware wrapped around the gateway
// router.
package middleware

import "net/http"

// Middleware is a function that wraps an http.Handler
type Middleware func(http.Handler) http.Handler

// Chain represents a chain of middlewares
type Chain struct {
	middlewares []Middleware
}

// NewChain creates a new middleware chain. Nil entries are skipped.
func NewChain(middlewares ...Middleware) *Chain {
	c := &Chain{}
	return c.Append(middlewares...)
}

// Then wraps h so that the first middleware is outermost.
func (c *Chain) Then(h http.Handler) http.Handler {
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		h = c.middlewares[i](h)
	}
	return h
}

// Append returns a new chain with middlewares added at the end.
func (c *Chain) Append(middlewares ...Middleware) *Chain {
	out := make([]Middleware, 0, len(c.middlewares)+len(middlewares))
	out = append(out, c.middlewares...)
	for _, m := range middlewares {
		if m != nil {
			out = append(out, m)
		}
	}
	return &Chain{middlewares: out}
}

// AppendIf is Append when cond holds and a no-op otherwise.
func (c *Chain) AppendIf(cond bool, middlewares ...Middleware) *Chain {
	if !cond {
		return c
	}
	return c.Append(middlewares...)
}

// Len returns the number of middlewares in the chain
func (c *Chain) Len() int {
	return len(c.middlewares)
}
