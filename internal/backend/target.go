// Package backend is the transport collaborator of the gateway: it knows
// the configured backend APIs, how to reach and authorise against them, and
// how to turn their responses into plain byte streams.
package backend

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/wudi/zgw-gateway/internal/config"
	"github.com/wudi/zgw-gateway/internal/rewrite"
)

// ErrOutsideRoot is returned when a local path is not below a target's
// local root.
var ErrOutsideRoot = errors.New("path outside backend local root")

// Target is a configured backend API.
type Target struct {
	Name      string
	BaseURL   *url.URL
	LocalRoot string

	auth    Authorizer
	retry   RetryPolicy
	breaker *Breaker
}

// NewTarget creates a Target from config.
func NewTarget(cfg config.BackendConfig) (*Target, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("backend %s: invalid url: %w", cfg.ID, err)
	}
	auth, err := NewAuthorizer(cfg.ID, cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("backend %s: %w", cfg.ID, err)
	}

	t := &Target{
		Name:      cfg.ID,
		BaseURL:   u,
		LocalRoot: "/" + strings.Trim(cfg.LocalRoot, "/"),
		auth:      auth,
		retry:     NewRetryPolicy(cfg.Retry),
	}
	if cfg.CircuitBreaker.Enabled {
		t.breaker = NewBreaker(cfg.ID, cfg.CircuitBreaker)
	}
	return t, nil
}

// Mount returns the rewrite mount pairing the local root with the base URL.
func (t *Target) Mount() rewrite.Mount {
	return rewrite.Mount{LocalRoot: t.LocalRoot, RemoteBase: t.BaseURL.String()}
}

// Breaker returns the target's circuit breaker, or nil when disabled.
func (t *Target) Breaker() *Breaker { return t.breaker }

// RemoteURL maps an escaped path below the local root onto the base URL.
// Escapes such as %2F inside a segment are kept.
func (t *Target) RemoteURL(escapedPath, rawQuery string) (*url.URL, error) {
	rest, ok := cutRoot(escapedPath, t.LocalRoot)
	if !ok {
		return nil, fmt.Errorf("%s: %w", escapedPath, ErrOutsideRoot)
	}

	u := *t.BaseURL
	if rest != "" {
		raw := singleJoiningSlash(t.BaseURL.EscapedPath(), rest)
		p, err := url.PathUnescape(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", escapedPath, err)
		}
		u.Path = p
		u.RawPath = raw
	}
	u.RawQuery = rawQuery
	return &u, nil
}

// Owns reports whether the absolute URL lies below the target's base URL.
func (t *Target) Owns(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if !strings.EqualFold(u.Scheme, t.BaseURL.Scheme) || !strings.EqualFold(u.Host, t.BaseURL.Host) {
		return false
	}
	_, ok := cutRoot(u.Path, t.BaseURL.Path)
	return ok
}

// cutRoot returns the part of p below root. "/a" is below "/a" and "/a/",
// "/ab" is not.
func cutRoot(p, root string) (string, bool) {
	root = strings.TrimSuffix(root, "/")
	if root == "" {
		return p, true
	}
	if !strings.HasPrefix(p, root) {
		return "", false
	}
	rest := p[len(root):]
	if rest != "" && rest[0] != '/' {
		return "", false
	}
	return rest, true
}

// singleJoiningSlash joins two URL paths with a single slash
func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}
