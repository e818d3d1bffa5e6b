// Package auth authenticates inbound requests.
package auth

import (
	"crypto/rsa"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wudi/zgw-gateway/internal/config"
	"github.com/wudi/zgw-gateway/internal/errors"
	"github.com/wudi/zgw-gateway/internal/middleware"
	"github.com/wudi/zgw-gateway/internal/variables"
)

// JWTAuth validates bearer tokens.
type JWTAuth struct {
	secret    []byte
	publicKey *rsa.PublicKey
	audience  []string
	parser    *jwt.Parser
	keyFunc   jwt.Keyfunc
}

// NewJWTAuth creates a new JWT authenticator
func NewJWTAuth(cfg config.JWTConfig) (*JWTAuth, error) {
	alg := cfg.Algorithm
	if alg == "" {
		alg = "HS256"
	}
	a := &JWTAuth{audience: cfg.Audience}

	switch {
	case strings.HasPrefix(alg, "HS"):
		if cfg.Secret == "" {
			return nil, fmt.Errorf("jwt: secret is required for %s", alg)
		}
		a.secret = []byte(cfg.Secret)
		a.keyFunc = func(*jwt.Token) (any, error) { return a.secret, nil }
	case strings.HasPrefix(alg, "RS"):
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(cfg.PublicKey))
		if err != nil {
			return nil, fmt.Errorf("jwt: parsing public key: %w", err)
		}
		a.publicKey = key
		a.keyFunc = func(*jwt.Token) (any, error) { return a.publicKey, nil }
	default:
		return nil, fmt.Errorf("jwt: unsupported algorithm %s", alg)
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{alg})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	a.parser = jwt.NewParser(opts...)
	return a, nil
}

// Authenticate verifies the bearer token of r and returns the identity it
// carries.
func (a *JWTAuth) Authenticate(r *http.Request) (*variables.Identity, error) {
	raw := bearerToken(r)
	if raw == "" {
		return nil, errors.ErrUnauthorized.WithDetails("Bearer token not provided")
	}

	claims := jwt.MapClaims{}
	if _, err := a.parser.ParseWithClaims(raw, claims, a.keyFunc); err != nil {
		return nil, errors.ErrUnauthorized.WithDetails(fmt.Sprintf("Invalid token: %v", err))
	}

	// Any one of the configured audiences is accepted.
	if len(a.audience) > 0 {
		aud, _ := claims.GetAudience()
		if !containsAny(aud, a.audience) {
			return nil, errors.ErrUnauthorized.WithDetails("Invalid token audience")
		}
	}

	clientID, _ := claims.GetSubject()
	if clientID == "" {
		clientID, _ = claims["client_id"].(string)
	}

	return &variables.Identity{
		ClientID: clientID,
		AuthType: "jwt",
		Claims:   map[string]any(claims),
	}, nil
}

// Middleware stores the identity of authenticated requests in the request
// variables. Without required, requests carrying no bearer token pass
// unchanged; a token that is present must still be valid.
func (a *JWTAuth) Middleware(required bool) middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !required && bearerToken(r) == "" {
				next.ServeHTTP(w, r)
				return
			}
			identity, err := a.Authenticate(r)
			if err != nil {
				ge, ok := errors.As(err)
				if !ok {
					ge = errors.ErrUnauthorized
				}
				w.Header().Set("WWW-Authenticate", `Bearer realm="api"`)
				ge.Write(w, r)
				return
			}

			varCtx := variables.GetFromRequest(r)
			varCtx.Identity = identity
			next.ServeHTTP(w, variables.WithContext(r, varCtx))
		})
	}
}

func bearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func containsAny(have, want []string) bool {
	for _, h := range have {
		for _, w := range want {
			if h == w {
				return true
			}
		}
	}
	return false
}
