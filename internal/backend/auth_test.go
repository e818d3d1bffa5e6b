package backend

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wudi/zgw-gateway/internal/config"
	"github.com/wudi/zgw-gateway/internal/variables"
)

func TestStaticAuthorizers(t *testing.T) {
	tests := []struct {
		cfg  config.BackendAuthConfig
		want string
	}{
		{config.BackendAuthConfig{Type: config.AuthToken, Token: "abc"}, "Token abc"},
		{config.BackendAuthConfig{Type: config.AuthBearer, Token: "xyz"}, "Bearer xyz"},
		{config.BackendAuthConfig{}, ""},
		{config.BackendAuthConfig{Type: config.AuthNone}, ""},
	}
	for _, tt := range tests {
		a, err := NewAuthorizer("b", tt.cfg)
		if err != nil {
			t.Fatal(err)
		}
		r := httptest.NewRequest("GET", "http://backend/", nil)
		if err := a.Authorize(r); err != nil {
			t.Fatal(err)
		}
		if got := r.Header.Get("Authorization"); got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.cfg.Type, got, tt.want)
		}
	}

	if _, err := NewAuthorizer("b", config.BackendAuthConfig{Type: "oauth"}); err == nil {
		t.Error("expected error for unknown type")
	}
}

func TestZGWAuthClaims(t *testing.T) {
	a := NewZGWAuth(config.BackendAuthConfig{
		Type:     config.AuthZGW,
		ClientID: "gateway",
		Secret:   "s3cret",
		TokenTTL: 10 * time.Minute,
	})
	fixed := time.Unix(1700000000, 0)
	a.now = func() time.Time { return fixed }

	r := httptest.NewRequest("GET", "http://backend/", nil)
	r = variables.WithContext(r, &variables.Context{Identity: &variables.Identity{
		ClientID: "alice",
		Claims:   map[string]interface{}{"name": "Alice A."},
	}})
	if err := a.Authorize(r); err != nil {
		t.Fatal(err)
	}

	raw := r.Header.Get("Authorization")[len("Bearer "):]
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return []byte("s3cret"), nil
	}, jwt.WithTimeFunc(func() time.Time { return fixed }), jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		t.Fatalf("token does not verify: %v", err)
	}

	want := map[string]string{
		"iss":                 "gateway",
		"client_id":           "gateway",
		"user_id":             "alice",
		"user_representation": "Alice A.",
	}
	for k, v := range want {
		if claims[k] != v {
			t.Errorf("claim %s: got %v, want %s", k, claims[k], v)
		}
	}
	if iat, _ := claims.GetIssuedAt(); iat == nil || !iat.Time.Equal(fixed) {
		t.Errorf("unexpected iat: %v", iat)
	}
}

func TestZGWAuthCachesPerUser(t *testing.T) {
	a := NewZGWAuth(config.BackendAuthConfig{ClientID: "gw", Secret: "k", UserRepresentation: "Gateway"})
	calls := 0
	base := time.Unix(1700000000, 0)
	a.now = func() time.Time {
		calls++
		return base.Add(time.Duration(calls) * time.Second)
	}

	authFor := func(user string) string {
		r := httptest.NewRequest("GET", "http://backend/", nil)
		if user != "" {
			r = variables.WithContext(r, &variables.Context{Identity: &variables.Identity{ClientID: user}})
		}
		if err := a.Authorize(r); err != nil {
			t.Fatal(err)
		}
		return r.Header.Get("Authorization")
	}

	first := authFor("bob")
	if again := authFor("bob"); again != first {
		t.Error("expected cached token for the same user")
	}
	if other := authFor("carol"); other == first {
		t.Error("expected a different token for another user")
	}
	if anon := authFor(""); anon == first {
		t.Error("expected a different token without identity")
	}
	if calls != 3 {
		t.Errorf("expected 3 signatures, got %d", calls)
	}
}
