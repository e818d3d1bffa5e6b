package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/wudi/zgw-gateway/internal/variables"
)

func TestRequestID(t *testing.T) {
	tests := []struct {
		name     string
		trust    bool
		incoming string
		wantSame bool
	}{
		{"generated", true, "", false},
		{"trusted", true, "abc-123", true},
		{"untrusted", false, "abc-123", false},
		{"oversized", true, strings.Repeat("x", 200), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			h := RequestID(tt.trust)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				varCtx := variables.FromContext(r.Context())
				if varCtx == nil {
					t.Fatal("no request context attached")
				}
				seen = varCtx.RequestID
			}))

			req := httptest.NewRequest("GET", "/", nil)
			if tt.incoming != "" {
				req.Header.Set(RequestIDHeader, tt.incoming)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			if seen == "" {
				t.Fatal("empty request id")
			}
			if got := rr.Header().Get(RequestIDHeader); got != seen {
				t.Errorf("response header %q, context %q", got, seen)
			}
			if (seen == tt.incoming) != tt.wantSame {
				t.Errorf("id %q, incoming %q", seen, tt.incoming)
			}
		})
	}
}

func TestRequestIDUnique(t *testing.T) {
	h := RequestID(false)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	ids := make(map[string]bool)
	for i := 0; i < 100; i++ {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
		id := rr.Header().Get(RequestIDHeader)
		if ids[id] {
			t.Fatalf("duplicate id %s", id)
		}
		ids[id] = true
	}
}
