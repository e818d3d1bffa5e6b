package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/wudi/zgw-gateway/internal/variables"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

func init() {
	uuid.EnableRandPool()
}

// RequestID attaches a pooled variables.Context to every request and fills
// its RequestID from the incoming header, or a fresh UUID. The id is echoed
// in the response. The context returns to the pool once the handler is done,
// so it must be the outermost middleware.
func RequestID(trustHeader bool) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var id string
			if trustHeader {
				id = r.Header.Get(RequestIDHeader)
			}
			if id == "" || len(id) > 128 {
				id = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, id)

			varCtx := variables.AcquireContext(r)
			varCtx.RequestID = id
			defer variables.ReleaseContext(varCtx)

			next.ServeHTTP(w, variables.WithContext(r, varCtx))
		})
	}
}
