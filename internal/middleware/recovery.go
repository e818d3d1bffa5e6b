package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/wudi/zgw-gateway/internal/errors"
	"github.com/wudi/zgw-gateway/internal/variables"
)

// Recovery turns a handler panic into a logged 500. http.ErrAbortHandler is
// re-raised so the server drops the connection of a half-written response.
func Recovery(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				varCtx := variables.GetFromRequest(r)
				logger.Error("panic recovered",
					zap.String("request_id", varCtx.RequestID),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Any("error", rec),
					zap.ByteString("stack", debug.Stack()),
				)

				errors.ErrInternalServer.WithDetails(fmt.Sprintf("panic: %v", rec)).Write(w, r)
			}()

			next.ServeHTTP(w, r)
		})
	}
}
