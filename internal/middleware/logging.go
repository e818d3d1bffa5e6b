package middleware

import (
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/zgw-gateway/internal/variables"
)

// Recorder receives one observation per finished request.
type Recorder interface {
	RecordRequest(route, method string, statusCode int, duration time.Duration)
}

// AccessLogConfig configures AccessLog.
type AccessLogConfig struct {
	// Logger receives one line per request; nil disables the line.
	Logger *zap.Logger
	// Recorder, when set, is fed every request.
	Recorder Recorder
	// SkipPaths are request paths that are neither logged nor recorded.
	SkipPaths []string
}

var statusWriterPool = sync.Pool{
	New: func() any { return &statusWriter{} },
}

// AccessLog logs and records every request once the handler returns,
// including responses aborted mid-body.
func AccessLog(cfg AccessLogConfig) Middleware {
	skip := make(map[string]bool, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skip[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			sw := statusWriterPool.Get().(*statusWriter)
			sw.ResponseWriter = w
			sw.status = 0
			sw.bytes = 0

			aborted := true
			defer func() {
				status := sw.status
				if status == 0 {
					status = http.StatusOK
				}
				varCtx := variables.GetFromRequest(r)
				varCtx.Status = status
				varCtx.BodyBytesSent = sw.bytes
				route := varCtx.RouteID
				if route == "" {
					route = "unmatched"
				}
				duration := time.Since(start)

				if cfg.Recorder != nil {
					cfg.Recorder.RecordRequest(route, r.Method, status, duration)
				}
				if cfg.Logger != nil {
					fields := []zap.Field{
						zap.String("request_id", varCtx.RequestID),
						zap.String("remote_addr", variables.ExtractClientIP(r)),
						zap.String("method", r.Method),
						zap.String("path", r.URL.Path),
						zap.Int("status", status),
						zap.Int64("body_bytes", sw.bytes),
						zap.Duration("response_time", duration),
						zap.String("route_id", route),
					}
					if r.URL.RawQuery != "" {
						fields = append(fields, zap.String("query", r.URL.RawQuery))
					}
					if varCtx.UpstreamAddr != "" {
						fields = append(fields,
							zap.String("upstream_addr", varCtx.UpstreamAddr),
							zap.Int("upstream_status", varCtx.UpstreamStatus),
							zap.Duration("upstream_response_time", varCtx.UpstreamResponseTime),
						)
					}
					if varCtx.DispatchState != "" {
						fields = append(fields, zap.String("dispatch_state", varCtx.DispatchState))
					}
					if varCtx.Identity != nil {
						fields = append(fields, zap.String("auth_client_id", varCtx.Identity.ClientID))
					}
					if aborted {
						fields = append(fields, zap.Bool("aborted", true))
					}
					cfg.Logger.Info("HTTP request", fields...)
				}

				sw.ResponseWriter = nil
				statusWriterPool.Put(sw)
			}()

			next.ServeHTTP(sw, r)
			aborted = false
		})
	}
}

// statusWriter captures the status code and body size of a response.
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (sw *statusWriter) WriteHeader(status int) {
	if sw.status == 0 && status >= 200 {
		sw.status = status
	}
	sw.ResponseWriter.WriteHeader(status)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if sw.status == 0 {
		sw.status = http.StatusOK
	}
	n, err := sw.ResponseWriter.Write(b)
	sw.bytes += int64(n)
	return n, err
}

// Flush implements http.Flusher
func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}
