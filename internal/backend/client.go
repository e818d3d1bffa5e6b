package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wudi/zgw-gateway/internal/jsonnode"
)

const tracerName = "github.com/wudi/zgw-gateway/internal/backend"

// maxJSONBody bounds documents fetched by GetJSON.
const maxJSONBody = 32 << 20

// StatusError is returned by GetJSON for non-2xx responses.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: backend returned %d", e.URL, e.Code)
}

// Observer receives backend call events, typically a metrics collector.
type Observer interface {
	RecordRetry(backend string)
	RecordUpstreamError(backend string)
	SetCircuitBreakerState(backend string, state int)
}

type nopObserver struct{}

func (nopObserver) RecordRetry(string)                 {}
func (nopObserver) RecordUpstreamError(string)         {}
func (nopObserver) SetCircuitBreakerState(string, int) {}

// Client sends requests to backends. It is safe for concurrent use.
type Client struct {
	pool     *TransportPool
	logger   *zap.Logger
	observer Observer
}

// NewClient creates a client using the transports in pool.
func NewClient(pool *TransportPool, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{pool: pool, logger: logger, observer: nopObserver{}}
}

// Observe reports events of calls to targets to o. It must be called before
// the client is used.
func (c *Client) Observe(o Observer, targets []*Target) {
	if o == nil {
		return
	}
	c.observer = o
	for _, t := range targets {
		if t.breaker != nil {
			t.breaker.observer.Store(&o)
		}
	}
}

// Do sends req to target. req.URL must be absolute. The target's
// credentials and the trace context of req's context are added, and an
// encoded response body is decoded. Redirects are not followed.
func (c *Client) Do(target *Target, req *http.Request) (*http.Response, error) {
	req.Header.Set("Accept-Encoding", AcceptEncoding)
	if err := target.auth.Authorize(req); err != nil {
		return nil, fmt.Errorf("authorizing request to %s: %w", target.Name, err)
	}

	ctx, span := otel.Tracer(tracerName).Start(req.Context(), "backend "+target.Name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("server.address", req.URL.Host),
		),
	)
	defer span.End()
	req = req.WithContext(ctx)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	rt := c.pool.Get(target.Name)
	var (
		resp *http.Response
		err  error
	)
	if target.breaker != nil {
		resp, err = target.breaker.RoundTrip(rt, req)
	} else {
		resp, err = rt.RoundTrip(req)
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		if !errors.Is(err, ErrCircuitOpen) && req.Context().Err() == nil {
			c.observer.RecordUpstreamError(target.Name)
		}
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	if err := decodeBody(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

// Get fetches rawURL from target, retrying per the target's retry policy.
func (c *Client) Get(ctx context.Context, target *Target, rawURL string) (*http.Response, error) {
	var resp *http.Response
	attempt := 0

	op := func() error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")

		r, err := c.Do(target, req)
		if err != nil {
			if errors.Is(err, ErrCircuitOpen) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		if target.retry.RetryableStatuses[r.StatusCode] && attempt <= target.retry.MaxRetries {
			_, _ = io.Copy(io.Discard, io.LimitReader(r.Body, 64<<10))
			r.Body.Close()
			return fmt.Errorf("GET %s: retryable status %d", rawURL, r.StatusCode)
		}
		resp = r
		return nil
	}

	notify := func(err error, wait time.Duration) {
		c.observer.RecordRetry(target.Name)
		c.logger.Debug("retrying backend fetch",
			zap.String("backend", target.Name),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	if err := backoff.RetryNotify(op, target.retry.backOff(ctx), notify); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetJSON fetches rawURL and parses the response as JSON. Non-2xx responses
// are returned as *StatusError.
func (c *Client) GetJSON(ctx context.Context, target *Target, rawURL string) (*jsonnode.Node, error) {
	resp, err := c.Get(ctx, target, rawURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{URL: rawURL, Code: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxJSONBody))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", rawURL, err)
	}
	doc, err := jsonnode.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", rawURL, err)
	}
	return doc, nil
}
