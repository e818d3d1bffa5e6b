// Package proxy forwards client requests to backends, rewriting gateway
// URLs into backend URLs on the way in and back on the way out, and runs
// JSON transform hooks on successful responses.
package proxy

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/zgw-gateway/internal/backend"
	"github.com/wudi/zgw-gateway/internal/errors"
	"github.com/wudi/zgw-gateway/internal/jsonnode"
	"github.com/wudi/zgw-gateway/internal/rewrite"
	"github.com/wudi/zgw-gateway/internal/transform"
	"github.com/wudi/zgw-gateway/internal/variables"
)

// DefaultMaxJSONBody bounds the response bodies buffered for a transform.
const DefaultMaxJSONBody = 32 << 20

const copyBufferSize = 32 << 10

// Metrics receives dispatcher events.
type Metrics interface {
	transform.Observer
	RecordTransformFailure(route string)
}

// Config holds dispatcher configuration
type Config struct {
	Rules    *rewrite.Cache
	Client   *backend.Client
	Backends *backend.Registry
	Logger   *zap.Logger
	Metrics  Metrics
	// FlushInterval > 0 flushes passthrough bodies to the client after every
	// chunk, at most once per interval.
	FlushInterval time.Duration
	// MaxJSONBody bounds bodies buffered for a transform; larger bodies are
	// passed through untransformed.
	MaxJSONBody int64
}

// Dispatcher forwards requests to backends.
type Dispatcher struct {
	rules         *rewrite.Cache
	client        *backend.Client
	backends      *backend.Registry
	logger        *zap.Logger
	metrics       Metrics
	flushInterval time.Duration
	maxJSONBody   int64
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxJSON := cfg.MaxJSONBody
	if maxJSON <= 0 {
		maxJSON = DefaultMaxJSONBody
	}
	return &Dispatcher{
		rules:         cfg.Rules,
		client:        cfg.Client,
		backends:      cfg.Backends,
		logger:        logger,
		metrics:       cfg.Metrics,
		flushInterval: cfg.FlushInterval,
		maxJSONBody:   maxJSON,
	}
}

// Handler returns an http.Handler dispatching every request to target.
func (d *Dispatcher) Handler(target *backend.Target, hook transform.Hook) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d.Dispatch(w, r, target, hook)
	})
}

// Dispatch forwards r to target and streams the response back to w. r's
// path must lie below the target's local root. When hook is non-nil and the
// backend answers 2xx with a JSON body, the body is parsed and passed to
// hook before it is sent.
func (d *Dispatcher) Dispatch(w http.ResponseWriter, r *http.Request, target *backend.Target, hook transform.Hook) {
	call := &dispatch{
		Dispatcher: d,
		w:          w,
		r:          r,
		target:     target,
		hook:       hook,
		varCtx:     variables.GetFromRequest(r),
	}
	call.logger = d.logger.With(
		zap.String("request_id", call.varCtx.RequestID),
		zap.String("route", call.varCtx.RouteID),
		zap.String("backend", target.Name),
	)
	call.run()
}

// dispatch is the state of one Dispatch call.
type dispatch struct {
	*Dispatcher
	w      http.ResponseWriter
	r      *http.Request
	target *backend.Target
	hook   transform.Hook
	varCtx *variables.Context
	logger *zap.Logger

	state  State
	rules  *rewrite.Pair
	remote *url.URL
}

func (c *dispatch) setState(s State) {
	c.state = s
	c.varCtx.DispatchState = s.String()
	c.logger.Debug("dispatch state", zap.Stringer("state", s))
}

func (c *dispatch) writeError(ge *errors.GatewayError) {
	ge.Write(c.w, c.r)
}

func (c *dispatch) run() {
	c.setState(StateForwarding)

	pair, err := c.rules.Get(rewrite.RequestOrigin(c.r))
	if err != nil {
		c.logger.Error("building rewrite rules", zap.Error(err))
		c.setState(StateFaulted)
		c.writeError(errors.ErrInternalServer)
		return
	}
	c.rules = pair

	req, err := c.outboundRequest()
	if err != nil {
		c.setState(StateFaulted)
		if stderrors.Is(err, backend.ErrOutsideRoot) {
			c.writeError(errors.ErrNotFound)
			return
		}
		c.writeError(errors.ErrBadRequest.WithDetails(err.Error()))
		return
	}
	c.remote = req.URL
	c.varCtx.UpstreamAddr = req.URL.String()

	start := time.Now()
	resp, err := c.client.Do(c.target, req)
	c.varCtx.UpstreamResponseTime = time.Since(start)
	if err != nil {
		c.handleError(err)
		return
	}
	defer resp.Body.Close()

	c.setState(StateHeadersReceived)
	c.varCtx.UpstreamStatus = resp.StatusCode

	// A body still carrying an encoding the gateway cannot decode is sent
	// as is; rewriting would corrupt it.
	raw := backend.Encoded(resp.Header)
	c.copyResponseHeaders(resp.Header, raw)

	if c.hook != nil && !raw && isSuccess(resp.StatusCode) && bodyAllowed(c.r.Method, resp.StatusCode) {
		c.transformBody(resp)
		return
	}
	c.passthrough(resp, raw)
}

// handleError reports a failed backend call. Nothing is written when the
// client has gone away.
func (c *dispatch) handleError(err error) {
	c.setState(StateFaulted)
	if clientGone(c.r) {
		c.logger.Debug("client went away before backend response", zap.Error(err))
		return
	}

	c.logger.Warn("backend call failed", zap.Error(err))
	if stderrors.Is(err, backend.ErrCircuitOpen) {
		c.writeError(errors.ErrServiceUnavailable.WithDetails(err.Error()))
		return
	}
	c.writeError(errors.FromBackend(err))
}

// passthrough streams the backend body to the client, rewriting backend
// URLs to gateway URLs unless raw is set.
func (c *dispatch) passthrough(resp *http.Response, raw bool) {
	c.setState(StateRawBodyPassthrough)
	c.w.WriteHeader(resp.StatusCode)

	var dst io.Writer = c.w
	var rw *rewrite.Writer
	if !raw {
		rw = rewrite.NewWriter(c.w, c.rules.Inbound)
		dst = rw
	}

	err := c.copyBody(dst, resp.Body)
	if err == nil && rw != nil {
		err = rw.Close()
	}
	if err != nil {
		c.abort(err)
		return
	}
	c.setState(StateCompleted)
}

// copyBody copies body to dst, flushing the client connection per chunk
// when a flush interval is configured.
func (c *dispatch) copyBody(dst io.Writer, body io.Reader) error {
	flusher, canFlush := c.w.(http.Flusher)
	if c.flushInterval <= 0 || !canFlush {
		buf := make([]byte, copyBufferSize)
		_, err := io.CopyBuffer(dst, body, buf)
		return err
	}

	buf := make([]byte, copyBufferSize)
	var last time.Time
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return err
			}
			if now := time.Now(); now.Sub(last) >= c.flushInterval {
				if f, ok := dst.(http.Flusher); ok {
					f.Flush()
				} else {
					flusher.Flush()
				}
				last = now
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

// abort ends a response whose body could not be completed. The status has
// been sent, so the connection is torn down to signal the truncation.
func (c *dispatch) abort(err error) {
	c.setState(StateFaulted)
	if clientGone(c.r) {
		c.logger.Debug("client went away during response body", zap.Error(err))
	} else {
		c.logger.Warn("response body aborted", zap.Error(err))
	}
	panic(http.ErrAbortHandler)
}

// transformBody buffers the backend body, runs the hook on its JSON tree
// and sends the result. Hook failures are logged and the tree is sent with
// whatever the hook changed before failing.
func (c *dispatch) transformBody(resp *http.Response) {
	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxJSONBody+1))
	if err != nil {
		c.abortBeforeHeaders(err)
		return
	}
	if int64(len(data)) > c.maxJSONBody {
		c.logger.Warn("response too large to transform, passing through",
			zap.Int64("limit", c.maxJSONBody))
		resp.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(data), resp.Body), resp.Body}
		c.passthrough(resp, false)
		return
	}

	doc, err := jsonnode.Parse(data)
	if err != nil {
		c.logger.Debug("response is not JSON, transform skipped", zap.Error(err))
		c.writeBody(resp.StatusCode, rewrite.Bytes(c.rules.Inbound, data))
		return
	}

	c.setState(StateBufferedJSONTransform)
	if err := c.runHook(doc); err != nil {
		c.logger.Warn("transform failed, sending partially transformed document", zap.Error(err))
		if c.metrics != nil {
			c.metrics.RecordTransformFailure(c.varCtx.RouteID)
		}
	}

	c.writeBody(resp.StatusCode, rewrite.Bytes(c.rules.Inbound, jsonnode.Marshal(doc)))
}

// runHook calls the hook, turning a panic into an error.
func (c *dispatch) runHook(doc *jsonnode.Node) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("transform panic: %v\n%s", rec, debug.Stack())
		}
	}()

	tc := &transform.Context{
		Request:   c.r,
		RouteID:   c.varCtx.RouteID,
		Target:    c.target,
		RemoteURL: c.remote,
		Client:    c.client,
		Backends:  c.backends,
		Logger:    c.logger,
	}
	if c.metrics != nil {
		tc.Observer = c.metrics
	}
	return c.hook(tc, doc)
}

// writeBody sends a fully buffered body. The headers are flushed first so
// the response is streamed without a Content-Length like every other
// rewritten response.
func (c *dispatch) writeBody(status int, body []byte) {
	c.w.WriteHeader(status)
	if f, ok := c.w.(http.Flusher); ok {
		f.Flush()
	}
	if _, err := c.w.Write(body); err != nil {
		c.abort(err)
		return
	}
	c.setState(StateCompleted)
}

// abortBeforeHeaders handles a body read failure before anything was
// written to the client.
func (c *dispatch) abortBeforeHeaders(err error) {
	c.setState(StateFaulted)
	if clientGone(c.r) {
		c.logger.Debug("client went away during response body", zap.Error(err))
		return
	}
	c.logger.Warn("reading backend response failed", zap.Error(err))
	clear(c.w.Header())
	c.writeError(errors.FromBackend(err))
}

// clientGone reports whether the client cancelled the request. A deadline
// set by the gateway itself is not a cancellation.
func clientGone(r *http.Request) bool {
	return stderrors.Is(r.Context().Err(), context.Canceled)
}

func isSuccess(status int) bool {
	return status >= 200 && status <= 299
}

// bodyAllowed reports whether a response to method with status carries a body.
func bodyAllowed(method string, status int) bool {
	if method == http.MethodHead {
		return false
	}
	return status != http.StatusNoContent && status != http.StatusNotModified
}
