// Package errors defines the JSON error bodies the gateway answers with
// when it cannot produce a backend response.
package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net"
	"net/http"
	"strconv"

	"github.com/wudi/zgw-gateway/internal/variables"
)

// GatewayError is an error generated by the gateway itself, as opposed to
// an error response relayed from a backend.
type GatewayError struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	Details   string `json:"details,omitempty"`
	RequestID string `json:"request_id,omitempty"`

	cause error
}

func (e *GatewayError) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *GatewayError) Unwrap() error { return e.cause }

func base(code int) *GatewayError {
	return &GatewayError{Code: code, Message: http.StatusText(code)}
}

var (
	ErrBadRequest         = base(http.StatusBadRequest)
	ErrUnauthorized       = base(http.StatusUnauthorized)
	ErrNotFound           = base(http.StatusNotFound)
	ErrInternalServer     = base(http.StatusInternalServerError)
	ErrBadGateway         = base(http.StatusBadGateway)
	ErrServiceUnavailable = base(http.StatusServiceUnavailable)
	ErrGatewayTimeout     = base(http.StatusGatewayTimeout)
)

func (e *GatewayError) clone() *GatewayError {
	c := *e
	return &c
}

// WithDetails returns a copy of e carrying details.
func (e *GatewayError) WithDetails(details string) *GatewayError {
	c := e.clone()
	c.Details = details
	return c
}

// WithRequestID returns a copy of e carrying the request id.
func (e *GatewayError) WithRequestID(id string) *GatewayError {
	c := e.clone()
	c.RequestID = id
	return c
}

// FromBackend maps a failed backend call to the error reported to the
// client: timeouts become 504, anything else 502.
func FromBackend(err error) *GatewayError {
	var ne net.Error
	if stderrors.Is(err, context.DeadlineExceeded) || (stderrors.As(err, &ne) && ne.Timeout()) {
		c := ErrGatewayTimeout.clone()
		c.cause = err
		return c
	}
	c := ErrBadGateway.WithDetails(err.Error())
	c.cause = err
	return c
}

// As returns the GatewayError in err's chain.
func As(err error) (*GatewayError, bool) {
	var ge *GatewayError
	if stderrors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// Write sends e as the JSON response to r, tagged with the request id and
// recorded as the request status.
func (e *GatewayError) Write(w http.ResponseWriter, r *http.Request) {
	varCtx := variables.GetFromRequest(r)
	if varCtx.RequestID != "" && e.RequestID == "" {
		e = e.WithRequestID(varCtx.RequestID)
	}
	varCtx.Status = e.Code

	body, err := json.Marshal(e)
	if err != nil {
		body = []byte(`{"code":` + strconv.Itoa(e.Code) + `}`)
	}
	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Content-Length", strconv.Itoa(len(body)+1))
	w.WriteHeader(e.Code)
	w.Write(append(body, '\n'))
}
