package backend

import (
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/wudi/zgw-gateway/internal/config"
	"github.com/wudi/zgw-gateway/internal/logging"
)

// ErrCircuitOpen is returned when a backend's circuit breaker rejects a call.
var ErrCircuitOpen = errors.New("backend circuit open")

// errServerFailure marks a 5xx response as a breaker failure. It never
// leaves this file.
var errServerFailure = errors.New("backend server failure")

// Breaker trips after consecutive failures of one backend: transport errors
// and 5xx responses.
type Breaker struct {
	cb       *gobreaker.CircuitBreaker[*http.Response]
	observer atomic.Pointer[Observer]
}

// NewBreaker creates a circuit breaker from config
func NewBreaker(name string, cfg config.CircuitBreakerConfig) *Breaker {
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = 5
	}
	maxRequests := cfg.MaxRequests
	if maxRequests <= 0 {
		maxRequests = 1
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	b := &Breaker{}
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(maxRequests),
		Interval:    cfg.Interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn("backend circuit breaker state changed",
				zap.String("backend", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			if o := b.observer.Load(); o != nil {
				(*o).SetCircuitBreakerState(name, stateValue(to))
			}
		},
	}
	b.cb = gobreaker.NewCircuitBreaker[*http.Response](st)
	return b
}

// stateValue maps a breaker state to its gauge value.
func stateValue(s gobreaker.State) int {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// State returns the current breaker state name.
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// RoundTrip sends req through rt unless the breaker is open.
func (b *Breaker) RoundTrip(rt http.RoundTripper, req *http.Request) (*http.Response, error) {
	resp, err := b.cb.Execute(func() (*http.Response, error) {
		resp, err := rt.RoundTrip(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			return resp, errServerFailure
		}
		return resp, nil
	})

	switch {
	case errors.Is(err, errServerFailure):
		return resp, nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return nil, ErrCircuitOpen
	}
	return resp, err
}
