// Package fanout runs one enrichment call per item concurrently and merges
// the results into the items in place.
package fanout

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wudi/zgw-gateway/internal/jsonnode"
)

// EnrichFunc augments item in place. A failing call should leave item
// unmodified; Enrich cannot undo partial mutations.
type EnrichFunc func(ctx context.Context, item *jsonnode.Node) error

// Result summarises one Enrich call.
type Result struct {
	Total  int
	Failed int
}

// Enrich calls fn for every item concurrently and waits for all calls.
// There is no concurrency limit; items come from a single backend page.
// Errors and panics of fn are logged and counted, never propagated, so one
// failing item does not affect its siblings. Cancelling ctx does not stop
// running calls, but fn receives ctx and its backend calls abort.
func Enrich(ctx context.Context, items []*jsonnode.Node, fn EnrichFunc, logger *zap.Logger) Result {
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		g      errgroup.Group
		failed atomic.Int64
	)
	for i, item := range items {
		if item == nil {
			continue
		}
		g.Go(func() error {
			if err := call(ctx, fn, item); err != nil {
				failed.Add(1)
				logger.Warn("enrichment failed, item left unmodified",
					zap.Int("index", i),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	return Result{Total: len(items), Failed: int(failed.Load())}
}

// call runs fn, turning a panic into an error.
func call(ctx context.Context, fn EnrichFunc, item *jsonnode.Node) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx, item)
}
