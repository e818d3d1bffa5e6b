package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wudi/zgw-gateway/internal/jsonnode"
)

func makeItems(t *testing.T, n int) []*jsonnode.Node {
	t.Helper()
	items := make([]*jsonnode.Node, n)
	for i := range items {
		doc, err := jsonnode.Parse([]byte(fmt.Sprintf(`{"id":%d}`, i)))
		if err != nil {
			t.Fatal(err)
		}
		items[i] = doc
	}
	return items
}

func enrichExcept(bad map[int64]bool, panics bool) EnrichFunc {
	return func(ctx context.Context, item *jsonnode.Node) error {
		id, _ := item.Get("id").Int()
		if bad[id] {
			if panics {
				panic("boom")
			}
			return errors.New("backend unavailable")
		}
		return item.Set("extra", jsonnode.NewInt(id*10))
	}
}

func TestEnrichFaultIsolation(t *testing.T) {
	tests := []struct {
		name   string
		n      int
		bad    map[int64]bool
		panics bool
	}{
		{"no failures", 5, nil, false},
		{"first fails", 5, map[int64]bool{0: true}, false},
		{"middle fails", 8, map[int64]bool{3: true}, false},
		{"several fail", 8, map[int64]bool{1: true, 6: true, 7: true}, false},
		{"all fail", 3, map[int64]bool{0: true, 1: true, 2: true}, false},
		{"panic is contained", 4, map[int64]bool{2: true}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items := makeItems(t, tt.n)
			res := Enrich(context.Background(), items, enrichExcept(tt.bad, tt.panics), nil)

			if res.Total != tt.n || res.Failed != len(tt.bad) {
				t.Errorf("result %+v, want total %d failed %d", res, tt.n, len(tt.bad))
			}
			for i, item := range items {
				want := fmt.Sprintf(`{"id":%d,"extra":%d}`, i, i*10)
				if tt.bad[int64(i)] {
					want = fmt.Sprintf(`{"id":%d}`, i)
				}
				if got := item.String(); got != want {
					t.Errorf("item %d: got %s, want %s", i, got, want)
				}
			}
		})
	}
}

func TestEnrichRunsConcurrently(t *testing.T) {
	const n = 10
	items := makeItems(t, n)

	var (
		started sync.WaitGroup
		running atomic.Int32
		peak    atomic.Int32
	)
	started.Add(n)
	fn := func(ctx context.Context, item *jsonnode.Node) error {
		cur := running.Add(1)
		defer running.Add(-1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		started.Done()
		// Every call waits until all have started; a capped pool would deadlock.
		started.Wait()
		return nil
	}

	done := make(chan Result, 1)
	go func() { done <- Enrich(context.Background(), items, fn, nil) }()

	select {
	case res := <-done:
		if res.Failed != 0 {
			t.Errorf("unexpected failures: %+v", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("enrichment calls did not run concurrently")
	}
	if peak.Load() != n {
		t.Errorf("expected %d concurrent calls, peak %d", n, peak.Load())
	}
}

func TestEnrichPassesContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	items := makeItems(t, 3)
	res := Enrich(ctx, items, func(ctx context.Context, item *jsonnode.Node) error {
		return ctx.Err()
	}, nil)
	if res.Failed != 3 {
		t.Errorf("expected every call to observe cancellation, got %+v", res)
	}
}

func TestEnrichEmptyAndNilItems(t *testing.T) {
	if res := Enrich(context.Background(), nil, enrichExcept(nil, false), nil); res.Total != 0 || res.Failed != 0 {
		t.Errorf("empty: %+v", res)
	}

	items := []*jsonnode.Node{nil, jsonnode.NewObject()}
	var calls atomic.Int32
	Enrich(context.Background(), items, func(context.Context, *jsonnode.Node) error {
		calls.Add(1)
		return nil
	}, nil)
	if calls.Load() != 1 {
		t.Errorf("nil items must be skipped, got %d calls", calls.Load())
	}
}
