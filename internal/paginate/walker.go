// Package paginate follows the next-cursor chain of paginated backend list
// endpoints.
//
// A page is a JSON object of the form
//
//	{"count": 42, "next": "https://...?page=2", "previous": null, "results": [...]}
//
// Only results is required. The walk yields every item of every page in
// order and stops at the first page without a next link, or silently at
// the first response that is not a page.
package paginate

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/url"

	"go.uber.org/zap"

	"github.com/wudi/zgw-gateway/internal/backend"
	"github.com/wudi/zgw-gateway/internal/jsonnode"
)

// ErrNotPage is returned when a document has no results array.
var ErrNotPage = errors.New("document is not a paginated page")

// Page is one page of a paginated list response.
type Page struct {
	Results  []*jsonnode.Node
	Next     string
	Previous string
	// Count is the total reported by the backend, -1 when absent.
	Count int64
}

// ParsePage extracts a page from doc. Results share nodes with doc.
func ParsePage(doc *jsonnode.Node) (*Page, error) {
	if doc == nil || !doc.IsObject() {
		return nil, ErrNotPage
	}
	results := doc.Get("results")
	if results == nil || !results.IsArray() {
		return nil, ErrNotPage
	}

	p := &Page{
		Results:  results.Items(),
		Next:     stringField(doc, "next"),
		Previous: stringField(doc, "previous"),
		Count:    -1,
	}
	if c := doc.Get("count"); c != nil {
		if n, ok := c.Int(); ok {
			p.Count = n
		}
	}
	return p, nil
}

func stringField(doc *jsonnode.Node, key string) string {
	if v := doc.Get(key); v != nil && v.Kind() == jsonnode.String {
		return v.Str()
	}
	return ""
}

// Option configures a Walker.
type Option func(*Walker)

// WithLogger sets the logger for walk terminations.
func WithLogger(l *zap.Logger) Option {
	return func(w *Walker) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithPageObserver registers fn to be called for every fetched page.
func WithPageObserver(fn func()) Option {
	return func(w *Walker) { w.onPage = fn }
}

// Walker walks the pages of one backend.
type Walker struct {
	client *backend.Client
	target *backend.Target
	logger *zap.Logger
	onPage func()
}

// NewWalker creates a walker fetching pages from target through client.
func NewWalker(client *backend.Client, target *backend.Target, opts ...Option) *Walker {
	w := &Walker{
		client: client,
		target: target,
		logger: zap.NewNop(),
		onPage: func() {},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// FetchPage fetches and parses the page at rawURL.
func (w *Walker) FetchPage(ctx context.Context, rawURL string) (*Page, error) {
	doc, err := w.client.GetJSON(ctx, w.target, rawURL)
	if err != nil {
		return nil, err
	}
	w.onPage()

	p, err := ParsePage(doc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", rawURL, err)
	}
	return p, nil
}

// Walk returns the items of the page at firstURL and of every page reached
// through next links. Each iteration issues fresh backend calls; nothing is
// fetched until the sequence is ranged over. A next link that leaves the
// target or repeats an earlier page ends the walk.
func (w *Walker) Walk(ctx context.Context, firstURL string) iter.Seq[*jsonnode.Node] {
	return func(yield func(*jsonnode.Node) bool) {
		visited := make(map[string]struct{})
		next := firstURL

		for next != "" {
			if _, seen := visited[next]; seen {
				w.logger.Warn("pagination cycle, walk stopped", zap.String("url", next))
				return
			}
			visited[next] = struct{}{}

			page, err := w.FetchPage(ctx, next)
			if err != nil {
				if ctx.Err() == nil {
					w.logger.Warn("pagination walk stopped", zap.String("url", next), zap.Error(err))
				}
				return
			}

			for _, item := range page.Results {
				if !yield(item) {
					return
				}
			}

			if page.Next == "" {
				return
			}
			resolved, err := resolve(next, page.Next)
			if err != nil || !w.target.Owns(resolved) {
				w.logger.Warn("pagination next link outside backend, walk stopped",
					zap.String("next", page.Next))
				return
			}
			next = resolved
		}
	}
}

// Collect gathers every item of the walk starting at firstURL.
func (w *Walker) Collect(ctx context.Context, firstURL string) []*jsonnode.Node {
	var items []*jsonnode.Node
	for item := range w.Walk(ctx, firstURL) {
		items = append(items, item)
	}
	return items
}

// resolve resolves a possibly relative next link against the current page.
func resolve(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(r).String(), nil
}
