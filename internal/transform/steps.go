package transform

import (
	"context"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/wudi/zgw-gateway/internal/config"
	"github.com/wudi/zgw-gateway/internal/jsonnode"
	"github.com/wudi/zgw-gateway/internal/paginate"
)

// errNoResults is returned by item-scoped steps on documents without a
// results array.
var errNoResults = errors.New("document has no results array")

// Load compiles every configured transform and registers it.
func (r *Registry) Load(cfgs []config.TransformConfig) error {
	for _, cfg := range cfgs {
		h, err := Compile(cfg)
		if err != nil {
			return err
		}
		if err := r.Register(cfg.Name, h); err != nil {
			return err
		}
	}
	return nil
}

// Compile turns a declarative transform into a hook running its steps in
// order.
func Compile(cfg config.TransformConfig) (Hook, error) {
	hooks := make([]Hook, 0, len(cfg.Steps))
	for i, s := range cfg.Steps {
		h, err := compileStep(s)
		if err != nil {
			return nil, fmt.Errorf("transform %s: step %d: %w", cfg.Name, i, err)
		}
		hooks = append(hooks, h)
	}
	return Chain(hooks...), nil
}

func compileStep(s config.StepConfig) (Hook, error) {
	switch s.Type {
	case config.StepCopy:
		return eachTarget(s.Scope, func(n *jsonnode.Node) error {
			v := lookup(n, s.From)
			if !v.Exists() {
				return nil
			}
			return n.Set(s.To, jsonnode.FromResult(v))
		}), nil

	case config.StepRename:
		return eachTarget(s.Scope, func(n *jsonnode.Node) error {
			v := n.Get(s.From)
			if v == nil {
				return nil
			}
			n.Delete(s.From)
			return n.Set(s.To, v)
		}), nil

	case config.StepDelete:
		return eachTarget(s.Scope, func(n *jsonnode.Node) error {
			n.Delete(s.Field)
			return nil
		}), nil

	case config.StepSet:
		if !gjson.Valid(s.Value) {
			return nil, fmt.Errorf("set value is not a JSON literal: %s", s.Value)
		}
		value := []byte(s.Value)
		return eachTarget(s.Scope, func(n *jsonnode.Node) error {
			out, err := sjson.SetRawBytes(jsonnode.Marshal(n), s.Field, value)
			if err != nil {
				return fmt.Errorf("set %s: %w", s.Field, err)
			}
			updated, err := jsonnode.Parse(out)
			if err != nil {
				return err
			}
			n.Replace(updated)
			return nil
		}), nil

	case config.StepAllPages:
		return allPages(s.Backend), nil

	case config.StepEmbed:
		return embed(s), nil
	}
	return nil, fmt.Errorf("unknown step type: %q", s.Type)
}

// lookup evaluates a gjson path against n.
func lookup(n *jsonnode.Node, path string) gjson.Result {
	return gjson.GetBytes(jsonnode.Marshal(n), path)
}

// targets returns the nodes a step applies to.
func targets(doc *jsonnode.Node, scope string) ([]*jsonnode.Node, error) {
	results := doc.Get("results")
	hasResults := results != nil && results.IsArray()

	switch scope {
	case "document":
		return []*jsonnode.Node{doc}, nil
	case "items":
		if !hasResults {
			return nil, errNoResults
		}
		return results.Items(), nil
	default:
		if hasResults {
			return results.Items(), nil
		}
		return []*jsonnode.Node{doc}, nil
	}
}

// eachTarget applies fn to every object the scope selects. Non-object items
// are skipped.
func eachTarget(scope string, fn func(*jsonnode.Node) error) Hook {
	return func(tc *Context, doc *jsonnode.Node) error {
		nodes, err := targets(doc, scope)
		if err != nil {
			return err
		}
		for _, n := range nodes {
			if !n.IsObject() {
				continue
			}
			if err := fn(n); err != nil {
				return err
			}
		}
		return nil
	}
}

// allPages appends the items of every following page to results and turns
// the document into a single page holding the whole collection.
func allPages(backendName string) Hook {
	return func(tc *Context, doc *jsonnode.Node) error {
		page, err := paginate.ParsePage(doc)
		if err != nil {
			return err
		}

		if page.Next != "" {
			next := tc.Resolve(page.Next)
			target, err := tc.TargetFor(next, backendName)
			if err != nil {
				return err
			}
			rest := tc.Walker(target).Collect(tc.Context(), next)
			if err := doc.Get("results").Append(rest...); err != nil {
				return err
			}
		}

		if err := doc.Set("count", jsonnode.NewInt(int64(doc.Get("results").Len()))); err != nil {
			return err
		}
		if err := doc.Set("next", jsonnode.NewNull()); err != nil {
			return err
		}
		return doc.Set("previous", jsonnode.NewNull())
	}
}

// embed fetches the document linked from every item and stores it on the
// item. Items whose link is missing are left alone.
func embed(s config.StepConfig) Hook {
	return func(tc *Context, doc *jsonnode.Node) error {
		nodes, err := targets(doc, s.Scope)
		if err != nil {
			return err
		}

		tc.Enrich(nodes, func(ctx context.Context, item *jsonnode.Node) error {
			if !item.IsObject() {
				return nil
			}
			link := lookup(item, s.From)
			if link.Type != gjson.String || link.Str == "" {
				return nil
			}
			rawURL := tc.Resolve(link.Str)
			target, err := tc.TargetFor(rawURL, s.Backend)
			if err != nil {
				return err
			}
			linked, err := tc.Client.GetJSON(ctx, target, rawURL)
			if err != nil {
				return err
			}
			return item.Set(s.To, linked)
		})
		return nil
	}
}
