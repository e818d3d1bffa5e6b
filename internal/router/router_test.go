package router

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/julienschmidt/httprouter"

	"github.com/wudi/zgw-gateway/internal/backend"
	"github.com/wudi/zgw-gateway/internal/config"
	"github.com/wudi/zgw-gateway/internal/jsonnode"
	"github.com/wudi/zgw-gateway/internal/transform"
	"github.com/wudi/zgw-gateway/internal/variables"
)

type dispatched struct {
	target string
	path   string
	hooked bool
	route  string
	params map[string]string
}

type fakeDispatcher struct {
	calls []dispatched
}

func (d *fakeDispatcher) Dispatch(w http.ResponseWriter, r *http.Request, target *backend.Target, hook transform.Hook) {
	vc := variables.GetFromRequest(r)
	d.calls = append(d.calls, dispatched{
		target: target.Name,
		path:   r.URL.Path,
		hooked: hook != nil,
		route:  vc.RouteID,
		params: vc.PathParams,
	})
	w.WriteHeader(http.StatusNoContent)
}

func newTestRouter(t *testing.T) (*Router, *fakeDispatcher) {
	t.Helper()
	reg, err := backend.NewRegistry([]config.BackendConfig{
		{ID: "zaken", URL: "http://zaken.internal/api/v1", LocalRoot: "/zaken"},
		{ID: "zaken-archief", URL: "http://archief.internal/api", LocalRoot: "/zaken/archief"},
		{ID: "catalogi", URL: "http://catalogi.internal/api/v1", LocalRoot: "/catalogi"},
	})
	if err != nil {
		t.Fatal(err)
	}
	transforms := transform.NewRegistry()
	transforms.Register("mark", func(*transform.Context, *jsonnode.Node) error { return nil })

	d := &fakeDispatcher{}
	return New(d, reg, transforms), d
}

func serve(rt *Router, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req = variables.WithContext(req, &variables.Context{RequestID: "r1"})
	rr := httptest.NewRecorder()
	rt.ServeHTTP(rr, req)
	return rr
}

func TestRouterRoutes(t *testing.T) {
	rt, d := newTestRouter(t)

	routes := []config.RouteConfig{
		{ID: "zaak", Methods: []string{"get"}, Path: "/zaken/zaken/:uuid", Backend: "zaken", Transform: "mark"},
		{ID: "tasks", Path: "/taken/:uuid/*rest", Backend: "zaken", TargetPath: "/zaken/:uuid/rest/*rest"},
		{ID: "list", Methods: []string{"GET"}, Path: "/catalogi/zaaktypen", Backend: "catalogi", Transform: "mark"},
	}
	for _, r := range routes {
		if err := rt.AddRoute(r); err != nil {
			t.Fatalf("%s: %v", r.ID, err)
		}
	}

	tests := []struct {
		name   string
		method string
		path   string
		want   dispatched
	}{
		{
			name:   "route with param",
			method: "GET",
			path:   "/zaken/zaken/abc",
			want:   dispatched{target: "zaken", path: "/zaken/zaken/abc", hooked: true, route: "zaak"},
		},
		{
			name:   "other method falls back to the mount",
			method: "DELETE",
			path:   "/zaken/zaken/abc",
			want:   dispatched{target: "zaken", path: "/zaken/zaken/abc", route: "mount:zaken"},
		},
		{
			name:   "target path substitution",
			method: "POST",
			path:   "/taken/42/a/b",
			want:   dispatched{target: "zaken", path: "/zaken/zaken/42/rest/a/b", route: "tasks"},
		},
		{
			name:   "nested mount wins",
			method: "GET",
			path:   "/zaken/archief/x",
			want:   dispatched{target: "zaken-archief", path: "/zaken/archief/x", route: "mount:zaken-archief"},
		},
		{
			name:   "mount root",
			method: "GET",
			path:   "/catalogi",
			want:   dispatched{target: "catalogi", path: "/catalogi", route: "mount:catalogi"},
		},
		{
			name:   "exact route",
			method: "GET",
			path:   "/catalogi/zaaktypen",
			want:   dispatched{target: "catalogi", path: "/catalogi/zaaktypen", hooked: true, route: "list"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d.calls = nil
			rr := serve(rt, tt.method, tt.path)
			if rr.Code != http.StatusNoContent || len(d.calls) != 1 {
				t.Fatalf("status %d, calls %d", rr.Code, len(d.calls))
			}
			got := d.calls[0]
			if got.target != tt.want.target || got.path != tt.want.path ||
				got.hooked != tt.want.hooked || got.route != tt.want.route {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestRouterPathParams(t *testing.T) {
	rt, d := newTestRouter(t)
	if err := rt.AddRoute(config.RouteConfig{ID: "zaak", Path: "/zaken/zaken/:uuid", Backend: "zaken"}); err != nil {
		t.Fatal(err)
	}

	serve(rt, "GET", "/zaken/zaken/abc")
	if len(d.calls) != 1 || d.calls[0].params["uuid"] != "abc" {
		t.Errorf("params not recorded: %+v", d.calls)
	}
}

func TestRouterNotFound(t *testing.T) {
	rt, d := newTestRouter(t)

	for _, p := range []string{"/", "/zakenarchief", "/other/zaken"} {
		rr := serve(rt, "GET", p)
		if rr.Code != http.StatusNotFound {
			t.Errorf("%s: status %d", p, rr.Code)
		}
		if !strings.Contains(rr.Body.String(), `"request_id":"r1"`) {
			t.Errorf("%s: body %s", p, rr.Body)
		}
	}
	if len(d.calls) != 0 {
		t.Errorf("unexpected dispatches: %+v", d.calls)
	}
}

func TestRouterAddRouteErrors(t *testing.T) {
	tests := []struct {
		name  string
		route config.RouteConfig
	}{
		{"unknown backend", config.RouteConfig{ID: "a", Path: "/zaken/x", Backend: "nope"}},
		{"unknown transform", config.RouteConfig{ID: "a", Path: "/zaken/x", Backend: "zaken", Transform: "nope"}},
		{"outside local root", config.RouteConfig{ID: "a", Path: "/elsewhere", Backend: "zaken"}},
		{"duplicate", config.RouteConfig{ID: "b", Methods: []string{"GET"}, Path: "/zaken/dup", Backend: "zaken"}},
		{"conflicting pattern", config.RouteConfig{ID: "c", Path: "/zaken/dup/:id", Backend: "zaken"}},
		{"conflicting wildcard", config.RouteConfig{ID: "d", Path: "/zaken/:other", Backend: "zaken"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt, _ := newTestRouter(t)
			if err := rt.AddRoute(config.RouteConfig{ID: "dup", Path: "/zaken/dup", Backend: "zaken"}); err != nil {
				t.Fatal(err)
			}
			if err := rt.AddRoute(config.RouteConfig{ID: "dup2", Path: "/zaken/dup/new", Backend: "zaken"}); err != nil {
				t.Fatal(err)
			}
			if err := rt.AddRoute(tt.route); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestSubstitute(t *testing.T) {
	tests := []struct {
		pattern string
		params  map[string]string
		want    string
	}{
		{"/zaken/:uuid", map[string]string{"uuid": "1"}, "/zaken/1"},
		{"/a/*rest", map[string]string{"rest": "/b/c"}, "/a/b/c"},
		{"/static", nil, "/static"},
		{"/zaken/:id", map[string]string{"id": "a/b c"}, "/zaken/a%2Fb%20c"},
		{"/a/*rest", map[string]string{"rest": "/b/c d"}, "/a/b/c%20d"},
	}
	for _, tt := range tests {
		var ps httprouter.Params
		for k, v := range tt.params {
			ps = append(ps, httprouter.Param{Key: k, Value: v})
		}
		if got := substitute(tt.pattern, ps); got != tt.want {
			t.Errorf("substitute(%q) = %q, want %q", tt.pattern, got, tt.want)
		}
	}
}
