package proxy

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wudi/zgw-gateway/internal/backend"
	"github.com/wudi/zgw-gateway/internal/config"
	"github.com/wudi/zgw-gateway/internal/jsonnode"
	"github.com/wudi/zgw-gateway/internal/rewrite"
	"github.com/wudi/zgw-gateway/internal/transform"
	"github.com/wudi/zgw-gateway/internal/variables"
)

type fakeMetrics struct {
	transformFailures atomic.Int32
	fanoutFailures    atomic.Int32
	pages             atomic.Int32
}

func (m *fakeMetrics) RecordTransformFailure(string) { m.transformFailures.Add(1) }
func (m *fakeMetrics) RecordFanoutFailures(n int)    { m.fanoutFailures.Add(int32(n)) }
func (m *fakeMetrics) RecordPaginationPage()         { m.pages.Add(1) }

// testGateway is a dispatcher in front of one backend mounted at /zaken.
type testGateway struct {
	backend *httptest.Server
	remote  string // backend base URL
	target  *backend.Target
	disp    *Dispatcher
	metrics *fakeMetrics
}

func newTestGateway(t *testing.T, h http.HandlerFunc) *testGateway {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	remote := srv.URL + "/zaken/api/v1"
	reg, err := backend.NewRegistry([]config.BackendConfig{
		{ID: "zaken", URL: remote, LocalRoot: "/zaken"},
	})
	if err != nil {
		t.Fatal(err)
	}
	pool, err := backend.NewTransportPool(config.TransportConfig{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	target, _ := reg.Get("zaken")
	m := &fakeMetrics{}

	return &testGateway{
		backend: srv,
		remote:  remote,
		target:  target,
		metrics: m,
		disp: NewDispatcher(Config{
			Rules:    rewrite.NewCache(reg.Mounts()),
			Client:   backend.NewClient(pool, nil),
			Backends: reg,
			Metrics:  m,
		}),
	}
}

// serve dispatches r and returns the recorded response and the request
// variables.
func (g *testGateway) serve(r *http.Request, hook transform.Hook) (*httptest.ResponseRecorder, *variables.Context) {
	vc := &variables.Context{RouteID: "test", RequestID: "req-1"}
	r = variables.WithContext(r, vc)
	rr := httptest.NewRecorder()
	g.disp.Dispatch(rr, r, g.target, hook)
	return rr, vc
}

const local = "http://example.com/zaken"

func TestDispatchRewritesResponse(t *testing.T) {
	var g *testGateway
	g = newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Location", g.remote+"/zaken/1")
		w.Header().Set("Link", "<"+g.remote+"/zaken?page=2>; rel=\"next\"")
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"url":"`+g.remote+`/zaken/1","other":"http://elsewhere/zaken/api/v1/x"}`)
	})

	rr, vc := g.serve(httptest.NewRequest("POST", "/zaken/zaken", strings.NewReader("{}")), nil)

	if rr.Code != http.StatusCreated {
		t.Fatalf("status %d", rr.Code)
	}
	want := `{"url":"` + local + `/zaken/1","other":"http://elsewhere/zaken/api/v1/x"}`
	if rr.Body.String() != want {
		t.Errorf("body\n got %s\nwant %s", rr.Body, want)
	}
	if got := rr.Header().Get("Location"); got != local+"/zaken/1" {
		t.Errorf("location %q", got)
	}
	if got := rr.Header().Get("Link"); got != "<"+local+"/zaken?page=2>; rel=\"next\"" {
		t.Errorf("link %q", got)
	}
	if rr.Header().Get("Content-Length") != "" {
		t.Error("content-length must be dropped")
	}
	if vc.DispatchState != StateCompleted.String() || vc.UpstreamStatus != http.StatusCreated {
		t.Errorf("state %s status %d", vc.DispatchState, vc.UpstreamStatus)
	}
}

func TestDispatchRewritesRequest(t *testing.T) {
	type seen struct {
		path, query, body, auth, referer, xfh, xfp string
		contentLength                              int64
	}
	got := make(chan seen, 1)

	var g *testGateway
	g = newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- seen{
			path:          r.URL.Path,
			query:         r.URL.RawQuery,
			body:          string(body),
			auth:          r.Header.Get("Authorization"),
			referer:       r.Header.Get("Referer"),
			xfh:           r.Header.Get("X-Forwarded-Host"),
			xfp:           r.Header.Get("X-Forwarded-Proto"),
			contentLength: r.ContentLength,
		}
	})

	body := `{"zaak":"` + local + `/zaken/1","zaken":"` + local + `/"}`
	req := httptest.NewRequest("PUT", "/zaken/zaken/1?zaaktype="+local+"/catalogi&x=1", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer client-token")
	req.Header.Set("Referer", local+"/zaken")

	rr, _ := g.serve(req, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rr.Code, rr.Body)
	}

	s := <-got
	if s.path != "/zaken/api/v1/zaken/1" {
		t.Errorf("path %q", s.path)
	}
	if s.query != "zaaktype="+g.remote+"/catalogi&x=1" {
		t.Errorf("query %q", s.query)
	}
	wantBody := `{"zaak":"` + g.remote + `/zaken/1","zaken":"` + g.remote + `/"}`
	if s.body != wantBody {
		t.Errorf("body\n got %s\nwant %s", s.body, wantBody)
	}
	if s.contentLength != -1 {
		t.Errorf("request body must be sent without a length, got %d", s.contentLength)
	}
	if s.auth != "" {
		t.Errorf("client authorization forwarded: %q", s.auth)
	}
	if s.referer != g.remote+"/zaken" {
		t.Errorf("referer %q", s.referer)
	}
	if s.xfh != "example.com" || s.xfp != "http" {
		t.Errorf("forwarded host %q proto %q", s.xfh, s.xfp)
	}
}

func TestDispatchDropsConnectionHeaders(t *testing.T) {
	secret := make(chan string, 1)
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		secret <- r.Header.Get("X-Secret")
	})

	req := httptest.NewRequest("GET", "/zaken/x", nil)
	req.Header.Set("Connection", "X-Secret")
	req.Header.Set("X-Secret", "1")
	g.serve(req, nil)

	if s := <-secret; s != "" {
		t.Errorf("connection-listed header forwarded: %q", s)
	}
}

func copyStep() transform.Hook {
	h, err := transform.Compile(config.TransformConfig{
		Name: "identificatie",
		Steps: []config.StepConfig{
			{Type: config.StepCopy, From: "internZaaknummer", To: "identificatie"},
		},
	})
	if err != nil {
		panic(err)
	}
	return h
}

func TestDispatchTransform(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"results":[{"internZaaknummer":"12345"}]}  `)
	})

	rr, vc := g.serve(httptest.NewRequest("GET", "/zaken/zaken", nil), copyStep())

	want := `{"results":[{"internZaaknummer":"12345","identificatie":"12345"}]}`
	if rr.Body.String() != want {
		t.Errorf("body\n got %s\nwant %s", rr.Body, want)
	}
	if rr.Header().Get("Content-Length") != "" {
		t.Error("content-length must be absent")
	}
	if rr.Header().Get("Content-Type") != "application/json" {
		t.Errorf("content-type %q", rr.Header().Get("Content-Type"))
	}
	if vc.DispatchState != StateCompleted.String() {
		t.Errorf("state %s", vc.DispatchState)
	}
}

func TestDispatchTransformOverTheWire(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"results":[{"internZaaknummer":"12345"}]}`)
	})
	gw := httptest.NewServer(g.disp.Handler(g.target, copyStep()))
	defer gw.Close()

	resp, err := http.Get(gw.URL + "/zaken/zaken")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if string(body) != `{"results":[{"internZaaknummer":"12345","identificatie":"12345"}]}` {
		t.Errorf("body %s", body)
	}
	if resp.ContentLength != -1 || resp.Header.Get("Content-Length") != "" {
		t.Errorf("content-length present: %d", resp.ContentLength)
	}
}

func TestDispatchTransformFailureServesPartialDocument(t *testing.T) {
	tests := []struct {
		name string
		hook transform.Hook
	}{
		{
			name: "error",
			hook: func(tc *transform.Context, doc *jsonnode.Node) error {
				doc.Set("first", jsonnode.NewBool(true))
				return errors.New("second step failed")
			},
		},
		{
			name: "panic",
			hook: func(tc *transform.Context, doc *jsonnode.Node) error {
				doc.Set("first", jsonnode.NewBool(true))
				panic("hook bug")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var g *testGateway
			g = newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusAccepted)
				io.WriteString(w, `{"url":"`+g.remote+`/zaken/1"}`)
			})

			rr, _ := g.serve(httptest.NewRequest("GET", "/zaken/zaken/1", nil), tt.hook)
			if rr.Code != http.StatusAccepted {
				t.Errorf("status %d", rr.Code)
			}
			want := `{"url":"` + local + `/zaken/1","first":true}`
			if rr.Body.String() != want {
				t.Errorf("body\n got %s\nwant %s", rr.Body, want)
			}
			if g.metrics.transformFailures.Load() != 1 {
				t.Error("transform failure not recorded")
			}
		})
	}
}

func TestDispatchTransformSkipped(t *testing.T) {
	tests := []struct {
		name   string
		method string
		status int
		body   string
	}{
		{"non-2xx", "GET", http.StatusNotFound, `{"detail":"REMOTE/zaken/1 not found"}`},
		{"invalid json", "GET", http.StatusOK, `not json REMOTE/zaken/1`},
		{"head", "HEAD", http.StatusOK, ``},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var g *testGateway
			g = newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, strings.ReplaceAll(tt.body, "REMOTE", g.remote))
			})

			var called bool
			hook := func(*transform.Context, *jsonnode.Node) error {
				called = true
				return nil
			}
			rr, _ := g.serve(httptest.NewRequest(tt.method, "/zaken/zaken/1", nil), hook)

			if called {
				t.Error("hook must not run")
			}
			if rr.Code != tt.status {
				t.Errorf("status %d", rr.Code)
			}
			if want := strings.ReplaceAll(tt.body, "REMOTE", local); rr.Body.String() != want {
				t.Errorf("body\n got %s\nwant %s", rr.Body, want)
			}
		})
	}
}

func TestDispatchTransformSeesBackendURLs(t *testing.T) {
	var g *testGateway
	g = newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"url":"`+g.remote+`/zaken/1"}`)
	})

	var seenURL, seenRemote string
	hook := func(tc *transform.Context, doc *jsonnode.Node) error {
		seenURL = doc.Get("url").Str()
		seenRemote = tc.RemoteURL.String()
		return nil
	}
	g.serve(httptest.NewRequest("GET", "/zaken/zaken/1?expand=x", nil), hook)

	if seenURL != g.remote+"/zaken/1" {
		t.Errorf("hook saw %q", seenURL)
	}
	if seenRemote != g.remote+"/zaken/1?expand=x" {
		t.Errorf("remote url %q", seenRemote)
	}
}

func TestDispatchDecodesCompressedResponse(t *testing.T) {
	var g *testGateway
	g = newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		io.WriteString(zw, `{"url":"`+g.remote+`/zaken/1"}`)
		zw.Close()
		w.Header().Set("Content-Encoding", "gzip")
		w.Write(buf.Bytes())
	})

	rr, _ := g.serve(httptest.NewRequest("GET", "/zaken/zaken/1", nil), nil)
	if rr.Body.String() != `{"url":"`+local+`/zaken/1"}` {
		t.Errorf("body %s", rr.Body)
	}
	if rr.Header().Get("Content-Encoding") != "" {
		t.Error("content-encoding must be dropped after decoding")
	}
}

func TestDispatchUnknownEncodingPassedThrough(t *testing.T) {
	var g *testGateway
	var payload string
	g = newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		payload = g.remote + "/zaken/1"
		w.Header().Set("Content-Encoding", "x-custom")
		io.WriteString(w, payload)
	})

	rr, _ := g.serve(httptest.NewRequest("GET", "/zaken/zaken/1", nil), copyStep())
	if rr.Body.String() != payload {
		t.Errorf("encoded body modified: %s", rr.Body)
	}
	if rr.Header().Get("Content-Length") == "" {
		t.Error("content-length of an untouched body must be kept")
	}
}

func TestDispatchStreamsSplitMatches(t *testing.T) {
	var g *testGateway
	g = newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		f := w.(http.Flusher)
		doc := `[` + strings.Repeat(`"`+g.remote+`/zaken/1",`, 50) + `0]`
		for i := 0; i < len(doc); i += 7 {
			end := min(i+7, len(doc))
			io.WriteString(w, doc[i:end])
			f.Flush()
		}
	})

	gw := httptest.NewServer(g.disp.Handler(g.target, nil))
	defer gw.Close()

	resp, err := http.Get(gw.URL + "/zaken/zaken")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	origin := strings.TrimPrefix(gw.URL, "http://")
	want := `[` + strings.Repeat(`"http://`+origin+`/zaken/zaken/1",`, 50) + `0]`
	if string(body) != want {
		t.Errorf("body\n got %s\nwant %s", body, want)
	}
}

func TestDispatchFlushInterval(t *testing.T) {
	var g *testGateway
	g = newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, g.remote+"/a "+g.remote+"/b")
	})
	g.disp.flushInterval = time.Nanosecond

	rr, _ := g.serve(httptest.NewRequest("GET", "/zaken/x", nil), nil)
	if rr.Body.String() != local+"/a "+local+"/b" {
		t.Errorf("body %s", rr.Body)
	}
	if !rr.Flushed {
		t.Error("expected the response to be flushed")
	}
}

func TestDispatchBackendErrors(t *testing.T) {
	t.Run("unreachable", func(t *testing.T) {
		g := newTestGateway(t, func(http.ResponseWriter, *http.Request) {})
		g.backend.Close()

		rr, vc := g.serve(httptest.NewRequest("GET", "/zaken/x", nil), nil)
		if rr.Code != http.StatusBadGateway {
			t.Errorf("status %d", rr.Code)
		}
		if !strings.Contains(rr.Body.String(), `"request_id":"req-1"`) {
			t.Errorf("body %s", rr.Body)
		}
		if vc.DispatchState != StateFaulted.String() {
			t.Errorf("state %s", vc.DispatchState)
		}
	})

	t.Run("deadline", func(t *testing.T) {
		release := make(chan struct{})
		g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		})
		defer close(release)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		rr, _ := g.serve(httptest.NewRequest("GET", "/zaken/x", nil).WithContext(ctx), nil)
		if rr.Code != http.StatusGatewayTimeout {
			t.Errorf("status %d", rr.Code)
		}
	})

	t.Run("outside root", func(t *testing.T) {
		g := newTestGateway(t, func(http.ResponseWriter, *http.Request) {
			t.Error("backend must not be called")
		})
		rr, _ := g.serve(httptest.NewRequest("GET", "/other", nil), nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("status %d", rr.Code)
		}
	})
}

func TestDispatchClientCancelWritesNothing(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		close(started)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	rr, vc := g.serve(httptest.NewRequest("GET", "/zaken/x", nil).WithContext(ctx), nil)
	if rr.Body.Len() != 0 || rr.Header().Get("Content-Type") != "" {
		t.Errorf("nothing may be written, got %q", rr.Body)
	}
	if vc.DispatchState != StateFaulted.String() {
		t.Errorf("state %s", vc.DispatchState)
	}
}

func TestDispatchTruncatedBackendBodyAbortsResponse(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "partial")
		w.(http.Flusher).Flush()
		conn, _, err := w.(http.Hijacker).Hijack()
		if err == nil {
			conn.Close()
		}
	})

	gw := httptest.NewServer(g.disp.Handler(g.target, nil))
	defer gw.Close()

	resp, err := http.Get(gw.URL + "/zaken/x")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if _, err := io.ReadAll(resp.Body); err == nil {
		t.Error("a truncated backend body must surface as a broken response")
	}
}

func TestDispatchConcurrentOrigins(t *testing.T) {
	var g *testGateway
	g = newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, g.remote+"/zaken/1")
	})

	hosts := []string{"a.example", "b.example", "c.example"}
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		host := hosts[i%len(hosts)]
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest("GET", "/zaken/x", nil)
			req.Host = host
			rr, _ := g.serve(req, nil)
			if want := "http://" + host + "/zaken/zaken/1"; rr.Body.String() != want {
				t.Errorf("host %s: got %s", host, rr.Body)
			}
		}()
	}
	wg.Wait()
}

func TestStateString(t *testing.T) {
	if StateBufferedJSONTransform.String() != "buffered_json_transform" {
		t.Error(StateBufferedJSONTransform.String())
	}
	if State(42).String() != "unknown" {
		t.Error(State(42).String())
	}
}
