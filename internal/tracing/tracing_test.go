package tracing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/wudi/zgw-gateway/internal/config"
	"github.com/wudi/zgw-gateway/internal/middleware"
	"github.com/wudi/zgw-gateway/internal/variables"
)

func newTestTracer(t *testing.T) (*Tracer, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tr, err := NewWithExporter(config.TracingConfig{Enabled: true, ServiceName: "test"}, exp)
	if err != nil {
		t.Fatal(err)
	}
	return tr, exp
}

func flushed(t *testing.T, tr *Tracer, exp *tracetest.InMemoryExporter) tracetest.SpanStubs {
	t.Helper()
	if err := tr.provider.ForceFlush(context.Background()); err != nil {
		t.Fatal(err)
	}
	return exp.GetSpans()
}

func attr(stub tracetest.SpanStub, key string) (attribute.Value, bool) {
	for _, kv := range stub.Attributes {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestTracerMiddleware(t *testing.T) {
	tr, exp := newTestTracer(t)
	h := middleware.NewChain(middleware.RequestID(false), tr.Middleware()).Then(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			variables.GetFromRequest(r).RouteID = "zaken-list"
			w.WriteHeader(http.StatusBadGateway)
		}),
	)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/zaken", nil))

	spans := flushed(t, tr, exp)
	if len(spans) != 1 {
		t.Fatalf("%d spans", len(spans))
	}
	span := spans[0]
	if span.Name != "GET zaken-list" {
		t.Errorf("name %q", span.Name)
	}
	if v, ok := attr(span, "http.response.status_code"); !ok || v.AsInt64() != 502 {
		t.Errorf("status attribute %v", v)
	}
	if span.Status.Code != codes.Error {
		t.Errorf("status %v", span.Status)
	}
	if rr.Header().Get(TraceIDHeader) != span.SpanContext.TraceID().String() {
		t.Errorf("trace header %q", rr.Header().Get(TraceIDHeader))
	}
}

func TestTracerContinuesIncomingTrace(t *testing.T) {
	tr, exp := newTestTracer(t)
	h := tr.Middleware()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	h.ServeHTTP(httptest.NewRecorder(), req)

	spans := flushed(t, tr, exp)
	if len(spans) != 1 {
		t.Fatalf("%d spans", len(spans))
	}
	if got := spans[0].SpanContext.TraceID().String(); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("trace id %s", got)
	}
	if got := spans[0].Parent.SpanID().String(); got != "00f067aa0ba902b7" {
		t.Errorf("parent span %s", got)
	}
}

func TestTracerDisabled(t *testing.T) {
	tr, err := New(config.TracingConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if tr.IsEnabled() {
		t.Fatal("enabled")
	}
	rr := httptest.NewRecorder()
	tr.Middleware()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})).
		ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
	if rr.Header().Get(TraceIDHeader) != "" {
		t.Error("disabled tracer set a trace id")
	}
	if err := tr.Close(context.Background()); err != nil {
		t.Error(err)
	}
}
