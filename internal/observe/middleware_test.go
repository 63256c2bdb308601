package observe

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// testSetup installs an in-memory tracer and returns fresh instruments.
// It swaps the global tracer provider, so callers must not run in parallel.
func testSetup(t *testing.T) (*Metrics, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	origTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(origTP) })

	return m, reader, exp
}

func serve(m *Metrics, status int, req *http.Request) (*httptest.ResponseRecorder, context.Context) {
	var ctx context.Context
	h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx = r.Context()
		w.WriteHeader(status)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec, ctx
}

func TestMiddleware_CorrelationAndRequestID(t *testing.T) {
	m, _, _ := testSetup(t)

	rec, ctx := serve(m, http.StatusOK, httptest.NewRequest("GET", "/session", nil))

	cid := CorrelationID(ctx)
	if len(cid) != 32 {
		t.Fatalf("correlation ID = %q, want a 32-char trace id", cid)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != cid {
		t.Errorf("X-Correlation-ID = %q, want %q", got, cid)
	}
	if got := rec.Header().Get(RequestIDHeader); len(got) != 36 {
		t.Errorf("generated %s = %q, want a uuid", RequestIDHeader, got)
	}
}

func TestMiddleware_KeepsIncomingRequestID(t *testing.T) {
	m, _, exp := testSetup(t)

	req := httptest.NewRequest("POST", "/session/start", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	rec, _ := serve(m, http.StatusOK, req)

	if got := rec.Header().Get(RequestIDHeader); got != "req-42" {
		t.Errorf("%s = %q, want req-42", RequestIDHeader, got)
	}
	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if !hasAttr(spans[0].Attributes, "request.id", "req-42") {
		t.Error("span missing request.id attribute")
	}
	if spans[0].Name != "POST /session/start" {
		t.Errorf("span name = %q", spans[0].Name)
	}
}

func TestMiddleware_SpanStatusCode(t *testing.T) {
	m, _, exp := testSetup(t)

	rec, _ := serve(m, http.StatusConflict, httptest.NewRequest("POST", "/session/start", nil))
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d", rec.Code)
	}

	spans := exp.GetSpans()
	if len(spans) == 0 {
		t.Fatal("no spans recorded")
	}
	found := false
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "http.response.status_code" && a.Value.AsInt64() == http.StatusConflict {
			found = true
		}
	}
	if !found {
		t.Error("span missing http.response.status_code attribute")
	}
}

func TestMiddleware_DurationLabels(t *testing.T) {
	m, reader, _ := testSetup(t)

	serve(m, http.StatusBadGateway, httptest.NewRequest("POST", "/session/start", nil))
	serve(m, http.StatusNotFound, httptest.NewRequest("GET", "/wp-admin/setup.php", nil))

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "avatarlink.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}

	want := map[string]string{"/session/start": "5xx", "other": "4xx"}
	if len(hist.DataPoints) != len(want) {
		t.Fatalf("data points = %d, want %d", len(hist.DataPoints), len(want))
	}
	for _, dp := range hist.DataPoints {
		route, _ := dp.Attributes.Value(attribute.Key("route"))
		status, _ := dp.Attributes.Value(attribute.Key("status"))
		if want[route.AsString()] != status.AsString() {
			t.Errorf("route %q status %q, want %q", route.AsString(), status.AsString(), want[route.AsString()])
		}
		if dp.Count != 1 {
			t.Errorf("route %q count = %d, want 1", route.AsString(), dp.Count)
		}
	}
}

func TestMiddleware_PropagatesW3CTraceContext(t *testing.T) {
	m, _, _ := testSetup(t)
	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"

	req := httptest.NewRequest("GET", "/session", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	rec, ctx := serve(m, http.StatusOK, req)

	if got := CorrelationID(ctx); got != traceID {
		t.Errorf("correlation ID = %q, want %q", got, traceID)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != traceID {
		t.Errorf("X-Correlation-ID = %q, want %q", got, traceID)
	}
}

func TestMiddleware_HealthChecksLogAtDebug(t *testing.T) {
	m, _, _ := testSetup(t)

	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
	t.Cleanup(func() { slog.SetDefault(orig) })

	serve(m, http.StatusOK, httptest.NewRequest("GET", "/healthz", nil))
	if buf.Len() != 0 {
		t.Errorf("health check logged at info: %s", buf.String())
	}

	serve(m, http.StatusOK, httptest.NewRequest("POST", "/session/start", nil))
	if !strings.Contains(buf.String(), "path=/session/start") || !strings.Contains(buf.String(), "request_id=") {
		t.Errorf("session request not logged: %s", buf.String())
	}
}

func TestStatusClass(t *testing.T) {
	tests := map[int]string{200: "2xx", 204: "2xx", 409: "4xx", 503: "5xx"}
	for code, want := range tests {
		if got := statusClass(code); got != want {
			t.Errorf("statusClass(%d) = %q, want %q", code, got, want)
		}
	}
}

func hasAttr(attrs []attribute.KeyValue, key, value string) bool {
	for _, a := range attrs {
		if string(a.Key) == key && a.Value.AsString() == value {
			return true
		}
	}
	return false
}
