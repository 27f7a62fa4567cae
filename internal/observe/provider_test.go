package observe

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func scrape(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape status = %d", rec.Code)
	}
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func TestNewProvider_ExportsToRegistry(t *testing.T) {
	t.Parallel()
	p, err := NewProvider(ProviderConfig{Registry: prometheus.NewRegistry()})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	m, err := NewMetrics(p.MeterProvider)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.RecordTurn(context.Background(), "completed")

	body := scrape(t, p.MetricsHandler())
	if !strings.Contains(body, "voxloop_session_turns") {
		t.Errorf("turn counter missing from scrape:\n%s", body)
	}
	if !strings.Contains(body, `outcome="completed"`) {
		t.Errorf("outcome label missing from scrape:\n%s", body)
	}
	if strings.Contains(body, "go_goroutines") {
		t.Error("custom registry picked up runtime collectors")
	}
}

func TestNewProvider_DefaultRegistryHasRuntimeCollectors(t *testing.T) {
	t.Parallel()
	p, err := NewProvider(ProviderConfig{})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	if body := scrape(t, p.MetricsHandler()); !strings.Contains(body, "go_goroutines") {
		t.Error("go runtime metrics missing")
	}
}

func TestNewProvider_ExportsSpans(t *testing.T) {
	t.Parallel()
	exp := tracetest.NewInMemoryExporter()
	p, err := NewProvider(ProviderConfig{TraceExporter: exp, Registry: prometheus.NewRegistry()})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}

	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	_, span := p.TracerProvider.Tracer("test").Start(context.Background(), "turn")
	span.End()

	if err := p.TracerProvider.ForceFlush(context.Background()); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}
	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "turn" {
		t.Fatalf("exported spans = %v", spans)
	}
	if got := spans[0].Resource.Attributes(); !hasServiceName(got, "voxloop") {
		t.Errorf("resource attributes = %v, want service.name=voxloop", got)
	}
}

func hasServiceName(attrs []attribute.KeyValue, want string) bool {
	for _, kv := range attrs {
		if string(kv.Key) == "service.name" && kv.Value.AsString() == want {
			return true
		}
	}
	return false
}
