package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTracing installs an in-memory tracer provider as the global one for the
// duration of the test. Tests that call it must not run in parallel.
func useTracing(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// captureLogs redirects the default slog logger into a buffer.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestCorrelationID(t *testing.T) {
	useTracing(t)

	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID without span = %q", got)
	}

	seen := make(map[string]bool)
	for range 50 {
		ctx, span := StartSpan(context.Background(), "probe")
		cid := CorrelationID(ctx)
		span.End()
		if !hexTraceID.MatchString(cid) {
			t.Fatalf("CorrelationID = %q, want 32 hex chars", cid)
		}
		if seen[cid] {
			t.Fatalf("trace ID %s issued twice", cid)
		}
		seen[cid] = true
	}
}

func TestStartSpan_ChildSharesTrace(t *testing.T) {
	exp := useTracing(t)

	ctx, setup := StartSpan(context.Background(), "session.setup")
	child, dial := StartSpan(ctx, "transport.dial")
	if CorrelationID(child) != CorrelationID(ctx) {
		t.Error("child span started a new trace")
	}
	dial.End()
	setup.End()

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}
	if spans[0].Name != "transport.dial" || spans[1].Name != "session.setup" {
		t.Errorf("span names = %q, %q", spans[0].Name, spans[1].Name)
	}
	if spans[0].Parent.SpanID() != spans[1].SpanContext.SpanID() {
		t.Error("dial span is not parented to setup span")
	}
}

func TestStartTurn_NewRootCarriesTurnID(t *testing.T) {
	exp := useTracing(t)

	session, sessionSpan := StartSpan(context.Background(), "session")
	ctx, turn := StartTurn(session, "seg-0042")
	turn.End()
	sessionSpan.End()

	if got := TurnID(ctx); got != "seg-0042" {
		t.Errorf("TurnID = %q, want seg-0042", got)
	}
	if TurnID(session) != "" {
		t.Error("TurnID leaked into the parent context")
	}
	if CorrelationID(ctx) == CorrelationID(session) {
		t.Error("turn span joined the session trace")
	}

	var turnSpan tracetest.SpanStub
	for _, s := range exp.GetSpans() {
		if s.Name == "turn" {
			turnSpan = s
		}
	}
	if turnSpan.Name == "" {
		t.Fatal("turn span not exported")
	}
	if v, ok := spanAttr(turnSpan, "voxloop.turn_id"); !ok || v.AsString() != "seg-0042" {
		t.Errorf("voxloop.turn_id = %q (present %v)", v.AsString(), ok)
	}
}

func TestLogger_Fields(t *testing.T) {
	useTracing(t)

	spanCtx, span := StartSpan(context.Background(), "op")
	defer span.End()
	turnCtx, turn := StartTurn(context.Background(), "t1")
	defer turn.End()

	tests := []struct {
		name    string
		ctx     context.Context
		want    []string
		wantNot []string
	}{
		{"bare", context.Background(), nil, []string{"trace_id", "span_id", "turn_id"}},
		{"span", spanCtx, []string{"trace_id=" + CorrelationID(spanCtx), "span_id="}, []string{"turn_id"}},
		{"turn", turnCtx, []string{"trace_id=" + CorrelationID(turnCtx), "turn_id=t1"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := captureLogs(t)
			Logger(tt.ctx).Info("session: talking started")
			out := buf.String()
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("log %q missing %q", out, w)
				}
			}
			for _, w := range tt.wantNot {
				if strings.Contains(out, w) {
					t.Errorf("log %q unexpectedly has %q", out, w)
				}
			}
		})
	}
}
