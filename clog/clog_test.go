package clog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func newJSONLogger(t *testing.T, level string, opts ...Option) (Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	opts = append(opts, WithWriter(&buf))
	l, err := New(&Config{Level: level, Format: "json"}, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l, &buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		m := map[string]any{}
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestLoggerLevelFilter(t *testing.T) {
	l, buf := newJSONLogger(t, "warn")
	l.Info("dropped")
	l.Warn("kept", String("k", "v"))

	lines := decodeLines(t, buf)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	if lines[0]["level"] != "WARN" || lines[0]["msg"] != "kept" || lines[0]["k"] != "v" {
		t.Errorf("unexpected record: %v", lines[0])
	}
}

func TestSetLevel(t *testing.T) {
	l, buf := newJSONLogger(t, "error")
	l.Debug("before")
	if err := l.SetLevel(DebugLevel); err != nil {
		t.Fatal(err)
	}
	l.WithNamespace("child").Debug("after")

	lines := decodeLines(t, buf)
	if len(lines) != 1 || lines[0]["msg"] != "after" {
		t.Fatalf("unexpected lines: %v", lines)
	}
}

func TestNamespace(t *testing.T) {
	l, buf := newJSONLogger(t, "info", WithNamespace("hms"))
	l.WithNamespace("gateway", "proxy").Info("hello")
	l.Info("root")

	lines := decodeLines(t, buf)
	if lines[0]["namespace"] != "hms.gateway.proxy" {
		t.Errorf("namespace = %v", lines[0]["namespace"])
	}
	if lines[1]["namespace"] != "hms" {
		t.Errorf("namespace = %v", lines[1]["namespace"])
	}
}

func TestWithDoesNotLeakBetweenSiblings(t *testing.T) {
	l, buf := newJSONLogger(t, "info")
	base := l.With(String("svc", "gateway"))
	a := base.With(String("a", "1"))
	b := base.With(String("b", "2"))
	a.Info("a")
	b.Info("b")

	lines := decodeLines(t, buf)
	if _, ok := lines[1]["a"]; ok {
		t.Errorf("sibling field leaked: %v", lines[1])
	}
	if lines[0]["svc"] != "gateway" || lines[1]["svc"] != "gateway" {
		t.Errorf("base field missing: %v", lines)
	}
}

type ctxKey string

func TestContextFields(t *testing.T) {
	l, buf := newJSONLogger(t, "info",
		WithContextField(ctxKey("cid"), "correlation_id"),
		WithTraceContext(),
	)

	traceID, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	spanID, _ := trace.SpanIDFromHex("0102030405060708")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	ctx = context.WithValue(ctx, ctxKey("cid"), "abc")

	l.InfoContext(ctx, "with ctx")
	l.InfoContext(context.Background(), "without ctx")

	lines := decodeLines(t, buf)
	if lines[0]["correlation_id"] != "abc" {
		t.Errorf("correlation_id = %v", lines[0]["correlation_id"])
	}
	if lines[0]["trace_id"] != traceID.String() || lines[0]["span_id"] != spanID.String() {
		t.Errorf("trace fields missing: %v", lines[0])
	}
	if _, ok := lines[1]["trace_id"]; ok {
		t.Errorf("unexpected trace_id: %v", lines[1])
	}
}

func TestErrorFields(t *testing.T) {
	l, buf := newJSONLogger(t, "info")
	l.Error("failed", Error(errors.New("boom")), ErrorWithCode(errors.New("x"), "NOT_FOUND"))
	l.Info("nil error", Error(nil))

	lines := decodeLines(t, buf)
	if lines[0]["err_msg"] != "boom" {
		t.Errorf("err_msg = %v", lines[0]["err_msg"])
	}
	group, ok := lines[0]["error"].(map[string]any)
	if !ok || group["code"] != "NOT_FOUND" {
		t.Errorf("error group = %v", lines[0]["error"])
	}
	if _, ok := lines[1]["err_msg"]; ok {
		t.Errorf("nil error should be dropped: %v", lines[1])
	}
}

func TestCallerField(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&Config{Level: "info", Format: "json", AddSource: true}, WithWriter(&buf))
	if err != nil {
		t.Fatal(err)
	}
	l.Info("where")
	lines := decodeLines(t, &buf)
	caller, _ := lines[0]["caller"].(string)
	if !strings.Contains(caller, "clog_test.go:") {
		t.Errorf("caller = %q", caller)
	}
}

func TestParseLevel(t *testing.T) {
	lv, err := ParseLevel("WARN")
	if err != nil || lv != WarnLevel {
		t.Errorf("ParseLevel(WARN) = %v, %v", lv, err)
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestDiscard(t *testing.T) {
	l := Discard()
	l.With(String("a", "b")).WithNamespace("x").Info("nothing")
	if err := l.SetLevel(DebugLevel); err != nil {
		t.Fatal(err)
	}
}

func TestInvalidConfig(t *testing.T) {
	if _, err := New(&Config{Level: "loud"}); err == nil {
		t.Error("expected error for invalid level")
	}
}
