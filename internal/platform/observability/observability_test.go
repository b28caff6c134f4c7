package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/storefront-app/api/internal/platform/requestctx"
)

func TestTraceMiddlewareParsesCloudTraceHeader(t *testing.T) {
	var captured requestctx.TraceInfo
	handler := TraceMiddleware("demo-project")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = requestctx.Trace(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/carts/active", nil)
	req.Header.Set(cloudTraceHeader, "105445aa7843bc8bf206b12000100000/1;o=1")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if captured.TraceID != "105445aa7843bc8bf206b12000100000" {
		t.Fatalf("expected trace id propagated, got %q", captured.TraceID)
	}
	if !captured.Sampled {
		t.Fatalf("expected sampled flag")
	}
	if captured.ProjectID != "demo-project" {
		t.Fatalf("expected project id, got %q", captured.ProjectID)
	}
}

func TestTraceMiddlewarePrefersTraceparent(t *testing.T) {
	var captured requestctx.TraceInfo
	handler := TraceMiddleware("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = requestctx.Trace(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	req.Header.Set(cloudTraceHeader, "105445aa7843bc8bf206b12000100000/1;o=1")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if captured.TraceID != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Fatalf("expected traceparent trace id, got %q", captured.TraceID)
	}
}

func TestEventLoggerRedactsSensitiveFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logFn := EventLogger(zap.New(core).Named("checkout"))

	logFn(context.Background(), "checkout.intent.created", map[string]any{
		"orderNumber":  "ORD-1",
		"clientSecret": "pi_secret_123",
		"idToken":      "eyJ...",
	})
	logFn(context.Background(), "checkout.webhook.failed", map[string]any{"reason": "bad\x00input"})

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["orderNumber"] != "ORD-1" {
		t.Fatalf("expected order number logged, got %#v", fields)
	}
	if fields["clientSecret"] != redactedValue || fields["idToken"] != redactedValue {
		t.Fatalf("expected secrets redacted, got %#v", fields)
	}
	if entries[1].Level != zapcore.ErrorLevel {
		t.Fatalf("expected failed events at error level, got %s", entries[1].Level)
	}
	if strings.Contains(entries[1].ContextMap()["reason"].(string), "\x00") {
		t.Fatalf("expected control characters stripped")
	}
}

func TestRecoveryMiddlewareWritesJSONError(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	handler := RecoveryMiddleware(zap.New(core))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "internal_server_error") {
		t.Fatalf("expected error envelope, got %s", rr.Body.String())
	}
	if logs.FilterMessage("panic recovered").Len() != 1 {
		t.Fatalf("expected panic logged")
	}
}

func TestRequestLoggerMiddlewareLogsStatus(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	handler := InjectLoggerMiddleware(zap.New(core))(RequestLoggerMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/missing", nil))

	completed := logs.FilterMessage("request completed").All()
	if len(completed) != 1 {
		t.Fatalf("expected one completion log, got %d", len(completed))
	}
	if completed[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected warn level for 404, got %s", completed[0].Level)
	}
	if got := completed[0].ContextMap()["status"]; got != int64(http.StatusNotFound) {
		t.Fatalf("expected status 404 logged, got %#v", got)
	}
}
