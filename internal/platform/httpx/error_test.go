package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/storefront-app/api/internal/platform/requestctx"
)

func TestWriteErrorEnvelope(t *testing.T) {
	ctx := requestctx.WithTrace(context.Background(), requestctx.TraceInfo{TraceID: "trace-1"})
	rr := httptest.NewRecorder()

	WriteError(ctx, rr, NewError("order_not_found", "order not found\n", http.StatusNotFound).
		WithRequestID("req-1").
		WithDetails(map[string]any{"orderNumber": "ORD-1"}))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type %q", ct)
	}

	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["success"] != false {
		t.Fatalf("expected success=false, got %#v", body["success"])
	}
	if body["error"] != "order_not_found" || body["message"] != "order not found" {
		t.Fatalf("unexpected envelope %#v", body)
	}
	if body["request_id"] != "req-1" || body["trace_id"] != "trace-1" {
		t.Fatalf("expected request and trace ids, got %#v", body)
	}
	if body["orderNumber"] != "ORD-1" {
		t.Fatalf("expected details merged, got %#v", body)
	}
}

func TestNewErrorDefaultsStatus(t *testing.T) {
	err := NewError("boom", "failed", 0)
	if err.Status != http.StatusInternalServerError {
		t.Fatalf("expected 500 default, got %d", err.Status)
	}
}
