package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/storefront-app/api/internal/platform/httpx"
	"github.com/storefront-app/api/internal/services"
)

const maxInternalBodySize = 4 * 1024

// MaintenanceRunner purges expired state. *idempotency.Cleaner satisfies it.
type MaintenanceRunner interface {
	Run(ctx context.Context) (int, error)
}

// InternalHandlers serves service-to-service routes. OIDC verification is applied by the router
// group, not here.
type InternalHandlers struct {
	checkout services.CheckoutService
	cleaner  MaintenanceRunner
}

// NewInternalHandlers constructs InternalHandlers.
func NewInternalHandlers(checkout services.CheckoutService, cleaner MaintenanceRunner) *InternalHandlers {
	return &InternalHandlers{checkout: checkout, cleaner: cleaner}
}

// Routes registers the /internal endpoints.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments/reconcile", h.reconcile)
	r.Post("/maintenance/idempotency-cleanup", h.cleanupIdempotency)
}

type reconcileRequest struct {
	SessionID string `json:"sessionId"`
}

type reconcileResponse struct {
	SessionID   string `json:"sessionId"`
	OrderNumber string `json:"orderNumber,omitempty"`
	Applied     bool   `json:"applied"`
	Ignored     bool   `json:"ignored"`
}

func (h *InternalHandlers) reconcile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		serviceUnavailable(ctx, w, "checkout")
		return
	}
	var req reconcileRequest
	if !decodeJSONBody(w, r, maxInternalBodySize, false, &req) {
		return
	}
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "sessionId is required", http.StatusBadRequest))
		return
	}

	result, err := h.checkout.ReconcileSession(ctx, sessionID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, reconcileResponse{
		SessionID:   sessionID,
		OrderNumber: result.OrderNumber,
		Applied:     result.Applied,
		Ignored:     result.Ignored,
	})
}

type cleanupResponse struct {
	Deleted int `json:"deleted"`
}

func (h *InternalHandlers) cleanupIdempotency(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.cleaner == nil {
		serviceUnavailable(ctx, w, "maintenance")
		return
	}
	deleted, err := h.cleaner.Run(ctx)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("cleanup_failed", "idempotency cleanup failed", http.StatusServiceUnavailable))
		return
	}
	writeJSONResponse(w, http.StatusOK, cleanupResponse{Deleted: deleted})
}
