package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/storefront-app/api/internal/domain"
	"github.com/storefront-app/api/internal/platform/auth"
	"github.com/storefront-app/api/internal/platform/httpx"
	"github.com/storefront-app/api/internal/services"
)

const (
	maxAdminStatusBodySize = 4 * 1024
	analyticsDateLayout    = "2006-01-02"
)

// AdminHandlers exposes reporting and order management for admin users.
type AdminHandlers struct {
	authn     *auth.Authenticator
	orders    services.OrderService
	analytics services.AnalyticsService
	location  *time.Location
}

// AdminOption customises AdminHandlers.
type AdminOption func(*AdminHandlers)

// WithAdminLocation sets the zone used to interpret date-only analytics parameters.
func WithAdminLocation(loc *time.Location) AdminOption {
	return func(h *AdminHandlers) {
		if loc != nil {
			h.location = loc
		}
	}
}

// NewAdminHandlers constructs admin handlers guarded by the admin role.
func NewAdminHandlers(authn *auth.Authenticator, orders services.OrderService, analytics services.AnalyticsService, opts ...AdminOption) *AdminHandlers {
	h := &AdminHandlers{
		authn:     authn,
		orders:    orders,
		analytics: analytics,
		location:  time.UTC,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /admin endpoints.
func (h *AdminHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth(auth.RoleAdmin))
	}
	r.Get("/analytics", h.analyticsOverview)
	r.Get("/analytics/custom", h.analyticsRange)
	r.Get("/analytics/orders", h.analyticsOrders)
	r.Get("/orders", h.listOrders)
	r.Patch("/orders/{orderNumber}/status", h.updateOrderStatus)
}

type analyticsOverviewResponse struct {
	TotalUsers       int64       `json:"totalUsers"`
	OrdersCompleted  int64       `json:"ordersCompleted"`
	OrdersPending    int64       `json:"ordersPending"`
	TotalRevenue     json.Number `json:"totalRevenue"`
	RevenueToday     json.Number `json:"revenueToday"`
	RevenueThisMonth json.Number `json:"revenueThisMonth"`
	Currency         string      `json:"currency"`
}

func (h *AdminHandlers) analyticsOverview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.analytics == nil {
		serviceUnavailable(ctx, w, "analytics")
		return
	}
	overview, err := h.analytics.Overview(ctx)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, analyticsOverviewResponse{
		TotalUsers:       overview.TotalUsers,
		OrdersCompleted:  overview.OrdersCompleted,
		OrdersPending:    overview.OrdersPending,
		TotalRevenue:     moneyJSON(overview.TotalRevenue, overview.Currency),
		RevenueToday:     moneyJSON(overview.RevenueToday, overview.Currency),
		RevenueThisMonth: moneyJSON(overview.RevenueThisMonth, overview.Currency),
		Currency:         overview.Currency,
	})
}

type analyticsRangeResponse struct {
	OrderCount int64       `json:"orderCount"`
	Revenue    json.Number `json:"revenue"`
	Currency   string      `json:"currency"`
	StartDate  string      `json:"startDate,omitempty"`
	EndDate    string      `json:"endDate,omitempty"`
}

func (h *AdminHandlers) analyticsRange(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.analytics == nil {
		serviceUnavailable(ctx, w, "analytics")
		return
	}
	query := r.URL.Query()
	start, err := h.parseDateParam(query.Get("startDate"), false)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "startDate must be YYYY-MM-DD or RFC3339", http.StatusBadRequest))
		return
	}
	end, err := h.parseDateParam(query.Get("endDate"), true)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "endDate must be YYYY-MM-DD or RFC3339", http.StatusBadRequest))
		return
	}

	result, err := h.analytics.Range(ctx, start, end)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, analyticsRangeResponse{
		OrderCount: result.OrderCount,
		Revenue:    moneyJSON(result.Revenue, result.Currency),
		Currency:   result.Currency,
		StartDate:  strings.TrimSpace(query.Get("startDate")),
		EndDate:    strings.TrimSpace(query.Get("endDate")),
	})
}

// parseDateParam accepts a calendar date or an RFC3339 instant. A date-only end bound covers the
// whole day.
func (h *AdminHandlers) parseDateParam(raw string, endOfDay bool) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if day, err := time.ParseInLocation(analyticsDateLayout, raw, h.location); err == nil {
		if endOfDay {
			return day.AddDate(0, 0, 1).Add(-time.Nanosecond), nil
		}
		return day, nil
	}
	return time.Parse(time.RFC3339, raw)
}

type ordersAnalyticsResponse struct {
	StatusCounts map[string]int64 `json:"statusCounts"`
	OrdersByDate map[string]int64 `json:"ordersByDate"`
}

func (h *AdminHandlers) analyticsOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.analytics == nil {
		serviceUnavailable(ctx, w, "analytics")
		return
	}
	days := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("days")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "days must be an integer", http.StatusBadRequest))
			return
		}
		days = parsed
	}

	result, err := h.analytics.Orders(ctx, days)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	resp := ordersAnalyticsResponse{
		StatusCounts: make(map[string]int64, len(result.StatusCounts)),
		OrdersByDate: result.OrdersByDate,
	}
	for status, count := range result.StatusCounts {
		resp.StatusCounts[strings.ToLower(string(status))] = count
	}
	if resp.OrdersByDate == nil {
		resp.OrdersByDate = map[string]int64{}
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (h *AdminHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
		return
	}
	page, ok := parsePagination(w, r)
	if !ok {
		return
	}
	status := domain.OrderStatus(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status"))))

	result, err := h.orders.ListOrders(ctx, services.OrderListFilter{Status: status, Pagination: page})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, newOrderPageResponse(result))
}

type updateOrderStatusRequest struct {
	Status        string `json:"status"`
	OrderStatus   string `json:"orderStatus"`
	PaymentStatus string `json:"paymentStatus"`
}

type updateOrderStatusResponse struct {
	Success bool          `json:"success"`
	Applied bool          `json:"applied"`
	Order   orderResponse `json:"order"`
}

func (h *AdminHandlers) updateOrderStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
		return
	}
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	var req updateOrderStatusRequest
	if !decodeJSONBody(w, r, maxAdminStatusBodySize, false, &req) {
		return
	}

	cmd := services.UpdateOrderStatusCommand{
		OrderNumber: strings.TrimSpace(chi.URLParam(r, "orderNumber")),
		ActorID:     identity.UID,
	}
	rawStatus := strings.TrimSpace(req.Status)
	if rawStatus == "" {
		rawStatus = strings.TrimSpace(req.OrderStatus)
	}
	if rawStatus != "" {
		status := domain.OrderStatus(strings.ToUpper(rawStatus))
		cmd.Status = &status
	}
	if raw := strings.TrimSpace(req.PaymentStatus); raw != "" {
		paymentStatus := domain.PaymentStatus(strings.ToUpper(raw))
		cmd.PaymentStatus = &paymentStatus
	}
	if cmd.Status == nil && cmd.PaymentStatus == nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status or paymentStatus is required", http.StatusBadRequest))
		return
	}

	order, applied, err := h.orders.UpdateStatus(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, updateOrderStatusResponse{
		Success: true,
		Applied: applied,
		Order:   newOrderResponse(order),
	})
}
