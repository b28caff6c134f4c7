package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/storefront-app/api/internal/domain"
	"github.com/storefront-app/api/internal/payments"
	"github.com/storefront-app/api/internal/platform/auth"
	"github.com/storefront-app/api/internal/platform/httpx"
	"github.com/storefront-app/api/internal/platform/pagination"
	"github.com/storefront-app/api/internal/services"
)

const defaultJSONBodyLimit = 64 * 1024

var (
	errBodyTooLarge = errors.New("request body too large")
	errEmptyBody    = errors.New("request body is required")
)

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	if limit <= 0 {
		limit = defaultJSONBodyLimit
	}
	reader := io.LimitReader(r.Body, limit+1)
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errEmptyBody
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

// decodeJSONBody reads and decodes a bounded JSON body, writing the error response itself when it
// fails. An empty body is accepted when allowEmpty is set.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, limit int64, allowEmpty bool, dst any) bool {
	ctx := r.Context()
	body, err := readLimitedBody(r, limit)
	if err != nil {
		switch {
		case errors.Is(err, errEmptyBody) && allowEmpty:
			return true
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
		return false
	}
	return true
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	httpx.WriteJSON(w, status, payload)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

// decimalInput accepts a JSON number or string. Strings may carry a storefront variant label
// ("12.50 - Large"); only the leading amount is kept.
type decimalInput struct {
	raw string
	set bool
}

func (d *decimalInput) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		d.raw, d.set = s, strings.TrimSpace(s) != ""
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("amount must be a number: %w", err)
	}
	d.raw, d.set = n.String(), true
	return nil
}

// value parses the amount, treating an absent field as zero.
func (d decimalInput) value() (decimal.Decimal, error) {
	if !d.set {
		return decimal.Zero, nil
	}
	return domain.ParsePrice(d.raw)
}

func (d decimalInput) pointer() (*decimal.Decimal, error) {
	if !d.set {
		return nil, nil
	}
	v, err := domain.ParsePrice(d.raw)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

type lineItemRequest struct {
	Name      string       `json:"name"`
	Price     decimalInput `json:"price"`
	UnitPrice decimalInput `json:"unitPrice"`
	Quantity  int          `json:"quantity"`
	Image     string       `json:"image"`
}

func toLineItems(items []lineItemRequest) ([]domain.LineItem, error) {
	out := make([]domain.LineItem, 0, len(items))
	for i, item := range items {
		price := item.UnitPrice
		if !price.set {
			price = item.Price
		}
		if !price.set {
			return nil, fmt.Errorf("items[%d]: price is required", i)
		}
		value, err := price.value()
		if err != nil {
			return nil, fmt.Errorf("items[%d]: %w", i, err)
		}
		out = append(out, domain.LineItem{
			Name:      item.Name,
			UnitPrice: value,
			Quantity:  item.Quantity,
			Image:     item.Image,
		})
	}
	return out, nil
}

// moneyJSON renders an amount as a JSON number at the currency's scale.
func moneyJSON(amount decimal.Decimal, currency string) json.Number {
	return json.Number(amount.StringFixed(domain.CurrencyScale(currency)))
}

type amountsResponse struct {
	Subtotal json.Number `json:"subtotal"`
	Shipping json.Number `json:"shipping"`
	Tax      json.Number `json:"tax"`
	Total    json.Number `json:"total"`
	Currency string      `json:"currency"`
}

func newAmountsResponse(a domain.Amounts) amountsResponse {
	return amountsResponse{
		Subtotal: moneyJSON(a.Subtotal, a.Currency),
		Shipping: moneyJSON(a.Shipping, a.Currency),
		Tax:      moneyJSON(a.Tax, a.Currency),
		Total:    moneyJSON(a.Total, a.Currency),
		Currency: a.Currency,
	}
}

type orderUserResponse struct {
	ID    string `json:"id,omitempty"`
	Email string `json:"email,omitempty"`
}

type lineItemResponse struct {
	Name      string      `json:"name"`
	UnitPrice json.Number `json:"unitPrice"`
	Quantity  int         `json:"quantity"`
	Image     string      `json:"image,omitempty"`
}

type orderResponse struct {
	OrderNumber       string             `json:"orderNumber"`
	Status            string             `json:"status"`
	PaymentStatus     string             `json:"paymentStatus"`
	PaymentMethod     string             `json:"paymentMethod,omitempty"`
	User              *orderUserResponse `json:"user"`
	Items             []lineItemResponse `json:"cartItems"`
	Amounts           amountsResponse    `json:"amounts"`
	GrandTotal        *json.Number       `json:"grandTotal,omitempty"`
	CheckoutSessionID string             `json:"checkoutSessionId,omitempty"`
	PaymentIntentID   string             `json:"paymentIntentId,omitempty"`
	FailureReason     string             `json:"failureReason,omitempty"`
	Meta              map[string]any     `json:"meta,omitempty"`
	CreatedAt         string             `json:"createdAt"`
	UpdatedAt         string             `json:"updatedAt"`
	CompletedAt       string             `json:"completedAt,omitempty"`
	CancelledAt       string             `json:"cancelledAt,omitempty"`
	PaymentUpdatedAt  string             `json:"paymentUpdatedAt,omitempty"`
}

func newOrderResponse(order domain.Order) orderResponse {
	resp := orderResponse{
		OrderNumber:       order.OrderNumber,
		Status:            string(order.Status),
		PaymentStatus:     string(order.PaymentStatus),
		PaymentMethod:     string(order.PaymentMethod),
		Items:             make([]lineItemResponse, 0, len(order.Items)),
		Amounts:           newAmountsResponse(order.Amounts),
		CheckoutSessionID: order.CheckoutSessionID,
		PaymentIntentID:   order.PaymentIntentID,
		FailureReason:     order.FailureReason,
		Meta:              order.Meta,
		CreatedAt:         formatTime(order.CreatedAt),
		UpdatedAt:         formatTime(order.UpdatedAt),
		CompletedAt:       formatTimePtr(order.CompletedAt),
		CancelledAt:       formatTimePtr(order.CancelledAt),
		PaymentUpdatedAt:  formatTimePtr(order.PaymentUpdatedAt),
	}
	if order.User != nil {
		resp.User = &orderUserResponse{ID: order.User.ID, Email: order.User.Email}
	}
	for _, item := range order.Items {
		resp.Items = append(resp.Items, lineItemResponse{
			Name:      item.Name,
			UnitPrice: json.Number(item.UnitPrice.String()),
			Quantity:  item.Quantity,
			Image:     item.Image,
		})
	}
	if order.GrandTotal != nil {
		total := moneyJSON(*order.GrandTotal, order.Amounts.Currency)
		resp.GrandTotal = &total
	}
	return resp
}

type orderPageResponse struct {
	Orders        []orderResponse `json:"orders"`
	NextPageToken string          `json:"nextPageToken,omitempty"`
}

func newOrderPageResponse(page domain.CursorPage[domain.Order]) orderPageResponse {
	resp := orderPageResponse{
		Orders:        make([]orderResponse, 0, len(page.Items)),
		NextPageToken: page.NextPageToken,
	}
	for _, order := range page.Items {
		resp.Orders = append(resp.Orders, newOrderResponse(order))
	}
	return resp
}

func parsePagination(w http.ResponseWriter, r *http.Request) (domain.Pagination, bool) {
	params, err := pagination.FromRequest(r, pagination.Options{})
	if err != nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return domain.Pagination{}, false
	}
	return domain.Pagination{PageSize: params.PageSize, PageToken: params.PageToken}, true
}

// requireIdentity returns the authenticated caller or writes 401.
func requireIdentity(w http.ResponseWriter, r *http.Request) (*auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(r.Context(), w, httpx.ErrUnauthenticated)
		return nil, false
	}
	return identity, true
}

// optionalIdentity returns the caller when the optional auth middleware attached one.
func optionalIdentity(ctx context.Context) *auth.Identity {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		return nil
	}
	return identity
}

func serviceUnavailable(ctx context.Context, w http.ResponseWriter, name string) {
	httpx.WriteError(ctx, w, httpx.NewError(name+"_unavailable", name+" service unavailable", http.StatusServiceUnavailable))
}

// writeServiceError maps service sentinels onto the JSON error envelope.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		return
	case errors.Is(err, services.ErrOrderInvalidInput),
		errors.Is(err, services.ErrCheckoutInvalidInput),
		errors.Is(err, services.ErrUserInvalidInput),
		errors.Is(err, services.ErrAnalyticsInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCheckoutSignatureInvalid), errors.Is(err, payments.ErrSignatureInvalid):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusBadRequest))
	case errors.Is(err, services.ErrUserUnauthenticated):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_token", "identity token invalid", http.StatusUnauthorized))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCheckoutSessionNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("session_not_found", "checkout session not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("conflict", "order was modified concurrently", http.StatusConflict))
	case errors.Is(err, services.ErrUserConflict):
		httpx.WriteError(ctx, w, httpx.NewError("email_exists", "an account with this email already exists", http.StatusConflict))
	case errors.Is(err, services.ErrCheckoutPaymentUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("payment_unavailable", "payment provider unavailable", http.StatusBadGateway))
	case errors.Is(err, services.ErrOrderUnavailable),
		errors.Is(err, services.ErrUserUnavailable),
		errors.Is(err, services.ErrAnalyticsUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("unavailable", "storage temporarily unavailable", http.StatusServiceUnavailable))
	case errors.Is(err, context.DeadlineExceeded):
		httpx.WriteError(ctx, w, httpx.NewError("timeout", "request timed out", http.StatusGatewayTimeout))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "internal server error", http.StatusInternalServerError))
	}
}
