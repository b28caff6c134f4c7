package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/storefront-app/api/internal/domain"
	"github.com/storefront-app/api/internal/payments"
	"github.com/storefront-app/api/internal/platform/auth"
	"github.com/storefront-app/api/internal/platform/httpx"
	"github.com/storefront-app/api/internal/platform/idempotency"
	"github.com/storefront-app/api/internal/services"
)

const (
	maxCheckoutRequestBody = 64 * 1024
	// Stripe event payloads stay well under this; larger bodies are rejected before verification.
	maxWebhookBodySize = 256 * 1024

	idempotencyKeyHeader = "Idempotency-Key"
	codOrderMessage      = "Order placed. Payment will be collected on delivery."
)

// PaymentHandlers exposes hosted checkout, embedded payment intents, COD orders and the Stripe
// webhook.
type PaymentHandlers struct {
	authn    *auth.Authenticator
	checkout services.CheckoutService
	orders   services.OrderService

	// intentMiddleware guards POST /intents, normally the idempotency middleware.
	intentMiddleware []func(http.Handler) http.Handler
}

// PaymentOption customises PaymentHandlers.
type PaymentOption func(*PaymentHandlers)

// WithIntentMiddlewares adds middleware in front of the payment intent route.
func WithIntentMiddlewares(mw ...func(http.Handler) http.Handler) PaymentOption {
	return func(h *PaymentHandlers) {
		h.intentMiddleware = append(h.intentMiddleware, mw...)
	}
}

// NewPaymentHandlers constructs payment handlers.
func NewPaymentHandlers(authn *auth.Authenticator, checkout services.CheckoutService, orders services.OrderService, opts ...PaymentOption) *PaymentHandlers {
	h := &PaymentHandlers{
		authn:    authn,
		checkout: checkout,
		orders:   orders,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /payments endpoints. The webhook is authenticated by its signature only.
func (h *PaymentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	optional, required := r, r
	if h.authn != nil {
		optional = r.With(h.authn.OptionalFirebaseAuth())
		required = r.With(h.authn.RequireFirebaseAuth())
	}
	optional.Post("/checkout-session", h.createCheckoutSession)
	required.Get("/checkout-session/{sessionId}", h.getCheckoutSession)
	optional.With(h.intentMiddleware...).Post("/intents", h.createPaymentIntent)
	optional.Post("/cod", h.createCashOnDelivery)
	r.Post("/webhook", h.webhook)
}

type checkoutRequest struct {
	OrderNumber      string            `json:"orderNumber"`
	Items            []lineItemRequest `json:"items"`
	CartItems        []lineItemRequest `json:"cartItems"`
	ShippingEstimate decimalInput      `json:"shippingEstimate"`
	TaxEstimate      decimalInput      `json:"taxEstimate"`
	Shipping         decimalInput      `json:"shipping"`
	Tax              decimalInput      `json:"tax"`
	Currency         string            `json:"currency"`
	CustomerEmail    string            `json:"customerEmail"`
	PaymentIntentID  string            `json:"paymentIntentId"`
	Meta             map[string]any    `json:"meta"`
}

func (req checkoutRequest) items() []lineItemRequest {
	if len(req.Items) > 0 {
		return req.Items
	}
	return req.CartItems
}

// amounts prefers the *Estimate fields the checkout page sends and falls back to the cart names.
func (req checkoutRequest) amounts() (shipping, tax decimalInput) {
	shipping, tax = req.ShippingEstimate, req.TaxEstimate
	if !shipping.set {
		shipping = req.Shipping
	}
	if !tax.set {
		tax = req.Tax
	}
	return shipping, tax
}

type checkoutSessionResponse struct {
	ID          string `json:"id"`
	SessionID   string `json:"sessionId"`
	URL         string `json:"url"`
	OrderNumber string `json:"orderNumber"`
}

func (h *PaymentHandlers) createCheckoutSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		serviceUnavailable(ctx, w, "checkout")
		return
	}

	var req checkoutRequest
	if !decodeJSONBody(w, r, maxCheckoutRequestBody, false, &req) {
		return
	}
	cmd := services.CheckoutSessionCommand{
		OrderNumber:    strings.TrimSpace(req.OrderNumber),
		Currency:       req.Currency,
		CustomerEmail:  req.CustomerEmail,
		IdempotencyKey: strings.TrimSpace(r.Header.Get(idempotencyKeyHeader)),
	}
	if cmd.OrderNumber == "" {
		if len(req.items()) == 0 {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "cart is empty", http.StatusBadRequest))
			return
		}
		shipping, tax := req.amounts()
		base, ok := buildOrderCommand(w, r, req.items(), shipping, tax, req.Currency)
		if !ok {
			return
		}
		cmd.Items, cmd.Shipping, cmd.Tax = base.Items, base.Shipping, base.Tax
	}
	if identity := optionalIdentity(ctx); identity != nil {
		cmd.User = &domain.OrderUser{ID: identity.UID, Email: identity.Email}
	}

	result, err := h.checkout.CreateCheckoutSession(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, checkoutSessionResponse{
		ID:          result.SessionID,
		SessionID:   result.SessionID,
		URL:         result.URL,
		OrderNumber: result.OrderNumber,
	})
}

type sessionLineResponse struct {
	Description string `json:"description"`
	Quantity    int64  `json:"quantity"`
	AmountTotal string `json:"amountTotal"`
}

type sessionSummaryResponse struct {
	ID              string                `json:"id"`
	OrderNumber     string                `json:"orderNumber"`
	Status          string                `json:"status"`
	PaymentStatus   string                `json:"paymentStatus"`
	AmountTotal     string                `json:"amountTotal"`
	Currency        string                `json:"currency"`
	CustomerEmail   string                `json:"customerEmail,omitempty"`
	PaymentIntentID string                `json:"paymentIntentId,omitempty"`
	LineItems       []sessionLineResponse `json:"lineItems"`
}

func (h *PaymentHandlers) getCheckoutSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		serviceUnavailable(ctx, w, "checkout")
		return
	}
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	summary, err := h.checkout.GetCheckoutSession(ctx, services.GetCheckoutSessionCommand{
		SessionID: strings.TrimSpace(chi.URLParam(r, "sessionId")),
		CallerUID: identity.UID,
		IsAdmin:   identity.IsAdmin(),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	resp := sessionSummaryResponse{
		ID:              summary.SessionID,
		OrderNumber:     summary.OrderNumber,
		Status:          summary.Status,
		PaymentStatus:   summary.PaymentStatus,
		AmountTotal:     string(moneyJSON(summary.AmountTotal, summary.Currency)),
		Currency:        summary.Currency,
		CustomerEmail:   summary.CustomerEmail,
		PaymentIntentID: summary.PaymentIntentID,
		LineItems:       make([]sessionLineResponse, 0, len(summary.LineItems)),
	}
	for _, line := range summary.LineItems {
		resp.LineItems = append(resp.LineItems, sessionLineResponse{
			Description: line.Description,
			Quantity:    line.Quantity,
			AmountTotal: string(moneyJSON(line.AmountTotal, summary.Currency)),
		})
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

type paymentIntentResponse struct {
	ClientSecret    string `json:"clientSecret"`
	PaymentIntentID string `json:"paymentIntentId"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
}

func (h *PaymentHandlers) createPaymentIntent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		serviceUnavailable(ctx, w, "checkout")
		return
	}

	var req checkoutRequest
	if !decodeJSONBody(w, r, maxCheckoutRequestBody, false, &req) {
		return
	}
	if len(req.items()) == 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "items are required", http.StatusBadRequest))
		return
	}
	shipping, tax := req.amounts()
	base, ok := buildOrderCommand(w, r, req.items(), shipping, tax, req.Currency)
	if !ok {
		return
	}

	key, _ := idempotency.KeyFromContext(ctx)
	if key == "" {
		key = strings.TrimSpace(r.Header.Get(idempotencyKeyHeader))
	}
	email := strings.TrimSpace(req.CustomerEmail)
	if identity := optionalIdentity(ctx); identity != nil && email == "" {
		email = identity.Email
	}

	result, err := h.checkout.CreatePaymentIntent(ctx, services.PaymentIntentCommand{
		PaymentIntentID: strings.TrimSpace(req.PaymentIntentID),
		OrderNumber:     strings.TrimSpace(req.OrderNumber),
		Items:           base.Items,
		Shipping:        base.Shipping,
		Tax:             base.Tax,
		Currency:        req.Currency,
		CustomerEmail:   email,
		IdempotencyKey:  key,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	// amount stays in minor units, which is what the browser SDK expects.
	writeJSONResponse(w, http.StatusOK, paymentIntentResponse{
		ClientSecret:    result.ClientSecret,
		PaymentIntentID: result.PaymentIntentID,
		Amount:          result.AmountMinor,
		Currency:        result.Currency,
	})
}

type codOrderResponse struct {
	Success     bool            `json:"success"`
	OrderID     string          `json:"orderId"`
	OrderNumber string          `json:"orderNumber"`
	Message     string          `json:"message"`
	Amounts     amountsResponse `json:"amounts"`
}

func (h *PaymentHandlers) createCashOnDelivery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
		return
	}

	var req checkoutRequest
	if !decodeJSONBody(w, r, maxCheckoutRequestBody, false, &req) {
		return
	}
	if len(req.items()) == 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "cart is empty", http.StatusBadRequest))
		return
	}
	shipping, tax := req.amounts()
	cmd, ok := buildOrderCommand(w, r, req.items(), shipping, tax, req.Currency)
	if !ok {
		return
	}
	cmd.Meta = req.Meta
	if identity := optionalIdentity(ctx); identity != nil {
		cmd.User = &domain.OrderUser{ID: identity.UID, Email: identity.Email}
	} else if email := strings.TrimSpace(req.CustomerEmail); email != "" {
		cmd.User = &domain.OrderUser{Email: email}
	}

	order, err := h.orders.CreateCashOnDelivery(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, codOrderResponse{
		Success:     true,
		OrderID:     order.OrderNumber,
		OrderNumber: order.OrderNumber,
		Message:     codOrderMessage,
		Amounts:     newAmountsResponse(order.Amounts),
	})
}

type webhookResponse struct {
	Received bool   `json:"received"`
	Type     string `json:"type,omitempty"`
	Applied  bool   `json:"applied"`
}

func (h *PaymentHandlers) webhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		serviceUnavailable(ctx, w, "checkout")
		return
	}
	// The signature covers the exact bytes, so the body is read raw before any decoding.
	payload, err := readLimitedBody(r, maxWebhookBodySize)
	if err != nil {
		status, code := http.StatusBadRequest, "invalid_request"
		if errors.Is(err, errBodyTooLarge) {
			status, code = http.StatusRequestEntityTooLarge, "payload_too_large"
		}
		httpx.WriteError(ctx, w, httpx.NewError(code, err.Error(), status))
		return
	}
	signature := strings.TrimSpace(r.Header.Get(payments.SignatureHeader))
	if signature == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "missing Stripe-Signature header", http.StatusBadRequest))
		return
	}

	result, err := h.checkout.HandleWebhook(ctx, payload, signature)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, webhookResponse{
		Received: true,
		Type:     result.EventType,
		Applied:  result.Applied,
	})
}
