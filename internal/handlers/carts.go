package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	domain "github.com/storefront-app/api/internal/domain"
	"github.com/storefront-app/api/internal/payments"
	"github.com/storefront-app/api/internal/platform/auth"
	"github.com/storefront-app/api/internal/platform/httpx"
	"github.com/storefront-app/api/internal/services"
)

const (
	maxCartBodySize     = 64 * 1024
	maxMarkPaidBodySize = 4 * 1024

	paidSourceAdmin        = "admin"
	paidSourceAdminSession = "admin_stripe_session"
)

// CartHandlers exposes cart creation, active cart lookup and manual payment confirmation.
type CartHandlers struct {
	authn    *auth.Authenticator
	orders   services.OrderService
	checkout services.CheckoutService
}

// NewCartHandlers constructs cart handlers. The checkout service is only needed when admins
// confirm payment against a checkout session.
func NewCartHandlers(authn *auth.Authenticator, orders services.OrderService, checkout services.CheckoutService) *CartHandlers {
	return &CartHandlers{
		authn:    authn,
		orders:   orders,
		checkout: checkout,
	}
}

// Routes registers the /carts endpoints.
func (h *CartHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	optional, required, admin := r, r, r
	if h.authn != nil {
		optional = r.With(h.authn.OptionalFirebaseAuth())
		required = r.With(h.authn.RequireFirebaseAuth())
		admin = r.With(h.authn.RequireFirebaseAuth(auth.RoleAdmin))
	}
	optional.Post("/", h.createCart)
	required.Get("/active", h.activeCart)
	admin.Post("/mark-paid", h.markPaid)
}

type createCartRequest struct {
	User      *orderUserRequest `json:"user"`
	CartItems []lineItemRequest `json:"cartItems"`
	Items     []lineItemRequest `json:"items"`
	Subtotal  decimalInput      `json:"subtotal"`
	Shipping  decimalInput      `json:"shipping"`
	Tax       decimalInput      `json:"tax"`
	Currency  string            `json:"currency"`
	Meta      map[string]any    `json:"meta"`
}

type orderUserRequest struct {
	ID    string `json:"id"`
	UID   string `json:"uid"`
	Email string `json:"email"`
}

type createCartResponse struct {
	ID          string          `json:"id"`
	OrderNumber string          `json:"orderNumber"`
	OK          bool            `json:"ok"`
	Amounts     amountsResponse `json:"amounts"`
}

func (h *CartHandlers) createCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
		return
	}

	var req createCartRequest
	if !decodeJSONBody(w, r, maxCartBodySize, false, &req) {
		return
	}
	items := req.Items
	if len(items) == 0 {
		items = req.CartItems
	}
	if len(items) == 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "cart items are required", http.StatusBadRequest))
		return
	}

	cmd, ok := buildOrderCommand(w, r, items, req.Shipping, req.Tax, req.Currency)
	if !ok {
		return
	}
	cmd.Meta = req.Meta
	// Only an authenticated caller can attach an owner; anonymous carts ignore the body's user.
	if identity := optionalIdentity(ctx); identity != nil {
		cmd.User = &domain.OrderUser{ID: identity.UID, Email: identity.Email}
		if cmd.User.Email == "" && req.User != nil {
			cmd.User.Email = strings.TrimSpace(req.User.Email)
		}
	}
	if subtotal, err := req.Subtotal.pointer(); err == nil && subtotal != nil {
		clientTotal := subtotal.Add(cmd.Shipping).Add(cmd.Tax)
		cmd.ClientTotal = &clientTotal
	}

	order, err := h.orders.Create(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, createCartResponse{
		ID:          order.OrderNumber,
		OrderNumber: order.OrderNumber,
		OK:          true,
		Amounts:     newAmountsResponse(order.Amounts),
	})
}

// buildOrderCommand converts the shared cart payload fields, writing 400 on malformed amounts.
func buildOrderCommand(w http.ResponseWriter, r *http.Request, items []lineItemRequest, shipping, tax decimalInput, currency string) (services.CreateOrderCommand, bool) {
	ctx := r.Context()
	lineItems, err := toLineItems(items)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return services.CreateOrderCommand{}, false
	}
	shippingAmount, err := shipping.value()
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "shipping must be a decimal amount", http.StatusBadRequest))
		return services.CreateOrderCommand{}, false
	}
	taxAmount, err := tax.value()
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "tax must be a decimal amount", http.StatusBadRequest))
		return services.CreateOrderCommand{}, false
	}
	return services.CreateOrderCommand{
		Items:    lineItems,
		Shipping: shippingAmount,
		Tax:      taxAmount,
		Currency: currency,
	}, true
}

type activeCartResponse struct {
	Success    bool           `json:"success"`
	CartExists bool           `json:"cartExists"`
	Cart       *orderResponse `json:"cart"`
}

func (h *CartHandlers) activeCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
		return
	}
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	uid := strings.TrimSpace(r.URL.Query().Get("uid"))
	if uid == "" {
		uid = identity.UID
	}
	if uid != identity.UID && !identity.IsAdmin() {
		httpx.WriteError(ctx, w, httpx.ErrForbidden)
		return
	}

	order, found, err := h.orders.LookupActiveCart(ctx, uid)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	resp := activeCartResponse{Success: true, CartExists: found}
	if found {
		cart := newOrderResponse(order)
		resp.Cart = &cart
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

type markPaidRequest struct {
	OrderNumber string       `json:"orderNumber"`
	GrandTotal  decimalInput `json:"grandTotal"`
	SessionID   string       `json:"sessionId"`
}

type markPaidResponse struct {
	Success     bool   `json:"success"`
	OrderNumber string `json:"orderNumber"`
	Applied     bool   `json:"applied"`
	Status      string `json:"status"`
}

func (h *CartHandlers) markPaid(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
		return
	}
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	var req markPaidRequest
	if !decodeJSONBody(w, r, maxMarkPaidBodySize, false, &req) {
		return
	}
	cmd := services.MarkPaidCommand{
		OrderNumber: strings.TrimSpace(req.OrderNumber),
		Source:      paidSourceAdmin,
		ActorID:     identity.UID,
	}
	grandTotal, err := req.GrandTotal.pointer()
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "grandTotal must be a decimal amount", http.StatusBadRequest))
		return
	}
	cmd.ConfirmedTotal = grandTotal

	if sessionID := strings.TrimSpace(req.SessionID); sessionID != "" {
		if h.checkout == nil {
			serviceUnavailable(ctx, w, "checkout")
			return
		}
		summary, err := h.checkout.GetCheckoutSession(ctx, services.GetCheckoutSessionCommand{
			SessionID: sessionID,
			CallerUID: identity.UID,
			IsAdmin:   true,
		})
		if err != nil {
			writeServiceError(ctx, w, err)
			return
		}
		if cmd.OrderNumber == "" {
			cmd.OrderNumber = summary.OrderNumber
		}
		if summary.OrderNumber != cmd.OrderNumber {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "session does not belong to order", http.StatusBadRequest))
			return
		}
		if summary.PaymentStatus != payments.SessionPaymentPaid && summary.PaymentStatus != payments.SessionPaymentNoPaymentRequired {
			httpx.WriteError(ctx, w, httpx.NewError("payment_not_settled", "checkout session is not paid", http.StatusConflict))
			return
		}
		amount := summary.AmountTotal
		cmd.ConfirmedTotal = &amount
		cmd.Source = paidSourceAdminSession
		cmd.SessionID = sessionID
		cmd.PaymentIntentID = summary.PaymentIntentID
	}
	if cmd.OrderNumber == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "orderNumber is required", http.StatusBadRequest))
		return
	}
	if cmd.ConfirmedTotal != nil && cmd.ConfirmedTotal.LessThan(decimal.Zero) {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "grandTotal must not be negative", http.StatusBadRequest))
		return
	}

	order, applied, err := h.orders.MarkPaid(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, markPaidResponse{
		Success:     true,
		OrderNumber: order.OrderNumber,
		Applied:     applied,
		Status:      string(order.Status),
	})
}
