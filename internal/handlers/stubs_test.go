package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	domain "github.com/storefront-app/api/internal/domain"
	"github.com/storefront-app/api/internal/platform/auth"
	"github.com/storefront-app/api/internal/services"
)

var errNotStubbed = errors.New("not implemented")

type stubOrderService struct {
	createFn      func(context.Context, services.CreateOrderCommand) (services.Order, error)
	codFn         func(context.Context, services.CreateOrderCommand) (services.Order, error)
	markPaidFn    func(context.Context, services.MarkPaidCommand) (services.Order, bool, error)
	activeFn      func(context.Context, string) (services.Order, bool, error)
	getFn         func(context.Context, string) (services.Order, error)
	listUserFn    func(context.Context, string, domain.Pagination) (domain.CursorPage[services.Order], error)
	listFn        func(context.Context, services.OrderListFilter) (domain.CursorPage[services.Order], error)
	updateFn      func(context.Context, services.UpdateOrderStatusCommand) (services.Order, bool, error)
	paymentFailFn func(context.Context, string, string) (services.Order, bool, error)
}

func (s *stubOrderService) Create(ctx context.Context, cmd services.CreateOrderCommand) (services.Order, error) {
	if s.createFn != nil {
		return s.createFn(ctx, cmd)
	}
	return services.Order{}, errNotStubbed
}

func (s *stubOrderService) CreateCashOnDelivery(ctx context.Context, cmd services.CreateOrderCommand) (services.Order, error) {
	if s.codFn != nil {
		return s.codFn(ctx, cmd)
	}
	return services.Order{}, errNotStubbed
}

func (s *stubOrderService) MarkPaid(ctx context.Context, cmd services.MarkPaidCommand) (services.Order, bool, error) {
	if s.markPaidFn != nil {
		return s.markPaidFn(ctx, cmd)
	}
	return services.Order{}, false, errNotStubbed
}

func (s *stubOrderService) MarkPaymentFailed(ctx context.Context, orderNumber, reason string) (services.Order, bool, error) {
	if s.paymentFailFn != nil {
		return s.paymentFailFn(ctx, orderNumber, reason)
	}
	return services.Order{}, false, errNotStubbed
}

func (s *stubOrderService) LookupActiveCart(ctx context.Context, uid string) (services.Order, bool, error) {
	if s.activeFn != nil {
		return s.activeFn(ctx, uid)
	}
	return services.Order{}, false, nil
}

func (s *stubOrderService) GetOrder(ctx context.Context, orderNumber string) (services.Order, error) {
	if s.getFn != nil {
		return s.getFn(ctx, orderNumber)
	}
	return services.Order{}, errNotStubbed
}

func (s *stubOrderService) ListUserOrders(ctx context.Context, uid string, page domain.Pagination) (domain.CursorPage[services.Order], error) {
	if s.listUserFn != nil {
		return s.listUserFn(ctx, uid, page)
	}
	return domain.CursorPage[services.Order]{}, nil
}

func (s *stubOrderService) ListOrders(ctx context.Context, filter services.OrderListFilter) (domain.CursorPage[services.Order], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return domain.CursorPage[services.Order]{}, nil
}

func (s *stubOrderService) UpdateStatus(ctx context.Context, cmd services.UpdateOrderStatusCommand) (services.Order, bool, error) {
	if s.updateFn != nil {
		return s.updateFn(ctx, cmd)
	}
	return services.Order{}, false, errNotStubbed
}

func (s *stubOrderService) AttachPaymentReference(context.Context, string, services.PaymentReference) (services.Order, error) {
	return services.Order{}, errNotStubbed
}

type stubCheckoutService struct {
	createSessionFn func(context.Context, services.CheckoutSessionCommand) (services.CheckoutSessionResult, error)
	getSessionFn    func(context.Context, services.GetCheckoutSessionCommand) (services.CheckoutSessionSummary, error)
	intentFn        func(context.Context, services.PaymentIntentCommand) (services.PaymentIntentResult, error)
	webhookFn       func(context.Context, []byte, string) (services.WebhookResult, error)
	reconcileFn     func(context.Context, string) (services.WebhookResult, error)
}

func (s *stubCheckoutService) CreateCheckoutSession(ctx context.Context, cmd services.CheckoutSessionCommand) (services.CheckoutSessionResult, error) {
	if s.createSessionFn != nil {
		return s.createSessionFn(ctx, cmd)
	}
	return services.CheckoutSessionResult{}, errNotStubbed
}

func (s *stubCheckoutService) GetCheckoutSession(ctx context.Context, cmd services.GetCheckoutSessionCommand) (services.CheckoutSessionSummary, error) {
	if s.getSessionFn != nil {
		return s.getSessionFn(ctx, cmd)
	}
	return services.CheckoutSessionSummary{}, errNotStubbed
}

func (s *stubCheckoutService) CreatePaymentIntent(ctx context.Context, cmd services.PaymentIntentCommand) (services.PaymentIntentResult, error) {
	if s.intentFn != nil {
		return s.intentFn(ctx, cmd)
	}
	return services.PaymentIntentResult{}, errNotStubbed
}

func (s *stubCheckoutService) HandleWebhook(ctx context.Context, payload []byte, signature string) (services.WebhookResult, error) {
	if s.webhookFn != nil {
		return s.webhookFn(ctx, payload, signature)
	}
	return services.WebhookResult{}, errNotStubbed
}

func (s *stubCheckoutService) ReconcileSession(ctx context.Context, sessionID string) (services.WebhookResult, error) {
	if s.reconcileFn != nil {
		return s.reconcileFn(ctx, sessionID)
	}
	return services.WebhookResult{}, errNotStubbed
}

type stubUserService struct {
	loginFn  func(context.Context, string) (services.LoginResult, error)
	signUpFn func(context.Context, services.SignUpCommand) (services.LoginResult, error)
}

func (s *stubUserService) GoogleLogin(ctx context.Context, idToken string) (services.LoginResult, error) {
	if s.loginFn != nil {
		return s.loginFn(ctx, idToken)
	}
	return services.LoginResult{}, errNotStubbed
}

func (s *stubUserService) SignUp(ctx context.Context, cmd services.SignUpCommand) (services.LoginResult, error) {
	if s.signUpFn != nil {
		return s.signUpFn(ctx, cmd)
	}
	return services.LoginResult{}, errNotStubbed
}

func (s *stubUserService) ResolveRole(context.Context, string) (string, error) {
	return "", nil
}

type stubAnalyticsService struct {
	overviewFn func(context.Context) (services.AnalyticsOverview, error)
	rangeFn    func(context.Context, time.Time, time.Time) (services.AnalyticsRange, error)
	ordersFn   func(context.Context, int) (services.OrdersAnalytics, error)
}

func (s *stubAnalyticsService) Overview(ctx context.Context) (services.AnalyticsOverview, error) {
	if s.overviewFn != nil {
		return s.overviewFn(ctx)
	}
	return services.AnalyticsOverview{}, errNotStubbed
}

func (s *stubAnalyticsService) Range(ctx context.Context, start, end time.Time) (services.AnalyticsRange, error) {
	if s.rangeFn != nil {
		return s.rangeFn(ctx, start, end)
	}
	return services.AnalyticsRange{}, errNotStubbed
}

func (s *stubAnalyticsService) Orders(ctx context.Context, days int) (services.OrdersAnalytics, error) {
	if s.ordersFn != nil {
		return s.ordersFn(ctx, days)
	}
	return services.OrdersAnalytics{}, errNotStubbed
}

// tokenVerifier maps bearer tokens to Firebase tokens for route-level auth tests.
type tokenVerifier map[string]*firebaseauth.Token

func (v tokenVerifier) VerifyIDToken(_ context.Context, idToken string) (*firebaseauth.Token, error) {
	if token, ok := v[idToken]; ok {
		return token, nil
	}
	return nil, auth.ErrTokenInvalid
}

func firebaseToken(uid string, claims map[string]any) *firebaseauth.Token {
	if claims == nil {
		claims = map[string]any{}
	}
	return &firebaseauth.Token{UID: uid, Claims: claims}
}

func mountRoutes(prefix string, routes RouteRegistrar) http.Handler {
	router := chi.NewRouter()
	router.Route(prefix, func(r chi.Router) { routes(r) })
	return router
}

func jsonRequest(t *testing.T, method, target string, payload any) *http.Request {
	t.Helper()
	var body bytes.Buffer
	switch v := payload.(type) {
	case nil:
	case string:
		body.WriteString(v)
	default:
		if err := json.NewEncoder(&body).Encode(v); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}
	req := httptest.NewRequest(method, target, &body)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func asUser(req *http.Request, uid string, roles ...string) *http.Request {
	identity := &auth.Identity{UID: uid, Email: uid + "@example.com", Roles: roles}
	return req.WithContext(auth.WithIdentity(req.Context(), identity))
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return body
}

func expectStatus(t *testing.T, rr *httptest.ResponseRecorder, status int) {
	t.Helper()
	if rr.Code != status {
		t.Fatalf("expected status %d, got %d: %s", status, rr.Code, rr.Body.String())
	}
}

func expectErrorCode(t *testing.T, rr *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	expectStatus(t, rr, status)
	if body := decodeJSON(t, rr); body["error"] != code {
		t.Fatalf("expected error %q, got %v", code, body["error"])
	}
}

func sampleOrder(number, uid string) domain.Order {
	created := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	order := domain.Order{
		OrderNumber:   number,
		Status:        domain.OrderStatusCreated,
		PaymentStatus: domain.PaymentStatusPending,
		PaymentMethod: domain.PaymentMethodStripe,
		Items: []domain.LineItem{
			{Name: "Mug", UnitPrice: decimal.RequireFromString("10.00"), Quantity: 2},
		},
		Amounts: domain.Amounts{
			Subtotal: decimal.RequireFromString("20.00"),
			Shipping: decimal.RequireFromString("5.00"),
			Tax:      decimal.RequireFromString("1.50"),
			Total:    decimal.RequireFromString("26.50"),
			Currency: "AUD",
		},
		CreatedAt: created,
		UpdatedAt: created,
	}
	if uid != "" {
		order.User = &domain.OrderUser{ID: uid, Email: uid + "@example.com"}
	}
	return order
}
