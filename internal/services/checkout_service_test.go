package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v78/webhook"

	domain "github.com/storefront-app/api/internal/domain"
	"github.com/storefront-app/api/internal/payments"
)

const checkoutWebhookSecret = "whsec_checkout_test"

type stubGateway struct {
	createSessionFn   func(context.Context, payments.CheckoutSessionRequest) (payments.CheckoutSession, error)
	retrieveSessionFn func(context.Context, string) (payments.SessionDetails, error)
	createIntentFn    func(context.Context, payments.PaymentIntentRequest) (payments.PaymentIntent, error)
	updateIntentFn    func(context.Context, string, payments.PaymentIntentRequest) (payments.PaymentIntent, error)
}

func (s *stubGateway) CreateCheckoutSession(ctx context.Context, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error) {
	if s.createSessionFn == nil {
		return payments.CheckoutSession{}, errors.New("unexpected CreateCheckoutSession")
	}
	return s.createSessionFn(ctx, req)
}

func (s *stubGateway) RetrieveCheckoutSession(ctx context.Context, sessionID string) (payments.SessionDetails, error) {
	if s.retrieveSessionFn == nil {
		return payments.SessionDetails{}, errors.New("unexpected RetrieveCheckoutSession")
	}
	return s.retrieveSessionFn(ctx, sessionID)
}

func (s *stubGateway) CreatePaymentIntent(ctx context.Context, req payments.PaymentIntentRequest) (payments.PaymentIntent, error) {
	if s.createIntentFn == nil {
		return payments.PaymentIntent{}, errors.New("unexpected CreatePaymentIntent")
	}
	return s.createIntentFn(ctx, req)
}

func (s *stubGateway) UpdatePaymentIntent(ctx context.Context, intentID string, req payments.PaymentIntentRequest) (payments.PaymentIntent, error) {
	if s.updateIntentFn == nil {
		return payments.PaymentIntent{}, errors.New("unexpected UpdatePaymentIntent")
	}
	return s.updateIntentFn(ctx, intentID, req)
}

func newTestCheckoutService(t *testing.T, gateway *stubGateway, repo *memoryOrderRepo) CheckoutService {
	t.Helper()
	orders := newTestOrderService(t, repo, nil, nil)
	svc, err := NewCheckoutService(CheckoutServiceDeps{
		Gateway:       gateway,
		Orders:        orders,
		ClientBaseURL: "https://shop.example.com/",
		WebhookSecret: checkoutWebhookSecret,
		Clock:         func() time.Time { return fixedNow },
	})
	if err != nil {
		t.Fatalf("NewCheckoutService: %v", err)
	}
	return svc
}

func pendingOrder(number string, uid string) domain.Order {
	order := domain.Order{
		OrderNumber:   number,
		Status:        domain.OrderStatusCreated,
		PaymentStatus: domain.PaymentStatusPending,
		PaymentMethod: domain.PaymentMethodStripe,
		Items:         []domain.LineItem{{Name: "Mug", UnitPrice: dec("10.00"), Quantity: 2}},
		Amounts: domain.Amounts{
			Subtotal: dec("20.00"),
			Shipping: dec("5.00"),
			Tax:      dec("1.50"),
			Total:    dec("26.50"),
			Currency: "AUD",
		},
		CreatedAt: fixedNow,
	}
	if uid != "" {
		order.User = &domain.OrderUser{ID: uid, Email: uid + "@example.com"}
	}
	return order
}

func TestCheckoutServiceCreateSessionForNewCart(t *testing.T) {
	repo := newMemoryOrderRepo()
	var captured payments.CheckoutSessionRequest
	gateway := &stubGateway{
		createSessionFn: func(_ context.Context, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error) {
			captured = req
			return payments.CheckoutSession{ID: "cs_1", URL: "https://checkout.stripe.com/c/cs_1"}, nil
		},
	}
	svc := newTestCheckoutService(t, gateway, repo)

	result, err := svc.CreateCheckoutSession(context.Background(), CheckoutSessionCommand{
		User:     &domain.OrderUser{ID: "uid-1", Email: "buyer@example.com"},
		Items:    []domain.LineItem{{Name: "Mug", UnitPrice: dec("10.00"), Quantity: 2}},
		Shipping: dec("5.00"),
		Tax:      dec("1.50"),
	})
	if err != nil {
		t.Fatalf("CreateCheckoutSession: %v", err)
	}
	if result.SessionID != "cs_1" || result.URL == "" || result.OrderNumber == "" || !result.Amounts.Total.Equal(dec("26.50")) {
		t.Fatalf("unexpected result %#v", result)
	}

	if captured.SuccessURL != "https://shop.example.com/success?session_id={CHECKOUT_SESSION_ID}" {
		t.Fatalf("unexpected success url %q", captured.SuccessURL)
	}
	if captured.CancelURL != "https://shop.example.com/payment-method" {
		t.Fatalf("unexpected cancel url %q", captured.CancelURL)
	}
	if captured.OrderNumber != result.OrderNumber || captured.CustomerEmail != "buyer@example.com" {
		t.Fatalf("unexpected request %#v", captured)
	}
	if len(captured.Items) != 3 {
		t.Fatalf("expected item, shipping and tax lines, got %#v", captured.Items)
	}
	var sum int64
	for _, item := range captured.Items {
		sum += item.UnitAmount * item.Quantity
	}
	if sum != 2650 {
		t.Fatalf("expected line items to sum to 2650, got %d", sum)
	}
	if captured.Metadata["total"] != "26.50" || captured.Metadata["orderNumber"] != result.OrderNumber {
		t.Fatalf("unexpected metadata %#v", captured.Metadata)
	}
	if captured.IdempotencyKey == "" {
		t.Fatalf("expected derived idempotency key")
	}

	stored, _ := repo.FindByNumber(context.Background(), result.OrderNumber)
	if stored.CheckoutSessionID != "cs_1" || stored.Status != domain.OrderStatusCreated {
		t.Fatalf("expected session reference without state change, got %#v", stored)
	}
}

func TestCheckoutServiceCreateSessionExistingOrder(t *testing.T) {
	gateway := &stubGateway{
		createSessionFn: func(_ context.Context, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error) {
			return payments.CheckoutSession{ID: "cs_2", URL: "https://checkout"}, nil
		},
	}

	t.Run("owner", func(t *testing.T) {
		svc := newTestCheckoutService(t, gateway, newMemoryOrderRepo(pendingOrder("ORD-1", "uid-1")))
		result, err := svc.CreateCheckoutSession(context.Background(), CheckoutSessionCommand{OrderNumber: "ORD-1", User: &domain.OrderUser{ID: "uid-1"}})
		if err != nil || result.OrderNumber != "ORD-1" {
			t.Fatalf("unexpected %#v %v", result, err)
		}
	})

	t.Run("other user", func(t *testing.T) {
		svc := newTestCheckoutService(t, gateway, newMemoryOrderRepo(pendingOrder("ORD-1", "uid-1")))
		_, err := svc.CreateCheckoutSession(context.Background(), CheckoutSessionCommand{OrderNumber: "ORD-1", User: &domain.OrderUser{ID: "uid-2"}})
		if !errors.Is(err, ErrOrderNotFound) {
			t.Fatalf("expected another user's order to read as not found, got %v", err)
		}
	})

	t.Run("already paid", func(t *testing.T) {
		paid := pendingOrder("ORD-1", "")
		paid.Status = domain.OrderStatusCompleted
		paid.PaymentStatus = domain.PaymentStatusPaid
		svc := newTestCheckoutService(t, gateway, newMemoryOrderRepo(paid))
		_, err := svc.CreateCheckoutSession(context.Background(), CheckoutSessionCommand{OrderNumber: "ORD-1"})
		if !errors.Is(err, ErrCheckoutInvalidInput) {
			t.Fatalf("expected invalid input, got %v", err)
		}
	})

	t.Run("unknown", func(t *testing.T) {
		svc := newTestCheckoutService(t, gateway, newMemoryOrderRepo())
		_, err := svc.CreateCheckoutSession(context.Background(), CheckoutSessionCommand{OrderNumber: "ORD-404"})
		if !errors.Is(err, ErrOrderNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	})
}

func TestCheckoutServiceCreateSessionErrors(t *testing.T) {
	svc := newTestCheckoutService(t, &stubGateway{}, newMemoryOrderRepo())
	if _, err := svc.CreateCheckoutSession(context.Background(), CheckoutSessionCommand{}); !errors.Is(err, ErrCheckoutInvalidInput) {
		t.Fatalf("expected invalid input for empty cart, got %v", err)
	}

	gateway := &stubGateway{
		createSessionFn: func(context.Context, payments.CheckoutSessionRequest) (payments.CheckoutSession, error) {
			return payments.CheckoutSession{}, fmt.Errorf("%w: timeout", payments.ErrUnavailable)
		},
	}
	svc = newTestCheckoutService(t, gateway, newMemoryOrderRepo(pendingOrder("ORD-1", "")))
	if _, err := svc.CreateCheckoutSession(context.Background(), CheckoutSessionCommand{OrderNumber: "ORD-1"}); !errors.Is(err, ErrCheckoutPaymentUnavailable) {
		t.Fatalf("expected payment unavailable, got %v", err)
	}
}

func TestBuildCheckoutLineItemsFallsBackOnRoundingDrift(t *testing.T) {
	order := domain.Order{
		OrderNumber: "ORD-9",
		Items:       []domain.LineItem{{Name: "Bolt", UnitPrice: dec("0.333"), Quantity: 3}},
		Amounts:     domain.Amounts{Subtotal: dec("1.00"), Total: dec("1.00"), Currency: "AUD"},
	}
	items, err := buildCheckoutLineItems(order)
	if err != nil {
		t.Fatalf("buildCheckoutLineItems: %v", err)
	}
	if len(items) != 1 || items[0].UnitAmount != 100 || items[0].Name != "Order ORD-9" {
		t.Fatalf("expected single order line, got %#v", items)
	}
}

func TestCheckoutServiceGetCheckoutSessionAccess(t *testing.T) {
	gateway := &stubGateway{
		retrieveSessionFn: func(_ context.Context, id string) (payments.SessionDetails, error) {
			if id == "cs_missing" {
				return payments.SessionDetails{}, fmt.Errorf("%w: resource_missing", payments.ErrSessionNotFound)
			}
			return payments.SessionDetails{
				SessionID:     id,
				OrderNumber:   "ORD-1",
				Status:        "complete",
				PaymentStatus: payments.SessionPaymentPaid,
				AmountPaid:    dec("26.50"),
				Currency:      "AUD",
				LineItems:     []payments.SessionLineItem{{Description: "Mug", Quantity: 2, AmountTotal: dec("20.00")}},
			}, nil
		},
	}
	svc := newTestCheckoutService(t, gateway, newMemoryOrderRepo(pendingOrder("ORD-1", "uid-1")))

	summary, err := svc.GetCheckoutSession(context.Background(), GetCheckoutSessionCommand{SessionID: "cs_1", CallerUID: "uid-1"})
	if err != nil {
		t.Fatalf("owner GetCheckoutSession: %v", err)
	}
	if summary.OrderNumber != "ORD-1" || !summary.AmountTotal.Equal(dec("26.50")) || len(summary.LineItems) != 1 {
		t.Fatalf("unexpected summary %#v", summary)
	}

	if _, err := svc.GetCheckoutSession(context.Background(), GetCheckoutSessionCommand{SessionID: "cs_1", CallerUID: "uid-2"}); !errors.Is(err, ErrCheckoutSessionNotFound) {
		t.Fatalf("expected another user's session to read as not found, got %v", err)
	}
	if _, err := svc.GetCheckoutSession(context.Background(), GetCheckoutSessionCommand{SessionID: "cs_1", CallerUID: "admin", IsAdmin: true}); err != nil {
		t.Fatalf("admin GetCheckoutSession: %v", err)
	}
	if _, err := svc.GetCheckoutSession(context.Background(), GetCheckoutSessionCommand{SessionID: "cs_missing", CallerUID: "uid-1"}); !errors.Is(err, ErrCheckoutSessionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCheckoutServiceCreatePaymentIntent(t *testing.T) {
	repo := newMemoryOrderRepo(pendingOrder("ORD-1", ""))
	var captured payments.PaymentIntentRequest
	gateway := &stubGateway{
		createIntentFn: func(_ context.Context, req payments.PaymentIntentRequest) (payments.PaymentIntent, error) {
			captured = req
			return payments.PaymentIntent{ID: "pi_1", ClientSecret: "pi_1_secret", Amount: req.Amount, Currency: req.Currency}, nil
		},
		updateIntentFn: func(_ context.Context, id string, req payments.PaymentIntentRequest) (payments.PaymentIntent, error) {
			return payments.PaymentIntent{ID: id, ClientSecret: id + "_secret", Amount: req.Amount, Currency: req.Currency}, nil
		},
	}
	svc := newTestCheckoutService(t, gateway, repo)

	cmd := PaymentIntentCommand{
		OrderNumber:    "ORD-1",
		Items:          []domain.LineItem{{Name: "Mug", UnitPrice: dec("10.00"), Quantity: 2}},
		Shipping:       dec("5.00"),
		Tax:            dec("1.50"),
		CustomerEmail:  "buyer@example.com",
		IdempotencyKey: "key-1",
	}
	result, err := svc.CreatePaymentIntent(context.Background(), cmd)
	if err != nil {
		t.Fatalf("CreatePaymentIntent: %v", err)
	}
	if result.AmountMinor != 2650 || !result.Amount.Equal(dec("26.50")) || result.ClientSecret != "pi_1_secret" {
		t.Fatalf("unexpected result %#v", result)
	}
	if captured.ReceiptEmail != "buyer@example.com" || captured.IdempotencyKey != "key-1" || captured.Metadata["orderNumber"] != "ORD-1" {
		t.Fatalf("unexpected request %#v", captured)
	}
	stored, _ := repo.FindByNumber(context.Background(), "ORD-1")
	if stored.PaymentIntentID != "pi_1" {
		t.Fatalf("expected intent reference stored, got %q", stored.PaymentIntentID)
	}

	cmd.PaymentIntentID = "pi_existing"
	updated, err := svc.CreatePaymentIntent(context.Background(), cmd)
	if err != nil || updated.PaymentIntentID != "pi_existing" {
		t.Fatalf("expected update path, got %#v %v", updated, err)
	}

	cmd.PaymentIntentID = ""
	cmd.Tax = dec("3.00")
	if _, err := svc.CreatePaymentIntent(context.Background(), cmd); !errors.Is(err, ErrCheckoutInvalidInput) {
		t.Fatalf("expected mismatch with stored order to be rejected, got %v", err)
	}
}

func signedCheckoutEvent(t *testing.T, eventType, orderNumber, paymentStatus string, amountTotal int64) ([]byte, string) {
	t.Helper()
	payload := fmt.Sprintf(`{
  "id": "evt_%[1]s",
  "object": "event",
  "type": %[2]q,
  "created": 1714550400,
  "api_version": "2020-08-27",
  "data": {"object": {
    "id": "cs_test_1",
    "object": "checkout.session",
    "client_reference_id": %[1]q,
    "amount_total": %[4]d,
    "currency": "aud",
    "payment_status": %[3]q,
    "status": "complete",
    "payment_intent": "pi_1"
  }}
}`, orderNumber, eventType, paymentStatus, amountTotal)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    checkoutWebhookSecret,
		Timestamp: time.Now(),
	})
	return signed.Payload, signed.Header
}

func TestCheckoutServiceHandleWebhookMarksPaidOnce(t *testing.T) {
	repo := newMemoryOrderRepo(pendingOrder("ORD-1", "uid-1"))
	svc := newTestCheckoutService(t, &stubGateway{}, repo)
	body, header := signedCheckoutEvent(t, payments.EventCheckoutSessionCompleted, "ORD-1", "paid", 2650)

	result, err := svc.HandleWebhook(context.Background(), body, header)
	if err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}
	if !result.Applied || result.OrderNumber != "ORD-1" {
		t.Fatalf("unexpected result %#v", result)
	}
	order, _ := repo.FindByNumber(context.Background(), "ORD-1")
	if order.Status != domain.OrderStatusCompleted || order.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("unexpected state %s/%s", order.Status, order.PaymentStatus)
	}
	if order.GrandTotal == nil || !order.GrandTotal.Equal(dec("26.50")) || order.CheckoutSessionID != "cs_test_1" || order.PaymentIntentID != "pi_1" {
		t.Fatalf("unexpected paid order %#v", order)
	}

	writes := repo.writes
	result, err = svc.HandleWebhook(context.Background(), body, header)
	if err != nil || result.Applied {
		t.Fatalf("expected duplicate delivery to be a no-op, got %#v %v", result, err)
	}
	if repo.writes != writes {
		t.Fatalf("expected no write for duplicate delivery")
	}
}

func TestCheckoutServiceHandleWebhookRejectsBadSignature(t *testing.T) {
	repo := newMemoryOrderRepo(pendingOrder("ORD-1", ""))
	svc := newTestCheckoutService(t, &stubGateway{}, repo)
	body, header := signedCheckoutEvent(t, payments.EventCheckoutSessionCompleted, "ORD-1", "paid", 2650)
	body[len(body)-2] = ' '

	_, err := svc.HandleWebhook(context.Background(), body, header)
	if !errors.Is(err, ErrCheckoutSignatureInvalid) || !errors.Is(err, payments.ErrSignatureInvalid) {
		t.Fatalf("expected signature error, got %v", err)
	}
	if repo.writes != 0 {
		t.Fatalf("expected no mutation before verification")
	}
}

func TestCheckoutServiceHandleWebhookVariants(t *testing.T) {
	cases := []struct {
		name          string
		eventType     string
		orderNumber   string
		paymentStatus string
		wantIgnored   bool
		wantStatus    domain.PaymentStatus
	}{
		{"async failure", payments.EventCheckoutSessionAsyncFailed, "ORD-1", "unpaid", false, domain.PaymentStatusFailed},
		{"async success", payments.EventCheckoutSessionAsyncSucceeded, "ORD-1", "paid", false, domain.PaymentStatusPaid},
		{"completed awaiting funds", payments.EventCheckoutSessionCompleted, "ORD-1", "unpaid", true, domain.PaymentStatusPending},
		{"expired", payments.EventCheckoutSessionExpired, "ORD-1", "unpaid", true, domain.PaymentStatusPending},
		{"unknown order", payments.EventCheckoutSessionCompleted, "ORD-404", "paid", true, domain.PaymentStatusPending},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := newMemoryOrderRepo(pendingOrder("ORD-1", ""))
			svc := newTestCheckoutService(t, &stubGateway{}, repo)
			body, header := signedCheckoutEvent(t, tc.eventType, tc.orderNumber, tc.paymentStatus, 2650)

			result, err := svc.HandleWebhook(context.Background(), body, header)
			if err != nil {
				t.Fatalf("HandleWebhook: %v", err)
			}
			if result.Ignored != tc.wantIgnored {
				t.Fatalf("expected ignored=%v, got %#v", tc.wantIgnored, result)
			}
			order, _ := repo.FindByNumber(context.Background(), "ORD-1")
			if order.PaymentStatus != tc.wantStatus {
				t.Fatalf("expected payment status %s, got %s", tc.wantStatus, order.PaymentStatus)
			}
		})
	}
}

func TestCheckoutServiceHandleWebhookPropagatesStoreFailure(t *testing.T) {
	orders := &failingOrderService{err: fmt.Errorf("%w: deadline", ErrOrderUnavailable)}
	svc, err := NewCheckoutService(CheckoutServiceDeps{
		Gateway:       &stubGateway{},
		Orders:        orders,
		ClientBaseURL: "http://localhost:5173",
		WebhookSecret: checkoutWebhookSecret,
	})
	if err != nil {
		t.Fatalf("NewCheckoutService: %v", err)
	}
	body, header := signedCheckoutEvent(t, payments.EventCheckoutSessionCompleted, "ORD-1", "paid", 2650)
	if _, err := svc.HandleWebhook(context.Background(), body, header); !errors.Is(err, ErrOrderUnavailable) {
		t.Fatalf("expected retryable store error, got %v", err)
	}
}

type failingOrderService struct {
	OrderService
	err error
}

func (f *failingOrderService) MarkPaid(context.Context, MarkPaidCommand) (Order, bool, error) {
	return Order{}, false, f.err
}

func TestCheckoutServiceReconcileSession(t *testing.T) {
	repo := newMemoryOrderRepo(pendingOrder("ORD-1", ""))
	gateway := &stubGateway{
		retrieveSessionFn: func(_ context.Context, id string) (payments.SessionDetails, error) {
			status := payments.SessionPaymentPaid
			if id == "cs_unpaid" {
				status = payments.SessionPaymentUnpaid
			}
			return payments.SessionDetails{SessionID: id, OrderNumber: "ORD-1", PaymentStatus: status, AmountPaid: dec("26.50"), Currency: "AUD"}, nil
		},
	}
	svc := newTestCheckoutService(t, gateway, repo)

	result, err := svc.ReconcileSession(context.Background(), "cs_unpaid")
	if err != nil || !result.Ignored {
		t.Fatalf("expected unpaid session to be ignored, got %#v %v", result, err)
	}

	result, err = svc.ReconcileSession(context.Background(), "cs_paid")
	if err != nil || !result.Applied {
		t.Fatalf("expected reconcile to apply, got %#v %v", result, err)
	}
	result, err = svc.ReconcileSession(context.Background(), "cs_paid")
	if err != nil || result.Applied {
		t.Fatalf("expected second reconcile to be a no-op, got %#v %v", result, err)
	}

	if _, err := svc.ReconcileSession(context.Background(), " "); !errors.Is(err, ErrCheckoutInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestNewCheckoutServiceRequiresDependencies(t *testing.T) {
	if _, err := NewCheckoutService(CheckoutServiceDeps{}); err == nil {
		t.Fatalf("expected error without gateway")
	}
	if _, err := NewCheckoutService(CheckoutServiceDeps{Gateway: &stubGateway{}}); err == nil {
		t.Fatalf("expected error without order service")
	}
	if _, err := NewCheckoutService(CheckoutServiceDeps{Gateway: &stubGateway{}, Orders: &failingOrderService{}}); err == nil {
		t.Fatalf("expected error without client base url")
	}
}
