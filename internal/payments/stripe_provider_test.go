package payments

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stripe/stripe-go/v78"
)

type stubSessionAPI struct {
	newFn func(*stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	getFn func(string, *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

func (s *stubSessionAPI) New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	if s.newFn != nil {
		return s.newFn(params)
	}
	return &stripe.CheckoutSession{ID: "cs_test"}, nil
}

func (s *stubSessionAPI) Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	if s.getFn != nil {
		return s.getFn(id, params)
	}
	return nil, errors.New("not implemented")
}

type stubIntentAPI struct {
	newFn    func(*stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	updateFn func(string, *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

func (s *stubIntentAPI) New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	if s.newFn != nil {
		return s.newFn(params)
	}
	return &stripe.PaymentIntent{ID: "pi_test"}, nil
}

func (s *stubIntentAPI) Update(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	if s.updateFn != nil {
		return s.updateFn(id, params)
	}
	return &stripe.PaymentIntent{ID: id}, nil
}

func newTestProvider(t *testing.T, sessions *stubSessionAPI, intents *stubIntentAPI) *StripeProvider {
	t.Helper()
	if sessions == nil {
		sessions = &stubSessionAPI{}
	}
	if intents == nil {
		intents = &stubIntentAPI{}
	}
	provider, err := NewStripeProvider(StripeProviderConfig{Clients: &stripeClients{sessions: sessions, intents: intents}})
	if err != nil {
		t.Fatalf("NewStripeProvider: %v", err)
	}
	return provider
}

func TestStripeProviderCreateCheckoutSession(t *testing.T) {
	var captured *stripe.CheckoutSessionParams
	provider := newTestProvider(t, &stubSessionAPI{
		newFn: func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
			captured = params
			return &stripe.CheckoutSession{
				ID:            "cs_123",
				URL:           "https://checkout.stripe.test/cs_123",
				PaymentIntent: &stripe.PaymentIntent{ID: "pi_123"},
			}, nil
		},
	}, nil)

	session, err := provider.CreateCheckoutSession(context.Background(), CheckoutSessionRequest{
		OrderNumber:    "ORD-1-ABC",
		Currency:       "AUD",
		SuccessURL:     "http://localhost:5173/success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:      "http://localhost:5173/payment-method",
		Items:          []CheckoutLineItem{{Name: "Mug", Quantity: 2, UnitAmount: 1000}, {Name: "Shipping", Quantity: 1, UnitAmount: 500}},
		Metadata:       map[string]string{"total": "26.50"},
		IdempotencyKey: "idem-1",
	})
	if err != nil {
		t.Fatalf("CreateCheckoutSession: %v", err)
	}
	if session.ID != "cs_123" || session.URL == "" || session.PaymentIntentID != "pi_123" {
		t.Fatalf("unexpected session %#v", session)
	}
	if captured == nil || captured.ClientReferenceID == nil || *captured.ClientReferenceID != "ORD-1-ABC" {
		t.Fatalf("expected client reference id to carry order number")
	}
	if len(captured.LineItems) != 2 || *captured.LineItems[0].PriceData.UnitAmount != 1000 || *captured.LineItems[0].PriceData.Currency != "aud" {
		t.Fatalf("unexpected line items %#v", captured.LineItems)
	}
	if captured.IdempotencyKey == nil || *captured.IdempotencyKey != "idem-1" {
		t.Fatalf("expected idempotency key forwarded")
	}
	if captured.Metadata["total"] != "26.50" || captured.PaymentIntentData.Metadata["total"] != "26.50" {
		t.Fatalf("expected metadata on session and intent")
	}
}

func TestStripeProviderCreateCheckoutSessionRequiresItems(t *testing.T) {
	provider := newTestProvider(t, nil, nil)
	if _, err := provider.CreateCheckoutSession(context.Background(), CheckoutSessionRequest{}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
}

func TestStripeProviderRetrieveCheckoutSession(t *testing.T) {
	provider := newTestProvider(t, &stubSessionAPI{
		getFn: func(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
			if len(params.Expand) != 2 {
				t.Fatalf("expected line_items and payment_intent expanded, got %v", params.Expand)
			}
			return &stripe.CheckoutSession{
				ID:              id,
				AmountTotal:     2650,
				Currency:        stripe.CurrencyAUD,
				PaymentStatus:   stripe.CheckoutSessionPaymentStatusPaid,
				Metadata:        map[string]string{"orderNumber": "ORD-9"},
				CustomerDetails: &stripe.CheckoutSessionCustomerDetails{Email: "buyer@example.com"},
				LineItems: &stripe.LineItemList{Data: []*stripe.LineItem{
					{Description: "Mug", Quantity: 2, AmountTotal: 2000},
				}},
			}, nil
		},
	}, nil)

	details, err := provider.RetrieveCheckoutSession(context.Background(), "cs_9")
	if err != nil {
		t.Fatalf("RetrieveCheckoutSession: %v", err)
	}
	if details.OrderNumber != "ORD-9" || !details.Paid() || details.CustomerEmail != "buyer@example.com" {
		t.Fatalf("unexpected details %#v", details)
	}
	if details.AmountPaid.String() != "26.5" || details.Currency != "AUD" {
		t.Fatalf("unexpected amount %s %s", details.AmountPaid, details.Currency)
	}
	if len(details.LineItems) != 1 || details.LineItems[0].AmountTotal.String() != "20" {
		t.Fatalf("unexpected line items %#v", details.LineItems)
	}
}

func TestStripeProviderMapsMissingSession(t *testing.T) {
	provider := newTestProvider(t, &stubSessionAPI{
		getFn: func(string, *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
			return nil, &stripe.Error{Code: stripe.ErrorCodeResourceMissing, HTTPStatusCode: http.StatusNotFound, Type: stripe.ErrorTypeInvalidRequest}
		},
	}, nil)
	if _, err := provider.RetrieveCheckoutSession(context.Background(), "cs_missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected session not found, got %v", err)
	}
}

func TestStripeProviderMapsTransportFailure(t *testing.T) {
	provider := newTestProvider(t, nil, &stubIntentAPI{
		newFn: func(*stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
			return nil, &stripe.Error{Type: stripe.ErrorTypeAPI, HTTPStatusCode: http.StatusInternalServerError}
		},
	})
	if _, err := provider.CreatePaymentIntent(context.Background(), PaymentIntentRequest{Amount: 100, Currency: "AUD"}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestStripeProviderCreatePaymentIntent(t *testing.T) {
	var captured *stripe.PaymentIntentParams
	provider := newTestProvider(t, nil, &stubIntentAPI{
		newFn: func(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
			captured = params
			return &stripe.PaymentIntent{ID: "pi_1", ClientSecret: "pi_1_secret", Amount: *params.Amount, Currency: stripe.CurrencyAUD}, nil
		},
	})

	intent, err := provider.CreatePaymentIntent(context.Background(), PaymentIntentRequest{
		Amount:         2650,
		Currency:       "AUD",
		ReceiptEmail:   "buyer@example.com",
		IdempotencyKey: "key-1",
	})
	if err != nil {
		t.Fatalf("CreatePaymentIntent: %v", err)
	}
	if intent.ClientSecret != "pi_1_secret" || intent.Amount != 2650 || intent.Currency != "AUD" {
		t.Fatalf("unexpected intent %#v", intent)
	}
	if captured.AutomaticPaymentMethods == nil || !*captured.AutomaticPaymentMethods.Enabled {
		t.Fatalf("expected automatic payment methods")
	}
	if *captured.ReceiptEmail != "buyer@example.com" || *captured.IdempotencyKey != "key-1" || *captured.Currency != "aud" {
		t.Fatalf("unexpected params %#v", captured)
	}

	if _, err := provider.CreatePaymentIntent(context.Background(), PaymentIntentRequest{Amount: 0, Currency: "AUD"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected invalid request for zero amount, got %v", err)
	}
}

func TestStripeProviderUpdatePaymentIntent(t *testing.T) {
	provider := newTestProvider(t, nil, &stubIntentAPI{
		updateFn: func(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
			if params.AutomaticPaymentMethods != nil {
				t.Fatalf("automatic payment methods cannot be changed on update")
			}
			return &stripe.PaymentIntent{ID: id, Amount: *params.Amount}, nil
		},
	})
	intent, err := provider.UpdatePaymentIntent(context.Background(), "pi_7", PaymentIntentRequest{Amount: 900, Currency: "AUD"})
	if err != nil || intent.ID != "pi_7" || intent.Amount != 900 {
		t.Fatalf("unexpected update result %#v %v", intent, err)
	}
}
