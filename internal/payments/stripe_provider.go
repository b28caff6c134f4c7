package payments

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"

	domain "github.com/storefront-app/api/internal/domain"
)

const defaultStripeTimeout = 15 * time.Second

// StripeLogger defines the logging contract for Stripe provider operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripeSessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Update(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type stripeClients struct {
	sessions stripeSessionAPI
	intents  stripePaymentIntentAPI
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey  string
	Timeout time.Duration
	Logger  StripeLogger
	Clients *stripeClients
}

// StripeProvider implements Gateway on the Stripe API.
type StripeProvider struct {
	api    stripeClients
	logger StripeLogger
}

var _ Gateway = (*StripeProvider)(nil)

// NewStripeProvider constructs a Stripe gateway. Every request carries its own context and the
// HTTP client timeout bounds calls made without a deadline.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
	}

	var clients stripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultStripeTimeout
		}
		sc := client.New(apiKey, stripe.NewBackends(&http.Client{Timeout: timeout}))
		clients = stripeClients{sessions: sc.CheckoutSessions, intents: sc.PaymentIntents}
	}
	if clients.sessions == nil || clients.intents == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &StripeProvider{api: clients, logger: logger}, nil
}

// CreateCheckoutSession creates a hosted payment-mode Checkout session referencing the order.
func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error) {
	if len(req.Items) == 0 {
		return CheckoutSession{}, fmt.Errorf("%w: at least one line item is required", ErrInvalidRequest)
	}
	currency := strings.ToLower(strings.TrimSpace(req.Currency))

	params := &stripe.CheckoutSessionParams{
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		SuccessURL:         stripe.String(req.SuccessURL),
		CancelURL:          stripe.String(req.CancelURL),
		Metadata:           maps.Clone(req.Metadata),
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if req.OrderNumber != "" {
		params.ClientReferenceID = stripe.String(req.OrderNumber)
	}
	if email := strings.TrimSpace(req.CustomerEmail); email != "" {
		params.CustomerEmail = stripe.String(email)
	}
	params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{
		Metadata: maps.Clone(req.Metadata),
	}

	params.LineItems = make([]*stripe.CheckoutSessionLineItemParams, 0, len(req.Items))
	for _, item := range req.Items {
		product := &stripe.CheckoutSessionLineItemPriceDataProductDataParams{Name: stripe.String(item.Name)}
		if item.Image != "" {
			product.Images = stripe.StringSlice([]string{item.Image})
		}
		params.LineItems = append(params.LineItems, &stripe.CheckoutSessionLineItemParams{
			Quantity: stripe.Int64(max(item.Quantity, 1)),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:    stripe.String(currency),
				UnitAmount:  stripe.Int64(item.UnitAmount),
				ProductData: product,
			},
		})
	}

	session, err := p.api.sessions.New(params)
	if err != nil {
		p.logger(ctx, "payments.stripe.session.create_failed", stripeErrorFields(req.OrderNumber, err))
		return CheckoutSession{}, mapStripeError("create checkout session", err)
	}

	result := CheckoutSession{ID: session.ID, URL: session.URL}
	if session.PaymentIntent != nil {
		result.PaymentIntentID = session.PaymentIntent.ID
	}
	p.logger(ctx, "payments.stripe.session.created", map[string]any{
		"sessionId":   session.ID,
		"orderNumber": req.OrderNumber,
		"currency":    currency,
	})
	return result, nil
}

// RetrieveCheckoutSession loads a session with its line items and payment intent expanded.
func (p *StripeProvider) RetrieveCheckoutSession(ctx context.Context, sessionID string) (SessionDetails, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return SessionDetails{}, fmt.Errorf("%w: session id is required", ErrInvalidRequest)
	}
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	params.AddExpand("line_items")
	params.AddExpand("payment_intent")

	session, err := p.api.sessions.Get(sessionID, params)
	if err != nil {
		return SessionDetails{}, mapStripeError("retrieve checkout session", err)
	}
	return sessionDetails(session), nil
}

// CreatePaymentIntent creates a payment intent with automatic payment methods enabled.
func (p *StripeProvider) CreatePaymentIntent(ctx context.Context, req PaymentIntentRequest) (PaymentIntent, error) {
	if req.Amount <= 0 {
		return PaymentIntent{}, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	params := p.intentParams(ctx, req)
	params.AutomaticPaymentMethods = &stripe.PaymentIntentAutomaticPaymentMethodsParams{Enabled: stripe.Bool(true)}

	intent, err := p.api.intents.New(params)
	if err != nil {
		p.logger(ctx, "payments.stripe.intent.create_failed", stripeErrorFields(req.Metadata["orderNumber"], err))
		return PaymentIntent{}, mapStripeError("create payment intent", err)
	}
	p.logger(ctx, "payments.stripe.intent.created", map[string]any{
		"paymentIntent": intent.ID,
		"amount":        intent.Amount,
		"currency":      intent.Currency,
	})
	return toPaymentIntent(intent), nil
}

// UpdatePaymentIntent re-prices an existing intent, e.g. after the cart changed.
func (p *StripeProvider) UpdatePaymentIntent(ctx context.Context, intentID string, req PaymentIntentRequest) (PaymentIntent, error) {
	intentID = strings.TrimSpace(intentID)
	if intentID == "" {
		return PaymentIntent{}, fmt.Errorf("%w: payment intent id is required", ErrInvalidRequest)
	}
	if req.Amount <= 0 {
		return PaymentIntent{}, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	intent, err := p.api.intents.Update(intentID, p.intentParams(ctx, req))
	if err != nil {
		return PaymentIntent{}, mapStripeError("update payment intent", err)
	}
	p.logger(ctx, "payments.stripe.intent.updated", map[string]any{
		"paymentIntent": intent.ID,
		"amount":        intent.Amount,
	})
	return toPaymentIntent(intent), nil
}

func (p *StripeProvider) intentParams(ctx context.Context, req PaymentIntentRequest) *stripe.PaymentIntentParams {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(strings.ToLower(strings.TrimSpace(req.Currency))),
		Metadata: maps.Clone(req.Metadata),
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if email := strings.TrimSpace(req.ReceiptEmail); email != "" {
		params.ReceiptEmail = stripe.String(email)
	}
	return params
}

func toPaymentIntent(intent *stripe.PaymentIntent) PaymentIntent {
	return PaymentIntent{
		ID:           intent.ID,
		ClientSecret: intent.ClientSecret,
		Amount:       intent.Amount,
		Currency:     strings.ToUpper(string(intent.Currency)),
		Status:       string(intent.Status),
	}
}

func sessionDetails(session *stripe.CheckoutSession) SessionDetails {
	currency := strings.ToUpper(string(session.Currency))
	if currency == "" {
		currency = domain.DefaultCurrency
	}
	details := SessionDetails{
		SessionID:     session.ID,
		OrderNumber:   strings.TrimSpace(session.ClientReferenceID),
		Status:        string(session.Status),
		PaymentStatus: string(session.PaymentStatus),
		AmountMinor:   session.AmountTotal,
		AmountPaid:    domain.FromMinorUnits(session.AmountTotal, currency),
		Currency:      currency,
		CustomerEmail: session.CustomerEmail,
		Metadata:      maps.Clone(session.Metadata),
	}
	if details.OrderNumber == "" {
		details.OrderNumber = strings.TrimSpace(session.Metadata["orderNumber"])
	}
	if session.CustomerDetails != nil && session.CustomerDetails.Email != "" {
		details.CustomerEmail = session.CustomerDetails.Email
	}
	if session.PaymentIntent != nil {
		details.PaymentIntentID = session.PaymentIntent.ID
	}
	if session.LineItems != nil {
		for _, item := range session.LineItems.Data {
			if item == nil {
				continue
			}
			details.LineItems = append(details.LineItems, SessionLineItem{
				Description: item.Description,
				Quantity:    item.Quantity,
				AmountTotal: domain.FromMinorUnits(item.AmountTotal, currency),
			})
		}
	}
	return details
}

func mapStripeError(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch {
		case stripeErr.Code == stripe.ErrorCodeResourceMissing, stripeErr.HTTPStatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %s: %v", ErrSessionNotFound, op, err)
		case stripeErr.Type == stripe.ErrorTypeInvalidRequest, stripeErr.Type == stripe.ErrorTypeCard:
			return fmt.Errorf("%w: %s: %v", ErrInvalidRequest, op, err)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

func stripeErrorFields(orderNumber string, err error) map[string]any {
	fields := map[string]any{"orderNumber": orderNumber, "error": err.Error()}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		fields["stripeCode"] = string(stripeErr.Code)
		fields["stripeType"] = string(stripeErr.Type)
		fields["requestId"] = stripeErr.RequestID
	}
	return fields
}
