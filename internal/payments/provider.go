package payments

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrSignatureInvalid is returned when a webhook payload fails signature verification.
	ErrSignatureInvalid = errors.New("payments: webhook signature invalid")
	// ErrSessionNotFound indicates the processor has no checkout session with the given id.
	ErrSessionNotFound = errors.New("payments: checkout session not found")
	// ErrInvalidRequest indicates the processor rejected the request parameters.
	ErrInvalidRequest = errors.New("payments: invalid request")
	// ErrUnavailable wraps transport failures and processor-side errors that may be retried.
	ErrUnavailable = errors.New("payments: provider unavailable")
	// ErrUnsupportedEvent is returned when a webhook event does not carry a checkout session.
	ErrUnsupportedEvent = errors.New("payments: unsupported event")
)

// Session payment statuses as reported by the processor.
const (
	SessionPaymentPaid              = "paid"
	SessionPaymentUnpaid            = "unpaid"
	SessionPaymentNoPaymentRequired = "no_payment_required"
)

// CheckoutLineItem is one line of a hosted checkout page. UnitAmount is in minor units.
type CheckoutLineItem struct {
	Name       string
	Image      string
	Quantity   int64
	UnitAmount int64
}

// CheckoutSessionRequest carries the server-computed charge for a hosted checkout session.
type CheckoutSessionRequest struct {
	OrderNumber    string
	Currency       string
	CustomerEmail  string
	SuccessURL     string
	CancelURL      string
	Items          []CheckoutLineItem
	Metadata       map[string]string
	IdempotencyKey string
}

// CheckoutSession is the redirect target returned to the browser.
type CheckoutSession struct {
	ID              string
	URL             string
	PaymentIntentID string
}

// SessionLineItem summarises a purchased line on a retrieved session.
type SessionLineItem struct {
	Description string
	Quantity    int64
	AmountTotal decimal.Decimal
}

// SessionDetails is the normalised view of a checkout session used to confirm payment.
type SessionDetails struct {
	SessionID       string
	OrderNumber     string
	Status          string
	PaymentStatus   string
	AmountPaid      decimal.Decimal
	AmountMinor     int64
	Currency        string
	CustomerEmail   string
	PaymentIntentID string
	Metadata        map[string]string
	LineItems       []SessionLineItem
}

// Paid reports whether the processor considers the session settled.
func (d SessionDetails) Paid() bool {
	return d.PaymentStatus == SessionPaymentPaid || d.PaymentStatus == SessionPaymentNoPaymentRequired
}

// PaymentIntentRequest describes an embedded-checkout charge. Amount is in minor units.
type PaymentIntentRequest struct {
	Amount         int64
	Currency       string
	ReceiptEmail   string
	Metadata       map[string]string
	IdempotencyKey string
}

// PaymentIntent is the subset of a payment intent the browser needs to confirm a card payment.
type PaymentIntent struct {
	ID           string
	ClientSecret string
	Amount       int64
	Currency     string
	Status       string
}

// Gateway is the payment processor surface consumed by the checkout service.
type Gateway interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error)
	RetrieveCheckoutSession(ctx context.Context, sessionID string) (SessionDetails, error)
	CreatePaymentIntent(ctx context.Context, req PaymentIntentRequest) (PaymentIntent, error)
	UpdatePaymentIntent(ctx context.Context, intentID string, req PaymentIntentRequest) (PaymentIntent, error)
}
