package payments

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"
)

// Checkout session webhook event types handled by the service.
const (
	EventCheckoutSessionCompleted      = "checkout.session.completed"
	EventCheckoutSessionAsyncSucceeded = "checkout.session.async_payment_succeeded"
	EventCheckoutSessionAsyncFailed    = "checkout.session.async_payment_failed"
	EventCheckoutSessionExpired        = "checkout.session.expired"
)

// SignatureHeader is the HTTP header carrying the webhook signature.
const SignatureHeader = "Stripe-Signature"

// WebhookEvent is a verified processor event.
type WebhookEvent struct {
	ID      string
	Type    string
	Created time.Time
	raw     stripe.Event
}

// VerifyWebhookSignature checks the signature over the raw request body and decodes the event.
// API version mismatches between the account and the SDK are tolerated.
func VerifyWebhookSignature(payload []byte, signatureHeader, secret string) (WebhookEvent, error) {
	if strings.TrimSpace(secret) == "" {
		return WebhookEvent{}, fmt.Errorf("%w: webhook secret not configured", ErrSignatureInvalid)
	}
	if strings.TrimSpace(signatureHeader) == "" {
		return WebhookEvent{}, fmt.Errorf("%w: signature header missing", ErrSignatureInvalid)
	}
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, secret, webhook.ConstructEventOptions{
		Tolerance:                webhook.DefaultTolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return WebhookEvent{
		ID:      event.ID,
		Type:    string(event.Type),
		Created: time.Unix(event.Created, 0).UTC(),
		raw:     event,
	}, nil
}

// IsCheckoutSessionEvent reports whether the event payload is a checkout session.
func (e WebhookEvent) IsCheckoutSessionEvent() bool {
	return strings.HasPrefix(e.Type, "checkout.session.")
}

// ParseCompletedSessionEvent extracts the session carried by a checkout.session.* event. The
// order number comes from client_reference_id with metadata.orderNumber as fallback.
func ParseCompletedSessionEvent(event WebhookEvent) (SessionDetails, error) {
	if !event.IsCheckoutSessionEvent() || event.raw.Data == nil {
		return SessionDetails{}, fmt.Errorf("%w: %s", ErrUnsupportedEvent, event.Type)
	}
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.raw.Data.Raw, &session); err != nil {
		return SessionDetails{}, fmt.Errorf("%w: decode checkout session: %v", ErrUnsupportedEvent, err)
	}
	if session.ID == "" {
		return SessionDetails{}, fmt.Errorf("%w: checkout session id missing", ErrUnsupportedEvent)
	}
	return sessionDetails(&session), nil
}
