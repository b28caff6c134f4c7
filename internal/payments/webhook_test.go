package payments

import (
	"errors"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v78/webhook"
)

const testWebhookSecret = "whsec_test_secret"

func signedPayload(t *testing.T, payload string) (body []byte, header string) {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
	})
	return signed.Payload, signed.Header
}

const completedSessionEvent = `{
  "id": "evt_1",
  "object": "event",
  "type": "checkout.session.completed",
  "created": 1714550400,
  "api_version": "2020-08-27",
  "data": {"object": {
    "id": "cs_live_1",
    "object": "checkout.session",
    "client_reference_id": "ORD-1714550400000-01HX",
    "amount_total": 2650,
    "currency": "aud",
    "payment_status": "paid",
    "status": "complete",
    "customer_details": {"email": "buyer@example.com"},
    "payment_intent": "pi_1",
    "metadata": {"orderNumber": "ignored-when-reference-present"}
  }}
}`

func TestVerifyWebhookSignatureAndParse(t *testing.T) {
	body, header := signedPayload(t, completedSessionEvent)

	event, err := VerifyWebhookSignature(body, header, testWebhookSecret)
	if err != nil {
		t.Fatalf("VerifyWebhookSignature: %v", err)
	}
	if event.Type != EventCheckoutSessionCompleted || event.ID != "evt_1" {
		t.Fatalf("unexpected event %#v", event)
	}

	session, err := ParseCompletedSessionEvent(event)
	if err != nil {
		t.Fatalf("ParseCompletedSessionEvent: %v", err)
	}
	if session.OrderNumber != "ORD-1714550400000-01HX" || session.SessionID != "cs_live_1" {
		t.Fatalf("unexpected session %#v", session)
	}
	if session.AmountPaid.StringFixed(2) != "26.50" || session.AmountMinor != 2650 || session.Currency != "AUD" {
		t.Fatalf("unexpected amount %s %d %s", session.AmountPaid, session.AmountMinor, session.Currency)
	}
	if !session.Paid() || session.PaymentIntentID != "pi_1" || session.CustomerEmail != "buyer@example.com" {
		t.Fatalf("unexpected payment fields %#v", session)
	}
}

func TestVerifyWebhookSignatureRejectsTampering(t *testing.T) {
	body, header := signedPayload(t, completedSessionEvent)
	tampered := append([]byte(nil), body...)
	tampered[len(tampered)-3] = ' '

	cases := map[string]struct {
		body   []byte
		header string
		secret string
	}{
		"tampered body":  {tampered, header, testWebhookSecret},
		"wrong secret":   {body, header, "whsec_other"},
		"missing header": {body, "", testWebhookSecret},
		"missing secret": {body, header, ""},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := VerifyWebhookSignature(tc.body, tc.header, tc.secret); !errors.Is(err, ErrSignatureInvalid) {
				t.Fatalf("expected signature error, got %v", err)
			}
		})
	}
}

func TestParseCompletedSessionEventFallsBackToMetadata(t *testing.T) {
	body, header := signedPayload(t, `{"id":"evt_2","object":"event","type":"checkout.session.async_payment_failed",
		"data":{"object":{"id":"cs_2","object":"checkout.session","amount_total":500,"currency":"jpy",
		"payment_status":"unpaid","metadata":{"orderNumber":"ORD-2"}}}}`)
	event, err := VerifyWebhookSignature(body, header, testWebhookSecret)
	if err != nil {
		t.Fatalf("VerifyWebhookSignature: %v", err)
	}
	session, err := ParseCompletedSessionEvent(event)
	if err != nil {
		t.Fatalf("ParseCompletedSessionEvent: %v", err)
	}
	if session.OrderNumber != "ORD-2" || session.Paid() {
		t.Fatalf("unexpected session %#v", session)
	}
	if session.AmountPaid.String() != "500" {
		t.Fatalf("expected zero-decimal currency amount 500, got %s", session.AmountPaid)
	}
}

func TestParseCompletedSessionEventRejectsOtherObjects(t *testing.T) {
	body, header := signedPayload(t, `{"id":"evt_3","object":"event","type":"charge.refunded","data":{"object":{"id":"ch_1"}}}`)
	event, err := VerifyWebhookSignature(body, header, testWebhookSecret)
	if err != nil {
		t.Fatalf("VerifyWebhookSignature: %v", err)
	}
	if _, err := ParseCompletedSessionEvent(event); !errors.Is(err, ErrUnsupportedEvent) {
		t.Fatalf("expected unsupported event, got %v", err)
	}
}
