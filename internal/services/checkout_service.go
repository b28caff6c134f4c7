package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/storefront-app/api/internal/domain"
	"github.com/storefront-app/api/internal/payments"
)

const (
	checkoutSuccessPath = "/success?session_id={CHECKOUT_SESSION_ID}"
	checkoutCancelPath  = "/payment-method"

	paidSourceWebhook   = "stripe_webhook"
	paidSourceReconcile = "stripe_reconcile"
	webhookActorID      = "stripe"

	eventTypeReconcile = "reconcile"
)

var (
	// ErrCheckoutInvalidInput indicates the caller supplied invalid input parameters.
	ErrCheckoutInvalidInput = errors.New("checkout: invalid input")
	// ErrCheckoutSessionNotFound indicates the processor has no such checkout session.
	ErrCheckoutSessionNotFound = errors.New("checkout: session not found")
	// ErrCheckoutPaymentUnavailable indicates the payment processor could not be reached.
	ErrCheckoutPaymentUnavailable = errors.New("checkout: payment provider unavailable")
	// ErrCheckoutSignatureInvalid indicates a webhook payload failed verification.
	ErrCheckoutSignatureInvalid = errors.New("checkout: webhook signature invalid")
)

// CheckoutServiceDeps wires the dependencies required by the checkout service.
type CheckoutServiceDeps struct {
	Gateway       payments.Gateway
	Orders        OrderService
	ClientBaseURL string
	WebhookSecret string
	Clock         func() time.Time
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type checkoutService struct {
	gateway       payments.Gateway
	orders        OrderService
	successURL    string
	cancelURL     string
	webhookSecret string
	now           func() time.Time
	logger        func(ctx context.Context, event string, fields map[string]any)
}

var _ CheckoutService = (*checkoutService)(nil)

// NewCheckoutService constructs a CheckoutService validating required dependencies.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Gateway == nil {
		return nil, errors.New("checkout service: payment gateway is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("checkout service: order service is required")
	}
	base := strings.TrimRight(strings.TrimSpace(deps.ClientBaseURL), "/")
	if base == "" {
		return nil, errors.New("checkout service: client base url is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &checkoutService{
		gateway:       deps.Gateway,
		orders:        deps.Orders,
		successURL:    base + checkoutSuccessPath,
		cancelURL:     base + checkoutCancelPath,
		webhookSecret: strings.TrimSpace(deps.WebhookSecret),
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// CreateCheckoutSession creates the order when none is referenced, then opens a hosted checkout
// session priced from the stored server-side amounts.
func (s *checkoutService) CreateCheckoutSession(ctx context.Context, cmd CheckoutSessionCommand) (CheckoutSessionResult, error) {
	order, err := s.checkoutOrder(ctx, cmd)
	if err != nil {
		return CheckoutSessionResult{}, err
	}

	lineItems, err := buildCheckoutLineItems(order)
	if err != nil {
		return CheckoutSessionResult{}, fmt.Errorf("%w: %v", ErrCheckoutInvalidInput, err)
	}
	req := payments.CheckoutSessionRequest{
		OrderNumber:    order.OrderNumber,
		Currency:       order.Amounts.Currency,
		CustomerEmail:  firstNonEmpty(strings.TrimSpace(cmd.CustomerEmail), orderUserEmail(order.User)),
		SuccessURL:     s.successURL,
		CancelURL:      s.cancelURL,
		Items:          lineItems,
		Metadata:       amountsMetadata(order.OrderNumber, order.Amounts),
		IdempotencyKey: checkoutIdempotencyKey(cmd.IdempotencyKey, order),
	}
	session, err := s.gateway.CreateCheckoutSession(ctx, req)
	if err != nil {
		s.logger(ctx, "checkout.session.create_failed", map[string]any{"orderNumber": order.OrderNumber, "error": err.Error()})
		return CheckoutSessionResult{}, mapGatewayError(err)
	}

	if _, err := s.orders.AttachPaymentReference(ctx, order.OrderNumber, PaymentReference{
		CheckoutSessionID: session.ID,
		PaymentIntentID:   session.PaymentIntentID,
	}); err != nil {
		// The webhook resolves the order from client_reference_id, so the session stays usable.
		s.logger(ctx, "checkout.session.reference_failed", map[string]any{"orderNumber": order.OrderNumber, "sessionId": session.ID, "error": err.Error()})
	}

	s.logger(ctx, "checkout.session.created", map[string]any{
		"orderNumber": order.OrderNumber,
		"sessionId":   session.ID,
		"total":       order.Amounts.Total.String(),
		"currency":    order.Amounts.Currency,
	})
	return CheckoutSessionResult{
		SessionID:   session.ID,
		URL:         session.URL,
		OrderNumber: order.OrderNumber,
		Amounts:     order.Amounts,
	}, nil
}

func (s *checkoutService) checkoutOrder(ctx context.Context, cmd CheckoutSessionCommand) (Order, error) {
	orderNumber := strings.TrimSpace(cmd.OrderNumber)
	if orderNumber == "" {
		order, err := s.orders.Create(ctx, CreateOrderCommand{
			User:     cmd.User,
			Items:    cmd.Items,
			Shipping: cmd.Shipping,
			Tax:      cmd.Tax,
			Currency: cmd.Currency,
		})
		if err != nil {
			return Order{}, mapOrderInputError(err)
		}
		return order, nil
	}

	order, err := s.orders.GetOrder(ctx, orderNumber)
	if err != nil {
		return Order{}, err
	}
	if order.User != nil && (cmd.User == nil || cmd.User.ID != order.User.ID) {
		return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderNumber)
	}
	if order.IsSettled() || order.Status.IsTerminal() {
		return Order{}, fmt.Errorf("%w: order %s is %s/%s", ErrCheckoutInvalidInput, orderNumber, order.Status, order.PaymentStatus)
	}
	if order.PaymentMethod == domain.PaymentMethodCOD {
		return Order{}, fmt.Errorf("%w: order %s is cash on delivery", ErrCheckoutInvalidInput, orderNumber)
	}
	return order, nil
}

// GetCheckoutSession returns the session summary to the order owner, to admins, or to anyone
// when the order is anonymous.
func (s *checkoutService) GetCheckoutSession(ctx context.Context, cmd GetCheckoutSessionCommand) (CheckoutSessionSummary, error) {
	sessionID := strings.TrimSpace(cmd.SessionID)
	if sessionID == "" {
		return CheckoutSessionSummary{}, fmt.Errorf("%w: session id is required", ErrCheckoutInvalidInput)
	}
	details, err := s.gateway.RetrieveCheckoutSession(ctx, sessionID)
	if err != nil {
		return CheckoutSessionSummary{}, mapGatewayError(err)
	}

	if !cmd.IsAdmin && details.OrderNumber != "" {
		order, err := s.orders.GetOrder(ctx, details.OrderNumber)
		switch {
		case errors.Is(err, ErrOrderNotFound):
			return CheckoutSessionSummary{}, fmt.Errorf("%w: %s", ErrCheckoutSessionNotFound, sessionID)
		case err != nil:
			return CheckoutSessionSummary{}, err
		case order.User != nil && !order.OwnedBy(cmd.CallerUID):
			return CheckoutSessionSummary{}, fmt.Errorf("%w: %s", ErrCheckoutSessionNotFound, sessionID)
		}
	}

	summary := CheckoutSessionSummary{
		SessionID:       details.SessionID,
		OrderNumber:     details.OrderNumber,
		Status:          details.Status,
		PaymentStatus:   details.PaymentStatus,
		AmountTotal:     details.AmountPaid,
		Currency:        details.Currency,
		CustomerEmail:   details.CustomerEmail,
		PaymentIntentID: details.PaymentIntentID,
		LineItems:       make([]CheckoutSessionLine, 0, len(details.LineItems)),
	}
	for _, line := range details.LineItems {
		summary.LineItems = append(summary.LineItems, CheckoutSessionLine{
			Description: line.Description,
			Quantity:    line.Quantity,
			AmountTotal: line.AmountTotal,
		})
	}
	return summary, nil
}

// CreatePaymentIntent prices the cart on the server and creates, or re-prices, an embedded
// payment intent.
func (s *checkoutService) CreatePaymentIntent(ctx context.Context, cmd PaymentIntentCommand) (PaymentIntentResult, error) {
	amounts, err := domain.ComputeAmounts(sanitizeLineItems(cmd.Items), cmd.Shipping, cmd.Tax, cmd.Currency)
	if err != nil {
		return PaymentIntentResult{}, fmt.Errorf("%w: %v", ErrCheckoutInvalidInput, err)
	}

	orderNumber := strings.TrimSpace(cmd.OrderNumber)
	if orderNumber != "" {
		order, err := s.orders.GetOrder(ctx, orderNumber)
		if err != nil {
			return PaymentIntentResult{}, err
		}
		if order.IsSettled() || order.Status.IsTerminal() {
			return PaymentIntentResult{}, fmt.Errorf("%w: order %s is already settled", ErrCheckoutInvalidInput, orderNumber)
		}
		if !order.Amounts.Total.Equal(amounts.Total) || order.Amounts.Currency != amounts.Currency {
			return PaymentIntentResult{}, fmt.Errorf("%w: cart does not match order %s", ErrCheckoutInvalidInput, orderNumber)
		}
	}

	amount, err := domain.MinorUnits(amounts.Total, amounts.Currency)
	if err != nil {
		return PaymentIntentResult{}, fmt.Errorf("%w: %v", ErrCheckoutInvalidInput, err)
	}
	req := payments.PaymentIntentRequest{
		Amount:         amount,
		Currency:       amounts.Currency,
		ReceiptEmail:   strings.TrimSpace(cmd.CustomerEmail),
		Metadata:       amountsMetadata(orderNumber, amounts),
		IdempotencyKey: strings.TrimSpace(cmd.IdempotencyKey),
	}

	var intent payments.PaymentIntent
	if intentID := strings.TrimSpace(cmd.PaymentIntentID); intentID != "" {
		intent, err = s.gateway.UpdatePaymentIntent(ctx, intentID, req)
	} else {
		intent, err = s.gateway.CreatePaymentIntent(ctx, req)
	}
	if err != nil {
		s.logger(ctx, "checkout.intent.failed", map[string]any{"orderNumber": orderNumber, "error": err.Error()})
		return PaymentIntentResult{}, mapGatewayError(err)
	}

	if orderNumber != "" {
		if _, err := s.orders.AttachPaymentReference(ctx, orderNumber, PaymentReference{PaymentIntentID: intent.ID}); err != nil {
			s.logger(ctx, "checkout.intent.reference_failed", map[string]any{"orderNumber": orderNumber, "paymentIntentId": intent.ID, "error": err.Error()})
		}
	}

	currency := firstNonEmpty(intent.Currency, amounts.Currency)
	return PaymentIntentResult{
		ClientSecret:    intent.ClientSecret,
		PaymentIntentID: intent.ID,
		Amount:          domain.FromMinorUnits(intent.Amount, currency),
		AmountMinor:     intent.Amount,
		Currency:        currency,
	}, nil
}

// HandleWebhook verifies the payload before any order is touched and applies checkout session
// outcomes. Events that cannot be matched to an order are acknowledged and ignored.
func (s *checkoutService) HandleWebhook(ctx context.Context, payload []byte, signature string) (WebhookResult, error) {
	event, err := payments.VerifyWebhookSignature(payload, signature, s.webhookSecret)
	if err != nil {
		s.logger(ctx, "checkout.webhook.signature_invalid", map[string]any{"error": err.Error()})
		return WebhookResult{}, fmt.Errorf("%w: %w", ErrCheckoutSignatureInvalid, err)
	}

	result := WebhookResult{EventType: event.Type}
	switch event.Type {
	case payments.EventCheckoutSessionCompleted, payments.EventCheckoutSessionAsyncSucceeded, payments.EventCheckoutSessionAsyncFailed:
	default:
		s.logger(ctx, "checkout.webhook.ignored", map[string]any{"eventId": event.ID, "type": event.Type})
		result.Ignored = true
		return result, nil
	}

	details, err := payments.ParseCompletedSessionEvent(event)
	if err != nil {
		s.logger(ctx, "checkout.webhook.unparseable", map[string]any{"eventId": event.ID, "type": event.Type, "error": err.Error()})
		result.Ignored = true
		return result, nil
	}
	result.OrderNumber = details.OrderNumber
	if details.OrderNumber == "" {
		s.logger(ctx, "checkout.webhook.order_missing", map[string]any{"eventId": event.ID, "sessionId": details.SessionID})
		result.Ignored = true
		return result, nil
	}

	if event.Type == payments.EventCheckoutSessionAsyncFailed {
		_, applied, err := s.orders.MarkPaymentFailed(ctx, details.OrderNumber, "asynchronous payment failed")
		return s.settleResult(ctx, result, details, applied, err)
	}
	if !details.Paid() {
		// Delayed payment methods complete the session before funds arrive.
		s.logger(ctx, "checkout.webhook.awaiting_payment", map[string]any{"orderNumber": details.OrderNumber, "sessionId": details.SessionID})
		result.Ignored = true
		return result, nil
	}
	applied, err := s.markSessionPaid(ctx, details, paidSourceWebhook)
	return s.settleResult(ctx, result, details, applied, err)
}

// ReconcileSession reapplies a paid checkout session whose webhook was missed.
func (s *checkoutService) ReconcileSession(ctx context.Context, sessionID string) (WebhookResult, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return WebhookResult{}, fmt.Errorf("%w: session id is required", ErrCheckoutInvalidInput)
	}
	details, err := s.gateway.RetrieveCheckoutSession(ctx, sessionID)
	if err != nil {
		return WebhookResult{}, mapGatewayError(err)
	}
	result := WebhookResult{EventType: eventTypeReconcile, OrderNumber: details.OrderNumber}
	if details.OrderNumber == "" {
		return WebhookResult{}, fmt.Errorf("%w: session %s has no order reference", ErrCheckoutInvalidInput, sessionID)
	}
	if !details.Paid() {
		s.logger(ctx, "checkout.reconcile.unpaid", map[string]any{"orderNumber": details.OrderNumber, "sessionId": sessionID, "paymentStatus": details.PaymentStatus})
		result.Ignored = true
		return result, nil
	}
	applied, err := s.markSessionPaid(ctx, details, paidSourceReconcile)
	if err != nil {
		return WebhookResult{}, err
	}
	result.Applied = applied
	s.logger(ctx, "checkout.reconcile.completed", map[string]any{"orderNumber": details.OrderNumber, "sessionId": sessionID, "applied": applied})
	return result, nil
}

func (s *checkoutService) markSessionPaid(ctx context.Context, details payments.SessionDetails, source string) (bool, error) {
	amount := details.AmountPaid
	_, applied, err := s.orders.MarkPaid(ctx, MarkPaidCommand{
		OrderNumber:     details.OrderNumber,
		ConfirmedTotal:  &amount,
		Source:          source,
		SessionID:       details.SessionID,
		PaymentIntentID: details.PaymentIntentID,
		ActorID:         webhookActorID,
	})
	return applied, err
}

// settleResult acknowledges events for unknown or cancelled orders so the processor stops
// retrying them. Store failures propagate and trigger a redelivery.
func (s *checkoutService) settleResult(ctx context.Context, result WebhookResult, details payments.SessionDetails, applied bool, err error) (WebhookResult, error) {
	fields := map[string]any{"orderNumber": details.OrderNumber, "sessionId": details.SessionID, "type": result.EventType}
	switch {
	case err == nil:
		result.Applied = applied
		fields["applied"] = applied
		s.logger(ctx, "checkout.webhook.processed", fields)
		return result, nil
	case errors.Is(err, ErrOrderNotFound), errors.Is(err, ErrOrderInvalidState):
		fields["error"] = err.Error()
		s.logger(ctx, "checkout.webhook.unmatched", fields)
		result.Ignored = true
		return result, nil
	default:
		fields["error"] = err.Error()
		s.logger(ctx, "checkout.webhook.failed", fields)
		return WebhookResult{}, err
	}
}

// buildCheckoutLineItems lists each cart line plus shipping and tax. When per-line rounding
// would make the session total drift from the order total a single order line is charged.
func buildCheckoutLineItems(order Order) ([]payments.CheckoutLineItem, error) {
	currency := order.Amounts.Currency
	total, err := domain.MinorUnits(order.Amounts.Total, currency)
	if err != nil {
		return nil, err
	}
	items := make([]payments.CheckoutLineItem, 0, len(order.Items)+2)
	var sum int64
	for _, item := range order.Items {
		unit, err := domain.MinorUnits(item.UnitPrice, currency)
		if err != nil {
			return nil, err
		}
		items = append(items, payments.CheckoutLineItem{
			Name:       item.Name,
			Image:      item.Image,
			Quantity:   int64(item.Quantity),
			UnitAmount: unit,
		})
		sum += unit * int64(item.Quantity)
	}
	for _, extra := range []struct {
		name   string
		amount decimal.Decimal
	}{{"Shipping", order.Amounts.Shipping}, {"Tax", order.Amounts.Tax}} {
		if !extra.amount.IsPositive() {
			continue
		}
		minor, err := domain.MinorUnits(extra.amount, currency)
		if err != nil {
			return nil, err
		}
		items = append(items, payments.CheckoutLineItem{Name: extra.name, Quantity: 1, UnitAmount: minor})
		sum += minor
	}

	if sum == total {
		return items, nil
	}
	return []payments.CheckoutLineItem{{Name: "Order " + order.OrderNumber, Quantity: 1, UnitAmount: total}}, nil
}

func amountsMetadata(orderNumber string, amounts Amounts) map[string]string {
	meta := map[string]string{
		"subtotal": amounts.Subtotal.StringFixed(domain.CurrencyScale(amounts.Currency)),
		"shipping": amounts.Shipping.StringFixed(domain.CurrencyScale(amounts.Currency)),
		"tax":      amounts.Tax.StringFixed(domain.CurrencyScale(amounts.Currency)),
		"total":    amounts.Total.StringFixed(domain.CurrencyScale(amounts.Currency)),
		"currency": amounts.Currency,
	}
	if orderNumber != "" {
		meta["orderNumber"] = orderNumber
	}
	return meta
}

// checkoutIdempotencyKey prefers the client key and otherwise derives one from the order so a
// retried request reuses the same processor session.
func checkoutIdempotencyKey(clientKey string, order Order) string {
	if key := strings.TrimSpace(clientKey); key != "" {
		return key
	}
	scale := domain.CurrencyScale(order.Amounts.Currency)
	base := fmt.Sprintf("checkout|%s|%s|%s", order.OrderNumber, order.Amounts.Total.StringFixed(scale), order.Amounts.Currency)
	sum := sha256.Sum256([]byte(base))
	return hex.EncodeToString(sum[:])
}

func mapGatewayError(err error) error {
	switch {
	case errors.Is(err, payments.ErrSessionNotFound):
		return fmt.Errorf("%w: %v", ErrCheckoutSessionNotFound, err)
	case errors.Is(err, payments.ErrInvalidRequest):
		return fmt.Errorf("%w: %v", ErrCheckoutInvalidInput, err)
	default:
		return fmt.Errorf("%w: %v", ErrCheckoutPaymentUnavailable, err)
	}
}

func mapOrderInputError(err error) error {
	if errors.Is(err, ErrOrderInvalidInput) {
		return fmt.Errorf("%w: %v", ErrCheckoutInvalidInput, err)
	}
	return err
}

func orderUserEmail(user *domain.OrderUser) string {
	if user == nil {
		return ""
	}
	return user.Email
}
