package services

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/storefront-app/api/internal/domain"
)

// Domain aliases keep handler signatures readable.
type (
	Order              = domain.Order
	LineItem           = domain.LineItem
	Amounts            = domain.Amounts
	User               = domain.User
	SystemHealthReport = domain.SystemHealthReport
)

// OrderService owns the order lifecycle state machine. Every mutation of an existing order runs
// as a transactional read-modify-write and duplicate confirmations are absorbed as no-ops.
type OrderService interface {
	Create(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	CreateCashOnDelivery(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	MarkPaid(ctx context.Context, cmd MarkPaidCommand) (Order, bool, error)
	MarkPaymentFailed(ctx context.Context, orderNumber, reason string) (Order, bool, error)
	LookupActiveCart(ctx context.Context, uid string) (Order, bool, error)
	GetOrder(ctx context.Context, orderNumber string) (Order, error)
	ListUserOrders(ctx context.Context, uid string, page domain.Pagination) (domain.CursorPage[Order], error)
	ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error)
	UpdateStatus(ctx context.Context, cmd UpdateOrderStatusCommand) (Order, bool, error)
	AttachPaymentReference(ctx context.Context, orderNumber string, ref PaymentReference) (Order, error)
}

// CheckoutService bridges orders and the payment processor.
type CheckoutService interface {
	CreateCheckoutSession(ctx context.Context, cmd CheckoutSessionCommand) (CheckoutSessionResult, error)
	GetCheckoutSession(ctx context.Context, cmd GetCheckoutSessionCommand) (CheckoutSessionSummary, error)
	CreatePaymentIntent(ctx context.Context, cmd PaymentIntentCommand) (PaymentIntentResult, error)
	HandleWebhook(ctx context.Context, payload []byte, signature string) (WebhookResult, error)
	ReconcileSession(ctx context.Context, sessionID string) (WebhookResult, error)
}

// UserService links Firebase identities to stored profiles.
type UserService interface {
	GoogleLogin(ctx context.Context, idToken string) (LoginResult, error)
	SignUp(ctx context.Context, cmd SignUpCommand) (LoginResult, error)
	ResolveRole(ctx context.Context, uid string) (string, error)
}

// AnalyticsService produces admin reporting figures. Revenue only counts COMPLETED orders.
type AnalyticsService interface {
	Overview(ctx context.Context) (AnalyticsOverview, error)
	Range(ctx context.Context, start, end time.Time) (AnalyticsRange, error)
	Orders(ctx context.Context, days int) (OrdersAnalytics, error)
}

// SystemService exposes health and build metadata.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// CreateOrderCommand is the cart submission. ClientTotal is advisory and never persisted.
type CreateOrderCommand struct {
	User        *domain.OrderUser
	Items       []LineItem
	Shipping    decimal.Decimal
	Tax         decimal.Decimal
	Currency    string
	ClientTotal *decimal.Decimal
	Meta        map[string]any
}

// MarkPaidCommand confirms payment for an order. ConfirmedTotal defaults to the order total.
type MarkPaidCommand struct {
	OrderNumber     string
	ConfirmedTotal  *decimal.Decimal
	Source          string
	SessionID       string
	PaymentIntentID string
	ActorID         string
}

// UpdateOrderStatusCommand is an operator-driven transition on either axis.
type UpdateOrderStatusCommand struct {
	OrderNumber   string
	Status        *domain.OrderStatus
	PaymentStatus *domain.PaymentStatus
	ActorID       string
}

// PaymentReference records processor object ids on an order without changing its state.
type PaymentReference struct {
	CheckoutSessionID string
	PaymentIntentID   string
}

// OrderListFilter narrows admin order listings.
type OrderListFilter struct {
	Status     domain.OrderStatus
	Pagination domain.Pagination
}

// CheckoutSessionCommand starts hosted checkout for a new or existing order.
type CheckoutSessionCommand struct {
	OrderNumber    string
	User           *domain.OrderUser
	Items          []LineItem
	Shipping       decimal.Decimal
	Tax            decimal.Decimal
	Currency       string
	CustomerEmail  string
	IdempotencyKey string
}

// CheckoutSessionResult is returned to the browser for the redirect.
type CheckoutSessionResult struct {
	SessionID   string
	URL         string
	OrderNumber string
	Amounts     Amounts
}

// GetCheckoutSessionCommand identifies the session and the caller asking for it.
type GetCheckoutSessionCommand struct {
	SessionID string
	CallerUID string
	IsAdmin   bool
}

// CheckoutSessionSummary is the customer-facing view of a checkout session.
type CheckoutSessionSummary struct {
	SessionID       string
	OrderNumber     string
	Status          string
	PaymentStatus   string
	AmountTotal     decimal.Decimal
	Currency        string
	CustomerEmail   string
	PaymentIntentID string
	LineItems       []CheckoutSessionLine
}

// CheckoutSessionLine is one purchased line on a session summary.
type CheckoutSessionLine struct {
	Description string
	Quantity    int64
	AmountTotal decimal.Decimal
}

// PaymentIntentCommand creates or re-prices an embedded payment.
type PaymentIntentCommand struct {
	PaymentIntentID string
	OrderNumber     string
	Items           []LineItem
	Shipping        decimal.Decimal
	Tax             decimal.Decimal
	Currency        string
	CustomerEmail   string
	IdempotencyKey  string
}

// PaymentIntentResult carries the client secret needed by the browser SDK.
type PaymentIntentResult struct {
	ClientSecret    string
	PaymentIntentID string
	Amount          decimal.Decimal
	AmountMinor     int64
	Currency        string
}

// WebhookResult describes what a processor event did to the order store.
type WebhookResult struct {
	EventType   string
	OrderNumber string
	Applied     bool
	Ignored     bool
}

// LoginResult is the outcome of linking a Firebase identity to a profile.
type LoginResult struct {
	UID       string
	User      User
	IsNewUser bool
}

// SignUpCommand creates an account from an ID token or email and password.
type SignUpCommand struct {
	IDToken     string
	Email       string
	Password    string
	DisplayName string
}

// AnalyticsOverview is the admin dashboard summary.
type AnalyticsOverview struct {
	TotalUsers       int64
	OrdersCompleted  int64
	OrdersPending    int64
	TotalRevenue     decimal.Decimal
	RevenueToday     decimal.Decimal
	RevenueThisMonth decimal.Decimal
	Currency         string
}

// AnalyticsRange is revenue and order count for completed orders within a date range.
type AnalyticsRange struct {
	OrderCount int64
	Revenue    decimal.Decimal
	Currency   string
	StartDate  time.Time
	EndDate    time.Time
}

// OrdersAnalytics breaks orders down by status and by completion day.
type OrdersAnalytics struct {
	StatusCounts map[domain.OrderStatus]int64
	OrdersByDate map[string]int64
}
