package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// OrderStatus enumerates the fulfilment lifecycle of an order.
type OrderStatus string

const (
	OrderStatusCreated    OrderStatus = "CREATED"
	OrderStatusProcessing OrderStatus = "PROCESSING"
	OrderStatusCompleted  OrderStatus = "COMPLETED"
	OrderStatusCancelled  OrderStatus = "CANCELLED"
)

// IsTerminal reports whether no further status transitions are allowed.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCancelled
}

// PaymentStatus tracks the payment axis of an order independently of its fulfilment status.
type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "PENDING"
	PaymentStatusPaid    PaymentStatus = "PAID"
	PaymentStatusFailed  PaymentStatus = "FAILED"
)

// PaymentMethod identifies how the customer settles the order.
type PaymentMethod string

const (
	PaymentMethodStripe PaymentMethod = "stripe"
	PaymentMethodCOD    PaymentMethod = "cod"
)

// OrderUser is a weak reference to the customer that placed the order.
type OrderUser struct {
	ID    string
	Email string
}

// LineItem is a single cart entry. UnitPrice is expressed in major currency units.
type LineItem struct {
	Name      string
	UnitPrice decimal.Decimal
	Quantity  int
	Image     string
}

// Amounts holds the server-derived monetary breakdown of an order.
type Amounts struct {
	Subtotal decimal.Decimal
	Shipping decimal.Decimal
	Tax      decimal.Decimal
	Total    decimal.Decimal
	Currency string
}

// Order is the persisted cart/order aggregate keyed by OrderNumber.
type Order struct {
	OrderNumber       string
	Status            OrderStatus
	PaymentStatus     PaymentStatus
	PaymentMethod     PaymentMethod
	User              *OrderUser
	Items             []LineItem
	Amounts           Amounts
	GrandTotal        *decimal.Decimal
	CheckoutSessionID string
	PaymentIntentID   string
	FailureReason     string
	Meta              map[string]any
	CreatedAt         time.Time
	UpdatedAt         time.Time
	CompletedAt       *time.Time
	CancelledAt       *time.Time
	PaymentUpdatedAt  *time.Time
}

// IsSettled reports whether the payment confirmation has already been applied.
func (o Order) IsSettled() bool {
	return o.PaymentStatus == PaymentStatusPaid || o.Status == OrderStatusCompleted
}

// OwnedBy reports whether the order references the supplied user id.
func (o Order) OwnedBy(uid string) bool {
	return o.User != nil && uid != "" && o.User.ID == uid
}

// UserRole enumerates the roles persisted on user profiles.
type UserRole string

const (
	UserRoleBuyer UserRole = "buyer"
	UserRoleAdmin UserRole = "admin"
)

// User is the identity-linked profile stored in the users collection.
type User struct {
	UID       string
	Email     string
	Name      string
	Picture   string
	Role      UserRole
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Health statuses reported by readiness checks.
const (
	HealthStatusOK       = "ok"
	HealthStatusDegraded = "degraded"
	HealthStatusError    = "error"
)

// SystemHealthCheck is the outcome of probing one dependency.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency checks with build metadata.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}
