package repositories

import (
	"context"
	"time"

	domain "github.com/storefront-app/api/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	// IsInvalid reports the store rejected the document shape or a query argument.
	IsInvalid() bool
	IsConflict() bool
	IsUnavailable() bool
}

// OrderMutation edits the order read inside a transaction. Returning false leaves the stored
// document untouched.
type OrderMutation func(order *domain.Order) (bool, error)

// OrderRepository persists orders keyed by order number.
type OrderRepository interface {
	// Insert creates the order only if its number is unused; a collision is a conflict error.
	Insert(ctx context.Context, order domain.Order) error
	FindByNumber(ctx context.Context, orderNumber string) (domain.Order, error)
	// FindActiveByUser returns the most recent PENDING order for uid.
	FindActiveByUser(ctx context.Context, uid string) (domain.Order, bool, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
	// Update runs mutate inside a transaction and reports whether the document was written.
	Update(ctx context.Context, orderNumber string, mutate OrderMutation) (domain.Order, bool, error)
}

// OrderListFilter narrows order listings. Results are ordered newest first.
type OrderListFilter struct {
	UserID     string
	Status     domain.OrderStatus
	Pagination domain.Pagination
}

// OrderAggregateQuery selects the orders summed by OrderAnalyticsRepository.Aggregate.
type OrderAggregateQuery struct {
	Status        domain.OrderStatus
	CompletedFrom *time.Time
	CompletedTo   *time.Time
}

// OrderAggregate is a server-side count and grand total sum in minor units.
type OrderAggregate struct {
	Count           int64
	GrandTotalMinor int64
}

// OrderAnalyticsRepository exposes aggregation queries over orders.
type OrderAnalyticsRepository interface {
	Aggregate(ctx context.Context, query OrderAggregateQuery) (OrderAggregate, error)
	// CompletionTimes returns completedAt for completed orders in [from, to), newest first.
	CompletionTimes(ctx context.Context, from, to time.Time, limit int) ([]time.Time, error)
}

// UserRepository persists user profiles keyed by uid.
type UserRepository interface {
	FindByID(ctx context.Context, uid string) (domain.User, error)
	// Upsert creates the profile when absent. An existing profile keeps its name, role and
	// createdAt; only email, picture and updatedAt change. created reports which path ran.
	Upsert(ctx context.Context, user domain.User) (stored domain.User, created bool, err error)
	Count(ctx context.Context) (int64, error)
}

// HealthRepository reports on backing dependency health for readiness checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
