package firestore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/storefront-app/api/internal/domain"
	pfirestore "github.com/storefront-app/api/internal/platform/firestore"
	"github.com/storefront-app/api/internal/repositories"
)

const defaultCompletionScanLimit = 5000

// OrderAnalyticsRepository answers admin reporting queries with Firestore aggregations so
// revenue totals never require loading every order.
type OrderAnalyticsRepository struct {
	base *pfirestore.BaseRepository[orderDocument]
}

var _ repositories.OrderAnalyticsRepository = (*OrderAnalyticsRepository)(nil)

// NewOrderAnalyticsRepository constructs the analytics repository over the carts collection.
func NewOrderAnalyticsRepository(provider *pfirestore.Provider) (*OrderAnalyticsRepository, error) {
	if provider == nil {
		return nil, errors.New("analytics repository requires firestore provider")
	}
	return &OrderAnalyticsRepository{base: pfirestore.NewBaseRepository[orderDocument](provider, orderCollection)}, nil
}

// Aggregate counts matching orders and sums grandTotalMinor.
func (r *OrderAnalyticsRepository) Aggregate(ctx context.Context, query repositories.OrderAggregateQuery) (repositories.OrderAggregate, error) {
	result, err := r.base.Aggregate(ctx, func(q firestore.Query) firestore.Query {
		if query.Status != "" {
			q = q.Where("status", "==", string(query.Status))
		}
		if query.CompletedFrom != nil {
			q = q.Where("completedAt", ">=", query.CompletedFrom.UTC())
		}
		if query.CompletedTo != nil {
			q = q.Where("completedAt", "<=", query.CompletedTo.UTC())
		}
		return q
	}, "grandTotalMinor")
	if err != nil {
		return repositories.OrderAggregate{}, err
	}
	return repositories.OrderAggregate{
		Count:           result.Count,
		GrandTotalMinor: int64(result.Sums["grandTotalMinor"]),
	}, nil
}

// CompletionTimes lists completedAt for completed orders in [from, to), newest first.
func (r *OrderAnalyticsRepository) CompletionTimes(ctx context.Context, from, to time.Time, limit int) ([]time.Time, error) {
	if limit <= 0 {
		limit = defaultCompletionScanLimit
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Select("completedAt").
			Where("status", "==", string(domain.OrderStatusCompleted)).
			Where("completedAt", ">=", from.UTC()).
			Where("completedAt", "<", to.UTC()).
			OrderBy("completedAt", firestore.Desc).
			Limit(limit)
	})
	if err != nil {
		return nil, err
	}
	times := make([]time.Time, 0, len(docs))
	for _, doc := range docs {
		if doc.Data.CompletedAt != nil {
			times = append(times, doc.Data.CompletedAt.UTC())
		}
	}
	return times, nil
}
