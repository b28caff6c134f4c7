package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	domain "github.com/storefront-app/api/internal/domain"
	"github.com/storefront-app/api/internal/repositories"
)

const (
	defaultAnalyticsDays    = 30
	maxAnalyticsDays        = 366
	maxCompletionTimeSample = 5000
	analyticsDateLayout     = "2006-01-02"
)

var (
	// ErrAnalyticsInvalidInput indicates an unusable date range or window.
	ErrAnalyticsInvalidInput = errors.New("analytics: invalid input")
	// ErrAnalyticsUnavailable indicates the aggregation queries failed.
	ErrAnalyticsUnavailable = errors.New("analytics: unavailable")
)

// AnalyticsServiceDeps wires the aggregation sources. Location sets the day and month boundaries
// used for "today" and per-date buckets.
type AnalyticsServiceDeps struct {
	Orders   repositories.OrderAnalyticsRepository
	Users    repositories.UserRepository
	Clock    func() time.Time
	Location *time.Location
	Currency string
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type analyticsService struct {
	orders   repositories.OrderAnalyticsRepository
	users    repositories.UserRepository
	clock    func() time.Time
	location *time.Location
	currency string
	logger   func(ctx context.Context, event string, fields map[string]any)
}

var _ AnalyticsService = (*analyticsService)(nil)

// NewAnalyticsService constructs an AnalyticsService.
func NewAnalyticsService(deps AnalyticsServiceDeps) (AnalyticsService, error) {
	if deps.Orders == nil {
		return nil, errors.New("analytics service: order analytics repository is required")
	}
	if deps.Users == nil {
		return nil, errors.New("analytics service: user repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	location := deps.Location
	if location == nil {
		location = time.UTC
	}
	currency, err := domain.NormalizeCurrency(deps.Currency)
	if err != nil {
		return nil, fmt.Errorf("analytics service: %w", err)
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &analyticsService{
		orders:   deps.Orders,
		users:    deps.Users,
		clock:    clock,
		location: location,
		currency: currency,
		logger:   logger,
	}, nil
}

func (s *analyticsService) Overview(ctx context.Context) (AnalyticsOverview, error) {
	now := s.clock().In(s.location)
	startOfToday := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.location)
	startOfMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, s.location)

	var (
		users                     int64
		completed, pending        repositories.OrderAggregate
		completedToday, thisMonth repositories.OrderAggregate
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		users, err = s.users.Count(gctx)
		return err
	})
	g.Go(func() (err error) {
		completed, err = s.orders.Aggregate(gctx, repositories.OrderAggregateQuery{Status: domain.OrderStatusCompleted})
		return err
	})
	g.Go(func() (err error) {
		pending, err = s.orders.Aggregate(gctx, repositories.OrderAggregateQuery{Status: domain.OrderStatusCreated})
		return err
	})
	g.Go(func() (err error) {
		completedToday, err = s.orders.Aggregate(gctx, repositories.OrderAggregateQuery{Status: domain.OrderStatusCompleted, CompletedFrom: &startOfToday})
		return err
	})
	g.Go(func() (err error) {
		thisMonth, err = s.orders.Aggregate(gctx, repositories.OrderAggregateQuery{Status: domain.OrderStatusCompleted, CompletedFrom: &startOfMonth})
		return err
	})
	if err := g.Wait(); err != nil {
		return AnalyticsOverview{}, s.unavailable(ctx, "analytics.overview.failed", err)
	}

	return AnalyticsOverview{
		TotalUsers:       users,
		OrdersCompleted:  completed.Count,
		OrdersPending:    pending.Count,
		TotalRevenue:     s.revenue(completed),
		RevenueToday:     s.revenue(completedToday),
		RevenueThisMonth: s.revenue(thisMonth),
		Currency:         s.currency,
	}, nil
}

// Range sums completed orders whose completedAt falls within [start, end]. Either bound may be zero.
func (s *analyticsService) Range(ctx context.Context, start, end time.Time) (AnalyticsRange, error) {
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		return AnalyticsRange{}, fmt.Errorf("%w: endDate is before startDate", ErrAnalyticsInvalidInput)
	}
	query := repositories.OrderAggregateQuery{Status: domain.OrderStatusCompleted}
	if !start.IsZero() {
		from := start.UTC()
		query.CompletedFrom = &from
	}
	if !end.IsZero() {
		to := end.UTC()
		query.CompletedTo = &to
	}
	agg, err := s.orders.Aggregate(ctx, query)
	if err != nil {
		return AnalyticsRange{}, s.unavailable(ctx, "analytics.range.failed", err)
	}
	return AnalyticsRange{
		OrderCount: agg.Count,
		Revenue:    s.revenue(agg),
		Currency:   s.currency,
		StartDate:  start,
		EndDate:    end,
	}, nil
}

// Orders counts orders per status and completed orders per day over the trailing window.
func (s *analyticsService) Orders(ctx context.Context, days int) (OrdersAnalytics, error) {
	switch {
	case days == 0:
		days = defaultAnalyticsDays
	case days < 0 || days > maxAnalyticsDays:
		return OrdersAnalytics{}, fmt.Errorf("%w: days must be between 1 and %d", ErrAnalyticsInvalidInput, maxAnalyticsDays)
	}

	statuses := []domain.OrderStatus{
		domain.OrderStatusCreated,
		domain.OrderStatusProcessing,
		domain.OrderStatusCompleted,
		domain.OrderStatusCancelled,
	}
	counts := make([]int64, len(statuses))
	var completions []time.Time

	now := s.clock().In(s.location)
	from := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.location).AddDate(0, 0, -(days - 1))

	g, gctx := errgroup.WithContext(ctx)
	for i, status := range statuses {
		g.Go(func() error {
			agg, err := s.orders.Aggregate(gctx, repositories.OrderAggregateQuery{Status: status})
			counts[i] = agg.Count
			return err
		})
	}
	g.Go(func() (err error) {
		completions, err = s.orders.CompletionTimes(gctx, from.UTC(), now.UTC().Add(time.Nanosecond), maxCompletionTimeSample)
		return err
	})
	if err := g.Wait(); err != nil {
		return OrdersAnalytics{}, s.unavailable(ctx, "analytics.orders.failed", err)
	}
	if len(completions) == maxCompletionTimeSample {
		s.logger(ctx, "analytics.orders.truncated", map[string]any{"days": days, "limit": maxCompletionTimeSample})
	}

	result := OrdersAnalytics{
		StatusCounts: make(map[domain.OrderStatus]int64, len(statuses)),
		OrdersByDate: make(map[string]int64),
	}
	for i, status := range statuses {
		result.StatusCounts[status] = counts[i]
	}
	for _, completedAt := range completions {
		result.OrdersByDate[completedAt.In(s.location).Format(analyticsDateLayout)]++
	}
	return result, nil
}

func (s *analyticsService) revenue(agg repositories.OrderAggregate) decimal.Decimal {
	return domain.FromMinorUnits(agg.GrandTotalMinor, s.currency)
}

func (s *analyticsService) unavailable(ctx context.Context, event string, err error) error {
	s.logger(ctx, event, map[string]any{"error": err.Error()})
	return fmt.Errorf("%w: %v", ErrAnalyticsUnavailable, err)
}
