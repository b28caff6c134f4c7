package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/storefront-app/api/internal/domain"
	"github.com/storefront-app/api/internal/platform/pagination"
	"github.com/storefront-app/api/internal/platform/textutil"
	"github.com/storefront-app/api/internal/repositories"
)

const (
	orderEventCreated       = "order.created"
	orderEventPaid          = "order.paid"
	orderEventPaymentFailed = "order.payment_failed"
	orderEventStatusChanged = "order.status_changed"

	orderNumberPrefix    = "ORD"
	codOrderNumberPrefix = "COD"
	orderNumberAttempts  = 3
	orderNumberRandomLen = 8

	maxItemNameLength = 200
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidState indicates a transition the state machine does not allow.
	ErrOrderInvalidState = errors.New("order: invalid status transition")
	// ErrOrderConflict indicates transaction contention or a duplicate order number.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderUnavailable indicates the order store could not be reached; callers may retry.
	ErrOrderUnavailable = errors.New("order: store unavailable")
)

var orderStatusTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusCreated:    {domain.OrderStatusProcessing, domain.OrderStatusCompleted, domain.OrderStatusCancelled},
	domain.OrderStatusProcessing: {domain.OrderStatusCompleted, domain.OrderStatusCancelled},
}

var paymentStatusTransitions = map[domain.PaymentStatus][]domain.PaymentStatus{
	domain.PaymentStatusPending: {domain.PaymentStatusPaid, domain.PaymentStatusFailed},
	domain.PaymentStatusFailed:  {domain.PaymentStatusPaid},
}

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent describes an applied order transition.
type OrderEvent struct {
	ID                    string
	Type                  string
	OrderNumber           string
	PreviousStatus        string
	CurrentStatus         string
	PreviousPaymentStatus string
	CurrentPaymentStatus  string
	ActorID               string
	OccurredAt            time.Time
	Metadata              map[string]any
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders      repositories.OrderRepository
	Clock       func() time.Time
	IDGenerator func() string
	Events      OrderEventPublisher
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders repositories.OrderRepository
	clock  func() time.Time
	newID  func() string
	events OrderEventPublisher
	logger func(context.Context, string, map[string]any)
}

var _ OrderService = (*orderService)(nil)

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		orders: deps.Orders,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		events: deps.Events,
		logger: logger,
	}, nil
}

func (s *orderService) Create(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	return s.create(ctx, cmd, orderNumberPrefix, domain.PaymentMethodStripe, domain.OrderStatusCreated)
}

func (s *orderService) CreateCashOnDelivery(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	return s.create(ctx, cmd, codOrderNumberPrefix, domain.PaymentMethodCOD, domain.OrderStatusProcessing)
}

func (s *orderService) create(ctx context.Context, cmd CreateOrderCommand, prefix string, method domain.PaymentMethod, status domain.OrderStatus) (Order, error) {
	items := sanitizeLineItems(cmd.Items)
	amounts, err := domain.ComputeAmounts(items, cmd.Shipping, cmd.Tax, cmd.Currency)
	if err != nil {
		return Order{}, fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
	}
	if err := validateOrderMeta(cmd.Meta, false); err != nil {
		return Order{}, fmt.Errorf("%w: meta%v", ErrOrderInvalidInput, err)
	}
	if cmd.ClientTotal != nil && !cmd.ClientTotal.Round(domain.CurrencyScale(amounts.Currency)).Equal(amounts.Total) {
		s.logger(ctx, "order.create.client_total_mismatch", map[string]any{
			"clientTotal": cmd.ClientTotal.String(),
			"serverTotal": amounts.Total.String(),
			"currency":    amounts.Currency,
		})
	}

	now := s.now()
	order := Order{
		Status:        status,
		PaymentStatus: domain.PaymentStatusPending,
		PaymentMethod: method,
		User:          cloneOrderUser(cmd.User),
		Items:         items,
		Amounts:       amounts,
		Meta:          maps.Clone(cmd.Meta),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	for attempt := 1; ; attempt++ {
		order.OrderNumber = s.nextOrderNumber(prefix, now)
		err = s.orders.Insert(ctx, order)
		if err == nil {
			break
		}
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsConflict() && attempt < orderNumberAttempts {
			s.logger(ctx, "order.create.number_collision", map[string]any{"orderNumber": order.OrderNumber, "attempt": attempt})
			continue
		}
		s.logger(ctx, "order.create.failed", map[string]any{"orderNumber": order.OrderNumber, "error": err.Error()})
		return Order{}, s.mapRepositoryError(err)
	}

	s.logger(ctx, "order.created", map[string]any{
		"orderNumber":   order.OrderNumber,
		"paymentMethod": string(method),
		"total":         amounts.Total.String(),
		"currency":      amounts.Currency,
	})
	s.publishEvent(ctx, OrderEvent{
		Type:                 orderEventCreated,
		OrderNumber:          order.OrderNumber,
		CurrentStatus:        string(order.Status),
		CurrentPaymentStatus: string(order.PaymentStatus),
		ActorID:              orderUserID(order.User),
		OccurredAt:           now,
		Metadata:             map[string]any{"paymentMethod": string(method), "total": amounts.Total.String(), "currency": amounts.Currency},
	})
	return order, nil
}

func (s *orderService) MarkPaid(ctx context.Context, cmd MarkPaidCommand) (Order, bool, error) {
	orderNumber := strings.TrimSpace(cmd.OrderNumber)
	if orderNumber == "" {
		return Order{}, false, fmt.Errorf("%w: order number is required", ErrOrderInvalidInput)
	}
	if cmd.ConfirmedTotal != nil && cmd.ConfirmedTotal.IsNegative() {
		return Order{}, false, fmt.Errorf("%w: confirmed total must be non-negative", ErrOrderInvalidInput)
	}

	var previous Order
	updated, applied, err := s.orders.Update(ctx, orderNumber, func(order *Order) (bool, error) {
		previous = *order
		if order.IsSettled() {
			return false, nil
		}
		if order.Status == domain.OrderStatusCancelled {
			return false, fmt.Errorf("%w: order %s is cancelled", ErrOrderInvalidState, orderNumber)
		}
		now := s.now()
		total := order.Amounts.Total
		if cmd.ConfirmedTotal != nil {
			total = domain.RoundHalfUp(*cmd.ConfirmedTotal, domain.CurrencyScale(order.Amounts.Currency))
			if _, err := domain.MinorUnits(total, order.Amounts.Currency); err != nil {
				return false, fmt.Errorf("%w: confirmed total: %v", ErrOrderInvalidInput, err)
			}
		}
		order.Status = domain.OrderStatusCompleted
		order.PaymentStatus = domain.PaymentStatusPaid
		order.GrandTotal = &total
		order.FailureReason = ""
		if order.CompletedAt == nil {
			order.CompletedAt = &now
		}
		order.PaymentUpdatedAt = &now
		order.UpdatedAt = now
		if id := strings.TrimSpace(cmd.SessionID); id != "" {
			order.CheckoutSessionID = id
		}
		if id := strings.TrimSpace(cmd.PaymentIntentID); id != "" {
			order.PaymentIntentID = id
		}
		return true, nil
	})
	if err != nil {
		s.logger(ctx, "order.mark_paid.failed", map[string]any{"orderNumber": orderNumber, "source": cmd.Source, "error": err.Error()})
		return Order{}, false, s.mapRepositoryError(err)
	}
	if !applied {
		s.logger(ctx, "order.mark_paid.noop", map[string]any{"orderNumber": orderNumber, "source": cmd.Source})
		return updated, false, nil
	}

	if updated.GrandTotal != nil && !updated.GrandTotal.Equal(updated.Amounts.Total) {
		s.logger(ctx, "order.mark_paid.amount_mismatch", map[string]any{
			"orderNumber": orderNumber,
			"confirmed":   updated.GrandTotal.String(),
			"expected":    updated.Amounts.Total.String(),
		})
	}
	s.logger(ctx, "order.mark_paid.applied", map[string]any{"orderNumber": orderNumber, "source": cmd.Source})
	s.publishEvent(ctx, OrderEvent{
		Type:                  orderEventPaid,
		OrderNumber:           orderNumber,
		PreviousStatus:        string(previous.Status),
		CurrentStatus:         string(updated.Status),
		PreviousPaymentStatus: string(previous.PaymentStatus),
		CurrentPaymentStatus:  string(updated.PaymentStatus),
		ActorID:               cmd.ActorID,
		OccurredAt:            updated.UpdatedAt,
		Metadata:              map[string]any{"source": cmd.Source, "grandTotal": updated.GrandTotal.String(), "currency": updated.Amounts.Currency},
	})
	return updated, true, nil
}

func (s *orderService) MarkPaymentFailed(ctx context.Context, orderNumber, reason string) (Order, bool, error) {
	orderNumber = strings.TrimSpace(orderNumber)
	if orderNumber == "" {
		return Order{}, false, fmt.Errorf("%w: order number is required", ErrOrderInvalidInput)
	}
	reason = textutil.Truncate(textutil.StripMarkup(reason), 500)

	updated, applied, err := s.orders.Update(ctx, orderNumber, func(order *Order) (bool, error) {
		if order.PaymentStatus != domain.PaymentStatusPending || order.Status.IsTerminal() {
			return false, nil
		}
		now := s.now()
		order.PaymentStatus = domain.PaymentStatusFailed
		order.FailureReason = reason
		order.PaymentUpdatedAt = &now
		order.UpdatedAt = now
		return true, nil
	})
	if err != nil {
		s.logger(ctx, "order.payment_failed.failed", map[string]any{"orderNumber": orderNumber, "error": err.Error()})
		return Order{}, false, s.mapRepositoryError(err)
	}
	if !applied {
		return updated, false, nil
	}
	s.logger(ctx, "order.payment_failed.applied", map[string]any{"orderNumber": orderNumber})
	s.publishEvent(ctx, OrderEvent{
		Type:                  orderEventPaymentFailed,
		OrderNumber:           orderNumber,
		PreviousStatus:        string(updated.Status),
		CurrentStatus:         string(updated.Status),
		PreviousPaymentStatus: string(domain.PaymentStatusPending),
		CurrentPaymentStatus:  string(updated.PaymentStatus),
		OccurredAt:            updated.UpdatedAt,
		Metadata:              map[string]any{"reason": reason},
	})
	return updated, true, nil
}

func (s *orderService) LookupActiveCart(ctx context.Context, uid string) (Order, bool, error) {
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return Order{}, false, fmt.Errorf("%w: uid is required", ErrOrderInvalidInput)
	}
	order, ok, err := s.orders.FindActiveByUser(ctx, uid)
	if err != nil {
		return Order{}, false, s.mapRepositoryError(err)
	}
	return order, ok, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderNumber string) (Order, error) {
	orderNumber = strings.TrimSpace(orderNumber)
	if orderNumber == "" {
		return Order{}, fmt.Errorf("%w: order number is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByNumber(ctx, orderNumber)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

func (s *orderService) ListUserOrders(ctx context.Context, uid string, page domain.Pagination) (domain.CursorPage[Order], error) {
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return domain.CursorPage[Order]{}, fmt.Errorf("%w: uid is required", ErrOrderInvalidInput)
	}
	return s.list(ctx, repositories.OrderListFilter{UserID: uid, Pagination: page})
}

func (s *orderService) ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error) {
	if filter.Status != "" && !isKnownOrderStatus(filter.Status) {
		return domain.CursorPage[Order]{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, filter.Status)
	}
	return s.list(ctx, repositories.OrderListFilter{Status: filter.Status, Pagination: filter.Pagination})
}

func (s *orderService) list(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[Order], error) {
	page, err := s.orders.List(ctx, filter)
	if err != nil {
		if errors.Is(err, pagination.ErrInvalidPageToken) {
			return domain.CursorPage[Order]{}, fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
		}
		return domain.CursorPage[Order]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *orderService) UpdateStatus(ctx context.Context, cmd UpdateOrderStatusCommand) (Order, bool, error) {
	orderNumber := strings.TrimSpace(cmd.OrderNumber)
	if orderNumber == "" {
		return Order{}, false, fmt.Errorf("%w: order number is required", ErrOrderInvalidInput)
	}
	if cmd.Status == nil && cmd.PaymentStatus == nil {
		return Order{}, false, fmt.Errorf("%w: status or paymentStatus is required", ErrOrderInvalidInput)
	}
	if cmd.Status != nil && !isKnownOrderStatus(*cmd.Status) {
		return Order{}, false, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, *cmd.Status)
	}
	if cmd.PaymentStatus != nil && !isKnownPaymentStatus(*cmd.PaymentStatus) {
		return Order{}, false, fmt.Errorf("%w: unknown paymentStatus %q", ErrOrderInvalidInput, *cmd.PaymentStatus)
	}

	var previous Order
	updated, applied, err := s.orders.Update(ctx, orderNumber, func(order *Order) (bool, error) {
		previous = *order
		return s.applyStatusChange(order, cmd)
	})
	if err != nil {
		s.logger(ctx, "order.status.update_failed", map[string]any{"orderNumber": orderNumber, "actor": cmd.ActorID, "error": err.Error()})
		return Order{}, false, s.mapRepositoryError(err)
	}
	if !applied {
		return updated, false, nil
	}

	s.logger(ctx, "order.status.updated", map[string]any{
		"orderNumber":   orderNumber,
		"actor":         cmd.ActorID,
		"status":        string(updated.Status),
		"paymentStatus": string(updated.PaymentStatus),
	})
	s.publishEvent(ctx, OrderEvent{
		Type:                  orderEventStatusChanged,
		OrderNumber:           orderNumber,
		PreviousStatus:        string(previous.Status),
		CurrentStatus:         string(updated.Status),
		PreviousPaymentStatus: string(previous.PaymentStatus),
		CurrentPaymentStatus:  string(updated.PaymentStatus),
		ActorID:               cmd.ActorID,
		OccurredAt:            updated.UpdatedAt,
	})
	return updated, true, nil
}

// applyStatusChange validates both axes against the transition tables before touching order.
func (s *orderService) applyStatusChange(order *Order, cmd UpdateOrderStatusCommand) (bool, error) {
	nextStatus := order.Status
	if cmd.Status != nil && *cmd.Status != order.Status {
		if !allowedTransition(orderStatusTransitions, order.Status, *cmd.Status) {
			return false, fmt.Errorf("%w: %s -> %s", ErrOrderInvalidState, order.Status, *cmd.Status)
		}
		nextStatus = *cmd.Status
	}
	nextPayment := order.PaymentStatus
	if cmd.PaymentStatus != nil && *cmd.PaymentStatus != order.PaymentStatus {
		if order.Status.IsTerminal() {
			return false, fmt.Errorf("%w: order %s is %s", ErrOrderInvalidState, order.OrderNumber, order.Status)
		}
		if !allowedTransition(paymentStatusTransitions, order.PaymentStatus, *cmd.PaymentStatus) {
			return false, fmt.Errorf("%w: payment %s -> %s", ErrOrderInvalidState, order.PaymentStatus, *cmd.PaymentStatus)
		}
		nextPayment = *cmd.PaymentStatus
	}
	if nextStatus == domain.OrderStatusCompleted && nextPayment != domain.PaymentStatusPaid {
		return false, fmt.Errorf("%w: COMPLETED requires paymentStatus PAID", ErrOrderInvalidState)
	}
	if nextStatus == order.Status && nextPayment == order.PaymentStatus {
		return false, nil
	}

	now := s.now()
	if nextPayment != order.PaymentStatus {
		order.PaymentStatus = nextPayment
		order.PaymentUpdatedAt = &now
		if nextPayment == domain.PaymentStatusPaid {
			order.FailureReason = ""
		}
	}
	if nextStatus != order.Status {
		order.Status = nextStatus
		switch nextStatus {
		case domain.OrderStatusCompleted:
			if order.CompletedAt == nil {
				order.CompletedAt = &now
			}
			if order.GrandTotal == nil {
				total := order.Amounts.Total
				order.GrandTotal = &total
			}
		case domain.OrderStatusCancelled:
			if order.CancelledAt == nil {
				order.CancelledAt = &now
			}
		}
	}
	order.UpdatedAt = now
	return true, nil
}

func (s *orderService) AttachPaymentReference(ctx context.Context, orderNumber string, ref PaymentReference) (Order, error) {
	orderNumber = strings.TrimSpace(orderNumber)
	if orderNumber == "" {
		return Order{}, fmt.Errorf("%w: order number is required", ErrOrderInvalidInput)
	}
	sessionID := strings.TrimSpace(ref.CheckoutSessionID)
	intentID := strings.TrimSpace(ref.PaymentIntentID)

	updated, _, err := s.orders.Update(ctx, orderNumber, func(order *Order) (bool, error) {
		changed := false
		if sessionID != "" && order.CheckoutSessionID != sessionID {
			order.CheckoutSessionID = sessionID
			changed = true
		}
		if intentID != "" && order.PaymentIntentID != intentID {
			order.PaymentIntentID = intentID
			changed = true
		}
		if changed {
			order.UpdatedAt = s.now()
		}
		return changed, nil
	})
	if err != nil {
		s.logger(ctx, "order.payment_reference.failed", map[string]any{"orderNumber": orderNumber, "error": err.Error()})
		return Order{}, s.mapRepositoryError(err)
	}
	return updated, nil
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range []error{ErrOrderInvalidInput, ErrOrderInvalidState, ErrOrderNotFound, ErrOrderConflict, ErrOrderUnavailable} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrOrderUnavailable, err)
	}
	if errors.Is(err, domain.ErrInvalidAmount) {
		return fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsInvalid():
			return fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrOrderUnavailable, err)
		}
	}
	return err
}

// validateOrderMeta rejects arrays nested directly inside arrays, which Firestore cannot store.
func validateOrderMeta(value any, inArray bool) error {
	switch v := value.(type) {
	case map[string]any:
		for key, child := range v {
			if err := validateOrderMeta(child, false); err != nil {
				return fmt.Errorf(".%s%v", key, err)
			}
		}
	case []any:
		if inArray {
			return errors.New(": arrays cannot contain arrays")
		}
		for i, child := range v {
			if err := validateOrderMeta(child, true); err != nil {
				return fmt.Errorf("[%d]%v", i, err)
			}
		}
	}
	return nil
}

func (s *orderService) now() time.Time {
	return s.clock()
}

// nextOrderNumber builds <prefix>-<unixMillis>-<random>, taking the random tail of a ULID.
func (s *orderService) nextOrderNumber(prefix string, now time.Time) string {
	random := strings.ToUpper(s.newID())
	if len(random) > orderNumberRandomLen {
		random = random[len(random)-orderNumberRandomLen:]
	}
	return fmt.Sprintf("%s-%d-%s", prefix, now.UnixMilli(), random)
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if event.ID == "" {
		event.ID = s.newID()
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":        event.Type,
			"orderNumber": event.OrderNumber,
			"error":       err.Error(),
		})
	}
}

func sanitizeLineItems(items []LineItem) []LineItem {
	out := make([]LineItem, 0, len(items))
	for _, item := range items {
		item.Name = textutil.Truncate(textutil.StripMarkup(item.Name), maxItemNameLength)
		item.Image = strings.TrimSpace(item.Image)
		out = append(out, item)
	}
	return out
}

func cloneOrderUser(user *domain.OrderUser) *domain.OrderUser {
	if user == nil || strings.TrimSpace(user.ID) == "" {
		return nil
	}
	return &domain.OrderUser{ID: strings.TrimSpace(user.ID), Email: strings.TrimSpace(user.Email)}
}

func orderUserID(user *domain.OrderUser) string {
	if user == nil {
		return ""
	}
	return user.ID
}

func allowedTransition[S comparable](table map[S][]S, from, to S) bool {
	for _, candidate := range table[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

func isKnownOrderStatus(status domain.OrderStatus) bool {
	switch status {
	case domain.OrderStatusCreated, domain.OrderStatusProcessing, domain.OrderStatusCompleted, domain.OrderStatusCancelled:
		return true
	}
	return false
}

func isKnownPaymentStatus(status domain.PaymentStatus) bool {
	switch status {
	case domain.PaymentStatusPending, domain.PaymentStatusPaid, domain.PaymentStatusFailed:
		return true
	}
	return false
}
