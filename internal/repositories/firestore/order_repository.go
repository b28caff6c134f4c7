package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/shopspring/decimal"

	domain "github.com/storefront-app/api/internal/domain"
	pfirestore "github.com/storefront-app/api/internal/platform/firestore"
	"github.com/storefront-app/api/internal/platform/pagination"
	"github.com/storefront-app/api/internal/repositories"
)

const orderCollection = "carts"

// OrderRepository persists orders (carts) keyed by order number.
type OrderRepository struct {
	base     *pfirestore.BaseRepository[orderDocument]
	provider *pfirestore.Provider
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		base:     pfirestore.NewBaseRepository[orderDocument](provider, orderCollection),
		provider: provider,
	}, nil
}

// Insert creates the order document. An existing document with the same number is a conflict.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if strings.TrimSpace(order.OrderNumber) == "" {
		return errors.New("order number is required")
	}
	doc, err := fromDomainOrder(order)
	if err != nil {
		return err
	}
	_, err = r.base.Create(ctx, order.OrderNumber, doc)
	return err
}

// FindByNumber loads an order by its number.
func (r *OrderRepository) FindByNumber(ctx context.Context, orderNumber string) (domain.Order, error) {
	doc, err := r.base.Get(ctx, strings.TrimSpace(orderNumber))
	if err != nil {
		return domain.Order{}, err
	}
	return toDomainOrder(doc), nil
}

// FindActiveByUser returns the newest unpaid order placed by uid.
func (r *OrderRepository) FindActiveByUser(ctx context.Context, uid string) (domain.Order, bool, error) {
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("user.id", "==", uid).
			Where("paymentStatus", "==", string(domain.PaymentStatusPending)).
			OrderBy("createdAt", firestore.Desc).
			Limit(1)
	})
	if err != nil {
		return domain.Order{}, false, err
	}
	if len(docs) == 0 {
		return domain.Order{}, false, nil
	}
	return toDomainOrder(docs[0]), true, nil
}

// List pages through orders newest first using a (createdAt, id) cursor.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = pagination.DefaultPageSize
	}
	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		if uid := strings.TrimSpace(filter.UserID); uid != "" {
			q = q.Where("user.id", "==", uid)
		}
		if filter.Status != "" {
			q = q.Where("status", "==", string(filter.Status))
		}
		q = q.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if !cursor.IsZero() {
			q = q.StartAfter(cursor.CreatedAt, cursor.ID)
		}
		return q.Limit(pageSize + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	page := domain.CursorPage[domain.Order]{Items: make([]domain.Order, 0, min(len(docs), pageSize))}
	for i, doc := range docs {
		if i == pageSize {
			last := page.Items[len(page.Items)-1]
			token, err := pagination.EncodeToken(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.OrderNumber})
			if err != nil {
				return domain.CursorPage[domain.Order]{}, err
			}
			page.NextPageToken = token
			break
		}
		page.Items = append(page.Items, toDomainOrder(doc))
	}
	return page, nil
}

// Update applies mutate to the stored order inside a transaction. The document is written only
// when mutate reports a change; a missing order surfaces as a not-found error.
func (r *OrderRepository) Update(ctx context.Context, orderNumber string, mutate repositories.OrderMutation) (domain.Order, bool, error) {
	if mutate == nil {
		return domain.Order{}, false, errors.New("order mutation is required")
	}
	var (
		result  domain.Order
		written bool
	)
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		written = false
		ref, err := r.base.DocumentRef(ctx, strings.TrimSpace(orderNumber))
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return pfirestore.WrapError(orderCollection+".update", err)
		}
		doc, err := pfirestore.Decode[orderDocument](snap)
		if err != nil {
			return err
		}
		order := toDomainOrder(doc)
		changed, err := mutate(&order)
		if err != nil {
			return err
		}
		result = order
		if !changed {
			return nil
		}
		updated, err := fromDomainOrder(order)
		if err != nil {
			return err
		}
		written = true
		return tx.Set(ref, updated)
	})
	if err != nil {
		return domain.Order{}, false, err
	}
	return result, written, nil
}

type orderDocument struct {
	OrderNumber       string              `firestore:"orderNumber"`
	Status            string              `firestore:"status"`
	PaymentStatus     string              `firestore:"paymentStatus"`
	PaymentMethod     string              `firestore:"paymentMethod"`
	User              *orderUserDocument  `firestore:"user,omitempty"`
	Items             []lineItemDocument  `firestore:"items"`
	Amounts           orderAmountDocument `firestore:"amounts"`
	GrandTotalMinor   *int64              `firestore:"grandTotalMinor,omitempty"`
	CheckoutSessionID string              `firestore:"checkoutSessionId,omitempty"`
	PaymentIntentID   string              `firestore:"paymentIntentId,omitempty"`
	FailureReason     string              `firestore:"failureReason,omitempty"`
	Meta              map[string]any      `firestore:"meta,omitempty"`
	CreatedAt         time.Time           `firestore:"createdAt"`
	UpdatedAt         time.Time           `firestore:"updatedAt"`
	CompletedAt       *time.Time          `firestore:"completedAt,omitempty"`
	CancelledAt       *time.Time          `firestore:"cancelledAt,omitempty"`
	PaymentUpdatedAt  *time.Time          `firestore:"paymentUpdatedAt,omitempty"`
}

type orderUserDocument struct {
	ID    string `firestore:"id"`
	Email string `firestore:"email,omitempty"`
}

// Unit prices are kept as decimal strings so sub-cent catalogue prices survive a round trip.
type lineItemDocument struct {
	Name      string `firestore:"name"`
	UnitPrice string `firestore:"unitPrice"`
	Quantity  int    `firestore:"quantity"`
	Image     string `firestore:"image,omitempty"`
}

type orderAmountDocument struct {
	SubtotalMinor int64  `firestore:"subtotalMinor"`
	ShippingMinor int64  `firestore:"shippingMinor"`
	TaxMinor      int64  `firestore:"taxMinor"`
	TotalMinor    int64  `firestore:"totalMinor"`
	Currency      string `firestore:"currency"`
}

func fromDomainOrder(order domain.Order) (orderDocument, error) {
	currency := order.Amounts.Currency
	if currency == "" {
		currency = domain.DefaultCurrency
	}
	var minor [4]int64
	for i, amount := range []decimal.Decimal{order.Amounts.Subtotal, order.Amounts.Shipping, order.Amounts.Tax, order.Amounts.Total} {
		value, err := domain.MinorUnits(amount, currency)
		if err != nil {
			return orderDocument{}, fmt.Errorf("order %s: %w", order.OrderNumber, err)
		}
		minor[i] = value
	}
	doc := orderDocument{
		OrderNumber:   order.OrderNumber,
		Status:        string(order.Status),
		PaymentStatus: string(order.PaymentStatus),
		PaymentMethod: string(order.PaymentMethod),
		Items:         make([]lineItemDocument, 0, len(order.Items)),
		Amounts: orderAmountDocument{
			SubtotalMinor: minor[0],
			ShippingMinor: minor[1],
			TaxMinor:      minor[2],
			TotalMinor:    minor[3],
			Currency:      currency,
		},
		CheckoutSessionID: order.CheckoutSessionID,
		PaymentIntentID:   order.PaymentIntentID,
		FailureReason:     order.FailureReason,
		Meta:              order.Meta,
		CreatedAt:         order.CreatedAt.UTC(),
		UpdatedAt:         order.UpdatedAt.UTC(),
		CompletedAt:       utcPtr(order.CompletedAt),
		CancelledAt:       utcPtr(order.CancelledAt),
		PaymentUpdatedAt:  utcPtr(order.PaymentUpdatedAt),
	}
	if order.User != nil {
		doc.User = &orderUserDocument{ID: order.User.ID, Email: order.User.Email}
	}
	for _, item := range order.Items {
		doc.Items = append(doc.Items, lineItemDocument{
			Name:      item.Name,
			UnitPrice: item.UnitPrice.String(),
			Quantity:  item.Quantity,
			Image:     item.Image,
		})
	}
	if order.GrandTotal != nil {
		total, err := domain.MinorUnits(*order.GrandTotal, currency)
		if err != nil {
			return orderDocument{}, fmt.Errorf("order %s grand total: %w", order.OrderNumber, err)
		}
		doc.GrandTotalMinor = &total
	}
	return doc, nil
}

func toDomainOrder(doc pfirestore.Document[orderDocument]) domain.Order {
	data := doc.Data
	currency := data.Amounts.Currency
	if currency == "" {
		currency = domain.DefaultCurrency
	}
	order := domain.Order{
		OrderNumber:   doc.ID,
		Status:        domain.OrderStatus(data.Status),
		PaymentStatus: domain.PaymentStatus(data.PaymentStatus),
		PaymentMethod: domain.PaymentMethod(data.PaymentMethod),
		Items:         make([]domain.LineItem, 0, len(data.Items)),
		Amounts: domain.Amounts{
			Subtotal: domain.FromMinorUnits(data.Amounts.SubtotalMinor, currency),
			Shipping: domain.FromMinorUnits(data.Amounts.ShippingMinor, currency),
			Tax:      domain.FromMinorUnits(data.Amounts.TaxMinor, currency),
			Total:    domain.FromMinorUnits(data.Amounts.TotalMinor, currency),
			Currency: currency,
		},
		CheckoutSessionID: data.CheckoutSessionID,
		PaymentIntentID:   data.PaymentIntentID,
		FailureReason:     data.FailureReason,
		Meta:              data.Meta,
		CreatedAt:         data.CreatedAt,
		UpdatedAt:         data.UpdatedAt,
		CompletedAt:       data.CompletedAt,
		CancelledAt:       data.CancelledAt,
		PaymentUpdatedAt:  data.PaymentUpdatedAt,
	}
	if order.PaymentMethod == "" {
		order.PaymentMethod = domain.PaymentMethodStripe
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = doc.CreateTime
	}
	if order.UpdatedAt.IsZero() {
		order.UpdatedAt = doc.UpdateTime
	}
	if data.User != nil {
		order.User = &domain.OrderUser{ID: data.User.ID, Email: data.User.Email}
	}
	for _, item := range data.Items {
		price, err := decimal.NewFromString(item.UnitPrice)
		if err != nil {
			price = decimal.Zero
		}
		order.Items = append(order.Items, domain.LineItem{
			Name:      item.Name,
			UnitPrice: price,
			Quantity:  item.Quantity,
			Image:     item.Image,
		})
	}
	if data.GrandTotalMinor != nil {
		total := domain.FromMinorUnits(*data.GrandTotalMinor, currency)
		order.GrandTotal = &total
	}
	return order
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	utc := t.UTC()
	return &utc
}
