package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/lvdistribuidora/api/internal/domain"
	pfirestore "github.com/lvdistribuidora/api/internal/platform/firestore"
	"github.com/lvdistribuidora/api/internal/repositories"
)

const orderCollection = "orders"

type orderItemDocument struct {
	ProductID   string     `firestore:"productId"`
	Name        string     `firestore:"name"`
	UnitPrice   int64      `firestore:"unitPrice"`
	Quantity    int        `firestore:"quantity"`
	Delivered   int        `firestore:"delivered"`
	DeliveredAt *time.Time `firestore:"deliveredAt,omitempty"`
}

type orderDocument struct {
	Voucher        string              `firestore:"voucher"`
	UserID         string              `firestore:"userId"`
	CustomerName   string              `firestore:"customerName"`
	CustomerPhone  string              `firestore:"customerPhone"`
	CustomerEmail  string              `firestore:"customerEmail,omitempty"`
	Status         string              `firestore:"status"`
	PaymentMethod  string              `firestore:"paymentMethod"`
	Items          []orderItemDocument `firestore:"items"`
	Subtotal       int64               `firestore:"subtotal"`
	Discount       int64               `firestore:"discount"`
	Total          int64               `firestore:"total"`
	CouponCode     *string             `firestore:"couponCode,omitempty"`
	Notes          string              `firestore:"notes,omitempty"`
	TotalItems     int                 `firestore:"totalItems"`
	DeliveredItems int                 `firestore:"deliveredItems"`
	PaymentRef     *string             `firestore:"paymentRef,omitempty"`
	CreatedAt      time.Time           `firestore:"createdAt"`
	UpdatedAt      time.Time           `firestore:"updatedAt"`
	PaidAt         *time.Time          `firestore:"paidAt,omitempty"`
	CompletedAt    *time.Time          `firestore:"completedAt,omitempty"`
	CancelledAt    *time.Time          `firestore:"cancelledAt,omitempty"`
	RefundedAt     *time.Time          `firestore:"refundedAt,omitempty"`
}

// OrderRepository persists orders in Firestore.
type OrderRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.Collection[orderDocument]
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	base := pfirestore.NewCollection[orderDocument](provider, orderCollection)
	return &OrderRepository{provider: provider, base: base}, nil
}

// Insert creates the order document, failing when the id already exists.
// Inside an ambient unit the create is staged so it commits together with the
// coupon redemption and stock adjustments of the same checkout.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	ref, err := r.base.Doc(ctx, order.ID)
	if err != nil {
		return err
	}
	doc := fromDomainOrder(order)
	if unit, ok := pfirestore.UnitFrom(ctx); ok {
		unit.Stage(func(tx *firestore.Transaction) error {
			return tx.Create(ref, doc)
		})
		return nil
	}
	if _, err := ref.Create(ctx, doc); err != nil {
		return pfirestore.WrapError("orders.insert", err)
	}
	return nil
}

// Update replaces the order document.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	return r.base.Set(ctx, order.ID, fromDomainOrder(order))
}

// FindByID loads the order by document id.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	doc, err := r.base.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return toDomainOrder(doc.ID, doc.Data), nil
}

// FindByVoucher locates an order by its pickup voucher code.
func (r *OrderRepository) FindByVoucher(ctx context.Context, voucher string) (domain.Order, error) {
	code := strings.ToUpper(strings.TrimSpace(voucher))
	if code == "" {
		return domain.Order{}, pfirestore.WrapError("orders.voucher", status.Error(codes.NotFound, "voucher is empty"))
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("voucher", "==", code).Limit(1)
	})
	if err != nil {
		return domain.Order{}, err
	}
	if len(docs) == 0 {
		return domain.Order{}, pfirestore.WrapError("orders.voucher", status.Errorf(codes.NotFound, "no order for voucher %s", code))
	}
	return toDomainOrder(docs[0].ID, docs[0].Data), nil
}

// List queries orders according to the filter, newest first.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) ([]domain.Order, error) {
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		if userID := strings.TrimSpace(filter.UserID); userID != "" {
			q = q.Where("userId", "==", userID)
		}
		if len(filter.Status) == 1 {
			q = q.Where("status", "==", string(filter.Status[0]))
		} else if len(filter.Status) > 1 {
			statuses := make([]string, 0, len(filter.Status))
			for _, s := range filter.Status {
				statuses = append(statuses, string(s))
			}
			q = q.Where("status", "in", statuses)
		}
		if filter.DateRange.From != nil {
			q = q.Where("createdAt", ">=", filter.DateRange.From.UTC())
		}
		if filter.DateRange.To != nil {
			q = q.Where("createdAt", "<=", filter.DateRange.To.UTC())
		}
		q = q.OrderBy("createdAt", firestore.Desc)
		if filter.Limit > 0 {
			q = q.Limit(filter.Limit)
		}
		return q
	})
	if err != nil {
		return nil, err
	}
	orders := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		orders = append(orders, toDomainOrder(doc.ID, doc.Data))
	}
	return orders, nil
}

// Mutate runs fn against the freshest copy of the order inside a Firestore
// transaction and writes the mutated document back. Delivery counters and the
// status derived from them stay consistent under concurrent marks because the
// read and write share one transaction.
func (r *OrderRepository) Mutate(ctx context.Context, orderID string, fn func(order *domain.Order) error) (domain.Order, error) {
	if fn == nil {
		return domain.Order{}, errors.New("order repository: mutate function is required")
	}

	var mutated domain.Order
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.base.Doc(ctx, orderID)
		if err != nil {
			return err
		}

		snapshot, err := tx.Get(ref)
		if err != nil {
			return err
		}

		var doc orderDocument
		if err := snapshot.DataTo(&doc); err != nil {
			return err
		}

		order := toDomainOrder(snapshot.Ref.ID, doc)
		if err := fn(&order); err != nil {
			return err
		}

		if err := tx.Set(ref, fromDomainOrder(order)); err != nil {
			return err
		}
		mutated = order
		return nil
	})
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.mutate", err)
	}
	return mutated, nil
}

func fromDomainOrder(order domain.Order) orderDocument {
	items := make([]orderItemDocument, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemDocument{
			ProductID:   item.ProductID,
			Name:        item.Name,
			UnitPrice:   item.UnitPrice,
			Quantity:    item.Quantity,
			Delivered:   item.Delivered,
			DeliveredAt: item.DeliveredAt,
		})
	}
	return orderDocument{
		Voucher:        strings.ToUpper(strings.TrimSpace(order.Voucher)),
		UserID:         strings.TrimSpace(order.UserID),
		CustomerName:   strings.TrimSpace(order.CustomerName),
		CustomerPhone:  strings.TrimSpace(order.CustomerPhone),
		CustomerEmail:  strings.TrimSpace(order.CustomerEmail),
		Status:         string(order.Status),
		PaymentMethod:  string(order.PaymentMethod),
		Items:          items,
		Subtotal:       order.Subtotal,
		Discount:       order.Discount,
		Total:          order.Total,
		CouponCode:     order.CouponCode,
		Notes:          strings.TrimSpace(order.Notes),
		TotalItems:     order.TotalItems,
		DeliveredItems: order.DeliveredItems,
		PaymentRef:     order.PaymentRef,
		CreatedAt:      order.CreatedAt.UTC(),
		UpdatedAt:      order.UpdatedAt.UTC(),
		PaidAt:         order.PaidAt,
		CompletedAt:    order.CompletedAt,
		CancelledAt:    order.CancelledAt,
		RefundedAt:     order.RefundedAt,
	}
}

func toDomainOrder(id string, doc orderDocument) domain.Order {
	items := make([]domain.OrderItem, 0, len(doc.Items))
	for _, item := range doc.Items {
		items = append(items, domain.OrderItem{
			ProductID:   item.ProductID,
			Name:        item.Name,
			UnitPrice:   item.UnitPrice,
			Quantity:    item.Quantity,
			Delivered:   item.Delivered,
			DeliveredAt: item.DeliveredAt,
		})
	}
	return domain.Order{
		ID:             id,
		Voucher:        doc.Voucher,
		UserID:         doc.UserID,
		CustomerName:   doc.CustomerName,
		CustomerPhone:  doc.CustomerPhone,
		CustomerEmail:  doc.CustomerEmail,
		Status:         domain.OrderStatus(doc.Status),
		PaymentMethod:  domain.PaymentMethod(doc.PaymentMethod),
		Items:          items,
		Subtotal:       doc.Subtotal,
		Discount:       doc.Discount,
		Total:          doc.Total,
		CouponCode:     doc.CouponCode,
		Notes:          doc.Notes,
		TotalItems:     doc.TotalItems,
		DeliveredItems: doc.DeliveredItems,
		PaymentRef:     doc.PaymentRef,
		CreatedAt:      doc.CreatedAt,
		UpdatedAt:      doc.UpdatedAt,
		PaidAt:         doc.PaidAt,
		CompletedAt:    doc.CompletedAt,
		CancelledAt:    doc.CancelledAt,
		RefundedAt:     doc.RefundedAt,
	}
}
