package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	domain "github.com/lvdistribuidora/api/internal/domain"
	"github.com/lvdistribuidora/api/internal/repositories"
)

var (
	staffActor = Actor{UserID: "staff-1", Roles: []string{"staff"}}
	ownerActor = Actor{UserID: "user-1", Roles: []string{"user"}}
	otherActor = Actor{UserID: "user-2", Roles: []string{"user"}}
)

// orderStore keeps one order in memory and applies Mutate the way the
// Firestore repository does: mutate a copy, persist on success.
type orderStore struct {
	order domain.Order
}

func (s *orderStore) repo() *stubOrderRepository {
	return &stubOrderRepository{
		findByIDFn: func(_ context.Context, orderID string) (domain.Order, error) {
			if orderID != s.order.ID {
				return domain.Order{}, notFoundRepoError{}
			}
			return s.order, nil
		},
		findByVoucherFn: func(_ context.Context, voucher string) (domain.Order, error) {
			if voucher != s.order.Voucher {
				return domain.Order{}, notFoundRepoError{}
			}
			return s.order, nil
		},
		mutateFn: func(_ context.Context, orderID string, fn func(order *domain.Order) error) (domain.Order, error) {
			if orderID != s.order.ID {
				return domain.Order{}, notFoundRepoError{}
			}
			candidate := s.order
			candidate.Items = append([]domain.OrderItem(nil), s.order.Items...)
			if err := fn(&candidate); err != nil {
				return domain.Order{}, err
			}
			s.order = candidate
			return candidate, nil
		},
	}
}

func pixOrderFixture() domain.Order {
	return domain.Order{
		ID:            "order-1",
		Voucher:       "LV-9F3K2M7Q",
		UserID:        "user-1",
		CustomerName:  "Maria Silva",
		CustomerPhone: "+55 11 98765-4321",
		Status:        domain.OrderStatusPendingPayment,
		PaymentMethod: domain.PaymentMethodPix,
		Items: []domain.OrderItem{
			{ProductID: "prod-1", Name: "Cerveja Lata 350ml", UnitPrice: 450, Quantity: 2},
			{ProductID: "prod-2", Name: "Gelo 5kg", UnitPrice: 800, Quantity: 1},
		},
		Subtotal:   1700,
		Total:      1700,
		TotalItems: 3,
	}
}

func paidOrderFixture() domain.Order {
	order := pixOrderFixture()
	order.Status = domain.OrderStatusPaid
	paidAt := time.Date(2026, time.May, 10, 13, 0, 0, 0, time.UTC)
	order.PaidAt = &paidAt
	return order
}

type orderFixture struct {
	store     *orderStore
	products  *stubProductRepository
	publisher *recordingPublisher
	now       time.Time
}

func newOrderFixture(order domain.Order) *orderFixture {
	return &orderFixture{
		store: &orderStore{order: order},
		products: &stubProductRepository{
			adjustStockFn: func(context.Context, []repositories.StockAdjustment, time.Time) error { return nil },
		},
		publisher: &recordingPublisher{},
		now:       time.Date(2026, time.May, 10, 15, 0, 0, 0, time.UTC),
	}
}

func (f *orderFixture) service(t *testing.T) OrderService {
	t.Helper()
	svc, err := NewOrderService(OrderServiceDeps{
		Orders:    f.store.repo(),
		Products:  f.products,
		Publisher: f.publisher,
		Clock:     func() time.Time { return f.now },
	})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	return svc
}

func TestGetOrderEnforcesOwnership(t *testing.T) {
	fix := newOrderFixture(paidOrderFixture())
	svc := fix.service(t)

	if _, err := svc.GetOrder(context.Background(), GetOrderCommand{OrderID: "order-1", Actor: ownerActor}); err != nil {
		t.Fatalf("owner read: %v", err)
	}
	if _, err := svc.GetOrder(context.Background(), GetOrderCommand{OrderID: "order-1", Actor: staffActor}); err != nil {
		t.Fatalf("staff read: %v", err)
	}
	_, err := svc.GetOrder(context.Background(), GetOrderCommand{OrderID: "order-1", Actor: otherActor})
	if !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("expected ErrOrderForbidden, got %v", err)
	}
}

func TestGetOrderByVoucherIsStaffOnly(t *testing.T) {
	fix := newOrderFixture(paidOrderFixture())
	svc := fix.service(t)

	order, err := svc.GetOrderByVoucher(context.Background(), GetOrderByVoucherCommand{VoucherCode: "LV-9F3K2M7Q", Actor: staffActor})
	if err != nil {
		t.Fatalf("staff lookup: %v", err)
	}
	if order.ID != "order-1" {
		t.Fatalf("order id = %q", order.ID)
	}

	_, err = svc.GetOrderByVoucher(context.Background(), GetOrderByVoucherCommand{VoucherCode: "LV-9F3K2M7Q", Actor: ownerActor})
	if !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("expected ErrOrderForbidden for non-staff, got %v", err)
	}
}

func TestConfirmPaymentMovesPixOrderToPaid(t *testing.T) {
	fix := newOrderFixture(pixOrderFixture())
	var adjusted bool
	fix.products.adjustStockFn = func(context.Context, []repositories.StockAdjustment, time.Time) error {
		adjusted = true
		return nil
	}
	svc := fix.service(t)

	ref := "pix-txn-42"
	order, err := svc.ConfirmPayment(context.Background(), ConfirmPaymentCommand{OrderID: "order-1", PaymentRef: &ref, Actor: staffActor})
	if err != nil {
		t.Fatalf("ConfirmPayment: %v", err)
	}

	if order.Status != domain.OrderStatusPaid {
		t.Fatalf("status = %q, want paid", order.Status)
	}
	if order.PaidAt == nil || !order.PaidAt.Equal(fix.now) {
		t.Fatalf("PaidAt = %v, want %v", order.PaidAt, fix.now)
	}
	if order.PaymentRef == nil || *order.PaymentRef != "pix-txn-42" {
		t.Fatalf("PaymentRef = %v", order.PaymentRef)
	}
	if !adjusted {
		t.Fatal("stock was not decremented on payment confirmation")
	}
	if len(fix.publisher.events) != 1 || fix.publisher.events[0].Type != "order.paid" {
		t.Fatalf("unexpected events %+v", fix.publisher.events)
	}
}

func TestConfirmPaymentRejectsNonStaff(t *testing.T) {
	fix := newOrderFixture(pixOrderFixture())
	svc := fix.service(t)

	_, err := svc.ConfirmPayment(context.Background(), ConfirmPaymentCommand{OrderID: "order-1", Actor: ownerActor})
	if !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("expected ErrOrderForbidden, got %v", err)
	}
}

func TestConfirmPaymentIsNoOpWhenAlreadyPaid(t *testing.T) {
	fix := newOrderFixture(paidOrderFixture())
	var adjusted bool
	fix.products.adjustStockFn = func(context.Context, []repositories.StockAdjustment, time.Time) error {
		adjusted = true
		return nil
	}
	svc := fix.service(t)

	// Counter orders are born paid; repeating the confirmation must not fail,
	// adjust stock again, or publish another event.
	order, err := svc.ConfirmPayment(context.Background(), ConfirmPaymentCommand{OrderID: "order-1", Actor: staffActor})
	if err != nil {
		t.Fatalf("ConfirmPayment on paid order: %v", err)
	}
	if order.Status != domain.OrderStatusPaid {
		t.Fatalf("status = %q, want paid", order.Status)
	}
	original := paidOrderFixture()
	if order.PaidAt == nil || !order.PaidAt.Equal(*original.PaidAt) {
		t.Fatalf("PaidAt = %v, want %v untouched", order.PaidAt, original.PaidAt)
	}
	if adjusted {
		t.Fatal("stock must not be decremented twice")
	}
	if len(fix.publisher.events) != 0 {
		t.Fatalf("unexpected events %+v", fix.publisher.events)
	}
}

func TestConfirmPaymentRejectsWrongState(t *testing.T) {
	cancelled := paidOrderFixture()
	cancelled.Status = domain.OrderStatusCancelled
	fix := newOrderFixture(cancelled)
	svc := fix.service(t)

	_, err := svc.ConfirmPayment(context.Background(), ConfirmPaymentCommand{OrderID: "order-1", Actor: staffActor})
	if !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected ErrOrderInvalidState, got %v", err)
	}
}

func TestMarkItemDeliveredRejectsUnpaidPixOrder(t *testing.T) {
	fix := newOrderFixture(pixOrderFixture())
	svc := fix.service(t)

	_, err := svc.MarkItemDelivered(context.Background(), MarkItemDeliveredCommand{
		OrderID:   "order-1",
		ItemIndex: 0,
		Units:     1,
		Actor:     staffActor,
	})
	if !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected ErrOrderInvalidState, got %v", err)
	}
}

func TestMarkItemDeliveredCapsAtQuantity(t *testing.T) {
	fix := newOrderFixture(paidOrderFixture())
	svc := fix.service(t)

	_, err := svc.MarkItemDelivered(context.Background(), MarkItemDeliveredCommand{
		OrderID:   "order-1",
		ItemIndex: 0,
		Units:     3,
		Actor:     staffActor,
	})
	if !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected ErrOrderInvalidState when exceeding quantity, got %v", err)
	}
}

func TestMarkItemDeliveredValidatesIndexAndUnits(t *testing.T) {
	fix := newOrderFixture(paidOrderFixture())
	svc := fix.service(t)

	_, err := svc.MarkItemDelivered(context.Background(), MarkItemDeliveredCommand{OrderID: "order-1", ItemIndex: 5, Units: 1, Actor: staffActor})
	if !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected ErrOrderInvalidInput for bad index, got %v", err)
	}
	_, err = svc.MarkItemDelivered(context.Background(), MarkItemDeliveredCommand{OrderID: "order-1", ItemIndex: 0, Units: 0, Actor: staffActor})
	if !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected ErrOrderInvalidInput for zero units, got %v", err)
	}
}

func TestDeliveryProgressionCompletesOrderOnce(t *testing.T) {
	fix := newOrderFixture(paidOrderFixture())
	svc := fix.service(t)
	ctx := context.Background()

	// First unit moves the order into pending delivery.
	order, err := svc.MarkItemDelivered(ctx, MarkItemDeliveredCommand{OrderID: "order-1", ItemIndex: 0, Units: 1, Actor: staffActor})
	if err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if order.Status != domain.OrderStatusPendingDelivery {
		t.Fatalf("status = %q, want pending.delivered", order.Status)
	}
	if order.DeliveredItems != 1 {
		t.Fatalf("deliveredItems = %d, want 1", order.DeliveredItems)
	}
	if order.CompletedAt != nil {
		t.Fatal("CompletedAt set before full delivery")
	}

	// Second unit of the first line.
	order, err = svc.MarkItemDelivered(ctx, MarkItemDeliveredCommand{OrderID: "order-1", ItemIndex: 0, Units: 1, Actor: staffActor})
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if order.Status != domain.OrderStatusPendingDelivery || order.DeliveredItems != 2 {
		t.Fatalf("status = %q deliveredItems = %d", order.Status, order.DeliveredItems)
	}
	// The first line is fully handed over now and gets its timestamp; the
	// second line is still open.
	if order.Items[0].DeliveredAt == nil || !order.Items[0].DeliveredAt.Equal(fix.now) {
		t.Fatalf("line 0 DeliveredAt = %v, want %v", order.Items[0].DeliveredAt, fix.now)
	}
	if order.Items[1].DeliveredAt != nil {
		t.Fatalf("line 1 DeliveredAt = %v, want nil", order.Items[1].DeliveredAt)
	}

	// Last unit completes the order.
	order, err = svc.MarkItemDelivered(ctx, MarkItemDeliveredCommand{OrderID: "order-1", ItemIndex: 1, Units: 1, Actor: staffActor})
	if err != nil {
		t.Fatalf("final delivery: %v", err)
	}
	if order.Status != domain.OrderStatusDelivered {
		t.Fatalf("status = %q, want delivered", order.Status)
	}
	if order.DeliveredItems != order.TotalItems {
		t.Fatalf("deliveredItems = %d, want %d", order.DeliveredItems, order.TotalItems)
	}
	if order.CompletedAt == nil || !order.CompletedAt.Equal(fix.now) {
		t.Fatalf("CompletedAt = %v, want %v", order.CompletedAt, fix.now)
	}
	for i, item := range order.Items {
		if item.DeliveredAt == nil {
			t.Fatalf("line %d missing DeliveredAt after full delivery", i)
		}
	}

	delivered := 0
	for _, event := range fix.publisher.events {
		if event.Type == "order.delivered" {
			delivered++
		}
	}
	if delivered != 1 {
		t.Fatalf("order.delivered events = %d, want 1", delivered)
	}

	// Terminal: no further deliveries.
	_, err = svc.MarkItemDelivered(ctx, MarkItemDeliveredCommand{OrderID: "order-1", ItemIndex: 0, Units: 1, Actor: staffActor})
	if !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected ErrOrderInvalidState on delivered order, got %v", err)
	}
}

func TestMarkAllDeliveredCompletesInOneStep(t *testing.T) {
	fix := newOrderFixture(paidOrderFixture())
	svc := fix.service(t)

	order, err := svc.MarkAllDelivered(context.Background(), MarkAllDeliveredCommand{OrderID: "order-1", Actor: ownerActor})
	if err != nil {
		t.Fatalf("MarkAllDelivered: %v", err)
	}
	if order.Status != domain.OrderStatusDelivered {
		t.Fatalf("status = %q, want delivered", order.Status)
	}
	if order.DeliveredItems != 3 {
		t.Fatalf("deliveredItems = %d, want 3", order.DeliveredItems)
	}
	for i, item := range order.Items {
		if item.Delivered != item.Quantity {
			t.Fatalf("line %d delivered %d of %d", i, item.Delivered, item.Quantity)
		}
	}
}

func TestMarkAllDeliveredRejectsStranger(t *testing.T) {
	fix := newOrderFixture(paidOrderFixture())
	svc := fix.service(t)

	_, err := svc.MarkAllDelivered(context.Background(), MarkAllDeliveredCommand{OrderID: "order-1", Actor: otherActor})
	if !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("expected ErrOrderForbidden, got %v", err)
	}
}

func TestApplyPaymentStatusApprovedPaysOrder(t *testing.T) {
	fix := newOrderFixture(pixOrderFixture())
	svc := fix.service(t)

	result, err := svc.ApplyPaymentStatus(context.Background(), ApplyPaymentStatusCommand{
		OrderID:       "order-1",
		PaymentID:     "12345",
		PaymentStatus: "approved",
	})
	if err != nil {
		t.Fatalf("ApplyPaymentStatus: %v", err)
	}
	if !result.Applied {
		t.Fatalf("expected applied, got message %q", result.Message)
	}
	if result.Order.Status != domain.OrderStatusPaid {
		t.Fatalf("status = %q, want paid", result.Order.Status)
	}
	if result.Order.PaymentRef == nil || *result.Order.PaymentRef != "12345" {
		t.Fatalf("PaymentRef = %v", result.Order.PaymentRef)
	}
}

func TestApplyPaymentStatusIsIdempotent(t *testing.T) {
	fix := newOrderFixture(pixOrderFixture())
	svc := fix.service(t)
	ctx := context.Background()

	first, err := svc.ApplyPaymentStatus(ctx, ApplyPaymentStatusCommand{OrderID: "order-1", PaymentID: "12345", PaymentStatus: "approved"})
	if err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if !first.Applied {
		t.Fatal("first apply should change the order")
	}
	firstPaidAt := first.Order.PaidAt

	replay, err := svc.ApplyPaymentStatus(ctx, ApplyPaymentStatusCommand{OrderID: "order-1", PaymentID: "12345", PaymentStatus: "approved"})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replay.Applied {
		t.Fatal("replay must be a no-op")
	}
	if !strings.Contains(replay.Message, "already") {
		t.Fatalf("replay message = %q", replay.Message)
	}
	if !replay.Order.PaidAt.Equal(*firstPaidAt) {
		t.Fatalf("PaidAt drifted on replay: %v vs %v", replay.Order.PaidAt, firstPaidAt)
	}

	paidEvents := 0
	for _, event := range fix.publisher.events {
		if event.Type == "order.paid" {
			paidEvents++
		}
	}
	if paidEvents != 1 {
		t.Fatalf("order.paid events = %d, want 1", paidEvents)
	}
}

func TestApplyPaymentStatusPendingIsNoAction(t *testing.T) {
	fix := newOrderFixture(pixOrderFixture())
	svc := fix.service(t)

	result, err := svc.ApplyPaymentStatus(context.Background(), ApplyPaymentStatusCommand{OrderID: "order-1", PaymentID: "1", PaymentStatus: "pending"})
	if err != nil {
		t.Fatalf("ApplyPaymentStatus: %v", err)
	}
	if result.Applied {
		t.Fatal("pending must not change the order")
	}
	if result.Order.Status != domain.OrderStatusPendingPayment {
		t.Fatalf("status = %q", result.Order.Status)
	}
}

func TestApplyPaymentStatusRejectedCancelsOrder(t *testing.T) {
	fix := newOrderFixture(pixOrderFixture())
	svc := fix.service(t)

	result, err := svc.ApplyPaymentStatus(context.Background(), ApplyPaymentStatusCommand{OrderID: "order-1", PaymentID: "1", PaymentStatus: "rejected"})
	if err != nil {
		t.Fatalf("ApplyPaymentStatus: %v", err)
	}
	if result.Order.Status != domain.OrderStatusCancelled {
		t.Fatalf("status = %q, want cancelled", result.Order.Status)
	}
	if result.Order.CancelledAt == nil {
		t.Fatal("CancelledAt not stamped")
	}
}

func TestApplyPaymentStatusRefundAfterPaid(t *testing.T) {
	fix := newOrderFixture(paidOrderFixture())
	svc := fix.service(t)

	result, err := svc.ApplyPaymentStatus(context.Background(), ApplyPaymentStatusCommand{OrderID: "order-1", PaymentID: "1", PaymentStatus: "charged_back"})
	if err != nil {
		t.Fatalf("ApplyPaymentStatus: %v", err)
	}
	if result.Order.Status != domain.OrderStatusRefunded {
		t.Fatalf("status = %q, want refunded", result.Order.Status)
	}
	if result.Order.RefundedAt == nil {
		t.Fatal("RefundedAt not stamped")
	}
}

func TestApplyPaymentStatusAcksTerminalReplay(t *testing.T) {
	order := paidOrderFixture()
	order.Status = domain.OrderStatusRefunded
	refundedAt := time.Date(2026, time.May, 9, 10, 0, 0, 0, time.UTC)
	order.RefundedAt = &refundedAt
	fix := newOrderFixture(order)
	svc := fix.service(t)

	result, err := svc.ApplyPaymentStatus(context.Background(), ApplyPaymentStatusCommand{OrderID: "order-1", PaymentID: "1", PaymentStatus: "approved"})
	if err != nil {
		t.Fatalf("ApplyPaymentStatus: %v", err)
	}
	if result.Applied {
		t.Fatal("terminal order must not be re-opened")
	}
	if !strings.Contains(result.Message, "ignoring") {
		t.Fatalf("message = %q", result.Message)
	}
}

func TestOrderTransitionTable(t *testing.T) {
	cases := []struct {
		from    domain.OrderStatus
		to      domain.OrderStatus
		allowed bool
	}{
		{domain.OrderStatusPendingPayment, domain.OrderStatusPaid, true},
		{domain.OrderStatusPendingPayment, domain.OrderStatusCancelled, true},
		{domain.OrderStatusPendingPayment, domain.OrderStatusDelivered, false},
		{domain.OrderStatusPaid, domain.OrderStatusPendingDelivery, true},
		{domain.OrderStatusPaid, domain.OrderStatusDelivered, true},
		{domain.OrderStatusPaid, domain.OrderStatusRefunded, true},
		{domain.OrderStatusPendingDelivery, domain.OrderStatusDelivered, true},
		{domain.OrderStatusPendingDelivery, domain.OrderStatusCancelled, false},
		{domain.OrderStatusDelivered, domain.OrderStatusRefunded, false},
		{domain.OrderStatusCancelled, domain.OrderStatusPaid, false},
		{domain.OrderStatusRefunded, domain.OrderStatusPaid, false},
	}
	for _, tc := range cases {
		if got := canTransition(tc.from, tc.to); got != tc.allowed {
			t.Errorf("canTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.allowed)
		}
	}
}
