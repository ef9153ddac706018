package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	domain "github.com/lvdistribuidora/api/internal/domain"
	"github.com/lvdistribuidora/api/internal/repositories"
)

var (
	// ErrOrderInvalidInput indicates the caller supplied bad input.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order does not exist.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidState indicates the operation is illegal in the order's current status.
	ErrOrderInvalidState = errors.New("order: invalid state")
	// ErrOrderForbidden indicates the actor may not operate on this order.
	ErrOrderForbidden = errors.New("order: forbidden")
	// ErrOrderConflict indicates a concurrent update clashed.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderUnavailable indicates the backing store is unreachable.
	ErrOrderUnavailable = errors.New("order: temporarily unavailable")
)

// orderStateTransitions enumerates the legal status graph. Delivered,
// cancelled, and refunded are terminal.
var orderStateTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPendingPayment: {
		domain.OrderStatusPaid,
		domain.OrderStatusCancelled,
	},
	domain.OrderStatusPaid: {
		domain.OrderStatusPendingDelivery,
		domain.OrderStatusDelivered,
		domain.OrderStatusCancelled,
		domain.OrderStatusRefunded,
	},
	domain.OrderStatusPendingDelivery: {
		domain.OrderStatusDelivered,
		domain.OrderStatusRefunded,
	},
	domain.OrderStatusDelivered: {},
	domain.OrderStatusCancelled: {},
	domain.OrderStatusRefunded:  {},
}

func canTransition(from, to domain.OrderStatus) bool {
	return slices.Contains(orderStateTransitions[from], to)
}

// OrderServiceDeps wires the dependencies required by the order service.
type OrderServiceDeps struct {
	Orders    repositories.OrderRepository
	Products  repositories.ProductRepository
	Publisher OrderEventPublisher
	Clock     func() time.Time
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders    repositories.OrderRepository
	products  repositories.ProductRepository
	publisher OrderEventPublisher
	clock     func() time.Time
	logger    func(ctx context.Context, event string, fields map[string]any)
}

// NewOrderService assembles the order service.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service requires an order repository")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &orderService{
		orders:    deps.Orders,
		products:  deps.Products,
		publisher: deps.Publisher,
		clock:     func() time.Time { return clock().UTC() },
		logger:    logger,
	}, nil
}

// GetOrder loads an order and enforces owner-or-staff visibility.
func (s *orderService) GetOrder(ctx context.Context, cmd GetOrderCommand) (Order, error) {
	if strings.TrimSpace(cmd.OrderID) == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, cmd.OrderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	if err := authorizeOrderAccess(order, cmd.Actor); err != nil {
		return Order{}, err
	}
	return order, nil
}

// GetOrderByVoucher loads an order by pickup voucher. Staff only: the voucher
// is the code customers hand over at the counter.
func (s *orderService) GetOrderByVoucher(ctx context.Context, cmd GetOrderByVoucherCommand) (Order, error) {
	if strings.TrimSpace(cmd.VoucherCode) == "" {
		return Order{}, fmt.Errorf("%w: voucher code is required", ErrOrderInvalidInput)
	}
	if !cmd.Actor.IsStaff() {
		return Order{}, fmt.Errorf("%w: voucher lookup requires staff role", ErrOrderForbidden)
	}
	order, err := s.orders.FindByVoucher(ctx, cmd.VoucherCode)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

// ListOrders queries orders with the given filter.
func (s *orderService) ListOrders(ctx context.Context, filter OrderListFilter) ([]Order, error) {
	orders, err := s.orders.List(ctx, filter)
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	return orders, nil
}

// ListOrdersForUser returns the user's own orders, newest first.
func (s *orderService) ListOrdersForUser(ctx context.Context, userID string) ([]Order, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	return s.ListOrders(ctx, OrderListFilter{UserID: userID})
}

// ConfirmPayment moves a pix order from pending payment to paid and decrements
// stock for its lines. Staff only. Confirming an order that is already paid is
// a no-op returning the order unchanged, so counter orders born paid and
// repeated confirmations are safe.
func (s *orderService) ConfirmPayment(ctx context.Context, cmd ConfirmPaymentCommand) (Order, error) {
	if strings.TrimSpace(cmd.OrderID) == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if !cmd.Actor.IsStaff() {
		return Order{}, fmt.Errorf("%w: payment confirmation requires staff role", ErrOrderForbidden)
	}

	now := s.clock()
	var alreadyPaid bool
	order, err := s.orders.Mutate(ctx, cmd.OrderID, func(order *domain.Order) error {
		if order.Status == domain.OrderStatusPaid {
			alreadyPaid = true
			return nil
		}
		if order.Status != domain.OrderStatusPendingPayment {
			return fmt.Errorf("%w: cannot confirm payment from status %s", ErrOrderInvalidState, order.Status)
		}
		markPaid(order, cmd.PaymentRef, now)
		return nil
	})
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	if alreadyPaid {
		return order, nil
	}

	if err := s.decrementStock(ctx, order, now); err != nil {
		s.logger(ctx, "order.stock_adjust_failed", map[string]any{"order_id": order.ID, "error": err.Error()})
	}
	s.publishEvent(ctx, "order.paid", order, now)
	return order, nil
}

// ConfirmPickupReadiness flags a paid order as being handed over. Staff only.
func (s *orderService) ConfirmPickupReadiness(ctx context.Context, cmd PickupReadinessCommand) (Order, error) {
	if strings.TrimSpace(cmd.OrderID) == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if !cmd.Actor.IsStaff() {
		return Order{}, fmt.Errorf("%w: pickup confirmation requires staff role", ErrOrderForbidden)
	}

	now := s.clock()
	order, err := s.orders.Mutate(ctx, cmd.OrderID, func(order *domain.Order) error {
		if !canTransition(order.Status, domain.OrderStatusPendingDelivery) {
			return fmt.Errorf("%w: cannot start delivery from status %s", ErrOrderInvalidState, order.Status)
		}
		order.Status = domain.OrderStatusPendingDelivery
		order.UpdatedAt = now
		return nil
	})
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

// MarkItemDelivered records units handed over for one order line. The counter
// per line never exceeds the ordered quantity and never moves backwards. The
// first delivery moves a paid order to pending delivery; handing over the last
// unit completes the order and stamps CompletedAt exactly once.
func (s *orderService) MarkItemDelivered(ctx context.Context, cmd MarkItemDeliveredCommand) (Order, error) {
	if strings.TrimSpace(cmd.OrderID) == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if cmd.Units <= 0 {
		return Order{}, fmt.Errorf("%w: units must be positive", ErrOrderInvalidInput)
	}

	now := s.clock()
	var completed bool
	order, err := s.orders.Mutate(ctx, cmd.OrderID, func(order *domain.Order) error {
		if err := authorizeOrderAccess(*order, cmd.Actor); err != nil {
			return err
		}
		if err := ensureDeliverable(*order); err != nil {
			return err
		}
		if cmd.ItemIndex < 0 || cmd.ItemIndex >= len(order.Items) {
			return fmt.Errorf("%w: item index %d out of range", ErrOrderInvalidInput, cmd.ItemIndex)
		}
		item := &order.Items[cmd.ItemIndex]
		if item.Delivered+cmd.Units > item.Quantity {
			return fmt.Errorf("%w: line %d has %d of %d delivered", ErrOrderInvalidState, cmd.ItemIndex, item.Delivered, item.Quantity)
		}
		item.Delivered += cmd.Units
		completed = settleDeliveryProgress(order, now)
		return nil
	})
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	if completed {
		s.publishEvent(ctx, "order.delivered", order, now)
	}
	return order, nil
}

// MarkAllDelivered hands over every remaining unit in one step.
func (s *orderService) MarkAllDelivered(ctx context.Context, cmd MarkAllDeliveredCommand) (Order, error) {
	if strings.TrimSpace(cmd.OrderID) == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	now := s.clock()
	var completed bool
	order, err := s.orders.Mutate(ctx, cmd.OrderID, func(order *domain.Order) error {
		if err := authorizeOrderAccess(*order, cmd.Actor); err != nil {
			return err
		}
		if err := ensureDeliverable(*order); err != nil {
			return err
		}
		for i := range order.Items {
			order.Items[i].Delivered = order.Items[i].Quantity
		}
		completed = settleDeliveryProgress(order, now)
		return nil
	})
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	if completed {
		s.publishEvent(ctx, "order.delivered", order, now)
	}
	return order, nil
}

// ApplyPaymentStatus reconciles a gateway payment status onto the order. The
// operation is idempotent: replaying a status the order already reflects is a
// no-op, and pending gateway states change nothing.
func (s *orderService) ApplyPaymentStatus(ctx context.Context, cmd ApplyPaymentStatusCommand) (PaymentStatusResult, error) {
	if strings.TrimSpace(cmd.OrderID) == "" {
		return PaymentStatusResult{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	target := statusForPayment(cmd.PaymentStatus)
	if target == "" {
		order, err := s.orders.FindByID(ctx, cmd.OrderID)
		if err != nil {
			return PaymentStatusResult{}, s.mapRepositoryError(err)
		}
		return PaymentStatusResult{Order: order, Applied: false, Message: fmt.Sprintf("payment status %s requires no action", cmd.PaymentStatus)}, nil
	}

	now := s.clock()
	var applied bool
	var message string
	order, err := s.orders.Mutate(ctx, cmd.OrderID, func(order *domain.Order) error {
		if order.Status == target {
			message = fmt.Sprintf("order already %s", target)
			return nil
		}
		if !canTransition(order.Status, target) {
			if order.Status.IsTerminal() {
				// Replays after a terminal state are acknowledged, not retried.
				message = fmt.Sprintf("order already %s, ignoring %s", order.Status, cmd.PaymentStatus)
				return nil
			}
			return fmt.Errorf("%w: cannot move %s order to %s", ErrOrderInvalidState, order.Status, target)
		}

		switch target {
		case domain.OrderStatusPaid:
			ref := cmd.PaymentID
			markPaid(order, &ref, now)
		case domain.OrderStatusCancelled:
			order.Status = domain.OrderStatusCancelled
			cancelledAt := now
			order.CancelledAt = &cancelledAt
			order.UpdatedAt = now
		case domain.OrderStatusRefunded:
			order.Status = domain.OrderStatusRefunded
			refundedAt := now
			order.RefundedAt = &refundedAt
			order.UpdatedAt = now
		}
		applied = true
		message = fmt.Sprintf("order marked %s", target)
		return nil
	})
	if err != nil {
		return PaymentStatusResult{}, s.mapRepositoryError(err)
	}

	if applied {
		switch target {
		case domain.OrderStatusPaid:
			if err := s.decrementStock(ctx, order, now); err != nil {
				s.logger(ctx, "order.stock_adjust_failed", map[string]any{"order_id": order.ID, "error": err.Error()})
			}
			s.publishEvent(ctx, "order.paid", order, now)
		case domain.OrderStatusCancelled:
			s.publishEvent(ctx, "order.cancelled", order, now)
		case domain.OrderStatusRefunded:
			s.publishEvent(ctx, "order.refunded", order, now)
		}
	}
	return PaymentStatusResult{Order: order, Applied: applied, Message: message}, nil
}

func (s *orderService) decrementStock(ctx context.Context, order domain.Order, now time.Time) error {
	if s.products == nil {
		return nil
	}
	return s.products.AdjustStock(ctx, stockDecrements(order.Items), now)
}

func (s *orderService) publishEvent(ctx context.Context, eventType string, order domain.Order, now time.Time) {
	if s.publisher == nil {
		return
	}
	event := OrderEvent{
		Type:       eventType,
		OrderID:    order.ID,
		Voucher:    order.Voucher,
		UserID:     order.UserID,
		Status:     order.Status,
		Total:      order.Total,
		OccurredAt: now,
	}
	if err := s.publisher.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event_publish_failed", map[string]any{"order_id": order.ID, "type": eventType, "error": err.Error()})
	}
}

func (s *orderService) mapRepositoryError(err error) error {
	if errors.Is(err, ErrOrderInvalidInput) || errors.Is(err, ErrOrderInvalidState) || errors.Is(err, ErrOrderForbidden) {
		return err
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
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

// authorizeOrderAccess allows the order's owner and staff, nobody else.
func authorizeOrderAccess(order domain.Order, actor Actor) error {
	if actor.IsStaff() {
		return nil
	}
	if actor.UserID != "" && actor.UserID == order.UserID {
		return nil
	}
	return fmt.Errorf("%w: not the order owner", ErrOrderForbidden)
}

// ensureDeliverable rejects delivery marking on orders that are not paid yet
// or already closed. A pix order must clear payment before anything leaves
// the counter.
func ensureDeliverable(order domain.Order) error {
	switch order.Status {
	case domain.OrderStatusPaid, domain.OrderStatusPendingDelivery:
		return nil
	case domain.OrderStatusPendingPayment:
		return fmt.Errorf("%w: payment not confirmed", ErrOrderInvalidState)
	default:
		return fmt.Errorf("%w: order is %s", ErrOrderInvalidState, order.Status)
	}
}

func markPaid(order *domain.Order, paymentRef *string, now time.Time) {
	order.Status = domain.OrderStatusPaid
	if order.PaidAt == nil {
		paidAt := now
		order.PaidAt = &paidAt
	}
	if paymentRef != nil && strings.TrimSpace(*paymentRef) != "" {
		ref := strings.TrimSpace(*paymentRef)
		order.PaymentRef = &ref
	}
	order.UpdatedAt = now
}

// settleDeliveryProgress recomputes the delivered counter and derives the
// status from it. Returns true when this call completed the order.
func settleDeliveryProgress(order *domain.Order, now time.Time) bool {
	delivered := 0
	for i := range order.Items {
		item := &order.Items[i]
		if item.Delivered >= item.Quantity && item.DeliveredAt == nil {
			deliveredAt := now
			item.DeliveredAt = &deliveredAt
		}
		delivered += item.Delivered
	}
	order.DeliveredItems = delivered
	order.UpdatedAt = now

	if delivered >= order.TotalItems && order.TotalItems > 0 {
		alreadyDone := order.Status == domain.OrderStatusDelivered
		order.Status = domain.OrderStatusDelivered
		if order.CompletedAt == nil {
			completedAt := now
			order.CompletedAt = &completedAt
		}
		return !alreadyDone
	}
	if order.Status == domain.OrderStatusPaid && delivered > 0 {
		order.Status = domain.OrderStatusPendingDelivery
	}
	return false
}

// statusForPayment maps a gateway payment status to the order status it
// implies. An empty result means no action is required.
func statusForPayment(paymentStatus string) domain.OrderStatus {
	switch strings.ToLower(strings.TrimSpace(paymentStatus)) {
	case "approved":
		return domain.OrderStatusPaid
	case "rejected", "cancelled":
		return domain.OrderStatusCancelled
	case "refunded", "charged_back":
		return domain.OrderStatusRefunded
	default:
		return ""
	}
}

// noopUnitOfWork satisfies repositories.UnitOfWork when no transactional
// boundary is configured.
type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
