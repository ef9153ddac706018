package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/lvdistribuidora/api/internal/domain"
	"github.com/lvdistribuidora/api/internal/repositories"
)

var (
	// ErrCheckoutInvalidInput indicates the cart or customer data is unusable.
	ErrCheckoutInvalidInput = errors.New("checkout: invalid input")
	// ErrCheckoutCouponRejected indicates the supplied coupon does not apply.
	ErrCheckoutCouponRejected = errors.New("checkout: coupon rejected")
	// ErrCheckoutOutOfStock indicates a cart line exceeds the available stock.
	ErrCheckoutOutOfStock = errors.New("checkout: insufficient stock")
	// ErrCheckoutUnavailable indicates the backing store is unreachable.
	ErrCheckoutUnavailable = errors.New("checkout: temporarily unavailable")
)

const (
	voucherPrefix   = "LV-"
	voucherLength   = 8
	voucherAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	maxVoucherAttempts = 5
)

// CheckoutServiceDeps wires the dependencies required by the checkout service.
type CheckoutServiceDeps struct {
	Orders     repositories.OrderRepository
	Products   repositories.ProductRepository
	Coupons    repositories.CouponRepository
	Users      repositories.UserRepository
	Validator  CouponService
	UnitOfWork repositories.UnitOfWork
	Publisher  OrderEventPublisher
	Clock      func() time.Time
	// IDGenerator mints order document ids. Defaults to ULID.
	IDGenerator func() string
	// VoucherGenerator mints pickup voucher codes. Defaults to crypto/rand.
	VoucherGenerator func() string
	Logger           func(ctx context.Context, event string, fields map[string]any)
}

type checkoutService struct {
	orders     repositories.OrderRepository
	products   repositories.ProductRepository
	coupons    repositories.CouponRepository
	users      repositories.UserRepository
	validator  CouponService
	unitOfWork repositories.UnitOfWork
	publisher  OrderEventPublisher
	clock      func() time.Time
	newID      func() string
	newVoucher func() string
	logger     func(ctx context.Context, event string, fields map[string]any)
}

// NewCheckoutService assembles the checkout service.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Orders == nil {
		return nil, errors.New("checkout service requires an order repository")
	}
	if deps.Products == nil {
		return nil, errors.New("checkout service requires a product repository")
	}
	if deps.Coupons == nil {
		return nil, errors.New("checkout service requires a coupon repository")
	}
	if deps.Validator == nil {
		return nil, errors.New("checkout service requires a coupon validator")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := deps.IDGenerator
	if newID == nil {
		newID = func() string { return ulid.Make().String() }
	}
	newVoucher := deps.VoucherGenerator
	if newVoucher == nil {
		newVoucher = randomVoucher
	}
	unitOfWork := deps.UnitOfWork
	if unitOfWork == nil {
		unitOfWork = noopUnitOfWork{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &checkoutService{
		orders:     deps.Orders,
		products:   deps.Products,
		coupons:    deps.Coupons,
		users:      deps.Users,
		validator:  deps.Validator,
		unitOfWork: unitOfWork,
		publisher:  deps.Publisher,
		clock:      func() time.Time { return clock().UTC() },
		newID:      newID,
		newVoucher: newVoucher,
		logger:     logger,
	}, nil
}

// PlaceOrder snapshots catalog prices into a new order, applies the optional
// coupon, and assigns a unique pickup voucher. Pix orders start awaiting
// payment; every other method is treated as settled at the counter, so the
// order is born paid and stock is decremented immediately.
func (s *checkoutService) PlaceOrder(ctx context.Context, cmd PlaceOrderCommand) (Order, error) {
	if err := validatePlaceOrder(cmd); err != nil {
		return Order{}, err
	}

	now := s.clock()

	items, subtotal, err := s.buildLines(ctx, cmd.Items)
	if err != nil {
		return Order{}, err
	}

	var discount int64
	var couponCode *string
	code := strings.ToUpper(strings.TrimSpace(cmd.CouponCode))
	if code != "" {
		validation, err := s.validator.Validate(ctx, ValidateCouponCommand{Code: code, Subtotal: subtotal})
		if err != nil {
			return Order{}, err
		}
		if !validation.Valid {
			return Order{}, fmt.Errorf("%w: %s", ErrCheckoutCouponRejected, validation.Reason)
		}
		discount = validation.Discount
		couponCode = &code
	}

	total := subtotal - discount
	if total < 0 {
		total = 0
	}

	voucher, err := s.uniqueVoucher(ctx)
	if err != nil {
		return Order{}, err
	}

	totalItems := 0
	for _, item := range items {
		totalItems += item.Quantity
	}

	order := domain.Order{
		ID:            s.newID(),
		Voucher:       voucher,
		UserID:        strings.TrimSpace(cmd.UserID),
		CustomerName:  strings.TrimSpace(cmd.CustomerName),
		CustomerPhone: strings.TrimSpace(cmd.CustomerPhone),
		CustomerEmail: strings.TrimSpace(cmd.CustomerEmail),
		PaymentMethod: cmd.PaymentMethod,
		Items:         items,
		Subtotal:      subtotal,
		Discount:      discount,
		Total:         total,
		CouponCode:    couponCode,
		Notes:         strings.TrimSpace(cmd.Notes),
		TotalItems:    totalItems,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if cmd.PaymentMethod == domain.PaymentMethodPix {
		order.Status = domain.OrderStatusPendingPayment
	} else {
		order.Status = domain.OrderStatusPaid
		paidAt := now
		order.PaidAt = &paidAt
	}

	// One transaction covers the whole checkout: a failed stock adjustment
	// rolls back the order insert and the coupon redemption with it.
	err = s.unitOfWork.RunInTx(ctx, func(ctx context.Context) error {
		if couponCode != nil {
			if _, err := s.coupons.Redeem(ctx, *couponCode, now); err != nil {
				return err
			}
		}
		if err := s.orders.Insert(ctx, order); err != nil {
			return err
		}
		if order.Status == domain.OrderStatusPaid {
			if err := s.products.AdjustStock(ctx, stockDecrements(order.Items), now); err != nil {
				return err
			}
		}
		if s.users != nil && order.UserID != "" {
			return s.users.AppendOrder(ctx, order.UserID, order.ID, now)
		}
		return nil
	})
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	s.publishEvent(ctx, "order.created", order, now)
	return order, nil
}

func (s *checkoutService) buildLines(ctx context.Context, lines []CartLine) ([]domain.OrderItem, int64, error) {
	items := make([]domain.OrderItem, 0, len(lines))
	var subtotal int64
	for i, line := range lines {
		product, err := s.products.FindByID(ctx, strings.TrimSpace(line.ProductID))
		if err != nil {
			var repoErr repositories.RepositoryError
			if errors.As(err, &repoErr) && repoErr.IsNotFound() {
				return nil, 0, fmt.Errorf("%w: item %d references unknown product %q", ErrCheckoutInvalidInput, i, line.ProductID)
			}
			return nil, 0, s.mapRepositoryError(err)
		}
		if !product.Available {
			return nil, 0, fmt.Errorf("%w: product %q is unavailable", ErrCheckoutInvalidInput, product.Name)
		}
		if int64(line.Quantity) > product.Stock {
			return nil, 0, fmt.Errorf("%w: product %q has %d units left", ErrCheckoutOutOfStock, product.Name, product.Stock)
		}
		items = append(items, domain.OrderItem{
			ProductID: product.ID,
			Name:      product.Name,
			UnitPrice: product.Price,
			Quantity:  line.Quantity,
		})
		subtotal += product.Price * int64(line.Quantity)
	}
	return items, subtotal, nil
}

// uniqueVoucher draws voucher codes until one is unclaimed. Collisions are
// rare at 36^8 combinations, so a handful of attempts is plenty.
func (s *checkoutService) uniqueVoucher(ctx context.Context) (string, error) {
	for attempt := 0; attempt < maxVoucherAttempts; attempt++ {
		candidate := s.newVoucher()
		_, err := s.orders.FindByVoucher(ctx, candidate)
		if err == nil {
			continue
		}
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return candidate, nil
		}
		return "", s.mapRepositoryError(err)
	}
	return "", fmt.Errorf("%w: could not allocate a voucher", ErrCheckoutUnavailable)
}

func (s *checkoutService) publishEvent(ctx context.Context, eventType string, order domain.Order, now time.Time) {
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
		s.logger(ctx, "checkout.event_publish_failed", map[string]any{"order_id": order.ID, "error": err.Error()})
	}
}

func (s *checkoutService) mapRepositoryError(err error) error {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrCheckoutCouponRejected, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrCheckoutUnavailable, err)
		}
	}
	return err
}

func validatePlaceOrder(cmd PlaceOrderCommand) error {
	if strings.TrimSpace(cmd.UserID) == "" {
		return fmt.Errorf("%w: user id is required", ErrCheckoutInvalidInput)
	}
	if strings.TrimSpace(cmd.CustomerName) == "" {
		return fmt.Errorf("%w: customer name is required", ErrCheckoutInvalidInput)
	}
	if strings.TrimSpace(cmd.CustomerPhone) == "" {
		return fmt.Errorf("%w: customer phone is required", ErrCheckoutInvalidInput)
	}
	switch cmd.PaymentMethod {
	case domain.PaymentMethodPix, domain.PaymentMethodCredit, domain.PaymentMethodDebit, domain.PaymentMethodCard, domain.PaymentMethodCash:
	default:
		return fmt.Errorf("%w: unknown payment method %q", ErrCheckoutInvalidInput, cmd.PaymentMethod)
	}
	if len(cmd.Items) == 0 {
		return fmt.Errorf("%w: cart is empty", ErrCheckoutInvalidInput)
	}
	for i, line := range cmd.Items {
		if strings.TrimSpace(line.ProductID) == "" {
			return fmt.Errorf("%w: item %d is missing a product id", ErrCheckoutInvalidInput, i)
		}
		if line.Quantity <= 0 {
			return fmt.Errorf("%w: item %d quantity must be positive", ErrCheckoutInvalidInput, i)
		}
	}
	return nil
}

func stockDecrements(items []domain.OrderItem) []repositories.StockAdjustment {
	adjustments := make([]repositories.StockAdjustment, 0, len(items))
	for _, item := range items {
		adjustments = append(adjustments, repositories.StockAdjustment{
			ProductID: item.ProductID,
			Units:     -int64(item.Quantity),
		})
	}
	return adjustments
}

// randomVoucher mints an LV-XXXXXXXX code from the uppercase base-36 alphabet.
func randomVoucher() string {
	buf := make([]byte, voucherLength)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand only fails when the platform entropy source is broken.
		return voucherPrefix + ulid.Make().String()[:voucherLength]
	}
	code := make([]byte, voucherLength)
	for i, b := range buf {
		code[i] = voucherAlphabet[int(b)%len(voucherAlphabet)]
	}
	return voucherPrefix + string(code)
}
