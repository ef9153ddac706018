package services

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	domain "github.com/lvdistribuidora/api/internal/domain"
	"github.com/lvdistribuidora/api/internal/repositories"
)

type stubOrderRepository struct {
	insertFn        func(ctx context.Context, order domain.Order) error
	updateFn        func(ctx context.Context, order domain.Order) error
	findByIDFn      func(ctx context.Context, orderID string) (domain.Order, error)
	findByVoucherFn func(ctx context.Context, voucher string) (domain.Order, error)
	listFn          func(ctx context.Context, filter repositories.OrderListFilter) ([]domain.Order, error)
	mutateFn        func(ctx context.Context, orderID string, fn func(order *domain.Order) error) (domain.Order, error)
}

func (s *stubOrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if s.insertFn == nil {
		return errors.New("unexpected Insert")
	}
	return s.insertFn(ctx, order)
}

func (s *stubOrderRepository) Update(ctx context.Context, order domain.Order) error {
	if s.updateFn == nil {
		return errors.New("unexpected Update")
	}
	return s.updateFn(ctx, order)
}

func (s *stubOrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if s.findByIDFn == nil {
		return domain.Order{}, errors.New("unexpected FindByID")
	}
	return s.findByIDFn(ctx, orderID)
}

func (s *stubOrderRepository) FindByVoucher(ctx context.Context, voucher string) (domain.Order, error) {
	if s.findByVoucherFn == nil {
		return domain.Order{}, notFoundRepoError{}
	}
	return s.findByVoucherFn(ctx, voucher)
}

func (s *stubOrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) ([]domain.Order, error) {
	if s.listFn == nil {
		return nil, errors.New("unexpected List")
	}
	return s.listFn(ctx, filter)
}

func (s *stubOrderRepository) Mutate(ctx context.Context, orderID string, fn func(order *domain.Order) error) (domain.Order, error) {
	if s.mutateFn == nil {
		return domain.Order{}, errors.New("unexpected Mutate")
	}
	return s.mutateFn(ctx, orderID, fn)
}

type stubProductRepository struct {
	findByIDFn    func(ctx context.Context, productID string) (domain.Product, error)
	upsertFn      func(ctx context.Context, product domain.Product) error
	deleteFn      func(ctx context.Context, productID string) error
	listFn        func(ctx context.Context, filter repositories.ProductListFilter) ([]domain.Product, error)
	adjustStockFn func(ctx context.Context, adjustments []repositories.StockAdjustment, now time.Time) error
}

func (s *stubProductRepository) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	if s.findByIDFn == nil {
		return domain.Product{}, errors.New("unexpected FindByID")
	}
	return s.findByIDFn(ctx, productID)
}

func (s *stubProductRepository) Upsert(ctx context.Context, product domain.Product) error {
	if s.upsertFn == nil {
		return errors.New("unexpected Upsert")
	}
	return s.upsertFn(ctx, product)
}

func (s *stubProductRepository) Delete(ctx context.Context, productID string) error {
	if s.deleteFn == nil {
		return errors.New("unexpected Delete")
	}
	return s.deleteFn(ctx, productID)
}

func (s *stubProductRepository) List(ctx context.Context, filter repositories.ProductListFilter) ([]domain.Product, error) {
	if s.listFn == nil {
		return nil, errors.New("unexpected List")
	}
	return s.listFn(ctx, filter)
}

func (s *stubProductRepository) AdjustStock(ctx context.Context, adjustments []repositories.StockAdjustment, now time.Time) error {
	if s.adjustStockFn == nil {
		return errors.New("unexpected AdjustStock")
	}
	return s.adjustStockFn(ctx, adjustments, now)
}

type stubUserRepository struct {
	appendOrderFn func(ctx context.Context, userID string, orderID string, now time.Time) error
}

func (s *stubUserRepository) FindByID(context.Context, string) (domain.UserProfile, error) {
	return domain.UserProfile{}, errors.New("unexpected FindByID")
}

func (s *stubUserRepository) UpsertProfile(context.Context, domain.UserProfile) (domain.UserProfile, error) {
	return domain.UserProfile{}, errors.New("unexpected UpsertProfile")
}

func (s *stubUserRepository) AppendOrder(ctx context.Context, userID string, orderID string, now time.Time) error {
	if s.appendOrderFn == nil {
		return nil
	}
	return s.appendOrderFn(ctx, userID, orderID, now)
}

type recordingPublisher struct {
	events []OrderEvent
	err    error
}

func (p *recordingPublisher) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	p.events = append(p.events, event)
	return p.err
}

type checkoutFixture struct {
	orders    *stubOrderRepository
	products  *stubProductRepository
	coupons   *stubCouponRepository
	users     *stubUserRepository
	publisher *recordingPublisher
	now       time.Time
}

func newCheckoutFixture() *checkoutFixture {
	fix := &checkoutFixture{
		orders: &stubOrderRepository{
			insertFn: func(context.Context, domain.Order) error { return nil },
		},
		products: &stubProductRepository{
			adjustStockFn: func(context.Context, []repositories.StockAdjustment, time.Time) error { return nil },
		},
		coupons:   &stubCouponRepository{},
		users:     &stubUserRepository{},
		publisher: &recordingPublisher{},
		now:       time.Date(2026, time.May, 10, 14, 0, 0, 0, time.UTC),
	}
	fix.products.findByIDFn = func(_ context.Context, productID string) (domain.Product, error) {
		return domain.Product{
			ID:        productID,
			Name:      "Cerveja Lata 350ml",
			Price:     450,
			Stock:     100,
			Available: true,
		}, nil
	}
	return fix
}

func (f *checkoutFixture) service(t *testing.T) CheckoutService {
	t.Helper()
	validator, err := NewCouponService(CouponServiceDeps{
		Coupons: f.coupons,
		Clock:   func() time.Time { return f.now },
	})
	if err != nil {
		t.Fatalf("NewCouponService: %v", err)
	}
	svc, err := NewCheckoutService(CheckoutServiceDeps{
		Orders:    f.orders,
		Products:  f.products,
		Coupons:   f.coupons,
		Users:     f.users,
		Validator: validator,
		Publisher: f.publisher,
		Clock:     func() time.Time { return f.now },
	})
	if err != nil {
		t.Fatalf("NewCheckoutService: %v", err)
	}
	return svc
}

func validPlaceOrderCommand() PlaceOrderCommand {
	return PlaceOrderCommand{
		UserID:        "user-1",
		CustomerName:  "Maria Silva",
		CustomerPhone: "+55 11 98765-4321",
		PaymentMethod: domain.PaymentMethodCash,
		Items:         []CartLine{{ProductID: "prod-1", Quantity: 3}},
	}
}

func TestPlaceOrderValidatesInput(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(cmd *PlaceOrderCommand)
	}{
		{name: "missing user", mutate: func(cmd *PlaceOrderCommand) { cmd.UserID = " " }},
		{name: "missing name", mutate: func(cmd *PlaceOrderCommand) { cmd.CustomerName = "" }},
		{name: "missing phone", mutate: func(cmd *PlaceOrderCommand) { cmd.CustomerPhone = "" }},
		{name: "unknown payment method", mutate: func(cmd *PlaceOrderCommand) { cmd.PaymentMethod = "barter" }},
		{name: "empty cart", mutate: func(cmd *PlaceOrderCommand) { cmd.Items = nil }},
		{name: "zero quantity", mutate: func(cmd *PlaceOrderCommand) { cmd.Items[0].Quantity = 0 }},
		{name: "missing product id", mutate: func(cmd *PlaceOrderCommand) { cmd.Items[0].ProductID = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fix := newCheckoutFixture()
			svc := fix.service(t)
			cmd := validPlaceOrderCommand()
			tc.mutate(&cmd)

			_, err := svc.PlaceOrder(context.Background(), cmd)
			if !errors.Is(err, ErrCheckoutInvalidInput) {
				t.Fatalf("expected ErrCheckoutInvalidInput, got %v", err)
			}
		})
	}
}

func TestPlaceOrderSnapshotsPricesAndTotals(t *testing.T) {
	fix := newCheckoutFixture()
	var inserted domain.Order
	fix.orders.insertFn = func(_ context.Context, order domain.Order) error {
		inserted = order
		return nil
	}
	svc := fix.service(t)

	cmd := validPlaceOrderCommand()
	cmd.Notes = " entregar na portaria "
	order, err := svc.PlaceOrder(context.Background(), cmd)
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	if order.Subtotal != 1350 {
		t.Fatalf("subtotal = %d, want 1350", order.Subtotal)
	}
	if order.Notes != "entregar na portaria" {
		t.Fatalf("notes = %q", order.Notes)
	}
	if order.Total != 1350 || order.Discount != 0 {
		t.Fatalf("total = %d discount = %d", order.Total, order.Discount)
	}
	if order.TotalItems != 3 {
		t.Fatalf("totalItems = %d, want 3", order.TotalItems)
	}
	if len(order.Items) != 1 {
		t.Fatalf("items = %d, want 1", len(order.Items))
	}
	item := order.Items[0]
	if item.UnitPrice != 450 || item.Name != "Cerveja Lata 350ml" || item.Delivered != 0 {
		t.Fatalf("unexpected item snapshot %+v", item)
	}
	if inserted.ID == "" || inserted.ID != order.ID {
		t.Fatalf("inserted order id mismatch: %q vs %q", inserted.ID, order.ID)
	}
}

func TestPlaceOrderVoucherFormat(t *testing.T) {
	fix := newCheckoutFixture()
	svc := fix.service(t)

	order, err := svc.PlaceOrder(context.Background(), validPlaceOrderCommand())
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	pattern := regexp.MustCompile(`^LV-[A-Z0-9]{8}$`)
	if !pattern.MatchString(order.Voucher) {
		t.Fatalf("voucher %q does not match %s", order.Voucher, pattern)
	}
}

func TestPlaceOrderRetriesVoucherCollisions(t *testing.T) {
	fix := newCheckoutFixture()
	taken := map[string]bool{"LV-AAAAAAAA": true}
	var probes []string
	fix.orders.findByVoucherFn = func(_ context.Context, voucher string) (domain.Order, error) {
		probes = append(probes, voucher)
		if taken[voucher] {
			return domain.Order{Voucher: voucher}, nil
		}
		return domain.Order{}, notFoundRepoError{}
	}

	codes := []string{"LV-AAAAAAAA", "LV-BBBBBBBB"}
	next := 0
	validator, err := NewCouponService(CouponServiceDeps{Coupons: fix.coupons})
	if err != nil {
		t.Fatalf("NewCouponService: %v", err)
	}
	svc, err := NewCheckoutService(CheckoutServiceDeps{
		Orders:    fix.orders,
		Products:  fix.products,
		Coupons:   fix.coupons,
		Validator: validator,
		Clock:     func() time.Time { return fix.now },
		VoucherGenerator: func() string {
			code := codes[next]
			next++
			return code
		},
	})
	if err != nil {
		t.Fatalf("NewCheckoutService: %v", err)
	}

	order, err := svc.PlaceOrder(context.Background(), validPlaceOrderCommand())
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if order.Voucher != "LV-BBBBBBBB" {
		t.Fatalf("voucher = %q, want the second candidate", order.Voucher)
	}
	if len(probes) != 2 {
		t.Fatalf("expected 2 uniqueness probes, got %d", len(probes))
	}
}

func TestPlaceOrderPixStartsAwaitingPayment(t *testing.T) {
	fix := newCheckoutFixture()
	adjusted := false
	fix.products.adjustStockFn = func(context.Context, []repositories.StockAdjustment, time.Time) error {
		adjusted = true
		return nil
	}
	svc := fix.service(t)

	cmd := validPlaceOrderCommand()
	cmd.PaymentMethod = domain.PaymentMethodPix
	order, err := svc.PlaceOrder(context.Background(), cmd)
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	if order.Status != domain.OrderStatusPendingPayment {
		t.Fatalf("status = %q, want %q", order.Status, domain.OrderStatusPendingPayment)
	}
	if order.PaidAt != nil {
		t.Fatal("pix order must not carry PaidAt before confirmation")
	}
	if adjusted {
		t.Fatal("stock must not be decremented before a pix order is paid")
	}
}

func TestPlaceOrderCounterMethodsAreBornPaid(t *testing.T) {
	for _, method := range []domain.PaymentMethod{
		domain.PaymentMethodCash,
		domain.PaymentMethodCredit,
		domain.PaymentMethodDebit,
		domain.PaymentMethodCard,
	} {
		t.Run(string(method), func(t *testing.T) {
			fix := newCheckoutFixture()
			var adjustments []repositories.StockAdjustment
			fix.products.adjustStockFn = func(_ context.Context, adj []repositories.StockAdjustment, _ time.Time) error {
				adjustments = adj
				return nil
			}
			svc := fix.service(t)

			cmd := validPlaceOrderCommand()
			cmd.PaymentMethod = method
			order, err := svc.PlaceOrder(context.Background(), cmd)
			if err != nil {
				t.Fatalf("PlaceOrder: %v", err)
			}

			if order.Status != domain.OrderStatusPaid {
				t.Fatalf("status = %q, want %q", order.Status, domain.OrderStatusPaid)
			}
			if order.PaidAt == nil || !order.PaidAt.Equal(fix.now) {
				t.Fatalf("PaidAt = %v, want %v", order.PaidAt, fix.now)
			}
			if len(adjustments) != 1 || adjustments[0].Units != -3 {
				t.Fatalf("unexpected stock adjustments %+v", adjustments)
			}
		})
	}
}

func TestPlaceOrderAppliesCouponAndRedeems(t *testing.T) {
	fix := newCheckoutFixture()
	fix.coupons.findByCodeFn = func(_ context.Context, code string) (domain.Coupon, error) {
		return domain.Coupon{
			ID:     code,
			Code:   code,
			Type:   domain.CouponTypeFixed,
			Value:  200,
			Active: true,
		}, nil
	}
	redeemed := ""
	fix.coupons.redeemFn = func(_ context.Context, code string, _ time.Time) (domain.Coupon, error) {
		redeemed = code
		return domain.Coupon{Code: code}, nil
	}
	svc := fix.service(t)

	cmd := validPlaceOrderCommand()
	cmd.CouponCode = " promo "
	order, err := svc.PlaceOrder(context.Background(), cmd)
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	if order.Discount != 200 {
		t.Fatalf("discount = %d, want 200", order.Discount)
	}
	if order.Total != 1150 {
		t.Fatalf("total = %d, want 1150", order.Total)
	}
	if order.CouponCode == nil || *order.CouponCode != "PROMO" {
		t.Fatalf("couponCode = %v, want PROMO", order.CouponCode)
	}
	if redeemed != "PROMO" {
		t.Fatalf("redeemed = %q, want PROMO", redeemed)
	}
}

func TestPlaceOrderTotalFloorsAtZero(t *testing.T) {
	fix := newCheckoutFixture()
	fix.products.findByIDFn = func(_ context.Context, productID string) (domain.Product, error) {
		return domain.Product{ID: productID, Name: "Refrigerante", Price: 100, Stock: 10, Available: true}, nil
	}
	fix.coupons.findByCodeFn = func(_ context.Context, code string) (domain.Coupon, error) {
		return domain.Coupon{ID: code, Code: code, Type: domain.CouponTypeFixed, Value: 10000, Active: true}, nil
	}
	fix.coupons.redeemFn = func(_ context.Context, code string, _ time.Time) (domain.Coupon, error) {
		return domain.Coupon{Code: code}, nil
	}
	svc := fix.service(t)

	cmd := validPlaceOrderCommand()
	cmd.Items = []CartLine{{ProductID: "prod-1", Quantity: 1}}
	cmd.CouponCode = "BIG"
	order, err := svc.PlaceOrder(context.Background(), cmd)
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if order.Total != 0 {
		t.Fatalf("total = %d, want 0", order.Total)
	}
}

func TestPlaceOrderRejectsInapplicableCoupon(t *testing.T) {
	fix := newCheckoutFixture()
	fix.coupons.findByCodeFn = func(context.Context, string) (domain.Coupon, error) {
		return domain.Coupon{}, notFoundRepoError{}
	}
	svc := fix.service(t)

	cmd := validPlaceOrderCommand()
	cmd.CouponCode = "NOPE"
	_, err := svc.PlaceOrder(context.Background(), cmd)
	if !errors.Is(err, ErrCheckoutCouponRejected) {
		t.Fatalf("expected ErrCheckoutCouponRejected, got %v", err)
	}
}

func TestPlaceOrderRejectsInsufficientStock(t *testing.T) {
	fix := newCheckoutFixture()
	fix.products.findByIDFn = func(_ context.Context, productID string) (domain.Product, error) {
		return domain.Product{ID: productID, Name: "Gelo 5kg", Price: 800, Stock: 2, Available: true}, nil
	}
	svc := fix.service(t)

	cmd := validPlaceOrderCommand()
	cmd.Items = []CartLine{{ProductID: "prod-1", Quantity: 3}}
	_, err := svc.PlaceOrder(context.Background(), cmd)
	if !errors.Is(err, ErrCheckoutOutOfStock) {
		t.Fatalf("expected ErrCheckoutOutOfStock, got %v", err)
	}
}

func TestPlaceOrderRejectsUnavailableProduct(t *testing.T) {
	fix := newCheckoutFixture()
	fix.products.findByIDFn = func(_ context.Context, productID string) (domain.Product, error) {
		return domain.Product{ID: productID, Name: "Vinho", Price: 4500, Stock: 10, Available: false}, nil
	}
	svc := fix.service(t)

	_, err := svc.PlaceOrder(context.Background(), validPlaceOrderCommand())
	if !errors.Is(err, ErrCheckoutInvalidInput) {
		t.Fatalf("expected ErrCheckoutInvalidInput, got %v", err)
	}
}

func TestPlaceOrderPublishesCreatedEvent(t *testing.T) {
	fix := newCheckoutFixture()
	svc := fix.service(t)

	order, err := svc.PlaceOrder(context.Background(), validPlaceOrderCommand())
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	if len(fix.publisher.events) != 1 {
		t.Fatalf("events = %d, want 1", len(fix.publisher.events))
	}
	event := fix.publisher.events[0]
	if event.Type != "order.created" || event.OrderID != order.ID || event.Voucher != order.Voucher {
		t.Fatalf("unexpected event %+v", event)
	}
}

type txMarkerKey struct{}

// recordingUnitOfWork tags the context so stubs can verify they were invoked
// inside the transactional callback.
type recordingUnitOfWork struct {
	calls int
}

func (u *recordingUnitOfWork) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	u.calls++
	return fn(context.WithValue(ctx, txMarkerKey{}, true))
}

func inTx(ctx context.Context) bool {
	marked, _ := ctx.Value(txMarkerKey{}).(bool)
	return marked
}

func TestPlaceOrderRunsSideEffectsInOneTransaction(t *testing.T) {
	fix := newCheckoutFixture()
	unit := &recordingUnitOfWork{}

	inside := map[string]bool{}
	fix.coupons.findByCodeFn = func(_ context.Context, code string) (domain.Coupon, error) {
		return domain.Coupon{ID: code, Code: code, Type: domain.CouponTypeFixed, Value: 200, Active: true}, nil
	}
	fix.coupons.redeemFn = func(ctx context.Context, code string, _ time.Time) (domain.Coupon, error) {
		inside["redeem"] = inTx(ctx)
		return domain.Coupon{Code: code}, nil
	}
	fix.orders.insertFn = func(ctx context.Context, _ domain.Order) error {
		inside["insert"] = inTx(ctx)
		return nil
	}
	fix.products.adjustStockFn = func(ctx context.Context, _ []repositories.StockAdjustment, _ time.Time) error {
		inside["adjustStock"] = inTx(ctx)
		return nil
	}
	fix.users.appendOrderFn = func(ctx context.Context, _, _ string, _ time.Time) error {
		inside["appendOrder"] = inTx(ctx)
		return nil
	}

	validator, err := NewCouponService(CouponServiceDeps{Coupons: fix.coupons, Clock: func() time.Time { return fix.now }})
	if err != nil {
		t.Fatalf("NewCouponService: %v", err)
	}
	svc, err := NewCheckoutService(CheckoutServiceDeps{
		Orders:     fix.orders,
		Products:   fix.products,
		Coupons:    fix.coupons,
		Users:      fix.users,
		Validator:  validator,
		UnitOfWork: unit,
		Publisher:  fix.publisher,
		Clock:      func() time.Time { return fix.now },
	})
	if err != nil {
		t.Fatalf("NewCheckoutService: %v", err)
	}

	cmd := validPlaceOrderCommand()
	cmd.CouponCode = "PROMO"
	if _, err := svc.PlaceOrder(context.Background(), cmd); err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	if unit.calls != 1 {
		t.Fatalf("RunInTx calls = %d, want 1", unit.calls)
	}
	for _, step := range []string{"redeem", "insert", "adjustStock", "appendOrder"} {
		if !inside[step] {
			t.Fatalf("%s ran outside the transaction (seen: %v)", step, inside)
		}
	}
}

func TestPlaceOrderStockFailureAbortsWholeCheckout(t *testing.T) {
	fix := newCheckoutFixture()
	unit := &recordingUnitOfWork{}

	inserted := false
	fix.orders.insertFn = func(context.Context, domain.Order) error {
		inserted = true
		return nil
	}
	fix.products.adjustStockFn = func(context.Context, []repositories.StockAdjustment, time.Time) error {
		return unavailableRepoError{}
	}

	validator, err := NewCouponService(CouponServiceDeps{Coupons: fix.coupons, Clock: func() time.Time { return fix.now }})
	if err != nil {
		t.Fatalf("NewCouponService: %v", err)
	}
	svc, err := NewCheckoutService(CheckoutServiceDeps{
		Orders:     fix.orders,
		Products:   fix.products,
		Coupons:    fix.coupons,
		Users:      fix.users,
		Validator:  validator,
		UnitOfWork: unit,
		Publisher:  fix.publisher,
		Clock:      func() time.Time { return fix.now },
	})
	if err != nil {
		t.Fatalf("NewCheckoutService: %v", err)
	}

	_, err = svc.PlaceOrder(context.Background(), validPlaceOrderCommand())
	if !errors.Is(err, ErrCheckoutUnavailable) {
		t.Fatalf("expected ErrCheckoutUnavailable, got %v", err)
	}
	// The insert ran inside the callback; the shared transaction is what
	// discards it when a later step fails.
	if !inserted {
		t.Fatal("insert was never attempted inside the transaction")
	}
	if len(fix.publisher.events) != 0 {
		t.Fatalf("no event may be published for an aborted checkout, got %+v", fix.publisher.events)
	}
}
