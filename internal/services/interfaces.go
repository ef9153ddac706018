package services

import (
	"context"
	"time"

	domain "github.com/lvdistribuidora/api/internal/domain"
	"github.com/lvdistribuidora/api/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	SortOrder          = domain.SortOrder
	Order              = domain.Order
	OrderItem          = domain.OrderItem
	OrderStatus        = domain.OrderStatus
	PaymentMethod      = domain.PaymentMethod
	Coupon             = domain.Coupon
	CouponType         = domain.CouponType
	Product            = domain.Product
	UserProfile        = domain.UserProfile
	SystemHealthReport = domain.SystemHealthReport
)

// CouponService validates and administers discount coupons.
type CouponService interface {
	Validate(ctx context.Context, cmd ValidateCouponCommand) (CouponValidation, error)
	List(ctx context.Context) ([]Coupon, error)
	Upsert(ctx context.Context, cmd UpsertCouponCommand) (Coupon, error)
	Delete(ctx context.Context, code string) error
}

// CheckoutService builds new orders from a validated cart.
type CheckoutService interface {
	PlaceOrder(ctx context.Context, cmd PlaceOrderCommand) (Order, error)
}

// OrderService encapsulates order reads and lifecycle transitions.
type OrderService interface {
	GetOrder(ctx context.Context, cmd GetOrderCommand) (Order, error)
	GetOrderByVoucher(ctx context.Context, cmd GetOrderByVoucherCommand) (Order, error)
	ListOrders(ctx context.Context, filter OrderListFilter) ([]Order, error)
	ListOrdersForUser(ctx context.Context, userID string) ([]Order, error)
	ConfirmPayment(ctx context.Context, cmd ConfirmPaymentCommand) (Order, error)
	ConfirmPickupReadiness(ctx context.Context, cmd PickupReadinessCommand) (Order, error)
	MarkItemDelivered(ctx context.Context, cmd MarkItemDeliveredCommand) (Order, error)
	MarkAllDelivered(ctx context.Context, cmd MarkAllDeliveredCommand) (Order, error)
	ApplyPaymentStatus(ctx context.Context, cmd ApplyPaymentStatusCommand) (PaymentStatusResult, error)
}

// PaymentService fronts the payment gateway for preference creation and
// webhook reconciliation.
type PaymentService interface {
	CreatePreference(ctx context.Context, cmd CreatePreferenceCommand) (PreferenceResult, error)
	HandleNotification(ctx context.Context, cmd PaymentNotificationCommand) (NotificationResult, error)
}

// CatalogService manages the product catalog for both storefront and admin surfaces.
type CatalogService interface {
	ListProducts(ctx context.Context, filter ProductFilter) ([]Product, error)
	GetProduct(ctx context.Context, productID string) (Product, error)
	UpsertProduct(ctx context.Context, cmd UpsertProductCommand) (Product, error)
	DeleteProduct(ctx context.Context, productID string) error
}

// DashboardService aggregates sales metrics for the admin dashboard.
type DashboardService interface {
	Stats(ctx context.Context, now time.Time) (DashboardStats, error)
}

// SystemService aggregates utility endpoints such as health checks.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// OrderEventPublisher accepts order lifecycle notifications for downstream processing.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// Command and DTO definitions ------------------------------------------------

type ValidateCouponCommand struct {
	Code     string
	Subtotal int64
}

// CouponValidation reports whether a coupon applies and the discount it yields
// in centavos. Reason carries a customer-facing message when Valid is false.
type CouponValidation struct {
	Valid    bool
	Reason   string
	Coupon   *Coupon
	Discount int64
}

type UpsertCouponCommand struct {
	Coupon  Coupon
	ActorID string
}

type PlaceOrderCommand struct {
	UserID        string
	CustomerName  string
	CustomerPhone string
	CustomerEmail string
	PaymentMethod PaymentMethod
	Items         []CartLine
	CouponCode    string
	Notes         string
}

type CartLine struct {
	ProductID string
	Quantity  int
}

type GetOrderCommand struct {
	OrderID string
	Actor   Actor
}

type GetOrderByVoucherCommand struct {
	VoucherCode string
	Actor       Actor
}

type OrderListFilter = repositories.OrderListFilter

type ConfirmPaymentCommand struct {
	OrderID    string
	PaymentRef *string
	Actor      Actor
}

type PickupReadinessCommand struct {
	OrderID string
	Actor   Actor
}

type MarkItemDeliveredCommand struct {
	OrderID   string
	ItemIndex int
	Units     int
	Actor     Actor
}

type MarkAllDeliveredCommand struct {
	OrderID string
	Actor   Actor
}

type ApplyPaymentStatusCommand struct {
	OrderID       string
	PaymentID     string
	PaymentStatus string
}

// PaymentStatusResult reports what the reconciliation did with a gateway status.
type PaymentStatusResult struct {
	Order   Order
	Applied bool
	Message string
}

// Actor identifies who is performing an operation so services can enforce
// owner-or-staff rules.
type Actor struct {
	UserID string
	Roles  []string
}

// IsStaff reports whether the actor carries a staff or admin role.
func (a Actor) IsStaff() bool {
	for _, role := range a.Roles {
		switch role {
		case "staff", "admin":
			return true
		}
	}
	return false
}

type CreatePreferenceCommand struct {
	OrderID       string
	Items         []PreferenceItem
	CustomerEmail string
	CustomerName  string
	CustomerPhone string
}

type PreferenceItem struct {
	Title     string
	Quantity  int
	UnitPrice int64
}

type PreferenceResult struct {
	ID               string
	InitPoint        string
	SandboxInitPoint string
}

type PaymentNotificationCommand struct {
	Type       string
	ResourceID string
}

// NotificationResult is the acknowledgement returned to the gateway.
type NotificationResult struct {
	Success       bool
	Message       string
	OrderID       string
	PaymentStatus string
}

type ProductFilter = repositories.ProductListFilter

type UpsertProductCommand struct {
	Product Product
	ActorID string
}

// DashboardStats aggregates revenue and order metrics. Monetary values are in
// centavos.
type DashboardStats struct {
	Revenue        PeriodStats
	Orders         PeriodStats
	AverageTicket  int64
	Customers      CustomerPeriodStats
	OrdersByStatus map[string]int
	PaymentMethods map[string]PaymentMethodStat
	TopProducts    []ProductStat
	TopCustomers   []CustomerStat
	SalesByDay     []DailySales
}

type PeriodStats struct {
	Today int64
	Week  int64
	Month int64
	Year  int64
}

// CustomerPeriodStats counts distinct buyers per trailing window.
type CustomerPeriodStats struct {
	Today int
	Week  int
	Month int
	Year  int
}

// PaymentMethodStat summarises one payment method's share of settled sales.
// Percent is the method's slice of settled revenue, rounded to two decimals.
type PaymentMethodStat struct {
	Orders  int
	Total   int64
	Percent float64
}

type ProductStat struct {
	ProductID string
	Name      string
	Units     int64
	Revenue   int64
}

type CustomerStat struct {
	UserID string
	Name   string
	Orders int
	Total  int64
}

type DailySales struct {
	Day     string
	Orders  int
	Revenue int64
}

// OrderEvent is published on lifecycle transitions for downstream consumers.
type OrderEvent struct {
	Type       string
	OrderID    string
	Voucher    string
	UserID     string
	Status     OrderStatus
	Total      int64
	OccurredAt time.Time
}
