package domain

import (
	"time"
)

// SortOrder indicates ascending or descending ordering for list queries.
type SortOrder string

const (
	// SortAsc sorts results in ascending order.
	SortAsc SortOrder = "asc"
	// SortDesc sorts results in descending order.
	SortDesc SortOrder = "desc"
)

// RangeQuery represents inclusive range filters for numeric or timestamp fields.
type RangeQuery[T comparable] struct {
	From *T
	To   *T
}

// OrderStatus enumerates the order lifecycle states.
type OrderStatus string

const (
	// OrderStatusPendingPayment marks a pix order awaiting payment confirmation.
	OrderStatusPendingPayment OrderStatus = "pending.paid"
	// OrderStatusPaid marks an order whose payment has been confirmed.
	OrderStatusPaid OrderStatus = "paid"
	// OrderStatusPendingDelivery marks a paid order with at least one unit delivered.
	OrderStatusPendingDelivery OrderStatus = "pending.delivered"
	// OrderStatusDelivered marks an order with every unit handed over. Terminal.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled marks an order whose payment was rejected or cancelled. Terminal.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusRefunded marks an order whose payment was refunded. Terminal.
	OrderStatusRefunded OrderStatus = "refunded"
)

// PaymentMethod enumerates the payment instruments accepted at checkout.
type PaymentMethod string

const (
	// PaymentMethodPix is an asynchronous bank transfer confirmed by webhook.
	PaymentMethodPix PaymentMethod = "pix"
	// PaymentMethodCredit is a credit card charge settled at checkout.
	PaymentMethodCredit PaymentMethod = "credit"
	// PaymentMethodDebit is a debit card charge settled at checkout.
	PaymentMethodDebit PaymentMethod = "debit"
	// PaymentMethodCard is a card charge at the counter without a credit/debit split.
	PaymentMethodCard PaymentMethod = "card"
	// PaymentMethodCash is paid in person at pickup.
	PaymentMethodCash PaymentMethod = "cash"
)

// CouponType distinguishes percentage discounts from fixed amounts.
type CouponType string

const (
	// CouponTypePercentage discounts a percentage of the cart subtotal.
	CouponTypePercentage CouponType = "percentage"
	// CouponTypeFixed discounts a fixed amount in centavos.
	CouponTypeFixed CouponType = "fixed"
)

// Coupon defines a discount code redeemable at checkout.
//
// Value is a whole percentage (0-100) for percentage coupons and an amount in
// centavos for fixed coupons. MaxDiscount caps percentage discounts only.
type Coupon struct {
	ID          string
	Code        string
	Description string
	Type        CouponType
	Value       int64
	MinPurchase int64
	MaxDiscount *int64
	UsageLimit  *int64
	UsedCount   int64
	Active      bool
	ValidFrom   time.Time
	ValidUntil  time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// OrderItem is an immutable price snapshot of one cart line plus its delivery
// counter. DeliveredAt is stamped once, when the line reaches full delivery.
type OrderItem struct {
	ProductID   string
	Name        string
	UnitPrice   int64
	Quantity    int
	Delivered   int
	DeliveredAt *time.Time
}

// Order aggregates a placed order with its lifecycle timestamps.
//
// All money fields are centavos. TotalItems is the sum of line quantities and
// DeliveredItems the sum of per-line delivery counters; the order is delivered
// exactly when the two are equal.
type Order struct {
	ID             string
	Voucher        string
	UserID         string
	CustomerName   string
	CustomerPhone  string
	CustomerEmail  string
	Status         OrderStatus
	PaymentMethod  PaymentMethod
	Items          []OrderItem
	Subtotal       int64
	Discount       int64
	Total          int64
	CouponCode     *string
	Notes          string
	TotalItems     int
	DeliveredItems int
	PaymentRef     *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	PaidAt         *time.Time
	CompletedAt    *time.Time
	CancelledAt    *time.Time
	RefundedAt     *time.Time
}

// Product is a catalog entry sold by the storefront.
type Product struct {
	ID          string
	Name        string
	Description string
	Category    string
	Price       int64
	Stock       int64
	Available   bool
	ImageURL    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// UserProfile captures the customer profile mirrored from Firebase Auth.
type UserProfile struct {
	ID          string
	DisplayName string
	Email       string
	PhoneNumber string
	Roles       []string
	OrderIDs    []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// HealthStatus describes the outcome of a dependency probe.
type HealthStatus string

const (
	// HealthStatusOK means the dependency responded within budget.
	HealthStatusOK HealthStatus = "ok"
	// HealthStatusDegraded means the dependency responded with an error.
	HealthStatusDegraded HealthStatus = "degraded"
	// HealthStatusError means the dependency timed out or was unreachable.
	HealthStatusError HealthStatus = "error"
)

// SystemHealthCheck captures the result of probing a single dependency.
type SystemHealthCheck struct {
	Status    HealthStatus
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport summarises downstream dependency status for readiness checks.
type SystemHealthReport struct {
	Status      HealthStatus
	Checks      map[string]SystemHealthCheck
	GeneratedAt time.Time
}

// TerminalStatuses lists the states from which no further transition is legal.
var TerminalStatuses = []OrderStatus{
	OrderStatusDelivered,
	OrderStatusCancelled,
	OrderStatusRefunded,
}

// IsTerminal reports whether the status admits no further transitions.
func (s OrderStatus) IsTerminal() bool {
	for _, terminal := range TerminalStatuses {
		if s == terminal {
			return true
		}
	}
	return false
}
