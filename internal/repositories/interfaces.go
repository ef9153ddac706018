package repositories

import (
	"context"
	"time"

	domain "github.com/lvdistribuidora/api/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderRepository persists order documents and provides query helpers for customers and staff.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	Update(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	FindByVoucher(ctx context.Context, voucher string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) ([]domain.Order, error)
	// Mutate applies fn to the order inside a Firestore transaction and persists
	// the result. fn sees the freshest committed document on every retry.
	Mutate(ctx context.Context, orderID string, fn func(order *domain.Order) error) (domain.Order, error)
}

// OrderListFilter narrows order listings.
type OrderListFilter struct {
	UserID    string
	Status    []domain.OrderStatus
	DateRange domain.RangeQuery[time.Time]
	Limit     int
}

// CouponRepository maintains coupon definitions and their redemption counters.
type CouponRepository interface {
	Upsert(ctx context.Context, coupon domain.Coupon) error
	Delete(ctx context.Context, couponID string) error
	FindByCode(ctx context.Context, code string) (domain.Coupon, error)
	List(ctx context.Context) ([]domain.Coupon, error)
	// Redeem increments usedCount by one inside a transaction, failing with a
	// conflict error when the usage limit has been reached.
	Redeem(ctx context.Context, code string, now time.Time) (domain.Coupon, error)
}

// StockAdjustment decrements (positive Units) available stock for a product.
type StockAdjustment struct {
	ProductID string
	Units     int64
}

// ProductRepository stores catalog entries.
type ProductRepository interface {
	Upsert(ctx context.Context, product domain.Product) error
	Delete(ctx context.Context, productID string) error
	FindByID(ctx context.Context, productID string) (domain.Product, error)
	List(ctx context.Context, filter ProductListFilter) ([]domain.Product, error)
	// AdjustStock applies all adjustments in one transaction, clamping each
	// resulting stock level at zero.
	AdjustStock(ctx context.Context, adjustments []StockAdjustment, now time.Time) error
}

// ProductListFilter narrows product listings.
type ProductListFilter struct {
	Category      string
	OnlyAvailable bool
}

// UserRepository stores customer profiles and their order index.
type UserRepository interface {
	FindByID(ctx context.Context, userID string) (domain.UserProfile, error)
	UpsertProfile(ctx context.Context, profile domain.UserProfile) (domain.UserProfile, error)
	// AppendOrder adds the order id to the user's order index without
	// clobbering concurrent appends.
	AppendOrder(ctx context.Context, userID string, orderID string, now time.Time) error
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// Registry exposes the full repository set plus the transactional boundary.
// The composition root provides a Firestore-backed implementation; tests can
// supply in-memory fakes.
type Registry interface {
	UnitOfWork
	Orders() OrderRepository
	Coupons() CouponRepository
	Products() ProductRepository
	Users() UserRepository
	Health() HealthRepository
	Close(ctx context.Context) error
}
