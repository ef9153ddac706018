package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/lvdistribuidora/api/internal/domain"
	"github.com/lvdistribuidora/api/internal/repositories"
)

var (
	// ErrCouponInvalidInput indicates the caller supplied bad input.
	ErrCouponInvalidInput = errors.New("coupon: invalid input")
	// ErrCouponNotFound indicates no coupon exists for the given code.
	ErrCouponNotFound = errors.New("coupon: not found")
	// ErrCouponConflict indicates a concurrent update clashed, usually on the usage counter.
	ErrCouponConflict = errors.New("coupon: conflict")
	// ErrCouponUnavailable indicates the backing store is unreachable.
	ErrCouponUnavailable = errors.New("coupon: temporarily unavailable")
)

// CouponServiceDeps wires the dependencies required by the coupon service.
type CouponServiceDeps struct {
	Coupons repositories.CouponRepository
	Clock   func() time.Time
	Logger  func(ctx context.Context, event string, fields map[string]any)
}

type couponService struct {
	coupons repositories.CouponRepository
	clock   func() time.Time
	logger  func(ctx context.Context, event string, fields map[string]any)
}

// NewCouponService assembles the coupon service.
func NewCouponService(deps CouponServiceDeps) (CouponService, error) {
	if deps.Coupons == nil {
		return nil, errors.New("coupon service requires a coupon repository")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &couponService{
		coupons: deps.Coupons,
		clock:   func() time.Time { return clock().UTC() },
		logger:  logger,
	}, nil
}

// Validate checks whether the coupon applies to a cart of the given subtotal
// and computes the discount in centavos. A coupon that does not apply is not
// an error: the result carries the customer-facing reason.
func (s *couponService) Validate(ctx context.Context, cmd ValidateCouponCommand) (CouponValidation, error) {
	code := strings.ToUpper(strings.TrimSpace(cmd.Code))
	if code == "" {
		return CouponValidation{}, fmt.Errorf("%w: coupon code is required", ErrCouponInvalidInput)
	}
	if cmd.Subtotal < 0 {
		return CouponValidation{}, fmt.Errorf("%w: subtotal must not be negative", ErrCouponInvalidInput)
	}

	coupon, err := s.coupons.FindByCode(ctx, code)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return CouponValidation{Valid: false, Reason: "coupon not found"}, nil
		}
		return CouponValidation{}, s.mapRepositoryError(err)
	}

	now := s.clock()
	switch {
	case !coupon.Active:
		return CouponValidation{Valid: false, Reason: "coupon is inactive"}, nil
	case !coupon.ValidFrom.IsZero() && now.Before(coupon.ValidFrom):
		return CouponValidation{Valid: false, Reason: "coupon is not yet valid"}, nil
	case couponExpired(coupon, now):
		return CouponValidation{Valid: false, Reason: "coupon has expired"}, nil
	case coupon.UsageLimit != nil && coupon.UsedCount >= *coupon.UsageLimit:
		return CouponValidation{Valid: false, Reason: "coupon usage limit reached"}, nil
	case cmd.Subtotal < coupon.MinPurchase:
		return CouponValidation{Valid: false, Reason: fmt.Sprintf("purchase is below the coupon minimum of %s", formatCentavos(coupon.MinPurchase))}, nil
	}

	discount := CouponDiscount(coupon, cmd.Subtotal)
	return CouponValidation{Valid: true, Coupon: &coupon, Discount: discount}, nil
}

// List returns every coupon, newest first.
func (s *couponService) List(ctx context.Context) ([]Coupon, error) {
	coupons, err := s.coupons.List(ctx)
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	return coupons, nil
}

// Upsert creates or replaces a coupon. The code is normalised to uppercase and
// doubles as the document id, which keeps codes unique without extra lookups.
func (s *couponService) Upsert(ctx context.Context, cmd UpsertCouponCommand) (Coupon, error) {
	coupon := cmd.Coupon
	coupon.Code = strings.ToUpper(strings.TrimSpace(coupon.Code))
	coupon.Description = strings.TrimSpace(coupon.Description)
	if coupon.Code == "" {
		return Coupon{}, fmt.Errorf("%w: coupon code is required", ErrCouponInvalidInput)
	}
	switch coupon.Type {
	case domain.CouponTypePercentage:
		if coupon.Value <= 0 || coupon.Value > 100 {
			return Coupon{}, fmt.Errorf("%w: percentage value must be between 1 and 100", ErrCouponInvalidInput)
		}
	case domain.CouponTypeFixed:
		if coupon.Value <= 0 {
			return Coupon{}, fmt.Errorf("%w: fixed value must be positive", ErrCouponInvalidInput)
		}
	default:
		return Coupon{}, fmt.Errorf("%w: unknown coupon type %q", ErrCouponInvalidInput, coupon.Type)
	}
	if coupon.MinPurchase < 0 {
		return Coupon{}, fmt.Errorf("%w: minimum purchase must not be negative", ErrCouponInvalidInput)
	}
	if coupon.MaxDiscount != nil && coupon.Type != domain.CouponTypePercentage {
		return Coupon{}, fmt.Errorf("%w: max discount only applies to percentage coupons", ErrCouponInvalidInput)
	}
	if coupon.UsageLimit != nil && *coupon.UsageLimit <= 0 {
		return Coupon{}, fmt.Errorf("%w: usage limit must be positive", ErrCouponInvalidInput)
	}

	now := s.clock()
	coupon.ID = coupon.Code
	if coupon.CreatedAt.IsZero() {
		coupon.CreatedAt = now
	}
	coupon.UpdatedAt = now

	if err := s.coupons.Upsert(ctx, coupon); err != nil {
		return Coupon{}, s.mapRepositoryError(err)
	}
	s.logger(ctx, "coupon.upserted", map[string]any{"code": coupon.Code, "actor": cmd.ActorID})
	return coupon, nil
}

// Delete removes a coupon by code.
func (s *couponService) Delete(ctx context.Context, code string) error {
	normalised := strings.ToUpper(strings.TrimSpace(code))
	if normalised == "" {
		return fmt.Errorf("%w: coupon code is required", ErrCouponInvalidInput)
	}
	if err := s.coupons.Delete(ctx, normalised); err != nil {
		return s.mapRepositoryError(err)
	}
	return nil
}

func (s *couponService) mapRepositoryError(err error) error {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrCouponNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrCouponConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrCouponUnavailable, err)
		}
	}
	return err
}

// CouponDiscount computes the discount in centavos for the given subtotal.
// Percentage coupons round down and honour the optional cap. Fixed coupons
// return their face value; callers floor the final total at zero.
func CouponDiscount(coupon domain.Coupon, subtotal int64) int64 {
	switch coupon.Type {
	case domain.CouponTypePercentage:
		discount := subtotal * coupon.Value / 100
		if coupon.MaxDiscount != nil && discount > *coupon.MaxDiscount {
			discount = *coupon.MaxDiscount
		}
		return discount
	case domain.CouponTypeFixed:
		return coupon.Value
	default:
		return 0
	}
}

// formatCentavos renders a centavo amount as a customer-facing R$ value.
func formatCentavos(centavos int64) string {
	return fmt.Sprintf("R$ %d.%02d", centavos/100, centavos%100)
}

// couponExpired treats ValidUntil as inclusive through the end of its calendar
// day in UTC, so a coupon dated 2026-01-31 still works at 23:59 that day.
func couponExpired(coupon domain.Coupon, now time.Time) bool {
	if coupon.ValidUntil.IsZero() {
		return false
	}
	until := coupon.ValidUntil.UTC()
	endOfDay := time.Date(until.Year(), until.Month(), until.Day(), 23, 59, 59, int(time.Second-time.Nanosecond), time.UTC)
	return now.After(endOfDay)
}
