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
)

const couponCollection = "coupons"

type couponDocument struct {
	Code        string     `firestore:"code"`
	Description string     `firestore:"description,omitempty"`
	Type        string     `firestore:"type"`
	Value       int64      `firestore:"value"`
	MinPurchase int64      `firestore:"minPurchase"`
	MaxDiscount *int64     `firestore:"maxDiscount,omitempty"`
	UsageLimit  *int64     `firestore:"usageLimit,omitempty"`
	UsedCount   int64      `firestore:"usedCount"`
	Active      bool       `firestore:"active"`
	ValidFrom   time.Time  `firestore:"validFrom"`
	ValidUntil  time.Time  `firestore:"validUntil"`
	CreatedAt   time.Time  `firestore:"createdAt"`
	UpdatedAt   time.Time  `firestore:"updatedAt"`
}

// CouponRepository persists coupons keyed by their normalised code so the
// code-uniqueness invariant is enforced by the document id.
type CouponRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.Collection[couponDocument]
}

// NewCouponRepository constructs a Firestore-backed coupon repository.
func NewCouponRepository(provider *pfirestore.Provider) (*CouponRepository, error) {
	if provider == nil {
		return nil, errors.New("coupon repository requires firestore provider")
	}
	base := pfirestore.NewCollection[couponDocument](provider, couponCollection)
	return &CouponRepository{provider: provider, base: base}, nil
}

// Upsert writes the coupon definition under its normalised code.
func (r *CouponRepository) Upsert(ctx context.Context, coupon domain.Coupon) error {
	code := normaliseCouponCode(coupon.Code)
	if code == "" {
		return errors.New("coupon code is required")
	}
	return r.base.Set(ctx, code, fromDomainCoupon(coupon))
}

// Delete removes the coupon document.
func (r *CouponRepository) Delete(ctx context.Context, couponID string) error {
	ref, err := r.base.Doc(ctx, normaliseCouponCode(couponID))
	if err != nil {
		return err
	}
	if _, err := ref.Delete(ctx); err != nil {
		return pfirestore.WrapError("coupons.delete", err)
	}
	return nil
}

// FindByCode loads the coupon by its normalised code.
func (r *CouponRepository) FindByCode(ctx context.Context, code string) (domain.Coupon, error) {
	normalised := normaliseCouponCode(code)
	if normalised == "" {
		return domain.Coupon{}, pfirestore.WrapError("coupons.get", status.Error(codes.NotFound, "coupon code is empty"))
	}
	doc, err := r.base.Get(ctx, normalised)
	if err != nil {
		return domain.Coupon{}, err
	}
	return toDomainCoupon(doc.ID, doc.Data), nil
}

// List returns every coupon ordered by creation time, newest first.
func (r *CouponRepository) List(ctx context.Context) ([]domain.Coupon, error) {
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.OrderBy("createdAt", firestore.Desc)
	})
	if err != nil {
		return nil, err
	}
	coupons := make([]domain.Coupon, 0, len(docs))
	for _, doc := range docs {
		coupons = append(coupons, toDomainCoupon(doc.ID, doc.Data))
	}
	return coupons, nil
}

// Redeem increments the coupon's usedCount inside a transaction. The increment
// is refused with a conflict error when it would exceed the usage limit, so a
// burst of concurrent redemptions can never oversell the coupon. Inside an
// ambient unit the read happens immediately and the write is staged, making
// the redemption atomic with the caller's other writes.
func (r *CouponRepository) Redeem(ctx context.Context, code string, now time.Time) (domain.Coupon, error) {
	normalised := normaliseCouponCode(code)
	if normalised == "" {
		return domain.Coupon{}, errors.New("coupon code is required")
	}

	if unit, ok := pfirestore.UnitFrom(ctx); ok {
		redeemed, err := r.redeemInUnit(ctx, unit, normalised, now)
		if err != nil {
			return domain.Coupon{}, pfirestore.WrapError("coupons.redeem", err)
		}
		return redeemed, nil
	}

	var redeemed domain.Coupon
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.base.Doc(ctx, normalised)
		if err != nil {
			return err
		}

		snapshot, err := tx.Get(ref)
		if err != nil {
			return err
		}

		var doc couponDocument
		if err := snapshot.DataTo(&doc); err != nil {
			return err
		}

		doc, err = redeemDocument(doc, normalised, now)
		if err != nil {
			return err
		}
		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		redeemed = toDomainCoupon(normalised, doc)
		return nil
	})
	if err != nil {
		return domain.Coupon{}, pfirestore.WrapError("coupons.redeem", err)
	}
	return redeemed, nil
}

func (r *CouponRepository) redeemInUnit(ctx context.Context, unit *pfirestore.Unit, code string, now time.Time) (domain.Coupon, error) {
	ref, err := r.base.Doc(ctx, code)
	if err != nil {
		return domain.Coupon{}, err
	}
	snapshot, err := unit.Get(ref)
	if err != nil {
		return domain.Coupon{}, err
	}
	var doc couponDocument
	if err := snapshot.DataTo(&doc); err != nil {
		return domain.Coupon{}, err
	}
	doc, err = redeemDocument(doc, code, now)
	if err != nil {
		return domain.Coupon{}, err
	}
	unit.Stage(func(tx *firestore.Transaction) error {
		return tx.Set(ref, doc)
	})
	return toDomainCoupon(code, doc), nil
}

func redeemDocument(doc couponDocument, code string, now time.Time) (couponDocument, error) {
	if doc.UsageLimit != nil && doc.UsedCount >= *doc.UsageLimit {
		return couponDocument{}, status.Errorf(codes.FailedPrecondition, "coupon %s usage limit %d reached", code, *doc.UsageLimit)
	}
	doc.UsedCount++
	doc.UpdatedAt = now.UTC()
	return doc, nil
}

func normaliseCouponCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func fromDomainCoupon(coupon domain.Coupon) couponDocument {
	doc := couponDocument{
		Code:        normaliseCouponCode(coupon.Code),
		Description: coupon.Description,
		Type:        string(coupon.Type),
		Value:       coupon.Value,
		MinPurchase: coupon.MinPurchase,
		MaxDiscount: coupon.MaxDiscount,
		UsageLimit:  coupon.UsageLimit,
		UsedCount:   coupon.UsedCount,
		Active:      coupon.Active,
		ValidFrom:   coupon.ValidFrom.UTC(),
		ValidUntil:  coupon.ValidUntil.UTC(),
		CreatedAt:   coupon.CreatedAt.UTC(),
		UpdatedAt:   coupon.UpdatedAt.UTC(),
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = doc.UpdatedAt
	}
	return doc
}

func toDomainCoupon(id string, doc couponDocument) domain.Coupon {
	return domain.Coupon{
		ID:          id,
		Code:        doc.Code,
		Description: doc.Description,
		Type:        domain.CouponType(doc.Type),
		Value:       doc.Value,
		MinPurchase: doc.MinPurchase,
		MaxDiscount: doc.MaxDiscount,
		UsageLimit:  doc.UsageLimit,
		UsedCount:   doc.UsedCount,
		Active:      doc.Active,
		ValidFrom:   doc.ValidFrom,
		ValidUntil:  doc.ValidUntil,
		CreatedAt:   doc.CreatedAt,
		UpdatedAt:   doc.UpdatedAt,
	}
}
