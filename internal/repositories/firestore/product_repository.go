package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/lvdistribuidora/api/internal/domain"
	pfirestore "github.com/lvdistribuidora/api/internal/platform/firestore"
	"github.com/lvdistribuidora/api/internal/repositories"
)

const productCollection = "products"

type productDocument struct {
	Name        string    `firestore:"name"`
	Description string    `firestore:"description,omitempty"`
	Category    string    `firestore:"category"`
	Price       int64     `firestore:"price"`
	Stock       int64     `firestore:"stock"`
	Available   bool      `firestore:"available"`
	ImageURL    string    `firestore:"imageUrl,omitempty"`
	CreatedAt   time.Time `firestore:"createdAt"`
	UpdatedAt   time.Time `firestore:"updatedAt"`
}

// ProductRepository persists catalog products in Firestore.
type ProductRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.Collection[productDocument]
}

var _ repositories.ProductRepository = (*ProductRepository)(nil)

// NewProductRepository constructs a Firestore-backed product repository.
func NewProductRepository(provider *pfirestore.Provider) (*ProductRepository, error) {
	if provider == nil {
		return nil, errors.New("product repository requires firestore provider")
	}
	base := pfirestore.NewCollection[productDocument](provider, productCollection)
	return &ProductRepository{provider: provider, base: base}, nil
}

// Upsert writes the product document.
func (r *ProductRepository) Upsert(ctx context.Context, product domain.Product) error {
	return r.base.Set(ctx, product.ID, fromDomainProduct(product))
}

// Delete removes the product document.
func (r *ProductRepository) Delete(ctx context.Context, productID string) error {
	ref, err := r.base.Doc(ctx, productID)
	if err != nil {
		return err
	}
	if _, err := ref.Delete(ctx); err != nil {
		return pfirestore.WrapError("products.delete", err)
	}
	return nil
}

// FindByID loads the product by document id.
func (r *ProductRepository) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	doc, err := r.base.Get(ctx, productID)
	if err != nil {
		return domain.Product{}, err
	}
	return toDomainProduct(doc.ID, doc.Data), nil
}

// List queries the catalog, optionally narrowed by category and availability.
func (r *ProductRepository) List(ctx context.Context, filter repositories.ProductListFilter) ([]domain.Product, error) {
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		if category := strings.TrimSpace(filter.Category); category != "" {
			q = q.Where("category", "==", category)
		}
		if filter.OnlyAvailable {
			q = q.Where("available", "==", true)
		}
		return q.OrderBy("name", firestore.Asc)
	})
	if err != nil {
		return nil, err
	}
	products := make([]domain.Product, 0, len(docs))
	for _, doc := range docs {
		products = append(products, toDomainProduct(doc.ID, doc.Data))
	}
	return products, nil
}

// AdjustStock applies all adjustments in one transaction. Negative units
// decrement stock; the stored value never drops below zero. Missing products
// abort the whole batch. Inside an ambient unit the documents are read right
// away and the writes are staged alongside the caller's other writes.
func (r *ProductRepository) AdjustStock(ctx context.Context, adjustments []repositories.StockAdjustment, now time.Time) error {
	if len(adjustments) == 0 {
		return nil
	}
	if unit, ok := pfirestore.UnitFrom(ctx); ok {
		if err := r.adjustStockInUnit(ctx, unit, adjustments, now); err != nil {
			return pfirestore.WrapError("products.adjustStock", err)
		}
		return nil
	}
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		type pendingWrite struct {
			ref *firestore.DocumentRef
			doc productDocument
		}
		writes := make([]pendingWrite, 0, len(adjustments))
		for _, adjustment := range adjustments {
			ref, doc, err := r.adjustedDocument(ctx, adjustment, now, tx.Get)
			if err != nil {
				return err
			}
			writes = append(writes, pendingWrite{ref: ref, doc: doc})
		}
		// All reads happen before any write per Firestore transaction rules.
		for _, write := range writes {
			if err := tx.Set(write.ref, write.doc); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return pfirestore.WrapError("products.adjustStock", err)
	}
	return nil
}

func (r *ProductRepository) adjustStockInUnit(ctx context.Context, unit *pfirestore.Unit, adjustments []repositories.StockAdjustment, now time.Time) error {
	for _, adjustment := range adjustments {
		ref, doc, err := r.adjustedDocument(ctx, adjustment, now, unit.Get)
		if err != nil {
			return err
		}
		unit.Stage(func(tx *firestore.Transaction) error {
			return tx.Set(ref, doc)
		})
	}
	return nil
}

func (r *ProductRepository) adjustedDocument(ctx context.Context, adjustment repositories.StockAdjustment, now time.Time, get func(*firestore.DocumentRef) (*firestore.DocumentSnapshot, error)) (*firestore.DocumentRef, productDocument, error) {
	ref, err := r.base.Doc(ctx, adjustment.ProductID)
	if err != nil {
		return nil, productDocument{}, err
	}
	snapshot, err := get(ref)
	if err != nil {
		return nil, productDocument{}, err
	}
	var doc productDocument
	if err := snapshot.DataTo(&doc); err != nil {
		return nil, productDocument{}, err
	}
	doc.Stock += adjustment.Units
	if doc.Stock < 0 {
		doc.Stock = 0
	}
	doc.UpdatedAt = now.UTC()
	return ref, doc, nil
}

func fromDomainProduct(product domain.Product) productDocument {
	return productDocument{
		Name:        strings.TrimSpace(product.Name),
		Description: strings.TrimSpace(product.Description),
		Category:    strings.TrimSpace(product.Category),
		Price:       product.Price,
		Stock:       product.Stock,
		Available:   product.Available,
		ImageURL:    strings.TrimSpace(product.ImageURL),
		CreatedAt:   product.CreatedAt.UTC(),
		UpdatedAt:   product.UpdatedAt.UTC(),
	}
}

func toDomainProduct(id string, doc productDocument) domain.Product {
	return domain.Product{
		ID:          id,
		Name:        doc.Name,
		Description: doc.Description,
		Category:    doc.Category,
		Price:       doc.Price,
		Stock:       doc.Stock,
		Available:   doc.Available,
		ImageURL:    doc.ImageURL,
		CreatedAt:   doc.CreatedAt,
		UpdatedAt:   doc.UpdatedAt,
	}
}
