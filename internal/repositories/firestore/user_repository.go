package firestore

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/lvdistribuidora/api/internal/domain"
	pfirestore "github.com/lvdistribuidora/api/internal/platform/firestore"
	"github.com/lvdistribuidora/api/internal/repositories"
)

const userCollection = "users"

type userDocument struct {
	DisplayName string    `firestore:"displayName"`
	Email       string    `firestore:"email"`
	PhoneNumber string    `firestore:"phoneNumber,omitempty"`
	Roles       []string  `firestore:"roles"`
	OrderIDs    []string  `firestore:"orders"`
	CreatedAt   time.Time `firestore:"createdAt"`
	UpdatedAt   time.Time `firestore:"updatedAt"`
}

// UserRepository persists user profiles in Firestore. The document id is the
// Firebase UID, so lookups never need an index.
type UserRepository struct {
	base     *pfirestore.Collection[userDocument]
	provider *pfirestore.Provider
}

var _ repositories.UserRepository = (*UserRepository)(nil)

// NewUserRepository constructs a Firestore-backed user repository.
func NewUserRepository(provider *pfirestore.Provider) (*UserRepository, error) {
	if provider == nil {
		return nil, errors.New("user repository requires firestore provider")
	}
	base := pfirestore.NewCollection[userDocument](provider, userCollection)
	return &UserRepository{base: base, provider: provider}, nil
}

// FindByID loads the user profile by UID.
func (r *UserRepository) FindByID(ctx context.Context, userID string) (domain.UserProfile, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.UserProfile{}, errors.New("user id is required")
	}

	doc, err := r.base.Get(ctx, userID)
	if err != nil {
		return domain.UserProfile{}, err
	}

	profile := toDomainProfile(doc.ID, doc.Data)
	if profile.CreatedAt.IsZero() {
		profile.CreatedAt = doc.CreateTime
	}
	if profile.UpdatedAt.IsZero() {
		profile.UpdatedAt = doc.UpdateTime
	}
	return profile, nil
}

// UpsertProfile writes the profile document, preserving the existing order
// index when the caller did not carry one, and returns the stored profile.
func (r *UserRepository) UpsertProfile(ctx context.Context, profile domain.UserProfile) (domain.UserProfile, error) {
	if strings.TrimSpace(profile.ID) == "" {
		return domain.UserProfile{}, errors.New("profile id is required")
	}

	now := time.Now().UTC()
	doc := fromDomainProfile(profile, now)

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.base.Doc(ctx, profile.ID)
		if err != nil {
			return err
		}
		snapshot, err := tx.Get(ref)
		switch {
		case err == nil:
			var existing userDocument
			if err := snapshot.DataTo(&existing); err != nil {
				return err
			}
			if len(doc.OrderIDs) == 0 {
				doc.OrderIDs = existing.OrderIDs
			}
			if !existing.CreatedAt.IsZero() {
				doc.CreatedAt = existing.CreatedAt
			}
		case status.Code(err) == codes.NotFound:
			// First write for this UID.
		default:
			return err
		}
		return tx.Set(ref, doc)
	})
	if err != nil {
		return domain.UserProfile{}, pfirestore.WrapError("users.upsert", err)
	}
	return toDomainProfile(profile.ID, doc), nil
}

// AppendOrder records the order id on the user document. ArrayUnion keeps the
// operation idempotent for webhook and checkout retries, and the merge write
// creates the document when the profile has not been stored yet. Inside an
// ambient unit the write is staged with the rest of the checkout.
func (r *UserRepository) AppendOrder(ctx context.Context, userID, orderID string, now time.Time) error {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(orderID) == "" {
		return errors.New("user id and order id are required")
	}

	ref, err := r.base.Doc(ctx, userID)
	if err != nil {
		return err
	}
	payload := map[string]any{
		"orders":    firestore.ArrayUnion(orderID),
		"updatedAt": now.UTC(),
	}
	if unit, ok := pfirestore.UnitFrom(ctx); ok {
		unit.Stage(func(tx *firestore.Transaction) error {
			return tx.Set(ref, payload, firestore.MergeAll)
		})
		return nil
	}
	if _, err := ref.Set(ctx, payload, firestore.MergeAll); err != nil {
		return pfirestore.WrapError("users.appendOrder", err)
	}
	return nil
}

func toDomainProfile(id string, doc userDocument) domain.UserProfile {
	return domain.UserProfile{
		ID:          id,
		DisplayName: doc.DisplayName,
		Email:       strings.TrimSpace(doc.Email),
		PhoneNumber: strings.TrimSpace(doc.PhoneNumber),
		Roles:       cloneStringSlice(doc.Roles),
		OrderIDs:    cloneStringSlice(doc.OrderIDs),
		CreatedAt:   doc.CreatedAt,
		UpdatedAt:   doc.UpdatedAt,
	}
}

func fromDomainProfile(profile domain.UserProfile, now time.Time) userDocument {
	doc := userDocument{
		DisplayName: strings.TrimSpace(profile.DisplayName),
		Email:       strings.ToLower(strings.TrimSpace(profile.Email)),
		PhoneNumber: strings.TrimSpace(profile.PhoneNumber),
		Roles:       normaliseRoles(profile.Roles),
		OrderIDs:    cloneStringSlice(profile.OrderIDs),
		CreatedAt:   profile.CreatedAt,
		UpdatedAt:   now,
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	if doc.Roles == nil {
		doc.Roles = []string{}
	}
	return doc
}

func cloneStringSlice(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, len(values))
	copy(out, values)
	return out
}

func normaliseRoles(roles []string) []string {
	if len(roles) == 0 {
		return nil
	}
	uniq := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		trimmed := strings.ToLower(strings.TrimSpace(role))
		if trimmed == "" {
			continue
		}
		uniq[trimmed] = struct{}{}
	}
	if len(uniq) == 0 {
		return nil
	}
	normalised := make([]string, 0, len(uniq))
	for role := range uniq {
		normalised = append(normalised, role)
	}
	sort.Strings(normalised)
	return normalised
}
