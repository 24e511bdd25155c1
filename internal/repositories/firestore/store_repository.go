package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/lavka-market/api/internal/domain"
	pfirestore "github.com/lavka-market/api/internal/platform/firestore"
	"github.com/lavka-market/api/internal/repositories"
)

const storesCollection = "stores"

type storeDocument struct {
	Name        string    `firestore:"name"`
	Description string    `firestore:"description,omitempty"`
	AdminUserID string    `firestore:"adminUserId"`
	IsActive    bool      `firestore:"isActive"`
	CreatedAt   time.Time `firestore:"createdAt"`
	UpdatedAt   time.Time `firestore:"updatedAt"`
}

// StoreRepository resolves storefronts and their seller accounts.
type StoreRepository struct {
	stores *pfirestore.BaseRepository[storeDocument]
}

// NewStoreRepository constructs a Firestore-backed store repository.
func NewStoreRepository(provider *pfirestore.Provider) (*StoreRepository, error) {
	if provider == nil {
		return nil, errors.New("store repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[storeDocument](provider, storesCollection, nil, nil)
	return &StoreRepository{stores: base}, nil
}

// FindByID loads a single store.
func (r *StoreRepository) FindByID(ctx context.Context, storeID string) (domain.Store, error) {
	id := strings.TrimSpace(storeID)
	if id == "" {
		return domain.Store{}, errors.New("store repository: store id is required")
	}
	doc, err := r.stores.Get(ctx, id)
	if err != nil {
		return domain.Store{}, err
	}
	return decodeStoreDocument(doc.ID, doc.Data), nil
}

// ListByAdmin returns every store administered by the given seller account.
func (r *StoreRepository) ListByAdmin(ctx context.Context, adminUserID string) ([]domain.Store, error) {
	uid := strings.TrimSpace(adminUserID)
	if uid == "" {
		return nil, errors.New("store repository: admin user id is required")
	}
	docs, err := r.stores.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("adminUserId", "==", uid).OrderBy("createdAt", firestore.Asc)
	})
	if err != nil {
		return nil, err
	}
	stores := make([]domain.Store, 0, len(docs))
	for _, doc := range docs {
		stores = append(stores, decodeStoreDocument(doc.ID, doc.Data))
	}
	return stores, nil
}

func decodeStoreDocument(id string, doc storeDocument) domain.Store {
	return domain.Store{
		ID:          id,
		Name:        doc.Name,
		Description: doc.Description,
		AdminUserID: doc.AdminUserID,
		IsActive:    doc.IsActive,
		CreatedAt:   doc.CreatedAt,
		UpdatedAt:   doc.UpdatedAt,
	}
}

// Ensure interface compliance.
var _ repositories.StoreRepository = (*StoreRepository)(nil)
