package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/shopspring/decimal"

	domain "github.com/lavka-market/api/internal/domain"
	pfirestore "github.com/lavka-market/api/internal/platform/firestore"
	"github.com/lavka-market/api/internal/repositories"
)

const productsCollection = "products"

// Firestore caps the number of values an "in" filter accepts.
const maxProductBatch = 30

type productDocument struct {
	StoreID   string    `firestore:"storeId"`
	Name      string    `firestore:"name"`
	Cost      string    `firestore:"cost"`
	IsActive  bool      `firestore:"isActive"`
	CreatedAt time.Time `firestore:"createdAt"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

// ProductRepository reads catalogue entries used to price carts and freeze
// order positions.
type ProductRepository struct {
	products *pfirestore.BaseRepository[productDocument]
	provider *pfirestore.Provider
}

// NewProductRepository constructs a Firestore-backed product repository.
func NewProductRepository(provider *pfirestore.Provider) (*ProductRepository, error) {
	if provider == nil {
		return nil, errors.New("product repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[productDocument](provider, productsCollection, nil, nil)
	return &ProductRepository{products: base, provider: provider}, nil
}

// FindByID loads a single product.
func (r *ProductRepository) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	id := strings.TrimSpace(productID)
	if id == "" {
		return domain.Product{}, errors.New("product repository: product id is required")
	}
	doc, err := r.products.Get(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}
	return decodeProductDocument(doc.ID, doc.Data)
}

// FindByIDs resolves a batch of products keyed by id. Missing ids are absent
// from the result rather than failing the lookup.
func (r *ProductRepository) FindByIDs(ctx context.Context, productIDs []string) (map[string]domain.Product, error) {
	ids := make([]string, 0, len(productIDs))
	seen := make(map[string]struct{}, len(productIDs))
	for _, raw := range productIDs {
		id := strings.TrimSpace(raw)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	result := make(map[string]domain.Product, len(ids))
	for start := 0; start < len(ids); start += maxProductBatch {
		end := start + maxProductBatch
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]
		docs, err := r.products.Query(ctx, func(q firestore.Query) firestore.Query {
			return q.Where(firestore.DocumentID, "in", batch)
		})
		if err != nil {
			return nil, err
		}
		for _, doc := range docs {
			product, err := decodeProductDocument(doc.ID, doc.Data)
			if err != nil {
				return nil, err
			}
			result[product.ID] = product
		}
	}
	return result, nil
}

func decodeProductDocument(id string, doc productDocument) (domain.Product, error) {
	cost, err := decimal.NewFromString(doc.Cost)
	if err != nil {
		return domain.Product{}, fmt.Errorf("decode product %s cost %q: %w", id, doc.Cost, err)
	}
	return domain.Product{
		ID:        id,
		StoreID:   doc.StoreID,
		Name:      doc.Name,
		Cost:      cost,
		IsActive:  doc.IsActive,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}, nil
}

// Ensure interface compliance.
var _ repositories.ProductRepository = (*ProductRepository)(nil)
