package firestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/shopspring/decimal"
	"google.golang.org/api/iterator"

	domain "github.com/lavka-market/api/internal/domain"
	pfirestore "github.com/lavka-market/api/internal/platform/firestore"
	"github.com/lavka-market/api/internal/repositories"
)

// OrderPositionRepository stores the frozen line snapshots of an order in a
// subcollection under the order document.
type OrderPositionRepository struct {
	provider *pfirestore.Provider
}

// NewOrderPositionRepository constructs a Firestore-backed position repository.
func NewOrderPositionRepository(provider *pfirestore.Provider) (*OrderPositionRepository, error) {
	if provider == nil {
		return nil, errors.New("order position repository requires firestore provider")
	}
	return &OrderPositionRepository{provider: provider}, nil
}

// InsertAll writes every position snapshot under the order. Positions are
// write-once; an existing document with the same id fails the batch.
func (r *OrderPositionRepository) InsertAll(ctx context.Context, orderID string, positions []domain.OrderPosition) error {
	coll, err := r.collection(ctx, orderID)
	if err != nil {
		return err
	}
	for _, position := range positions {
		id := strings.TrimSpace(position.ID)
		if id == "" {
			return errors.New("order position repository: position id is required")
		}
		if err := createDocument(ctx, coll.Doc(id), encodePositionDocument(position)); err != nil {
			return pfirestore.WrapError("orderPositions.insertAll", err)
		}
	}
	return nil
}

// ListByOrder returns the position snapshots of an order in insertion order.
func (r *OrderPositionRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.OrderPosition, error) {
	coll, err := r.collection(ctx, orderID)
	if err != nil {
		return nil, err
	}

	iter := queryDocuments(ctx, coll.Query)
	defer iter.Stop()

	var positions []domain.OrderPosition
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, pfirestore.WrapError("orderPositions.list", err)
		}
		position, err := decodePositionSnapshot(orderID, snap)
		if err != nil {
			return nil, err
		}
		positions = append(positions, position)
	}
	sort.Slice(positions, func(i, j int) bool {
		if positions[i].CreatedAt.Equal(positions[j].CreatedAt) {
			return positions[i].ID < positions[j].ID
		}
		return positions[i].CreatedAt.Before(positions[j].CreatedAt)
	})
	return positions, nil
}

func (r *OrderPositionRepository) collection(ctx context.Context, orderID string) (*firestore.CollectionRef, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("order position repository not initialised")
	}
	id := strings.TrimSpace(orderID)
	if id == "" {
		return nil, errors.New("order position repository: order id is required")
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(ordersCollection).Doc(id).Collection(positionsSubcollection), nil
}

type positionDocument struct {
	ProductID   string    `firestore:"productId"`
	ProductName string    `firestore:"productName"`
	Price       string    `firestore:"price"`
	Quantity    int       `firestore:"quantity"`
	CreatedAt   time.Time `firestore:"createdAt"`
}

func encodePositionDocument(position domain.OrderPosition) positionDocument {
	return positionDocument{
		ProductID:   position.ProductID,
		ProductName: position.ProductName,
		Price:       domain.MoneyString(position.Price),
		Quantity:    position.Quantity,
		CreatedAt:   position.CreatedAt.UTC(),
	}
}

func decodePositionSnapshot(orderID string, snapshot *firestore.DocumentSnapshot) (domain.OrderPosition, error) {
	var doc positionDocument
	if err := snapshot.DataTo(&doc); err != nil {
		return domain.OrderPosition{}, fmt.Errorf("decode order position %s: %w", snapshot.Ref.ID, err)
	}
	price, err := decimal.NewFromString(doc.Price)
	if err != nil {
		return domain.OrderPosition{}, fmt.Errorf("decode order position %s price %q: %w", snapshot.Ref.ID, doc.Price, err)
	}
	return domain.OrderPosition{
		ID:          snapshot.Ref.ID,
		OrderID:     orderID,
		ProductID:   doc.ProductID,
		ProductName: doc.ProductName,
		Price:       price,
		Quantity:    doc.Quantity,
		CreatedAt:   doc.CreatedAt,
	}, nil
}

// Ensure interface compliance.
var _ repositories.OrderPositionRepository = (*OrderPositionRepository)(nil)
