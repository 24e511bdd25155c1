package firestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/lavka-market/api/internal/domain"
	pfirestore "github.com/lavka-market/api/internal/platform/firestore"
	"github.com/lavka-market/api/internal/repositories"
)

const (
	cartsCollection    = "carts"
	linesSubcollection = "lines"
)

// CartRepository persists cart lines under carts/{ownerKey}/lines. The owner
// key encodes whether the cart belongs to a user or an anonymous token.
type CartRepository struct {
	provider *pfirestore.Provider
}

// NewCartRepository constructs a Firestore-backed cart repository.
func NewCartRepository(provider *pfirestore.Provider) (*CartRepository, error) {
	if provider == nil {
		return nil, errors.New("cart repository requires firestore provider")
	}
	return &CartRepository{provider: provider}, nil
}

// ListByOwner returns every line the owner holds, oldest first.
func (r *CartRepository) ListByOwner(ctx context.Context, owner domain.CartOwner) ([]domain.CartLine, error) {
	coll, err := r.lines(ctx, owner)
	if err != nil {
		return nil, err
	}

	iter := queryDocuments(ctx, coll.Query)
	defer iter.Stop()

	var lines []domain.CartLine
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, pfirestore.WrapError("carts.list", err)
		}
		line, err := decodeCartLineSnapshot(owner, snap)
		if err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	sort.Slice(lines, func(i, j int) bool {
		if lines[i].AddedAt.Equal(lines[j].AddedAt) {
			return lines[i].ID < lines[j].ID
		}
		return lines[i].AddedAt.Before(lines[j].AddedAt)
	})
	return lines, nil
}

// FindLine locates the owner's line for a product.
func (r *CartRepository) FindLine(ctx context.Context, owner domain.CartOwner, productID string) (domain.CartLine, error) {
	pid := strings.TrimSpace(productID)
	if pid == "" {
		return domain.CartLine{}, errors.New("cart repository: product id is required")
	}
	coll, err := r.lines(ctx, owner)
	if err != nil {
		return domain.CartLine{}, err
	}

	iter := queryDocuments(ctx, coll.Where("productId", "==", pid).Limit(1))
	defer iter.Stop()

	snap, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return domain.CartLine{}, pfirestore.WrapError("carts.findLine", status.Errorf(codes.NotFound, "owner %s has no line for product %s", owner.Key(), pid))
	}
	if err != nil {
		return domain.CartLine{}, pfirestore.WrapError("carts.findLine", err)
	}
	return decodeCartLineSnapshot(owner, snap)
}

// UpsertLine writes the line under its owner, creating or replacing it.
func (r *CartRepository) UpsertLine(ctx context.Context, line domain.CartLine) (domain.CartLine, error) {
	id := strings.TrimSpace(line.ID)
	if id == "" {
		return domain.CartLine{}, errors.New("cart repository: line id is required")
	}
	coll, err := r.lines(ctx, line.Owner)
	if err != nil {
		return domain.CartLine{}, err
	}
	if err := setDocument(ctx, coll.Doc(id), encodeCartLineDocument(line)); err != nil {
		return domain.CartLine{}, pfirestore.WrapError("carts.upsertLine", err)
	}
	return line, nil
}

// DeleteLine removes a single line. Deleting a missing line is a no-op.
func (r *CartRepository) DeleteLine(ctx context.Context, owner domain.CartOwner, lineID string) error {
	id := strings.TrimSpace(lineID)
	if id == "" {
		return errors.New("cart repository: line id is required")
	}
	coll, err := r.lines(ctx, owner)
	if err != nil {
		return err
	}
	if err := deleteDocument(ctx, coll.Doc(id)); err != nil {
		return pfirestore.WrapError("carts.deleteLine", err)
	}
	return nil
}

// ReassignOwner moves every line from one owner to another in a single
// transaction, summing quantities where both carts hold the same product.
func (r *CartRepository) ReassignOwner(ctx context.Context, from domain.CartOwner, to domain.CartOwner, now time.Time) error {
	if from.IsZero() || to.IsZero() {
		return errors.New("cart repository: both owners are required")
	}
	if from.Key() == to.Key() {
		return nil
	}

	fromColl, err := r.lines(ctx, from)
	if err != nil {
		return err
	}
	toColl, err := r.lines(ctx, to)
	if err != nil {
		return err
	}

	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		fromSnaps, err := tx.Documents(fromColl.Query).GetAll()
		if err != nil {
			return err
		}
		if len(fromSnaps) == 0 {
			return nil
		}
		toSnaps, err := tx.Documents(toColl.Query).GetAll()
		if err != nil {
			return err
		}

		existing := make(map[string]*firestore.DocumentSnapshot, len(toSnaps))
		for _, snap := range toSnaps {
			line, err := decodeCartLineSnapshot(to, snap)
			if err != nil {
				return err
			}
			existing[line.ProductID] = snap
		}

		for _, snap := range fromSnaps {
			line, err := decodeCartLineSnapshot(from, snap)
			if err != nil {
				return err
			}
			if targetSnap, ok := existing[line.ProductID]; ok {
				target, err := decodeCartLineSnapshot(to, targetSnap)
				if err != nil {
					return err
				}
				updates := []firestore.Update{
					{Path: "quantity", Value: target.Quantity + line.Quantity},
					{Path: "updatedAt", Value: now.UTC()},
				}
				if err := tx.Update(targetSnap.Ref, updates); err != nil {
					return err
				}
			} else {
				moved := line
				moved.Owner = to
				moved.UpdatedAt = now.UTC()
				if err := tx.Set(toColl.Doc(line.ID), encodeCartLineDocument(moved)); err != nil {
					return err
				}
			}
			if err := tx.Delete(snap.Ref); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return pfirestore.WrapError("carts.reassignOwner", err)
	}
	return nil
}

func (r *CartRepository) lines(ctx context.Context, owner domain.CartOwner) (*firestore.CollectionRef, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("cart repository not initialised")
	}
	if owner.IsZero() {
		return nil, errors.New("cart repository: owner is required")
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(cartsCollection).Doc(owner.Key()).Collection(linesSubcollection), nil
}

type cartLineDocument struct {
	ProductID string    `firestore:"productId"`
	StoreID   string    `firestore:"storeId"`
	Quantity  int       `firestore:"quantity"`
	AddedAt   time.Time `firestore:"addedAt"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

func encodeCartLineDocument(line domain.CartLine) cartLineDocument {
	return cartLineDocument{
		ProductID: line.ProductID,
		StoreID:   line.StoreID,
		Quantity:  line.Quantity,
		AddedAt:   line.AddedAt.UTC(),
		UpdatedAt: line.UpdatedAt.UTC(),
	}
}

func decodeCartLineSnapshot(owner domain.CartOwner, snapshot *firestore.DocumentSnapshot) (domain.CartLine, error) {
	var doc cartLineDocument
	if err := snapshot.DataTo(&doc); err != nil {
		return domain.CartLine{}, fmt.Errorf("decode cart line %s: %w", snapshot.Ref.ID, err)
	}
	return domain.CartLine{
		ID:        snapshot.Ref.ID,
		Owner:     owner,
		ProductID: doc.ProductID,
		StoreID:   doc.StoreID,
		Quantity:  doc.Quantity,
		AddedAt:   doc.AddedAt,
		UpdatedAt: doc.UpdatedAt,
	}, nil
}

// Ensure interface compliance.
var _ repositories.CartRepository = (*CartRepository)(nil)
