package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/shopspring/decimal"
	"google.golang.org/api/iterator"

	domain "github.com/lavka-market/api/internal/domain"
	pfirestore "github.com/lavka-market/api/internal/platform/firestore"
	"github.com/lavka-market/api/internal/repositories"
)

const addressCollectionPattern = "users/%s/addresses"

// AddressRepository persists delivery addresses in per-user subcollections.
type AddressRepository struct {
	provider *pfirestore.Provider
}

// NewAddressRepository constructs a Firestore-backed address repository.
func NewAddressRepository(provider *pfirestore.Provider) (*AddressRepository, error) {
	if provider == nil {
		return nil, errors.New("address repository requires firestore provider")
	}
	return &AddressRepository{provider: provider}, nil
}

// List returns all addresses for the specified user ordered by most recent update.
func (r *AddressRepository) List(ctx context.Context, userID string) ([]domain.Address, error) {
	coll, err := r.collection(ctx, userID)
	if err != nil {
		return nil, err
	}

	iter := queryDocuments(ctx, coll.OrderBy("updatedAt", firestore.Desc))
	defer iter.Stop()

	var results []domain.Address
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, pfirestore.WrapError("addresses.list", err)
		}
		addr, err := decodeAddressSnapshot(userID, snap)
		if err != nil {
			return nil, err
		}
		results = append(results, addr)
	}
	return results, nil
}

// Get loads a single address owned by the user.
func (r *AddressRepository) Get(ctx context.Context, userID string, addressID string) (domain.Address, error) {
	coll, err := r.collection(ctx, userID)
	if err != nil {
		return domain.Address{}, err
	}
	id := strings.TrimSpace(addressID)
	if id == "" {
		return domain.Address{}, errors.New("address repository: address id is required")
	}
	snap, err := getDocument(ctx, coll.Doc(id))
	if err != nil {
		return domain.Address{}, pfirestore.WrapError("addresses.get", err)
	}
	return decodeAddressSnapshot(userID, snap)
}

// Upsert creates or replaces an address under its owner.
func (r *AddressRepository) Upsert(ctx context.Context, addr domain.Address) (domain.Address, error) {
	coll, err := r.collection(ctx, addr.UserID)
	if err != nil {
		return domain.Address{}, err
	}
	id := strings.TrimSpace(addr.ID)
	if id == "" {
		return domain.Address{}, errors.New("address repository: address id is required")
	}
	if err := setDocument(ctx, coll.Doc(id), encodeAddressDocument(addr)); err != nil {
		return domain.Address{}, pfirestore.WrapError("addresses.upsert", err)
	}
	return addr, nil
}

// Delete removes the specified address document.
func (r *AddressRepository) Delete(ctx context.Context, userID string, addressID string) error {
	coll, err := r.collection(ctx, userID)
	if err != nil {
		return err
	}
	id := strings.TrimSpace(addressID)
	if id == "" {
		return errors.New("address repository: address id is required")
	}
	if err := deleteDocument(ctx, coll.Doc(id)); err != nil {
		return pfirestore.WrapError("addresses.delete", err)
	}
	return nil
}

func (r *AddressRepository) collection(ctx context.Context, userID string) (*firestore.CollectionRef, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("address repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return nil, errors.New("address repository: user id is required")
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(fmt.Sprintf(addressCollectionPattern, uid)), nil
}

type addressDocument struct {
	City      string    `firestore:"city"`
	Street    string    `firestore:"street"`
	House     string    `firestore:"house"`
	Apartment string    `firestore:"apartment,omitempty"`
	Comment   string    `firestore:"comment,omitempty"`
	Longitude string    `firestore:"longitude"`
	Latitude  string    `firestore:"latitude"`
	CreatedAt time.Time `firestore:"createdAt"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

func encodeAddressDocument(addr domain.Address) addressDocument {
	return addressDocument{
		City:      strings.TrimSpace(addr.City),
		Street:    strings.TrimSpace(addr.Street),
		House:     strings.TrimSpace(addr.House),
		Apartment: strings.TrimSpace(addr.Apartment),
		Comment:   strings.TrimSpace(addr.Comment),
		Longitude: addr.Longitude.String(),
		Latitude:  addr.Latitude.String(),
		CreatedAt: addr.CreatedAt.UTC(),
		UpdatedAt: addr.UpdatedAt.UTC(),
	}
}

func decodeAddressSnapshot(userID string, snapshot *firestore.DocumentSnapshot) (domain.Address, error) {
	var doc addressDocument
	if err := snapshot.DataTo(&doc); err != nil {
		return domain.Address{}, fmt.Errorf("decode address %s: %w", snapshot.Ref.ID, err)
	}
	longitude, err := decimal.NewFromString(doc.Longitude)
	if err != nil {
		return domain.Address{}, fmt.Errorf("decode address %s longitude %q: %w", snapshot.Ref.ID, doc.Longitude, err)
	}
	latitude, err := decimal.NewFromString(doc.Latitude)
	if err != nil {
		return domain.Address{}, fmt.Errorf("decode address %s latitude %q: %w", snapshot.Ref.ID, doc.Latitude, err)
	}
	return domain.Address{
		ID:        snapshot.Ref.ID,
		UserID:    userID,
		City:      doc.City,
		Street:    doc.Street,
		House:     doc.House,
		Apartment: doc.Apartment,
		Comment:   doc.Comment,
		Longitude: longitude,
		Latitude:  latitude,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}, nil
}

func cloneOptionalString(value *string) *string {
	if value == nil {
		return nil
	}
	cloned := *value
	if strings.TrimSpace(cloned) == "" {
		return nil
	}
	return &cloned
}

// Ensure interface compliance.
var _ repositories.AddressRepository = (*AddressRepository)(nil)
