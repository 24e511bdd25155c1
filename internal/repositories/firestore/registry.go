package firestore

import (
	"context"
	"errors"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/lavka-market/api/internal/platform/firestore"
	"github.com/lavka-market/api/internal/repositories"
)

// Registry bundles the Firestore-backed repositories behind the
// repositories.Registry contract and provides the transactional boundary
// services run their write paths in.
type Registry struct {
	provider *pfirestore.Provider

	orders    *OrderRepository
	positions *OrderPositionRepository
	carts     *CartRepository
	products  *ProductRepository
	stores    *StoreRepository
	addresses *AddressRepository
	counters  *CounterRepository
	health    repositories.HealthRepository
}

// NewRegistry constructs every Firestore repository against the shared provider.
func NewRegistry(provider *pfirestore.Provider, health repositories.HealthRepository) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("registry requires firestore provider")
	}
	if health == nil {
		return nil, errors.New("registry requires health repository")
	}

	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, err
	}
	positions, err := NewOrderPositionRepository(provider)
	if err != nil {
		return nil, err
	}
	carts, err := NewCartRepository(provider)
	if err != nil {
		return nil, err
	}
	products, err := NewProductRepository(provider)
	if err != nil {
		return nil, err
	}
	stores, err := NewStoreRepository(provider)
	if err != nil {
		return nil, err
	}
	addresses, err := NewAddressRepository(provider)
	if err != nil {
		return nil, err
	}
	counters, err := NewCounterRepository(provider)
	if err != nil {
		return nil, err
	}

	return &Registry{
		provider:  provider,
		orders:    orders,
		positions: positions,
		carts:     carts,
		products:  products,
		stores:    stores,
		addresses: addresses,
		counters:  counters,
		health:    health,
	}, nil
}

// Close releases the shared Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}

func (r *Registry) Orders() repositories.OrderRepository { return r.orders }
func (r *Registry) OrderPositions() repositories.OrderPositionRepository { return r.positions }
func (r *Registry) Carts() repositories.CartRepository { return r.carts }
func (r *Registry) Products() repositories.ProductRepository { return r.products }
func (r *Registry) Stores() repositories.StoreRepository { return r.stores }
func (r *Registry) Addresses() repositories.AddressRepository { return r.addresses }
func (r *Registry) Counters() repositories.CounterRepository { return r.counters }
func (r *Registry) Health() repositories.HealthRepository { return r.health }

// RunInTx executes fn inside a Firestore transaction. Repository calls made
// through the registry within fn observe the transaction via the context.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if r == nil || r.provider == nil {
		return errors.New("registry not initialised")
	}
	if _, ok := transactionFrom(ctx); ok {
		return fn(ctx)
	}
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		return fn(withTransaction(ctx, tx))
	})
	if err != nil {
		return pfirestore.WrapError("registry.runInTx", err)
	}
	return nil
}

// Ensure interface compliance.
var _ repositories.Registry = (*Registry)(nil)
