package repositories

import (
	"context"
	"time"

	domain "github.com/lavka-market/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	OrderPositions() OrderPositionRepository
	Carts() CartRepository
	Products() ProductRepository
	Stores() StoreRepository
	Addresses() AddressRepository
	Counters() CounterRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderRepository persists order headers and provides query helpers for buyers and sellers.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	Update(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	// FindByPaymentRef resolves the order holding the given gateway payment reference.
	FindByPaymentRef(ctx context.Context, paymentRef string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
}

// OrderPositionRepository stores the immutable position snapshots attached to an order.
type OrderPositionRepository interface {
	InsertAll(ctx context.Context, orderID string, positions []domain.OrderPosition) error
	ListByOrder(ctx context.Context, orderID string) ([]domain.OrderPosition, error)
}

// CartRepository owns cart line persistence per owner (user or anonymous token).
type CartRepository interface {
	ListByOwner(ctx context.Context, owner domain.CartOwner) ([]domain.CartLine, error)
	FindLine(ctx context.Context, owner domain.CartOwner, productID string) (domain.CartLine, error)
	UpsertLine(ctx context.Context, line domain.CartLine) (domain.CartLine, error)
	DeleteLine(ctx context.Context, owner domain.CartOwner, lineID string) error
	// ReassignOwner moves every line from one owner to another, merging
	// quantities where both owners already hold the same product.
	ReassignOwner(ctx context.Context, from domain.CartOwner, to domain.CartOwner, now time.Time) error
}

// ProductRepository provides read access to the catalogue for pricing carts.
type ProductRepository interface {
	FindByID(ctx context.Context, productID string) (domain.Product, error)
	FindByIDs(ctx context.Context, productIDs []string) (map[string]domain.Product, error)
}

// StoreRepository resolves storefronts and their seller accounts.
type StoreRepository interface {
	FindByID(ctx context.Context, storeID string) (domain.Store, error)
	ListByAdmin(ctx context.Context, adminUserID string) ([]domain.Store, error)
}

// AddressRepository stores delivery addresses per user.
type AddressRepository interface {
	List(ctx context.Context, userID string) ([]domain.Address, error)
	Get(ctx context.Context, userID string, addressID string) (domain.Address, error)
	Upsert(ctx context.Context, addr domain.Address) (domain.Address, error)
	Delete(ctx context.Context, userID string, addressID string) error
}

// CounterRepository provides transaction-safe sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
	Configure(ctx context.Context, counterID string, cfg CounterConfig) error
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (SystemHealthReport, error)
}

// Filter DTOs shared across repositories ------------------------------------

// OrderListFilter narrows order listings; boolean pointers filter on the
// stored flags, nil meaning "either".
type OrderListFilter struct {
	UserID     string
	StoreIDs   []string
	Paid       *bool
	Canceled   *bool
	Completed  *bool
	Delivered  *bool
	DateRange  domain.RangeQuery[time.Time]
	Sort       domain.SortOrder
	Pagination domain.Pagination
}

// CounterConfig customises increment behaviour and bounds for a counter.
type CounterConfig struct {
	Step         int64
	MaxValue     *int64
	InitialValue *int64
}
