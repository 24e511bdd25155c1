package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// SortOrder indicates ascending or descending ordering for list queries.
type SortOrder string

const (
	// SortAsc sorts results in ascending order.
	SortAsc SortOrder = "asc"
	// SortDesc sorts results in descending order.
	SortDesc SortOrder = "desc"
)

// RangeQuery represents inclusive range filters for numeric or timestamp fields.
type RangeQuery[T comparable] struct {
	From *T
	To   *T
}

// CursorPage wraps a page of results together with the continuation token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// Store represents a seller storefront participating in the marketplace.
type Store struct {
	ID          string
	Name        string
	Description string
	AdminUserID string
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Product is a purchasable catalogue entry owned by a store.
type Product struct {
	ID        string
	StoreID   string
	Name      string
	Cost      decimal.Decimal
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CartOwner identifies the holder of a cart: an authenticated user or an
// anonymous device token. Exactly one of the two fields is set.
type CartOwner struct {
	UserID string
	Token  string
}

// Key returns the canonical owner identifier used as a storage key.
func (o CartOwner) Key() string {
	if o.UserID != "" {
		return "user:" + o.UserID
	}
	return "token:" + o.Token
}

// IsZero reports whether neither owner field is populated.
func (o CartOwner) IsZero() bool {
	return o.UserID == "" && o.Token == ""
}

// CartLine is a single product entry in a cart. Quantity is always >= 1;
// lines that would drop to zero are removed instead.
type CartLine struct {
	ID        string
	Owner     CartOwner
	ProductID string
	StoreID   string
	Quantity  int
	AddedAt   time.Time
	UpdatedAt time.Time
}

// PricedCartLine joins a cart line with its product snapshot for totals.
type PricedCartLine struct {
	Line     CartLine
	Product  Product
	Subtotal decimal.Decimal
}

// StoreCartGroup is the per-store slice of a cart with its subtotal.
type StoreCartGroup struct {
	Store    Store
	Lines    []PricedCartLine
	Subtotal decimal.Decimal
}

// Address is a delivery destination owned by a user. Coordinates use
// fixed-point decimals to survive round-tripping through JSON.
type Address struct {
	ID        string
	UserID    string
	City      string
	Street    string
	House     string
	Apartment string
	Comment   string
	Longitude decimal.Decimal
	Latitude  decimal.Decimal
	CreatedAt time.Time
	UpdatedAt time.Time
}

// OrderStatus is derived from the order flag set; it is never stored.
type OrderStatus string

const (
	// OrderStatusCanceled indicates the order was canceled; it dominates all other flags.
	OrderStatusCanceled OrderStatus = "canceled"
	// OrderStatusAwaitingPayment indicates payment has not yet been confirmed.
	OrderStatusAwaitingPayment OrderStatus = "awaiting_payment"
	// OrderStatusStoreProcessing indicates the store is assembling the order.
	OrderStatusStoreProcessing OrderStatus = "store_processing"
	// OrderStatusInTransit indicates the order left the store but is not yet delivered.
	OrderStatusInTransit OrderStatus = "in_transit"
	// OrderStatusDelivered indicates the order reached the buyer.
	OrderStatusDelivered OrderStatus = "delivered"
)

// OrderFlags carries the four lifecycle booleans an order is stored with.
type OrderFlags struct {
	Paid      bool
	Canceled  bool
	Completed bool
	Delivered bool
}

// Status derives the lifecycle state. Cancellation wins over everything,
// then the remaining flags are consulted in progression order.
func (f OrderFlags) Status() OrderStatus {
	switch {
	case f.Canceled:
		return OrderStatusCanceled
	case !f.Paid:
		return OrderStatusAwaitingPayment
	case !f.Completed:
		return OrderStatusStoreProcessing
	case !f.Delivered:
		return OrderStatusInTransit
	default:
		return OrderStatusDelivered
	}
}

// Order is the immutable purchase header. Amount is frozen at creation from
// the position snapshot and never recomputed afterwards.
type Order struct {
	ID         string
	Number     string
	UserID     string
	StoreID    string
	AddressID  string
	PaymentRef *string
	Amount     decimal.Decimal
	Flags      OrderFlags
	CreatedAt  time.Time
	UpdatedAt  time.Time
	CanceledAt *time.Time
	PaidAt     *time.Time

	// Positions are attached by read paths that request them.
	Positions []OrderPosition
}

// Status derives the current lifecycle state from the flag set.
func (o Order) Status() OrderStatus {
	return o.Flags.Status()
}

// OrderPosition is a frozen snapshot of a cart line at order creation time.
// Price and name are copied from the product so later catalogue edits
// cannot change what the buyer agreed to pay.
type OrderPosition struct {
	ID          string
	OrderID     string
	ProductID   string
	ProductName string
	Price       decimal.Decimal
	Quantity    int
	CreatedAt   time.Time
}

// Subtotal returns price multiplied by quantity, rounded to money precision.
func (p OrderPosition) Subtotal() decimal.Decimal {
	return RoundMoney(p.Price.Mul(decimal.NewFromInt(int64(p.Quantity))))
}
