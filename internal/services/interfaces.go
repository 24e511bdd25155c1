package services

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/lavka-market/api/internal/domain"
	"github.com/lavka-market/api/internal/payments"
	"github.com/lavka-market/api/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination         = domain.Pagination
	SortOrder          = domain.SortOrder
	Store              = domain.Store
	Product            = domain.Product
	CartOwner          = domain.CartOwner
	CartLine           = domain.CartLine
	PricedCartLine     = domain.PricedCartLine
	StoreCartGroup     = domain.StoreCartGroup
	Address            = domain.Address
	Order              = domain.Order
	OrderFlags         = domain.OrderFlags
	OrderStatus        = domain.OrderStatus
	OrderPosition      = domain.OrderPosition
	PaymentIntent      = payments.Intent
	SystemHealthReport = repositories.SystemHealthReport
)

// OrderService owns the order lifecycle: snapshotting the cart into an
// immutable order, opening payment intents, applying gateway callbacks, and
// cancellation with refunds.
type OrderService interface {
	Create(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	Get(ctx context.Context, orderID string, opts OrderReadOptions) (Order, error)
	GetStatus(ctx context.Context, orderID string) (OrderStatus, error)
	ListPositions(ctx context.Context, orderID string, actorID string) ([]OrderPosition, error)
	List(ctx context.Context, q OrderListQuery) (domain.CursorPage[Order], error)
	ListForSeller(ctx context.Context, q SellerOrderListQuery) (domain.CursorPage[Order], error)
	RequestPayment(ctx context.Context, cmd RequestPaymentCommand) (PaymentIntent, error)
	ApplyPaymentCallback(ctx context.Context, cmd PaymentCallbackCommand) error
	Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error)
}

// CartService manages mutable cart lines for users and anonymous tokens.
type CartService interface {
	List(ctx context.Context, owner CartOwner) ([]PricedCartLine, error)
	Change(ctx context.Context, cmd ChangeCartCommand) (CartChange, error)
	Sync(ctx context.Context, cmd SyncCartCommand) error
	Amount(ctx context.Context, owner CartOwner) (decimal.Decimal, error)
	GroupByStores(ctx context.Context, owner CartOwner) ([]StoreCartGroup, error)
	IsManyStores(ctx context.Context, owner CartOwner) (bool, error)
}

// AddressService manages the buyer's delivery address book.
type AddressService interface {
	List(ctx context.Context, userID string) ([]Address, error)
	Get(ctx context.Context, userID string, addressID string) (Address, error)
	Create(ctx context.Context, cmd UpsertAddressCommand) (Address, error)
	Update(ctx context.Context, cmd UpsertAddressCommand) (Address, error)
	Delete(ctx context.Context, userID string, addressID string) error
}

// SystemService surfaces operational health and runtime metadata.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// Services aggregates the service layer for dependency injection.
type Services struct {
	Orders    OrderService
	Carts     CartService
	Addresses AddressService
	System    SystemService
}

// Command and query DTOs ----------------------------------------------------

// CreateOrderCommand snapshots the buyer's cart lines for one store into a
// new order delivered to the given address.
type CreateOrderCommand struct {
	BuyerID   string
	StoreID   string
	AddressID string
	ReturnURL string
}

// OrderReadOptions scope order reads to the requesting actor.
type OrderReadOptions struct {
	ActorID string
	// SellerView authorises the actor as the administrator of the order's
	// store instead of its buyer.
	SellerView       bool
	IncludePositions bool
}

// OrderListQuery narrows the buyer-facing order listing.
type OrderListQuery struct {
	UserID     string
	Paid       *bool
	Canceled   *bool
	Completed  *bool
	Delivered  *bool
	DateRange  domain.RangeQuery[time.Time]
	Sort       SortOrder
	Pagination Pagination
}

// SellerOrderListQuery lists orders across every store the seller administers.
type SellerOrderListQuery struct {
	SellerUserID string
	Paid         *bool
	Canceled     *bool
	Completed    *bool
	Delivered    *bool
	DateRange    domain.RangeQuery[time.Time]
	Sort         SortOrder
	Pagination   Pagination
}

// RequestPaymentCommand resumes or opens the payment intent for an order.
type RequestPaymentCommand struct {
	OrderID   string
	ActorID   string
	ReturnURL string
}

// PaymentCallbackCommand carries the gateway's asynchronous payment outcome.
type PaymentCallbackCommand struct {
	PaymentRef string
	Status     string
}

// CancelOrderCommand cancels an order on behalf of the store's seller.
type CancelOrderCommand struct {
	OrderID string
	ActorID string
}

// ChangeCartCommand upserts the owner's line for a product. Quantity at or
// below zero removes the line.
type ChangeCartCommand struct {
	Owner     CartOwner
	ProductID string
	Quantity  int
}

// CartChange reports the outcome of a cart mutation.
type CartChange struct {
	Line    *PricedCartLine
	Removed bool
}

// SyncCartCommand merges the anonymous token cart into the user's cart after
// sign-in.
type SyncCartCommand struct {
	Token  string
	UserID string
}

// UpsertAddressCommand creates or updates a delivery address.
type UpsertAddressCommand struct {
	UserID    string
	AddressID string
	City      string
	Street    string
	House     string
	Apartment string
	Comment   string
	Longitude decimal.Decimal
	Latitude  decimal.Decimal
}
