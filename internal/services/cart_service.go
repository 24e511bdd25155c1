package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	domain "github.com/lavka-market/api/internal/domain"
	"github.com/lavka-market/api/internal/repositories"
)

const lineIDPrefix = "line_"

var (
	// ErrCartInvalidInput indicates the caller supplied invalid input.
	ErrCartInvalidInput = errors.New("cart: invalid input")
	// ErrCartNotFound indicates the requested cart line does not exist.
	ErrCartNotFound = errors.New("cart: not found")
	// ErrCartConflict indicates concurrent cart mutations collided.
	ErrCartConflict = errors.New("cart: conflict")
	// ErrCartNotPriceable indicates a cart line's product can no longer be priced.
	ErrCartNotPriceable = errors.New("cart: cannot be priced")
)

// CartServiceDeps wires the repositories backing cart operations.
type CartServiceDeps struct {
	Carts       repositories.CartRepository
	Products    repositories.ProductRepository
	Stores      repositories.StoreRepository
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type cartService struct {
	carts    repositories.CartRepository
	products repositories.ProductRepository
	stores   repositories.StoreRepository
	now      func() time.Time
	newID    func() string
	logger   func(context.Context, string, map[string]any)
}

// NewCartService constructs a CartService enforcing dependency validation.
func NewCartService(deps CartServiceDeps) (CartService, error) {
	if deps.Carts == nil {
		return nil, errors.New("cart service: cart repository is required")
	}
	if deps.Products == nil {
		return nil, errors.New("cart service: product repository is required")
	}
	if deps.Stores == nil {
		return nil, errors.New("cart service: store repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &cartService{
		carts:    deps.Carts,
		products: deps.Products,
		stores:   deps.Stores,
		now:      func() time.Time { return clock().UTC() },
		newID:    idGen,
		logger:   logger,
	}, nil
}

// List returns the owner's cart lines joined with product snapshots.
func (s *cartService) List(ctx context.Context, owner CartOwner) ([]PricedCartLine, error) {
	if owner.IsZero() {
		return nil, fmt.Errorf("%w: cart owner is required", ErrCartInvalidInput)
	}
	lines, err := s.carts.ListByOwner(ctx, owner)
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	return s.priceLines(ctx, lines)
}

// Change sets the owner's quantity for a product. Quantity at or below zero
// removes the line instead of storing a zeroed entry.
func (s *cartService) Change(ctx context.Context, cmd ChangeCartCommand) (CartChange, error) {
	if cmd.Owner.IsZero() {
		return CartChange{}, fmt.Errorf("%w: cart owner is required", ErrCartInvalidInput)
	}
	productID := strings.TrimSpace(cmd.ProductID)
	if productID == "" {
		return CartChange{}, fmt.Errorf("%w: product id is required", ErrCartInvalidInput)
	}

	if cmd.Quantity <= 0 {
		line, err := s.carts.FindLine(ctx, cmd.Owner, productID)
		if err != nil {
			if isRepoNotFound(err) {
				return CartChange{Removed: true}, nil
			}
			return CartChange{}, s.mapRepositoryError(err)
		}
		if err := s.carts.DeleteLine(ctx, cmd.Owner, line.ID); err != nil {
			return CartChange{}, s.mapRepositoryError(err)
		}
		return CartChange{Removed: true}, nil
	}

	product, err := s.products.FindByID(ctx, productID)
	if err != nil {
		if isRepoNotFound(err) {
			return CartChange{}, fmt.Errorf("%w: product %s does not exist", ErrCartInvalidInput, productID)
		}
		return CartChange{}, s.mapRepositoryError(err)
	}
	if !product.IsActive {
		return CartChange{}, fmt.Errorf("%w: product %s is not available", ErrCartInvalidInput, productID)
	}

	now := s.now()
	line, err := s.carts.FindLine(ctx, cmd.Owner, productID)
	switch {
	case err == nil:
		line.Quantity = cmd.Quantity
		line.UpdatedAt = now
	case isRepoNotFound(err):
		line = CartLine{
			ID:        lineIDPrefix + s.newID(),
			Owner:     cmd.Owner,
			ProductID: product.ID,
			StoreID:   product.StoreID,
			Quantity:  cmd.Quantity,
			AddedAt:   now,
			UpdatedAt: now,
		}
	default:
		return CartChange{}, s.mapRepositoryError(err)
	}

	saved, err := s.carts.UpsertLine(ctx, line)
	if err != nil {
		return CartChange{}, s.mapRepositoryError(err)
	}

	priced := PricedCartLine{
		Line:     saved,
		Product:  product,
		Subtotal: lineSubtotal(product, saved.Quantity),
	}
	return CartChange{Line: &priced}, nil
}

// Sync merges the anonymous token cart into the authenticated user's cart,
// summing quantities where both carts hold the same product.
func (s *cartService) Sync(ctx context.Context, cmd SyncCartCommand) error {
	token := strings.TrimSpace(cmd.Token)
	if token == "" {
		return fmt.Errorf("%w: token is required", ErrCartInvalidInput)
	}
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}

	from := CartOwner{Token: token}
	to := CartOwner{UserID: userID}
	if err := s.carts.ReassignOwner(ctx, from, to, s.now()); err != nil {
		return s.mapRepositoryError(err)
	}
	return nil
}

// Amount totals the owner's cart at current product prices.
func (s *cartService) Amount(ctx context.Context, owner CartOwner) (decimal.Decimal, error) {
	priced, err := s.List(ctx, owner)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, entry := range priced {
		total = total.Add(entry.Subtotal)
	}
	return domain.RoundMoney(total), nil
}

// GroupByStores partitions the owner's cart per store with per-store subtotals.
func (s *cartService) GroupByStores(ctx context.Context, owner CartOwner) ([]StoreCartGroup, error) {
	priced, err := s.List(ctx, owner)
	if err != nil {
		return nil, err
	}

	order := make([]string, 0)
	grouped := make(map[string][]PricedCartLine)
	for _, entry := range priced {
		storeID := entry.Line.StoreID
		if _, ok := grouped[storeID]; !ok {
			order = append(order, storeID)
		}
		grouped[storeID] = append(grouped[storeID], entry)
	}

	groups := make([]StoreCartGroup, 0, len(order))
	for _, storeID := range order {
		store, err := s.stores.FindByID(ctx, storeID)
		if err != nil {
			return nil, s.mapRepositoryError(err)
		}
		subtotal := decimal.Zero
		for _, entry := range grouped[storeID] {
			subtotal = subtotal.Add(entry.Subtotal)
		}
		groups = append(groups, StoreCartGroup{
			Store:    store,
			Lines:    grouped[storeID],
			Subtotal: domain.RoundMoney(subtotal),
		})
	}
	return groups, nil
}

// IsManyStores reports whether the owner's cart spans more than one store.
func (s *cartService) IsManyStores(ctx context.Context, owner CartOwner) (bool, error) {
	if owner.IsZero() {
		return false, fmt.Errorf("%w: cart owner is required", ErrCartInvalidInput)
	}
	lines, err := s.carts.ListByOwner(ctx, owner)
	if err != nil {
		return false, s.mapRepositoryError(err)
	}
	seen := make(map[string]struct{}, 2)
	for _, line := range lines {
		seen[line.StoreID] = struct{}{}
		if len(seen) > 1 {
			return true, nil
		}
	}
	return false, nil
}

func (s *cartService) priceLines(ctx context.Context, lines []CartLine) ([]PricedCartLine, error) {
	if len(lines) == 0 {
		return nil, nil
	}
	productIDs := make([]string, 0, len(lines))
	for _, line := range lines {
		productIDs = append(productIDs, line.ProductID)
	}
	products, err := s.products.FindByIDs(ctx, productIDs)
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}

	priced := make([]PricedCartLine, 0, len(lines))
	for _, line := range lines {
		product, ok := products[line.ProductID]
		if !ok || !product.IsActive {
			return nil, fmt.Errorf("%w: product %s", ErrCartNotPriceable, line.ProductID)
		}
		priced = append(priced, PricedCartLine{
			Line:     line,
			Product:  product,
			Subtotal: lineSubtotal(product, line.Quantity),
		})
	}
	return priced, nil
}

func lineSubtotal(product Product, quantity int) decimal.Decimal {
	return domain.SumLineTotal(product.Cost, quantity)
}

func (s *cartService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrCartNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrCartConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("cart: repository unavailable: %w", err)
		}
	}

	return err
}
