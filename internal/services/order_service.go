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
	"github.com/lavka-market/api/internal/payments"
	"github.com/lavka-market/api/internal/repositories"
)

const (
	orderEventNew    = "new_order"
	orderEventChange = "order_change"
	orderEventPaid   = "order_paid"

	buyerTopicPrefix  = "order:"
	sellerTopicPrefix = "order-admin:"

	orderIDPrefix    = "ord_"
	positionIDPrefix = "pos_"

	defaultGatewayTimeout    = 10 * time.Second
	defaultOrderCurrency     = "RUB"
	defaultOrderNumberPrefix = "LM"

	callbackStatusSucceeded = "succeeded"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data or an unmet precondition.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order or payment reference could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidState indicates the operation is not permitted in the order's current state.
	ErrOrderInvalidState = errors.New("order: invalid state")
	// ErrOrderConflict indicates concurrent writers collided on the same order.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderGateway indicates the payment gateway was unreachable or rejected the request.
	ErrOrderGateway = errors.New("order: payment gateway failure")
)

// OrderEventPublisher publishes order lifecycle events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent is a best-effort broadcast on a logical topic. Buyer topics are
// keyed by order id, seller topics by the store's admin user id.
type OrderEvent struct {
	Type        string
	Topic       string
	OrderID     string
	OrderNumber string
	UserID      string
	StoreID     string
	Status      OrderStatus
	Amount      string
	OccurredAt  time.Time
}

// PushNotifier sends a best-effort push notification to a single user.
type PushNotifier interface {
	Notify(ctx context.Context, userID string, title string, body string, data map[string]string) error
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders         repositories.OrderRepository
	Positions      repositories.OrderPositionRepository
	Carts          repositories.CartRepository
	Products       repositories.ProductRepository
	Stores         repositories.StoreRepository
	Addresses      repositories.AddressRepository
	Counters       repositories.CounterRepository
	Gateway        payments.Provider
	UnitOfWork     repositories.UnitOfWork
	Events         OrderEventPublisher
	Push           PushNotifier
	Clock          func() time.Time
	IDGenerator    func() string
	GatewayTimeout time.Duration
	Currency       string
	NumberPrefix   string
	Logger         func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders         repositories.OrderRepository
	positions      repositories.OrderPositionRepository
	carts          repositories.CartRepository
	products       repositories.ProductRepository
	stores         repositories.StoreRepository
	addresses      repositories.AddressRepository
	counters       repositories.CounterRepository
	gateway        payments.Provider
	unitOfWork     repositories.UnitOfWork
	events         OrderEventPublisher
	push           PushNotifier
	clock          func() time.Time
	newID          func() string
	gatewayTimeout time.Duration
	currency       string
	numberPrefix   string
	logger         func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Positions == nil {
		return nil, errors.New("order service: position repository is required")
	}
	if deps.Carts == nil {
		return nil, errors.New("order service: cart repository is required")
	}
	if deps.Products == nil {
		return nil, errors.New("order service: product repository is required")
	}
	if deps.Stores == nil {
		return nil, errors.New("order service: store repository is required")
	}
	if deps.Addresses == nil {
		return nil, errors.New("order service: address repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("order service: counter repository is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("order service: payment gateway is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	timeout := deps.GatewayTimeout
	if timeout <= 0 {
		timeout = defaultGatewayTimeout
	}

	currency := strings.ToUpper(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = defaultOrderCurrency
	}

	prefix := strings.TrimSpace(deps.NumberPrefix)
	if prefix == "" {
		prefix = defaultOrderNumberPrefix
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		orders:     deps.Orders,
		positions:  deps.Positions,
		carts:      deps.Carts,
		products:   deps.Products,
		stores:     deps.Stores,
		addresses:  deps.Addresses,
		counters:   deps.Counters,
		gateway:    deps.Gateway,
		unitOfWork: unit,
		events:     deps.Events,
		push:       deps.Push,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:          idGen,
		gatewayTimeout: timeout,
		currency:       currency,
		numberPrefix:   prefix,
		logger:         logger,
	}, nil
}

// Create snapshots the buyer's cart lines for the store into an immutable
// order, opens a payment intent for the total, and announces the order on
// the seller's admin topic. The intent is opened first; if the order commit
// fails the intent is cancelled as a compensating action.
func (s *orderService) Create(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	buyerID := strings.TrimSpace(cmd.BuyerID)
	if buyerID == "" {
		return Order{}, fmt.Errorf("%w: buyer id is required", ErrOrderInvalidInput)
	}
	storeID := strings.TrimSpace(cmd.StoreID)
	if storeID == "" {
		return Order{}, fmt.Errorf("%w: store id is required", ErrOrderInvalidInput)
	}
	addressID := strings.TrimSpace(cmd.AddressID)
	if addressID == "" {
		return Order{}, fmt.Errorf("%w: address id is required", ErrOrderInvalidInput)
	}

	if _, err := s.addresses.Get(ctx, buyerID, addressID); err != nil {
		if isRepoNotFound(err) {
			return Order{}, fmt.Errorf("%w: address %s does not belong to buyer", ErrOrderInvalidInput, addressID)
		}
		return Order{}, s.mapRepositoryError(err)
	}

	store, err := s.stores.FindByID(ctx, storeID)
	if err != nil {
		if isRepoNotFound(err) {
			return Order{}, fmt.Errorf("%w: store %s does not exist", ErrOrderInvalidInput, storeID)
		}
		return Order{}, s.mapRepositoryError(err)
	}

	lines, err := s.carts.ListByOwner(ctx, CartOwner{UserID: buyerID})
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	storeLines := make([]CartLine, 0, len(lines))
	for _, line := range lines {
		if line.StoreID == storeID {
			storeLines = append(storeLines, line)
		}
	}
	if len(storeLines) == 0 {
		return Order{}, fmt.Errorf("%w: cart has no lines for store %s", ErrOrderInvalidInput, storeID)
	}

	now := s.now()
	order := Order{
		ID:        orderIDPrefix + s.newID(),
		UserID:    buyerID,
		StoreID:   storeID,
		AddressID: addressID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	positions, amount, err := s.snapshotPositions(ctx, order.ID, storeLines, now)
	if err != nil {
		return Order{}, err
	}
	order.Amount = amount
	order.Positions = positions

	number, err := s.generateOrderNumber(ctx, now)
	if err != nil {
		return Order{}, err
	}
	order.Number = number

	intent, err := s.createIntent(ctx, order, cmd.ReturnURL)
	if err != nil {
		return Order{}, err
	}
	order.PaymentRef = &intent.ID

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		if err := s.orders.Insert(txCtx, domain.Order(order)); err != nil {
			return s.mapRepositoryError(err)
		}
		if err := s.positions.InsertAll(txCtx, order.ID, positions); err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		s.compensateIntent(ctx, order.ID, intent.ID)
		return Order{}, err
	}

	s.publishEvent(ctx, OrderEvent{
		Type:        orderEventNew,
		Topic:       sellerTopicPrefix + store.AdminUserID,
		OrderID:     order.ID,
		OrderNumber: order.Number,
		UserID:      order.UserID,
		StoreID:     order.StoreID,
		Status:      order.Status(),
		Amount:      domain.MoneyString(order.Amount),
		OccurredAt:  now,
	})

	return order, nil
}

// Get loads an order scoped to the requesting actor.
func (s *orderService) Get(ctx context.Context, orderID string, opts OrderReadOptions) (Order, error) {
	order, err := s.findOrder(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if err := s.authoriseRead(ctx, order, opts.ActorID, opts.SellerView); err != nil {
		return Order{}, err
	}
	if opts.IncludePositions {
		positions, err := s.positions.ListByOrder(ctx, order.ID)
		if err != nil {
			return Order{}, s.mapRepositoryError(err)
		}
		order.Positions = positions
	}
	return order, nil
}

// GetStatus derives the lifecycle state of an order from its flags.
func (s *orderService) GetStatus(ctx context.Context, orderID string) (OrderStatus, error) {
	order, err := s.findOrder(ctx, orderID)
	if err != nil {
		return "", err
	}
	return order.Status(), nil
}

// ListPositions returns the frozen line snapshots of the actor's order.
func (s *orderService) ListPositions(ctx context.Context, orderID string, actorID string) ([]OrderPosition, error) {
	order, err := s.findOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := s.authoriseRead(ctx, order, actorID, false); err != nil {
		return nil, err
	}
	positions, err := s.positions.ListByOrder(ctx, order.ID)
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	return positions, nil
}

// List returns the buyer's orders, newest first.
func (s *orderService) List(ctx context.Context, q OrderListQuery) (domain.CursorPage[Order], error) {
	userID := strings.TrimSpace(q.UserID)
	if userID == "" {
		return domain.CursorPage[Order]{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	page, err := s.orders.List(ctx, repositories.OrderListFilter{
		UserID:     userID,
		Paid:       q.Paid,
		Canceled:   q.Canceled,
		Completed:  q.Completed,
		Delivered:  q.Delivered,
		DateRange:  q.DateRange,
		Sort:       q.Sort,
		Pagination: q.Pagination,
	})
	if err != nil {
		return domain.CursorPage[Order]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

// ListForSeller returns orders across every store the seller administers.
func (s *orderService) ListForSeller(ctx context.Context, q SellerOrderListQuery) (domain.CursorPage[Order], error) {
	sellerID := strings.TrimSpace(q.SellerUserID)
	if sellerID == "" {
		return domain.CursorPage[Order]{}, fmt.Errorf("%w: seller user id is required", ErrOrderInvalidInput)
	}
	stores, err := s.stores.ListByAdmin(ctx, sellerID)
	if err != nil {
		return domain.CursorPage[Order]{}, s.mapRepositoryError(err)
	}
	if len(stores) == 0 {
		return domain.CursorPage[Order]{}, nil
	}
	storeIDs := make([]string, 0, len(stores))
	for _, store := range stores {
		storeIDs = append(storeIDs, store.ID)
	}
	page, err := s.orders.List(ctx, repositories.OrderListFilter{
		StoreIDs:   storeIDs,
		Paid:       q.Paid,
		Canceled:   q.Canceled,
		Completed:  q.Completed,
		Delivered:  q.Delivered,
		DateRange:  q.DateRange,
		Sort:       q.Sort,
		Pagination: q.Pagination,
	})
	if err != nil {
		return domain.CursorPage[Order]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

// RequestPayment resumes the order's payment intent, reusing the persisted
// reference so a retrying client never double-charges.
func (s *orderService) RequestPayment(ctx context.Context, cmd RequestPaymentCommand) (PaymentIntent, error) {
	order, err := s.findOrder(ctx, cmd.OrderID)
	if err != nil {
		return PaymentIntent{}, err
	}
	if order.UserID != strings.TrimSpace(cmd.ActorID) {
		return PaymentIntent{}, fmt.Errorf("%w: order %s", ErrOrderNotFound, order.ID)
	}
	if order.Flags.Canceled {
		return PaymentIntent{}, fmt.Errorf("%w: order %s is canceled", ErrOrderInvalidState, order.ID)
	}

	if order.PaymentRef != nil && *order.PaymentRef != "" {
		intent, err := s.lookupIntent(ctx, *order.PaymentRef)
		if err != nil {
			return PaymentIntent{}, err
		}
		return intent, nil
	}

	intent, err := s.createIntent(ctx, order, cmd.ReturnURL)
	if err != nil {
		return PaymentIntent{}, err
	}
	existingRef := ""
	err = s.runInTx(ctx, func(txCtx context.Context) error {
		existingRef = ""
		current, err := s.orders.FindByID(txCtx, order.ID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if current.Flags.Canceled {
			return fmt.Errorf("%w: order %s is canceled", ErrOrderInvalidState, current.ID)
		}
		// A concurrent request may have written a reference since the
		// guard read; the first write wins.
		if current.PaymentRef != nil && *current.PaymentRef != "" {
			existingRef = *current.PaymentRef
			return nil
		}
		current.PaymentRef = &intent.ID
		current.UpdatedAt = s.now()
		return s.mapRepositoryError(s.orders.Update(txCtx, current))
	})
	if err != nil {
		s.compensateIntent(ctx, order.ID, intent.ID)
		return PaymentIntent{}, err
	}
	if existingRef != "" {
		s.compensateIntent(ctx, order.ID, intent.ID)
		return s.lookupIntent(ctx, existingRef)
	}
	return intent, nil
}

// ApplyPaymentCallback reconciles the gateway's asynchronous payment outcome.
// Success flips paid exactly once; every non-success callback mints a fresh
// intent so the buyer can retry.
func (s *orderService) ApplyPaymentCallback(ctx context.Context, cmd PaymentCallbackCommand) error {
	ref := strings.TrimSpace(cmd.PaymentRef)
	if ref == "" {
		return fmt.Errorf("%w: payment reference is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByPaymentRef(ctx, ref)
	if err != nil {
		return s.mapRepositoryError(err)
	}

	if strings.EqualFold(strings.TrimSpace(cmd.Status), callbackStatusSucceeded) {
		return s.settleOrder(ctx, order)
	}
	return s.reopenIntent(ctx, order)
}

func (s *orderService) settleOrder(ctx context.Context, order domain.Order) error {
	if order.Flags.Canceled {
		s.logger(ctx, "order.payment.callback.on_canceled", map[string]any{
			"order": order.ID,
		})
		return nil
	}
	if order.Flags.Paid {
		return nil
	}

	now := s.now()
	var settled, canceled bool
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		settled, canceled = false, false
		current, err := s.orders.FindByID(txCtx, order.ID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		// The transactional read decides; a concurrent writer may have
		// landed since the callback lookup.
		if current.Flags.Canceled {
			canceled = true
			return nil
		}
		if current.Flags.Paid {
			return nil
		}
		current.Flags.Paid = true
		current.PaidAt = &now
		current.UpdatedAt = now
		if err := s.orders.Update(txCtx, current); err != nil {
			return s.mapRepositoryError(err)
		}
		order = current
		settled = true
		return nil
	})
	if err != nil {
		return err
	}
	if canceled {
		s.logger(ctx, "order.payment.callback.on_canceled", map[string]any{
			"order": order.ID,
		})
		return nil
	}
	if !settled {
		return nil
	}

	amount := domain.MoneyString(order.Amount)
	s.publishEvent(ctx, OrderEvent{
		Type:        orderEventChange,
		Topic:       buyerTopicPrefix + order.ID,
		OrderID:     order.ID,
		OrderNumber: order.Number,
		UserID:      order.UserID,
		StoreID:     order.StoreID,
		Status:      order.Status(),
		Amount:      amount,
		OccurredAt:  now,
	})
	if store, err := s.stores.FindByID(ctx, order.StoreID); err != nil {
		s.logger(ctx, "order.event.seller_lookup.failed", map[string]any{
			"order": order.ID,
			"store": order.StoreID,
			"error": err.Error(),
		})
	} else {
		s.publishEvent(ctx, OrderEvent{
			Type:        orderEventPaid,
			Topic:       sellerTopicPrefix + store.AdminUserID,
			OrderID:     order.ID,
			OrderNumber: order.Number,
			UserID:      order.UserID,
			StoreID:     order.StoreID,
			Status:      order.Status(),
			Amount:      amount,
			OccurredAt:  now,
		})
	}
	s.notifyBuyer(ctx, order)

	return nil
}

func (s *orderService) reopenIntent(ctx context.Context, order domain.Order) error {
	intent, err := s.createIntent(ctx, Order(order), "")
	if err != nil {
		return err
	}

	previous := ""
	var stale bool
	now := s.now()
	err = s.runInTx(ctx, func(txCtx context.Context) error {
		previous, stale = "", false
		current, err := s.orders.FindByID(txCtx, order.ID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		// The order may have settled or been canceled while the fresh
		// intent was minted; its reference must not be clobbered.
		if current.Flags.Canceled || current.Flags.Paid {
			stale = true
			return nil
		}
		if current.PaymentRef != nil {
			previous = *current.PaymentRef
		}
		current.PaymentRef = &intent.ID
		current.UpdatedAt = now
		return s.mapRepositoryError(s.orders.Update(txCtx, current))
	})
	if err != nil {
		return err
	}
	if stale {
		s.compensateIntent(ctx, order.ID, intent.ID)
		return nil
	}

	// Every non-success callback opens another intent; there is no retry cap.
	s.logger(ctx, "order.payment.intent.reopened", map[string]any{
		"order":    order.ID,
		"previous": previous,
		"intent":   intent.ID,
	})
	return nil
}

// Cancel voids the order on behalf of the store's seller. A settled order is
// refunded in full before the flag flips; refund failure aborts the
// cancellation.
func (s *orderService) Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error) {
	order, err := s.findOrder(ctx, cmd.OrderID)
	if err != nil {
		return Order{}, err
	}

	store, err := s.stores.FindByID(ctx, order.StoreID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	if store.AdminUserID != strings.TrimSpace(cmd.ActorID) {
		return Order{}, fmt.Errorf("%w: actor does not administer store %s", ErrOrderInvalidInput, order.StoreID)
	}

	if order.Flags.Canceled {
		return Order{}, fmt.Errorf("%w: order %s is already canceled", ErrOrderInvalidState, order.ID)
	}

	refunded := false
	if order.Flags.Paid {
		if err := s.refundForCancel(ctx, order); err != nil {
			return Order{}, err
		}
		refunded = true
	}

	for {
		now := s.now()
		var needRefund bool
		err = s.runInTx(ctx, func(txCtx context.Context) error {
			needRefund = false
			current, err := s.orders.FindByID(txCtx, order.ID)
			if err != nil {
				return s.mapRepositoryError(err)
			}
			if current.Flags.Canceled {
				return fmt.Errorf("%w: order %s is already canceled", ErrOrderInvalidState, current.ID)
			}
			// A settle that landed after the guard read must be refunded
			// before the flag flips.
			if current.Flags.Paid && !refunded {
				needRefund = true
				order = current
				return nil
			}
			current.Flags.Canceled = true
			current.CanceledAt = &now
			current.UpdatedAt = now
			if err := s.orders.Update(txCtx, current); err != nil {
				return s.mapRepositoryError(err)
			}
			order = current
			return nil
		})
		if err != nil {
			return Order{}, err
		}
		if !needRefund {
			return order, nil
		}
		if err := s.refundForCancel(ctx, order); err != nil {
			return Order{}, err
		}
		refunded = true
	}
}

func (s *orderService) refundForCancel(ctx context.Context, order Order) error {
	if order.PaymentRef == nil || *order.PaymentRef == "" {
		return fmt.Errorf("%w: paid order %s has no payment reference", ErrOrderConflict, order.ID)
	}
	return s.refundIntent(ctx, order)
}

// Gateway helpers ------------------------------------------------------------

func (s *orderService) createIntent(ctx context.Context, order Order, returnURL string) (PaymentIntent, error) {
	gwCtx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	defer cancel()

	intent, err := s.gateway.CreateIntent(gwCtx, payments.IntentRequest{
		OrderID:        order.ID,
		OrderNumber:    order.Number,
		Amount:         order.Amount,
		Currency:       s.currency,
		Description:    fmt.Sprintf("Order %s", order.Number),
		ReturnURL:      returnURL,
		IdempotencyKey: order.ID + "-" + s.newID(),
	})
	if err != nil {
		return PaymentIntent{}, fmt.Errorf("%w: create intent: %v", ErrOrderGateway, err)
	}
	return intent, nil
}

func (s *orderService) lookupIntent(ctx context.Context, ref string) (PaymentIntent, error) {
	gwCtx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	defer cancel()

	intent, err := s.gateway.Lookup(gwCtx, ref)
	if err != nil {
		return PaymentIntent{}, fmt.Errorf("%w: lookup intent %s: %v", ErrOrderGateway, ref, err)
	}
	return intent, nil
}

func (s *orderService) refundIntent(ctx context.Context, order Order) error {
	gwCtx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	defer cancel()

	_, err := s.gateway.Refund(gwCtx, payments.RefundRequest{
		IntentID:       *order.PaymentRef,
		Amount:         order.Amount,
		Currency:       s.currency,
		IdempotencyKey: order.ID + "-refund",
	})
	if err != nil {
		return fmt.Errorf("%w: refund intent %s: %v", ErrOrderGateway, *order.PaymentRef, err)
	}
	return nil
}

func (s *orderService) compensateIntent(ctx context.Context, orderID string, intentID string) {
	gwCtx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	defer cancel()

	if _, err := s.gateway.Cancel(gwCtx, intentID); err != nil {
		s.logger(ctx, "order.payment.intent.compensation.failed", map[string]any{
			"order":  orderID,
			"intent": intentID,
			"error":  err.Error(),
		})
	}
}

// Snapshot helpers -----------------------------------------------------------

func (s *orderService) snapshotPositions(ctx context.Context, orderID string, lines []CartLine, now time.Time) ([]OrderPosition, decimal.Decimal, error) {
	productIDs := make([]string, 0, len(lines))
	for _, line := range lines {
		productIDs = append(productIDs, line.ProductID)
	}
	products, err := s.products.FindByIDs(ctx, productIDs)
	if err != nil {
		return nil, decimal.Zero, s.mapRepositoryError(err)
	}

	positions := make([]OrderPosition, 0, len(lines))
	total := decimal.Zero
	for _, line := range lines {
		product, ok := products[line.ProductID]
		if !ok || !product.IsActive {
			return nil, decimal.Zero, fmt.Errorf("%w: product %s", ErrCartNotPriceable, line.ProductID)
		}
		positions = append(positions, OrderPosition{
			ID:          positionIDPrefix + s.newID(),
			OrderID:     orderID,
			ProductID:   product.ID,
			ProductName: product.Name,
			Price:       product.Cost,
			Quantity:    line.Quantity,
			CreatedAt:   now,
		})
		total = total.Add(domain.SumLineTotal(product.Cost, line.Quantity))
	}
	return positions, domain.RoundMoney(total), nil
}

func (s *orderService) generateOrderNumber(ctx context.Context, now time.Time) (string, error) {
	seq, err := s.counters.Next(ctx, "orders", 1)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%04d-%06d", s.numberPrefix, now.Year(), seq), nil
}

// Read helpers ---------------------------------------------------------------

func (s *orderService) findOrder(ctx context.Context, orderID string) (Order, error) {
	id := strings.TrimSpace(orderID)
	if id == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, id)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

func (s *orderService) authoriseRead(ctx context.Context, order Order, actorID string, sellerView bool) error {
	actor := strings.TrimSpace(actorID)
	if actor == "" {
		return fmt.Errorf("%w: actor id is required", ErrOrderInvalidInput)
	}
	if sellerView {
		store, err := s.stores.FindByID(ctx, order.StoreID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if store.AdminUserID != actor {
			return fmt.Errorf("%w: order %s", ErrOrderNotFound, order.ID)
		}
		return nil
	}
	if order.UserID != actor {
		return fmt.Errorf("%w: order %s", ErrOrderNotFound, order.ID)
	}
	return nil
}

// Fanout helpers -------------------------------------------------------------

func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":  event.Type,
			"topic": event.Topic,
			"order": event.OrderID,
			"error": err.Error(),
		})
	}
}

func (s *orderService) notifyBuyer(ctx context.Context, order domain.Order) {
	if s.push == nil {
		return
	}
	title := fmt.Sprintf("Order %s paid", order.Number)
	body := fmt.Sprintf("Your payment of %s was received.", domain.MoneyString(order.Amount))
	if err := s.push.Notify(ctx, order.UserID, title, body, map[string]string{
		"orderId": order.ID,
		"status":  string(order.Status()),
	}); err != nil {
		s.logger(ctx, "order.push.failed", map[string]any{
			"order": order.ID,
			"user":  order.UserID,
			"error": err.Error(),
		})
	}
}

// Error mapping --------------------------------------------------------------

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("order: repository unavailable: %w", err)
		}
	}

	return err
}

func isRepoNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

func (s *orderService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

func (s *orderService) now() time.Time {
	return s.clock()
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}
