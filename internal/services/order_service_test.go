package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/lavka-market/api/internal/domain"
	"github.com/lavka-market/api/internal/payments"
	"github.com/lavka-market/api/internal/repositories"
)

type stubOrderRepo struct {
	insertFn    func(context.Context, domain.Order) error
	updateFn    func(context.Context, domain.Order) error
	findFn      func(context.Context, string) (domain.Order, error)
	findByRefFn func(context.Context, string) (domain.Order, error)
	listFn      func(context.Context, repositories.OrderListFilter) (domain.CursorPage[domain.Order], error)
}

func (s *stubOrderRepo) Insert(ctx context.Context, order domain.Order) error {
	if s.insertFn != nil {
		return s.insertFn(ctx, order)
	}
	return nil
}

func (s *stubOrderRepo) Update(ctx context.Context, order domain.Order) error {
	if s.updateFn != nil {
		return s.updateFn(ctx, order)
	}
	return nil
}

func (s *stubOrderRepo) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if s.findFn != nil {
		return s.findFn(ctx, orderID)
	}
	return domain.Order{}, fakeRepositoryError{notFound: true}
}

func (s *stubOrderRepo) FindByPaymentRef(ctx context.Context, ref string) (domain.Order, error) {
	if s.findByRefFn != nil {
		return s.findByRefFn(ctx, ref)
	}
	return domain.Order{}, fakeRepositoryError{notFound: true}
}

func (s *stubOrderRepo) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return domain.CursorPage[domain.Order]{}, nil
}

type stubPositionRepo struct {
	insertAllFn func(context.Context, string, []domain.OrderPosition) error
	listFn      func(context.Context, string) ([]domain.OrderPosition, error)
}

func (s *stubPositionRepo) InsertAll(ctx context.Context, orderID string, positions []domain.OrderPosition) error {
	if s.insertAllFn != nil {
		return s.insertAllFn(ctx, orderID, positions)
	}
	return nil
}

func (s *stubPositionRepo) ListByOrder(ctx context.Context, orderID string) ([]domain.OrderPosition, error) {
	if s.listFn != nil {
		return s.listFn(ctx, orderID)
	}
	return nil, nil
}

type stubCartRepo struct {
	listFn     func(context.Context, domain.CartOwner) ([]domain.CartLine, error)
	findLineFn func(context.Context, domain.CartOwner, string) (domain.CartLine, error)
	upsertFn   func(context.Context, domain.CartLine) (domain.CartLine, error)
	deleteFn   func(context.Context, domain.CartOwner, string) error
	reassignFn func(context.Context, domain.CartOwner, domain.CartOwner, time.Time) error
}

func (s *stubCartRepo) ListByOwner(ctx context.Context, owner domain.CartOwner) ([]domain.CartLine, error) {
	if s.listFn != nil {
		return s.listFn(ctx, owner)
	}
	return nil, nil
}

func (s *stubCartRepo) FindLine(ctx context.Context, owner domain.CartOwner, productID string) (domain.CartLine, error) {
	if s.findLineFn != nil {
		return s.findLineFn(ctx, owner, productID)
	}
	return domain.CartLine{}, fakeRepositoryError{notFound: true}
}

func (s *stubCartRepo) UpsertLine(ctx context.Context, line domain.CartLine) (domain.CartLine, error) {
	if s.upsertFn != nil {
		return s.upsertFn(ctx, line)
	}
	return line, nil
}

func (s *stubCartRepo) DeleteLine(ctx context.Context, owner domain.CartOwner, lineID string) error {
	if s.deleteFn != nil {
		return s.deleteFn(ctx, owner, lineID)
	}
	return nil
}

func (s *stubCartRepo) ReassignOwner(ctx context.Context, from domain.CartOwner, to domain.CartOwner, now time.Time) error {
	if s.reassignFn != nil {
		return s.reassignFn(ctx, from, to, now)
	}
	return nil
}

type stubProductRepo struct {
	findFn     func(context.Context, string) (domain.Product, error)
	findManyFn func(context.Context, []string) (map[string]domain.Product, error)
}

func (s *stubProductRepo) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	if s.findFn != nil {
		return s.findFn(ctx, productID)
	}
	return domain.Product{}, fakeRepositoryError{notFound: true}
}

func (s *stubProductRepo) FindByIDs(ctx context.Context, productIDs []string) (map[string]domain.Product, error) {
	if s.findManyFn != nil {
		return s.findManyFn(ctx, productIDs)
	}
	return map[string]domain.Product{}, nil
}

type stubStoreRepo struct {
	findFn        func(context.Context, string) (domain.Store, error)
	listByAdminFn func(context.Context, string) ([]domain.Store, error)
}

func (s *stubStoreRepo) FindByID(ctx context.Context, storeID string) (domain.Store, error) {
	if s.findFn != nil {
		return s.findFn(ctx, storeID)
	}
	return domain.Store{}, fakeRepositoryError{notFound: true}
}

func (s *stubStoreRepo) ListByAdmin(ctx context.Context, adminUserID string) ([]domain.Store, error) {
	if s.listByAdminFn != nil {
		return s.listByAdminFn(ctx, adminUserID)
	}
	return nil, nil
}

type stubAddressRepo struct {
	listFn   func(context.Context, string) ([]domain.Address, error)
	getFn    func(context.Context, string, string) (domain.Address, error)
	upsertFn func(context.Context, domain.Address) (domain.Address, error)
	deleteFn func(context.Context, string, string) error
}

func (s *stubAddressRepo) List(ctx context.Context, userID string) ([]domain.Address, error) {
	if s.listFn != nil {
		return s.listFn(ctx, userID)
	}
	return nil, nil
}

func (s *stubAddressRepo) Get(ctx context.Context, userID string, addressID string) (domain.Address, error) {
	if s.getFn != nil {
		return s.getFn(ctx, userID, addressID)
	}
	return domain.Address{}, fakeRepositoryError{notFound: true}
}

func (s *stubAddressRepo) Upsert(ctx context.Context, addr domain.Address) (domain.Address, error) {
	if s.upsertFn != nil {
		return s.upsertFn(ctx, addr)
	}
	return addr, nil
}

func (s *stubAddressRepo) Delete(ctx context.Context, userID string, addressID string) error {
	if s.deleteFn != nil {
		return s.deleteFn(ctx, userID, addressID)
	}
	return nil
}

type stubCounterRepo struct {
	nextFn func(context.Context, string, int64) (int64, error)
}

func (s *stubCounterRepo) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	if s.nextFn != nil {
		return s.nextFn(ctx, counterID, step)
	}
	return 1, nil
}

func (s *stubCounterRepo) Configure(context.Context, string, repositories.CounterConfig) error {
	return nil
}

type stubGateway struct {
	createFn func(context.Context, payments.IntentRequest) (payments.Intent, error)
	lookupFn func(context.Context, string) (payments.Intent, error)
	cancelFn func(context.Context, string) (payments.Intent, error)
	refundFn func(context.Context, payments.RefundRequest) (payments.Intent, error)
}

func (s *stubGateway) CreateIntent(ctx context.Context, req payments.IntentRequest) (payments.Intent, error) {
	if s.createFn != nil {
		return s.createFn(ctx, req)
	}
	return payments.Intent{ID: "pi_stub", Status: payments.StatusPending, Amount: req.Amount, Currency: req.Currency}, nil
}

func (s *stubGateway) Lookup(ctx context.Context, intentID string) (payments.Intent, error) {
	if s.lookupFn != nil {
		return s.lookupFn(ctx, intentID)
	}
	return payments.Intent{ID: intentID, Status: payments.StatusPending}, nil
}

func (s *stubGateway) Cancel(ctx context.Context, intentID string) (payments.Intent, error) {
	if s.cancelFn != nil {
		return s.cancelFn(ctx, intentID)
	}
	return payments.Intent{ID: intentID, Status: payments.StatusCanceled}, nil
}

func (s *stubGateway) Refund(ctx context.Context, req payments.RefundRequest) (payments.Intent, error) {
	if s.refundFn != nil {
		return s.refundFn(ctx, req)
	}
	return payments.Intent{ID: req.IntentID, Status: payments.StatusRefunded}, nil
}

type captureOrderEvents struct {
	events []OrderEvent
	err    error
}

func (c *captureOrderEvents) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	c.events = append(c.events, event)
	return c.err
}

type capturePush struct {
	userIDs []string
	titles  []string
	err     error
}

func (c *capturePush) Notify(_ context.Context, userID string, title string, _ string, _ map[string]string) error {
	c.userIDs = append(c.userIDs, userID)
	c.titles = append(c.titles, title)
	return c.err
}

type stubUnitOfWork struct {
	runFn func(context.Context, func(context.Context) error) error
}

func (s *stubUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.runFn != nil {
		return s.runFn(ctx, fn)
	}
	return fn(ctx)
}

// sharedOrderState keeps one order in memory so interleaved operations in a
// test observe each other's committed writes, the way transactional reads do
// against the real store.
type sharedOrderState struct {
	mu    sync.Mutex
	order domain.Order
}

func (s *sharedOrderState) get() domain.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order
}

func (s *sharedOrderState) put(order domain.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = order
}

type fakeRepositoryError struct {
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e fakeRepositoryError) Error() string       { return "repository error" }
func (e fakeRepositoryError) IsNotFound() bool    { return e.notFound }
func (e fakeRepositoryError) IsConflict() bool    { return e.conflict }
func (e fakeRepositoryError) IsUnavailable() bool { return e.unavailable }

var orderTestNow = time.Date(2025, 5, 1, 9, 30, 0, 0, time.UTC)

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%04d", n)
	}
}

// marketplaceDeps wires a happy-path world: buyer-1 owns addr-1, store-1
// belongs to seller-1 and sells prod-1 (100.00) and prod-2 (49.99).
func marketplaceDeps() OrderServiceDeps {
	products := map[string]domain.Product{
		"prod-1": {ID: "prod-1", StoreID: "store-1", Name: "Gala apples 1kg", Cost: decimal.RequireFromString("100.00"), IsActive: true},
		"prod-2": {ID: "prod-2", StoreID: "store-1", Name: "Oat milk 1l", Cost: decimal.RequireFromString("49.99"), IsActive: true},
	}
	return OrderServiceDeps{
		Orders:    &stubOrderRepo{},
		Positions: &stubPositionRepo{},
		Carts: &stubCartRepo{
			listFn: func(context.Context, domain.CartOwner) ([]domain.CartLine, error) {
				return []domain.CartLine{
					{ID: "line-1", ProductID: "prod-1", StoreID: "store-1", Quantity: 2},
					{ID: "line-2", ProductID: "prod-2", StoreID: "store-1", Quantity: 1},
					{ID: "line-3", ProductID: "prod-9", StoreID: "store-2", Quantity: 5},
				}, nil
			},
		},
		Products: &stubProductRepo{
			findManyFn: func(_ context.Context, ids []string) (map[string]domain.Product, error) {
				found := make(map[string]domain.Product, len(ids))
				for _, id := range ids {
					if p, ok := products[id]; ok {
						found[id] = p
					}
				}
				return found, nil
			},
		},
		Stores: &stubStoreRepo{
			findFn: func(_ context.Context, storeID string) (domain.Store, error) {
				if storeID != "store-1" {
					return domain.Store{}, fakeRepositoryError{notFound: true}
				}
				return domain.Store{ID: "store-1", Name: "Lavka One", AdminUserID: "seller-1", IsActive: true}, nil
			},
		},
		Addresses: &stubAddressRepo{
			getFn: func(_ context.Context, userID, addressID string) (domain.Address, error) {
				if userID != "buyer-1" || addressID != "addr-1" {
					return domain.Address{}, fakeRepositoryError{notFound: true}
				}
				return domain.Address{ID: "addr-1", UserID: "buyer-1", City: "Moscow"}, nil
			},
		},
		Counters: &stubCounterRepo{
			nextFn: func(_ context.Context, counterID string, step int64) (int64, error) {
				return 42, nil
			},
		},
		Gateway:     &stubGateway{},
		UnitOfWork:  &stubUnitOfWork{},
		Clock:       func() time.Time { return orderTestNow },
		IDGenerator: sequentialIDs(),
	}
}

func TestOrderServiceCreateSnapshotsCart(t *testing.T) {
	ctx := context.Background()
	deps := marketplaceDeps()

	var inserted []domain.Order
	var insertedPositions []domain.OrderPosition
	deps.Orders = &stubOrderRepo{
		insertFn: func(_ context.Context, order domain.Order) error {
			inserted = append(inserted, order)
			return nil
		},
	}
	deps.Positions = &stubPositionRepo{
		insertAllFn: func(_ context.Context, orderID string, positions []domain.OrderPosition) error {
			insertedPositions = positions
			return nil
		},
	}

	var intentReq payments.IntentRequest
	deps.Gateway = &stubGateway{
		createFn: func(_ context.Context, req payments.IntentRequest) (payments.Intent, error) {
			intentReq = req
			return payments.Intent{ID: "pi_1", Status: payments.StatusPending, Amount: req.Amount, Currency: req.Currency, RedirectURL: "https://pay.example/pi_1"}, nil
		},
	}

	events := &captureOrderEvents{}
	deps.Events = events

	svc, err := NewOrderService(deps)
	if err != nil {
		t.Fatalf("new order service: %v", err)
	}

	order, err := svc.Create(ctx, CreateOrderCommand{
		BuyerID:   "buyer-1",
		StoreID:   "store-1",
		AddressID: "addr-1",
		ReturnURL: "https://app.example/orders",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if order.ID != "ord_0001" {
		t.Fatalf("unexpected order id %s", order.ID)
	}
	if order.Number != "LM-2025-000042" {
		t.Fatalf("unexpected order number %s", order.Number)
	}
	if !order.Amount.Equal(decimal.RequireFromString("249.99")) {
		t.Fatalf("expected amount 249.99, got %s", order.Amount)
	}
	if order.PaymentRef == nil || *order.PaymentRef != "pi_1" {
		t.Fatalf("expected payment ref pi_1, got %v", order.PaymentRef)
	}
	if order.Status() != domain.OrderStatusAwaitingPayment {
		t.Fatalf("expected awaiting_payment, got %s", order.Status())
	}

	if !intentReq.Amount.Equal(decimal.RequireFromString("249.99")) {
		t.Fatalf("expected intent amount 249.99, got %s", intentReq.Amount)
	}
	if intentReq.Currency != "RUB" {
		t.Fatalf("expected currency RUB, got %s", intentReq.Currency)
	}
	if intentReq.ReturnURL != "https://app.example/orders" {
		t.Fatalf("unexpected return url %s", intentReq.ReturnURL)
	}

	if len(inserted) != 1 {
		t.Fatalf("expected 1 inserted order, got %d", len(inserted))
	}
	if len(insertedPositions) != 2 {
		t.Fatalf("expected 2 positions for store-1 only, got %d", len(insertedPositions))
	}
	if insertedPositions[0].ProductName != "Gala apples 1kg" || !insertedPositions[0].Price.Equal(decimal.RequireFromString("100.00")) {
		t.Fatalf("position snapshot not frozen: %+v", insertedPositions[0])
	}

	if len(events.events) != 1 {
		t.Fatalf("expected exactly one event, got %d", len(events.events))
	}
	event := events.events[0]
	if event.Type != "new_order" {
		t.Fatalf("expected new_order event, got %s", event.Type)
	}
	if event.Topic != "order-admin:seller-1" {
		t.Fatalf("expected seller admin topic, got %s", event.Topic)
	}
	if event.Amount != "249.99" {
		t.Fatalf("expected event amount 249.99, got %s", event.Amount)
	}
}

func TestOrderServiceCreateRejectsForeignAddress(t *testing.T) {
	deps := marketplaceDeps()

	var gatewayCalls, insertCalls int
	deps.Gateway = &stubGateway{
		createFn: func(_ context.Context, req payments.IntentRequest) (payments.Intent, error) {
			gatewayCalls++
			return payments.Intent{ID: "pi_1"}, nil
		},
	}
	deps.Orders = &stubOrderRepo{
		insertFn: func(context.Context, domain.Order) error {
			insertCalls++
			return nil
		},
	}

	svc, err := NewOrderService(deps)
	if err != nil {
		t.Fatalf("new order service: %v", err)
	}

	_, err = svc.Create(context.Background(), CreateOrderCommand{
		BuyerID:   "buyer-2",
		StoreID:   "store-1",
		AddressID: "addr-1",
	})
	if !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if gatewayCalls != 0 || insertCalls != 0 {
		t.Fatalf("expected no side effects, gateway=%d insert=%d", gatewayCalls, insertCalls)
	}
}

func TestOrderServiceCreateRejectsEmptyCartForStore(t *testing.T) {
	deps := marketplaceDeps()
	deps.Carts = &stubCartRepo{
		listFn: func(context.Context, domain.CartOwner) ([]domain.CartLine, error) {
			return []domain.CartLine{
				{ID: "line-3", ProductID: "prod-9", StoreID: "store-2", Quantity: 5},
			}, nil
		},
	}

	svc, err := NewOrderService(deps)
	if err != nil {
		t.Fatalf("new order service: %v", err)
	}

	_, err = svc.Create(context.Background(), CreateOrderCommand{
		BuyerID:   "buyer-1",
		StoreID:   "store-1",
		AddressID: "addr-1",
	})
	if !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestOrderServiceCreateUnpriceableCart(t *testing.T) {
	deps := marketplaceDeps()
	deps.Products = &stubProductRepo{
		findManyFn: func(_ context.Context, ids []string) (map[string]domain.Product, error) {
			return map[string]domain.Product{
				"prod-1": {ID: "prod-1", StoreID: "store-1", Cost: decimal.RequireFromString("100.00"), IsActive: true},
				// prod-2 deactivated after it was added to the cart
				"prod-2": {ID: "prod-2", StoreID: "store-1", Cost: decimal.RequireFromString("49.99"), IsActive: false},
			}, nil
		},
	}

	var gatewayCalls int
	deps.Gateway = &stubGateway{
		createFn: func(_ context.Context, req payments.IntentRequest) (payments.Intent, error) {
			gatewayCalls++
			return payments.Intent{ID: "pi_1"}, nil
		},
	}

	svc, err := NewOrderService(deps)
	if err != nil {
		t.Fatalf("new order service: %v", err)
	}

	_, err = svc.Create(context.Background(), CreateOrderCommand{
		BuyerID:   "buyer-1",
		StoreID:   "store-1",
		AddressID: "addr-1",
	})
	if !errors.Is(err, ErrCartNotPriceable) {
		t.Fatalf("expected not priceable, got %v", err)
	}
	if gatewayCalls != 0 {
		t.Fatalf("expected no intent for unpriceable cart, got %d calls", gatewayCalls)
	}
}

func TestOrderServiceCreateCompensatesIntentOnCommitFailure(t *testing.T) {
	deps := marketplaceDeps()
	deps.Orders = &stubOrderRepo{
		insertFn: func(context.Context, domain.Order) error {
			return fakeRepositoryError{unavailable: true}
		},
	}

	var canceled []string
	deps.Gateway = &stubGateway{
		createFn: func(_ context.Context, req payments.IntentRequest) (payments.Intent, error) {
			return payments.Intent{ID: "pi_1", Status: payments.StatusPending}, nil
		},
		cancelFn: func(_ context.Context, intentID string) (payments.Intent, error) {
			canceled = append(canceled, intentID)
			return payments.Intent{ID: intentID, Status: payments.StatusCanceled}, nil
		},
	}
	events := &captureOrderEvents{}
	deps.Events = events

	svc, err := NewOrderService(deps)
	if err != nil {
		t.Fatalf("new order service: %v", err)
	}

	_, err = svc.Create(context.Background(), CreateOrderCommand{
		BuyerID:   "buyer-1",
		StoreID:   "store-1",
		AddressID: "addr-1",
	})
	if err == nil {
		t.Fatalf("expected commit failure to surface")
	}
	if len(canceled) != 1 || canceled[0] != "pi_1" {
		t.Fatalf("expected compensating cancel of pi_1, got %v", canceled)
	}
	if len(events.events) != 0 {
		t.Fatalf("expected no events after failed commit, got %d", len(events.events))
	}
}

func TestOrderServiceRequestPaymentReusesExistingReference(t *testing.T) {
	deps := marketplaceDeps()
	ref := "pi_1"
	deps.Orders = &stubOrderRepo{
		findFn: func(context.Context, string) (domain.Order, error) {
			return domain.Order{ID: "ord-1", UserID: "buyer-1", StoreID: "store-1", PaymentRef: &ref}, nil
		},
		updateFn: func(context.Context, domain.Order) error {
			t.Fatalf("update must not run when the reference is reused")
			return nil
		},
	}

	var created, lookedUp int
	deps.Gateway = &stubGateway{
		createFn: func(_ context.Context, req payments.IntentRequest) (payments.Intent, error) {
			created++
			return payments.Intent{ID: "pi_2"}, nil
		},
		lookupFn: func(_ context.Context, intentID string) (payments.Intent, error) {
			lookedUp++
			return payments.Intent{ID: intentID, Status: payments.StatusPending, RedirectURL: "https://pay.example/pi_1"}, nil
		},
	}

	svc, err := NewOrderService(deps)
	if err != nil {
		t.Fatalf("new order service: %v", err)
	}

	intent, err := svc.RequestPayment(context.Background(), RequestPaymentCommand{OrderID: "ord-1", ActorID: "buyer-1"})
	if err != nil {
		t.Fatalf("request payment: %v", err)
	}
	if intent.ID != "pi_1" {
		t.Fatalf("expected reused intent pi_1, got %s", intent.ID)
	}
	if created != 0 || lookedUp != 1 {
		t.Fatalf("expected lookup only, created=%d lookedUp=%d", created, lookedUp)
	}
}

func TestOrderServiceRequestPaymentOpensIntentWhenMissing(t *testing.T) {
	deps := marketplaceDeps()
	var updated domain.Order
	deps.Orders = &stubOrderRepo{
		findFn: func(context.Context, string) (domain.Order, error) {
			return domain.Order{ID: "ord-1", UserID: "buyer-1", StoreID: "store-1", Amount: decimal.RequireFromString("249.99")}, nil
		},
		updateFn: func(_ context.Context, order domain.Order) error {
			updated = order
			return nil
		},
	}
	deps.Gateway = &stubGateway{
		createFn: func(_ context.Context, req payments.IntentRequest) (payments.Intent, error) {
			return payments.Intent{ID: "pi_7", Status: payments.StatusPending}, nil
		},
	}

	svc, err := NewOrderService(deps)
	if err != nil {
		t.Fatalf("new order service: %v", err)
	}

	intent, err := svc.RequestPayment(context.Background(), RequestPaymentCommand{OrderID: "ord-1", ActorID: "buyer-1"})
	if err != nil {
		t.Fatalf("request payment: %v", err)
	}
	if intent.ID != "pi_7" {
		t.Fatalf("expected fresh intent pi_7, got %s", intent.ID)
	}
	if updated.PaymentRef == nil || *updated.PaymentRef != "pi_7" {
		t.Fatalf("expected persisted ref pi_7, got %v", updated.PaymentRef)
	}
}

func TestOrderServiceRequestPaymentOnCanceledOrder(t *testing.T) {
	deps := marketplaceDeps()
	deps.Orders = &stubOrderRepo{
		findFn: func(context.Context, string) (domain.Order, error) {
			return domain.Order{ID: "ord-1", UserID: "buyer-1", Flags: domain.OrderFlags{Canceled: true}}, nil
		},
	}

	svc, err := NewOrderService(deps)
	if err != nil {
		t.Fatalf("new order service: %v", err)
	}

	_, err = svc.RequestPayment(context.Background(), RequestPaymentCommand{OrderID: "ord-1", ActorID: "buyer-1"})
	if !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestOrderServiceRequestPaymentHidesForeignOrder(t *testing.T) {
	deps := marketplaceDeps()
	deps.Orders = &stubOrderRepo{
		findFn: func(context.Context, string) (domain.Order, error) {
			return domain.Order{ID: "ord-1", UserID: "buyer-1"}, nil
		},
	}

	svc, err := NewOrderService(deps)
	if err != nil {
		t.Fatalf("new order service: %v", err)
	}

	_, err = svc.RequestPayment(context.Background(), RequestPaymentCommand{OrderID: "ord-1", ActorID: "buyer-2"})
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found for foreign actor, got %v", err)
	}
}

func TestOrderServiceCallbackSettlesOrder(t *testing.T) {
	deps := marketplaceDeps()
	ref := "pi_1"
	var updated []domain.Order
	deps.Orders = &stubOrderRepo{
		findByRefFn: func(_ context.Context, got string) (domain.Order, error) {
			if got != "pi_1" {
				t.Fatalf("unexpected ref lookup %s", got)
			}
			return domain.Order{
				ID: "ord-1", Number: "LM-2025-000042", UserID: "buyer-1", StoreID: "store-1",
				PaymentRef: &ref, Amount: decimal.RequireFromString("249.99"),
			}, nil
		},
		findFn: func(context.Context, string) (domain.Order, error) {
			return domain.Order{
				ID: "ord-1", Number: "LM-2025-000042", UserID: "buyer-1", StoreID: "store-1",
				PaymentRef: &ref, Amount: decimal.RequireFromString("249.99"),
			}, nil
		},
		updateFn: func(_ context.Context, order domain.Order) error {
			updated = append(updated, order)
			return nil
		},
	}
	events := &captureOrderEvents{}
	deps.Events = events
	push := &capturePush{}
	deps.Push = push

	svc, err := NewOrderService(deps)
	if err != nil {
		t.Fatalf("new order service: %v", err)
	}

	if err := svc.ApplyPaymentCallback(context.Background(), PaymentCallbackCommand{PaymentRef: "pi_1", Status: "succeeded"}); err != nil {
		t.Fatalf("apply callback: %v", err)
	}

	if len(updated) != 1 {
		t.Fatalf("expected one update, got %d", len(updated))
	}
	if !updated[0].Flags.Paid || updated[0].PaidAt == nil {
		t.Fatalf("expected paid flag set, got %+v", updated[0].Flags)
	}
	if updated[0].Status() != domain.OrderStatusStoreProcessing {
		t.Fatalf("expected store_processing after payment, got %s", updated[0].Status())
	}

	if len(events.events) != 2 {
		t.Fatalf("expected buyer and seller events, got %d", len(events.events))
	}
	if events.events[0].Type != "order_change" || events.events[0].Topic != "order:ord-1" {
		t.Fatalf("unexpected buyer event %+v", events.events[0])
	}
	if events.events[1].Type != "order_paid" || events.events[1].Topic != "order-admin:seller-1" {
		t.Fatalf("unexpected seller event %+v", events.events[1])
	}

	if len(push.userIDs) != 1 || push.userIDs[0] != "buyer-1" {
		t.Fatalf("expected push to buyer-1, got %v", push.userIDs)
	}
}

func TestOrderServiceCallbackDuplicateSuccessSettlesOnce(t *testing.T) {
	deps := marketplaceDeps()
	ref := "pi_1"
	state := &sharedOrderState{order: domain.Order{
		ID: "ord-1", Number: "LM-2025-000042", UserID: "buyer-1", StoreID: "store-1",
		PaymentRef: &ref, Amount: decimal.RequireFromString("249.99"),
	}}
	stale := state.get()
	var updates int
	deps.Orders = &stubOrderRepo{
		// Both deliveries resolve the reference before either one commits,
		// so the second sees a copy that is not yet paid.
		findByRefFn: func(context.Context, string) (domain.Order, error) {
			return stale, nil
		},
		findFn: func(context.Context, string) (domain.Order, error) {
			return state.get(), nil
		},
		updateFn: func(_ context.Context, order domain.Order) error {
			updates++
			state.put(order)
			return nil
		},
	}
	events := &captureOrderEvents{}
	deps.Events = events
	push := &capturePush{}
	deps.Push = push

	svc, err := NewOrderService(deps)
	if err != nil {
		t.Fatalf("new order service: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := svc.ApplyPaymentCallback(context.Background(), PaymentCallbackCommand{PaymentRef: "pi_1", Status: "succeeded"}); err != nil {
			t.Fatalf("apply callback %d: %v", i, err)
		}
	}

	if updates != 1 {
		t.Fatalf("expected a single settle write, got %d", updates)
	}
	var paidEvents int
	for _, event := range events.events {
		if event.Type == "order_paid" {
			paidEvents++
		}
	}
	if paidEvents != 1 {
		t.Fatalf("expected exactly one order_paid event, got %d", paidEvents)
	}
	if len(push.userIDs) != 1 {
		t.Fatalf("expected exactly one push, got %v", push.userIDs)
	}
	if final := state.get(); !final.Flags.Paid || final.PaidAt == nil {
		t.Fatalf("expected settled order, got %+v", final.Flags)
	}
}

func TestOrderServiceCancelAfterLateSettleStillRefunds(t *testing.T) {
	deps := marketplaceDeps()
	ref := "pi_1"
	paidAt := orderTestNow.Add(-time.Minute)
	state := &sharedOrderState{order: domain.Order{
		ID: "ord-1", UserID: "buyer-1", StoreID: "store-1", PaymentRef: &ref,
		Amount: decimal.RequireFromString("249.99"),
		Flags:  domain.OrderFlags{Paid: true}, PaidAt: &paidAt,
	}}
	var finds int
	deps.Orders = &stubOrderRepo{
		findFn: func(context.Context, string) (domain.Order, error) {
			finds++
			// The first read races a settle whose write has not landed yet.
			if finds == 1 {
				unpaid := state.get()
				unpaid.Flags.Paid = false
				unpaid.PaidAt = nil
				return unpaid, nil
			}
			return state.get(), nil
		},
		updateFn: func(_ context.Context, order domain.Order) error {
			state.put(order)
			return nil
		},
	}
	var refunds []payments.RefundRequest
	deps.Gateway = &stubGateway{
		refundFn: func(_ context.Context, req payments.RefundRequest) (payments.Intent, error) {
			refunds = append(refunds, req)
			return payments.Intent{ID: req.IntentID, Status: payments.StatusRefunded}, nil
		},
	}

	svc, err := NewOrderService(deps)
	if err != nil {
		t.Fatalf("new order service: %v", err)
	}

	order, err := svc.Cancel(context.Background(), CancelOrderCommand{OrderID: "ord-1", ActorID: "seller-1"})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if len(refunds) != 1 {
		t.Fatalf("expected the late settle to be refunded once, got %d", len(refunds))
	}
	if refunds[0].IntentID != "pi_1" || !refunds[0].Amount.Equal(decimal.RequireFromString("249.99")) {
		t.Fatalf("expected full refund of pi_1, got %+v", refunds[0])
	}
	if !order.Flags.Canceled {
		t.Fatalf("expected canceled order, got %+v", order.Flags)
	}
	final := state.get()
	if !final.Flags.Paid || final.PaidAt == nil {
		t.Fatalf("cancel must not clobber the settle, got %+v", final.Flags)
	}
	if !final.Flags.Canceled || final.CanceledAt == nil {
		t.Fatalf("expected canceled flag persisted, got %+v", final.Flags)
	}
}

func TestOrderServiceCallbackIsIdempotentForPaidOrder(t *testing.T) {
	deps := marketplaceDeps()
	ref := "pi_1"
	deps.Orders = &stubOrderRepo{
		findByRefFn: func(context.Context, string) (domain.Order, error) {
			paidAt := orderTestNow.Add(-time.Hour)
			return domain.Order{
				ID: "ord-1", UserID: "buyer-1", StoreID: "store-1", PaymentRef: &ref,
				Flags: domain.OrderFlags{Paid: true}, PaidAt: &paidAt,
			}, nil
		},
		updateFn: func(context.Context, domain.Order) error {
			t.Fatalf("update must not run for an already paid order")
			return nil
		},
	}
	events := &captureOrderEvents{}
	deps.Events = events
	push := &capturePush{}
	deps.Push = push

	svc, err := NewOrderService(deps)
	if err != nil {
		t.Fatalf("new order service: %v", err)
	}

	if err := svc.ApplyPaymentCallback(context.Background(), PaymentCallbackCommand{PaymentRef: "pi_1", Status: "succeeded"}); err != nil {
		t.Fatalf("apply callback: %v", err)
	}
	if len(events.events) != 0 {
		t.Fatalf("expected no duplicate notifications, got %d events", len(events.events))
	}
	if len(push.userIDs) != 0 {
		t.Fatalf("expected no duplicate push, got %v", push.userIDs)
	}
}

func TestOrderServiceCallbackOnCanceledOrderIsNoOp(t *testing.T) {
	deps := marketplaceDeps()
	ref := "pi_1"
	deps.Orders = &stubOrderRepo{
		findByRefFn: func(context.Context, string) (domain.Order, error) {
			return domain.Order{ID: "ord-1", UserID: "buyer-1", PaymentRef: &ref, Flags: domain.OrderFlags{Canceled: true}}, nil
		},
		updateFn: func(context.Context, domain.Order) error {
			t.Fatalf("update must not run for a canceled order")
			return nil
		},
	}
	events := &captureOrderEvents{}
	deps.Events = events

	svc, err := NewOrderService(deps)
	if err != nil {
		t.Fatalf("new order service: %v", err)
	}

	if err := svc.ApplyPaymentCallback(context.Background(), PaymentCallbackCommand{PaymentRef: "pi_1", Status: "succeeded"}); err != nil {
		t.Fatalf("apply callback: %v", err)
	}
	if len(events.events) != 0 {
		t.Fatalf("expected no events for canceled order, got %d", len(events.events))
	}
}

func TestOrderServiceCallbackFailureMintsFreshIntent(t *testing.T) {
	deps := marketplaceDeps()
	ref := "pi_1"
	var updated domain.Order
	deps.Orders = &stubOrderRepo{
		findByRefFn: func(context.Context, string) (domain.Order, error) {
			return domain.Order{ID: "ord-1", UserID: "buyer-1", StoreID: "store-1", PaymentRef: &ref, Amount: decimal.RequireFromString("249.99")}, nil
		},
		findFn: func(context.Context, string) (domain.Order, error) {
			return domain.Order{ID: "ord-1", UserID: "buyer-1", StoreID: "store-1", PaymentRef: &ref, Amount: decimal.RequireFromString("249.99")}, nil
		},
		updateFn: func(_ context.Context, order domain.Order) error {
			updated = order
			return nil
		},
	}

	var created int
	deps.Gateway = &stubGateway{
		createFn: func(_ context.Context, req payments.IntentRequest) (payments.Intent, error) {
			created++
			return payments.Intent{ID: "pi_2", Status: payments.StatusPending}, nil
		},
	}

	svc, err := NewOrderService(deps)
	if err != nil {
		t.Fatalf("new order service: %v", err)
	}

	if err := svc.ApplyPaymentCallback(context.Background(), PaymentCallbackCommand{PaymentRef: "pi_1", Status: "canceled"}); err != nil {
		t.Fatalf("apply callback: %v", err)
	}
	if created != 1 {
		t.Fatalf("expected one fresh intent, got %d", created)
	}
	if updated.PaymentRef == nil || *updated.PaymentRef != "pi_2" {
		t.Fatalf("expected ref overwritten with pi_2, got %v", updated.PaymentRef)
	}
}

func TestOrderServiceCallbackUnknownReference(t *testing.T) {
	deps := marketplaceDeps()
	deps.Orders = &stubOrderRepo{
		findByRefFn: func(context.Context, string) (domain.Order, error) {
			return domain.Order{}, fakeRepositoryError{notFound: true}
		},
	}

	svc, err := NewOrderService(deps)
	if err != nil {
		t.Fatalf("new order service: %v", err)
	}

	err = svc.ApplyPaymentCallback(context.Background(), PaymentCallbackCommand{PaymentRef: "pi_missing", Status: "succeeded"})
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestOrderServiceCancelRefundsPaidOrder(t *testing.T) {
	deps := marketplaceDeps()
	ref := "pi_1"
	var updated domain.Order
	deps.Orders = &stubOrderRepo{
		findFn: func(context.Context, string) (domain.Order, error) {
			return domain.Order{
				ID: "ord-1", UserID: "buyer-1", StoreID: "store-1", PaymentRef: &ref,
				Amount: decimal.RequireFromString("249.99"), Flags: domain.OrderFlags{Paid: true},
			}, nil
		},
		updateFn: func(_ context.Context, order domain.Order) error {
			updated = order
			return nil
		},
	}

	var refunds []payments.RefundRequest
	deps.Gateway = &stubGateway{
		refundFn: func(_ context.Context, req payments.RefundRequest) (payments.Intent, error) {
			refunds = append(refunds, req)
			return payments.Intent{ID: req.IntentID, Status: payments.StatusRefunded}, nil
		},
	}
	events := &captureOrderEvents{}
	deps.Events = events

	svc, err := NewOrderService(deps)
	if err != nil {
		t.Fatalf("new order service: %v", err)
	}

	order, err := svc.Cancel(context.Background(), CancelOrderCommand{OrderID: "ord-1", ActorID: "seller-1"})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if len(refunds) != 1 {
		t.Fatalf("expected exactly one refund, got %d", len(refunds))
	}
	if refunds[0].IntentID != "pi_1" || !refunds[0].Amount.Equal(decimal.RequireFromString("249.99")) {
		t.Fatalf("expected full refund of pi_1, got %+v", refunds[0])
	}
	if refunds[0].IdempotencyKey != "ord-1-refund" {
		t.Fatalf("unexpected refund idempotency key %s", refunds[0].IdempotencyKey)
	}

	if !updated.Flags.Canceled || updated.CanceledAt == nil {
		t.Fatalf("expected canceled flag set, got %+v", updated.Flags)
	}
	if order.Status() != domain.OrderStatusCanceled {
		t.Fatalf("expected canceled status, got %s", order.Status())
	}
	if len(events.events) != 0 {
		t.Fatalf("cancellation must not fan out, got %d events", len(events.events))
	}
}

func TestOrderServiceCancelAbortsWhenRefundFails(t *testing.T) {
	deps := marketplaceDeps()
	ref := "pi_1"
	deps.Orders = &stubOrderRepo{
		findFn: func(context.Context, string) (domain.Order, error) {
			return domain.Order{
				ID: "ord-1", UserID: "buyer-1", StoreID: "store-1", PaymentRef: &ref,
				Amount: decimal.RequireFromString("249.99"), Flags: domain.OrderFlags{Paid: true},
			}, nil
		},
		updateFn: func(context.Context, domain.Order) error {
			t.Fatalf("update must not run when the refund fails")
			return nil
		},
	}
	deps.Gateway = &stubGateway{
		refundFn: func(context.Context, payments.RefundRequest) (payments.Intent, error) {
			return payments.Intent{}, errors.New("insufficient balance")
		},
	}

	svc, err := NewOrderService(deps)
	if err != nil {
		t.Fatalf("new order service: %v", err)
	}

	_, err = svc.Cancel(context.Background(), CancelOrderCommand{OrderID: "ord-1", ActorID: "seller-1"})
	if !errors.Is(err, ErrOrderGateway) {
		t.Fatalf("expected gateway error, got %v", err)
	}
}

func TestOrderServiceCancelAlreadyCanceled(t *testing.T) {
	deps := marketplaceDeps()
	deps.Orders = &stubOrderRepo{
		findFn: func(context.Context, string) (domain.Order, error) {
			return domain.Order{ID: "ord-1", UserID: "buyer-1", StoreID: "store-1", Flags: domain.OrderFlags{Canceled: true, Paid: true}}, nil
		},
	}

	var refunds int
	deps.Gateway = &stubGateway{
		refundFn: func(context.Context, payments.RefundRequest) (payments.Intent, error) {
			refunds++
			return payments.Intent{}, nil
		},
	}

	svc, err := NewOrderService(deps)
	if err != nil {
		t.Fatalf("new order service: %v", err)
	}

	_, err = svc.Cancel(context.Background(), CancelOrderCommand{OrderID: "ord-1", ActorID: "seller-1"})
	if !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
	if refunds != 0 {
		t.Fatalf("expected no second refund, got %d", refunds)
	}
}

func TestOrderServiceCancelRequiresStoreAdmin(t *testing.T) {
	deps := marketplaceDeps()
	deps.Orders = &stubOrderRepo{
		findFn: func(context.Context, string) (domain.Order, error) {
			return domain.Order{ID: "ord-1", UserID: "buyer-1", StoreID: "store-1"}, nil
		},
	}

	svc, err := NewOrderService(deps)
	if err != nil {
		t.Fatalf("new order service: %v", err)
	}

	_, err = svc.Cancel(context.Background(), CancelOrderCommand{OrderID: "ord-1", ActorID: "buyer-1"})
	if !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid input for non-admin actor, got %v", err)
	}
}

func TestOrderServiceGetScopesToActor(t *testing.T) {
	deps := marketplaceDeps()
	deps.Orders = &stubOrderRepo{
		findFn: func(context.Context, string) (domain.Order, error) {
			return domain.Order{ID: "ord-1", UserID: "buyer-1", StoreID: "store-1"}, nil
		},
	}

	svc, err := NewOrderService(deps)
	if err != nil {
		t.Fatalf("new order service: %v", err)
	}

	if _, err := svc.Get(context.Background(), "ord-1", OrderReadOptions{ActorID: "buyer-1"}); err != nil {
		t.Fatalf("buyer read: %v", err)
	}
	if _, err := svc.Get(context.Background(), "ord-1", OrderReadOptions{ActorID: "buyer-2"}); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found for foreign buyer, got %v", err)
	}
	if _, err := svc.Get(context.Background(), "ord-1", OrderReadOptions{ActorID: "seller-1", SellerView: true}); err != nil {
		t.Fatalf("seller read: %v", err)
	}
	if _, err := svc.Get(context.Background(), "ord-1", OrderReadOptions{ActorID: "seller-2", SellerView: true}); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found for foreign seller, got %v", err)
	}
}

func TestOrderServiceListForSellerWithoutStores(t *testing.T) {
	deps := marketplaceDeps()
	var listCalls int
	deps.Orders = &stubOrderRepo{
		listFn: func(context.Context, repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
			listCalls++
			return domain.CursorPage[domain.Order]{}, nil
		},
	}
	deps.Stores = &stubStoreRepo{
		listByAdminFn: func(context.Context, string) ([]domain.Store, error) {
			return nil, nil
		},
	}

	svc, err := NewOrderService(deps)
	if err != nil {
		t.Fatalf("new order service: %v", err)
	}

	page, err := svc.ListForSeller(context.Background(), SellerOrderListQuery{SellerUserID: "seller-1"})
	if err != nil {
		t.Fatalf("list for seller: %v", err)
	}
	if len(page.Items) != 0 || listCalls != 0 {
		t.Fatalf("expected empty page without repository call, items=%d calls=%d", len(page.Items), listCalls)
	}
}

func TestOrderServiceGetStatus(t *testing.T) {
	deps := marketplaceDeps()
	deps.Orders = &stubOrderRepo{
		findFn: func(context.Context, string) (domain.Order, error) {
			return domain.Order{ID: "ord-1", UserID: "buyer-1", Flags: domain.OrderFlags{Paid: true, Completed: true}}, nil
		},
	}

	svc, err := NewOrderService(deps)
	if err != nil {
		t.Fatalf("new order service: %v", err)
	}

	status, err := svc.GetStatus(context.Background(), "ord-1")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if status != domain.OrderStatusInTransit {
		t.Fatalf("expected in_transit, got %s", status)
	}
}

var (
	_ repositories.OrderRepository         = (*stubOrderRepo)(nil)
	_ repositories.OrderPositionRepository = (*stubPositionRepo)(nil)
	_ repositories.CartRepository          = (*stubCartRepo)(nil)
	_ repositories.ProductRepository       = (*stubProductRepo)(nil)
	_ repositories.StoreRepository         = (*stubStoreRepo)(nil)
	_ repositories.AddressRepository       = (*stubAddressRepo)(nil)
	_ repositories.CounterRepository       = (*stubCounterRepo)(nil)
	_ payments.Provider                    = (*stubGateway)(nil)
	_ repositories.RepositoryError         = fakeRepositoryError{}
)
