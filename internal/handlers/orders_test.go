package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	domain "github.com/lavka-market/api/internal/domain"
	"github.com/lavka-market/api/internal/payments"
	"github.com/lavka-market/api/internal/platform/auth"
	"github.com/lavka-market/api/internal/services"
)

type stubOrderService struct {
	createFn         func(ctx context.Context, cmd services.CreateOrderCommand) (services.Order, error)
	getFn            func(ctx context.Context, orderID string, opts services.OrderReadOptions) (services.Order, error)
	getStatusFn      func(ctx context.Context, orderID string) (services.OrderStatus, error)
	listPositionsFn  func(ctx context.Context, orderID string, actorID string) ([]services.OrderPosition, error)
	listFn           func(ctx context.Context, q services.OrderListQuery) (domain.CursorPage[services.Order], error)
	listForSellerFn  func(ctx context.Context, q services.SellerOrderListQuery) (domain.CursorPage[services.Order], error)
	requestPaymentFn func(ctx context.Context, cmd services.RequestPaymentCommand) (services.PaymentIntent, error)
	applyCallbackFn  func(ctx context.Context, cmd services.PaymentCallbackCommand) error
	cancelFn         func(ctx context.Context, cmd services.CancelOrderCommand) (services.Order, error)
}

func (s *stubOrderService) Create(ctx context.Context, cmd services.CreateOrderCommand) (services.Order, error) {
	if s.createFn != nil {
		return s.createFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) Get(ctx context.Context, orderID string, opts services.OrderReadOptions) (services.Order, error) {
	if s.getFn != nil {
		return s.getFn(ctx, orderID, opts)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) GetStatus(ctx context.Context, orderID string) (services.OrderStatus, error) {
	if s.getStatusFn != nil {
		return s.getStatusFn(ctx, orderID)
	}
	return "", errors.New("not implemented")
}

func (s *stubOrderService) ListPositions(ctx context.Context, orderID string, actorID string) ([]services.OrderPosition, error) {
	if s.listPositionsFn != nil {
		return s.listPositionsFn(ctx, orderID, actorID)
	}
	return nil, errors.New("not implemented")
}

func (s *stubOrderService) List(ctx context.Context, q services.OrderListQuery) (domain.CursorPage[services.Order], error) {
	if s.listFn != nil {
		return s.listFn(ctx, q)
	}
	return domain.CursorPage[services.Order]{}, errors.New("not implemented")
}

func (s *stubOrderService) ListForSeller(ctx context.Context, q services.SellerOrderListQuery) (domain.CursorPage[services.Order], error) {
	if s.listForSellerFn != nil {
		return s.listForSellerFn(ctx, q)
	}
	return domain.CursorPage[services.Order]{}, errors.New("not implemented")
}

func (s *stubOrderService) RequestPayment(ctx context.Context, cmd services.RequestPaymentCommand) (services.PaymentIntent, error) {
	if s.requestPaymentFn != nil {
		return s.requestPaymentFn(ctx, cmd)
	}
	return services.PaymentIntent{}, errors.New("not implemented")
}

func (s *stubOrderService) ApplyPaymentCallback(ctx context.Context, cmd services.PaymentCallbackCommand) error {
	if s.applyCallbackFn != nil {
		return s.applyCallbackFn(ctx, cmd)
	}
	return errors.New("not implemented")
}

func (s *stubOrderService) Cancel(ctx context.Context, cmd services.CancelOrderCommand) (services.Order, error) {
	if s.cancelFn != nil {
		return s.cancelFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

func authenticatedRequest(method, target string, body *strings.Reader, uid string) *http.Request {
	var req *http.Request
	if body == nil {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, body)
	}
	return req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: uid}))
}

func sampleOrder() services.Order {
	created := time.Date(2025, 5, 1, 9, 30, 0, 0, time.UTC)
	return services.Order{
		ID:        "ord-1",
		Number:    "LM-2025-000042",
		UserID:    "buyer-1",
		StoreID:   "store-1",
		AddressID: "addr-1",
		Amount:    decimal.RequireFromString("249.99"),
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestOrderHandlersListOrders(t *testing.T) {
	var captured services.OrderListQuery
	service := &stubOrderService{
		listFn: func(_ context.Context, q services.OrderListQuery) (domain.CursorPage[services.Order], error) {
			captured = q
			return domain.CursorPage[services.Order]{
				Items:         []services.Order{sampleOrder()},
				NextPageToken: "tok-next",
			}, nil
		},
	}

	handler := NewOrderHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/orders", handler.Routes)

	req := authenticatedRequest(http.MethodGet, "/orders?paid=true&canceled=false&sort=asc&page_size=10&page_token=tok123&created_after=2025-03-01T00:00:00Z", nil, "buyer-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	if captured.UserID != "buyer-1" {
		t.Fatalf("expected query user buyer-1, got %s", captured.UserID)
	}
	if captured.Paid == nil || !*captured.Paid {
		t.Fatalf("expected paid filter true, got %#v", captured.Paid)
	}
	if captured.Canceled == nil || *captured.Canceled {
		t.Fatalf("expected canceled filter false, got %#v", captured.Canceled)
	}
	if captured.Completed != nil || captured.Delivered != nil {
		t.Fatalf("expected absent filters to stay nil")
	}
	if captured.Sort != domain.SortAsc {
		t.Fatalf("expected ascending sort, got %q", captured.Sort)
	}
	if captured.Pagination.PageSize != 10 || captured.Pagination.PageToken != "tok123" {
		t.Fatalf("unexpected pagination: %#v", captured.Pagination)
	}
	fromExpected := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	if captured.DateRange.From == nil || !captured.DateRange.From.Equal(fromExpected) {
		t.Fatalf("expected date range from %s, got %#v", fromExpected, captured.DateRange.From)
	}

	var resp orderListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(resp.Items) != 1 {
		t.Fatalf("expected 1 order, got %d", len(resp.Items))
	}
	if resp.Items[0].OrderNumber != "LM-2025-000042" {
		t.Fatalf("unexpected order number %s", resp.Items[0].OrderNumber)
	}
	if resp.Items[0].Amount != "249.99" {
		t.Fatalf("expected amount 249.99, got %s", resp.Items[0].Amount)
	}
	if resp.Items[0].Status != string(domain.OrderStatusAwaitingPayment) {
		t.Fatalf("expected awaiting_payment, got %s", resp.Items[0].Status)
	}
	if resp.NextPageToken != "tok-next" {
		t.Fatalf("expected next page token tok-next, got %s", resp.NextPageToken)
	}
}

func TestOrderHandlersListOrdersInvalidPageSize(t *testing.T) {
	handler := NewOrderHandlers(nil, &stubOrderService{})
	router := chi.NewRouter()
	router.Route("/orders", handler.Routes)

	req := authenticatedRequest(http.MethodGet, "/orders?page_size=abc", nil, "buyer-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestOrderHandlersListOrdersInvalidFilter(t *testing.T) {
	handler := NewOrderHandlers(nil, &stubOrderService{})
	router := chi.NewRouter()
	router.Route("/orders", handler.Routes)

	req := authenticatedRequest(http.MethodGet, "/orders?paid=maybe", nil, "buyer-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestOrderHandlersListOrdersInvalidSort(t *testing.T) {
	handler := NewOrderHandlers(nil, &stubOrderService{})
	router := chi.NewRouter()
	router.Route("/orders", handler.Routes)

	req := authenticatedRequest(http.MethodGet, "/orders?sort=newest", nil, "buyer-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestOrderHandlersListOrdersUnauthenticated(t *testing.T) {
	handler := NewOrderHandlers(nil, &stubOrderService{})
	router := chi.NewRouter()
	router.Route("/orders", handler.Routes)

	req := httptest.NewRequest(http.MethodGet, "/orders", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestOrderHandlersCreateOrder(t *testing.T) {
	var captured services.CreateOrderCommand
	service := &stubOrderService{
		createFn: func(_ context.Context, cmd services.CreateOrderCommand) (services.Order, error) {
			captured = cmd
			return sampleOrder(), nil
		},
	}

	handler := NewOrderHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/orders", handler.Routes)

	body := strings.NewReader(`{"store_id":"store-1","address_id":"addr-1","return_url":"https://app.example/return"}`)
	req := authenticatedRequest(http.MethodPost, "/orders", body, "buyer-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d", rr.Code)
	}
	if captured.BuyerID != "buyer-1" || captured.StoreID != "store-1" || captured.AddressID != "addr-1" {
		t.Fatalf("unexpected command: %#v", captured)
	}
	if captured.ReturnURL != "https://app.example/return" {
		t.Fatalf("expected return url, got %s", captured.ReturnURL)
	}

	var resp orderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Order.ID != "ord-1" || resp.Order.Amount != "249.99" {
		t.Fatalf("unexpected order payload: %#v", resp.Order)
	}
}

func TestOrderHandlersCreateOrderMissingStore(t *testing.T) {
	handler := NewOrderHandlers(nil, &stubOrderService{})
	router := chi.NewRouter()
	router.Route("/orders", handler.Routes)

	body := strings.NewReader(`{"address_id":"addr-1"}`)
	req := authenticatedRequest(http.MethodPost, "/orders", body, "buyer-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestOrderHandlersCreateOrderUnpriceableCart(t *testing.T) {
	service := &stubOrderService{
		createFn: func(context.Context, services.CreateOrderCommand) (services.Order, error) {
			return services.Order{}, fmt.Errorf("%w: product prod-2 is inactive", services.ErrCartNotPriceable)
		},
	}
	handler := NewOrderHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/orders", handler.Routes)

	body := strings.NewReader(`{"store_id":"store-1","address_id":"addr-1"}`)
	req := authenticatedRequest(http.MethodPost, "/orders", body, "buyer-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "cart_not_priceable") {
		t.Fatalf("expected cart_not_priceable code, got %s", rr.Body.String())
	}
}

func TestOrderHandlersGetOrderIncludesPositions(t *testing.T) {
	var capturedOpts services.OrderReadOptions
	order := sampleOrder()
	order.Positions = []services.OrderPosition{
		{
			ID:          "pos-1",
			OrderID:     "ord-1",
			ProductID:   "prod-1",
			ProductName: "Gala apples 1kg",
			Price:       decimal.RequireFromString("100.00"),
			Quantity:    2,
		},
	}
	service := &stubOrderService{
		getFn: func(_ context.Context, orderID string, opts services.OrderReadOptions) (services.Order, error) {
			if orderID != "ord-1" {
				return services.Order{}, services.ErrOrderNotFound
			}
			capturedOpts = opts
			return order, nil
		},
	}

	handler := NewOrderHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/orders", handler.Routes)

	req := authenticatedRequest(http.MethodGet, "/orders/ord-1?include=positions", nil, "buyer-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if capturedOpts.ActorID != "buyer-1" || !capturedOpts.IncludePositions || capturedOpts.SellerView {
		t.Fatalf("unexpected read options: %#v", capturedOpts)
	}

	var resp orderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(resp.Order.Positions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(resp.Order.Positions))
	}
	if resp.Order.Positions[0].Subtotal != "200.00" {
		t.Fatalf("expected subtotal 200.00, got %s", resp.Order.Positions[0].Subtotal)
	}
}

func TestOrderHandlersGetOrderNotFound(t *testing.T) {
	service := &stubOrderService{
		getFn: func(context.Context, string, services.OrderReadOptions) (services.Order, error) {
			return services.Order{}, services.ErrOrderNotFound
		},
	}
	handler := NewOrderHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/orders", handler.Routes)

	req := authenticatedRequest(http.MethodGet, "/orders/ord-9", nil, "buyer-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestOrderHandlersGetOrderStatus(t *testing.T) {
	service := &stubOrderService{
		getFn: func(context.Context, string, services.OrderReadOptions) (services.Order, error) {
			return sampleOrder(), nil
		},
		getStatusFn: func(_ context.Context, orderID string) (services.OrderStatus, error) {
			if orderID != "ord-1" {
				return "", services.ErrOrderNotFound
			}
			return domain.OrderStatusInTransit, nil
		},
	}

	handler := NewOrderHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/orders", handler.Routes)

	req := authenticatedRequest(http.MethodGet, "/orders/ord-1/status", nil, "buyer-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var resp orderStatusResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Status != string(domain.OrderStatusInTransit) {
		t.Fatalf("expected in_transit, got %s", resp.Status)
	}
}

func TestOrderHandlersListPositions(t *testing.T) {
	service := &stubOrderService{
		listPositionsFn: func(_ context.Context, orderID string, actorID string) ([]services.OrderPosition, error) {
			if orderID != "ord-1" || actorID != "buyer-1" {
				return nil, services.ErrOrderNotFound
			}
			return []services.OrderPosition{
				{
					ID:          "pos-1",
					ProductID:   "prod-2",
					ProductName: "Oat milk 1l",
					Price:       decimal.RequireFromString("49.99"),
					Quantity:    1,
				},
			}, nil
		},
	}

	handler := NewOrderHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/orders", handler.Routes)

	req := authenticatedRequest(http.MethodGet, "/orders/ord-1/positions", nil, "buyer-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var resp orderPositionsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(resp.Items) != 1 || resp.Items[0].Price != "49.99" {
		t.Fatalf("unexpected positions payload: %#v", resp.Items)
	}
}

func TestOrderHandlersPayOrder(t *testing.T) {
	var captured services.RequestPaymentCommand
	service := &stubOrderService{
		requestPaymentFn: func(_ context.Context, cmd services.RequestPaymentCommand) (services.PaymentIntent, error) {
			captured = cmd
			return payments.Intent{
				Provider:    "stripe",
				ID:          "pi_1",
				Status:      payments.StatusPending,
				Amount:      decimal.RequireFromString("249.99"),
				Currency:    "rub",
				RedirectURL: "https://pay.example/pi_1",
			}, nil
		},
	}

	handler := NewOrderHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/orders", handler.Routes)

	body := strings.NewReader(`{"return_url":"https://app.example/return"}`)
	req := authenticatedRequest(http.MethodPost, "/orders/ord-1:pay", body, "buyer-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if captured.OrderID != "ord-1" || captured.ActorID != "buyer-1" {
		t.Fatalf("unexpected command: %#v", captured)
	}

	var resp paymentIntentResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.IntentID != "pi_1" || resp.RedirectURL != "https://pay.example/pi_1" {
		t.Fatalf("unexpected intent payload: %#v", resp)
	}
	if resp.Currency != "RUB" {
		t.Fatalf("expected currency uppercased, got %s", resp.Currency)
	}
}

func TestOrderHandlersPayOrderWithoutBody(t *testing.T) {
	service := &stubOrderService{
		requestPaymentFn: func(context.Context, services.RequestPaymentCommand) (services.PaymentIntent, error) {
			return payments.Intent{ID: "pi_1", Amount: decimal.RequireFromString("249.99"), Currency: "RUB"}, nil
		},
	}

	handler := NewOrderHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/orders", handler.Routes)

	req := authenticatedRequest(http.MethodPost, "/orders/ord-1:pay", nil, "buyer-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
}

func TestOrderHandlersPayOrderGatewayFailure(t *testing.T) {
	service := &stubOrderService{
		requestPaymentFn: func(context.Context, services.RequestPaymentCommand) (services.PaymentIntent, error) {
			return payments.Intent{}, fmt.Errorf("%w: create intent", services.ErrOrderGateway)
		},
	}

	handler := NewOrderHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/orders", handler.Routes)

	req := authenticatedRequest(http.MethodPost, "/orders/ord-1:pay", nil, "buyer-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected status 502, got %d", rr.Code)
	}
}

func TestOrderHandlersServiceUnavailable(t *testing.T) {
	handler := NewOrderHandlers(nil, nil)
	router := chi.NewRouter()
	router.Route("/orders", handler.Routes)

	req := authenticatedRequest(http.MethodGet, "/orders", nil, "buyer-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
}

var _ services.OrderService = (*stubOrderService)(nil)
