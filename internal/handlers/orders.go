package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/lavka-market/api/internal/domain"
	"github.com/lavka-market/api/internal/payments"
	"github.com/lavka-market/api/internal/platform/auth"
	"github.com/lavka-market/api/internal/platform/httpx"
	"github.com/lavka-market/api/internal/services"
)

const (
	defaultOrderPageSize = 20
	maxOrderPageSize     = 100
	maxOrderBodySize     = 16 * 1024
)

// OrderHandlers exposes the buyer-facing order lifecycle endpoints.
type OrderHandlers struct {
	authn  *auth.Authenticator
	orders services.OrderService
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService) *OrderHandlers {
	return &OrderHandlers{
		authn:  authn,
		orders: orders,
	}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Get("/", h.listOrders)
	r.Post("/", h.createOrder)
	r.Get("/{orderID}", h.getOrder)
	r.Get("/{orderID}/status", h.getOrderStatus)
	r.Get("/{orderID}/positions", h.listOrderPositions)
	r.Post("/{orderID}:pay", h.payOrder)
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	filters, err := parseOrderFilters(r)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	query := services.OrderListQuery{
		UserID:     strings.TrimSpace(identity.UID),
		Paid:       filters.paid,
		Canceled:   filters.canceled,
		Completed:  filters.completed,
		Delivered:  filters.delivered,
		DateRange:  filters.dateRange,
		Sort:       filters.sort,
		Pagination: filters.pagination,
	}

	page, err := h.orders.List(ctx, query)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, buildOrderListResponse(page))
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	body, err := readLimitedBody(r, maxOrderBodySize)
	if err != nil {
		switch {
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return
	}

	var req createOrderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}
	if strings.TrimSpace(req.StoreID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "store_id is required", http.StatusBadRequest))
		return
	}
	if strings.TrimSpace(req.AddressID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "address_id is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.Create(ctx, services.CreateOrderCommand{
		BuyerID:   strings.TrimSpace(identity.UID),
		StoreID:   strings.TrimSpace(req.StoreID),
		AddressID: strings.TrimSpace(req.AddressID),
		ReturnURL: strings.TrimSpace(req.ReturnURL),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	includePositions := false
	for _, include := range strings.Split(r.URL.Query().Get("include"), ",") {
		if strings.EqualFold(strings.TrimSpace(include), "positions") {
			includePositions = true
		}
	}

	order, err := h.orders.Get(ctx, orderID, services.OrderReadOptions{
		ActorID:          strings.TrimSpace(identity.UID),
		IncludePositions: includePositions,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) getOrderStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	// Ownership check rides on the scoped read.
	if _, err := h.orders.Get(ctx, orderID, services.OrderReadOptions{ActorID: strings.TrimSpace(identity.UID)}); err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	status, err := h.orders.GetStatus(ctx, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderStatusResponse{Status: string(status)})
}

func (h *OrderHandlers) listOrderPositions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	positions, err := h.orders.ListPositions(ctx, orderID, strings.TrimSpace(identity.UID))
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	items := make([]orderPositionPayload, 0, len(positions))
	for _, position := range positions {
		items = append(items, buildOrderPositionPayload(position))
	}
	writeJSONResponse(w, http.StatusOK, orderPositionsResponse{Items: items})
}

func (h *OrderHandlers) payOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	var req payOrderRequest
	body, err := readLimitedBody(r, maxOrderBodySize)
	if err != nil && !errors.Is(err, errEmptyBody) {
		switch {
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
			return
		}
	}

	intent, err := h.orders.RequestPayment(ctx, services.RequestPaymentCommand{
		OrderID:   orderID,
		ActorID:   strings.TrimSpace(identity.UID),
		ReturnURL: strings.TrimSpace(req.ReturnURL),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, buildPaymentIntentResponse(intent))
}

// Query parsing -------------------------------------------------------------

type orderFilterParams struct {
	paid       *bool
	canceled   *bool
	completed  *bool
	delivered  *bool
	dateRange  domain.RangeQuery[time.Time]
	sort       services.SortOrder
	pagination services.Pagination
}

func parseOrderFilters(r *http.Request) (orderFilterParams, error) {
	query := r.URL.Query()
	var params orderFilterParams

	var err error
	if params.paid, err = parseBoolParam(query.Get("paid")); err != nil {
		return params, errors.New("paid must be true or false")
	}
	if params.canceled, err = parseBoolParam(query.Get("canceled")); err != nil {
		return params, errors.New("canceled must be true or false")
	}
	if params.completed, err = parseBoolParam(query.Get("completed")); err != nil {
		return params, errors.New("completed must be true or false")
	}
	if params.delivered, err = parseBoolParam(query.Get("delivered")); err != nil {
		return params, errors.New("delivered must be true or false")
	}

	switch strings.ToLower(strings.TrimSpace(query.Get("sort"))) {
	case "", "desc":
		params.sort = domain.SortDesc
	case "asc":
		params.sort = domain.SortAsc
	default:
		return params, errors.New("sort must be asc or desc")
	}

	if raw := strings.TrimSpace(query.Get("created_after")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			return params, errors.New("created_after must be a valid RFC3339 timestamp")
		}
		params.dateRange.From = &ts
	}
	if raw := strings.TrimSpace(query.Get("created_before")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			return params, errors.New("created_before must be a valid RFC3339 timestamp")
		}
		params.dateRange.To = &ts
	}

	pageSize := defaultOrderPageSize
	if sizeRaw := strings.TrimSpace(query.Get("page_size")); sizeRaw != "" {
		size, err := strconv.Atoi(sizeRaw)
		if err != nil {
			return params, errors.New("page_size must be an integer")
		}
		switch {
		case size <= 0:
			pageSize = defaultOrderPageSize
		case size > maxOrderPageSize:
			pageSize = maxOrderPageSize
		default:
			pageSize = size
		}
	}
	params.pagination = services.Pagination{
		PageSize:  pageSize,
		PageToken: strings.TrimSpace(query.Get("page_token")),
	}
	return params, nil
}

// Payloads ------------------------------------------------------------------

type createOrderRequest struct {
	StoreID   string `json:"store_id"`
	AddressID string `json:"address_id"`
	ReturnURL string `json:"return_url"`
}

type payOrderRequest struct {
	ReturnURL string `json:"return_url"`
}

type orderListResponse struct {
	Items         []orderSummaryPayload `json:"items"`
	NextPageToken string                `json:"next_page_token,omitempty"`
}

type orderSummaryPayload struct {
	ID          string `json:"id"`
	OrderNumber string `json:"order_number"`
	StoreID     string `json:"store_id"`
	Status      string `json:"status"`
	Amount      string `json:"amount"`
	CreatedAt   string `json:"created_at"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderStatusResponse struct {
	Status string `json:"status"`
}

type orderPositionsResponse struct {
	Items []orderPositionPayload `json:"items"`
}

type orderPayload struct {
	ID          string                 `json:"id"`
	OrderNumber string                 `json:"order_number"`
	UserID      string                 `json:"user_id"`
	StoreID     string                 `json:"store_id"`
	AddressID   string                 `json:"address_id"`
	Status      string                 `json:"status"`
	Amount      string                 `json:"amount"`
	Positions   []orderPositionPayload `json:"positions,omitempty"`
	CreatedAt   string                 `json:"created_at"`
	UpdatedAt   string                 `json:"updated_at,omitempty"`
	PaidAt      string                 `json:"paid_at,omitempty"`
	CanceledAt  string                 `json:"canceled_at,omitempty"`
}

type orderPositionPayload struct {
	ID          string `json:"id"`
	ProductID   string `json:"product_id"`
	ProductName string `json:"product_name"`
	Price       string `json:"price"`
	Quantity    int    `json:"quantity"`
	Subtotal    string `json:"subtotal"`
}

type paymentIntentResponse struct {
	Provider    string `json:"provider"`
	IntentID    string `json:"intent_id"`
	Status      string `json:"status"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	RedirectURL string `json:"redirect_url,omitempty"`
	CreatedAt   string `json:"created_at,omitempty"`
}

func buildOrderListResponse(page domain.CursorPage[services.Order]) orderListResponse {
	items := make([]orderSummaryPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, buildOrderSummary(order))
	}
	return orderListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	}
}

func buildOrderSummary(order services.Order) orderSummaryPayload {
	return orderSummaryPayload{
		ID:          order.ID,
		OrderNumber: order.Number,
		StoreID:     order.StoreID,
		Status:      string(order.Status()),
		Amount:      domain.MoneyString(order.Amount),
		CreatedAt:   formatTime(order.CreatedAt),
	}
}

func buildOrderPayload(order services.Order) orderPayload {
	payload := orderPayload{
		ID:          order.ID,
		OrderNumber: order.Number,
		UserID:      order.UserID,
		StoreID:     order.StoreID,
		AddressID:   order.AddressID,
		Status:      string(order.Status()),
		Amount:      domain.MoneyString(order.Amount),
		CreatedAt:   formatTime(order.CreatedAt),
		UpdatedAt:   formatTime(order.UpdatedAt),
		PaidAt:      formatTimePtr(order.PaidAt),
		CanceledAt:  formatTimePtr(order.CanceledAt),
	}
	if len(order.Positions) > 0 {
		payload.Positions = make([]orderPositionPayload, 0, len(order.Positions))
		for _, position := range order.Positions {
			payload.Positions = append(payload.Positions, buildOrderPositionPayload(position))
		}
	}
	return payload
}

func buildOrderPositionPayload(position services.OrderPosition) orderPositionPayload {
	return orderPositionPayload{
		ID:          position.ID,
		ProductID:   position.ProductID,
		ProductName: position.ProductName,
		Price:       domain.MoneyString(position.Price),
		Quantity:    position.Quantity,
		Subtotal:    domain.MoneyString(position.Subtotal()),
	}
}

func buildPaymentIntentResponse(intent payments.Intent) paymentIntentResponse {
	return paymentIntentResponse{
		Provider:    intent.Provider,
		IntentID:    intent.ID,
		Status:      string(intent.Status),
		Amount:      domain.MoneyString(intent.Amount),
		Currency:    strings.ToUpper(strings.TrimSpace(intent.Currency)),
		RedirectURL: intent.RedirectURL,
		CreatedAt:   formatTime(intent.CreatedAt),
	}
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCartNotPriceable):
		httpx.WriteError(ctx, w, httpx.NewError("cart_not_priceable", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("order_invalid_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderGateway):
		httpx.WriteError(ctx, w, httpx.NewError("payment_gateway_error", "payment gateway request failed", http.StatusBadGateway))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}
