package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/lavka-market/api/internal/domain"
	"github.com/lavka-market/api/internal/platform/auth"
	"github.com/lavka-market/api/internal/platform/httpx"
	"github.com/lavka-market/api/internal/services"
)

// cartTokenHeader carries the anonymous cart token for requests without a
// Firebase identity. The same device keeps the same token until sign-in.
const cartTokenHeader = "X-Cart-Token"

const maxCartBodySize = 16 * 1024

// CartHandlers exposes the cart endpoints. A cart belongs either to the
// authenticated user or, before sign-in, to an anonymous device token.
type CartHandlers struct {
	authn *auth.Authenticator
	carts services.CartService
}

// NewCartHandlers constructs handlers that accept both Firebase identities and
// anonymous cart tokens.
func NewCartHandlers(authn *auth.Authenticator, carts services.CartService) *CartHandlers {
	return &CartHandlers{
		authn: authn,
		carts: carts,
	}
}

// Routes wires the /cart endpoints onto the provided router.
func (h *CartHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Use(h.authenticateWhenPresented())
	r.Get("/", h.getCart)
	r.Post("/change", h.changeCart)
	r.Get("/grouped", h.groupedCart)
	r.Post("/sync", h.syncCart)
}

// authenticateWhenPresented verifies a bearer token when one is sent but lets
// token-only requests through so anonymous carts keep working.
func (h *CartHandlers) authenticateWhenPresented() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if h.authn == nil || strings.TrimSpace(r.Header.Get("Authorization")) == "" {
				next.ServeHTTP(w, r)
				return
			}
			h.authn.RequireFirebaseAuth()(next).ServeHTTP(w, r)
		})
	}
}

// cartOwner resolves the cart owner for the request: the Firebase identity
// wins, the anonymous token header is the fallback.
func cartOwner(r *http.Request) (services.CartOwner, bool) {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok && identity != nil {
		if uid := strings.TrimSpace(identity.UID); uid != "" {
			return services.CartOwner{UserID: uid}, true
		}
	}
	if token := strings.TrimSpace(r.Header.Get(cartTokenHeader)); token != "" {
		return services.CartOwner{Token: token}, true
	}
	return services.CartOwner{}, false
}

func (h *CartHandlers) getCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		httpx.WriteError(ctx, w, httpx.NewError("cart_service_unavailable", "cart service is unavailable", http.StatusServiceUnavailable))
		return
	}

	owner, ok := cartOwner(r)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication or a cart token is required", http.StatusUnauthorized))
		return
	}

	lines, err := h.carts.List(ctx, owner)
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}
	amount, err := h.carts.Amount(ctx, owner)
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}
	manyStores, err := h.carts.IsManyStores(ctx, owner)
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}

	items := make([]cartLinePayload, 0, len(lines))
	for _, line := range lines {
		items = append(items, buildCartLinePayload(line))
	}

	writeJSONResponse(w, http.StatusOK, cartResponse{
		Items:      items,
		Amount:     domain.MoneyString(amount),
		ManyStores: manyStores,
	})
}

func (h *CartHandlers) changeCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		httpx.WriteError(ctx, w, httpx.NewError("cart_service_unavailable", "cart service is unavailable", http.StatusServiceUnavailable))
		return
	}

	owner, ok := cartOwner(r)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication or a cart token is required", http.StatusUnauthorized))
		return
	}

	body, err := readLimitedBody(r, maxCartBodySize)
	if err != nil {
		switch {
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return
	}

	var req changeCartRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}
	if strings.TrimSpace(req.ProductID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "product_id is required", http.StatusBadRequest))
		return
	}
	if req.Quantity == nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "quantity is required", http.StatusBadRequest))
		return
	}

	change, err := h.carts.Change(ctx, services.ChangeCartCommand{
		Owner:     owner,
		ProductID: strings.TrimSpace(req.ProductID),
		Quantity:  *req.Quantity,
	})
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}

	resp := cartChangeResponse{Removed: change.Removed}
	if change.Line != nil {
		payload := buildCartLinePayload(*change.Line)
		resp.Line = &payload
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (h *CartHandlers) groupedCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		httpx.WriteError(ctx, w, httpx.NewError("cart_service_unavailable", "cart service is unavailable", http.StatusServiceUnavailable))
		return
	}

	owner, ok := cartOwner(r)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication or a cart token is required", http.StatusUnauthorized))
		return
	}

	groups, err := h.carts.GroupByStores(ctx, owner)
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}

	payload := make([]cartGroupPayload, 0, len(groups))
	for _, group := range groups {
		items := make([]cartLinePayload, 0, len(group.Lines))
		for _, line := range group.Lines {
			items = append(items, buildCartLinePayload(line))
		}
		payload = append(payload, cartGroupPayload{
			StoreID:   group.Store.ID,
			StoreName: group.Store.Name,
			Items:     items,
			Subtotal:  domain.MoneyString(group.Subtotal),
		})
	}

	writeJSONResponse(w, http.StatusOK, cartGroupsResponse{Groups: payload})
}

func (h *CartHandlers) syncCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		httpx.WriteError(ctx, w, httpx.NewError("cart_service_unavailable", "cart service is unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	token := strings.TrimSpace(r.Header.Get(cartTokenHeader))
	if token == "" {
		body, err := readLimitedBody(r, maxCartBodySize)
		if err != nil && !errors.Is(err, errEmptyBody) {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
			return
		}
		if len(body) > 0 {
			var req syncCartRequest
			if err := json.Unmarshal(body, &req); err != nil {
				httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
				return
			}
			token = strings.TrimSpace(req.Token)
		}
	}
	if token == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "cart token is required", http.StatusBadRequest))
		return
	}

	err := h.carts.Sync(ctx, services.SyncCartCommand{
		Token:  token,
		UserID: strings.TrimSpace(identity.UID),
	})
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type changeCartRequest struct {
	ProductID string `json:"product_id"`
	Quantity  *int   `json:"quantity"`
}

type syncCartRequest struct {
	Token string `json:"token"`
}

type cartResponse struct {
	Items      []cartLinePayload `json:"items"`
	Amount     string            `json:"amount"`
	ManyStores bool              `json:"many_stores"`
}

type cartChangeResponse struct {
	Line    *cartLinePayload `json:"line,omitempty"`
	Removed bool             `json:"removed"`
}

type cartGroupsResponse struct {
	Groups []cartGroupPayload `json:"groups"`
}

type cartGroupPayload struct {
	StoreID   string            `json:"store_id"`
	StoreName string            `json:"store_name"`
	Items     []cartLinePayload `json:"items"`
	Subtotal  string            `json:"subtotal"`
}

type cartLinePayload struct {
	ID          string `json:"id"`
	ProductID   string `json:"product_id"`
	StoreID     string `json:"store_id"`
	ProductName string `json:"product_name"`
	Price       string `json:"price"`
	Quantity    int    `json:"quantity"`
	Subtotal    string `json:"subtotal"`
	AddedAt     string `json:"added_at,omitempty"`
	UpdatedAt   string `json:"updated_at,omitempty"`
}

func buildCartLinePayload(line services.PricedCartLine) cartLinePayload {
	return cartLinePayload{
		ID:          line.Line.ID,
		ProductID:   line.Line.ProductID,
		StoreID:     line.Line.StoreID,
		ProductName: line.Product.Name,
		Price:       domain.MoneyString(line.Product.Cost),
		Quantity:    line.Line.Quantity,
		Subtotal:    domain.MoneyString(line.Subtotal),
		AddedAt:     formatTime(line.Line.AddedAt),
		UpdatedAt:   formatTime(line.Line.UpdatedAt),
	}
}

func writeCartError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrCartInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCartNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("cart_not_found", "cart line not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCartNotPriceable):
		httpx.WriteError(ctx, w, httpx.NewError("cart_not_priceable", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrCartConflict):
		httpx.WriteError(ctx, w, httpx.NewError("cart_conflict", err.Error(), http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("cart_error", "failed to process cart request", http.StatusInternalServerError))
	}
}
