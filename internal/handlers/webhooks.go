package handlers

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lavka-market/api/internal/platform/httpx"
	"github.com/lavka-market/api/internal/services"
)

const (
	maxWebhookBodySize       = 64 * 1024
	defaultWebhookRateLimit  = 120
	defaultWebhookRateWindow = time.Minute
)

// WebhookHandlers receives asynchronous callbacks from the payment gateway.
// The gateway does not authenticate, so callbacks are rate limited per source
// address and trusted only as far as the payment reference they carry.
type WebhookHandlers struct {
	orders     services.OrderService
	limiter    rateLimiter
	rateLimit  int
	rateWindow time.Duration
	clock      func() time.Time
}

// WebhookOption customises a WebhookHandlers instance.
type WebhookOption func(*WebhookHandlers)

// WithWebhookRateLimit overrides the per-source callback budget. A limit at
// or below zero disables rate limiting.
func WithWebhookRateLimit(limit int, window time.Duration) WebhookOption {
	return func(h *WebhookHandlers) {
		h.rateLimit = limit
		h.rateWindow = window
	}
}

// WithWebhookClock overrides the clock used by the rate limiter.
func WithWebhookClock(clock func() time.Time) WebhookOption {
	return func(h *WebhookHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// NewWebhookHandlers constructs a new WebhookHandlers instance.
func NewWebhookHandlers(orders services.OrderService, opts ...WebhookOption) *WebhookHandlers {
	h := &WebhookHandlers{
		orders:     orders,
		rateLimit:  defaultWebhookRateLimit,
		rateWindow: defaultWebhookRateWindow,
		clock:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	h.limiter = newSimpleRateLimiter(h.rateLimit, h.rateWindow, h.clock)
	return h
}

// Routes registers the /webhooks endpoints.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments", h.paymentCallback)
}

// paymentCallbackRequest mirrors the gateway notification envelope: the
// payment object with its reference and terminal status.
type paymentCallbackRequest struct {
	Event  string `json:"event"`
	Object struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"object"`
}

func (h *WebhookHandlers) paymentCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	if h.limiter != nil && !h.limiter.Allow(callbackSourceKey(r)) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many callbacks from this source", http.StatusTooManyRequests))
		return
	}

	body, err := readLimitedBody(r, maxWebhookBodySize)
	if err != nil {
		switch {
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return
	}

	var req paymentCallbackRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}

	paymentRef := strings.TrimSpace(req.Object.ID)
	if paymentRef == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "object.id is required", http.StatusBadRequest))
		return
	}

	err = h.orders.ApplyPaymentCallback(ctx, services.PaymentCallbackCommand{
		PaymentRef: paymentRef,
		Status:     strings.TrimSpace(req.Object.Status),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

func callbackSourceKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}
