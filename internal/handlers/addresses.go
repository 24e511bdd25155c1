package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/lavka-market/api/internal/platform/auth"
	"github.com/lavka-market/api/internal/platform/httpx"
	"github.com/lavka-market/api/internal/services"
)

const maxAddressBodySize = 16 * 1024

// AddressHandlers exposes the buyer's delivery address book.
type AddressHandlers struct {
	authn     *auth.Authenticator
	addresses services.AddressService
}

// NewAddressHandlers constructs a new AddressHandlers instance.
func NewAddressHandlers(authn *auth.Authenticator, addresses services.AddressService) *AddressHandlers {
	return &AddressHandlers{
		authn:     authn,
		addresses: addresses,
	}
}

// Routes registers the /addresses endpoints.
func (h *AddressHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Get("/", h.listAddresses)
	r.Post("/", h.createAddress)
	r.Route("/{addressID}", func(r chi.Router) {
		r.Get("/", h.getAddress)
		r.Put("/", h.updateAddress)
		r.Delete("/", h.deleteAddress)
	})
}

func (h *AddressHandlers) listAddresses(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.addresses == nil {
		httpx.WriteError(ctx, w, httpx.NewError("address_service_unavailable", "address service is unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	addresses, err := h.addresses.List(ctx, identity.UID)
	if err != nil {
		writeAddressError(ctx, w, err)
		return
	}

	payload := make([]addressPayload, 0, len(addresses))
	for _, addr := range addresses {
		payload = append(payload, buildAddressPayload(addr))
	}
	writeJSONResponse(w, http.StatusOK, payload)
}

func (h *AddressHandlers) getAddress(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.addresses == nil {
		httpx.WriteError(ctx, w, httpx.NewError("address_service_unavailable", "address service is unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	addressID := strings.TrimSpace(chi.URLParam(r, "addressID"))
	if addressID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "address id is required", http.StatusBadRequest))
		return
	}

	addr, err := h.addresses.Get(ctx, identity.UID, addressID)
	if err != nil {
		writeAddressError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, buildAddressPayload(addr))
}

func (h *AddressHandlers) createAddress(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.addresses == nil {
		httpx.WriteError(ctx, w, httpx.NewError("address_service_unavailable", "address service is unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	req, err := h.decodeAddressBody(r)
	if err != nil {
		writeAddressBodyError(ctx, w, err)
		return
	}

	saved, err := h.addresses.Create(ctx, req.toCommand(identity.UID, ""))
	if err != nil {
		writeAddressError(ctx, w, err)
		return
	}

	w.Header().Set("Location", strings.TrimSuffix(r.URL.Path, "/")+"/"+saved.ID)
	writeJSONResponse(w, http.StatusCreated, buildAddressPayload(saved))
}

func (h *AddressHandlers) updateAddress(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.addresses == nil {
		httpx.WriteError(ctx, w, httpx.NewError("address_service_unavailable", "address service is unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	addressID := strings.TrimSpace(chi.URLParam(r, "addressID"))
	if addressID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "address id is required", http.StatusBadRequest))
		return
	}

	req, err := h.decodeAddressBody(r)
	if err != nil {
		writeAddressBodyError(ctx, w, err)
		return
	}

	saved, err := h.addresses.Update(ctx, req.toCommand(identity.UID, addressID))
	if err != nil {
		writeAddressError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, buildAddressPayload(saved))
}

func (h *AddressHandlers) deleteAddress(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.addresses == nil {
		httpx.WriteError(ctx, w, httpx.NewError("address_service_unavailable", "address service is unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	addressID := strings.TrimSpace(chi.URLParam(r, "addressID"))
	if addressID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "address id is required", http.StatusBadRequest))
		return
	}

	if err := h.addresses.Delete(ctx, identity.UID, addressID); err != nil {
		writeAddressError(ctx, w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *AddressHandlers) decodeAddressBody(r *http.Request) (addressRequest, error) {
	body, err := readLimitedBody(r, maxAddressBodySize)
	if err != nil {
		return addressRequest{}, err
	}
	var req addressRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return addressRequest{}, errors.New("invalid JSON body")
	}
	return req, nil
}

type addressRequest struct {
	City      string           `json:"city"`
	Street    string           `json:"street"`
	House     string           `json:"house"`
	Apartment string           `json:"apartment"`
	Comment   string           `json:"comment"`
	Longitude *decimal.Decimal `json:"longitude"`
	Latitude  *decimal.Decimal `json:"latitude"`
}

func (req addressRequest) toCommand(userID, addressID string) services.UpsertAddressCommand {
	cmd := services.UpsertAddressCommand{
		UserID:    strings.TrimSpace(userID),
		AddressID: addressID,
		City:      strings.TrimSpace(req.City),
		Street:    strings.TrimSpace(req.Street),
		House:     strings.TrimSpace(req.House),
		Apartment: strings.TrimSpace(req.Apartment),
		Comment:   strings.TrimSpace(req.Comment),
	}
	if req.Longitude != nil {
		cmd.Longitude = *req.Longitude
	}
	if req.Latitude != nil {
		cmd.Latitude = *req.Latitude
	}
	return cmd
}

type addressPayload struct {
	ID        string `json:"id"`
	City      string `json:"city"`
	Street    string `json:"street"`
	House     string `json:"house"`
	Apartment string `json:"apartment,omitempty"`
	Comment   string `json:"comment,omitempty"`
	Longitude string `json:"longitude"`
	Latitude  string `json:"latitude"`
	CreatedAt string `json:"created_at,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

func buildAddressPayload(addr services.Address) addressPayload {
	return addressPayload{
		ID:        addr.ID,
		City:      addr.City,
		Street:    addr.Street,
		House:     addr.House,
		Apartment: addr.Apartment,
		Comment:   addr.Comment,
		Longitude: addr.Longitude.String(),
		Latitude:  addr.Latitude.String(),
		CreatedAt: formatTime(addr.CreatedAt),
		UpdatedAt: formatTime(addr.UpdatedAt),
	}
}

func writeAddressBodyError(ctx context.Context, w http.ResponseWriter, err error) {
	if errors.Is(err, errBodyTooLarge) {
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		return
	}
	httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
}

func writeAddressError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrAddressInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrAddressNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("address_not_found", "address not found", http.StatusNotFound))
	case errors.Is(err, services.ErrAddressConflict):
		httpx.WriteError(ctx, w, httpx.NewError("address_conflict", err.Error(), http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("address_error", "failed to process address request", http.StatusInternalServerError))
	}
}
