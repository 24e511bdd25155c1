package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/lavka-market/api/internal/repositories"
)

const addressIDPrefix = "adr_"

var (
	// ErrAddressInvalidInput indicates the caller supplied invalid address data.
	ErrAddressInvalidInput = errors.New("address: invalid input")
	// ErrAddressNotFound indicates the address does not exist or belongs to another user.
	ErrAddressNotFound = errors.New("address: not found")
	// ErrAddressConflict indicates concurrent address updates collided.
	ErrAddressConflict = errors.New("address: conflict")
)

// AddressServiceDeps bundles collaborators for the address book service.
type AddressServiceDeps struct {
	Addresses   repositories.AddressRepository
	Clock       func() time.Time
	IDGenerator func() string
}

type addressService struct {
	addresses repositories.AddressRepository
	now       func() time.Time
	newID     func() string
}

// NewAddressService constructs an AddressService.
func NewAddressService(deps AddressServiceDeps) (AddressService, error) {
	if deps.Addresses == nil {
		return nil, errors.New("address service: address repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}

	return &addressService{
		addresses: deps.Addresses,
		now:       func() time.Time { return clock().UTC() },
		newID:     idGen,
	}, nil
}

// List returns the user's address book.
func (s *addressService) List(ctx context.Context, userID string) ([]Address, error) {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrAddressInvalidInput)
	}
	addresses, err := s.addresses.List(ctx, uid)
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	return addresses, nil
}

// Get loads a single address owned by the user.
func (s *addressService) Get(ctx context.Context, userID string, addressID string) (Address, error) {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return Address{}, fmt.Errorf("%w: user id is required", ErrAddressInvalidInput)
	}
	id := strings.TrimSpace(addressID)
	if id == "" {
		return Address{}, fmt.Errorf("%w: address id is required", ErrAddressInvalidInput)
	}
	addr, err := s.addresses.Get(ctx, uid, id)
	if err != nil {
		return Address{}, s.mapRepositoryError(err)
	}
	return addr, nil
}

// Create stores a new delivery address for the user.
func (s *addressService) Create(ctx context.Context, cmd UpsertAddressCommand) (Address, error) {
	addr, err := s.validate(cmd)
	if err != nil {
		return Address{}, err
	}

	now := s.now()
	addr.ID = addressIDPrefix + s.newID()
	addr.CreatedAt = now
	addr.UpdatedAt = now

	saved, err := s.addresses.Upsert(ctx, addr)
	if err != nil {
		return Address{}, s.mapRepositoryError(err)
	}
	return saved, nil
}

// Update replaces an existing address owned by the user.
func (s *addressService) Update(ctx context.Context, cmd UpsertAddressCommand) (Address, error) {
	id := strings.TrimSpace(cmd.AddressID)
	if id == "" {
		return Address{}, fmt.Errorf("%w: address id is required", ErrAddressInvalidInput)
	}
	addr, err := s.validate(cmd)
	if err != nil {
		return Address{}, err
	}

	existing, err := s.addresses.Get(ctx, addr.UserID, id)
	if err != nil {
		return Address{}, s.mapRepositoryError(err)
	}

	addr.ID = existing.ID
	addr.CreatedAt = existing.CreatedAt
	addr.UpdatedAt = s.now()

	saved, err := s.addresses.Upsert(ctx, addr)
	if err != nil {
		return Address{}, s.mapRepositoryError(err)
	}
	return saved, nil
}

// Delete removes the user's address.
func (s *addressService) Delete(ctx context.Context, userID string, addressID string) error {
	if _, err := s.Get(ctx, userID, addressID); err != nil {
		return err
	}
	if err := s.addresses.Delete(ctx, strings.TrimSpace(userID), strings.TrimSpace(addressID)); err != nil {
		return s.mapRepositoryError(err)
	}
	return nil
}

func (s *addressService) validate(cmd UpsertAddressCommand) (Address, error) {
	uid := strings.TrimSpace(cmd.UserID)
	if uid == "" {
		return Address{}, fmt.Errorf("%w: user id is required", ErrAddressInvalidInput)
	}
	city := strings.TrimSpace(cmd.City)
	if city == "" {
		return Address{}, fmt.Errorf("%w: city is required", ErrAddressInvalidInput)
	}
	street := strings.TrimSpace(cmd.Street)
	if street == "" {
		return Address{}, fmt.Errorf("%w: street is required", ErrAddressInvalidInput)
	}
	house := strings.TrimSpace(cmd.House)
	if house == "" {
		return Address{}, fmt.Errorf("%w: house is required", ErrAddressInvalidInput)
	}

	return Address{
		UserID:    uid,
		City:      city,
		Street:    street,
		House:     house,
		Apartment: strings.TrimSpace(cmd.Apartment),
		Comment:   strings.TrimSpace(cmd.Comment),
		Longitude: cmd.Longitude,
		Latitude:  cmd.Latitude,
	}, nil
}

func (s *addressService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrAddressNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrAddressConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("address: repository unavailable: %w", err)
		}
	}

	return err
}
