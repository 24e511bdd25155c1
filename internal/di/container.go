package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lavka-market/api/internal/payments"
	"github.com/lavka-market/api/internal/platform/config"
	"github.com/lavka-market/api/internal/repositories"
	"github.com/lavka-market/api/internal/services"
)

// Dependencies carries the externally constructed collaborators the container
// wires into the service layer. Registry and Gateway are mandatory; Events,
// Push, and Logger degrade to no-ops when absent so tests can wire partial
// graphs.
type Dependencies struct {
	Registry repositories.Registry
	Gateway  payments.Provider
	Events   services.OrderEventPublisher
	Push     services.PushNotifier
	Build    services.BuildInfo
	Logger   *zap.Logger
}

// Container bundles configuration, repositories, and assembled services for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     services.Services
}

// NewContainer constructs the runtime dependency graph. Production wiring
// supplies Firestore-backed repositories, while tests can inject in-memory
// registries and stub gateways.
func NewContainer(_ context.Context, cfg config.Config, deps Dependencies) (*Container, error) {
	if deps.Registry == nil {
		return nil, errors.New("repositories registry is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("payment gateway is required")
	}

	svc, err := buildServices(cfg, deps)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: deps.Registry,
		Services:     svc,
	}, nil
}

// Close releases repository clients and any resources held by the registry.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(cfg config.Config, deps Dependencies) (services.Services, error) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	reg := deps.Registry
	var svc services.Services

	addresses, err := services.NewAddressService(services.AddressServiceDeps{
		Addresses: reg.Addresses(),
		Clock:     time.Now,
	})
	if err != nil {
		return services.Services{}, fmt.Errorf("build address service: %w", err)
	}
	svc.Addresses = addresses

	carts, err := services.NewCartService(services.CartServiceDeps{
		Carts:    reg.Carts(),
		Products: reg.Products(),
		Stores:   reg.Stores(),
		Clock:    time.Now,
		Logger:   zapEventLogger(logger.Named("cart")),
	})
	if err != nil {
		return services.Services{}, fmt.Errorf("build cart service: %w", err)
	}
	svc.Carts = carts

	orders, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:       reg.Orders(),
		Positions:    reg.OrderPositions(),
		Carts:        reg.Carts(),
		Products:     reg.Products(),
		Stores:       reg.Stores(),
		Addresses:    reg.Addresses(),
		Counters:     reg.Counters(),
		Gateway:      deps.Gateway,
		UnitOfWork:   reg,
		Events:       deps.Events,
		Push:         deps.Push,
		Clock:        time.Now,
		Currency:     cfg.Orders.Currency,
		NumberPrefix: cfg.Orders.NumberPrefix,
		Logger:       zapEventLogger(logger.Named("orders")),
	})
	if err != nil {
		return services.Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orders

	if healthRepo := reg.Health(); healthRepo != nil {
		system, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Clock:            time.Now,
			Build:            deps.Build,
		})
		if err != nil {
			return services.Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = system
	}

	return svc, nil
}

func zapEventLogger(logger *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	return func(_ context.Context, event string, fields map[string]any) {
		zFields := make([]zap.Field, 0, len(fields))
		for k, v := range fields {
			zFields = append(zFields, zap.Any(k, v))
		}
		logger.Debug(event, zFields...)
	}
}
