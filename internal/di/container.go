package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lvdistribuidora/api/internal/payments"
	"github.com/lvdistribuidora/api/internal/platform/config"
	"github.com/lvdistribuidora/api/internal/repositories"
	"github.com/lvdistribuidora/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Coupons   services.CouponService
	Checkout  services.CheckoutService
	Orders    services.OrderService
	Payments  services.PaymentService
	Catalog   services.CatalogService
	Dashboard services.DashboardService
	System    services.SystemService
}

// Container wires repositories and services for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// Deps are the externally constructed collaborators the container composes.
type Deps struct {
	Registry  repositories.Registry
	Provider  payments.Provider
	Publisher services.OrderEventPublisher
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

// NewContainer constructs the runtime dependencies. Production wiring provides
// real implementations; tests can supply in-memory registries.
func NewContainer(ctx context.Context, cfg config.Config, deps Deps) (*Container, error) {
	if deps.Registry == nil {
		return nil, errors.New("repositories registry is required")
	}

	svc, err := buildServices(deps)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: deps.Registry,
		Services:     svc,
	}, nil
}

// Close releases resources such as repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(deps Deps) (Services, error) {
	reg := deps.Registry
	var svc Services

	couponSvc, err := services.NewCouponService(services.CouponServiceDeps{
		Coupons: reg.Coupons(),
		Clock:   time.Now,
		Logger:  deps.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build coupon service: %w", err)
	}
	svc.Coupons = couponSvc

	catalogSvc, err := services.NewCatalogService(services.CatalogServiceDeps{
		Products: reg.Products(),
		Clock:    time.Now,
		Logger:   deps.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build catalog service: %w", err)
	}
	svc.Catalog = catalogSvc

	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:    reg.Orders(),
		Products:  reg.Products(),
		Publisher: deps.Publisher,
		Clock:     time.Now,
		Logger:    deps.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orderSvc

	checkoutSvc, err := services.NewCheckoutService(services.CheckoutServiceDeps{
		Orders:     reg.Orders(),
		Products:   reg.Products(),
		Coupons:    reg.Coupons(),
		Users:      reg.Users(),
		Validator:  couponSvc,
		UnitOfWork: reg,
		Publisher:  deps.Publisher,
		Clock:      time.Now,
		Logger:     deps.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build checkout service: %w", err)
	}
	svc.Checkout = checkoutSvc

	if deps.Provider != nil {
		paymentSvc, err := services.NewPaymentService(services.PaymentServiceDeps{
			Provider: deps.Provider,
			Orders:   orderSvc,
			Clock:    time.Now,
			Logger:   deps.Logger,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build payment service: %w", err)
		}
		svc.Payments = paymentSvc
	}

	dashboardSvc, err := services.NewDashboardService(services.DashboardServiceDeps{
		Orders: reg.Orders(),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build dashboard service: %w", err)
	}
	svc.Dashboard = dashboardSvc

	if healthRepo := reg.Health(); healthRepo != nil {
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Clock:            time.Now,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = systemSvc
	}

	return svc, nil
}
