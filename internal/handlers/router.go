package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lvdistribuidora/api/internal/platform/httpx"
)

// RouteRegistrar registers a set of routes against the provided router.
type RouteRegistrar func(r chi.Router)

const (
	defaultAPIPrefix  = "/api/v1"
	defaultTimeout    = 60 * time.Second
	errorNotFoundCode = "route_not_found"
)

// routeGroup is one mount point under the API prefix. Groups without a
// registrar answer 501 so the surface stays predictable while parts of
// the API are toggled off.
type routeGroup struct {
	path        string
	name        string
	registrar   RouteRegistrar
	middlewares []func(http.Handler) http.Handler
}

type routerConfig struct {
	basePath    string
	middlewares []func(http.Handler) http.Handler
	health      *HealthHandlers
	groups      []routeGroup
}

// Option customises the router configuration before construction.
type Option func(*routerConfig)

func (c *routerConfig) group(name string) *routeGroup {
	for i := range c.groups {
		if c.groups[i].name == name {
			return &c.groups[i]
		}
	}
	return nil
}

// NewRouter builds the chi router: health probes at the root, every API
// group mounted under /api/v1, and structured JSON errors for unmatched
// requests.
func NewRouter(opts ...Option) chi.Router {
	cfg := routerConfig{
		basePath: defaultAPIPrefix,
		middlewares: []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Timeout(defaultTimeout),
		},
		groups: []routeGroup{
			{path: "/products", name: "products"},
			{path: "/coupons", name: "coupons"},
			{path: "/checkout", name: "checkout"},
			{path: "/orders", name: "orders"},
			{path: "/payments", name: "payments"},
			{path: "/admin", name: "admin"},
			{path: "/webhooks", name: "webhooks"},
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	for _, mw := range cfg.middlewares {
		if mw != nil {
			r.Use(mw)
		}
	}

	r.NotFound(routeError(errorNotFoundCode, http.StatusNotFound, func(req *http.Request) string {
		return fmt.Sprintf("no route for %s", req.URL.Path)
	}))
	r.MethodNotAllowed(routeError("method_not_allowed", http.StatusMethodNotAllowed, func(req *http.Request) string {
		return fmt.Sprintf("method %s not allowed on %s", req.Method, req.URL.Path)
	}))

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)

	r.Route(cfg.basePath, func(api chi.Router) {
		for _, group := range cfg.groups {
			api.Route(group.path, func(sub chi.Router) {
				for _, mw := range group.middlewares {
					if mw != nil {
						sub.Use(mw)
					}
				}
				if group.registrar != nil {
					group.registrar(sub)
					return
				}
				registerNotImplemented(sub, group.name)
			})
		}
	})

	return r
}

func routeError(code string, status int, message func(*http.Request) string) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError(code, message(req), status))
	}
}

func registerNotImplemented(r chi.Router, name string) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("not_implemented", name+" routes not implemented", http.StatusNotImplemented))
	}
	r.HandleFunc("/*", handler)
	r.HandleFunc("/", handler)
	r.NotFound(handler)
	r.MethodNotAllowed(handler)
}

func withGroupRoutes(name string, reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		if group := cfg.group(name); group != nil {
			group.registrar = reg
		}
	}
}

func withGroupMiddlewares(name string, mw []func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		if group := cfg.group(name); group != nil {
			group.middlewares = append(group.middlewares, mw...)
		}
	}
}

// WithMiddlewares appends additional global middleware to the router.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithHealthHandlers overrides the handlers behind /healthz and /readyz.
func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) { cfg.health = h }
}

// WithProductRoutes mounts the public catalog under /products.
func WithProductRoutes(reg RouteRegistrar) Option { return withGroupRoutes("products", reg) }

// WithCouponRoutes mounts coupon validation under /coupons.
func WithCouponRoutes(reg RouteRegistrar) Option { return withGroupRoutes("coupons", reg) }

// WithCheckoutRoutes mounts order placement under /checkout.
func WithCheckoutRoutes(reg RouteRegistrar) Option { return withGroupRoutes("checkout", reg) }

// WithCheckoutMiddlewares applies middleware to the /checkout group only.
func WithCheckoutMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return withGroupMiddlewares("checkout", mw)
}

// WithOrderRoutes mounts customer order endpoints under /orders.
func WithOrderRoutes(reg RouteRegistrar) Option { return withGroupRoutes("orders", reg) }

// WithPaymentRoutes mounts payment endpoints under /payments.
func WithPaymentRoutes(reg RouteRegistrar) Option { return withGroupRoutes("payments", reg) }

// WithAdminRoutes mounts staff endpoints under /admin.
func WithAdminRoutes(reg RouteRegistrar) Option { return withGroupRoutes("admin", reg) }

// WithWebhookRoutes mounts gateway callbacks under /webhooks.
func WithWebhookRoutes(reg RouteRegistrar) Option { return withGroupRoutes("webhooks", reg) }

// WithWebhookMiddlewares applies middleware to the /webhooks group only.
func WithWebhookMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return withGroupMiddlewares("webhooks", mw)
}
