package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/lvdistribuidora/api/internal/domain"
	"github.com/lvdistribuidora/api/internal/platform/auth"
	"github.com/lvdistribuidora/api/internal/platform/httpx"
	"github.com/lvdistribuidora/api/internal/services"
)

const maxAdminRequestBody = 32 * 1024

// AdminHandlers exposes the staff back office: catalog and coupon
// management, order oversight and the sales dashboard.
type AdminHandlers struct {
	authn     *auth.Authenticator
	catalog   services.CatalogService
	coupons   services.CouponService
	orders    services.OrderService
	dashboard services.DashboardService
	clock     func() time.Time
}

// NewAdminHandlers constructs admin handlers restricted to staff and admin roles.
func NewAdminHandlers(
	authn *auth.Authenticator,
	catalog services.CatalogService,
	coupons services.CouponService,
	orders services.OrderService,
	dashboard services.DashboardService,
) *AdminHandlers {
	return &AdminHandlers{
		authn:     authn,
		catalog:   catalog,
		coupons:   coupons,
		orders:    orders,
		dashboard: dashboard,
		clock:     time.Now,
	}
}

// Routes registers admin endpoints under the provided router.
func (h *AdminHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.authn != nil {
		group = group.With(h.authn.RequireFirebaseAuth(auth.RoleStaff, auth.RoleAdmin))
	}

	group.Post("/products", h.createProduct)
	group.Put("/products/{productID}", h.updateProduct)
	group.Delete("/products/{productID}", h.deleteProduct)
	group.Get("/products", h.listAllProducts)

	group.Get("/coupons", h.listCoupons)
	group.Post("/coupons", h.upsertCoupon)
	group.Put("/coupons/{couponCode}", h.upsertCoupon)
	group.Delete("/coupons/{couponCode}", h.deleteCoupon)

	group.Get("/orders", h.listOrders)
	group.Get("/dashboard", h.dashboardStats)
}

type adminProductRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Price       int64  `json:"price"`
	Stock       int64  `json:"stock"`
	Available   bool   `json:"available"`
	ImageURL    string `json:"imageUrl"`
}

type adminCouponRequest struct {
	Code        string `json:"code"`
	Description string `json:"description"`
	Type        string `json:"type"`
	Value       int64  `json:"value"`
	MinPurchase int64  `json:"minPurchase"`
	MaxDiscount *int64 `json:"maxDiscount"`
	UsageLimit  *int64 `json:"usageLimit"`
	Active      bool   `json:"active"`
	ValidFrom   string `json:"validFrom"`
	ValidUntil  string `json:"validUntil"`
}

type adminCouponResponse struct {
	Code        string `json:"code"`
	Description string `json:"description,omitempty"`
	Type        string `json:"type"`
	Value       int64  `json:"value"`
	MinPurchase int64  `json:"minPurchase"`
	MaxDiscount *int64 `json:"maxDiscount,omitempty"`
	UsageLimit  *int64 `json:"usageLimit,omitempty"`
	UsedCount   int64  `json:"usedCount"`
	Active      bool   `json:"active"`
	ValidFrom   string `json:"validFrom,omitempty"`
	ValidUntil  string `json:"validUntil,omitempty"`
	CreatedAt   string `json:"createdAt,omitempty"`
	UpdatedAt   string `json:"updatedAt,omitempty"`
}

func toAdminCouponResponse(coupon services.Coupon) adminCouponResponse {
	return adminCouponResponse{
		Code:        coupon.Code,
		Description: coupon.Description,
		Type:        string(coupon.Type),
		Value:       coupon.Value,
		MinPurchase: coupon.MinPurchase,
		MaxDiscount: coupon.MaxDiscount,
		UsageLimit:  coupon.UsageLimit,
		UsedCount:   coupon.UsedCount,
		Active:      coupon.Active,
		ValidFrom:   formatTime(coupon.ValidFrom),
		ValidUntil:  formatTime(coupon.ValidUntil),
		CreatedAt:   formatTime(coupon.CreatedAt),
		UpdatedAt:   formatTime(coupon.UpdatedAt),
	}
}

func (h *AdminHandlers) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	ctx := r.Context()
	body, err := readLimitedBody(r, maxAdminRequestBody)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return false
	}
	return true
}

func (h *AdminHandlers) actorID(r *http.Request) string {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || identity == nil {
		return ""
	}
	return identity.UID
}

func (h *AdminHandlers) createProduct(w http.ResponseWriter, r *http.Request) {
	h.upsertProduct(w, r, "")
}

func (h *AdminHandlers) updateProduct(w http.ResponseWriter, r *http.Request) {
	productID := strings.TrimSpace(chi.URLParam(r, "productID"))
	if productID == "" {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "product id is required", http.StatusBadRequest))
		return
	}
	h.upsertProduct(w, r, productID)
}

func (h *AdminHandlers) upsertProduct(w http.ResponseWriter, r *http.Request, productID string) {
	ctx := r.Context()
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("catalog_unavailable", "catalog service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req adminProductRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	product, err := h.catalog.UpsertProduct(ctx, services.UpsertProductCommand{
		Product: services.Product{
			ID:          productID,
			Name:        strings.TrimSpace(req.Name),
			Description: strings.TrimSpace(req.Description),
			Category:    strings.TrimSpace(req.Category),
			Price:       req.Price,
			Stock:       req.Stock,
			Available:   req.Available,
			ImageURL:    strings.TrimSpace(req.ImageURL),
		},
		ActorID: h.actorID(r),
	})
	if err != nil {
		writeCatalogError(ctx, w, err)
		return
	}

	status := http.StatusOK
	if productID == "" {
		status = http.StatusCreated
	}
	writeJSONResponse(w, status, toProductResponse(product))
}

func (h *AdminHandlers) deleteProduct(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("catalog_unavailable", "catalog service unavailable", http.StatusServiceUnavailable))
		return
	}

	productID := strings.TrimSpace(chi.URLParam(r, "productID"))
	if productID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "product id is required", http.StatusBadRequest))
		return
	}

	if err := h.catalog.DeleteProduct(ctx, productID); err != nil {
		writeCatalogError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandlers) listAllProducts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("catalog_unavailable", "catalog service unavailable", http.StatusServiceUnavailable))
		return
	}

	// Admin sees unavailable products too.
	products, err := h.catalog.ListProducts(ctx, services.ProductFilter{
		Category: strings.TrimSpace(r.URL.Query().Get("category")),
	})
	if err != nil {
		writeCatalogError(ctx, w, err)
		return
	}

	payload := productListResponse{Products: make([]productResponse, 0, len(products))}
	for _, product := range products {
		payload.Products = append(payload.Products, toProductResponse(product))
	}
	writeJSONResponse(w, http.StatusOK, payload)
}

func (h *AdminHandlers) listCoupons(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.coupons == nil {
		httpx.WriteError(ctx, w, httpx.NewError("coupon_unavailable", "coupon service unavailable", http.StatusServiceUnavailable))
		return
	}

	coupons, err := h.coupons.List(ctx)
	if err != nil {
		writeCouponError(ctx, w, err)
		return
	}

	payload := make([]adminCouponResponse, 0, len(coupons))
	for _, coupon := range coupons {
		payload = append(payload, toAdminCouponResponse(coupon))
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"coupons": payload})
}

func (h *AdminHandlers) upsertCoupon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.coupons == nil {
		httpx.WriteError(ctx, w, httpx.NewError("coupon_unavailable", "coupon service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req adminCouponRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	code := strings.TrimSpace(chi.URLParam(r, "couponCode"))
	if code == "" {
		code = strings.TrimSpace(req.Code)
	}
	if code == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "code is required", http.StatusBadRequest))
		return
	}

	validFrom, err := parseOptionalTime(req.ValidFrom)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "validFrom must be RFC 3339", http.StatusBadRequest))
		return
	}
	validUntil, err := parseOptionalTime(req.ValidUntil)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "validUntil must be RFC 3339", http.StatusBadRequest))
		return
	}

	coupon, err := h.coupons.Upsert(ctx, services.UpsertCouponCommand{
		Coupon: services.Coupon{
			Code:        code,
			Description: strings.TrimSpace(req.Description),
			Type:        domain.CouponType(strings.TrimSpace(req.Type)),
			Value:       req.Value,
			MinPurchase: req.MinPurchase,
			MaxDiscount: req.MaxDiscount,
			UsageLimit:  req.UsageLimit,
			Active:      req.Active,
			ValidFrom:   validFrom,
			ValidUntil:  validUntil,
		},
		ActorID: h.actorID(r),
	})
	if err != nil {
		writeCouponError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, toAdminCouponResponse(coupon))
}

func (h *AdminHandlers) deleteCoupon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.coupons == nil {
		httpx.WriteError(ctx, w, httpx.NewError("coupon_unavailable", "coupon service unavailable", http.StatusServiceUnavailable))
		return
	}

	code := strings.TrimSpace(chi.URLParam(r, "couponCode"))
	if code == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "code is required", http.StatusBadRequest))
		return
	}

	if err := h.coupons.Delete(ctx, code); err != nil {
		writeCouponError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("orders_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, _ := auth.IdentityFromContext(ctx)
	actor := actorFromIdentity(identity)

	query := r.URL.Query()

	// A voucher query is a point lookup, not a scan.
	if voucher := strings.TrimSpace(query.Get("voucher")); voucher != "" {
		order, err := h.orders.GetOrderByVoucher(ctx, services.GetOrderByVoucherCommand{
			VoucherCode: voucher,
			Actor:       actor,
		})
		if err != nil {
			writeOrderError(ctx, w, err)
			return
		}
		writeJSONResponse(w, http.StatusOK, orderListResponse{Orders: []orderResponse{toOrderResponse(order)}})
		return
	}

	filter := services.OrderListFilter{}
	if status := strings.TrimSpace(query.Get("status")); status != "" {
		filter.Status = []domain.OrderStatus{domain.OrderStatus(status)}
	}

	orders, err := h.orders.ListOrders(ctx, filter)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	search := strings.ToLower(strings.TrimSpace(query.Get("search")))
	payload := orderListResponse{Orders: make([]orderResponse, 0, len(orders))}
	for _, order := range orders {
		if search != "" && !orderMatchesSearch(order, search) {
			continue
		}
		payload.Orders = append(payload.Orders, toOrderResponse(order))
	}
	writeJSONResponse(w, http.StatusOK, payload)
}

func orderMatchesSearch(order services.Order, search string) bool {
	return strings.Contains(strings.ToLower(order.Voucher), search) ||
		strings.Contains(strings.ToLower(order.CustomerName), search) ||
		strings.Contains(strings.ToLower(order.CustomerPhone), search)
}

func (h *AdminHandlers) dashboardStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.dashboard == nil {
		httpx.WriteError(ctx, w, httpx.NewError("dashboard_unavailable", "dashboard service unavailable", http.StatusServiceUnavailable))
		return
	}

	now := h.clock()
	stats, err := h.dashboard.Stats(ctx, now)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("dashboard_error", "failed to compute dashboard stats", http.StatusInternalServerError))
		return
	}

	writeJSONResponse(w, http.StatusOK, toDashboardResponse(stats))
}

type dashboardPeriodPayload struct {
	Today int64 `json:"today"`
	Week  int64 `json:"week"`
	Month int64 `json:"month"`
	Year  int64 `json:"year"`
}

type dashboardProductPayload struct {
	ProductID string `json:"productId"`
	Name      string `json:"name"`
	Units     int64  `json:"units"`
	Revenue   int64  `json:"revenue"`
}

type dashboardCustomerPayload struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Orders int    `json:"orders"`
	Total  int64  `json:"total"`
}

type dashboardDayPayload struct {
	Day     string `json:"day"`
	Orders  int    `json:"orders"`
	Revenue int64  `json:"revenue"`
}

type dashboardCustomerPeriodPayload struct {
	Today int `json:"today"`
	Week  int `json:"week"`
	Month int `json:"month"`
	Year  int `json:"year"`
}

type dashboardPaymentMethodPayload struct {
	Orders  int     `json:"orders"`
	Total   int64   `json:"total"`
	Percent float64 `json:"percent"`
}

type dashboardResponse struct {
	Revenue        dashboardPeriodPayload                   `json:"revenue"`
	Orders         dashboardPeriodPayload                   `json:"orders"`
	AverageTicket  int64                                    `json:"averageTicket"`
	Customers      dashboardCustomerPeriodPayload           `json:"customers"`
	OrdersByStatus map[string]int                           `json:"ordersByStatus"`
	PaymentMethods map[string]dashboardPaymentMethodPayload `json:"paymentMethods"`
	TopProducts    []dashboardProductPayload                `json:"topProducts"`
	TopCustomers   []dashboardCustomerPayload               `json:"topCustomers"`
	SalesByDay     []dashboardDayPayload                    `json:"salesByDay"`
}

func toDashboardResponse(stats services.DashboardStats) dashboardResponse {
	resp := dashboardResponse{
		Revenue: dashboardPeriodPayload(stats.Revenue),
		Orders:  dashboardPeriodPayload(stats.Orders),

		AverageTicket:  stats.AverageTicket,
		Customers:      dashboardCustomerPeriodPayload(stats.Customers),
		OrdersByStatus: stats.OrdersByStatus,
		PaymentMethods: make(map[string]dashboardPaymentMethodPayload, len(stats.PaymentMethods)),
		TopProducts:    make([]dashboardProductPayload, 0, len(stats.TopProducts)),
		TopCustomers:   make([]dashboardCustomerPayload, 0, len(stats.TopCustomers)),
		SalesByDay:     make([]dashboardDayPayload, 0, len(stats.SalesByDay)),
	}
	for name, method := range stats.PaymentMethods {
		resp.PaymentMethods[name] = dashboardPaymentMethodPayload(method)
	}
	for _, product := range stats.TopProducts {
		resp.TopProducts = append(resp.TopProducts, dashboardProductPayload(product))
	}
	for _, customer := range stats.TopCustomers {
		resp.TopCustomers = append(resp.TopCustomers, dashboardCustomerPayload(customer))
	}
	for _, day := range stats.SalesByDay {
		resp.SalesByDay = append(resp.SalesByDay, dashboardDayPayload(day))
	}
	return resp
}

func parseOptionalTime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, value)
}
