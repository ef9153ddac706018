package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/lvdistribuidora/api/internal/domain"
	"github.com/lvdistribuidora/api/internal/platform/auth"
	"github.com/lvdistribuidora/api/internal/services"
)

type stubDashboardService struct {
	statsFn func(ctx context.Context, now time.Time) (services.DashboardStats, error)
}

func (s *stubDashboardService) Stats(ctx context.Context, now time.Time) (services.DashboardStats, error) {
	if s.statsFn == nil {
		return services.DashboardStats{}, nil
	}
	return s.statsFn(ctx, now)
}

type adminStubs struct {
	catalog   *stubCatalogService
	coupons   *stubCouponService
	orders    *stubOrderService
	dashboard *stubDashboardService
}

func newAdminRouter(stubs adminStubs) chi.Router {
	if stubs.catalog == nil {
		stubs.catalog = &stubCatalogService{}
	}
	if stubs.coupons == nil {
		stubs.coupons = &stubCouponService{}
	}
	if stubs.orders == nil {
		stubs.orders = &stubOrderService{}
	}
	if stubs.dashboard == nil {
		stubs.dashboard = &stubDashboardService{}
	}
	r := chi.NewRouter()
	NewAdminHandlers(nil, stubs.catalog, stubs.coupons, stubs.orders, stubs.dashboard).Routes(r)
	return r
}

func TestAdminCreateProductReturnsCreated(t *testing.T) {
	var captured services.UpsertProductCommand
	catalog := &stubCatalogService{
		upsertProductFn: func(_ context.Context, cmd services.UpsertProductCommand) (services.Product, error) {
			captured = cmd
			product := sampleProduct()
			product.ID = "prod-new"
			return product, nil
		},
	}
	router := newAdminRouter(adminStubs{catalog: catalog})

	body := `{"name":"Refrigerante 2L","category":"refrigerantes","price":800,"stock":40,"available":true}`
	req := withIdentity(httptest.NewRequest(http.MethodPost, "/products", strings.NewReader(body)), "staff-1", auth.RoleStaff)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	if captured.Product.ID != "" {
		t.Fatalf("create should not carry an id: %+v", captured.Product)
	}
	if captured.Product.Name != "Refrigerante 2L" || captured.Product.Price != 800 {
		t.Fatalf("product = %+v", captured.Product)
	}
	if captured.ActorID != "staff-1" {
		t.Fatalf("actor = %q", captured.ActorID)
	}
}

func TestAdminUpdateProductCarriesPathID(t *testing.T) {
	catalog := &stubCatalogService{
		upsertProductFn: func(_ context.Context, cmd services.UpsertProductCommand) (services.Product, error) {
			if cmd.Product.ID != "prod-1" {
				t.Fatalf("product id = %q", cmd.Product.ID)
			}
			return sampleProduct(), nil
		},
	}
	router := newAdminRouter(adminStubs{catalog: catalog})

	body := `{"name":"Cerveja Lata 350ml","price":500,"stock":90,"available":true}`
	req := withIdentity(httptest.NewRequest(http.MethodPut, "/products/prod-1", strings.NewReader(body)), "staff-1", auth.RoleStaff)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
}

func TestAdminDeleteProductReturnsNoContent(t *testing.T) {
	catalog := &stubCatalogService{
		deleteProductFn: func(_ context.Context, productID string) error {
			if productID != "prod-1" {
				t.Fatalf("product id = %q", productID)
			}
			return nil
		},
	}
	router := newAdminRouter(adminStubs{catalog: catalog})

	req := withIdentity(httptest.NewRequest(http.MethodDelete, "/products/prod-1", nil), "staff-1", auth.RoleStaff)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAdminListProductsIncludesUnavailable(t *testing.T) {
	catalog := &stubCatalogService{
		listProductsFn: func(_ context.Context, filter services.ProductFilter) ([]services.Product, error) {
			if filter.OnlyAvailable {
				t.Fatalf("admin listing must not filter availability: %+v", filter)
			}
			return []services.Product{sampleProduct()}, nil
		},
	}
	router := newAdminRouter(adminStubs{catalog: catalog})

	req := withIdentity(httptest.NewRequest(http.MethodGet, "/products", nil), "staff-1", auth.RoleStaff)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAdminUpsertCouponParsesValidityWindow(t *testing.T) {
	var captured services.UpsertCouponCommand
	coupons := &stubCouponService{
		upsertFn: func(_ context.Context, cmd services.UpsertCouponCommand) (services.Coupon, error) {
			captured = cmd
			return cmd.Coupon, nil
		},
	}
	router := newAdminRouter(adminStubs{coupons: coupons})

	body := `{
		"code": "PROMO10",
		"type": "percentage",
		"value": 10,
		"minPurchase": 2000,
		"active": true,
		"validFrom": "2026-01-01T00:00:00Z",
		"validUntil": "2026-01-31T00:00:00Z"
	}`
	req := withIdentity(httptest.NewRequest(http.MethodPost, "/coupons", strings.NewReader(body)), "admin-1", auth.RoleAdmin)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	if captured.Coupon.Code != "PROMO10" || captured.Coupon.Type != domain.CouponTypePercentage {
		t.Fatalf("coupon = %+v", captured.Coupon)
	}
	want := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)
	if !captured.Coupon.ValidUntil.Equal(want) {
		t.Fatalf("validUntil = %v", captured.Coupon.ValidUntil)
	}
	if captured.ActorID != "admin-1" {
		t.Fatalf("actor = %q", captured.ActorID)
	}
}

func TestAdminUpsertCouponRejectsBadTimestamp(t *testing.T) {
	router := newAdminRouter(adminStubs{})

	body := `{"code":"PROMO10","type":"fixed","value":500,"validUntil":"31/01/2026"}`
	req := withIdentity(httptest.NewRequest(http.MethodPost, "/coupons", strings.NewReader(body)), "admin-1", auth.RoleAdmin)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAdminListOrdersByVoucherIsPointLookup(t *testing.T) {
	orders := &stubOrderService{
		getOrderByVoucherFn: func(_ context.Context, cmd services.GetOrderByVoucherCommand) (services.Order, error) {
			if cmd.VoucherCode != "LV-9F3K2M7Q" {
				t.Fatalf("voucher = %q", cmd.VoucherCode)
			}
			return sampleOrder(), nil
		},
	}
	router := newAdminRouter(adminStubs{orders: orders})

	req := withIdentity(httptest.NewRequest(http.MethodGet, "/orders?voucher=LV-9F3K2M7Q", nil), "staff-1", auth.RoleStaff)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	payload := decodeJSONBody(t, rec)
	list, ok := payload["orders"].([]any)
	if !ok || len(list) != 1 {
		t.Fatalf("orders = %v", payload["orders"])
	}
}

func TestAdminListOrdersAppliesSearchFilter(t *testing.T) {
	second := sampleOrder()
	second.ID = "order-2"
	second.Voucher = "LV-AAAA1111"
	second.CustomerName = "Joao Souza"

	orders := &stubOrderService{
		listOrdersFn: func(_ context.Context, filter services.OrderListFilter) ([]services.Order, error) {
			if len(filter.Status) != 1 || filter.Status[0] != domain.OrderStatusPaid {
				t.Fatalf("filter = %+v", filter)
			}
			return []services.Order{sampleOrder(), second}, nil
		},
	}
	router := newAdminRouter(adminStubs{orders: orders})

	req := withIdentity(httptest.NewRequest(http.MethodGet, "/orders?status=paid&search=maria", nil), "staff-1", auth.RoleStaff)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	payload := decodeJSONBody(t, rec)
	list, ok := payload["orders"].([]any)
	if !ok || len(list) != 1 {
		t.Fatalf("orders = %v", payload["orders"])
	}
	first, _ := list[0].(map[string]any)
	if first["customerName"] != "Maria Silva" {
		t.Fatalf("customerName = %v", first["customerName"])
	}
}

func TestAdminDashboardReturnsStats(t *testing.T) {
	dashboard := &stubDashboardService{
		statsFn: func(context.Context, time.Time) (services.DashboardStats, error) {
			return services.DashboardStats{
				Revenue:       services.PeriodStats{Today: 15300},
				Orders:        services.PeriodStats{Today: 4},
				AverageTicket: 3825,
				Customers:     services.CustomerPeriodStats{Today: 3, Week: 5},
				PaymentMethods: map[string]services.PaymentMethodStat{
					"pix": {Orders: 3, Total: 12000, Percent: 78.43},
				},
			}, nil
		},
	}
	router := newAdminRouter(adminStubs{dashboard: dashboard})

	req := withIdentity(httptest.NewRequest(http.MethodGet, "/dashboard", nil), "admin-1", auth.RoleAdmin)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	payload := decodeJSONBody(t, rec)
	revenue, _ := payload["revenue"].(map[string]any)
	if revenue["today"] != float64(15300) {
		t.Fatalf("revenue.today = %v", revenue["today"])
	}
	if payload["averageTicket"] != float64(3825) {
		t.Fatalf("averageTicket = %v", payload["averageTicket"])
	}
	customers, _ := payload["customers"].(map[string]any)
	if customers["today"] != float64(3) || customers["week"] != float64(5) {
		t.Fatalf("customers = %v", payload["customers"])
	}
	methods, _ := payload["paymentMethods"].(map[string]any)
	pix, _ := methods["pix"].(map[string]any)
	if pix["orders"] != float64(3) || pix["total"] != float64(12000) || pix["percent"] != 78.43 {
		t.Fatalf("paymentMethods.pix = %v", methods["pix"])
	}
}
