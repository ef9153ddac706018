package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/lvdistribuidora/api/internal/services"
)

type stubPaymentService struct {
	createPreferenceFn   func(ctx context.Context, cmd services.CreatePreferenceCommand) (services.PreferenceResult, error)
	handleNotificationFn func(ctx context.Context, cmd services.PaymentNotificationCommand) (services.NotificationResult, error)
}

func (s *stubPaymentService) CreatePreference(ctx context.Context, cmd services.CreatePreferenceCommand) (services.PreferenceResult, error) {
	if s.createPreferenceFn == nil {
		return services.PreferenceResult{}, errors.New("unexpected CreatePreference")
	}
	return s.createPreferenceFn(ctx, cmd)
}

func (s *stubPaymentService) HandleNotification(ctx context.Context, cmd services.PaymentNotificationCommand) (services.NotificationResult, error) {
	if s.handleNotificationFn == nil {
		return services.NotificationResult{}, errors.New("unexpected HandleNotification")
	}
	return s.handleNotificationFn(ctx, cmd)
}

func newPaymentRouter(svc services.PaymentService) chi.Router {
	r := chi.NewRouter()
	NewPaymentHandlers(svc).Routes(r)
	return r
}

func decodeJSONBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return payload
}

func TestCreatePreferenceHandlerSuccess(t *testing.T) {
	var captured services.CreatePreferenceCommand
	svc := &stubPaymentService{
		createPreferenceFn: func(_ context.Context, cmd services.CreatePreferenceCommand) (services.PreferenceResult, error) {
			captured = cmd
			return services.PreferenceResult{
				ID:               "pref-1",
				InitPoint:        "https://gateway.example/init",
				SandboxInitPoint: "https://sandbox.example/init",
			}, nil
		},
	}
	router := newPaymentRouter(svc)

	body := `{
		"orderId": "order-1",
		"customerEmail": "maria@example.com",
		"items": [{"title": "Cerveja Lata 350ml", "quantity": 6, "unit_price": 450}]
	}`
	req := httptest.NewRequest(http.MethodPost, "/preference", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	payload := decodeJSONBody(t, rec)
	if payload["id"] != "pref-1" {
		t.Fatalf("id = %v", payload["id"])
	}
	if payload["init_point"] != "https://gateway.example/init" {
		t.Fatalf("init_point = %v", payload["init_point"])
	}
	if payload["sandbox_init_point"] != "https://sandbox.example/init" {
		t.Fatalf("sandbox_init_point = %v", payload["sandbox_init_point"])
	}
	if captured.OrderID != "order-1" || len(captured.Items) != 1 || captured.Items[0].UnitPrice != 450 {
		t.Fatalf("unexpected command %+v", captured)
	}
}

func TestCreatePreferenceHandlerRejectsEmptyItems(t *testing.T) {
	router := newPaymentRouter(&stubPaymentService{})

	req := httptest.NewRequest(http.MethodPost, "/preference", strings.NewReader(`{"orderId":"order-1","items":[]}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	payload := decodeJSONBody(t, rec)
	if payload["error"] != "items must not be empty" {
		t.Fatalf("error = %v", payload["error"])
	}
}

func TestCreatePreferenceHandlerRequiresOrderID(t *testing.T) {
	router := newPaymentRouter(&stubPaymentService{})

	body := `{"items":[{"title":"Agua","quantity":1,"unit_price":300}]}`
	req := httptest.NewRequest(http.MethodPost, "/preference", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	payload := decodeJSONBody(t, rec)
	if payload["error"] != "orderId is required" {
		t.Fatalf("error = %v", payload["error"])
	}
}

func TestCreatePreferenceHandlerGatewayFailure(t *testing.T) {
	svc := &stubPaymentService{
		createPreferenceFn: func(context.Context, services.CreatePreferenceCommand) (services.PreferenceResult, error) {
			return services.PreferenceResult{}, errors.New("gateway timeout")
		},
	}
	router := newPaymentRouter(svc)

	body := `{"orderId":"order-1","items":[{"title":"Agua","quantity":1,"unit_price":300}]}`
	req := httptest.NewRequest(http.MethodPost, "/preference", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	payload := decodeJSONBody(t, rec)
	if payload["error"] != "failed to create payment preference" {
		t.Fatalf("error = %v", payload["error"])
	}
	details, _ := payload["details"].(string)
	if !strings.Contains(details, "gateway timeout") {
		t.Fatalf("details = %v", payload["details"])
	}
}

func TestCreatePreferenceHandlerMethodNotAllowed(t *testing.T) {
	paymentHandlers := NewPaymentHandlers(&stubPaymentService{})
	router := NewRouter(WithPaymentRoutes(paymentHandlers.Routes))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/payments/preference", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rec.Code)
	}
	payload := decodeJSONBody(t, rec)
	if payload["error"] == nil {
		t.Fatalf("expected error key, got %s", rec.Body.String())
	}
}

func TestCreatePreferenceHandlerRejectsMalformedJSON(t *testing.T) {
	router := newPaymentRouter(&stubPaymentService{})

	req := httptest.NewRequest(http.MethodPost, "/preference", strings.NewReader(`{nope`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}
