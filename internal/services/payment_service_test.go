package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/lvdistribuidora/api/internal/payments"
)

type stubGatewayProvider struct {
	createPreferenceFn func(ctx context.Context, req payments.PreferenceRequest) (payments.Preference, error)
	lookupPaymentFn    func(ctx context.Context, paymentID string) (payments.PaymentDetails, error)
}

func (s *stubGatewayProvider) CreatePreference(ctx context.Context, req payments.PreferenceRequest) (payments.Preference, error) {
	if s.createPreferenceFn == nil {
		return payments.Preference{}, errors.New("unexpected CreatePreference")
	}
	return s.createPreferenceFn(ctx, req)
}

func (s *stubGatewayProvider) LookupPayment(ctx context.Context, paymentID string) (payments.PaymentDetails, error) {
	if s.lookupPaymentFn == nil {
		return payments.PaymentDetails{}, errors.New("unexpected LookupPayment")
	}
	return s.lookupPaymentFn(ctx, paymentID)
}

type stubOrderService struct {
	OrderService
	applyFn func(ctx context.Context, cmd ApplyPaymentStatusCommand) (PaymentStatusResult, error)
}

func (s *stubOrderService) ApplyPaymentStatus(ctx context.Context, cmd ApplyPaymentStatusCommand) (PaymentStatusResult, error) {
	if s.applyFn == nil {
		return PaymentStatusResult{}, errors.New("unexpected ApplyPaymentStatus")
	}
	return s.applyFn(ctx, cmd)
}

func newPaymentServiceForTest(t *testing.T, provider payments.Provider, orders OrderService) PaymentService {
	t.Helper()
	svc, err := NewPaymentService(PaymentServiceDeps{Provider: provider, Orders: orders})
	if err != nil {
		t.Fatalf("NewPaymentService: %v", err)
	}
	return svc
}

func TestCreatePreferenceValidatesInput(t *testing.T) {
	svc := newPaymentServiceForTest(t, &stubGatewayProvider{}, &stubOrderService{})

	cases := []struct {
		name string
		cmd  CreatePreferenceCommand
	}{
		{name: "missing order id", cmd: CreatePreferenceCommand{Items: []PreferenceItem{{Title: "Agua", Quantity: 1, UnitPrice: 300}}}},
		{name: "empty items", cmd: CreatePreferenceCommand{OrderID: "order-1"}},
		{name: "missing title", cmd: CreatePreferenceCommand{OrderID: "order-1", Items: []PreferenceItem{{Quantity: 1, UnitPrice: 300}}}},
		{name: "zero quantity", cmd: CreatePreferenceCommand{OrderID: "order-1", Items: []PreferenceItem{{Title: "Agua", UnitPrice: 300}}}},
		{name: "zero price", cmd: CreatePreferenceCommand{OrderID: "order-1", Items: []PreferenceItem{{Title: "Agua", Quantity: 1}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CreatePreference(context.Background(), tc.cmd)
			if !errors.Is(err, ErrPaymentInvalidInput) {
				t.Fatalf("expected ErrPaymentInvalidInput, got %v", err)
			}
		})
	}
}

func TestCreatePreferenceForwardsToGateway(t *testing.T) {
	var captured payments.PreferenceRequest
	provider := &stubGatewayProvider{
		createPreferenceFn: func(_ context.Context, req payments.PreferenceRequest) (payments.Preference, error) {
			captured = req
			return payments.Preference{
				ID:               "pref-1",
				InitPoint:        "https://gateway.example/init",
				SandboxInitPoint: "https://sandbox.example/init",
			}, nil
		},
	}
	svc := newPaymentServiceForTest(t, provider, &stubOrderService{})

	result, err := svc.CreatePreference(context.Background(), CreatePreferenceCommand{
		OrderID:       " order-1 ",
		CustomerEmail: "maria@example.com",
		Items: []PreferenceItem{
			{Title: " Cerveja Lata 350ml ", Quantity: 6, UnitPrice: 450},
		},
	})
	if err != nil {
		t.Fatalf("CreatePreference: %v", err)
	}

	if result.ID != "pref-1" || result.InitPoint == "" || result.SandboxInitPoint == "" {
		t.Fatalf("unexpected result %+v", result)
	}
	if captured.OrderID != "order-1" {
		t.Fatalf("order id = %q, want trimmed", captured.OrderID)
	}
	if len(captured.Items) != 1 || captured.Items[0].Title != "Cerveja Lata 350ml" {
		t.Fatalf("unexpected items %+v", captured.Items)
	}
	if captured.CustomerEmail != "maria@example.com" {
		t.Fatalf("email = %q", captured.CustomerEmail)
	}
}

func TestCreatePreferenceWrapsGatewayFailure(t *testing.T) {
	provider := &stubGatewayProvider{
		createPreferenceFn: func(context.Context, payments.PreferenceRequest) (payments.Preference, error) {
			return payments.Preference{}, errors.New("gateway timeout")
		},
	}
	svc := newPaymentServiceForTest(t, provider, &stubOrderService{})

	_, err := svc.CreatePreference(context.Background(), CreatePreferenceCommand{
		OrderID: "order-1",
		Items:   []PreferenceItem{{Title: "Agua", Quantity: 1, UnitPrice: 300}},
	})
	if !errors.Is(err, ErrPaymentGateway) {
		t.Fatalf("expected ErrPaymentGateway, got %v", err)
	}
}

func TestHandleNotificationIgnoresNonPaymentTypes(t *testing.T) {
	svc := newPaymentServiceForTest(t, &stubGatewayProvider{}, &stubOrderService{})

	for _, typ := range []string{"merchant_order", "plan", "subscription", ""} {
		result, err := svc.HandleNotification(context.Background(), PaymentNotificationCommand{Type: typ, ResourceID: "1"})
		if err != nil {
			t.Fatalf("type %q: %v", typ, err)
		}
		if !result.Success {
			t.Fatalf("type %q: expected acknowledgement", typ)
		}
		if !strings.Contains(result.Message, "ignored") {
			t.Fatalf("type %q: message = %q", typ, result.Message)
		}
	}
}

func TestHandleNotificationRequiresResourceID(t *testing.T) {
	svc := newPaymentServiceForTest(t, &stubGatewayProvider{}, &stubOrderService{})

	_, err := svc.HandleNotification(context.Background(), PaymentNotificationCommand{Type: "payment"})
	if !errors.Is(err, ErrPaymentInvalidInput) {
		t.Fatalf("expected ErrPaymentInvalidInput, got %v", err)
	}
}

func TestHandleNotificationAcksUnknownPayment(t *testing.T) {
	provider := &stubGatewayProvider{
		lookupPaymentFn: func(context.Context, string) (payments.PaymentDetails, error) {
			return payments.PaymentDetails{}, payments.ErrPaymentNotFound
		},
	}
	svc := newPaymentServiceForTest(t, provider, &stubOrderService{})

	result, err := svc.HandleNotification(context.Background(), PaymentNotificationCommand{Type: "payment", ResourceID: "999"})
	if err != nil {
		t.Fatalf("HandleNotification: %v", err)
	}
	if !result.Success {
		t.Fatal("unknown payments must be acknowledged so the gateway stops retrying")
	}
}

func TestHandleNotificationAcksPaymentWithoutOrder(t *testing.T) {
	provider := &stubGatewayProvider{
		lookupPaymentFn: func(context.Context, string) (payments.PaymentDetails, error) {
			return payments.PaymentDetails{ID: "1", Status: payments.StatusApproved}, nil
		},
	}
	svc := newPaymentServiceForTest(t, provider, &stubOrderService{})

	result, err := svc.HandleNotification(context.Background(), PaymentNotificationCommand{Type: "payment", ResourceID: "1"})
	if err != nil {
		t.Fatalf("HandleNotification: %v", err)
	}
	if !result.Success || result.OrderID != "" {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestHandleNotificationAppliesStatusToOrder(t *testing.T) {
	provider := &stubGatewayProvider{
		lookupPaymentFn: func(_ context.Context, paymentID string) (payments.PaymentDetails, error) {
			return payments.PaymentDetails{
				ID:                paymentID,
				Status:            payments.StatusApproved,
				ExternalReference: "order-1",
			}, nil
		},
	}
	var captured ApplyPaymentStatusCommand
	orders := &stubOrderService{
		applyFn: func(_ context.Context, cmd ApplyPaymentStatusCommand) (PaymentStatusResult, error) {
			captured = cmd
			return PaymentStatusResult{Applied: true, Message: "order marked paid"}, nil
		},
	}
	svc := newPaymentServiceForTest(t, provider, orders)

	result, err := svc.HandleNotification(context.Background(), PaymentNotificationCommand{Type: "payment", ResourceID: "12345"})
	if err != nil {
		t.Fatalf("HandleNotification: %v", err)
	}

	if captured.OrderID != "order-1" || captured.PaymentID != "12345" || captured.PaymentStatus != "approved" {
		t.Fatalf("unexpected command %+v", captured)
	}
	if !result.Success || result.OrderID != "order-1" || result.PaymentStatus != "approved" {
		t.Fatalf("unexpected result %+v", result)
	}
}

// A payment referencing an unknown order may have raced the checkout write, so
// the notification must fail and leave the gateway retrying.
func TestHandleNotificationFailsForMissingOrder(t *testing.T) {
	provider := &stubGatewayProvider{
		lookupPaymentFn: func(context.Context, string) (payments.PaymentDetails, error) {
			return payments.PaymentDetails{ID: "1", Status: payments.StatusApproved, ExternalReference: "gone"}, nil
		},
	}
	orders := &stubOrderService{
		applyFn: func(context.Context, ApplyPaymentStatusCommand) (PaymentStatusResult, error) {
			return PaymentStatusResult{}, ErrOrderNotFound
		},
	}
	svc := newPaymentServiceForTest(t, provider, orders)

	result, err := svc.HandleNotification(context.Background(), PaymentNotificationCommand{Type: "payment", ResourceID: "1"})
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
	if result.Success {
		t.Fatal("missing orders must not be acknowledged")
	}
}
