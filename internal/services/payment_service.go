package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lvdistribuidora/api/internal/payments"
)

var (
	// ErrPaymentInvalidInput indicates the preference or notification payload is unusable.
	ErrPaymentInvalidInput = errors.New("payment: invalid input")
	// ErrPaymentGateway indicates the gateway call failed.
	ErrPaymentGateway = errors.New("payment: gateway error")
)

// PaymentServiceDeps wires the dependencies required by the payment service.
type PaymentServiceDeps struct {
	Provider payments.Provider
	Orders   OrderService
	Clock    func() time.Time
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type paymentService struct {
	provider payments.Provider
	orders   OrderService
	clock    func() time.Time
	logger   func(ctx context.Context, event string, fields map[string]any)
}

// NewPaymentService assembles the payment service.
func NewPaymentService(deps PaymentServiceDeps) (PaymentService, error) {
	if deps.Provider == nil {
		return nil, errors.New("payment service requires a gateway provider")
	}
	if deps.Orders == nil {
		return nil, errors.New("payment service requires the order service")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &paymentService{
		provider: deps.Provider,
		orders:   deps.Orders,
		clock:    func() time.Time { return clock().UTC() },
		logger:   logger,
	}, nil
}

// CreatePreference opens a gateway checkout for the order's items.
func (s *paymentService) CreatePreference(ctx context.Context, cmd CreatePreferenceCommand) (PreferenceResult, error) {
	if strings.TrimSpace(cmd.OrderID) == "" {
		return PreferenceResult{}, fmt.Errorf("%w: order id is required", ErrPaymentInvalidInput)
	}
	if len(cmd.Items) == 0 {
		return PreferenceResult{}, fmt.Errorf("%w: at least one item is required", ErrPaymentInvalidInput)
	}
	for i, item := range cmd.Items {
		if strings.TrimSpace(item.Title) == "" {
			return PreferenceResult{}, fmt.Errorf("%w: item %d is missing a title", ErrPaymentInvalidInput, i)
		}
		if item.Quantity <= 0 {
			return PreferenceResult{}, fmt.Errorf("%w: item %d quantity must be positive", ErrPaymentInvalidInput, i)
		}
		if item.UnitPrice <= 0 {
			return PreferenceResult{}, fmt.Errorf("%w: item %d unit price must be positive", ErrPaymentInvalidInput, i)
		}
	}

	lines := make([]payments.PreferenceLineItem, 0, len(cmd.Items))
	for _, item := range cmd.Items {
		lines = append(lines, payments.PreferenceLineItem{
			Title:     strings.TrimSpace(item.Title),
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}

	preference, err := s.provider.CreatePreference(ctx, payments.PreferenceRequest{
		OrderID:       strings.TrimSpace(cmd.OrderID),
		Items:         lines,
		CustomerEmail: strings.TrimSpace(cmd.CustomerEmail),
		CustomerName:  strings.TrimSpace(cmd.CustomerName),
		CustomerPhone: strings.TrimSpace(cmd.CustomerPhone),
	})
	if err != nil {
		return PreferenceResult{}, fmt.Errorf("%w: %v", ErrPaymentGateway, err)
	}

	s.logger(ctx, "payment.preference_created", map[string]any{"order_id": cmd.OrderID, "preference_id": preference.ID})
	return PreferenceResult{
		ID:               preference.ID,
		InitPoint:        preference.InitPoint,
		SandboxInitPoint: preference.SandboxInitPoint,
	}, nil
}

// HandleNotification reconciles a gateway webhook with the order it references.
// Non-payment notifications and payments without an order reference are
// acknowledged so the gateway stops retrying them. Replays of a status the
// order already reflects are acknowledged as well. A payment referencing an
// order we cannot find is an error: the webhook may have raced the checkout
// write, so the gateway must retry it.
func (s *paymentService) HandleNotification(ctx context.Context, cmd PaymentNotificationCommand) (NotificationResult, error) {
	notificationType := strings.ToLower(strings.TrimSpace(cmd.Type))
	if notificationType != "payment" {
		return NotificationResult{Success: true, Message: fmt.Sprintf("notification type %q ignored", cmd.Type)}, nil
	}
	if strings.TrimSpace(cmd.ResourceID) == "" {
		return NotificationResult{}, fmt.Errorf("%w: payment notification is missing a resource id", ErrPaymentInvalidInput)
	}

	details, err := s.provider.LookupPayment(ctx, cmd.ResourceID)
	if err != nil {
		if errors.Is(err, payments.ErrPaymentNotFound) {
			// Gateway retries webhooks long after test payments expire.
			return NotificationResult{Success: true, Message: fmt.Sprintf("payment %s not found at gateway", cmd.ResourceID)}, nil
		}
		return NotificationResult{}, fmt.Errorf("%w: %v", ErrPaymentGateway, err)
	}
	if details.ExternalReference == "" {
		return NotificationResult{Success: true, Message: "payment carries no order reference"}, nil
	}

	result, err := s.orders.ApplyPaymentStatus(ctx, ApplyPaymentStatusCommand{
		OrderID:       details.ExternalReference,
		PaymentID:     details.ID,
		PaymentStatus: string(details.Status),
	})
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			return NotificationResult{}, fmt.Errorf("no order %s for payment %s: %w", details.ExternalReference, details.ID, err)
		}
		return NotificationResult{}, err
	}

	s.logger(ctx, "payment.notification_processed", map[string]any{
		"payment_id": details.ID,
		"order_id":   details.ExternalReference,
		"status":     string(details.Status),
		"applied":    result.Applied,
	})
	return NotificationResult{
		Success:       true,
		Message:       result.Message,
		OrderID:       details.ExternalReference,
		PaymentStatus: string(details.Status),
	}, nil
}
