package payments

import (
	"context"
	"errors"
	"strings"
)

// Status enumerates the payment states the gateway reports.
type Status string

const (
	// StatusPending indicates the payment is awaiting customer action.
	StatusPending Status = "pending"
	// StatusInProcess indicates the gateway is still settling the payment.
	StatusInProcess Status = "in_process"
	// StatusApproved indicates the payment was captured.
	StatusApproved Status = "approved"
	// StatusRejected indicates the gateway declined the payment.
	StatusRejected Status = "rejected"
	// StatusCancelled indicates the payment was cancelled before capture.
	StatusCancelled Status = "cancelled"
	// StatusRefunded indicates the captured amount was returned.
	StatusRefunded Status = "refunded"
	// StatusChargedBack indicates the customer disputed the charge.
	StatusChargedBack Status = "charged_back"
)

// ErrPaymentNotFound is returned when the gateway has no record of the payment id.
var ErrPaymentNotFound = errors.New("payments: payment not found")

// PreferenceLineItem describes one cart line sent to the gateway.
type PreferenceLineItem struct {
	Title     string
	Quantity  int
	UnitPrice int64
	Currency  string
}

// PreferenceRequest carries everything needed to open a gateway checkout.
type PreferenceRequest struct {
	OrderID       string
	Items         []PreferenceLineItem
	CustomerEmail string
	CustomerName  string
	CustomerPhone string
}

// Preference is the gateway checkout handle returned to the storefront.
type Preference struct {
	ID               string
	InitPoint        string
	SandboxInitPoint string
}

// PaymentDetails is the normalised view of one gateway payment.
type PaymentDetails struct {
	ID                string
	Status            Status
	ExternalReference string
	TransactionAmount int64
	PaymentMethod     string
}

// Provider abstracts the payment gateway.
type Provider interface {
	// CreatePreference opens a checkout for the given order.
	CreatePreference(ctx context.Context, req PreferenceRequest) (Preference, error)
	// LookupPayment fetches the current state of a payment by gateway id.
	LookupPayment(ctx context.Context, paymentID string) (PaymentDetails, error)
}

// ParseStatus normalises a raw gateway status string.
func ParseStatus(raw string) Status {
	return Status(strings.ToLower(strings.TrimSpace(raw)))
}
