package payments

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	mercadoPagoBaseURL = "https://api.mercadopago.com"
	mercadoPagoTimeout = 15 * time.Second

	currencyBRL = "BRL"

	webhookPath = "/api/v1/webhooks/mercadopago"

	// The preferences API rejects an absent payer on some account types, so an
	// anonymous checkout still sends one.
	placeholderPayerEmail = "test@test.com"
)

// MercadoPagoConfig configures the gateway client.
type MercadoPagoConfig struct {
	AccessToken string
	// BaseURL overrides the production endpoint, mainly for tests.
	BaseURL string
	// FrontendBaseURL is where the customer lands after checkout.
	FrontendBaseURL string
	// NotificationBaseURL is this API's public base URL; when set, preferences
	// register the payment webhook so pix confirmations reach us.
	NotificationBaseURL string
	StatementDescriptor string
	Timeout             time.Duration
}

// MercadoPagoProvider talks to the Mercado Pago REST API.
type MercadoPagoProvider struct {
	client              *resty.Client
	frontendBaseURL     string
	notificationBaseURL string
	statementDescriptor string
}

var _ Provider = (*MercadoPagoProvider)(nil)

// NewMercadoPagoProvider builds the gateway client.
func NewMercadoPagoProvider(cfg MercadoPagoConfig) (*MercadoPagoProvider, error) {
	if strings.TrimSpace(cfg.AccessToken) == "" {
		return nil, errors.New("mercadopago: access token is required")
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = mercadoPagoBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = mercadoPagoTimeout
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(strings.TrimSpace(cfg.AccessToken)).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")

	return &MercadoPagoProvider{
		client:              client,
		frontendBaseURL:     strings.TrimRight(strings.TrimSpace(cfg.FrontendBaseURL), "/"),
		notificationBaseURL: strings.TrimRight(strings.TrimSpace(cfg.NotificationBaseURL), "/"),
		statementDescriptor: strings.TrimSpace(cfg.StatementDescriptor),
	}, nil
}

type preferenceItemPayload struct {
	Title      string  `json:"title"`
	Quantity   int     `json:"quantity"`
	UnitPrice  float64 `json:"unit_price"`
	CurrencyID string  `json:"currency_id"`
}

type preferencePayerPayload struct {
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

type preferenceBackURLs struct {
	Success string `json:"success"`
	Failure string `json:"failure"`
	Pending string `json:"pending"`
}

type preferencePayload struct {
	Items               []preferenceItemPayload `json:"items"`
	Payer               *preferencePayerPayload `json:"payer,omitempty"`
	BackURLs            *preferenceBackURLs     `json:"back_urls,omitempty"`
	AutoReturn          string                  `json:"auto_return,omitempty"`
	NotificationURL     string                  `json:"notification_url,omitempty"`
	ExternalReference   string                  `json:"external_reference"`
	StatementDescriptor string                  `json:"statement_descriptor,omitempty"`
}

type preferenceResponse struct {
	ID               string `json:"id"`
	InitPoint        string `json:"init_point"`
	SandboxInitPoint string `json:"sandbox_init_point"`
}

type paymentResponse struct {
	ID                int64   `json:"id"`
	Status            string  `json:"status"`
	ExternalReference string  `json:"external_reference"`
	TransactionAmount float64 `json:"transaction_amount"`
	PaymentMethodID   string  `json:"payment_method_id"`
}

type gatewayError struct {
	Message string `json:"message"`
	Error   string `json:"error"`
	Status  int    `json:"status"`
}

// CreatePreference opens a Mercado Pago checkout for the order.
func (p *MercadoPagoProvider) CreatePreference(ctx context.Context, req PreferenceRequest) (Preference, error) {
	if strings.TrimSpace(req.OrderID) == "" {
		return Preference{}, errors.New("mercadopago: order id is required")
	}
	if len(req.Items) == 0 {
		return Preference{}, errors.New("mercadopago: at least one item is required")
	}

	items := make([]preferenceItemPayload, 0, len(req.Items))
	for _, item := range req.Items {
		currency := item.Currency
		if currency == "" {
			currency = currencyBRL
		}
		items = append(items, preferenceItemPayload{
			Title:      item.Title,
			Quantity:   item.Quantity,
			UnitPrice:  centavosToAmount(item.UnitPrice),
			CurrencyID: currency,
		})
	}

	payload := preferencePayload{
		Items:               items,
		ExternalReference:   strings.TrimSpace(req.OrderID),
		StatementDescriptor: p.statementDescriptor,
	}
	payer := &preferencePayerPayload{
		Email: strings.TrimSpace(req.CustomerEmail),
		Name:  strings.TrimSpace(req.CustomerName),
	}
	if payer.Email == "" {
		payer.Email = placeholderPayerEmail
	}
	payload.Payer = payer
	if p.notificationBaseURL != "" {
		payload.NotificationURL = p.notificationBaseURL + webhookPath
	}
	if p.frontendBaseURL != "" {
		payload.BackURLs = &preferenceBackURLs{
			Success: fmt.Sprintf("%s/pagamento/sucesso?orderId=%s", p.frontendBaseURL, req.OrderID),
			Failure: fmt.Sprintf("%s/pagamento/falha?orderId=%s", p.frontendBaseURL, req.OrderID),
			Pending: fmt.Sprintf("%s/pagamento/pendente?orderId=%s", p.frontendBaseURL, req.OrderID),
		}
		payload.AutoReturn = "approved"
	}

	var out preferenceResponse
	var apiErr gatewayError
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&out).
		SetError(&apiErr).
		Post("/checkout/preferences")
	if err != nil {
		return Preference{}, fmt.Errorf("mercadopago: create preference: %w", err)
	}
	if resp.IsError() {
		return Preference{}, fmt.Errorf("mercadopago: create preference: %s", apiErr.describe(resp.StatusCode()))
	}
	if out.ID == "" {
		return Preference{}, errors.New("mercadopago: create preference: empty id in response")
	}

	return Preference{
		ID:               out.ID,
		InitPoint:        out.InitPoint,
		SandboxInitPoint: out.SandboxInitPoint,
	}, nil
}

// LookupPayment fetches a payment by gateway id.
func (p *MercadoPagoProvider) LookupPayment(ctx context.Context, paymentID string) (PaymentDetails, error) {
	id := strings.TrimSpace(paymentID)
	if id == "" {
		return PaymentDetails{}, errors.New("mercadopago: payment id is required")
	}

	var out paymentResponse
	var apiErr gatewayError
	resp, err := p.client.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&apiErr).
		Get(fmt.Sprintf("/v1/payments/%s", id))
	if err != nil {
		return PaymentDetails{}, fmt.Errorf("mercadopago: lookup payment %s: %w", id, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return PaymentDetails{}, fmt.Errorf("%w: %s", ErrPaymentNotFound, id)
	}
	if resp.IsError() {
		return PaymentDetails{}, fmt.Errorf("mercadopago: lookup payment %s: %s", id, apiErr.describe(resp.StatusCode()))
	}

	return PaymentDetails{
		ID:                fmt.Sprintf("%d", out.ID),
		Status:            ParseStatus(out.Status),
		ExternalReference: strings.TrimSpace(out.ExternalReference),
		TransactionAmount: amountToCentavos(out.TransactionAmount),
		PaymentMethod:     out.PaymentMethodID,
	}, nil
}

func (e gatewayError) describe(statusCode int) string {
	if e.Message != "" {
		return fmt.Sprintf("%s (http %d)", e.Message, statusCode)
	}
	if e.Error != "" {
		return fmt.Sprintf("%s (http %d)", e.Error, statusCode)
	}
	return fmt.Sprintf("http %d", statusCode)
}

// centavosToAmount converts int64 centavos to the decimal reais the API expects.
func centavosToAmount(centavos int64) float64 {
	return float64(centavos) / 100
}

// amountToCentavos converts decimal reais back to centavos, rounding to the
// nearest cent to absorb float noise.
func amountToCentavos(amount float64) int64 {
	return int64(math.Round(amount * 100))
}
