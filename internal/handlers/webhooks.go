package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/lvdistribuidora/api/internal/services"
)

const maxWebhookBodySize = 64 * 1024

// WebhookHandlers receives asynchronous payment notifications from the
// gateway. Signature verification happens in middleware before the request
// reaches these handlers; the acknowledgement shape is the one the gateway
// expects, so replays stop once a 200 goes out.
type WebhookHandlers struct {
	payments services.PaymentService
}

// NewWebhookHandlers constructs the webhook handlers.
func NewWebhookHandlers(payments services.PaymentService) *WebhookHandlers {
	return &WebhookHandlers{payments: payments}
}

// Routes registers webhook endpoints under the provided router.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/mercadopago", h.handleMercadoPago)
}

type webhookNotification struct {
	Type string `json:"type"`
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

type webhookAck struct {
	Success       bool   `json:"success"`
	Message       string `json:"message"`
	OrderID       string `json:"orderId,omitempty"`
	PaymentStatus string `json:"paymentStatus,omitempty"`
}

func (h *WebhookHandlers) handleMercadoPago(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		writeJSONResponse(w, http.StatusInternalServerError, map[string]string{
			"error":   "payment service unavailable",
			"details": "service not configured",
		})
		return
	}

	body, err := readLimitedBody(r, maxWebhookBodySize)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, map[string]string{"error": "request body is required"})
		return
	}

	var notification webhookNotification
	if err := json.Unmarshal(body, &notification); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, map[string]string{"error": "request body must be valid JSON"})
		return
	}

	// Mercado Pago also carries the resource id in the data.id query
	// parameter; prefer the body and fall back to the query string.
	resourceID := strings.TrimSpace(notification.Data.ID)
	if resourceID == "" {
		resourceID = strings.TrimSpace(r.URL.Query().Get("data.id"))
	}

	result, err := h.payments.HandleNotification(ctx, services.PaymentNotificationCommand{
		Type:       strings.TrimSpace(notification.Type),
		ResourceID: resourceID,
	})
	if err != nil {
		writeJSONResponse(w, http.StatusInternalServerError, map[string]string{
			"error":   "failed to process payment notification",
			"details": err.Error(),
		})
		return
	}

	writeJSONResponse(w, http.StatusOK, webhookAck{
		Success:       result.Success,
		Message:       result.Message,
		OrderID:       result.OrderID,
		PaymentStatus: result.PaymentStatus,
	})
}
