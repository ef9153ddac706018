package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/lvdistribuidora/api/internal/services"
)

const maxPreferenceRequestBody = 32 * 1024

// PaymentHandlers exposes checkout-preference creation for the storefront.
//
// The response and error shapes follow the contract the frontend already
// speaks: {id, init_point, sandbox_init_point} on success, {"error": ...}
// on rejection and {"error", "details"} when the gateway fails.
type PaymentHandlers struct {
	payments services.PaymentService
}

// NewPaymentHandlers constructs the payment preference handlers.
func NewPaymentHandlers(payments services.PaymentService) *PaymentHandlers {
	return &PaymentHandlers{payments: payments}
}

// Routes registers payment endpoints under the provided router.
func (h *PaymentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/preference", h.createPreference)
}

type preferenceRequest struct {
	OrderID       string               `json:"orderId"`
	Items         []preferenceItemBody `json:"items"`
	CustomerEmail string               `json:"customerEmail"`
	CustomerName  string               `json:"customerName"`
	CustomerPhone string               `json:"customerPhone"`
}

type preferenceItemBody struct {
	Title     string `json:"title"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}

type preferenceResponse struct {
	ID               string `json:"id"`
	InitPoint        string `json:"init_point"`
	SandboxInitPoint string `json:"sandbox_init_point"`
}

func (h *PaymentHandlers) createPreference(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		writeJSONResponse(w, http.StatusInternalServerError, map[string]string{
			"error":   "payment service unavailable",
			"details": "service not configured",
		})
		return
	}

	body, err := readLimitedBody(r, maxPreferenceRequestBody)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, map[string]string{"error": "request body is required"})
		return
	}

	var req preferenceRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, map[string]string{"error": "request body must be valid JSON"})
		return
	}

	if len(req.Items) == 0 {
		writeJSONResponse(w, http.StatusBadRequest, map[string]string{"error": "items must not be empty"})
		return
	}
	if strings.TrimSpace(req.OrderID) == "" {
		writeJSONResponse(w, http.StatusBadRequest, map[string]string{"error": "orderId is required"})
		return
	}

	items := make([]services.PreferenceItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, services.PreferenceItem{
			Title:     strings.TrimSpace(item.Title),
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}

	result, err := h.payments.CreatePreference(ctx, services.CreatePreferenceCommand{
		OrderID:       strings.TrimSpace(req.OrderID),
		Items:         items,
		CustomerEmail: strings.TrimSpace(req.CustomerEmail),
		CustomerName:  strings.TrimSpace(req.CustomerName),
		CustomerPhone: strings.TrimSpace(req.CustomerPhone),
	})
	if err != nil {
		if errors.Is(err, services.ErrPaymentInvalidInput) {
			writeJSONResponse(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		writeJSONResponse(w, http.StatusInternalServerError, map[string]string{
			"error":   "failed to create payment preference",
			"details": err.Error(),
		})
		return
	}

	writeJSONResponse(w, http.StatusOK, preferenceResponse{
		ID:               result.ID,
		InitPoint:        result.InitPoint,
		SandboxInitPoint: result.SandboxInitPoint,
	})
}
