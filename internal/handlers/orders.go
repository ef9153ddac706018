package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/lvdistribuidora/api/internal/platform/auth"
	"github.com/lvdistribuidora/api/internal/platform/httpx"
	"github.com/lvdistribuidora/api/internal/services"
)

const maxDeliveryRequestBody = 4 * 1024

// OrderHandlers exposes order reads and lifecycle transitions for
// authenticated users. Owner-or-staff checks live in the order service;
// handlers only carry the actor across.
type OrderHandlers struct {
	authn  *auth.Authenticator
	orders services.OrderService
}

// NewOrderHandlers constructs order handlers guarded by Firebase authentication.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService) *OrderHandlers {
	return &OrderHandlers{
		authn:  authn,
		orders: orders,
	}
}

// Routes registers order endpoints under the provided router.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.authn != nil {
		group = group.With(h.authn.RequireFirebaseAuth())
	}
	group.Get("/", h.listMyOrders)
	group.Get("/voucher/{voucherCode}", h.getOrderByVoucher)
	group.Get("/{orderID}", h.getOrder)
	group.Post("/{orderID}/confirm-payment", h.confirmPayment)
	group.Post("/{orderID}/confirm-pickup", h.confirmPickup)
	group.Post("/{orderID}/items/{itemIndex}/deliver", h.deliverItem)
	group.Post("/{orderID}/deliver-all", h.deliverAll)
}

type orderItemResponse struct {
	ProductID   string `json:"productId"`
	Name        string `json:"name"`
	UnitPrice   int64  `json:"unitPrice"`
	Quantity    int    `json:"quantity"`
	Delivered   int    `json:"delivered"`
	DeliveredAt string `json:"deliveredAt,omitempty"`
}

type orderResponse struct {
	ID             string              `json:"id"`
	Voucher        string              `json:"voucher"`
	UserID         string              `json:"userId"`
	CustomerName   string              `json:"customerName"`
	CustomerPhone  string              `json:"customerPhone"`
	CustomerEmail  string              `json:"customerEmail,omitempty"`
	Status         string              `json:"status"`
	PaymentMethod  string              `json:"paymentMethod"`
	Items          []orderItemResponse `json:"items"`
	Subtotal       int64               `json:"subtotal"`
	Discount       int64               `json:"discount"`
	Total          int64               `json:"total"`
	CouponCode     string              `json:"couponCode,omitempty"`
	Notes          string              `json:"notes,omitempty"`
	TotalItems     int                 `json:"totalItems"`
	DeliveredItems int                 `json:"deliveredItems"`
	CreatedAt      string              `json:"createdAt"`
	UpdatedAt      string              `json:"updatedAt,omitempty"`
	PaidAt         string              `json:"paidAt,omitempty"`
	CompletedAt    string              `json:"completedAt,omitempty"`
	CancelledAt    string              `json:"cancelledAt,omitempty"`
	RefundedAt     string              `json:"refundedAt,omitempty"`
}

type orderListResponse struct {
	Orders []orderResponse `json:"orders"`
}

type deliverItemRequest struct {
	Units int `json:"units"`
}

func toOrderResponse(order services.Order) orderResponse {
	items := make([]orderItemResponse, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemResponse{
			ProductID:   item.ProductID,
			Name:        item.Name,
			UnitPrice:   item.UnitPrice,
			Quantity:    item.Quantity,
			Delivered:   item.Delivered,
			DeliveredAt: formatTimePtr(item.DeliveredAt),
		})
	}

	resp := orderResponse{
		ID:             order.ID,
		Voucher:        order.Voucher,
		UserID:         order.UserID,
		CustomerName:   order.CustomerName,
		CustomerPhone:  order.CustomerPhone,
		CustomerEmail:  order.CustomerEmail,
		Status:         string(order.Status),
		PaymentMethod:  string(order.PaymentMethod),
		Items:          items,
		Subtotal:       order.Subtotal,
		Discount:       order.Discount,
		Total:          order.Total,
		Notes:          order.Notes,
		TotalItems:     order.TotalItems,
		DeliveredItems: order.DeliveredItems,
		CreatedAt:      formatTime(order.CreatedAt),
		UpdatedAt:      formatTime(order.UpdatedAt),
		PaidAt:         formatTimePtr(order.PaidAt),
		CompletedAt:    formatTimePtr(order.CompletedAt),
		CancelledAt:    formatTimePtr(order.CancelledAt),
		RefundedAt:     formatTimePtr(order.RefundedAt),
	}
	if order.CouponCode != nil {
		resp.CouponCode = *order.CouponCode
	}
	return resp
}

func (h *OrderHandlers) requireIdentity(w http.ResponseWriter, r *http.Request) (*auth.Identity, bool) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("orders_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return nil, false
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func (h *OrderHandlers) listMyOrders(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	orders, err := h.orders.ListOrdersForUser(ctx, identity.UID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	payload := orderListResponse{Orders: make([]orderResponse, 0, len(orders))}
	for _, order := range orders {
		payload.Orders = append(payload.Orders, toOrderResponse(order))
	}
	writeJSONResponse(w, http.StatusOK, payload)
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.GetOrder(ctx, services.GetOrderCommand{
		OrderID: orderID,
		Actor:   actorFromIdentity(identity),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, toOrderResponse(order))
}

func (h *OrderHandlers) getOrderByVoucher(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	voucher := strings.TrimSpace(chi.URLParam(r, "voucherCode"))
	if voucher == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "voucher code is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.GetOrderByVoucher(ctx, services.GetOrderByVoucherCommand{
		VoucherCode: voucher,
		Actor:       actorFromIdentity(identity),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, toOrderResponse(order))
}

func (h *OrderHandlers) confirmPayment(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.ConfirmPayment(ctx, services.ConfirmPaymentCommand{
		OrderID: orderID,
		Actor:   actorFromIdentity(identity),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, toOrderResponse(order))
}

func (h *OrderHandlers) confirmPickup(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.ConfirmPickupReadiness(ctx, services.PickupReadinessCommand{
		OrderID: orderID,
		Actor:   actorFromIdentity(identity),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, toOrderResponse(order))
}

func (h *OrderHandlers) deliverItem(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	itemIndex, err := strconv.Atoi(chi.URLParam(r, "itemIndex"))
	if err != nil || itemIndex < 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "item index must be a non-negative integer", http.StatusBadRequest))
		return
	}

	// Body is optional; a bare POST delivers one unit.
	units := 1
	if body, err := readLimitedBody(r, maxDeliveryRequestBody); err == nil {
		var req deliverItemRequest
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
			return
		}
		if req.Units != 0 {
			units = req.Units
		}
	} else if errors.Is(err, errBodyTooLarge) {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusRequestEntityTooLarge))
		return
	}

	order, err := h.orders.MarkItemDelivered(ctx, services.MarkItemDeliveredCommand{
		OrderID:   orderID,
		ItemIndex: itemIndex,
		Units:     units,
		Actor:     actorFromIdentity(identity),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, toOrderResponse(order))
}

func (h *OrderHandlers) deliverAll(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.MarkAllDelivered(ctx, services.MarkAllDeliveredCommand{
		OrderID: orderID,
		Actor:   actorFromIdentity(identity),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, toOrderResponse(order))
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderForbidden):
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "not allowed to access this order", http.StatusForbidden))
	case errors.Is(err, services.ErrOrderInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", "order changed concurrently; retry", http.StatusConflict))
	case errors.Is(err, services.ErrOrderUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("orders_unavailable", "order service unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}
