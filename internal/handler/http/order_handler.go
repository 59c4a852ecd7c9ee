package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/ecommerce-microservices/internal/auth"
	"github.com/vasiliy-maslov/ecommerce-microservices/internal/order"
)

// maxWebhookBytes bounds the raw webhook body read for signature checks.
const maxWebhookBytes = 65536

const signatureHeader = "Stripe-Signature"

type OrderItemRequest struct {
	Product  string          `json:"product" validate:"required,uuid"`
	Name     string          `json:"name" validate:"required"`
	Quantity int             `json:"quantity" validate:"min=1"`
	Image    string          `json:"image" validate:"required"`
	Price    decimal.Decimal `json:"price"`
}

type ShippingAddressRequest struct {
	FirstName string `json:"firstName" validate:"required"`
	LastName  string `json:"lastName" validate:"required"`
	Address   string `json:"address" validate:"required"`
	Apartment string `json:"apartment"`
	City      string `json:"city" validate:"required"`
	State     string `json:"state" validate:"required"`
	ZipCode   string `json:"zipCode" validate:"required"`
	Country   string `json:"country" validate:"required"`
	Phone     string `json:"phone" validate:"required"`
}

// PlaceOrderRequest leaves the empty-cart check to the order service.
type PlaceOrderRequest struct {
	OrderItems      []OrderItemRequest     `json:"orderItems" validate:"dive"`
	ShippingAddress ShippingAddressRequest `json:"shippingAddress"`
	PaymentMethod   string                 `json:"paymentMethod" validate:"required"`
	ItemsPrice      decimal.Decimal        `json:"itemsPrice"`
	TaxPrice        decimal.Decimal        `json:"taxPrice"`
	ShippingPrice   decimal.Decimal        `json:"shippingPrice"`
	TotalPrice      decimal.Decimal        `json:"totalPrice"`
}

type PlaceOrderResponse struct {
	OrderID    uuid.UUID `json:"orderId"`
	SessionID  string    `json:"sessionId"`
	SessionURL string    `json:"sessionUrl"`
}

type UpdateStatusRequest struct {
	Status  string `json:"status" validate:"required"`
	Comment string `json:"comment" validate:"max=500"`
}

type WebhookResponse struct {
	Received bool `json:"received"`
}

type OrderHandler struct {
	service  order.Service
	auth     *auth.Authenticator
	limiter  *KeyedLimiter
	validate *validator.Validate
}

func NewOrderHandler(service order.Service, authenticator *auth.Authenticator, limiter *KeyedLimiter) *OrderHandler {
	return &OrderHandler{
		service:  service,
		auth:     authenticator,
		limiter:  limiter,
		validate: validator.New(),
	}
}

func (h *OrderHandler) RegisterRoutes(router chi.Router) {
	router.Post("/orders/webhook", h.handleWebhook)

	router.Group(func(r chi.Router) {
		r.Use(h.auth.Middleware)

		r.Post("/orders", h.handlePlaceOrder)
		r.Get("/orders/myorders", h.handleGetMyOrders)
		r.With(h.limiter.Middleware).Get("/orders/check-payment-status/{id}", h.handleCheckPaymentStatus)
		r.Get("/orders/{id}", h.handleGetOrderByID)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAdmin)

			r.Get("/orders", h.handleGetAllOrders)
			r.Put("/orders/{id}/status", h.handleUpdateStatus)
			r.Put("/orders/{id}/deliver", h.handleMarkDelivered)
		})
	})
}

func (h *OrderHandler) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFrom(r.Context())

	var requestPayload PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&requestPayload); err != nil {
		log.Error().Err(err).Msg("Failed to decode request body")
		respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request payload %v", err))
		return
	}

	if err := h.validate.Struct(requestPayload); err != nil {
		respondWithValidationErrors(w, err)
		return
	}

	items := make([]order.OrderItem, 0, len(requestPayload.OrderItems))
	for _, item := range requestPayload.OrderItems {
		items = append(items, order.OrderItem{
			ProductID: uuid.FromStringOrNil(item.Product),
			Name:      item.Name,
			Quantity:  item.Quantity,
			Image:     item.Image,
			Price:     item.Price,
		})
	}

	input := order.PlaceOrderInput{
		Items:           items,
		ShippingAddress: order.ShippingAddress(requestPayload.ShippingAddress),
		PaymentMethod:   requestPayload.PaymentMethod,
		Pricing: order.Pricing{
			ItemsPrice:    requestPayload.ItemsPrice,
			TaxPrice:      requestPayload.TaxPrice,
			ShippingPrice: requestPayload.ShippingPrice,
			TotalPrice:    requestPayload.TotalPrice,
		},
	}

	placed, err := h.service.PlaceOrder(r.Context(), principal, input)
	if err != nil {
		log.Error().Err(err).Msg("Failed to place order via service")
		respondWithError(w, mapErrorToStatusCode(err), clientMessage(err, "Failed to place order"))
		return
	}

	respondWithJSON(w, http.StatusCreated, PlaceOrderResponse{
		OrderID:    placed.Order.ID,
		SessionID:  placed.SessionID,
		SessionURL: placed.SessionURL,
	})
}

// handleWebhook acknowledges every correctly signed delivery, including
// event types it does not act on.
func (h *OrderHandler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read webhook body")
		respondWithError(w, http.StatusBadRequest, "Invalid webhook body")
		return
	}

	err = h.service.ReconcileFromWebhook(r.Context(), payload, r.Header.Get(signatureHeader))
	if err != nil {
		statusCode := mapErrorToStatusCode(err)
		if errors.Is(err, order.ErrGateway) {
			statusCode = http.StatusInternalServerError
		}
		log.Error().Err(err).Int("status", statusCode).Msg("Failed to process payment webhook")
		respondWithError(w, statusCode, clientMessage(err, "Failed to process webhook"))
		return
	}

	respondWithJSON(w, http.StatusOK, WebhookResponse{Received: true})
}

func (h *OrderHandler) handleGetMyOrders(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFrom(r.Context())

	orders, err := h.service.GetOrdersByUserID(r.Context(), principal.UserID)
	if err != nil {
		log.Error().Err(err).Stringer("user_id", principal.UserID).Msg("Failed to get user orders via service")
		respondWithError(w, mapErrorToStatusCode(err), clientMessage(err, "Failed to get orders"))
		return
	}

	respondWithJSON(w, http.StatusOK, nonNil(orders))
}

func (h *OrderHandler) handleGetAllOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.service.GetAllOrders(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to get orders via service")
		respondWithError(w, mapErrorToStatusCode(err), clientMessage(err, "Failed to get orders"))
		return
	}

	respondWithJSON(w, http.StatusOK, nonNil(orders))
}

func (h *OrderHandler) handleGetOrderByID(w http.ResponseWriter, r *http.Request) {
	orderID, ok := parseOrderID(w, r)
	if !ok {
		return
	}
	principal, _ := auth.PrincipalFrom(r.Context())

	found, err := h.service.GetOrderForPrincipal(r.Context(), orderID, principal)
	if err != nil {
		respondWithError(w, mapErrorToStatusCode(err), clientMessage(err, "Failed to get order by id"))
		return
	}

	respondWithJSON(w, http.StatusOK, found)
}

func (h *OrderHandler) handleCheckPaymentStatus(w http.ResponseWriter, r *http.Request) {
	orderID, ok := parseOrderID(w, r)
	if !ok {
		return
	}
	principal, _ := auth.PrincipalFrom(r.Context())

	if _, err := h.service.GetOrderForPrincipal(r.Context(), orderID, principal); err != nil {
		respondWithError(w, mapErrorToStatusCode(err), clientMessage(err, "Failed to check payment status"))
		return
	}

	checked, err := h.service.CheckPaymentStatus(r.Context(), orderID)
	if err != nil {
		log.Error().Err(err).Stringer("order_id", orderID).Msg("Failed to check payment status via service")
		respondWithError(w, mapErrorToStatusCode(err), clientMessage(err, "Failed to check payment status"))
		return
	}

	respondWithJSON(w, http.StatusOK, checked)
}

func (h *OrderHandler) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	orderID, ok := parseOrderID(w, r)
	if !ok {
		return
	}

	var requestPayload UpdateStatusRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&requestPayload); err != nil {
		log.Error().Err(err).Msg("Failed to decode status update")
		respondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	if err := h.validate.Struct(requestPayload); err != nil {
		respondWithValidationErrors(w, err)
		return
	}

	updated, err := h.service.TransitionStatus(r.Context(), orderID, requestPayload.Status, requestPayload.Comment)
	if err != nil {
		log.Error().Err(err).Stringer("order_id", orderID).Str("new_status", requestPayload.Status).Msg("Failed to update order status via service")
		respondWithError(w, mapErrorToStatusCode(err), clientMessage(err, "Failed to update order status"))
		return
	}

	respondWithJSON(w, http.StatusOK, updated)
}

func (h *OrderHandler) handleMarkDelivered(w http.ResponseWriter, r *http.Request) {
	orderID, ok := parseOrderID(w, r)
	if !ok {
		return
	}

	updated, err := h.service.MarkDelivered(r.Context(), orderID)
	if err != nil {
		log.Error().Err(err).Stringer("order_id", orderID).Msg("Failed to mark order delivered via service")
		respondWithError(w, mapErrorToStatusCode(err), clientMessage(err, "Failed to mark order delivered"))
		return
	}

	respondWithJSON(w, http.StatusOK, updated)
}

func parseOrderID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	idParam := chi.URLParam(r, "id")
	orderID, err := uuid.FromString(idParam)
	if err != nil {
		log.Warn().Err(err).Str("order_id", idParam).Msg("Failed to parse id parameter from URL")
		respondWithError(w, http.StatusBadRequest, "Invalid id parameter")
		return uuid.Nil, false
	}
	return orderID, true
}

func nonNil(orders []order.Order) []order.Order {
	if orders == nil {
		return []order.Order{}
	}
	return orders
}
