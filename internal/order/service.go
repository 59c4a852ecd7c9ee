package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/ecommerce-microservices/internal/auth"
)

type PlaceOrderInput struct {
	Items           []OrderItem
	ShippingAddress ShippingAddress
	PaymentMethod   string
	Pricing         Pricing
}

type PlacedOrder struct {
	Order      *Order
	SessionID  string
	SessionURL string
}

type Service interface {
	PlaceOrder(ctx context.Context, customer *auth.Principal, input PlaceOrderInput) (*PlacedOrder, error)
	ReconcileFromWebhook(ctx context.Context, payload []byte, signatureHeader string) error
	CheckPaymentStatus(ctx context.Context, orderID uuid.UUID) (*Order, error)
	TransitionStatus(ctx context.Context, orderID uuid.UUID, status string, comment string) (*Order, error)
	MarkDelivered(ctx context.Context, orderID uuid.UUID) (*Order, error)
	GetOrderByID(ctx context.Context, id uuid.UUID) (*Order, error)
	// GetOrderForPrincipal returns the order only to its owner or an admin.
	GetOrderForPrincipal(ctx context.Context, id uuid.UUID, principal *auth.Principal) (*Order, error)
	GetOrdersByUserID(ctx context.Context, userID uuid.UUID) ([]Order, error)
	GetAllOrders(ctx context.Context) ([]Order, error)
}

type Option func(*service)

// WithCatalog makes PlaceOrder snapshot name, image and price from c
// instead of trusting the client.
func WithCatalog(c Catalog) Option {
	return func(s *service) { s.catalog = c }
}

func WithNotifier(n StatusNotifier) Option {
	return func(s *service) { s.notifier = n }
}

func WithClock(now func() time.Time) Option {
	return func(s *service) { s.now = now }
}

type service struct {
	orderRepo   Repository
	gateway     PaymentGateway
	catalog     Catalog
	notifier    StatusNotifier
	frontendURL string
	now         func() time.Time
}

func NewService(orderRepo Repository, gateway PaymentGateway, frontendURL string, opts ...Option) Service {
	s := &service{
		orderRepo:   orderRepo,
		gateway:     gateway,
		notifier:    noopNotifier{},
		frontendURL: strings.TrimRight(frontendURL, "/"),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *service) PlaceOrder(ctx context.Context, customer *auth.Principal, input PlaceOrderInput) (*PlacedOrder, error) {
	if customer == nil || customer.UserID == uuid.Nil {
		return nil, ErrUnauthenticated
	}

	if len(input.Items) == 0 {
		log.Warn().Stringer("user_id", customer.UserID).Msg("service: attempt to create order with no items")
		return nil, ErrNoOrderItems
	}

	items, err := s.snapshotItems(ctx, input.Items)
	if err != nil {
		return nil, err
	}

	if err := validatePricing(input.Pricing); err != nil {
		return nil, err
	}

	pricing := priceOrder(items, input.Pricing)
	if !pricing.ItemsPrice.Equal(input.Pricing.ItemsPrice) || !pricing.TotalPrice.Equal(input.Pricing.TotalPrice) {
		log.Warn().Stringer("user_id", customer.UserID).
			Str("client_items_price", input.Pricing.ItemsPrice.String()).Str("items_price", pricing.ItemsPrice.String()).
			Str("client_total_price", input.Pricing.TotalPrice.String()).Str("total_price", pricing.TotalPrice.String()).
			Msg("service: client totals differ from line items, using computed totals")
	}

	o := &Order{
		UserID:          customer.UserID,
		OrderItems:      items,
		ShippingAddress: input.ShippingAddress,
		PaymentMethod:   input.PaymentMethod,
		Pricing:         pricing,
	}

	if err := s.orderRepo.Create(ctx, o); err != nil {
		log.Error().Err(err).Stringer("user_id", customer.UserID).Msg("service: failed to create order in repository")
		return nil, fmt.Errorf("service: failed to create order: %w", err)
	}

	successURL := fmt.Sprintf("%s/order-success?orderId=%s", s.frontendURL, o.ID)
	cancelURL := s.frontendURL + "/checkout"

	session, err := s.gateway.CreateSession(ctx, o, customer.Email, successURL, cancelURL)
	if err != nil {
		log.Error().Err(err).Stringer("order_id", o.ID).Msg("service: payment session creation failed, order left pending without session")
		return nil, fmt.Errorf("service: failed to create payment session for order %s: %w", o.ID, err)
	}

	updated, err := s.orderRepo.Update(ctx, o.ID, func(current *Order) error {
		return current.attachSession(session.ID)
	})
	if err != nil {
		log.Error().Err(err).Stringer("order_id", o.ID).Str("session_id", session.ID).Msg("service: failed to attach payment session to order")
		return nil, fmt.Errorf("service: failed to attach payment session to order %s: %w", o.ID, err)
	}

	log.Info().Stringer("order_id", updated.ID).Stringer("user_id", updated.UserID).Str("session_id", session.ID).Msg("service: order placed")

	return &PlacedOrder{Order: updated, SessionID: session.ID, SessionURL: session.URL}, nil
}

func (s *service) snapshotItems(ctx context.Context, in []OrderItem) ([]OrderItem, error) {
	items := make([]OrderItem, 0, len(in))
	for _, item := range in {
		if item.Quantity < 1 {
			return nil, fmt.Errorf("%w: product %s", ErrInvalidQuantity, item.ProductID)
		}
		if item.ProductID == uuid.Nil {
			return nil, fmt.Errorf("%w: product id in order item cannot be nil", ErrValidation)
		}

		if s.catalog != nil {
			product, err := s.catalog.GetProduct(ctx, item.ProductID)
			if err != nil {
				if errors.Is(err, ErrProductNotFound) {
					return nil, fmt.Errorf("%w: %s", ErrProductNotFound, item.ProductID)
				}
				return nil, fmt.Errorf("service: failed to look up product %s: %w", item.ProductID, err)
			}
			item.Name = product.Name
			item.Image = product.Image
			item.Price = product.Price
		}

		if item.Price.IsNegative() {
			return nil, fmt.Errorf("%w: product %s", ErrNegativePrice, item.ProductID)
		}
		item.Price = item.Price.Round(2)
		items = append(items, item)
	}
	return items, nil
}

func validatePricing(p Pricing) error {
	switch {
	case p.ItemsPrice.IsNegative():
		return fmt.Errorf("%w: itemsPrice", ErrNegativePrice)
	case p.TaxPrice.IsNegative():
		return fmt.Errorf("%w: taxPrice", ErrNegativePrice)
	case p.ShippingPrice.IsNegative():
		return fmt.Errorf("%w: shippingPrice", ErrNegativePrice)
	case p.TotalPrice.IsNegative():
		return fmt.Errorf("%w: totalPrice", ErrNegativePrice)
	}
	return nil
}

// priceOrder derives itemsPrice and totalPrice from the snapshotted items,
// so the stored totals equal what the payment session charges.
func priceOrder(items []OrderItem, in Pricing) Pricing {
	itemsPrice := decimal.Zero
	for _, item := range items {
		itemsPrice = itemsPrice.Add(item.Subtotal())
	}
	p := Pricing{
		ItemsPrice:    itemsPrice,
		TaxPrice:      in.TaxPrice.Round(2),
		ShippingPrice: in.ShippingPrice.Round(2),
	}
	p.TotalPrice = p.ItemsPrice.Add(p.TaxPrice).Add(p.ShippingPrice)
	return p
}

func (s *service) ReconcileFromWebhook(ctx context.Context, payload []byte, signatureHeader string) error {
	event, err := s.gateway.VerifyWebhook(payload, signatureHeader)
	if err != nil {
		log.Warn().Err(err).Msg("service: rejected webhook delivery")
		return err
	}

	switch event.Type {
	case EventCheckoutSessionCompleted, EventCheckoutAsyncPaymentSucceeded:
	default:
		log.Debug().Str("event_id", event.ID).Str("event_type", event.Type).Msg("service: ignoring unhandled webhook event type")
		return nil
	}

	if event.Session == nil {
		return fmt.Errorf("%w: event %s has no session", ErrMalformedPayload, event.ID)
	}
	session := *event.Session

	if !session.Paid() {
		log.Info().Str("event_id", event.ID).Str("session_id", session.SessionID).Str("payment_status", session.PaymentStatus).
			Msg("service: checkout completed without payment yet, waiting for async confirmation")
		return nil
	}

	orderID, err := uuid.FromString(session.OrderID)
	if err != nil {
		log.Warn().Str("event_id", event.ID).Str("session_id", session.SessionID).Str("order_id", session.OrderID).
			Msg("service: webhook session carries no usable order id, acknowledging")
		return nil
	}

	_, err = s.reconcilePaid(ctx, orderID, session)
	if errors.Is(err, ErrOrderNotFound) {
		log.Warn().Str("event_id", event.ID).Stringer("order_id", orderID).
			Msg("service: webhook references unknown order, acknowledging")
		return nil
	}
	return err
}

func (s *service) CheckPaymentStatus(ctx context.Context, orderID uuid.UUID) (*Order, error) {
	o, err := s.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if o.IsPaid {
		return o, nil
	}
	if o.PaymentSessionID == nil {
		log.Warn().Stringer("order_id", orderID).Msg("service: order has no payment session to check")
		return o, nil
	}

	status, err := s.gateway.RetrieveSession(ctx, *o.PaymentSessionID)
	if err != nil {
		log.Error().Err(err).Stringer("order_id", orderID).Str("session_id", *o.PaymentSessionID).Msg("service: failed to retrieve payment session")
		return nil, fmt.Errorf("service: failed to check payment for order %s: %w", orderID, err)
	}

	if !status.Paid() {
		return o, nil
	}

	return s.reconcilePaid(ctx, orderID, status)
}

// reconcilePaid is shared by the webhook and polling paths. The paid check
// runs again under the row lock so concurrent callers apply it once.
func (s *service) reconcilePaid(ctx context.Context, orderID uuid.UUID, status SessionStatus) (*Order, error) {
	var oldStatus OrderStatus
	changed := false

	updated, err := s.orderRepo.Update(ctx, orderID, func(o *Order) error {
		if o.IsPaid {
			return ErrNoChange
		}
		if o.PaymentSessionID != nil && status.SessionID != "" && *o.PaymentSessionID != status.SessionID {
			log.Warn().Stringer("order_id", orderID).Str("order_session_id", *o.PaymentSessionID).Str("event_session_id", status.SessionID).
				Msg("service: payment confirmed for a session other than the one attached to the order")
		}

		now := s.now()
		oldStatus = o.Status
		changed = o.markPaid(paymentResultFrom(status, now), now)
		if !changed {
			event := log.Info()
			if o.Status.IsTerminal() {
				event = log.Warn()
			}
			event.Stringer("order_id", orderID).Stringer("status", o.Status).Stringer("attempted_status", StatusProcessing).
				Str("session_id", status.SessionID).Msg("service: payment recorded without status change, needs manual follow-up")
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrOrderNotFound) {
			log.Error().Err(err).Stringer("order_id", orderID).Stringer("new_status", StatusProcessing).Msg("service: failed to record payment")
		}
		return nil, fmt.Errorf("service: failed to record payment for order %s: %w", orderID, err)
	}

	if changed {
		log.Info().Stringer("order_id", orderID).Stringer("old_status", oldStatus).Stringer("new_status", updated.Status).
			Str("session_id", status.SessionID).Msg("service: order paid")
		s.notify(ctx, updated, oldStatus, "")
	}

	return updated, nil
}

func paymentResultFrom(status SessionStatus, now time.Time) PaymentResult {
	id := status.TransactionID
	if id == "" {
		id = status.SessionID
	}
	return PaymentResult{
		ID:           id,
		Status:       status.PaymentStatus,
		UpdateTime:   now.Format(time.RFC3339),
		EmailAddress: status.PayerEmail,
	}
}

func (s *service) TransitionStatus(ctx context.Context, orderID uuid.UUID, rawStatus string, comment string) (*Order, error) {
	newStatus, err := ParseStatus(rawStatus)
	if err != nil {
		log.Warn().Err(err).Stringer("order_id", orderID).Str("new_status", rawStatus).Msg("service: rejected unknown status")
		return nil, err
	}

	var oldStatus OrderStatus
	updated, err := s.orderRepo.Update(ctx, orderID, func(o *Order) error {
		if o.IsPaid && newStatus.beforePayment() {
			return fmt.Errorf("%w: paid order %s cannot return to %s", ErrInvalidStatusTransition, o.ID, newStatus)
		}
		oldStatus = o.Status
		o.applyStatus(newStatus, comment, s.now())
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			log.Warn().Stringer("order_id", orderID).Stringer("new_status", newStatus).Msg("service: order not found, cannot update status")
			return nil, ErrOrderNotFound
		}
		if errors.Is(err, ErrValidation) {
			log.Warn().Err(err).Stringer("order_id", orderID).Stringer("new_status", newStatus).Msg("service: invalid status transition attempt")
			return nil, err
		}
		log.Error().Err(err).Stringer("order_id", orderID).Stringer("new_status", newStatus).Msg("service: failed to update order status in repository")
		return nil, fmt.Errorf("service: failed to update order status: %w", err)
	}

	log.Info().Stringer("order_id", orderID).Stringer("old_status", oldStatus).Stringer("new_status", newStatus).Msg("service: order status updated")
	s.notify(ctx, updated, oldStatus, comment)

	return updated, nil
}

func (s *service) MarkDelivered(ctx context.Context, orderID uuid.UUID) (*Order, error) {
	return s.TransitionStatus(ctx, orderID, string(StatusDelivered), "")
}

func (s *service) notify(ctx context.Context, o *Order, oldStatus OrderStatus, comment string) {
	change := StatusChange{
		OrderID:   o.ID,
		UserID:    o.UserID,
		OldStatus: oldStatus,
		NewStatus: o.Status,
		IsPaid:    o.IsPaid,
		Comment:   comment,
		ChangedAt: o.UpdatedAt,
	}
	if err := s.notifier.OrderStatusChanged(ctx, change); err != nil {
		log.Error().Err(err).Stringer("order_id", o.ID).Stringer("new_status", o.Status).Msg("service: failed to publish status change")
	}
}

func (s *service) GetOrderByID(ctx context.Context, id uuid.UUID) (*Order, error) {
	o, err := s.orderRepo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			log.Warn().Err(err).Stringer("order_id", id).Msg("service: order not found by id")
			return nil, ErrOrderNotFound
		}

		log.Error().Err(err).Stringer("order_id", id).Msg("service: failed to fetch order by id in repository")
		return nil, fmt.Errorf("service: failed to fetch order by id: %w", err)
	}

	return o, nil
}

func (s *service) GetOrderForPrincipal(ctx context.Context, id uuid.UUID, principal *auth.Principal) (*Order, error) {
	if principal == nil {
		return nil, ErrUnauthenticated
	}

	o, err := s.GetOrderByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if !principal.IsAdmin && o.UserID != principal.UserID {
		log.Warn().Stringer("order_id", id).Stringer("user_id", principal.UserID).Msg("service: order requested by non-owner")
		return nil, ErrForbidden
	}

	return o, nil
}

func (s *service) GetOrdersByUserID(ctx context.Context, userID uuid.UUID) ([]Order, error) {
	orders, err := s.orderRepo.GetByUserID(ctx, userID)
	if err != nil {
		log.Error().Err(err).Stringer("user_id", userID).Msg("service: failed to fetch user orders in repository")
		return nil, fmt.Errorf("service: failed to fetch user orders: %w", err)
	}

	return orders, nil
}

func (s *service) GetAllOrders(ctx context.Context) ([]Order, error) {
	orders, err := s.orderRepo.GetAll(ctx)
	if err != nil {
		log.Error().Err(err).Msg("service: failed to fetch orders in repository")
		return nil, fmt.Errorf("service: failed to fetch orders: %w", err)
	}

	return orders, nil
}
