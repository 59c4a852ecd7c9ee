package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/checkout/session"
	"github.com/stripe/stripe-go/v76/webhook"
	"github.com/vasiliy-maslov/ecommerce-microservices/internal/config"
	"github.com/vasiliy-maslov/ecommerce-microservices/internal/order"
)

// MetadataOrderID is the session metadata key carrying the order id.
const MetadataOrderID = "orderId"

// StripeGateway opens hosted checkout sessions and verifies Stripe webhooks.
type StripeGateway struct {
	sessions      session.Client
	webhookSecret string
	currency      string
}

var _ order.PaymentGateway = (*StripeGateway)(nil)

// NewStripeGateway builds a gateway on backend, or on the default API
// backend when backend is nil.
func NewStripeGateway(cfg config.StripeConfig, backend stripe.Backend) *StripeGateway {
	if backend == nil {
		backend = stripe.GetBackend(stripe.APIBackend)
	}
	currency := cfg.Currency
	if currency == "" {
		currency = string(stripe.CurrencyUSD)
	}
	return &StripeGateway{
		sessions:      session.Client{B: backend, Key: cfg.SecretKey},
		webhookSecret: cfg.WebhookSecret,
		currency:      currency,
	}
}

func (g *StripeGateway) CreateSession(ctx context.Context, o *order.Order, customerEmail, successURL, cancelURL string) (order.Session, error) {
	params := &stripe.CheckoutSessionParams{
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:         stripe.String(successURL),
		CancelURL:          stripe.String(cancelURL),
		LineItems:          g.lineItems(o),
	}
	if customerEmail != "" {
		params.CustomerEmail = stripe.String(customerEmail)
	}
	params.Context = ctx
	params.AddMetadata(MetadataOrderID, o.ID.String())

	s, err := g.sessions.New(params)
	if err != nil {
		log.Error().Err(err).Stringer("order_id", o.ID).Msg("payment: failed to create checkout session")
		return order.Session{}, fmt.Errorf("%w: create checkout session: %w", order.ErrGateway, err)
	}

	log.Debug().Stringer("order_id", o.ID).Str("session_id", s.ID).Msg("payment: checkout session created")
	return order.Session{ID: s.ID, URL: s.URL}, nil
}

func (g *StripeGateway) lineItems(o *order.Order) []*stripe.CheckoutSessionLineItemParams {
	items := make([]*stripe.CheckoutSessionLineItemParams, 0, len(o.OrderItems))
	for _, item := range o.OrderItems {
		product := &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
			Name: stripe.String(item.Name),
		}
		if item.Image != "" {
			product.Images = stripe.StringSlice([]string{item.Image})
		}
		items = append(items, &stripe.CheckoutSessionLineItemParams{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:    stripe.String(g.currency),
				ProductData: product,
				UnitAmount:  stripe.Int64(minorUnits(item.Price)),
			},
			Quantity: stripe.Int64(int64(item.Quantity)),
		})
	}

	// Tax and shipping are charged as their own lines so the session total
	// matches the order's totalPrice.
	for _, extra := range []struct {
		name   string
		amount decimal.Decimal
	}{
		{name: "Tax", amount: o.TaxPrice},
		{name: "Shipping", amount: o.ShippingPrice},
	} {
		if !extra.amount.IsPositive() {
			continue
		}
		items = append(items, &stripe.CheckoutSessionLineItemParams{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency: stripe.String(g.currency),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(extra.name),
				},
				UnitAmount: stripe.Int64(minorUnits(extra.amount)),
			},
			Quantity: stripe.Int64(1),
		})
	}
	return items
}

// minorUnits converts a two-decimal amount into cents, rounding half away from zero.
func minorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

func (g *StripeGateway) RetrieveSession(ctx context.Context, sessionID string) (order.SessionStatus, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	params.AddExpand("payment_intent")

	s, err := g.sessions.Get(sessionID, params)
	if err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("payment: failed to retrieve checkout session")
		return order.SessionStatus{}, fmt.Errorf("%w: retrieve checkout session %s: %w", order.ErrGateway, sessionID, err)
	}

	return sessionStatus(s), nil
}

func (g *StripeGateway) VerifyWebhook(payload []byte, signatureHeader string) (order.WebhookEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, g.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		switch {
		case errors.Is(err, webhook.ErrNotSigned),
			errors.Is(err, webhook.ErrInvalidHeader),
			errors.Is(err, webhook.ErrNoValidSignature),
			errors.Is(err, webhook.ErrTooOld):
			return order.WebhookEvent{}, fmt.Errorf("%w: %w", order.ErrInvalidSignature, err)
		default:
			return order.WebhookEvent{}, fmt.Errorf("%w: %w", order.ErrMalformedPayload, err)
		}
	}

	result := order.WebhookEvent{ID: event.ID, Type: string(event.Type)}
	switch result.Type {
	case order.EventCheckoutSessionCompleted, order.EventCheckoutAsyncPaymentSucceeded:
		if event.Data == nil {
			return order.WebhookEvent{}, fmt.Errorf("%w: event %s has no data", order.ErrMalformedPayload, event.ID)
		}
		var s stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &s); err != nil {
			return order.WebhookEvent{}, fmt.Errorf("%w: decode checkout session of event %s: %w", order.ErrMalformedPayload, event.ID, err)
		}
		status := sessionStatus(&s)
		result.Session = &status
	}

	return result, nil
}

func sessionStatus(s *stripe.CheckoutSession) order.SessionStatus {
	status := order.SessionStatus{
		SessionID:     s.ID,
		OrderID:       s.Metadata[MetadataOrderID],
		PaymentStatus: string(s.PaymentStatus),
		PayerEmail:    s.CustomerEmail,
	}
	if s.PaymentIntent != nil && s.PaymentIntent.ID != "" {
		status.TransactionID = s.PaymentIntent.ID
	}
	if s.CustomerDetails != nil && s.CustomerDetails.Email != "" {
		status.PayerEmail = s.CustomerDetails.Email
	}
	return status
}
