package order

import (
	"context"
	"time"

	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
)

const (
	PaymentStatusPaid              = "paid"
	PaymentStatusNoPaymentRequired = "no_payment_required"
)

const (
	EventCheckoutSessionCompleted      = "checkout.session.completed"
	EventCheckoutAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"
)

// Session is a freshly opened hosted payment session.
type Session struct {
	ID  string
	URL string
}

// SessionStatus is the gateway's authoritative view of a session.
type SessionStatus struct {
	SessionID     string
	OrderID       string
	PaymentStatus string
	TransactionID string
	PayerEmail    string
}

func (s SessionStatus) Paid() bool {
	return s.PaymentStatus == PaymentStatusPaid || s.PaymentStatus == PaymentStatusNoPaymentRequired
}

// WebhookEvent is a verified gateway event. Session is set for checkout
// session events only.
type WebhookEvent struct {
	ID      string
	Type    string
	Session *SessionStatus
}

type PaymentGateway interface {
	CreateSession(ctx context.Context, o *Order, customerEmail, successURL, cancelURL string) (Session, error)
	RetrieveSession(ctx context.Context, sessionID string) (SessionStatus, error)
	VerifyWebhook(payload []byte, signatureHeader string) (WebhookEvent, error)
}

type StatusChange struct {
	OrderID   uuid.UUID   `json:"orderId"`
	UserID    uuid.UUID   `json:"userId"`
	OldStatus OrderStatus `json:"oldStatus"`
	NewStatus OrderStatus `json:"newStatus"`
	IsPaid    bool        `json:"isPaid"`
	Comment   string      `json:"comment,omitempty"`
	ChangedAt time.Time   `json:"changedAt"`
}

// StatusNotifier is told about every committed status change.
type StatusNotifier interface {
	OrderStatusChanged(ctx context.Context, change StatusChange) error
}

type Product struct {
	ID    uuid.UUID
	Name  string
	Image string
	Price decimal.Decimal
}

// Catalog supplies the product data snapshotted into line items.
type Catalog interface {
	GetProduct(ctx context.Context, id uuid.UUID) (*Product, error)
}

type noopNotifier struct{}

func (noopNotifier) OrderStatusChanged(context.Context, StatusChange) error { return nil }
