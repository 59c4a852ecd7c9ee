package order

import (
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	StatusPending        OrderStatus = "pending"
	StatusProcessing     OrderStatus = "processing"
	StatusConfirmed      OrderStatus = "confirmed"
	StatusShipped        OrderStatus = "shipped"
	StatusOutForDelivery OrderStatus = "out_for_delivery"
	StatusDelivered      OrderStatus = "delivered"
	StatusCancelled      OrderStatus = "cancelled"
	StatusReturned       OrderStatus = "returned"
	StatusRefunded       OrderStatus = "refunded"
)

// forwardRank orders the main path; side branches are absent.
var forwardRank = map[OrderStatus]int{
	StatusPending:        0,
	StatusProcessing:     1,
	StatusConfirmed:      2,
	StatusShipped:        3,
	StatusOutForDelivery: 4,
	StatusDelivered:      5,
}

var sideBranches = map[OrderStatus]bool{
	StatusCancelled: true,
	StatusReturned:  true,
	StatusRefunded:  true,
}

func (s OrderStatus) String() string {
	return string(s)
}

func (s OrderStatus) Valid() bool {
	_, onPath := forwardRank[s]
	return onPath || sideBranches[s]
}

// beforePayment reports whether s sits on the main path ahead of processing.
func (s OrderStatus) beforePayment() bool {
	rank, ok := forwardRank[s]
	return ok && rank < forwardRank[StatusProcessing]
}

// IsTerminal reports whether no automated transition leaves s.
func (s OrderStatus) IsTerminal() bool {
	return s == StatusDelivered || sideBranches[s]
}

// ParseStatus converts raw into a known status.
func ParseStatus(raw string) (OrderStatus, error) {
	status := OrderStatus(strings.ToLower(strings.TrimSpace(raw)))
	if !status.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
	return status, nil
}

// OrderItem is a line item snapshotted at order creation.
type OrderItem struct {
	ProductID uuid.UUID       `json:"product"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	Image     string          `json:"image"`
	Price     decimal.Decimal `json:"price"`
}

func (i OrderItem) Subtotal() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

type ShippingAddress struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Address   string `json:"address"`
	Apartment string `json:"apartment,omitempty"`
	City      string `json:"city"`
	State     string `json:"state"`
	ZipCode   string `json:"zipCode"`
	Country   string `json:"country"`
	Phone     string `json:"phone"`
}

type Pricing struct {
	ItemsPrice    decimal.Decimal `json:"itemsPrice"`
	TaxPrice      decimal.Decimal `json:"taxPrice"`
	ShippingPrice decimal.Decimal `json:"shippingPrice"`
	TotalPrice    decimal.Decimal `json:"totalPrice"`
}

// PaymentResult is the gateway snapshot recorded on successful reconciliation.
type PaymentResult struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	UpdateTime   string `json:"update_time"`
	EmailAddress string `json:"email_address"`
}

type StatusEntry struct {
	Status    OrderStatus `json:"status"`
	Timestamp time.Time   `json:"timestamp"`
	Comment   string      `json:"comment,omitempty"`
}

type Order struct {
	ID              uuid.UUID       `json:"id"`
	UserID          uuid.UUID       `json:"user"`
	OrderItems      []OrderItem     `json:"orderItems"`
	ShippingAddress ShippingAddress `json:"shippingAddress"`
	PaymentMethod   string          `json:"paymentMethod"`

	Pricing

	PaymentSessionID *string        `json:"paymentSessionId,omitempty"`
	PaymentResult    *PaymentResult `json:"paymentResult,omitempty"`
	IsPaid           bool           `json:"isPaid"`
	PaidAt           *time.Time     `json:"paidAt,omitempty"`
	IsDelivered      bool           `json:"isDelivered"`
	DeliveredAt      *time.Time     `json:"deliveredAt,omitempty"`
	Status           OrderStatus    `json:"status"`
	StatusHistory    []StatusEntry  `json:"statusHistory"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// applyStatus is the only place Status changes. It appends exactly one
// history entry and re-derives the delivery flags from the new status.
func (o *Order) applyStatus(status OrderStatus, comment string, now time.Time) {
	o.Status = status
	o.StatusHistory = append(o.StatusHistory, StatusEntry{
		Status:    status,
		Timestamp: now,
		Comment:   comment,
	})

	switch {
	case status == StatusDelivered:
		o.IsDelivered = true
		o.DeliveredAt = &now
	case sideBranches[status]:
		// keep whatever delivery state the order had reached
	default:
		o.IsDelivered = false
		o.DeliveredAt = nil
	}
}

// markPaid records the payment snapshot. An order still waiting for payment
// moves to processing; any later status is kept. It reports whether the
// status changed.
func (o *Order) markPaid(result PaymentResult, now time.Time) bool {
	o.IsPaid = true
	o.PaidAt = &now
	o.PaymentResult = &result
	if !o.Status.beforePayment() {
		return false
	}
	o.applyStatus(StatusProcessing, "", now)
	return true
}

// attachSession sets the payment session id once.
func (o *Order) attachSession(sessionID string) error {
	if o.PaymentSessionID != nil {
		if *o.PaymentSessionID == sessionID {
			return ErrNoChange
		}
		return fmt.Errorf("%w: order %s already has session %s", ErrSessionAlreadyAttached, o.ID, *o.PaymentSessionID)
	}
	o.PaymentSessionID = &sessionID
	return nil
}

// LastStatus returns the status of the newest history entry.
func (o *Order) LastStatus() (OrderStatus, bool) {
	if len(o.StatusHistory) == 0 {
		return "", false
	}
	return o.StatusHistory[len(o.StatusHistory)-1].Status, true
}

// Clone returns a deep copy safe to mutate independently.
func (o *Order) Clone() *Order {
	c := *o
	c.OrderItems = append([]OrderItem(nil), o.OrderItems...)
	c.StatusHistory = append([]StatusEntry(nil), o.StatusHistory...)
	if o.PaymentSessionID != nil {
		id := *o.PaymentSessionID
		c.PaymentSessionID = &id
	}
	if o.PaymentResult != nil {
		res := *o.PaymentResult
		c.PaymentResult = &res
	}
	if o.PaidAt != nil {
		t := *o.PaidAt
		c.PaidAt = &t
	}
	if o.DeliveredAt != nil {
		t := *o.DeliveredAt
		c.DeliveredAt = &t
	}
	return &c
}
