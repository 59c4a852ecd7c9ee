package order

import (
	"errors"
	"fmt"
)

// Error kinds. Handlers map these to HTTP status codes with errors.Is.
var (
	ErrValidation       = errors.New("validation error")
	ErrUnauthenticated  = errors.New("authentication required")
	ErrForbidden        = errors.New("access denied")
	ErrOrderNotFound    = errors.New("order not found")
	ErrGateway          = errors.New("payment gateway error")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrMalformedPayload = errors.New("malformed webhook payload")
)

var (
	ErrNoOrderItems            = fmt.Errorf("%w: no order items", ErrValidation)
	ErrInvalidQuantity         = fmt.Errorf("%w: item quantity must be at least 1", ErrValidation)
	ErrNegativePrice           = fmt.Errorf("%w: prices must be non-negative", ErrValidation)
	ErrInvalidStatus           = fmt.Errorf("%w: unrecognized order status", ErrValidation)
	ErrInvalidStatusTransition = fmt.Errorf("%w: invalid order status transition", ErrValidation)
	ErrProductNotFound         = fmt.Errorf("%w: product not found", ErrValidation)
	ErrSessionAlreadyAttached  = errors.New("payment session already attached")
)

// ErrNoChange is returned by an Update mutator to commit nothing.
var ErrNoChange = errors.New("no change")
