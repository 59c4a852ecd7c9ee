package payment_test

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
	"github.com/vasiliy-maslov/ecommerce-microservices/internal/config"
	"github.com/vasiliy-maslov/ecommerce-microservices/internal/order"
	"github.com/vasiliy-maslov/ecommerce-microservices/internal/payment"
)

const webhookSecret = "whsec_test_secret"

func signedHeader(payload []byte, secret string, at time.Time) string {
	sig := webhook.ComputeSignature(at, payload, secret)
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(sig))
}

func newGateway(t *testing.T, handler http.HandlerFunc) *payment.StripeGateway {
	t.Helper()

	var backend stripe.Backend
	if handler != nil {
		srv := httptest.NewServer(handler)
		t.Cleanup(srv.Close)
		backend = stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
			URL:               stripe.String(srv.URL),
			MaxNetworkRetries: stripe.Int64(0),
			LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
		})
	}

	return payment.NewStripeGateway(config.StripeConfig{
		SecretKey:     "sk_test_123",
		WebhookSecret: webhookSecret,
		Currency:      "usd",
	}, backend)
}

func completedPayload(eventType, orderID, paymentStatus string) []byte {
	return []byte(fmt.Sprintf(`{
		"id": "evt_123",
		"object": "event",
		"type": %q,
		"data": {
			"object": {
				"id": "cs_test_123",
				"object": "checkout.session",
				"payment_status": %q,
				"payment_intent": "pi_123",
				"customer_email": "buyer@example.com",
				"customer_details": {"email": "payer@example.com"},
				"metadata": {"orderId": %q}
			}
		}
	}`, eventType, paymentStatus, orderID))
}

func TestStripeGateway_VerifyWebhook_CheckoutCompleted(t *testing.T) {
	g := newGateway(t, nil)
	orderID := uuid.Must(uuid.NewV4()).String()
	payload := completedPayload("checkout.session.completed", orderID, "paid")

	event, err := g.VerifyWebhook(payload, signedHeader(payload, webhookSecret, time.Now()))
	require.NoError(t, err)

	assert.Equal(t, "evt_123", event.ID)
	assert.Equal(t, order.EventCheckoutSessionCompleted, event.Type)
	require.NotNil(t, event.Session)
	assert.Equal(t, "cs_test_123", event.Session.SessionID)
	assert.Equal(t, orderID, event.Session.OrderID)
	assert.Equal(t, "pi_123", event.Session.TransactionID)
	assert.Equal(t, "payer@example.com", event.Session.PayerEmail)
	assert.True(t, event.Session.Paid())
}

func TestStripeGateway_VerifyWebhook_OtherEventCarriesNoSession(t *testing.T) {
	g := newGateway(t, nil)
	payload := []byte(`{"id":"evt_9","object":"event","type":"payment_intent.created","data":{"object":{"id":"pi_9","object":"payment_intent"}}}`)

	event, err := g.VerifyWebhook(payload, signedHeader(payload, webhookSecret, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, "payment_intent.created", event.Type)
	assert.Nil(t, event.Session)
}

func TestStripeGateway_VerifyWebhook_Rejects(t *testing.T) {
	g := newGateway(t, nil)
	payload := completedPayload("checkout.session.completed", uuid.Must(uuid.NewV4()).String(), "paid")

	tests := []struct {
		name    string
		payload []byte
		header  string
		wantErr error
	}{
		{
			name:    "missing_header",
			payload: payload,
			header:  "",
			wantErr: order.ErrInvalidSignature,
		},
		{
			name:    "wrong_secret",
			payload: payload,
			header:  signedHeader(payload, "whsec_other", time.Now()),
			wantErr: order.ErrInvalidSignature,
		},
		{
			name:    "tampered_payload",
			payload: append([]byte(nil), completedPayload("checkout.session.completed", "forged", "paid")...),
			header:  signedHeader(payload, webhookSecret, time.Now()),
			wantErr: order.ErrInvalidSignature,
		},
		{
			name:    "stale_timestamp",
			payload: payload,
			header:  signedHeader(payload, webhookSecret, time.Now().Add(-time.Hour)),
			wantErr: order.ErrInvalidSignature,
		},
		{
			name:    "malformed_body",
			payload: []byte("not json"),
			header:  signedHeader([]byte("not json"), webhookSecret, time.Now()),
			wantErr: order.ErrMalformedPayload,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := g.VerifyWebhook(tt.payload, tt.header)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestStripeGateway_CreateSession(t *testing.T) {
	orderID := uuid.Must(uuid.NewV4())

	g := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/checkout/sessions", r.URL.Path)
		assert.Equal(t, "Bearer sk_test_123", r.Header.Get("Authorization"))

		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "payment", r.PostForm.Get("mode"))
		assert.Equal(t, "card", r.PostForm.Get("payment_method_types[0]"))
		assert.Equal(t, "buyer@example.com", r.PostForm.Get("customer_email"))
		assert.Equal(t, "https://shop.example.com/checkout", r.PostForm.Get("cancel_url"))
		assert.Equal(t, orderID.String(), r.PostForm.Get("metadata[orderId]"))
		assert.Equal(t, "usd", r.PostForm.Get("line_items[0][price_data][currency]"))
		assert.Equal(t, "Mug", r.PostForm.Get("line_items[0][price_data][product_data][name]"))
		assert.Equal(t, "1999", r.PostForm.Get("line_items[0][price_data][unit_amount]"))
		assert.Equal(t, "1", r.PostForm.Get("line_items[0][quantity]"))
		assert.Equal(t, "501", r.PostForm.Get("line_items[1][price_data][unit_amount]"))
		assert.Equal(t, "2", r.PostForm.Get("line_items[1][quantity]"))
		assert.Empty(t, r.PostForm.Get("line_items[2][price_data][unit_amount]"), "no tax or shipping lines for a zero charge")

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"cs_test_123","object":"checkout.session","url":"https://checkout.stripe.com/c/pay/cs_test_123"}`))
	})

	o := &order.Order{
		ID: orderID,
		OrderItems: []order.OrderItem{
			{ProductID: uuid.Must(uuid.NewV4()), Name: "Mug", Quantity: 1, Image: "https://cdn.example.com/mug.png", Price: decimal.RequireFromString("19.99")},
			{ProductID: uuid.Must(uuid.NewV4()), Name: "Coaster", Quantity: 2, Price: decimal.RequireFromString("5.005")},
		},
	}

	s, err := g.CreateSession(context.Background(), o, "buyer@example.com",
		"https://shop.example.com/order-success?orderId="+orderID.String(), "https://shop.example.com/checkout")
	require.NoError(t, err)
	assert.Equal(t, "cs_test_123", s.ID)
	assert.Equal(t, "https://checkout.stripe.com/c/pay/cs_test_123", s.URL)
}

func TestStripeGateway_CreateSession_ChargesOrderTotal(t *testing.T) {
	charged := make(chan int64, 1)

	g := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())

		var total int64
		for i := 0; ; i++ {
			prefix := fmt.Sprintf("line_items[%d]", i)
			amount := r.PostForm.Get(prefix + "[price_data][unit_amount]")
			if amount == "" {
				break
			}
			unit, err := strconv.ParseInt(amount, 10, 64)
			assert.NoError(t, err)
			quantity, err := strconv.ParseInt(r.PostForm.Get(prefix+"[quantity]"), 10, 64)
			assert.NoError(t, err)
			total += unit * quantity
		}
		assert.Equal(t, "Tax", r.PostForm.Get("line_items[2][price_data][product_data][name]"))
		assert.Equal(t, "Shipping", r.PostForm.Get("line_items[3][price_data][product_data][name]"))
		charged <- total

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"cs_test_total","object":"checkout.session","url":"https://checkout.stripe.com/c/pay/cs_test_total"}`))
	})

	o := &order.Order{
		ID: uuid.Must(uuid.NewV4()),
		OrderItems: []order.OrderItem{
			{ProductID: uuid.Must(uuid.NewV4()), Name: "Mug", Quantity: 1, Price: decimal.NewFromInt(10)},
			{ProductID: uuid.Must(uuid.NewV4()), Name: "Coaster", Quantity: 2, Price: decimal.NewFromInt(5)},
		},
		Pricing: order.Pricing{
			ItemsPrice:    decimal.NewFromInt(20),
			TaxPrice:      decimal.NewFromInt(2),
			ShippingPrice: decimal.NewFromInt(5),
			TotalPrice:    decimal.NewFromInt(27),
		},
	}

	_, err := g.CreateSession(context.Background(), o, "", "https://s", "https://c")
	require.NoError(t, err)

	select {
	case total := <-charged:
		assert.Equal(t, o.TotalPrice.Shift(2).IntPart(), total)
	default:
		t.Fatal("checkout session request was not sent")
	}
}

func TestStripeGateway_CreateSession_GatewayError(t *testing.T) {
	g := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"Invalid currency"}}`))
	})

	o := &order.Order{
		ID:         uuid.Must(uuid.NewV4()),
		OrderItems: []order.OrderItem{{ProductID: uuid.Must(uuid.NewV4()), Name: "Mug", Quantity: 1, Price: decimal.NewFromInt(10)}},
	}

	_, err := g.CreateSession(context.Background(), o, "", "https://s", "https://c")
	require.Error(t, err)
	assert.ErrorIs(t, err, order.ErrGateway)
}

func TestStripeGateway_RetrieveSession(t *testing.T) {
	orderID := uuid.Must(uuid.NewV4())

	g := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/checkout/sessions/cs_test_123", r.URL.Path)

		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{
			"id": "cs_test_123",
			"object": "checkout.session",
			"payment_status": "paid",
			"payment_intent": {"id": "pi_123", "object": "payment_intent"},
			"customer_email": "buyer@example.com",
			"metadata": {"orderId": %q}
		}`, orderID.String())
	})

	status, err := g.RetrieveSession(context.Background(), "cs_test_123")
	require.NoError(t, err)
	assert.True(t, status.Paid())
	assert.Equal(t, "cs_test_123", status.SessionID)
	assert.Equal(t, orderID.String(), status.OrderID)
	assert.Equal(t, "pi_123", status.TransactionID)
	assert.Equal(t, "buyer@example.com", status.PayerEmail)
}

func TestStripeGateway_RetrieveSession_Unpaid(t *testing.T) {
	g := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"cs_test_9","object":"checkout.session","payment_status":"unpaid"}`))
	})

	status, err := g.RetrieveSession(context.Background(), "cs_test_9")
	require.NoError(t, err)
	assert.False(t, status.Paid())
	assert.Equal(t, "", status.TransactionID)
}
