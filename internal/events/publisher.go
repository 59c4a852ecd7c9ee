package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/ecommerce-microservices/internal/config"
	"github.com/vasiliy-maslov/ecommerce-microservices/internal/order"
)

const routingKeyPrefix = "order.status."

// Channel is the subset of *amqp.Channel the publisher needs.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Publisher emits order status changes to a topic exchange.
type Publisher struct {
	mu       sync.Mutex
	ch       Channel
	exchange string
}

var _ order.StatusNotifier = (*Publisher)(nil)

func NewPublisher(ch Channel, exchange string) (*Publisher, error) {
	err := ch.ExchangeDeclare(
		exchange, // name
		"topic",  // kind
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("events: failed to declare exchange %q: %w", exchange, err)
	}
	return &Publisher{ch: ch, exchange: exchange}, nil
}

// Dial connects to the broker and returns a publisher plus a func that
// closes the channel and connection.
func Dial(cfg config.AMQPConfig) (*Publisher, func(), error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("events: failed to connect to broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("events: failed to open channel: %w", err)
	}

	p, err := NewPublisher(ch, cfg.Exchange)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, err
	}

	closeFn := func() {
		if err := ch.Close(); err != nil {
			log.Warn().Err(err).Msg("events: failed to close channel")
		}
		if err := conn.Close(); err != nil {
			log.Warn().Err(err).Msg("events: failed to close connection")
		}
	}

	log.Info().Str("exchange", cfg.Exchange).Msg("Connected to message broker")
	return p, closeFn, nil
}

// RoutingKey is order.status.<status>.
func RoutingKey(status order.OrderStatus) string {
	return routingKeyPrefix + status.String()
}

func (p *Publisher) OrderStatusChanged(ctx context.Context, change order.StatusChange) error {
	body, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("events: failed to encode status change: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    fmt.Sprintf("%s:%s:%d", change.OrderID, change.NewStatus, change.ChangedAt.UnixNano()),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ch.PublishWithContext(ctx, p.exchange, RoutingKey(change.NewStatus), false, false, msg); err != nil {
		return fmt.Errorf("events: failed to publish status change for order %s: %w", change.OrderID, err)
	}

	log.Debug().Stringer("order_id", change.OrderID).Stringer("new_status", change.NewStatus).Msg("events: status change published")
	return nil
}
