package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/felixgeelhaar/slotwise/internal/shared/apperrors"
	"github.com/felixgeelhaar/slotwise/pkg/observability"
)

// ExchangeName is the topic exchange slotwise publishes to.
const ExchangeName = "slotwise.events"

// RabbitMQPublisher publishes persistent messages to a topic exchange. A
// dropped connection is redialed on the next publish.
type RabbitMQPublisher struct {
	url      string
	exchange string
	logger   *slog.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

var _ Publisher = (*RabbitMQPublisher)(nil)

// NewRabbitMQPublisher connects and declares the exchange. An empty
// exchange selects ExchangeName.
func NewRabbitMQPublisher(url, exchange string, logger *slog.Logger) (*RabbitMQPublisher, error) {
	if exchange == "" {
		exchange = ExchangeName
	}
	p := &RabbitMQPublisher{
		url:      url,
		exchange: exchange,
		logger:   observability.OrDefault(logger).With("component", "rabbitmq"),
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.connect(); err != nil {
		return nil, err
	}
	p.logger.Info("RabbitMQ publisher connected", "exchange", exchange)
	return p, nil
}

// connect dials and declares the exchange. Callers hold p.mu.
func (p *RabbitMQPublisher) connect() error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}
	if err := declareExchange(ch, p.exchange); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}
	p.conn, p.channel = conn, ch
	return nil
}

func declareExchange(ch *amqp.Channel, name string) error {
	err := ch.ExchangeDeclare(
		name,    // name
		"topic", // type
		true,    // durable
		false,   // auto-deleted
		false,   // internal
		false,   // no-wait
		nil,     // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}
	return nil
}

// Publish sends a persistent JSON message. Transport failures are returned
// as retryable ServiceUnavailable errors.
func (p *RabbitMQPublisher) Publish(ctx context.Context, routingKey string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil || p.conn.IsClosed() || p.channel == nil || p.channel.IsClosed() {
		p.logger.Warn("RabbitMQ connection lost, reconnecting")
		if err := p.connect(); err != nil {
			return apperrors.Unavailable("rabbitmq.publish", err)
		}
	}

	err := p.channel.PublishWithContext(ctx,
		p.exchange, // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			Timestamp:     time.Now(),
			CorrelationId: observability.CorrelationIDFromContext(ctx),
			Body:          payload,
		},
	)
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to publish message", "routing_key", routingKey, "error", err)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return apperrors.Unavailable("rabbitmq.publish", err)
	}

	p.logger.DebugContext(ctx, "message published", "routing_key", routingKey, "size", len(payload))
	return nil
}

// Ping reports whether the connection is open.
func (p *RabbitMQPublisher) Ping(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil || p.conn.IsClosed() {
		return errors.New("rabbitmq connection closed")
	}
	return nil
}

// Close closes the channel and connection.
func (p *RabbitMQPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel != nil {
		if err := p.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			p.logger.Warn("error closing channel", "error", err)
		}
		p.channel = nil
	}
	if p.conn != nil {
		err := p.conn.Close()
		p.conn = nil
		if err != nil && !errors.Is(err, amqp.ErrClosed) {
			return err
		}
	}
	p.logger.Info("RabbitMQ publisher closed")
	return nil
}
