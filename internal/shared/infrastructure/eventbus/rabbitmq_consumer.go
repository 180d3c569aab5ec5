package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/felixgeelhaar/slotwise/pkg/observability"
)

// RabbitMQConsumerConfig configures a RabbitMQConsumer.
type RabbitMQConsumerConfig struct {
	URL      string
	Exchange string
	// Queue is the queue to consume. Empty declares an exclusive,
	// server-named queue that disappears with the connection.
	Queue  string
	Logger *slog.Logger
}

// RabbitMQConsumer reads events from a queue bound to the exchange and
// dispatches them through a Registry.
type RabbitMQConsumer struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	queue    string
	exchange string
	registry *Registry
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
}

// NewRabbitMQConsumer connects, declares the exchange and queue, and binds
// the queue to every pattern in registry.
func NewRabbitMQConsumer(cfg RabbitMQConsumerConfig, registry *Registry) (*RabbitMQConsumer, error) {
	logger := observability.OrDefault(cfg.Logger).With("component", "rabbitmq")
	if cfg.Exchange == "" {
		cfg.Exchange = ExchangeName
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	fail := func(err error) (*RabbitMQConsumer, error) {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	if err := declareExchange(ch, cfg.Exchange); err != nil {
		return fail(err)
	}

	durable, exclusive := true, false
	if cfg.Queue == "" {
		durable, exclusive = false, true
	}
	q, err := ch.QueueDeclare(cfg.Queue, durable, !durable, exclusive, false, nil)
	if err != nil {
		return fail(fmt.Errorf("failed to declare queue: %w", err))
	}

	for _, pattern := range registry.Patterns() {
		if err := ch.QueueBind(q.Name, pattern, cfg.Exchange, false, nil); err != nil {
			return fail(fmt.Errorf("failed to bind %s: %w", pattern, err))
		}
		logger.Debug("bound queue", "queue", q.Name, "routing_key", pattern)
	}

	logger.Info("RabbitMQ consumer connected", "queue", q.Name, "exchange", cfg.Exchange)
	return &RabbitMQConsumer{
		conn:     conn,
		channel:  ch,
		queue:    q.Name,
		exchange: cfg.Exchange,
		registry: registry,
		logger:   logger,
	}, nil
}

// Start consumes until ctx is cancelled or the channel closes.
func (c *RabbitMQConsumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return errors.New("consumer already running")
	}
	c.running = true
	c.mu.Unlock()

	if err := c.channel.Qos(1, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}
	msgs, err := c.channel.ConsumeWithContext(ctx, c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("message channel closed unexpectedly")
			}
			c.deliver(ctx, msg)
		}
	}
}

func (c *RabbitMQConsumer) deliver(ctx context.Context, msg amqp.Delivery) {
	event := &Event{}
	if err := json.Unmarshal(msg.Body, event); err != nil {
		c.logger.Error("discarding undecodable message", "routing_key", msg.RoutingKey, "error", err)
		_ = msg.Ack(false)
		return
	}
	if event.RoutingKey == "" {
		event.RoutingKey = msg.RoutingKey
	}

	if err := c.registry.Dispatch(ctx, event); err != nil {
		if nackErr := msg.Nack(false, !msg.Redelivered); nackErr != nil {
			c.logger.Error("failed to nack message", "error", nackErr)
		}
		return
	}
	if err := msg.Ack(false); err != nil {
		c.logger.Error("failed to ack message", "error", err)
	}
}

// Close closes the channel and connection.
func (c *RabbitMQConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
	if err := c.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		c.logger.Warn("error closing channel", "error", err)
	}
	if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return err
	}
	return nil
}
