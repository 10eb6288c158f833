package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const publishTimeout = 5 * time.Second

type RabbitMQConfig struct {
	URL         string
	Exchange    string
	Queue       string
	ConsumerTag string
	Prefetch    int
	// RetryDelay is how long a deferred message waits in the retry queue
	// before it is dead-lettered back to Exchange.
	RetryDelay time.Duration
}

func (c RabbitMQConfig) retryExchange() string { return c.Exchange + ".retry" }
func (c RabbitMQConfig) retryQueue() string { return c.Queue + ".retry" }

// RabbitMQ owns one connection with a consumer channel bound to the payment
// routing keys and a confirm-mode producer channel for outcome events and
// deferred retries.
type RabbitMQ struct {
	cfg        RabbitMQConfig
	conn       *amqp.Connection
	consumerCh *amqp.Channel
	producerCh *amqp.Channel
	closed     chan *amqp.Error
	logger     zerolog.Logger
}

func DialRabbitMQ(cfg RabbitMQConfig, logger zerolog.Logger) (*RabbitMQ, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	r := &RabbitMQ{
		cfg:    cfg,
		conn:   conn,
		closed: conn.NotifyClose(make(chan *amqp.Error, 1)),
		logger: logger.With().Str("component", "rabbitmq").Logger(),
	}
	if err := r.setupConsumer(); err != nil {
		conn.Close()
		return nil, err
	}
	if err := r.setupProducer(); err != nil {
		conn.Close()
		return nil, err
	}
	return r, nil
}

func (r *RabbitMQ) setupConsumer() error {
	ch, err := r.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open consumer channel: %w", err)
	}
	if err := ch.Qos(r.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}
	if err := ch.ExchangeDeclare(r.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", r.cfg.Exchange, err)
	}
	if _, err := ch.QueueDeclare(r.cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", r.cfg.Queue, err)
	}
	for _, key := range []string{RoutingPaymentConfirmed, RoutingPaymentReversed} {
		if err := ch.QueueBind(r.cfg.Queue, key, r.cfg.Exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}
	if err := r.setupRetry(ch); err != nil {
		return err
	}
	r.consumerCh = ch
	r.logger.Info().Str("queue", r.cfg.Queue).Msg("consumer topology ready")
	return nil
}

// setupRetry declares a queue with no consumers whose messages expire after
// RetryDelay and are dead-lettered to the main exchange under their
// original routing key.
func (r *RabbitMQ) setupRetry(ch *amqp.Channel) error {
	if r.cfg.RetryDelay <= 0 {
		return nil
	}
	if err := ch.ExchangeDeclare(r.cfg.retryExchange(), "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", r.cfg.retryExchange(), err)
	}
	args := amqp.Table{
		"x-message-ttl":          r.cfg.RetryDelay.Milliseconds(),
		"x-dead-letter-exchange": r.cfg.Exchange,
	}
	if _, err := ch.QueueDeclare(r.cfg.retryQueue(), true, false, false, false, args); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", r.cfg.retryQueue(), err)
	}
	if err := ch.QueueBind(r.cfg.retryQueue(), "#", r.cfg.retryExchange(), false, nil); err != nil {
		return fmt.Errorf("failed to bind %s: %w", r.cfg.retryQueue(), err)
	}
	return nil
}

func (r *RabbitMQ) setupProducer() error {
	ch, err := r.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open producer channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	r.producerCh = ch
	return nil
}

// Consume starts delivery with manual acknowledgement.
func (r *RabbitMQ) Consume() (<-chan amqp.Delivery, error) {
	msgs, err := r.consumerCh.Consume(r.cfg.Queue, r.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to register consumer: %w", err)
	}
	return msgs, nil
}

// Publish sends payload as persistent JSON and waits for the broker confirm.
func (r *RabbitMQ) Publish(ctx context.Context, routingKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	dc, err := r.producerCh.PublishWithDeferredConfirmWithContext(ctx, r.cfg.Exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.New().String(),
		Headers:      injectHeaders(ctx),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("publish confirmation: %w", err)
	}
	if !acked {
		return errors.New("message published but not confirmed")
	}
	return nil
}

// Defer republishes del to the retry queue, from which it returns to the
// consumer queue after RetryDelay. The caller acks del once Defer succeeds.
func (r *RabbitMQ) Defer(ctx context.Context, del amqp.Delivery) error {
	if r.cfg.RetryDelay <= 0 {
		return errors.New("retry queue not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	dc, err := r.producerCh.PublishWithDeferredConfirmWithContext(ctx, r.cfg.retryExchange(), del.RoutingKey, false, false, amqp.Publishing{
		ContentType:  del.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    del.MessageId,
		Headers:      del.Headers,
		Timestamp:    del.Timestamp,
		Body:         del.Body,
	})
	if err != nil {
		return fmt.Errorf("failed to defer message: %w", err)
	}
	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("defer confirmation: %w", err)
	}
	if !acked {
		return errors.New("deferred message not confirmed")
	}
	return nil
}

// Closed yields the error that closed the connection.
func (r *RabbitMQ) Closed() <-chan *amqp.Error {
	return r.closed
}

func (r *RabbitMQ) Close() error {
	if r.consumerCh != nil {
		_ = r.consumerCh.Cancel(r.cfg.ConsumerTag, false)
	}
	if r.conn != nil && !r.conn.IsClosed() {
		return r.conn.Close()
	}
	return nil
}
