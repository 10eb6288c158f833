package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rl1809/share-ledger/internal/core/domain"
	"github.com/rl1809/share-ledger/internal/core/service"
	"github.com/rl1809/share-ledger/internal/port"
)

// ErrPermanentFailure marks a message that can never be processed, such as
// a malformed body or an unknown routing key.
var ErrPermanentFailure = errors.New("queue: permanent failure")

type PaymentService interface {
	Process(ctx context.Context, payment domain.Payment) (*service.AllocationResult, error)
	Reverse(ctx context.Context, paymentRef, reason string) (*service.ReversalResult, error)
}

// Publisher sends an outcome event. A nil Publisher on the handler drops
// outcome events.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
}

type PaymentHandler struct {
	payments  PaymentService
	recorder  port.PaymentRecorder
	publisher Publisher
	logger    zerolog.Logger
}

func NewPaymentHandler(payments PaymentService, recorder port.PaymentRecorder, publisher Publisher, logger zerolog.Logger) *PaymentHandler {
	return &PaymentHandler{
		payments:  payments,
		recorder:  recorder,
		publisher: publisher,
		logger:    logger.With().Str("component", "payment_handler").Logger(),
	}
}

// Handle processes one message body routed by key.
func (h *PaymentHandler) Handle(ctx context.Context, routingKey string, body []byte) error {
	switch routingKey {
	case RoutingPaymentConfirmed:
		var ev PaymentConfirmedEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return fmt.Errorf("%w: decode %s: %v", ErrPermanentFailure, routingKey, err)
		}
		return h.confirmed(ctx, ev)
	case RoutingPaymentReversed:
		var ev PaymentReversedEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return fmt.Errorf("%w: decode %s: %v", ErrPermanentFailure, routingKey, err)
		}
		return h.reversed(ctx, ev)
	default:
		return fmt.Errorf("%w: unknown routing key %q", ErrPermanentFailure, routingKey)
	}
}

func (h *PaymentHandler) confirmed(ctx context.Context, ev PaymentConfirmedEvent) error {
	if ev.PaymentID == "" || ev.UserID == "" {
		return fmt.Errorf("%w: payment event %s missing payment_id or user_id", ErrPermanentFailure, ev.EventID)
	}
	payment := domain.Payment{ID: ev.PaymentID, UserRef: ev.UserID, Amount: ev.Amount}
	if err := h.recorder.RecordPayment(ctx, payment); err != nil {
		return fmt.Errorf("record payment %s: %w", ev.PaymentID, err)
	}

	out := newOutcome(ev.EventID, ev.PaymentID)
	result, err := h.payments.Process(ctx, payment)
	if err != nil {
		if domain.IsRetryable(err) {
			return err
		}
		out.Reason = err.Error()
		h.publish(ctx, RoutingAllocationRejected, out)
		return err
	}

	out.Allocated = result.TotalAllocated
	out.Refunded = result.Refunded
	h.publish(ctx, RoutingAllocationCompleted, out)
	return nil
}

func (h *PaymentHandler) reversed(ctx context.Context, ev PaymentReversedEvent) error {
	if ev.PaymentID == "" {
		return fmt.Errorf("%w: reversal event %s missing payment_id", ErrPermanentFailure, ev.EventID)
	}
	result, err := h.payments.Reverse(ctx, ev.PaymentID, ev.Reason)
	if err != nil {
		return err
	}
	out := newOutcome(ev.EventID, ev.PaymentID)
	out.Restored = result.Restored
	out.Reason = ev.Reason
	h.publish(ctx, RoutingAllocationReversed, out)
	return nil
}

// publish failures are logged only; the allocation is already committed.
func (h *PaymentHandler) publish(ctx context.Context, routingKey string, ev AllocationOutcomeEvent) {
	if h.publisher == nil {
		return
	}
	if err := h.publisher.Publish(ctx, routingKey, ev); err != nil {
		h.logger.Error().Err(err).Str("routing_key", routingKey).Str("payment_id", ev.PaymentID).Msg("failed to publish outcome")
	}
}

type MessageHandler interface {
	Handle(ctx context.Context, routingKey string, body []byte) error
}

// Deferrer hands a delivery back to the broker for redelivery after a delay.
type Deferrer interface {
	Defer(ctx context.Context, del amqp.Delivery) error
}

// Dispatcher drains deliveries with a fixed pool of workers and settles
// each one according to the handler's verdict.
type Dispatcher struct {
	handler  MessageHandler
	deferrer Deferrer
	workers  int
	logger   zerolog.Logger
	tracer   trace.Tracer
}

type DispatcherOption func(*Dispatcher)

// WithDeferrer delays redelivery of messages whose job another worker is
// still processing instead of requeueing them at once.
func WithDeferrer(d Deferrer) DispatcherOption {
	return func(disp *Dispatcher) { disp.deferrer = d }
}

func WithTracerProvider(tp trace.TracerProvider) DispatcherOption {
	return func(d *Dispatcher) { d.tracer = tp.Tracer(tracerName) }
}

func NewDispatcher(handler MessageHandler, workers int, logger zerolog.Logger, opts ...DispatcherOption) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	d := &Dispatcher{
		handler: handler,
		workers: workers,
		logger:  logger.With().Str("component", "dispatcher").Logger(),
		tracer:  otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run blocks until deliveries is closed or ctx is cancelled, then waits for
// in-flight messages to settle.
func (d *Dispatcher) Run(ctx context.Context, deliveries <-chan amqp.Delivery) {
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			d.workerLoop(ctx, id, deliveries)
		}(i)
	}
	d.logger.Info().Int("workers", d.workers).Msg("dispatcher started")
	wg.Wait()
	d.logger.Info().Msg("dispatcher stopped")
}

func (d *Dispatcher) workerLoop(ctx context.Context, id int, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case del, ok := <-deliveries:
			if !ok {
				return
			}
			d.settle(ctx, id, del)
		}
	}
}

func (d *Dispatcher) settle(ctx context.Context, id int, del amqp.Delivery) {
	log := d.logger.With().Int("worker", id).Str("routing_key", del.RoutingKey).Str("message_id", del.MessageId).Logger()

	// Settling runs even if ctx is cancelled mid-handle.
	ctx = extractContext(context.WithoutCancel(ctx), del.Headers)
	ctx, span := d.tracer.Start(ctx, "consume "+del.RoutingKey,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.message.id", del.MessageId),
			attribute.Bool("messaging.redelivered", del.Redelivered),
		))
	defer span.End()

	err := d.handler.Handle(ctx, del.RoutingKey, del.Body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	var (
		ackErr     error
		settlement string
	)
	switch {
	case err == nil:
		settlement = "ack"
		ackErr = del.Ack(false)
	case errors.Is(err, ErrPermanentFailure):
		log.Error().Err(err).Msg("rejecting message")
		settlement = "reject"
		ackErr = del.Reject(false)
	case !domain.IsRetryable(err):
		log.Warn().Err(err).Msg("message processed with final rejection")
		settlement = "ack"
		ackErr = del.Ack(false)
	case errors.Is(err, domain.ErrIdempotencyConflict) && d.deferrer != nil:
		if derr := d.deferrer.Defer(ctx, del); derr != nil {
			log.Warn().Err(derr).Msg("defer failed, requeueing message")
			settlement = "requeue"
			ackErr = del.Nack(false, true)
			break
		}
		log.Debug().Msg("job in progress elsewhere, message deferred")
		settlement = "defer"
		ackErr = del.Ack(false)
	default:
		log.Warn().Err(err).Bool("redelivered", del.Redelivered).Msg("requeueing message")
		settlement = "requeue"
		ackErr = del.Nack(false, true)
	}
	span.SetAttributes(attribute.String("messaging.settlement", settlement))
	if ackErr != nil {
		log.Error().Err(ackErr).Msg("failed to settle delivery")
	}
}
