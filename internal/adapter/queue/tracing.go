package queue

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const tracerName = "github.com/rl1809/share-ledger/internal/adapter/queue"

// injectHeaders returns AMQP headers carrying ctx's trace context.
func injectHeaders(ctx context.Context) amqp.Table {
	carrier := propagation.HeaderCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	headers := amqp.Table{}
	for k := range carrier {
		headers[k] = carrier.Get(k)
	}
	return headers
}

// extractContext restores a trace context published with injectHeaders.
// Non-string header values are ignored.
func extractContext(ctx context.Context, headers amqp.Table) context.Context {
	if len(headers) == 0 {
		return ctx
	}
	carrier := propagation.HeaderCarrier{}
	for k, v := range headers {
		if s, ok := v.(string); ok {
			carrier.Set(k, s)
		}
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}
