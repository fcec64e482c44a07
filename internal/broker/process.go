package broker

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"ewsdispatch/internal/logger"
	apperrors "ewsdispatch/pkg/errors"
	"ewsdispatch/pkg/logging"
	"ewsdispatch/pkg/metrics"
	"ewsdispatch/pkg/tracing"
)

const tracerName = "broker"

// settleFunc acknowledges, rejects or returns one delivery.
type settleFunc func(ctx context.Context, verdict Verdict, err error) error

// process runs handler for msg inside a span continued from the message
// headers, then settles it. A panicking handler is treated as a nack.
func process(ctx context.Context, log logger.Logger, brokerName, serviceName string, msg Message, handler HandlerFunc, settle settleFunc) error {
	metrics.ObserveBrokerMessage(brokerName, msg.Source, len(msg.Body))

	ctx, span := tracing.StartSpanFromHeaders(ctx, tracerName, brokerName+".consume", msg.Headers,
		attribute.String("messaging.system", brokerName),
		attribute.String("messaging.source.name", msg.Source),
		attribute.String("messaging.message.id", msg.ID),
	)
	defer span.End()

	ctx = logging.WithServiceName(ctx, serviceName)
	ctx = logging.WithMessageID(ctx, msg.ID)
	if traceID := tracing.TraceID(ctx); traceID != "" {
		ctx = logging.WithTraceID(ctx, traceID)
	}

	err := apperrors.Guard(func() error { return handler(ctx, msg) })
	verdict := Classify(err)
	if err != nil {
		tracing.RecordError(span, err, apperrors.Code(err))
	}
	log.DebugwCtx(ctx, "Message handled", "broker", brokerName, "source", msg.Source, "verdict", verdict)

	metrics.IncBrokerAck(brokerName, string(verdict))
	return settle(ctx, verdict, err)
}
