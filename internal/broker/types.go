package broker

import (
	"context"
	"time"

	"ewsdispatch/internal/constants"
	apperrors "ewsdispatch/pkg/errors"
)

// Message is one inbound delivery, independent of the transport.
type Message struct {
	ID      string
	Body    []byte
	Headers map[string]string
	Source  string
}

type Producer interface {
	Publish(ctx context.Context, topic string, msg Message) error
	Close() error
}

// Consumer delivers messages to a handler until ctx is cancelled or the
// transport fails. A nil handler error acknowledges the delivery.
type Consumer interface {
	Consume(ctx context.Context, handler HandlerFunc) error
	Close() error
	SetServiceName(name string)
}

type HandlerFunc func(ctx context.Context, msg Message) error

// Verdict is how a delivery is settled.
type Verdict string

const (
	VerdictAck    Verdict = "ack"
	VerdictReject Verdict = "reject"
	VerdictNack   Verdict = "nack"
)

// Classify maps a handler error to a verdict. Rejections are unprocessable
// events that must not come back.
func Classify(err error) Verdict {
	switch {
	case err == nil:
		return VerdictAck
	case apperrors.IsRejection(err):
		return VerdictReject
	default:
		return VerdictNack
	}
}

// deadLetterHeaders copies msg's headers and records why it was parked.
func deadLetterHeaders(msg Message, verdict Verdict, err error) map[string]string {
	headers := make(map[string]string, len(msg.Headers)+4)
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[constants.HeaderDLQReason] = string(verdict)
	headers[constants.HeaderErrorCode] = apperrors.Code(err)
	headers[constants.HeaderErrorMessage] = err.Error()
	headers[constants.HeaderFailedAt] = time.Now().UTC().Format(time.RFC3339)
	return headers
}
