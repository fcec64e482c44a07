package broker

import (
	"context"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ewsdispatch/internal/config"
	"ewsdispatch/internal/constants"
	"ewsdispatch/internal/logger"
	apperrors "ewsdispatch/pkg/errors"
)

type settlement struct {
	tag     uint64
	ack     bool
	requeue bool
}

type fakeAcknowledger struct {
	settled []settlement
	err     error
}

func (a *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	a.settled = append(a.settled, settlement{tag: tag, ack: true})
	return a.err
}

func (a *fakeAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	a.settled = append(a.settled, settlement{tag: tag, requeue: requeue})
	return a.err
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

type publishCall struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakePublisher struct {
	calls []publishCall
	err   error
}

func (p *fakePublisher) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	p.calls = append(p.calls, publishCall{exchange: exchange, key: key, msg: msg})
	return p.err
}

func rabbitConfig() config.RabbitMQConfig {
	return config.RabbitMQConfig{
		Queue:       "email_events",
		DLXExchange: "email_events.dlx",
		DLQQueue:    "email_events.dlq",
	}
}

// deliver feeds one delivery through run and closes the channel behind it.
func deliver(t *testing.T, c *RabbitMQConsumer, pub *fakePublisher, ack *fakeAcknowledger, handlerErr error) error {
	t.Helper()
	deliveries := make(chan amqp.Delivery, 1)
	deliveries <- amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  42,
		MessageId:    "m-1",
		Body:         []byte(`{"id":"m-1"}`),
	}
	close(deliveries)

	return c.run(context.Background(), pub, deliveries, func(context.Context, Message) error {
		return handlerErr
	})
}

func TestRabbitMQConsumer_Settle(t *testing.T) {
	tests := []struct {
		name       string
		cfg        func(*config.RabbitMQConfig)
		handlerErr error
		publishErr error
		want       []settlement
		published  int
	}{
		{
			name: "success acks",
			want: []settlement{{tag: 42, ack: true}},
		},
		{
			name:       "reject publishes to dlx then acks",
			handlerErr: apperrors.ErrInvalidEventSchema,
			want:       []settlement{{tag: 42, ack: true}},
			published:  1,
		},
		{
			name:       "reject with failed publish nacks without requeue",
			handlerErr: apperrors.ErrUnauthorizedRecipient,
			publishErr: errors.New("channel closed"),
			want:       []settlement{{tag: 42}},
			published:  1,
		},
		{
			name:       "reject without dlx nacks without requeue",
			cfg:        func(c *config.RabbitMQConfig) { c.DLXExchange = "" },
			handlerErr: apperrors.ErrInvalidEventSchema,
			want:       []settlement{{tag: 42}},
		},
		{
			name:       "failure requeues when configured",
			cfg:        func(c *config.RabbitMQConfig) { c.RequeueOnNack = true },
			handlerErr: apperrors.ErrMailClient,
			want:       []settlement{{tag: 42, requeue: true}},
		},
		{
			name:       "failure dead-letters by default",
			handlerErr: apperrors.ErrMailClient,
			want:       []settlement{{tag: 42}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := rabbitConfig()
			if tt.cfg != nil {
				tt.cfg(&cfg)
			}
			c := NewRabbitMQConsumer(cfg, logger.NopLogger())
			pub := &fakePublisher{err: tt.publishErr}
			ack := &fakeAcknowledger{}

			err := deliver(t, c, pub, ack, tt.handlerErr)

			require.EqualError(t, err, "rabbitmq delivery channel closed")
			assert.Equal(t, tt.want, ack.settled)
			assert.Len(t, pub.calls, tt.published)
		})
	}
}

func TestRabbitMQConsumer_DeadLetterPublishing(t *testing.T) {
	c := NewRabbitMQConsumer(rabbitConfig(), logger.NopLogger())
	pub := &fakePublisher{}

	_ = deliver(t, c, pub, &fakeAcknowledger{}, apperrors.ErrInvalidEventSchema.WithDetail("message", "missing id"))

	require.Len(t, pub.calls, 1)
	call := pub.calls[0]
	assert.Equal(t, "email_events.dlx", call.exchange)
	assert.Equal(t, "email_events", call.key)
	assert.Equal(t, "m-1", call.msg.MessageId)
	assert.Equal(t, []byte(`{"id":"m-1"}`), call.msg.Body)
	assert.Equal(t, amqp.Persistent, call.msg.DeliveryMode)
	assert.Equal(t, string(VerdictReject), call.msg.Headers[constants.HeaderDLQReason])
	assert.Equal(t, apperrors.ErrInvalidEventSchema.Code, call.msg.Headers[constants.HeaderErrorCode])
}

func TestRabbitMQConsumer_AckFailureStopsConsumer(t *testing.T) {
	c := NewRabbitMQConsumer(rabbitConfig(), logger.NopLogger())
	ack := &fakeAcknowledger{err: amqp.ErrClosed}

	err := deliver(t, c, &fakePublisher{}, ack, nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, amqp.ErrClosed)
	assert.Contains(t, err.Error(), "failed to ack message")
}

func TestRabbitMQConsumer_ChannelClosedAfterCancel(t *testing.T) {
	c := NewRabbitMQConsumer(rabbitConfig(), logger.NopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	deliveries := make(chan amqp.Delivery)
	close(deliveries)

	err := c.run(ctx, &fakePublisher{}, deliveries, func(context.Context, Message) error {
		t.Fatal("handler called after cancel")
		return nil
	})
	assert.NoError(t, err)
}
