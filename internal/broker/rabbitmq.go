package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"ewsdispatch/internal/config"
	"ewsdispatch/internal/constants"
	"ewsdispatch/internal/logger"
	"ewsdispatch/pkg/logging"
	"ewsdispatch/pkg/metrics"
	"ewsdispatch/pkg/tracing"
)

const consumerTag = "ews-dispatcher"

// publisher is the part of *amqp.Channel used to dead-letter rejected
// deliveries.
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// RabbitMQConsumer consumes a durable queue with manual acknowledgement.
// The queue dead-letters into DLXExchange, which routes to DLQQueue.
// Rejected events are published there with the failure headers and then
// acked; failed events are nacked and either requeued or dead-lettered by
// the broker, depending on RequeueOnNack.
type RabbitMQConsumer struct {
	cfg         config.RabbitMQConfig
	logger      logger.Logger
	serviceName string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewRabbitMQConsumer(cfg config.RabbitMQConfig, log logger.Logger) *RabbitMQConsumer {
	return &RabbitMQConsumer{cfg: cfg, logger: log, serviceName: "unknown"}
}

func (c *RabbitMQConsumer) SetServiceName(name string) {
	c.serviceName = name
}

func (c *RabbitMQConsumer) connect() (*amqp.Channel, error) {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := c.declare(ch); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	prefetch := c.cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to set prefetch: %w", err)
	}

	c.mu.Lock()
	c.conn, c.ch = conn, ch
	c.mu.Unlock()
	return ch, nil
}

func (c *RabbitMQConsumer) declare(ch *amqp.Channel) error {
	var args amqp.Table
	if c.cfg.DLXExchange != "" {
		err := ch.ExchangeDeclare(
			c.cfg.DLXExchange,
			"direct",
			true,  // durable
			false, // auto-deleted
			false, // internal
			false, // no-wait
			nil,
		)
		if err != nil {
			return fmt.Errorf("failed to declare dead letter exchange: %w", err)
		}

		if c.cfg.DLQQueue != "" {
			q, err := ch.QueueDeclare(c.cfg.DLQQueue, true, false, false, false, nil)
			if err != nil {
				return fmt.Errorf("failed to declare DLQ queue: %w", err)
			}
			if err := ch.QueueBind(q.Name, c.cfg.Queue, c.cfg.DLXExchange, false, nil); err != nil {
				return fmt.Errorf("failed to bind DLQ queue: %w", err)
			}
		}

		args = amqp.Table{
			"x-dead-letter-exchange":    c.cfg.DLXExchange,
			"x-dead-letter-routing-key": c.cfg.Queue,
		}
	}

	if _, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	return nil
}

func (c *RabbitMQConsumer) Consume(ctx context.Context, handler HandlerFunc) error {
	ch, err := c.connect()
	if err != nil {
		return err
	}

	deliveries, err := ch.ConsumeWithContext(ctx,
		c.cfg.Queue,
		consumerTag,
		false, // manual ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	return c.run(ctx, ch, deliveries, handler)
}

// run handles deliveries until ctx is done or the channel closes. A
// channel closed while ctx is still live means the connection was lost.
func (c *RabbitMQConsumer) run(ctx context.Context, pub publisher, deliveries <-chan amqp.Delivery, handler HandlerFunc) error {
	consumeCtx := logging.WithServiceName(ctx, c.serviceName)
	c.logger.InfowCtx(consumeCtx, "Started consuming",
		"queue", c.cfg.Queue,
		"dlx_exchange", c.cfg.DLXExchange,
	)

	for {
		select {
		case <-ctx.Done():
			c.logger.InfowCtx(consumeCtx, "Stopped consuming", "queue", c.cfg.Queue, "reason", "context canceled")
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("rabbitmq delivery channel closed")
			}

			msg := Message{
				ID:      deliveryID(d),
				Body:    d.Body,
				Headers: fromAMQPTable(d.Headers),
				Source:  c.cfg.Queue,
			}
			err := process(ctx, c.logger, constants.BrokerRabbitMQ, c.serviceName, msg, handler,
				func(ctx context.Context, verdict Verdict, herr error) error {
					return c.settle(ctx, pub, d, msg, verdict, herr)
				})
			if err != nil {
				return err
			}
		}
	}
}

func (c *RabbitMQConsumer) settle(ctx context.Context, pub publisher, d amqp.Delivery, msg Message, verdict Verdict, cause error) error {
	switch verdict {
	case VerdictAck:
		if err := d.Ack(false); err != nil {
			return fmt.Errorf("failed to ack message: %w", err)
		}
	case VerdictReject:
		if err := c.publishDeadLetter(ctx, pub, msg, verdict, cause); err != nil {
			c.logger.ErrorwCtx(ctx, "Failed to publish rejected message, dead-lettering without headers", "error", err)
			if err := d.Nack(false, false); err != nil {
				return fmt.Errorf("failed to nack message: %w", err)
			}
			return nil
		}
		metrics.IncDLQMessage(constants.BrokerRabbitMQ, string(verdict))
		if err := d.Ack(false); err != nil {
			return fmt.Errorf("failed to ack message: %w", err)
		}
	default:
		requeue := c.cfg.RequeueOnNack
		if !requeue {
			metrics.IncDLQMessage(constants.BrokerRabbitMQ, string(verdict))
		}
		if err := d.Nack(false, requeue); err != nil {
			return fmt.Errorf("failed to nack message: %w", err)
		}
		c.logger.WarnwCtx(ctx, "Message nacked", "requeue", requeue)
	}
	return nil
}

func (c *RabbitMQConsumer) publishDeadLetter(ctx context.Context, pub publisher, msg Message, verdict Verdict, cause error) error {
	if c.cfg.DLXExchange == "" {
		return errors.New("no dead letter exchange configured")
	}

	headers := tracing.InjectHeaders(ctx, deadLetterHeaders(msg, verdict, cause))
	table := make(amqp.Table, len(headers))
	for k, v := range headers {
		table[k] = v
	}

	return pub.PublishWithContext(ctx,
		c.cfg.DLXExchange,
		c.cfg.Queue,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         msg.Body,
			DeliveryMode: amqp.Persistent,
			Headers:      table,
			MessageId:    msg.ID,
			Timestamp:    time.Now(),
		},
	)
}

func (c *RabbitMQConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	if c.ch != nil {
		err = c.ch.Close()
	}
	if c.conn != nil {
		if closeErr := c.conn.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	return err
}

func deliveryID(d amqp.Delivery) string {
	if d.MessageId != "" {
		return d.MessageId
	}
	return fmt.Sprintf("%s/%d", d.RoutingKey, d.DeliveryTag)
}

func fromAMQPTable(table amqp.Table) map[string]string {
	out := make(map[string]string, len(table))
	for k, v := range table {
		switch val := v.(type) {
		case string:
			out[k] = val
		case []byte:
			out[k] = string(val)
		}
	}
	return out
}
