package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"ewsdispatch/internal/config"
	"ewsdispatch/internal/constants"
	"ewsdispatch/internal/logger"
	"ewsdispatch/pkg/logging"
	"ewsdispatch/pkg/metrics"
	"ewsdispatch/pkg/retry"
	"ewsdispatch/pkg/tracing"
)

type KafkaProducer struct {
	writer *kafka.Writer
	logger logger.Logger
}

func NewKafkaProducer(cfg config.KafkaConfig, log logger.Logger) *KafkaProducer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: constants.KafkaBatchTimeout,
		WriteTimeout: constants.KafkaWriteTimeout,
		Async:        false,
	}
	return &KafkaProducer{writer: w, logger: log}
}

func (p *KafkaProducer) Publish(ctx context.Context, topic string, msg Message) error {
	headers := tracing.InjectHeaders(ctx, msg.Headers)

	err := p.writer.WriteMessages(ctx,
		kafka.Message{
			Topic:   topic,
			Key:     []byte(msg.ID),
			Value:   msg.Body,
			Headers: toKafkaHeaders(headers),
			Time:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to write kafka message: %w", err)
	}
	return nil
}

func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}

// KafkaConsumer reads the input topic one message at a time. Offsets are
// committed only once a message is acknowledged or parked on the DLQ, so a
// crash in between redelivers it.
type KafkaConsumer struct {
	cfg         config.KafkaConfig
	mu          sync.Mutex
	reader      *kafka.Reader
	logger      logger.Logger
	dlqProducer Producer
	dlqRetry    retry.Policy
	serviceName string
}

func NewKafkaConsumer(cfg config.KafkaConfig, log logger.Logger) *KafkaConsumer {
	return &KafkaConsumer{
		cfg:         cfg,
		logger:      log,
		dlqProducer: NewKafkaProducer(cfg, log),
		dlqRetry:    retry.DefaultPolicy(),
		serviceName: "unknown",
	}
}

func (c *KafkaConsumer) SetServiceName(name string) {
	c.serviceName = name
}

func (c *KafkaConsumer) Consume(ctx context.Context, handler HandlerFunc) error {
	topic := c.cfg.InputTopic
	c.logger.Infow("Creating Kafka reader",
		"topic", topic,
		"brokers", c.cfg.Brokers,
		"group_id", c.cfg.GroupID,
		"service_name", c.serviceName,
	)

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  c.cfg.Brokers,
		GroupID:  c.cfg.GroupID,
		Topic:    topic,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	c.mu.Lock()
	c.reader = reader
	c.mu.Unlock()

	consumeCtx := logging.WithServiceName(ctx, c.serviceName)
	c.logger.InfowCtx(consumeCtx, "Started consuming", "topic", topic)

	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.InfowCtx(consumeCtx, "Stopped consuming",
					"topic", topic,
					"reason", "context canceled",
				)
				return nil
			}
			c.logger.ErrorwCtx(consumeCtx, "Error fetching kafka message",
				"error", err,
				"topic", topic,
			)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		msg := Message{
			ID:      fmt.Sprintf("%s/%d/%d", m.Topic, m.Partition, m.Offset),
			Body:    m.Value,
			Headers: fromKafkaHeaders(m.Headers),
			Source:  m.Topic,
		}

		err = process(ctx, c.logger, constants.BrokerKafka, c.serviceName, msg, handler,
			func(ctx context.Context, verdict Verdict, herr error) error {
				if verdict != VerdictAck {
					if err := c.sendToDLQ(ctx, msg, verdict, herr); err != nil {
						return err
					}
				}
				if err := reader.CommitMessages(ctx, m); err != nil {
					c.logger.ErrorwCtx(ctx, "Failed to commit message",
						"error", err,
						"topic", topic,
					)
				}
				return nil
			})
		if err != nil {
			// The offset stays uncommitted; the group rebalance redelivers it.
			return err
		}
	}
}

func (c *KafkaConsumer) Close() error {
	var err error
	c.mu.Lock()
	if c.reader != nil {
		err = c.reader.Close()
	}
	c.mu.Unlock()
	if closeErr := c.dlqProducer.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

func (c *KafkaConsumer) sendToDLQ(ctx context.Context, msg Message, verdict Verdict, cause error) error {
	parked := Message{
		ID:      msg.ID,
		Body:    msg.Body,
		Headers: deadLetterHeaders(msg, verdict, cause),
		Source:  msg.Source,
	}

	err := retry.Retry(ctx, c.dlqRetry, func() error {
		return c.dlqProducer.Publish(ctx, c.cfg.DLQTopic, parked)
	})
	if err != nil {
		c.logger.ErrorwCtx(ctx, "Failed to send message to DLQ",
			"error", err,
			"dlq_topic", c.cfg.DLQTopic,
		)
		return fmt.Errorf("failed to publish to DLQ: %w", err)
	}

	metrics.IncDLQMessage(constants.BrokerKafka, string(verdict))
	c.logger.InfowCtx(ctx, "Message sent to DLQ",
		"source_topic", msg.Source,
		"dlq_topic", c.cfg.DLQTopic,
		"reason", cause.Error(),
	)
	return nil
}

func toKafkaHeaders(headers map[string]string) []kafka.Header {
	out := make([]kafka.Header, 0, len(headers))
	for k, v := range headers {
		out = append(out, kafka.Header{Key: k, Value: []byte(v)})
	}
	return out
}

func fromKafkaHeaders(headers []kafka.Header) map[string]string {
	out := make(map[string]string, len(headers))
	for _, h := range headers {
		out[h.Key] = string(h.Value)
	}
	return out
}
