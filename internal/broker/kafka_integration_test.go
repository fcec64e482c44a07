package broker

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	kafkamodule "github.com/testcontainers/testcontainers-go/modules/kafka"

	"ewsdispatch/internal/config"
	"ewsdispatch/internal/constants"
	"ewsdispatch/internal/logger"
	apperrors "ewsdispatch/pkg/errors"
)

func setupKafka(t *testing.T, topics ...string) []string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping kafka container test in short mode")
	}

	ctx := context.Background()
	container, err := kafkamodule.Run(ctx, "confluentinc/confluent-local:7.5.0", kafkamodule.WithClusterID("ews-dispatch"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = container.Terminate(ctx)
	})

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)

	conn, err := kafka.DialContext(ctx, "tcp", brokers[0])
	require.NoError(t, err)
	defer conn.Close()
	controller, err := conn.Controller()
	require.NoError(t, err)
	ctrl, err := kafka.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	require.NoError(t, err)
	defer ctrl.Close()

	configs := make([]kafka.TopicConfig, 0, len(topics))
	for _, topic := range topics {
		configs = append(configs, kafka.TopicConfig{Topic: topic, NumPartitions: 1, ReplicationFactor: 1})
	}
	require.NoError(t, ctrl.CreateTopics(configs...))
	return brokers
}

func TestKafkaConsumer_AckAndDeadLetter(t *testing.T) {
	cfg := config.KafkaConfig{
		GroupID:    "ews-dispatcher-test",
		InputTopic: "email-events",
		DLQTopic:   "email-events-dlq",
	}
	cfg.Brokers = setupKafka(t, cfg.InputTopic, cfg.DLQTopic)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	producer := NewKafkaProducer(cfg, logger.NopLogger())
	defer producer.Close()
	require.NoError(t, producer.Publish(ctx, cfg.InputTopic, Message{ID: "1", Body: []byte("ok")}))
	require.NoError(t, producer.Publish(ctx, cfg.InputTopic, Message{ID: "2", Body: []byte("bad")}))

	var (
		mu   sync.Mutex
		seen []string
	)
	consumer := NewKafkaConsumer(cfg, logger.NopLogger())
	consumer.SetServiceName("ews-dispatcher-test")
	consumeCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- consumer.Consume(consumeCtx, func(ctx context.Context, msg Message) error {
			mu.Lock()
			seen = append(seen, string(msg.Body))
			mu.Unlock()
			if string(msg.Body) == "bad" {
				return apperrors.ErrInvalidEventSchema
			}
			return nil
		})
	}()

	dlq := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   cfg.Brokers,
		Topic:     cfg.DLQTopic,
		Partition: 0,
	})
	defer dlq.Close()

	parked, err := dlq.ReadMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "bad", string(parked.Value))

	headers := fromKafkaHeaders(parked.Headers)
	assert.Equal(t, string(VerdictReject), headers[constants.HeaderDLQReason])
	assert.Equal(t, apperrors.ErrInvalidEventSchema.Code, headers[constants.HeaderErrorCode])

	stop()
	require.NoError(t, <-done)
	require.NoError(t, consumer.Close())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"ok", "bad"}, seen)
}
