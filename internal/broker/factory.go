package broker

import (
	"fmt"

	"ewsdispatch/internal/config"
	"ewsdispatch/internal/constants"
	"ewsdispatch/internal/logger"
)

func NewConsumer(cfg config.BrokerConfig, log logger.Logger) (Consumer, error) {
	switch cfg.Type {
	case constants.BrokerKafka:
		return NewKafkaConsumer(cfg.Kafka, log), nil
	case constants.BrokerRabbitMQ:
		return NewRabbitMQConsumer(cfg.RabbitMQ, log), nil
	case constants.BrokerPush:
		return NewPushConsumer(cfg.Push, log), nil
	default:
		return nil, fmt.Errorf("unknown broker type: %s", cfg.Type)
	}
}
