package constants

import "time"

const (
	KafkaBatchTimeout = 10 * time.Millisecond
	KafkaWriteTimeout = 10 * time.Second
)

const (
	ShutdownTimeout = 5 * time.Second
)

const (
	FallbackAllow = "allow"
	FallbackFail  = "fail"
)

// Sent-log entry kinds. The primary message and the reply are tracked
// separately so a redelivery resumes where the previous attempt stopped.
const (
	SentKindPrimary = "primary"
	SentKindReply   = "reply"
)

const (
	BrokerKafka    = "kafka"
	BrokerRabbitMQ = "rabbitmq"
	BrokerPush     = "push"
)

// Headers carried on dead-lettered messages.
const (
	HeaderDLQReason    = "x-dlq-reason"
	HeaderErrorCode    = "x-error-code"
	HeaderErrorMessage = "x-error-message"
	HeaderFailedAt     = "x-failed-at"
)
