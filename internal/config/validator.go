package config

import (
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"strings"

	"ewsdispatch/internal/identity"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

func ValidateStatic(cfg *Config) error {
	var errs []error

	validators := []func(*Config) error{
		func(c *Config) error { return validateServer(c.Server) },
		func(c *Config) error { return validateBroker(c.Broker) },
		func(c *Config) error { return validateMail(c.Mail) },
		func(c *Config) error { return validateExchange(c.Exchange) },
		validateSecrets,
		func(c *Config) error { return validateBlob(c.Blob) },
		func(c *Config) error { return validateDispatch(c.Dispatch) },
		func(c *Config) error { return validateDeduplication(c.Deduplication, c.Redis) },
	}
	for _, v := range validators {
		if err := v(cfg); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func validateServer(cfg ServerConfig) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}
	return nil
}

func validateBroker(cfg BrokerConfig) error {
	switch cfg.Type {
	case "kafka":
		return validateKafka(cfg.Kafka)
	case "rabbitmq":
		return validateRabbitMQ(cfg.RabbitMQ)
	case "push":
		if !strings.HasPrefix(cfg.Push.Path, "/") {
			return &ValidationError{Field: "broker.push.path", Message: "path must start with /"}
		}
		return nil
	case "":
		return &ValidationError{Field: "broker.type", Message: "broker type is required"}
	default:
		return &ValidationError{
			Field:   "broker.type",
			Message: fmt.Sprintf("unknown broker type: %s (supported: kafka, rabbitmq, push)", cfg.Type),
		}
	}
}

func validateKafka(cfg KafkaConfig) error {
	if len(cfg.Brokers) == 0 {
		return &ValidationError{
			Field:   "broker.kafka.brokers",
			Message: "at least one Kafka broker is required",
		}
	}

	for i, broker := range cfg.Brokers {
		if broker == "" {
			return &ValidationError{
				Field:   fmt.Sprintf("broker.kafka.brokers[%d]", i),
				Message: "broker address cannot be empty",
			}
		}
	}

	if cfg.GroupID == "" {
		return &ValidationError{Field: "broker.kafka.group_id", Message: "Kafka consumer group ID is required"}
	}
	if cfg.InputTopic == "" {
		return &ValidationError{Field: "broker.kafka.input_topic", Message: "input topic is required"}
	}
	// Failed events are parked on the DLQ before the offset is committed.
	if cfg.DLQTopic == "" {
		return &ValidationError{Field: "broker.kafka.dlq_topic", Message: "DLQ topic is required"}
	}

	return nil
}

func validateRabbitMQ(cfg RabbitMQConfig) error {
	if cfg.URL == "" {
		return &ValidationError{Field: "broker.rabbitmq.url", Message: "RabbitMQ URL is required"}
	}
	if !strings.HasPrefix(cfg.URL, "amqp://") && !strings.HasPrefix(cfg.URL, "amqps://") {
		return &ValidationError{Field: "broker.rabbitmq.url", Message: "URL must start with amqp:// or amqps://"}
	}
	if cfg.Queue == "" {
		return &ValidationError{Field: "broker.rabbitmq.queue", Message: "queue is required"}
	}
	if cfg.Prefetch < 0 {
		return &ValidationError{Field: "broker.rabbitmq.prefetch", Message: "prefetch must be non-negative"}
	}
	return nil
}

func validateMail(cfg MailConfig) error {
	if _, err := identity.NewPolicy(cfg.HardcodedRecipients, cfg.SenderMapping); err != nil {
		return &ValidationError{Field: "mail.sender_receiver_mapping", Message: err.Error()}
	}

	if cfg.Reply.Enabled {
		if _, err := mail.ParseAddress(cfg.Reply.ReplyTo); err != nil {
			return &ValidationError{
				Field:   "mail.reply.reply_to",
				Message: "REPLY_TO_EMAIL_ADDRESS must be a valid address when replies are enabled",
			}
		}
		if cfg.Reply.TemplateDir == "" {
			return &ValidationError{Field: "mail.reply.template_dir", Message: "template directory is required when replies are enabled"}
		}
		if cfg.Reply.ServiceAccount == "" || cfg.Reply.ServiceSecret == "" {
			return &ValidationError{
				Field:   "mail.reply.service_account",
				Message: "EMAIL_ADDRESS and SECRET_ID are required when replies are enabled",
			}
		}
		if err := validateRetry("mail.reply.retry", cfg.Reply.Retry); err != nil {
			return err
		}
		for i, rule := range cfg.Reply.Templates {
			if rule.Template == "" || rule.Expression == "" {
				return &ValidationError{
					Field:   fmt.Sprintf("mail.reply.templates[%d]", i),
					Message: "template and expression are required",
				}
			}
		}
	}

	if cfg.SkipSendWithoutPDFs && !cfg.NeedsPDFs {
		return &ValidationError{
			Field:   "mail.skip_send_without_pdfs",
			Message: "requires NEEDS_PDFS",
		}
	}

	return nil
}

func validateExchange(cfg ExchangeConfig) error {
	u, err := url.Parse(cfg.URL)
	if cfg.URL == "" || err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return &ValidationError{Field: "exchange.url", Message: "EXCHANGE_URL must be an absolute http(s) URL"}
	}

	switch cfg.Auth {
	case "basic":
	case "oauth2":
		if cfg.TenantID == "" && cfg.TokenURL == "" {
			return &ValidationError{Field: "exchange.tenant_id", Message: "tenant_id or token_url is required for oauth2"}
		}
		if cfg.ClientID == "" {
			return &ValidationError{Field: "exchange.client_id", Message: "client_id is required for oauth2"}
		}
	default:
		return &ValidationError{
			Field:   "exchange.auth",
			Message: fmt.Sprintf("unknown auth: %s (supported: basic, oauth2)", cfg.Auth),
		}
	}

	if cfg.Timeout <= 0 {
		return &ValidationError{Field: "exchange.timeout", Message: "timeout must be positive"}
	}
	return nil
}

func validateSecrets(cfg *Config) error {
	switch cfg.Secrets.Backend {
	case "env":
	case "keyring":
		if cfg.ProjectID == "" {
			return &ValidationError{Field: "project_id", Message: "PROJECT_ID names the keyring service and is required"}
		}
	case "aws":
		if cfg.Secrets.Region == "" {
			return &ValidationError{Field: "secrets.region", Message: "region is required for the aws backend"}
		}
	default:
		return &ValidationError{
			Field:   "secrets.backend",
			Message: fmt.Sprintf("unknown backend: %s (supported: env, keyring, aws)", cfg.Secrets.Backend),
		}
	}
	return nil
}

func validateBlob(cfg BlobConfig) error {
	switch cfg.Backend {
	case "s3":
		if cfg.Region == "" {
			return &ValidationError{Field: "blob.region", Message: "region is required for the s3 backend"}
		}
	case "file":
		if cfg.Root == "" {
			return &ValidationError{Field: "blob.root", Message: "root directory is required for the file backend"}
		}
	default:
		return &ValidationError{
			Field:   "blob.backend",
			Message: fmt.Sprintf("unknown backend: %s (supported: s3, file)", cfg.Backend),
		}
	}
	return nil
}

func validateDispatch(cfg DispatchConfig) error {
	if cfg.Timeout <= 0 {
		return &ValidationError{Field: "dispatch.timeout", Message: "timeout must be positive"}
	}
	return validateRetry("dispatch.retry", cfg.Retry)
}

func validateRetry(prefix string, cfg RetryConfig) error {
	if cfg.MaxAttempts < 1 {
		return &ValidationError{Field: prefix + ".max_attempts", Message: "max_attempts must be at least 1"}
	}
	if cfg.InitialInterval < 0 {
		return &ValidationError{Field: prefix + ".initial_interval", Message: "initial_interval must be non-negative"}
	}
	if cfg.MaxInterval > 0 && cfg.InitialInterval > 0 && cfg.MaxInterval < cfg.InitialInterval {
		return &ValidationError{
			Field:   prefix + ".max_interval",
			Message: "max_interval must be greater than or equal to initial_interval",
		}
	}
	if cfg.Multiplier <= 0 {
		return &ValidationError{Field: prefix + ".multiplier", Message: "multiplier must be positive"}
	}
	return nil
}

func validateDeduplication(cfg DeduplicationConfig, redis RedisConfig) error {
	if !cfg.Enabled {
		return nil
	}

	if redis.Host == "" {
		return &ValidationError{Field: "redis.host", Message: "Redis host is required when deduplication is enabled"}
	}
	if redis.Port < 1 || redis.Port > 65535 {
		return &ValidationError{
			Field:   "redis.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", redis.Port),
		}
	}
	if cfg.TTLSeconds <= 0 {
		return &ValidationError{Field: "deduplication.ttl_seconds", Message: "TTL must be positive"}
	}

	switch strings.ToLower(cfg.OnRedisError) {
	case "allow", "fail":
	default:
		return &ValidationError{
			Field:   "deduplication.on_redis_error",
			Message: fmt.Sprintf("invalid on_redis_error value: %s (valid: allow, fail)", cfg.OnRedisError),
		}
	}
	return nil
}
