package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"ewsdispatch/internal/identity"
	apperrors "ewsdispatch/pkg/errors"
)

// LoadConfig reads configFile (optional) and the environment, decodes the
// sender mapping and validates the result. Every failure is a
// CONFIGURATION_ERROR.
func LoadConfig(configFile string) (*Config, error) {
	cfg, err := load(configFile)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrConfiguration)
	}
	return cfg, nil
}

func load(configFile string) (*Config, error) {
	viper.Reset()

	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()
	bindEnvVariables()

	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	mapping, err := loadSenderMapping(cfg.Mail)
	if err != nil {
		return nil, err
	}
	cfg.Mail.SenderMapping = mapping

	if err := ValidateStatic(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", 15*time.Second)
	viper.SetDefault("server.write_timeout", 15*time.Second)

	viper.SetDefault("broker.type", "kafka")
	viper.SetDefault("broker.kafka.group_id", "ews-dispatcher")
	viper.SetDefault("broker.kafka.input_topic", "email_events")
	viper.SetDefault("broker.kafka.dlq_topic", "email_events_dlq")
	viper.SetDefault("broker.rabbitmq.queue", "email_events")
	viper.SetDefault("broker.rabbitmq.dlx_exchange", "email_events.dlx")
	viper.SetDefault("broker.rabbitmq.dlq_queue", "email_events.dlq")
	viper.SetDefault("broker.rabbitmq.prefetch", 1)
	viper.SetDefault("broker.rabbitmq.requeue_on_nack", true)
	viper.SetDefault("broker.push.path", "/push")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")

	viper.SetDefault("mail.hardcoded_recipients", true)
	viper.SetDefault("mail.needs_pdfs", true)
	viper.SetDefault("mail.reply.template_dir", "templates")

	viper.SetDefault("exchange.version", "Exchange2013_SP1")
	viper.SetDefault("exchange.auth", "basic")
	viper.SetDefault("exchange.scope", "https://outlook.office365.com/.default")
	viper.SetDefault("exchange.timeout", 30*time.Second)

	viper.SetDefault("secrets.backend", "env")
	viper.SetDefault("blob.backend", "s3")

	viper.SetDefault("dispatch.timeout", 2*time.Minute)
	viper.SetDefault("dispatch.retry.max_attempts", 3)
	viper.SetDefault("dispatch.retry.initial_interval", 500*time.Millisecond)
	viper.SetDefault("dispatch.retry.max_interval", 10*time.Second)
	viper.SetDefault("dispatch.retry.multiplier", 2.0)
	viper.SetDefault("mail.reply.retry.max_attempts", 1)
	viper.SetDefault("mail.reply.retry.initial_interval", 500*time.Millisecond)
	viper.SetDefault("mail.reply.retry.max_interval", 5*time.Second)
	viper.SetDefault("mail.reply.retry.multiplier", 2.0)

	viper.SetDefault("deduplication.ttl_seconds", 86400)
	viper.SetDefault("deduplication.on_redis_error", "allow")
	viper.SetDefault("deduplication.key_prefix", "sent:")
	viper.SetDefault("redis.port", 6379)

	viper.SetDefault("circuit_breaker.max_requests", 1)
	viper.SetDefault("circuit_breaker.interval", time.Minute)
	viper.SetDefault("circuit_breaker.timeout", 30*time.Second)
	viper.SetDefault("circuit_breaker.failure_ratio", 0.6)
	viper.SetDefault("circuit_breaker.min_requests", 5)

	viper.SetDefault("rate_limit.rps", 2.0)
	viper.SetDefault("rate_limit.burst", 5)
	viper.SetDefault("rate_limit.cleanup_interval", 10*time.Minute)
	viper.SetDefault("rate_limit.max_age", time.Hour)

	viper.SetDefault("tracing.service_name", "ews-dispatcher")
	viper.SetDefault("tracing.sampler.type", "always_on")
}

func bindEnvVariables() {
	viper.BindEnv("project_id", "PROJECT_ID")

	viper.BindEnv("mail.sender_receiver_mapping", "EMAILS_SENDER_RECEIVER_MAPPING")
	viper.BindEnv("mail.mapping_file", "MAIL_MAPPING_FILE")
	viper.BindEnv("mail.hardcoded_recipients", "HARDCODED_RECIPIENTS")
	viper.BindEnv("mail.needs_pdfs", "NEEDS_PDFS")
	viper.BindEnv("mail.merge_pdf", "MERGE_PDF")
	viper.BindEnv("mail.pdf_only", "PDF_ONLY")
	viper.BindEnv("mail.skip_send_without_pdfs", "SKIP_SEND_WITHOUT_PDFS")
	viper.BindEnv("mail.reply.enabled", "SEND_REPLIES")
	viper.BindEnv("mail.reply.reply_to", "REPLY_TO_EMAIL_ADDRESS")
	viper.BindEnv("mail.reply.ignore_subjects", "IGNORE_REPLY_SUBJECTS")
	viper.BindEnv("mail.reply.ignore_senders", "IGNORE_REPLY_SENDERS")
	viper.BindEnv("mail.reply.template_dir", "REPLY_TEMPLATE_DIR")
	viper.BindEnv("mail.reply.service_account", "EMAIL_ADDRESS")
	viper.BindEnv("mail.reply.service_secret_id", "SECRET_ID")

	viper.BindEnv("exchange.url", "EXCHANGE_URL")
	viper.BindEnv("exchange.version", "EXCHANGE_VERSION")
	viper.BindEnv("exchange.auth", "EXCHANGE_AUTH")
	viper.BindEnv("exchange.tenant_id", "EXCHANGE_TENANT_ID")
	viper.BindEnv("exchange.client_id", "EXCHANGE_CLIENT_ID")

	viper.BindEnv("secrets.backend", "SECRETS_BACKEND")
	viper.BindEnv("secrets.region", "SECRETS_REGION")
	viper.BindEnv("secrets.keyring_password", "SECRETS_KEYRING_PASSWORD")

	viper.BindEnv("blob.backend", "BLOB_BACKEND")
	viper.BindEnv("blob.root", "BLOB_ROOT")
	viper.BindEnv("blob.region", "BLOB_REGION")
	viper.BindEnv("blob.endpoint", "BLOB_ENDPOINT")

	viper.BindEnv("broker.type", "BROKER_TYPE")
	viper.BindEnv("broker.kafka.brokers", "BROKER_KAFKA_BROKERS")
	viper.BindEnv("broker.kafka.group_id", "BROKER_KAFKA_GROUP_ID")
	viper.BindEnv("broker.kafka.input_topic", "BROKER_KAFKA_INPUT_TOPIC")
	viper.BindEnv("broker.kafka.dlq_topic", "BROKER_KAFKA_DLQ_TOPIC")
	viper.BindEnv("broker.rabbitmq.url", "BROKER_RABBITMQ_URL")
	viper.BindEnv("broker.rabbitmq.queue", "BROKER_RABBITMQ_QUEUE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")

	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("dispatch.timeout", "DISPATCH_TIMEOUT")

	viper.BindEnv("logging.level", "LOGGING_LEVEL")
	viper.BindEnv("logging.format", "LOGGING_FORMAT")

	viper.BindEnv("tracing.otlp.endpoint", "TRACING_OTLP_ENDPOINT")
	viper.BindEnv("tracing.otlp.insecure", "TRACING_OTLP_INSECURE")
	viper.BindEnv("tracing.enabled", "TRACING_ENABLED")
	viper.BindEnv("tracing.service_name", "TRACING_SERVICE_NAME")
}

func applyEnvOverrides(cfg *Config) error {
	if brokers := splitList(os.Getenv("BROKER_KAFKA_BROKERS")); len(brokers) > 0 {
		cfg.Broker.Kafka.Brokers = brokers
	}

	if raw, ok := os.LookupEnv("IGNORE_REPLY_SUBJECTS"); ok {
		list, err := parseList("IGNORE_REPLY_SUBJECTS", raw)
		if err != nil {
			return err
		}
		cfg.Mail.Reply.IgnoreSubjects = list
	}

	if raw, ok := os.LookupEnv("IGNORE_REPLY_SENDERS"); ok {
		list, err := parseList("IGNORE_REPLY_SENDERS", raw)
		if err != nil {
			return err
		}
		cfg.Mail.Reply.IgnoreSenders = list
	}

	return nil
}

// parseList accepts either a JSON array or a comma separated list.
func parseList(name, raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "[") {
		var list []string
		if err := yaml.Unmarshal([]byte(raw), &list); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		return list, nil
	}
	return splitList(raw), nil
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// loadSenderMapping decodes the mapping from the inline JSON value or the
// mapping file. The inline value wins when both are set.
func loadSenderMapping(cfg MailConfig) (map[string]identity.SenderRecord, error) {
	var data []byte
	source := "EMAILS_SENDER_RECEIVER_MAPPING"

	switch {
	case strings.TrimSpace(cfg.MappingJSON) != "":
		data = []byte(cfg.MappingJSON)
	case cfg.MappingFile != "":
		raw, err := os.ReadFile(cfg.MappingFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read mapping file %s: %w", cfg.MappingFile, err)
		}
		data = raw
		source = cfg.MappingFile
	default:
		return nil, &ValidationError{
			Field:   "mail.sender_receiver_mapping",
			Message: "EMAILS_SENDER_RECEIVER_MAPPING or mail.mapping_file is required",
		}
	}

	var mapping map[string]identity.SenderRecord
	if err := yaml.Unmarshal(data, &mapping); err != nil {
		return nil, fmt.Errorf("failed to decode sender mapping from %s: %w", source, err)
	}
	return mapping, nil
}
