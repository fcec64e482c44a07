package config

import (
	"time"

	"ewsdispatch/internal/identity"
)

type Config struct {
	ProjectID      string               `mapstructure:"project_id"`
	Server         ServerConfig         `mapstructure:"server"`
	Broker         BrokerConfig         `mapstructure:"broker"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	Mail           MailConfig           `mapstructure:"mail"`
	Exchange       ExchangeConfig       `mapstructure:"exchange"`
	Secrets        SecretsConfig        `mapstructure:"secrets"`
	Blob           BlobConfig           `mapstructure:"blob"`
	Dispatch       DispatchConfig       `mapstructure:"dispatch"`
	Deduplication  DeduplicationConfig  `mapstructure:"deduplication"`
	Redis          RedisConfig          `mapstructure:"redis"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	RateLimit      RateLimitConfig      `mapstructure:"rate_limit"`
	Tracing        TracingConfig        `mapstructure:"tracing"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type BrokerConfig struct {
	Type     string         `mapstructure:"type"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
	Push     PushConfig     `mapstructure:"push"`
}

type KafkaConfig struct {
	Brokers    []string `mapstructure:"brokers"`
	GroupID    string   `mapstructure:"group_id"`
	InputTopic string   `mapstructure:"input_topic"`
	DLQTopic   string   `mapstructure:"dlq_topic"`
}

type RabbitMQConfig struct {
	URL           string `mapstructure:"url"`
	Queue         string `mapstructure:"queue"`
	DLXExchange   string `mapstructure:"dlx_exchange"`
	DLQQueue      string `mapstructure:"dlq_queue"`
	Prefetch      int    `mapstructure:"prefetch"`
	RequeueOnNack bool   `mapstructure:"requeue_on_nack"`
}

// PushConfig configures the HTTP push endpoint. Messages arrive wrapped in
// a {"message":{"data":"<base64>"}} envelope. RPS limits deliveries per
// client IP; zero disables the limit.
type PushConfig struct {
	Path  string  `mapstructure:"path"`
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MailConfig struct {
	HardcodedRecipients bool   `mapstructure:"hardcoded_recipients"`
	MappingJSON         string `mapstructure:"sender_receiver_mapping"`
	MappingFile         string `mapstructure:"mapping_file"`

	NeedsPDFs           bool `mapstructure:"needs_pdfs"`
	PDFOnly             bool `mapstructure:"pdf_only"`
	MergePDF            bool `mapstructure:"merge_pdf"`
	SkipSendWithoutPDFs bool `mapstructure:"skip_send_without_pdfs"`

	Reply ReplyConfig `mapstructure:"reply"`

	// SenderMapping is decoded separately from MappingJSON/MappingFile
	// because viper folds map keys to lower case.
	SenderMapping map[string]identity.SenderRecord `mapstructure:"-"`
}

type ReplyConfig struct {
	Enabled        bool           `mapstructure:"enabled"`
	ReplyTo        string         `mapstructure:"reply_to"`
	IgnoreSubjects []string       `mapstructure:"ignore_subjects"`
	IgnoreSenders  []string       `mapstructure:"ignore_senders"`
	TemplateDir    string         `mapstructure:"template_dir"`
	Templates      []TemplateRule `mapstructure:"templates"`
	ServiceAccount string         `mapstructure:"service_account"`
	ServiceSecret  string         `mapstructure:"service_secret_id"`
	Retry          RetryConfig    `mapstructure:"retry"`
}

// TemplateRule selects Template when Expression (CEL over the event and
// pdf_count) evaluates to true. Rules are tried in order.
type TemplateRule struct {
	Template   string `mapstructure:"template"`
	Expression string `mapstructure:"expression"`
}

type ExchangeConfig struct {
	URL      string        `mapstructure:"url"`
	Version  string        `mapstructure:"version"`
	Auth     string        `mapstructure:"auth"`
	TenantID string        `mapstructure:"tenant_id"`
	ClientID string        `mapstructure:"client_id"`
	TokenURL string        `mapstructure:"token_url"`
	Scope    string        `mapstructure:"scope"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type SecretsConfig struct {
	Backend    string `mapstructure:"backend"`
	Region     string `mapstructure:"region"`
	Prefix     string `mapstructure:"prefix"`
	KeyringDir string `mapstructure:"keyring_dir"`

	// KeyringPassword unlocks the file keyring backend.
	KeyringPassword string `mapstructure:"keyring_password"`
}

type BlobConfig struct {
	Backend         string `mapstructure:"backend"`
	Root            string `mapstructure:"root"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

type DispatchConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
	Retry   RetryConfig   `mapstructure:"retry"`
}

type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time"`
}

type DeduplicationConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	TTLSeconds   int    `mapstructure:"ttl_seconds"`
	OnRedisError string `mapstructure:"on_redis_error"`
	KeyPrefix    string `mapstructure:"key_prefix"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type CircuitBreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
	MinRequests  uint32        `mapstructure:"min_requests"`
}

// RateLimitConfig throttles sends per sender account.
type RateLimitConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	RPS             float64       `mapstructure:"rps"`
	Burst           int           `mapstructure:"burst"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	MaxAge          time.Duration `mapstructure:"max_age"`
}

type TracingConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	ServiceName string        `mapstructure:"service_name"`
	OTLP        OTLPConfig    `mapstructure:"otlp"`
	Sampler     SamplerConfig `mapstructure:"sampler"`
}

type OTLPConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Insecure bool   `mapstructure:"insecure"`
}

type SamplerConfig struct {
	Type  string  `mapstructure:"type"`
	Param float64 `mapstructure:"param"`
}

func Load(configFile string) (*Config, error) {
	return LoadConfig(configFile)
}
