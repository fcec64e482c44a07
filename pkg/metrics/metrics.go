package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_events_total",
			Help: "Total number of email events processed, by outcome and last stage reached (count)",
		},
		[]string{"outcome", "stage"},
	)

	EventDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_event_duration_ms",
			Help:    "End-to-end processing duration of one email event in milliseconds",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000, 120000},
		},
		[]string{"outcome"},
	)

	MailSendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mail_sends_total",
			Help: "Total number of EWS send attempts (count)",
		},
		[]string{"kind", "status"},
	)

	MailSendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mail_send_duration_ms",
			Help:    "Duration of EWS CreateItem calls in milliseconds",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		},
		[]string{"kind"},
	)

	RepliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reply_decisions_total",
			Help: "Total number of reply decisions, by decision (count)",
		},
		[]string{"decision"},
	)

	AttachmentsFetchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attachments_fetched_total",
			Help: "Total number of attachment fetches from blob storage (count)",
		},
		[]string{"backend", "status"},
	)

	AttachmentSizeBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "attachment_size_bytes",
			Help:    "Size of fetched attachments in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 9),
		},
	)

	PDFMergesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pdf_merges_total",
			Help: "Total number of PDF merge operations (count)",
		},
		[]string{"status"},
	)

	SecretLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "secret_lookups_total",
			Help: "Total number of secret store lookups (count)",
		},
		[]string{"backend", "status"},
	)

	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_attempts_total",
			Help: "Total number of retry attempts (count)",
		},
		[]string{"stage"},
	)

	DLQMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_messages_total",
			Help: "Total number of messages sent to DLQ (count)",
		},
		[]string{"broker", "reason"},
	)

	BrokerMessagesReadTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_messages_read_total",
			Help: "Total number of messages read from the broker (count)",
		},
		[]string{"broker", "source"},
	)

	BrokerMessageSizeBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "broker_message_size_bytes",
			Help:    "Size of broker messages in bytes",
			Buckets: []float64{100, 500, 1000, 5000, 10000, 50000, 100000, 500000},
		},
		[]string{"broker"},
	)

	BrokerAcksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_acks_total",
			Help: "Total number of acknowledgement decisions returned to the broker (count)",
		},
		[]string{"broker", "result"},
	)

	SentLogTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sent_log_checks_total",
			Help: "Total number of sent-log checks for redelivered events (count)",
		},
		[]string{"result"},
	)

	SentLogSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sent_log_size",
			Help: "Number of entries currently held in the sent-log (count)",
		},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open) (state code)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker (count)",
		},
		[]string{"name", "state"},
	)

	CircuitBreakerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_failures_total",
			Help: "Total number of failures through circuit breaker (count)",
		},
		[]string{"name"},
	)

	RateLimitWaitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_waits_total",
			Help: "Total number of sends checked against the per-sender limiter (count)",
		},
		[]string{"status"},
	)

	RateLimitWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rate_limit_wait_duration_ms",
			Help:    "Time spent waiting for a per-sender send token in milliseconds",
			Buckets: []float64{0, 10, 50, 100, 250, 500, 1000, 2500, 5000},
		},
	)
)

var registerOnce sync.Once

// Register adds every collector to the default registry. Safe to call more
// than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			EventsTotal,
			EventDuration,
			MailSendsTotal,
			MailSendDuration,
			RepliesTotal,
			AttachmentsFetchedTotal,
			AttachmentSizeBytes,
			PDFMergesTotal,
			SecretLookupsTotal,
			RetryAttemptsTotal,
			DLQMessagesTotal,
			BrokerMessagesReadTotal,
			BrokerMessageSizeBytes,
			BrokerAcksTotal,
			SentLogTotal,
			SentLogSize,
			CircuitBreakerState,
			CircuitBreakerRequests,
			CircuitBreakerFailures,
			RateLimitWaitsTotal,
			RateLimitWaitDuration,
		)
	})
}

func ObserveEvent(outcome, stage string, duration time.Duration) {
	EventsTotal.WithLabelValues(outcome, stage).Inc()
	EventDuration.WithLabelValues(outcome).Observe(float64(duration.Milliseconds()))
}

func ObserveMailSend(kind, status string, duration time.Duration) {
	MailSendsTotal.WithLabelValues(kind, status).Inc()
	MailSendDuration.WithLabelValues(kind).Observe(float64(duration.Milliseconds()))
}

func IncReplyDecision(decision string) {
	RepliesTotal.WithLabelValues(decision).Inc()
}

func ObserveAttachmentFetch(backend, status string, sizeBytes int) {
	AttachmentsFetchedTotal.WithLabelValues(backend, status).Inc()
	if status == "success" {
		AttachmentSizeBytes.Observe(float64(sizeBytes))
	}
}

func IncPDFMerge(status string) {
	PDFMergesTotal.WithLabelValues(status).Inc()
}

func IncSecretLookup(backend, status string) {
	SecretLookupsTotal.WithLabelValues(backend, status).Inc()
}

func IncRetryAttempt(stage string) {
	RetryAttemptsTotal.WithLabelValues(stage).Inc()
}

func IncDLQMessage(broker, reason string) {
	DLQMessagesTotal.WithLabelValues(broker, reason).Inc()
}

func ObserveBrokerMessage(broker, source string, sizeBytes int) {
	BrokerMessagesReadTotal.WithLabelValues(broker, source).Inc()
	BrokerMessageSizeBytes.WithLabelValues(broker).Observe(float64(sizeBytes))
}

func IncBrokerAck(broker, result string) {
	BrokerAcksTotal.WithLabelValues(broker, result).Inc()
}

func IncSentLog(result string) {
	SentLogTotal.WithLabelValues(result).Inc()
}

func SetSentLogSize(size int) {
	SentLogSize.Set(float64(size))
}

func ObserveRateLimitWait(status string, waited time.Duration) {
	RateLimitWaitsTotal.WithLabelValues(status).Inc()
	RateLimitWaitDuration.Observe(float64(waited.Milliseconds()))
}
