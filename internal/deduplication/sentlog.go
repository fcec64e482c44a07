// Package deduplication keeps a sent-log of dispatched events so a
// redelivered event does not send its mail twice.
package deduplication

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"ewsdispatch/internal/config"
	"ewsdispatch/internal/constants"
	"ewsdispatch/internal/logger"
	"ewsdispatch/pkg/metrics"
	"ewsdispatch/pkg/tracing"
)

const sizeRefreshInterval = 30 * time.Second

// SentLog records which (kind, fingerprint) pairs were already sent.
type SentLog struct {
	repo   Repository
	cfg    config.DeduplicationConfig
	ttl    time.Duration
	prefix string
	logger logger.Logger
}

func NewSentLog(repo Repository, cfg config.DeduplicationConfig, log logger.Logger) *SentLog {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "sent:"
	}
	return &SentLog{
		repo:   repo,
		cfg:    cfg,
		ttl:    time.Duration(cfg.TTLSeconds) * time.Second,
		prefix: prefix,
		logger: log,
	}
}

func (s *SentLog) key(kind, fingerprint string) string {
	return s.prefix + kind + ":" + fingerprint
}

// Seen reports whether kind was already sent for fingerprint. A Redis
// failure either reports false (on_redis_error=allow) or is returned.
func (s *SentLog) Seen(ctx context.Context, kind, fingerprint string) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "sentlog", "sentlog.seen", attribute.String("sent.kind", kind))
	defer span.End()

	seen, err := s.repo.Exists(ctx, s.key(kind, fingerprint))
	if err != nil {
		metrics.IncSentLog("error")
		if s.cfg.OnRedisError == constants.FallbackFail {
			return false, fmt.Errorf("sent-log check failed for %s: %w", kind, err)
		}
		s.logger.WarnwCtx(ctx, "Sent-log unavailable, assuming not sent (fallback: allow)",
			"kind", kind,
			"error", err,
		)
		return false, nil
	}

	if seen {
		metrics.IncSentLog("duplicate")
	} else {
		metrics.IncSentLog("new")
	}
	return seen, nil
}

// Mark records kind as sent. The mail is already out, so a failure here is
// only logged.
func (s *SentLog) Mark(ctx context.Context, kind, fingerprint string) {
	ctx, span := tracing.StartSpan(ctx, "sentlog", "sentlog.mark", attribute.String("sent.kind", kind))
	defer span.End()

	if _, err := s.repo.SetNX(ctx, s.key(kind, fingerprint), time.Now().Unix(), s.ttl); err != nil {
		metrics.IncSentLog("mark_error")
		s.logger.WarnwCtx(ctx, "Failed to record sent message",
			"kind", kind,
			"error", err,
		)
	}
}

// Run refreshes the sent-log size gauge until ctx is done.
func (s *SentLog) Run(ctx context.Context) {
	ticker := time.NewTicker(sizeRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			size, err := s.repo.GetCacheSize(ctx, s.prefix)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Debugw("Failed to get sent-log size for metrics", "error", err)
				continue
			}
			metrics.SetSentLogSize(size)
		}
	}
}
