// Package dispatch turns one email event into an EWS send and an optional
// auto-reply, and reports what the transport should do with the delivery.
package dispatch

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"ewsdispatch/internal/attachment"
	"ewsdispatch/internal/constants"
	"ewsdispatch/internal/ews"
	"ewsdispatch/internal/identity"
	"ewsdispatch/internal/logger"
	"ewsdispatch/internal/reply"
	apperrors "ewsdispatch/pkg/errors"
	"ewsdispatch/pkg/logging"
	"ewsdispatch/pkg/metrics"
	"ewsdispatch/pkg/models"
	"ewsdispatch/pkg/ratelimit"
	"ewsdispatch/pkg/retry"
	"ewsdispatch/pkg/tracing"
)

const tracerName = "dispatcher"

// SentLog remembers sends that already happened for an event fingerprint.
type SentLog interface {
	Seen(ctx context.Context, kind, fingerprint string) (bool, error)
	Mark(ctx context.Context, kind, fingerprint string)
}

// Dependencies are built once at startup and shared read-only by every
// event. SentLog and Limiter are optional.
type Dependencies struct {
	Resolver     *identity.Resolver
	Secrets      identity.SecretStore
	Materializer *attachment.Materializer
	Replies      *reply.Decider
	Mail         MailClient
	SentLog      SentLog
	Limiter      *ratelimit.KeyedLimiter
	Logger       logger.Logger
}

type Options struct {
	ExchangeURL string
	Version     ews.Version
	Timeout     time.Duration
	Retry       retry.Policy
	ReplyRetry  retry.Policy

	NeedsPDFs           bool
	SkipSendWithoutPDFs bool

	// The reply mailbox and the service credential used to reach it.
	ReplyAccount  string
	ReplyUsername string
	ReplySecretID string
}

type Dispatcher struct {
	deps Dependencies
	opts Options
	log  logger.Logger
}

func New(deps Dependencies, opts Options) *Dispatcher {
	if deps.Logger == nil {
		deps.Logger = logger.NopLogger()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = retry.DefaultPolicy()
	}
	if opts.ReplyRetry.MaxAttempts <= 0 {
		opts.ReplyRetry = retry.Policy{MaxAttempts: 1}
	}
	if opts.Version.Name == "" {
		opts.Version = ews.DefaultVersion
	}
	if deps.Replies == nil {
		deps.Replies = reply.Disabled()
	}
	return &Dispatcher{deps: deps, opts: opts, log: deps.Logger}
}

// Process runs the whole pipeline for event within the dispatch timeout.
// It never panics on handler errors and always returns a Result.
func (d *Dispatcher) Process(ctx context.Context, event *models.EmailEvent) Result {
	start := time.Now()
	fingerprint := event.Fingerprint()

	ctx = logging.WithEventID(ctx, EventID(fingerprint))
	ctx, span := tracing.StartSpan(ctx, tracerName, "dispatch.process",
		attribute.String("event.id", EventID(fingerprint)),
		attribute.Int("event.attachments", len(event.Attachments)),
	)
	defer span.End()
	if traceID := tracing.TraceID(ctx); traceID != "" {
		ctx = logging.WithTraceID(ctx, traceID)
	}

	ctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()

	res := d.process(ctx, event, fingerprint)

	metrics.ObserveEvent(res.Outcome.String(), string(res.FailedAtOrStage()), time.Since(start))
	span.SetAttributes(attribute.String("dispatch.outcome", res.Outcome.String()))

	switch res.Outcome {
	case Ack:
		d.log.InfowCtx(ctx, "Event dispatched",
			"primary_sent", res.PrimarySent,
			"reply", res.ReplyDecision,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	case Reject:
		tracing.RecordError(span, res.Err, apperrors.Code(res.Err))
		d.log.WarnwCtx(logging.WithStage(ctx, string(res.FailedAt)), "Event rejected", apperrors.Fields(res.Err)...)
	default:
		tracing.RecordError(span, res.Err, apperrors.Code(res.Err))
		d.log.ErrorwCtx(logging.WithStage(ctx, string(res.FailedAt)), "Event failed", apperrors.Fields(res.Err)...)
	}
	return res
}

// EventID is the short form of a fingerprint used in logs.
func EventID(fingerprint string) string {
	if len(fingerprint) > 16 {
		return fingerprint[:16]
	}
	return fingerprint
}

func (d *Dispatcher) process(ctx context.Context, event *models.EmailEvent, fingerprint string) Result {
	res := Result{Stage: StageReceived}
	d.enter(ctx, &res, StageReceived)

	var ident identity.Identity
	err := d.retry(ctx, "identity", d.opts.Retry, func(ctx context.Context) error {
		var err error
		ident, err = d.deps.Resolver.Resolve(ctx, event)
		return err
	})
	if err != nil {
		return d.fail(ctx, res, err)
	}
	d.enter(ctx, &res, StageIdentityResolved)

	var attachments []models.Attachment
	err = d.retry(ctx, "attachments", d.opts.Retry, func(ctx context.Context) error {
		var err error
		attachments, err = d.deps.Materializer.Materialize(ctx, event.Attachments, attachment.MergeSeed{
			Key:  fingerprint,
			Date: event.ReceivedOn,
		})
		return err
	})
	if err != nil {
		return d.fail(ctx, res, err)
	}
	d.enter(ctx, &res, StageAttachmentsReady)

	pdfCount := event.PDFCount()
	if d.opts.NeedsPDFs && d.opts.SkipSendWithoutPDFs && pdfCount == 0 {
		d.log.InfowCtx(ctx, "No PDF attachments, skipping primary send")
	} else {
		sent, err := d.sendPrimary(ctx, event, fingerprint, ident, attachments)
		if err != nil {
			return d.fail(ctx, res, err)
		}
		res.PrimarySent = sent
	}
	d.enter(ctx, &res, StageSent)

	res.ReplyDecision, res.ReplySent, res.ReplyErr = d.sendReply(ctx, event, fingerprint, pdfCount)
	if res.ReplyErr != nil {
		metrics.IncReplyDecision("failed")
		d.log.WarnwCtx(ctx, "Reply failed, primary send unaffected", apperrors.Fields(res.ReplyErr)...)
	}
	if res.ReplySent {
		d.enter(ctx, &res, StageReplySent)
	} else {
		d.enter(ctx, &res, StageNoReply)
	}

	res.Outcome = Ack
	d.enter(ctx, &res, StageAcked)
	return res
}

func (d *Dispatcher) enter(ctx context.Context, res *Result, stage Stage) {
	res.Stage = stage
	d.log.DebugwCtx(logging.WithStage(ctx, string(stage)), "Stage reached")
}

// fail classifies err into an outcome. Running out of time is TIMEOUT no
// matter which call noticed it.
func (d *Dispatcher) fail(ctx context.Context, res Result, err error) Result {
	res.FailedAt = res.Stage
	res.Stage = StageFailed

	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		if !errors.Is(err, apperrors.ErrTimeout) {
			err = apperrors.ErrTimeout.WithDetail("stage", string(res.FailedAt)).WithCause(err)
		}
	}
	res.Err = err

	switch {
	case apperrors.IsRejection(err):
		res.Outcome = Reject
	default:
		res.Outcome = Nack
	}
	return res
}

// retry runs fn under policy. op labels metrics and logs.
func (d *Dispatcher) retry(ctx context.Context, op string, policy retry.Policy, fn func(ctx context.Context) error) error {
	return retry.RetryWithCallback(ctx, policy, func() error {
		return apperrors.Guard(func() error { return fn(ctx) })
	}, func(attempt int, err error, nextDelay time.Duration) {
		metrics.IncRetryAttempt(op)
		d.log.WarnwCtx(ctx, "Retrying",
			append([]interface{}{
				"operation", op,
				"attempt", attempt,
				"max_attempts", policy.MaxAttempts,
				"next_delay", nextDelay,
			}, apperrors.Fields(err)...)...,
		)
	})
}

// sendPrimary reports false when the sent-log shows an earlier delivery
// already sent this event.
func (d *Dispatcher) sendPrimary(ctx context.Context, event *models.EmailEvent, fingerprint string, ident identity.Identity, attachments []models.Attachment) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "dispatch.send_primary",
		attribute.String("ews.account", ident.Record.SenderAccount),
	)
	defer span.End()

	if d.deps.SentLog != nil {
		seen, err := d.deps.SentLog.Seen(ctx, constants.SentKindPrimary, fingerprint)
		if err != nil {
			return false, err
		}
		if seen {
			d.log.InfowCtx(ctx, "Primary message already sent for this event, skipping")
			return false, nil
		}
	}

	msg := Assemble(event, attachments, ident.Record)
	params := ews.ConnectParams{
		URL:        d.opts.ExchangeURL,
		Version:    d.opts.Version,
		Account:    ident.Record.SenderAccount,
		Credential: ident.Credential,
	}

	err := d.retry(ctx, "send_primary", d.opts.Retry, func(ctx context.Context) error {
		return d.send(ctx, "primary", params, &msg)
	})
	if err != nil {
		tracing.RecordError(span, err, apperrors.Code(err))
		return false, err
	}

	if d.deps.SentLog != nil {
		d.deps.SentLog.Mark(ctx, constants.SentKindPrimary, fingerprint)
	}
	d.log.InfowCtx(ctx, "Primary message sent",
		"from", msg.From,
		"to", msg.To,
		"attachments", msg.AttachmentNames(),
	)
	return true, nil
}

func (d *Dispatcher) sendReply(ctx context.Context, event *models.EmailEvent, fingerprint string, pdfCount int) (reply.Decision, bool, error) {
	ctx = logging.WithStage(ctx, string(StageSent))
	msg, decision, err := d.deps.Replies.Decide(ctx, event, pdfCount)
	if err != nil || msg == nil {
		return decision, false, err
	}

	ctx, span := tracing.StartSpan(ctx, tracerName, "dispatch.send_reply",
		attribute.String("reply.decision", string(decision)),
	)
	defer span.End()

	if d.deps.SentLog != nil {
		seen, err := d.deps.SentLog.Seen(ctx, constants.SentKindReply, fingerprint)
		if err != nil {
			return decision, false, err
		}
		if seen {
			d.log.InfowCtx(ctx, "Reply already sent for this event, skipping")
			return decision, false, nil
		}
	}

	secret, err := d.deps.Secrets.Get(ctx, d.opts.ReplySecretID)
	if err != nil {
		return decision, false, apperrors.ErrSecretUnavailable.WithDetail("secret_id", d.opts.ReplySecretID).WithCause(err)
	}
	params := ews.ConnectParams{
		URL:        d.opts.ExchangeURL,
		Version:    d.opts.Version,
		Account:    d.opts.ReplyAccount,
		Credential: identity.Credential{Username: d.opts.ReplyUsername, Secret: secret},
	}

	err = d.retry(ctx, "send_reply", d.opts.ReplyRetry, func(ctx context.Context) error {
		return d.send(ctx, "reply", params, msg)
	})
	if err != nil {
		tracing.RecordError(span, err, apperrors.Code(err))
		return decision, false, err
	}

	if d.deps.SentLog != nil {
		d.deps.SentLog.Mark(ctx, constants.SentKindReply, fingerprint)
	}
	d.log.InfowCtx(ctx, "Reply sent", "to", msg.To)
	return decision, true, nil
}

// send connects and submits one message. Every attempt gets a fresh
// session.
func (d *Dispatcher) send(ctx context.Context, kind string, params ews.ConnectParams, msg *models.OutboundMessage) error {
	if d.deps.Limiter != nil {
		waitStart := time.Now()
		if err := d.deps.Limiter.Wait(ctx, params.Account); err != nil {
			metrics.ObserveRateLimitWait("cancelled", time.Since(waitStart))
			return err
		}
		metrics.ObserveRateLimitWait("ok", time.Since(waitStart))
	}

	start := time.Now()
	mailbox, err := d.deps.Mail.Connect(ctx, params)
	if err == nil {
		err = mailbox.Send(ctx, msg)
	}

	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.ObserveMailSend(kind, status, time.Since(start))
	return err
}
