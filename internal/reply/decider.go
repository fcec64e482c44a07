// Package reply decides whether an event gets an automatic reply and
// renders it.
package reply

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"ewsdispatch/internal/logger"
	apperrors "ewsdispatch/pkg/errors"
	"ewsdispatch/pkg/metrics"
	"ewsdispatch/pkg/models"
)

// MaxSubjectLength is the subject limit Exchange accepts, in characters.
const MaxSubjectLength = 255

type Decision string

const (
	DecisionDisabled       Decision = "disabled"
	DecisionIgnoredSubject Decision = "ignored_subject"
	DecisionIgnoredSender  Decision = "ignored_sender"
	DecisionSelfAddressed  Decision = "self_addressed"
	DecisionReply          Decision = "reply"
)

type Options struct {
	Enabled        bool
	ReplyTo        string
	IgnoreSubjects []string
	IgnoreSenders  []string
}

// TemplateData is what reply templates can reference.
type TemplateData struct {
	Sender          string
	Recipient       string
	Subject         string
	Body            string
	SentOn          time.Time
	ReceivedOn      time.Time
	PDFCount        int
	AttachmentNames []string
}

type Decider struct {
	opts           Options
	ignoreSubjects []string
	ignoreSenders  map[string]struct{}
	templates      *Templates
	router         *Router
	log            logger.Logger
}

func NewDecider(opts Options, templates *Templates, router *Router, log logger.Logger) *Decider {
	d := &Decider{
		opts:          opts,
		ignoreSenders: make(map[string]struct{}, len(opts.IgnoreSenders)),
		templates:     templates,
		router:        router,
		log:           log,
	}
	for _, s := range opts.IgnoreSubjects {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			d.ignoreSubjects = append(d.ignoreSubjects, s)
		}
	}
	for _, s := range opts.IgnoreSenders {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			d.ignoreSenders[s] = struct{}{}
		}
	}
	return d
}

// Disabled returns a Decider that never replies.
func Disabled() *Decider {
	return NewDecider(Options{}, nil, nil, logger.NopLogger())
}

// Decide returns the reply to send for event, or nil with the reason none
// is sent. Subjects are ignored by case-insensitive prefix, senders by
// case-insensitive exact match.
func (d *Decider) Decide(ctx context.Context, event *models.EmailEvent, pdfCount int) (*models.OutboundMessage, Decision, error) {
	decision := d.decide(event)
	if decision != DecisionReply {
		metrics.IncReplyDecision(string(decision))
		d.log.DebugwCtx(ctx, "No reply", "decision", decision)
		return nil, decision, nil
	}

	name, err := d.router.Select(ctx, event, pdfCount)
	if err != nil {
		return nil, decision, apperrors.ErrInternal.WithMessage("reply template selection failed").WithCause(err).AsFatal()
	}

	body, err := d.templates.Render(name, d.templateData(event, pdfCount))
	if err != nil {
		return nil, decision, apperrors.ErrInternal.WithMessage("reply rendering failed").WithCause(err).AsFatal()
	}

	metrics.IncReplyDecision(string(decision))
	d.log.DebugwCtx(ctx, "Reply built", "template", name)

	return &models.OutboundMessage{
		From:      d.opts.ReplyTo,
		To:        event.Sender,
		ReplyTo:   d.opts.ReplyTo,
		Subject:   Subject(event.Subject),
		Body:      body,
		MessageID: models.MessageID("reply-"+event.Fingerprint(), d.opts.ReplyTo),
		Date:      event.ReceivedOn,
	}, decision, nil
}

func (d *Decider) decide(event *models.EmailEvent) Decision {
	if !d.opts.Enabled {
		return DecisionDisabled
	}

	subject := strings.ToLower(strings.TrimSpace(event.Subject))
	for _, prefix := range d.ignoreSubjects {
		if strings.HasPrefix(subject, prefix) {
			return DecisionIgnoredSubject
		}
	}

	if _, ok := d.ignoreSenders[strings.ToLower(event.Sender)]; ok {
		return DecisionIgnoredSender
	}

	if strings.EqualFold(event.Sender, event.Recipient) {
		return DecisionSelfAddressed
	}

	return DecisionReply
}

func (d *Decider) templateData(event *models.EmailEvent, pdfCount int) TemplateData {
	names := make([]string, len(event.Attachments))
	for i, a := range event.Attachments {
		names[i] = a.FileName
	}
	return TemplateData{
		Sender:          event.Sender,
		Recipient:       event.Recipient,
		Subject:         event.Subject,
		Body:            event.Body,
		SentOn:          event.SentOn,
		ReceivedOn:      event.ReceivedOn,
		PDFCount:        pdfCount,
		AttachmentNames: names,
	}
}

// Subject prefixes "Re: " and truncates to MaxSubjectLength characters.
func Subject(original string) string {
	s := "Re: " + original
	if utf8.RuneCountInString(s) <= MaxSubjectLength {
		return s
	}
	runes := []rune(s)
	return string(runes[:MaxSubjectLength])
}
