package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ewsdispatch/internal/attachment"
	"ewsdispatch/internal/constants"
	"ewsdispatch/internal/ews"
	"ewsdispatch/internal/identity"
	"ewsdispatch/internal/logger"
	"ewsdispatch/internal/reply"
	"ewsdispatch/pkg/cel"
	apperrors "ewsdispatch/pkg/errors"
	"ewsdispatch/pkg/models"
	"ewsdispatch/pkg/ratelimit"
	"ewsdispatch/pkg/retry"
)

const (
	senderAccount = "sender-a@corp.example"
	replyAccount  = "noreply@corp.example"
)

type fakeSecrets struct {
	values map[string]string
}

func (f *fakeSecrets) Get(_ context.Context, id string) (string, error) {
	v, ok := f.values[id]
	if !ok {
		return "", fmt.Errorf("secret %s not found", id)
	}
	return v, nil
}

type fakeFetcher struct {
	objects map[string][]byte
	err     error
}

func (f *fakeFetcher) Fetch(_ context.Context, bucket, path string) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	data, ok := f.objects[bucket+"/"+path]
	if !ok {
		return nil, errors.New("not found")
	}
	return data, nil
}

func (f *fakeFetcher) Backend() string { return "fake" }

// joinMerger joins documents and remembers the seed of every merge.
type joinMerger struct {
	keys  []string
	dates []time.Time
}

func (m *joinMerger) Merge(docs [][]byte, key string, date time.Time) ([]byte, error) {
	m.keys = append(m.keys, key)
	m.dates = append(m.dates, date)
	return bytes.Join(docs, []byte("|")), nil
}

// fakeMail records every connect and send. Accounts listed in fail refuse
// to connect; block makes every connect wait for the context.
type fakeMail struct {
	mu       sync.Mutex
	connects []ews.ConnectParams
	sent     []models.OutboundMessage
	fail     map[string]error
	block    bool
}

func (f *fakeMail) Connect(ctx context.Context, params ews.ConnectParams) (Mailbox, error) {
	f.mu.Lock()
	f.connects = append(f.connects, params)
	err := f.fail[params.Account]
	f.mu.Unlock()

	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return &fakeMailbox{mail: f}, nil
}

func (f *fakeMail) sentFrom(account string) []models.OutboundMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.OutboundMessage
	for _, m := range f.sent {
		if m.From == account {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeMail) connectsFor(account string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.connects {
		if p.Account == account {
			n++
		}
	}
	return n
}

type fakeMailbox struct {
	mail *fakeMail
}

func (b *fakeMailbox) Send(_ context.Context, msg *models.OutboundMessage) error {
	b.mail.mu.Lock()
	defer b.mail.mu.Unlock()
	b.mail.sent = append(b.mail.sent, *msg)
	return nil
}

type memSentLog struct {
	mu   sync.Mutex
	keys map[string]bool
	err  error
}

func newMemSentLog() *memSentLog {
	return &memSentLog{keys: map[string]bool{}}
}

func (m *memSentLog) Seen(_ context.Context, kind, fingerprint string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	return m.keys[kind+":"+fingerprint], nil
}

func (m *memSentLog) Mark(_ context.Context, kind, fingerprint string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[kind+":"+fingerprint] = true
}

type fixture struct {
	policy    *identity.Policy
	fetcher   *fakeFetcher
	mail      *fakeMail
	sentLog   *memSentLog
	limiter   *ratelimit.KeyedLimiter
	merger    *joinMerger
	attach    attachment.Options
	replies   reply.Options
	opts      Options
	noSentLog bool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	policy, err := identity.NewPolicy(false, map[string]identity.SenderRecord{
		identity.StandardKey: {SenderAccount: senderAccount, SenderAccountSecret: "sec-a"},
	})
	require.NoError(t, err)

	return &fixture{
		policy: policy,
		fetcher: &fakeFetcher{objects: map[string][]byte{
			"b/logo.png": []byte("png"),
			"b/one.pdf":  []byte("pdf1"),
			"b/two.pdf":  []byte("pdf2"),
		}},
		mail:    &fakeMail{fail: map[string]error{}},
		sentLog: newMemSentLog(),
		merger:  &joinMerger{},
		attach:  attachment.Options{NeedsPDFs: true},
		replies: reply.Options{Enabled: true, ReplyTo: replyAccount, IgnoreSubjects: []string{"Automatic reply"}},
		opts: Options{
			ExchangeURL:   "https://mail.example/EWS/Exchange.asmx",
			Timeout:       5 * time.Second,
			Retry:         retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, Multiplier: 1},
			ReplyAccount:  replyAccount,
			ReplyUsername: "svc@corp.example",
			ReplySecretID: "svc-secret",
		},
	}
}

func (f *fixture) hardcoded(t *testing.T) {
	t.Helper()
	policy, err := identity.NewPolicy(true, map[string]identity.SenderRecord{
		"invoices@corp.example": {
			SenderAccount:       senderAccount,
			SenderAccountSecret: "sec-a",
			RecipientEmail:      "archive@corp.example",
		},
	})
	require.NoError(t, err)
	f.policy = policy
}

func (f *fixture) build(t *testing.T) *Dispatcher {
	t.Helper()
	secrets := &fakeSecrets{values: map[string]string{"sec-a": "pw-a", "svc-secret": "pw-svc"}}

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "default.html"), []byte("<p>Thanks, {{.PDFCount}} PDFs</p>"), 0o600))
	templates, err := reply.LoadTemplates(dir)
	require.NoError(t, err)
	eval, err := cel.NewEvaluator()
	require.NoError(t, err)
	router, err := reply.NewRouter(eval, nil, templates)
	require.NoError(t, err)

	deps := Dependencies{
		Resolver:     identity.NewResolver(f.policy, secrets),
		Secrets:      secrets,
		Materializer: attachment.NewMaterializer(f.fetcher, f.merger, f.attach, logger.NopLogger()),
		Replies:      reply.NewDecider(f.replies, templates, router, logger.NopLogger()),
		Mail:         f.mail,
		Limiter:      f.limiter,
		Logger:       logger.NopLogger(),
	}
	if !f.noSentLog {
		deps.SentLog = f.sentLog
	}
	return New(deps, f.opts)
}

func testEvent() *models.EmailEvent {
	return models.NewEventBuilder().
		WithSender("alice@example.com").
		WithRecipient("invoices@corp.example").
		WithSubject("Invoice 42").
		WithBody("<p>see attached</p>").
		WithReceivedOn(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)).
		WithAttachment("image/png", "b", "logo.png", "logo.png").
		WithAttachment("application/pdf", "b", "one.pdf", "one.pdf").
		WithAttachment("application/pdf", "b", "two.pdf", "two.pdf").
		Build()
}

func TestProcess_OpenModeSendsToEventRecipient(t *testing.T) {
	f := newFixture(t)
	d := f.build(t)

	for _, recipient := range []string{"invoices@corp.example", "anyone@else.example"} {
		ev := testEvent()
		ev.Recipient = recipient
		res := d.Process(context.Background(), ev)
		require.Equal(t, Ack, res.Outcome, "%v", res.Err)

		primary := f.mail.sentFrom(senderAccount)
		require.NotEmpty(t, primary)
		last := primary[len(primary)-1]
		assert.Equal(t, senderAccount, last.From)
		assert.Equal(t, recipient, last.To)
	}
}

func TestProcess_HardcodedModeUsesMappedRecipient(t *testing.T) {
	f := newFixture(t)
	f.hardcoded(t)
	d := f.build(t)

	res := d.Process(context.Background(), testEvent())
	require.Equal(t, Ack, res.Outcome, "%v", res.Err)

	primary := f.mail.sentFrom(senderAccount)
	require.Len(t, primary, 1)
	assert.Equal(t, "archive@corp.example", primary[0].To)
	assert.Equal(t, "pw-a", f.mail.connects[0].Credential.Secret)
}

func TestProcess_UnknownRecipientIsRejectedWithoutSending(t *testing.T) {
	f := newFixture(t)
	f.hardcoded(t)
	d := f.build(t)

	ev := testEvent()
	ev.Recipient = "stranger@corp.example"
	res := d.Process(context.Background(), ev)

	assert.Equal(t, Reject, res.Outcome)
	assert.Equal(t, StageFailed, res.Stage)
	assert.Equal(t, StageReceived, res.FailedAt)
	assert.True(t, errors.Is(res.Err, apperrors.ErrUnauthorizedRecipient))
	assert.Empty(t, f.mail.connects)
}

func TestProcess_FetchFailureSendsNothing(t *testing.T) {
	f := newFixture(t)
	f.fetcher.err = errors.New("bucket unavailable")
	d := f.build(t)

	res := d.Process(context.Background(), testEvent())

	assert.Equal(t, Nack, res.Outcome)
	assert.Equal(t, StageIdentityResolved, res.FailedAt)
	assert.Equal(t, apperrors.ErrAttachmentFetchFailed.Code, apperrors.Code(res.Err))
	assert.Empty(t, f.mail.connects)
}

func TestProcess_AttachmentOptions(t *testing.T) {
	tests := []struct {
		name  string
		opts  attachment.Options
		names []string
	}{
		{name: "no pdfs needed", opts: attachment.Options{NeedsPDFs: false, PDFOnly: true, MergePDF: true}, names: []string{}},
		{name: "everything", opts: attachment.Options{NeedsPDFs: true}, names: []string{"logo.png", "one.pdf", "two.pdf"}},
		{name: "pdf only", opts: attachment.Options{NeedsPDFs: true, PDFOnly: true}, names: []string{"one.pdf", "two.pdf"}},
		{name: "merged", opts: attachment.Options{NeedsPDFs: true, MergePDF: true}, names: []string{"logo.png", "one.pdf"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.attach = tt.opts
			d := f.build(t)

			res := d.Process(context.Background(), testEvent())
			require.Equal(t, Ack, res.Outcome, "%v", res.Err)

			primary := f.mail.sentFrom(senderAccount)
			require.Len(t, primary, 1)
			assert.Equal(t, tt.names, primary[0].AttachmentNames())
		})
	}
}

func TestProcess_MergedAttachmentReplacesBothPDFs(t *testing.T) {
	f := newFixture(t)
	f.attach = attachment.Options{NeedsPDFs: true, PDFOnly: true, MergePDF: true}
	d := f.build(t)

	res := d.Process(context.Background(), testEvent())
	require.Equal(t, Ack, res.Outcome, "%v", res.Err)

	primary := f.mail.sentFrom(senderAccount)
	require.Len(t, primary, 1)
	require.Len(t, primary[0].Attachments, 1)
	assert.Equal(t, "one.pdf", primary[0].Attachments[0].FileName)
	assert.Equal(t, []byte("pdf1|pdf2"), primary[0].Attachments[0].Content)
}

func TestProcess_ReplySentFromReplyMailbox(t *testing.T) {
	f := newFixture(t)
	d := f.build(t)

	res := d.Process(context.Background(), testEvent())
	require.Equal(t, Ack, res.Outcome, "%v", res.Err)
	assert.True(t, res.PrimarySent)
	assert.True(t, res.ReplySent)
	assert.Equal(t, StageAcked, res.Stage)
	assert.Equal(t, reply.DecisionReply, res.ReplyDecision)

	replies := f.mail.sentFrom(replyAccount)
	require.Len(t, replies, 1)
	assert.Equal(t, "alice@example.com", replies[0].To)
	assert.Equal(t, "Re: Invoice 42", replies[0].Subject)
	assert.Empty(t, replies[0].Attachments)
	assert.Contains(t, replies[0].Body, "2 PDFs")

	var replyConnect ews.ConnectParams
	for _, p := range f.mail.connects {
		if p.Account == replyAccount {
			replyConnect = p
		}
	}
	assert.Equal(t, "svc@corp.example", replyConnect.Credential.Username)
	assert.Equal(t, "pw-svc", replyConnect.Credential.Secret)
}

func TestProcess_IgnoredSubjectStillSendsPrimary(t *testing.T) {
	f := newFixture(t)
	d := f.build(t)

	ev := testEvent()
	ev.Subject = "Automatic reply: on leave"
	res := d.Process(context.Background(), ev)

	require.Equal(t, Ack, res.Outcome, "%v", res.Err)
	assert.True(t, res.PrimarySent)
	assert.False(t, res.ReplySent)
	assert.Equal(t, reply.DecisionIgnoredSubject, res.ReplyDecision)
	assert.Len(t, f.mail.sentFrom(senderAccount), 1)
	assert.Empty(t, f.mail.sentFrom(replyAccount))
}

func TestProcess_ReplyFailureDoesNotAffectPrimary(t *testing.T) {
	f := newFixture(t)
	f.mail.fail[replyAccount] = apperrors.ErrMailClient.WithDetail("message", "reply mailbox down")
	d := f.build(t)

	res := d.Process(context.Background(), testEvent())

	assert.Equal(t, Ack, res.Outcome)
	assert.NoError(t, res.Err)
	require.Error(t, res.ReplyErr)
	assert.True(t, res.PrimarySent)
	assert.False(t, res.ReplySent)
	assert.Equal(t, 1, f.mail.connectsFor(senderAccount))
	assert.Len(t, f.mail.sentFrom(senderAccount), 1)
}

func TestProcess_SendRetriesThenFails(t *testing.T) {
	f := newFixture(t)
	f.mail.fail[senderAccount] = apperrors.ErrMailClient.WithDetail("message", "server busy")
	d := f.build(t)

	res := d.Process(context.Background(), testEvent())

	assert.Equal(t, Nack, res.Outcome)
	assert.Equal(t, StageAttachmentsReady, res.FailedAt)
	assert.Equal(t, apperrors.ErrMailClient.Code, apperrors.Code(res.Err))
	assert.Equal(t, 3, f.mail.connectsFor(senderAccount))
	assert.Equal(t, 0, f.mail.connectsFor(replyAccount))
}

func TestProcess_FatalSendErrorIsNotRetried(t *testing.T) {
	f := newFixture(t)
	f.mail.fail[senderAccount] = apperrors.ErrMailClient.WithDetail("message", "access denied").AsFatal()
	d := f.build(t)

	res := d.Process(context.Background(), testEvent())

	assert.Equal(t, Nack, res.Outcome)
	assert.Equal(t, 1, f.mail.connectsFor(senderAccount))
}

func TestProcess_TimeoutIsFatal(t *testing.T) {
	f := newFixture(t)
	f.mail.block = true
	f.opts.Timeout = 50 * time.Millisecond
	d := f.build(t)

	res := d.Process(context.Background(), testEvent())

	assert.Equal(t, Nack, res.Outcome)
	assert.Equal(t, apperrors.ErrTimeout.Code, apperrors.Code(res.Err))
	assert.False(t, apperrors.IsRetryable(res.Err))
	assert.Equal(t, 1, f.mail.connectsFor(senderAccount))
}

func TestProcess_RedeliveryIsSkippedBySentLog(t *testing.T) {
	f := newFixture(t)
	d := f.build(t)

	first := d.Process(context.Background(), testEvent())
	require.Equal(t, Ack, first.Outcome, "%v", first.Err)
	require.True(t, first.PrimarySent)

	second := d.Process(context.Background(), testEvent())
	require.Equal(t, Ack, second.Outcome, "%v", second.Err)
	assert.False(t, second.PrimarySent)
	assert.False(t, second.ReplySent)
	assert.Len(t, f.mail.sentFrom(senderAccount), 1)
	assert.Len(t, f.mail.sentFrom(replyAccount), 1)
}

func TestProcess_ReplyRetriedAloneOnRedelivery(t *testing.T) {
	f := newFixture(t)
	d := f.build(t)

	f.sentLog.Mark(context.Background(), constants.SentKindPrimary, testEvent().Fingerprint())
	res := d.Process(context.Background(), testEvent())

	require.Equal(t, Ack, res.Outcome, "%v", res.Err)
	assert.False(t, res.PrimarySent)
	assert.True(t, res.ReplySent)
	assert.Empty(t, f.mail.sentFrom(senderAccount))
}

func TestProcess_SentLogErrorFailsEvent(t *testing.T) {
	f := newFixture(t)
	f.sentLog.err = apperrors.ErrInternal.WithDetail("message", "redis down").AsFatal()
	d := f.build(t)

	res := d.Process(context.Background(), testEvent())

	assert.Equal(t, Nack, res.Outcome)
	assert.Empty(t, f.mail.connects)
}

func TestProcess_SkipSendWithoutPDFs(t *testing.T) {
	f := newFixture(t)
	f.opts.NeedsPDFs = true
	f.opts.SkipSendWithoutPDFs = true
	d := f.build(t)

	ev := testEvent()
	ev.Attachments = ev.Attachments[:1]
	res := d.Process(context.Background(), ev)

	require.Equal(t, Ack, res.Outcome, "%v", res.Err)
	assert.False(t, res.PrimarySent)
	assert.True(t, res.ReplySent)
	assert.Empty(t, f.mail.sentFrom(senderAccount))
	assert.Contains(t, f.mail.sentFrom(replyAccount)[0].Body, "0 PDFs")
}

func TestProcess_RateLimiterBlocksSend(t *testing.T) {
	f := newFixture(t)
	f.limiter = ratelimit.NewKeyedLimiter(ratelimit.RateLimitConfig{RPS: 0.001, Burst: 1, MaxAge: time.Minute})
	require.True(t, f.limiter.Allow(senderAccount))
	f.opts.Timeout = 100 * time.Millisecond
	d := f.build(t)

	res := d.Process(context.Background(), testEvent())

	assert.Equal(t, Nack, res.Outcome)
	assert.Empty(t, f.mail.connects)
}

func TestProcess_IdenticalEventsRenderIdenticalMessages(t *testing.T) {
	var rendered [][]byte
	for i := 0; i < 2; i++ {
		f := newFixture(t)
		f.attach = attachment.Options{NeedsPDFs: true, MergePDF: true}
		d := f.build(t)

		res := d.Process(context.Background(), testEvent())
		require.Equal(t, Ack, res.Outcome, "%v", res.Err)

		primary := f.mail.sentFrom(senderAccount)
		require.Len(t, primary, 1)
		mime, err := ews.BuildMIME(&primary[0])
		require.NoError(t, err)
		rendered = append(rendered, mime)
	}
	assert.Equal(t, rendered[0], rendered[1])
}

func TestProcess_MergeSeededFromEvent(t *testing.T) {
	f := newFixture(t)
	f.attach = attachment.Options{NeedsPDFs: true, MergePDF: true}
	d := f.build(t)
	ev := testEvent()

	res := d.Process(context.Background(), ev)
	require.Equal(t, Ack, res.Outcome, "%v", res.Err)

	assert.Equal(t, []string{ev.Fingerprint()}, f.merger.keys)
	assert.Equal(t, []time.Time{ev.ReceivedOn}, f.merger.dates)
}

func TestHandle(t *testing.T) {
	f := newFixture(t)
	f.hardcoded(t)
	d := f.build(t)

	valid := []byte(`{"gobits":[],"email":{
		"sent_on":"2024-01-02T03:04:00Z","received_on":"2024-01-02T03:04:05Z",
		"sender":"alice@example.com","recipient":"invoices@corp.example",
		"subject":"Invoice 42","body":"hi","attachments":[]}}`)
	require.NoError(t, d.Handle(context.Background(), valid))

	err := d.Handle(context.Background(), []byte(`{"email":{"sender":"x"}}`))
	require.Error(t, err)
	assert.True(t, apperrors.IsRejection(err))
	assert.Equal(t, apperrors.ErrInvalidEventSchema.Code, apperrors.Code(err))

	unknown := bytes.Replace(valid, []byte("invoices@corp.example"), []byte("stranger@corp.example"), 1)
	err = d.Handle(context.Background(), unknown)
	require.Error(t, err)
	assert.True(t, apperrors.IsRejection(err))
}
