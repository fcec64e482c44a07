package models

import "time"

// EventBuilder assembles EmailEvents, mostly for tests and the replay command.
type EventBuilder struct {
	event *EmailEvent
}

func NewEventBuilder() *EventBuilder {
	return &EventBuilder{
		event: &EmailEvent{Attachments: []AttachmentRef{}},
	}
}

func (b *EventBuilder) WithSender(sender string) *EventBuilder {
	b.event.Sender = sender
	return b
}

func (b *EventBuilder) WithRecipient(recipient string) *EventBuilder {
	b.event.Recipient = recipient
	return b
}

func (b *EventBuilder) WithSubject(subject string) *EventBuilder {
	b.event.Subject = subject
	return b
}

func (b *EventBuilder) WithBody(body string) *EventBuilder {
	b.event.Body = body
	return b
}

func (b *EventBuilder) WithSentOn(t time.Time) *EventBuilder {
	b.event.SentOn = t
	return b
}

func (b *EventBuilder) WithReceivedOn(t time.Time) *EventBuilder {
	b.event.ReceivedOn = t
	return b
}

func (b *EventBuilder) WithAttachment(mimeType, bucket, fileName, fullPath string) *EventBuilder {
	b.event.Attachments = append(b.event.Attachments, AttachmentRef{
		MimeType: mimeType,
		Bucket:   bucket,
		FileName: fileName,
		FullPath: fullPath,
	})
	return b
}

func (b *EventBuilder) Build() *EmailEvent {
	if b.event.SentOn.IsZero() {
		b.event.SentOn = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	}
	if b.event.ReceivedOn.IsZero() {
		b.event.ReceivedOn = b.event.SentOn
	}
	return b.event
}
