package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/mail"
	"strings"
	"time"

	apperrors "ewsdispatch/pkg/errors"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.999999",
}

func parseTimestamp(field, raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, &ValidationError{Field: field, Message: fmt.Sprintf("unparseable timestamp %q", raw)}
}

type rawAttachment struct {
	MimeType *string `json:"mimetype"`
	Bucket   *string `json:"bucket"`
	FileName *string `json:"file_name"`
	FullPath *string `json:"full_path"`
}

type rawEmail struct {
	SentOn      *string          `json:"sent_on"`
	ReceivedOn  *string          `json:"received_on"`
	Sender      *string          `json:"sender"`
	Recipient   *string          `json:"recipient"`
	Subject     *string          `json:"subject"`
	Body        *string          `json:"body"`
	Attachments *[]rawAttachment `json:"attachments"`
}

type rawMessage struct {
	Gobits []json.RawMessage `json:"gobits"`
	Email  *rawEmail         `json:"email"`
}

// DecodeEvent parses one inbound queue payload. Any schema problem is
// returned as INVALID_EVENT_SCHEMA wrapping a ValidationError.
func DecodeEvent(payload []byte) (*EmailEvent, error) {
	event, err := decodeEvent(payload)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrInvalidEventSchema)
	}
	return event, nil
}

func decodeEvent(payload []byte) (*EmailEvent, error) {
	var msg rawMessage
	dec := json.NewDecoder(bytes.NewReader(payload))
	if err := dec.Decode(&msg); err != nil {
		return nil, &ValidationError{Field: "message", Message: err.Error()}
	}
	if msg.Email == nil {
		return nil, &ValidationError{Field: "email", Message: "email object is required"}
	}
	raw := msg.Email

	event := &EmailEvent{Gobits: msg.Gobits}

	var err error
	if raw.SentOn == nil {
		return nil, &ValidationError{Field: "email.sent_on", Message: "field is required"}
	}
	if event.SentOn, err = parseTimestamp("email.sent_on", *raw.SentOn); err != nil {
		return nil, err
	}
	if raw.ReceivedOn == nil {
		return nil, &ValidationError{Field: "email.received_on", Message: "field is required"}
	}
	if event.ReceivedOn, err = parseTimestamp("email.received_on", *raw.ReceivedOn); err != nil {
		return nil, err
	}

	if event.Sender, err = requireAddress("email.sender", raw.Sender); err != nil {
		return nil, err
	}
	if event.Recipient, err = requireAddress("email.recipient", raw.Recipient); err != nil {
		return nil, err
	}

	if raw.Subject != nil {
		event.Subject = *raw.Subject
	}
	if raw.Body != nil {
		event.Body = *raw.Body
	}

	if raw.Attachments == nil {
		return nil, &ValidationError{Field: "email.attachments", Message: "field is required"}
	}
	event.Attachments = make([]AttachmentRef, 0, len(*raw.Attachments))
	for i, a := range *raw.Attachments {
		ref, err := toAttachmentRef(i, a)
		if err != nil {
			return nil, err
		}
		event.Attachments = append(event.Attachments, ref)
	}

	return event, nil
}

func requireAddress(field string, value *string) (string, error) {
	if value == nil || strings.TrimSpace(*value) == "" {
		return "", &ValidationError{Field: field, Message: "field is required"}
	}
	addr, err := mail.ParseAddress(strings.TrimSpace(*value))
	if err != nil {
		return "", &ValidationError{Field: field, Message: fmt.Sprintf("invalid address: %v", err)}
	}
	return addr.Address, nil
}

func toAttachmentRef(i int, a rawAttachment) (AttachmentRef, error) {
	fields := []struct {
		name  string
		value *string
	}{
		{"mimetype", a.MimeType},
		{"bucket", a.Bucket},
		{"file_name", a.FileName},
		{"full_path", a.FullPath},
	}
	for _, f := range fields {
		if f.value == nil || *f.value == "" {
			return AttachmentRef{}, &ValidationError{
				Field:   fmt.Sprintf("email.attachments[%d].%s", i, f.name),
				Message: "field is required",
			}
		}
	}
	return AttachmentRef{
		MimeType: *a.MimeType,
		Bucket:   *a.Bucket,
		FileName: *a.FileName,
		FullPath: *a.FullPath,
	}, nil
}
