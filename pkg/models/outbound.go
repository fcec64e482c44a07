package models

import (
	"strings"
	"time"
)

// Attachment is a materialized attachment ready to be sent.
type Attachment struct {
	FileName string
	Content  []byte
	MimeType string
}

// OutboundMessage is built fresh for every send and never reused.
type OutboundMessage struct {
	From        string
	To          string
	ReplyTo     string
	Subject     string
	Body        string
	Attachments []Attachment

	// MessageID and Date are derived from the event so a redelivered event
	// renders the same MIME headers.
	MessageID string
	Date      time.Time
}

func (m *OutboundMessage) AttachmentNames() []string {
	names := make([]string, len(m.Attachments))
	for i, a := range m.Attachments {
		names[i] = a.FileName
	}
	return names
}

// MessageID renders a Message-ID header value for key under the domain of
// address.
func MessageID(key, address string) string {
	domain := "localhost"
	if at := strings.LastIndex(address, "@"); at >= 0 && at < len(address)-1 {
		domain = address[at+1:]
	}
	return "<" + key + "@" + domain + ">"
}
