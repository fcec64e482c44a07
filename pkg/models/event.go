package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
)

// InboundMessage is one queue message. Gobits is forwarded untouched.
type InboundMessage struct {
	Gobits []json.RawMessage `json:"gobits"`
	Email  *EmailEvent       `json:"email"`
}

type EmailEvent struct {
	SentOn      time.Time       `json:"sent_on"`
	ReceivedOn  time.Time       `json:"received_on"`
	Sender      string          `json:"sender"`
	Recipient   string          `json:"recipient"`
	Subject     string          `json:"subject"`
	Body        string          `json:"body"`
	Attachments []AttachmentRef `json:"attachments"`

	Gobits []json.RawMessage `json:"-"`
}

type AttachmentRef struct {
	MimeType string `json:"mimetype"`
	Bucket   string `json:"bucket"`
	FileName string `json:"file_name"`
	FullPath string `json:"full_path"`
}

// IsPDF reports whether the descriptor's mimetype denotes a PDF.
func (a AttachmentRef) IsPDF() bool {
	return IsPDFMimeType(a.MimeType)
}

func IsPDFMimeType(mimeType string) bool {
	return strings.HasSuffix(strings.ToLower(strings.TrimSpace(mimeType)), "pdf")
}

// Fingerprint is a stable hex digest of the event's content. Redelivered
// copies of the same event share it.
func (e *EmailEvent) Fingerprint() string {
	h := sha256.New()
	write := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}

	write(e.SentOn.UTC().Format(time.RFC3339Nano))
	write(e.ReceivedOn.UTC().Format(time.RFC3339Nano))
	write(strings.ToLower(e.Sender))
	write(strings.ToLower(e.Recipient))
	write(e.Subject)
	write(e.Body)
	for _, a := range e.Attachments {
		write(a.MimeType)
		write(a.Bucket)
		write(a.FileName)
		write(a.FullPath)
	}

	return hex.EncodeToString(h.Sum(nil))
}

func (e *EmailEvent) PDFCount() int {
	n := 0
	for _, a := range e.Attachments {
		if a.IsPDF() {
			n++
		}
	}
	return n
}
