package ews

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	"ewsdispatch/pkg/models"
)

const defaultAttachmentType = "application/octet-stream"

// BuildMIME renders msg as the RFC 5322 document carried in MimeContent.
// The output only depends on msg, so a redelivered event produces the same
// bytes.
func BuildMIME(msg *models.OutboundMessage) ([]byte, error) {
	var h mail.Header
	date := msg.Date
	if date.IsZero() {
		date = time.Now()
	}
	h.SetDate(date)
	h.SetAddressList("From", []*mail.Address{{Address: msg.From}})
	h.SetAddressList("To", []*mail.Address{{Address: msg.To}})
	if msg.ReplyTo != "" {
		h.SetAddressList("Reply-To", []*mail.Address{{Address: msg.ReplyTo}})
	}
	h.SetSubject(msg.Subject)
	if msg.MessageID != "" {
		h.Set("Message-Id", msg.MessageID)
	}
	h.Set("Mime-Version", "1.0")
	h.SetContentType("multipart/mixed", map[string]string{"boundary": boundary(msg)})

	var buf bytes.Buffer
	w, err := message.CreateWriter(&buf, h.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to create mime writer: %w", err)
	}

	var bh mail.InlineHeader
	bh.SetContentType("text/html", map[string]string{"charset": "utf-8"})
	bh.Set("Content-Transfer-Encoding", "quoted-printable")
	if err := writePart(w, bh.Header, []byte(msg.Body)); err != nil {
		return nil, fmt.Errorf("failed to write body: %w", err)
	}

	for _, a := range msg.Attachments {
		mimeType := a.MimeType
		if mimeType == "" {
			mimeType = defaultAttachmentType
		}
		var ah mail.AttachmentHeader
		ah.SetContentType(mimeType, map[string]string{"name": a.FileName})
		ah.SetFilename(a.FileName)
		ah.Set("Content-Transfer-Encoding", "base64")
		if err := writePart(w, ah.Header, a.Content); err != nil {
			return nil, fmt.Errorf("failed to write attachment %q: %w", a.FileName, err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close mime writer: %w", err)
	}
	return buf.Bytes(), nil
}

func writePart(w *message.Writer, h message.Header, content []byte) error {
	pw, err := w.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.Copy(pw, bytes.NewReader(content)); err != nil {
		pw.Close()
		return err
	}
	return pw.Close()
}

func boundary(msg *models.OutboundMessage) string {
	sum := sha256.Sum256([]byte(msg.MessageID + "\x00" + msg.Subject + "\x00" + msg.To))
	return "=_ews_" + hex.EncodeToString(sum[:14])
}
