package dispatch

import (
	"ewsdispatch/internal/identity"
	"ewsdispatch/pkg/models"
)

// Assemble builds the primary message. It performs no I/O and returns the
// same message for the same inputs.
func Assemble(event *models.EmailEvent, attachments []models.Attachment, record identity.SenderRecord) models.OutboundMessage {
	atts := make([]models.Attachment, len(attachments))
	copy(atts, attachments)

	return models.OutboundMessage{
		From:        record.SenderAccount,
		To:          record.Destination(event),
		Subject:     event.Subject,
		Body:        event.Body,
		Attachments: atts,
		MessageID:   models.MessageID(event.Fingerprint(), record.SenderAccount),
		Date:        event.ReceivedOn,
	}
}
