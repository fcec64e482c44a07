package dispatch

import (
	"context"

	"ewsdispatch/internal/ews"
	"ewsdispatch/pkg/models"
)

// Mailbox sends messages as one connected account.
type Mailbox interface {
	Send(ctx context.Context, msg *models.OutboundMessage) error
}

// MailClient opens a mailbox per event. Sessions are never pooled so a
// credential is only used for the account it belongs to.
type MailClient interface {
	Connect(ctx context.Context, params ews.ConnectParams) (Mailbox, error)
}

type ewsMailClient struct {
	client *ews.Client
}

// NewEWSMailClient adapts an EWS client to MailClient.
func NewEWSMailClient(client *ews.Client) MailClient {
	return &ewsMailClient{client: client}
}

func (c *ewsMailClient) Connect(ctx context.Context, params ews.ConnectParams) (Mailbox, error) {
	session, err := c.client.Connect(ctx, params)
	if err != nil {
		return nil, err
	}
	return session, nil
}
