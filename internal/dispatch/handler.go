package dispatch

import (
	"context"
	"time"

	apperrors "ewsdispatch/pkg/errors"
	"ewsdispatch/pkg/metrics"
	"ewsdispatch/pkg/models"
)

// Handle decodes one inbound payload and processes it. A nil error means
// acknowledge. Rejections are recognised with apperrors.IsRejection; any
// other error asks the transport to redeliver.
func (d *Dispatcher) Handle(ctx context.Context, body []byte) error {
	start := time.Now()
	event, err := models.DecodeEvent(body)
	if err != nil {
		metrics.ObserveEvent(Reject.String(), string(StageReceived), time.Since(start))
		d.log.WarnwCtx(ctx, "Event rejected", append(apperrors.Fields(err), "stage", StageReceived, "size_bytes", len(body))...)
		return err
	}

	res := d.Process(ctx, event)
	if res.Outcome == Ack {
		return nil
	}
	return res.Err
}
