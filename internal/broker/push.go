package broker

import (
	"context"
	"encoding/base64"
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"

	"ewsdispatch/internal/config"
	"ewsdispatch/internal/constants"
	"ewsdispatch/internal/logger"
	apperrors "ewsdispatch/pkg/errors"
	"ewsdispatch/pkg/metrics"
)

// PushEnvelope is the body of one push delivery.
type PushEnvelope struct {
	Message struct {
		Data       string            `json:"data"`
		MessageID  string            `json:"messageId"`
		Attributes map[string]string `json:"attributes"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// PushConsumer receives deliveries over HTTP. The response code settles the
// delivery: 204 acknowledges, 200 acknowledges a rejected event and 500
// asks the sender to redeliver.
type PushConsumer struct {
	cfg         config.PushConfig
	logger      logger.Logger
	serviceName string
	handler     atomic.Pointer[HandlerFunc]
}

func NewPushConsumer(cfg config.PushConfig, log logger.Logger) *PushConsumer {
	return &PushConsumer{cfg: cfg, logger: log, serviceName: "unknown"}
}

func (c *PushConsumer) SetServiceName(name string) {
	c.serviceName = name
}

// Register mounts the push endpoint on router.
func (c *PushConsumer) Register(router gin.IRoutes) {
	router.POST(c.cfg.Path, c.serve)
}

// Consume installs handler and blocks until ctx is done. Deliveries made
// before Consume is called get 503.
func (c *PushConsumer) Consume(ctx context.Context, handler HandlerFunc) error {
	c.handler.Store(&handler)
	c.logger.Infow("Accepting push deliveries", "path", c.cfg.Path, "service_name", c.serviceName)
	<-ctx.Done()
	c.handler.Store(nil)
	return nil
}

func (c *PushConsumer) Close() error {
	c.handler.Store(nil)
	return nil
}

func (c *PushConsumer) serve(ctx *gin.Context) {
	handler := c.handler.Load()
	if handler == nil {
		ctx.JSON(http.StatusServiceUnavailable, gin.H{"error": "consumer not running"})
		return
	}

	var envelope PushEnvelope
	if err := ctx.ShouldBindJSON(&envelope); err != nil {
		c.rejectEnvelope(ctx, "invalid push envelope: "+err.Error())
		return
	}
	body, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		c.rejectEnvelope(ctx, "message data is not base64: "+err.Error())
		return
	}

	headers := envelope.Message.Attributes
	if headers == nil {
		headers = make(map[string]string)
	}
	msg := Message{
		ID:      envelope.Message.MessageID,
		Body:    body,
		Headers: headers,
		Source:  envelope.Subscription,
	}

	err = process(ctx.Request.Context(), c.logger, constants.BrokerPush, c.serviceName, msg, *handler,
		func(_ context.Context, verdict Verdict, herr error) error {
			written := len(ctx.Errors)
			switch verdict {
			case VerdictAck:
				ctx.Status(http.StatusNoContent)
			case VerdictReject:
				ctx.JSON(http.StatusOK, gin.H{"status": "rejected", "error_code": apperrors.Code(herr)})
			default:
				ctx.JSON(http.StatusInternalServerError, gin.H{"status": "failed", "error_code": apperrors.Code(herr)})
			}
			// gin records render failures on the context.
			if len(ctx.Errors) > written {
				return ctx.Errors.Last().Err
			}
			return nil
		})
	if err != nil {
		c.logger.ErrorwCtx(ctx.Request.Context(), "Failed to settle push delivery",
			"message_id", msg.ID,
			"source", msg.Source,
			"error", err,
		)
	}
}

// rejectEnvelope acknowledges a delivery that can never be decoded.
func (c *PushConsumer) rejectEnvelope(ctx *gin.Context, reason string) {
	metrics.IncBrokerAck(constants.BrokerPush, string(VerdictReject))
	c.logger.WarnwCtx(ctx.Request.Context(), "Rejected push delivery", "reason", reason)
	ctx.JSON(http.StatusOK, gin.H{"status": "rejected", "error_code": apperrors.ErrInvalidEventSchema.Code})
}
