package dispatch

import "ewsdispatch/internal/reply"

// Outcome is what the transport should do with the delivery.
type Outcome int

const (
	// Ack removes the message; the work is done.
	Ack Outcome = iota
	// Reject acknowledges a message that can never succeed and reports it.
	Reject
	// Nack returns the message for redelivery or dead-lettering.
	Nack
)

func (o Outcome) String() string {
	switch o {
	case Ack:
		return "ack"
	case Reject:
		return "reject"
	case Nack:
		return "nack"
	default:
		return "unknown"
	}
}

type Stage string

const (
	StageReceived         Stage = "RECEIVED"
	StageIdentityResolved Stage = "IDENTITY_RESOLVED"
	StageAttachmentsReady Stage = "ATTACHMENTS_READY"
	StageSent             Stage = "SENT"
	StageReplySent        Stage = "REPLY_SENT"
	StageNoReply          Stage = "NO_REPLY"
	StageAcked            Stage = "ACKED"
	StageFailed           Stage = "FAILED"
)

// Result reports how one event ended. ReplyErr never changes Outcome.
type Result struct {
	Outcome Outcome
	Stage   Stage

	// FailedAt is the last stage reached before a failure.
	FailedAt      Stage
	Err           error
	ReplyErr      error
	ReplyDecision reply.Decision
	PrimarySent   bool
	ReplySent     bool
}

// FailedAtOrStage is the stage label used for metrics.
func (r Result) FailedAtOrStage() Stage {
	if r.Stage == StageFailed {
		return r.FailedAt
	}
	return r.Stage
}
