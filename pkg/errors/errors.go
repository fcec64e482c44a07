package errors

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidEventSchema    = NewError("INVALID_EVENT_SCHEMA", "event does not match the inbound schema")
	ErrUnauthorizedRecipient = NewError("UNAUTHORIZED_RECIPIENT", "recipient is not registered in the sender mapping").AsFatal()
	ErrSecretUnavailable     = NewError("SECRET_UNAVAILABLE", "sender credential could not be resolved").AsRetryable()
	ErrAttachmentFetchFailed = NewError("ATTACHMENT_FETCH_FAILED", "attachment could not be fetched").AsRetryable()
	ErrMailClient            = NewError("MAIL_CLIENT_ERROR", "mail client connect or send failed").AsRetryable()
	ErrConfiguration         = NewError("CONFIGURATION_ERROR", "invalid configuration").AsFatal()
	ErrTimeout               = NewError("TIMEOUT", "event processing exceeded its time budget").AsFatal()
	ErrInternal              = NewError("INTERNAL_ERROR", "internal error")
)

type RetryableError interface {
	error
	IsRetryable() bool
}

type FatalError interface {
	error
	IsFatal() bool
}

type Error struct {
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	retryable *bool
}

func NewError(code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
	}
}

func (e *Error) Error() string {
	msg := e.Message

	if len(e.Details) > 0 {
		if detailMsg, ok := e.Details["message"].(string); ok && detailMsg != "" {
			msg = detailMsg
		}
	}

	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches on Code so sentinel comparisons survive WithCause/WithDetail copies.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

func (e *Error) IsRetryable() bool {
	if e.retryable != nil {
		return *e.retryable
	}
	if e.Cause != nil {
		var retryableErr RetryableError
		if errors.As(e.Cause, &retryableErr) {
			return retryableErr.IsRetryable()
		}
		var fatalErr FatalError
		if errors.As(e.Cause, &fatalErr) {
			return !fatalErr.IsFatal()
		}
	}
	return e.Code != ErrInvalidEventSchema.Code
}

func (e *Error) IsFatal() bool {
	return !e.IsRetryable()
}

func (e *Error) WithCause(cause error) *Error {
	err := *e
	err.Cause = cause
	return &err
}

func (e *Error) WithDetail(key string, value interface{}) *Error {
	err := *e
	details := make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value
	err.Details = details
	return &err
}

func (e *Error) WithMessage(message string) *Error {
	err := *e
	err.Message = message
	return &err
}

func (e *Error) AsRetryable() *Error {
	err := *e
	retryable := true
	err.retryable = &retryable
	return &err
}

func (e *Error) AsFatal() *Error {
	err := *e
	retryable := false
	err.retryable = &retryable
	return &err
}

func Wrap(err error, appErr *Error) *Error {
	if err == nil {
		return nil
	}
	return appErr.WithCause(err)
}

// Code returns the taxonomy code of err, or ErrInternal's code for foreign errors.
func Code(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal.Code
}

func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var retryableErr RetryableError
	if errors.As(err, &retryableErr) {
		return retryableErr.IsRetryable()
	}
	var fatalErr FatalError
	if errors.As(err, &fatalErr) {
		return !fatalErr.IsFatal()
	}
	return true
}

// IsRejection reports whether err is a policy rejection: the event is
// unprocessable and must be acknowledged rather than redelivered.
func IsRejection(err error) bool {
	var appErr *Error
	if !errors.As(err, &appErr) {
		return false
	}
	return appErr.Code == ErrInvalidEventSchema.Code || appErr.Code == ErrUnauthorizedRecipient.Code
}

func IsConfiguration(err error) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code == ErrConfiguration.Code
	}
	return false
}

// Fields flattens err into structured log fields. Details are copied as-is, so
// callers must never attach secret material.
func Fields(err error) []interface{} {
	var appErr *Error
	if !errors.As(err, &appErr) {
		return []interface{}{"error", err}
	}

	fields := []interface{}{"error", err, "error_code", appErr.Code}
	for k, v := range appErr.Details {
		if k == "message" {
			continue
		}
		fields = append(fields, k, v)
	}
	return fields
}
