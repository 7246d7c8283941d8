package provider

import (
	"errors"
	"fmt"
)

// Class buckets a send failure into the handling path the orchestrator takes.
type Class int

const (
	// ClassRetryable failures are transient (timeouts, 5xx, rate limits);
	// the entry is retried with backoff.
	ClassRetryable Class = iota
	// ClassNonRetryable failures are permanent for this message only
	// (rejected content, unknown recipient); the lane advances past it.
	ClassNonRetryable
	// ClassUnsubscribe means the recipient opted out; all pending messages
	// for the client are cancelled.
	ClassUnsubscribe
)

// Error is a classified carrier failure.
type Error struct {
	Code         string
	Message      string
	Retriable    bool
	Unsubscribed bool
}

func (e *Error) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func retryableError(code, message string) *Error {
	return &Error{Code: code, Message: message, Retriable: true}
}

func nonRetryableError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func unsubscribeError(code, message string) *Error {
	return &Error{Code: code, Message: message, Unsubscribed: true}
}

// Classify buckets a SendMessage error. Errors that are not carrier
// classified, such as network failures, default to retryable.
func Classify(err error) Class {
	var pe *Error
	if errors.As(err, &pe) {
		switch {
		case pe.Unsubscribed:
			return ClassUnsubscribe
		case pe.Retriable:
			return ClassRetryable
		default:
			return ClassNonRetryable
		}
	}
	return ClassRetryable
}
