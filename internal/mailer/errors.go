package mailer

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized means the requesting user does not own the resource.
	ErrUnauthorized = errors.New("not authorized")
	// ErrNotFound covers absent campaigns, groups and contacts.
	ErrNotFound = errors.New("not found")
	// ErrEmptyRecipientSet means the resolved group has no contacts.
	ErrEmptyRecipientSet = errors.New("group has no contacts")
	// ErrMalformedPayload means a webhook body is missing mandatory fields
	// or carries an unknown event type. Never retried.
	ErrMalformedPayload = errors.New("malformed webhook payload")
	// ErrUnmatchedEvent means no SentEmail exists for the event's message id.
	// The event is dropped, not queued for later.
	ErrUnmatchedEvent = errors.New("no matching sent email")
	// ErrDuplicateEvent means an event with the same dedup key was already
	// recorded.
	ErrDuplicateEvent = errors.New("duplicate event")
)

// ProviderError wraps a single recipient's send failure. Dispatch recovers
// these locally; they surface only inside DispatchResult.Errors.
type ProviderError struct {
	Recipient string
	Err       error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("send to %s: %v", e.Recipient, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }
