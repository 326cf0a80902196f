package engine

import (
	"errors"
	"fmt"
)

// Command rejections. The message store is left untouched when any of these is returned.
var (
	ErrEmptyMessage     = errors.New("message is empty")
	ErrNoSession        = errors.New("no active session")
	ErrChatEnded        = errors.New("conversation has ended")
	ErrDeliveryInFlight = errors.New("delivery already in flight")
	ErrMessageNotFound  = errors.New("message not found")
	ErrNotRetryable     = errors.New("message is not in a retryable state")
	ErrClosed           = errors.New("engine closed")
	ErrAlreadyStarted   = errors.New("engine already started")
)

// InitializationError reports that a session could not be created or resumed.
// The engine keeps running without credentials or without history.
type InitializationError struct {
	Op  string
	Err error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("initialize session: %s: %v", e.Op, e.Err)
}

func (e *InitializationError) Unwrap() error { return e.Err }

// DeliveryError reports a failed delivery attempt for one message.
type DeliveryError struct {
	MessageID int64
	Channel   string
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver message %d over %s: %v", e.MessageID, e.Channel, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
