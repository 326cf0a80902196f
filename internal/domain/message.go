// Package domain contains core domain types for the support chat engine.
package domain

import "time"

// Direction identifies which side of the conversation authored a message.
type Direction string

const (
	// DirectionUser marks messages typed by the local end-user.
	DirectionUser Direction = "user"
	// DirectionSupport marks messages from the remote operator or synthetic notices.
	DirectionSupport Direction = "support"
)

// Status is the delivery state of a user message.
// Support messages carry StatusNone and are always considered delivered.
type Status string

const (
	StatusNone    Status = ""
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// CanTransition reports whether a message may move from s to next.
// Allowed: sending->sent, sending->failed, failed->sending.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusSending:
		return next == StatusSent || next == StatusFailed
	case StatusFailed:
		return next == StatusSending
	default:
		return false
	}
}

// Message is one entry of the conversation as shown to the host.
type Message struct {
	ID              int64     `json:"id"`
	Direction       Direction `json:"direction"`
	Body            string    `json:"body"`
	Status          Status    `json:"status,omitempty"`
	Timestamp       string    `json:"timestamp"`
	SenderName      string    `json:"sender_name,omitempty"`
	Avatar          string    `json:"avatar,omitempty"`
	ServerMessageID string    `json:"server_message_id,omitempty"`
}

// NewUserMessage builds an outgoing message in the sending state, stamped with local time.
func NewUserMessage(body string, now time.Time) Message {
	return Message{
		Direction: DirectionUser,
		Body:      body,
		Status:    StatusSending,
		Timestamp: now.Format(time.RFC3339),
	}
}

// NewNotice builds a synthetic support-side message, e.g. connection failure
// or end-of-conversation announcements.
func NewNotice(body string, now time.Time) Message {
	return Message{
		Direction: DirectionSupport,
		Body:      body,
		Timestamp: now.Format(time.RFC3339),
	}
}
