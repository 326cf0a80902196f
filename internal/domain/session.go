package domain

import "strings"

// Session holds the backend identifiers of the single conversation an engine manages.
// The ended flag lives with the controller that owns the session.
type Session struct {
	ChatKey string
	Token   string
}

// HasCredentials returns true once a chat token has been issued or resumed.
func (s Session) HasCredentials() bool {
	return s.Token != "" && s.ChatKey != ""
}

// ResumeHandle is the pair a host persists to reopen a conversation later.
type ResumeHandle struct {
	ChatKey string `json:"chat_key"`
	Token   string `json:"token"`
}

// Valid returns true if both identifiers are present.
func (h *ResumeHandle) Valid() bool {
	return h != nil && strings.TrimSpace(h.ChatKey) != "" && strings.TrimSpace(h.Token) != ""
}

// Identity carries the caller fields sent when creating a conversation.
type Identity struct {
	Email         string
	Name          string
	CWID          string
	Namespace     string
	Phone         string
	SecurityToken string
	// CustomData is an opaque payload forwarded JSON-encoded to the backend.
	CustomData any
}

// Key returns the identifier hosts use to look up a stored resume handle.
func (i Identity) Key() string {
	return strings.ToLower(strings.TrimSpace(i.Email)) + "@" + strings.TrimSpace(i.Namespace)
}
