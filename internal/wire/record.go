// Package wire defines the JSON shapes exchanged with the chat backend and
// converts them into domain messages.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ashureev/supportchat/internal/domain"
)

// ClientSender is the sender tag the backend uses for messages written by the end-user.
const ClientSender = "client"

// DefaultSupportName is shown when a support record carries no name or nickname.
const DefaultSupportName = "Support"

// UserSenderName is the display name attached to the end-user's own messages.
const UserSenderName = "You"

// Record types used by the backend.
const (
	TypeSetting     = "setting"
	TypeAgentAccept = "agent_accept"
	TypeTyping      = "typing"
	TypeText        = "text"
	TypeEnd         = "end"
	TypeSystem      = "system"
)

// Kind classifies an inbound record or frame.
type Kind int

const (
	KindUnknown Kind = iota
	// KindQueueNotice signals the conversation is waiting for an operator.
	KindQueueNotice
	// KindAgentAccept signals an operator picked the conversation up.
	KindAgentAccept
	KindTyping
	KindText
	KindEnd
)

func (k Kind) String() string {
	switch k {
	case KindQueueNotice:
		return "queue-notice"
	case KindAgentAccept:
		return "agent-accept-notice"
	case KindTyping:
		return "typing-notice"
	case KindText:
		return "text"
	case KindEnd:
		return "end-notice"
	default:
		return "unknown"
	}
}

// FlexString decodes a JSON string or number into a string.
// The backend is not consistent about msg_id.
type FlexString string

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("msg_id: %w", err)
	}
	*f = FlexString(n.String())
	return nil
}

// InsertDate is the server-side creation stamp of a record.
type InsertDate struct {
	Date string `json:"date"`
	Time string `json:"time"`
}

// Record is both a history entry and a live frame; the two share one shape.
type Record struct {
	Type       string      `json:"type"`
	Sender     string      `json:"sender,omitempty"`
	Message    string      `json:"message,omitempty"`
	Text       string      `json:"text,omitempty"`
	InsertDate *InsertDate `json:"insert_date,omitempty"`
	Name       string      `json:"name,omitempty"`
	Nickname   string      `json:"nickname,omitempty"`
	Avatar     string      `json:"avatar,omitempty"`
	MsgID      FlexString  `json:"msg_id,omitempty"`
}

// ParseFrame decodes a live connection frame.
func ParseFrame(data []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("decode frame: %w", err)
	}
	if r.Type == "" {
		return Record{}, fmt.Errorf("decode frame: missing type")
	}
	return r, nil
}

// Kind classifies the record by its type discriminator.
// Text records without content are reported as KindUnknown.
func (r Record) Kind() Kind {
	switch r.Type {
	case TypeSetting:
		return KindQueueNotice
	case TypeAgentAccept:
		return KindAgentAccept
	case TypeTyping:
		return KindTyping
	case TypeText:
		if r.Body() == "" {
			return KindUnknown
		}
		return KindText
	case TypeEnd:
		return KindEnd
	default:
		return KindUnknown
	}
}

// Body returns the text content. Live frames use "text", history uses "message".
func (r Record) Body() string {
	if r.Text != "" {
		return r.Text
	}
	return r.Message
}

// FromClient reports whether the end-user authored the record.
func (r Record) FromClient() bool {
	return r.Sender == ClientSender
}

// Timestamp returns "date time" from the server stamp, or now in RFC 3339.
func (r Record) Timestamp(now time.Time) string {
	if r.InsertDate != nil && r.InsertDate.Date != "" && r.InsertDate.Time != "" {
		return r.InsertDate.Date + " " + r.InsertDate.Time
	}
	return now.Format(time.RFC3339)
}

// ToMessage converts a text record into a delivered domain message. The id is
// left zero for the message store to assign.
func (r Record) ToMessage(now time.Time) domain.Message {
	msg := domain.Message{
		Body:            r.Body(),
		Timestamp:       r.Timestamp(now),
		Avatar:          r.Avatar,
		ServerMessageID: string(r.MsgID),
	}
	if r.FromClient() {
		msg.Direction = domain.DirectionUser
		msg.Status = domain.StatusSent
		msg.SenderName = UserSenderName
		return msg
	}
	msg.Direction = domain.DirectionSupport
	msg.SenderName = firstNonEmpty(r.Name, r.Nickname, DefaultSupportName)
	return msg
}

// HistoryMessages converts a history listing, skipping system and non-text records.
func HistoryMessages(records []Record, now time.Time) []domain.Message {
	out := make([]domain.Message, 0, len(records))
	for _, r := range records {
		if r.Kind() != KindText {
			continue
		}
		out = append(out, r.ToMessage(now))
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// Outbound is a message written over the live connection.
type Outbound struct {
	Type        string `json:"type"`
	MessageBody string `json:"message_body"`
}

// NewOutboundText builds the live-connection payload for a user message.
func NewOutboundText(body string) Outbound {
	return Outbound{Type: "message", MessageBody: body}
}
