package transcript

import (
	"context"

	"github.com/ashureev/supportchat/internal/domain"
	"github.com/ashureev/supportchat/internal/engine"
)

// Follow turns engine snapshots into transcript events until ctx ends or the
// stream closes. New messages, user status changes and the end of the
// conversation are recorded once each.
//
// The engine stream keeps only the latest snapshot for a slow reader, so the
// transcript is best-effort about intermediate statuses: a message that went
// from sending to sent between two snapshots is logged once, already sent.
// Message bodies and the final status of every message are never lost.
func Follow(ctx context.Context, updates <-chan engine.State, l Logger) {
	seen := make(map[int64]domain.Status)
	ended := false
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-updates:
			if !ok {
				return
			}
			for _, m := range st.Messages {
				prev, known := seen[m.ID]
				seen[m.ID] = m.Status
				switch {
				case !known:
					l.Log(messageEvent(st.ChatKey, EventMessage, m))
				case prev != m.Status:
					l.Log(messageEvent(st.ChatKey, EventStatus, m))
				}
			}
			if st.Ended && !ended {
				ended = true
				l.Log(Event{ChatKey: st.ChatKey, EventType: EventEnded})
			}
		}
	}
}

func messageEvent(chatKey, eventType string, m domain.Message) Event {
	ev := Event{
		ChatKey:         chatKey,
		EventType:       eventType,
		MessageID:       m.ID,
		Direction:       string(m.Direction),
		Status:          string(m.Status),
		ServerMessageID: m.ServerMessageID,
	}
	if eventType == EventMessage {
		ev.SenderName = m.SenderName
		ev.Body = m.Body
	}
	return ev
}
