package engine

import (
	"context"
	"strings"

	"github.com/ashureev/supportchat/internal/domain"
	"github.com/ashureev/supportchat/internal/messagestore"
	"github.com/ashureev/supportchat/internal/transport"
	"github.com/ashureev/supportchat/internal/wire"
)

const (
	channelFallback = "fallback"
	channelLive     = "live"
)

// SendMessage appends a user message and delivers it over the fallback channel.
// Empty text, a missing session or an ended conversation are rejected without
// touching the message store.
func (e *Engine) SendMessage(ctx context.Context, text string) (domain.Message, error) {
	var (
		msg    domain.Message
		reject error
	)
	err := e.call(ctx, func() {
		switch {
		case strings.TrimSpace(text) == "":
			reject = ErrEmptyMessage
			return
		case !e.session.HasCredentials():
			reject = ErrNoSession
			return
		case e.ended.Load():
			reject = ErrChatEnded
			return
		}

		msg = e.store.Append(domain.NewUserMessage(text, e.now()))
		e.inFlight[msg.ID] = struct{}{}
		e.deliverFallback(msg.ID, e.session.Token, text)
	})
	if err != nil {
		return domain.Message{}, err
	}
	if reject != nil {
		return domain.Message{}, reject
	}
	return msg, nil
}

// RetryMessage re-delivers a failed message. It uses the live connection when
// open and the fallback channel otherwise. Only one attempt per message may be
// outstanding.
func (e *Engine) RetryMessage(ctx context.Context, id int64) error {
	var reject error
	err := e.call(ctx, func() {
		reject = e.retryLocked(id)
	})
	if err != nil {
		return err
	}
	return reject
}

func (e *Engine) retryLocked(id int64) error {
	if e.ended.Load() {
		return ErrChatEnded
	}
	msg, ok := e.store.Get(id)
	if !ok {
		return ErrMessageNotFound
	}
	if _, busy := e.inFlight[id]; busy {
		return ErrDeliveryInFlight
	}
	if msg.Direction != domain.DirectionUser || msg.Status != domain.StatusFailed {
		return ErrNotRetryable
	}
	if !e.session.HasCredentials() {
		return ErrNoSession
	}

	e.store.Patch(id, messagestore.Patch{Status: domain.StatusSending})
	e.inFlight[id] = struct{}{}

	if e.transport.Phase() == transport.PhaseOpen {
		e.deliverLive(id, msg.Body)
		return nil
	}
	e.deliverFallback(id, e.session.Token, msg.Body)
	return nil
}

// deliverFallback runs on the loop and posts the outcome back to it.
func (e *Engine) deliverFallback(id int64, token, body string) {
	e.spawn(func(ctx context.Context) {
		serverID, err := e.backend.PutMessage(ctx, token, body)
		e.post(func() { e.completeDelivery(id, channelFallback, serverID, err) })
	})
}

// deliverLive writes to the open connection. The live channel has no
// acknowledgement, so a completed write counts as sent.
func (e *Engine) deliverLive(id int64, body string) {
	e.spawn(func(ctx context.Context) {
		err := e.transport.Send(ctx, wire.NewOutboundText(body))
		e.post(func() { e.completeDelivery(id, channelLive, "", err) })
	})
}

// completeDelivery applies a delivery outcome. Outcomes for messages that no
// longer exist are dropped.
func (e *Engine) completeDelivery(id int64, channel, serverID string, err error) {
	delete(e.inFlight, id)

	if err != nil {
		e.logger.Warn("Message delivery failed", "message_id", id,
			"error", &DeliveryError{MessageID: id, Channel: channel, Err: err})
		if _, ok := e.store.Patch(id, messagestore.Patch{Status: domain.StatusFailed}); !ok {
			e.logger.Debug("Dropping delivery outcome for unknown message", "message_id", id)
		}
		return
	}

	if _, ok := e.store.Patch(id, messagestore.Patch{Status: domain.StatusSent, ServerMessageID: serverID}); !ok {
		e.logger.Debug("Dropping delivery outcome for unknown message", "message_id", id)
		return
	}
	e.logger.Debug("Message delivered", "message_id", id, "channel", channel, "server_message_id", serverID)
}
