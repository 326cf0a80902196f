package engine

import (
	"context"

	"github.com/ashureev/supportchat/internal/domain"
)

// Handle lets a host drive the engine from outside its normal call surface.
// Every function routes through the event loop.
type Handle struct {
	Send          func(ctx context.Context, text string) (domain.Message, error)
	Retry         func(ctx context.Context, id int64) error
	End           func(ctx context.Context) error
	ContinueLater func(ctx context.Context) error
	// ReplaceMessages swaps the whole conversation. Ids must be strictly
	// increasing; zero ids are assigned.
	ReplaceMessages func(ctx context.Context, msgs []domain.Message) error
	// MarkEnded ends the conversation without a notice or backend call.
	MarkEnded  func(ctx context.Context) error
	SetLoading func(ctx context.Context, loading bool) error
	Snapshot   func() State
}

// Handle returns the command/query bundle for this engine.
func (e *Engine) Handle() Handle {
	return Handle{
		Send:            e.SendMessage,
		Retry:           e.RetryMessage,
		End:             e.EndChat,
		ContinueLater:   e.ContinueLater,
		ReplaceMessages: e.replaceMessages,
		MarkEnded:       e.markEnded,
		SetLoading:      e.setLoading,
		Snapshot:        e.State,
	}
}

func (e *Engine) replaceMessages(ctx context.Context, msgs []domain.Message) error {
	var replaceErr error
	if err := e.call(ctx, func() {
		replaceErr = e.store.Replace(msgs)
		if replaceErr != nil {
			return
		}
		for id := range e.inFlight {
			if _, ok := e.store.Get(id); !ok {
				delete(e.inFlight, id)
			}
		}
	}); err != nil {
		return err
	}
	return replaceErr
}

func (e *Engine) markEnded(ctx context.Context) error {
	var first bool
	if err := e.call(ctx, func() {
		first = e.ended.CompareAndSwap(false, true)
	}); err != nil {
		return err
	}
	if first {
		e.afterEnded()
	}
	return nil
}

func (e *Engine) setLoading(ctx context.Context, loading bool) error {
	return e.call(ctx, func() { e.loading = loading })
}
