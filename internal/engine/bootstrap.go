package engine

import (
	"context"

	"github.com/ashureev/supportchat/internal/domain"
	"github.com/ashureev/supportchat/internal/wire"
)

type bootstrapResult struct {
	session domain.Session
	history []domain.Message
	created bool
	failed  bool
}

// bootstrap resolves the session off the loop. It issues exactly one of the
// create or history requests.
func (e *Engine) bootstrap(ctx context.Context) bootstrapResult {
	if e.resume.Valid() {
		res := bootstrapResult{session: domain.Session{ChatKey: e.resume.ChatKey, Token: e.resume.Token}}
		records, err := e.backend.History(ctx, e.resume.ChatKey)
		if err != nil {
			// The identifiers stay usable even without the earlier messages.
			e.logger.Warn("Failed to load conversation history", "chat_key", e.resume.ChatKey,
				"error", &InitializationError{Op: "history", Err: err})
			return res
		}
		res.history = wire.HistoryMessages(records, e.now())
		e.logger.Info("Conversation resumed", "chat_key", e.resume.ChatKey, "history", len(res.history))
		return res
	}

	session, err := e.backend.CreateConversation(ctx, e.identity)
	if err != nil {
		e.logger.Error("Failed to create conversation", "error", &InitializationError{Op: "create", Err: err})
		return bootstrapResult{failed: true}
	}
	e.logger.Info("Conversation created", "chat_key", session.ChatKey)
	return bootstrapResult{session: session, created: true}
}

// applyBootstrap runs on the loop. A conversation ended while loading has
// no live connection to start, and the backend learns about the end here
// because EndChat had no token to send.
func (e *Engine) applyBootstrap(res bootstrapResult) {
	defer func() { e.loading = false }()

	if res.failed {
		e.store.Append(domain.NewNotice(e.cfg.ConnectFailedText, e.now()))
		return
	}
	e.session = res.session
	if res.history != nil {
		if err := e.store.Replace(res.history); err != nil {
			e.logger.Warn("Discarding conversation history", "error", err)
		}
	}
	if e.ended.Load() && res.session.Token != "" {
		e.logger.Info("Conversation ended before startup finished", "chat_key", res.session.ChatKey)
		e.notifyEnd(res.session.Token)
	}
}

// runBootstrap drives the whole startup sequence from its own goroutine.
func (e *Engine) runBootstrap() {
	defer e.bootWG.Done()

	res := e.bootstrap(e.ctx)
	if err := e.call(context.Background(), func() { e.applyBootstrap(res) }); err != nil {
		return
	}

	if res.created {
		e.fireStarted(res.session.ChatKey, res.session.Token)
	}
	if !res.session.HasCredentials() || e.ended.Load() {
		return
	}

	url := e.backend.SocketURL(res.session)
	if err := e.transport.Start(e.ctx, url); err != nil {
		e.logger.Debug("Live connection not started", "error", err)
	}
}
