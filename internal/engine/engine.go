// Package engine runs one support conversation: it creates or resumes the
// session, keeps the live connection up, delivers outgoing messages and
// publishes state snapshots to the host.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/supportchat/internal/domain"
	"github.com/ashureev/supportchat/internal/messagestore"
	"github.com/ashureev/supportchat/internal/transport"
	"github.com/ashureev/supportchat/internal/wire"
)

// Backend is the request/response side of the chat backend.
type Backend interface {
	CreateConversation(ctx context.Context, id domain.Identity) (domain.Session, error)
	History(ctx context.Context, chatKey string) ([]wire.Record, error)
	PutMessage(ctx context.Context, token, body string) (string, error)
	EndConversation(ctx context.Context, token string) error
	SocketURL(s domain.Session) string
}

// Hooks are host callbacks. They run outside the event loop but must not
// call Close or EndChat synchronously. OnSessionStarted and OnEnded never
// overlap, and OnSessionStarted is skipped once the conversation has ended.
type Hooks struct {
	// OnSessionStarted fires once after a new conversation is created.
	OnSessionStarted func(chatKey, token string)
	// OnContinueLater fires when the host parks the conversation for later.
	OnContinueLater func()
	// OnEnded fires once when the conversation ends, locally or remotely.
	OnEnded func()
}

// Config holds engine tunables.
type Config struct {
	ConnectFailedText string
	EndedText         string
	Reconnect         transport.ReconnectPolicy
	TypingWindow      time.Duration
	// EndTimeout bounds the best-effort end request.
	EndTimeout time.Duration
}

// DefaultConfig returns English notices, a fixed 3s reconnect delay and a 3s typing window.
func DefaultConfig() Config {
	return Config{
		ConnectFailedText: "Connection could not be established. Please try again.",
		EndedText:         "The conversation has ended.",
		Reconnect:         transport.DefaultReconnectPolicy(),
		TypingWindow:      transport.DefaultTypingWindow,
		EndTimeout:        10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ConnectFailedText == "" {
		c.ConnectFailedText = def.ConnectFailedText
	}
	if c.EndedText == "" {
		c.EndedText = def.EndedText
	}
	if c.Reconnect.InitialDelay <= 0 {
		c.Reconnect = def.Reconnect
	}
	if c.TypingWindow <= 0 {
		c.TypingWindow = def.TypingWindow
	}
	if c.EndTimeout <= 0 {
		c.EndTimeout = def.EndTimeout
	}
	return c
}

// Options configures an Engine.
type Options struct {
	Identity domain.Identity
	// Resume reopens an existing conversation instead of creating one.
	Resume  *domain.ResumeHandle
	Hooks   Hooks
	Backend Backend
	Dialer  transport.Dialer
	Config  Config
	Logger  *slog.Logger
	// Now overrides the clock used for message timestamps.
	Now func() time.Time
}

// State is a point-in-time view of the conversation.
type State struct {
	Messages   []domain.Message `json:"messages"`
	Ended      bool             `json:"ended"`
	Loading    bool             `json:"loading"`
	Phase      transport.Phase  `json:"phase"`
	RetryCount int              `json:"retry_count"`
	Typing     bool             `json:"typing"`
	ChatKey    string           `json:"chat_key,omitempty"`
}

// Engine is the session controller for one conversation.
type Engine struct {
	id        string
	cfg       Config
	backend   Backend
	identity  domain.Identity
	resume    *domain.ResumeHandle
	hooks     Hooks
	logger    *slog.Logger
	now       func() time.Time
	store     *messagestore.Store
	transport *transport.Manager

	// ended only moves from false to true. The transport reads it before
	// every reconnect decision.
	ended atomic.Bool

	events   chan func()
	quit     chan struct{}
	loopDone chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	// Owned by the loop.
	session  domain.Session
	loading  bool
	inFlight map[int64]struct{}

	// hookMu orders OnSessionStarted against OnEnded.
	hookMu sync.Mutex

	lifeMu  sync.Mutex
	started bool
	closed  bool
	stopCtx func() bool
	bootWG  sync.WaitGroup

	stateMu sync.RWMutex
	state   State

	subsMu  sync.Mutex
	subs    map[int]chan State
	nextSub int
}

// New creates an engine and starts its event loop. Start begins the session;
// Close must be called to release it.
func New(opts Options) (*Engine, error) {
	if opts.Backend == nil {
		return nil, errors.New("engine: backend is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		id:       id,
		cfg:      opts.Config.withDefaults(),
		backend:  opts.Backend,
		identity: opts.Identity,
		resume:   opts.Resume,
		hooks:    opts.Hooks,
		logger:   logger.With("component", "engine", "engine_id", id),
		now:      now,
		store:    messagestore.New(),
		events:   make(chan func(), 64),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		loading:  true,
		inFlight: make(map[int64]struct{}),
		subs:     make(map[int]chan State),
	}

	e.transport = transport.NewManager(transport.Options{
		Dialer:       opts.Dialer,
		Policy:       e.cfg.Reconnect,
		TypingWindow: e.cfg.TypingWindow,
		Ended:        e.ended.Load,
		Logger:       logger.With("engine_id", id),
		Events: transport.Events{
			OnText:        e.onText,
			OnEnd:         e.onRemoteEnd,
			OnTyping:      func(bool) { e.post(func() {}) },
			OnStateChange: func(transport.ConnectionState) { e.post(func() {}) },
		},
	})

	e.publish()
	go e.loop()
	return e, nil
}

// ID returns the engine instance id used in logs.
func (e *Engine) ID() string { return e.id }

// Start bootstraps the session in the background. Cancelling ctx stops all
// engine network activity; Close is still required.
func (e *Engine) Start(ctx context.Context) error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.started {
		return ErrAlreadyStarted
	}
	e.started = true
	e.stopCtx = context.AfterFunc(ctx, e.cancel)

	e.bootWG.Add(1)
	go e.runBootstrap()
	return nil
}

// Close tears the engine down: the live connection, its timers, pending
// deliveries and subscriber streams. It is safe to call more than once.
func (e *Engine) Close() error {
	e.lifeMu.Lock()
	if e.closed {
		e.lifeMu.Unlock()
		return nil
	}
	e.closed = true
	stop := e.stopCtx
	e.lifeMu.Unlock()

	if stop != nil {
		stop()
	}
	e.cancel()
	closeErr := e.transport.Close()

	close(e.quit)
	<-e.loopDone
	e.bootWG.Wait()
	e.wg.Wait()

	e.subsMu.Lock()
	for id, ch := range e.subs {
		close(ch)
		delete(e.subs, id)
	}
	e.subsMu.Unlock()

	e.logger.Info("Engine closed")
	return closeErr
}

// EndChat ends the conversation. Only the first call has any effect: it
// appends the end notice, notifies the backend on a best-effort basis and
// closes the live connection.
func (e *Engine) EndChat(ctx context.Context) error {
	var first bool
	err := e.call(ctx, func() {
		if !e.ended.CompareAndSwap(false, true) {
			return
		}
		first = true
		e.store.Append(domain.NewNotice(e.cfg.EndedText, e.now()))

		// Without a token yet, bootstrap sends the end request once it has one.
		if e.session.Token != "" {
			e.notifyEnd(e.session.Token)
		}
	})
	if err != nil {
		return err
	}
	if first {
		e.logger.Info("Conversation ended locally")
		e.afterEnded()
	}
	return nil
}

// notifyEnd tells the backend the conversation is over. Runs on the loop.
func (e *Engine) notifyEnd(token string) {
	e.spawn(func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.EndTimeout)
		defer cancel()
		if err := e.backend.EndConversation(ctx, token); err != nil {
			e.logger.Warn("Failed to notify backend of conversation end", "error", err)
		}
	})
}

// ContinueLater drops the live connection but keeps the conversation open so
// the host can resume it with the same handle.
func (e *Engine) ContinueLater(ctx context.Context) error {
	var ended bool
	if err := e.call(ctx, func() { ended = e.ended.Load() }); err != nil {
		return err
	}
	if ended {
		return ErrChatEnded
	}
	if err := e.transport.Close(); err != nil {
		e.logger.Debug("Failed to close live connection", "error", err)
	}
	e.post(func() {})
	if e.hooks.OnContinueLater != nil {
		e.hooks.OnContinueLater()
	}
	return nil
}

// State returns the latest published snapshot.
func (e *Engine) State() State {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.state
}

// Subscribe streams snapshots, starting with the current one. Slow readers
// only see the latest snapshot. The channel is closed by cancel or Close.
func (e *Engine) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)

	e.subsMu.Lock()
	select {
	case <-e.loopDone:
		e.subsMu.Unlock()
		ch <- e.State()
		close(ch)
		return ch, func() {}
	default:
	}
	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch
	// publish stores the state before taking subsMu, so this seed is never
	// older than a snapshot published after registration.
	ch <- e.State()
	e.subsMu.Unlock()

	return ch, func() {
		e.subsMu.Lock()
		defer e.subsMu.Unlock()
		if c, ok := e.subs[id]; ok {
			close(c)
			delete(e.subs, id)
		}
	}
}

// publish runs on the loop after every event.
func (e *Engine) publish() {
	conn := e.transport.State()
	st := State{
		Messages:   e.store.Snapshot(),
		Ended:      e.ended.Load(),
		Loading:    e.loading,
		Phase:      conn.Phase,
		RetryCount: conn.RetryCount,
		Typing:     e.transport.Typing(),
		ChatKey:    e.session.ChatKey,
	}

	e.stateMu.Lock()
	e.state = st
	e.stateMu.Unlock()

	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- st:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- st:
			default:
			}
		}
	}
}

func (e *Engine) onText(rec wire.Record) {
	e.post(func() {
		e.store.Append(rec.ToMessage(e.now()))
	})
}

// onRemoteEnd marks the conversation ended before returning so the
// transport sees it on the close that usually follows.
func (e *Engine) onRemoteEnd() {
	if !e.ended.CompareAndSwap(false, true) {
		return
	}
	e.logger.Info("Conversation ended by support")
	e.post(func() {})
	e.fireEnded()
}

// afterEnded runs off the loop once the conversation was ended by the host.
func (e *Engine) afterEnded() {
	if err := e.transport.Close(); err != nil {
		e.logger.Debug("Failed to close live connection", "error", err)
	}
	e.post(func() {})
	e.fireEnded()
}

// fireStarted reports a newly created conversation unless it has already
// been ended. It shares hookMu with fireEnded so the host never sees the
// start after the end.
func (e *Engine) fireStarted(chatKey, token string) {
	e.hookMu.Lock()
	defer e.hookMu.Unlock()
	if e.ended.Load() || e.hooks.OnSessionStarted == nil {
		return
	}
	e.hooks.OnSessionStarted(chatKey, token)
}

func (e *Engine) fireEnded() {
	e.hookMu.Lock()
	defer e.hookMu.Unlock()
	if e.hooks.OnEnded != nil {
		e.hooks.OnEnded()
	}
}
