package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"

	"github.com/ashureev/supportchat/internal/wire"
)

// DefaultTypingWindow is how long a typing notice stays active without a refresh.
const DefaultTypingWindow = 3 * time.Second

// Events receives inbound traffic and state changes. Callbacks run on the
// manager's goroutines and must not block; nil callbacks are skipped.
type Events struct {
	// OnText receives text records in arrival order.
	OnText func(wire.Record)
	// OnEnd is called when the backend ends the conversation.
	OnEnd func()
	// OnNotice receives queue and agent-accept notices.
	OnNotice func(wire.Kind)
	// OnTyping is called when the typing flag flips.
	OnTyping func(typing bool)
	// OnStateChange is called after every phase transition.
	OnStateChange func(ConnectionState)
}

// Options configures a Manager.
type Options struct {
	Dialer       Dialer
	Policy       ReconnectPolicy
	TypingWindow time.Duration
	// Ended reports whether the conversation is over. It is consulted before
	// every reconnect decision and is the only thing that stops retries.
	Ended  func() bool
	Events Events
	Logger *slog.Logger
}

// Manager owns the live connection lifecycle for one conversation.
type Manager struct {
	dialer       Dialer
	policy       ReconnectPolicy
	typingWindow time.Duration
	ended        func() bool
	events       Events
	logger       *slog.Logger

	mu      sync.Mutex
	state   ConnectionState
	conn    Conn
	cancel  context.CancelFunc
	done    chan struct{}
	started bool

	typing      bool
	typingGen   uint64
	typingTimer *time.Timer

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// NewManager creates an idle manager.
func NewManager(opts Options) *Manager {
	if opts.Dialer == nil {
		opts.Dialer = WebsocketDialer{}
	}
	if opts.TypingWindow <= 0 {
		opts.TypingWindow = DefaultTypingWindow
	}
	if opts.Ended == nil {
		opts.Ended = func() bool { return false }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		dialer:       opts.Dialer,
		policy:       opts.Policy,
		typingWindow: opts.TypingWindow,
		ended:        opts.Ended,
		events:       opts.Events,
		logger:       opts.Logger.With("component", "transport"),
		done:         make(chan struct{}),
	}
}

// Start moves the manager from idle to connecting and keeps the connection
// alive in the background until the conversation ends or Close is called.
func (m *Manager) Start(ctx context.Context, url string) error {
	m.mu.Lock()
	if m.started || m.state.Phase != PhaseIdle {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	go m.run(ctx, url)
	return nil
}

// State returns a copy of the connection state.
func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Phase returns the current phase.
func (m *Manager) Phase() Phase {
	return m.State().Phase
}

// Typing reports whether the remote party is currently composing.
func (m *Manager) Typing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.typing
}

// Send writes v as a JSON frame over the open connection.
// The live channel carries no per-message acknowledgement.
func (m *Manager) Send(ctx context.Context, v any) error {
	m.mu.Lock()
	conn := m.conn
	phase := m.state.Phase
	m.mu.Unlock()
	if conn == nil || phase != PhaseOpen {
		return ErrNotOpen
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.Write(ctx, data)
}

// Close releases the live connection, the pending reconnect timer and the
// typing timer, and leaves the manager in the closed phase.
func (m *Manager) Close() error {
	var closeErr error
	m.closeOnce.Do(func() {
		m.mu.Lock()
		cancel := m.cancel
		conn := m.conn
		started := m.started
		m.started = true
		m.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if conn != nil {
			closeErr = conn.Close()
		}
		if started && cancel != nil {
			<-m.done
		}
		m.stopTyping(false)
		m.transition(PhaseClosed, nil)
	})
	return closeErr
}

func (m *Manager) run(ctx context.Context, url string) {
	defer close(m.done)

	b := m.policy.newBackOff()
	for {
		if ctx.Err() != nil || m.ended() {
			m.transition(PhaseClosed, nil)
			return
		}

		var attempt int
		m.transition(PhaseConnecting, func(s *ConnectionState) {
			s.Attempts++
			attempt = s.Attempts
		})

		conn, err := m.dialer.Dial(ctx, url)
		if err != nil {
			if ctx.Err() != nil {
				m.transition(PhaseClosed, nil)
				return
			}
			m.logger.Warn("Live connection attempt failed", "error", &TransportError{Op: "dial", Attempt: attempt, Err: err})
			if m.ended() {
				m.transition(PhaseClosed, nil)
				return
			}
			if !m.waitReconnect(ctx, b) {
				return
			}
			continue
		}

		m.mu.Lock()
		m.conn = conn
		m.mu.Unlock()
		b.Reset()
		m.transition(PhaseOpen, func(s *ConnectionState) { s.RetryCount = 0 })
		m.logger.Info("Live connection open", "attempt", attempt)

		err = m.readLoop(ctx, conn)

		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()
		if closeErr := conn.Close(); closeErr != nil {
			m.logger.Debug("Failed to close live connection", "error", closeErr)
		}

		if ctx.Err() != nil {
			m.transition(PhaseClosed, nil)
			return
		}
		if m.ended() {
			m.logger.Info("Live connection closed after conversation ended")
			m.transition(PhaseClosed, nil)
			return
		}
		if websocket.CloseStatus(err) != -1 {
			m.logger.Info("Live connection closed by backend", "status", websocket.CloseStatus(err))
		} else {
			m.logger.Warn("Live connection lost", "error", &TransportError{Op: "read", Attempt: attempt, Err: err})
		}
		if !m.waitReconnect(ctx, b) {
			return
		}
	}
}

// waitReconnect enters reconnect-pending and sleeps for the next delay.
// It returns false when the manager was shut down while waiting.
func (m *Manager) waitReconnect(ctx context.Context, b *backoff.ExponentialBackOff) bool {
	var retries int
	m.transition(PhaseReconnectPending, func(s *ConnectionState) {
		s.RetryCount++
		retries = s.RetryCount
	})

	delay := nextDelay(b)
	m.logger.Debug("Reconnect scheduled", "delay", delay, "retry_count", retries)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		m.transition(PhaseClosed, nil)
		return false
	case <-timer.C:
		return true
	}
}

func (m *Manager) readLoop(ctx context.Context, conn Conn) error {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		rec, err := wire.ParseFrame(data)
		if err != nil {
			m.logger.Warn("Discarding malformed frame", "error", err, "size", len(data))
			continue
		}
		m.dispatch(rec)
	}
}

func (m *Manager) dispatch(rec wire.Record) {
	kind := rec.Kind()
	switch kind {
	case wire.KindQueueNotice, wire.KindAgentAccept:
		m.logger.Debug("Conversation notice", "kind", kind.String(), "text", rec.Text)
		if m.events.OnNotice != nil {
			m.events.OnNotice(kind)
		}
	case wire.KindTyping:
		m.startTyping()
	case wire.KindText:
		m.stopTyping(true)
		if m.events.OnText != nil {
			m.events.OnText(rec)
		}
	case wire.KindEnd:
		m.logger.Info("Conversation ended by backend")
		if m.events.OnEnd != nil {
			m.events.OnEnd()
		}
	default:
		m.logger.Debug("Ignoring frame", "type", rec.Type)
	}
}

// startTyping sets the typing flag and restarts the clear timer.
func (m *Manager) startTyping() {
	m.mu.Lock()
	m.typingGen++
	gen := m.typingGen
	if m.typingTimer != nil {
		m.typingTimer.Stop()
	}
	wasTyping := m.typing
	m.typing = true
	m.typingTimer = time.AfterFunc(m.typingWindow, func() { m.expireTyping(gen) })
	m.mu.Unlock()

	if !wasTyping && m.events.OnTyping != nil {
		m.events.OnTyping(true)
	}
}

// expireTyping clears the flag unless a newer notice restarted the timer.
func (m *Manager) expireTyping(gen uint64) {
	m.mu.Lock()
	if gen != m.typingGen || !m.typing {
		m.mu.Unlock()
		return
	}
	m.typing = false
	m.typingTimer = nil
	m.mu.Unlock()

	if m.events.OnTyping != nil {
		m.events.OnTyping(false)
	}
}

// stopTyping cancels the clear timer and drops the flag.
func (m *Manager) stopTyping(notify bool) {
	m.mu.Lock()
	m.typingGen++
	if m.typingTimer != nil {
		m.typingTimer.Stop()
		m.typingTimer = nil
	}
	wasTyping := m.typing
	m.typing = false
	m.mu.Unlock()

	if notify && wasTyping && m.events.OnTyping != nil {
		m.events.OnTyping(false)
	}
}

// transition moves to phase, applying mutate under the lock, and reports the
// new state. Repeated transitions into closed are collapsed.
func (m *Manager) transition(phase Phase, mutate func(*ConnectionState)) {
	m.mu.Lock()
	if m.state.Phase == PhaseClosed {
		m.mu.Unlock()
		return
	}
	m.state.Phase = phase
	if mutate != nil {
		mutate(&m.state)
	}
	state := m.state
	m.mu.Unlock()

	if m.events.OnStateChange != nil {
		m.events.OnStateChange(state)
	}
}
