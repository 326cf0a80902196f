package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/supportchat/internal/wire"
)

var errDialRefused = errors.New("connection refused")

type fakeConn struct {
	frames    chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written []string
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames: make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.closed:
		return nil, io.ErrUnexpectedEOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, data []byte) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, string(data))
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) send(frame string) {
	c.frames <- []byte(frame)
}

// fakeDialer fails the first failures attempts, then hands out fresh fakeConns.
type fakeDialer struct {
	failures int32
	attempts atomic.Int32
	dialed   chan *fakeConn
}

func newFakeDialer(failures int) *fakeDialer {
	return &fakeDialer{failures: int32(failures), dialed: make(chan *fakeConn, 32)}
}

func (d *fakeDialer) Dial(_ context.Context, _ string) (Conn, error) {
	n := d.attempts.Add(1)
	if n <= d.failures {
		return nil, errDialRefused
	}
	c := newFakeConn()
	d.dialed <- c
	return c, nil
}

func (d *fakeDialer) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-d.dialed:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}

type stateRecorder struct {
	mu     sync.Mutex
	states []ConnectionState
}

func (r *stateRecorder) record(s ConnectionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) withPhase(p Phase) []ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ConnectionState
	for _, s := range r.states {
		if s.Phase == p {
			out = append(out, s)
		}
	}
	return out
}

func fastPolicy() ReconnectPolicy {
	return ReconnectPolicy{InitialDelay: 5 * time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 1}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestReconnectCountsConsecutiveFailures(t *testing.T) {
	const failures = 4
	dialer := newFakeDialer(failures)
	rec := &stateRecorder{}
	m := NewManager(Options{
		Dialer: dialer,
		Policy: fastPolicy(),
		Events: Events{OnStateChange: rec.record},
	})
	defer m.Close()

	if err := m.Start(context.Background(), "ws://test"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	dialer.next(t)
	waitFor(t, func() bool { return m.Phase() == PhaseOpen })

	pending := rec.withPhase(PhaseReconnectPending)
	if len(pending) != failures {
		t.Fatalf("expected %d reconnect-pending states, got %d", failures, len(pending))
	}
	for i, s := range pending {
		if s.RetryCount != i+1 {
			t.Errorf("reconnect-pending #%d: retry count %d, want %d", i+1, s.RetryCount, i+1)
		}
	}
	if got := m.State(); got.Attempts != failures+1 || got.RetryCount != 0 {
		t.Fatalf("unexpected state after open: %+v", got)
	}
}

func TestUnexpectedCloseReconnectsAndResetsRetryCount(t *testing.T) {
	dialer := newFakeDialer(0)
	rec := &stateRecorder{}
	m := NewManager(Options{
		Dialer: dialer,
		Policy: fastPolicy(),
		Events: Events{OnStateChange: rec.record},
	})
	defer m.Close()

	if err := m.Start(context.Background(), "ws://test"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	const drops = 3
	for i := 0; i < drops; i++ {
		c := dialer.next(t)
		waitFor(t, func() bool { return m.Phase() == PhaseOpen })
		_ = c.Close()
	}
	dialer.next(t)
	waitFor(t, func() bool { return m.Phase() == PhaseOpen })

	if got := dialer.attempts.Load(); got != drops+1 {
		t.Fatalf("expected %d dials, got %d", drops+1, got)
	}
	for _, s := range rec.withPhase(PhaseReconnectPending) {
		if s.RetryCount != 1 {
			t.Errorf("retry count should reset on open, got %d", s.RetryCount)
		}
	}
}

func TestEndedStopsReconnect(t *testing.T) {
	var ended atomic.Bool
	dialer := newFakeDialer(0)
	m := NewManager(Options{
		Dialer: dialer,
		Policy: fastPolicy(),
		Ended:  ended.Load,
		Events: Events{OnEnd: func() { ended.Store(true) }},
	})
	defer m.Close()

	if err := m.Start(context.Background(), "ws://test"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c := dialer.next(t)
	waitFor(t, func() bool { return m.Phase() == PhaseOpen })

	c.send(`{"type":"end"}`)
	waitFor(t, ended.Load)
	_ = c.Close()

	waitFor(t, func() bool { return m.Phase() == PhaseClosed })
	time.Sleep(30 * time.Millisecond)
	if got := dialer.attempts.Load(); got != 1 {
		t.Fatalf("expected no reconnect after end, got %d dials", got)
	}
}

// dialFunc adapts a function to Dialer.
type dialFunc func(ctx context.Context, url string) (Conn, error)

func (f dialFunc) Dial(ctx context.Context, url string) (Conn, error) { return f(ctx, url) }

func TestEndedDuringFailedDialClosesWithoutWaiting(t *testing.T) {
	var ended atomic.Bool
	var dials atomic.Int32
	dialer := dialFunc(func(context.Context, string) (Conn, error) {
		dials.Add(1)
		ended.Store(true)
		return nil, errDialRefused
	})
	rec := &stateRecorder{}
	m := NewManager(Options{
		Dialer: dialer,
		Policy: ReconnectPolicy{InitialDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 1},
		Ended:  ended.Load,
		Events: Events{OnStateChange: rec.record},
	})
	defer m.Close()

	if err := m.Start(context.Background(), "ws://test"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, func() bool { return m.Phase() == PhaseClosed })

	if got := rec.withPhase(PhaseReconnectPending); len(got) != 0 {
		t.Fatalf("expected no reconnect wait after end, got %+v", got)
	}
	if got := dials.Load(); got != 1 {
		t.Fatalf("expected a single dial, got %d", got)
	}
}

func TestTypingClearsExactlyOnce(t *testing.T) {
	dialer := newFakeDialer(0)
	var mu sync.Mutex
	var flips []bool
	m := NewManager(Options{
		Dialer:       dialer,
		Policy:       fastPolicy(),
		TypingWindow: 40 * time.Millisecond,
		Events: Events{OnTyping: func(v bool) {
			mu.Lock()
			flips = append(flips, v)
			mu.Unlock()
		}},
	})
	defer m.Close()

	if err := m.Start(context.Background(), "ws://test"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c := dialer.next(t)
	c.send(`{"type":"typing"}`)
	waitFor(t, m.Typing)

	// A second notice restarts the window instead of stacking timers.
	time.Sleep(20 * time.Millisecond)
	c.send(`{"type":"typing"}`)
	time.Sleep(30 * time.Millisecond)
	if !m.Typing() {
		t.Fatal("typing should still be active after a refresh")
	}

	waitFor(t, func() bool { return !m.Typing() })
	time.Sleep(60 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(flips) != 2 || !flips[0] || flips[1] {
		t.Fatalf("expected [true false], got %v", flips)
	}
}

func TestTextFrameClearsTyping(t *testing.T) {
	dialer := newFakeDialer(0)
	texts := make(chan wire.Record, 1)
	m := NewManager(Options{
		Dialer:       dialer,
		Policy:       fastPolicy(),
		TypingWindow: time.Minute,
		Events:       Events{OnText: func(r wire.Record) { texts <- r }},
	})
	defer m.Close()

	if err := m.Start(context.Background(), "ws://test"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c := dialer.next(t)
	c.send(`{"type":"typing"}`)
	waitFor(t, m.Typing)
	c.send(`{"type":"text","text":"hello","sender":"agent"}`)

	select {
	case r := <-texts:
		if r.Body() != "hello" {
			t.Fatalf("unexpected body %q", r.Body())
		}
	case <-time.After(time.Second):
		t.Fatal("text frame not delivered")
	}
	if m.Typing() {
		t.Fatal("text frame should clear typing")
	}
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	dialer := newFakeDialer(0)
	texts := make(chan wire.Record, 1)
	m := NewManager(Options{
		Dialer: dialer,
		Policy: fastPolicy(),
		Events: Events{OnText: func(r wire.Record) { texts <- r }},
	})
	defer m.Close()

	if err := m.Start(context.Background(), "ws://test"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c := dialer.next(t)
	c.send(`{not json`)
	c.send(`{"type":"text","text":"still here"}`)

	select {
	case <-texts:
	case <-time.After(time.Second):
		t.Fatal("frame after malformed one was not delivered")
	}
	if m.Phase() != PhaseOpen || dialer.attempts.Load() != 1 {
		t.Fatalf("connection should be untouched, phase=%s dials=%d", m.Phase(), dialer.attempts.Load())
	}
}

func TestCloseReleasesResources(t *testing.T) {
	dialer := newFakeDialer(0)
	m := NewManager(Options{Dialer: dialer, Policy: fastPolicy(), TypingWindow: time.Minute})

	if err := m.Start(context.Background(), "ws://test"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c := dialer.next(t)
	c.send(`{"type":"typing"}`)
	waitFor(t, m.Typing)

	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !c.isClosed() {
		t.Fatal("connection not closed")
	}
	if m.Phase() != PhaseClosed || m.Typing() {
		t.Fatalf("unexpected state after close: %+v typing=%v", m.State(), m.Typing())
	}
	if err := m.Start(context.Background(), "ws://test"); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted after close, got %v", err)
	}
}

func TestCloseDuringReconnectWait(t *testing.T) {
	dialer := newFakeDialer(1000)
	m := NewManager(Options{
		Dialer: dialer,
		Policy: ReconnectPolicy{InitialDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 1},
	})

	if err := m.Start(context.Background(), "ws://test"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, func() bool { return m.Phase() == PhaseReconnectPending })

	done := make(chan struct{})
	go func() {
		_ = m.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close blocked on the reconnect timer")
	}
	if m.Phase() != PhaseClosed {
		t.Fatalf("expected closed, got %s", m.Phase())
	}
}

func TestSendRequiresOpenConnection(t *testing.T) {
	m := NewManager(Options{Dialer: newFakeDialer(0)})
	if err := m.Send(context.Background(), wire.NewOutboundText("hi")); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen, got %v", err)
	}
}

func TestReconnectPolicyCeiling(t *testing.T) {
	p := ReconnectPolicy{InitialDelay: 100 * time.Millisecond, MaxDelay: 400 * time.Millisecond, Multiplier: 2}
	b := p.newBackOff()

	want := []time.Duration{100, 200, 400, 400, 400}
	for i, w := range want {
		if got := nextDelay(b).Round(time.Millisecond); got != w*time.Millisecond {
			t.Errorf("delay #%d = %v, want %v", i+1, got, w*time.Millisecond)
		}
	}

	fixed := DefaultReconnectPolicy().newBackOff()
	for i := 0; i < 5; i++ {
		if got := nextDelay(fixed).Round(time.Millisecond); got != 3*time.Second {
			t.Fatalf("default policy should be fixed at 3s, got %v", got)
		}
	}
}

func TestWebsocketDialerRoundTrip(t *testing.T) {
	received := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer func() { _ = ws.Close(websocket.StatusNormalClosure, "done") }()

		ctx := r.Context()
		_ = ws.Write(ctx, websocket.MessageText, []byte(`{"type":"text","text":"welcome","name":"Ada"}`))
		_, data, err := ws.Read(ctx)
		if err == nil {
			received <- string(data)
		}
		_, _, _ = ws.Read(ctx)
	}))
	defer srv.Close()

	texts := make(chan wire.Record, 1)
	m := NewManager(Options{
		Dialer: WebsocketDialer{},
		Policy: fastPolicy(),
		Events: Events{OnText: func(r wire.Record) { texts <- r }},
	})
	defer m.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	if err := m.Start(context.Background(), url); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case r := <-texts:
		if r.Body() != "welcome" || r.Name != "Ada" {
			t.Fatalf("unexpected record %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
	}

	if err := m.Send(context.Background(), wire.NewOutboundText("hi")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case got := <-received:
		if got != `{"type":"message","message_body":"hi"}` {
			t.Fatalf("unexpected payload %s", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive payload")
	}
}
