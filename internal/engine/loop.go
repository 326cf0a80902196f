package engine

import "context"

// The engine mutates session, store and delivery bookkeeping from a single
// goroutine. Everything else posts closures to it.

func (e *Engine) loop() {
	defer close(e.loopDone)
	for {
		select {
		case fn := <-e.events:
			fn()
			e.publish()
		case <-e.quit:
			return
		}
	}
}

// post queues fn on the loop. It returns false once the engine is closed.
func (e *Engine) post(fn func()) bool {
	select {
	case <-e.quit:
		return false
	default:
	}
	select {
	case e.events <- fn:
		return true
	case <-e.quit:
		return false
	}
}

// call runs fn on the loop and waits for it. ctx only bounds the wait for a
// queue slot; once queued, fn runs unless the engine shuts down first.
func (e *Engine) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		fn()
		close(done)
	}

	select {
	case e.events <- wrapped:
	case <-e.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-e.quit:
		select {
		case <-done:
			return nil
		default:
			return ErrClosed
		}
	}
}

// spawn runs fn in its own goroutine. It must be called from the loop so the
// wait group is never grown while Close is waiting on it.
func (e *Engine) spawn(fn func(ctx context.Context)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn(e.ctx)
	}()
}
