package batch

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-can-session/internal/can"
	"github.com/kstaniek/go-can-session/internal/metrics"
)

// Hooks customize the asynchronous writer.
type Hooks struct {
	// OnError is called when send returns a non-nil error (frame not sent).
	OnError func(error)
	// OnAfter is called only after a successful send.
	OnAfter func()
	// OnDrop is called when the buffer is full; its returned error is returned
	// from Enqueue. If nil, the overflow is silent.
	OnDrop func() error
}

// Async funnels frames through a single writer goroutine. Enqueue never
// blocks: a full buffer goes to Hooks.OnDrop. Flush waits until every frame
// enqueued before it has been attempted.
func Async(ctx context.Context, buf int, hooks Hooks) Factory {
	if buf < 1 {
		buf = 1
	}
	return func(send SendFunc) Strategy { return newAsyncWriter(ctx, buf, send, hooks) }
}

// item is either a frame or a flush marker.
type item struct {
	fr    can.Frame
	flush chan error
}

type asyncWriter struct {
	mu     sync.Mutex // guards ch against close
	ch     chan item
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	send   SendFunc
	hooks  Hooks
	closed atomic.Bool

	// owned by the loop goroutine
	sent     int
	firstErr error
}

func newAsyncWriter(parent context.Context, buf int, send SendFunc, hooks Hooks) *asyncWriter {
	ctx, cancel := context.WithCancel(parent)
	a := &asyncWriter{
		ch:     make(chan item, buf),
		ctx:    ctx,
		cancel: cancel,
		send:   send,
		hooks:  hooks,
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

func (a *asyncWriter) loop() {
	defer a.wg.Done()
	for {
		select {
		case it, ok := <-a.ch:
			if !ok {
				return
			}
			if it.flush != nil {
				if a.sent > 0 {
					metrics.IncFlush()
				}
				it.flush <- a.firstErr
				a.sent, a.firstErr = 0, nil
				continue
			}
			if err := a.send(it.fr); err != nil {
				if a.firstErr == nil {
					a.firstErr = err
				}
				if a.hooks.OnError != nil {
					a.hooks.OnError(err)
				}
				continue
			}
			a.sent++
			if a.hooks.OnAfter != nil {
				a.hooks.OnAfter()
			}
		case <-a.ctx.Done():
			return
		}
	}
}

// Enqueue queues fr. Once the parent context is done the writer counts as
// closed.
func (a *asyncWriter) Enqueue(fr can.Frame) error {
	if a.closed.Load() || a.ctx.Err() != nil {
		return ErrClosed
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed.Load() {
		return ErrClosed
	}
	select {
	case a.ch <- item{fr: fr}:
		return nil
	default:
		metrics.IncError(metrics.ErrBatchDrop)
		if a.hooks.OnDrop != nil {
			return a.hooks.OnDrop()
		}
		return nil
	}
}

// Flush blocks until the writer reaches a marker queued behind all pending
// frames. It returns the first send error seen since the previous Flush.
func (a *asyncWriter) Flush() error {
	done := make(chan error, 1)
	a.mu.Lock()
	if a.closed.Load() || a.ctx.Err() != nil {
		a.mu.Unlock()
		return ErrClosed
	}
	select {
	case a.ch <- item{flush: done}:
	case <-a.ctx.Done():
		a.mu.Unlock()
		return ErrClosed
	}
	a.mu.Unlock()
	select {
	case err := <-done:
		return err
	case <-a.ctx.Done():
		return ErrClosed
	}
}

// Close stops the worker and waits for it to exit. Frames still queued are
// abandoned; call Flush first to push them out.
func (a *asyncWriter) Close() error {
	if a.closed.Swap(true) {
		return nil
	}
	a.cancel()
	a.mu.Lock()
	close(a.ch)
	a.mu.Unlock()
	a.wg.Wait()
	return nil
}
