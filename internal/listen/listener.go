// Package listen turns bounded single-frame reads into a push stream of
// notifications on a background goroutine.
package listen

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/kstaniek/go-can-session/internal/can"
	"github.com/kstaniek/go-can-session/internal/hub"
	"github.com/kstaniek/go-can-session/internal/logging"
	"github.com/kstaniek/go-can-session/internal/metrics"
	"github.com/kstaniek/go-can-session/internal/session"
)

type State uint8

const (
	StateIdle State = iota
	StateListening
)

func (s State) String() string {
	if s == StateListening {
		return "listening"
	}
	return "idle"
}

// Reader is the part of a session the listener needs.
type Reader interface {
	Acquire(session.Owner) (*session.Lease, error)
	IsOpen() bool
	Interface() string
}

// Options tune one listening run.
type Options struct {
	// PollInterval bounds each read and therefore Stop latency.
	// Zero uses the session timeout.
	PollInterval time.Duration
}

type Listener struct {
	src    Reader
	logger *slog.Logger

	frames  *hub.Hub[can.Frame]
	errs    *hub.Hub[error]
	started *hub.Hub[struct{}]
	stopped *hub.Hub[error]

	mu      sync.Mutex
	state   State
	cancel  context.CancelFunc
	done    chan struct{}
	lastErr error
}

type Option func(*Listener)

func WithLogger(l *slog.Logger) Option {
	return func(ls *Listener) {
		if l != nil {
			ls.logger = l
		}
	}
}

func New(src Reader, opts ...Option) *Listener {
	l := &Listener{
		src:     src,
		logger:  logging.L(),
		frames:  hub.New[can.Frame]("frames"),
		errs:    hub.New[error]("errors"),
		started: hub.New[struct{}]("started"),
		stopped: hub.New[error]("stopped"),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// OnFrame is called on the listener goroutine for each frame, in read order.
func (l *Listener) OnFrame(fn func(can.Frame)) *hub.Subscription { return l.frames.Subscribe(fn) }

// OnError receives the read error that ended the loop, wrapped in ErrListening.
func (l *Listener) OnError(fn func(error)) *hub.Subscription { return l.errs.Subscribe(fn) }

func (l *Listener) OnStarted(fn func()) *hub.Subscription {
	return l.started.Subscribe(func(struct{}) { fn() })
}

// OnStopped fires once per run with the terminal error, nil after Stop.
func (l *Listener) OnStopped(fn func(error)) *hub.Subscription { return l.stopped.Subscribe(fn) }

// Frames exposes the frame registry so buffered clients can be attached.
func (l *Listener) Frames() *hub.Hub[can.Frame] { return l.frames }

func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Start begins listening. It fails with ErrAlreadyListening while running,
// ErrSocketNotOpen on a closed session, and ErrReaderBusy when a stream or
// manual receive holds the reader. Cancelling ctx is equivalent to Stop.
func (l *Listener) Start(ctx context.Context, opts Options) error {
	l.mu.Lock()
	if l.state == StateListening {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", can.ErrAlreadyListening, l.src.Interface())
	}
	if !l.src.IsOpen() {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", can.ErrSocketNotOpen, l.src.Interface())
	}
	lease, err := l.src.Acquire(session.OwnerListener)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	l.state = StateListening
	l.cancel = cancel
	l.done = done
	l.lastErr = nil
	l.mu.Unlock()

	poll := opts.PollInterval
	if poll < 0 {
		poll = 0
	}
	metrics.ListenerStarted()
	l.logger.Info("listener_started", "iface", l.src.Interface(), "poll", poll)
	l.started.Broadcast(struct{}{})
	go l.run(runCtx, cancel, lease, poll, done)
	return nil
}

func (l *Listener) run(ctx context.Context, cancel context.CancelFunc, lease *session.Lease, poll time.Duration, done chan struct{}) {
	var err error
	defer func() {
		lease.Release()
		cancel()
		l.mu.Lock()
		l.state = StateIdle
		l.lastErr = err
		l.mu.Unlock()
		metrics.ListenerStopped()
		l.logger.Info("listener_stopped", "iface", l.src.Interface(), "error", err)
		l.stopped.Broadcast(err)
		close(done)
	}()
	for ctx.Err() == nil {
		fr, rerr := lease.Receive(poll)
		if ctx.Err() != nil {
			return // stopped while reading; the frame is not emitted
		}
		switch {
		case rerr == nil:
			l.frames.Broadcast(fr)
		case can.IsTimeout(rerr):
		default:
			err = fmt.Errorf("%w: %w", can.ErrListening, rerr)
			metrics.IncError(metrics.ErrListen)
			l.logger.Warn("listener_read_error", "iface", l.src.Interface(), "error", rerr)
			l.errs.Broadcast(err)
			return
		}
		runtime.Gosched()
	}
}

// Stop cancels the loop and returns without waiting; use Wait for that.
// It is a no-op when idle. A frame read after Stop is never emitted.
func (l *Listener) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	listening := l.state == StateListening
	l.mu.Unlock()
	if listening && cancel != nil {
		cancel()
	}
}

// Done is closed when the current (or last) run has fully stopped.
func (l *Listener) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return l.done
}

// Wait blocks until the current run ends and returns its terminal error.
func (l *Listener) Wait() error {
	<-l.Done()
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}
