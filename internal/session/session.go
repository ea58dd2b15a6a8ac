// Package session owns one driver handle and enforces the lifecycle,
// validation and single-reader rules every consumption mode relies on.
package session

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-can-session/internal/batch"
	"github.com/kstaniek/go-can-session/internal/can"
	"github.com/kstaniek/go-can-session/internal/driver"
	"github.com/kstaniek/go-can-session/internal/filter"
	"github.com/kstaniek/go-can-session/internal/logging"
	"github.com/kstaniek/go-can-session/internal/metrics"
)

// DefaultTimeout bounds a read when the caller does not pick a timeout.
const DefaultTimeout = time.Second

type State uint8

const (
	StateClosed State = iota
	StateOpen
)

func (s State) String() string {
	if s == StateOpen {
		return "open"
	}
	return "closed"
}

// Session is a CAN interface opened through a Driver. All methods are safe
// for concurrent use, but only one reader may hold the lease at a time.
type Session struct {
	drv     driver.Driver
	iface   string
	fd      bool
	timeout time.Duration
	logger  *slog.Logger
	batcher batch.Factory

	mu       sync.Mutex
	state    State
	opening  bool
	h        driver.Handle
	filters  filter.Set
	strategy batch.Strategy

	// kernel is set when the handle enforces filters itself. The kernel
	// routes error frames by the error mask instead, so soft still applies
	// to them.
	kernel atomic.Bool
	soft   atomic.Pointer[filter.Set]

	ownerMu   sync.Mutex
	owner     Owner
	leaseSeq  uint64
	leaseHeld uint64
}

type Option func(*Session)

// WithFD opens the interface with CAN FD frames enabled.
func WithFD(on bool) Option { return func(s *Session) { s.fd = on } }

// WithTimeout sets the read timeout used when callers pass zero.
func WithTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithBatching selects the strategy behind Enqueue and Flush.
func WithBatching(f batch.Factory) Option { return func(s *Session) { s.batcher = f } }

// New returns a closed session for iface. Nothing touches the driver until Open.
func New(drv driver.Driver, iface string, opts ...Option) *Session {
	s := &Session{
		drv:     drv,
		iface:   iface,
		timeout: DefaultTimeout,
		logger:  logging.L(),
		batcher: batch.Immediate(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Session) Interface() string      { return s.iface }
func (s *Session) FD() bool               { return s.fd }
func (s *Session) Timeout() time.Duration { return s.timeout }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) IsOpen() bool { return s.State() == StateOpen }

// Open acquires a driver handle. Opening an open session is a no-op.
// The driver is called without holding the session lock, so State and
// IsOpen keep answering (Closed) during a slow dial; a concurrent Open in
// that window fails with ErrSocketOpen.
func (s *Session) Open() error {
	s.mu.Lock()
	if s.state == StateOpen {
		s.mu.Unlock()
		return nil
	}
	if s.opening {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s: open in progress", can.ErrSocketOpen, s.iface)
	}
	s.opening = true
	s.mu.Unlock()

	h, err := s.drv.Open(s.iface, s.fd)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.opening = false
	if err != nil {
		metrics.IncError(metrics.ErrOpen)
		s.logger.Warn("session_open_failed", "iface", s.iface, "fd", s.fd, "error", err)
		return fmt.Errorf("%w: %s: %w", can.ErrSocketOpen, s.iface, err)
	}
	s.h = h
	kernel := false
	if kf, ok := h.(driver.KernelFilterer); ok {
		kernel = kf.KernelFiltering()
	}
	s.kernel.Store(kernel)
	s.filters = nil
	s.soft.Store(nil)
	s.strategy = s.batcher(func(fr can.Frame) error { return s.transmit(h, fr) })
	s.state = StateOpen
	metrics.SessionOpened()
	s.logger.Info("session_open", "iface", s.iface, "fd", s.fd, "kernel_filters", kernel)
	return nil
}

// Close releases the handle. The session ends up Closed even when the
// driver fails, which is then reported as ErrSocketClose. Closing a closed
// session is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen {
		return nil
	}
	if err := s.strategy.Flush(); err != nil {
		s.logger.Warn("session_flush_on_close", "iface", s.iface, "error", err)
	}
	_ = s.strategy.Close()
	err := s.h.Close()
	s.h = nil
	s.strategy = nil
	s.filters = nil
	s.soft.Store(nil)
	s.state = StateClosed
	metrics.SessionClosed()
	if err != nil {
		metrics.IncError(metrics.ErrClose)
		s.logger.Warn("session_close_error", "iface", s.iface, "error", err)
		return fmt.Errorf("%w: %s: %w", can.ErrSocketClose, s.iface, err)
	}
	s.logger.Info("session_closed", "iface", s.iface)
	return nil
}

func (s *Session) notOpen() error {
	return fmt.Errorf("%w: %s", can.ErrSocketNotOpen, s.iface)
}

// handle returns the open handle or ErrSocketNotOpen.
func (s *Session) handle() (driver.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen {
		return nil, s.notOpen()
	}
	return s.h, nil
}
