// Package loopback is an in-memory driver. Handles opened on the same
// interface name share one virtual bus. It backs the tests of every
// consumption mode and the -driver=loopback mode of canmon.
package loopback

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-can-session/internal/can"
	"github.com/kstaniek/go-can-session/internal/driver"
	"github.com/kstaniek/go-can-session/internal/filter"
)

// ErrClosed is returned by operations on a closed handle.
var ErrClosed = errors.New("loopback: closed")

const defaultQueue = 1024

// Stats counts driver calls; tests use it to prove a rejected operation
// never reached the driver.
type Stats struct {
	Opens, Sends, Reads, Installs, Clears, Closes uint64
	Dropped                                       uint64
}

// Bus is a set of virtual interfaces.
type Bus struct {
	mu       sync.Mutex
	ifaces   map[string]map[*Handle]struct{}
	openErr  error
	closeErr error
	noEcho   bool
	queue    int

	opens, sends, reads, installs, clears, closes, dropped atomic.Uint64
}

type Option func(*Bus)

// WithoutEcho stops a handle from receiving its own frames, like a SocketCAN
// socket without CAN_RAW_RECV_OWN_MSGS.
func WithoutEcho() Option { return func(b *Bus) { b.noEcho = true } }

// WithQueue sets the per-handle receive queue length.
func WithQueue(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queue = n
		}
	}
}

// New creates an empty bus. By default a handle receives its own frames.
func New(opts ...Option) *Bus {
	b := &Bus{ifaces: make(map[string]map[*Handle]struct{}), queue: defaultQueue}
	for _, o := range opts {
		o(b)
	}
	return b
}

var _ driver.Driver = (*Bus)(nil)

// Open attaches a new handle to iface.
func (b *Bus) Open(iface string, fd bool) (driver.Handle, error) {
	b.opens.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openErr != nil {
		return nil, b.openErr
	}
	h := &Handle{
		bus:    b,
		iface:  iface,
		fd:     fd,
		ch:     make(chan item, b.queue),
		closed: make(chan struct{}),
	}
	if b.ifaces[iface] == nil {
		b.ifaces[iface] = make(map[*Handle]struct{})
	}
	b.ifaces[iface][h] = struct{}{}
	return h, nil
}

// FailOpen makes subsequent Open calls fail with err (nil restores).
func (b *Bus) FailOpen(err error) { b.mu.Lock(); b.openErr = err; b.mu.Unlock() }

// FailClose makes subsequent Close calls report err after releasing the handle.
func (b *Bus) FailClose(err error) { b.mu.Lock(); b.closeErr = err; b.mu.Unlock() }

// Inject delivers frames to every handle on iface as if another node sent them.
func (b *Bus) Inject(iface string, frames ...can.Frame) {
	for _, fr := range frames {
		for _, h := range b.snapshot(iface) {
			h.deliver(item{fr: fr})
		}
	}
}

// InjectError queues err as the next read result on every handle on iface.
func (b *Bus) InjectError(iface string, err error) {
	for _, h := range b.snapshot(iface) {
		h.deliver(item{err: err})
	}
}

// Stats returns a copy of the call counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Opens:    b.opens.Load(),
		Sends:    b.sends.Load(),
		Reads:    b.reads.Load(),
		Installs: b.installs.Load(),
		Clears:   b.clears.Load(),
		Closes:   b.closes.Load(),
		Dropped:  b.dropped.Load(),
	}
}

// Count returns the number of open handles on iface.
func (b *Bus) Count(iface string) int { b.mu.Lock(); defer b.mu.Unlock(); return len(b.ifaces[iface]) }

func (b *Bus) snapshot(iface string) []*Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	hs := make([]*Handle, 0, len(b.ifaces[iface]))
	for h := range b.ifaces[iface] {
		hs = append(hs, h)
	}
	return hs
}

type item struct {
	fr  can.Frame
	err error
}

// Handle is one endpoint on a virtual interface.
type Handle struct {
	bus    *Bus
	iface  string
	fd     bool
	ch     chan item
	closed chan struct{}
	dead   atomic.Bool

	mu      sync.Mutex
	filters []filter.Filter
}

// Send broadcasts fr to the handles on the same interface.
func (h *Handle) Send(fr can.Frame) error {
	h.bus.sends.Add(1)
	if h.dead.Load() {
		return ErrClosed
	}
	if fr.FD && !h.fd {
		return fmt.Errorf("%w: fd frame on classic handle", can.ErrUnsupported)
	}
	for _, t := range h.bus.snapshot(h.iface) {
		if t == h && h.bus.noEcho {
			continue
		}
		t.deliver(item{fr: fr})
	}
	return nil
}

func (h *Handle) deliver(it item) {
	if it.err == nil && it.fr.FD && !h.fd {
		return // classic sockets never see FD frames
	}
	select {
	case h.ch <- it:
	default:
		h.bus.dropped.Add(1)
	}
}

// Read waits up to timeout for the next frame or scripted error.
func (h *Handle) Read(timeout time.Duration) (can.Frame, error) {
	h.bus.reads.Add(1)
	if h.dead.Load() {
		return can.Frame{}, ErrClosed
	}
	var expire <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expire = t.C
	}
	select {
	case it := <-h.ch:
		if it.err != nil {
			return can.Frame{}, it.err
		}
		return it.fr, nil
	case <-h.closed:
		return can.Frame{}, ErrClosed
	case <-expire:
		return can.Frame{}, fmt.Errorf("%w: no frame within %s", can.ErrReceiveTimeout, timeout)
	}
}

// InstallFilters records the filters; matching is left to the caller.
func (h *Handle) InstallFilters(fs []filter.Filter) error {
	h.bus.installs.Add(1)
	if h.dead.Load() {
		return ErrClosed
	}
	h.mu.Lock()
	h.filters = append([]filter.Filter(nil), fs...)
	h.mu.Unlock()
	return nil
}

func (h *Handle) ClearFilters() error {
	h.bus.clears.Add(1)
	if h.dead.Load() {
		return ErrClosed
	}
	h.mu.Lock()
	h.filters = nil
	h.mu.Unlock()
	return nil
}

// Filters returns the last installed filter list.
func (h *Handle) Filters() []filter.Filter {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]filter.Filter(nil), h.filters...)
}

// Close detaches the handle. A second Close returns ErrClosed.
func (h *Handle) Close() error {
	h.bus.closes.Add(1)
	if h.dead.Swap(true) {
		return ErrClosed
	}
	close(h.closed)
	h.bus.mu.Lock()
	delete(h.bus.ifaces[h.iface], h)
	err := h.bus.closeErr
	h.bus.mu.Unlock()
	return err
}
