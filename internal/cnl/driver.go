package cnl

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-can-session/internal/can"
	"github.com/kstaniek/go-can-session/internal/driver"
	"github.com/kstaniek/go-can-session/internal/filter"
	"github.com/kstaniek/go-can-session/internal/logging"
	"github.com/kstaniek/go-can-session/internal/metrics"
)

const (
	defaultDialTimeout      = 5 * time.Second
	defaultHandshakeTimeout = 3 * time.Second
	defaultRxQueue          = 256
)

var errClosed = errors.New("cannelloni: closed")

// DialFunc opens the transport connection.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Driver connects to a cannelloni TCP endpoint; the interface name is host:port.
type Driver struct {
	dial             DialFunc
	dialTimeout      time.Duration
	handshakeTimeout time.Duration
	queue            int
}

type Option func(*Driver)

// WithDialer replaces the network dialer (tests use net.Pipe).
func WithDialer(fn DialFunc) Option { return func(d *Driver) { d.dial = fn } }

func WithHandshakeTimeout(t time.Duration) Option {
	return func(d *Driver) {
		if t > 0 {
			d.handshakeTimeout = t
		}
	}
}

func New(opts ...Option) *Driver {
	var nd net.Dialer
	d := &Driver{
		dial:             nd.DialContext,
		dialTimeout:      defaultDialTimeout,
		handshakeTimeout: defaultHandshakeTimeout,
		queue:            defaultRxQueue,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

var _ driver.Driver = (*Driver)(nil)

// Open dials addr and completes the hello exchange.
func (d *Driver) Open(addr string, fd bool) (driver.Handle, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d.dialTimeout)
	defer cancel()
	conn, err := d.dial(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if err := Handshake(ctx, conn, d.handshakeTimeout); err != nil {
		_ = conn.Close()
		return nil, err
	}
	h := &Handle{
		conn:   conn,
		addr:   addr,
		fd:     fd,
		rx:     make(chan can.Frame, d.queue),
		lost:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	h.wg.Add(1)
	go h.readLoop()
	logging.L().Debug("cnl_connected", "addr", addr, "fd", fd)
	return h, nil
}

// Handle is one cannelloni connection. Filters are applied in-process.
type Handle struct {
	conn   net.Conn
	addr   string
	fd     bool
	codec  Codec
	rx     chan can.Frame
	closed chan struct{}

	// lost is closed once the connection fails; rerr is then fixed.
	lost chan struct{}
	rerr error
	dead   atomic.Bool
	wg     sync.WaitGroup

	wmu sync.Mutex
}

var _ driver.Handle = (*Handle)(nil)

func (h *Handle) readLoop() {
	defer h.wg.Done()
	br := bufio.NewReader(h.conn)
	for {
		fr, err := h.codec.Decode(br)
		if err != nil {
			if h.dead.Load() {
				return
			}
			h.rerr = fmt.Errorf("%s: %w", h.addr, err)
			close(h.lost)
			logging.L().Warn("cnl_connection_lost", "addr", h.addr, "error", err)
			return
		}
		if fr.FD && !h.fd {
			continue // classic handles never see FD frames
		}
		select {
		case h.rx <- fr:
		case <-h.closed:
			return
		default:
			metrics.IncError(metrics.ErrReceive)
			logging.L().Warn("cnl_rx_overflow", "addr", h.addr)
		}
	}
}

func (h *Handle) Send(fr can.Frame) error {
	if h.dead.Load() {
		return errClosed
	}
	if fr.FD && !h.fd {
		return fmt.Errorf("%w: fd frame on classic handle", can.ErrUnsupported)
	}
	h.wmu.Lock()
	defer h.wmu.Unlock()
	_, err := h.conn.Write(h.codec.Encode([]can.Frame{fr}))
	return err
}

// Read waits up to timeout for a frame. Frames queued before a connection
// failure are still delivered; after that every Read returns the failure.
func (h *Handle) Read(timeout time.Duration) (can.Frame, error) {
	if h.dead.Load() {
		return can.Frame{}, errClosed
	}
	var expire <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expire = t.C
	}
	select {
	case fr := <-h.rx:
		return fr, nil
	case <-h.lost:
		select {
		case fr := <-h.rx:
			return fr, nil
		default:
			return can.Frame{}, h.rerr
		}
	case <-h.closed:
		return can.Frame{}, errClosed
	case <-expire:
		return can.Frame{}, fmt.Errorf("%w: no frame within %s", can.ErrReceiveTimeout, timeout)
	}
}

// InstallFilters is accepted; the gateway forwards everything.
func (h *Handle) InstallFilters([]filter.Filter) error {
	if h.dead.Load() {
		return errClosed
	}
	return nil
}

func (h *Handle) ClearFilters() error {
	if h.dead.Load() {
		return errClosed
	}
	return nil
}

func (h *Handle) Close() error {
	if h.dead.Swap(true) {
		return errClosed
	}
	close(h.closed)
	err := h.conn.Close()
	h.wg.Wait()
	return err
}
