package serial

import (
	"bytes"
	"errors"
	"fmt"
	"io"
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
	DefaultBaud = 115200
	// slice is the port read timeout; Read deadlines are honoured in
	// steps of this size.
	defaultSlice = 50 * time.Millisecond
)

var errClosed = errors.New("serial: closed")

// Driver opens a CAN-UART adapter; the interface name is the device path.
type Driver struct {
	baud  int
	slice time.Duration
	open  OpenFunc
}

type Option func(*Driver)

func WithBaud(b int) Option {
	return func(d *Driver) {
		if b > 0 {
			d.baud = b
		}
	}
}

// WithOpener replaces the port opener (tests).
func WithOpener(fn OpenFunc) Option { return func(d *Driver) { d.open = fn } }

func WithReadSlice(s time.Duration) Option {
	return func(d *Driver) {
		if s > 0 {
			d.slice = s
		}
	}
}

func New(opts ...Option) *Driver {
	d := &Driver{baud: DefaultBaud, slice: defaultSlice, open: Open}
	for _, o := range opts {
		o(d)
	}
	return d
}

var _ driver.Driver = (*Driver)(nil)

// Open opens the device. The adapter only carries classic frames.
func (d *Driver) Open(iface string, fd bool) (driver.Handle, error) {
	if fd {
		return nil, fmt.Errorf("%w: CAN FD over serial adapter", can.ErrUnsupported)
	}
	p, err := d.open(iface, d.baud, d.slice)
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", iface, err)
	}
	logging.L().Debug("serial_open", "port", iface, "baud", d.baud)
	return &Handle{port: p, name: iface}, nil
}

// Handle is an open adapter. Filters are applied in-process by the session.
type Handle struct {
	port   Port
	name   string
	codec  Codec
	closed atomic.Bool

	rmu   sync.Mutex
	rx    bytes.Buffer
	queue []can.Frame
	rbuf  [256]byte

	wmu sync.Mutex
}

var _ driver.Handle = (*Handle)(nil)

func (h *Handle) Send(fr can.Frame) error {
	if h.closed.Load() {
		return errClosed
	}
	if fr.FD || fr.Remote || fr.Error {
		return fmt.Errorf("%w: %s frames over serial adapter", can.ErrUnsupported, fr.Kind())
	}
	h.wmu.Lock()
	defer h.wmu.Unlock()
	_, err := h.port.Write(h.codec.Encode(fr))
	return err
}

// Read decodes frames until one is available or timeout expires.
func (h *Handle) Read(timeout time.Duration) (can.Frame, error) {
	h.rmu.Lock()
	defer h.rmu.Unlock()
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		if len(h.queue) > 0 {
			fr := h.queue[0]
			h.queue = h.queue[1:]
			return fr, nil
		}
		if h.closed.Load() {
			return can.Frame{}, errClosed
		}
		if timeout > 0 && !time.Now().Before(deadline) {
			return can.Frame{}, fmt.Errorf("%w: no frame within %s", can.ErrReceiveTimeout, timeout)
		}
		n, err := h.port.Read(h.rbuf[:])
		if n > 0 {
			h.rx.Write(h.rbuf[:n])
			h.codec.DecodeStream(&h.rx, func(fr can.Frame) { h.queue = append(h.queue, fr) })
		}
		// tarm/serial reports an expired read slice as io.EOF
		if err != nil && !errors.Is(err, io.EOF) {
			if h.closed.Load() {
				return can.Frame{}, errClosed
			}
			metrics.IncError(metrics.ErrSerialRead)
			return can.Frame{}, err
		}
	}
}

// InstallFilters accepts the list; the adapter has no hardware filtering.
func (h *Handle) InstallFilters([]filter.Filter) error {
	if h.closed.Load() {
		return errClosed
	}
	return nil
}

func (h *Handle) ClearFilters() error {
	if h.closed.Load() {
		return errClosed
	}
	return nil
}

func (h *Handle) Close() error {
	if h.closed.Swap(true) {
		return errClosed
	}
	logging.L().Debug("serial_close", "port", h.name)
	return h.port.Close()
}
