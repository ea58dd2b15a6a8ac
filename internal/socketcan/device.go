//go:build linux

package socketcan

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-can-session/internal/can"
	"github.com/kstaniek/go-can-session/internal/driver"
	"github.com/kstaniek/go-can-session/internal/filter"
)

// Driver opens raw CAN sockets.
type Driver struct {
	recvOwn bool
}

type Option func(*Driver)

// WithRecvOwn makes a socket receive the frames it sends itself.
func WithRecvOwn(on bool) Option { return func(d *Driver) { d.recvOwn = on } }

func New(opts ...Option) *Driver {
	d := &Driver{}
	for _, o := range opts {
		o(d)
	}
	return d
}

var _ driver.Driver = (*Driver)(nil)

// Open binds a CAN_RAW socket to iface. With fd set the socket exchanges
// canfd_frame; kernels or interfaces without FD support fail the open.
func (d *Driver) Open(iface string, fd bool) (driver.Handle, error) {
	sock, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_CAN): %w", err)
	}
	fail := func(err error) (driver.Handle, error) {
		_ = unix.Close(sock)
		return nil, err
	}
	on := 0
	if fd {
		on = 1
	}
	if err := unix.SetsockoptInt(sock, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, on); err != nil {
		// Older kernels may not know this option; that only matters when FD is wanted
		if fd || err != unix.ENOPROTOOPT {
			return fail(fmt.Errorf("%w: CAN FD frames: %w", can.ErrUnsupported, err))
		}
	}
	if err := unix.SetsockoptInt(sock, unix.SOL_CAN_RAW, unix.CAN_RAW_ERR_FILTER, unix.CAN_ERR_MASK); err != nil {
		return fail(fmt.Errorf("error filter: %w", err))
	}
	if d.recvOwn {
		if err := unix.SetsockoptInt(sock, unix.SOL_CAN_RAW, unix.CAN_RAW_RECV_OWN_MSGS, 1); err != nil {
			return fail(fmt.Errorf("recv own msgs: %w", err))
		}
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return fail(fmt.Errorf("if %q: %w", iface, err))
	}
	if fd && ifi.MTU != 0 && ifi.MTU < fdMTU {
		return fail(fmt.Errorf("%w: %s mtu %d is not CAN FD", can.ErrUnsupported, iface, ifi.MTU))
	}
	if err := unix.Bind(sock, &unix.SockaddrCAN{Ifindex: ifi.Index}); err != nil {
		return fail(fmt.Errorf("bind(can@%s): %w", iface, err))
	}
	return &Handle{sock: sock, fd: fd, timeout: -1}, nil
}

// Handle is one bound raw socket. Filters are enforced by the kernel.
type Handle struct {
	sock   int
	fd     bool
	closed atomic.Bool

	rmu     sync.Mutex // one reader; guards timeout
	timeout time.Duration
	wmu     sync.Mutex
	wbuf    [fdMTU]byte
}

var (
	_ driver.Handle         = (*Handle)(nil)
	_ driver.KernelFilterer = (*Handle)(nil)
)

func (h *Handle) KernelFiltering() bool { return true }

var errClosed = errors.New("socketcan: closed")

func (h *Handle) Send(fr can.Frame) error {
	if h.closed.Load() {
		return errClosed
	}
	if fr.FD && !h.fd {
		return fmt.Errorf("%w: fd frame on classic socket", can.ErrUnsupported)
	}
	h.wmu.Lock()
	defer h.wmu.Unlock()
	b := marshal(&h.wbuf, fr)
	for {
		n, err := unix.Write(h.sock, b)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n != len(b) {
			return fmt.Errorf("short write: %d of %d", n, len(b))
		}
		return nil
	}
}

// Read applies timeout through SO_RCVTIMEO; a timeout <= 0 blocks.
// Close does not wake a blocked Read, so long-running readers should
// use a bounded timeout.
func (h *Handle) Read(timeout time.Duration) (can.Frame, error) {
	if h.closed.Load() {
		return can.Frame{}, errClosed
	}
	h.rmu.Lock()
	defer h.rmu.Unlock()
	timeout = rcvTimeout(timeout)
	if timeout != h.timeout {
		tv := unix.NsecToTimeval(timeout.Nanoseconds())
		if err := unix.SetsockoptTimeval(h.sock, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
			return can.Frame{}, fmt.Errorf("set rx timeout: %w", err)
		}
		h.timeout = timeout
	}
	var buf [fdMTU]byte
	for {
		n, err := unix.Read(h.sock, buf[:])
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			return can.Frame{}, fmt.Errorf("%w: no frame within %s", can.ErrReceiveTimeout, timeout)
		case err != nil:
			if h.closed.Load() {
				return can.Frame{}, errClosed
			}
			return can.Frame{}, err
		}
		return unmarshal(buf[:n])
	}
}

func (h *Handle) InstallFilters(fs []filter.Filter) error {
	return h.setFilters(kernelFilters(fs))
}

// ClearFilters installs the accept-all filter.
func (h *Handle) ClearFilters() error { return h.setFilters(acceptAll) }

func (h *Handle) setFilters(rs []rawFilter) error {
	if h.closed.Load() {
		return errClosed
	}
	kf := make([]unix.CanFilter, len(rs))
	for i, r := range rs {
		kf[i] = unix.CanFilter{Id: r.ID, Mask: r.Mask}
	}
	return unix.SetsockoptCanRawFilter(h.sock, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, kf)
}

// Close releases the socket. Calling it twice is a caller error.
func (h *Handle) Close() error {
	if h.closed.Swap(true) {
		return errClosed
	}
	return unix.Close(h.sock)
}
