// Package driver defines the raw bus I/O contract the session layer is built
// on. Implementations live in socketcan, serial and loopback.
package driver

import (
	"time"

	"github.com/kstaniek/go-can-session/internal/can"
	"github.com/kstaniek/go-can-session/internal/filter"
)

// Driver opens handles bound to a named interface.
type Driver interface {
	Open(iface string, fd bool) (Handle, error)
}

// Handle is one open bus connection. Read and Send may run concurrently
// with each other; two concurrent Reads are not supported.
type Handle interface {
	Send(can.Frame) error
	// Read waits up to timeout for one frame. On expiry it returns an error
	// wrapping can.ErrReceiveTimeout. A timeout <= 0 blocks.
	Read(timeout time.Duration) (can.Frame, error)
	InstallFilters([]filter.Filter) error
	ClearFilters() error
	Close() error
}

// KernelFilterer is implemented by handles whose InstallFilters is enforced
// below this layer. Handles that don't implement it are filtered in-process.
type KernelFilterer interface {
	KernelFiltering() bool
}

// Func adapts a plain open function to the Driver interface.
type Func func(iface string, fd bool) (Handle, error)

func (f Func) Open(iface string, fd bool) (Handle, error) { return f(iface, fd) }
