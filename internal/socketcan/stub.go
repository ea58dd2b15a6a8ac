//go:build !linux

package socketcan

import (
	"fmt"
	"runtime"

	"github.com/kstaniek/go-can-session/internal/can"
	"github.com/kstaniek/go-can-session/internal/driver"
)

// Driver is unavailable off Linux; Open always fails.
type Driver struct{}

type Option func(*Driver)

func WithRecvOwn(bool) Option { return func(*Driver) {} }

func New(...Option) *Driver { return &Driver{} }

func (*Driver) Open(iface string, fd bool) (driver.Handle, error) {
	return nil, fmt.Errorf("%w: socketcan on %s", can.ErrUnsupported, runtime.GOOS)
}
