package cnl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const hello = "CANNELLONIv1"

var errBadHello = errors.New("bad hello")

// Handshake exchanges the hello string in both directions. Both sides send
// first, so the write runs concurrently with the read.
func Handshake(ctx context.Context, c net.Conn, timeout time.Duration) error {
	if err := c.SetDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}
	defer c.SetDeadline(time.Time{})

	stop := context.AfterFunc(ctx, func() { _ = c.SetDeadline(time.Now()) })
	defer stop()

	wrote := make(chan error, 1)
	go func() {
		_, err := io.WriteString(c, hello)
		wrote <- err
	}()

	buf := make([]byte, len(hello))
	_, rerr := io.ReadFull(c, buf)
	if rerr == nil && string(buf) != hello {
		rerr = errBadHello
	}
	werr := <-wrote
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := errors.Join(rerr, werr); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	return nil
}
