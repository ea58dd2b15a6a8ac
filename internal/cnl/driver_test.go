package cnl

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/kstaniek/go-can-session/internal/can"
	"github.com/kstaniek/go-can-session/internal/logging"
	"github.com/kstaniek/go-can-session/internal/session"
)

// pipeGateway returns a driver whose dial hands out one side of a pipe and
// a channel delivering the gateway side after its handshake.
func pipeGateway(t *testing.T) (*Driver, <-chan net.Conn) {
	t.Helper()
	ready := make(chan net.Conn, 1)
	d := New(WithDialer(func(ctx context.Context, network, addr string) (net.Conn, error) {
		cli, srv := net.Pipe()
		go func() {
			if err := Handshake(context.Background(), srv, time.Second); err != nil {
				_ = srv.Close()
				return
			}
			ready <- srv
		}()
		return cli, nil
	}))
	return d, ready
}

func TestDriver_SendAndReceive(t *testing.T) {
	d, ready := pipeGateway(t)
	h, err := d.Open("gw:20000", true)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer h.Close()
	gw := <-ready
	defer gw.Close()

	codec := Codec{}
	in := []can.Frame{{ID: 0x10, Len: 1, Data: [64]byte{1}}, {ID: 0x20, FD: true, Len: 12}}
	go func() { _, _ = gw.Write(codec.Encode(in)) }()
	for _, want := range in {
		got, err := h.Read(time.Second)
		if err != nil || got != want {
			t.Fatalf("got %v %v want %v", got, err, want)
		}
	}

	out := can.Frame{ID: 0x123, Len: 2, Data: [64]byte{0xAB, 0xCD}}
	res := make(chan can.Frame, 1)
	go func() {
		fr, _ := codec.Decode(gw)
		res <- fr
	}()
	if err := h.Send(out); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := <-res; got != out {
		t.Fatalf("gateway got %v want %v", got, out)
	}
}

func TestDriver_ClassicDropsFD(t *testing.T) {
	d, ready := pipeGateway(t)
	h, err := d.Open("gw:20000", false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer h.Close()
	gw := <-ready
	defer gw.Close()
	if err := h.Send(can.Frame{ID: 1, FD: true}); !errors.Is(err, can.ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
	codec := Codec{}
	go func() { _, _ = gw.Write(codec.Encode([]can.Frame{{ID: 1, FD: true, Len: 16}, {ID: 2}})) }()
	if got, err := h.Read(time.Second); err != nil || got.ID != 2 {
		t.Fatalf("classic handle must skip fd frames: %v %v", got, err)
	}
}

func TestDriver_ConnectionLoss(t *testing.T) {
	d, ready := pipeGateway(t)
	h, err := d.Open("gw:20000", false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer h.Close()
	gw := <-ready
	_ = gw.Close()
	for i := 0; i < 3; i++ {
		_, err := h.Read(time.Second)
		if !errors.Is(err, io.EOF) {
			t.Fatalf("read %d: expected the connection error, got %v", i, err)
		}
	}
	if _, err := h.Read(0); !errors.Is(err, io.EOF) {
		t.Fatalf("blocking read on a dead connection must fail, got %v", err)
	}
}

func TestDriver_SessionReportsLossOnEveryReceive(t *testing.T) {
	d, ready := pipeGateway(t)
	s := session.New(d, "gw:1", session.WithTimeout(50*time.Millisecond), session.WithLogger(logging.Discard()))
	if err := s.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	gw := <-ready
	_ = gw.Close()
	for i := 0; i < 3; i++ {
		_, err := s.Receive(0)
		if can.IsTimeout(err) || !errors.Is(err, can.ErrReceive) || !errors.Is(err, io.EOF) {
			t.Fatalf("receive %d: expected receive error, got %v", i, err)
		}
	}
}

func TestDriver_FramesBeforeLossAreDelivered(t *testing.T) {
	d, ready := pipeGateway(t)
	h, err := d.Open("gw:20000", false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer h.Close()
	gw := <-ready
	var c Codec
	if _, err := gw.Write(c.Encode([]can.Frame{{ID: 0x42, Len: 1, Data: [64]byte{7}}})); err != nil {
		t.Fatalf("gateway write: %v", err)
	}
	_ = gw.Close()
	if fr, err := h.Read(time.Second); err != nil || fr.ID != 0x42 {
		t.Fatalf("queued frame: %+v %v", fr, err)
	}
	if _, err := h.Read(time.Second); !errors.Is(err, io.EOF) {
		t.Fatalf("expected the connection error, got %v", err)
	}
}

func TestDriver_DialFailure(t *testing.T) {
	d := New(WithDialer(func(context.Context, string, string) (net.Conn, error) {
		return nil, errors.New("connection refused")
	}))
	if _, err := d.Open("gw:1", false); err == nil {
		t.Fatalf("expected dial error")
	}
}

func TestDriver_CloseTwice(t *testing.T) {
	d, ready := pipeGateway(t)
	h, err := d.Open("gw:20000", false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	gw := <-ready
	defer gw.Close()
	if err := h.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := h.Close(); !errors.Is(err, errClosed) {
		t.Fatalf("second close: %v", err)
	}
	if _, err := h.Read(10 * time.Millisecond); !errors.Is(err, errClosed) {
		t.Fatalf("read after close: %v", err)
	}
}
