package loopback

import (
	"errors"
	"testing"
	"time"

	"github.com/kstaniek/go-can-session/internal/can"
)

func TestLoopback_EchoAndPeers(t *testing.T) {
	b := New()
	a, _ := b.Open("vcan0", false)
	c, _ := b.Open("vcan0", false)
	other, _ := b.Open("vcan1", false)
	defer a.Close()
	defer c.Close()
	defer other.Close()

	fr := can.Frame{ID: 0x123, Len: 2, Data: [64]byte{1, 2}}
	if err := a.Send(fr); err != nil {
		t.Fatalf("send: %v", err)
	}
	for name, h := range map[string]interface {
		Read(time.Duration) (can.Frame, error)
	}{"self": a, "peer": c} {
		got, err := h.Read(100 * time.Millisecond)
		if err != nil || got != fr {
			t.Fatalf("%s: got %+v %v", name, got, err)
		}
	}
	if _, err := other.Read(10 * time.Millisecond); !errors.Is(err, can.ErrReceiveTimeout) {
		t.Fatalf("other interface must not see the frame, got %v", err)
	}
}

func TestLoopback_WithoutEcho(t *testing.T) {
	b := New(WithoutEcho())
	a, _ := b.Open("vcan0", false)
	defer a.Close()
	_ = a.Send(can.Frame{ID: 1})
	if _, err := a.Read(10 * time.Millisecond); !errors.Is(err, can.ErrReceiveTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestLoopback_FDOnClassic(t *testing.T) {
	b := New()
	classic, _ := b.Open("vcan0", false)
	fd, _ := b.Open("vcan0", true)
	defer classic.Close()
	defer fd.Close()
	if err := classic.Send(can.Frame{ID: 1, FD: true}); !errors.Is(err, can.ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
	if err := fd.Send(can.Frame{ID: 2, FD: true, Len: 12}); err != nil {
		t.Fatalf("fd send: %v", err)
	}
	if _, err := classic.Read(10 * time.Millisecond); !errors.Is(err, can.ErrReceiveTimeout) {
		t.Fatalf("classic handle must not receive fd frames, got %v", err)
	}
	if got, err := fd.Read(50 * time.Millisecond); err != nil || got.Len != 12 {
		t.Fatalf("fd read: %+v %v", got, err)
	}
}

func TestLoopback_ScriptedErrorsAndClose(t *testing.T) {
	b := New()
	h, _ := b.Open("vcan0", false)
	boom := errors.New("bus off")
	b.Inject("vcan0", can.Frame{ID: 7})
	b.InjectError("vcan0", boom)
	if fr, err := h.Read(50 * time.Millisecond); err != nil || fr.ID != 7 {
		t.Fatalf("first read: %+v %v", fr, err)
	}
	if _, err := h.Read(50 * time.Millisecond); !errors.Is(err, boom) {
		t.Fatalf("expected scripted error, got %v", err)
	}

	done := make(chan error, 1)
	go func() { _, err := h.Read(0); done <- err }()
	time.Sleep(10 * time.Millisecond)
	if err := h.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("blocked read should fail with ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("close did not unblock reader")
	}
	if err := h.Close(); !errors.Is(err, ErrClosed) {
		t.Fatalf("double close should report ErrClosed, got %v", err)
	}
	if b.Count("vcan0") != 0 {
		t.Fatalf("handle still attached")
	}
}

func TestLoopback_FailOpenAndOverflow(t *testing.T) {
	b := New(WithQueue(2))
	b.FailOpen(errors.New("no such device"))
	if _, err := b.Open("can0", false); err == nil {
		t.Fatalf("expected open failure")
	}
	b.FailOpen(nil)
	h, err := b.Open("can0", false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer h.Close()
	for i := 0; i < 5; i++ {
		_ = h.Send(can.Frame{ID: uint32(i)})
	}
	if b.Stats().Dropped != 3 {
		t.Fatalf("expected 3 drops, got %d", b.Stats().Dropped)
	}
}
