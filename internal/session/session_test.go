package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kstaniek/go-can-session/internal/batch"
	"github.com/kstaniek/go-can-session/internal/can"
	"github.com/kstaniek/go-can-session/internal/driver"
	"github.com/kstaniek/go-can-session/internal/filter"
	"github.com/kstaniek/go-can-session/internal/logging"
	"github.com/kstaniek/go-can-session/internal/loopback"
)

const shortWait = 50 * time.Millisecond

func openSession(t *testing.T, bus *loopback.Bus, opts ...Option) *Session {
	t.Helper()
	opts = append([]Option{WithLogger(logging.Discard())}, opts...)
	s := New(bus, "vcan0", opts...)
	if err := s.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSession_SendReceiveRoundTrip(t *testing.T) {
	s := openSession(t, loopback.New())
	want, err := can.NewData(0x123, []byte{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := s.Send(want); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, err := s.Receive(shortWait)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if got != want || got.Extended {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestSession_RejectionsNeverReachDriver(t *testing.T) {
	cases := []struct {
		name string
		req  can.Request
		want error
	}{
		{"standard id out of range", can.Request{ID: 0x800, Format: can.FormatStandard, Data: []byte{1}}, can.ErrInvalidIdentifier},
		{"remote fd", can.Request{ID: 0x123, FD: true, Remote: true}, can.ErrIncompatibleFlags},
		{"classic too long", can.Request{ID: 0x1, Data: make([]byte, 9)}, can.ErrPayloadTooLong},
		{"fd on classic session", can.Request{ID: 0x1, FD: true, Data: make([]byte, 12)}, can.ErrIncompatibleFlags},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			bus := loopback.New()
			s := openSession(t, bus)
			if _, err := s.SendRequest(tc.req); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if n := bus.Stats().Sends; n != 0 {
				t.Fatalf("driver saw %d sends", n)
			}
		})
	}
}

func TestSession_NotOpen(t *testing.T) {
	bus := loopback.New()
	s := New(bus, "vcan0", WithLogger(logging.Discard()))
	if s.State() != StateClosed {
		t.Fatalf("new session must be closed")
	}
	ops := map[string]func() error{
		"send":    func() error { return s.Send(can.Frame{ID: 1}) },
		"receive": func() error { _, err := s.Receive(shortWait); return err },
		"set":     func() error { return s.SetFilters([]filter.Filter{filter.Standard(1)}) },
		"clear":   func() error { return s.ClearFilters() },
		"enqueue": func() error { return s.Enqueue(can.Frame{ID: 1}) },
		"flush":   func() error { return s.Flush() },
		"batch":   func() error { _, err := s.SendBatch([]can.Frame{{ID: 1}}); return err },
	}
	for name, op := range ops {
		if err := op(); !errors.Is(err, can.ErrSocketNotOpen) {
			t.Fatalf("%s: expected ErrSocketNotOpen, got %v", name, err)
		}
	}
	if st := bus.Stats(); st != (loopback.Stats{}) {
		t.Fatalf("driver must not be touched: %+v", st)
	}
}

func TestSession_Lifecycle(t *testing.T) {
	bus := loopback.New()
	s := New(bus, "vcan0", WithLogger(logging.Discard()))
	if err := s.Close(); err != nil {
		t.Fatalf("close on closed session: %v", err)
	}
	if err := s.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Open(); err != nil {
		t.Fatalf("second open: %v", err)
	}
	if bus.Stats().Opens != 1 || bus.Count("vcan0") != 1 {
		t.Fatalf("second open must be a no-op: %+v", bus.Stats())
	}
	if err := s.Close(); err != nil || s.State() != StateClosed {
		t.Fatalf("close: %v state=%v", err, s.State())
	}
	if bus.Count("vcan0") != 0 {
		t.Fatalf("handle not released")
	}
}

func TestSession_OpenFailure(t *testing.T) {
	bus := loopback.New()
	bus.FailOpen(errors.New("no such device"))
	s := New(bus, "can9", WithLogger(logging.Discard()))
	if err := s.Open(); !errors.Is(err, can.ErrSocketOpen) {
		t.Fatalf("expected ErrSocketOpen, got %v", err)
	}
	if s.IsOpen() {
		t.Fatalf("failed open must leave the session closed")
	}
}

func TestSession_CloseFailureStillCloses(t *testing.T) {
	bus := loopback.New()
	s := openSession(t, bus)
	bus.FailClose(errors.New("EBADF"))
	if err := s.Close(); !errors.Is(err, can.ErrSocketClose) {
		t.Fatalf("expected ErrSocketClose, got %v", err)
	}
	if s.IsOpen() {
		t.Fatalf("state must be closed after a failed close")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close must not be retryable-stuck: %v", err)
	}
}

func TestSession_ReceiveTimeoutAndErrors(t *testing.T) {
	bus := loopback.New()
	s := openSession(t, bus, WithTimeout(20*time.Millisecond))
	if _, err := s.Receive(0); !errors.Is(err, can.ErrReceiveTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	bus.InjectError("vcan0", errors.New("bus off"))
	_, err := s.Receive(shortWait)
	if !errors.Is(err, can.ErrReceive) || can.KindOf(err) != can.KindReceiveError {
		t.Fatalf("expected receive error, got %v", err)
	}
	if !s.IsOpen() {
		t.Fatalf("a read error must not close the session")
	}
}

func TestSession_SoftwareFilters(t *testing.T) {
	bus := loopback.New()
	s := openSession(t, bus)
	if err := s.SetFilters([]filter.Filter{{ID: 0x120, Mask: 0x7F0}}); err != nil {
		t.Fatalf("set filters: %v", err)
	}
	bus.Inject("vcan0", can.Frame{ID: 0x133}, can.Frame{ID: 0x123}, can.Frame{ID: 0x12F})
	for _, want := range []uint32{0x123, 0x12F} {
		fr, err := s.Receive(shortWait)
		if err != nil || fr.ID != want {
			t.Fatalf("want 0x%X, got %v %v", want, fr, err)
		}
	}
	if len(s.Filters()) != 1 {
		t.Fatalf("filters not recorded")
	}
	if err := s.ClearFilters(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	bus.Inject("vcan0", can.Frame{ID: 0x133})
	if fr, err := s.Receive(shortWait); err != nil || fr.ID != 0x133 {
		t.Fatalf("cleared set must accept everything: %v %v", fr, err)
	}
}

func TestSession_InvalidFilterNotInstalled(t *testing.T) {
	bus := loopback.New()
	s := openSession(t, bus)
	err := s.SetFilters([]filter.Filter{filter.Standard(1), {ID: 0x800, Mask: 0x7FF}})
	if !errors.Is(err, can.ErrInvalidFilter) {
		t.Fatalf("expected ErrInvalidFilter, got %v", err)
	}
	if bus.Stats().Installs != 0 {
		t.Fatalf("invalid filters reached the driver")
	}
}

type kernelHandle struct{ driver.Handle }

func (kernelHandle) KernelFiltering() bool { return true }

func TestSession_KernelFiltersSkipSoftwarePath(t *testing.T) {
	bus := loopback.New()
	drv := driver.Func(func(iface string, fd bool) (driver.Handle, error) {
		h, err := bus.Open(iface, fd)
		if err != nil {
			return nil, err
		}
		return kernelHandle{h}, nil
	})
	s := New(drv, "vcan0", WithLogger(logging.Discard()))
	if err := s.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	if err := s.SetFilters([]filter.Filter{filter.Standard(0x100)}); err != nil {
		t.Fatalf("set: %v", err)
	}
	// the loopback does not enforce filters, so the frame shows up
	bus.Inject("vcan0", can.Frame{ID: 0x200})
	if fr, err := s.Receive(shortWait); err != nil || fr.ID != 0x200 {
		t.Fatalf("kernel-filtered handles must not be filtered twice: %v %v", fr, err)
	}
}

func TestSession_ErrorFramesFilteredOnKernelHandles(t *testing.T) {
	bus := loopback.New()
	drv := driver.Func(func(iface string, fd bool) (driver.Handle, error) {
		h, err := bus.Open(iface, fd)
		if err != nil {
			return nil, err
		}
		return kernelHandle{h}, nil
	})
	s := New(drv, "vcan0", WithLogger(logging.Discard()))
	if err := s.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	if err := s.SetFilters([]filter.Filter{filter.Standard(0x004)}); err != nil {
		t.Fatalf("set: %v", err)
	}
	// error frames reach the socket through the error mask, not can_filter
	bus.Inject("vcan0", can.Frame{ID: 0x040, Error: true, Len: 8}, can.Frame{ID: 0x004, Error: true, Len: 8})
	fr, err := s.Receive(shortWait)
	if err != nil || fr.ID != 0x004 || !fr.Error {
		t.Fatalf("expected only the matching error frame, got %+v %v", fr, err)
	}
}

func TestSession_SoftwareFiltersIgnoreWidth(t *testing.T) {
	bus := loopback.New()
	s := openSession(t, bus)
	if err := s.SetFilters([]filter.Filter{{ID: 0x120, Mask: 0x7F0}}); err != nil {
		t.Fatalf("set: %v", err)
	}
	bus.Inject("vcan0", can.Frame{ID: 0x133}, can.Frame{ID: 0x123, Extended: true})
	fr, err := s.Receive(shortWait)
	if err != nil || fr.ID != 0x123 || !fr.Extended {
		t.Fatalf("extended frame matching the mask must pass, got %+v %v", fr, err)
	}
}

func TestSession_StoppedAsyncWriterIsSendError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	bus := loopback.New()
	s := openSession(t, bus, WithBatching(batch.Async(ctx, 4, batch.Hooks{})))
	cancel()
	err := s.Flush()
	if !errors.Is(err, can.ErrSend) || !errors.Is(err, batch.ErrClosed) || errors.Is(err, can.ErrSocketNotOpen) {
		t.Fatalf("expected send error, got %v", err)
	}
	if err := s.Enqueue(can.Frame{ID: 1}); !errors.Is(err, can.ErrSend) {
		t.Fatalf("expected send error from enqueue, got %v", err)
	}
	if !s.IsOpen() {
		t.Fatalf("session must stay open")
	}
	_ = s.Close()
	if err := s.Flush(); !errors.Is(err, can.ErrSocketNotOpen) {
		t.Fatalf("closed session: %v", err)
	}
}

func TestSession_SlowOpenDoesNotBlockState(t *testing.T) {
	bus := loopback.New()
	entered := make(chan struct{})
	release := make(chan struct{})
	drv := driver.Func(func(iface string, fd bool) (driver.Handle, error) {
		close(entered)
		<-release
		return bus.Open(iface, fd)
	})
	s := New(drv, "vcan0", WithLogger(logging.Discard()))
	res := make(chan error, 1)
	go func() { res <- s.Open() }()
	<-entered

	stateDone := make(chan State, 1)
	go func() { stateDone <- s.State() }()
	select {
	case st := <-stateDone:
		if st != StateClosed {
			t.Fatalf("state during open: %v", st)
		}
	case <-time.After(time.Second):
		t.Fatal("State blocked while the driver was opening")
	}
	if err := s.Open(); !errors.Is(err, can.ErrSocketOpen) {
		t.Fatalf("concurrent open: %v", err)
	}
	close(release)
	if err := <-res; err != nil {
		t.Fatalf("open: %v", err)
	}
	if !s.IsOpen() {
		t.Fatalf("session not open")
	}
	_ = s.Close()
}

func TestSession_SendBatchValidatesFirst(t *testing.T) {
	bus := loopback.New()
	s := openSession(t, bus)
	frames := []can.Frame{{ID: 1}, {ID: 2}, {ID: 0x800}}
	if n, err := s.SendBatch(frames); n != 0 || !errors.Is(err, can.ErrInvalidIdentifier) {
		t.Fatalf("expected nothing sent, got n=%d err=%v", n, err)
	}
	if bus.Stats().Sends != 0 {
		t.Fatalf("driver saw sends")
	}
	if n, err := s.SendBatch(frames[:2]); n != 2 || err != nil {
		t.Fatalf("batch: n=%d err=%v", n, err)
	}
}

func TestSession_ReceiveBatch(t *testing.T) {
	bus := loopback.New()
	s := openSession(t, bus)
	for i := 0; i < 5; i++ {
		bus.Inject("vcan0", can.Frame{ID: uint32(i)})
	}
	got, err := s.ReceiveBatch(3, shortWait)
	if err != nil || len(got) != 3 {
		t.Fatalf("got %d frames, err %v", len(got), err)
	}
	got, err = s.ReceiveBatch(10, 20*time.Millisecond)
	if err != nil || len(got) != 2 || got[1].ID != 4 {
		t.Fatalf("batch should stop at the first timeout: %v %v", got, err)
	}
}

func TestSession_ReaderLease(t *testing.T) {
	s := openSession(t, loopback.New())
	l, err := s.Acquire(OwnerListener)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := s.Acquire(OwnerListener); !errors.Is(err, can.ErrAlreadyListening) {
		t.Fatalf("expected ErrAlreadyListening, got %v", err)
	}
	if _, err := s.Acquire(OwnerStream); !errors.Is(err, can.ErrReaderBusy) {
		t.Fatalf("expected ErrReaderBusy, got %v", err)
	}
	if _, err := s.Receive(shortWait); !errors.Is(err, can.ErrReaderBusy) {
		t.Fatalf("manual receive while listening: %v", err)
	}
	l.Release()
	l.Release()
	if _, err := l.Receive(shortWait); !errors.Is(err, can.ErrReaderBusy) {
		t.Fatalf("released lease must not read: %v", err)
	}
	if s.Owner() != OwnerNone {
		t.Fatalf("owner still %v", s.Owner())
	}
	if _, err := s.Receive(10 * time.Millisecond); !errors.Is(err, can.ErrReceiveTimeout) {
		t.Fatalf("expected timeout once released, got %v", err)
	}
}

func TestSession_CloseUnblocksReader(t *testing.T) {
	s := openSession(t, loopback.New())
	done := make(chan error, 1)
	go func() { _, err := s.Receive(-1); done <- err }()
	time.Sleep(10 * time.Millisecond)
	_ = s.Close()
	select {
	case err := <-done:
		if !errors.Is(err, can.ErrSocketNotOpen) {
			t.Fatalf("expected ErrSocketNotOpen, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("reader still blocked after close")
	}
}

func TestSession_EnqueueBuffered(t *testing.T) {
	bus := loopback.New()
	s := openSession(t, bus, WithBatching(batch.Buffered(3)))
	for i := 1; i <= 2; i++ {
		if err := s.Enqueue(can.Frame{ID: uint32(i)}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if bus.Stats().Sends != 0 {
		t.Fatalf("buffered frames sent early")
	}
	if err := s.Enqueue(can.Frame{ID: 0x800}); !errors.Is(err, can.ErrInvalidIdentifier) {
		t.Fatalf("enqueue must validate: %v", err)
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	got, _ := s.ReceiveBatch(5, 20*time.Millisecond)
	if len(got) != 2 || got[0].ID != 1 || got[1].ID != 2 {
		t.Fatalf("flushed frames out of order: %v", got)
	}
}

func TestSession_CloseFlushesPending(t *testing.T) {
	bus := loopback.New()
	peer, _ := bus.Open("vcan0", false)
	defer peer.Close()
	s := openSession(t, bus, WithBatching(batch.Buffered(10)))
	_ = s.Enqueue(can.Frame{ID: 7})
	_ = s.Close()
	if fr, err := peer.Read(shortWait); err != nil || fr.ID != 7 {
		t.Fatalf("pending frame lost on close: %v %v", fr, err)
	}
}
