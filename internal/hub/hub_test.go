package hub

import (
	"testing"
	"time"

	"github.com/kstaniek/go-can-session/internal/can"
)

func TestHub_OrderAndUnsubscribe(t *testing.T) {
	h := New[int]("test")
	var got []string
	a := h.Subscribe(func(v int) { got = append(got, "a") })
	h.Subscribe(func(v int) { got = append(got, "b") })
	h.Broadcast(1)
	a.Unsubscribe()
	a.Unsubscribe()
	h.Broadcast(2)
	want := []string{"a", "b", "b"}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
	if h.Count() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", h.Count())
	}
}

func TestHub_UnsubscribeInsideCallback(t *testing.T) {
	h := New[int]("test")
	calls := 0
	var sub *Subscription
	sub = h.Subscribe(func(int) { calls++; sub.Unsubscribe() })
	h.Broadcast(1)
	h.Broadcast(2)
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestHub_Attach_DropDoesNotBlock(t *testing.T) {
	h := New[can.Frame]("frames")
	cl := NewClient[can.Frame](4, PolicyDrop)
	defer h.Attach(cl).Unsubscribe()

	// nobody reads cl.Out
	start := time.Now()
	for i := 0; i < 1000; i++ {
		h.Broadcast(can.Frame{ID: 0x123})
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Broadcast took too long: %s", elapsed)
	}
	if len(cl.Out) != cap(cl.Out) {
		t.Fatalf("expected client buffer to be full, got len=%d cap=%d", len(cl.Out), cap(cl.Out))
	}
}

func TestHub_Attach_KickClosesSlowClient(t *testing.T) {
	h := New[can.Frame]("frames")
	slow := NewClient[can.Frame](1, PolicyKick)
	fast := NewClient[can.Frame](16, PolicyDrop)
	defer h.Attach(slow).Unsubscribe()
	defer h.Attach(fast).Unsubscribe()

	for i := 0; i < 10; i++ {
		h.Broadcast(can.Frame{ID: uint32(i)})
	}
	select {
	case <-slow.Closed:
	default:
		t.Fatalf("slow client should have been kicked")
	}
	if len(fast.Out) != 10 {
		t.Fatalf("fast client got %d frames, want 10", len(fast.Out))
	}
}
