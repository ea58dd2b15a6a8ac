// Package hub is a small observer registry: subscribers are called in
// subscription order for every broadcast value.
package hub

import (
	"sync"

	"github.com/kstaniek/go-can-session/internal/logging"
	"github.com/kstaniek/go-can-session/internal/metrics"
)

type BackpressurePolicy int

const (
	PolicyDrop BackpressurePolicy = iota
	PolicyKick
)

// Subscription detaches one subscriber.
type Subscription struct {
	once sync.Once
	fn   func()
}

// Unsubscribe stops further deliveries (idempotent).
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(s.fn)
}

type entry[T any] struct {
	id uint64
	fn func(T)
}

type Hub[T any] struct {
	mu   sync.RWMutex
	subs []entry[T]
	next uint64
	name string
}

// New creates a Hub; name only appears in logs.
func New[T any](name string) *Hub[T] { return &Hub[T]{name: name} }

// Subscribe registers fn for every subsequent Broadcast.
func (h *Hub[T]) Subscribe(fn func(T)) *Subscription {
	h.mu.Lock()
	h.next++
	id := h.next
	h.subs = append(h.subs, entry[T]{id: id, fn: fn})
	first := len(h.subs) == 1
	h.mu.Unlock()
	if first {
		logging.L().Debug("hub_first_subscriber", "hub", h.name)
	}
	return &Subscription{fn: func() { h.remove(id) }}
}

func (h *Hub[T]) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, e := range h.subs {
		if e.id == id {
			h.subs = append(h.subs[:i:i], h.subs[i+1:]...)
			return
		}
	}
}

// Broadcast calls every subscriber synchronously on the caller's goroutine.
// Subscribers may Subscribe or Unsubscribe from inside a callback.
func (h *Hub[T]) Broadcast(v T) {
	for _, e := range h.snapshot() {
		e.fn(v)
	}
}

func (h *Hub[T]) snapshot() []entry[T] {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]entry[T](nil), h.subs...)
}

// Count returns the number of active subscribers.
func (h *Hub[T]) Count() int { h.mu.RLock(); n := len(h.subs); h.mu.RUnlock(); return n }

// Client receives broadcasts through a buffered channel so a slow consumer
// never stalls the broadcaster.
type Client[T any] struct {
	Out       chan T
	Closed    chan struct{}
	Policy    BackpressurePolicy
	closeOnce sync.Once
}

func NewClient[T any](buf int, policy BackpressurePolicy) *Client[T] {
	return &Client[T]{Out: make(chan T, buf), Closed: make(chan struct{}), Policy: policy}
}

// Close signals the client is closed (idempotent).
func (c *Client[T]) Close() {
	c.closeOnce.Do(func() {
		close(c.Closed)
	})
}

// Attach subscribes c. When c.Out is full the value is dropped, and under
// PolicyKick the client is also closed. A closed client gets nothing more.
func (h *Hub[T]) Attach(c *Client[T]) *Subscription {
	return h.Subscribe(func(v T) {
		select {
		case <-c.Closed:
			return
		default:
		}
		select {
		case c.Out <- v:
		default:
			metrics.IncError(metrics.ErrHubDrop)
			if c.Policy == PolicyKick {
				c.Close() // consumer exits and unsubscribes
			}
		}
	})
}
