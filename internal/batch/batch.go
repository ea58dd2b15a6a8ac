// Package batch decides when enqueued frames reach the driver. A session
// owns at most one Strategy; Send always bypasses it.
package batch

import (
	"errors"
	"fmt"
	"sync"

	"github.com/kstaniek/go-can-session/internal/can"
	"github.com/kstaniek/go-can-session/internal/metrics"
)

// ErrClosed is returned by Enqueue and Flush after Close.
var ErrClosed = errors.New("batch: closed")

// SendFunc transmits one already validated frame.
type SendFunc func(can.Frame) error

// Strategy buffers outgoing frames.
type Strategy interface {
	Enqueue(can.Frame) error
	// Flush pushes everything enqueued so far and reports the first send error.
	Flush() error
	Close() error
}

// Factory binds a strategy to the session's send path.
type Factory func(send SendFunc) Strategy

// Immediate sends on Enqueue; Flush is a no-op.
func Immediate() Factory {
	return func(send SendFunc) Strategy { return &immediate{send: send} }
}

type immediate struct {
	send   SendFunc
	mu     sync.Mutex
	closed bool
}

func (s *immediate) Enqueue(fr can.Frame) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return s.send(fr)
}

func (s *immediate) Flush() error { return nil }

func (s *immediate) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Buffered accumulates up to n frames and flushes automatically when full.
// A failed frame is dropped; frames behind it stay queued for the next Flush.
func Buffered(n int) Factory {
	if n < 1 {
		n = 1
	}
	return func(send SendFunc) Strategy {
		return &buffered{send: send, limit: n, buf: make([]can.Frame, 0, n)}
	}
}

type buffered struct {
	mu     sync.Mutex
	send   SendFunc
	limit  int
	buf    []can.Frame
	closed bool
}

func (s *buffered) Enqueue(fr can.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.buf = append(s.buf, fr)
	if len(s.buf) >= s.limit {
		return s.flushLocked()
	}
	return nil
}

func (s *buffered) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.flushLocked()
}

func (s *buffered) flushLocked() error {
	sent := 0
	defer func() {
		if sent > 0 {
			metrics.IncFlush()
		}
	}()
	for i, fr := range s.buf {
		if err := s.send(fr); err != nil {
			rest := copy(s.buf, s.buf[i+1:])
			s.buf = s.buf[:rest]
			return fmt.Errorf("flush stopped after %d of %d frames: %w", sent, sent+rest+1, err)
		}
		sent++
	}
	s.buf = s.buf[:0]
	return nil
}

// Pending reports the number of frames waiting for a flush.
func (s *buffered) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// Close flushes what is left and rejects further use.
func (s *buffered) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	err := s.flushLocked()
	s.closed = true
	return err
}
