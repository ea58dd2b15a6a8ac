package session

import (
	"errors"
	"fmt"

	"github.com/kstaniek/go-can-session/internal/batch"
	"github.com/kstaniek/go-can-session/internal/can"
	"github.com/kstaniek/go-can-session/internal/driver"
	"github.com/kstaniek/go-can-session/internal/metrics"
)

// Send validates fr and hands it to the driver. Nothing invalid ever
// reaches the driver.
func (s *Session) Send(fr can.Frame) error {
	h, err := s.handle()
	if err != nil {
		return err
	}
	if err := s.check(fr); err != nil {
		return err
	}
	return s.transmit(h, fr)
}

// SendRequest builds a frame from req and sends it.
func (s *Session) SendRequest(req can.Request) (can.Frame, error) {
	h, err := s.handle()
	if err != nil {
		return can.Frame{}, err
	}
	fr, err := can.ValidateOutgoing(req)
	if err != nil {
		s.reject(err)
		return can.Frame{}, err
	}
	if err := s.check(fr); err != nil {
		return can.Frame{}, err
	}
	return fr, s.transmit(h, fr)
}

// SendBatch validates every frame before sending any, then sends them in
// order and stops at the first driver error. It returns how many were sent.
func (s *Session) SendBatch(frames []can.Frame) (int, error) {
	h, err := s.handle()
	if err != nil {
		return 0, err
	}
	for i, fr := range frames {
		if err := s.check(fr); err != nil {
			return 0, fmt.Errorf("frame %d: %w", i, err)
		}
	}
	for i, fr := range frames {
		if err := s.transmit(h, fr); err != nil {
			return i, err
		}
	}
	return len(frames), nil
}

// Enqueue validates fr and passes it to the batching strategy.
func (s *Session) Enqueue(fr can.Frame) error {
	st, err := s.batchStrategy()
	if err != nil {
		return err
	}
	if err := s.check(fr); err != nil {
		return err
	}
	return s.batchErr(st.Enqueue(fr))
}

// Flush pushes every enqueued frame to the driver.
func (s *Session) Flush() error {
	st, err := s.batchStrategy()
	if err != nil {
		return err
	}
	return s.batchErr(st.Flush())
}

func (s *Session) batchStrategy() (batch.Strategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen {
		return nil, s.notOpen()
	}
	return s.strategy, nil
}

// batchErr maps strategy errors. A closed strategy on an open session means
// the writer itself stopped (its context ended), which is a send failure.
func (s *Session) batchErr(err error) error {
	if errors.Is(err, batch.ErrClosed) {
		if !s.IsOpen() {
			return s.notOpen()
		}
		metrics.IncError(metrics.ErrSend)
		return fmt.Errorf("%w: %s: %w", can.ErrSend, s.iface, err)
	}
	if err != nil {
		metrics.IncError(metrics.ErrBatch)
	}
	return err
}

// check applies frame validation plus the session's fd capability.
func (s *Session) check(fr can.Frame) error {
	err := fr.Validate()
	if err == nil && fr.FD && !s.fd {
		err = fmt.Errorf("%w: fd frame on classic session %s", can.ErrIncompatibleFlags, s.iface)
	}
	if err != nil {
		s.reject(err)
	}
	return err
}

func (s *Session) reject(err error) {
	metrics.IncRejected(can.KindOf(err).String())
	s.logger.Debug("frame_rejected", "iface", s.iface, "kind", can.KindOf(err).String(), "error", err)
}

func (s *Session) transmit(h driver.Handle, fr can.Frame) error {
	if err := h.Send(fr); err != nil {
		metrics.IncError(metrics.ErrSend)
		return fmt.Errorf("%w: %s: %w", can.ErrSend, s.iface, err)
	}
	metrics.IncTx()
	return nil
}
