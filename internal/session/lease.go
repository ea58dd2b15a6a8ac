package session

import (
	"fmt"
	"time"

	"github.com/kstaniek/go-can-session/internal/can"
	"github.com/kstaniek/go-can-session/internal/metrics"
)

// Owner names the consumption mode holding the reader lease.
type Owner uint8

const (
	OwnerNone Owner = iota
	OwnerReceive
	OwnerListener
	OwnerStream
)

func (o Owner) String() string {
	switch o {
	case OwnerReceive:
		return "receive"
	case OwnerListener:
		return "listener"
	case OwnerStream:
		return "stream"
	}
	return "none"
}

// Lease grants exclusive read access to the session's handle.
type Lease struct {
	s     *Session
	id    uint64
	owner Owner
}

// Acquire takes the reader lease for owner. A second listener gets
// ErrAlreadyListening; every other conflict gets ErrReaderBusy.
func (s *Session) Acquire(owner Owner) (*Lease, error) {
	s.ownerMu.Lock()
	defer s.ownerMu.Unlock()
	if s.owner != OwnerNone {
		if owner == OwnerListener && s.owner == OwnerListener {
			return nil, fmt.Errorf("%w: %s", can.ErrAlreadyListening, s.iface)
		}
		return nil, fmt.Errorf("%w: %s is held by %s", can.ErrReaderBusy, s.iface, s.owner)
	}
	s.leaseSeq++
	s.owner = owner
	s.leaseHeld = s.leaseSeq
	return &Lease{s: s, id: s.leaseSeq, owner: owner}, nil
}

// Owner reports who currently holds the reader lease.
func (s *Session) Owner() Owner {
	s.ownerMu.Lock()
	defer s.ownerMu.Unlock()
	return s.owner
}

func (l *Lease) valid() bool {
	l.s.ownerMu.Lock()
	defer l.s.ownerMu.Unlock()
	return l.s.leaseHeld == l.id && l.s.owner == l.owner
}

// Release gives the lease back. Releasing twice is harmless.
func (l *Lease) Release() {
	l.s.ownerMu.Lock()
	defer l.s.ownerMu.Unlock()
	if l.s.leaseHeld == l.id {
		l.s.owner = OwnerNone
		l.s.leaseHeld = 0
	}
}

// Receive reads one frame that passes the filters. A zero timeout means
// the session default; a negative one blocks.
func (l *Lease) Receive(timeout time.Duration) (can.Frame, error) {
	if !l.valid() {
		return can.Frame{}, fmt.Errorf("%w: lease released", can.ErrReaderBusy)
	}
	return l.s.read(timeout)
}

// Receive performs one manual pull. It fails with ErrReaderBusy while a
// listener or stream owns the reader.
func (s *Session) Receive(timeout time.Duration) (can.Frame, error) {
	if _, err := s.handle(); err != nil {
		return can.Frame{}, err
	}
	l, err := s.Acquire(OwnerReceive)
	if err != nil {
		return can.Frame{}, err
	}
	defer l.Release()
	return s.read(timeout)
}

// ReceiveBatch reads until max frames arrived or the first timeout.
// A timeout is not an error here: whatever was collected is returned.
func (s *Session) ReceiveBatch(max int, timeout time.Duration) ([]can.Frame, error) {
	if _, err := s.handle(); err != nil {
		return nil, err
	}
	l, err := s.Acquire(OwnerReceive)
	if err != nil {
		return nil, err
	}
	defer l.Release()
	var out []can.Frame
	for max <= 0 || len(out) < max {
		fr, err := s.read(timeout)
		if can.IsTimeout(err) {
			break
		}
		if err != nil {
			return out, err
		}
		out = append(out, fr)
	}
	return out, nil
}

func (s *Session) read(timeout time.Duration) (can.Frame, error) {
	h, err := s.handle()
	if err != nil {
		return can.Frame{}, err
	}
	if timeout == 0 {
		timeout = s.timeout
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		wait := timeout
		if timeout > 0 {
			if wait = time.Until(deadline); wait <= 0 {
				return can.Frame{}, fmt.Errorf("%w: %s after %s", can.ErrReceiveTimeout, s.iface, timeout)
			}
		}
		fr, err := h.Read(wait)
		if err != nil {
			return can.Frame{}, s.readErr(err)
		}
		if soft := s.soft.Load(); soft != nil && (fr.Error || !s.kernel.Load()) && !soft.Match(fr) {
			metrics.IncFiltered()
			continue
		}
		metrics.IncRx()
		return fr, nil
	}
}

func (s *Session) readErr(err error) error {
	if can.IsTimeout(err) {
		return err
	}
	if !s.IsOpen() {
		return s.notOpen()
	}
	metrics.IncError(metrics.ErrReceive)
	return fmt.Errorf("%w: %s: %w", can.ErrReceive, s.iface, err)
}
