package session

import (
	"fmt"

	"github.com/kstaniek/go-can-session/internal/can"
	"github.com/kstaniek/go-can-session/internal/filter"
	"github.com/kstaniek/go-can-session/internal/metrics"
)

// SetFilters validates and installs filters. They apply to frames read
// after the call; an empty list behaves like ClearFilters.
func (s *Session) SetFilters(fs []filter.Filter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen {
		return s.notOpen()
	}
	if err := filter.Validate(fs); err != nil {
		return err
	}
	if len(fs) == 0 {
		return s.clearLocked()
	}
	if err := s.h.InstallFilters(fs); err != nil {
		metrics.IncError(metrics.ErrFilters)
		return fmt.Errorf("%w: install on %s: %w", can.ErrInvalidFilter, s.iface, err)
	}
	s.filters = append(filter.Set(nil), fs...)
	soft := append(filter.Set(nil), fs...)
	s.soft.Store(&soft)
	s.logger.Debug("filters_installed", "iface", s.iface, "count", len(fs), "kernel", s.kernel.Load())
	return nil
}

// ClearFilters goes back to accepting every frame.
func (s *Session) ClearFilters() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen {
		return s.notOpen()
	}
	return s.clearLocked()
}

func (s *Session) clearLocked() error {
	if err := s.h.ClearFilters(); err != nil {
		metrics.IncError(metrics.ErrFilters)
		return fmt.Errorf("%w: clear on %s: %w", can.ErrInvalidFilter, s.iface, err)
	}
	s.filters = nil
	s.soft.Store(nil)
	s.logger.Debug("filters_cleared", "iface", s.iface)
	return nil
}

// Filters returns a copy of the active filter list.
func (s *Session) Filters() filter.Set {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append(filter.Set(nil), s.filters...)
}
