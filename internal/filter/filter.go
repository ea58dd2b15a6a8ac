// Package filter implements identifier/mask acceptance rules for received
// frames, in the same shape the kernel applies with CAN_RAW_FILTER.
package filter

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kstaniek/go-can-session/internal/can"
)

// Filter accepts a frame when (frame.ID & Mask) == (ID & Mask), whatever
// the frame's identifier width. Invert negates the result. Extended only
// selects the range ID and Mask are validated against.
type Filter struct {
	ID       uint32
	Mask     uint32
	Extended bool
	Invert   bool
}

// Set is an ordered filter list. A frame passes when any filter matches;
// the empty set accepts everything.
type Set []Filter

// Standard returns an exact-match filter for an 11-bit identifier.
func Standard(id uint32) Filter { return Filter{ID: id, Mask: can.CAN_SFF_MASK} }

// Extended returns an exact-match filter for a 29-bit identifier.
func Extended(id uint32) Filter { return Filter{ID: id, Mask: can.CAN_EFF_MASK, Extended: true} }

// Validate checks that id and mask both fit the identifier width.
func (f Filter) Validate() error {
	if err := can.CheckID(f.ID, f.Extended); err != nil {
		return fmt.Errorf("%w: id: %v", can.ErrInvalidFilter, err)
	}
	if err := can.CheckID(f.Mask, f.Extended); err != nil {
		return fmt.Errorf("%w: mask: %v", can.ErrInvalidFilter, err)
	}
	return nil
}

// Validate checks every filter and reports the first offender by index.
func Validate(filters []Filter) error {
	for i, f := range filters {
		if err := f.Validate(); err != nil {
			return fmt.Errorf("filter %d: %w", i, err)
		}
	}
	return nil
}

// Match reports whether fr passes this single filter.
func (f Filter) Match(fr can.Frame) bool {
	hit := fr.ID&f.Mask == f.ID&f.Mask
	return hit != f.Invert
}

// Match reports whether fr passes the set: at least one filter matches.
// Error frames are judged by their identifier like any other frame.
func (s Set) Match(fr can.Frame) bool {
	if len(s) == 0 {
		return true
	}
	for _, f := range s {
		if f.Match(fr) {
			return true
		}
	}
	return false
}

// Predicate adapts the set for use where a can.Predicate is expected.
func (s Set) Predicate() can.Predicate {
	if len(s) == 0 {
		return nil
	}
	cp := append(Set(nil), s...)
	return cp.Match
}

func (s Set) String() string {
	parts := make([]string, len(s))
	for i, f := range s {
		parts[i] = f.String()
	}
	return strings.Join(parts, ",")
}

func (f Filter) String() string {
	var b strings.Builder
	if f.Extended {
		fmt.Fprintf(&b, "%08X:%08X:x", f.ID, f.Mask)
	} else {
		fmt.Fprintf(&b, "%03X:%03X", f.ID, f.Mask)
	}
	if f.Invert {
		b.WriteString(":inv")
	}
	return b.String()
}

// Parse reads "<hexid>:<hexmask>[:x][:inv]". Without ":x" the width is
// inferred from the id the same way frames are.
func Parse(s string) (Filter, error) {
	var f Filter
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 4 {
		return f, fmt.Errorf("%w: %q: want id:mask[:x][:inv]", can.ErrInvalidFormat, s)
	}
	id, err := strconv.ParseUint(parts[0], 16, 32)
	if err != nil {
		return f, fmt.Errorf("%w: %q: bad id", can.ErrInvalidFormat, s)
	}
	mask, err := strconv.ParseUint(parts[1], 16, 32)
	if err != nil {
		return f, fmt.Errorf("%w: %q: bad mask", can.ErrInvalidFormat, s)
	}
	f.ID, f.Mask = uint32(id), uint32(mask)
	f.Extended = f.ID > can.CAN_SFF_MASK || len(parts[0]) == 8
	for _, p := range parts[2:] {
		switch strings.ToLower(p) {
		case "x", "ext":
			f.Extended = true
		case "inv", "!":
			f.Invert = true
		default:
			return f, fmt.Errorf("%w: %q: unknown modifier %q", can.ErrInvalidFormat, s, p)
		}
	}
	return f, f.Validate()
}
