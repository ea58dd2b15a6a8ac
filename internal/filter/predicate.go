package filter

import "github.com/kstaniek/go-can-session/internal/can"

// Composable predicates for in-process selection.

// ByID matches frames with the exact identifier.
func ByID(id uint32) can.Predicate {
	return func(f can.Frame) bool { return f.ID == id }
}

// ByKind matches exactly one frame variant.
func ByKind(k can.Kind) can.Predicate {
	return func(f can.Frame) bool { return f.Kind() == k }
}

// ByMask matches when (frame.ID & mask) == (id & mask), regardless of width.
func ByMask(id, mask uint32) can.Predicate {
	want := id & mask
	return func(f can.Frame) bool { return f.ID&mask == want }
}

// And matches when both match. A nil side is ignored.
func And(a, b can.Predicate) can.Predicate {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	default:
		return func(f can.Frame) bool { return a(f) && b(f) }
	}
}

// Or matches when either matches. A nil side is ignored.
func Or(a, b can.Predicate) can.Predicate {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	default:
		return func(f can.Frame) bool { return a(f) || b(f) }
	}
}

// Not inverts a predicate; Not(nil) matches nothing.
func Not(a can.Predicate) can.Predicate {
	if a == nil {
		return func(can.Frame) bool { return false }
	}
	return func(f can.Frame) bool { return !a(f) }
}
