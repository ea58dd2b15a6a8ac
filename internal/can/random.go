package can

import "math/rand/v2"

// RandomOptions shapes the frames produced by Random.
// Len < 0 picks a random length; MaxID == 0 means the full range of the width.
type RandomOptions struct {
	Format IDFormat
	Kind   Kind
	Len    int
	MinID  uint32
	MaxID  uint32
}

// Random returns a structurally valid frame for test fixtures. The shape
// (width, kind, length bounds) is fixed by opts; values come from r.
func Random(r *rand.Rand, opts RandomOptions) Frame {
	var f Frame
	switch opts.Kind {
	case KindFD:
		f.FD = true
	case KindRemote:
		f.Remote = true
	case KindError:
		f.Error = true
	}

	ext := false
	switch opts.Format {
	case FormatExtended:
		ext = true
	case FormatAuto:
		ext = r.IntN(2) == 1
	}
	if f.Error {
		ext = false
	}
	hi := uint32(CAN_SFF_MASK)
	if ext || f.Error {
		hi = CAN_EFF_MASK
	}
	if opts.MaxID != 0 && opts.MaxID < hi {
		hi = opts.MaxID
	}
	lo := opts.MinID
	if lo > hi {
		lo = 0
	}
	f.ID = lo + r.Uint32N(hi-lo+1)
	f.Extended = ext

	max := MaxLen
	if f.FD {
		max = MaxFDLen
	}
	n := opts.Len
	if n < 0 {
		n = r.IntN(max + 1)
	}
	if n > max {
		n = max
	}
	f.Len = uint8(n)
	if !f.Remote {
		for i := 0; i < n; i++ {
			f.Data[i] = byte(r.UintN(256))
		}
	}
	return f
}
