package socketcan

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/kstaniek/go-can-session/internal/can"
	"github.com/kstaniek/go-can-session/internal/filter"
)

// Sizes of struct can_frame and struct canfd_frame (linux/can.h).
const (
	classicMTU = 16
	fdMTU      = 72
)

// CAN_INV_FILTER from linux/can.h; shares its bit with CAN_ERR_FLAG.
const invFilter = 0x20000000

// marshal encodes fr into buf and returns the used prefix.
//
//	can_id  u32  [0:4]  (includes EFF/RTR/ERR flags)
//	len     u8   [4]    (can_dlc for classic frames)
//	flags   u8   [5]    (canfd_frame only)
//	res     2B   [6:8]
//	data         [8:]
//
// NOTE: The kernel uses host byte order. On common Linux archs
// (little-endian) this matches binary.LittleEndian.
func marshal(buf *[fdMTU]byte, fr can.Frame) []byte {
	*buf = [fdMTU]byte{}
	binary.LittleEndian.PutUint32(buf[0:4], fr.RawID())
	if fr.FD {
		n := can.PaddedLen(int(fr.Len))
		buf[4] = uint8(n)
		copy(buf[8:], fr.Data[:fr.Len])
		return buf[:fdMTU]
	}
	buf[4] = fr.Len
	if !fr.Remote {
		copy(buf[8:16], fr.Data[:fr.Len])
	}
	return buf[:classicMTU]
}

// unmarshal decodes one frame; the read size tells classic from FD.
func unmarshal(b []byte) (can.Frame, error) {
	var fd bool
	switch len(b) {
	case classicMTU:
	case fdMTU:
		fd = true
	default:
		return can.Frame{}, fmt.Errorf("short read: %d", len(b))
	}
	fr := can.FromRawID(binary.LittleEndian.Uint32(b[0:4]))
	n := int(b[4])
	max := can.MaxLen
	if fd {
		max = can.MaxFDLen
		fr.FD = !fr.Error && !fr.Remote
	}
	if n > max {
		n = max
	}
	fr.Len = uint8(n)
	if !fr.Remote {
		copy(fr.Data[:], b[8:8+n])
	}
	return fr, nil
}

// rawFilter mirrors struct can_filter.
type rawFilter struct {
	ID   uint32
	Mask uint32
}

// kernelFilters maps filters onto can_filter entries. The flag bits stay
// out of the mask so the kernel matches on the identifier alone, as
// filter.Filter.Match does.
func kernelFilters(fs []filter.Filter) []rawFilter {
	out := make([]rawFilter, 0, len(fs))
	for _, f := range fs {
		id, mask := f.ID&f.Mask, f.Mask
		if f.Invert {
			id |= invFilter
		}
		out = append(out, rawFilter{ID: id, Mask: mask})
	}
	return out
}

// acceptAll is what clearing installs: a single zero-mask filter.
var acceptAll = []rawFilter{{ID: 0, Mask: 0}}

// rcvTimeout maps a read timeout onto SO_RCVTIMEO, where a zero timeval
// blocks forever. Negative means block; a positive value below the
// timeval resolution is raised to 1µs so it still expires.
func rcvTimeout(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return 0
	case d < time.Microsecond:
		return time.Microsecond
	}
	return d
}
