package can

// SocketCAN flag bits for can_id (same values as <linux/can.h>)
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
)

// Payload limits.
const (
	MaxLen   = 8
	MaxFDLen = 64
)

// Kind is the wire-level variant of a frame.
type Kind uint8

const (
	KindData Kind = iota
	KindFD
	KindRemote
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindFD:
		return "fd"
	case KindRemote:
		return "remote"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// ParseKind maps the names returned by Kind.String back to a Kind.
func ParseKind(s string) (Kind, bool) {
	switch s {
	case "data":
		return KindData, true
	case "fd":
		return KindFD, true
	case "remote":
		return KindRemote, true
	case "error":
		return KindError, true
	}
	return 0, false
}

// Frame is one CAN or CAN FD frame as seen by the session layer.
//
// ID holds only the identifier bits; the variant is carried by the flags.
// Len is the payload length (0..8 classic, 0..64 FD). For remote frames Len
// is the requested DLC and Data stays zero. Frame is comparable, so == is
// frame equality.
type Frame struct {
	ID       uint32
	Extended bool
	FD       bool
	Remote   bool
	Error    bool
	Len      uint8
	Data     [MaxFDLen]byte
}

// Kind resolves the variant. Error wins over remote, remote over FD.
func (f Frame) Kind() Kind {
	switch {
	case f.Error:
		return KindError
	case f.Remote:
		return KindRemote
	case f.FD:
		return KindFD
	default:
		return KindData
	}
}

// Payload returns the valid data bytes. Remote frames carry none.
func (f Frame) Payload() []byte {
	if f.Remote {
		return nil
	}
	n := int(f.Len)
	if n > MaxFDLen {
		n = MaxFDLen
	}
	return f.Data[:n]
}

// RawID returns the identifier with SocketCAN EFF/RTR/ERR flag bits applied.
func (f Frame) RawID() uint32 {
	id := f.ID
	if f.Extended {
		id = (id & CAN_EFF_MASK) | CAN_EFF_FLAG
	} else {
		id &= CAN_SFF_MASK
	}
	if f.Remote {
		id |= CAN_RTR_FLAG
	}
	if f.Error {
		id |= CAN_ERR_FLAG
	}
	return id
}

// FromRawID builds the identifier part of a frame from a SocketCAN can_id.
func FromRawID(raw uint32) Frame {
	var f Frame
	f.Extended = raw&CAN_EFF_FLAG != 0
	f.Remote = raw&CAN_RTR_FLAG != 0
	f.Error = raw&CAN_ERR_FLAG != 0
	if f.Extended || f.Error {
		f.ID = raw & CAN_EFF_MASK
	} else {
		f.ID = raw & CAN_SFF_MASK
	}
	return f
}

// String returns the textual interchange form (see Format).
func (f Frame) String() string { return Format(f) }

// Predicate selects frames; nil accepts everything.
type Predicate func(Frame) bool
