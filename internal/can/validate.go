package can

import "fmt"

// IDFormat selects the identifier width. FormatAuto infers it from the value.
type IDFormat uint8

const (
	FormatAuto IDFormat = iota
	FormatStandard
	FormatExtended
)

// Request describes an outgoing frame before validation.
// For remote requests len(Data) is the requested DLC; the bytes are ignored.
type Request struct {
	ID     uint32
	Format IDFormat
	Data   []byte
	FD     bool
	Remote bool
}

// ValidateOutgoing checks a request against the bus rules and returns the
// resulting frame. Checks run in a fixed order and the first failure wins.
func ValidateOutgoing(req Request) (Frame, error) {
	var f Frame
	if req.Remote && req.FD {
		return f, fmt.Errorf("%w: remote frames cannot be fd", ErrIncompatibleFlags)
	}
	ext := resolveExtended(req.ID, req.Format)
	if err := CheckID(req.ID, ext); err != nil {
		return f, err
	}
	max := MaxLen
	if req.FD {
		max = MaxFDLen
	}
	if len(req.Data) > max {
		return f, fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLong, len(req.Data), max)
	}
	f.ID = req.ID
	f.Extended = ext
	f.FD = req.FD
	f.Remote = req.Remote
	f.Len = uint8(len(req.Data))
	if !req.Remote {
		copy(f.Data[:], req.Data)
	}
	return f, nil
}

// NewData builds a classic data frame, inferring the identifier width.
func NewData(id uint32, data []byte) (Frame, error) {
	return ValidateOutgoing(Request{ID: id, Data: data})
}

// NewFD builds an FD data frame, inferring the identifier width.
func NewFD(id uint32, data []byte) (Frame, error) {
	return ValidateOutgoing(Request{ID: id, Data: data, FD: true})
}

// NewRemote builds a remote request for dlc bytes.
func NewRemote(id uint32, dlc uint8) (Frame, error) {
	return ValidateOutgoing(Request{ID: id, Data: make([]byte, dlc), Remote: true})
}

// BytesFromInts converts untyped payload values (CLI, JSON) to bytes,
// rejecting anything outside 0..255.
func BytesFromInts(vals []int) ([]byte, error) {
	out := make([]byte, len(vals))
	for i, v := range vals {
		if v < 0 || v > 0xFF {
			return nil, fmt.Errorf("%w: index %d value %d", ErrInvalidByte, i, v)
		}
		out[i] = byte(v)
	}
	return out, nil
}

// Validate checks the invariants every transmitted frame must satisfy.
// Error frames are reception-only and always fail.
func (f Frame) Validate() error {
	if f.Error {
		return fmt.Errorf("%w: error frames cannot be sent", ErrIncompatibleFlags)
	}
	if f.Remote && f.FD {
		return fmt.Errorf("%w: remote frames cannot be fd", ErrIncompatibleFlags)
	}
	if err := CheckID(f.ID, f.Extended); err != nil {
		return err
	}
	max := MaxLen
	if f.FD {
		max = MaxFDLen
	}
	if int(f.Len) > max {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLong, f.Len, max)
	}
	return nil
}

func resolveExtended(id uint32, format IDFormat) bool {
	switch format {
	case FormatStandard:
		return false
	case FormatExtended:
		return true
	default:
		return id > CAN_SFF_MASK
	}
}

// CheckID reports whether id fits the standard or extended range.
func CheckID(id uint32, ext bool) error {
	if ext {
		if id > CAN_EFF_MASK {
			return fmt.Errorf("%w: 0x%X exceeds extended range", ErrInvalidIdentifier, id)
		}
		return nil
	}
	if id > CAN_SFF_MASK {
		return fmt.Errorf("%w: 0x%X exceeds standard range", ErrInvalidIdentifier, id)
	}
	return nil
}

var fdLens = [...]uint8{0, 1, 2, 3, 4, 5, 6, 7, 8, 12, 16, 20, 24, 32, 48, 64}

// LenToDLC returns the smallest data length code able to carry n bytes.
func LenToDLC(n int) uint8 {
	for dlc, l := range fdLens {
		if int(l) >= n {
			return uint8(dlc)
		}
	}
	return uint8(len(fdLens) - 1)
}

// DLCToLen returns the payload length for a data length code (0..15).
func DLCToLen(dlc uint8) int {
	if int(dlc) >= len(fdLens) {
		return MaxFDLen
	}
	return int(fdLens[dlc])
}

// PaddedLen rounds n up to the next length an FD frame can carry on the wire.
func PaddedLen(n int) int { return DLCToLen(LenToDLC(n)) }
