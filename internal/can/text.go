package can

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Format renders f in the cansend/candump interchange form:
//
//	123#DEADBEEF     standard data (3 hex digit id)
//	00000123#01      extended data (8 hex digit id)
//	123##0AABB       FD data, one flags nibble before the payload
//	123#R4           remote request for 4 bytes ("123#R" for zero)
//	20000004#0000    error frame, id carries CAN_ERR_FLAG
func Format(f Frame) string {
	var b strings.Builder
	switch {
	case f.Error:
		fmt.Fprintf(&b, "%08X#", (f.ID&CAN_EFF_MASK)|CAN_ERR_FLAG)
	case f.Extended:
		fmt.Fprintf(&b, "%08X#", f.ID)
	default:
		fmt.Fprintf(&b, "%03X#", f.ID)
	}
	switch f.Kind() {
	case KindRemote:
		b.WriteByte('R')
		if f.Len > 0 {
			b.WriteString(strconv.Itoa(int(f.Len)))
		}
		return b.String()
	case KindFD:
		b.WriteString("#0")
	}
	fmt.Fprintf(&b, "%X", f.Payload())
	return b.String()
}

// Parse is the inverse of Format. An identifier written with 8 hex digits is
// extended; otherwise the width is inferred from the value. Payload bytes may
// be separated by dots.
func Parse(s string) (Frame, error) {
	var f Frame
	s = strings.TrimSpace(s)
	idx := strings.IndexByte(s, '#')
	if idx <= 0 || idx > 8 {
		return f, fmt.Errorf("%w: %q: missing or misplaced '#'", ErrInvalidFormat, s)
	}
	idText, rest := s[:idx], s[idx+1:]
	raw, err := strconv.ParseUint(idText, 16, 32)
	if err != nil {
		return f, fmt.Errorf("%w: %q: bad identifier", ErrInvalidFormat, s)
	}
	id := uint32(raw)
	if len(idText) == 8 {
		if id&(CAN_EFF_FLAG|CAN_RTR_FLAG) != 0 {
			return f, fmt.Errorf("%w: %q: flag bits in identifier", ErrInvalidFormat, s)
		}
		if id&CAN_ERR_FLAG != 0 {
			f.Error = true
			f.ID = id & CAN_EFF_MASK
		} else {
			f.Extended = true
			f.ID = id
		}
	} else {
		if id > CAN_EFF_MASK {
			return f, fmt.Errorf("%w: 0x%X exceeds extended range", ErrInvalidIdentifier, id)
		}
		f.ID = id
		f.Extended = id > CAN_SFF_MASK
	}

	max := MaxLen
	switch {
	case strings.HasPrefix(rest, "#"):
		if f.Error || len(rest) < 2 {
			return f, fmt.Errorf("%w: %q: bad fd frame", ErrInvalidFormat, s)
		}
		if _, err := strconv.ParseUint(rest[1:2], 16, 8); err != nil {
			return f, fmt.Errorf("%w: %q: bad fd flags", ErrInvalidFormat, s)
		}
		f.FD = true
		max = MaxFDLen
		rest = rest[2:]
	case strings.HasPrefix(rest, "R") || strings.HasPrefix(rest, "r"):
		if f.Error {
			return f, fmt.Errorf("%w: %q: remote error frame", ErrInvalidFormat, s)
		}
		f.Remote = true
		if len(rest) > 1 {
			dlc, err := strconv.ParseUint(rest[1:], 10, 8)
			if err != nil || dlc > MaxLen {
				return f, fmt.Errorf("%w: %q: bad remote length", ErrInvalidFormat, s)
			}
			f.Len = uint8(dlc)
		}
		return f, nil
	}

	rest = strings.ReplaceAll(rest, ".", "")
	if len(rest)%2 != 0 {
		return f, fmt.Errorf("%w: %q: odd number of hex digits", ErrInvalidFormat, s)
	}
	if len(rest)/2 > max {
		return f, fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLong, len(rest)/2, max)
	}
	n, err := hex.Decode(f.Data[:], []byte(rest))
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %q: %v", ErrInvalidFormat, s, err)
	}
	f.Len = uint8(n)
	return f, nil
}
