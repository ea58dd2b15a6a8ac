package serial

import (
	"bytes"
	"encoding/binary"

	"github.com/kstaniek/go-can-session/internal/can"
	"github.com/kstaniek/go-can-session/internal/metrics"
)

// Codec speaks the Ampio CAN-UART framing. The adapter always carries
// 29-bit identifiers, so received frames are extended.
type Codec struct{}

const (
	pre0   = 0x2D
	preTx  = 0xD4
	insExt = 2 // CAN UART SEND WITH EXT ID
)

// CompactBuffer reclaims consumed prefix capacity when underlying buffer
// grows too large relative to unread bytes. It returns true if compaction
// occurred. Thresholds chosen to avoid excessive copying.
func CompactBuffer(b *bytes.Buffer) bool {
	data := b.Bytes()
	if len(data) < 1024 {
		return false
	}
	// If unread < 25% of capacity, compact.
	if cap(data) > 0 && len(data)*4 < cap(data) {
		clone := make([]byte, len(data))
		copy(clone, data)
		b.Reset()
		_, _ = b.Write(clone)
		return true
	}
	return false
}

// envelope wraps data as [0x2D, 0xD4, len+1, data..., checksum] where
// checksum = (len+1) + 0x2D + sum(data) (mod 256).
func envelope(data []byte) []byte {
	n := len(data)
	out := make([]byte, n+4)
	out[0] = pre0
	out[1] = preTx
	out[2] = byte(n + 1)
	sum := out[2] + pre0
	for i, b := range data {
		out[3+i] = b
		sum += b
	}
	out[3+n] = sum
	return out
}

// Encode builds the UART send command for a classic data frame.
func (Codec) Encode(f can.Frame) []byte {
	tab := make([]byte, 6+f.Len) // INS(1) + FLAGS(1) + ID(4) + PAYLOAD(0..8)
	tab[0] = insExt
	tab[1] = 0x80 + f.Len // FLAGS/DLC (0x80 | len) for classic
	binary.BigEndian.PutUint32(tab[2:6], f.ID&can.CAN_EFF_MASK)
	copy(tab[6:], f.Data[:f.Len])
	return envelope(tab)
}

// DecodeStream consumes complete frames from in and emits them via out.
// Partial input stays buffered for the next call; garbage is skipped.
//
// Example frame (DLC=8):
// 2D D4 - preamble
// 0D    - len = 13 = can_id(4) + payload(8) + checksum(1)
// 00 00 00 02 - CAN ID = 0x00000002
// FE 10 19 09 19 04 01 20 - payload (8 bytes)
// AA    - checksum = 0x2D + len + sum(data bytes after len)
func (Codec) DecodeStream(in *bytes.Buffer, out func(can.Frame)) {
	const (
		minLn = 4 + 0 + 1 // ID + empty payload + checksum
		maxLn = 4 + 8 + 1
	)
	header := []byte{pre0, preTx}

	for {
		data := in.Bytes()
		// Periodically compact to avoid unbounded growth from misaligned garbage
		_ = CompactBuffer(in)
		if len(data) < 3 { // need preamble + len
			return
		}

		i := bytes.Index(data, header)
		if i < 0 {
			// keep last byte in case next buffer starts with preamble second byte
			if in.Len() > 1 {
				last := data[len(data)-1]
				in.Reset()
				_ = in.WriteByte(last)
			}
			return
		}
		if i > 0 {
			in.Next(i)
			continue
		}

		ln := int(data[2]) // data bytes + 1 checksum
		if ln < minLn || ln > maxLn {
			metrics.IncError(metrics.ErrSerialMalformed)
			in.Next(1)
			continue
		}
		req := 3 + ln
		if len(data) < req {
			return
		}

		sum := uint(pre0) + uint(data[2])
		for _, b := range data[3 : req-1] {
			sum += uint(b)
		}
		if byte(sum) != data[req-1] {
			metrics.IncError(metrics.ErrSerialMalformed)
			in.Next(1)
			continue
		}

		payload := data[7 : req-1]
		f := can.Frame{
			ID:       binary.BigEndian.Uint32(data[3:7]) & can.CAN_EFF_MASK,
			Extended: true,
			Len:      uint8(len(payload)),
		}
		copy(f.Data[:], payload)
		out(f)
		in.Next(req)
	}
}
