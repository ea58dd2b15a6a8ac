// Package cnl speaks the cannelloni TCP protocol: a "CANNELLONIv1" hello in
// both directions, then a stream of frames. It is used as a driver for
// remote buses exported by a cannelloni gateway.
package cnl

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/kstaniek/go-can-session/internal/can"
	"github.com/kstaniek/go-can-session/internal/metrics"
)

// Codec encodes/decodes cannelloni frames. Stateless and safe for concurrent use.
type Codec struct{}

// ErrInvalidLength is returned when a frame length is outside the bound for its type.
var ErrInvalidLength = errors.New("cannelloni: invalid length")

// ErrTruncatedFrame is returned when the underlying reader ends mid-frame.
var ErrTruncatedFrame = errors.New("cannelloni: truncated frame")

// ErrInvalidFlags is returned for an FD frame that also claims to be remote or error.
var ErrInvalidFlags = errors.New("cannelloni: invalid flags")

// fdMarker in the length byte announces an FD frame followed by a flags byte.
const fdMarker = 0x80

// Encode packs frames into a single buffer.
func (c *Codec) Encode(frames []can.Frame) []byte {
	if len(frames) == 0 {
		return nil
	}
	var buf bytes.Buffer
	// Pre-size: worst case per frame = 4(id)+1(len)+1(flags)+64(data)
	buf.Grow(len(frames) * (4 + 2 + can.MaxFDLen))
	_, _ = c.EncodeTo(&buf, frames)
	return buf.Bytes()
}

// EncodeTo writes the wire representation of frames to w and returns bytes written.
// Each frame is: 4-byte BE can_id with flags, 1-byte length (bit 7 marks FD),
// a flags byte for FD frames, then the payload (none for remote frames).
func (c *Codec) EncodeTo(w io.Writer, frames []can.Frame) (int, error) {
	var total int
	var hdr [6]byte
	for _, f := range frames {
		binary.BigEndian.PutUint32(hdr[:4], f.RawID())
		h := hdr[:5]
		hdr[4] = f.Len
		if f.FD {
			hdr[4] |= fdMarker
			hdr[5] = 0
			h = hdr[:6]
		}
		n, err := w.Write(h)
		total += n
		if err != nil {
			return total, fmt.Errorf("cannelloni encode header: %w", err)
		}
		if f.Remote || f.Len == 0 {
			continue
		}
		n, err = w.Write(f.Data[:f.Len])
		total += n
		if err != nil {
			return total, fmt.Errorf("cannelloni encode data: %w", err)
		}
	}
	return total, nil
}

// Decode reads exactly one frame from r.
// It returns io.EOF if called at a clean frame boundary and no more data is available.
func (c *Codec) Decode(r io.Reader) (can.Frame, error) {
	var idb [4]byte
	if _, err := io.ReadFull(r, idb[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return can.Frame{}, c.malformed("id", ErrTruncatedFrame)
		}
		return can.Frame{}, err
	}
	f := can.FromRawID(binary.BigEndian.Uint32(idb[:]))
	var lb [1]byte
	if _, err := io.ReadFull(r, lb[:]); err != nil {
		return can.Frame{}, c.malformed("len", ErrTruncatedFrame)
	}
	ln, max := int(lb[0]&^fdMarker), can.MaxLen
	if lb[0]&fdMarker != 0 {
		if _, err := io.ReadFull(r, lb[:]); err != nil { // flags, unused
			return can.Frame{}, c.malformed("flags", ErrTruncatedFrame)
		}
		if f.Remote || f.Error {
			return can.Frame{}, c.malformed("flags", ErrInvalidFlags)
		}
		f.FD = true
		max = can.MaxFDLen
	}
	if ln > max {
		return can.Frame{}, c.malformed("len", fmt.Errorf("%w (%d)", ErrInvalidLength, ln))
	}
	f.Len = uint8(ln)
	if f.Remote || ln == 0 {
		return f, nil
	}
	if _, err := io.ReadFull(r, f.Data[:ln]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			err = ErrTruncatedFrame
		}
		return can.Frame{}, c.malformed("payload", err)
	}
	return f, nil
}

func (c *Codec) malformed(part string, err error) error {
	metrics.IncError(metrics.ErrCNLMalformed)
	return fmt.Errorf("cannelloni decode %s: %w", part, err)
}

// DecodeN decodes up to max frames (if max>0) or until EOF (if max<=0) invoking onFrame for each.
// It returns the number of frames decoded and the terminal error (which can be io.EOF).
func (c *Codec) DecodeN(r io.Reader, max int, onFrame func(can.Frame)) (int, error) {
	var n int
	for max <= 0 || n < max {
		fr, err := c.Decode(r)
		if err != nil {
			return n, err
		}
		onFrame(fr)
		n++
	}
	return n, nil
}
