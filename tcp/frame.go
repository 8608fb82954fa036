package tcp

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/lkstack/lknet"
)

const sizeHeaderTCP = 20

// Byte offsets of the fixed header fields.
const (
	offSrcPort = 0
	offDstPort = 2
	offSeq     = 4
	offAck     = 8
	offDataOff = 12 // Data offset nibble, reserved bits and flags.
	offWindow  = 14
	offCRC     = 16
	offUrgent  = 18
)

// Frame is a view over the raw bytes of a TCP segment: the fixed header,
// options and payload. See RFC 9293 section 3.1.
type Frame struct {
	buf []byte
}

// NewFrame returns a Frame over buf. It fails only when buf cannot hold the
// fixed header; the data offset is checked by [Frame.ValidateExceptCRC].
func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < sizeHeaderTCP {
		return Frame{}, lknet.ErrShortBuffer
	}
	return Frame{buf: buf}, nil
}

func (f Frame) u16(off int) uint16 { return binary.BigEndian.Uint16(f.buf[off:]) }
func (f Frame) u32(off int) uint32 { return binary.BigEndian.Uint32(f.buf[off:]) }

func (f Frame) SourcePort() uint16      { return f.u16(offSrcPort) }
func (f Frame) DestinationPort() uint16 { return f.u16(offDstPort) }

func (f Frame) SetSourcePort(port uint16) {
	binary.BigEndian.PutUint16(f.buf[offSrcPort:], port)
}

func (f Frame) SetDestinationPort(port uint16) {
	binary.BigEndian.PutUint16(f.buf[offDstPort:], port)
}

// headerLen is the data offset field in bytes, options included.
func (f Frame) headerLen() int { return 4 * int(f.buf[offDataOff]>>4) }

func (f Frame) flags() Flags { return Flags(f.u16(offDataOff)).Mask() }

// Options returns the option bytes between the fixed header and the payload.
// Call only on a validated frame.
func (f Frame) Options() []byte { return f.buf[sizeHeaderTCP:f.headerLen()] }

// Payload returns the data following the header. Call only on a validated frame.
func (f Frame) Payload() []byte { return f.buf[f.headerLen():] }

// Segment returns the sequence space view of the header for a payload of
// payloadSize bytes.
func (f Frame) Segment(payloadSize int) Segment {
	if payloadSize > math.MaxInt32 {
		panic("tcp: payload size overflow")
	}
	return Segment{
		SEQ:     Value(f.u32(offSeq)),
		ACK:     Value(f.u32(offAck)),
		WND:     Size(f.u16(offWindow)),
		DATALEN: Size(payloadSize),
		Flags:   f.flags(),
	}
}

// SetSegment writes the sequence, acknowledgment, window and flag fields of
// seg along with the data offset in 32-bit words.
func (f Frame) SetSegment(seg Segment, offsetWords uint8) {
	switch {
	case offsetWords < sizeHeaderTCP/4 || offsetWords > 15:
		panic("tcp: bad data offset")
	case seg.WND > math.MaxUint16:
		panic("tcp: window overflow")
	}
	binary.BigEndian.PutUint32(f.buf[offSeq:], uint32(seg.SEQ))
	binary.BigEndian.PutUint32(f.buf[offAck:], uint32(seg.ACK))
	binary.BigEndian.PutUint16(f.buf[offDataOff:], uint16(offsetWords)<<12|uint16(seg.Flags.Mask()))
	binary.BigEndian.PutUint16(f.buf[offWindow:], uint16(seg.WND))
}

func (f Frame) CRC() uint16 { return f.u16(offCRC) }

func (f Frame) SetCRC(sum uint16) { binary.BigEndian.PutUint16(f.buf[offCRC:], sum) }

// ClearHeader zeros the fixed header, urgent pointer included.
func (f Frame) ClearHeader() { clear(f.buf[:sizeHeaderTCP]) }

func (f Frame) String() string {
	return fmt.Sprintf("TCP :%d -> :%d %s", f.SourcePort(), f.DestinationPort(), f.Segment(len(f.Payload())))
}

// ValidateExceptCRC checks the data offset against the buffer and rejects
// zero ports. Errors carry the offending bit range.
func (f Frame) ValidateExceptCRC(v *lknet.Validator) {
	if hl := f.headerLen(); hl < sizeHeaderTCP || hl > len(f.buf) {
		v.AddBitPosErr(offDataOff*8, 4, lknet.ErrInvalidLengthField)
	}
	if f.DestinationPort() == 0 {
		v.AddBitPosErr(offDstPort*8, 16, lknet.ErrZeroDestination)
	}
	if f.SourcePort() == 0 {
		v.AddBitPosErr(offSrcPort*8, 16, lknet.ErrZeroSource)
	}
}
