package ipv4

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/lkstack/lknet"
)

// Byte offsets of the fixed header fields.
const (
	offVersionIHL = 0
	offTotalLen   = 2
	offID         = 4
	offFlags      = 6
	offTTL        = 8
	offProto      = 9
	offCRC        = 10
	offSrc        = 12
	offDst        = 16
)

// Frame is a view over an IPv4 datagram as laid out in RFC 791 section 3.1.
type Frame struct {
	buf []byte
}

// NewFrame returns a Frame over buf, which must hold at least the fixed
// header. Size fields are only trusted after [Frame.ValidateSize].
func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < sizeHeader {
		return Frame{}, lknet.ErrShortBuffer
	}
	return Frame{buf: buf}, nil
}

func (f Frame) u16(off int) uint16 { return binary.BigEndian.Uint16(f.buf[off:]) }
func (f Frame) put16(off int, v uint16) { binary.BigEndian.PutUint16(f.buf[off:], v) }
func (f Frame) addr(off int) *[4]byte { return (*[4]byte)(f.buf[off : off+4]) }
func (f Frame) version() uint8 { return f.buf[offVersionIHL] >> 4 }
func (f Frame) ihl() uint8 { return f.buf[offVersionIHL] & 0xf }
func (f Frame) SetVersionAndIHL(v, ihl uint8) { f.buf[offVersionIHL] = v<<4 | ihl&0xf }

// VersionAndIHL returns the version nibble and the header length in words.
func (f Frame) VersionAndIHL() (version, ihl uint8) { return f.version(), f.ihl() }

// HeaderLength is the header size in bytes, options included.
func (f Frame) HeaderLength() int { return 4 * int(f.ihl()) }

// TotalLength is the datagram size, header included.
func (f Frame) TotalLength() uint16 { return f.u16(offTotalLen) }
func (f Frame) SetTotalLength(n uint16) { f.put16(offTotalLen, n) }

func (f Frame) ID() uint16 { return f.u16(offID) }
func (f Frame) SetID(id uint16) { f.put16(offID, id) }
func (f Frame) Flags() Flags { return Flags(f.u16(offFlags)) }
func (f Frame) SetFlags(v Flags) { f.put16(offFlags, uint16(v)) }
func (f Frame) TTL() uint8 { return f.buf[offTTL] }
func (f Frame) SetTTL(ttl uint8) { f.buf[offTTL] = ttl }

func (f Frame) Protocol() lknet.IPProto { return lknet.IPProto(f.buf[offProto]) }
func (f Frame) SetProtocol(p lknet.IPProto) { f.buf[offProto] = byte(p) }

func (f Frame) CRC() uint16 { return f.u16(offCRC) }
func (f Frame) SetCRC(sum uint16) { f.put16(offCRC, sum) }
func (f Frame) SourceAddr() *[4]byte { return f.addr(offSrc) }
func (f Frame) DestinationAddr() *[4]byte { return f.addr(offDst) }

// CalculateHeaderCRC sums the header and its options around the checksum field.
func (f Frame) CalculateHeaderCRC() uint16 {
	var crc lknet.CRC791
	crc.WriteEven(f.buf[:offCRC])
	return crc.PayloadSum16(f.buf[offSrc:f.HeaderLength()])
}

// Options returns the bytes between the fixed header and the payload.
func (f Frame) Options() []byte { return f.buf[sizeHeader:f.HeaderLength()] }

// Payload returns the data up to TotalLength. Trailing link padding is excluded.
func (f Frame) Payload() []byte { return f.buf[f.HeaderLength():f.TotalLength()] }

// ValidateSize checks IHL and TotalLength against each other and the buffer.
func (f Frame) ValidateSize(v *lknet.Validator) {
	hl, tl := f.HeaderLength(), int(f.TotalLength())
	if hl < sizeHeader {
		v.AddBitPosErr(4, 4, lknet.ErrInvalidLengthField)
	}
	if tl < sizeHeader || tl < hl {
		v.AddBitPosErr(offTotalLen*8, 16, lknet.ErrInvalidLengthField)
	}
	if tl > len(f.buf) {
		v.AddError(lknet.ErrShortBuffer)
	}
}

// ValidateExceptCRC runs [Frame.ValidateSize] and rejects non-IPv4 versions,
// fragments and a zero destination.
func (f Frame) ValidateExceptCRC(v *lknet.Validator) {
	f.ValidateSize(v)
	if f.version() != 4 {
		v.AddBitPosErr(0, 4, lknet.ErrInvalidField)
	}
	if fl := f.Flags(); fl.MoreFragments() || fl.FragmentOffset() != 0 {
		v.AddBitPosErr(offFlags*8, 16, lknet.ErrUnsupported)
	}
	if lknet.IsZeroAddr4(*f.DestinationAddr()) {
		v.AddBitPosErr(offDst*8, 32, lknet.ErrZeroDestination)
	}
}

func (f Frame) String() string {
	return fmt.Sprintf("IP %s %s -> %s len=%d ttl=%d id=%d", f.Protocol(),
		netip.AddrFrom4(*f.SourceAddr()), netip.AddrFrom4(*f.DestinationAddr()),
		f.TotalLength(), f.TTL(), f.ID())
}
