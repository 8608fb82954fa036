package ipv4

import (
	"math"

	"github.com/lkstack/lknet"
)

// Header holds the fields set on datagrams built by [AppendDatagram].
type Header struct {
	Src, Dst [4]byte
	Proto    lknet.IPProto
	ID       uint16
	TTL      uint8
}

// AppendDatagram appends an unfragmented, option-less datagram carrying
// payload to dst and returns the extended buffer.
func AppendDatagram(dst []byte, h Header, payload []byte) ([]byte, error) {
	tl := sizeHeader + len(payload)
	if tl > math.MaxUint16 {
		return dst, lknet.ErrInvalidLengthField
	}
	off := len(dst)
	dst = append(dst, make([]byte, sizeHeader)...)
	dst = append(dst, payload...)
	ifrm, _ := NewFrame(dst[off:])
	ifrm.SetVersionAndIHL(4, sizeHeader/4)
	ifrm.SetTotalLength(uint16(tl))
	ifrm.SetID(h.ID)
	ifrm.SetFlags(FlagDontFragment)
	ttl := h.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}
	ifrm.SetTTL(ttl)
	ifrm.SetProtocol(h.Proto)
	*ifrm.SourceAddr() = h.Src
	*ifrm.DestinationAddr() = h.Dst
	ifrm.SetCRC(ifrm.CalculateHeaderCRC())
	return dst, nil
}

// ParseDatagram validates buf as an IPv4 datagram, checksum included, and
// returns its frame. Bytes past TotalLength are ignored.
func ParseDatagram(buf []byte) (Frame, error) {
	ifrm, err := NewFrame(buf)
	if err != nil {
		return ifrm, err
	}
	var v lknet.Validator
	ifrm.ValidateExceptCRC(&v)
	if err := v.Err(); err != nil {
		return ifrm, err
	}
	if ifrm.CalculateHeaderCRC() != ifrm.CRC() {
		return ifrm, lknet.ErrBadCRC
	}
	return ifrm, nil
}
