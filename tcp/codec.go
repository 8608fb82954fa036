package tcp

import (
	"math"

	"github.com/lkstack/lknet"
)

// Header holds the fields needed to lay out an outgoing segment.
type Header struct {
	SrcPort uint16
	DstPort uint16
	Seg     Segment // DATALEN is ignored; the payload length is used instead.
	// MSS, when non-zero, is emitted as a Maximum Segment Size option.
	// Only SYN segments should carry it.
	MSS uint16
}

// Parsed is the structural form of a received segment. Payload aliases
// the buffer passed to [ParseSegment].
type Parsed struct {
	SrcPort uint16
	DstPort uint16
	Seg     Segment
	MSS     uint16 // Zero when the segment carried no MSS option.
	Payload []byte
}

// Checksum returns the ones' complement checksum of seg over the TCP
// pseudo-header of src and dst. A segment whose checksum field is already
// filled in sums to zero when valid.
func Checksum(src, dst [4]byte, seg []byte) uint16 {
	var crc lknet.CRC791
	crc.AddPseudoHeader(src, dst, lknet.IPProtoTCP, uint16(len(seg)))
	return crc.PayloadSum16(seg)
}

// ParseSegment validates buf as a TCP segment sent from src to dst and
// returns its fields. Segments shorter than their declared header length,
// with zero ports, malformed options or a bad checksum are rejected.
func ParseSegment(src, dst [4]byte, buf []byte) (Parsed, error) {
	tfrm, err := NewFrame(buf)
	if err != nil {
		return Parsed{}, err
	} else if len(buf) > math.MaxUint16 {
		return Parsed{}, lknet.ErrInvalidLengthField
	}
	var vld lknet.Validator
	tfrm.ValidateExceptCRC(&vld)
	if vld.HasError() {
		return Parsed{}, vld.Err()
	}
	if Checksum(src, dst, buf) != 0 {
		return Parsed{}, lknet.ErrBadCRC
	}
	var op OptionCodec
	mss, err := op.ParseMSS(tfrm.Options())
	if err != nil {
		return Parsed{}, err
	}
	payload := tfrm.Payload()
	return Parsed{
		SrcPort: tfrm.SourcePort(),
		DstPort: tfrm.DestinationPort(),
		Seg:     tfrm.Segment(len(payload)),
		MSS:     mss,
		Payload: payload,
	}, nil
}

// AppendSegment lays out the header described by h followed by payload
// onto dst and fills in the checksum for the src->dstAddr pseudo-header.
func AppendSegment(dst []byte, h Header, payload []byte, src, dstAddr [4]byte) []byte {
	hdrlen := sizeHeaderTCP
	if h.MSS != 0 {
		hdrlen += sizeOptionMSS
	}
	start := len(dst)
	dst = append(dst, make([]byte, hdrlen)...)
	dst = append(dst, payload...)
	seg := dst[start:]
	tfrm := Frame{buf: seg}
	tfrm.ClearHeader()
	tfrm.SetSourcePort(h.SrcPort)
	tfrm.SetDestinationPort(h.DstPort)
	tfrm.SetSegment(h.Seg, uint8(hdrlen/4))
	if h.MSS != 0 {
		var op OptionCodec
		op.PutOption16(seg[sizeHeaderTCP:hdrlen], OptMaxSegmentSize, h.MSS)
	}
	tfrm.SetCRC(lknet.NeverZeroChecksum(Checksum(src, dstAddr, seg)))
	return dst
}
