package tcp

import (
	"errors"
	"math/bits"
	"strconv"
	"unsafe"
)

//go:generate stringer -type=State,OptionKind -linecomment -output stringers.go .

var (
	errAlreadyConnected = errors.New("tcp: already connected")
	errNotConnected     = errors.New("tcp: not connected")
	errNotListening     = errors.New("tcp: not listening")
	errUnknownEvent     = errors.New("tcp: unknown event")
)

// Errors returned by [Transition] for user requests invalid in the current state.
var (
	ErrAlreadyConnected = errAlreadyConnected
	ErrNotConnected     = errNotConnected
	ErrNotListening     = errNotListening
)

// RejectError is returned by [Transition] for a segment that falls outside
// the receive window. The segment is dropped and answered with an ACK.
type RejectError struct {
	err string
}

func newRejectErr(err string) *RejectError { return &RejectError{err: "tcp: segment rejected: " + err} }

func (e *RejectError) Error() string { return e.err }

var (
	errSeqBelowWindow = newRejectErr("seq < rcv.low")
	errSeqAboveWindow = newRejectErr("seq > rcv.high")
)

// Segment is the sequence space view of a TCP header.
type Segment struct {
	SEQ     Value // First sequence number. For a SYN this is the ISN.
	ACK     Value // Next sequence number expected from the peer, valid with FlagACK.
	DATALEN Size  // Payload length, SYN and FIN excluded.
	WND     Size  // Advertised receive window.
	Flags   Flags
}

// LEN is the sequence space the segment occupies: its data plus one for each
// of SYN and FIN.
func (seg *Segment) LEN() Size {
	n := seg.DATALEN
	if seg.Flags.HasAny(FlagSYN) {
		n++
	}
	if seg.Flags.HasAny(FlagFIN) {
		n++
	}
	return n
}

// End returns the sequence number following the segment's data, which is
// where a FIN carried by the segment sits.
func (seg *Segment) End() Value { return Add(seg.SEQ, seg.DATALEN) }

// String formats seg as in RFC 9293 examples, e.g. <SEQ=300><ACK=91><DATA=20>[SYN,ACK].
func (seg Segment) String() string {
	b := seg.AppendFormat(make([]byte, 0, 48))
	return unsafe.String(unsafe.SliceData(b), len(b))
}

func (seg Segment) AppendFormat(buf []byte) []byte {
	field := func(buf []byte, name string, v uint64) []byte {
		buf = append(append(append(buf, '<'), name...), '=')
		return append(strconv.AppendUint(buf, v, 10), '>')
	}
	buf = field(buf, "SEQ", uint64(seg.SEQ))
	buf = field(buf, "ACK", uint64(seg.ACK))
	if seg.DATALEN != 0 {
		buf = field(buf, "DATA", uint64(seg.DATALEN))
	}
	return seg.Flags.appendBracketed(buf)
}

// Flags holds the six classic TCP control bits in wire order.
type Flags uint8

const (
	FlagFIN Flags = 1 << iota // FIN
	FlagSYN                   // SYN
	FlagRST                   // RST
	FlagPSH                   // PSH
	FlagACK                   // ACK
	FlagURG                   // URG
)

const flagMask = 0x3f

const (
	synack = FlagSYN | FlagACK
	finack = FlagFIN | FlagACK
	pshack = FlagPSH | FlagACK
	rstack = FlagRST | FlagACK
)

var flagNames = [6]string{"FIN", "SYN", "RST", "PSH", "ACK", "URG"}

// HasAll reports whether every bit of mask is set.
func (flags Flags) HasAll(mask Flags) bool { return flags&mask == mask }

// HasAny reports whether some bit of mask is set.
func (flags Flags) HasAny(mask Flags) bool { return flags&mask != 0 }

// Mask clears bits outside the six control flags.
func (flags Flags) Mask() Flags { return flags & flagMask }

// String lists set flags lowest bit first, e.g. [SYN,ACK].
func (flags Flags) String() string {
	if flags == synack {
		return "[SYN,ACK]" // Common enough to skip the allocation.
	}
	return string(flags.appendBracketed(make([]byte, 0, 2+4*bits.OnesCount8(uint8(flags)))))
}

func (flags Flags) appendBracketed(b []byte) []byte {
	return append(flags.AppendFormat(append(b, '[')), ']')
}

// AppendFormat appends the comma separated flag names without brackets.
func (flags Flags) AppendFormat(b []byte) []byte {
	for i, name := range flagNames {
		if flags&(1<<i) == 0 {
			continue
		}
		if flags&(1<<i-1) != 0 {
			b = append(b, ',')
		}
		b = append(b, name...)
	}
	return b
}

// State is one of the eleven RFC 9293 connection states.
type State uint8

const (
	StateClosed      State = iota // CLOSED
	StateListen                   // LISTEN
	StateSynSent                  // SYN-SENT
	StateSynRcvd                  // SYN-RECEIVED
	StateEstablished              // ESTABLISHED
	StateCloseWait                // CLOSE-WAIT
	StateLastAck                  // LAST-ACK
	StateClosing                  // CLOSING
	StateFinWait1                 // FIN-WAIT-1
	StateFinWait2                 // FIN-WAIT-2
	StateTimeWait                 // TIME-WAIT
)

// IsClosing is true past ESTABLISHED, on either side's teardown path.
func (s State) IsClosing() bool { return s > StateEstablished }

// HasRecvSpace is true once RCV.NXT is known and window checks apply.
func (s State) HasRecvSpace() bool { return s >= StateSynRcvd }

// CanSendData reports whether the application may still queue data.
func (s State) CanSendData() bool { return s == StateEstablished || s == StateCloseWait }

// finRetransmitting is true while a local FIN awaits its ACK.
func (s State) finRetransmitting() bool {
	switch s {
	case StateFinWait1, StateClosing, StateLastAck:
		return true
	}
	return false
}
