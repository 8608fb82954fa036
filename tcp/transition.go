package tcp

import (
	"math/bits"
	"strings"
)

// EventKind enumerates the inputs that drive the connection state machine.
type EventKind uint8

const (
	// EventSegment is an admitted inbound segment. See [Acceptable].
	EventSegment EventKind = iota
	// EventConnect is a user active open.
	EventConnect
	// EventListen is a user passive open.
	EventListen
	// EventClose is a user close.
	EventClose
	// EventRetransmitSYN fires when the SYN (SYN-SENT) or SYN+ACK (SYN-RECEIVED) went unanswered.
	EventRetransmitSYN
	// EventHandshakeTimeout fires when handshake retries are exhausted.
	EventHandshakeTimeout
	// EventRetransmitFIN fires while a local FIN awaits acknowledgment.
	EventRetransmitFIN
	// EventTimeWaitExpired fires 2*MSL after entering TIME-WAIT.
	EventTimeWaitExpired
)

// Event is the input to [Transition]. Fields other than Kind apply to
// [EventSegment] only and are computed by the caller from the socket's
// sequence space before the segment is processed.
type Event struct {
	Kind  EventKind
	Flags Flags
	// HasData is set when the segment carries payload.
	HasData bool
	// AckOK is set when the segment acknowledges the control flag (SYN or FIN)
	// this end sent last, i.e. SEG.ACK equals the control flag's sequence plus one.
	AckOK bool
	// FINInOrder is set when the segment's FIN would sit exactly at the left
	// edge of the receive window once the segment's data is delivered.
	FINInOrder bool
}

// Actions is the set of side effects a transition requests. Callers execute
// them in the order their bits are declared.
type Actions uint32

const (
	// ActAbort records "remote reset" as the socket's last error.
	ActAbort Actions = 1 << iota
	// ActRemoteClose records "remote close" as the socket's last error.
	ActRemoteClose
	// ActSyncSend consumes the sequence number of the acknowledged local SYN
	// and takes the send window from the segment.
	ActSyncSend
	// ActSyncRecv records the peer's initial sequence number.
	ActSyncRecv
	// ActProcessACK passes the segment's acknowledgment to the retransmission engine.
	ActProcessACK
	// ActProcessData passes the segment's payload to reassembly.
	ActProcessData
	// ActConsumeFIN consumes the sequence number of the peer's FIN.
	ActConsumeFIN
	// ActFINAcked consumes the sequence number of the acknowledged local FIN
	// and stops its retransmission.
	ActFINAcked
	// ActSpawnChild creates a SYN-RECEIVED child of a listener and queues it for accept.
	ActSpawnChild
	ActSendSYN
	// ActSendSYNACK is sent from the spawned child when combined with ActSpawnChild.
	ActSendSYNACK
	ActSendACK
	// ActSendFIN queues a FIN behind any unsent data.
	ActSendFIN
	ActResendFIN
	// ActSendRST answers the segment with a reset.
	ActSendRST
	ActArmTimeWait
	// ActRemove detaches a fully closed socket from the directory and cancels its timers.
	ActRemove
	// ActWake wakes every caller blocked on the socket.
	ActWake
)

var actionNames = [...]string{
	"abort", "remote-close", "sync-send", "sync-recv", "process-ack", "process-data",
	"consume-fin", "fin-acked", "spawn", "syn", "synack", "ack", "fin", "resend-fin",
	"rst", "time-wait", "remove", "wake",
}

// Has reports whether all bits in mask are set.
func (a Actions) Has(mask Actions) bool { return a&mask == mask }

func (a Actions) String() string {
	if a == 0 {
		return "[]"
	}
	var b strings.Builder
	b.WriteByte('[')
	for a != 0 {
		i := bits.TrailingZeros32(uint32(a))
		if b.Len() > 1 {
			b.WriteByte(',')
		}
		if i < len(actionNames) {
			b.WriteString(actionNames[i])
		} else {
			b.WriteByte('?')
		}
		a &^= 1 << i
	}
	b.WriteByte(']')
	return b.String()
}

// Acceptable checks a non-SYN segment against the receive window [low, high].
// A zero-length segment landing exactly at high+1 is accepted so window
// probes and pure ACKs against a closed window get through.
func Acceptable(seg Segment, low, high Value) error {
	if LessThan(seg.SEQ, low) {
		return errSeqBelowWindow
	}
	if !InWindow(seg.SEQ, low, Sizeof(low, high)+1) && !(seg.DATALEN == 0 && seg.SEQ == Add(high, 1)) {
		return errSeqAboveWindow
	}
	return nil
}

// Transition is the connection state machine. It returns the next state and the
// side effects to perform. Transition does not mutate anything; a non-nil error
// reports a user request invalid in state s, in which case s is returned unchanged.
func Transition(s State, ev Event) (State, Actions, error) {
	switch ev.Kind {
	case EventSegment:
		next, a := segmentTransition(s, ev)
		return next, a, nil
	case EventConnect:
		if s != StateClosed {
			return s, 0, errAlreadyConnected
		}
		return StateSynSent, ActSendSYN, nil
	case EventListen:
		if s != StateClosed {
			return s, 0, errAlreadyConnected
		}
		return StateListen, 0, nil
	case EventClose:
		switch s {
		case StateEstablished:
			return StateFinWait1, ActSendFIN | ActWake, nil
		case StateCloseWait:
			return StateLastAck, ActSendFIN | ActWake, nil
		case StateSynSent, StateListen:
			return StateClosed, ActRemove | ActWake, nil
		}
		return s, 0, errNotConnected
	case EventRetransmitSYN:
		switch s {
		case StateSynSent:
			return s, ActSendSYN, nil
		case StateSynRcvd:
			return s, ActSendSYNACK, nil
		}
		return s, 0, nil
	case EventHandshakeTimeout:
		if s == StateSynSent || s == StateSynRcvd {
			return StateClosed, ActRemove | ActWake, nil
		}
		return s, 0, nil
	case EventRetransmitFIN:
		if s.finRetransmitting() {
			return s, ActResendFIN, nil
		}
		return s, 0, nil
	case EventTimeWaitExpired:
		if s == StateTimeWait {
			return StateClosed, ActRemove | ActWake, nil
		}
		return s, 0, nil
	}
	return s, 0, errUnknownEvent
}

func segmentTransition(s State, ev Event) (State, Actions) {
	flags := ev.Flags
	if flags.HasAny(FlagRST) {
		if s == StateClosed || s == StateListen {
			return s, 0
		}
		return StateClosed, ActAbort | ActRemove | ActWake
	}
	var a Actions
	if ev.HasData {
		a |= ActProcessData
	}
	fin := flags.HasAny(FlagFIN) && ev.FINInOrder
	switch s {
	case StateClosed:
		return s, ActSendRST

	case StateListen:
		if !flags.HasAny(FlagSYN) {
			return s, ActSendRST
		}
		return s, ActSpawnChild | ActSendSYNACK | ActWake

	case StateSynSent:
		if flags.HasAll(synack) {
			if !ev.AckOK {
				return s, ActSendRST
			}
			return StateEstablished, ActSyncSend | ActSyncRecv | ActSendACK | ActWake
		} else if flags.HasAny(FlagSYN) {
			// Simultaneous open is not supported.
			return StateClosed, ActSendRST | ActRemove | ActWake
		}
		return StateClosed, ActRemove | ActWake

	case StateSynRcvd:
		if flags.HasAny(FlagSYN) || !flags.HasAny(FlagACK) || !ev.AckOK {
			return s, ActSendRST
		}
		// Data and FIN may ride on the handshake-completing ACK.
		a |= ActSyncSend | ActWake
		if fin {
			return StateCloseWait, a | ActConsumeFIN | ActSendACK
		}
		return StateEstablished, a

	case StateEstablished:
		if flags.HasAny(FlagACK) {
			a |= ActProcessACK
		}
		if fin {
			return StateCloseWait, a | ActConsumeFIN | ActSendACK | ActWake
		}
		return s, a

	case StateCloseWait:
		a &^= ActProcessData // Peer already closed its side.
		if flags.HasAny(FlagACK) {
			a |= ActProcessACK
		}
		if flags.HasAny(FlagFIN) {
			a |= ActSendACK
		}
		return s, a

	case StateFinWait1:
		if flags.HasAny(FlagACK) {
			a |= ActProcessACK
		}
		switch {
		case fin && ev.AckOK:
			return StateTimeWait, a | ActFINAcked | ActConsumeFIN | ActSendACK | ActArmTimeWait | ActWake
		case ev.AckOK:
			return StateFinWait2, a | ActFINAcked | ActWake
		case fin:
			return StateClosing, a | ActConsumeFIN | ActSendACK | ActWake
		}
		return s, a

	case StateFinWait2:
		if flags.HasAny(FlagACK) {
			a |= ActProcessACK
		}
		if fin {
			return StateTimeWait, a | ActConsumeFIN | ActSendACK | ActArmTimeWait | ActWake
		}
		return s, a

	case StateClosing:
		a = 0
		if flags.HasAny(FlagACK) {
			a |= ActProcessACK
		}
		if ev.AckOK {
			return StateTimeWait, a | ActFINAcked | ActArmTimeWait | ActWake
		} else if flags.HasAny(FlagFIN) {
			a |= ActSendACK
		}
		return s, a

	case StateLastAck:
		if ev.AckOK {
			return StateClosed, ActProcessACK | ActFINAcked | ActRemoteClose | ActRemove | ActWake
		} else if flags.HasAny(FlagACK) {
			return s, ActProcessACK
		}
		return s, 0

	case StateTimeWait:
		return s, 0
	}
	return s, 0
}
