package stack

import (
	"fmt"
	"net/netip"
	"slices"
	"strings"
	"time"

	"github.com/lkstack/lknet/tcp"
)

// SocketInfo is a point-in-time snapshot of a socket's state.
type SocketInfo struct {
	Local, Remote netip.AddrPort
	State         tcp.State
	Refs          int
	MSS           tcp.Size

	RxWindow   tcp.Size
	RxLow      tcp.Value
	RxHigh     tcp.Value
	RxBuffered int
	// Reassembly is the number of out-of-order segments held.
	Reassembly     int
	WritersWaiting bool

	TxLow         tcp.Value
	TxHigh        tcp.Value
	RetransmitSeq tcp.Value
	Unacked       tcp.Size
	TxBuffered    int

	CWND     tcp.Size
	SSThresh tcp.Size
	SRTT     time.Duration
	RTO      time.Duration
	// Timers lists the armed timers by name.
	Timers    []string
	AcceptLen int
	LastError error
}

// Info returns a snapshot of the socket.
func (s *Socket) Info() SocketInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	srtt, _ := s.rtt.SRTT()
	info := SocketInfo{
		Local:          s.key.local(),
		Remote:         s.key.remote(),
		State:          s.state,
		Refs:           int(s.refs.Load()),
		MSS:            s.mss,
		RxWindow:       s.rxWinSize,
		RxLow:          s.rxLow,
		RxHigh:         s.rxHigh,
		Reassembly:     s.reasm.Len(),
		WritersWaiting: s.writersWaiting,
		TxLow:          s.txLow,
		TxHigh:         s.txHigh,
		RetransmitSeq:  s.retransmitSeq,
		Unacked:        s.unacked,
		TxBuffered:     s.txBuf.Buffered(),
		CWND:           s.cong.CWND(),
		SSThresh:       s.cong.SSThresh(),
		SRTT:           srtt,
		RTO:            s.rtt.RTO(),
		AcceptLen:      len(s.acceptQ),
		LastError:      s.lastErr,
	}
	if s.rxBuf != nil {
		info.RxBuffered = s.rxBuf.Length()
	}
	for kind := range numTimers {
		if s.timerArmed(kind) {
			info.Timers = append(info.Timers, kind.String())
		}
	}
	return info
}

// String formats the snapshot over several lines, one group of fields per line.
func (info SocketInfo) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "tcp socket %s -> %s\n", info.Local, info.Remote)
	fmt.Fprintf(&b, "\tstate %s refs %d\n", info.State, info.Refs)
	fmt.Fprintf(&b, "\tmss: %d\n", info.MSS)
	fmt.Fprintf(&b, "\trx_win_size %d rx_win_low %d rx_win_high %d\n", info.RxWindow, info.RxLow, info.RxHigh)
	fmt.Fprintf(&b, "\tread_buffer (%d) reassembly (%d)\n", info.RxBuffered, info.Reassembly)
	fmt.Fprintf(&b, "\twriters_waiting %t\n", info.WritersWaiting)
	fmt.Fprintf(&b, "\ttx_win_low %d tx_win_high %d retransmit_seq %d\n", info.TxLow, info.TxHigh, info.RetransmitSeq)
	fmt.Fprintf(&b, "\tunacked %d write_buffer (%d)\n", info.Unacked, info.TxBuffered)
	fmt.Fprintf(&b, "\tcwnd %d ssthresh %d srtt %s rto %s\n", info.CWND, info.SSThresh, info.SRTT, info.RTO)
	if len(info.Timers) > 0 {
		fmt.Fprintf(&b, "\ttimers %s\n", strings.Join(info.Timers, ","))
	}
	if info.State == tcp.StateListen {
		fmt.Fprintf(&b, "\taccept_queue %d\n", info.AcceptLen)
	}
	if info.LastError != nil {
		fmt.Fprintf(&b, "\tlast_error %v\n", info.LastError)
	}
	return b.String()
}

// sortInfos orders snapshots by local then remote address.
func sortInfos(infos []SocketInfo) {
	slices.SortFunc(infos, func(a, b SocketInfo) int {
		if c := a.Local.Compare(b.Local); c != 0 {
			return c
		}
		return a.Remote.Compare(b.Remote)
	})
}
