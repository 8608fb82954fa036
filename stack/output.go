package stack

import (
	"log/slog"

	"github.com/lkstack/lknet/internal"
	"github.com/lkstack/lknet/tcp"
)

// advertise computes the receive window to advertise, moving the right edge
// of the window forward as the application drains the receive buffer. The
// right edge never moves backwards.
func (s *Socket) advertise() tcp.Size {
	if s.rxBuf == nil {
		return min(s.rxWinSize, 0xffff)
	}
	buffered := tcp.Size(s.rxBuf.Length())
	high := tcp.Add(s.rxLow, s.rxWinSize-buffered) - 1
	if tcp.LessThanEq(s.rxHigh, high) {
		s.rxHigh = high
	}
	wnd := tcp.Sizeof(s.rxLow, s.rxHigh) + 1 // Zero when rxHigh == rxLow-1.
	return min(wnd, 0xffff)
}

// sendSegment queues a segment for the connected peer. Segments carrying ACK
// piggyback any pending delayed ACK. s.mu must be held.
func (s *Socket) sendSegment(flags tcp.Flags, seq tcp.Value, payload []byte, mss uint16) {
	seg := tcp.Segment{
		SEQ:     seq,
		ACK:     s.rxLow,
		WND:     s.advertise(),
		DATALEN: tcp.Size(len(payload)),
		Flags:   flags,
	}
	if !flags.HasAny(tcp.FlagACK) {
		seg.ACK = 0
	} else {
		s.cancelTimer(timerAckDelay)
	}
	h := tcp.Header{SrcPort: s.key.lport, DstPort: s.key.rport, Seg: seg, MSS: mss}
	if s.logenabled(internal.LevelTrace) {
		s.trace("tcp:out", slog.Uint64("lport", uint64(s.key.lport)), slog.Any("seg", seg))
	}
	buf := tcp.AppendSegment(make([]byte, 0, sizeHeaderTCP+4+len(payload)), h, payload, s.key.laddr, s.key.raddr)
	s.out = append(s.out, outSegment{buf: buf, src: s.key.laddr, dst: s.key.raddr})
}

// sendAck sends a pure ACK of everything received so far.
func (s *Socket) sendAck() {
	s.sendSegment(tcp.FlagACK, s.txLow, nil, 0)
}

// sendAckPolicy acknowledges received data now, piggybacking on pending
// output when the window allows it.
func (s *Socket) sendAckPolicy() {
	s.cancelTimer(timerAckDelay)
	if s.state != tcp.StateEstablished && s.state != tcp.StateCloseWait {
		return
	}
	if s.flush() == 0 {
		s.sendAck()
	}
}

// ackReceived decides between an immediate and a delayed ACK after in-order
// data was delivered.
func (s *Socket) ackReceived() {
	if s.rxRemaining() < s.rxWinSize/2 {
		s.sendAckPolicy()
	} else {
		s.armTimerIdle(timerAckDelay, AckDelay)
	}
}

func (s *Socket) sendSYN() {
	s.sendSegment(tcp.FlagSYN, s.iss, nil, uint16(s.mss))
}

func (s *Socket) sendSYNACK() {
	s.sendSegment(tcp.FlagSYN|tcp.FlagACK, s.iss, nil, uint16(s.mss))
}

// replyReset answers p with a reset from the socket's address.
func (s *Socket) replyReset(p *tcp.Parsed, src, dst [4]byte) {
	s.trace("tcp:rst-out", slog.Uint64("lport", uint64(p.DstPort)))
	s.out = append(s.out, outSegment{buf: tcp.AppendSegment(nil, resetFor(p), nil, dst, src), src: dst, dst: src})
}

// canFlush reports whether queued data may be transmitted in the current state.
func (s *Socket) canFlush() bool {
	return s.state.CanSendData() || (s.finPending && s.state.IsClosing())
}

// flush transmits queued data while both the peer's window and the
// congestion window admit it, then sends a pending FIN once all data is out.
// It returns the number of payload bytes sent.
func (s *Socket) flush() int {
	if !s.canFlush() {
		return 0
	}
	flushed := 0
	for {
		unsent := tcp.Size(s.txBuf.Buffered()) - s.unacked
		if unsent == 0 {
			break
		}
		var wnd tcp.Size
		if tcp.LessThan(s.txLow, s.txHigh) {
			wnd = tcp.Sizeof(s.txLow, s.txHigh)
		}
		n := min(s.mss, wnd, s.cong.CanSend(s.unacked), unsent)
		if n == 0 {
			if s.unacked == 0 {
				// Peer window closed. Probe it periodically.
				s.armTimerIdle(timerPersist, PersistTimeout)
			}
			break
		}
		s.cancelTimer(timerPersist)
		payload := make([]byte, n)
		s.txBuf.ReadAt(payload, int64(s.unacked))
		seq := s.txLow
		s.unacked += n
		s.txLow = tcp.Add(s.txLow, n)
		flushed += int(n)
		s.rtt.Track(seq, s.stack.clock.Now())
		flags := tcp.FlagACK
		if n == unsent {
			flags |= tcp.FlagPSH
		}
		s.sendSegment(flags, seq, payload, 0)
		s.armTimer(timerRetransmit, s.rtt.RTO())
	}
	if s.finPending && s.unacked == tcp.Size(s.txBuf.Buffered()) {
		s.finPending = false
		s.finSent = true
		s.finSeq = s.txLow
		s.sendSegment(tcp.FlagFIN|tcp.FlagACK, s.finSeq, nil, 0)
		s.armTimer(timerFinRetransmit, FINRetransmitTimeout)
	}
	return flushed
}

// retransmit resends the oldest unacknowledged segment.
func (s *Socket) retransmit() {
	if s.unacked == 0 || !(s.state.CanSendData() || s.state.IsClosing()) {
		return
	}
	n := min(s.unacked, s.mss)
	payload := make([]byte, n)
	s.txBuf.ReadAt(payload, 0)
	s.debug("tcp:retransmit", slog.Uint64("seq", uint64(s.retransmitSeq)), slog.Uint64("len", uint64(n)))
	s.sendSegment(tcp.FlagPSH|tcp.FlagACK, s.retransmitSeq, payload, 0)
	s.rtt.Invalidate(s.retransmitSeq, n)
}

func (s *Socket) onRetransmit() {
	if s.state == tcp.StateSynRcvd {
		s.synRetries++
		if s.synRetries > SYNRetries {
			s.event(tcp.Event{Kind: tcp.EventHandshakeTimeout})
			return
		}
		s.event(tcp.Event{Kind: tcp.EventRetransmitSYN})
		s.armTimer(timerRetransmit, SYNTimeout)
		return
	}
	if s.unacked == 0 {
		return
	}
	s.cong.OnTimeout()
	s.retransmit()
	s.armTimer(timerRetransmit, s.rtt.Backoff())
}

// onPersist probes a closed peer window with one byte past its edge.
func (s *Socket) onPersist() {
	unsent := tcp.Size(s.txBuf.Buffered()) - s.unacked
	if unsent == 0 || !s.canFlush() {
		return
	}
	s.armTimer(timerPersist, PersistTimeout)
	if s.flush() == 0 {
		var probe [1]byte
		s.txBuf.ReadAt(probe[:], int64(s.unacked))
		s.trace("tcp:persist-probe", slog.Uint64("seq", uint64(s.txLow)))
		s.sendSegment(tcp.FlagPSH|tcp.FlagACK, s.txLow, probe[:], 0)
	}
}
