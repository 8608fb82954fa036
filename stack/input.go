package stack

import (
	"log/slog"

	"github.com/lkstack/lknet/internal"
	"github.com/lkstack/lknet/tcp"
)

// input processes a parsed segment received from src addressed to dst.
// s.mu must be held.
func (s *Socket) input(p *tcp.Parsed, src, dst [4]byte) {
	seg := p.Seg
	// Resets abort the connection before any window check.
	if s.state.HasRecvSpace() && !seg.Flags.HasAny(tcp.FlagSYN|tcp.FlagRST) {
		if err := tcp.Acceptable(seg, s.rxLow, s.rxHigh); err != nil {
			s.trace("tcp:reject", slog.String("err", err.Error()), slog.Uint64("rxlow", uint64(s.rxLow)))
			s.sendAck()
			return
		}
	}
	ev := tcp.Event{
		Kind:    tcp.EventSegment,
		Flags:   seg.Flags,
		HasData: seg.DATALEN > 0,
	}
	if seg.Flags.HasAny(tcp.FlagACK) {
		switch s.state {
		case tcp.StateSynSent, tcp.StateSynRcvd:
			ev.AckOK = seg.ACK == tcp.Add(s.iss, 1)
		case tcp.StateFinWait1, tcp.StateClosing, tcp.StateLastAck:
			ev.AckOK = s.finSent && seg.ACK == tcp.Add(s.finSeq, 1)
		}
	}
	if seg.Flags.HasAny(tcp.FlagFIN) && s.rxBuf != nil {
		end := seg.End()
		ev.FINInOrder = tcp.LessThanEq(seg.SEQ, s.rxLow) && tcp.LessThanEq(s.rxLow, end) &&
			int(tcp.Sizeof(s.rxLow, end)) <= s.rxBuf.Free()
	}
	next, acts, _ := tcp.Transition(s.state, ev)
	if s.logenabled(internal.LevelTrace) {
		s.trace("tcp:transition", slog.String("state", s.state.String()), slog.String("next", next.String()), slog.Any("acts", acts))
	}
	s.apply(next, acts, p, src, dst)
}

// event feeds a user or timer event to the state machine. s.mu must be held.
func (s *Socket) event(ev tcp.Event) error {
	next, acts, err := tcp.Transition(s.state, ev)
	if err != nil {
		return err
	}
	s.apply(next, acts, nil, [4]byte{}, [4]byte{})
	return nil
}

// apply performs the actions of a transition in declaration order and moves
// the socket to next. p is nil for non-segment events.
func (s *Socket) apply(next tcp.State, acts tcp.Actions, p *tcp.Parsed, src, dst [4]byte) {
	if acts.Has(tcp.ActAbort) {
		s.lastErr = ErrRemoteReset
		s.txBuf.Reset()
		s.unacked = 0
		s.finPending = false
	}
	if acts.Has(tcp.ActRemoteClose) {
		s.lastErr = ErrRemoteClose
	}
	if acts.Has(tcp.ActSyncSend) {
		s.syncSend(p)
	}
	if acts.Has(tcp.ActSyncRecv) {
		s.syncRecv(p)
	}
	if acts.Has(tcp.ActProcessACK) {
		s.handleAck(p)
	}
	if acts.Has(tcp.ActProcessData) {
		s.handleData(p)
	}
	if acts.Has(tcp.ActConsumeFIN) {
		s.rxLow = tcp.Add(s.rxLow, 1)
		s.finRcvd = true
	}
	if acts.Has(tcp.ActFINAcked) {
		s.cancelTimer(timerFinRetransmit)
		s.txLow = tcp.Add(s.finSeq, 1)
		s.retransmitSeq = s.txLow
	}
	if acts.Has(tcp.ActSpawnChild) {
		child := *p
		child.Payload = nil
		s.after = append(s.after, func() { s.stack.spawn(s, &child, src, dst) })
	} else if acts.Has(tcp.ActSendSYNACK) {
		s.sendSYNACK()
	}
	if acts.Has(tcp.ActSendSYN) {
		s.sendSYN()
	}
	if acts.Has(tcp.ActSendACK) {
		s.sendAck()
	}
	if acts.Has(tcp.ActSendFIN) {
		s.finPending = true
		s.flush()
	}
	if acts.Has(tcp.ActResendFIN) && s.finSent {
		s.debug("tcp:resend-fin", slog.Uint64("seq", uint64(s.finSeq)))
		s.sendSegment(tcp.FlagFIN|tcp.FlagACK, s.finSeq, nil, 0)
		s.armTimer(timerFinRetransmit, FINRetransmitTimeout)
	}
	if acts.Has(tcp.ActSendRST) && p != nil {
		s.replyReset(p, src, dst)
	}
	if acts.Has(tcp.ActArmTimeWait) {
		s.cancelTimer(timerRetransmit)
		s.cancelTimer(timerPersist)
		s.cancelTimer(timerFinRetransmit)
		s.armTimer(timerTimeWait, 2*MSL)
	}
	s.setState(next)
	if acts.Has(tcp.ActRemove) {
		s.detach()
	}
	if acts.Has(tcp.ActWake) {
		s.notify()
	}
}

// handleAck runs the retransmission engine on the acknowledgment carried by p.
func (s *Socket) handleAck(p *tcp.Parsed) {
	seg := p.Seg
	ack := seg.ACK
	if tcp.LessThan(s.txLow, ack) {
		// Acknowledges our FIN, or is bogus. Either way no data beyond txLow was sent.
		ack = s.txLow
	}
	right := tcp.Add(seg.ACK, seg.WND)
	if tcp.LessThan(ack, s.retransmitSeq) {
		return // Old.
	}
	if ack == s.retransmitSeq {
		if s.unacked > 0 && seg.DATALEN == 0 && right == s.txHigh {
			if s.cong.OnDupAck() {
				s.debug("tcp:fast-retransmit",
					slog.Uint64("seq", uint64(s.retransmitSeq)),
					slog.Uint64("ssthresh", uint64(s.cong.SSThresh())),
				)
				s.retransmit()
				s.armTimer(timerRetransmit, s.rtt.RTO())
			}
			return
		}
		// Data or a window change at the same ACK ends a duplicate run.
		s.cong.ResetDupAcks()
		if tcp.LessThan(s.txHigh, right) {
			s.txHigh = right
			s.flush()
		}
		return
	}

	n := tcp.Sizeof(s.retransmitSeq, ack)
	if s.rtt.Sample(ack, s.stack.clock.Now()) && s.logenabled(internal.LevelTrace) {
		srtt, rttvar := s.rtt.SRTT()
		s.trace("tcp:rtt", slog.Duration("srtt", srtt), slog.Duration("rttvar", rttvar), slog.Duration("rto", s.rtt.RTO()))
	}
	s.txBuf.Discard(int(n))
	s.unacked -= n
	s.retransmitSeq = ack
	if s.unacked > 0 {
		s.armTimer(timerRetransmit, s.rtt.RTO())
	} else {
		s.cancelTimer(timerRetransmit)
	}
	if s.writersWaiting && s.txBuf.Buffered() < DefaultTxBufSize-int(s.mss) {
		s.writersWaiting = false
		s.notify()
	}
	s.cong.OnAdvance()
	s.txHigh = tcp.MaxValue(s.txHigh, right)
	s.flush()
}

// handleData sequences the payload of p into the receive buffer.
func (s *Socket) handleData(p *tcp.Parsed) {
	low, inOrder := s.reasm.Deliver(s.rxLow, p.Seg.SEQ, p.Payload, s.emit)
	advanced := low != s.rxLow
	s.rxLow = low
	if advanced {
		s.notify()
	}
	if inOrder && advanced {
		s.ackReceived()
	} else {
		// Out of order or duplicate: tell the peer what is missing now.
		s.sendAck()
	}
}

func (s *Socket) emit(b []byte) int {
	n, _ := s.rxBuf.Write(b)
	return n
}

// spawn creates the SYN-RECEIVED child of listener l for the SYN in p and
// queues it for accept. Called without any lock held.
func (st *Stack) spawn(l *Socket, p *tcp.Parsed, src, dst [4]byte) {
	child := st.newSocket()
	if child == nil {
		st.debug("tcp:syn-dropped", internal.SlogAddrPort4("src", src, p.SrcPort))
		return
	}
	// The child is private until filed in the directory.
	child.key = dirKey{laddr: dst, lport: p.DstPort, raddr: src, rport: p.SrcPort}
	child.bound = true
	if _, mss, err := st.route(src); err == nil {
		child.mss = mss
		child.cong.Init(mss)
	}
	child.initSend()
	child.syncRecv(p)
	child.setState(tcp.StateSynRcvd)
	if _, err := st.dir.bind(child, nil, child.key); err != nil {
		// A concurrent SYN for the same 4-tuple won the race.
		child.unref()
		return
	}
	child.mu.Lock()
	child.sendSYNACK()
	child.armTimer(timerRetransmit, SYNTimeout)
	child.unlock()

	l.mu.Lock()
	if l.state == tcp.StateListen && !l.released {
		l.acceptQ = append(l.acceptQ, child)
		l.notify()
		l.unlock()
		return
	}
	l.unlock()
	child.mu.Lock()
	child.reset(ErrNotListening)
	child.unlock()
	child.unref()
}

// reset aborts the connection locally, telling the peer with a reset.
func (s *Socket) reset(err error) {
	if s.state == tcp.StateClosed {
		return
	}
	switch s.state {
	case tcp.StateListen, tcp.StateSynSent:
	case tcp.StateSynRcvd:
		// The peer may already be established and expect iss+1.
		s.sendSegment(tcp.FlagRST|tcp.FlagACK, tcp.Add(s.iss, 1), nil, 0)
	default:
		s.sendSegment(tcp.FlagRST|tcp.FlagACK, s.txLow, nil, 0)
	}
	s.lastErr = err
	s.setState(tcp.StateClosed)
	s.detach()
	s.notify()
}
