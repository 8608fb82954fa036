package stack

import (
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/lkstack/lknet/internal"
	"github.com/lkstack/lknet/tcp"
	"github.com/smallnest/ringbuffer"
)

// Socket is one TCP endpoint: an unconnected socket, a listener or a connection.
// All methods are safe for concurrent use.
type Socket struct {
	stack *Stack
	logger
	refs atomic.Int32

	mu       sync.Mutex
	key      dirKey
	bound    bool // key is (being) filed in the directory.
	state    tcp.State
	lastErr  error
	released bool // Application handle was closed.
	finRcvd  bool // Peer FIN consumed.
	eofRead  bool // Recv reported end of stream once.
	changed  chan struct{}
	out      []outSegment
	after    []func() // Run once the lock is released.

	// Receive side.
	rxLow     tcp.Value
	rxHigh    tcp.Value
	rxWinSize tcp.Size
	rxBuf     *ringbuffer.RingBuffer
	reasm     tcp.Reassembly

	// Transmit side.
	iss            tcp.Value
	txLow          tcp.Value // Send next.
	txHigh         tcp.Value // Right edge of the peer's window.
	retransmitSeq  tcp.Value // Oldest unacknowledged sequence number.
	unacked        tcp.Size
	txBuf          internal.Ring // First byte is at retransmitSeq.
	writersWaiting bool
	finPending     bool
	finSent        bool
	finSeq         tcp.Value
	mss            tcp.Size
	cong           tcp.Congestion
	rtt            tcp.RTT
	synRetries     int

	acceptQ []*Socket

	timers [numTimers]timerSlot
}

type outSegment struct {
	buf      []byte
	src, dst [4]byte
}

func (st *Stack) newSocket() *Socket {
	if st.maxSocks > 0 && int(st.live.Load()) >= st.maxSocks {
		st.info("sock:limit", slog.Int("max", st.maxSocks))
		return nil
	}
	s := &Socket{
		stack:     st,
		logger:    st.logger,
		rxWinSize: DefaultRxWindow,
		mss:       DefaultMSS,
	}
	s.refs.Store(1)
	st.live.Add(1)
	s.cong.Init(s.mss)
	s.rtt.Reset(InitialRTO, MinRTO, MaxRTO)
	return s
}

func (s *Socket) ref() { s.refs.Add(1) }

// unref drops a reference. Storage is released when the last one goes.
func (s *Socket) unref() {
	n := s.refs.Add(-1)
	if n == 0 {
		s.stack.live.Add(-1)
		s.trace("sock:free", slog.String("state", s.state.String()))
	} else if n < 0 {
		panic("stack: socket reference count underflow")
	}
}

// unlock releases the socket lock, then sends the segments queued while it
// was held and runs deferred work that needs the directory lock.
func (s *Socket) unlock() {
	out, after := s.out, s.after
	s.out, s.after = nil, nil
	s.mu.Unlock()
	for _, o := range out {
		s.stack.output(o.buf, o.src, o.dst)
	}
	for _, fn := range after {
		fn()
	}
}

// waitChan returns a channel closed by the next notify. s.mu must be held.
func (s *Socket) waitChan() <-chan struct{} {
	if s.changed == nil {
		s.changed = make(chan struct{})
	}
	return s.changed
}

// notify wakes every caller blocked on the socket.
func (s *Socket) notify() {
	if s.changed != nil {
		close(s.changed)
		s.changed = nil
	}
}

// setState records a state change.
func (s *Socket) setState(next tcp.State) {
	if next == s.state {
		return
	}
	if s.logenabled(slog.LevelDebug) {
		s.debug("sock:state",
			internal.SlogAddrPort4("local", s.key.laddr, s.key.lport),
			internal.SlogAddrPort4("remote", s.key.raddr, s.key.rport),
			slog.String("old", s.state.String()),
			slog.String("new", next.String()),
		)
	}
	s.state = next
}

// detach cancels every timer and schedules removal from the directory.
func (s *Socket) detach() {
	s.cancelAllTimers()
	if s.bound {
		s.bound = false
		key := s.key
		s.after = append(s.after, func() { s.stack.dir.remove(s, key) })
	}
}

// State returns the connection state.
func (s *Socket) State() tcp.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastError returns the last lifecycle error recorded on the socket, such as
// [ErrRemoteReset], or nil.
func (s *Socket) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// LocalAddr returns the bound local address and port.
func (s *Socket) LocalAddr() netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key.local()
}

// RemoteAddr returns the connected peer's address and port.
func (s *Socket) RemoteAddr() netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key.remote()
}

// syncRecv sets up the receive sequence space from the peer's SYN.
func (s *Socket) syncRecv(p *tcp.Parsed) {
	s.rxLow = tcp.Add(p.Seg.SEQ, 1)
	s.rxHigh = tcp.Add(s.rxLow, s.rxWinSize-1)
	s.reasm.Reset(s.rxLow)
	if s.rxBuf == nil {
		s.rxBuf = ringbuffer.New(int(s.rxWinSize))
	}
	if p.MSS != 0 && tcp.Size(p.MSS) < s.mss {
		s.mss = tcp.Size(p.MSS)
		s.cong.Init(s.mss)
	}
}

// syncSend consumes the acknowledged SYN and opens the send window.
func (s *Socket) syncSend(p *tcp.Parsed) {
	s.txLow = tcp.Add(s.iss, 1)
	s.retransmitSeq = s.txLow
	s.txHigh = tcp.Add(p.Seg.ACK, p.Seg.WND)
	s.synRetries = 0
	s.cancelTimer(timerRetransmit)
	if s.txBuf.Buf == nil {
		s.txBuf.Buf = make([]byte, DefaultTxBufSize)
	}
}

// initSend picks the initial send sequence number for the socket's 4-tuple.
func (s *Socket) initSend() {
	s.iss = s.stack.isn.isn(s.key, s.stack.clock.Now())
	s.txLow = s.iss
	s.txHigh = s.iss
	s.retransmitSeq = s.iss
}
