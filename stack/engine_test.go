package stack

import (
	"bytes"
	"errors"
	"net/netip"
	"slices"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lkstack/lknet"
	"github.com/lkstack/lknet/internal/ltesto"
	"github.com/lkstack/lknet/tcp"
)

const (
	synack = tcp.FlagSYN | tcp.FlagACK
	finack = tcp.FlagFIN | tcp.FlagACK
	pshack = tcp.FlagPSH | tcp.FlagACK
	rstack = tcp.FlagRST | tcp.FlagACK

	listenPort = 80
	peerPort   = 4321
	peerISS    = tcp.Value(1000)
	peerWnd    = tcp.Size(0xffff)
	mss        = 1460
)

var (
	localAddr = [4]byte{192, 168, 1, 1}
	peerAddr  = [4]byte{192, 168, 1, 2}
)

// rig drives one stack from a scripted peer, segment by segment.
type rig struct {
	t     *testing.T
	clock clockwork.FakeClock
	net   *ltesto.Network
	st    *Stack
	gen   ltesto.SegmentGen // Peer to stack.
	iss   tcp.Value         // Stack's initial sequence number.
}

func newRig(t *testing.T, cfg Config) *rig {
	t.Helper()
	clock := clockwork.NewFakeClock()
	nw := &ltesto.Network{Addr: localAddr, MTU: 1500}
	cfg.Network = nw
	cfg.Clock = clock
	if cfg.PortSeed == 0 {
		cfg.PortSeed = 1
	}
	st, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return &rig{
		t:     t,
		clock: clock,
		net:   nw,
		st:    st,
		gen:   ltesto.SegmentGen{SrcAddr: peerAddr, DstAddr: localAddr, SrcPort: peerPort, DstPort: listenPort},
	}
}

func (r *rig) deliver(flags tcp.Flags, seq, ack tcp.Value, wnd tcp.Size, payload []byte, mss uint16) {
	r.t.Helper()
	seg := r.gen.Segment(tcp.Segment{SEQ: seq, ACK: ack, WND: wnd, Flags: flags}, payload, mss)
	if err := r.st.Deliver(r.gen.SrcAddr, r.gen.DstAddr, seg); err != nil {
		r.t.Fatal(err)
	}
}

// sent waits for exactly want segments from the stack and returns them.
func (r *rig) sent(want int) []ltesto.Sent {
	r.t.Helper()
	if !r.net.WaitLen(want, 5*time.Second) {
		r.t.Fatalf("want %d segments, got %d", want, r.net.Len())
	}
	got := r.net.Drain()
	if len(got) != want {
		r.t.Fatalf("want %d segments, got %d: %v", want, len(got), got)
	}
	return got
}

// last drains the captured segments and returns the final one.
func (r *rig) last() tcp.Parsed {
	r.t.Helper()
	got := r.net.Drain()
	if len(got) == 0 {
		r.t.Fatal("no segment sent")
	}
	return got[len(got)-1].Seg
}

func (r *rig) quiet() {
	r.t.Helper()
	if got := r.net.Drain(); len(got) != 0 {
		r.t.Fatalf("unexpected segments: %v", got)
	}
}

func (r *rig) listen() *Socket {
	r.t.Helper()
	l, err := r.st.Open()
	if err != nil {
		r.t.Fatal(err)
	}
	if err := l.Bind(netip.AddrPortFrom(netip.AddrFrom4(localAddr), listenPort)); err != nil {
		r.t.Fatal(err)
	}
	if err := l.Listen(); err != nil {
		r.t.Fatal(err)
	}
	return l
}

// establish completes a passive open from the peer, advertising wnd.
func (r *rig) establish(wnd tcp.Size) (l, c *Socket) {
	r.t.Helper()
	l = r.listen()
	r.deliver(tcp.FlagSYN, peerISS, 0, peerWnd, nil, mss)
	p := r.sent(1)[0].Seg
	if p.Seg.Flags != synack || p.Seg.ACK != peerISS+1 || p.MSS != mss {
		r.t.Fatalf("bad SYN-ACK: %+v", p)
	}
	r.iss = p.Seg.SEQ
	r.deliver(tcp.FlagACK, peerISS+1, r.iss+1, wnd, nil, 0)
	c, remote, err := l.Accept()
	if err != nil {
		r.t.Fatal(err)
	}
	if want := netip.AddrPortFrom(netip.AddrFrom4(peerAddr), peerPort); remote != want {
		r.t.Fatalf("accepted remote %s, want %s", remote, want)
	}
	return l, c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func waitState(t *testing.T, s *Socket, want tcp.State) {
	t.Helper()
	waitFor(t, want.String(), func() bool { return s.State() == want })
}

func hasTimer(s *Socket, name string) bool {
	for _, tm := range s.Info().Timers {
		if tm == name {
			return true
		}
	}
	return false
}

func TestPassiveHandshake(t *testing.T) {
	r := newRig(t, Config{})
	l, c := r.establish(peerWnd)
	info := c.Info()
	if info.State != tcp.StateEstablished || info.RxLow != peerISS+1 || info.TxLow != r.iss+1 {
		t.Fatalf("unexpected connection state:\n%s", info)
	}
	if info.MSS != mss || info.CWND != mss {
		t.Errorf("mss %d cwnd %d, want both %d", info.MSS, info.CWND, mss)
	}
	if len(info.Timers) != 0 {
		t.Errorf("timers left armed: %v", info.Timers)
	}
	if n := len(r.st.Sockets()); n != 2 {
		t.Errorf("want 2 sockets in directory, got %d", n)
	}
	r.quiet()
	c.Close()
	l.Close()
}

func TestActiveHandshake(t *testing.T) {
	r := newRig(t, Config{})
	c, _ := r.st.Open()
	done := make(chan error, 1)
	go func() {
		done <- c.Connect(netip.AddrPortFrom(netip.AddrFrom4(peerAddr), peerPort))
	}()
	syn := r.sent(1)[0]
	if syn.Seg.Seg.Flags != tcp.FlagSYN || syn.Seg.MSS != mss || syn.Seg.DstPort != peerPort {
		t.Fatalf("bad SYN: %+v", syn.Seg)
	}
	if syn.Seg.SrcPort < 1024 {
		t.Fatalf("ephemeral port %d in reserved range", syn.Seg.SrcPort)
	}
	r.gen.DstPort = syn.Seg.SrcPort
	iss := syn.Seg.Seg.SEQ
	r.deliver(synack, peerISS, iss+1, peerWnd, nil, 536)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	ack := r.sent(1)[0].Seg.Seg
	if ack.Flags != tcp.FlagACK || ack.ACK != peerISS+1 || ack.SEQ != iss+1 {
		t.Fatalf("bad handshake ACK: %+v", ack)
	}
	info := c.Info()
	if info.State != tcp.StateEstablished || info.RxLow != peerISS+1 || info.MSS != 536 {
		t.Fatalf("unexpected connection state:\n%s", info)
	}
}

func TestConnectRefused(t *testing.T) {
	r := newRig(t, Config{})
	c, _ := r.st.Open()
	done := make(chan error, 1)
	go func() {
		done <- c.Connect(netip.AddrPortFrom(netip.AddrFrom4(peerAddr), peerPort))
	}()
	syn := r.sent(1)[0].Seg
	r.gen.DstPort = syn.SrcPort
	r.deliver(rstack, 0, syn.Seg.SEQ+1, 0, nil, 0)
	if err := <-done; !errors.Is(err, ErrConnectionRefused) {
		t.Fatalf("want ErrConnectionRefused, got %v", err)
	}
	if c.State() != tcp.StateClosed {
		t.Fatal("want CLOSED, got", c.State())
	}
	r.quiet()
	c.Close()
	if n := r.st.LiveSockets(); n != 0 {
		t.Fatalf("%d sockets leaked", n)
	}
}

func TestConnectTimeout(t *testing.T) {
	r := newRig(t, Config{})
	c, _ := r.st.Open()
	done := make(chan error, 1)
	go func() {
		done <- c.Connect(netip.AddrPortFrom(netip.AddrFrom4(peerAddr), peerPort))
	}()
	var seq tcp.Value
	for i := 0; i < SYNRetries; i++ {
		syn := r.sent(1)[0].Seg
		if i == 0 {
			seq = syn.Seg.SEQ
		} else if syn.Seg.SEQ != seq || syn.Seg.Flags != tcp.FlagSYN {
			t.Fatalf("retry %d: bad SYN %+v", i, syn.Seg)
		}
		r.clock.BlockUntil(1)
		r.clock.Advance(SYNTimeout)
	}
	if err := <-done; !errors.Is(err, ErrConnectionRefused) {
		t.Fatalf("want ErrConnectionRefused, got %v", err)
	}
	r.quiet()
	c.Close()
	if n := r.st.LiveSockets(); n != 0 {
		t.Fatalf("%d sockets leaked", n)
	}
}

func TestReceiveDelayedAck(t *testing.T) {
	r := newRig(t, Config{})
	_, c := r.establish(peerWnd)
	data := bytes.Repeat([]byte("abcd"), 25)
	r.deliver(pshack, peerISS+1, r.iss+1, peerWnd, data, 0)
	r.quiet()
	if !hasTimer(c, "ack-delay") {
		t.Fatal("ack-delay timer not armed")
	}
	buf := make([]byte, 512)
	n, err := c.Recv(buf, 0)
	if err != nil || !bytes.Equal(buf[:n], data) {
		t.Fatalf("recv %q %v", buf[:n], err)
	}
	r.clock.Advance(AckDelay)
	ack := r.sent(1)[0].Seg.Seg
	if ack.Flags != tcp.FlagACK || ack.ACK != peerISS+1+tcp.Value(len(data)) {
		t.Fatalf("bad delayed ACK: %+v", ack)
	}
	if ack.WND != DefaultRxWindow {
		t.Errorf("window %d after drain, want %d", ack.WND, DefaultRxWindow)
	}
}

func TestReceiveOutOfOrder(t *testing.T) {
	r := newRig(t, Config{})
	_, c := r.establish(peerWnd)
	first, second := []byte("hello "), []byte("world")
	seq := peerISS + 1
	r.deliver(pshack, seq+tcp.Value(len(first)), r.iss+1, peerWnd, second, 0)
	ack := r.sent(1)[0].Seg.Seg
	if ack.ACK != seq {
		t.Fatalf("out of order data acked %d, want %d", ack.ACK, seq)
	}
	if c.Info().Reassembly != 1 {
		t.Fatal("segment not queued for reassembly")
	}
	r.deliver(tcp.FlagACK, seq, r.iss+1, peerWnd, first, 0)
	buf := make([]byte, 64)
	n, err := c.Recv(buf, time.Second)
	if err != nil || string(buf[:n]) != "hello world" {
		t.Fatalf("recv %q %v", buf[:n], err)
	}
	// Duplicate of already delivered data is re-acknowledged at once.
	r.net.Drain()
	r.deliver(tcp.FlagACK, seq, r.iss+1, peerWnd, first, 0)
	if ack := r.sent(1)[0].Seg.Seg; ack.ACK != seq+11 {
		t.Fatalf("duplicate acked %d, want %d", ack.ACK, seq+11)
	}
}

func TestReceiveWindowCloses(t *testing.T) {
	r := newRig(t, Config{})
	_, c := r.establish(peerWnd)
	seq := peerISS + 1
	chunk := make([]byte, mss)
	for left := DefaultRxWindow; left > 0; {
		n := min(left, len(chunk))
		r.deliver(tcp.FlagACK, seq, r.iss+1, peerWnd, chunk[:n], 0)
		seq += tcp.Value(n)
		left -= n
	}
	if p := r.last(); p.Seg.ACK != seq || p.Seg.WND != 0 {
		t.Fatalf("want zero window at %d, got %+v", seq, p.Seg)
	}
	// No room: data is refused and re-acknowledged.
	r.deliver(tcp.FlagACK, seq, r.iss+1, peerWnd, []byte("x"), 0)
	if p := r.last(); p.Seg.ACK != seq || p.Seg.WND != 0 {
		t.Fatalf("want re-ACK of zero window, got %+v", p.Seg)
	}
	buf := make([]byte, 4096)
	if n, err := c.Recv(buf, time.Second); n != len(buf) || err != nil {
		t.Fatal(n, err)
	}
	if p := r.last(); p.Seg.WND != 4096 {
		t.Fatalf("want window update of 4096, got %+v", p.Seg)
	}
}

func TestOutOfWindowSegment(t *testing.T) {
	r := newRig(t, Config{})
	_, c := r.establish(peerWnd)
	before := c.Info()
	r.deliver(tcp.FlagACK, peerISS+1+DefaultRxWindow+10, r.iss+1, peerWnd, []byte("far"), 0)
	if p := r.sent(1)[0].Seg.Seg; p.ACK != peerISS+1 {
		t.Fatalf("want re-ACK of %d, got %+v", peerISS+1, p)
	}
	after := c.Info()
	if after.RxLow != before.RxLow || after.Reassembly != 0 || after.RxBuffered != 0 {
		t.Fatalf("state changed by out of window segment:\n%s", after)
	}
}

func TestChecksumRejection(t *testing.T) {
	r := newRig(t, Config{})
	_, c := r.establish(peerWnd)
	before := c.Info()
	seg := r.gen.Segment(tcp.Segment{SEQ: peerISS + 1, ACK: r.iss + 1, WND: peerWnd, Flags: pshack}, []byte("payload"), 0)
	seg[len(seg)-1] ^= 0x10
	if err := r.st.Deliver(peerAddr, localAddr, seg); !errors.Is(err, lknet.ErrBadCRC) {
		t.Fatalf("want ErrBadCRC, got %v", err)
	}
	r.quiet()
	after := c.Info()
	if after.RxLow != before.RxLow || after.RxBuffered != 0 || after.State != before.State {
		t.Fatalf("corrupted segment altered state:\n%s", after)
	}
}

func TestSendAndAck(t *testing.T) {
	r := newRig(t, Config{})
	_, c := r.establish(peerWnd)
	data := bytes.Repeat([]byte{0xab}, 1000)
	if n, err := c.Send(data); n != len(data) || err != nil {
		t.Fatal(n, err)
	}
	p := r.sent(1)[0].Seg
	if p.Seg.Flags != pshack || p.Seg.SEQ != r.iss+1 || !bytes.Equal(p.Payload, data) {
		t.Fatalf("bad data segment %+v", p.Seg)
	}
	if !hasTimer(c, "retransmit") {
		t.Fatal("retransmit timer not armed")
	}
	r.deliver(tcp.FlagACK, peerISS+1, r.iss+1+1000, peerWnd, nil, 0)
	info := c.Info()
	if info.Unacked != 0 || info.TxBuffered != 0 || info.RetransmitSeq != r.iss+1001 {
		t.Fatalf("ack not processed:\n%s", info)
	}
	if info.CWND != 2*mss {
		t.Errorf("cwnd %d after one ACK, want %d", info.CWND, 2*mss)
	}
	if hasTimer(c, "retransmit") {
		t.Error("retransmit timer still armed with nothing outstanding")
	}
	r.quiet()
}

func TestRetransmitOnTimeout(t *testing.T) {
	r := newRig(t, Config{})
	_, c := r.establish(peerWnd)
	data := []byte("lost in transit")
	c.Send(data)
	orig := r.sent(1)[0].Seg
	r.clock.Advance(InitialRTO)
	re := r.sent(1)[0].Seg
	if re.Seg.SEQ != orig.Seg.SEQ || !bytes.Equal(re.Payload, data) {
		t.Fatalf("bad retransmission %+v", re.Seg)
	}
	info := c.Info()
	if info.CWND != mss || info.SSThresh != 2*mss {
		t.Errorf("cwnd %d ssthresh %d after timeout", info.CWND, info.SSThresh)
	}
	if info.RTO != 2*InitialRTO {
		t.Errorf("rto %s after timeout, want %s", info.RTO, 2*InitialRTO)
	}
	r.deliver(tcp.FlagACK, peerISS+1, r.iss+1+tcp.Value(len(data)), peerWnd, nil, 0)
	if c.Info().Unacked != 0 {
		t.Fatal("retransmitted data not acknowledged")
	}
}

func TestFastRetransmit(t *testing.T) {
	r := newRig(t, Config{})
	_, c := r.establish(peerWnd)
	c.mu.Lock()
	for range 4 {
		c.cong.OnAdvance()
	}
	c.mu.Unlock()
	data := make([]byte, 5*mss)
	for i := range data {
		data[i] = byte(i / mss)
	}
	c.Send(data)
	segs := r.sent(5)
	for i, s := range segs {
		if s.Seg.Seg.SEQ != r.iss+1+tcp.Value(i*mss) || len(s.Seg.Payload) != mss {
			t.Fatalf("segment %d: %+v", i, s.Seg.Seg)
		}
	}
	ack := r.iss + 1 + mss
	r.deliver(tcp.FlagACK, peerISS+1, ack, peerWnd, nil, 0)
	cwnd := c.Info().CWND
	for i := 0; i < 2; i++ {
		r.deliver(tcp.FlagACK, peerISS+1, ack, peerWnd, nil, 0)
		r.quiet()
	}
	r.deliver(tcp.FlagACK, peerISS+1, ack, peerWnd, nil, 0)
	re := r.sent(1)[0].Seg
	if re.Seg.SEQ != ack || !bytes.Equal(re.Payload, data[mss:2*mss]) {
		t.Fatalf("bad fast retransmission %+v", re.Seg)
	}
	if info := c.Info(); info.SSThresh != max(2*mss, cwnd/2) {
		t.Errorf("ssthresh %d, want %d", info.SSThresh, max(2*mss, cwnd/2))
	}
}

func TestDupAckRunBroken(t *testing.T) {
	const wnd = 0x8000
	tests := []struct {
		name string
		// breaker delivers an ACK at ack that does not count as a duplicate
		// and returns the sequence number and window of later dups.
		breaker func(r *rig, ack tcp.Value) (tcp.Value, tcp.Size)
	}{
		{
			name: "data",
			breaker: func(r *rig, ack tcp.Value) (tcp.Value, tcp.Size) {
				r.deliver(pshack, peerISS+1, ack, wnd, []byte("x"), 0)
				return peerISS + 2, wnd
			},
		},
		{
			name: "window-update",
			breaker: func(r *rig, ack tcp.Value) (tcp.Value, tcp.Size) {
				r.deliver(tcp.FlagACK, peerISS+1, ack, wnd+0x1000, nil, 0)
				return peerISS + 1, wnd + 0x1000
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := newRig(t, Config{})
			_, c := r.establish(wnd)
			c.mu.Lock()
			for range 4 {
				c.cong.OnAdvance()
			}
			c.mu.Unlock()
			c.Send(make([]byte, 5*mss))
			r.sent(5)
			ack := r.iss + 1 + mss
			r.deliver(tcp.FlagACK, peerISS+1, ack, wnd, nil, 0)
			for range 2 {
				r.deliver(tcp.FlagACK, peerISS+1, ack, wnd, nil, 0)
			}
			seq, w := tc.breaker(r, ack)
			for range 2 {
				r.deliver(tcp.FlagACK, seq, ack, w, nil, 0)
			}
			r.quiet()
			if n := c.Info().Unacked; n != 4*mss {
				t.Fatalf("unacked %d, want %d", n, 4*mss)
			}
			r.deliver(tcp.FlagACK, seq, ack, w, nil, 0)
			if re := r.sent(1)[0].Seg; re.Seg.SEQ != ack || len(re.Payload) != mss {
				t.Fatalf("want retransmission at third consecutive dup, got %+v", re.Seg)
			}
		})
	}
}

func TestWindowRespect(t *testing.T) {
	const peerWindow = 1000
	r := newRig(t, Config{})
	_, c := r.establish(peerWindow)
	if c.Info().CWND != mss {
		t.Fatalf("initial cwnd %d", c.Info().CWND)
	}
	c.Send(make([]byte, 4*mss))
	p := r.sent(1)[0].Seg
	if len(p.Payload) != peerWindow || c.Info().Unacked != peerWindow {
		t.Fatalf("peer window exceeded: sent %d, in flight %d", len(p.Payload), c.Info().Unacked)
	}
	// Open the window fully; now the congestion window is the bound.
	r.deliver(tcp.FlagACK, peerISS+1, r.iss+1+peerWindow, peerWnd, nil, 0)
	waitFor(t, "flight to fill cwnd", func() bool { return c.Info().Unacked == 2*mss })
	var n int
	for _, s := range r.net.Drain() {
		n += len(s.Seg.Payload)
	}
	info := c.Info()
	if n != 2*mss || info.CWND != 2*mss || info.Unacked > min(info.CWND, peerWnd) {
		t.Fatalf("sent %d bytes, in flight %d, cwnd %d", n, info.Unacked, info.CWND)
	}
	r.quiet()
}

func TestZeroWindowPersist(t *testing.T) {
	r := newRig(t, Config{})
	_, c := r.establish(0)
	data := []byte("0123456789")
	c.Send(data)
	r.quiet()
	if !hasTimer(c, "persist") {
		t.Fatal("persist timer not armed on zero window")
	}
	r.clock.Advance(PersistTimeout)
	probe := r.sent(1)[0].Seg
	if probe.Seg.SEQ != r.iss+1 || !bytes.Equal(probe.Payload, data[:1]) {
		t.Fatalf("bad window probe %+v", probe.Seg)
	}
	r.deliver(tcp.FlagACK, peerISS+1, r.iss+1, 100, nil, 0)
	p := r.sent(1)[0].Seg
	if p.Seg.SEQ != r.iss+1 || !bytes.Equal(p.Payload, data) {
		t.Fatalf("data not sent after window opened: %+v", p.Seg)
	}
	if hasTimer(c, "persist") {
		t.Error("persist timer armed with open window")
	}
}

func TestCloseActive(t *testing.T) {
	r := newRig(t, Config{})
	l, c := r.establish(peerWnd)
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	fin := r.sent(1)[0].Seg.Seg
	if fin.Flags != finack || fin.SEQ != r.iss+1 {
		t.Fatalf("bad FIN %+v", fin)
	}
	steps := []struct {
		flags tcp.Flags
		ack   tcp.Value
		want  tcp.State
		reply bool
	}{
		0: {flags: tcp.FlagACK, ack: r.iss + 2, want: tcp.StateFinWait2},
		1: {flags: finack, ack: r.iss + 2, want: tcp.StateTimeWait, reply: true},
	}
	for i, step := range steps {
		r.deliver(step.flags, peerISS+1, step.ack, peerWnd, nil, 0)
		if got := c.State(); got != step.want {
			t.Fatalf("step %d: state %s, want %s", i, got, step.want)
		}
		if step.reply {
			if p := r.sent(1)[0].Seg.Seg; p.ACK != peerISS+2 {
				t.Fatalf("step %d: FIN not acknowledged: %+v", i, p)
			}
		} else {
			r.quiet()
		}
	}
	if _, err := c.Send([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("send after close: %v", err)
	}
	r.clock.Advance(2 * MSL)
	waitState(t, c, tcp.StateClosed)
	l.Close()
	waitFor(t, "sockets released", func() bool { return r.st.LiveSockets() == 0 })
}

func TestCloseSimultaneous(t *testing.T) {
	r := newRig(t, Config{})
	l, c := r.establish(peerWnd)
	c.Close()
	r.sent(1)
	// Peer's FIN crosses ours.
	r.deliver(finack, peerISS+1, r.iss+1, peerWnd, nil, 0)
	if c.State() != tcp.StateClosing {
		t.Fatal("want CLOSING, got", c.State())
	}
	if p := r.sent(1)[0].Seg.Seg; p.ACK != peerISS+2 {
		t.Fatalf("FIN not acknowledged: %+v", p)
	}
	r.deliver(tcp.FlagACK, peerISS+2, r.iss+2, peerWnd, nil, 0)
	if c.State() != tcp.StateTimeWait {
		t.Fatal("want TIME-WAIT, got", c.State())
	}
	r.clock.Advance(2 * MSL)
	waitState(t, c, tcp.StateClosed)
	l.Close()
	waitFor(t, "sockets released", func() bool { return r.st.LiveSockets() == 0 })
}

func TestClosePassive(t *testing.T) {
	r := newRig(t, Config{})
	l, c := r.establish(peerWnd)
	r.deliver(finack, peerISS+1, r.iss+1, peerWnd, []byte("bye"), 0)
	if c.State() != tcp.StateCloseWait {
		t.Fatal("want CLOSE-WAIT, got", c.State())
	}
	if p := r.last(); p.Seg.ACK != peerISS+5 {
		t.Fatalf("FIN not acknowledged: %+v", p.Seg)
	}
	buf := make([]byte, 16)
	n, err := c.Recv(buf, 0)
	if string(buf[:n]) != "bye" || err != nil {
		t.Fatalf("recv %q %v", buf[:n], err)
	}
	if n, err := c.Recv(buf, 0); n != 0 || err != nil {
		t.Fatalf("want end of stream, got %d %v", n, err)
	}
	if _, err := c.Recv(buf, 0); !errors.Is(err, ErrRemoteClose) {
		t.Fatalf("want ErrRemoteClose, got %v", err)
	}
	c.Close()
	fin := r.sent(1)[0].Seg.Seg
	if fin.Flags != finack || c.State() != tcp.StateLastAck {
		t.Fatalf("bad FIN %+v in %s", fin, c.State())
	}
	r.deliver(tcp.FlagACK, peerISS+5, fin.SEQ+1, peerWnd, nil, 0)
	if c.State() != tcp.StateClosed {
		t.Fatal("want CLOSED, got", c.State())
	}
	l.Close()
	if n := r.st.LiveSockets(); n != 0 {
		t.Fatalf("%d sockets leaked", n)
	}
}

func TestRemoteReset(t *testing.T) {
	r := newRig(t, Config{})
	l, c := r.establish(peerWnd)
	done := make(chan error, 1)
	go func() {
		_, err := c.Recv(make([]byte, 10), 0)
		done <- err
	}()
	r.deliver(rstack, peerISS+1, r.iss+1, 0, nil, 0)
	if err := <-done; !errors.Is(err, ErrRemoteReset) {
		t.Fatalf("want ErrRemoteReset, got %v", err)
	}
	if c.State() != tcp.StateClosed {
		t.Fatal("want CLOSED, got", c.State())
	}
	if _, err := c.Send([]byte("x")); !errors.Is(err, ErrRemoteReset) {
		t.Fatalf("send after reset: %v", err)
	}
	r.quiet()
	c.Close()
	l.Close()
	if n := r.st.LiveSockets(); n != 0 {
		t.Fatalf("%d sockets leaked", n)
	}
}

func TestResetBelowWindow(t *testing.T) {
	r := newRig(t, Config{})
	_, c := r.establish(peerWnd)
	r.deliver(rstack, peerISS, r.iss+1, 0, nil, 0)
	if c.State() != tcp.StateClosed || !errors.Is(c.LastError(), ErrRemoteReset) {
		t.Fatalf("state %s err %v after reset", c.State(), c.LastError())
	}
	r.quiet()
}

func TestFINRetransmit(t *testing.T) {
	r := newRig(t, Config{})
	_, c := r.establish(peerWnd)
	c.Close()
	fin := r.sent(1)[0].Seg.Seg
	r.clock.Advance(FINRetransmitTimeout)
	if re := r.sent(1)[0].Seg.Seg; re.Flags != finack || re.SEQ != fin.SEQ {
		t.Fatalf("bad FIN retransmission %+v", re)
	}
}

func TestFINAfterDrain(t *testing.T) {
	r := newRig(t, Config{})
	_, c := r.establish(peerWnd)
	data := make([]byte, 3*mss)
	c.Send(data) // One segment fits the initial congestion window.
	r.sent(1)
	c.Close()
	r.quiet()
	if c.State() != tcp.StateFinWait1 {
		t.Fatal("want FIN-WAIT-1, got", c.State())
	}
	r.deliver(tcp.FlagACK, peerISS+1, r.iss+1+mss, peerWnd, nil, 0)
	segs := r.sent(3)
	if segs[2].Seg.Seg.Flags != finack || segs[2].Seg.Seg.SEQ != r.iss+1+3*mss {
		t.Fatalf("FIN not sent after data: %+v", segs[2].Seg.Seg)
	}
}

func TestSynRcvdRetransmitsSynAck(t *testing.T) {
	r := newRig(t, Config{})
	l := r.listen()
	r.deliver(tcp.FlagSYN, peerISS, 0, peerWnd, nil, mss)
	first := r.sent(1)[0].Seg.Seg
	for i := 0; i < SYNRetries; i++ {
		r.clock.Advance(SYNTimeout)
		if p := r.sent(1)[0].Seg.Seg; p.Flags != synack || p.SEQ != first.SEQ {
			t.Fatalf("retry %d: bad SYN-ACK %+v", i, p)
		}
	}
	r.clock.Advance(SYNTimeout)
	waitFor(t, "child removal", func() bool { return len(r.st.Sockets()) == 1 })
	r.quiet()
	l.Close()
	waitFor(t, "sockets released", func() bool { return r.st.LiveSockets() == 0 })
}

func TestSynRcvdRepeatedSYN(t *testing.T) {
	r := newRig(t, Config{})
	r.listen()
	r.deliver(tcp.FlagSYN, peerISS, 0, peerWnd, nil, mss)
	r.sent(1)
	r.deliver(tcp.FlagSYN, peerISS, 0, peerWnd, nil, mss)
	if p := r.sent(1)[0].Seg.Seg; !p.Flags.HasAny(tcp.FlagRST) {
		t.Fatalf("want RST for repeated SYN, got %+v", p)
	}
}

func TestListenerCloseResetsQueued(t *testing.T) {
	r := newRig(t, Config{})
	l := r.listen()
	r.deliver(tcp.FlagSYN, peerISS, 0, peerWnd, nil, mss)
	synack := r.sent(1)[0].Seg.Seg
	r.deliver(tcp.FlagACK, peerISS+1, synack.SEQ+1, peerWnd, nil, 0)
	l.Close()
	if p := r.sent(1)[0].Seg.Seg; !p.Flags.HasAny(tcp.FlagRST) || p.SEQ != synack.SEQ+1 {
		t.Fatalf("want RST for queued child, got %+v", p)
	}
	if n := r.st.LiveSockets(); n != 0 {
		t.Fatalf("%d sockets leaked", n)
	}
	if _, _, err := l.Accept(); !errors.Is(err, ErrClosed) {
		t.Fatalf("accept on closed listener: %v", err)
	}
}

func TestListenerCloseResetsSynRcvd(t *testing.T) {
	r := newRig(t, Config{})
	l := r.listen()
	r.deliver(tcp.FlagSYN, peerISS, 0, peerWnd, nil, mss)
	synack := r.sent(1)[0].Seg.Seg
	l.Close()
	p := r.sent(1)[0].Seg.Seg
	if !p.Flags.HasAny(tcp.FlagRST) || p.SEQ != synack.SEQ+1 {
		t.Fatalf("want RST at iss+1 %d, got %+v", synack.SEQ+1, p)
	}
	waitFor(t, "sockets released", func() bool { return r.st.LiveSockets() == 0 })
}

func TestUnmatchedSegmentReset(t *testing.T) {
	r := newRig(t, Config{RSTBurst: 2, RSTRate: 0.001})
	r.gen.DstPort = 9999
	r.deliver(tcp.FlagSYN, peerISS, 0, peerWnd, nil, 0)
	p := r.sent(1)[0].Seg.Seg
	if p.Flags != rstack || p.SEQ != 0 || p.ACK != peerISS+1 {
		t.Fatalf("bad reset %+v", p)
	}
	r.deliver(tcp.FlagACK, peerISS+1, 5000, peerWnd, []byte("data"), 0)
	if p := r.sent(1)[0].Seg.Seg; p.SEQ != 5000 || p.ACK != peerISS+5 {
		t.Fatalf("bad reset %+v", p)
	}
	// Resets are never answered, and the limiter is now empty.
	r.deliver(rstack, peerISS, 0, 0, nil, 0)
	r.deliver(tcp.FlagSYN, peerISS, 0, peerWnd, nil, 0)
	r.quiet()
}

func TestListenerLookupOrder(t *testing.T) {
	r := newRig(t, Config{})
	anyL, _ := r.st.Open()
	if err := anyL.Bind(netip.AddrPortFrom(netip.IPv4Unspecified(), listenPort)); err != nil {
		t.Fatal(err)
	}
	anyL.Listen()
	specific := r.listen()
	r.deliver(tcp.FlagSYN, peerISS, 0, peerWnd, nil, 0)
	r.sent(1)
	if specific.Info().AcceptLen != 1 || anyL.Info().AcceptLen != 0 {
		t.Fatal("SYN not matched to the address-specific listener")
	}
	// Another local address only matches the wildcard listener.
	r.gen.DstAddr = [4]byte{192, 168, 1, 99}
	r.deliver(tcp.FlagSYN, peerISS, 0, peerWnd, nil, 0)
	r.sent(1)
	if anyL.Info().AcceptLen != 1 {
		t.Fatal("SYN not matched to the wildcard listener")
	}
	specific.Close()
	anyL.Close()
	if n := r.st.LiveSockets(); n != 0 {
		t.Fatalf("%d sockets leaked", n)
	}
}

func TestSocketErrors(t *testing.T) {
	r := newRig(t, Config{MaxSockets: 2})
	a, _ := r.st.Open()
	b, _ := r.st.Open()
	if _, err := r.st.Open(); !errors.Is(err, ErrNoBufferSpace) {
		t.Fatalf("want ErrNoBufferSpace, got %v", err)
	}
	addr := netip.AddrPortFrom(netip.AddrFrom4(localAddr), 7)
	if err := a.Bind(addr); err != nil {
		t.Fatal(err)
	}
	if err := a.Bind(addr); !errors.Is(err, ErrAlreadyBound) {
		t.Errorf("rebind: %v", err)
	}
	if err := b.Bind(addr); !errors.Is(err, ErrAddrInUse) {
		t.Errorf("bind in use: %v", err)
	}
	if err := b.Bind(netip.MustParseAddrPort("[::1]:7")); !errors.Is(err, ErrInvalidAddr) {
		t.Errorf("bind IPv6: %v", err)
	}
	if _, err := b.Send([]byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("send unconnected: %v", err)
	}
	if _, _, err := b.Accept(); !errors.Is(err, ErrNotListening) {
		t.Errorf("accept unlistened: %v", err)
	}
	a.Listen()
	if err := a.Listen(); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("listen twice: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	if err := a.Close(); !errors.Is(err, ErrClosed) {
		t.Errorf("double close: %v", err)
	}
	b.Close()
	if n := r.st.LiveSockets(); n != 0 {
		t.Fatalf("%d sockets leaked", n)
	}
}

func TestRecvTimeout(t *testing.T) {
	r := newRig(t, Config{})
	_, c := r.establish(peerWnd)
	done := make(chan error, 1)
	go func() {
		_, err := c.Recv(make([]byte, 10), time.Second)
		done <- err
	}()
	r.clock.BlockUntil(1)
	r.clock.Advance(time.Second)
	if err := <-done; !errors.Is(err, ErrTimeout) {
		t.Fatalf("want ErrTimeout, got %v", err)
	}
}

func TestPortAllocator(t *testing.T) {
	pa := portAllocator{next: 65534}
	used := map[uint16]bool{65535: true}
	got := []uint16{}
	for i := 0; i < 3; i++ {
		port, err := pa.alloc(func(p uint16) bool { return used[p] })
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, port)
	}
	if want := []uint16{65534, 1024, 1025}; !slices.Equal(got, want) {
		t.Fatalf("allocated %v, want %v", got, want)
	}
	if _, err := pa.alloc(func(uint16) bool { return true }); !errors.Is(err, ErrNoPorts) {
		t.Fatalf("want ErrNoPorts, got %v", err)
	}
	seeded := newPortAllocator(1)
	if seeded.next < ephemeralFirst || seeded.next >= ephemeralFirst+ephemeralSpan {
		t.Fatalf("seeded start %d out of range", seeded.next)
	}
}

func TestISN(t *testing.T) {
	g, err := newISNGenerator([]byte("key"))
	if err != nil {
		t.Fatal(err)
	}
	k := dirKey{laddr: localAddr, lport: 80, raddr: peerAddr, rport: peerPort}
	now := time.Unix(1000, 0)
	a, b := g.isn(k, now), g.isn(k, now)
	if a != b {
		t.Fatal("ISN not deterministic")
	}
	if c := g.isn(k, now.Add(4*time.Microsecond)); c != a+1 {
		t.Fatalf("ISN clock component: got %d, want %d", c, a+1)
	}
	k.rport++
	if g.isn(k, now) == a {
		t.Fatal("distinct 4-tuples share an ISN")
	}
}
