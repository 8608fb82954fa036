package stack

import (
	"log/slog"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
	"github.com/lkstack/lknet/internal"
	"github.com/lkstack/lknet/tcp"
	"golang.org/x/time/rate"
)

// Stack is a TCP engine bound to one [Network]. It owns the socket
// directory, the ephemeral port allocator and the ISN generator.
type Stack struct {
	logger
	net      Network
	clock    clockwork.Clock
	dir      *directory
	isn      *isnGenerator
	rstLimit *rate.Limiter
	maxSocks int
	live     atomic.Int32
}

// New returns a Stack configured by cfg.
func New(cfg Config) (*Stack, error) {
	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}
	isn, err := newISNGenerator(cfg.ISNKey)
	if err != nil {
		return nil, err
	}
	return &Stack{
		logger:   logger{log: cfg.Logger},
		net:      cfg.Network,
		clock:    cfg.Clock,
		dir:      newDirectory(cfg.PortSeed),
		isn:      isn,
		rstLimit: rate.NewLimiter(rate.Limit(cfg.RSTRate), cfg.RSTBurst),
		maxSocks: cfg.MaxSockets,
	}, nil
}

// Open allocates a socket in CLOSED. The caller owns the returned handle
// until [Socket.Close].
func (st *Stack) Open() (*Socket, error) {
	s := st.newSocket()
	if s == nil {
		return nil, ErrNoBufferSpace
	}
	return s, nil
}

// LiveSockets returns the number of sockets whose storage has not been released.
func (st *Stack) LiveSockets() int { return int(st.live.Load()) }

// Deliver is the IP input for TCP: seg was received from src addressed to dst.
// Malformed segments are dropped and reported as an error; protocol-level
// outcomes are handled internally and never surface here.
func (st *Stack) Deliver(src, dst [4]byte, seg []byte) error {
	p, err := tcp.ParseSegment(src, dst, seg)
	if err != nil {
		st.debug("tcp:drop", internal.SlogAddr4("src", src), slog.String("err", err.Error()))
		return err
	}
	if st.logenabled(internal.LevelTrace) {
		st.trace("tcp:in",
			internal.SlogAddrPort4("src", src, p.SrcPort),
			internal.SlogAddrPort4("dst", dst, p.DstPort),
			slog.Any("seg", p.Seg),
		)
	}
	s := st.dir.lookup(dst, p.DstPort, src, p.SrcPort)
	if s == nil {
		if !p.Seg.Flags.HasAny(tcp.FlagRST) {
			st.sendReset(dst, src, &p)
		}
		return nil
	}
	s.mu.Lock()
	s.input(&p, src, dst)
	s.unlock()
	s.unref()
	return nil
}

// sendReset answers p, received from remote at local, with a reset.
func (st *Stack) sendReset(local, remote [4]byte, p *tcp.Parsed) {
	if !st.rstLimit.AllowN(st.clock.Now(), 1) {
		st.debug("tcp:rst-limited", internal.SlogAddr4("dst", remote))
		return
	}
	st.trace("tcp:rst-out", internal.SlogAddrPort4("dst", remote, p.SrcPort))
	st.output(tcp.AppendSegment(nil, resetFor(p), nil, local, remote), local, remote)
}

// resetFor builds the reset answering p: its sequence number is the
// offending segment's acknowledgment and it acknowledges everything p occupied.
func resetFor(p *tcp.Parsed) tcp.Header {
	return tcp.Header{
		SrcPort: p.DstPort,
		DstPort: p.SrcPort,
		Seg: tcp.Segment{
			SEQ:   p.Seg.ACK,
			ACK:   tcp.Add(p.Seg.SEQ, max(p.Seg.LEN(), 1)),
			Flags: tcp.FlagRST | tcp.FlagACK,
		},
	}
}

func (st *Stack) output(seg []byte, src, dst [4]byte) {
	if err := st.net.Output(seg, src, dst); err != nil {
		st.debug("tcp:output-failed", internal.SlogAddr4("dst", dst), slog.String("err", err.Error()))
	}
}

// route returns the source address and MSS for reaching dst.
func (st *Stack) route(dst [4]byte) (src [4]byte, mss tcp.Size, err error) {
	src, mtu, err := st.net.Route(dst)
	if err != nil {
		return src, 0, err
	}
	mss = DefaultMSS
	if n := mtu - sizeHeaderIPv4 - sizeHeaderTCP; n > 0 {
		mss = tcp.Size(n)
	}
	return src, mss, nil
}

// Sockets returns a snapshot of every socket in the directory.
func (st *Stack) Sockets() []SocketInfo {
	list := st.dir.sockets()
	infos := make([]SocketInfo, 0, len(list))
	for _, s := range list {
		infos = append(infos, s.Info())
		s.unref()
	}
	sortInfos(infos)
	return infos
}
