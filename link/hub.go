// Package link implements an in-process IPv4 network connecting TCP stacks.
// Datagrams sent by attached ports are queued and delivered one at a time on
// the hub's receive goroutine, optionally dropped or corrupted on the way.
package link

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/lkstack/lknet"
	"github.com/lkstack/lknet/internal"
	"github.com/lkstack/lknet/ipv4"
)

var (
	errHubClosed = errors.New("link: hub closed")
	errTooBig    = errors.New("link: datagram exceeds MTU")
	// ErrNoRoute is returned by [Port.Route] when no port owns the destination.
	ErrNoRoute = errors.New("link: no route to host")
)

// DeliverFunc receives the TCP segment carried by a datagram from src to dst.
type DeliverFunc func(src, dst [4]byte, seg []byte) error

// HubConfig configures a [Hub].
type HubConfig struct {
	Logger *slog.Logger
	// Loss is the probability of dropping a datagram, in [0, 1].
	Loss float64
	// Corrupt is the probability of flipping one bit of a datagram's payload.
	Corrupt float64
	// Seed seeds the loss and corruption generator. Zero uses 1.
	Seed uint32
	// Filter, if set, sees every datagram before loss is applied.
	// Returning false drops the datagram.
	Filter func(src, dst [4]byte, seg []byte) bool
}

// Stats counts the hub's datagrams by outcome.
type Stats struct {
	Sent      uint64
	Delivered uint64
	Dropped   uint64
	Corrupted uint64
	Invalid   uint64
}

type datagram struct {
	buf []byte
}

// Hub is the shared medium between attached ports.
type Hub struct {
	logger
	loss, corrupt float64
	filter        func(src, dst [4]byte, seg []byte) bool

	mu     sync.Mutex
	cond   sync.Cond
	ports  map[[4]byte]*Port
	queue  []datagram
	closed bool
	rng    uint32
	stats  Stats
	done   chan struct{}
}

// NewHub starts a hub's receive goroutine. Stop it with [Hub.Close].
func NewHub(cfg HubConfig) *Hub {
	h := &Hub{
		logger:  logger{log: cfg.Logger},
		loss:    cfg.Loss,
		corrupt: cfg.Corrupt,
		filter:  cfg.Filter,
		ports:   make(map[[4]byte]*Port),
		rng:     cfg.Seed,
		done:    make(chan struct{}),
	}
	if h.rng == 0 {
		h.rng = 1
	}
	h.cond.L = &h.mu
	go h.run()
	return h
}

// Attach adds a port owning addr with the given MTU. deliver may be nil and
// set later with [Port.SetDeliver].
func (h *Hub) Attach(addr [4]byte, mtu int, deliver DeliverFunc) *Port {
	p := &Port{hub: h, addr: addr, mtu: mtu}
	h.mu.Lock()
	p.deliver = deliver
	h.ports[addr] = p
	h.mu.Unlock()
	return p
}

// Close stops delivery. Datagrams still queued are discarded.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.cond.Broadcast()
	h.mu.Unlock()
	<-h.done
}

// Stats returns the hub's counters.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

func (h *Hub) enqueue(hdr ipv4.Header, seg []byte, mtu int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errHubClosed
	}
	d := reclaim(&h.queue)
	var err error
	d.buf, err = ipv4.AppendDatagram(d.buf[:0], hdr, seg)
	if err == nil && len(d.buf) > mtu {
		err = errTooBig
	}
	if err != nil {
		h.queue = h.queue[:len(h.queue)-1]
		return err
	}
	h.stats.Sent++
	h.cond.Signal()
	return nil
}

func (h *Hub) run() {
	defer close(h.done)
	var batch []datagram
	for {
		h.mu.Lock()
		for len(h.queue) == 0 && !h.closed {
			h.cond.Wait()
		}
		if h.closed {
			h.mu.Unlock()
			return
		}
		batch, h.queue = h.queue, batch[:0]
		h.mu.Unlock()
		for i := range batch {
			h.deliver(batch[i].buf)
		}
	}
}

// deliver passes one datagram to its destination port.
func (h *Hub) deliver(buf []byte) {
	ifrm, err := ipv4.ParseDatagram(buf)
	if err != nil {
		h.count(&h.stats.Invalid)
		h.debug("link:invalid", slog.String("err", err.Error()))
		return
	}
	src, dst := *ifrm.SourceAddr(), *ifrm.DestinationAddr()
	payload := ifrm.Payload()
	if ifrm.Protocol() != lknet.IPProtoTCP || (h.filter != nil && !h.filter(src, dst, payload)) {
		h.count(&h.stats.Dropped)
		h.trace("link:filtered", internal.SlogAddr4("dst", dst))
		return
	}

	h.mu.Lock()
	drop := h.loss > 0 && h.randLocked() < h.loss
	flip := -1
	if !drop && h.corrupt > 0 && len(payload) > 0 && h.randLocked() < h.corrupt {
		h.rng = internal.Prand32(h.rng)
		flip = int(h.rng % uint32(8*len(payload)))
	}
	port := h.ports[dst]
	var fn DeliverFunc
	if port != nil {
		fn = port.deliver
	}
	switch {
	case drop || fn == nil:
		h.stats.Dropped++
	case flip >= 0:
		h.stats.Corrupted++
	}
	h.mu.Unlock()

	if drop || fn == nil {
		h.debug("link:drop", internal.SlogAddr4("src", src), internal.SlogAddr4("dst", dst))
		return
	}
	if flip >= 0 {
		payload[flip/8] ^= 1 << (flip % 8)
		h.debug("link:corrupt", internal.SlogAddr4("dst", dst), slog.Int("bit", flip))
	}
	if err := fn(src, dst, payload); err != nil {
		h.debug("link:deliver", internal.SlogAddr4("dst", dst), slog.String("err", err.Error()))
	}
	h.count(&h.stats.Delivered)
}

func (h *Hub) count(c *uint64) {
	h.mu.Lock()
	*c++
	h.mu.Unlock()
}

// randLocked returns a pseudo random number in [0, 1).
func (h *Hub) randLocked() float64 {
	h.rng = internal.Prand32(h.rng)
	return float64(h.rng) / (1 << 32)
}

// reclaim grows *q by one element and returns it without zeroing, so a
// datagram buffer left from an earlier batch is reused.
func reclaim(q *[]datagram) *datagram {
	if n := len(*q); n < cap(*q) {
		*q = (*q)[:n+1]
	} else {
		*q = append(*q, datagram{})
	}
	return &(*q)[len(*q)-1]
}
