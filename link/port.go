package link

import (
	"sync/atomic"

	"github.com/lkstack/lknet"
	"github.com/lkstack/lknet/ipv4"
)

// Port is one host attached to a [Hub]. It is the IP layer of a TCP stack.
type Port struct {
	hub     *Hub
	addr    [4]byte
	mtu     int
	deliver DeliverFunc // Guarded by hub.mu.
	id      atomic.Uint32
}

// Addr returns the port's address.
func (p *Port) Addr() [4]byte { return p.addr }

// SetDeliver sets the receiver of datagrams addressed to the port.
func (p *Port) SetDeliver(fn DeliverFunc) {
	p.hub.mu.Lock()
	p.deliver = fn
	p.hub.mu.Unlock()
}

// Output encapsulates seg in an IPv4 datagram and queues it on the hub.
func (p *Port) Output(seg []byte, src, dst [4]byte) error {
	hdr := ipv4.Header{
		Src:   src,
		Dst:   dst,
		Proto: lknet.IPProtoTCP,
		ID:    uint16(p.id.Add(1)),
	}
	return p.hub.enqueue(hdr, seg, p.mtu)
}

// Route reports the port's own address and MTU if some port owns dst.
func (p *Port) Route(dst [4]byte) (src [4]byte, mtu int, err error) {
	p.hub.mu.Lock()
	_, ok := p.hub.ports[dst]
	p.hub.mu.Unlock()
	if !ok {
		return src, 0, ErrNoRoute
	}
	return p.addr, p.mtu, nil
}
