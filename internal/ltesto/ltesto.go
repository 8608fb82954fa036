// Package ltesto provides test helpers for driving a TCP stack segment by
// segment: a recording network and a segment generator.
package ltesto

import (
	"errors"
	"sync"
	"time"

	"github.com/lkstack/lknet/tcp"
)

// Sent is a segment captured by [Network].
type Sent struct {
	Src, Dst [4]byte
	Seg      tcp.Parsed
	Raw      []byte
}

// Network is an IP layer that records every segment handed to it instead of
// delivering it. It answers routes for any destination.
type Network struct {
	Addr [4]byte
	MTU  int
	// Fail makes Output return an error while set.
	Fail bool

	mu     sync.Mutex
	sent   []Sent
	signal chan struct{}
}

var errFail = errors.New("ltesto: output failure")

// Output records a parsed copy of seg.
func (n *Network) Output(seg []byte, src, dst [4]byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.Fail {
		return errFail
	}
	raw := append([]byte(nil), seg...)
	p, err := tcp.ParseSegment(src, dst, raw)
	if err != nil {
		return err
	}
	n.sent = append(n.sent, Sent{Src: src, Dst: dst, Seg: p, Raw: raw})
	if n.signal != nil {
		close(n.signal)
		n.signal = nil
	}
	return nil
}

// Route returns the network's address and MTU.
func (n *Network) Route(dst [4]byte) (src [4]byte, mtu int, err error) {
	mtu = n.MTU
	if mtu == 0 {
		mtu = 1500
	}
	return n.Addr, mtu, nil
}

// Drain returns and forgets the segments captured so far.
func (n *Network) Drain() []Sent {
	n.mu.Lock()
	defer n.mu.Unlock()
	s := n.sent
	n.sent = nil
	return s
}

// Len returns the number of captured segments not yet drained.
func (n *Network) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

// WaitLen blocks until at least count segments are captured or timeout
// elapses in real time. It reports whether the count was reached.
func (n *Network) WaitLen(count int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		n.mu.Lock()
		if len(n.sent) >= count {
			n.mu.Unlock()
			return true
		}
		if n.signal == nil {
			n.signal = make(chan struct{})
		}
		ch := n.signal
		n.mu.Unlock()
		select {
		case <-ch:
		case <-deadline:
			return false
		}
	}
}

// SegmentGen builds segments between two fixed endpoints.
type SegmentGen struct {
	SrcAddr, DstAddr [4]byte
	SrcPort, DstPort uint16
}

// Reverse returns the generator for the opposite direction.
func (gen SegmentGen) Reverse() SegmentGen {
	return SegmentGen{SrcAddr: gen.DstAddr, DstAddr: gen.SrcAddr, SrcPort: gen.DstPort, DstPort: gen.SrcPort}
}

// Segment returns the wire form of seg carrying payload. seg.DATALEN is
// taken from payload. A non-zero mss adds the MSS option.
func (gen SegmentGen) Segment(seg tcp.Segment, payload []byte, mss uint16) []byte {
	seg.DATALEN = tcp.Size(len(payload))
	h := tcp.Header{SrcPort: gen.SrcPort, DstPort: gen.DstPort, Seg: seg, MSS: mss}
	return tcp.AppendSegment(nil, h, payload, gen.SrcAddr, gen.DstAddr)
}
