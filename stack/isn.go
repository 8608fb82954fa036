package stack

import (
	"encoding/binary"
	"hash"
	"sync"
	"time"

	"github.com/lkstack/lknet/tcp"
	"golang.org/x/crypto/blake2s"
)

// isnGenerator computes initial sequence numbers as in RFC 6528:
// a keyed hash of the connection 4-tuple plus a clock ticking every 4µs.
type isnGenerator struct {
	mu sync.Mutex
	h  hash.Hash
}

func newISNGenerator(key []byte) (*isnGenerator, error) {
	if len(key) > blake2s.Size {
		key = key[:blake2s.Size]
	}
	h, err := blake2s.New256(key)
	if err != nil {
		return nil, err
	}
	return &isnGenerator{h: h}, nil
}

func (g *isnGenerator) isn(k dirKey, now time.Time) tcp.Value {
	var buf [12]byte
	copy(buf[0:4], k.laddr[:])
	binary.BigEndian.PutUint16(buf[4:6], k.lport)
	copy(buf[6:10], k.raddr[:])
	binary.BigEndian.PutUint16(buf[10:12], k.rport)
	var sum [blake2s.Size]byte
	g.mu.Lock()
	g.h.Reset()
	g.h.Write(buf[:])
	g.h.Sum(sum[:0])
	g.mu.Unlock()
	ticks := uint32(now.UnixMicro() / 4)
	return tcp.Value(binary.BigEndian.Uint32(sum[:4]) + ticks)
}
