package stack

import (
	"net/netip"
	"sync"
)

// dirKey is the 4-tuple a socket is filed under. Listeners have zero remote
// fields and may have a zero local address.
type dirKey struct {
	laddr [4]byte
	lport uint16
	raddr [4]byte
	rport uint16
}

func (k dirKey) local() netip.AddrPort  { return netip.AddrPortFrom(netip.AddrFrom4(k.laddr), k.lport) }
func (k dirKey) remote() netip.AddrPort { return netip.AddrPortFrom(netip.AddrFrom4(k.raddr), k.rport) }

// directory maps 4-tuples to sockets. Every entry holds a socket reference.
// The directory lock is always taken before any socket lock.
type directory struct {
	mu    sync.Mutex
	m     map[dirKey]*Socket
	ports map[uint16]int // Entries per local port.
	pa    portAllocator
}

func newDirectory(portSeed uint16) *directory {
	return &directory{
		m:     make(map[dirKey]*Socket),
		ports: make(map[uint16]int),
		pa:    newPortAllocator(portSeed),
	}
}

// lookup finds the socket for an inbound segment: exact match first, then a
// listener bound to the local address, then a listener bound to any address.
// The returned socket carries a reference the caller must drop.
func (d *directory) lookup(laddr [4]byte, lport uint16, raddr [4]byte, rport uint16) *Socket {
	keys := [3]dirKey{
		{laddr: laddr, lport: lport, raddr: raddr, rport: rport},
		{laddr: laddr, lport: lport},
		{lport: lport},
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, k := range keys {
		if s := d.m[k]; s != nil {
			s.ref()
			return s
		}
	}
	return nil
}

// bind files s under k, allocating an ephemeral port when k.lport is zero.
// If old is non-nil the socket's previous entry is replaced atomically; on
// failure the previous entry is kept.
func (d *directory) bind(s *Socket, old *dirKey, k dirKey) (dirKey, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if old != nil {
		d.removeLocked(s, *old)
	}
	err := d.fileLocked(s, &k)
	if err != nil && old != nil {
		d.fileLocked(s, old)
	}
	return k, err
}

func (d *directory) fileLocked(s *Socket, k *dirKey) error {
	if k.lport == 0 {
		port, err := d.pa.alloc(func(port uint16) bool { return d.ports[port] > 0 })
		if err != nil {
			return err
		}
		k.lport = port
	}
	if _, exists := d.m[*k]; exists {
		return ErrAddrInUse
	}
	d.m[*k] = s
	d.ports[k.lport]++
	s.ref()
	return nil
}

// remove detaches s if it is still filed under k.
func (d *directory) remove(s *Socket, k dirKey) {
	d.mu.Lock()
	d.removeLocked(s, k)
	d.mu.Unlock()
}

func (d *directory) removeLocked(s *Socket, k dirKey) {
	if d.m[k] != s {
		return
	}
	delete(d.m, k)
	if d.ports[k.lport]--; d.ports[k.lport] <= 0 {
		delete(d.ports, k.lport)
	}
	s.unref()
}

// sockets returns every filed socket with a reference held on each.
func (d *directory) sockets() []*Socket {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := make([]*Socket, 0, len(d.m))
	for _, s := range d.m {
		s.ref()
		list = append(list, s)
	}
	return list
}

func (d *directory) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.m)
}
