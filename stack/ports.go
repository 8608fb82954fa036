package stack

import "github.com/lkstack/lknet/internal"

const (
	ephemeralFirst = 1024
	ephemeralSpan  = 32000
)

// portAllocator hands out ephemeral local ports. It advances monotonically
// from a seeded start, wrapping within the unprivileged range.
type portAllocator struct {
	next uint16
}

func newPortAllocator(seed uint16) portAllocator {
	return portAllocator{next: internal.Prand16(seed)%ephemeralSpan + ephemeralFirst}
}

// alloc returns the next port for which inUse reports false.
func (pa *portAllocator) alloc(inUse func(port uint16) bool) (uint16, error) {
	for range 1<<16 - ephemeralFirst {
		port := pa.next
		pa.next++
		if pa.next < ephemeralFirst {
			pa.next = ephemeralFirst
		}
		if !inUse(port) {
			return port, nil
		}
	}
	return 0, ErrNoPorts
}
