package ipv4

const (
	sizeHeader = 20
	// DefaultTTL is the hop limit set on outgoing datagrams.
	DefaultTTL = 64
)

// Flags holds the fragmentation field of an IPv4 header.
type Flags uint16

const (
	flagDontFragPos         = 14
	flagMoreFragPos         = 13
	FlagOffsetMask          = (1 << flagMoreFragPos) - 1
	FlagDontFragment  Flags = 1 << flagDontFragPos
	FlagMoreFragments Flags = 1 << flagMoreFragPos
)

// DontFragment reports whether the datagram may not be fragmented.
func (f Flags) DontFragment() bool { return f&FlagDontFragment != 0 }

// MoreFragments is set on every fragment but the last.
func (f Flags) MoreFragments() bool { return f&FlagMoreFragments != 0 }

// FragmentOffset is the fragment's offset in units of 8 bytes.
func (f Flags) FragmentOffset() uint16 { return uint16(f) & FlagOffsetMask }
