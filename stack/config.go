package stack

import (
	"crypto/rand"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

// Protocol constants.
const (
	DefaultMSS           = 536
	DefaultRxWindow      = 32 << 10
	DefaultTxBufSize     = 128 << 10
	SYNTimeout           = time.Second
	SYNRetries           = 3
	AckDelay             = 200 * time.Millisecond
	PersistTimeout       = 500 * time.Millisecond
	FINRetransmitTimeout = 5 * time.Second
	MaxRTO               = 90 * time.Second
	MSL                  = 30 * time.Second
	InitialRTO           = 500 * time.Millisecond
	// MinRTO floors the computed retransmission timeout. Without it the
	// estimate collapses towards zero on fast links.
	MinRTO = 200 * time.Millisecond
)

const (
	sizeHeaderIPv4 = 20
	sizeHeaderTCP  = 20
)

// Network is the IP layer the stack sends segments through.
type Network interface {
	// Output sends a TCP segment from src to dst. The stack does not retain seg.
	Output(seg []byte, src, dst [4]byte) error
	// Route returns the local address used to reach dst and the link MTU.
	Route(dst [4]byte) (src [4]byte, mtu int, err error)
}

// Config configures a [Stack]. Only Network is required.
type Config struct {
	Network Network
	// Clock drives every timer and blocking timeout. Defaults to the real clock.
	Clock clockwork.Clock
	// Logger receives structured logs. Nil disables logging.
	Logger *slog.Logger
	// ISNKey keys the initial sequence number hash. Up to 32 bytes; random if empty.
	ISNKey []byte
	// RSTRate limits resets sent in reply to segments matching no socket,
	// in resets per second. RSTBurst is the limiter's bucket size.
	RSTRate  float64
	RSTBurst int
	// PortSeed seeds the ephemeral port allocator. Zero picks a random seed.
	PortSeed uint16
	// MaxSockets bounds the number of live sockets. Zero means unbounded.
	MaxSockets int
}

const (
	defaultRSTRate  = 200
	defaultRSTBurst = 20
)

var errNoNetwork = errors.New("stack: nil Network in Config")

func (cfg *Config) setDefaults() error {
	if cfg.Network == nil {
		return errNoNetwork
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if len(cfg.ISNKey) == 0 {
		cfg.ISNKey = make([]byte, 32)
		rand.Read(cfg.ISNKey)
	}
	if cfg.RSTRate <= 0 {
		cfg.RSTRate = defaultRSTRate
	}
	if cfg.RSTBurst <= 0 {
		cfg.RSTBurst = defaultRSTBurst
	}
	for cfg.PortSeed == 0 {
		var b [2]byte
		rand.Read(b[:])
		cfg.PortSeed = uint16(b[0])<<8 | uint16(b[1])
	}
	return nil
}
