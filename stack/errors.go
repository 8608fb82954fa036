package stack

import "github.com/pkg/errors"

// Errors reported by socket operations. Returned errors wrap these with
// context; match them with errors.Is.
var (
	ErrConnectionRefused = errors.New("connection refused")
	ErrRemoteReset       = errors.New("connection reset by peer")
	ErrRemoteClose       = errors.New("connection closed by peer")
	ErrNotConnected      = errors.New("socket not connected")
	ErrAlreadyConnected  = errors.New("socket already connected")
	ErrAlreadyBound      = errors.New("socket already bound")
	ErrAddrInUse         = errors.New("address already in use")
	ErrNotListening      = errors.New("socket not listening")
	ErrTimeout           = errors.New("operation timed out")
	ErrClosed            = errors.New("use of closed socket")
	ErrNoBufferSpace     = errors.New("no buffer space available")
	ErrNoPorts           = errors.New("no ephemeral ports available")
	ErrInvalidAddr       = errors.New("invalid IPv4 address")
)
