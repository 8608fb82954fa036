package stack

import (
	"log/slog"
	"net/netip"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/lkstack/lknet/tcp"
	"github.com/pkg/errors"
)

func addr4(addr netip.Addr) ([4]byte, error) {
	if !addr.IsValid() {
		return [4]byte{}, nil
	}
	if !addr.Unmap().Is4() {
		return [4]byte{}, errors.Wrapf(ErrInvalidAddr, "%s is not IPv4", addr)
	}
	return addr.Unmap().As4(), nil
}

// Bind assigns the socket's local address. A zero port picks an ephemeral
// one; an invalid or unspecified address binds every local address.
func (s *Socket) Bind(local netip.AddrPort) error {
	laddr, err := addr4(local.Addr())
	if err != nil {
		return err
	}
	s.mu.Lock()
	switch {
	case s.released:
		s.mu.Unlock()
		return ErrClosed
	case s.bound || s.state != tcp.StateClosed:
		s.mu.Unlock()
		return ErrAlreadyBound
	}
	s.bound = true // Claimed while the directory is updated.
	s.mu.Unlock()

	key, err := s.stack.dir.bind(s, nil, dirKey{laddr: laddr, lport: local.Port()})
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.bound = false
		return errors.Wrapf(err, "bind %s", local)
	}
	s.key = key
	return nil
}

// Connect performs an active open to remote and blocks until the connection
// is established or the SYN retries are exhausted.
func (s *Socket) Connect(remote netip.AddrPort) error {
	raddr, err := addr4(remote.Addr())
	if err != nil {
		return err
	}
	if raddr == ([4]byte{}) || remote.Port() == 0 {
		return errors.Wrapf(ErrInvalidAddr, "connect %s", remote)
	}
	src, mss, err := s.stack.route(raddr)
	if err != nil {
		return errors.Wrapf(err, "route to %s", remote)
	}

	s.mu.Lock()
	switch {
	case s.released:
		s.mu.Unlock()
		return ErrClosed
	case s.state != tcp.StateClosed:
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	var old *dirKey
	key := dirKey{laddr: src, raddr: raddr, rport: remote.Port()}
	if s.bound {
		k := s.key
		old = &k
		key.lport = k.lport
		if k.laddr != ([4]byte{}) {
			key.laddr = k.laddr
		}
	}
	s.bound = true
	s.mu.Unlock()

	key, err = s.stack.dir.bind(s, old, key)
	s.mu.Lock()
	if err != nil {
		s.bound = old != nil
		s.mu.Unlock()
		return errors.Wrapf(err, "connect %s", remote)
	}
	s.key = key
	s.mss = mss
	s.cong.Init(mss)
	s.initSend()
	if err := s.event(tcp.Event{Kind: tcp.EventConnect}); err != nil {
		s.unlock()
		return errors.Wrap(ErrAlreadyConnected, err.Error())
	}

	clock := s.stack.clock
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(SYNTimeout), SYNRetries)
	for attempt := 0; s.state == tcp.StateSynSent; attempt++ {
		d := b.NextBackOff()
		if d == backoff.Stop {
			s.debug("tcp:connect-timeout", slog.String("remote", remote.String()))
			s.event(tcp.Event{Kind: tcp.EventHandshakeTimeout})
			break
		}
		if attempt > 0 {
			s.event(tcp.Event{Kind: tcp.EventRetransmitSYN})
		}
		deadline := clock.Now().Add(d)
		for s.state == tcp.StateSynSent {
			left := deadline.Sub(clock.Now())
			if left <= 0 {
				break
			}
			ch := s.waitChan()
			s.unlock()
			select {
			case <-ch:
			case <-clock.After(left):
			}
			s.mu.Lock()
		}
	}
	state, lastErr := s.state, s.lastErr
	s.unlock()
	if state == tcp.StateEstablished || state == tcp.StateCloseWait {
		return nil
	}
	if lastErr != nil && lastErr != ErrRemoteReset {
		return errors.Wrapf(lastErr, "connect %s", remote)
	}
	return errors.Wrapf(ErrConnectionRefused, "connect %s", remote)
}

// Listen makes the socket a passive listener, binding an ephemeral port if
// the socket is unbound.
func (s *Socket) Listen() error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state != tcp.StateClosed {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	if !s.bound {
		s.bound = true
		s.mu.Unlock()
		key, err := s.stack.dir.bind(s, nil, dirKey{})
		s.mu.Lock()
		if err != nil {
			s.bound = false
			s.mu.Unlock()
			return errors.Wrap(err, "listen")
		}
		s.key = key
	}
	err := s.event(tcp.Event{Kind: tcp.EventListen})
	s.unlock()
	if err != nil {
		return errors.Wrap(ErrAlreadyConnected, err.Error())
	}
	return nil
}

// Accept blocks until a queued connection completes its handshake and
// returns it with the peer's address. Children that fail to establish are
// discarded and the wait resumes.
func (s *Socket) Accept() (*Socket, netip.AddrPort, error) {
	s.mu.Lock()
	for {
		if s.released {
			s.mu.Unlock()
			return nil, netip.AddrPort{}, ErrClosed
		}
		if s.state != tcp.StateListen {
			s.mu.Unlock()
			return nil, netip.AddrPort{}, ErrNotListening
		}
		if len(s.acceptQ) == 0 {
			ch := s.waitChan()
			s.mu.Unlock()
			<-ch
			s.mu.Lock()
			continue
		}
		child := s.acceptQ[0]
		s.acceptQ[0] = nil
		s.acceptQ = s.acceptQ[1:]
		s.mu.Unlock()

		child.mu.Lock()
		for child.state == tcp.StateSynRcvd {
			ch := child.waitChan()
			child.mu.Unlock()
			<-ch
			child.mu.Lock()
		}
		ok := child.state.CanSendData()
		remote := child.key.remote()
		if !ok {
			child.released = true
		}
		child.mu.Unlock()
		if ok {
			return child, remote, nil
		}
		s.debug("tcp:accept-discard", slog.String("remote", remote.String()))
		child.unref()
		s.mu.Lock()
	}
}

// Send queues b for transmission, blocking while the send buffer is full.
// It returns the number of bytes queued.
func (s *Socket) Send(b []byte) (int, error) {
	s.mu.Lock()
	sent := 0
	var err error
	for sent < len(b) {
		if s.released {
			err = ErrClosed
			break
		}
		if !s.state.CanSendData() || s.finPending || s.finSent {
			err = s.connErr()
			break
		}
		n, _ := s.txBuf.Write(b[sent:])
		if n > 0 {
			sent += n
			s.flush()
			continue
		}
		s.writersWaiting = true
		ch := s.waitChan()
		s.unlock()
		<-ch
		s.mu.Lock()
	}
	s.unlock()
	return sent, err
}

// Recv reads received bytes into buf. It blocks until data is available, the
// peer closes or timeout elapses; a zero timeout waits forever. After the peer
// closes Recv returns 0 with a nil error once, then [ErrRemoteClose].
func (s *Socket) Recv(buf []byte, timeout time.Duration) (int, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		expired = s.stack.clock.After(timeout)
	}
	s.mu.Lock()
	for {
		if s.released {
			s.mu.Unlock()
			return 0, ErrClosed
		}
		if s.lastErr == ErrRemoteReset {
			s.mu.Unlock()
			return 0, ErrRemoteReset
		}
		if s.rxBuf != nil && s.rxBuf.Length() > 0 {
			n, _ := s.rxBuf.Read(buf)
			s.windowUpdate()
			s.unlock()
			return n, nil
		}
		switch {
		case s.finRcvd:
			if !s.eofRead {
				s.eofRead = true
				s.mu.Unlock()
				return 0, nil
			}
			s.mu.Unlock()
			return 0, ErrRemoteClose
		case s.state != tcp.StateEstablished && s.state != tcp.StateFinWait1 && s.state != tcp.StateFinWait2:
			err := s.connErr()
			s.mu.Unlock()
			return 0, err
		}
		ch := s.waitChan()
		s.mu.Unlock()
		select {
		case <-ch:
		case <-expired:
			return 0, ErrTimeout
		}
		s.mu.Lock()
	}
}

// windowUpdate reopens a window the peer may consider closed once the
// application has drained at least one MSS.
func (s *Socket) windowUpdate() {
	if !s.state.HasRecvSpace() || s.state == tcp.StateTimeWait {
		return
	}
	free := s.rxWinSize - tcp.Size(s.rxBuf.Length())
	if s.rxRemaining() < s.mss && free >= s.mss {
		s.sendAck()
	}
}

// rxRemaining is the receive window left of the last advertised edge.
func (s *Socket) rxRemaining() tcp.Size {
	return tcp.Sizeof(s.rxLow, s.rxHigh) + 1 // Wraps to zero when rxHigh == rxLow-1.
}

func (s *Socket) connErr() error {
	if s.lastErr != nil {
		return s.lastErr
	}
	return ErrNotConnected
}

// Close releases the application's handle and starts the shutdown
// appropriate for the current state. The socket lingers in the stack until
// the shutdown completes. A second Close returns [ErrClosed].
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return ErrClosed
	}
	s.released = true
	var err error
	var children []*Socket
	switch s.state {
	case tcp.StateClosed:
		s.detach()
	case tcp.StateListen:
		children = s.acceptQ
		s.acceptQ = nil
		s.event(tcp.Event{Kind: tcp.EventClose})
	default:
		if e := s.event(tcp.Event{Kind: tcp.EventClose}); e != nil {
			err = errors.Wrapf(ErrNotConnected, "close in %s", s.state)
		}
	}
	s.notify()
	s.unlock()
	for _, child := range children {
		child.mu.Lock()
		child.reset(ErrNotListening)
		child.released = true
		child.unlock()
		child.unref()
	}
	s.unref()
	return err
}
