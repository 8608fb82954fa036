package stack

import (
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lkstack/lknet/tcp"
)

type timerKind uint8

const (
	timerAckDelay timerKind = iota
	timerPersist
	timerRetransmit
	timerFinRetransmit
	timerTimeWait
	numTimers
)

var timerNames = [numTimers]string{"ack-delay", "persist", "retransmit", "fin-retransmit", "time-wait"}

func (k timerKind) String() string { return timerNames[k] }

// timerSlot is one deferred action bound to a socket. An armed slot owns a
// socket reference which is dropped exactly once: by cancel when the clock
// timer is stopped before firing, otherwise by the callback.
type timerSlot struct {
	t     clockwork.Timer
	gen   uint32
	armed bool
}

// armTimer (re)schedules kind to fire after d. s.mu must be held.
func (s *Socket) armTimer(kind timerKind, d time.Duration) {
	s.cancelTimer(kind)
	slot := &s.timers[kind]
	slot.gen++
	slot.armed = true
	gen := slot.gen
	s.ref()
	slot.t = s.stack.clock.AfterFunc(d, func() { s.fire(kind, gen) })
}

// armTimerIdle schedules kind only if it is not already armed.
func (s *Socket) armTimerIdle(kind timerKind, d time.Duration) {
	if !s.timers[kind].armed {
		s.armTimer(kind, d)
	}
}

// cancelTimer disarms kind. Canceling an unarmed timer is a no-op.
func (s *Socket) cancelTimer(kind timerKind) {
	slot := &s.timers[kind]
	if !slot.armed {
		return
	}
	slot.armed = false
	if slot.t.Stop() {
		s.unref()
	}
	// Otherwise the callback is running or about to and will drop the
	// reference after seeing the slot disarmed.
}

func (s *Socket) cancelAllTimers() {
	for kind := range numTimers {
		s.cancelTimer(kind)
	}
}

func (s *Socket) timerArmed(kind timerKind) bool { return s.timers[kind].armed }

func (s *Socket) fire(kind timerKind, gen uint32) {
	defer s.unref()
	s.mu.Lock()
	slot := &s.timers[kind]
	if !slot.armed || slot.gen != gen {
		s.mu.Unlock()
		return
	}
	slot.armed = false
	s.trace("sock:timer", slogTimer(kind))
	switch kind {
	case timerAckDelay:
		s.sendAckPolicy()
	case timerPersist:
		s.onPersist()
	case timerRetransmit:
		s.onRetransmit()
	case timerFinRetransmit:
		s.event(tcp.Event{Kind: tcp.EventRetransmitFIN})
	case timerTimeWait:
		s.event(tcp.Event{Kind: tcp.EventTimeWaitExpired})
	}
	s.unlock()
}
