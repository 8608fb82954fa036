package tcp

// initialSSThresh is the slow start threshold before any loss is observed.
const initialSSThresh Size = 0x10000

// maxCWND clamps congestion window growth to the largest unscaled window.
const maxCWND Size = 0xffff

// Congestion holds the congestion window, slow start threshold and
// duplicate ACK counter of a connection.
type Congestion struct {
	mss      Size
	cwnd     Size
	ssthresh Size
	dupacks  int
}

// Init starts slow start with a congestion window of one segment.
func (c *Congestion) Init(mss Size) {
	*c = Congestion{mss: mss, cwnd: mss, ssthresh: initialSSThresh}
}

// CWND returns the congestion window in bytes.
func (c *Congestion) CWND() Size { return c.cwnd }

// SSThresh returns the slow start threshold in bytes.
func (c *Congestion) SSThresh() Size { return c.ssthresh }

// DupAcks returns the count of consecutive duplicate ACKs seen.
func (c *Congestion) DupAcks() int { return c.dupacks }

// OnDupAck counts a duplicate ACK. On the third consecutive one the counter
// is reset, fast retransmit is applied and true is returned so the caller
// resends the oldest unacknowledged segment.
func (c *Congestion) OnDupAck() bool {
	c.dupacks++
	if c.dupacks < 3 {
		return false
	}
	c.dupacks = 0
	c.OnFastRetransmit()
	return true
}

// OnFastRetransmit halves the congestion window into the slow start threshold.
func (c *Congestion) OnFastRetransmit() {
	c.ssthresh = c.halfWindow()
}

// OnAdvance grows the congestion window after new data is acknowledged:
// one segment per ACK in slow start, mss*mss/cwnd in congestion avoidance.
func (c *Congestion) OnAdvance() {
	c.dupacks = 0
	if c.cwnd <= c.ssthresh {
		c.cwnd += c.mss
	} else {
		c.cwnd += max(1, c.mss*c.mss/c.cwnd)
	}
	c.cwnd = min(c.cwnd, maxCWND)
}

// ResetDupAcks breaks a duplicate ACK run.
func (c *Congestion) ResetDupAcks() { c.dupacks = 0 }

// OnTimeout restarts slow start after a retransmission timeout.
func (c *Congestion) OnTimeout() {
	c.ssthresh = c.halfWindow()
	c.cwnd = c.mss
	c.dupacks = 0
}

// CanSend returns how many more bytes the congestion window admits with
// unacked bytes already in flight.
func (c *Congestion) CanSend(unacked Size) Size {
	if unacked >= c.cwnd {
		return 0
	}
	return c.cwnd - unacked
}

func (c *Congestion) halfWindow() Size {
	return max(2*c.mss, c.cwnd/2)
}
