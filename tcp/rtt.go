package tcp

import "time"

// RTT is a Jacobson round trip time estimator that follows Karn's rule:
// at most one sequence number is timed at once and a timed range that gets
// retransmitted is never sampled.
type RTT struct {
	srtt   time.Duration
	rttvar time.Duration
	rto    time.Duration
	minRTO time.Duration
	maxRTO time.Duration

	tracking bool
	seq      Value
	sent     time.Time
}

// Reset sets the estimator to its initial state. initial is used both as the
// starting smoothed RTT and retransmit timeout; computed timeouts are clamped
// to [minRTO, maxRTO].
func (r *RTT) Reset(initial, minRTO, maxRTO time.Duration) {
	*r = RTT{
		srtt:   initial,
		rto:    initial,
		minRTO: minRTO,
		maxRTO: maxRTO,
	}
}

// Track starts timing seq if no other sample is outstanding.
func (r *RTT) Track(seq Value, now time.Time) {
	if r.tracking {
		return
	}
	r.tracking = true
	r.seq = seq
	r.sent = now
}

// Sample updates the estimate if ack covers the timed sequence number.
// It reports whether a sample was taken.
func (r *RTT) Sample(ack Value, now time.Time) bool {
	if !r.tracking || !LessThan(r.seq, ack) {
		return false
	}
	r.tracking = false
	m := now.Sub(r.sent)
	err := m - r.srtt
	r.srtt += err / 8
	if err < 0 {
		err = -err
	}
	r.rttvar += (err - r.rttvar) / 4
	r.rto = r.clamp(r.srtt + 4*r.rttvar)
	return true
}

// Invalidate discards the outstanding sample if it lies within the
// retransmitted range [seq, seq+size].
func (r *RTT) Invalidate(seq Value, size Size) {
	if r.tracking && LessThanEq(seq, r.seq) && LessThanEq(r.seq, Add(seq, size)) {
		r.tracking = false
	}
}

// RTO returns the current retransmission timeout.
func (r *RTT) RTO() time.Duration { return r.rto }

// SRTT returns the smoothed round trip time and its mean deviation.
func (r *RTT) SRTT() (srtt, rttvar time.Duration) { return r.srtt, r.rttvar }

// Backoff doubles the retransmission timeout up to the maximum and returns it.
func (r *RTT) Backoff() time.Duration {
	r.rto = r.clamp(2 * r.rto)
	return r.rto
}

func (r *RTT) clamp(rto time.Duration) time.Duration {
	if r.maxRTO > 0 && rto > r.maxRTO {
		return r.maxRTO
	} else if rto < r.minRTO {
		return r.minRTO
	}
	return rto
}
