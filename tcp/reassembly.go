package tcp

import "github.com/google/btree"

type oooSegment struct {
	seq  Value
	data []byte
}

func (s oooSegment) end() Value { return Add(s.seq, Size(len(s.data))) }

// Reassembly holds out-of-order payload keyed by starting sequence number.
// The zero value is not ready for use; call [Reassembly.Reset] first.
type Reassembly struct {
	q *btree.BTreeG[oooSegment]
	// base anchors sequence comparisons across wraparound. It only moves
	// while the queue is empty so queued entries never reorder.
	base Value
}

// Reset empties the queue. base should be the current left edge of the
// receive window.
func (r *Reassembly) Reset(base Value) {
	r.base = base
	if r.q == nil {
		r.q = btree.NewG(8, func(a, b oooSegment) bool {
			return Sizeof(r.base, a.seq) < Sizeof(r.base, b.seq)
		})
	} else {
		r.q.Clear(false)
	}
}

// Len returns the number of queued out-of-order segments.
func (r *Reassembly) Len() int {
	if r.q == nil {
		return 0
	}
	return r.q.Len()
}

// Deliver accepts payload starting at seq with low being the next expected
// sequence number. In-order bytes are passed to emit, which returns how many
// it accepted; queued segments made contiguous are then drained the same way.
// Out-of-order payload is copied into the queue. newLow is the advanced left
// edge and inOrder reports whether the payload started at or before low.
func (r *Reassembly) Deliver(low, seq Value, payload []byte, emit func([]byte) int) (newLow Value, inOrder bool) {
	if r.q == nil {
		r.Reset(low)
	} else if r.q.Len() == 0 {
		r.base = low
	}
	if len(payload) == 0 {
		return low, LessThanEq(seq, low)
	}
	seg := oooSegment{seq: seq, data: payload}
	if LessThan(low, seq) {
		// Keep the longer of two segments starting at the same sequence.
		if old, ok := r.q.Get(seg); ok && len(old.data) >= len(payload) {
			return low, false
		}
		seg.data = append([]byte(nil), payload...)
		r.q.ReplaceOrInsert(seg)
		return low, false
	}
	var full bool
	low, full = r.emitFrom(low, seg, emit)
	for !full {
		first, ok := r.q.Min()
		if !ok || LessThan(low, first.seq) {
			break
		}
		r.q.DeleteMin()
		low, full = r.emitFrom(low, first, emit)
	}
	// Entries wholly below the new left edge are stale.
	for {
		first, ok := r.q.Min()
		if !ok || LessThan(low, first.end()) {
			break
		}
		r.q.DeleteMin()
	}
	return low, true
}

// emitFrom passes the part of seg at or above low to emit. full is true when
// emit did not take everything offered.
func (r *Reassembly) emitFrom(low Value, seg oooSegment, emit func([]byte) int) (newLow Value, full bool) {
	if LessThanEq(seg.end(), low) {
		return low, false
	}
	rest := seg.data[Sizeof(seg.seq, low):]
	n := emit(rest)
	return Add(low, Size(n)), n < len(rest)
}
