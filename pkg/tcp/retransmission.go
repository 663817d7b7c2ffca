package tcp

import (
	"sync"
	"time"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
)

type RetransmissionEntry struct {
	SeqNum   seqnum.Value
	Data     []byte
	Fin      bool
	SendTime time.Time
	Retries  int
}

// end is the ack that covers the entry. A FIN is sent one past the last
// data byte and is covered by an ack of its own sequence number.
func (e *RetransmissionEntry) end() seqnum.Value {
	return e.SeqNum.Add(seqnum.Size(len(e.Data)))
}

// RetransmissionQueue holds transmitted segments until the peer
// acknowledges them, and keeps the RTO estimate.
type RetransmissionQueue struct {
	mu      sync.Mutex
	entries []*RetransmissionEntry

	srtt   time.Duration
	alpha  float64 // smoothing factor, RFC 793 suggests 0.8-0.9
	beta   float64 // RTO multiplier
	rtoMin time.Duration
	rtoMax time.Duration
	rto    time.Duration
}

func NewRetransmissionQueue(rtoMin, rtoMax time.Duration) *RetransmissionQueue {
	rq := &RetransmissionQueue{
		srtt:   time.Second,
		alpha:  0.875,
		beta:   2.0,
		rtoMin: rtoMin,
		rtoMax: rtoMax,
	}
	rq.rto = rq.clamp(time.Second)
	return rq
}

func (rq *RetransmissionQueue) clamp(d time.Duration) time.Duration {
	if d < rq.rtoMin {
		return rq.rtoMin
	}
	if d > rq.rtoMax {
		return rq.rtoMax
	}
	return d
}

// updateRTT folds in a new sample:
// SRTT = α*SRTT + (1-α)*RTT, RTO = clamp(β*SRTT).
func (rq *RetransmissionQueue) updateRTT(measured time.Duration) {
	rq.srtt = time.Duration(float64(rq.srtt)*rq.alpha + float64(measured)*(1-rq.alpha))
	rq.rto = rq.clamp(time.Duration(float64(rq.srtt) * rq.beta))
}

func (rq *RetransmissionQueue) RTO() time.Duration {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	return rq.rto
}

func (rq *RetransmissionQueue) Len() int {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	return len(rq.entries)
}

func (rq *RetransmissionQueue) AddEntry(seq seqnum.Value, data []byte, fin bool) {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	rq.entries = append(rq.entries, &RetransmissionEntry{
		SeqNum:   seq,
		Data:     append([]byte(nil), data...),
		Fin:      fin,
		SendTime: time.Now(),
	})
}

// RemoveAcked drops every entry the cumulative ack covers. Entries that were
// never retransmitted give an RTT sample (Karn's rule).
func (rq *RetransmissionQueue) RemoveAcked(ack seqnum.Value) {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	now := time.Now()
	kept := rq.entries[:0]
	for _, e := range rq.entries {
		if ack.LessThan(e.end()) {
			kept = append(kept, e)
			continue
		}
		if e.Retries == 0 {
			rq.updateRTT(now.Sub(e.SendTime))
		}
	}
	rq.entries = kept
}

// Due returns copies of the entries whose RTO has elapsed and marks them
// retransmitted, doubling the RTO. It fails with ErrTimeout once an entry
// has used up maxRetries.
func (rq *RetransmissionQueue) Due(now time.Time, maxRetries int) ([]RetransmissionEntry, error) {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	var due []RetransmissionEntry
	for _, e := range rq.entries {
		if now.Sub(e.SendTime) < rq.rto {
			continue
		}
		if e.Retries >= maxRetries {
			return nil, errors.Wrapf(ErrTimeout, "segment %d unacknowledged after %d retransmissions", e.SeqNum, maxRetries)
		}
		e.Retries++
		e.SendTime = now
		due = append(due, *e)
	}
	if len(due) > 0 {
		rq.rto = rq.clamp(rq.rto * 2)
	}
	return due, nil
}
