package tcp

import (
	"fmt"
	"sync"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
	"github.com/smallnest/ringbuffer"

	"usertcp/pkg/watch"
)

type ReceiverState int

const (
	ReceiverOpen ReceiverState = iota
	ReceiverReceivedFin
	ReceiverAckdFin
)

func (s ReceiverState) String() string {
	switch s {
	case ReceiverOpen:
		return "Open"
	case ReceiverReceivedFin:
		return "ReceivedFin"
	case ReceiverAckdFin:
		return "AckdFin"
	default:
		return fmt.Sprintf("ReceiverState(%d)", int(s))
	}
}

// Receiver is the receive half of a connection. recvSeqNo is the next
// sequence number expected from the peer, ackSeqNo the point up to which we
// have sent an ACK; ackSeqNo never passes recvSeqNo.
type Receiver struct {
	state     *watch.Value[ReceiverState]
	recvSeqNo *watch.Value[seqnum.Value]
	ackSeqNo  *watch.Value[seqnum.Value]

	windowSize uint32

	mu    sync.Mutex
	queue *ringbuffer.RingBuffer
}

func NewReceiver(seq seqnum.Value, windowSize uint32) *Receiver {
	return &Receiver{
		state:      watch.New(ReceiverOpen),
		recvSeqNo:  watch.New(seq),
		ackSeqNo:   watch.New(seq),
		windowSize: windowSize,
		queue:      ringbuffer.New(int(windowSize)),
	}
}

func (r *Receiver) State() watch.Reader[ReceiverState] { return r.state }

func (r *Receiver) RecvSeqNo() watch.Reader[seqnum.Value] { return r.recvSeqNo }

func (r *Receiver) AckSeqNo() watch.Reader[seqnum.Value] { return r.ackSeqNo }

func (r *Receiver) WindowSize() uint32 { return r.windowSize }

// Window is the receive window to advertise right now.
func (r *Receiver) Window() uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return advertisedWindow(r.queue.Free())
}

// Receive accepts an in-order segment. Data that does not start at
// recvSeqNo is dropped, and data that does not fit the buffer is cut off; a
// FIN only counts once everything before it has been accepted. A bare FIN
// one past recvSeqNo is accepted as well, since that is where our own
// senders place it. It reports whether anything advanced; on a buffer error
// the segment is dropped whole.
func (r *Receiver) Receive(seq seqnum.Value, payload []byte, fin bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Get() != ReceiverOpen {
		return false, nil
	}
	recv := r.recvSeqNo.Get()
	if fin && len(payload) == 0 && seq == recv.Add(1) {
		r.state.Set(ReceiverReceivedFin)
		return true, nil
	}
	if seq != recv {
		return false, nil
	}
	n := min(len(payload), r.queue.Free())
	if n > 0 {
		written, err := r.queue.Write(payload[:n])
		if err != nil {
			return false, errors.Wrapf(err, "receive queue at %d", uint32(seq))
		}
		n = written
		r.recvSeqNo.Set(recv.Add(seqnum.Size(n)))
	}
	if fin && n == len(payload) {
		r.state.Set(ReceiverReceivedFin)
		return true, nil
	}
	return n > 0, nil
}

// Pop hands buffered data to the application.
func (r *Receiver) Pop(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(p) == 0 || r.queue.IsEmpty() {
		return 0, nil
	}
	n, err := r.queue.Read(p)
	if err != nil {
		return n, errors.Wrap(err, "receive queue")
	}
	return n, nil
}

// Buffered is the number of bytes waiting for the application.
func (r *Receiver) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queue.Length()
}

// MarkAcked records that an ACK up to seq was sent.
func (r *Receiver) MarkAcked(seq seqnum.Value) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if recv := r.recvSeqNo.Get(); recv.LessThan(seq) {
		return errors.Errorf("ack %d beyond received %d", seq, recv)
	}
	r.ackSeqNo.Set(seq)
	return nil
}

// AckFin records that the peer's FIN was acknowledged.
func (r *Receiver) AckFin() error {
	if !r.state.CompareAndSet(ReceiverReceivedFin, ReceiverAckdFin) {
		return errors.Wrapf(ErrInvalidTransition, "receiver AckdFin in state %s", r.state.Get())
	}
	return nil
}
