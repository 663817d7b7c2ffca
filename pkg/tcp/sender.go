package tcp

import (
	"fmt"
	"math"
	"sync"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
	"github.com/smallnest/ringbuffer"

	"usertcp/pkg/watch"
)

type SenderState int

const (
	SenderOpen SenderState = iota
	SenderClosed
	SenderSentFin
	SenderFinAckd
)

func (s SenderState) String() string {
	switch s {
	case SenderOpen:
		return "Open"
	case SenderClosed:
		return "Closed"
	case SenderSentFin:
		return "SentFin"
	case SenderFinAckd:
		return "FinAckd"
	default:
		return fmt.Sprintf("SenderState(%d)", int(s))
	}
}

// Sender is the transmit half of a connection.
//
// Sequence space, oldest first:
//
//	base ........ sent ........ unsent
//	 acked by peer | in flight  | queued, not yet transmitted
//
// sent never passes unsent and base never passes sent.
type Sender struct {
	state       *watch.Value[SenderState]
	baseSeqNo   *watch.Value[seqnum.Value]
	sentSeqNo   *watch.Value[seqnum.Value]
	unsentSeqNo *watch.Value[seqnum.Value]
	windowSize  *watch.Value[uint32]

	// windowScale is a shift count: the peer's window is multiplied by
	// 1<<windowScale, so a missing option means a factor of 1.
	windowScale uint8
	mss         uint16

	mu       sync.Mutex
	finSeqNo seqnum.Value
	queue    *ringbuffer.RingBuffer
}

func NewSender(seq seqnum.Value, windowSize uint32, windowScale uint8, mss uint16) *Sender {
	return &Sender{
		state:       watch.New(SenderOpen),
		baseSeqNo:   watch.New(seq),
		sentSeqNo:   watch.New(seq),
		unsentSeqNo: watch.New(seq),
		windowSize:  watch.New(windowSize),
		windowScale: windowScale,
		mss:         mss,
		queue:       ringbuffer.New(sendQueueSize),
	}
}

func (s *Sender) State() watch.Reader[SenderState] { return s.state }
func (s *Sender) BaseSeqNo() watch.Reader[seqnum.Value] { return s.baseSeqNo }
func (s *Sender) SentSeqNo() watch.Reader[seqnum.Value] { return s.sentSeqNo }
func (s *Sender) UnsentSeqNo() watch.Reader[seqnum.Value] { return s.unsentSeqNo }
func (s *Sender) WindowSize() watch.Reader[uint32] { return s.windowSize }
func (s *Sender) WindowScale() uint8 { return s.windowScale }
func (s *Sender) MSS() uint16 { return s.mss }

func (s *Sender) transition(from, to SenderState) error {
	if !s.state.CompareAndSet(from, to) {
		return errors.Wrapf(ErrInvalidTransition, "sender %s -> %s in state %s", from, to, s.state.Get())
	}
	return nil
}

// Push queues application data and returns how much fit.
func (s *Sender) Push(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Get() != SenderOpen {
		return 0, ErrNotOpen
	}
	n := min(len(p), s.queue.Free())
	if n == 0 {
		return 0, nil
	}
	n, err := s.queue.Write(p[:n])
	if err != nil {
		return 0, errors.Wrap(err, "send queue")
	}
	s.unsentSeqNo.Modify(func(v seqnum.Value) seqnum.Value { return v.Add(seqnum.Size(n)) })
	return n, nil
}

// Close half-closes the connection. Data already pushed is still sent,
// followed by a FIN.
func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transition(SenderOpen, SenderClosed)
}

// take removes up to n queued bytes. It returns the sequence number of the
// first byte; the caller reports transmission with markSent.
func (s *Sender) take(n int) (seqnum.Value, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sent := s.sentSeqNo.Get()
	n = min(n, int(sent.Size(s.unsentSeqNo.Get())))
	if n <= 0 {
		return sent, nil, nil
	}
	buf := make([]byte, n)
	n, err := s.queue.Read(buf)
	if err != nil {
		return sent, nil, errors.Wrap(err, "send queue")
	}
	return sent, buf[:n], nil
}

// peek copies up to n queued bytes starting at sent without taking them.
func (s *Sender) peek(n int) (seqnum.Value, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sent := s.sentSeqNo.Get()
	n = min(n, int(sent.Size(s.unsentSeqNo.Get())))
	if n <= 0 {
		return sent, nil, nil
	}
	buf := make([]byte, n)
	n, err := s.queue.Peek(buf)
	if err != nil {
		return sent, nil, errors.Wrap(err, "send queue")
	}
	return sent, buf[:n], nil
}

func (s *Sender) markSent(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	unsent := s.unsentSeqNo.Get()
	next := s.sentSeqNo.Get().Add(seqnum.Size(n))
	if unsent.LessThan(next) {
		return errors.Errorf("sent %d beyond unsent %d", next, unsent)
	}
	s.sentSeqNo.Set(next)
	return nil
}

// MarkFinSent records that a FIN went out at seq.
func (s *Sender) MarkFinSent(seq seqnum.Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transition(SenderClosed, SenderSentFin); err != nil {
		return err
	}
	s.finSeqNo = seq
	return nil
}

// Acknowledge applies a cumulative acknowledgment from the peer. The FIN goes
// out one past the last data byte, so an ack reaching its sequence number
// acknowledges it. An ack past sent but within unsent covers bytes the peer
// kept while its window was closed; they count as sent.
func (s *Sender) Acknowledge(ack seqnum.Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	base, sent, unsent := s.baseSeqNo.Get(), s.sentSeqNo.Get(), s.unsentSeqNo.Get()
	if sent.LessThan(ack) && ack.LessThanEq(unsent) {
		kept := make([]byte, sent.Size(ack))
		if _, err := s.queue.Read(kept); err != nil {
			return errors.Wrap(err, "send queue")
		}
		s.sentSeqNo.Set(ack)
		sent = ack
	}
	if base.LessThan(ack) && ack.LessThanEq(sent) {
		s.baseSeqNo.Set(ack)
	}
	if s.state.Get() == SenderSentFin && s.finSeqNo.LessThanEq(ack) {
		s.baseSeqNo.Set(sent)
		return s.transition(SenderSentFin, SenderFinAckd)
	}
	return nil
}

// UpdateWindow applies a window advertised by the peer.
func (s *Sender) UpdateWindow(w uint16) {
	scaled, err := scaleWindow(w, s.windowScale)
	if err != nil {
		scaled = math.MaxUint32
	}
	s.windowSize.Set(scaled)
}

// scaleWindow shifts an advertised window by the peer's scale option.
func scaleWindow(w uint16, scale uint8) (uint32, error) {
	if scale > 32 {
		return 0, errors.Wrapf(ErrWindowOverflow, "scale %d", scale)
	}
	v := uint64(w) << scale
	if v > math.MaxUint32 {
		return 0, errors.Wrapf(ErrWindowOverflow, "%d << %d", w, scale)
	}
	return uint32(v), nil
}
