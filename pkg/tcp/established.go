package tcp

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"usertcp/pkg/ipv4"
	"usertcp/pkg/segment"
	"usertcp/pkg/seqnum"
	"usertcp/pkg/watch"
)

// EstablishedSocket is a synchronized connection. Its background tasks
// move data in both directions and tear the connection down; the first task
// to fail ends the connection and its error becomes Err.
type EstablishedSocket struct {
	cb *ControlBlock

	// reset is set by ReceiveSegment when the peer sends RST.
	reset *watch.Value[bool]

	cancel context.CancelCauseFunc

	done chan struct{}
	err  error
}

func NewEstablishedSocket(cb *ControlBlock) *EstablishedSocket {
	ctx, cancel := context.WithCancelCause(context.Background())
	s := &EstablishedSocket{
		cb:     cb,
		reset:  watch.New(false),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.run(ctx)
	return s
}

func (s *EstablishedSocket) run(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return Closer(gctx, s.cb) })
	g.Go(func() error { return s.transmitter(gctx) })
	g.Go(func() error { return s.acknowledger(gctx) })
	g.Go(func() error { return s.retransmitter(gctx) })
	g.Go(func() error { return s.persister(gctx) })
	g.Go(func() error { return s.resetWait(gctx) })
	err := g.Wait()
	if cause := context.Cause(ctx); cause != nil && errors.Is(err, context.Canceled) {
		err = cause
	}
	s.cb.log.Info("connection terminated", zap.Error(err))
	s.err = err
	close(s.done)
}

func (s *EstablishedSocket) ControlBlock() *ControlBlock { return s.cb }
func (s *EstablishedSocket) Local() ipv4.Endpoint { return s.cb.local }
func (s *EstablishedSocket) Remote() ipv4.Endpoint { return s.cb.remote }

// Done is closed when the connection has terminated.
func (s *EstablishedSocket) Done() <-chan struct{} { return s.done }

// Err is the reason the connection terminated, nil while it is running.
func (s *EstablishedSocket) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Wait blocks until the connection terminates and returns the reason.
func (s *EstablishedSocket) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Abort stops every task of the connection without telling the peer.
func (s *EstablishedSocket) Abort(err error) {
	s.cancel(err)
}

// Send queues p for transmission, blocking while the send queue is full.
func (s *EstablishedSocket) Send(ctx context.Context, p []byte) (int, error) {
	sender := s.cb.sender
	total := 0
	for total < len(p) {
		if err := s.Err(); err != nil {
			return total, err
		}
		_, sent := sender.SentSeqNo().Watch()
		n, err := sender.Push(p[total:])
		total += n
		if err != nil {
			return total, err
		}
		if total == len(p) {
			break
		}
		select {
		case <-sent:
		case <-s.done:
		case <-ctx.Done():
			return total, ctx.Err()
		}
	}
	return total, nil
}

// Recv reads received data into p, blocking until some is available. It
// returns io.EOF once the peer has closed and everything was read.
func (s *EstablishedSocket) Recv(ctx context.Context, p []byte) (int, error) {
	r := s.cb.receiver
	for {
		_, recvCh := r.RecvSeqNo().Watch()
		st, stCh := r.State().Watch()
		before := r.Window()
		n, err := r.Pop(p)
		if err != nil {
			return n, err
		}
		if n > 0 {
			if before == 0 {
				s.sendAck()
			}
			return n, nil
		}
		if len(p) == 0 {
			return 0, nil
		}
		if st != ReceiverOpen {
			return 0, io.EOF
		}
		select {
		case <-s.done:
			return 0, s.err
		default:
		}
		select {
		case <-recvCh:
		case <-stCh:
		case <-s.done:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// Close half-closes the connection: queued data is still delivered,
// followed by a FIN. Receiving continues until the peer closes.
func (s *EstablishedSocket) Close() error {
	return s.cb.sender.Close()
}

// ReceiveSegment handles a segment from the peer.
func (s *EstablishedSocket) ReceiveSegment(seg *segment.TCPSegment) {
	select {
	case <-s.done:
		return
	default:
	}
	cb := s.cb
	if seg.Rst {
		s.reset.Set(true)
		return
	}
	if seg.Syn {
		// The peer did not see our handshake ACK.
		s.sendAck()
		return
	}
	if seg.Ack {
		cb.retransmits.RemoveAcked(seg.AckNum)
		if err := cb.sender.Acknowledge(seg.AckNum); err != nil {
			cb.log.Warn("acknowledge", zap.Error(err))
		}
		cb.sender.UpdateWindow(seg.WindowSize)
	}
	if len(seg.Payload) == 0 && !seg.Fin {
		return
	}
	accepted, err := cb.receiver.Receive(seg.SeqNum, seg.Payload, seg.Fin)
	if err != nil {
		cb.log.Warn("drop segment", zap.Stringer("segment", seg), zap.Error(err))
		return
	}
	if accepted {
		return
	}
	if cb.receiver.State().Get() == ReceiverAckdFin {
		s.sendAck()
		return
	}
	switch seqnum.Compare(seg.SeqNum, cb.receiver.RecvSeqNo().Get()) {
	case seqnum.Less:
		// Already received.
		s.sendAck()
	case seqnum.Equal:
		// In order but the buffer is full, as when the peer tests a closed
		// window. The ACK carries the current window.
		s.sendAck()
	default:
		cb.log.Debug("drop out of order segment", zap.Stringer("segment", seg))
	}
}

// sendAck emits a bare ACK from the caller's goroutine. It is skipped if the
// peer's link address is not cached.
func (s *EstablishedSocket) sendAck() {
	cb := s.cb
	linkAddr, ok := cb.arp.TryQuery(cb.remote.Addr)
	if !ok {
		return
	}
	seg := cb.Segment()
	seg.Ack = true
	seg.AckNum = cb.ackNum()
	if err := cb.Emit(seg, linkAddr); err != nil {
		cb.log.Warn("send ack", zap.Error(err))
	}
}

// transmitter segments queued data within the peer's MSS and window.
func (s *EstablishedSocket) transmitter(ctx context.Context) error {
	cb := s.cb
	snd := cb.sender
	for {
		unsent, unsentCh := snd.unsentSeqNo.Watch()
		base, baseCh := snd.baseSeqNo.Watch()
		wnd, wndCh := snd.windowSize.Watch()
		sent := snd.sentSeqNo.Get()

		inFlight := uint32(base.Size(sent))
		queued := int(sent.Size(unsent))
		if queued > 0 && inFlight < wnd {
			n := min(queued, int(snd.mss), int(wnd-inFlight))
			if err := s.transmit(ctx, n); err != nil {
				return err
			}
			continue
		}
		select {
		case <-unsentCh:
		case <-baseCh:
		case <-wndCh:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *EstablishedSocket) transmit(ctx context.Context, n int) error {
	cb := s.cb
	linkAddr, err := cb.resolve(ctx)
	if err != nil {
		return err
	}
	seq, data, err := cb.sender.take(n)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	seg := cb.Segment()
	seg.SeqNum = seq
	seg.Ack = true
	seg.AckNum = cb.ackNum()
	seg.Psh = true
	seg.Payload = data
	cb.retransmits.AddEntry(seq, data, false)
	if err := cb.Emit(seg, linkAddr); err != nil {
		return err
	}
	return cb.sender.markSent(len(data))
}

// acknowledger ACKs received data. It is the only writer of ack_seq_no.
func (s *EstablishedSocket) acknowledger(ctx context.Context) error {
	cb := s.cb
	r := cb.receiver
	for {
		recv, recvCh := r.recvSeqNo.Watch()
		if recv != r.ackSeqNo.Get() {
			linkAddr, err := cb.resolve(ctx)
			if err != nil {
				return err
			}
			seg := cb.Segment()
			seg.Ack = true
			seg.AckNum = recv
			if err := cb.Emit(seg, linkAddr); err != nil {
				return err
			}
			if err := r.MarkAcked(recv); err != nil {
				return err
			}
			continue
		}
		if err := watch.Await(ctx, recvCh); err != nil {
			return err
		}
	}
}

// retransmitter resends segments whose RTO has elapsed.
func (s *EstablishedSocket) retransmitter(ctx context.Context) error {
	cb := s.cb
	maxRetries := cb.rt.Options().TCP.MaxRetransmits
	for {
		if err := cb.rt.Wait(ctx, retransmitTick); err != nil {
			return err
		}
		due, err := cb.retransmits.Due(time.Now(), maxRetries)
		if err != nil {
			return err
		}
		if len(due) == 0 {
			continue
		}
		linkAddr, err := cb.resolve(ctx)
		if err != nil {
			return err
		}
		for _, e := range due {
			seg := cb.Segment()
			seg.SeqNum = e.SeqNum
			seg.Ack = true
			seg.AckNum = cb.ackNum()
			seg.Fin = e.Fin
			seg.Payload = e.Data
			if err := cb.Emit(seg, linkAddr); err != nil {
				return err
			}
			cb.log.Debug("retransmit", zap.Stringer("segment", &seg), zap.Int("retries", e.Retries))
		}
	}
}

// persister runs the persist timer: while the peer's window is closed and
// data is waiting it sends one byte past the window, so a lost window update
// cannot stall the connection. The interval starts at the RTO and doubles up
// to RtoMax.
func (s *EstablishedSocket) persister(ctx context.Context) error {
	cb := s.cb
	snd := cb.sender
	rtoMax := cb.rt.Options().TCP.RtoMax
	for {
		wnd, wndCh := snd.windowSize.Watch()
		unsent, unsentCh := snd.unsentSeqNo.Watch()
		base, baseCh := snd.baseSeqNo.Watch()
		sent := snd.sentSeqNo.Get()
		if wnd != 0 || sent == unsent || base != sent {
			select {
			case <-wndCh:
			case <-unsentCh:
			case <-baseCh:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		interval := cb.retransmits.RTO()
		for snd.windowSize.Get() == 0 {
			if err := cb.rt.Wait(ctx, interval); err != nil {
				return err
			}
			if snd.windowSize.Get() != 0 {
				break
			}
			if err := s.sendWindowTest(ctx); err != nil {
				return err
			}
			interval = min(2*interval, rtoMax)
		}
	}
}

// sendWindowTest sends the next queued byte past the closed window without
// taking it from the queue. If the peer keeps it, its ACK moves sent past the
// byte.
func (s *EstablishedSocket) sendWindowTest(ctx context.Context) error {
	cb := s.cb
	seq, data, err := cb.sender.peek(1)
	if err != nil || len(data) == 0 {
		return err
	}
	linkAddr, err := cb.resolve(ctx)
	if err != nil {
		return err
	}
	seg := cb.Segment()
	seg.SeqNum = seq
	seg.Ack = true
	seg.AckNum = cb.ackNum()
	seg.Payload = data
	cb.log.Debug("zero window test", zap.Uint32("seq", uint32(seq)))
	return cb.Emit(seg, linkAddr)
}

func (s *EstablishedSocket) resetWait(ctx context.Context) error {
	if _, err := watch.Until[bool](ctx, s.reset, func(r bool) bool { return r }); err != nil {
		return err
	}
	return errors.Wrapf(ErrConnectionReset, "%s", s.cb.remote)
}
