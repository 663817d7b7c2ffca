package tcp

import (
	"context"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"usertcp/pkg/watch"
)

// Closer drives connection teardown. It runs until one of its tasks fails:
// normally that is closeWait reporting ErrConnectionAborted once both
// directions are closed. It returns only after every task has stopped, so
// nothing is emitted once the outcome is known.
func Closer(ctx context.Context, cb *ControlBlock) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rxAckSender(ctx, cb) })
	g.Go(func() error { return txFinSender(ctx, cb) })
	g.Go(func() error { return closeWait(ctx, cb) })
	return g.Wait()
}

// rxAckSender acknowledges the peer's FIN once everything before it has
// been acknowledged.
func rxAckSender(ctx context.Context, cb *ControlBlock) error {
	r := cb.receiver
	if _, err := watch.Until(ctx, r.State(), func(st ReceiverState) bool {
		return st != ReceiverOpen
	}); err != nil {
		return err
	}
	if r.State().Get() == ReceiverReceivedFin {
		recv := r.RecvSeqNo().Get()
		if _, err := watch.Until(ctx, r.AckSeqNo(), func(ack seqnum.Value) bool {
			return ack == recv
		}); err != nil {
			return err
		}
		linkAddr, err := cb.resolve(ctx)
		if err != nil {
			return err
		}
		seg := cb.Segment()
		seg.Ack = true
		seg.AckNum = recv.Add(1)
		if err := cb.Emit(seg, linkAddr); err != nil {
			return err
		}
		if err := r.AckFin(); err != nil {
			return err
		}
		cb.log.Debug("peer fin acknowledged", zap.Uint32("ack", uint32(seg.AckNum)))
	}
	<-ctx.Done()
	return ctx.Err()
}

// txFinSender sends our FIN once the application has closed and all queued
// data has been transmitted.
func txFinSender(ctx context.Context, cb *ControlBlock) error {
	s := cb.sender
	if _, err := watch.Until(ctx, s.State(), func(st SenderState) bool {
		return st != SenderOpen
	}); err != nil {
		return err
	}
	if s.State().Get() == SenderClosed {
		unsent := s.UnsentSeqNo().Get()
		if _, err := watch.Until(ctx, s.SentSeqNo(), func(sent seqnum.Value) bool {
			return sent == unsent
		}); err != nil {
			return err
		}
		linkAddr, err := cb.resolve(ctx)
		if err != nil {
			return err
		}
		seg := cb.Segment()
		seg.SeqNum = unsent.Add(1)
		seg.Fin = true
		seg.Ack = true
		seg.AckNum = cb.ackNum()
		cb.retransmits.AddEntry(seg.SeqNum, nil, true)
		if err := s.MarkFinSent(seg.SeqNum); err != nil {
			return err
		}
		if err := cb.Emit(seg, linkAddr); err != nil {
			return err
		}
		cb.log.Debug("fin sent", zap.Uint32("seq", uint32(seg.SeqNum)))
	}
	<-ctx.Done()
	return ctx.Err()
}

// closeWait fails with ErrConnectionAborted once our FIN is acknowledged
// and the peer's FIN has been acknowledged, in either order.
func closeWait(ctx context.Context, cb *ControlBlock) error {
	for {
		sst, sch := cb.sender.State().Watch()
		rst, rch := cb.receiver.State().Watch()
		if sst == SenderFinAckd && rst == ReceiverAckdFin {
			cb.log.Info("connection closed")
			return errors.Wrapf(ErrConnectionAborted, "%s closed by both ends", cb.remote)
		}
		select {
		case <-sch:
		case <-rch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
