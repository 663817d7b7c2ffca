package tcp

import (
	"context"
	"net/netip"

	"github.com/google/netstack/tcpip"
	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"usertcp/pkg/ipv4"
	"usertcp/pkg/runtime"
	"usertcp/pkg/segment"
)

// LinkResolver maps IPv4 addresses to link addresses.
type LinkResolver interface {
	Query(ctx context.Context, addr netip.Addr) (tcpip.LinkAddress, error)
	TryQuery(addr netip.Addr) (tcpip.LinkAddress, bool)
}

// ControlBlock is the state of one established connection, shared by its
// background tasks and the application-facing socket. Sender and Receiver
// fields are only changed through their own methods.
type ControlBlock struct {
	local  ipv4.Endpoint
	remote ipv4.Endpoint

	rt  *runtime.Runtime
	arp LinkResolver
	log *zap.Logger

	sender      *Sender
	receiver    *Receiver
	retransmits *RetransmissionQueue
}

func NewControlBlock(local, remote ipv4.Endpoint, rt *runtime.Runtime, arp LinkResolver, sender *Sender, receiver *Receiver) *ControlBlock {
	opts := rt.Options().TCP
	return &ControlBlock{
		local:       local,
		remote:      remote,
		rt:          rt,
		arp:         arp,
		log:         rt.Logger().Named("tcp").With(zap.Stringer("local", local), zap.Stringer("remote", remote)),
		sender:      sender,
		receiver:    receiver,
		retransmits: NewRetransmissionQueue(opts.RtoMin, opts.RtoMax),
	}
}

func (cb *ControlBlock) Local() ipv4.Endpoint { return cb.local }
func (cb *ControlBlock) Remote() ipv4.Endpoint { return cb.remote }
func (cb *ControlBlock) Sender() *Sender { return cb.sender }
func (cb *ControlBlock) Receiver() *Receiver { return cb.receiver }

// Segment returns a segment addressed from local to remote, carrying the
// current send sequence number and receive window.
func (cb *ControlBlock) Segment() segment.TCPSegment {
	seg := segment.New()
	seg.SrcIPv4Addr, seg.SrcPort = cb.local.Addr, cb.local.Port
	seg.DstIPv4Addr, seg.DstPort = cb.remote.Addr, cb.remote.Port
	seg.SeqNum = cb.sender.sentSeqNo.Get()
	seg.WindowSize = cb.receiver.Window()
	return seg
}

// ackNum is the acknowledgment number to put on outgoing segments. Once
// the peer's FIN has been acknowledged it covers the FIN as well.
func (cb *ControlBlock) ackNum() seqnum.Value {
	ack := cb.receiver.ackSeqNo.Get()
	if cb.receiver.state.Get() == ReceiverAckdFin {
		ack = ack.Add(1)
	}
	return ack
}

// Emit transmits seg to linkAddr. Delivery is not confirmed.
func (cb *ControlBlock) Emit(seg segment.TCPSegment, linkAddr tcpip.LinkAddress) error {
	return emit(cb.rt, cb.log, seg, linkAddr)
}

// resolve looks up the peer's link address.
func (cb *ControlBlock) resolve(ctx context.Context) (tcpip.LinkAddress, error) {
	linkAddr, err := cb.arp.Query(ctx, cb.remote.Addr)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", errors.Wrapf(ErrResolutionFailed, "%s: %v", cb.remote.Addr, err)
	}
	return linkAddr, nil
}

// emit stamps our own addresses on seg, encodes and transmits it.
func emit(rt *runtime.Runtime, log *zap.Logger, seg segment.TCPSegment, linkAddr tcpip.LinkAddress) error {
	opts := rt.Options()
	seg.SrcIPv4Addr = opts.MyIPv4Addr
	seg.SrcLinkAddr = opts.MyLinkAddr
	seg.DstLinkAddr = linkAddr
	frame, err := seg.Encode()
	if err != nil {
		return errors.Wrapf(err, "encode %s", &seg)
	}
	log.Debug("transmit", zap.Stringer("segment", &seg))
	rt.Transmit(frame)
	return nil
}
