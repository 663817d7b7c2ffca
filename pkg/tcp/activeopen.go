package tcp

import (
	"context"
	"sync"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"usertcp/pkg/ipv4"
	"usertcp/pkg/runtime"
	"usertcp/pkg/segment"
)

// ActiveOpenSocket is a connection in SYN-SENT. The handshake runs in the
// background from construction; segments from the peer are fed in through
// ReceiveSegment. Whichever path settles the outcome first wins.
type ActiveOpenSocket struct {
	rt  *runtime.Runtime
	arp LinkResolver
	log *zap.Logger

	isn    seqnum.Value
	local  ipv4.Endpoint
	remote ipv4.Endpoint

	cancel context.CancelFunc
	// exited is closed when the retry loop has returned.
	exited chan struct{}

	once sync.Once
	done chan struct{}
	conn *EstablishedSocket
	err  error
}

func NewActiveOpenSocket(rt *runtime.Runtime, arp LinkResolver, isn seqnum.Value, local, remote ipv4.Endpoint) *ActiveOpenSocket {
	ctx, cancel := context.WithCancel(context.Background())
	s := &ActiveOpenSocket{
		rt:     rt,
		arp:    arp,
		log:    rt.Logger().Named("tcp").With(zap.Stringer("local", local), zap.Stringer("remote", remote)),
		isn:    isn,
		local:  local,
		remote: remote,
		cancel: cancel,
		exited: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.run(ctx)
	return s
}

func (s *ActiveOpenSocket) Local() ipv4.Endpoint { return s.local }
func (s *ActiveOpenSocket) Remote() ipv4.Endpoint { return s.remote }

// Done is closed once the handshake outcome is known.
func (s *ActiveOpenSocket) Done() <-chan struct{} { return s.done }

// Result returns the outcome. It is only meaningful after Done is closed.
func (s *ActiveOpenSocket) Result() (*EstablishedSocket, error) {
	select {
	case <-s.done:
		return s.conn, s.err
	default:
		return nil, errors.New("handshake in progress")
	}
}

// Wait blocks until the handshake completes.
func (s *ActiveOpenSocket) Wait(ctx context.Context) (*EstablishedSocket, error) {
	select {
	case <-s.done:
		return s.conn, s.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Abort fails the handshake with err unless it has already completed.
func (s *ActiveOpenSocket) Abort(err error) {
	s.settle(nil, err)
}

// settle records the outcome if none has been recorded yet, and stops the
// retry loop. It reports whether this call won.
func (s *ActiveOpenSocket) settle(conn *EstablishedSocket, err error) bool {
	won := false
	s.once.Do(func() {
		if err != nil {
			s.log.Info("handshake failed", zap.Error(err))
		}
		s.conn, s.err = conn, err
		won = true
		close(s.done)
		s.cancel()
	})
	return won
}

func (s *ActiveOpenSocket) run(ctx context.Context) {
	defer close(s.exited)
	err := s.handshake(ctx)
	if ctx.Err() != nil {
		return
	}
	s.settle(nil, err)
}

func (s *ActiveOpenSocket) handshake(ctx context.Context) error {
	opts := s.rt.Options().TCP
	for attempt := 1; attempt <= opts.HandshakeRetries; attempt++ {
		linkAddr, err := s.arp.Query(ctx, s.remote.Addr)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Warn("resolve peer", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		syn := segment.New()
		syn.SrcIPv4Addr, syn.SrcPort = s.local.Addr, s.local.Port
		syn.DstIPv4Addr, syn.DstPort = s.remote.Addr, s.remote.Port
		syn.SeqNum = s.isn
		syn.Syn = true
		syn.WindowSize = initialWindow(s.rt.Options())
		syn.MSS = opts.AdvertisedMSS
		if err := emit(s.rt, s.log, syn, linkAddr); err != nil {
			return err
		}
		if err := s.rt.Wait(ctx, opts.HandshakeTimeout); err != nil {
			return err
		}
	}
	return errors.Wrapf(ErrTimeout, "no SYN-ACK from %s after %d attempts", s.remote, opts.HandshakeRetries)
}

// ReceiveSegment handles a segment from the peer. A RST refuses the
// connection, a SYN-ACK for our ISN completes it, anything else is dropped.
func (s *ActiveOpenSocket) ReceiveSegment(seg *segment.TCPSegment) {
	select {
	case <-s.done:
		return
	default:
	}

	switch {
	case seg.Rst:
		s.settle(nil, errors.Wrapf(ErrConnectionRefused, "%s", s.remote))
	case seg.Syn && seg.Ack && seg.AckNum == s.isn.Add(1):
		conn, err := s.establish(seg)
		if !s.settle(conn, err) && conn != nil {
			conn.Abort(errors.New("handshake already settled"))
		}
	default:
		s.log.Debug("drop segment", zap.Stringer("segment", seg))
	}
}

func (s *ActiveOpenSocket) establish(seg *segment.TCPSegment) (*EstablishedSocket, error) {
	opts := s.rt.Options()

	var scale uint8
	if seg.WindowScale >= 0 {
		scale = uint8(seg.WindowScale)
	}
	window, err := scaleWindow(seg.WindowSize, scale)
	if err != nil {
		return nil, err
	}
	mss := seg.MSS
	if mss == 0 {
		mss = FallbackMSS
	}

	linkAddr, ok := s.arp.TryQuery(s.remote.Addr)
	if !ok {
		return nil, errors.Wrapf(ErrResolutionFailed, "%s not cached", s.remote.Addr)
	}

	ack := segment.New()
	ack.SrcIPv4Addr, ack.SrcPort = s.local.Addr, s.local.Port
	ack.DstIPv4Addr, ack.DstPort = s.remote.Addr, s.remote.Port
	ack.SeqNum = s.isn.Add(1)
	ack.AckNum = seg.SeqNum.Add(1)
	ack.Ack = true
	ack.WindowSize = initialWindow(opts)
	if err := emit(s.rt, s.log, ack, linkAddr); err != nil {
		return nil, err
	}

	sender := NewSender(s.isn.Add(1), window, scale, mss)
	receiver := NewReceiver(seg.SeqNum.Add(1), opts.TCP.ReceiveWindowSize)
	cb := NewControlBlock(s.local, s.remote, s.rt, s.arp, sender, receiver)
	s.log.Info("established", zap.Uint32("window", window), zap.Uint16("mss", mss))
	return NewEstablishedSocket(cb), nil
}
