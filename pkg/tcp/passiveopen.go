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

// PassiveOpenSocket is a socket in LISTEN. Every SYN it receives starts a
// handshake in SYN-RCVD; connections whose handshake completes wait in a
// backlog until Accept takes them.
//
// Until the stack routes a remote's segments straight to its connection,
// they keep arriving here and are forwarded.
type PassiveOpenSocket struct {
	rt    *runtime.Runtime
	arp   LinkResolver
	log   *zap.Logger
	local ipv4.Endpoint

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	pending map[ipv4.Endpoint]*synReceived
	ready   chan *EstablishedSocket
}

// synReceived is one inbound handshake.
type synReceived struct {
	remote  ipv4.Endpoint
	isn     seqnum.Value
	peerISN seqnum.Value
	mss     uint16

	cancel context.CancelFunc
	conn   *EstablishedSocket
}

// NewPassiveOpenSocket listens on local.Port. backlog bounds both the
// handshakes in progress and the connections waiting for Accept.
func NewPassiveOpenSocket(rt *runtime.Runtime, arp LinkResolver, local ipv4.Endpoint, backlog int) *PassiveOpenSocket {
	backlog = max(backlog, 1)
	ctx, cancel := context.WithCancel(context.Background())
	return &PassiveOpenSocket{
		rt:      rt,
		arp:     arp,
		log:     rt.Logger().Named("tcp").With(zap.Stringer("listen", local)),
		local:   local,
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[ipv4.Endpoint]*synReceived),
		ready:   make(chan *EstablishedSocket, backlog),
	}
}

func (s *PassiveOpenSocket) Local() ipv4.Endpoint { return s.local }

// Accept returns the next established connection.
func (s *PassiveOpenSocket) Accept(ctx context.Context) (*EstablishedSocket, error) {
	select {
	case conn := <-s.ready:
		return conn, nil
	case <-s.ctx.Done():
		return nil, errors.Wrapf(ErrListenerClosed, "%s", s.local)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops listening. Handshakes in progress and connections nobody
// accepted are aborted; accepted connections are not affected.
func (s *PassiveOpenSocket) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	for {
		select {
		case conn := <-s.ready:
			conn.Abort(errors.Wrapf(ErrListenerClosed, "%s", s.local))
			<-conn.Done()
		default:
			s.log.Info("stopped listening")
			return
		}
	}
}

// ReceiveSegment handles a segment addressed to the listening port.
func (s *PassiveOpenSocket) ReceiveSegment(seg *segment.TCPSegment) {
	remote := ipv4.NewEndpoint(seg.SrcIPv4Addr, seg.SrcPort)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	h, ok := s.pending[remote]
	if !ok {
		s.listen(remote, seg)
		s.mu.Unlock()
		return
	}
	if conn := h.conn; conn != nil {
		s.mu.Unlock()
		conn.ReceiveSegment(seg)
		return
	}

	switch {
	case seg.Rst:
		h.cancel()
		delete(s.pending, remote)
		s.mu.Unlock()
		s.log.Debug("handshake reset", zap.Stringer("remote", remote))
	case seg.Ack && !seg.Syn && seg.AckNum == h.isn.Add(1):
		conn, err := s.establish(h, seg)
		if err != nil {
			h.cancel()
			delete(s.pending, remote)
			s.mu.Unlock()
			s.log.Warn("handshake failed", zap.Stringer("remote", remote), zap.Error(err))
			return
		}
		s.mu.Unlock()
		// The handshake ACK may already carry data.
		if len(seg.Payload) > 0 || seg.Fin {
			conn.ReceiveSegment(seg)
		}
	default:
		// A repeated SYN is answered by the retry loop.
		s.mu.Unlock()
		s.log.Debug("drop segment", zap.Stringer("segment", seg))
	}
}

// listen starts a handshake for a SYN from a new remote. s.mu is held.
func (s *PassiveOpenSocket) listen(remote ipv4.Endpoint, seg *segment.TCPSegment) {
	if !seg.Syn || seg.Ack || seg.Rst {
		s.log.Debug("drop segment", zap.Stringer("segment", seg))
		return
	}
	handshakes := 0
	for _, h := range s.pending {
		if h.conn == nil {
			handshakes++
		}
	}
	if handshakes >= cap(s.ready) {
		s.log.Warn("backlog full, dropping SYN", zap.Stringer("remote", remote))
		return
	}
	mss := seg.MSS
	if mss == 0 {
		mss = FallbackMSS
	}
	ctx, cancel := context.WithCancel(s.ctx)
	h := &synReceived{
		remote:  remote,
		isn:     s.rt.NewISN(),
		peerISN: seg.SeqNum,
		mss:     mss,
		cancel:  cancel,
	}
	s.pending[remote] = h
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.synAckLoop(ctx, h)
	}()
}

// synAckLoop sends the SYN-ACK until the handshake completes or the retries
// run out.
func (s *PassiveOpenSocket) synAckLoop(ctx context.Context, h *synReceived) {
	opts := s.rt.Options().TCP
	for attempt := 1; attempt <= opts.HandshakeRetries; attempt++ {
		linkAddr, err := s.arp.Query(ctx, h.remote.Addr)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn("resolve peer", zap.Stringer("remote", h.remote), zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		synAck := segment.New()
		synAck.SrcPort = s.local.Port
		synAck.DstIPv4Addr, synAck.DstPort = h.remote.Addr, h.remote.Port
		synAck.SeqNum = h.isn
		synAck.AckNum = h.peerISN.Add(1)
		synAck.Syn = true
		synAck.Ack = true
		synAck.WindowSize = initialWindow(s.rt.Options())
		synAck.MSS = opts.AdvertisedMSS
		if err := emit(s.rt, s.log, synAck, linkAddr); err != nil {
			s.log.Warn("send SYN-ACK", zap.Error(err))
			return
		}
		if err := s.rt.Wait(ctx, opts.HandshakeTimeout); err != nil {
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending[h.remote] == h && h.conn == nil {
		delete(s.pending, h.remote)
		s.log.Info("handshake timed out", zap.Stringer("remote", h.remote))
	}
}

// establish turns a completed handshake into a connection and queues it
// for Accept. s.mu is held.
func (s *PassiveOpenSocket) establish(h *synReceived, seg *segment.TCPSegment) (*EstablishedSocket, error) {
	if len(s.ready) == cap(s.ready) {
		return nil, errors.New("backlog full")
	}
	opts := s.rt.Options()
	// No window scale option is sent on our SYN-ACK, so the peer's windows
	// are unscaled.
	sender := NewSender(h.isn.Add(1), uint32(seg.WindowSize), 0, h.mss)
	receiver := NewReceiver(h.peerISN.Add(1), opts.TCP.ReceiveWindowSize)
	local := ipv4.NewEndpoint(opts.MyIPv4Addr, s.local.Port)
	conn := NewEstablishedSocket(NewControlBlock(local, h.remote, s.rt, s.arp, sender, receiver))
	h.conn = conn
	h.cancel()
	s.ready <- conn
	s.log.Info("established", zap.Stringer("remote", h.remote), zap.Uint16("mss", h.mss))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-conn.Done():
		case <-s.ctx.Done():
			return
		}
		s.mu.Lock()
		if s.pending[h.remote] == h {
			delete(s.pending, h.remote)
		}
		s.mu.Unlock()
	}()
	return conn, nil
}
