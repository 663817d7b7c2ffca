package link

import (
	"context"
	"net"
	"net/netip"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// MaxFrameSize bounds frames read from the virtual link.
const MaxFrameSize = 1514

// UDP is a virtual Ethernet segment carried over UDP. Every frame is sent
// to all neighbors, so the segment behaves like a shared broadcast medium
// and receivers filter on link address.
type UDP struct {
	conn  *net.UDPConn
	peers []netip.AddrPort
	log   *zap.Logger
}

func ListenUDP(bind netip.AddrPort, peers []netip.AddrPort, log *zap.Logger) (*UDP, error) {
	conn, err := net.ListenUDP("udp4", net.UDPAddrFromAddrPort(bind))
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", bind)
	}
	return &UDP{conn: conn, peers: peers, log: log.Named("link")}, nil
}

func (u *UDP) LocalAddr() netip.AddrPort {
	return u.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

func (u *UDP) Transmit(frame []byte) {
	for _, p := range u.peers {
		if _, err := u.conn.WriteToUDPAddrPort(frame, p); err != nil {
			u.log.Warn("transmit failed", zap.Stringer("peer", p), zap.Error(err))
		}
	}
}

// ReadLoop passes every received frame to handle until ctx is done.
func (u *UDP) ReadLoop(ctx context.Context, handle func(frame []byte)) error {
	go func() {
		<-ctx.Done()
		u.conn.Close()
	}()
	buf := make([]byte, MaxFrameSize)
	for {
		n, _, err := u.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "read frame")
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		handle(frame)
	}
}

func (u *UDP) Close() error {
	return u.conn.Close()
}
