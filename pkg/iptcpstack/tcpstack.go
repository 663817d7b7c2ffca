// Package iptcpstack is the host's TCP layer. It opens and accepts
// connections, routes inbound segments to them and exposes the socket API
// the REPL drives.
package iptcpstack

import (
	"context"
	"io"
	"net/netip"
	"os"
	"sync"

	"github.com/google/btree"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"usertcp/pkg/ipv4"
	"usertcp/pkg/runtime"
	"usertcp/pkg/segment"
	"usertcp/pkg/socket"
	"usertcp/pkg/tcp"
)

var (
	ErrNoSuchSocket   = errors.New("no such socket")
	ErrNotEstablished = errors.New("socket is not established")
	ErrNoFreePort     = errors.New("no free local port")
	ErrPortInUse      = errors.New("port already in use")
	ErrNotListening   = errors.New("socket is not listening")
)

const (
	portAttempts  = 64
	acceptBacklog = 100
)

// connKey identifies a connection from the local side. Only one local
// address exists, so it is left out. A listener's key has no remote.
type connKey struct {
	localPort  uint16
	remoteAddr netip.Addr
	remotePort uint16
}

func connKeyLess(a, b connKey) bool {
	if a.localPort != b.localPort {
		return a.localPort < b.localPort
	}
	if c := a.remoteAddr.Compare(b.remoteAddr); c != 0 {
		return c < 0
	}
	return a.remotePort < b.remotePort
}

type demuxEntry struct {
	key  connKey
	sock *Socket
}

// Socket is a listener, or one connection from its first SYN to
// termination. Exactly one of handshake, listener and conn is set; accepted
// connections start out established.
type Socket struct {
	SID    int
	Local  ipv4.Endpoint
	Remote ipv4.Endpoint

	handshake *tcp.ActiveOpenSocket
	listener  *tcp.PassiveOpenSocket
	conn      *tcp.EstablishedSocket
}

// Established returns the connection once the handshake has succeeded.
func (s *Socket) Established() (*tcp.EstablishedSocket, bool) {
	if s.conn != nil {
		return s.conn, true
	}
	if s.handshake == nil {
		return nil, false
	}
	select {
	case <-s.handshake.Done():
		conn, err := s.handshake.Result()
		return conn, err == nil
	default:
		return nil, false
	}
}

func (s *Socket) receiveSegment(seg *segment.TCPSegment) {
	if s.listener != nil {
		s.listener.ReceiveSegment(seg)
		return
	}
	if conn, ok := s.Established(); ok {
		conn.ReceiveSegment(seg)
		return
	}
	s.handshake.ReceiveSegment(seg)
}

// SocketInfo is a row of the socket listing.
type SocketInfo struct {
	SID           int
	Local         ipv4.Endpoint
	Remote        ipv4.Endpoint
	Status        socket.Status
	SenderState   string
	ReceiverState string
}

type TCPStack struct {
	rt  *runtime.Runtime
	arp tcp.LinkResolver
	log *zap.Logger

	mu    sync.Mutex
	demux *btree.BTreeG[demuxEntry]

	sockets *socket.Table[*Socket]
}

func NewTCPStack(rt *runtime.Runtime, arp tcp.LinkResolver) *TCPStack {
	return &TCPStack{
		rt:      rt,
		arp:     arp,
		log:     rt.Logger().Named("iptcpstack"),
		demux:   btree.NewG(8, func(a, b demuxEntry) bool { return connKeyLess(a.key, b.key) }),
		sockets: socket.NewTable[*Socket](),
	}
}

// VConnect opens a connection to remote and blocks until the handshake
// completes.
func (stack *TCPStack) VConnect(ctx context.Context, remote netip.AddrPort) (int, *tcp.EstablishedSocket, error) {
	if !remote.Addr().Is4() {
		return -1, nil, errors.Errorf("%s is not an IPv4 address", remote.Addr())
	}
	key, err := stack.reservePort(remote)
	if err != nil {
		return -1, nil, err
	}
	local := ipv4.NewEndpoint(stack.rt.Options().MyIPv4Addr, key.localPort)
	sock := &Socket{Local: local, Remote: ipv4.FromAddrPort(remote)}
	sock.handshake = tcp.NewActiveOpenSocket(stack.rt, stack.arp, stack.rt.NewISN(), local, sock.Remote)
	sock.SID = stack.sockets.Insert(socket.SynSent, sock)
	stack.register(key, sock)
	stack.log.Info("connecting", zap.Int("sid", sock.SID), zap.Stringer("remote", sock.Remote))

	conn, err := sock.handshake.Wait(ctx)
	if err != nil {
		sock.handshake.Abort(err)
		if conn, ok := sock.Established(); ok {
			conn.Abort(err)
		}
		stack.forget(key, sock.SID)
		return -1, nil, errors.Wrapf(err, "connect %s", remote)
	}
	stack.sockets.Update(sock.SID, socket.Established, sock)
	go stack.reap(key, sock.SID, conn)
	return sock.SID, conn, nil
}

// VListen opens a listening socket on port.
func (stack *TCPStack) VListen(port uint16) (int, error) {
	key := connKey{localPort: port}
	stack.mu.Lock()
	defer stack.mu.Unlock()
	if _, taken := stack.demux.Get(demuxEntry{key: key}); taken {
		return -1, errors.Wrapf(ErrPortInUse, "port %d", port)
	}
	sock := &Socket{
		Local:  ipv4.NewEndpoint(stack.rt.Options().MyIPv4Addr, port),
		Remote: ipv4.NewEndpoint(netip.IPv4Unspecified(), 0),
	}
	sock.listener = tcp.NewPassiveOpenSocket(stack.rt, stack.arp, sock.Local, acceptBacklog)
	sock.SID = stack.sockets.Insert(socket.Listen, sock)
	stack.demux.ReplaceOrInsert(demuxEntry{key: key, sock: sock})
	stack.log.Info("listening", zap.Int("sid", sock.SID), zap.Uint16("port", port))
	return sock.SID, nil
}

// VAccept blocks until listening socket lsid has an established connection
// and gives it a socket of its own.
func (stack *TCPStack) VAccept(ctx context.Context, lsid int) (int, *tcp.EstablishedSocket, error) {
	e, ok := stack.sockets.Get(lsid)
	if !ok {
		return -1, nil, errors.Wrapf(ErrNoSuchSocket, "sid %d", lsid)
	}
	if e.Conn.listener == nil {
		return -1, nil, errors.Wrapf(ErrNotListening, "sid %d", lsid)
	}
	conn, err := e.Conn.listener.Accept(ctx)
	if err != nil {
		return -1, nil, errors.Wrapf(err, "accept sid %d", lsid)
	}
	sock := &Socket{Local: conn.Local(), Remote: conn.Remote(), conn: conn}
	key := connKey{localPort: sock.Local.Port, remoteAddr: sock.Remote.Addr, remotePort: sock.Remote.Port}
	sock.SID = stack.sockets.Insert(socket.Established, sock)
	stack.register(key, sock)
	stack.log.Info("accepted", zap.Int("sid", sock.SID), zap.Int("listener", lsid), zap.Stringer("remote", sock.Remote))
	go stack.reap(key, sock.SID, conn)
	return sock.SID, conn, nil
}

// reservePort picks a free ephemeral port for a connection to remote.
func (stack *TCPStack) reservePort(remote netip.AddrPort) (connKey, error) {
	stack.mu.Lock()
	defer stack.mu.Unlock()
	for i := 0; i < portAttempts; i++ {
		key := connKey{localPort: stack.rt.EphemeralPort(), remoteAddr: remote.Addr(), remotePort: remote.Port()}
		if _, taken := stack.demux.Get(demuxEntry{key: key}); taken {
			continue
		}
		if _, listening := stack.demux.Get(demuxEntry{key: connKey{localPort: key.localPort}}); !listening {
			return key, nil
		}
	}
	return connKey{}, ErrNoFreePort
}

func (stack *TCPStack) register(key connKey, sock *Socket) {
	stack.mu.Lock()
	defer stack.mu.Unlock()
	stack.demux.ReplaceOrInsert(demuxEntry{key: key, sock: sock})
}

func (stack *TCPStack) forget(key connKey, sid int) {
	stack.mu.Lock()
	stack.demux.Delete(demuxEntry{key: key})
	stack.mu.Unlock()
	stack.sockets.Remove(sid)
}

// reap removes a connection once it has terminated.
func (stack *TCPStack) reap(key connKey, sid int, conn *tcp.EstablishedSocket) {
	<-conn.Done()
	stack.log.Info("socket closed", zap.Int("sid", sid), zap.Error(conn.Err()))
	stack.forget(key, sid)
}

// HandleSegment delivers an inbound segment to its connection, or else to
// the listener on its destination port. Other segments are dropped.
func (stack *TCPStack) HandleSegment(seg *segment.TCPSegment) {
	key := connKey{localPort: seg.DstPort, remoteAddr: seg.SrcIPv4Addr, remotePort: seg.SrcPort}
	stack.mu.Lock()
	e, ok := stack.demux.Get(demuxEntry{key: key})
	if !ok {
		e, ok = stack.demux.Get(demuxEntry{key: connKey{localPort: seg.DstPort}})
	}
	stack.mu.Unlock()
	if !ok {
		stack.log.Debug("no connection for segment", zap.Stringer("segment", seg))
		return
	}
	e.sock.receiveSegment(seg)
}

func (stack *TCPStack) established(sid int) (*tcp.EstablishedSocket, error) {
	e, ok := stack.sockets.Get(sid)
	if !ok {
		return nil, errors.Wrapf(ErrNoSuchSocket, "sid %d", sid)
	}
	conn, ok := e.Conn.Established()
	if !ok {
		return nil, errors.Wrapf(ErrNotEstablished, "sid %d", sid)
	}
	return conn, nil
}

// VRead reads up to len(p) bytes from socket sid.
func (stack *TCPStack) VRead(ctx context.Context, sid int, p []byte) (int, error) {
	conn, err := stack.established(sid)
	if err != nil {
		return 0, err
	}
	return conn.Recv(ctx, p)
}

// VWrite queues p on socket sid.
func (stack *TCPStack) VWrite(ctx context.Context, sid int, p []byte) (int, error) {
	conn, err := stack.established(sid)
	if err != nil {
		return 0, err
	}
	return conn.Send(ctx, p)
}

// VClose half-closes socket sid. The socket stays in the table until the
// peer has closed too. Closing a listener removes it at once.
func (stack *TCPStack) VClose(sid int) error {
	if e, ok := stack.sockets.Get(sid); ok && e.Conn.listener != nil {
		stack.closeListener(sid, e.Conn)
		return nil
	}
	conn, err := stack.established(sid)
	if err != nil {
		return err
	}
	return conn.Close()
}

func (stack *TCPStack) closeListener(sid int, sock *Socket) {
	stack.forget(connKey{localPort: sock.Local.Port}, sid)
	sock.listener.Close()
}

// Sockets lists the open sockets ordered by socket ID.
func (stack *TCPStack) Sockets() []SocketInfo {
	var out []SocketInfo
	for _, e := range stack.sockets.List() {
		info := SocketInfo{SID: e.SID, Local: e.Conn.Local, Remote: e.Conn.Remote, Status: e.Status}
		if conn, ok := e.Conn.Established(); ok {
			cb := conn.ControlBlock()
			info.SenderState = cb.Sender().State().Get().String()
			info.ReceiverState = cb.Receiver().State().Get().String()
		}
		out = append(out, info)
	}
	return out
}

// SendFile connects to remote, streams the file at path and half-closes.
func (stack *TCPStack) SendFile(ctx context.Context, path string, remote netip.AddrPort) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrap(err, "open")
	}
	defer f.Close()

	sid, conn, err := stack.VConnect(ctx, remote)
	if err != nil {
		return 0, err
	}
	total := 0
	buf := make([]byte, 1024)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			written, werr := conn.Send(ctx, buf[:n])
			total += written
			if werr != nil {
				return total, errors.Wrapf(werr, "write sid %d", sid)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return total, errors.Wrap(err, "read")
		}
	}
	return total, conn.Close()
}

// ReceiveFile listens on port, accepts one connection and writes everything
// it carries to the file at path. It returns once the peer has closed.
func (stack *TCPStack) ReceiveFile(ctx context.Context, path string, port uint16) (int, error) {
	lsid, err := stack.VListen(port)
	if err != nil {
		return 0, err
	}
	defer stack.VClose(lsid)

	f, err := os.Create(path)
	if err != nil {
		return 0, errors.Wrap(err, "create")
	}
	defer f.Close()

	sid, conn, err := stack.VAccept(ctx, lsid)
	if err != nil {
		return 0, err
	}
	total := 0
	buf := make([]byte, 1024)
	for {
		n, err := conn.Recv(ctx, buf)
		if n > 0 {
			written, werr := f.Write(buf[:n])
			total += written
			if werr != nil {
				return total, errors.Wrap(werr, "write")
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return total, errors.Wrapf(err, "read sid %d", sid)
		}
	}
	if err := f.Sync(); err != nil {
		return total, errors.Wrap(err, "sync")
	}
	return total, conn.Close()
}

// Close stops every listener and aborts every connection.
func (stack *TCPStack) Close() {
	for _, e := range stack.sockets.List() {
		reason := errors.New("stack shut down")
		switch sock := e.Conn; {
		case sock.listener != nil:
			stack.closeListener(e.SID, sock)
		case sock.conn != nil:
			sock.conn.Abort(reason)
		default:
			if conn, ok := sock.Established(); ok {
				conn.Abort(reason)
				continue
			}
			sock.handshake.Abort(reason)
		}
	}
}
