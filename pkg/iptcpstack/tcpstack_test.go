package iptcpstack

import (
	"context"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/netstack/tcpip"
	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
	"go.uber.org/zap/zaptest"

	"usertcp/pkg/arp"
	"usertcp/pkg/link"
	"usertcp/pkg/runtime"
	"usertcp/pkg/segment"
	"usertcp/pkg/socket"
	"usertcp/pkg/tcp"
)

var (
	myAddr   = netip.MustParseAddr("192.168.0.1")
	myLink   = tcpip.LinkAddress("\x02\x00\x00\x00\x00\x01")
	peerAddr = netip.MustParseAddr("192.168.0.2")
	peerLink = tcpip.LinkAddress("\x02\x00\x00\x00\x00\x02")
	peerPort = uint16(9000)
)

// peer plays the remote end of a connection against frames read off the
// link.
type peer struct {
	t     *testing.T
	stack *TCPStack
	link  *link.Channel

	port uint16 // our ephemeral port, learned from the SYN
	seq  seqnum.Value
	ack  seqnum.Value
}

func newStack(t *testing.T, modify func(*runtime.Options)) (*TCPStack, *peer) {
	t.Helper()
	opts := runtime.DefaultOptions()
	opts.MyIPv4Addr, opts.MyLinkAddr = myAddr, myLink
	if modify != nil {
		modify(&opts)
	}
	ch := link.NewChannel(256)
	rt := runtime.New(opts, ch, zaptest.NewLogger(t))
	cache := arp.NewCache(rt)
	cache.Insert(peerAddr, peerLink)
	stack := NewTCPStack(rt, cache)
	t.Cleanup(func() {
		stack.Close()
		deadline := time.Now().Add(2 * time.Second)
		for len(stack.Sockets()) > 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
	})
	return stack, &peer{t: t, stack: stack, link: ch, seq: 9000}
}

// expect returns the next transmitted segment matching match, skipping
// others.
func (p *peer) expect(what string, match func(*segment.TCPSegment) bool) *segment.TCPSegment {
	p.t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case frame := <-p.link.C():
			seg, err := segment.Decode(frame)
			if err != nil {
				p.t.Fatalf("Decode() error = %v", err)
			}
			if match(seg) {
				return seg
			}
		case <-timeout:
			p.t.Fatalf("no %s transmitted", what)
			return nil
		}
	}
}

func (p *peer) segment() *segment.TCPSegment {
	seg := segment.New()
	seg.SrcLinkAddr, seg.DstLinkAddr = peerLink, myLink
	seg.SrcIPv4Addr, seg.SrcPort = peerAddr, peerPort
	seg.DstIPv4Addr, seg.DstPort = myAddr, p.port
	seg.SeqNum, seg.AckNum = p.seq, p.ack
	seg.Ack = true
	seg.WindowSize = 4096
	return &seg
}

// accept answers the SYN of a pending connect.
func (p *peer) accept() {
	p.t.Helper()
	syn := p.expect("SYN", func(s *segment.TCPSegment) bool { return s.Syn })
	if syn.DstPort != peerPort || syn.DstIPv4Addr != peerAddr {
		p.t.Fatalf("SYN = %v, want it sent to %s:%d", syn, peerAddr, peerPort)
	}
	p.port = syn.SrcPort
	p.ack = syn.SeqNum.Add(1)
	synAck := p.segment()
	synAck.Syn = true
	p.stack.HandleSegment(synAck)
	p.seq = p.seq.Add(1)
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

type connectResult struct {
	sid int
	err error
}

func connect(t *testing.T, stack *TCPStack) <-chan connectResult {
	ch := make(chan connectResult, 1)
	ctx := testContext(t)
	go func() {
		sid, _, err := stack.VConnect(ctx, netip.AddrPortFrom(peerAddr, peerPort))
		ch <- connectResult{sid, err}
	}()
	return ch
}

func TestConnectSendReceiveClose(t *testing.T) {
	stack, p := newStack(t, nil)
	ctx := testContext(t)

	res := connect(t, stack)
	p.accept()
	r := <-res
	if r.err != nil {
		t.Fatalf("VConnect() = %v", r.err)
	}
	p.expect("handshake ACK", func(s *segment.TCPSegment) bool { return s.Ack && s.AckNum == p.seq })

	socks := stack.Sockets()
	if len(socks) != 1 || socks[0].SID != r.sid || socks[0].Status != socket.Established {
		t.Fatalf("Sockets() = %+v, want one established socket", socks)
	}

	if _, err := stack.VWrite(ctx, r.sid, []byte("ping")); err != nil {
		t.Fatalf("VWrite() = %v", err)
	}
	data := p.expect("data", func(s *segment.TCPSegment) bool { return len(s.Payload) > 0 })
	if string(data.Payload) != "ping" || data.SeqNum != p.ack {
		t.Fatalf("data segment = %v, want \"ping\" at %d", data, p.ack)
	}
	p.ack = p.ack.Add(4)

	reply := p.segment()
	reply.Payload = []byte("pong")
	stack.HandleSegment(reply)
	p.seq = p.seq.Add(4)
	p.expect("ACK of pong", func(s *segment.TCPSegment) bool { return s.AckNum == p.seq })

	buf := make([]byte, 16)
	n, err := stack.VRead(ctx, r.sid, buf)
	if err != nil || string(buf[:n]) != "pong" {
		t.Fatalf("VRead() = %q, %v; want \"pong\"", buf[:n], err)
	}

	if err := stack.VClose(r.sid); err != nil {
		t.Fatalf("VClose() = %v", err)
	}
	fin := p.expect("FIN", func(s *segment.TCPSegment) bool { return s.Fin })
	p.ack = fin.SeqNum
	finAck := p.segment()
	finAck.Fin = true
	stack.HandleSegment(finAck)
	p.expect("ACK of FIN", func(s *segment.TCPSegment) bool { return s.AckNum == p.seq.Add(1) })

	deadline := time.Now().Add(2 * time.Second)
	for len(stack.Sockets()) > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("Sockets() = %+v after close, want none", stack.Sockets())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := stack.VRead(ctx, r.sid, buf); !errors.Is(err, ErrNoSuchSocket) {
		t.Errorf("VRead() on closed socket = %v, want ErrNoSuchSocket", err)
	}
}

func TestConnectRefused(t *testing.T) {
	stack, p := newStack(t, nil)

	res := connect(t, stack)
	syn := p.expect("SYN", func(s *segment.TCPSegment) bool { return s.Syn })
	p.port = syn.SrcPort
	rst := p.segment()
	rst.Rst = true
	stack.HandleSegment(rst)

	if r := <-res; !errors.Is(r.err, tcp.ErrConnectionRefused) {
		t.Fatalf("VConnect() = %v, want ErrConnectionRefused", r.err)
	}
	if socks := stack.Sockets(); len(socks) != 0 {
		t.Errorf("Sockets() = %+v after refusal, want none", socks)
	}
}

func TestConnectTimeout(t *testing.T) {
	stack, _ := newStack(t, func(o *runtime.Options) {
		o.TCP.HandshakeRetries = 2
		o.TCP.HandshakeTimeout = 10 * time.Millisecond
	})
	if r := <-connect(t, stack); !errors.Is(r.err, tcp.ErrTimeout) {
		t.Fatalf("VConnect() = %v, want ErrTimeout", r.err)
	}
}

func TestHandleSegmentUnknownConnection(t *testing.T) {
	stack, p := newStack(t, nil)
	p.port = 12345
	stack.HandleSegment(p.segment())
	select {
	case frame := <-p.link.C():
		t.Errorf("transmitted %d bytes for an unknown connection", len(frame))
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSocketAPIErrors(t *testing.T) {
	stack, _ := newStack(t, nil)
	ctx := testContext(t)
	if _, err := stack.VWrite(ctx, 7, []byte("x")); !errors.Is(err, ErrNoSuchSocket) {
		t.Errorf("VWrite() = %v, want ErrNoSuchSocket", err)
	}
	if err := stack.VClose(7); !errors.Is(err, ErrNoSuchSocket) {
		t.Errorf("VClose() = %v, want ErrNoSuchSocket", err)
	}
	if _, _, err := stack.VConnect(ctx, netip.MustParseAddrPort("[::1]:80")); err == nil {
		t.Error("VConnect() to an IPv6 address succeeded")
	}
}

func TestSendFile(t *testing.T) {
	stack, p := newStack(t, nil)
	path := filepath.Join(t.TempDir(), "payload.txt")
	if err := os.WriteFile(path, []byte("file contents"), 0o644); err != nil {
		t.Fatal(err)
	}

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := stack.SendFile(testContext(t), path, netip.AddrPortFrom(peerAddr, peerPort))
		done <- result{n, err}
	}()
	p.accept()

	data := p.expect("data", func(s *segment.TCPSegment) bool { return len(s.Payload) > 0 })
	if string(data.Payload) != "file contents" {
		t.Errorf("payload = %q", data.Payload)
	}
	p.expect("FIN", func(s *segment.TCPSegment) bool { return s.Fin })
	if r := <-done; r.err != nil || r.n != len("file contents") {
		t.Errorf("SendFile() = %d, %v", r.n, r.err)
	}
}
