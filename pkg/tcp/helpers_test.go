package tcp

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/google/netstack/tcpip"
	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
	"go.uber.org/zap/zaptest"

	"usertcp/pkg/arp"
	"usertcp/pkg/ipv4"
	"usertcp/pkg/link"
	"usertcp/pkg/runtime"
	"usertcp/pkg/segment"
)

var (
	localAddr  = netip.MustParseAddr("10.0.0.1")
	remoteAddr = netip.MustParseAddr("10.0.0.2")
	localLink  = tcpip.LinkAddress("\x02\x00\x00\x00\x00\x01")
	remoteLink = tcpip.LinkAddress("\x02\x00\x00\x00\x00\x02")

	local  = ipv4.NewEndpoint(localAddr, 49200)
	remote = ipv4.NewEndpoint(remoteAddr, 80)
)

type testEnv struct {
	rt    *runtime.Runtime
	link  *link.Channel
	cache *arp.Cache
}

func newTestEnv(t *testing.T, modify func(*runtime.Options)) *testEnv {
	t.Helper()
	opts := runtime.DefaultOptions()
	opts.MyIPv4Addr, opts.MyLinkAddr = localAddr, localLink
	if modify != nil {
		modify(&opts)
	}
	ch := link.NewChannel(256)
	rt := runtime.New(opts, ch, zaptest.NewLogger(t))
	cache := arp.NewCache(rt)
	cache.Insert(remoteAddr, remoteLink)
	return &testEnv{rt: rt, link: ch, cache: cache}
}

func (e *testEnv) controlBlock(sender *Sender, receiver *Receiver) *ControlBlock {
	return NewControlBlock(local, remote, e.rt, e.cache, sender, receiver)
}

// established starts a connection with sent = 1001 and recv = 5001, and
// aborts it when the test ends.
func (e *testEnv) established(t *testing.T) *EstablishedSocket {
	t.Helper()
	return e.connection(t, NewSender(1001, 1024, 0, FallbackMSS), NewReceiver(5001, 0xffff))
}

func (e *testEnv) connection(t *testing.T, sender *Sender, receiver *Receiver) *EstablishedSocket {
	t.Helper()
	conn := NewEstablishedSocket(e.controlBlock(sender, receiver))
	t.Cleanup(func() {
		conn.Abort(errors.New("test finished"))
		<-conn.Done()
	})
	return conn
}

// nextMatching returns the next transmitted segment for which match is
// true, skipping the others.
func (e *testEnv) nextMatching(t *testing.T, what string, match func(*segment.TCPSegment) bool) *segment.TCPSegment {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case frame := <-e.link.C():
			seg, err := segment.Decode(frame)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if match(seg) {
				return seg
			}
		case <-timeout:
			t.Fatalf("no %s transmitted", what)
			return nil
		}
	}
}

// next decodes the next transmitted frame.
func (e *testEnv) next(t *testing.T) *segment.TCPSegment {
	t.Helper()
	select {
	case frame := <-e.link.C():
		seg, err := segment.Decode(frame)
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		return seg
	case <-time.After(2 * time.Second):
		t.Fatal("no segment transmitted")
		return nil
	}
}

// quiet fails the test if anything is transmitted within d.
func (e *testEnv) quiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case frame := <-e.link.C():
		seg, _ := segment.Decode(frame)
		t.Fatalf("unexpected segment %v", seg)
	case <-time.After(d):
	}
}

// fromPeer builds a segment travelling from remote to local.
func fromPeer(seq, ack seqnum.Value) *segment.TCPSegment {
	seg := segment.New()
	seg.SrcLinkAddr, seg.DstLinkAddr = remoteLink, localLink
	seg.SrcIPv4Addr, seg.SrcPort = remote.Addr, remote.Port
	seg.DstIPv4Addr, seg.DstPort = local.Addr, local.Port
	seg.SeqNum, seg.AckNum = seq, ack
	seg.WindowSize = 1024
	return &seg
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
