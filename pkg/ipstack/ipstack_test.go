package ipstack

import (
	"net/netip"
	"testing"

	"github.com/google/netstack/tcpip"
	"github.com/google/netstack/tcpip/header"
	"go.uber.org/zap/zaptest"

	"usertcp/pkg/arp"
	"usertcp/pkg/runtime"
	"usertcp/pkg/segment"
)

var (
	myAddr   = netip.MustParseAddr("10.1.0.1")
	myLink   = tcpip.LinkAddress("\x02\x00\x00\x00\x00\x01")
	peerAddr = netip.MustParseAddr("10.1.0.2")
	peerLink = tcpip.LinkAddress("\x02\x00\x00\x00\x00\x02")
)

type recorder struct {
	arp      []header.ARP
	segments []*segment.TCPSegment
}

func (r *recorder) HandlePacket(pkt header.ARP) { r.arp = append(r.arp, pkt) }
func (r *recorder) HandleSegment(seg *segment.TCPSegment) { r.segments = append(r.segments, seg) }

func newStack(t *testing.T) (*IPStack, *recorder) {
	opts := runtime.DefaultOptions()
	opts.MyIPv4Addr, opts.MyLinkAddr = myAddr, myLink
	rt := runtime.New(opts, runtime.TransmitterFunc(func([]byte) {}), zaptest.NewLogger(t))
	rec := &recorder{}
	return New(rt, rec, rec), rec
}

func tcpFrame(t *testing.T, dstLink tcpip.LinkAddress, dstAddr netip.Addr) []byte {
	t.Helper()
	seg := segment.New()
	seg.SrcLinkAddr, seg.DstLinkAddr = peerLink, dstLink
	seg.SrcIPv4Addr, seg.DstIPv4Addr = peerAddr, dstAddr
	seg.SrcPort, seg.DstPort = 80, 50000
	seg.Ack = true
	frame, err := seg.Encode()
	if err != nil {
		t.Fatal(err)
	}
	return frame
}

func arpFrame() []byte {
	frame := make([]byte, header.EthernetMinimumSize+header.ARPSize)
	header.Ethernet(frame).Encode(&header.EthernetFields{
		SrcAddr: peerLink,
		DstAddr: arp.BroadcastLinkAddr,
		Type:    header.ARPProtocolNumber,
	})
	pkt := header.ARP(frame[header.EthernetMinimumSize:])
	pkt.SetIPv4OverEthernet()
	pkt.SetOp(header.ARPRequest)
	copy(pkt.HardwareAddressSender(), peerLink)
	sender, target := peerAddr.As4(), myAddr.As4()
	copy(pkt.ProtocolAddressSender(), sender[:])
	copy(pkt.ProtocolAddressTarget(), target[:])
	return frame
}

func TestHandleFrameDispatches(t *testing.T) {
	s, rec := newStack(t)
	s.HandleFrame(tcpFrame(t, myLink, myAddr))
	s.HandleFrame(arpFrame())

	if len(rec.segments) != 1 || rec.segments[0].SrcPort != 80 {
		t.Errorf("segments = %v, want the one TCP segment", rec.segments)
	}
	if len(rec.arp) != 1 || rec.arp[0].Op() != header.ARPRequest {
		t.Errorf("arp packets = %d, want 1 request", len(rec.arp))
	}
	if got := s.Stats(); got.Segments != 1 || got.ARP != 1 {
		t.Errorf("Stats() = %+v", got)
	}
}

func TestHandleFrameFilters(t *testing.T) {
	s, rec := newStack(t)
	otherLink := tcpip.LinkAddress("\x02\x00\x00\x00\x00\x09")

	s.HandleFrame(tcpFrame(t, otherLink, myAddr))
	s.HandleFrame(tcpFrame(t, myLink, netip.MustParseAddr("10.1.0.9")))
	s.HandleFrame([]byte{1, 2, 3})

	corrupt := tcpFrame(t, myLink, myAddr)
	corrupt[len(corrupt)-1] ^= 0xff
	s.HandleFrame(corrupt)

	if len(rec.segments) != 0 {
		t.Errorf("delivered %d segments, want none", len(rec.segments))
	}
	got := s.Stats()
	if got.Filtered != 2 || got.Malformed != 2 {
		t.Errorf("Stats() = %+v, want 2 filtered and 2 malformed", got)
	}
}
