// Package ipstack is the host's network layer. It takes frames off the link
// and hands ARP packets to the resolver and TCP segments to the TCP stack.
package ipstack

import (
	"sync/atomic"

	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"usertcp/pkg/arp"
	"usertcp/pkg/runtime"
	"usertcp/pkg/segment"
)

// ARPHandler consumes ARP packets.
type ARPHandler interface {
	HandlePacket(pkt header.ARP)
}

// SegmentHandler consumes TCP segments addressed to this host.
type SegmentHandler interface {
	HandleSegment(seg *segment.TCPSegment)
}

type IPStack struct {
	rt  *runtime.Runtime
	arp ARPHandler
	tcp SegmentHandler
	log *zap.Logger

	arpCount, segments, malformed, filtered atomic.Uint64
}

// Stats counts what happened to inbound frames.
type Stats struct {
	ARP       uint64
	Segments  uint64
	Malformed uint64
	Filtered  uint64
}

func New(rt *runtime.Runtime, resolver ARPHandler, segments SegmentHandler) *IPStack {
	return &IPStack{
		rt:  rt,
		arp: resolver,
		tcp: segments,
		log: rt.Logger().Named("ipstack"),
	}
}

func (s *IPStack) Stats() Stats {
	return Stats{
		ARP:       s.arpCount.Load(),
		Segments:  s.segments.Load(),
		Malformed: s.malformed.Load(),
		Filtered:  s.filtered.Load(),
	}
}

// HandleFrame dispatches one inbound Ethernet frame.
func (s *IPStack) HandleFrame(frame []byte) {
	if len(frame) < header.EthernetMinimumSize {
		s.malformed.Add(1)
		return
	}
	opts := s.rt.Options()
	eth := header.Ethernet(frame)
	if dst := eth.DestinationAddress(); dst != opts.MyLinkAddr && dst != arp.BroadcastLinkAddr {
		s.filtered.Add(1)
		return
	}

	switch eth.Type() {
	case header.ARPProtocolNumber:
		pkt := header.ARP(frame[header.EthernetMinimumSize:])
		if !pkt.IsValid() {
			s.malformed.Add(1)
			return
		}
		s.arpCount.Add(1)
		s.arp.HandlePacket(pkt)

	case header.IPv4ProtocolNumber:
		seg, err := segment.Decode(frame)
		if err != nil {
			if errors.Is(err, segment.ErrNotTCP) {
				s.filtered.Add(1)
			} else {
				s.malformed.Add(1)
				s.log.Debug("drop frame", zap.Error(err))
			}
			return
		}
		if seg.DstIPv4Addr != opts.MyIPv4Addr {
			s.filtered.Add(1)
			return
		}
		s.segments.Add(1)
		s.tcp.HandleSegment(seg)

	default:
		s.filtered.Add(1)
		s.log.Debug("unknown ethertype", zap.Uint16("type", uint16(eth.Type())), zap.Stringer("src", eth.SourceAddress()))
	}
}
