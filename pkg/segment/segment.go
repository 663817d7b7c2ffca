// Package segment is the TCP segment representation and its Ethernet/IPv4
// frame codec.
package segment

import (
	"encoding/binary"
	"fmt"
	"math"
	"net/netip"
	"strings"

	"github.com/google/netstack/tcpip"
	"github.com/google/netstack/tcpip/header"
	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"

	"usertcp/pkg/ipv4"
)

var (
	ErrMalformed       = errors.New("malformed frame")
	ErrNotTCP          = errors.New("not an IPv4 TCP frame")
	ErrChecksum        = errors.New("checksum mismatch")
	ErrMissingAddress  = errors.New("missing address")
	ErrPayloadTooLarge = errors.New("payload too large")
)

const (
	defaultTTL = 64

	mssOptionLength = 4
	wsOptionLength  = 3
	maxOptionsSize  = 40
)

// TCPSegment is a TCP segment together with the IPv4 and link addresses of
// the frame carrying it.
type TCPSegment struct {
	SrcLinkAddr tcpip.LinkAddress
	DstLinkAddr tcpip.LinkAddress
	SrcIPv4Addr netip.Addr
	DstIPv4Addr netip.Addr

	SrcPort uint16
	DstPort uint16
	SeqNum  seqnum.Value
	AckNum  seqnum.Value

	Syn bool
	Ack bool
	Fin bool
	Rst bool
	Psh bool

	WindowSize uint16
	// WindowScale is the window scale option, -1 when absent.
	WindowScale int
	// MSS is the maximum segment size option, 0 when absent.
	MSS uint16

	Payload []byte
}

// New returns an empty segment with no options.
func New() TCPSegment {
	return TCPSegment{WindowScale: -1}
}

func (s *TCPSegment) Src() ipv4.Endpoint { return ipv4.NewEndpoint(s.SrcIPv4Addr, s.SrcPort) }
func (s *TCPSegment) Dst() ipv4.Endpoint { return ipv4.NewEndpoint(s.DstIPv4Addr, s.DstPort) }

// Len is the amount of sequence space the segment occupies.
func (s *TCPSegment) Len() seqnum.Size {
	n := seqnum.Size(len(s.Payload))
	if s.Syn {
		n++
	}
	if s.Fin {
		n++
	}
	return n
}

func (s *TCPSegment) flags() uint8 {
	var f uint8
	if s.Fin {
		f |= header.TCPFlagFin
	}
	if s.Syn {
		f |= header.TCPFlagSyn
	}
	if s.Rst {
		f |= header.TCPFlagRst
	}
	if s.Psh {
		f |= header.TCPFlagPsh
	}
	if s.Ack {
		f |= header.TCPFlagAck
	}
	return f
}

// options encodes MSS and window scale. They are only carried on SYNs.
func (s *TCPSegment) options() []byte {
	if !s.Syn || (s.MSS == 0 && s.WindowScale < 0) {
		return nil
	}
	opts := make([]byte, maxOptionsSize)
	off := 0
	if s.MSS != 0 {
		off += header.EncodeMSSOption(uint32(s.MSS), opts[off:])
	}
	if s.WindowScale >= 0 {
		off += header.EncodeNOP(opts[off:])
		off += header.EncodeWSOption(s.WindowScale, opts[off:])
	}
	off += header.AddTCPOptionPadding(opts, off)
	return opts[:off]
}

// Encode builds the Ethernet frame for the segment, with both IPv4 and TCP
// checksums filled in.
func (s *TCPSegment) Encode() ([]byte, error) {
	if s.SrcLinkAddr == "" || s.DstLinkAddr == "" {
		return nil, errors.Wrap(ErrMissingAddress, "link address")
	}
	if !s.SrcIPv4Addr.Is4() || !s.DstIPv4Addr.Is4() {
		return nil, errors.Wrap(ErrMissingAddress, "ipv4 address")
	}
	opts := s.options()
	tcpLen := header.TCPMinimumSize + len(opts) + len(s.Payload)
	ipLen := header.IPv4MinimumSize + tcpLen
	if ipLen > math.MaxUint16 {
		return nil, errors.Wrapf(ErrPayloadTooLarge, "%d bytes", len(s.Payload))
	}
	src, dst := ipv4.Address(s.SrcIPv4Addr), ipv4.Address(s.DstIPv4Addr)

	frame := make([]byte, header.EthernetMinimumSize+ipLen)
	eth := header.Ethernet(frame)
	eth.Encode(&header.EthernetFields{
		SrcAddr: s.SrcLinkAddr,
		DstAddr: s.DstLinkAddr,
		Type:    header.IPv4ProtocolNumber,
	})

	ip := header.IPv4(frame[header.EthernetMinimumSize:])
	ip.Encode(&header.IPv4Fields{
		IHL:         header.IPv4MinimumSize,
		TotalLength: uint16(ipLen),
		TTL:         defaultTTL,
		Protocol:    uint8(header.TCPProtocolNumber),
		SrcAddr:     src,
		DstAddr:     dst,
	})
	ip.SetChecksum(^ip.CalculateChecksum())

	tcp := header.TCP(ip[header.IPv4MinimumSize:])
	tcp.Encode(&header.TCPFields{
		SrcPort:    s.SrcPort,
		DstPort:    s.DstPort,
		SeqNum:     uint32(s.SeqNum),
		AckNum:     uint32(s.AckNum),
		DataOffset: uint8(header.TCPMinimumSize + len(opts)),
		Flags:      s.flags(),
		WindowSize: s.WindowSize,
	})
	copy(tcp[header.TCPMinimumSize:], opts)
	copy(tcp[header.TCPMinimumSize+len(opts):], s.Payload)

	xsum := header.PseudoHeaderChecksum(header.TCPProtocolNumber, src, dst, uint16(tcpLen))
	xsum = header.Checksum(s.Payload, xsum)
	tcp.SetChecksum(^tcp.CalculateChecksum(xsum))
	return frame, nil
}

// Decode parses an Ethernet frame carrying an IPv4 TCP segment. Frames that
// fail any length or checksum check are rejected.
func Decode(frame []byte) (*TCPSegment, error) {
	if len(frame) < header.EthernetMinimumSize {
		return nil, errors.Wrap(ErrMalformed, "short ethernet header")
	}
	eth := header.Ethernet(frame)
	if eth.Type() != header.IPv4ProtocolNumber {
		return nil, ErrNotTCP
	}
	ip := header.IPv4(frame[header.EthernetMinimumSize:])
	if !ip.IsValid(len(ip)) {
		return nil, errors.Wrap(ErrMalformed, "ipv4 header")
	}
	if ip.Protocol() != uint8(header.TCPProtocolNumber) {
		return nil, ErrNotTCP
	}
	ip = ip[:ip.TotalLength()]
	if ip.CalculateChecksum() != 0xffff {
		return nil, errors.Wrap(ErrChecksum, "ipv4")
	}

	tcp := header.TCP(ip[ip.HeaderLength():])
	if len(tcp) < header.TCPMinimumSize {
		return nil, errors.Wrap(ErrMalformed, "short tcp header")
	}
	off := int(tcp.DataOffset())
	if off < header.TCPMinimumSize || off > len(tcp) {
		return nil, errors.Wrapf(ErrMalformed, "tcp data offset %d", off)
	}
	payload := tcp[off:]
	src, dst := ip.SourceAddress(), ip.DestinationAddress()
	xsum := header.PseudoHeaderChecksum(header.TCPProtocolNumber, src, dst, uint16(len(tcp)))
	xsum = header.Checksum(payload, xsum)
	if tcp.CalculateChecksum(xsum) != 0xffff {
		return nil, errors.Wrap(ErrChecksum, "tcp")
	}

	srcAddr, _ := ipv4.FromAddress(src)
	dstAddr, _ := ipv4.FromAddress(dst)
	flags := tcp.Flags()
	s := &TCPSegment{
		SrcLinkAddr: eth.SourceAddress(),
		DstLinkAddr: eth.DestinationAddress(),
		SrcIPv4Addr: srcAddr,
		DstIPv4Addr: dstAddr,
		SrcPort:     tcp.SourcePort(),
		DstPort:     tcp.DestinationPort(),
		SeqNum:      seqnum.Value(tcp.SequenceNumber()),
		AckNum:      seqnum.Value(tcp.AckNumber()),
		Syn:         flags&header.TCPFlagSyn != 0,
		Ack:         flags&header.TCPFlagAck != 0,
		Fin:         flags&header.TCPFlagFin != 0,
		Rst:         flags&header.TCPFlagRst != 0,
		Psh:         flags&header.TCPFlagPsh != 0,
		WindowSize:  tcp.WindowSize(),
	}
	s.MSS, s.WindowScale = parseOptions(tcp[header.TCPMinimumSize:off])
	if len(payload) > 0 {
		s.Payload = append([]byte(nil), payload...)
	}
	return s, nil
}

// parseOptions extracts MSS and window scale. Unlike header.ParseSynOptions
// it keeps an absent MSS distinguishable from the RFC 1122 default.
func parseOptions(opts []byte) (mss uint16, ws int) {
	ws = -1
	for i := 0; i < len(opts); {
		switch opts[i] {
		case header.TCPOptionEOL:
			return
		case header.TCPOptionNOP:
			i++
			continue
		}
		if i+1 >= len(opts) {
			return
		}
		l := int(opts[i+1])
		if l < 2 || i+l > len(opts) {
			return
		}
		switch opts[i] {
		case header.TCPOptionMSS:
			if l == mssOptionLength {
				mss = binary.BigEndian.Uint16(opts[i+2:])
			}
		case header.TCPOptionWS:
			if l == wsOptionLength {
				ws = int(opts[i+2])
			}
		}
		i += l
	}
	return
}

func (s *TCPSegment) String() string {
	var f strings.Builder
	for _, b := range []struct {
		set bool
		c   byte
	}{{s.Syn, 'S'}, {s.Fin, 'F'}, {s.Rst, 'R'}, {s.Psh, 'P'}, {s.Ack, '.'}} {
		if b.set {
			f.WriteByte(b.c)
		}
	}
	return fmt.Sprintf("%s > %s [%s] seq=%d ack=%d win=%d len=%d",
		s.Src(), s.Dst(), f.String(), s.SeqNum, s.AckNum, s.WindowSize, len(s.Payload))
}
