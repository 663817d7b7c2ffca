// Package lnxconfig parses the .lnx files virtual hosts are started with.
package lnxconfig

import (
	"bufio"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/netstack/tcpip"
	"github.com/pkg/errors"

	"usertcp/pkg/runtime"
)

type InterfaceConfig struct {
	Name           string
	AssignedIP     netip.Addr
	AssignedPrefix netip.Prefix
	UDPAddr        netip.AddrPort
}

type NeighborConfig struct {
	DestAddr netip.Addr
	LinkAddr tcpip.LinkAddress
	UDPAddr  netip.AddrPort
}

type IPConfig struct {
	Interfaces []InterfaceConfig
	Neighbors  []NeighborConfig
	LinkAddr   tcpip.LinkAddress

	TcpAdvertisedMSS    uint16
	TcpReceiveWindow    uint32
	TcpHandshakeRetries int
	TcpHandshakeTimeout time.Duration
	TcpRtoMin           time.Duration
	TcpRtoMax           time.Duration
	TcpMaxRetransmits   int

	ArpResolutionTimeout  time.Duration
	ArpResolutionAttempts int
}

// Options turns the parsed file into runtime options. Anything the file
// left out keeps its default.
func (c *IPConfig) Options() runtime.Options {
	opts := runtime.DefaultOptions()
	if len(c.Interfaces) > 0 {
		opts.MyIPv4Addr = c.Interfaces[0].AssignedIP
	}
	opts.MyLinkAddr = c.LinkAddr
	if c.TcpAdvertisedMSS != 0 {
		opts.TCP.AdvertisedMSS = c.TcpAdvertisedMSS
	}
	if c.TcpReceiveWindow != 0 {
		opts.TCP.ReceiveWindowSize = c.TcpReceiveWindow
	}
	if c.TcpHandshakeRetries != 0 {
		opts.TCP.HandshakeRetries = c.TcpHandshakeRetries
	}
	if c.TcpHandshakeTimeout != 0 {
		opts.TCP.HandshakeTimeout = c.TcpHandshakeTimeout
	}
	if c.TcpRtoMin != 0 {
		opts.TCP.RtoMin = c.TcpRtoMin
	}
	if c.TcpRtoMax != 0 {
		opts.TCP.RtoMax = c.TcpRtoMax
	}
	if c.TcpMaxRetransmits != 0 {
		opts.TCP.MaxRetransmits = c.TcpMaxRetransmits
	}
	if c.ArpResolutionTimeout != 0 {
		opts.ARP.ResolutionTimeout = c.ArpResolutionTimeout
	}
	if c.ArpResolutionAttempts != 0 {
		opts.ARP.ResolutionAttempts = c.ArpResolutionAttempts
	}
	return opts
}

func ParseConfig(path string) (*IPConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open config")
	}
	defer f.Close()

	cfg := &IPConfig{}
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if err := cfg.parseDirective(fields); err != nil {
			return nil, errors.Wrapf(err, "%s:%d", path, lineNo)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	if len(cfg.Interfaces) == 0 {
		return nil, errors.Errorf("%s: no interface directive", path)
	}
	if cfg.LinkAddr == "" {
		return nil, errors.Errorf("%s: no link-addr directive", path)
	}
	return cfg, nil
}

func (c *IPConfig) parseDirective(fields []string) error {
	args := fields[1:]
	need := func(n int) error {
		if len(args) != n {
			return errors.Errorf("%s: expected %d arguments, got %d", fields[0], n, len(args))
		}
		return nil
	}
	var err error
	switch fields[0] {
	case "interface":
		if err = need(3); err != nil {
			return err
		}
		prefix, err := netip.ParsePrefix(args[1])
		if err != nil {
			return errors.Wrap(err, "interface prefix")
		}
		udp, err := netip.ParseAddrPort(args[2])
		if err != nil {
			return errors.Wrap(err, "interface udp address")
		}
		c.Interfaces = append(c.Interfaces, InterfaceConfig{
			Name:           args[0],
			AssignedIP:     prefix.Addr(),
			AssignedPrefix: prefix.Masked(),
			UDPAddr:        udp,
		})
	case "link-addr":
		if err = need(1); err != nil {
			return err
		}
		c.LinkAddr, err = parseLinkAddr(args[0])
	case "neighbor":
		// neighbor <ip> at <mac> via <udp-addr>
		if err = need(5); err != nil {
			return err
		}
		if args[1] != "at" || args[3] != "via" {
			return errors.New("neighbor: expected 'neighbor <ip> at <mac> via <udp-addr>'")
		}
		var n NeighborConfig
		if n.DestAddr, err = netip.ParseAddr(args[0]); err != nil {
			return errors.Wrap(err, "neighbor address")
		}
		if n.LinkAddr, err = parseLinkAddr(args[2]); err != nil {
			return err
		}
		if n.UDPAddr, err = netip.ParseAddrPort(args[4]); err != nil {
			return errors.Wrap(err, "neighbor udp address")
		}
		c.Neighbors = append(c.Neighbors, n)
	case "tcp-advertised-mss":
		if err = need(1); err != nil {
			return err
		}
		var v uint64
		v, err = strconv.ParseUint(args[0], 10, 16)
		c.TcpAdvertisedMSS = uint16(v)
	case "tcp-receive-window":
		if err = need(1); err != nil {
			return err
		}
		var v uint64
		v, err = strconv.ParseUint(args[0], 10, 32)
		c.TcpReceiveWindow = uint32(v)
	case "tcp-handshake-retries":
		if err = need(1); err != nil {
			return err
		}
		c.TcpHandshakeRetries, err = strconv.Atoi(args[0])
	case "tcp-handshake-timeout":
		if err = need(1); err != nil {
			return err
		}
		c.TcpHandshakeTimeout, err = time.ParseDuration(args[0])
	case "tcp-rto-min":
		if err = need(1); err != nil {
			return err
		}
		c.TcpRtoMin, err = time.ParseDuration(args[0])
	case "tcp-rto-max":
		if err = need(1); err != nil {
			return err
		}
		c.TcpRtoMax, err = time.ParseDuration(args[0])
	case "tcp-max-retransmits":
		if err = need(1); err != nil {
			return err
		}
		c.TcpMaxRetransmits, err = strconv.Atoi(args[0])
	case "arp-resolution-timeout":
		if err = need(1); err != nil {
			return err
		}
		c.ArpResolutionTimeout, err = time.ParseDuration(args[0])
	case "arp-resolution-attempts":
		if err = need(1); err != nil {
			return err
		}
		c.ArpResolutionAttempts, err = strconv.Atoi(args[0])
	default:
		return errors.Errorf("unknown directive %q", fields[0])
	}
	return errors.Wrap(err, fields[0])
}

func parseLinkAddr(s string) (tcpip.LinkAddress, error) {
	hw, err := net.ParseMAC(s)
	if err != nil {
		return "", errors.Wrap(err, "link address")
	}
	if len(hw) != 6 {
		return "", errors.Errorf("link address %s is not 48 bits", s)
	}
	return tcpip.LinkAddress(hw), nil
}
