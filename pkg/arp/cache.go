// Package arp resolves IPv4 addresses to link addresses.
//
// Resolved addresses live in a cache. A query for an address that is not
// cached broadcasts an ARP request and waits for the reply to be inserted;
// each attempt waits ResolutionTimeout, and after ResolutionAttempts the
// query fails. Concurrent queries for the same address share one entry.
package arp

import (
	"context"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/google/netstack/tcpip"
	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"usertcp/pkg/runtime"
)

var ErrResolutionFailed = errors.New("address resolution failed")

// BroadcastLinkAddr is the Ethernet broadcast address.
const BroadcastLinkAddr = tcpip.LinkAddress("\xff\xff\xff\xff\xff\xff")

type entryState int

const (
	// incomplete means a request is outstanding.
	incomplete entryState = iota
	ready
)

func (s entryState) String() string {
	if s == ready {
		return "ready"
	}
	return "incomplete"
}

type entry struct {
	linkAddr tcpip.LinkAddress
	state    entryState
	// done is closed when the entry becomes ready.
	done chan struct{}
}

// Entry is a snapshot of one cache line.
type Entry struct {
	Addr     netip.Addr
	LinkAddr tcpip.LinkAddress
	Ready    bool
}

// Cache is safe for concurrent use.
type Cache struct {
	rt  *runtime.Runtime
	log *zap.Logger

	mu    sync.Mutex
	table map[netip.Addr]*entry
}

func NewCache(rt *runtime.Runtime) *Cache {
	return &Cache{
		rt:    rt,
		log:   rt.Logger().Named("arp"),
		table: make(map[netip.Addr]*entry),
	}
}

// Insert records a resolved address and wakes everyone waiting on it.
func (c *Cache) Insert(addr netip.Addr, linkAddr tcpip.LinkAddress) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.table[addr]; ok {
		e.linkAddr = linkAddr
		if e.state == incomplete {
			e.state = ready
			close(e.done)
		}
		return
	}
	done := make(chan struct{})
	close(done)
	c.table[addr] = &entry{linkAddr: linkAddr, state: ready, done: done}
}

// TryQuery returns the cached link address without blocking.
func (c *Cache) TryQuery(addr netip.Addr) (tcpip.LinkAddress, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.table[addr]
	if !ok || e.state != ready {
		return "", false
	}
	return e.linkAddr, true
}

// Query resolves addr, sending ARP requests until a reply arrives or the
// attempts run out.
func (c *Cache) Query(ctx context.Context, addr netip.Addr) (tcpip.LinkAddress, error) {
	opts := c.rt.Options().ARP
	for attempt := 0; attempt < opts.ResolutionAttempts; attempt++ {
		e := c.getOrCreate(addr)
		if linkAddr, ok := c.TryQuery(addr); ok {
			return linkAddr, nil
		}
		c.rt.Transmit(c.frame(header.ARPRequest, BroadcastLinkAddr, "", addr))
		c.log.Debug("arp request", zap.Stringer("addr", addr), zap.Int("attempt", attempt+1))

		t := time.NewTimer(opts.ResolutionTimeout)
		select {
		case <-e.done:
			t.Stop()
			if linkAddr, ok := c.TryQuery(addr); ok {
				return linkAddr, nil
			}
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return "", ctx.Err()
		}
	}
	c.forget(addr)
	return "", errors.Wrapf(ErrResolutionFailed, "%s after %d attempts", addr, opts.ResolutionAttempts)
}

func (c *Cache) getOrCreate(addr netip.Addr) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.table[addr]
	if !ok {
		e = &entry{state: incomplete, done: make(chan struct{})}
		c.table[addr] = e
	}
	return e
}

// forget drops an entry that never resolved so the next query starts over.
func (c *Cache) forget(addr netip.Addr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.table[addr]; ok && e.state == incomplete {
		delete(c.table, addr)
	}
}

// HandlePacket learns the sender of an ARP packet and answers requests for
// our own address.
func (c *Cache) HandlePacket(pkt header.ARP) {
	if !pkt.IsValid() {
		return
	}
	opts := c.rt.Options()
	sender := netip.AddrFrom4([4]byte(pkt.ProtocolAddressSender()))
	senderLink := tcpip.LinkAddress(pkt.HardwareAddressSender())
	c.Insert(sender, senderLink)

	target := netip.AddrFrom4([4]byte(pkt.ProtocolAddressTarget()))
	if pkt.Op() == header.ARPRequest && target == opts.MyIPv4Addr {
		c.rt.Transmit(c.frame(header.ARPReply, senderLink, senderLink, sender))
		c.log.Debug("arp reply", zap.Stringer("to", sender))
	}
}

// Entries lists the cache ordered by address.
func (c *Cache) Entries() []Entry {
	c.mu.Lock()
	out := make([]Entry, 0, len(c.table))
	for addr, e := range c.table {
		out = append(out, Entry{Addr: addr, LinkAddr: e.linkAddr, Ready: e.state == ready})
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Addr.Less(out[j].Addr) })
	return out
}

func (c *Cache) frame(op header.ARPOp, dst, targetLink tcpip.LinkAddress, targetIP netip.Addr) []byte {
	opts := c.rt.Options()
	frame := make([]byte, header.EthernetMinimumSize+header.ARPSize)
	header.Ethernet(frame).Encode(&header.EthernetFields{
		SrcAddr: opts.MyLinkAddr,
		DstAddr: dst,
		Type:    header.ARPProtocolNumber,
	})
	pkt := header.ARP(frame[header.EthernetMinimumSize:])
	pkt.SetIPv4OverEthernet()
	pkt.SetOp(op)
	copy(pkt.HardwareAddressSender(), opts.MyLinkAddr)
	myIP := opts.MyIPv4Addr.As4()
	copy(pkt.ProtocolAddressSender(), myIP[:])
	copy(pkt.HardwareAddressTarget(), targetLink)
	tip := targetIP.As4()
	copy(pkt.ProtocolAddressTarget(), tip[:])
	return frame
}
