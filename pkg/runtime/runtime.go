// Package runtime bundles what every protocol task needs from its
// environment: options, the outbound frame sink, timers and a logger.
package runtime

import (
	"context"
	"math/rand"
	"net/netip"
	"sync"
	"time"

	"github.com/google/netstack/tcpip"
	"github.com/google/netstack/tcpip/seqnum"
	"go.uber.org/zap"
)

// TCPOptions tunes the TCP engine.
type TCPOptions struct {
	AdvertisedMSS     uint16
	ReceiveWindowSize uint32
	HandshakeRetries  int
	HandshakeTimeout  time.Duration
	RtoMin            time.Duration
	RtoMax            time.Duration
	MaxRetransmits    int
}

// ARPOptions tunes address resolution.
type ARPOptions struct {
	ResolutionTimeout  time.Duration
	ResolutionAttempts int
}

type Options struct {
	MyIPv4Addr netip.Addr
	MyLinkAddr tcpip.LinkAddress
	TCP        TCPOptions
	ARP        ARPOptions
}

func DefaultOptions() Options {
	return Options{
		TCP: TCPOptions{
			AdvertisedMSS:     1460,
			ReceiveWindowSize: 0xffff,
			HandshakeRetries:  3,
			HandshakeTimeout:  5 * time.Second,
			RtoMin:            200 * time.Millisecond,
			RtoMax:            60 * time.Second,
			MaxRetransmits:    3,
		},
		ARP: ARPOptions{
			ResolutionTimeout:  time.Second,
			ResolutionAttempts: 3,
		},
	}
}

// Transmitter hands a fully framed packet to the link. There is no delivery
// confirmation and no backpressure.
type Transmitter interface {
	Transmit(frame []byte)
}

// TransmitterFunc adapts a function to Transmitter.
type TransmitterFunc func(frame []byte)

func (f TransmitterFunc) Transmit(frame []byte) { f(frame) }

type Runtime struct {
	opts   Options
	tx     Transmitter
	logger *zap.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

func New(opts Options, tx Transmitter, logger *zap.Logger) *Runtime {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runtime{
		opts:   opts,
		tx:     tx,
		logger: logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (rt *Runtime) Options() Options { return rt.opts }

func (rt *Runtime) Logger() *zap.Logger { return rt.logger }

func (rt *Runtime) Transmit(frame []byte) { rt.tx.Transmit(frame) }

// Wait blocks for at least d, or until ctx is done.
func (rt *Runtime) Wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NewISN picks an initial sequence number.
func (rt *Runtime) NewISN() seqnum.Value {
	rt.rngMu.Lock()
	defer rt.rngMu.Unlock()
	return seqnum.Value(rt.rng.Uint32())
}

// EphemeralPort picks a local port from the dynamic range.
func (rt *Runtime) EphemeralPort() uint16 {
	rt.rngMu.Lock()
	defer rt.rngMu.Unlock()
	return uint16(49152 + rt.rng.Intn(65535-49152))
}
