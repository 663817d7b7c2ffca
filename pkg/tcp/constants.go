package tcp

import (
	"math"
	"time"

	"usertcp/pkg/runtime"
)

const (
	// FallbackMSS is assumed when the peer's SYN-ACK carries no MSS option
	// (RFC 1122, 4.2.2.6).
	FallbackMSS = 536

	sendQueueSize = 1 << 16

	retransmitTick = 10 * time.Millisecond
)

// advertisedWindow is the window we put in outgoing segments for a receive
// buffer with free bytes available.
func advertisedWindow(free int) uint16 {
	if free > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(free)
}

func initialWindow(opts runtime.Options) uint16 {
	return advertisedWindow(int(opts.TCP.ReceiveWindowSize))
}
