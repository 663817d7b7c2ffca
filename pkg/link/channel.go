// Package link provides the link-layer transports frames are emitted on.
package link

// Channel is an in-memory link. Frames are queued on a buffered channel and
// dropped when it is full, the way a saturated NIC queue drops.
type Channel struct {
	c chan []byte
}

func NewChannel(size int) *Channel {
	return &Channel{c: make(chan []byte, size)}
}

func (ch *Channel) Transmit(frame []byte) {
	select {
	case ch.c <- frame:
	default:
	}
}

// C returns the queue of transmitted frames.
func (ch *Channel) C() <-chan []byte {
	return ch.c
}

// Drain removes and returns every queued frame.
func (ch *Channel) Drain() [][]byte {
	var out [][]byte
	for {
		select {
		case f := <-ch.c:
			out = append(out, f)
		default:
			return out
		}
	}
}
