package tcp

import "github.com/pkg/errors"

var (
	// ErrConnectionRefused means the peer answered the handshake with RST.
	ErrConnectionRefused = errors.New("connection refused")
	// ErrTimeout means the handshake or a retransmission ran out of retries.
	ErrTimeout = errors.New("connection timed out")
	// ErrConnectionAborted is reported once both directions have closed.
	ErrConnectionAborted = errors.New("connection aborted")
	ErrConnectionReset   = errors.New("connection reset by peer")
	ErrResolutionFailed  = errors.New("link address resolution failed")
	ErrWindowOverflow    = errors.New("window size overflow")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNotOpen           = errors.New("sender is closed")
	// ErrListenerClosed is returned by Accept once the listener is closed.
	ErrListenerClosed    = errors.New("listener closed")
)
