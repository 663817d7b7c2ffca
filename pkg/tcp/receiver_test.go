package tcp

import (
	"testing"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
	"github.com/smallnest/ringbuffer"
)

// receive calls Receive and fails the test on a buffer error.
func receive(t *testing.T, r *Receiver, seq seqnum.Value, payload []byte, fin bool) bool {
	t.Helper()
	ok, err := r.Receive(seq, payload, fin)
	if err != nil {
		t.Fatalf("Receive(%d) error = %v", seq, err)
	}
	return ok
}

func TestReceiverInOrder(t *testing.T) {
	r := NewReceiver(5001, 16)
	if !receive(t, r, 5001, []byte("abc"), false) {
		t.Fatal("in-order segment rejected")
	}
	if receive(t, r, 5010, []byte("zzz"), false) {
		t.Error("out-of-order segment accepted")
	}
	if receive(t, r, 5001, []byte("abc"), false) {
		t.Error("duplicate segment accepted")
	}
	if got := r.RecvSeqNo().Get(); got != 5004 {
		t.Errorf("recv = %d, want 5004", got)
	}
	if got := r.Window(); got != 13 {
		t.Errorf("window = %d, want 13", got)
	}

	buf := make([]byte, 8)
	n, err := r.Pop(buf)
	if err != nil || string(buf[:n]) != "abc" {
		t.Fatalf("Pop() = %q, %v; want \"abc\"", buf[:n], err)
	}
	if got := r.Window(); got != 16 {
		t.Errorf("window after Pop = %d, want 16", got)
	}
}

func TestReceiverTruncatesToBuffer(t *testing.T) {
	r := NewReceiver(0, 4)
	if !receive(t, r, 0, []byte("abcdef"), true) {
		t.Fatal("segment rejected")
	}
	if got := r.RecvSeqNo().Get(); got != 4 {
		t.Errorf("recv = %d, want 4", got)
	}
	if got := r.State().Get(); got != ReceiverOpen {
		t.Errorf("state = %s, want Open since the FIN was cut off", got)
	}
}

func TestReceiverFin(t *testing.T) {
	r := NewReceiver(7000, 64)
	if err := r.AckFin(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("AckFin() while open = %v, want ErrInvalidTransition", err)
	}
	if !receive(t, r, 7000, []byte("bye"), true) {
		t.Fatal("data with FIN rejected")
	}
	if got := r.State().Get(); got != ReceiverReceivedFin {
		t.Fatalf("state = %s, want ReceivedFin", got)
	}
	if receive(t, r, 7003, []byte("more"), false) {
		t.Error("data after FIN accepted")
	}
	if err := r.MarkAcked(7004); err == nil {
		t.Error("MarkAcked past recv succeeded")
	}
	if err := r.MarkAcked(7003); err != nil {
		t.Fatal(err)
	}
	if err := r.AckFin(); err != nil {
		t.Fatal(err)
	}
	if got := r.State().Get(); got != ReceiverAckdFin {
		t.Errorf("state = %s, want AckdFin", got)
	}
}

func TestReceiverBareFinPastRecv(t *testing.T) {
	r := NewReceiver(2000, 64)
	if !receive(t, r, 2001, nil, true) {
		t.Fatal("FIN one past recv rejected")
	}
	if got := r.RecvSeqNo().Get(); got != 2000 {
		t.Errorf("recv = %d, want 2000", got)
	}
	if got := r.State().Get(); got != ReceiverReceivedFin {
		t.Errorf("state = %s, want ReceivedFin", got)
	}
}

func TestReceiverQueueErrorDropsSegment(t *testing.T) {
	r := NewReceiver(3000, 64)
	r.queue.CloseWriter()

	ok, err := r.Receive(3000, []byte("lost"), true)
	if ok || !errors.Is(err, ringbuffer.ErrWriteOnClosed) {
		t.Fatalf("Receive() = %v, %v; want false, ErrWriteOnClosed", ok, err)
	}
	if got := r.RecvSeqNo().Get(); got != 3000 {
		t.Errorf("recv = %d, want 3000", got)
	}
	if got := r.State().Get(); got != ReceiverOpen {
		t.Errorf("state = %s, want Open since the segment was dropped", got)
	}
}
