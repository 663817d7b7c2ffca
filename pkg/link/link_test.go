package link

import (
	"bytes"
	"context"
	"net/netip"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestChannelDropsWhenFull(t *testing.T) {
	ch := NewChannel(2)
	for i := 0; i < 5; i++ {
		ch.Transmit([]byte{byte(i)})
	}
	got := ch.Drain()
	if len(got) != 2 {
		t.Fatalf("Drain returned %d frames, want 2", len(got))
	}
	if got[0][0] != 0 || got[1][0] != 1 {
		t.Errorf("Drain = %v, want the first two frames", got)
	}
}

func TestUDPLinkDeliversFrames(t *testing.T) {
	log := zaptest.NewLogger(t)
	loopback := netip.MustParseAddrPort("127.0.0.1:0")
	b, err := ListenUDP(loopback, nil, log)
	if err != nil {
		t.Fatal(err)
	}
	a, err := ListenUDP(loopback, []netip.AddrPort{b.LocalAddr()}, log)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	frames := make(chan []byte, 1)
	go b.ReadLoop(ctx, func(f []byte) { frames <- f })

	a.Transmit([]byte("frame"))
	select {
	case f := <-frames:
		if !bytes.Equal(f, []byte("frame")) {
			t.Errorf("received %q, want %q", f, "frame")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame not delivered")
	}
}
