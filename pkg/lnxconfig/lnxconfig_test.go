package lnxconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleConfig = `# host A
interface if0 10.0.0.1/24 127.0.0.1:5000
link-addr 02:00:00:00:00:01
neighbor 10.0.0.2 at 02:00:00:00:00:02 via 127.0.0.1:5001

tcp-advertised-mss 1200
tcp-handshake-timeout 250ms
tcp-rto-min 10ms
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "host.lnx")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if len(cfg.Interfaces) != 1 || cfg.Interfaces[0].Name != "if0" {
		t.Fatalf("Interfaces = %+v", cfg.Interfaces)
	}
	if got := cfg.Interfaces[0].AssignedPrefix.String(); got != "10.0.0.0/24" {
		t.Errorf("AssignedPrefix = %s, want 10.0.0.0/24", got)
	}
	if len(cfg.Neighbors) != 1 || cfg.Neighbors[0].UDPAddr.Port() != 5001 {
		t.Errorf("Neighbors = %+v", cfg.Neighbors)
	}

	opts := cfg.Options()
	if opts.MyIPv4Addr.String() != "10.0.0.1" {
		t.Errorf("MyIPv4Addr = %s, want 10.0.0.1", opts.MyIPv4Addr)
	}
	if opts.MyLinkAddr != "\x02\x00\x00\x00\x00\x01" {
		t.Errorf("MyLinkAddr = %v", opts.MyLinkAddr)
	}
	if opts.TCP.AdvertisedMSS != 1200 {
		t.Errorf("AdvertisedMSS = %d, want 1200", opts.TCP.AdvertisedMSS)
	}
	if opts.TCP.HandshakeTimeout != 250*time.Millisecond {
		t.Errorf("HandshakeTimeout = %v, want 250ms", opts.TCP.HandshakeTimeout)
	}
	if opts.TCP.HandshakeRetries != 3 {
		t.Errorf("HandshakeRetries = %d, want default 3", opts.TCP.HandshakeRetries)
	}
}

func TestParseConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown directive", "interface if0 10.0.0.1/24 127.0.0.1:5000\nlink-addr 02:00:00:00:00:01\nbogus 1\n"},
		{"missing interface", "link-addr 02:00:00:00:00:01\n"},
		{"missing link addr", "interface if0 10.0.0.1/24 127.0.0.1:5000\n"},
		{"bad duration", "interface if0 10.0.0.1/24 127.0.0.1:5000\nlink-addr 02:00:00:00:00:01\ntcp-rto-min soon\n"},
		{"bad neighbor", "interface if0 10.0.0.1/24 127.0.0.1:5000\nlink-addr 02:00:00:00:00:01\nneighbor 10.0.0.2 02:00:00:00:00:02\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseConfig(writeConfig(t, tt.body)); err == nil {
				t.Error("ParseConfig succeeded, want error")
			}
		})
	}
}
