// Package repl is the interactive command loop of a virtual host.
package repl

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"text/tabwriter"

	"usertcp/pkg/arp"
	"usertcp/pkg/ipstack"
	"usertcp/pkg/iptcpstack"
	"usertcp/pkg/lnxconfig"
)

// Host is everything the commands operate on.
type Host struct {
	Config *lnxconfig.IPConfig
	ARP    *arp.Cache
	IP     *ipstack.IPStack
	TCP    *iptcpstack.TCPStack
}

const usage = `Commands:
  li                        list interfaces
  ln                        list neighbors
  la                        list the ARP cache
  ls                        list sockets
  a <port>                  listen and accept in the background
  c <addr> <port>           connect
  s <sid> <data>            send
  r <sid> <numbytes>        receive
  cl <sid>                  close
  sf <file> <addr> <port>   send a file
  rf <file> <port>          receive a file
  stats                     frame counters
  exit                      quit`

// syncWriter serializes the prompt loop with background accept loops.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.Write(p)
}

// Run reads commands from in until it is exhausted, ctx is done or the user
// quits.
func Run(ctx context.Context, h *Host, in io.Reader, out io.Writer) {
	out = &syncWriter{w: out}
	reader := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !reader.Scan() {
			return
		}
		fields := strings.Fields(reader.Text())
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "exit" || fields[0] == "q" {
			return
		}
		if err := h.exec(ctx, fields, reader.Text(), out); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (h *Host) exec(ctx context.Context, fields []string, line string, out io.Writer) error {
	switch fields[0] {
	case "li":
		w := tabwriter.NewWriter(out, 1, 1, 3, ' ', 0)
		fmt.Fprintln(w, "Name\tAddr/Prefix\tUDPAddr\tLinkAddr")
		for _, iface := range h.Config.Interfaces {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", iface.Name, iface.AssignedPrefix, iface.UDPAddr, h.Config.LinkAddr)
		}
		return w.Flush()

	case "ln":
		w := tabwriter.NewWriter(out, 1, 1, 3, ' ', 0)
		fmt.Fprintln(w, "VIP\tLinkAddr\tUDPAddr")
		for _, n := range h.Config.Neighbors {
			fmt.Fprintf(w, "%s\t%s\t%s\n", n.DestAddr, n.LinkAddr, n.UDPAddr)
		}
		return w.Flush()

	case "la":
		w := tabwriter.NewWriter(out, 1, 1, 3, ' ', 0)
		fmt.Fprintln(w, "Addr\tLinkAddr\tState")
		for _, e := range h.ARP.Entries() {
			state := "incomplete"
			if e.Ready {
				state = "ready"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", e.Addr, e.LinkAddr, state)
		}
		return w.Flush()

	case "ls":
		w := tabwriter.NewWriter(out, 1, 1, 3, ' ', 0)
		fmt.Fprintln(w, "SID\tLAddr\tLPort\tRAddr\tRPort\tStatus\tSend\tRecv")
		for _, s := range h.TCP.Sockets() {
			fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%d\t%s\t%s\t%s\n",
				s.SID, s.Local.Addr, s.Local.Port, s.Remote.Addr, s.Remote.Port, s.Status, s.SenderState, s.ReceiverState)
		}
		return w.Flush()

	case "a":
		if len(fields) != 2 {
			return fmt.Errorf("usage: a <port>")
		}
		port, err := parsePort(fields[1])
		if err != nil {
			return err
		}
		lsid, err := h.TCP.VListen(port)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Listening on port %d with socket ID %d\n", port, lsid)
		go h.acceptLoop(ctx, lsid, out)
		return nil

	case "c":
		if len(fields) != 3 {
			return fmt.Errorf("usage: c <addr> <port>")
		}
		remote, err := parseAddrPort(fields[1], fields[2])
		if err != nil {
			return err
		}
		sid, _, err := h.TCP.VConnect(ctx, remote)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Created new socket with ID %d\n", sid)
		return nil

	case "s":
		parts := strings.SplitN(strings.TrimSpace(line), " ", 3)
		if len(parts) != 3 {
			return fmt.Errorf("usage: s <sid> <data>")
		}
		sid, err := strconv.Atoi(parts[1])
		if err != nil {
			return fmt.Errorf("invalid socket ID %q", parts[1])
		}
		n, err := h.TCP.VWrite(ctx, sid, []byte(parts[2]))
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Sent %d bytes\n", n)
		return nil

	case "r":
		if len(fields) != 3 {
			return fmt.Errorf("usage: r <sid> <numbytes>")
		}
		sid, err := strconv.Atoi(fields[1])
		if err != nil {
			return fmt.Errorf("invalid socket ID %q", fields[1])
		}
		size, err := strconv.Atoi(fields[2])
		if err != nil || size <= 0 {
			return fmt.Errorf("invalid byte count %q", fields[2])
		}
		buf := make([]byte, size)
		n, err := h.TCP.VRead(ctx, sid, buf)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Read %d bytes: %s\n", n, buf[:n])
		return nil

	case "cl":
		if len(fields) != 2 {
			return fmt.Errorf("usage: cl <sid>")
		}
		sid, err := strconv.Atoi(fields[1])
		if err != nil {
			return fmt.Errorf("invalid socket ID %q", fields[1])
		}
		return h.TCP.VClose(sid)

	case "sf":
		if len(fields) != 4 {
			return fmt.Errorf("usage: sf <file> <addr> <port>")
		}
		remote, err := parseAddrPort(fields[2], fields[3])
		if err != nil {
			return err
		}
		n, err := h.TCP.SendFile(ctx, fields[1], remote)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Sent %d total bytes\n", n)
		return nil

	case "rf":
		if len(fields) != 3 {
			return fmt.Errorf("usage: rf <file> <port>")
		}
		port, err := parsePort(fields[2])
		if err != nil {
			return err
		}
		n, err := h.TCP.ReceiveFile(ctx, fields[1], port)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Received %d total bytes\n", n)
		return nil

	case "stats":
		st := h.IP.Stats()
		fmt.Fprintf(out, "arp=%d segments=%d malformed=%d filtered=%d\n", st.ARP, st.Segments, st.Malformed, st.Filtered)
		return nil

	case "help", "h":
		fmt.Fprintln(out, usage)
		return nil

	default:
		return fmt.Errorf("unknown command %q, try help", fields[0])
	}
}

// acceptLoop accepts connections on lsid until the listener is closed or
// ctx is done.
func (h *Host) acceptLoop(ctx context.Context, lsid int, out io.Writer) {
	for {
		sid, _, err := h.TCP.VAccept(ctx, lsid)
		if err != nil {
			return
		}
		fmt.Fprintf(out, "New connection on socket %d\n", sid)
	}
}

func parseAddrPort(addr, port string) (netip.AddrPort, error) {
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid IP address %q", addr)
	}
	p, err := parsePort(port)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return netip.AddrPortFrom(ip, p), nil
}

func parsePort(port string) (uint16, error) {
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", port)
	}
	return uint16(p), nil
}
