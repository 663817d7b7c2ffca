package main

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"usertcp/pkg/arp"
	"usertcp/pkg/ipstack"
	"usertcp/pkg/iptcpstack"
	"usertcp/pkg/link"
	"usertcp/pkg/lnxconfig"
	"usertcp/pkg/repl"
	"usertcp/pkg/runtime"
)

func main() {
	if len(os.Args) != 3 || os.Args[1] != "--config" {
		fmt.Printf("Usage:  %s --config <lnx file>\n", os.Args[0])
		os.Exit(1)
	}
	cfg, err := lnxconfig.ParseConfig(os.Args[2])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("vhost failed", zap.Error(err))
	}
}

func run(cfg *lnxconfig.IPConfig, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	peers := make([]netip.AddrPort, 0, len(cfg.Neighbors))
	for _, n := range cfg.Neighbors {
		peers = append(peers, n.UDPAddr)
	}
	udp, err := link.ListenUDP(cfg.Interfaces[0].UDPAddr, peers, logger)
	if err != nil {
		return err
	}
	defer udp.Close()

	rt := runtime.New(cfg.Options(), udp, logger)
	cache := arp.NewCache(rt)
	for _, n := range cfg.Neighbors {
		if n.LinkAddr != "" {
			cache.Insert(n.DestAddr, n.LinkAddr)
		}
	}
	tcpStack := iptcpstack.NewTCPStack(rt, cache)
	defer tcpStack.Close()
	ipStack := ipstack.New(rt, cache, tcpStack)

	go func() {
		if err := udp.ReadLoop(ctx, ipStack.HandleFrame); err != nil {
			logger.Error("link read loop stopped", zap.Error(err))
			stop()
		}
	}()

	logger.Info("host up",
		zap.Stringer("addr", rt.Options().MyIPv4Addr),
		zap.Stringer("link", rt.Options().MyLinkAddr),
		zap.Stringer("udp", udp.LocalAddr()))
	repl.Run(ctx, &repl.Host{Config: cfg, ARP: cache, IP: ipStack, TCP: tcpStack}, os.Stdin, os.Stdout)
	stop()
	return nil
}
