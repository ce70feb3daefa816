package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/SWAI-Ltd/Lancast/internal/discovery"
	"github.com/SWAI-Ltd/Lancast/internal/relay"
)

func main() {
	addr := flag.String("addr", ":7121", "listen address")
	announce := flag.Bool("announce", false, "announce this relay via mDNS")
	name := flag.String("name", "lancast-relay", "mDNS instance name")
	echo := flag.Bool("echo", false, "include the sender in broadcasts")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		cancel()
	}()

	srv := relay.NewServer(relay.Config{EchoToSender: *echo})
	if err := srv.Start(ctx, *addr); err != nil {
		slog.Error("failed to start relay", "err", err)
		os.Exit(1)
	}

	if *announce {
		_, port, err := discovery.ParseAddr(srv.Addr())
		if err != nil {
			slog.Error("cannot announce", "addr", srv.Addr(), "err", err)
			os.Exit(1)
		}
		ann, err := discovery.Announce(*name, port)
		if err != nil {
			slog.Error("mDNS announce failed", "err", err)
			os.Exit(1)
		}
		defer ann.Close()
		slog.Info("announcing", "name", *name, "port", port)
	}

	<-ctx.Done()
	srv.Stop()
	slog.Info("relay shutting down")
}
