// peer is an interactive Lancast client: every stdin line is sent to the
// relay, every payload from other peers is printed.
// Usage: go run ./cmd/peer -relay localhost:7121
//    or: go run ./cmd/peer -discover
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SWAI-Ltd/Lancast/client"
	"github.com/SWAI-Ltd/Lancast/internal/discovery"
)

func main() {
	relayAddr := flag.String("relay", "localhost:7121", "relay address")
	discover := flag.Bool("discover", false, "find a relay via mDNS instead of -relay")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		cancel()
	}()

	addr := *relayAddr
	if *discover {
		lookupCtx, lookupCancel := context.WithTimeout(ctx, 5*time.Second)
		found, err := discovery.Lookup(lookupCtx)
		lookupCancel()
		if err != nil {
			slog.Error("discovery failed", "err", err)
			os.Exit(1)
		}
		addr = found
		slog.Info("relay discovered", "addr", addr)
	}

	host, port, err := discovery.ParseAddr(addr)
	if err != nil {
		slog.Error("invalid relay address", "addr", addr, "err", err)
		os.Exit(1)
	}

	c := client.New(client.Config{
		OnMessage: func(payload []byte) {
			fmt.Printf("<< %s\n", payload)
		},
		OnDisconnected: func(reason client.Reason, err error) {
			slog.Info("disconnected", "reason", reason, "err", err)
			cancel()
		},
	})

	connectCtx, connectCancel := context.WithTimeout(ctx, 5*time.Second)
	err = c.Connect(connectCtx, host, port)
	connectCancel()
	if err != nil {
		slog.Error("connect failed", "err", err)
		os.Exit(1)
	}
	defer c.Disconnect()
	slog.Info("connected", "relay", addr, "id", c.ID())

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			if err := c.Send(line); err != nil {
				slog.Error("send failed", "err", err)
				cancel()
				return
			}
		}
		cancel()
	}()

	<-ctx.Done()
}
