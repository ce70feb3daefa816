// Package discovery lets a relay announce itself on the local network over
// mDNS and lets clients find one without configuration. Optional at both
// ends: everything works with a plain host:port too.
package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/betamos/zeroconf"
)

const (
	ServiceType = "_lancast._udp"
	Domain      = "local."
)

// Relay is a relay instance seen on the local network.
type Relay struct {
	Name string
	Addr string // host:port, dialable
	Port int
}

// Announcer publishes this relay instance over mDNS until closed.
type Announcer struct {
	client   *zeroconf.Client
	instance string
}

// Announce publishes a relay instance listening on the given UDP port.
func Announce(instance string, port int) (*Announcer, error) {
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("discovery: port %d out of range", port)
	}
	svcType := zeroconf.NewType(ServiceType)
	self := zeroconf.NewService(svcType, instance, uint16(port))

	client, err := zeroconf.New().Publish(self).Open()
	if err != nil {
		return nil, fmt.Errorf("zeroconf: %w", err)
	}
	return &Announcer{client: client, instance: instance}, nil
}

// Close stops announcing.
func (a *Announcer) Close() error {
	if a.client != nil {
		return a.client.Close()
	}
	return nil
}

// Browser watches the local network for relay instances.
type Browser struct {
	client *zeroconf.Client
}

// NewBrowser starts browsing; onRelay is invoked for every relay seen.
func NewBrowser(onRelay func(Relay)) (*Browser, error) {
	svcType := zeroconf.NewType(ServiceType)
	client, err := zeroconf.New().
		Browse(func(e zeroconf.Event) {
			handleEvent(e, onRelay)
		}, svcType).
		Open()
	if err != nil {
		return nil, fmt.Errorf("zeroconf: %w", err)
	}
	return &Browser{client: client}, nil
}

func handleEvent(e zeroconf.Event, onRelay func(Relay)) {
	var addrs []string
	for _, a := range e.Addrs {
		if a.IsValid() {
			addrs = append(addrs, net.JoinHostPort(a.String(), strconv.Itoa(int(e.Port))))
		}
	}
	if len(addrs) == 0 {
		return
	}
	// Prefer an IPv4 address when one was advertised.
	addr := addrs[0]
	for _, a := range addrs {
		if !strings.Contains(a, ":") || strings.Count(a, ":") < 2 {
			addr = a
			break
		}
	}

	if onRelay != nil {
		onRelay(Relay{Name: e.Name, Addr: addr, Port: int(e.Port)})
	}
}

// Close stops browsing.
func (b *Browser) Close() error {
	if b.client != nil {
		return b.client.Close()
	}
	return nil
}

// Lookup browses until the first relay appears and returns its dialable
// address, or the ctx error if none shows up in time.
func Lookup(ctx context.Context) (string, error) {
	found := make(chan Relay, 1)
	browser, err := NewBrowser(func(r Relay) {
		select {
		case found <- r:
		default:
		}
	})
	if err != nil {
		return "", err
	}
	defer browser.Close()

	select {
	case r := <-found:
		return r.Addr, nil
	case <-ctx.Done():
		return "", fmt.Errorf("discovery: no relay found: %w", ctx.Err())
	}
}

// ParseAddr splits "host:port" into its parts.
func ParseAddr(s string) (host string, port int, err error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, err
	}
	port, err = strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}
