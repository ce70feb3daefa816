// Package client provides the Lancast SDK: connect to a relay, send opaque
// payloads, and receive everything other peers send through caller-supplied
// handlers. Context controls connect timeouts.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/SWAI-Ltd/Lancast/internal/transport"
)

var (
	// ErrConnect wraps a failed connection attempt (refused, unreachable or
	// timed out). The attempt is fatal; callers may retry with a new Connect.
	ErrConnect = errors.New("client: connect failed")

	// ErrNotConnected is returned by Send on a disconnected client. Caller
	// misuse: reported synchronously, no network I/O is attempted.
	ErrNotConnected = errors.New("client: not connected")

	// ErrAlreadyConnected is returned by Connect on a connected client.
	ErrAlreadyConnected = errors.New("client: already connected")

	// ErrSend wraps a write failure. The client is disconnected afterwards.
	ErrSend = errors.New("client: send failed")
)

// Reason tells the OnDisconnected handler why the session ended.
type Reason int

const (
	// ReasonPeerClosed is orderly end-of-stream from the relay, distinct
	// from an I/O failure.
	ReasonPeerClosed Reason = iota + 1
	// ReasonError is an I/O failure on read or write.
	ReasonError
	// ReasonLocalClosed is an explicit Disconnect by the caller.
	ReasonLocalClosed
)

func (r Reason) String() string {
	switch r {
	case ReasonPeerClosed:
		return "peer-closed"
	case ReasonError:
		return "error"
	case ReasonLocalClosed:
		return "local-closed"
	default:
		return "unknown"
	}
}

// Config configures a Client.
type Config struct {
	// OnMessage is invoked from the read-dispatch goroutine with each payload
	// received from the relay. Payloads are opaque bytes; boundaries are
	// whatever the transport delivers per read.
	OnMessage func(payload []byte)

	// OnDisconnected is invoked at most once per connection cycle when the
	// session ends. err is non-nil only for ReasonError.
	OnDisconnected func(reason Reason, err error)
}

// Client holds one outbound relay connection. A new Connect after a
// disconnect starts a fresh cycle.
type Client struct {
	cfg Config
	id  uuid.UUID

	mu       sync.Mutex
	conn     *transport.Conn
	done     chan struct{}
	notified bool
}

// New creates a disconnected client with a fresh session identity.
func New(cfg Config) *Client {
	return &Client{cfg: cfg, id: uuid.New()}
}

// ID returns the client's session identity.
func (c *Client) ID() uuid.UUID { return c.id }

// Connected reports whether the client currently holds a live session.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Connect establishes the session and starts the read-dispatch goroutine.
// It returns once the relay has acknowledged registration, so a successful
// Connect means this client is already a broadcast recipient. Use a ctx
// deadline to bound the attempt.
func (c *Client) Connect(ctx context.Context, host string, port int) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.mu.Unlock()

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := transport.Dial(ctx, addr, c.id)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrConnect, addr, err)
	}

	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		conn.Close()
		return ErrAlreadyConnected
	}
	done := make(chan struct{})
	c.conn = conn
	c.done = done
	c.notified = false
	c.mu.Unlock()

	go c.readDispatch(conn, done)
	return nil
}

// Send writes payload to the relay. Fails synchronously with ErrNotConnected
// while disconnected; a write failure surfaces as ErrSend and tears the
// session down.
func (c *Client) Send(payload []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.Send(payload); err != nil {
		c.teardown(conn, ReasonError, err)
		return fmt.Errorf("%w: %v", ErrSend, err)
	}
	return nil
}

// Disconnect closes the session, stops the read-dispatch goroutine and
// notifies OnDisconnected with ReasonLocalClosed. Idempotent: extra calls do
// nothing and produce no duplicate notification.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	done := c.done
	c.mu.Unlock()
	if conn == nil {
		return
	}
	c.teardown(conn, ReasonLocalClosed, nil)
	if done != nil {
		<-done
	}
}

func (c *Client) readDispatch(conn *transport.Conn, done chan struct{}) {
	defer close(done)
	for {
		payload, err := conn.Receive()
		if err != nil {
			switch {
			case transport.IsLocalClose(err):
				c.teardown(conn, ReasonLocalClosed, nil)
			case transport.IsEndOfStream(err):
				c.teardown(conn, ReasonPeerClosed, nil)
			default:
				c.teardown(conn, ReasonError, err)
			}
			return
		}
		if c.cfg.OnMessage != nil {
			c.cfg.OnMessage(payload)
		}
	}
}

// teardown ends the cycle for the given conn. Several paths race here (Send
// failure, Disconnect, read-dispatch exit); the notified flag keeps the
// OnDisconnected handler to one invocation, and a conn mismatch means a new
// cycle already started and there is nothing left to do.
func (c *Client) teardown(from *transport.Conn, reason Reason, err error) {
	c.mu.Lock()
	if c.conn != from && c.conn != nil {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	already := c.notified
	c.notified = true
	c.mu.Unlock()

	from.Close()
	if already {
		return
	}
	if c.cfg.OnDisconnected != nil {
		c.cfg.OnDisconnected(reason, err)
	}
}
