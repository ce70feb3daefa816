package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"

	"github.com/SWAI-Ltd/Lancast/internal/transport"
)

// DisconnectReason describes why a connection left the registry.
type DisconnectReason int

const (
	ReasonPeerClosed DisconnectReason = iota + 1 // orderly end-of-stream
	ReasonError                                  // I/O failure on read or write
	ReasonServerStop                             // Stop retired the connection
	ReasonSuperseded                             // same identity reconnected; new session replaces the old
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonPeerClosed:
		return "peer-closed"
	case ReasonError:
		return "error"
	case ReasonServerStop:
		return "server-stop"
	case ReasonSuperseded:
		return "superseded"
	default:
		return "unknown"
	}
}

// sessionSetupTimeout bounds the identity preamble read so a peer that opens
// a stream and stalls cannot pin a session goroutine (or Stop) open.
const sessionSetupTimeout = 10 * time.Second

// Hooks are optional observability callbacks. The server logs via slog
// regardless; hooks exist for callers that want structured events.
type Hooks struct {
	OnConnect    func(id uuid.UUID, remote string)
	OnDisconnect func(id uuid.UUID, reason DisconnectReason)
	OnBroadcast  func(sender uuid.UUID, size, delivered int)
}

// Config configures a relay Server.
type Config struct {
	// EchoToSender, when true, includes the originating connection in the
	// broadcast fan-out. Off by default: most callers do not want their own
	// payloads back.
	EchoToSender bool
	Hooks        Hooks
}

type serverState int

const (
	stateIdle serverState = iota
	stateListening
	stateStopped
)

// Server accepts stream connections and rebroadcasts every payload received
// on one connection to all others. Best-effort delivery: a dead peer is
// retired, never retried.
type Server struct {
	cfg Config
	reg *Registry

	mu     sync.Mutex
	state  serverState
	ln     *transport.Listener
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewServer(cfg Config) *Server {
	return &Server{cfg: cfg, reg: NewRegistry()}
}

// Start binds addr and launches the accept loop. The loop runs until Stop;
// ctx bounds the bind and is inherited by per-connection setup.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case stateListening:
		return ErrAlreadyListening
	case stateStopped:
		return ErrServerClosed
	}

	ln, err := transport.Listen(addr)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBind, addr, err)
	}
	s.ln = ln
	s.state = stateListening

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.acceptLoop(loopCtx)
	slog.Info("relay listening", "addr", ln.Addr())
	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr()
}

// Count returns the number of registered connections.
func (s *Server) Count() int { return s.reg.Count() }

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept(ctx)
		if err != nil {
			// Stop closed the listener (or cancelled ctx); nothing else
			// terminates the loop.
			return
		}
		// Session setup blocks until the peer announces itself; never do it
		// on the accept loop.
		s.wg.Add(1)
		go s.runSession(ctx, conn)
	}
}

// runSession completes setup for one accepted connection, registers it, and
// drains it until closure. It is the single owner of the connection's read
// side and the one place that retires it on read failure.
func (s *Server) runSession(ctx context.Context, qconn quic.Connection) {
	defer s.wg.Done()
	setupCtx, cancelSetup := context.WithTimeout(ctx, sessionSetupTimeout)
	c, err := transport.AcceptSession(setupCtx, qconn)
	cancelSetup()
	if err != nil {
		slog.Debug("relay: session setup failed", "remote", qconn.RemoteAddr(), "err", err)
		_ = qconn.CloseWithError(0, "setup failed")
		return
	}
	// Registration and the ack happen atomically with respect to broadcast
	// writes: once the peer's connect returns it is a broadcast recipient,
	// and no relayed payload can reach the wire ahead of the ack byte.
	registered, err := c.CompleteSession(func() bool { return s.register(c) })
	if err != nil {
		if registered {
			s.retire(c, ReasonError)
		} else {
			c.Close()
		}
		return
	}
	if !registered {
		c.Close()
		return
	}
	slog.Info("relay: peer connected", "conn", c.ID(), "remote", c.RemoteAddr())
	if s.cfg.Hooks.OnConnect != nil {
		s.cfg.Hooks.OnConnect(c.ID(), c.RemoteAddr())
	}

	for {
		payload, err := c.Receive()
		if err != nil {
			reason := ReasonError
			if transport.IsEndOfStream(err) {
				reason = ReasonPeerClosed
			} else if transport.IsLocalClose(err) {
				reason = ReasonServerStop
			}
			s.retire(c, reason)
			return
		}
		exclude := c.ID()
		if s.cfg.EchoToSender {
			exclude = uuid.Nil
		}
		delivered := s.Broadcast(payload, exclude)
		slog.Debug("relay: forwarded", "from", c.ID(), "bytes", len(payload), "delivered", delivered)
		if s.cfg.Hooks.OnBroadcast != nil {
			s.cfg.Hooks.OnBroadcast(c.ID(), len(payload), delivered)
		}
	}
}

func (s *Server) register(c *transport.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateListening {
		return false
	}
	if s.reg.Add(c) {
		return true
	}
	// Same identity reconnecting before its previous session was retired
	// (the old read loop has not observed closure yet): the new session
	// supersedes the old one.
	if old, ok := s.reg.Get(c.ID()); ok {
		s.retire(old, ReasonSuperseded)
	}
	return s.reg.Add(c)
}

// Broadcast sends payload to every registered connection except exclude
// (uuid.Nil excludes nobody) and returns the delivery count. A failed send is
// contained: the dead connection is retired and the fan-out continues. The
// registry lock is never held while sending.
func (s *Server) Broadcast(payload []byte, exclude uuid.UUID) int {
	delivered := 0
	for _, c := range s.reg.Snapshot() {
		if c.ID() == exclude {
			continue
		}
		if err := c.Send(payload); err != nil {
			slog.Error("relay: send failed, retiring connection", "conn", c.ID(), "err", err)
			s.retire(c, ReasonError)
			continue
		}
		delivered++
	}
	return delivered
}

// retire removes and closes a connection. Both the read-dispatch loop and a
// failed broadcast send can race here; the registry removal decides which
// caller reports the disconnect, so hooks fire exactly once.
func (s *Server) retire(c *transport.Conn, reason DisconnectReason) {
	removed := s.reg.Remove(c)
	c.Close()
	if !removed {
		return
	}
	slog.Info("relay: peer disconnected", "conn", c.ID(), "reason", reason)
	if s.cfg.Hooks.OnDisconnect != nil {
		s.cfg.Hooks.OnDisconnect(c.ID(), reason)
	}
}

// Stop closes the listener, retires every registered connection and waits for
// the per-connection loops to drain. Safe with zero connections and safe to
// call more than once; Stopped is terminal.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.state != stateListening {
		s.state = stateStopped
		s.mu.Unlock()
		return
	}
	s.state = stateStopped
	ln := s.ln
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	_ = ln.Close()
	for _, c := range s.reg.Snapshot() {
		s.retire(c, ReasonServerStop)
	}
	s.wg.Wait()
	slog.Info("relay stopped")
}
