package transport

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
)

// Default idle timeout: 5 minutes (QUIC default is 30s, too short for idle peers)
var defaultQuicConfig = &quic.Config{
	MaxIdleTimeout: 5 * time.Minute,
}

const (
	ProtoID = "lancast/1"

	// maxChunk bounds a single Receive. Payloads are opaque: one read returns
	// whatever the stream has buffered, up to this limit.
	maxChunk = 32 * 1024

	// closeOrderly signals peer-initiated orderly shutdown on the connection.
	closeOrderly quic.ApplicationErrorCode = 0

	// sessionAck is written by the accepting side once the peer is registered.
	sessionAck byte = 0x06
)

// ErrConnClosed is returned by Send and Receive after Close.
var ErrConnClosed = errors.New("transport: connection closed")

// Conn wraps one QUIC stream carrying opaque payloads. Writes are serialized
// so payloads delivered to a single peer keep their relative order.
type Conn struct {
	id     uuid.UUID
	stream quic.Stream
	conn   quic.Connection

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
	lastUnix  atomic.Int64
}

func newConn(id uuid.UUID, stream quic.Stream, conn quic.Connection) *Conn {
	c := &Conn{id: id, stream: stream, conn: conn}
	c.touch()
	return c
}

// ID returns the session identity exchanged at setup.
func (c *Conn) ID() uuid.UUID { return c.id }

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string {
	if c.conn != nil {
		return c.conn.RemoteAddr().String()
	}
	return "unknown"
}

// LastActivity reports when the connection last sent or received.
func (c *Conn) LastActivity() time.Time {
	return time.Unix(0, c.lastUnix.Load())
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool { return c.closed.Load() }

func (c *Conn) touch() { c.lastUnix.Store(time.Now().UnixNano()) }

// Send writes the whole payload to the stream. A short write surfaces as an
// error, never as a silently truncated payload.
func (c *Conn) Send(payload []byte) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	n, err := c.stream.Write(payload)
	if err != nil {
		return err
	}
	if n != len(payload) {
		return fmt.Errorf("transport: short write: %d of %d bytes", n, len(payload))
	}
	c.touch()
	return nil
}

// Receive blocks until at least one chunk of bytes is available or the peer
// closes. End-of-stream is reported as an error recognized by IsEndOfStream,
// distinct from I/O failures. Payload boundaries are whatever the transport
// delivers per read; Receive never merges or splits beyond that.
func (c *Conn) Receive() ([]byte, error) {
	buf := make([]byte, maxChunk)
	n, err := c.stream.Read(buf)
	if n > 0 {
		c.touch()
		return buf[:n], nil
	}
	if err == nil {
		err = io.EOF
	}
	if c.closed.Load() {
		return nil, ErrConnClosed
	}
	return nil, err
}

// Close is idempotent. It unblocks any in-progress Receive, closes the stream
// and shuts the QUIC connection down with an orderly code, so the peer
// observes end-of-stream rather than an I/O failure.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.stream.CancelRead(quic.StreamErrorCode(closeOrderly))
		_ = c.stream.Close()
		if c.conn != nil {
			_ = c.conn.CloseWithError(closeOrderly, "closed")
		}
	})
	return nil
}

// IsEndOfStream reports whether err is peer-initiated orderly closure, as
// opposed to an I/O failure.
func IsEndOfStream(err error) bool {
	if errors.Is(err, io.EOF) {
		return true
	}
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) {
		return appErr.ErrorCode == closeOrderly
	}
	return false
}

// IsLocalClose reports whether err came from this side closing the transport
// (Close cancels the pending read).
func IsLocalClose(err error) bool {
	if errors.Is(err, ErrConnClosed) {
		return true
	}
	var streamErr *quic.StreamError
	if errors.As(err, &streamErr) {
		return !streamErr.Remote
	}
	return false
}

// generateTLSConfig creates a self-signed cert for development
func generateTLSConfig() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		NextProtos:   []string{ProtoID},
	}, nil
}

// Listener accepts QUIC connections for the relay.
type Listener struct {
	ql *quic.Listener
}

// Listen binds a QUIC listener on addr.
func Listen(addr string) (*Listener, error) {
	tlsCfg, err := generateTLSConfig()
	if err != nil {
		return nil, err
	}
	ql, err := quic.ListenAddr(addr, tlsCfg, defaultQuicConfig)
	if err != nil {
		return nil, err
	}
	return &Listener{ql: ql}, nil
}

// Addr returns the bound listen address.
func (l *Listener) Addr() string { return l.ql.Addr().String() }

// Accept blocks for the next incoming connection. Close unblocks it.
func (l *Listener) Accept(ctx context.Context) (quic.Connection, error) {
	return l.ql.Accept(ctx)
}

// Close stops the listener. Pending and future Accept calls fail.
func (l *Listener) Close() error { return l.ql.Close() }

// AcceptSession completes session setup on an accepted connection: the peer
// opens the stream and announces its identity. It blocks until the peer's
// preamble arrives, so it must not run on the accept loop itself; ctx
// cancellation or its deadline unblock a stalled preamble read. The caller
// registers the connection and confirms with CompleteSession; the dialing
// side does not consider itself connected until the ack arrives.
func AcceptSession(ctx context.Context, conn quic.Connection) (*Conn, error) {
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetReadDeadline(deadline)
		defer func() { _ = stream.SetReadDeadline(time.Time{}) }()
	}
	stop := context.AfterFunc(ctx, func() {
		stream.CancelRead(quic.StreamErrorCode(closeOrderly))
	})
	defer stop()
	var preamble [16]byte
	if _, err := io.ReadFull(stream, preamble[:]); err != nil {
		stream.CancelRead(quic.StreamErrorCode(closeOrderly))
		return nil, fmt.Errorf("transport: session preamble: %w", err)
	}
	id, err := uuid.FromBytes(preamble[:])
	if err != nil {
		return nil, fmt.Errorf("transport: session preamble: %w", err)
	}
	return newConn(id, stream, conn), nil
}

// CompleteSession atomically registers the accepted connection and confirms
// setup to the dialing peer: register runs and the ack byte goes on the wire
// under the write mutex, so a concurrent Send cannot slip a payload between
// registration and the ack. The peer strips exactly one ack byte, which is
// only sound if nothing can precede it. Returns false when register declines
// the connection; no ack is written then.
func (c *Conn) CompleteSession(register func() bool) (bool, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed.Load() {
		return false, ErrConnClosed
	}
	if !register() {
		return false, nil
	}
	if _, err := c.stream.Write([]byte{sessionAck}); err != nil {
		return true, fmt.Errorf("transport: session ack: %w", err)
	}
	c.touch()
	return true, nil
}

// Dial connects to a relay at addr and completes session setup under ctx:
// it announces id and waits for the relay's ack, so a returned Conn is
// already known to the relay. Certificate verification is skipped, as the
// relay serves a generated development certificate.
func Dial(ctx context.Context, addr string, id uuid.UUID) (*Conn, error) {
	tlsCfg := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ProtoID},
	}
	sess, err := quic.DialAddr(ctx, addr, tlsCfg, defaultQuicConfig)
	if err != nil {
		return nil, err
	}
	stream, err := sess.OpenStreamSync(ctx)
	if err != nil {
		sess.CloseWithError(closeOrderly, "")
		return nil, err
	}
	c := newConn(id, stream, sess)
	if err := c.handshake(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Conn) handshake(ctx context.Context) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.stream.SetDeadline(deadline)
		defer func() { _ = c.stream.SetDeadline(time.Time{}) }()
	}
	stop := context.AfterFunc(ctx, func() {
		c.stream.CancelRead(quic.StreamErrorCode(closeOrderly))
	})
	defer stop()
	idBytes, err := c.id.MarshalBinary()
	if err != nil {
		return err
	}
	if _, err := c.stream.Write(idBytes); err != nil {
		return fmt.Errorf("transport: session preamble: %w", err)
	}
	var ack [1]byte
	if _, err := io.ReadFull(c.stream, ack[:]); err != nil {
		return fmt.Errorf("transport: session ack: %w", err)
	}
	if ack[0] != sessionAck {
		return fmt.Errorf("transport: unexpected session ack 0x%02x", ack[0])
	}
	return nil
}
