package relay

import "errors"

var (
	// ErrBind wraps a failure to bind the listen address. Start does not
	// retry; the caller decides.
	ErrBind = errors.New("relay: bind failed")

	// ErrAlreadyListening is returned by Start on a server that is listening.
	ErrAlreadyListening = errors.New("relay: server already listening")

	// ErrServerClosed is returned by Start on a stopped server. Stopped is
	// terminal; build a new Server to listen again.
	ErrServerClosed = errors.New("relay: server closed")
)
