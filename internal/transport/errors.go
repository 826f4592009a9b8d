package transport

import "errors"

var (
	// ErrNotConnected is returned by operations that need an open session.
	// Callers surface it as a "try again" condition.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrTransportClosed marks a transient connection loss. The session
	// retries it silently.
	ErrTransportClosed = errors.New("transport: connection lost")

	// ErrTransportFatal marks a close the service signalled as fatal. The
	// session does not retry.
	ErrTransportFatal = errors.New("transport: connection closed by server")

	// ErrMaxReconnectExceeded is emitted once when the reconnect budget is
	// exhausted.
	ErrMaxReconnectExceeded = errors.New("transport: maximum reconnect attempts reached")
)
