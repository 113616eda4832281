// Package transport is the network side of the capture daemon: a bound UDP
// socket with sized kernel buffers and a bounded receive timeout.
package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout means no datagram arrived within the receive timeout. It is
	// not a failure; callers poll again.
	ErrTimeout = errors.New("receive timeout")
	// ErrClosed means the source is closed or exhausted.
	ErrClosed = errors.New("transport closed")
)

// Receiver delivers one datagram per call into p and returns its length.
// A return of ErrTimeout is recoverable; any other error is a
// *TransportError.
type Receiver interface {
	Receive(p []byte) (int, error)
	Close() error
}

// TransportError is a receive failure that is not a timeout.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is a receive timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
