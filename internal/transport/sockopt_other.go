//go:build !linux

package transport

import (
	"errors"
	"net"
)

// No truncation flag is surfaced here; oversize datagrams are cut silently.
const msgTrunc = 0

func setBufferSizes(conn *net.UDPConn, rx, tx int) error {
	var errs []error
	if rx > 0 {
		errs = append(errs, conn.SetReadBuffer(rx))
	}
	if tx > 0 {
		errs = append(errs, conn.SetWriteBuffer(tx))
	}
	return errors.Join(errs...)
}

func bufferSizes(*net.UDPConn) (rx, tx int, err error) {
	return 0, 0, errors.New("buffer size query not supported on this platform")
}
