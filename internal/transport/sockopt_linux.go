//go:build linux

package transport

import (
	"errors"
	"net"

	"golang.org/x/sys/unix"
)

const msgTrunc = unix.MSG_TRUNC

// setBufferSizes tries the FORCE variants first so a privileged daemon can
// exceed net.core.rmem_max, then falls back to the capped options.
func setBufferSizes(conn *net.UDPConn, rx, tx int) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var serr error
	err = raw.Control(func(fd uintptr) {
		serr = errors.Join(
			setSockBuf(int(fd), unix.SO_RCVBUFFORCE, unix.SO_RCVBUF, rx),
			setSockBuf(int(fd), unix.SO_SNDBUFFORCE, unix.SO_SNDBUF, tx),
		)
	})
	if err != nil {
		return err
	}
	return serr
}

func setSockBuf(fd, force, capped, size int) error {
	if size <= 0 {
		return nil
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, force, size); err == nil {
		return nil
	}
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, capped, size)
}

func bufferSizes(conn *net.UDPConn) (rx, tx int, err error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, 0, err
	}
	var rerr, terr error
	err = raw.Control(func(fd uintptr) {
		rx, rerr = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF)
		tx, terr = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF)
	})
	if err != nil {
		return 0, 0, err
	}
	return rx, tx, errors.Join(rerr, terr)
}
