package transport

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"He6CRES/udprx/internal/logger"
)

// DefaultMaxDatagram is the staging size for batched reads.
const DefaultMaxDatagram = 65535

// Endpoint is the local address to bind.
type Endpoint struct {
	Address string
	Port    int
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Address, strconv.Itoa(e.Port))
}

// Options configures a UDPReceiver.
type Options struct {
	RxBufferBytes int
	TxBufferBytes int
	RecvTimeout   time.Duration
	// BatchSize > 1 reads up to BatchSize datagrams per system call.
	BatchSize int
	// MaxDatagram sizes the batch staging buffers.
	MaxDatagram int
	Log         *logger.Logger
}

// Stats counts what the receiver has seen.
type Stats struct {
	Datagrams uint64
	Timeouts  uint64
	Truncated uint64
}

// UDPReceiver is a bound UDP socket.
type UDPReceiver struct {
	conn    *net.UDPConn
	timeout time.Duration
	batch   *batchReader
	log     *logger.Logger

	datagrams atomic.Uint64
	timeouts  atomic.Uint64
	truncated atomic.Uint64
}

// Listen binds ep and applies opts.
func Listen(ep Endpoint, opts Options) (*UDPReceiver, error) {
	log := opts.Log
	if log == nil {
		log = logger.Discard()
	}
	addr, err := net.ResolveUDPAddr("udp", ep.String())
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", ep, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind %s: %w", ep, err)
	}

	r := &UDPReceiver{conn: conn, log: log}
	if err := r.SetBufferSizes(opts.RxBufferBytes, opts.TxBufferBytes); err != nil {
		log.Warn("[transport] Failed to set socket buffer sizes on %s: %v", ep, err)
	}
	if rx, tx, err := r.BufferSizes(); err == nil {
		log.Info("[transport] Socket buffer sizes on %s: rx %d bytes, tx %d bytes", conn.LocalAddr(), rx, tx)
	}

	timeout := opts.RecvTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	r.SetRecvTimeout(int(timeout/time.Second), int((timeout%time.Second)/time.Microsecond))

	if opts.BatchSize > 1 {
		maxDatagram := opts.MaxDatagram
		if maxDatagram <= 0 {
			maxDatagram = DefaultMaxDatagram
		}
		r.batch = newBatchReader(conn, opts.BatchSize, maxDatagram)
		log.Info("[transport] Batched receive enabled: %d datagrams per call", opts.BatchSize)
	}
	return r, nil
}

// LocalAddr returns the bound address.
func (r *UDPReceiver) LocalAddr() *net.UDPAddr {
	return r.conn.LocalAddr().(*net.UDPAddr)
}

// SetRecvTimeout sets how long one Receive waits for a datagram.
func (r *UDPReceiver) SetRecvTimeout(seconds, microseconds int) {
	r.timeout = time.Duration(seconds)*time.Second + time.Duration(microseconds)*time.Microsecond
}

// SetBufferSizes sets the kernel receive and send buffer sizes. Zero leaves
// a size unchanged.
func (r *UDPReceiver) SetBufferSizes(rx, tx int) error {
	return setBufferSizes(r.conn, rx, tx)
}

// BufferSizes reports the kernel buffer sizes currently in effect.
func (r *UDPReceiver) BufferSizes() (rx, tx int, err error) {
	return bufferSizes(r.conn)
}

// Receive reads one datagram into p. A datagram longer than p is truncated
// to len(p) and counted in Stats.Truncated.
func (r *UDPReceiver) Receive(p []byte) (int, error) {
	if err := r.conn.SetReadDeadline(time.Now().Add(r.timeout)); err != nil {
		return 0, r.classify("deadline", err)
	}

	var (
		n     int
		trunc bool
		err   error
	)
	if r.batch != nil {
		n, trunc, err = r.batch.receive(p)
	} else {
		var flags int
		n, _, flags, _, err = r.conn.ReadMsgUDP(p, nil)
		trunc = flags&msgTrunc != 0
	}
	if err != nil {
		return 0, r.classify("receive", err)
	}
	r.datagrams.Add(1)
	if trunc {
		if r.truncated.Add(1) == 1 {
			r.log.Warn("[transport] Datagram longer than %d bytes truncated", len(p))
		}
	}
	return n, nil
}

func (r *UDPReceiver) classify(op string, err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		r.timeouts.Add(1)
		return ErrTimeout
	}
	if errors.Is(err, net.ErrClosed) {
		return &TransportError{Op: op, Err: ErrClosed}
	}
	return &TransportError{Op: op, Err: err}
}

// Stats returns a snapshot of the receive counters.
func (r *UDPReceiver) Stats() Stats {
	return Stats{
		Datagrams: r.datagrams.Load(),
		Timeouts:  r.timeouts.Load(),
		Truncated: r.truncated.Load(),
	}
}

// Close closes the socket. A Receive in progress returns ErrClosed.
func (r *UDPReceiver) Close() error {
	return r.conn.Close()
}
