// Package load generates synthetic spectrometer traffic for bench testing a
// capture host without the ROACH attached.
package load

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/time/rate"

	"He6CRES/udprx/internal/logger"
)

// Fill is the byte written after the packet index.
const Fill = 0xA5

// Config controls the synthetic stream.
type Config struct {
	Target     string
	PacketSize int
	// Packets is the number of datagrams to send. Zero sends until Duration
	// elapses or ctx is done.
	Packets  int64
	Duration time.Duration
	// Rate is datagrams per second. Zero sends as fast as the socket allows.
	Rate  float64
	Burst int
	Log   *logger.Logger
}

// Result summarizes a finished stream.
type Result struct {
	Sent    int64
	Bytes   int64
	Elapsed time.Duration
}

// Packet returns datagram i: the big-endian index followed by Fill bytes.
// Packets shorter than the index are truncated.
func Packet(i int64, size int) []byte {
	p := bytes.Repeat([]byte{Fill}, size)
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], uint64(i))
	copy(p, idx[:])
	return p
}

// Index reads the index back out of a datagram produced by Packet.
func Index(p []byte) (int64, bool) {
	if len(p) < 8 {
		return 0, false
	}
	return int64(binary.BigEndian.Uint64(p)), true
}

// Run sends the synthetic stream to cfg.Target.
func Run(ctx context.Context, cfg Config) (Result, error) {
	if cfg.PacketSize <= 0 {
		return Result{}, fmt.Errorf("packet size must be positive, got %d", cfg.PacketSize)
	}
	if cfg.Packets <= 0 && cfg.Duration <= 0 {
		cfg.Duration = 5 * time.Second
	}
	log := cfg.Log
	if log == nil {
		log = logger.Discard()
	}

	conn, err := net.Dial("udp", cfg.Target)
	if err != nil {
		return Result{}, fmt.Errorf("failed to dial %s: %w", cfg.Target, err)
	}
	defer conn.Close()

	if cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Duration)
		defer cancel()
	}

	var lim *rate.Limiter
	if cfg.Rate > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(cfg.Rate), burst)
	}

	log.Info("[load] Sending %d byte packets to %s", cfg.PacketSize, cfg.Target)
	var res Result
	start := time.Now()
	buf := Packet(0, cfg.PacketSize)
	for i := int64(0); cfg.Packets <= 0 || i < cfg.Packets; i++ {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				break
			}
		} else if ctx.Err() != nil {
			break
		}
		if cfg.PacketSize >= 8 {
			binary.BigEndian.PutUint64(buf, uint64(i))
		}
		n, err := conn.Write(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			res.Elapsed = time.Since(start)
			return res, fmt.Errorf("send packet %d: %w", i, err)
		}
		res.Sent++
		res.Bytes += int64(n)
	}
	res.Elapsed = time.Since(start)
	log.Info("[load] Sent %d packets (%d bytes) in %s", res.Sent, res.Bytes, res.Elapsed)
	return res, nil
}
