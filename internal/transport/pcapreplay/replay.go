// Package pcapreplay feeds the UDP payloads of a recorded capture file to the
// capture loop in place of a live socket.
package pcapreplay

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"

	"He6CRES/udprx/internal/transport"
)

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// Receiver replays UDP datagrams addressed to one destination port. When
// the file is exhausted Receive returns a *transport.TransportError wrapping
// transport.ErrClosed.
type Receiver struct {
	mu      sync.Mutex
	f       *os.File
	r       packetReader
	port    layers.UDPPort
	skipped int
	closed  bool
}

// Open opens a pcap or pcapng file. Port 0 replays every UDP datagram.
func Open(path string, port int) (*Receiver, error) {
	if port < 0 || port > 65535 {
		return nil, fmt.Errorf("invalid replay port %d", port)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening capture file: %w", err)
	}

	var r packetReader
	if ng, err := pcapgo.NewNgReader(f, pcapgo.DefaultNgReaderOptions); err == nil {
		r = ng
	} else {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("error resetting file position: %w", err)
		}
		pr, err := pcapgo.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("error creating pcap reader: %w", err)
		}
		r = pr
	}
	return &Receiver{f: f, r: r, port: layers.UDPPort(port)}, nil
}

// Receive copies the next matching UDP payload into p.
func (r *Receiver) Receive(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, &transport.TransportError{Op: "replay", Err: transport.ErrClosed}
	}

	for {
		data, _, err := r.r.ReadPacketData()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, &transport.TransportError{Op: "replay", Err: transport.ErrClosed}
		}
		if err != nil {
			return 0, &transport.TransportError{Op: "replay", Err: err}
		}

		pkt := gopacket.NewPacket(data, r.r.LinkType(), gopacket.NoCopy)
		udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok || (r.port != 0 && udp.DstPort != r.port) {
			r.skipped++
			continue
		}
		return copy(p, udp.Payload), nil
	}
}

// Skipped is the number of records that were not matching UDP datagrams.
func (r *Receiver) Skipped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.skipped
}

func (r *Receiver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.f.Close()
}

var _ transport.Receiver = (*Receiver)(nil)
