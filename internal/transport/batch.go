package transport

import (
	"net"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// batchConn is satisfied by both ipv4.PacketConn and ipv6.PacketConn; their
// Message types are the same underlying type.
type batchConn interface {
	ReadBatch(ms []ipv4.Message, flags int) (int, error)
}

// batchReader drains recvmmsg batches one datagram at a time. On platforms
// without recvmmsg, x/net falls back to one datagram per call.
type batchReader struct {
	conn batchConn
	msgs []ipv4.Message
	n    int
	next int
}

func newBatchReader(conn *net.UDPConn, size, maxDatagram int) *batchReader {
	b := &batchReader{msgs: make([]ipv4.Message, size)}
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok && addr.IP != nil && addr.IP.To4() == nil && !addr.IP.IsUnspecified() {
		b.conn = ipv6.NewPacketConn(conn)
	} else {
		b.conn = ipv4.NewPacketConn(conn)
	}
	for i := range b.msgs {
		b.msgs[i].Buffers = [][]byte{make([]byte, maxDatagram)}
	}
	return b
}

func (b *batchReader) receive(p []byte) (n int, trunc bool, err error) {
	if b.next >= b.n {
		got, err := b.conn.ReadBatch(b.msgs, 0)
		if err != nil {
			return 0, false, err
		}
		b.n, b.next = got, 0
	}
	m := &b.msgs[b.next]
	b.next++
	n = copy(p, m.Buffers[0][:m.N])
	trunc = m.N > len(p) || m.Flags&msgTrunc != 0
	return n, trunc, nil
}
