package transport

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listenLoopback(t *testing.T, opts Options) *UDPReceiver {
	t.Helper()
	if opts.RecvTimeout == 0 {
		opts.RecvTimeout = 200 * time.Millisecond
	}
	r, err := Listen(Endpoint{Address: "127.0.0.1", Port: 0}, opts)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func send(t *testing.T, to *net.UDPAddr, payloads ...[]byte) {
	t.Helper()
	conn, err := net.DialUDP("udp", nil, to)
	require.NoError(t, err)
	defer conn.Close()
	for _, p := range payloads {
		_, err := conn.Write(p)
		require.NoError(t, err)
	}
}

func TestEndpoint_String(t *testing.T) {
	assert.Equal(t, "10.66.192.33:4003", Endpoint{Address: "10.66.192.33", Port: 4003}.String())
	assert.Equal(t, "[::1]:9", Endpoint{Address: "::1", Port: 9}.String())
}

func TestUDPReceiver_ReceivesDatagram(t *testing.T) {
	r := listenLoopback(t, Options{RxBufferBytes: 1 << 20, TxBufferBytes: 1 << 20})
	send(t, r.LocalAddr(), []byte("hello, receiver"))

	buf := make([]byte, 64)
	n, err := r.Receive(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello, receiver", string(buf[:n]))
	assert.Equal(t, uint64(1), r.Stats().Datagrams)
}

func TestUDPReceiver_BufferSizesApplied(t *testing.T) {
	r := listenLoopback(t, Options{RxBufferBytes: 1 << 20})
	rx, tx, err := r.BufferSizes()
	if err != nil {
		t.Skipf("buffer sizes not queryable here: %v", err)
	}
	assert.Positive(t, rx)
	assert.Positive(t, tx)
}

func TestUDPReceiver_Timeout(t *testing.T) {
	r := listenLoopback(t, Options{RecvTimeout: 50 * time.Millisecond})

	start := time.Now()
	_, err := r.Receive(make([]byte, 16))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.True(t, IsTimeout(err))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	assert.Equal(t, uint64(1), r.Stats().Timeouts)
}

func TestUDPReceiver_SetRecvTimeout(t *testing.T) {
	r := listenLoopback(t, Options{})
	r.SetRecvTimeout(0, 20000)
	_, err := r.Receive(make([]byte, 16))
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestUDPReceiver_ClosedSocket(t *testing.T) {
	r := listenLoopback(t, Options{})
	require.NoError(t, r.Close())

	_, err := r.Receive(make([]byte, 16))
	var terr *TransportError
	require.True(t, errors.As(err, &terr))
	assert.ErrorIs(t, err, ErrClosed)
	assert.False(t, IsTimeout(err))
}

func TestUDPReceiver_TruncatesOversizeDatagram(t *testing.T) {
	r := listenLoopback(t, Options{})
	send(t, r.LocalAddr(), []byte("0123456789"))

	buf := make([]byte, 4)
	n, err := r.Receive(buf)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "0123", string(buf))
}

func TestUDPReceiver_Batched(t *testing.T) {
	r := listenLoopback(t, Options{BatchSize: 8, MaxDatagram: 128})
	send(t, r.LocalAddr(), []byte("one"), []byte("two"), []byte("three"))

	buf := make([]byte, 64)
	var got []string
	for i := 0; i < 3; i++ {
		n, err := r.Receive(buf)
		require.NoError(t, err)
		got = append(got, string(buf[:n]))
	}
	assert.Equal(t, []string{"one", "two", "three"}, got)

	_, err := r.Receive(buf)
	assert.ErrorIs(t, err, ErrTimeout)
}
