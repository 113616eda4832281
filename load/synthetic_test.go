package load

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"He6CRES/udprx/internal/transport"
)

func TestPacket_Index(t *testing.T) {
	p := Packet(258, 16)
	require.Len(t, p, 16)
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 1, 2}, p[:8])
	assert.Equal(t, byte(Fill), p[15])

	i, ok := Index(p)
	assert.True(t, ok)
	assert.Equal(t, int64(258), i)

	_, ok = Index(Packet(1, 4))
	assert.False(t, ok)
}

func TestRun_DeliversSequence(t *testing.T) {
	rx, err := transport.Listen(transport.Endpoint{Address: "127.0.0.1", Port: 0}, transport.Options{RecvTimeout: time.Second})
	require.NoError(t, err)
	defer rx.Close()

	res, err := Run(context.Background(), Config{
		Target:     rx.LocalAddr().String(),
		PacketSize: 64,
		Packets:    40,
		Rate:       2000,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(40), res.Sent)
	assert.Equal(t, int64(40*64), res.Bytes)

	buf := make([]byte, 64)
	for want := int64(0); want < 40; want++ {
		n, err := rx.Receive(buf)
		require.NoError(t, err)
		require.Equal(t, 64, n)
		got, _ := Index(buf)
		assert.Equal(t, want, got)
	}
}

func TestRun_StopsAfterDuration(t *testing.T) {
	rx, err := transport.Listen(transport.Endpoint{Address: "127.0.0.1", Port: 0}, transport.Options{})
	require.NoError(t, err)
	defer rx.Close()

	res, err := Run(context.Background(), Config{
		Target:     rx.LocalAddr().String(),
		PacketSize: 32,
		Duration:   100 * time.Millisecond,
		Rate:       100,
	})
	require.NoError(t, err)
	assert.Positive(t, res.Sent)
	assert.LessOrEqual(t, res.Sent, int64(20))
}

func TestRun_Errors(t *testing.T) {
	_, err := Run(context.Background(), Config{Target: "127.0.0.1:9", PacketSize: 0})
	assert.Error(t, err)

	_, err = Run(context.Background(), Config{Target: "no-port", PacketSize: 8, Packets: 1})
	assert.Error(t, err)
}
