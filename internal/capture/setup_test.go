package capture

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"He6CRES/udprx/config"
	"He6CRES/udprx/internal/logger"
	"He6CRES/udprx/internal/telemetry"
	"He6CRES/udprx/internal/transport"
)

func TestSetup_RejectsConfigBeforeOpeningSource(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.MountRoot = t.TempDir()
	cfg.Capture.PacketSize = 4128
	cfg.Capture.SegmentPackets = 200000
	cfg.Capture.BufferCapacityBytes = 700000000

	dialed := false
	dial := func(config.Config, *logger.Logger) (transport.Receiver, error) {
		dialed = true
		return &fakeReceiver{}, nil
	}

	_, err := Setup(cfg, dial, &bytes.Buffer{}, nil)
	require.Error(t, err)
	assert.True(t, config.IsConfigurationError(err))
	assert.Contains(t, err.Error(), "capture.segment_packets")
	assert.False(t, dialed, "no socket may be opened for an invalid configuration")
}

func TestSetup_DialFailure(t *testing.T) {
	cfg := testConfig(t, nil)
	dial := func(config.Config, *logger.Logger) (transport.Receiver, error) {
		return nil, errors.New("address already in use")
	}
	_, err := Setup(cfg, dial, &bytes.Buffer{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "address already in use")
}

func TestSetup_ClosesSource(t *testing.T) {
	cfg := testConfig(t, nil)
	rx := &fakeReceiver{packetSize: testPacketSize, total: 10}
	p, err := Setup(cfg, func(config.Config, *logger.Logger) (transport.Receiver, error) { return rx, nil }, &bytes.Buffer{}, nil)
	require.NoError(t, err)

	_, err = p.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, p.Close())
	assert.True(t, rx.closed.Load())
}

func writeReplay(t *testing.T, port uint16, payloads [][]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65535, layers.LinkTypeEthernet))
	for i, payload := range payloads {
		dst := layers.UDPPort(port)
		if i%4 == 3 {
			// Unrelated traffic on another port is skipped.
			dst = layers.UDPPort(port + 1)
		}
		eth := &layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
			DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
			EthernetType: layers.EthernetTypeIPv4,
		}
		ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: net.IPv4(10, 66, 192, 10), DstIP: net.IPv4(10, 66, 192, 33)}
		udp := &layers.UDP{SrcPort: 60000, DstPort: dst}
		require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
		buf := gopacket.NewSerializeBuffer()
		require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}, eth, ip, udp, gopacket.Payload(payload)))
		data := buf.Bytes()
		ci := gopacket.CaptureInfo{Timestamp: time.Unix(1700000000, int64(i)), CaptureLength: len(data), Length: len(data)}
		require.NoError(t, w.WritePacket(ci, data))
	}
	return path
}

func TestSetup_ReplayEndToEnd(t *testing.T) {
	// 25 datagrams for port 4003 interleaved with noise on 4004.
	var payloads [][]byte
	var want bytes.Buffer
	for i := int64(0); len(payloads) < 33; {
		if len(payloads)%4 == 3 {
			payloads = append(payloads, []byte("noise"))
			continue
		}
		p := packet(i, testPacketSize)
		payloads = append(payloads, p)
		want.Write(p)
		i++
	}

	cfg := testConfig(t, func(c *config.Config) {
		c.Network.ReplayPCAP = writeReplay(t, 4003, payloads)
		c.Network.Port = 4003
		c.Capture.Repeats = 3
	})

	var out bytes.Buffer
	p, err := Setup(cfg, Dial, &out, nil)
	require.NoError(t, err)
	defer p.Close()

	sum, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, sum.SourceClosed)
	assert.Equal(t, int64(25), sum.Packets)

	var recs []telemetry.Record
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		r, err := telemetry.Parse(line)
		require.NoError(t, err)
		recs = append(recs, r)
	}
	require.Len(t, recs, 3)
	assert.Equal(t, []int{10, 10, 5}, []int{recs[0].Packets, recs[1].Packets, recs[2].Packets})
	for i, r := range recs {
		assert.Equal(t, i, r.FileInAcq)
		assert.Equal(t, []string{"sdb", "sdc", "sdd"}[i], volumeOf(r.Path))
	}
	assert.Equal(t, want.Bytes(), concatFiles(t, recs))
}
