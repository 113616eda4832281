package writeback

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"He6CRES/udprx/internal/buffer"
)

func newPool(t *testing.T, root string) *buffer.Pool {
	t.Helper()
	vs, err := buffer.NewVolumeSet([]string{"sdb"}, []string{root})
	require.NoError(t, err)
	p, err := buffer.NewPool(vs, 4096, buffer.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func sealedBuffer(t *testing.T, p *buffer.Pool, payload []byte, packets int) *buffer.CaptureBuffer {
	t.Helper()
	b, err := p.TryAcquire(0)
	require.NoError(t, err)
	size := len(payload) / packets
	for i := 0; i < packets; i++ {
		require.NoError(t, b.Append(payload[i*size:(i+1)*size]))
	}
	require.NoError(t, b.Seal())
	return b
}

type shortWriter struct{ closed bool }

func (s *shortWriter) Write(p []byte) (int, error) { return len(p) / 2, nil }
func (s *shortWriter) Close() error { s.closed = true; return nil }

func TestWorker_WritesExactLength(t *testing.T) {
	root := t.TempDir()
	p := newPool(t, root)
	payload := bytes.Repeat([]byte{0xAB, 0xCD, 0xEF, 0x01}, 64)
	b := sealedBuffer(t, p, payload, 4)

	path := filepath.Join(root, "data", "seg.spec")
	w := NewWorker(p, Options{CreateDirs: true, Fsync: true})
	res := <-w.Submit(Job{Segment: 0, Buffer: b, Path: path, Length: len(payload), Packets: 4})

	require.NoError(t, res.Err)
	assert.Equal(t, len(payload), res.Bytes)
	assert.Equal(t, "sdb", res.Volume)
	assert.Equal(t, 4, res.Packets)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	assert.Equal(t, buffer.Idle, b.State(), "buffer released after the flush")
	_, err = p.TryAcquire(0)
	require.NoError(t, err)
	assert.Equal(t, 0, w.InFlight())
}

func TestWorker_RefusesToOverwrite(t *testing.T) {
	root := t.TempDir()
	p := newPool(t, root)
	path := filepath.Join(root, "seg.spec")
	require.NoError(t, os.WriteFile(path, []byte("earlier segment"), 0644))

	b := sealedBuffer(t, p, []byte("new data"), 1)
	res := <-NewWorker(p, Options{}).Submit(Job{Buffer: b, Path: path, Length: 8, Packets: 1})

	require.Error(t, res.Err)
	assert.ErrorIs(t, res.Err, ErrWriteFailure)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "earlier segment", string(got))

	_, err = p.TryAcquire(0)
	require.NoError(t, err, "buffer must be released even when the write fails")
}

func TestWorker_MissingDirectoryFails(t *testing.T) {
	root := t.TempDir()
	p := newPool(t, root)
	b := sealedBuffer(t, p, []byte("abcd"), 1)

	res := <-NewWorker(p, Options{}).Submit(Job{Buffer: b, Path: filepath.Join(root, "nope", "seg.spec"), Length: 4, Packets: 1})
	assert.ErrorIs(t, res.Err, ErrWriteFailure)
	assert.Equal(t, buffer.Idle, b.State())
}

func TestWorker_ShortWriteFails(t *testing.T) {
	p := newPool(t, t.TempDir())
	b := sealedBuffer(t, p, bytes.Repeat([]byte{1}, 100), 10)

	sw := &shortWriter{}
	w := NewWorker(p, Options{}).WithOpener(func(string) (io.WriteCloser, error) { return sw, nil })
	res := <-w.Submit(Job{Buffer: b, Path: "ignored", Length: 100, Packets: 10})

	assert.ErrorIs(t, res.Err, ErrWriteFailure)
	assert.Contains(t, res.Err.Error(), "wrote 50 of 100 bytes")
	assert.True(t, sw.closed)
	assert.Equal(t, buffer.Idle, b.State())
}

func TestWorker_LengthBeyondBufferFails(t *testing.T) {
	p := newPool(t, t.TempDir())
	b := sealedBuffer(t, p, []byte("abcd"), 1)

	res := <-NewWorker(p, Options{}).Submit(Job{Buffer: b, Path: "ignored", Length: 5, Packets: 1})
	assert.ErrorIs(t, res.Err, ErrWriteFailure)
	assert.Equal(t, buffer.Idle, b.State())
}

func TestWorker_WaitDrainsAllJobs(t *testing.T) {
	root := t.TempDir()
	vs, err := buffer.NewVolumeSet([]string{"a", "b"}, []string{root, root})
	require.NoError(t, err)
	p, err := buffer.NewPool(vs, 64, buffer.Options{})
	require.NoError(t, err)
	defer p.Close()

	w := NewWorker(p, Options{})
	var chans []<-chan Result
	for i := 0; i < 2; i++ {
		b, err := p.TryAcquire(i)
		require.NoError(t, err)
		require.NoError(t, b.Append([]byte("payload!")))
		require.NoError(t, b.Seal())
		chans = append(chans, w.Submit(Job{Segment: i, Buffer: b, Path: filepath.Join(root, vs[i].Label+".spec"), Length: 8, Packets: 1}))
	}
	w.Wait()
	assert.Equal(t, 0, w.InFlight())
	for i, ch := range chans {
		res := <-ch
		require.NoError(t, res.Err)
		assert.Equal(t, i, res.Segment)
	}
}
