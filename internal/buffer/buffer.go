// Package buffer holds the preallocated capture buffers and the pool that
// rotates them across output volumes.
//
// A CaptureBuffer has exactly one owner at a time. The controller owns it
// from Pool.Acquire until it seals the buffer into a writeback job; the
// writer owns it from then until Pool.Release. The pool keeps one idle token
// per buffer, so a buffer can only be acquired again after the release of
// its previous flush has actually happened.
package buffer

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/edsrzf/mmap-go"
)

var (
	// ErrBufferFull is returned when a write would pass the buffer capacity.
	ErrBufferFull = errors.New("capture buffer full")
	// ErrBufferBusy is returned by TryAcquire while the buffer is still being flushed.
	ErrBufferBusy = errors.New("capture buffer busy")
	// ErrWrongState is returned when an operation does not match the buffer lifecycle.
	ErrWrongState = errors.New("capture buffer in wrong state")
)

// State is the lifecycle position of a buffer.
type State int32

const (
	Idle State = iota
	Filling
	Flushing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Filling:
		return "filling"
	case Flushing:
		return "flushing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// CaptureBuffer is a fixed-capacity memory region with a write cursor and a
// packet counter. The region is an anonymous mapping allocated once and
// reused for the life of the process.
//
// A CaptureBuffer is not safe for concurrent use; ownership rules above keep
// it single-owner.
type CaptureBuffer struct {
	index   int
	volume  Volume
	mem     mmap.MMap
	locked  bool
	cursor  int
	packets int
	state   atomic.Int32
}

func newCaptureBuffer(index int, v Volume, capacity int) (*CaptureBuffer, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("buffer capacity must be positive, got %d", capacity)
	}
	mem, err := mmap.MapRegion(nil, capacity, mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to map %d byte buffer for %s: %w", capacity, v.Label, err)
	}
	// Fault every page in now so the receive path never takes a first-touch fault.
	page := os.Getpagesize()
	for off := 0; off < len(mem); off += page {
		mem[off] = 0
	}
	return &CaptureBuffer{index: index, volume: v, mem: mem}, nil
}

// Index is the buffer's position in the pool, equal to its volume index.
func (b *CaptureBuffer) Index() int { return b.index }

// Volume is the output volume this buffer is bound to.
func (b *CaptureBuffer) Volume() Volume { return b.volume }

// Capacity is the size of the backing region in bytes.
func (b *CaptureBuffer) Capacity() int { return len(b.mem) }

// Len is the write cursor: the number of valid bytes.
func (b *CaptureBuffer) Len() int { return b.cursor }

// Remaining is the number of bytes left before the buffer is full.
func (b *CaptureBuffer) Remaining() int { return len(b.mem) - b.cursor }

// Packets is the number of packets committed since the last reset.
func (b *CaptureBuffer) Packets() int { return b.packets }

// State returns the current lifecycle state.
func (b *CaptureBuffer) State() State { return State(b.state.Load()) }

// Locked reports whether the region is page-locked in memory.
func (b *CaptureBuffer) Locked() bool { return b.locked }

// Slot returns the next n bytes past the cursor without advancing it, so a
// receiver can read straight into the buffer. Commit advances the cursor.
func (b *CaptureBuffer) Slot(n int) ([]byte, error) {
	if b.State() != Filling {
		return nil, fmt.Errorf("slot on %s buffer %s: %w", b.State(), b.volume.Label, ErrWrongState)
	}
	if n < 0 || n > b.Remaining() {
		return nil, ErrBufferFull
	}
	return b.mem[b.cursor : b.cursor+n : b.cursor+n], nil
}

// Commit advances the cursor by n bytes and counts one packet.
func (b *CaptureBuffer) Commit(n int) error {
	if b.State() != Filling {
		return fmt.Errorf("commit on %s buffer %s: %w", b.State(), b.volume.Label, ErrWrongState)
	}
	if n < 0 || n > b.Remaining() {
		return ErrBufferFull
	}
	b.cursor += n
	b.packets++
	return nil
}

// Append copies p at the cursor and counts one packet.
func (b *CaptureBuffer) Append(p []byte) error {
	slot, err := b.Slot(len(p))
	if err != nil {
		return err
	}
	copy(slot, p)
	return b.Commit(len(p))
}

// Bytes returns the valid region. The slice aliases the buffer and is only
// meaningful to the current owner.
func (b *CaptureBuffer) Bytes() []byte {
	return b.mem[:b.cursor:b.cursor]
}

// Seal moves the buffer from Filling to Flushing. After Seal the controller
// must not touch the buffer until it is acquired again.
func (b *CaptureBuffer) Seal() error {
	if !b.state.CompareAndSwap(int32(Filling), int32(Flushing)) {
		return fmt.Errorf("seal on %s buffer %s: %w", b.State(), b.volume.Label, ErrWrongState)
	}
	return nil
}

func (b *CaptureBuffer) reset() {
	b.cursor = 0
	b.packets = 0
}

func (b *CaptureBuffer) unmap() error {
	if b.mem == nil {
		return nil
	}
	if b.locked {
		_ = b.mem.Unlock()
		b.locked = false
	}
	err := b.mem.Unmap()
	b.mem = nil
	return err
}
