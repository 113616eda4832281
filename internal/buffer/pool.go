package buffer

import (
	"context"
	"errors"
	"fmt"

	"He6CRES/udprx/internal/logger"
)

// Options tunes pool allocation.
type Options struct {
	// LockMemory page-locks every buffer. Failure to lock is logged, not fatal.
	LockMemory bool
	Log        *logger.Logger
}

// Pool holds one CaptureBuffer per volume. Buffer i is always bound to
// volume i, so the pipeline depth equals the number of volumes.
type Pool struct {
	volumes VolumeSet
	buffers []*CaptureBuffer
	// idle[i] holds a token while buffer i may be acquired.
	idle []chan struct{}
	log  *logger.Logger
}

// NewPool allocates len(volumes) buffers of capacity bytes each.
func NewPool(volumes VolumeSet, capacity int, opts Options) (*Pool, error) {
	if len(volumes) == 0 {
		return nil, fmt.Errorf("pool needs at least one volume")
	}
	log := opts.Log
	if log == nil {
		log = logger.Discard()
	}

	p := &Pool{
		volumes: volumes,
		buffers: make([]*CaptureBuffer, 0, len(volumes)),
		idle:    make([]chan struct{}, len(volumes)),
		log:     log,
	}
	for i, v := range volumes {
		b, err := newCaptureBuffer(i, v, capacity)
		if err != nil {
			p.Close()
			return nil, err
		}
		if opts.LockMemory {
			if err := b.mem.Lock(); err != nil {
				log.Warn("[buffer] Failed to lock %d byte buffer for %s in memory: %v", capacity, v.Label, err)
			} else {
				b.locked = true
			}
		}
		p.buffers = append(p.buffers, b)
		p.idle[i] = make(chan struct{}, 1)
		p.idle[i] <- struct{}{}
		log.Debug("[buffer] Allocated %d bytes for volume %s (%s)", capacity, v.Label, v.Root)
	}
	return p, nil
}

// Len is the number of buffers, equal to the number of volumes.
func (p *Pool) Len() int { return len(p.buffers) }

// Volumes returns the volume set the pool was built with.
func (p *Pool) Volumes() VolumeSet { return p.volumes }

// TryAcquire takes buffer i for filling without waiting. It fails with
// ErrBufferBusy if the previous flush of that buffer has not completed.
func (p *Pool) TryAcquire(i int) (*CaptureBuffer, error) {
	if err := p.checkIndex(i); err != nil {
		return nil, err
	}
	select {
	case <-p.idle[i]:
		return p.take(i), nil
	default:
		return nil, fmt.Errorf("buffer for %s: %w", p.volumes[i].Label, ErrBufferBusy)
	}
}

// Acquire takes buffer i for filling, waiting until its previous flush has
// been released. It returns ctx.Err() if ctx ends first.
func (p *Pool) Acquire(ctx context.Context, i int) (*CaptureBuffer, error) {
	if err := p.checkIndex(i); err != nil {
		return nil, err
	}
	select {
	case <-p.idle[i]:
		return p.take(i), nil
	default:
	}
	p.log.Warn("[buffer] Buffer for %s still flushing; receive blocked until it is released", p.volumes[i].Label)
	select {
	case <-p.idle[i]:
		return p.take(i), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) take(i int) *CaptureBuffer {
	b := p.buffers[i]
	b.reset()
	b.state.Store(int32(Filling))
	return b
}

// Release returns a buffer to the pool. The writer calls it when a flush
// finishes, whether or not the write succeeded; the controller may call it
// for a buffer it acquired but never sealed.
func (p *Pool) Release(b *CaptureBuffer) error {
	if b == nil {
		return errors.New("release of nil buffer")
	}
	if err := p.checkIndex(b.index); err != nil {
		return err
	}
	if p.buffers[b.index] != b {
		return fmt.Errorf("buffer for %s does not belong to this pool", b.volume.Label)
	}
	if !b.state.CompareAndSwap(int32(Flushing), int32(Idle)) &&
		!b.state.CompareAndSwap(int32(Filling), int32(Idle)) {
		return fmt.Errorf("release of %s buffer %s: %w", b.State(), b.volume.Label, ErrWrongState)
	}
	b.reset()
	select {
	case p.idle[b.index] <- struct{}{}:
	default:
		return fmt.Errorf("release of buffer %s: idle token already present: %w", b.volume.Label, ErrWrongState)
	}
	return nil
}

// Close unmaps every buffer. Buffers must not be in use.
func (p *Pool) Close() error {
	var errs []error
	for _, b := range p.buffers {
		if err := b.unmap(); err != nil {
			errs = append(errs, fmt.Errorf("failed to unmap buffer %s: %w", b.volume.Label, err))
		}
	}
	return errors.Join(errs...)
}

func (p *Pool) checkIndex(i int) error {
	if i < 0 || i >= len(p.buffers) {
		return fmt.Errorf("buffer index %d out of range [0,%d)", i, len(p.buffers))
	}
	return nil
}
