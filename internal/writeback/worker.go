package writeback

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"He6CRES/udprx/internal/buffer"
	"He6CRES/udprx/internal/logger"
)

// ErrWriteFailure marks a segment that could not be persisted: the
// destination could not be opened, or fewer bytes were written than expected.
var ErrWriteFailure = errors.New("segment write failed")

// Releaser takes a buffer back once its flush is over.
type Releaser interface {
	Release(b *buffer.CaptureBuffer) error
}

// Job hands a sealed buffer to the worker. The worker owns Buffer until it
// releases it.
type Job struct {
	Segment int
	Buffer  *buffer.CaptureBuffer
	Path    string
	// Length is packets x packet size, the number of bytes to write.
	Length  int
	Packets int
}

// Result is delivered exactly once per job, after the buffer was released.
type Result struct {
	Segment int
	Path    string
	Volume  string
	Packets int
	Bytes   int
	Elapsed time.Duration
	Err     error
}

// Options tunes how segments are written.
type Options struct {
	// Fsync syncs each file before closing it.
	Fsync bool
	// CreateDirs creates the destination directory if it is missing.
	CreateDirs bool
	Log        *logger.Logger
}

// OpenFunc opens a destination for exclusive writing.
type OpenFunc func(path string) (io.WriteCloser, error)

// Worker persists jobs, each on its own goroutine. The number of jobs in
// flight is bounded by the number of buffers, since a buffer is owned by at
// most one job.
type Worker struct {
	pool     Releaser
	opts     Options
	log      *logger.Logger
	open     OpenFunc
	wg       sync.WaitGroup
	inFlight atomic.Int32
}

// NewWorker returns a worker that releases buffers to pool.
func NewWorker(pool Releaser, opts Options) *Worker {
	log := opts.Log
	if log == nil {
		log = logger.Discard()
	}
	return &Worker{pool: pool, opts: opts, log: log, open: openExclusive}
}

// WithOpener replaces the file opener. Tests use it to slow down or break writes.
func (w *Worker) WithOpener(open OpenFunc) *Worker {
	w.open = open
	return w
}

func openExclusive(path string) (io.WriteCloser, error) {
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
}

// Submit starts writing job and returns the channel its Result arrives on.
func (w *Worker) Submit(job Job) <-chan Result {
	done := make(chan Result, 1)
	w.wg.Add(1)
	w.inFlight.Add(1)
	go func() {
		defer w.wg.Done()
		res := w.write(job)
		w.inFlight.Add(-1)
		done <- res
		close(done)
	}()
	return done
}

// InFlight is the number of jobs not yet completed.
func (w *Worker) InFlight() int {
	return int(w.inFlight.Load())
}

// Wait blocks until every submitted job has completed.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) write(job Job) (res Result) {
	res = Result{Segment: job.Segment, Path: job.Path, Packets: job.Packets}
	if job.Buffer != nil {
		res.Volume = job.Buffer.Volume().Label
	}
	start := time.Now()

	defer func() {
		res.Elapsed = time.Since(start)
		if job.Buffer == nil {
			return
		}
		if err := w.pool.Release(job.Buffer); err != nil {
			w.log.Error("[writeback] Failed to release buffer %s after segment %d: %v", res.Volume, job.Segment, err)
			res.Err = errors.Join(res.Err, err)
		}
	}()

	if job.Buffer == nil {
		res.Err = fmt.Errorf("%w: segment %d has no buffer", ErrWriteFailure, job.Segment)
		return res
	}
	if job.Length < 0 || job.Length > job.Buffer.Len() {
		res.Err = fmt.Errorf("%w: segment %d wants %d bytes, buffer holds %d", ErrWriteFailure, job.Segment, job.Length, job.Buffer.Len())
		return res
	}

	if w.opts.CreateDirs {
		if err := os.MkdirAll(filepath.Dir(job.Path), 0755); err != nil {
			res.Err = fmt.Errorf("%w: failed to create directory for %s: %v", ErrWriteFailure, job.Path, err)
			return res
		}
	}

	f, err := w.open(job.Path)
	if err != nil {
		res.Err = fmt.Errorf("%w: failed to open %s: %v", ErrWriteFailure, job.Path, err)
		return res
	}

	n, err := f.Write(job.Buffer.Bytes()[:job.Length])
	res.Bytes = n
	if err == nil && n != job.Length {
		err = io.ErrShortWrite
	}
	if err == nil && w.opts.Fsync {
		if s, ok := f.(interface{ Sync() error }); ok {
			err = s.Sync()
		}
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		res.Err = fmt.Errorf("%w: %s: wrote %d of %d bytes: %v", ErrWriteFailure, job.Path, n, job.Length, err)
		return res
	}

	w.log.Info("[writeback] %d packets written to %s, %d bytes in %d ms", job.Packets, job.Path, n, time.Since(start).Milliseconds())
	return res
}
