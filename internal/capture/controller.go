// Package capture runs the acquisition loop: datagrams are read straight
// into the active capture buffer, segments are cut where the trigger says,
// and full buffers are handed to the writeback worker while the next
// volume's buffer takes over.
package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"He6CRES/udprx/config"
	"He6CRES/udprx/internal/buffer"
	"He6CRES/udprx/internal/logger"
	"He6CRES/udprx/internal/telemetry"
	"He6CRES/udprx/internal/transport"
	"He6CRES/udprx/internal/trigger"
	"He6CRES/udprx/internal/writeback"
)

// Writer persists sealed buffers.
type Writer interface {
	Submit(job writeback.Job) <-chan writeback.Result
	Wait()
}

// Namer picks the output path for a segment.
type Namer interface {
	Path(t time.Time, v buffer.Volume) string
}

// Reporter receives one record per completed segment, in cut order.
type Reporter interface {
	Emit(r telemetry.Record) error
}

// Deps are the collaborators of a Controller.
type Deps struct {
	Receiver transport.Receiver
	Pool     *buffer.Pool
	Writer   Writer
	Policy   trigger.Policy
	Namer    Namer
	Reporter Reporter
	Log      *logger.Logger
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Controller owns the receive loop. A Controller runs once.
type Controller struct {
	packetSize         int
	failFast           bool
	maxTransportErrors int

	rx       transport.Receiver
	pool     *buffer.Pool
	writer   Writer
	policy   trigger.Policy
	namer    Namer
	reporter Reporter
	log      *logger.Logger
	clock    func() time.Time
}

// New returns a controller for cfg. cfg must already be valid.
func New(cfg config.Config, d Deps) (*Controller, error) {
	if d.Receiver == nil || d.Pool == nil || d.Writer == nil || d.Policy == nil || d.Namer == nil || d.Reporter == nil {
		return nil, errors.New("capture controller is missing a dependency")
	}
	ps := cfg.Capture.PacketSize
	if ps <= 0 {
		return nil, &config.ConfigurationError{Field: "capture.packet_size", Reason: "must be positive"}
	}
	if cb, ok := d.Policy.(*trigger.CountBased); ok && cb.Target > trigger.MaxPackets(cfg.Capture.BufferCapacityBytes, ps) {
		return nil, &config.ConfigurationError{
			Field:  "capture.segment_packets",
			Reason: fmt.Sprintf("%d packets of %d bytes do not fit in %d bytes", cb.Target, ps, cfg.Capture.BufferCapacityBytes),
		}
	}

	c := &Controller{
		packetSize:         ps,
		failFast:           cfg.Capture.FailFast,
		maxTransportErrors: cfg.Capture.MaxTransportErrors,
		rx:                 d.Receiver,
		pool:               d.Pool,
		writer:             d.Writer,
		policy:             d.Policy,
		namer:              d.Namer,
		reporter:           d.Reporter,
		log:                d.Log,
		clock:              d.Clock,
	}
	if c.log == nil {
		c.log = logger.Discard()
	}
	if c.clock == nil {
		c.clock = time.Now
	}
	if c.maxTransportErrors < 1 {
		c.maxTransportErrors = 1
	}
	return c, nil
}

// pending is a submitted segment waiting to be reported.
type pending struct {
	segment int
	done    <-chan writeback.Result
}

// tally is the reporter's share of the summary.
type tally struct {
	written      int
	failed       int
	bytesWritten int64
}

// run is the per-Run loop state.
type run struct {
	ctx     context.Context
	session *Session
	buf     *buffer.CaptureBuffer
	segment int
	reports chan<- pending
}

// Run captures until the trigger completes the run, the context is
// canceled, the source closes, or an unrecoverable error occurs. It always
// waits for every submitted segment to be written and reported before it
// returns. A non-empty partial segment is flushed when the run stops early.
func (c *Controller) Run(ctx context.Context) (Summary, error) {
	runCtx, stop := context.WithCancelCause(ctx)
	defer stop(nil)

	start := c.clock()
	s := newSession(c.policy.Mode(), c.policy.Segments(), start)
	c.log.Info("[capture] Run %s starting: %s trigger, %d segment(s) over volumes %v, %d byte packets",
		s.RunID, s.Mode, s.Segments, c.pool.Volumes().Labels(), c.packetSize)

	reports := make(chan pending, 4*c.pool.Len())
	reported := make(chan tally, 1)
	go c.report(reports, reported, stop)

	r := &run{ctx: runCtx, session: s, reports: reports}
	summary := Summary{}
	runErr := c.loop(r, &summary)

	close(reports)
	t := <-reported
	c.writer.Wait()

	summary.Session = *s
	summary.SegmentsWritten = t.written
	summary.SegmentsFailed = t.failed
	summary.BytesWritten = t.bytesWritten
	summary.Elapsed = c.clock().Sub(start)

	if runErr == nil && summary.Canceled {
		if cause := context.Cause(runCtx); errors.Is(cause, writeback.ErrWriteFailure) {
			summary.Canceled = false
			runErr = cause
		}
	}

	c.log.Info("[capture] Run %s finished: %d packets, %d bytes received in %s (%.1f packets/s, %.2f MB/s), %d of %d segment(s) written, %d failed, %d short read(s), %d transport error(s)",
		s.RunID, s.Packets, s.Bytes, summary.Elapsed.Round(time.Millisecond), summary.PacketRate(), summary.ByteRate()/1e6,
		summary.SegmentsWritten, s.SegmentsCut, summary.SegmentsFailed, s.ShortReads, s.TransportErrors)
	return summary, runErr
}

func (c *Controller) loop(r *run, summary *Summary) error {
	s := r.session
	if err := c.acquire(r); err != nil {
		summary.Canceled = true
		return nil
	}

	consecutive := 0
	for {
		if r.ctx.Err() != nil {
			summary.Canceled = true
			c.log.Info("[capture] Run %s canceled, flushing %d packet(s) in the open segment", s.RunID, r.buf.Packets())
			c.finish(r)
			return nil
		}

		slot, err := r.buf.Slot(c.packetSize)
		if errors.Is(err, buffer.ErrBufferFull) {
			c.log.Warn("[capture] Buffer for %s full after %d packets before the trigger fired; cutting segment %d early",
				r.buf.Volume().Label, r.buf.Packets(), r.segment)
			if done, err := c.cut(r, c.clock()); err != nil || done {
				return c.stopped(summary, err)
			}
			continue
		}
		if err != nil {
			label := r.buf.Volume().Label
			c.abandon(r)
			return fmt.Errorf("capture buffer for %s: %w", label, err)
		}

		n, err := c.rx.Receive(slot)
		switch {
		case err == nil:
			consecutive = 0
		case transport.IsTimeout(err):
			n = 0
		case errors.Is(err, transport.ErrClosed):
			summary.SourceClosed = true
			c.log.Info("[capture] Source closed, flushing %d packet(s) in the open segment", r.buf.Packets())
			c.finish(r)
			return nil
		default:
			s.TransportErrors++
			consecutive++
			if c.failFast || consecutive > c.maxTransportErrors {
				c.log.Error("[capture] Stopping run %s after transport error (%d consecutive): %v", s.RunID, consecutive, err)
				c.finish(r)
				return err
			}
			c.log.Warn("[capture] Transport error %d of %d allowed in a row: %v", consecutive, c.maxTransportErrors, err)
			continue
		}

		if n > 0 {
			if n < c.packetSize {
				clear(slot[n:])
				s.ShortReads++
				if s.ShortReads == 1 {
					c.log.Warn("[capture] Short read: %d of %d bytes; padding with zeros", n, c.packetSize)
				} else {
					c.log.Debug("[capture] Short read: %d of %d bytes", n, c.packetSize)
				}
			}
			if err := r.buf.Commit(c.packetSize); err != nil {
				label := r.buf.Volume().Label
				c.abandon(r)
				return fmt.Errorf("capture buffer for %s: %w", label, err)
			}
			s.Packets++
			s.Bytes += int64(n)
		}

		idle := n == 0
		if idle && err == nil {
			// A zero-length datagram carries nothing; poll again.
			continue
		}
		st := trigger.SegmentState{Packets: r.buf.Packets(), Idle: idle}
		if c.policy.NeedsClock(st.Packets, idle) {
			st.Now = c.clock()
		}
		if !c.policy.ShouldCut(st) {
			continue
		}
		now := st.Now
		if now.IsZero() {
			now = c.clock()
		}
		if done, err := c.cut(r, now); err != nil || done {
			return c.stopped(summary, err)
		}
	}
}

// stopped turns the result of a cut into the loop's result.
func (c *Controller) stopped(summary *Summary, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		summary.Canceled = true
		return nil
	}
	return err
}

// acquire takes the buffer for the current segment and starts the segment.
func (c *Controller) acquire(r *run) error {
	buf, err := c.pool.Acquire(r.ctx, c.pool.Volumes().Index(r.segment))
	if err != nil {
		return err
	}
	r.buf = buf
	c.policy.Begin(c.clock())
	return nil
}

// cut seals the active buffer, submits it, and acquires the next one. done
// is true when the trigger reports the run complete.
func (c *Controller) cut(r *run, now time.Time) (done bool, err error) {
	c.submit(r, now)
	if c.policy.RunComplete(trigger.SessionState{SegmentsCut: r.session.SegmentsCut}) {
		return true, nil
	}
	if err := c.ctxErr(r); err != nil {
		return false, err
	}
	return false, c.acquire(r)
}

func (c *Controller) ctxErr(r *run) error {
	if r.ctx.Err() == nil {
		return nil
	}
	if cause := context.Cause(r.ctx); cause != nil {
		return cause
	}
	return r.ctx.Err()
}

func (c *Controller) submit(r *run, now time.Time) {
	buf := r.buf
	r.buf = nil
	packets := buf.Packets()
	path := c.namer.Path(now, buf.Volume())
	if err := buf.Seal(); err != nil {
		// Only the loop touches the buffer while it is Filling.
		panic(err)
	}
	c.log.Debug("[capture] Segment %d cut: %d packets to %s", r.segment, packets, path)
	done := c.writer.Submit(writeback.Job{
		Segment: r.segment,
		Buffer:  buf,
		Path:    path,
		Length:  packets * c.packetSize,
		Packets: packets,
	})
	r.reports <- pending{segment: r.segment, done: done}
	r.session.SegmentsCut++
	r.segment++
}

// finish flushes a non-empty open segment, or hands an empty one back.
func (c *Controller) finish(r *run) {
	if r.buf == nil {
		return
	}
	if r.buf.Packets() == 0 {
		c.abandon(r)
		return
	}
	c.submit(r, c.clock())
}

func (c *Controller) abandon(r *run) {
	if r.buf == nil {
		return
	}
	if err := c.pool.Release(r.buf); err != nil {
		c.log.Error("[capture] Failed to return unused buffer %s: %v", r.buf.Volume().Label, err)
	}
	r.buf = nil
}

// report waits for segments in cut order and emits one telemetry record
// each. With fail-fast set, the first write failure stops the run.
func (c *Controller) report(reports <-chan pending, out chan<- tally, stop context.CancelCauseFunc) {
	var t tally
	for p := range reports {
		res := <-p.done
		rec := telemetry.Record{
			FileInAcq: p.segment,
			Path:      res.Path,
			Packets:   res.Packets,
			SizeMB:    telemetry.SizeMB(int64(res.Bytes)),
		}
		if res.Err != nil {
			t.failed++
			rec.Error = res.Err.Error()
			c.log.Error("[capture] Segment %d on %s failed: %v", p.segment, res.Volume, res.Err)
			if c.failFast {
				stop(res.Err)
			}
		} else {
			t.written++
			t.bytesWritten += int64(res.Bytes)
		}
		if err := c.reporter.Emit(rec); err != nil {
			c.log.Error("[capture] %v", err)
		}
	}
	out <- t
}
